// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"fmt"

	"github.com/abcxyz/pkg/cli"

	"github.com/imagej/imagej-updater/updater/conflict"
	"github.com/imagej/imagej-updater/updater/install"
	"github.com/imagej/imagej-updater/updater/model"
)

// UpdateCommand implements update, update-force, and update-force-pristine
// (the latter two are the same command with Force/Pristine baked in).
type UpdateCommand struct {
	cli.BaseCommand
	flags BaseFlags

	// Force also overwrites locally modified files.
	Force bool
	// Pristine additionally removes obsolete local copies.
	Pristine bool

	names []string
}

func (c *UpdateCommand) Desc() string {
	switch {
	case c.Pristine:
		return "update all files, overwriting local changes and removing obsolete copies"
	case c.Force:
		return "update all files, overwriting local changes"
	default:
		return "download and install pending updates"
	}
}

func (c *UpdateCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] [files...]

Stages every named file (or, with no arguments, every file with a pending
update) into the update directory, verifies the downloads, and moves them
into place. Conflicts are reported before anything is touched; a critical
conflict aborts the run.
`
}

func (c *UpdateCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	set.AfterParse(func(existingErr error) error {
		c.names = set.Args()
		return nil
	})
	return set
}

func (c *UpdateCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	s, err := c.flags.open(ctx)
	if err != nil {
		return err
	}
	if err := s.RefreshRemotes(ctx, true); err != nil {
		return err
	}
	if err := s.Scan(ctx); err != nil {
		return err
	}

	if err := s.StageUpdate(ctx, c.names, c.Force, c.Pristine); err != nil {
		return err
	}

	conflicts := append(s.Conflicts, conflict.CheckInstall(ctx, s.Catalog.All(), conflict.Resolver{
		ByName:        s.Resolve,
		CanUpload:     s.CanUpload,
		ScannedDigest: s.ScannedDigest,
	})...)
	// Without --force, a would-lose-local-changes warning blocks the batch.
	critical := printConflicts(c.Stderr(), conflicts)
	if critical || (!c.Force && len(conflicts) > 0) {
		return fmt.Errorf("%d unresolved conflict(s); nothing was changed", len(conflicts))
	}

	items, touchesBundle := s.InstallItems()
	if len(items) == 0 {
		fmt.Fprintln(c.Stdout(), "Already up to date")
		return nil
	}

	if err := s.VerifyUnchanged(ctx); err != nil {
		return err
	}

	inst := install.NewInstaller(s.Root, s.AppName)
	if touchesBundle {
		if err := inst.BackupBundle(ctx); err != nil {
			return fmt.Errorf("back up platform bundle: %w", err)
		}
	}
	if err := inst.Run(ctx, items, terminalSink(c.Stdout())); err != nil {
		return err
	}

	s.ApplyInstall(ctx)
	if err := s.SaveLocal(ctx); err != nil {
		return err
	}

	n := 0
	for _, it := range items {
		if !it.Uninstall {
			n++
		}
	}
	fmt.Fprintf(c.Stdout(), "Installed %d file(s)\n", n)
	return nil
}

// stagedCount reports how many files currently carry a mutating action,
// for the refresh command's --updateall summary.
func stagedCount(files []*model.File) int {
	n := 0
	for _, f := range files {
		if f.Action.IsMutating() {
			n++
		}
	}
	return n
}
