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

	"github.com/imagej/imagej-updater/updater/install"
	"github.com/imagej/imagej-updater/updater/model"
	"github.com/imagej/imagej-updater/updater/reconcile"
)

// RevertCommand restores files whose local "modification" carries no real
// content change (e.g. a rewrite that only re-ordered archive metadata, so
// a legacy digest still matches the catalog).
type RevertCommand struct {
	cli.BaseCommand
	flags BaseFlags

	simulate bool

	names []string
}

func (c *RevertCommand) Desc() string {
	return "restore files whose local changes are not real content changes"
}

func (c *RevertCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] [files...]

Finds files marked MODIFIED whose content is nevertheless equivalent to a
catalog version (a legacy digest matches), and re-downloads the catalog
version so the local tree returns to a pristine state. Files with real
local changes are left untouched.
`
}

func (c *RevertCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)

	f := set.NewSection("REVERT OPTIONS")
	f.BoolVar(&cli.BoolVar{
		Name:    "simulate",
		Target:  &c.simulate,
		Default: false,
		Usage:   "Report what would be reverted without changing anything.",
	})

	set.AfterParse(func(existingErr error) error {
		c.names = set.Args()
		return nil
	})
	return set
}

func (c *RevertCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	s, err := c.flags.open(ctx)
	if err != nil {
		return err
	}
	if err := s.RefreshRemotes(ctx, !c.simulate); err != nil {
		return err
	}
	if err := s.Scan(ctx); err != nil {
		return err
	}

	var targets []*model.File
	if len(c.names) > 0 {
		for _, n := range c.names {
			f := s.Catalog.Get(n)
			if f == nil {
				return fmt.Errorf("unknown file %q", n)
			}
			targets = append(targets, f)
		}
	} else {
		targets = s.Catalog.All()
	}

	var items []install.Item
	for _, f := range targets {
		if f.Status != model.StatusModified && f.Status != model.StatusObsoleteModified {
			continue
		}
		if f.Current == nil {
			continue
		}
		if !reconcile.ShouldRevert(reconcile.RevertCandidate{File: f, CandidateValue: f.Current.Checksum}) {
			continue
		}

		if c.simulate {
			fmt.Fprintf(c.Stdout(), "would revert %s\n", f.Filename)
			continue
		}
		items = append(items, install.Item{
			RelPath:    f.Filename,
			RemoteURL:  s.FileURL(f),
			Filesize:   f.Current.Filesize,
			Digest:     f.Current.Checksum,
			Executable: f.Executable,
		})
		f.Action = model.ActionUpdate
	}

	if c.simulate {
		return nil
	}
	if len(items) == 0 {
		fmt.Fprintln(c.Stdout(), "No unreal changes found")
		return nil
	}

	if err := s.VerifyUnchanged(ctx); err != nil {
		return err
	}
	inst := install.NewInstaller(s.Root, s.AppName)
	if err := inst.Run(ctx, items, terminalSink(c.Stdout())); err != nil {
		return err
	}
	s.ApplyInstall(ctx)
	if err := s.SaveLocal(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout(), "Reverted %d file(s)\n", len(items))
	return nil
}
