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
)

// RefreshSitesCommand re-fetches every active site's catalog and persists
// the merged result.
type RefreshSitesCommand struct {
	cli.BaseCommand
	flags BaseFlags

	simulate  bool
	updateAll bool
}

func (c *RefreshSitesCommand) Desc() string {
	return "re-fetch all remote catalogs and persist the merged result"
}

func (c *RefreshSitesCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

Fetches every active site's remote catalog, merges them by rank, rescans
the install tree, and saves the refreshed local catalog. With -updateall,
every file with a pending update is also downloaded and installed.
`
}

func (c *RefreshSitesCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)

	f := set.NewSection("REFRESH OPTIONS")
	f.BoolVar(&cli.BoolVar{
		Name:    "simulate",
		Target:  &c.simulate,
		Default: false,
		Usage:   "Report what would change without writing anything.",
	})
	f.BoolVar(&cli.BoolVar{
		Name:    "updateall",
		Target:  &c.updateAll,
		Default: false,
		Usage:   "Also install every pending update after refreshing.",
	})
	return set
}

func (c *RefreshSitesCommand) Run(ctx context.Context, args []string) error {
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

	if c.updateAll {
		if err := s.StageUpdate(ctx, nil, false, false); err != nil {
			return err
		}
	}

	if c.simulate {
		for _, f := range s.Catalog.All() {
			if f.Action.IsMutating() {
				fmt.Fprintf(c.Stdout(), "would %s %s\n", f.Action, f.Filename)
			}
		}
		return nil
	}

	if c.updateAll {
		conflicts := append(s.Conflicts, conflict.CheckInstall(ctx, s.Catalog.All(), conflict.Resolver{
			ByName:        s.Resolve,
			CanUpload:     s.CanUpload,
			ScannedDigest: s.ScannedDigest,
		})...)
		if critical := printConflicts(c.Stderr(), conflicts); critical {
			return fmt.Errorf("critical conflict(s); nothing was changed")
		}

		pending := stagedCount(s.Catalog.All())
		items, touchesBundle := s.InstallItems()
		if len(items) > 0 {
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
		}
		fmt.Fprintf(c.Stdout(), "Applied %d pending change(s)\n", pending)
	}

	if err := s.SaveLocal(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout(), "Refreshed %d update site(s)\n", len(s.ActiveSitesByRank()))
	return nil
}
