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
	"regexp"
	"strings"

	"github.com/abcxyz/pkg/cli"

	"github.com/imagej/imagej-updater/updater/install"
	"github.com/imagej/imagej-updater/updater/model"
	"github.com/imagej/imagej-updater/updater/session"
)

var timestampArgRE = regexp.MustCompile(`^[0-9]{14}$`)

// DowngradeCommand installs the newest version of each file at or before a
// given point in time.
type DowngradeCommand struct {
	cli.BaseCommand
	flags BaseFlags

	simulate bool

	timestamp string
	names     []string
}

func (c *DowngradeCommand) Desc() string {
	return "install the newest version at or before a given timestamp"
}

func (c *DowngradeCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <timestamp> [files...]

For each named file (all files when no names are given), finds the newest
recorded version whose timestamp is at or before the given 14-digit
YYYYMMDDhhmmss timestamp, downloads it, and installs it in place of the
current local copy.
`
}

func (c *DowngradeCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)

	f := set.NewSection("DOWNGRADE OPTIONS")
	f.BoolVar(&cli.BoolVar{
		Name:    "simulate",
		Target:  &c.simulate,
		Default: false,
		Usage:   "Report what would be downgraded without changing anything.",
	})

	set.AfterParse(func(existingErr error) error {
		c.timestamp = strings.TrimSpace(set.Arg(0))
		if !timestampArgRE.MatchString(c.timestamp) {
			return fmt.Errorf("expected a 14-digit YYYYMMDDhhmmss <timestamp> argument")
		}
		c.names = set.Args()[1:]
		return nil
	})
	return set
}

func (c *DowngradeCommand) Run(ctx context.Context, args []string) error {
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
		v := versionAsOf(f, c.timestamp)
		if v == nil {
			continue
		}
		if v.Checksum == f.LocalDigest {
			continue // already at that version
		}
		site := s.Catalog.Site(f.UpdateSite)
		if site == nil {
			continue
		}

		if c.simulate {
			fmt.Fprintf(c.Stdout(), "would downgrade %s to %s\n", f.Filename, v.Timestamp)
			continue
		}

		name := f.Filename
		if v.Filename != "" {
			name = v.Filename
		}
		size := int64(-1)
		if f.Current != nil && v.Checksum == f.Current.Checksum {
			size = f.Current.Filesize
		}
		if f.LocalFilename != "" && f.LocalFilename != f.Filename {
			items = append(items, install.Item{RelPath: f.LocalFilename, Uninstall: true})
		}
		items = append(items, install.Item{
			RelPath:    f.Filename,
			RemoteURL:  site.BaseURL + session.EncodePath(name) + "-" + v.Timestamp,
			Filesize:   size,
			Digest:     v.Checksum,
			Executable: f.Executable,
		})
		f.Action = model.ActionUpdate
	}

	if c.simulate || len(items) == 0 {
		if len(items) == 0 && !c.simulate {
			fmt.Fprintln(c.Stdout(), "Nothing to downgrade")
		}
		return nil
	}

	if err := s.VerifyUnchanged(ctx); err != nil {
		return err
	}
	inst := install.NewInstaller(s.Root, s.AppName)
	if err := inst.Run(ctx, items, terminalSink(c.Stdout())); err != nil {
		return err
	}
	// The tree now holds older-than-current content; re-scan rather than
	// assume, so statuses come out UPDATEABLE instead of INSTALLED.
	if err := s.Scan(ctx); err != nil {
		return err
	}
	if err := s.SaveLocal(ctx); err != nil {
		return err
	}
	fmt.Fprintf(c.Stdout(), "Downgraded to the state of %s\n", c.timestamp)
	return nil
}

// versionAsOf returns the newest recorded version of f at or before ts, or
// nil if f has no version that old.
func versionAsOf(f *model.File, ts string) *model.Version {
	var best *model.Version
	consider := func(v *model.Version) {
		if v == nil || v.Timestamp > ts {
			return
		}
		if best == nil || best.Less(v) {
			best = v
		}
	}
	consider(f.Current)
	for _, p := range f.Previous {
		consider(p)
	}
	return best
}
