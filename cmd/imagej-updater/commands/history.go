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

	"github.com/imagej/imagej-updater/updater/model"
)

// HistoryCommand prints the recorded version history of files.
type HistoryCommand struct {
	cli.BaseCommand
	flags BaseFlags

	names []string
}

func (c *HistoryCommand) Desc() string {
	return "show the recorded version history of files"
}

func (c *HistoryCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] [files...]

Prints every known version of each named file (all files with history when
no names are given), newest first, marking the current version and the
locally installed one.
`
}

func (c *HistoryCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	set.AfterParse(func(existingErr error) error {
		c.names = set.Args()
		return nil
	})
	return set
}

func (c *HistoryCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	s, err := c.flags.open(ctx)
	if err != nil {
		return err
	}
	if err := s.RefreshRemotes(ctx, false); err != nil {
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
		for _, f := range s.Catalog.All() {
			if f.Current != nil || len(f.Previous) > 0 {
				targets = append(targets, f)
			}
		}
	}

	for _, f := range targets {
		fmt.Fprintf(c.Stdout(), "%s\n", f.Filename)
		if f.Current != nil {
			marker := ""
			if f.Current.Checksum == f.LocalDigest {
				marker = " (installed)"
			}
			fmt.Fprintf(c.Stdout(), "  %s  %s  current%s\n", f.Current.Timestamp, f.Current.Checksum, marker)
		}
		// Previous versions are kept sorted ascending; print newest first.
		for i := len(f.Previous) - 1; i >= 0; i-- {
			p := f.Previous[i]
			marker := ""
			if p.Checksum == f.LocalDigest {
				marker = " (installed)"
			}
			line := fmt.Sprintf("  %s  %s", p.Timestamp, p.Checksum)
			if p.Filename != "" {
				line += "  as " + p.Filename
			}
			if p.TimestampObsolete != "" {
				line += "  obsoleted " + p.TimestampObsolete
			}
			fmt.Fprintf(c.Stdout(), "%s%s\n", line, marker)
		}
	}
	return nil
}
