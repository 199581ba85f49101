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
	"strings"

	"github.com/abcxyz/pkg/cli"
)

// ShowCommand prints everything known about one or more files.
type ShowCommand struct {
	cli.BaseCommand
	flags BaseFlags

	names []string
}

func (c *ShowCommand) Desc() string {
	return "show full details for one or more files"
}

func (c *ShowCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <files...>

Prints the status, owning site, version history, dependencies, and
platform restrictions of each named file.
`
}

func (c *ShowCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	set.AfterParse(func(existingErr error) error {
		c.names = set.Args()
		if len(c.names) == 0 {
			return fmt.Errorf("missing <files> argument")
		}
		return nil
	})
	return set
}

func (c *ShowCommand) Run(ctx context.Context, args []string) error {
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

	w := c.Stdout()
	for i, name := range c.names {
		f := s.Catalog.Get(name)
		if f == nil {
			return fmt.Errorf("unknown file %q", name)
		}
		if i > 0 {
			fmt.Fprintln(w)
		}

		fmt.Fprintf(w, "%s\n", f.Filename)
		fmt.Fprintf(w, "  status:      %s\n", colorFor(f.Status).Sprint(f.Status.String()))
		fmt.Fprintf(w, "  action:      %s\n", f.Action)
		if f.UpdateSite != "" {
			fmt.Fprintf(w, "  update site: %s\n", f.UpdateSite)
		}
		if f.LocalFilename != "" {
			fmt.Fprintf(w, "  local file:  %s (digest %s, mtime %s)\n", f.LocalFilename, f.LocalDigest, f.LocalTimestamp)
		}
		if f.Current != nil {
			fmt.Fprintf(w, "  current:     %s @ %s (%d bytes)\n", f.Current.Checksum, f.Current.Timestamp, f.Current.Filesize)
			if f.Current.Description != "" {
				fmt.Fprintf(w, "  description: %s\n", f.Current.Description)
			}
			for _, d := range f.Current.Dependencies {
				line := "  depends on:  " + d.Filename
				if d.Timestamp != "" {
					line += " (>= " + d.Timestamp + ")"
				}
				if d.Overrides {
					line += " [overrides]"
				}
				fmt.Fprintln(w, line)
			}
			if len(f.Current.Authors) > 0 {
				fmt.Fprintf(w, "  authors:     %s\n", strings.Join(f.Current.Authors, ", "))
			}
			for _, l := range f.Current.Links {
				fmt.Fprintf(w, "  link:        %s\n", l)
			}
		}
		if len(f.Platforms) > 0 {
			fmt.Fprintf(w, "  platforms:   %s\n", strings.Join(f.Platforms, ", "))
		}
		if len(f.Categories) > 0 {
			fmt.Fprintf(w, "  categories:  %s\n", strings.Join(f.Categories, ", "))
		}
		if f.Executable {
			fmt.Fprintf(w, "  executable:  true\n")
		}
		for _, p := range f.Previous {
			line := fmt.Sprintf("  previous:    %s @ %s", p.Checksum, p.Timestamp)
			if p.Filename != "" {
				line += " (as " + p.Filename + ")"
			}
			if p.TimestampObsolete != "" {
				line += " obsoleted " + p.TimestampObsolete
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
