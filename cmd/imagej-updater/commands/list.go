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
	"sort"
	"strings"

	"github.com/abcxyz/pkg/cli"

	"github.com/imagej/imagej-updater/updater/model"
)

// ListMode selects which subset of the catalog a ListCommand prints; each
// list-* subcommand is the same command with a different mode baked in.
type ListMode int

const (
	ListAll ListMode = iota
	ListCurrent
	ListUpToDate
	ListNotUpToDate
	ListUpdateable
	ListModified
	ListLocalOnly
	ListShadowed
	ListFromSite
)

// ListCommand implements every list-* subcommand.
type ListCommand struct {
	cli.BaseCommand
	flags BaseFlags

	Mode ListMode

	// names are positional file filters (or the site name for
	// ListFromSite).
	names []string
}

func (c *ListCommand) Desc() string {
	switch c.Mode {
	case ListCurrent:
		return "list all locally installed files"
	case ListUpToDate:
		return "list files whose local copy matches the catalog"
	case ListNotUpToDate:
		return "list files needing attention (updateable, modified, obsolete, local-only)"
	case ListUpdateable:
		return "list files with a newer version in the catalog"
	case ListModified:
		return "list files with local modifications"
	case ListLocalOnly:
		return "list files unknown to every update site"
	case ListShadowed:
		return "list files where one site's entry shadows another's"
	case ListFromSite:
		return "list files owned by a given update site"
	default:
		return "list tracked files and their status"
	}
}

func (c *ListCommand) Help() string {
	if c.Mode == ListFromSite {
		return `
Usage: {{ COMMAND }} [options] <site>

Lists every file owned by the named update site, with its status.
`
	}
	return `
Usage: {{ COMMAND }} [options] [files...]

Lists tracked files with their status and pending action. With no
arguments, all matching files are shown; naming files restricts the
listing.
`
}

func (c *ListCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)
	set.AfterParse(func(existingErr error) error {
		c.names = set.Args()
		if c.Mode == ListFromSite && len(c.names) != 1 {
			return fmt.Errorf("expected exactly one <site> argument")
		}
		return nil
	})
	return set
}

func (c *ListCommand) Run(ctx context.Context, args []string) error {
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

	files := s.Catalog.All()
	if c.Mode == ListFromSite {
		files = s.Catalog.FilesFromSite(c.names[0])
	} else if c.Mode == ListShadowed {
		files = s.Catalog.ShadowedFiles()
	} else if len(c.names) > 0 {
		want := map[string]bool{}
		for _, n := range c.names {
			want[model.StripVersion(n)] = true
		}
		var filtered []*model.File
		for _, f := range files {
			if want[f.Filename] {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}

	for _, f := range files {
		if !c.include(f) {
			continue
		}
		c.printRow(f)
	}
	return nil
}

func (c *ListCommand) include(f *model.File) bool {
	switch c.Mode {
	case ListCurrent:
		return f.LocalFilename != ""
	case ListUpToDate:
		return f.Status == model.StatusInstalled
	case ListNotUpToDate:
		switch f.Status {
		case model.StatusInstalled, model.StatusNotInstalled, model.StatusNew, model.StatusObsoleteUninstalled:
			return false
		}
		return true
	case ListUpdateable:
		return f.Status == model.StatusUpdateable
	case ListModified:
		return f.Status == model.StatusModified || f.Status == model.StatusObsoleteModified
	case ListLocalOnly:
		return f.Status == model.StatusLocalOnly
	default:
		return true
	}
}

func (c *ListCommand) printRow(f *model.File) {
	status := colorFor(f.Status).Sprint(f.Status.String())
	site := f.UpdateSite
	if site == "" {
		site = "-"
	}
	extra := ""
	if c.Mode == ListShadowed {
		var losers []string
		for name := range f.OverriddenSites {
			losers = append(losers, name)
		}
		sort.Strings(losers)
		extra = " (shadows " + strings.Join(losers, ", ") + ")"
	}
	fmt.Fprintf(c.Stdout(), "%-20s %-12s %s%s\n", status, site, f.Filename, extra)
}
