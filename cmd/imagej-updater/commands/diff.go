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
	"io"
	"net/http"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/posener/complete/v2/predict"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/abcxyz/pkg/cli"

	"github.com/imagej/imagej-updater/updater/model"
)

const (
	diffModeBrief = "brief"
	diffModeFull  = "full"
)

// DiffCommand compares local file content against the catalog's current
// version.
type DiffCommand struct {
	cli.BaseCommand
	flags BaseFlags

	mode  string
	names []string
}

func (c *DiffCommand) Desc() string {
	return "compare local files against their catalog versions"
}

func (c *DiffCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] [files...]

Compares each named locally modified file (all modified files when no
names are given) against the content its owning site currently
advertises. Mode "brief" reports only whether the content differs; "full"
prints a line diff for text files.
`
}

func (c *DiffCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)

	f := set.NewSection("DIFF OPTIONS")
	f.StringVar(&cli.StringVar{
		Name:    "mode",
		Example: diffModeFull,
		Default: diffModeFull,
		Target:  &c.mode,
		Predict: predict.Set([]string{diffModeBrief, diffModeFull}),
		Usage:   "How to render differences: brief|full.",
	})

	set.AfterParse(func(existingErr error) error {
		if c.mode != diffModeBrief && c.mode != diffModeFull {
			return fmt.Errorf("invalid -mode %q; expected brief or full", c.mode)
		}
		c.names = set.Args()
		return nil
	})
	return set
}

func (c *DiffCommand) Run(ctx context.Context, args []string) error {
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
			if f.Status == model.StatusModified || f.Status == model.StatusObsoleteModified {
				targets = append(targets, f)
			}
		}
	}

	for _, f := range targets {
		if f.LocalFilename == "" {
			fmt.Fprintf(c.Stdout(), "%s: not installed locally\n", f.Filename)
			continue
		}
		if f.Current == nil {
			fmt.Fprintf(c.Stdout(), "%s: no catalog version to compare against\n", f.Filename)
			continue
		}
		if f.Current.Checksum == f.LocalDigest {
			fmt.Fprintf(c.Stdout(), "%s: unchanged\n", f.Filename)
			continue
		}
		if c.mode == diffModeBrief {
			fmt.Fprintf(c.Stdout(), "%s: differs from %s\n", f.Filename, f.UpdateSite)
			continue
		}
		if err := c.printDiff(ctx, s.FileURL(f), filepath.Join(s.Root, filepath.FromSlash(f.LocalFilename)), f.Filename); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiffCommand) printDiff(ctx context.Context, remoteURL, localPath, name string) error {
	local, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %q: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %q: %w", remoteURL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %q: %w", remoteURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %q: unexpected status %s", remoteURL, resp.Status)
	}
	remote, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read remote %q: %w", name, err)
	}

	if !utf8.Valid(local) || !utf8.Valid(remote) {
		fmt.Fprintf(c.Stdout(), "%s: binary content differs (%d bytes local, %d bytes remote)\n",
			name, len(local), len(remote))
		return nil
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(remote), string(local))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	fmt.Fprintf(c.Stdout(), "--- %s (remote)\n+++ %s (local)\n", name, name)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			fmt.Fprint(c.Stdout(), prefixLines("-", d.Text))
		case diffmatchpatch.DiffInsert:
			fmt.Fprint(c.Stdout(), prefixLines("+", d.Text))
		}
	}
	return nil
}

func prefixLines(prefix, text string) string {
	out := ""
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			out += prefix + text[start:i+1]
			start = i + 1
		}
	}
	if start < len(text) {
		out += prefix + text[start:] + "\n"
	}
	return out
}
