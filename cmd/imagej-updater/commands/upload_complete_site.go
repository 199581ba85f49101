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
	"github.com/abcxyz/pkg/sets"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/conflict"
	"github.com/imagej/imagej-updater/updater/model"
	"github.com/imagej/imagej-updater/updater/platform"
)

// UploadCompleteSiteCommand publishes every locally changed file a site
// owns in one batch.
type UploadCompleteSiteCommand struct {
	cli.BaseCommand
	flags BaseFlags

	simulate    bool
	force       bool
	forceShadow bool
	platforms   string

	siteName string
}

func (c *UploadCompleteSiteCommand) Desc() string {
	return "upload every changed file a site owns in one batch"
}

func (c *UploadCompleteSiteCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <site>

Stages every file the named site owns whose local content differs from the
site's current record (plus local-only files, which are adopted by the
site), then uploads them all and republishes the site catalog.
`
}

func (c *UploadCompleteSiteCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)

	f := set.NewSection("UPLOAD OPTIONS")
	f.BoolVar(&cli.BoolVar{
		Name:    "simulate",
		Target:  &c.simulate,
		Default: false,
		Usage:   "Report what would be uploaded without contacting the remote site.",
	})
	f.BoolVar(&cli.BoolVar{
		Name:    "force",
		Target:  &c.force,
		Default: false,
		Usage:   "Also republish files whose local copy is an older catalog version.",
	})
	f.BoolVar(&cli.BoolVar{
		Name:    "force-shadow",
		Target:  &c.forceShadow,
		Default: false,
		Usage:   "Also adopt files currently owned by other sites, shadowing their entries.",
	})
	f.StringVar(&cli.StringVar{
		Name:    "platforms",
		Example: "linux64,win64",
		Target:  &c.platforms,
		Usage:   "Comma-separated platform tags to restrict the batch to.",
	})

	set.AfterParse(func(existingErr error) error {
		c.siteName = strings.TrimSpace(set.Arg(0))
		if c.siteName == "" {
			return fmt.Errorf("missing <site> argument")
		}
		return nil
	})
	return set
}

func (c *UploadCompleteSiteCommand) Run(ctx context.Context, args []string) error {
	if err := c.Flags().Parse(args); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}

	wantPlatforms, err := parsePlatforms(c.platforms)
	if err != nil {
		return err
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

	site := s.Catalog.Site(c.siteName)
	if site == nil {
		return fmt.Errorf("unknown update site %q", c.siteName)
	}

	var staged []*model.File
	for _, f := range s.Catalog.All() {
		if f.LocalDigest == "" {
			continue
		}
		if len(wantPlatforms) > 0 && !platformIntersects(f.Platforms, wantPlatforms) {
			continue
		}

		switch {
		case f.UpdateSite == c.siteName:
			upToDate := f.Current != nil && f.Current.Checksum == f.LocalDigest
			if upToDate {
				continue
			}
			if f.Status == model.StatusUpdateable && !c.force {
				continue // local is an older catalog version; don't regress without -force
			}
		case f.UpdateSite == "":
			f.UpdateSite = c.siteName // adopt local-only files
		default:
			if !c.forceShadow {
				continue
			}
			f.UpdateSite = c.siteName
		}

		if !s.CanUpload(f) {
			return fmt.Errorf("site %q has no upload transport configured", c.siteName)
		}
		f.Action = model.ActionUpload
		staged = append(staged, f)
	}

	if len(staged) == 0 {
		fmt.Fprintf(c.Stdout(), "Site %s is already complete\n", c.siteName)
		return nil
	}

	conflicts := conflict.CheckUpload(ctx, s.Catalog.All(), c.siteName, conflict.Resolver{
		ByName:        s.Resolve,
		CanUpload:     s.CanUpload,
		ScannedDigest: s.ScannedDigest,
	})
	if critical := printConflicts(c.Stderr(), conflicts); critical || len(conflicts) > 0 {
		return fmt.Errorf("%d unresolved conflict(s); nothing was uploaded", len(conflicts))
	}

	if c.simulate {
		for _, f := range staged {
			fmt.Fprintf(c.Stdout(), "would upload %s to %s\n", f.Filename, c.siteName)
		}
		return nil
	}

	return runUpload(ctx, c.Stdout(), s, c.siteName, staged)
}

// parsePlatforms splits and validates a comma-separated platform-tag list.
func parsePlatforms(list string) ([]string, error) {
	if list == "" {
		return nil, nil
	}
	var tags []string
	for _, t := range strings.Split(list, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	var known []string
	for _, t := range tags {
		if platform.IsKnownTag(t) {
			known = append(known, t)
		}
	}
	if unknown := sets.Subtract(tags, known); len(unknown) > 0 {
		return nil, apperror.New(apperror.ErrPlatformMismatch, "",
			fmt.Sprintf("unknown platform tag(s): %s", strings.Join(unknown, ", ")))
	}
	return tags, nil
}

// platformIntersects reports whether a file restricted to filePlatforms is
// in scope for a batch restricted to want. Unrestricted files always are.
func platformIntersects(filePlatforms, want []string) bool {
	if len(filePlatforms) == 0 {
		return true
	}
	for _, fp := range filePlatforms {
		for _, w := range want {
			if platform.Matches(fp, w) || platform.Matches(w, fp) {
				return true
			}
		}
	}
	return false
}
