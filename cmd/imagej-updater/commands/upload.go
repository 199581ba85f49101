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
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/abcxyz/pkg/cli"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/catalog"
	"github.com/imagej/imagej-updater/updater/conflict"
	"github.com/imagej/imagej-updater/updater/depanalysis"
	"github.com/imagej/imagej-updater/updater/hash"
	"github.com/imagej/imagej-updater/updater/model"
	"github.com/imagej/imagej-updater/updater/session"
	"github.com/imagej/imagej-updater/updater/transport"
	"github.com/imagej/imagej-updater/updater/upload"
)

// UploadCommand publishes one or more files to an update site.
type UploadCommand struct {
	cli.BaseCommand
	flags BaseFlags

	simulate          bool
	updateSite        string
	forceShadow       bool
	forgetMissingDeps bool

	names []string
}

func (c *UploadCommand) Desc() string {
	return "upload files to an update site"
}

func (c *UploadCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options] <files...>

Uploads the named files to their owning update site (or the site given
with -update-site), then publishes a new site catalog under a lock name
and commits it with an atomic rename. The remote catalog's timestamp must
match the locally recorded one; if the site moved underneath us, the
upload aborts without touching anything remote.
`
}

func (c *UploadCommand) Flags() *cli.FlagSet {
	set := c.NewFlagSet()
	c.flags.Register(set)

	f := set.NewSection("UPLOAD OPTIONS")
	f.BoolVar(&cli.BoolVar{
		Name:    "simulate",
		Target:  &c.simulate,
		Default: false,
		Usage:   "Report what would be uploaded without contacting the remote site.",
	})
	f.StringVar(&cli.StringVar{
		Name:    "update-site",
		Example: "My Site",
		Target:  &c.updateSite,
		Usage:   "Upload to this site instead of each file's owning site.",
	})
	f.BoolVar(&cli.BoolVar{
		Name:    "force-shadow",
		Target:  &c.forceShadow,
		Default: false,
		Usage:   "Permit uploading a file that another site already provides, shadowing that site's entry.",
	})
	f.BoolVar(&cli.BoolVar{
		Name:    "forget-missing-dependencies",
		Target:  &c.forgetMissingDeps,
		Default: false,
		Usage:   "Automatically drop dependencies on files the target site does not provide.",
	})

	set.AfterParse(func(existingErr error) error {
		c.names = set.Args()
		if len(c.names) == 0 {
			return fmt.Errorf("missing <files> argument")
		}
		return nil
	})
	return set
}

func (c *UploadCommand) Run(ctx context.Context, args []string) error {
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

	siteName, staged, err := c.stage(ctx, s)
	if err != nil {
		return err
	}

	conflicts := conflict.CheckUpload(ctx, s.Catalog.All(), siteName, conflict.Resolver{
		ByName:        s.Resolve,
		CanUpload:     s.CanUpload,
		ScannedDigest: s.ScannedDigest,
	})
	if c.forgetMissingDeps {
		conflicts = applyResolutions(conflicts, "break dependency")
	}
	if critical := printConflicts(c.Stderr(), conflicts); critical || len(conflicts) > 0 {
		return fmt.Errorf("%d unresolved conflict(s); nothing was uploaded", len(conflicts))
	}

	if c.simulate {
		for _, f := range staged {
			fmt.Fprintf(c.Stdout(), "would upload %s to %s\n", f.Filename, siteName)
		}
		return nil
	}

	return runUpload(ctx, c.Stdout(), s, siteName, staged)
}

// stage validates and marks every named file for upload to a single target
// site, which it returns.
func (c *UploadCommand) stage(ctx context.Context, s *session.Session) (string, []*model.File, error) {
	siteName := c.updateSite
	var staged []*model.File

	for _, name := range c.names {
		f := s.Catalog.Get(name)
		if f == nil {
			return "", nil, fmt.Errorf("unknown file %q", name)
		}

		target := siteName
		if target == "" {
			target = f.UpdateSite
		}
		if target == "" {
			return "", nil, fmt.Errorf("%s is not associated with any update site; use -update-site", f.Filename)
		}
		if siteName == "" {
			siteName = target
		}
		if target != siteName {
			return "", nil, fmt.Errorf("cannot upload to multiple sites at once (%s vs %s)", siteName, target)
		}

		if f.UpdateSite != "" && f.UpdateSite != siteName && !c.forceShadow {
			return "", nil, apperror.New(apperror.ErrShadowConflict, f.Filename,
				fmt.Sprintf("owned by site %q; uploading to %q would shadow it (use -force-shadow)", f.UpdateSite, siteName))
		}
		f.UpdateSite = siteName

		if !s.CanUpload(f) {
			return "", nil, fmt.Errorf("site %q has no upload transport configured", siteName)
		}
		if f.LocalDigest == "" {
			return "", nil, fmt.Errorf("%s is not present locally; nothing to upload", f.Filename)
		}
		f.Action = model.ActionUpload
		staged = append(staged, f)
	}
	return siteName, staged, nil
}

// applyResolutions executes the named resolution on every conflict that
// offers it and drops those conflicts from the returned list.
func applyResolutions(conflicts []model.Conflict, description string) []model.Conflict {
	var remaining []model.Conflict
	for _, cf := range conflicts {
		applied := false
		for _, r := range cf.Resolutions {
			if r.Description == description {
				if r.Effect != nil {
					_ = r.Effect()
				}
				applied = true
				break
			}
		}
		if !applied {
			remaining = append(remaining, cf)
		}
	}
	return remaining
}

// runUpload drives the shared upload tail: stamp provisional versions,
// serialize the site catalog, run the coordinator, and fold the
// authoritative server timestamp back into the local model.
func runUpload(ctx context.Context, stdout io.Writer, s *session.Session, siteName string, staged []*model.File) error {
	site := s.Catalog.Site(siteName)
	if site == nil {
		return fmt.Errorf("unknown update site %q", siteName)
	}

	provisional := session.Timestamp(s.Clock.Now())
	var stagedFiles []upload.StagedFile
	for _, f := range staged {
		diskPath := filepath.Join(s.Root, filepath.FromSlash(f.LocalFilename))
		data, err := s.FS.ReadFile(diskPath)
		if err != nil {
			return fmt.Errorf("read %q: %w", f.LocalFilename, err)
		}

		newCurrent := &model.Version{
			Checksum:  f.LocalDigest,
			Timestamp: provisional,
			Filesize:  int64(len(data)),
		}
		if old := f.Current; old != nil {
			newCurrent.Description = old.Description
			newCurrent.Dependencies = old.Dependencies
			newCurrent.Links = old.Links
			newCurrent.Authors = old.Authors
			if old.Checksum != f.LocalDigest {
				demoted := *old
				demoted.TimestampObsolete = provisional
				demoted.Filesize = 0
				f.Previous = append(f.Previous, &demoted)
				f.SortPrevious()
			}
		}
		f.Current = newCurrent

		stagedFiles = append(stagedFiles, upload.StagedFile{
			Filename:      f.Filename,
			LocalFilename: f.LocalFilename,
			Content:       bytes.NewReader(data),
			Size:          int64(len(data)),
		})
	}

	if err := refreshDependencies(ctx, s, staged); err != nil {
		return err
	}

	catalogBytes, err := siteCatalogBytes(s, siteName)
	if err != nil {
		return err
	}

	if err := s.VerifyUnchanged(ctx); err != nil {
		return err
	}

	tsite := transport.Site{
		Name: site.Name, BaseURL: site.BaseURL,
		SSHHost: site.SSHHost, UploadDir: site.UploadDir,
	}
	t, err := transport.Default().New(transport.ProtocolFor(tsite))
	if err != nil {
		return apperror.Wrap(apperror.ErrTransportUnavailable, siteName, "no usable upload transport", err)
	}

	coord := upload.NewCoordinator(t, tsite)
	res, err := coord.Upload(ctx, stagedFiles, catalogBytes, site.Timestamp, func(sf upload.StagedFile) error {
		diskPath := filepath.Join(s.Root, filepath.FromSlash(sf.LocalFilename))
		digest, err := hash.Digest(diskPath, sf.LocalFilename)
		if err != nil {
			return err
		}
		if got := s.ScannedDigest(sf.Filename); got != "" && got != digest {
			return fmt.Errorf("%s changed on disk since scan", sf.Filename)
		}
		return nil
	}, terminalSink(stdout))
	if err != nil {
		return err
	}

	s.ApplyUpload(siteName, res.Uploaded, res.NewTimestamp)
	if err := s.SaveLocal(ctx); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Uploaded %d file(s) to %s (catalog timestamp %s)\n",
		len(res.Uploaded), siteName, res.NewTimestamp)
	return nil
}

// refreshDependencies recomputes each staged archive's dependency list by
// class-reference analysis against the locally installed archives, keeping
// override-marked declarations that the analyzer cannot see.
func refreshDependencies(ctx context.Context, s *session.Session, staged []*model.File) error {
	var archives []string
	for _, f := range s.Catalog.All() {
		if f.LocalFilename != "" && hash.IsArchive(f.Filename) {
			archives = append(archives, f.Filename)
		}
	}
	open := func(name string) (*zip.ReadCloser, error) {
		rel := name
		if f := s.Catalog.Get(name); f != nil && f.LocalFilename != "" {
			rel = f.LocalFilename
		}
		return zip.OpenReader(filepath.Join(s.Root, filepath.FromSlash(rel)))
	}

	var idx *depanalysis.Index
	for _, f := range staged {
		if !hash.IsArchive(f.Filename) || f.Current == nil {
			continue
		}
		if idx == nil {
			var err error
			if idx, err = depanalysis.BuildIndex(ctx, archives, open); err != nil {
				return fmt.Errorf("index installed archives: %w", err)
			}
		}

		declared := make([]string, 0, len(f.Current.Dependencies))
		overrides := map[string]bool{}
		for _, d := range f.Current.Dependencies {
			declared = append(declared, d.Filename)
			if d.Overrides {
				overrides[d.Filename] = true
			}
		}

		deps, err := depanalysis.Analyze(ctx, f.Filename, open, idx, declared)
		if err != nil {
			return fmt.Errorf("analyze %q: %w", f.Filename, err)
		}

		var out []model.Dependency
		seen := map[string]bool{}
		for _, dep := range deps {
			nd := model.Dependency{Filename: dep, Overrides: overrides[dep]}
			if df := s.Catalog.Get(dep); df != nil && df.Current != nil {
				nd.Timestamp = df.Current.Timestamp
			}
			out = append(out, nd)
			seen[dep] = true
		}
		for _, d := range f.Current.Dependencies {
			if d.Overrides && !seen[d.Filename] {
				out = append(out, d)
			}
		}
		f.Current.Dependencies = out
	}
	return nil
}

// siteCatalogBytes serializes the remote catalog variant containing every
// file the named site owns.
func siteCatalogBytes(s *session.Session, siteName string) ([]byte, error) {
	sub := catalog.New()
	for _, f := range s.Catalog.All() {
		if f.UpdateSite == siteName {
			sub.Put(f)
		}
		// A shadowed contribution from this site is still published by it.
		if shadow, ok := f.OverriddenSites[siteName]; ok && !strings.EqualFold(f.UpdateSite, siteName) {
			sub.Put(shadow)
		}
	}
	var buf bytes.Buffer
	if err := catalog.Write(&buf, sub, catalog.RemoteVariant); err != nil {
		return nil, fmt.Errorf("serialize catalog for %q: %w", siteName, err)
	}
	return buf.Bytes(), nil
}
