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

// Package scan walks a local install tree and builds the set of candidate
// Files it contains. It knows nothing about catalogs beyond
// the resolve callback it's given; reconcile derives Status from what it
// produces.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/imagej/imagej-updater/updater/fsx"
	"github.com/imagej/imagej-updater/updater/hash"
	"github.com/imagej/imagej-updater/updater/model"
)

// trackedExtensions is the closed set of top-level directory -> extension
// rules. A file outside these directories, or with an
// extension this directory doesn't list, is not a candidate -- unless it
// falls under one of the special cases below (app bundles, launchers).
var trackedExtensions = map[string][]string{
	"jars":    {".jar", ".class"},
	"plugins": {".jar", ".class", ".py", ".txt", ".ijm", ".bsh", ".js", ".clj", ".groovy", ".rb"},
	"macros":  {".ijm", ".txt", ".py", ".js"},
	"scripts": {".py", ".js", ".bsh", ".rb", ".clj", ".groovy", ".ijm"},
	"lib":     {".jar", ".dll", ".so", ".dylib"},
	"config":  {".xml", ".txt", ".properties"},
}

// topLevelLaunchers are candidate regardless of extension: bare launcher
// executables living at the root of the install tree.
var topLevelLaunchers = map[string]bool{
	"ImageJ-linux64":     true,
	"ImageJ-linux-arm64": true,
	"ImageJ-win64.exe":   true,
	"ImageJ.exe":         true,
	"ImageJ":             true,
}

// candidate is one on-disk file eligible for tracking, before grouping.
type candidate struct {
	relPath string
	mtime   string
}

// Result is the outcome of a scan: the set of tracked Files found (one per
// logical filename, conflicts already resolved), and any conflicts raised
// along the way.
type Result struct {
	Files     []*model.File
	Conflicts []model.Conflict
}

// Walk enumerates the install tree rooted at root, hashes each eligible
// file (reusing cache entries where the mtime hasn't changed), groups
// same-logical-name candidates, resolves multi-candidate conflicts per the
// up-to-date > obsolete > locally-modified preference order, and returns
// one model.File per logical name found locally.
//
// resolve looks up a logical filename's current catalog record (nil if
// untracked by any site); it's used to rank conflicting candidates, and the
// record's version history and metadata are copied onto the returned File.
func Walk(ctx context.Context, fsys fsx.FS, root string, cache *DigestCache, resolve func(logical string) *model.File) (*Result, error) {
	logger := logging.FromContext(ctx).With("logger", "scan.Walk")

	groups := map[string][]candidate{}

	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		name := d.Name()

		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(name, ".old") || strings.HasSuffix(name, ".old.app") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if !eligible(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", p, err)
		}
		logical := logicalName(rel)
		groups[logical] = append(groups[logical], candidate{
			relPath: rel,
			mtime:   formatMtime(info.ModTime()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", root, err)
	}

	logicals := make([]string, 0, len(groups))
	for l := range groups {
		logicals = append(logicals, l)
	}
	sort.Strings(logicals)

	res := &Result{}
	for _, logical := range logicals {
		cands := groups[logical]
		sort.Slice(cands, func(i, j int) bool { return cands[i].relPath < cands[j].relPath })

		catalogFile := resolve(logical)

		type scored struct {
			candidate
			digest string
			legacy []string
			rank   int
		}

		scoredCands := make([]scored, 0, len(cands))
		for _, c := range cands {
			digest, legacy, err := digestOf(fsys, root, c, cache)
			if err != nil {
				return nil, fmt.Errorf("hash %q: %w", c.relPath, err)
			}
			scoredCands = append(scoredCands, scored{candidate: c, digest: digest, legacy: legacy, rank: rankOf(digest, catalogFile)})
		}

		sort.SliceStable(scoredCands, func(i, j int) bool {
			if scoredCands[i].rank != scoredCands[j].rank {
				return scoredCands[i].rank < scoredCands[j].rank
			}
			return scoredCands[i].mtime > scoredCands[j].mtime // newer wins ties
		})

		winner := scoredCands[0]
		if len(scoredCands) > 1 {
			conflict := model.Conflict{
				Severity: model.SeverityError,
				Filename: logical,
				Message:  fmt.Sprintf("multiple local candidates found for %q", logical),
			}
			for _, sc := range scoredCands {
				sc := sc
				desc := fmt.Sprintf("keep %s", sc.relPath)
				if sc.relPath == winner.relPath {
					desc += " (preferred)"
				}
				conflict.Resolutions = append(conflict.Resolutions, model.Resolution{
					Description: desc,
					Effect: func() error {
						return nil // selection already applied below; removal of losers is a caller decision.
					},
				})
			}
			res.Conflicts = append(res.Conflicts, conflict)
			logger.WarnContext(ctx, "resolved local naming conflict",
				"logical", logical, "kept", winner.relPath, "candidates", len(scoredCands))
		}

		f := &model.File{
			Filename:          logical,
			LocalFilename:     winner.relPath,
			LocalDigest:       winner.digest,
			LocalTimestamp:    winner.mtime,
			LocalLegacyDigest: winner.legacy,
		}
		if catalogFile != nil {
			f.Current = catalogFile.Current
			f.Previous = catalogFile.Previous
			f.UpdateSite = catalogFile.UpdateSite
			f.Platforms = catalogFile.Platforms
			f.Categories = catalogFile.Categories
			f.Executable = catalogFile.Executable
			f.OverriddenSites = catalogFile.OverriddenSites
		}
		res.Files = append(res.Files, f)
	}

	return res, nil
}

// rankOf scores a candidate digest against a catalog record: 0 if it
// matches the current version (up to date), 1 if it matches a previous
// version (obsolete), 2 otherwise (locally modified / unknown).
func rankOf(digest string, catalogFile *model.File) int {
	if catalogFile == nil {
		return 2
	}
	if catalogFile.Current != nil && catalogFile.Current.Checksum == digest {
		return 0
	}
	if catalogFile.HasPreviousChecksum(digest) {
		return 1
	}
	return 2
}

func digestOf(fsys fsx.FS, root string, c candidate, cache *DigestCache) (string, []string, error) {
	diskPath := path.Join(root, c.relPath)

	if d, ok := cache.Lookup(c.relPath, c.mtime); ok {
		return d, cache.LegacyEquivalents(d), nil
	}

	digest, err := hash.Digest(diskPath, c.relPath)
	if err != nil {
		return "", nil, err
	}
	legacy, err := hash.LegacyDigests(diskPath, c.relPath)
	if err != nil {
		return "", nil, err
	}
	cache.Put(c.relPath, digest, c.mtime, legacy)
	return digest, legacy, nil
}

// eligible reports whether rel should be treated as a trackable candidate
// at all, per the closed set of directory/extension rules plus the app
// bundle and bare-launcher special cases.
func eligible(rel string) bool {
	parts := strings.SplitN(rel, "/", 2)
	top := parts[0]

	if strings.HasSuffix(top, ".app") {
		return true
	}
	if len(parts) == 1 && topLevelLaunchers[top] {
		return true
	}

	exts, ok := trackedExtensions[top]
	if !ok {
		return false
	}
	ext := strings.ToLower(path.Ext(rel))
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

// logicalName derives the grouping key for rel: its directory joined with
// the version-stripped basename. Files in different directories never
// collide even if their stripped basenames match.
func logicalName(rel string) string {
	dir, base := path.Split(rel)
	stripped := model.StripVersion(base)
	return dir + stripped
}

func formatMtime(t time.Time) string {
	return t.UTC().Format("20060102150405")
}
