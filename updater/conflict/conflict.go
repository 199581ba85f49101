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

// Package conflict implements the two-pass conflict detector: one pass
// for install/update staging, one for upload staging. Both
// passes produce model.Conflict values carrying named Resolutions; neither
// pass mutates any File itself -- applying a Resolution's Effect is the
// caller's job.
//
// The severity/resolution shape here is cross-checked against the
// reconciliation and sync-conflict packages surveyed across the example
// pack (onedrive-go's conflict.go, oc-mirror's catalog diff/delete) for the
// idiomatic "severity enum + list of named resolutions" Go shape; see
// DESIGN.md.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/abcxyz/pkg/logging"

	"github.com/imagej/imagej-updater/updater/model"
	"github.com/imagej/imagej-updater/updater/reconcile"
)

// Resolver exposes the lookups the conflict passes need without coupling
// them to updater/catalog directly, so both passes can be exercised
// against an in-memory fixture in tests.
type Resolver struct {
	// ByName resolves a logical filename to its File, or nil if unknown.
	ByName func(filename string) *model.File
	// CanUpload reports whether f's owning site grants upload rights.
	CanUpload func(f *model.File) bool
	// ScannedDigest returns the digest the scanner last recorded for
	// filename, used by the upload pass's timestamp-skew check. Callers
	// that don't need the check (e.g. install-only usage) may leave this
	// nil, in which case the check is skipped.
	ScannedDigest func(filename string) string
}

// CheckInstall runs the install/update conflict pass over files (the
// full working set, not just the staged subset -- staged files are
// identified by their Action field).
func CheckInstall(ctx context.Context, files []*model.File, r Resolver) []model.Conflict {
	logger := logging.FromContext(ctx).With("logger", "conflict.CheckInstall")
	var out []model.Conflict

	for _, f := range files {
		switch f.Action {
		case model.ActionInstall, model.ActionUpdate:
			for _, depName := range reconcile.TransitiveNonOverridingDeps(f, r.ByName) {
				dep := r.ByName(depName)
				if dep == nil {
					out = append(out, model.Conflict{
						Severity: model.SeverityError,
						Filename: f.Filename,
						Message:  fmt.Sprintf("%s depends on %s, which is not provided by any update site", f.Filename, depName),
					})
					continue
				}
				upToDate := dep.Current != nil && dep.Current.Checksum == dep.LocalDigest
				staged := dep.Action == model.ActionInstall || dep.Action == model.ActionUpdate
				if !upToDate && !staged {
					out = append(out, model.Conflict{
						Severity: model.SeverityError,
						Filename: f.Filename,
						Message:  fmt.Sprintf("%s depends on %s, which is neither up to date locally nor staged to install/update", f.Filename, depName),
						Resolutions: []model.Resolution{
							{Description: fmt.Sprintf("also stage %s to update", depName)},
						},
					})
				}
			}

			if f.Status == model.StatusModified || f.Status == model.StatusObsoleteModified {
				out = append(out, model.Conflict{
					Severity: model.SeverityError,
					Filename: f.Filename,
					Message:  fmt.Sprintf("local changes to %s would be lost by this update", f.Filename),
					Resolutions: []model.Resolution{
						{Description: "keep local", Effect: func() error { f.Action = model.ActionModified; return nil }},
						{Description: "overwrite", Effect: func() error { return nil }},
					},
				})
			}

		case model.ActionObsolete:
			if f.Status == model.StatusObsolete || f.Status == model.StatusObsoleteModified {
				out = append(out, model.Conflict{
					Severity: model.SeverityError,
					Filename: f.Filename,
					Message:  fmt.Sprintf("%s is obsolete but you have chosen to keep it installed", f.Filename),
					Resolutions: []model.Resolution{
						{Description: "uninstall", Effect: func() error { f.Action = model.ActionUninstall; return nil }},
						{Description: "do not update", Effect: func() error { return nil }},
					},
				})
			}
		}
	}

	logger.DebugContext(ctx, "install pass complete", "conflicts", len(out))
	return out
}

// CheckUpload runs the upload conflict pass, restricted to the files
// owned by siteName.
func CheckUpload(ctx context.Context, files []*model.File, siteName string, r Resolver) []model.Conflict {
	logger := logging.FromContext(ctx).With("logger", "conflict.CheckUpload")
	var out []model.Conflict

	siteFiles := make(map[string]*model.File)
	for _, f := range files {
		if f.UpdateSite == siteName {
			siteFiles[f.Filename] = f
		}
	}

	if cyclePath := findCycle(siteFiles); cyclePath != nil {
		out = append(out, model.Conflict{
			Severity: model.SeverityCritical,
			Message:  strings.Join(cyclePath, " -> "),
		})
	}

	for _, f := range files {
		if f.Action != model.ActionUpload {
			continue
		}

		for _, depName := range reconcile.TransitiveNonOverridingDeps(f, r.ByName) {
			dep := r.ByName(depName)
			if dep == nil {
				continue
			}
			if dep.Action == model.ActionRemove {
				out = append(out, model.Conflict{
					Severity: model.SeverityError,
					Filename: f.Filename,
					Message:  fmt.Sprintf("%s is staged to upload but depends on %s, which is staged for removal", f.Filename, depName),
					Resolutions: []model.Resolution{
						{Description: "break dependency", Effect: func() error { removeDependency(f, depName); return nil }},
					},
				})
			}
		}

		if r.ScannedDigest != nil && r.ScannedDigest(f.Filename) != f.LocalDigest {
			out = append(out, model.Conflict{
				Severity: model.SeverityError,
				Filename: f.Filename,
				Message:  fmt.Sprintf("%s changed on disk since it was last scanned", f.Filename),
				Resolutions: []model.Resolution{
					{Description: "re-checksum"},
				},
			})
		}
	}

	for _, f := range siteFiles {
		if f.Current == nil && len(f.Previous) > 0 && len(reconcile.TransitiveNonOverridingDeps(f, r.ByName)) > 0 {
			out = append(out, model.Conflict{
				Severity: model.SeverityError,
				Filename: f.Filename,
				Message:  fmt.Sprintf("%s is obsolete but still declares dependencies", f.Filename),
			})
		}
	}

	logger.DebugContext(ctx, "upload pass complete", "site", siteName, "conflicts", len(out))
	return out
}

func removeDependency(f *model.File, depName string) {
	if f.Current == nil {
		return
	}
	out := f.Current.Dependencies[:0]
	for _, d := range f.Current.Dependencies {
		if d.Filename != depName {
			out = append(out, d)
		}
	}
	f.Current.Dependencies = out
}

// findCycle does a DFS over the non-overriding dependency edges among
// siteFiles and returns the first cycle found as an ordered path
// "a.jar -> b.jar -> a.jar", or nil if the graph is acyclic.
func findCycle(siteFiles map[string]*model.File) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(siteFiles))

	names := make([]string, 0, len(siteFiles))
	for n := range siteFiles {
		names = append(names, n)
	}
	sort.Strings(names)

	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)

		f := siteFiles[name]
		if f.Current != nil {
			deps := append([]model.Dependency(nil), f.Current.Dependencies...)
			sort.Slice(deps, func(i, j int) bool { return deps[i].Filename < deps[j].Filename })
			for _, d := range deps {
				if d.Overrides {
					continue
				}
				if _, ok := siteFiles[d.Filename]; !ok {
					continue
				}
				switch color[d.Filename] {
				case white:
					if visit(d.Filename) {
						return true
					}
				case gray:
					idx := indexOf(path, d.Filename)
					cycle = append(append([]string(nil), path[idx:]...), d.Filename)
					return true
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, n := range names {
		if color[n] == white {
			if visit(n) {
				return cycle
			}
		}
	}
	return nil
}

func indexOf(path []string, name string) int {
	for i, p := range path {
		if p == name {
			return i
		}
	}
	return 0
}
