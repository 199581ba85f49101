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

// Package reconcile implements the Status/Action state machine: given a
// File's local digest and its catalog-advertised current/previous versions,
// it derives the descriptive Status, and it validates or cascades the
// user-chosen Action.
package reconcile

import (
	"fmt"

	"github.com/abcxyz/pkg/logging"
	"golang.org/x/exp/slices"

	"context"

	"github.com/imagej/imagej-updater/updater/model"
)

// Status computes a File's Status from its local digest and catalog
// version history. known reports whether the
// File is known to any site at all (false for a freshly scanned,
// untracked local file).
func Status(f *model.File, known bool) model.Status {
	local := f.LocalDigest
	current := f.Current

	if !known {
		if local != "" {
			return model.StatusLocalOnly
		}
		return model.StatusUnknown
	}

	switch {
	case local == "" && current != nil:
		return model.StatusNotInstalled
	case local == "" && current == nil:
		if len(f.Previous) > 0 {
			return model.StatusObsoleteUninstalled
		}
		return model.StatusNew
	case local != "" && current != nil && current.Checksum == local:
		return model.StatusInstalled
	case local != "" && current != nil && current.Checksum != local:
		if f.HasPreviousChecksum(local) {
			return model.StatusUpdateable
		}
		return model.StatusModified
	case local != "" && current == nil:
		if f.HasPreviousChecksum(local) {
			return model.StatusObsolete
		}
		return model.StatusObsoleteModified
	default:
		return model.StatusUnknown
	}
}

// validActions is the status/action table, in preference order (first element is the
// inert "no-op" action for that status).
var validActions = map[model.Status][]model.Action{
	model.StatusNotInstalled:        {model.ActionNotInstalled, model.ActionInstall, model.ActionRemove},
	model.StatusInstalled:           {model.ActionInstalled, model.ActionUninstall},
	model.StatusUpdateable:          {model.ActionUpdateable, model.ActionUninstall, model.ActionUpdate, model.ActionUpload},
	model.StatusModified:            {model.ActionModified, model.ActionUninstall, model.ActionUpdate, model.ActionUpload},
	model.StatusLocalOnly:           {model.ActionLocalOnly, model.ActionUninstall, model.ActionUpload},
	model.StatusNew:                 {model.ActionNew, model.ActionInstall, model.ActionRemove},
	model.StatusObsoleteUninstalled: {model.ActionNotInstalled},
	model.StatusObsolete:            {model.ActionObsolete, model.ActionUninstall, model.ActionUpload},
	model.StatusObsoleteModified:    {model.ActionModified, model.ActionUninstall, model.ActionUpload},
}

// uploadRequiringActions are the statuses whose valid-action set includes UPLOAD,
// which additionally requires the owning site to grant upload rights.
var uploadRequiringActions = map[model.Status]bool{
	model.StatusUpdateable:       true,
	model.StatusModified:         true,
	model.StatusLocalOnly:        true,
	model.StatusObsolete:         true,
	model.StatusObsoleteModified: true,
}

// NoAction returns the inert, "restate current status" Action for a Status.
func NoAction(s model.Status) model.Action {
	acts := validActions[s]
	if len(acts) == 0 {
		return model.ActionUnknown
	}
	return acts[0]
}

// ValidActions returns the actions permitted for a File in the given
// status. canUpload indicates whether the File's owning site grants upload
// rights; when false, UPLOAD is excluded from the returned set even if the
// table would otherwise allow it.
func ValidActions(s model.Status, canUpload bool) []model.Action {
	acts := append([]model.Action(nil), validActions[s]...)
	if !canUpload {
		out := acts[:0]
		for _, a := range acts {
			if a != model.ActionUpload {
				out = append(out, a)
			}
		}
		return out
	}
	return acts
}

// IsValidAction reports whether action is permitted for a File currently in
// status s, given upload rights and whether f is a shadowing entry (the
// spec's extra carve-out: UPLOAD/REMOVE on a shadowing entry whose logical
// name equals its local name is permitted outside the table).
func IsValidAction(s model.Status, action model.Action, canUpload bool, f *model.File) error {
	if (action == model.ActionUpload || action == model.ActionRemove) && f != nil && f.IsShadowing() {
		return nil
	}
	for _, a := range ValidActions(s, canUpload) {
		if a == action {
			return nil
		}
	}
	return fmt.Errorf("action %s is not valid for status %s", action, s)
}

// RequiresUpload reports whether action is the upload-requiring branch of
// the table for status s (used by the conflict engine to decide whether to
// check upload rights at all).
func RequiresUpload(action model.Action) bool {
	return action == model.ActionUpload
}

// depPreference is the ordered list a cascaded dependency picks its Action
// from: the first valid action in UPDATE, UNINSTALL, INSTALL order wins.
var depPreference = []model.Action{model.ActionUpdate, model.ActionUninstall, model.ActionInstall}

// Cascade applies the install/update cascade rule: selecting INSTALL or
// UPDATE on f propagates to its transitive non-overriding dependencies,
// each adopting the first action in depPreference that's valid for its own
// status. deps resolves a logical filename to its File (nil if unknown).
// depsOf returns the direct, non-overriding dependency filenames of a File.
func Cascade(ctx context.Context, f *model.File, action model.Action, deps func(filename string) *model.File, depsOf func(f *model.File) []string, canUpload func(f *model.File) bool) {
	logger := logging.FromContext(ctx).With("logger", "reconcile.Cascade")

	if action != model.ActionInstall && action != model.ActionUpdate {
		return
	}

	visited := map[string]bool{f.Filename: true}
	queue := []*model.File{f}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, depName := range depsOf(cur) {
			if visited[depName] {
				continue
			}
			visited[depName] = true

			dep := deps(depName)
			if dep == nil {
				continue // unresolved; the conflict engine will report this.
			}

			for _, candidate := range depPreference {
				if err := IsValidAction(dep.Status, candidate, canUpload(dep), dep); err == nil {
					if dep.Action != candidate {
						logger.DebugContext(ctx, "cascading action to dependency",
							"dependency", dep.Filename, "action", candidate)
					}
					dep.Action = candidate
					break
				}
			}

			queue = append(queue, dep)
		}
	}
}

// TransitiveNonOverridingDeps returns the closure of dependencies of f,
// excluding any dependency edge marked Overrides (those intentionally
// supersede another site's entry and must not be chased), reading each
// File's direct dependency list and Overrides flags from its current
// version, and using resolve to fetch a File by logical name.
func TransitiveNonOverridingDeps(f *model.File, resolve func(filename string) *model.File) []string {
	seen := map[string]bool{}
	var order []string

	var walk func(cur *model.File)
	walk = func(cur *model.File) {
		if cur.Current == nil {
			return
		}
		for _, d := range cur.Current.Dependencies {
			if d.Overrides {
				continue
			}
			if seen[d.Filename] {
				continue
			}
			seen[d.Filename] = true
			order = append(order, d.Filename)
			if next := resolve(d.Filename); next != nil {
				walk(next)
			}
		}
	}
	walk(f)

	slices.Sort(order)
	return order
}
