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

package catalog

import (
	"context"
	"sort"
	"strconv"

	"github.com/jinzhu/copier"

	"github.com/abcxyz/pkg/logging"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/model"
)

// MergeSite folds one site's freshly-read Collection of Files into c,
// applying the shadow-stacking rule. rank is the site's
// configured rank (higher shadows lower); siteName is the owning site's
// name, used to tag every incoming File's UpdateSite.
//
// Load order matters: the highest-rank site must be loaded last, so
// callers should iterate sites in ascending rank order and call MergeSite
// once per site.
func MergeSite(ctx context.Context, c *Collection, siteName string, rank int, siteRankOf func(string) int, incoming *Collection) error {
	logger := logging.FromContext(ctx).With("logger", "catalog.MergeSite")

	for _, inFile := range incoming.All() {
		inFile.UpdateSite = siteName

		existing := c.Get(inFile.Filename)
		if existing == nil {
			c.Put(inFile)
			continue
		}

		existingRank := siteRankOf(existing.UpdateSite)

		switch {
		case existingRank == rank && existing.UpdateSite != siteName:
			// Two sites of equal rank claim the same filename: there is
			// no defined winner, so this is a ShadowConflict at load time.
			return apperror.New(apperror.ErrShadowConflict, inFile.Filename,
				"sites "+existing.UpdateSite+" and "+siteName+" both have rank "+strconv.Itoa(rank)+" and both claim this filename")

		case existingRank < rank:
			// Incoming site wins: push a snapshot of the existing (losing)
			// record into the new winner's OverriddenSites, merging its
			// previous-versions forward, then replace.
			snapshot, err := snapshotFile(existing)
			if err != nil {
				return err
			}

			if inFile.OverriddenSites == nil {
				inFile.OverriddenSites = make(map[string]*model.File)
			}
			inFile.OverriddenSites[existing.UpdateSite] = snapshot
			for site, shadow := range existing.OverriddenSites {
				inFile.OverriddenSites[site] = shadow
			}

			inFile.Previous = mergePrevious(inFile.Previous, existing.Previous)
			if existing.Current != nil && inFile.Current != nil && existing.Current.Checksum != inFile.Current.Checksum {
				inFile.Previous = append(inFile.Previous, existing.Current)
			}
			inFile.SortPrevious()

			logger.DebugContext(ctx, "site shadowed by higher rank",
				"filename", inFile.Filename, "shadowed_site", existing.UpdateSite, "winning_site", siteName)

			c.Put(inFile)

		default: // existingRank > rank: incoming is shadowed, existing stays.
			snapshot, err := snapshotFile(inFile)
			if err != nil {
				return err
			}
			if existing.OverriddenSites == nil {
				existing.OverriddenSites = make(map[string]*model.File)
			}
			existing.OverriddenSites[siteName] = snapshot
		}
	}

	return nil
}

// snapshotFile returns a deep copy of f so that later mutation of a winning
// record never leaks into a shadowed copy stored under OverriddenSites.
func snapshotFile(f *model.File) (*model.File, error) {
	out := &model.File{}
	if err := copier.CopyWithOption(out, f, copier.Option{DeepCopy: true}); err != nil {
		return nil, err
	}
	return out, nil
}

func mergePrevious(a, b []*model.Version) []*model.Version {
	seen := make(map[string]bool, len(a)+len(b))
	var out []*model.Version
	for _, v := range append(append([]*model.Version{}, a...), b...) {
		key := v.Checksum + "@" + v.Timestamp
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

// Deactivate unwinds a deactivated site's contributions to c: every File it
// owned is either deleted (if nothing shadows it) or promoted to its
// highest-ranked remaining override. Promoted Files whose current digest
// differs from their recorded local digest get ActionUpdate raised on
// them (by the caller, via the returned list -- this function only
// performs the catalog-level promotion/demotion and hands back which
// filenames were promoted vs deleted).
func Deactivate(ctx context.Context, c *Collection, siteName string, siteRankOf func(string) int) (promoted, deleted []string) {
	logger := logging.FromContext(ctx).With("logger", "catalog.Deactivate")

	for _, f := range c.All() {
		if f.UpdateSite != siteName {
			continue
		}

		if len(f.OverriddenSites) == 0 {
			c.Delete(f.Filename)
			deleted = append(deleted, f.Filename)
			continue
		}

		// Promote the highest-ranked remaining override.
		var bestName string
		var best *model.File
		bestRank := -1
		for name, shadow := range f.OverriddenSites {
			r := siteRankOf(name)
			if r > bestRank {
				bestRank, bestName, best = r, name, shadow
			}
		}

		delete(f.OverriddenSites, bestName)
		best.OverriddenSites = f.OverriddenSites
		// The demoted current becomes a previous version, matching the
		// forward-merge rule used when a higher-rank site displaces a
		// lower one.
		best.Previous = mergePrevious(best.Previous, f.Previous)
		if f.Current != nil {
			best.Previous = append(best.Previous, f.Current)
		}
		best.SortPrevious()
		best.LocalDigest = f.LocalDigest
		best.LocalFilename = f.LocalFilename
		best.LocalTimestamp = f.LocalTimestamp

		c.Put(best)
		promoted = append(promoted, best.Filename)

		logger.DebugContext(ctx, "promoted shadowed site on deactivation",
			"filename", best.Filename, "promoted_site", bestName)
	}

	sort.Strings(promoted)
	sort.Strings(deleted)
	return promoted, deleted
}
