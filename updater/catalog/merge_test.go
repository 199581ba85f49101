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
	"errors"
	"testing"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/model"
)

func TestMergeSite_ShadowedEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ranks := map[string]int{"A": 1, "B": 2}
	rankOf := func(s string) int { return ranks[s] }

	c := New()

	aColl := New()
	aColl.Put(&model.File{Filename: "macros/m.ijm", Current: &model.Version{Checksum: "X", Timestamp: "20230101000000"}})
	if err := MergeSite(ctx, c, "A", 1, rankOf, aColl); err != nil {
		t.Fatalf("merge A: %v", err)
	}

	bColl := New()
	bColl.Put(&model.File{Filename: "macros/m.ijm", Current: &model.Version{Checksum: "Y", Timestamp: "20230201000000"}})
	if err := MergeSite(ctx, c, "B", 2, rankOf, bColl); err != nil {
		t.Fatalf("merge B: %v", err)
	}

	f := c.Get("macros/m.ijm")
	if f == nil {
		t.Fatal("file not found after merge")
	}
	if f.UpdateSite != "B" || f.Current.Checksum != "Y" {
		t.Errorf("expected B to own the file with checksum Y, got site=%s checksum=%s", f.UpdateSite, f.Current.Checksum)
	}
	shadowed, ok := f.OverriddenSites["A"]
	if !ok {
		t.Fatalf("expected A's original record to be preserved in OverriddenSites, got %+v", f.OverriddenSites)
	}
	if shadowed.Current.Checksum != "X" {
		t.Errorf("shadowed record checksum = %q, want X", shadowed.Current.Checksum)
	}

	// Deactivating B should promote A, and the promoted record's current
	// digest (X) now differs from what was installed (Y), so callers
	// should raise UPDATE -- we only assert the promotion itself here.
	promoted, deleted := Deactivate(ctx, c, "B", rankOf)
	if len(deleted) != 0 {
		t.Errorf("expected nothing deleted, got %v", deleted)
	}
	if len(promoted) != 1 || promoted[0] != "macros/m.ijm" {
		t.Fatalf("expected macros/m.ijm promoted, got %v", promoted)
	}

	f2 := c.Get("macros/m.ijm")
	if f2.UpdateSite != "A" || f2.Current.Checksum != "X" {
		t.Errorf("expected promoted record to be owned by A with checksum X, got site=%s checksum=%s", f2.UpdateSite, f2.Current.Checksum)
	}
}

func TestMergeSite_EqualRankConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ranks := map[string]int{"A": 1, "B": 1}
	rankOf := func(s string) int { return ranks[s] }

	c := New()
	aColl := New()
	aColl.Put(&model.File{Filename: "macros/m.ijm", Current: &model.Version{Checksum: "X", Timestamp: "20230101000000"}})
	if err := MergeSite(ctx, c, "A", 1, rankOf, aColl); err != nil {
		t.Fatalf("merge A: %v", err)
	}

	bColl := New()
	bColl.Put(&model.File{Filename: "macros/m.ijm", Current: &model.Version{Checksum: "Y", Timestamp: "20230201000000"}})
	err := MergeSite(ctx, c, "B", 1, rankOf, bColl)
	if err == nil {
		t.Fatal("expected a ShadowConflict error for equal-rank sites claiming the same filename")
	}
	if !errors.Is(err, apperror.ErrShadowConflict) {
		t.Errorf("expected ErrShadowConflict, got %v", err)
	}
}

func TestDeactivate_NoShadowDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rankOf := func(string) int { return 0 }

	c := New()
	c.Put(&model.File{Filename: "macros/solo.ijm", UpdateSite: "A", Current: &model.Version{Checksum: "X", Timestamp: "20230101000000"}})

	promoted, deleted := Deactivate(ctx, c, "A", rankOf)
	if len(promoted) != 0 {
		t.Errorf("expected nothing promoted, got %v", promoted)
	}
	if len(deleted) != 1 || deleted[0] != "macros/solo.ijm" {
		t.Fatalf("expected macros/solo.ijm deleted, got %v", deleted)
	}
	if c.Get("macros/solo.ijm") != nil {
		t.Error("expected file to be removed from the collection")
	}
}
