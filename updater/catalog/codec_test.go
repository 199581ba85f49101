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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/imagej/imagej-updater/updater/model"
)

func sampleCollection() *Collection {
	c := New()
	c.PutSite(&model.Site{Name: "Main", BaseURL: "https://update.example/", Rank: 1, Active: true, Timestamp: "20240101000000"})
	c.Put(&model.File{
		Filename:   "macros/hello.ijm",
		UpdateSite: "Main",
		Filesize:   42,
		Current: &model.Version{
			Checksum: "abc123", Timestamp: "20240101000000", Filesize: 42,
			Dependencies: []model.Dependency{{Filename: "lib/base.jar", Timestamp: "20231231000000"}},
		},
		Previous: []*model.Version{
			{Checksum: "old1", Timestamp: "20230101000000"},
		},
	})
	return c
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()
	c := sampleCollection()

	var buf bytes.Buffer
	if err := Write(&buf, c, LocalVariant); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	f := got.Get("macros/hello.ijm")
	if f == nil {
		t.Fatalf("file not found after round trip")
	}
	want := c.Get("macros/hello.ijm")

	if diff := cmp.Diff(want, f, cmpopts.IgnoreFields(model.File{}, "OverriddenSites")); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	if len(got.Sites()) != 1 || got.Sites()[0].Name != "Main" {
		t.Errorf("expected local variant to preserve site declarations, got %+v", got.Sites())
	}
}

func TestWrite_RemoteVariantOmitsSites(t *testing.T) {
	t.Parallel()
	c := sampleCollection()

	var buf bytes.Buffer
	if err := Write(&buf, c, RemoteVariant); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got.Sites()) != 0 {
		t.Errorf("expected remote variant to omit site declarations, got %+v", got.Sites())
	}
}

func TestWrite_DisabledSiteRoundTrips(t *testing.T) {
	t.Parallel()
	c := sampleCollection()
	c.PutSite(&model.Site{Name: "Paused", BaseURL: "https://paused.example/", Rank: 2, Active: false, Timestamp: "20240101000000"})

	var buf bytes.Buffer
	if err := Write(&buf, c, LocalVariant); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	site := got.Site("Paused")
	if site == nil {
		t.Fatal("disabled site lost on round trip")
	}
	if site.Active {
		t.Error("disabled site came back active")
	}
	if main := got.Site("Main"); main == nil || !main.Active {
		t.Errorf("active site should stay active, got %+v", main)
	}
}

func TestRead_CorruptCatalog(t *testing.T) {
	t.Parallel()
	_, err := Read(bytes.NewReader([]byte("not gzip")))
	if err == nil {
		t.Fatal("expected error reading non-gzip data")
	}
}

func TestRead_MissingRequiredAttribute(t *testing.T) {
	t.Parallel()
	c := New()
	c.Put(&model.File{Filename: "x.jar", Current: &model.Version{Timestamp: "20240101000000"}}) // missing checksum

	var buf bytes.Buffer
	if err := Write(&buf, c, RemoteVariant); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := Read(&buf); err == nil {
		t.Error("expected CorruptCatalog error for missing checksum")
	}
}
