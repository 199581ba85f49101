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

package scan

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imagej/imagej-updater/updater/fsx"
	"github.com/imagej/imagej-updater/updater/model"
)

func writeFile(t *testing.T, root, rel, content string, mtime time.Time) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(full, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

// jarContent returns a zip archive holding a single entry, as a string for
// writeFile: .jar candidates are hashed archive-aware and must be valid
// archives.
func jarContent(t *testing.T, entry, content string) string {
	t.Helper()
	var buf testBuffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(entry)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return string(buf.data)
}

func TestWalk_SingleCandidatePerLogicalName(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	mtime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writeFile(t, root, "macros/Hello.ijm", "print('hi')", mtime)
	writeFile(t, root, "jars/ignored.bin", "nope", mtime) // no matching extension under jars? .bin not tracked

	res, err := Walk(context.Background(), fsx.Real{}, root, NewDigestCache(), func(string) *model.File { return nil })
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(res.Files) != 1 {
		t.Fatalf("expected 1 tracked file, got %d: %+v", len(res.Files), res.Files)
	}
	f := res.Files[0]
	if f.Filename != "macros/Hello.ijm" {
		t.Errorf("Filename = %q, want macros/Hello.ijm", f.Filename)
	}
	if f.LocalDigest == "" {
		t.Error("expected a non-empty local digest")
	}
}

func TestWalk_SkipsDotfilesAndOldBackups(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	mtime := time.Now()

	writeFile(t, root, "macros/.hidden.ijm", "x", mtime)
	writeFile(t, root, "macros/Keep.ijm.old", "x", mtime)
	writeFile(t, root, "macros/Real.ijm", "x", mtime)

	res, err := Walk(context.Background(), fsx.Real{}, root, NewDigestCache(), func(string) *model.File { return nil })
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(res.Files) != 1 || res.Files[0].Filename != "macros/Real.ijm" {
		t.Fatalf("expected only macros/Real.ijm, got %+v", res.Files)
	}
}

func TestWalk_VersionStripGroupsCandidates(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	older := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writeFile(t, root, "jars/Foo-1.0.jar", jarContent(t, "Foo.class", "v1"), older)
	writeFile(t, root, "jars/Foo-2.0.jar", jarContent(t, "Foo.class", "v2"), newer)

	res, err := Walk(context.Background(), fsx.Real{}, root, NewDigestCache(), func(string) *model.File { return nil })
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(res.Files) != 1 {
		t.Fatalf("expected the two versioned candidates to collapse into one logical file, got %+v", res.Files)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected a naming conflict to be reported, got %d", len(res.Conflicts))
	}
	if res.Files[0].LocalFilename != "jars/Foo-2.0.jar" {
		t.Errorf("expected the newer, unranked candidate to win the tiebreak, got %q", res.Files[0].LocalFilename)
	}
}

func TestWalk_PrefersCatalogCurrentOverNewerMtime(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	older := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	writeFile(t, root, "jars/Foo-1.0.jar", jarContent(t, "Foo.class", "current-bytes"), older)
	writeFile(t, root, "jars/Foo-2.0.jar", jarContent(t, "Foo.class", "modified-bytes"), newer)

	catalog := &model.File{
		Filename: "jars/Foo.jar",
		Current:  &model.Version{Timestamp: "20230101000000"},
	}

	cache := NewDigestCache()
	res, err := Walk(context.Background(), fsx.Real{}, root, cache, func(logical string) *model.File {
		if logical == "jars/Foo.jar" {
			// Populate the expected checksum lazily: hash the older file once
			// up front so the catalog "current" checksum matches it.
			digest, _, _ := digestOf(fsx.Real{}, root, candidate{relPath: "jars/Foo-1.0.jar", mtime: "20230101000000"}, cache)
			catalog.Current.Checksum = digest
		}
		return catalog
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(res.Files) != 1 {
		t.Fatalf("expected one grouped logical file, got %+v", res.Files)
	}
	if res.Files[0].LocalFilename != "jars/Foo-1.0.jar" {
		t.Errorf("expected the up-to-date candidate to win over the merely newer one, got %q", res.Files[0].LocalFilename)
	}
}

func TestDigestCache_RoundTrip(t *testing.T) {
	t.Parallel()
	c := NewDigestCache()
	c.Put("jars/A.jar", "digest1", "20240101000000", []string{"legacy1", "legacy2"})

	var buf testBuffer
	if err := c.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadDigestCache(&buf)
	if err != nil {
		t.Fatalf("LoadDigestCache: %v", err)
	}
	digest, ok := loaded.Lookup("jars/A.jar", "20240101000000")
	if !ok || digest != "digest1" {
		t.Errorf("Lookup = %q, %v; want digest1, true", digest, ok)
	}
	legacy := loaded.LegacyEquivalents("digest1")
	if len(legacy) != 2 || legacy[0] != "legacy1" || legacy[1] != "legacy2" {
		t.Errorf("LegacyEquivalents = %v, want [legacy1 legacy2]", legacy)
	}
}

func TestDigestCache_StaleMtimeMisses(t *testing.T) {
	t.Parallel()
	c := NewDigestCache()
	c.Put("jars/A.jar", "digest1", "20240101000000", nil)

	if _, ok := c.Lookup("jars/A.jar", "20240102000000"); ok {
		t.Error("expected a stale mtime to miss the cache")
	}
}

// testBuffer is a minimal io.ReadWriter so this test file doesn't need to
// import bytes just for one buffer.
type testBuffer struct {
	data []byte
	pos  int
}

func (b *testBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *testBuffer) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
