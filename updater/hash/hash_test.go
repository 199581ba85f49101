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

package hash

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"
)

func writeJar(t *testing.T, dir, name string, entries map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for entryName, content := range entries {
		w, err := zw.Create(entryName)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDigest_PlainFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "hello.ijm")
	if err := os.WriteFile(p, []byte("print(\"hi\");"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := Digest(p, "macros/hello.ijm")
	if err != nil {
		t.Fatal(err)
	}
	got2, err := Digest(p, "macros/hello.ijm")
	if err != nil {
		t.Fatal(err)
	}
	if got != got2 {
		t.Errorf("digest not deterministic: %q vs %q", got, got2)
	}

	// Changing the relative path must change the digest (path bytes are
	// part of the hash input).
	got3, err := Digest(p, "macros/other.ijm")
	if err != nil {
		t.Fatal(err)
	}
	if got3 == got {
		t.Errorf("digest should depend on relPath")
	}
}

func TestDigest_ArchivePropertiesCommentIgnored(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jar1 := writeJar(t, dir, "a.jar", map[string]string{
		"plugin.properties": "#Built on 2024-01-01\nname=foo\n",
		"Foo.class":          "classbytes",
	})
	jar2 := writeJar(t, dir, "b.jar", map[string]string{
		"plugin.properties": "#Built on 2024-02-02\nname=foo\n",
		"Foo.class":          "classbytes",
	})

	d1, err := Digest(jar1, "jars/a.jar")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Digest(jar2, "jars/b.jar")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("digests should match despite differing build-date comment: %q != %q", d1, d2)
	}
}

func TestDigest_ManifestMainClassOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	jar1 := writeJar(t, dir, "a.jar", map[string]string{
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\nMain-Class: Foo\nBuilt-By: alice\n",
		"Foo.class":             "x",
	})
	jar2 := writeJar(t, dir, "b.jar", map[string]string{
		"META-INF/MANIFEST.MF": "Manifest-Version: 1.0\nMain-Class: Foo\nBuilt-By: bob\n",
		"Foo.class":             "x",
	})

	d1, err := Digest(jar1, "jars/a.jar")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Digest(jar2, "jars/b.jar")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("digests should match when only non-Main-Class manifest attrs differ")
	}
}

func TestLegacyDigests_AcceptsOlderCatalogDigest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	// A jar whose .properties file has a build-date comment: the current
	// digest filters it out, but legacy mode 1 does not, so the legacy
	// digest differs from current -- exactly the scenario a pre-filter
	// catalog entry would have recorded.
	jar := writeJar(t, dir, "lib.jar", map[string]string{
		"plugin.properties": "#Built on 2024-01-01\nname=foo\n",
	})

	cur, err := Digest(jar, "jars/lib.jar")
	if err != nil {
		t.Fatal(err)
	}
	legacy, err := LegacyDigests(jar, "jars/lib.jar")
	if err != nil {
		t.Fatal(err)
	}
	if len(legacy) != 3 {
		t.Fatalf("expected 3 legacy digests, got %d", len(legacy))
	}
	for _, l := range legacy {
		if l == cur {
			t.Errorf("did not expect a legacy digest to equal the current digest here")
		}
	}
}

func TestDigest_NonArchiveHasNoLegacyVariants(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := filepath.Join(dir, "x.txt")
	if err := os.WriteFile(p, []byte("hi"), 0o600); err != nil {
		t.Fatal(err)
	}
	legacy, err := LegacyDigests(p, "macros/x.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(legacy) != 0 {
		t.Errorf("expected no legacy digests for a non-archive file, got %v", legacy)
	}
}
