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

package install

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/imagej/imagej-updater/updater/fsx"
)

// fakeDownloader writes canned content instead of making a real HTTP
// request, keyed by source URL.
type fakeDownloader struct {
	content map[string][]byte
}

func (f *fakeDownloader) Download(ctx context.Context, url, dst string) error {
	data, ok := f.content[url]
	if !ok {
		data = []byte("default-content")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func digestOf(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// jarOf returns the bytes of a zip archive holding a single entry. A .jar
// is hashed archive-aware, so its digest is the SHA-1 of the entry name
// followed by the entry content.
func jarOf(t *testing.T, entry, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
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
	return buf.Bytes()
}

func TestInstaller_Run_StagesAndMovesIntoPlace(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	content := jarOf(t, "Foo.class", "jar-bytes")

	in := &Installer{
		FS:          fsx.Real{},
		Root:        root,
		AppName:     "ImageJ",
		Downloader:  &fakeDownloader{content: map[string][]byte{"https://example.com/foo.jar": content}},
		Concurrency: 2,
	}

	items := []Item{
		{
			RelPath:   "jars/foo.jar",
			RemoteURL: "https://example.com/foo.jar",
			Filesize:  int64(len(content)),
			Digest:    digestOf([]byte("Foo.class" + "jar-bytes")),
		},
	}

	if err := in.Run(context.Background(), items, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "jars", "foo.jar"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("final content = %q, want %q", got, content)
	}
	if _, err := os.Stat(filepath.Join(root, updateDir)); !os.IsNotExist(err) {
		t.Errorf("update dir should be cleaned up, stat err = %v", err)
	}
}

func TestInstaller_Run_DigestMismatchAborts(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	content := jarOf(t, "Foo.class", "actual")
	in := &Installer{
		FS:          fsx.Real{},
		Root:        root,
		AppName:     "ImageJ",
		Downloader:  &fakeDownloader{content: map[string][]byte{"https://example.com/foo.jar": content}},
		Concurrency: 1,
	}

	items := []Item{
		{
			RelPath:   "jars/foo.jar",
			RemoteURL: "https://example.com/foo.jar",
			Filesize:  int64(len(content)),
			Digest:    "0000000000000000000000000000000000000000",
		},
	}

	if err := in.Run(context.Background(), items, nil); err == nil {
		t.Fatal("Run() succeeded, want digest mismatch error")
	}
	if _, err := os.Stat(filepath.Join(root, "jars", "foo.jar")); !os.IsNotExist(err) {
		t.Error("final file should not exist after a verification failure")
	}
}

func TestInstaller_Run_Uninstall(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "jars"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "jars", "gone.jar"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	in := &Installer{
		FS:         fsx.Real{},
		Root:       root,
		AppName:    "ImageJ",
		Downloader: &fakeDownloader{},
	}

	items := []Item{{RelPath: "jars/gone.jar", Uninstall: true}}
	if err := in.Run(context.Background(), items, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "jars", "gone.jar")); !os.IsNotExist(err) {
		t.Error("uninstalled file should have been removed")
	}
}

func TestInstaller_BackupForBypass_Launcher(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	final := filepath.Join(root, "ImageJ-linux64")
	if err := os.WriteFile(final, []byte("old-binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	in := &Installer{FS: fsx.Real{}, Root: root, AppName: "ImageJ"}
	if err := in.backupForBypass("ImageJ-linux64"); err != nil {
		t.Fatalf("backupForBypass() error = %v", err)
	}

	if _, err := os.Stat(final + ".old"); err != nil {
		t.Errorf("expected backup at %s.old: %v", final, err)
	}
	if _, err := os.Stat(final); !os.IsNotExist(err) {
		t.Error("original launcher path should have been renamed away")
	}
}
