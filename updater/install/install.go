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

// Package install implements the staged installer: downloads land
// in a side "update" directory, get verified, and only then get moved into
// their final locations -- except for the two special cases (launcher/
// native-config files and the platform bundle) that must bypass staging
// entirely.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter/v2"
	"golang.org/x/sync/errgroup"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/fsx"
	"github.com/imagej/imagej-updater/updater/hash"
	"github.com/imagej/imagej-updater/updater/platform"
	"github.com/imagej/imagej-updater/updater/progress"
)

// updateDir is the staging subdirectory under the install root.
const updateDir = "update"

// Item is one file to bring into the local install tree.
type Item struct {
	// RelPath is the file's final location, relative to the install root.
	RelPath string
	// RemoteURL is the HTTP(S) source to download from. Empty when
	// Uninstall is set.
	RemoteURL string
	// Filesize is the advertised byte count. Negative means unknown
	// (previous versions never recorded a size) and skips the size check.
	Filesize int64
	Digest   string
	// LegacyDigests are alternate checksums that also count as a match,
	// for catalogs written by earlier hasher releases.
	LegacyDigests []string
	Executable    bool

	// Uninstall marks this item for removal rather than download: a
	// zero-length placeholder is staged instead of fetched content, and
	// moveUpdatedIntoPlace interprets that placeholder as "delete".
	Uninstall bool

	// Bypass marks a launcher/native-config file: staging is skipped
	// entirely, the currently installed file is renamed to "<file>.old"
	// (".exe" re-appended for Windows executables), and the new file is
	// downloaded straight to RelPath.
	Bypass bool

	// InsideBundle marks a file living inside the platform bundle
	// (<root>/<AppName>.app); like Bypass, it downloads straight to its
	// final path instead of through the update directory.
	InsideBundle bool
}

// Downloader fetches a single HTTP(S) payload to a local destination path.
// The production implementation wraps hashicorp/go-getter/v2.
type Downloader interface {
	Download(ctx context.Context, url, dst string) error
}

// getterDownloader is the production Downloader, restricted to plain
// HTTP(S) fetches -- no archive-decompression mode is needed since
// payloads are moved into place as-is.
type getterDownloader struct{}

func (getterDownloader) Download(ctx context.Context, url, dst string) error {
	client := &getter.Client{Getters: []getter.Getter{&getter.HttpGetter{}}}
	req := &getter.Request{
		Src:     url,
		Dst:     dst,
		Pwd:     filepath.Dir(dst),
		GetMode: getter.ModeFile,
	}
	_, err := client.Get(ctx, req)
	return err
}

// Installer drives the staged-install protocol against a single install
// root.
type Installer struct {
	FS          fsx.FS
	Root        string
	AppName     string
	Downloader  Downloader
	Concurrency int
}

// NewInstaller returns an Installer with the production filesystem and
// downloader.
func NewInstaller(root, appName string) *Installer {
	return &Installer{
		FS:          fsx.Real{},
		Root:        root,
		AppName:     appName,
		Downloader:  getterDownloader{},
		Concurrency: 4,
	}
}

func (in *Installer) concurrency() int {
	if in.Concurrency <= 0 {
		return 1
	}
	return in.Concurrency
}

// BackupBundle copies the current platform bundle to a sibling ".old.app"
// backup, removing any prior backup first, so the whole bundle can be
// replaced as a unit. Callers must invoke this once, before downloading any
// InsideBundle item, whenever a staged batch touches the bundle.
func (in *Installer) BackupBundle(ctx context.Context) error {
	bundle := in.AppName + ".app"
	backup := in.AppName + ".old.app"
	src := filepath.Join(in.Root, bundle)
	dst := filepath.Join(in.Root, backup)

	if _, err := in.FS.Stat(src); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := in.FS.RemoveAll(dst); err != nil {
		return fmt.Errorf("remove stale bundle backup: %w", err)
	}
	return copyTree(in.FS, src, dst)
}

func copyTree(fsys fsx.FS, src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return fsys.MkdirAll(target, 0o755)
		}
		data, err := fsys.ReadFile(p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fsys.WriteFile(target, data, info.Mode())
	})
}

// Run executes the full install batch: download/stage every item, verify
// each against its advertised size and digest, set executable bits, then
// move everything staged into place. A verification failure aborts the
// whole batch before moveUpdatedIntoPlace runs, so no staged file reaches
// its final location.
func (in *Installer) Run(ctx context.Context, items []Item, sink progress.Sink) error {
	if sink == nil {
		sink = progress.NoOp{}
	}
	sink.SetTitle("downloading")
	sink.SetCount(0, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency())

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := in.stageOne(gctx, item, sink); err != nil {
				return fmt.Errorf("stage %q: %w", item.RelPath, err)
			}
			sink.SetCount(i+1, len(items))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sink.SetTitle("verifying")
	for _, item := range items {
		if err := in.verifyOne(item); err != nil {
			return err
		}
	}

	for _, item := range items {
		if item.Executable && !item.Uninstall {
			if err := in.setExecutable(item); err != nil {
				return err
			}
		}
	}

	sink.SetTitle("installing")
	if err := in.moveUpdatedIntoPlace(); err != nil {
		return err
	}
	sink.Done()
	return nil
}

func (in *Installer) stageOne(ctx context.Context, item Item, sink progress.Sink) error {
	sink.AddItem(item.RelPath)
	defer sink.ItemDone(item.RelPath)

	if item.Uninstall {
		return in.writePlaceholder(item.RelPath)
	}

	dst := in.stagingDest(item)
	if err := in.FS.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	if item.Bypass {
		if err := in.backupForBypass(item.RelPath); err != nil {
			return err
		}
	}

	return in.Downloader.Download(ctx, item.RemoteURL, dst)
}

// stagingDest is where a downloaded payload is written: the update
// directory for ordinary staged files, or the final path directly for
// launcher/native-config and in-bundle files.
func (in *Installer) stagingDest(item Item) string {
	if item.Bypass || item.InsideBundle {
		return filepath.Join(in.Root, filepath.FromSlash(item.RelPath))
	}
	return filepath.Join(in.Root, updateDir, filepath.FromSlash(item.RelPath))
}

// backupForBypass renames the currently installed launcher/native-config
// file to "<file>.old" (".exe" re-appended for Windows executables) so the
// new file can be written directly over its final path even while the
// old one is executing.
func (in *Installer) backupForBypass(relPath string) error {
	final := filepath.Join(in.Root, filepath.FromSlash(relPath))
	if _, err := in.FS.Stat(final); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	backup := final + ".old"
	if platform.IsWindowsExecutable(relPath) {
		backup = strings.TrimSuffix(final, ".exe") + ".old.exe"
	}
	if err := in.FS.RemoveAll(backup); err != nil {
		return fmt.Errorf("remove stale backup %q: %w", backup, err)
	}
	return in.FS.Rename(final, backup)
}

func (in *Installer) writePlaceholder(relPath string) error {
	dst := filepath.Join(in.Root, updateDir, filepath.FromSlash(relPath))
	if err := in.FS.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return in.FS.WriteFile(dst, nil, 0o644)
}

func (in *Installer) verifyOne(item Item) error {
	if item.Uninstall {
		return nil
	}
	dst := in.stagingDest(item)

	info, err := in.FS.Stat(dst)
	if err != nil {
		return apperror.Wrap(apperror.ErrDigestMismatch, item.RelPath, "staged file missing after download", err)
	}
	if item.Filesize >= 0 && info.Size() != item.Filesize {
		return apperror.New(apperror.ErrSizeMismatch, item.RelPath,
			fmt.Sprintf("downloaded %d bytes, catalog advertises %d", info.Size(), item.Filesize))
	}

	digest, err := hash.Digest(dst, item.RelPath)
	if err != nil {
		return fmt.Errorf("digest %q: %w", item.RelPath, err)
	}
	if digest == item.Digest {
		return nil
	}
	legacy, err := hash.LegacyDigests(dst, item.RelPath)
	if err != nil {
		return fmt.Errorf("legacy digest %q: %w", item.RelPath, err)
	}
	for _, want := range item.LegacyDigests {
		for _, got := range legacy {
			if got == want {
				return nil
			}
		}
	}
	return apperror.New(apperror.ErrDigestMismatch, item.RelPath, "downloaded content does not match any advertised digest")
}

func (in *Installer) setExecutable(item Item) error {
	dst := in.stagingDest(item)
	info, err := in.FS.Stat(dst)
	if err != nil {
		return err
	}
	return in.FS.Chmod(dst, info.Mode()|0o111)
}

// moveUpdatedIntoPlace recursively walks the update directory. A
// zero-length file means "delete the corresponding final file"; any other
// file is renamed over its final location, retrying via a ".old"/".oldN"
// sidestep if the target is locked.
func (in *Installer) moveUpdatedIntoPlace() error {
	root := filepath.Join(in.Root, updateDir)
	if _, err := in.FS.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	var staged []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		staged = append(staged, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk update directory: %w", err)
	}

	for _, p := range staged {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		final := filepath.Join(in.Root, rel)

		info, err := in.FS.Stat(p)
		if err != nil {
			return fmt.Errorf("stat staged file %q: %w", rel, err)
		}

		if info.Size() == 0 {
			if err := in.FS.Remove(final); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("delete %q: %w", rel, err)
			}
			if err := in.FS.Remove(p); err != nil {
				return fmt.Errorf("remove placeholder %q: %w", rel, err)
			}
			continue
		}

		if err := in.FS.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return fmt.Errorf("create destination dir for %q: %w", rel, err)
		}
		if err := in.renameWithSidestep(p, final); err != nil {
			return fmt.Errorf("move %q into place: %w", rel, err)
		}
	}

	return in.FS.RemoveAll(root)
}

// renameWithSidestep renames src over dst. If dst is locked (rename
// fails), the current dst is sidestepped to "dst.old", then "dst.old1",
// "dst.old2", ... until a free name is found, and the rename is retried
// once against the now-vacated dst.
func (in *Installer) renameWithSidestep(src, dst string) error {
	if err := in.FS.Rename(src, dst); err == nil {
		return nil
	}

	sidestep := dst + ".old"
	for n := 0; ; n++ {
		name := sidestep
		if n > 0 {
			name = fmt.Sprintf("%s%d", sidestep, n)
		}
		if _, err := in.FS.Stat(name); errors.Is(err, os.ErrNotExist) {
			if err := in.FS.Rename(dst, name); err != nil {
				return fmt.Errorf("sidestep locked target to %q: %w", name, err)
			}
			break
		}
	}
	return in.FS.Rename(src, dst)
}
