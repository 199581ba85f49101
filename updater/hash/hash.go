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

// Package hash computes content-addressed digests of tracked files, with
// special casing for archive bundles (.jar): entries are walked in sorted
// order, and known-volatile entries are filtered before hashing so that
// rebuilding an archive from identical sources produces the same digest.
//
// This hand-rolls a SHA-1 stream instead of calling
// golang.org/x/mod/sumdb/dirhash.Hash1: that library's "h1:base64" output
// format isn't compatible with the legacy hex digests this tool must keep
// accepting from older catalogs.
package hash

import (
	"archive/zip"
	"bufio"
	"bytes"
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary; must match legacy scheme byte-for-byte.
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
)

// alwaysLegacyEntry is hashed in the most aggressive legacy mode
// regardless of which mode the caller requested.
const alwaysLegacyEntry = "plugins/Fiji_Updater.jar"

// Mode selects which legacy filters are disabled. The current digest uses
// ModeCurrent (both filters enabled); legacy digests progressively disable
// filters to reproduce older catalog-writer behavior.
type Mode int

const (
	// ModeCurrent: both the .properties build-date filter and the
	// MANIFEST.MF normalization are applied.
	ModeCurrent Mode = iota
	// ModeLegacy1: the .properties filter is disabled.
	ModeLegacy1
	// ModeLegacy2: the MANIFEST.MF filter is disabled too.
	ModeLegacy2
	// ModeLegacy3: the most aggressive legacy mode -- both filters
	// disabled and the manifest is hashed raw, byte for byte. This is
	// always used for alwaysLegacyEntry.
	ModeLegacy3
)

func (m Mode) treatPropertiesSpecially() bool { return m == ModeCurrent }
func (m Mode) treatManifestsSpecially() bool  { return m == ModeCurrent || m == ModeLegacy1 }
func (m Mode) keepOnlyMainClassInManifest() bool {
	return m == ModeCurrent || m == ModeLegacy1
}

// IsArchive reports whether path should be hashed in archive (JAR-aware)
// mode, based on its extension.
func IsArchive(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".jar")
}

// Digest computes the current-mode digest of the file at diskPath, whose
// logical/relative path within the install tree is relPath (this is what
// gets fed into the hash for non-archive files, and is not the same as
// diskPath when the on-disk name carries a version suffix).
func Digest(diskPath, relPath string) (string, error) {
	if IsArchive(relPath) {
		return archiveDigest(diskPath, ModeCurrent)
	}
	return plainDigest(diskPath, relPath)
}

// LegacyDigests computes up to three legacy-mode digests for diskPath/relPath.
// For non-archive files, there are no legacy variants (the plain digest
// scheme never changed), so this returns an empty slice.
func LegacyDigests(diskPath, relPath string) ([]string, error) {
	if !IsArchive(relPath) {
		return nil, nil
	}

	var out []string
	for _, m := range []Mode{ModeLegacy1, ModeLegacy2, ModeLegacy3} {
		d, err := archiveDigest(diskPath, m)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func plainDigest(diskPath, relPath string) (string, error) {
	f, err := os.Open(diskPath)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", diskPath, err)
	}
	defer f.Close()

	h := sha1.New() //nolint:gosec
	if _, err := h.Write([]byte(relPath)); err != nil {
		return "", fmt.Errorf("hash path bytes: %w", err)
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %q contents: %w", diskPath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func archiveDigest(diskPath string, mode Mode) (string, error) {
	zr, err := zip.OpenReader(diskPath)
	if err != nil {
		return "", fmt.Errorf("open archive %q: %w", diskPath, err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	byName := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		if strings.HasSuffix(zf.Name, "/") {
			continue // directory entry
		}
		names = append(names, zf.Name)
		byName[zf.Name] = zf
	}
	sort.Strings(names)

	h := sha1.New() //nolint:gosec
	for _, name := range names {
		entryMode := mode
		if name == alwaysLegacyEntry {
			entryMode = ModeLegacy3
		}

		content, err := readZipEntry(byName[name])
		if err != nil {
			return "", fmt.Errorf("read entry %q of %q: %w", name, diskPath, err)
		}

		content = filterEntry(name, content, entryMode)

		if _, err := h.Write([]byte(name)); err != nil {
			return "", fmt.Errorf("hash entry name %q: %w", name, err)
		}
		if _, err := h.Write(content); err != nil {
			return "", fmt.Errorf("hash entry content %q: %w", name, err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func readZipEntry(zf *zip.File) ([]byte, error) {
	rc, err := zf.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

const manifestEntryName = "META-INF/MANIFEST.MF"

// filterEntry applies the volatility filters for the given legacy mode.
func filterEntry(name string, content []byte, mode Mode) []byte {
	switch {
	case mode.treatPropertiesSpecially() && strings.HasSuffix(path.Base(name), ".properties"):
		return stripCommentLines(content)
	case mode.treatManifestsSpecially() && name == manifestEntryName:
		return normalizeManifest(content, mode.keepOnlyMainClassInManifest())
	default:
		return content
	}
}

// stripCommentLines removes lines beginning with '#' -- this removes the
// build-date comment that common archive tooling writes into .properties
// files, so two builds from identical sources hash identically.
func stripCommentLines(content []byte) []byte {
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// normalizeManifest drops all manifest attributes except, optionally,
// Main-Class, and normalizes line endings so formatting differences between
// archive tools don't affect the digest.
func normalizeManifest(content []byte, keepOnlyMainClass bool) []byte {
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if keepOnlyMainClass && !strings.HasPrefix(line, "Main-Class:") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}
