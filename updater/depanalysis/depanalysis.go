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

// Package depanalysis extracts inter-archive dependencies by parsing the
// constant pool of every class file contained in an archive bundle and
// mapping referenced symbolic class names back to the archive(s) that
// provide them.
//
// No example in the retrieval pack parses JVM class files, so the reader
// in classfile.go is hand-rolled directly against the documented
// constant-pool layout (JVM spec §4.4); this is recorded in DESIGN.md as a
// justified stdlib-only part.
package depanalysis

import (
	"archive/zip"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/abcxyz/pkg/logging"
)

// Index maps a fully-qualified class name (dot-separated) to the sorted set
// of archive filenames that provide it.
type Index struct {
	providers map[string][]string
}

// NewIndex returns an empty Index.
func NewIndex() *Index { return &Index{providers: map[string][]string{}} }

// add registers that archive provides class, keeping the provider list
// sorted and deduplicated.
func (idx *Index) add(class, archive string) {
	list := idx.providers[class]
	for _, a := range list {
		if a == archive {
			return
		}
	}
	list = append(list, archive)
	sort.Strings(list)
	idx.providers[class] = list
}

// Providers returns the sorted list of archives that provide class.
func (idx *Index) Providers(class string) []string {
	return append([]string(nil), idx.providers[class]...)
}

// ArchiveOpener resolves an archive's logical filename to something we can
// read class entries from. It's a seam so the index builder can be driven
// against a scanned install tree without hard-wiring os.Open.
type ArchiveOpener func(archiveFilename string) (*zip.ReadCloser, error)

// BuildIndex scans every archive in archiveFilenames (opened via open) and
// records every class it provides.
func BuildIndex(ctx context.Context, archiveFilenames []string, open ArchiveOpener) (*Index, error) {
	logger := logging.FromContext(ctx).With("logger", "depanalysis.BuildIndex")
	idx := NewIndex()

	for _, name := range archiveFilenames {
		zr, err := open(name)
		if err != nil {
			return nil, fmt.Errorf("open archive %q: %w", name, err)
		}

		classCount := 0
		for _, zf := range zr.File {
			if !strings.HasSuffix(zf.Name, ".class") || strings.HasSuffix(zf.Name, "package-info.class") {
				continue
			}
			classCount++
			idx.add(classNameFromEntry(zf.Name), name)
		}
		zr.Close()

		logger.DebugContext(ctx, "indexed archive", "archive", name, "classes", classCount)
	}

	return idx, nil
}

// classNameFromEntry converts a zip entry path like "net/imagej/Foo.class"
// to its dotted class name "net.imagej.Foo".
func classNameFromEntry(entryName string) string {
	trimmed := strings.TrimSuffix(entryName, ".class")
	return strings.ReplaceAll(trimmed, "/", ".")
}

// excludedDeps is the explicit exclusion table: pairs of
// (archive, referenced-but-not-a-real-dependency archive) for known
// circular or self-declared-empty-deps cases. Keyed by the analyzed
// archive's filename.
var excludedDeps = map[string]map[string]bool{
	// The updater itself references its own bootstrap classes reflectively;
	// it must never be recorded as depending on itself.
	"jars/imagej-updater.jar": {"jars/imagej-updater.jar": true},
}

// stdlibPrefixes are package prefixes resolvable by the host JVM without
// any archive providing them.
var stdlibPrefixes = []string{
	"java.", "javax.", "jdk.", "sun.", "com.sun.", "org.w3c.", "org.xml.", "org.omg.",
}

func isStdlib(class string) bool {
	for _, p := range stdlibPrefixes {
		if strings.HasPrefix(class, p) {
			return true
		}
	}
	return false
}

// Analyze returns the sorted set of archive filenames that archiveFilename
// depends on: every referenced class not resolvable by the
// standard library is looked up in idx; references resolving to multiple
// archives list them all, except that if declaredDeps (the already-declared
// dependencies of this file, in order) contains one of the candidate
// archives, that single archive is preferred and the rest of the outer
// class loop for that reference is skipped (the declared-dep tiebreaker
// rule).
func Analyze(ctx context.Context, archiveFilename string, open ArchiveOpener, idx *Index, declaredDeps []string) ([]string, error) {
	logger := logging.FromContext(ctx).With("logger", "depanalysis.Analyze")

	zr, err := open(archiveFilename)
	if err != nil {
		return nil, fmt.Errorf("open archive %q: %w", archiveFilename, err)
	}
	defer zr.Close()

	declaredSet := make(map[string]bool, len(declaredDeps))
	for _, d := range declaredDeps {
		declaredSet[d] = true
	}
	excluded := excludedDeps[archiveFilename]

	result := map[string]bool{}

	for _, zf := range zr.File {
		if !strings.HasSuffix(zf.Name, ".class") {
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %q of %q: %w", zf.Name, archiveFilename, err)
		}
		refs, err := referencedClassNames(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("parse %q of %q: %w", zf.Name, archiveFilename, err)
		}

		for _, ref := range refs {
			if isStdlib(ref) {
				continue
			}

			candidates := idx.Providers(ref)
			if len(candidates) == 0 {
				continue // unresolved; the conflict engine reports this separately.
			}

			// Tiebreaker: if one of the candidates is already a declared
			// dependency, prefer it alone and stop considering the rest.
			var picked []string
			for _, c := range candidates {
				if declaredSet[c] {
					picked = []string{c}
					break
				}
			}
			if picked == nil {
				picked = candidates
			}

			for _, c := range picked {
				if c == archiveFilename {
					continue // never a self-dependency
				}
				if excluded[c] {
					continue
				}
				result[c] = true
			}
		}
	}

	out := make([]string, 0, len(result))
	for r := range result {
		out = append(out, r)
	}
	sort.Strings(out)

	logger.DebugContext(ctx, "analyzed dependencies", "archive", archiveFilename, "deps", out)
	return out, nil
}
