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
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"golang.org/x/mod/sumdb/dirhash"

	"github.com/imagej/imagej-updater/updater/fsx"
)

// Fingerprint returns a cheap whole-tree hash over every trackable file
// under root. It is much faster than a full Walk (no archive-aware
// hashing, no cache bookkeeping) and is used to detect that the tree
// changed between scanning and executing side effects: callers compare the
// fingerprint taken at scan time against one taken just before the
// installer or uploader runs.
func Fingerprint(fsys fsx.FS, root string) (string, error) {
	var files []string
	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		name := d.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".old") || strings.HasSuffix(name, ".old.app") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !eligible(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %q: %w", root, err)
	}
	sort.Strings(files)

	h, err := dirhash.Hash1(files, func(rel string) (io.ReadCloser, error) {
		return fsys.Open(path.Join(root, rel))
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint %q: %w", root, err)
	}
	return h, nil
}
