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
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// DigestCache is the in-memory form of <root>/.checksums. Per Design Note
// 5, it's kept as two distinct maps rather than one mixed structure: a
// path-keyed map (the common case: "have we already hashed this exact
// file, unchanged since?") and a digest-keyed reverse map recording which
// legacy digests are equivalent to a given current digest, so a catalog
// entry written by an older tool version can still be recognized as
// up-to-date without re-deriving its legacy digests from scratch.
type DigestCache struct {
	byPath   map[string]pathEntry
	byDigest map[string][]string
}

type pathEntry struct {
	Digest    string
	Timestamp string
}

// NewDigestCache returns an empty cache.
func NewDigestCache() *DigestCache {
	return &DigestCache{byPath: map[string]pathEntry{}, byDigest: map[string][]string{}}
}

// Lookup returns the cached digest for relPath if its recorded timestamp
// equals mtime (the file's current mtime, as a 14-digit string); ok is
// false on any mismatch or absence, meaning the caller must re-hash.
func (c *DigestCache) Lookup(relPath, mtime string) (digest string, ok bool) {
	e, found := c.byPath[relPath]
	if !found || e.Timestamp != mtime {
		return "", false
	}
	return e.Digest, true
}

// LegacyEquivalents returns the legacy digests previously recorded as
// equivalent to digest, if any.
func (c *DigestCache) LegacyEquivalents(digest string) []string {
	return c.byDigest[digest]
}

// Put records relPath's current digest/mtime, and indexes legacy as
// equivalents of digest -- but only if digest isn't already indexed, per
// Design Note 5 ("reconcile the digest-keyed map only when a new
// path-keyed entry's legacy digests are not already indexed").
func (c *DigestCache) Put(relPath, digest, mtime string, legacy []string) {
	c.byPath[relPath] = pathEntry{Digest: digest, Timestamp: mtime}
	if _, exists := c.byDigest[digest]; !exists && len(legacy) > 0 {
		c.byDigest[digest] = legacy
	}
}

// LoadDigestCache parses the ".checksums" file format:
// plain lines "<digest> <timestamp> <path>", and reverse lines
// ":<digest> <legacy1>:<legacy2>:<legacy3>".
func LoadDigestCache(r io.Reader) (*DigestCache, error) {
	c := NewDigestCache()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, ":") {
			fields := strings.SplitN(line[1:], " ", 2)
			if len(fields) != 2 {
				return nil, fmt.Errorf(".checksums line %d: malformed reverse entry %q", lineNo, line)
			}
			c.byDigest[fields[0]] = strings.Split(fields[1], ":")
			continue
		}

		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf(".checksums line %d: malformed entry %q", lineNo, line)
		}
		c.byPath[fields[2]] = pathEntry{Digest: fields[0], Timestamp: fields[1]}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read .checksums: %w", err)
	}
	return c, nil
}

// Save writes the cache back out in the same format LoadDigestCache reads,
// with entries sorted for deterministic output.
func (c *DigestCache) Save(w io.Writer) error {
	paths := make([]string, 0, len(c.byPath))
	for p := range c.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		e := c.byPath[p]
		if _, err := fmt.Fprintf(w, "%s %s %s\n", e.Digest, e.Timestamp, p); err != nil {
			return err
		}
	}

	digests := make([]string, 0, len(c.byDigest))
	for d := range c.byDigest {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	for _, d := range digests {
		if _, err := fmt.Fprintf(w, ":%s %s\n", d, strings.Join(c.byDigest[d], ":")); err != nil {
			return err
		}
	}
	return nil
}
