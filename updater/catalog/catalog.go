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

// Package catalog holds the in-memory logical catalog: the union of all
// loaded sites' Files, keyed by unversioned logical filename, plus the
// gzip+XML wire codec (codec.go) and the multi-site merge (merge.go).
package catalog

import (
	"github.com/imagej/imagej-updater/updater/model"
)

// Collection is a mutable dictionary of Files keyed by unversioned logical
// filename, per Design Note 3. Iteration order is insertion order, not map
// order, because Go map iteration is randomized and the wire format and CLI
// listings must be stable.
type Collection struct {
	files map[string]*model.File
	order []string

	sites      map[string]*model.Site
	siteOrder  []string
}

// New returns an empty Collection.
func New() *Collection {
	return &Collection{
		files: make(map[string]*model.File),
		sites: make(map[string]*model.Site),
	}
}

// key normalizes a filename to its logical/unversioned form before any
// lookup or insert, so logical names stay unique.
func key(filename string) string { return model.StripVersion(filename) }

// Get returns the File for the given (possibly versioned) filename, or nil.
func (c *Collection) Get(filename string) *model.File {
	return c.files[key(filename)]
}

// Put inserts or replaces the File for its logical name. If this is a new
// key, it's appended to the iteration order.
func (c *Collection) Put(f *model.File) {
	k := key(f.Filename)
	if _, exists := c.files[k]; !exists {
		c.order = append(c.order, k)
	}
	c.files[k] = f
}

// Delete removes the File for filename, if present.
func (c *Collection) Delete(filename string) {
	k := key(filename)
	if _, exists := c.files[k]; !exists {
		return
	}
	delete(c.files, k)
	for i, o := range c.order {
		if o == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// All returns every File in insertion order.
func (c *Collection) All() []*model.File {
	out := make([]*model.File, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.files[k])
	}
	return out
}

// Len returns the number of tracked Files.
func (c *Collection) Len() int { return len(c.order) }

// PutSite registers a Site, preserving insertion order the same way Put
// does for Files.
func (c *Collection) PutSite(s *model.Site) {
	if _, exists := c.sites[s.Name]; !exists {
		c.siteOrder = append(c.siteOrder, s.Name)
	}
	c.sites[s.Name] = s
}

// Site returns the registered Site by name, or nil.
func (c *Collection) Site(name string) *model.Site {
	return c.sites[name]
}

// Sites returns every registered Site in insertion order.
func (c *Collection) Sites() []*model.Site {
	out := make([]*model.Site, 0, len(c.siteOrder))
	for _, n := range c.siteOrder {
		out = append(out, c.sites[n])
	}
	return out
}

// DeleteSite unregisters a site by name. It does not touch any Files; use
// Deactivate (merge.go) to unwind a site's contributions to the Collection.
func (c *Collection) DeleteSite(name string) {
	if _, exists := c.sites[name]; !exists {
		return
	}
	delete(c.sites, name)
	for i, o := range c.siteOrder {
		if o == name {
			c.siteOrder = append(c.siteOrder[:i], c.siteOrder[i+1:]...)
			break
		}
	}
}

// FilesFromSite returns every File currently owned by the named site
// (i.e. site is the winner, not merely a shadowed contributor).
func (c *Collection) FilesFromSite(name string) []*model.File {
	var out []*model.File
	for _, f := range c.All() {
		if f.UpdateSite == name {
			out = append(out, f)
		}
	}
	return out
}

// ShadowedFiles returns every File that has at least one overridden-site
// entry (i.e. it is shadowing something).
func (c *Collection) ShadowedFiles() []*model.File {
	var out []*model.File
	for _, f := range c.All() {
		if len(f.OverriddenSites) > 0 {
			out = append(out, f)
		}
	}
	return out
}
