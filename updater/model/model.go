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

// Package model holds the in-memory representation of update sites, tracked
// files, their version history, and dependencies. It has no knowledge of how
// any of this is fetched, persisted, or rendered; that's the job of
// updater/catalog, updater/scan, and the CLI layer.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Status is a descriptive classification of a tracked File, derived purely
// from (local digest, catalog current digest, catalog previous digests,
// platform applicability). See updater/reconcile for how it's computed.
type Status int

const (
	StatusUnknown Status = iota
	StatusLocalOnly
	StatusNotInstalled
	StatusInstalled
	StatusUpdateable
	StatusModified
	StatusNew
	StatusObsoleteUninstalled
	StatusObsolete
	StatusObsoleteModified
)

func (s Status) String() string {
	switch s {
	case StatusLocalOnly:
		return "LOCAL_ONLY"
	case StatusNotInstalled:
		return "NOT_INSTALLED"
	case StatusInstalled:
		return "INSTALLED"
	case StatusUpdateable:
		return "UPDATEABLE"
	case StatusModified:
		return "MODIFIED"
	case StatusNew:
		return "NEW"
	case StatusObsoleteUninstalled:
		return "OBSOLETE_UNINSTALLED"
	case StatusObsolete:
		return "OBSOLETE"
	case StatusObsoleteModified:
		return "OBSOLETE_MODIFIED"
	default:
		return "UNKNOWN"
	}
}

// Action is the transition the user (or an automated policy) has chosen for
// a File. Some actions are inert (they just restate the current Status);
// others are mutating and will be executed by the installer or uploader.
type Action int

const (
	ActionUnknown Action = iota
	ActionLocalOnly
	ActionNotInstalled
	ActionInstalled
	ActionUpdateable
	ActionModified
	ActionNew
	ActionObsolete
	ActionUninstall
	ActionInstall
	ActionUpdate
	ActionUpload
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionLocalOnly:
		return "LOCAL_ONLY"
	case ActionNotInstalled:
		return "NOT_INSTALLED"
	case ActionInstalled:
		return "INSTALLED"
	case ActionUpdateable:
		return "UPDATEABLE"
	case ActionModified:
		return "MODIFIED"
	case ActionNew:
		return "NEW"
	case ActionObsolete:
		return "OBSOLETE"
	case ActionUninstall:
		return "UNINSTALL"
	case ActionInstall:
		return "INSTALL"
	case ActionUpdate:
		return "UPDATE"
	case ActionUpload:
		return "UPLOAD"
	case ActionRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// IsMutating reports whether the action, if executed, changes local or
// remote state (as opposed to merely restating the current Status).
func (a Action) IsMutating() bool {
	switch a {
	case ActionUninstall, ActionInstall, ActionUpdate, ActionUpload, ActionRemove:
		return true
	default:
		return false
	}
}

// Dependency is a reference from one File to another, by logical filename.
type Dependency struct {
	Filename string `xml:"filename,attr" yaml:"filename"`
	// Timestamp is the minimum acceptable timestamp of the depended-on
	// file's current version. Empty means "any version is fine".
	Timestamp string `xml:"timestamp,attr,omitempty" yaml:"timestamp,omitempty"`
	// Overrides means this dependency intentionally supersedes a co-named
	// entry contributed by another site, and must not trigger recursive
	// dependency chasing.
	Overrides bool `xml:"overrides,attr,omitempty" yaml:"overrides,omitempty"`
}

// Version is one historical or current build of a File.
type Version struct {
	Checksum  string `xml:"checksum,attr" yaml:"checksum"`
	Timestamp string `xml:"timestamp,attr" yaml:"timestamp"`
	// Filesize is only meaningful (and only present in the wire format) on
	// the current version.
	Filesize int64 `xml:"filesize,attr,omitempty" yaml:"filesize,omitempty"`
	// Filename, if set, is the exact on-disk name this version was
	// published under, when it differs from the File's logical filename
	// (e.g. after a rename-on-upload).
	Filename string `xml:"filename,attr,omitempty" yaml:"filename,omitempty"`
	// TimestampObsolete, if set, marks when this (previous) version was
	// superseded -- used only on previous-version records.
	TimestampObsolete string `xml:"timestamp-obsolete,attr,omitempty" yaml:"timestampObsolete,omitempty"`

	Description  string       `xml:"description,omitempty" yaml:"description,omitempty"`
	Dependencies []Dependency `xml:"dependency" yaml:"dependencies,omitempty"`
	Links        []string     `xml:"link" yaml:"links,omitempty"`
	Authors      []string     `xml:"author" yaml:"authors,omitempty"`
}

// Less orders Versions by timestamp then checksum, per spec.
func (v *Version) Less(o *Version) bool {
	if v.Timestamp != o.Timestamp {
		return v.Timestamp < o.Timestamp
	}
	return v.Checksum < o.Checksum
}

// File is a tracked artifact: a logical filename, its version history, and
// everything needed to reconcile it against a local install tree.
type File struct {
	// Filename is the stable logical identity (version suffix stripped).
	Filename string `xml:"filename,attr" yaml:"filename"`
	// LocalFilename is the actual on-disk name, which may carry a version
	// suffix that differs from Filename. Empty if not locally present.
	LocalFilename string `xml:"-" yaml:"-"`

	Filesize   int64      `xml:"-" yaml:"-"`
	Current    *Version   `xml:"version" yaml:"current,omitempty"`
	Previous   []*Version `xml:"previous-version" yaml:"previous,omitempty"`
	Authors    []string   `xml:"-" yaml:"-"`
	Categories []string   `xml:"category" yaml:"categories,omitempty"`
	Links      []string   `xml:"-" yaml:"-"`
	// Platforms, empty means "applies to all platforms".
	Platforms  []string `xml:"platform" yaml:"platforms,omitempty"`
	Executable bool     `xml:"executable,attr,omitempty" yaml:"executable,omitempty"`
	Description string  `xml:"-" yaml:"-"`

	// UpdateSite is the name of the owning Site (the current winner after
	// shadow-stack resolution).
	UpdateSite string `xml:"update-site,attr" yaml:"updateSite"`

	// OverriddenSites preserves, per losing site name, the File record that
	// site contributed before it was shadowed by a higher-ranked site.
	OverriddenSites map[string]*File `xml:"-" yaml:"-"`

	// Local bookkeeping, populated by the scanner, not the catalog codec.
	LocalDigest       string `xml:"-" yaml:"-"`
	LocalTimestamp    string `xml:"-" yaml:"-"`
	LocalLegacyDigest []string `xml:"-" yaml:"-"`

	Status Status `xml:"-" yaml:"-"`
	Action Action `xml:"-" yaml:"-"`
}

// StripVersion removes a "-<version>" suffix from a local filename before
// its extension, yielding the logical/unversioned name used as the map
// key throughout this package. "<version>" is the text between the last
// '-' and the extension, and it is stripped only when it starts with a
// digit.
func StripVersion(filename string) string {
	ext := extOf(filename)
	base := filename[:len(filename)-len(ext)]
	idx := strings.LastIndexByte(base, '-')
	if idx < 0 {
		return filename
	}
	// Only strip if what follows '-' looks like a version token: starts
	// with a digit. This avoids mangling names that legitimately contain a
	// hyphen, e.g. "go-diff.jar".
	suffix := base[idx+1:]
	if suffix == "" || !isDigit(suffix[0]) {
		return filename
	}
	return base[:idx] + ext
}

func extOf(filename string) string {
	idx := strings.LastIndexByte(filename, '.')
	if idx < 0 {
		return ""
	}
	return filename[idx:]
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

// Conflict describes a problem found by the scanner or conflict engine,
// together with the resolutions a caller may choose among.
type Conflict struct {
	Severity    Severity
	Filename    string
	Message     string
	Resolutions []Resolution
}

type Severity int

const (
	SeverityError Severity = iota
	SeverityCritical
)

func (s Severity) String() string {
	if s == SeverityCritical {
		return "CRITICAL_ERROR"
	}
	return "ERROR"
}

// Resolution is one way of fixing a Conflict. Effect is nil for resolutions
// that are purely descriptive (choosing one changes nothing).
type Resolution struct {
	Description string
	Effect      func() error
}

// Site is an addressable catalog source.
type Site struct {
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"baseUrl"`
	SSHHost     string `yaml:"sshHost,omitempty"`
	UploadDir   string `yaml:"uploadDirectory,omitempty"`
	Description string `yaml:"description,omitempty"`
	Maintainer  string `yaml:"maintainer,omitempty"`
	// Timestamp is the last-known 14-digit remote catalog mtime.
	Timestamp string `yaml:"timestamp,omitempty"`
	Active    bool   `yaml:"active"`
	Official  bool   `yaml:"official,omitempty"`
	// KeepURL marks a user-pinned URL that must not be auto-rewritten.
	KeepURL bool `yaml:"keepUrl,omitempty"`
	// Rank orders sites for shadow resolution; higher rank wins. Two sites
	// are equal iff their ranks are equal.
	Rank int `yaml:"rank"`
}

// Equal reports site equality: two sites are equal iff their ranks are.
func (s *Site) Equal(o *Site) bool { return s.Rank == o.Rank }

// Validate checks the structural invariants of a Site.
func (s *Site) Validate() error {
	var errs []error
	if s.Name == "" {
		errs = append(errs, errors.New("site: name is required"))
	}
	if s.BaseURL == "" {
		errs = append(errs, errors.New("site: base url is required"))
	} else if !strings.HasSuffix(s.BaseURL, "/") {
		errs = append(errs, fmt.Errorf("site %q: base url must end in '/'", s.Name))
	}
	return errors.Join(errs...)
}

// Validate checks the purely structural invariants of a File (the
// digest/status correlation invariants are
// enforced by updater/reconcile, not here).
func (f *File) Validate() error {
	var errs []error
	if f.Filename == "" {
		errs = append(errs, errors.New("file: filename is required"))
	}
	if f.Current != nil {
		if f.Current.Checksum == "" {
			errs = append(errs, fmt.Errorf("file %q: current version missing checksum", f.Filename))
		}
		if f.Current.Timestamp == "" {
			errs = append(errs, fmt.Errorf("file %q: current version missing timestamp", f.Filename))
		}
	}
	for _, p := range f.Previous {
		if p.Checksum == "" || p.Timestamp == "" {
			errs = append(errs, fmt.Errorf("file %q: previous version missing checksum/timestamp", f.Filename))
		}
	}
	return errors.Join(errs...)
}

// SortPrevious orders Previous ascending by (timestamp, checksum), the
// canonical order used for display and for deterministic XML output.
func (f *File) SortPrevious() {
	sort.Slice(f.Previous, func(i, j int) bool { return f.Previous[i].Less(f.Previous[j]) })
}

// HasPreviousChecksum reports whether checksum matches any previous
// version's checksum.
func (f *File) HasPreviousChecksum(checksum string) bool {
	for _, p := range f.Previous {
		if p.Checksum == checksum {
			return true
		}
	}
	return false
}

// IsShadowing reports whether this File shadows at least one other site's
// entry and its logical name equals its local on-disk name -- this matters
// for the special case that permits
// UPLOAD/REMOVE of a shadowing entry outside the normal Status table.
func (f *File) IsShadowing() bool {
	return len(f.OverriddenSites) > 0 && f.LocalFilename == f.Filename
}
