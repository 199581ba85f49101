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

// Package session ties the core packages together into one reconciliation
// run against a single install root: load the local catalog, fetch and
// merge the remote site catalogs, scan the tree, derive statuses, and hand
// staged work to the installer or uploader. The CLI commands are thin
// wrappers over a Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/benbjohnson/clock"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/catalog"
	"github.com/imagej/imagej-updater/updater/fsx"
	"github.com/imagej/imagej-updater/updater/install"
	"github.com/imagej/imagej-updater/updater/model"
	"github.com/imagej/imagej-updater/updater/platform"
	"github.com/imagej/imagej-updater/updater/reconcile"
	"github.com/imagej/imagej-updater/updater/scan"
	"github.com/imagej/imagej-updater/updater/upload"
)

const (
	// CatalogName is the filename of the catalog, local and remote.
	CatalogName = "db.xml.gz"
	// checksumsName is the local digest cache sidecar.
	checksumsName = ".checksums"
	// DefaultAppName is the platform-bundle base name.
	DefaultAppName = "ImageJ"

	connectTimeout = 10 * time.Second
)

// Session is one reconciliation run against a single install root. It is
// not safe for concurrent use: all catalog mutation happens on the driving
// goroutine, per the single-threaded-core model.
type Session struct {
	FS      fsx.FS
	Root    string
	AppName string
	Clock   clock.Clock

	// HTTPClient fetches remote catalogs. It honors http_proxy et al via
	// ProxyFromEnvironment and carries the connect timeout.
	HTTPClient *http.Client

	Catalog *catalog.Collection
	Cache   *scan.DigestCache

	// Conflicts accumulates everything the scanner and conflict engine
	// raised during this run.
	Conflicts []model.Conflict

	// scannedDigests remembers what the scanner saw, for the upload pass's
	// changed-since-scan check.
	scannedDigests map[string]string

	// fingerprint is the cheap whole-tree hash taken at scan time; see
	// VerifyUnchanged.
	fingerprint string

	// knownLocally is the set of filenames the local catalog already
	// recorded when the session opened. An absent file a remote catalog
	// advertises is NEW if it was never recorded locally, NOT_INSTALLED if
	// it was (the user has seen it before and left it uninstalled).
	knownLocally map[string]bool
}

// Open loads the local catalog and digest cache from root. A missing
// db.xml.gz or .checksums is not an error: both start empty on a fresh
// install tree.
func Open(ctx context.Context, root, appName string) (*Session, error) {
	logger := logging.FromContext(ctx).With("logger", "session.Open")

	if appName == "" {
		appName = DefaultAppName
	}
	s := &Session{
		FS:      fsx.Real{},
		Root:    root,
		AppName: appName,
		Clock:   clock.New(),
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy:       http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		Catalog:        catalog.New(),
		Cache:          scan.NewDigestCache(),
		scannedDigests: map[string]string{},
		knownLocally:   map[string]bool{},
	}

	if info, err := s.FS.Stat(root); err != nil {
		return nil, fmt.Errorf("install root %q: %w", root, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("install root %q is not a directory", root)
	}

	dbPath := filepath.Join(root, CatalogName)
	if f, err := s.FS.Open(dbPath); err == nil {
		defer f.Close()
		c, err := catalog.Read(f)
		if err != nil {
			return nil, fmt.Errorf("read local catalog %q: %w", dbPath, err)
		}
		s.Catalog = c
		for _, f := range c.All() {
			s.knownLocally[f.Filename] = true
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open local catalog %q: %w", dbPath, err)
	} else {
		logger.DebugContext(ctx, "no local catalog yet", "path", dbPath)
	}

	cachePath := filepath.Join(root, checksumsName)
	if f, err := s.FS.Open(cachePath); err == nil {
		defer f.Close()
		cache, err := scan.LoadDigestCache(f)
		if err != nil {
			// A corrupt cache only costs re-hashing; never fail on it.
			logger.WarnContext(ctx, "ignoring unreadable digest cache", "path", cachePath, "error", err)
		} else {
			s.Cache = cache
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open digest cache %q: %w", cachePath, err)
	}

	return s, nil
}

// SiteRank returns the rank of the named site: its declaration order in the
// local catalog (sites keep their original rank across catalog reloads).
// Unknown sites rank -1.
func (s *Session) SiteRank(name string) int {
	for i, site := range s.Catalog.Sites() {
		if site.Name == name {
			return i
		}
	}
	return -1
}

// ActiveSitesByRank returns the active sites in ascending rank order, the
// order MergeSite must be called in (highest rank last so it wins).
func (s *Session) ActiveSitesByRank() []*model.Site {
	var out []*model.Site
	for _, site := range s.Catalog.Sites() {
		if site.Active {
			out = append(out, site)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return s.SiteRank(out[i].Name) < s.SiteRank(out[j].Name)
	})
	return out
}

// RefreshRemotes fetches every active site's remote catalog and merges it
// into the working catalog, ascending rank order. When modifying is false
// (a status-only run), a network failure on one site degrades to
// treat-as-up-to-date: the site's last-known records are kept and the
// failure is logged. When modifying is true, any fetch failure aborts,
// since a stale catalog must never feed a state-changing operation.
func (s *Session) RefreshRemotes(ctx context.Context, modifying bool) error {
	logger := logging.FromContext(ctx).With("logger", "session.RefreshRemotes")

	for _, site := range s.ActiveSitesByRank() {
		incoming, timestamp, err := s.fetchSite(ctx, site)
		if err != nil {
			if modifying {
				return apperror.Wrap(apperror.ErrNetworkUnavailable, site.Name,
					"cannot fetch remote catalog before a state-changing operation", err)
			}
			logger.WarnContext(ctx, "treating unreachable site as up to date",
				"site", site.Name, "error", err)
			continue
		}
		if err := catalog.MergeSite(ctx, s.Catalog, site.Name, s.SiteRank(site.Name), s.SiteRank, incoming); err != nil {
			return fmt.Errorf("merge site %q: %w", site.Name, err)
		}
		if timestamp != "" {
			site.Timestamp = timestamp
		}
	}
	return nil
}

// fetchSite downloads and parses one site's remote catalog. The returned
// timestamp is the server's Last-Modified time as a 14-digit string, or ""
// if the server didn't send one.
func (s *Session) fetchSite(ctx context.Context, site *model.Site) (*catalog.Collection, string, error) {
	u := site.BaseURL + CatalogName
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request for %q: %w", u, err)
	}
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %q: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusProxyAuthRequired {
		return nil, "", apperror.New(apperror.ErrProxyAuthRequired, site.Name, "proxy requires authentication")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %q: unexpected status %s", u, resp.Status)
	}

	c, err := catalog.Read(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("site %q: %w", site.Name, err)
	}

	var timestamp string
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			timestamp = Timestamp(t)
		}
	}
	return c, timestamp, nil
}

// Scan walks the install tree, folds what it finds into the catalog, and
// derives every File's Status and default Action. Call after RefreshRemotes
// so catalog records exist for candidate ranking.
func (s *Session) Scan(ctx context.Context) error {
	res, err := scan.Walk(ctx, s.FS, s.Root, s.Cache, func(logical string) *model.File {
		return s.Catalog.Get(logical)
	})
	if err != nil {
		return fmt.Errorf("scan %q: %w", s.Root, err)
	}
	s.Conflicts = append(s.Conflicts, res.Conflicts...)

	// Reset local bookkeeping so records whose files disappeared demote
	// cleanly, then fold the scan results back in.
	for _, f := range s.Catalog.All() {
		f.LocalFilename, f.LocalDigest, f.LocalTimestamp, f.LocalLegacyDigest = "", "", "", nil
	}
	for _, scanned := range res.Files {
		if existing := s.Catalog.Get(scanned.Filename); existing != nil {
			existing.LocalFilename = scanned.LocalFilename
			existing.LocalDigest = scanned.LocalDigest
			existing.LocalTimestamp = scanned.LocalTimestamp
			existing.LocalLegacyDigest = scanned.LocalLegacyDigest
		} else {
			s.Catalog.Put(scanned)
		}
	}

	for _, f := range s.Catalog.All() {
		known := f.UpdateSite != ""
		// A legacy digest matching the advertised checksum counts as the
		// current content (catalogs written by earlier hasher eras).
		if known && f.Current != nil && f.LocalDigest != "" && f.Current.Checksum != f.LocalDigest {
			for _, lg := range f.LocalLegacyDigest {
				if lg == f.Current.Checksum {
					f.LocalDigest = f.Current.Checksum
					break
				}
			}
		}
		f.Status = reconcile.Status(f, known)
		if f.Status == model.StatusNotInstalled && !s.knownLocally[f.Filename] {
			f.Status = model.StatusNew
		}
		f.Action = reconcile.NoAction(f.Status)
		s.scannedDigests[f.Filename] = f.LocalDigest
	}

	fp, err := scan.Fingerprint(s.FS, s.Root)
	if err != nil {
		return fmt.Errorf("fingerprint %q: %w", s.Root, err)
	}
	s.fingerprint = fp
	return nil
}

// ScannedDigest returns the digest recorded at scan time for filename, for
// the conflict engine's changed-since-scan check.
func (s *Session) ScannedDigest(filename string) string {
	return s.scannedDigests[filename]
}

// VerifyUnchanged re-fingerprints the tree and fails with TimestampSkew if
// anything trackable changed since Scan ran. Callers invoke it immediately
// before installer or uploader side effects.
func (s *Session) VerifyUnchanged(ctx context.Context) error {
	fp, err := scan.Fingerprint(s.FS, s.Root)
	if err != nil {
		return fmt.Errorf("fingerprint %q: %w", s.Root, err)
	}
	if fp != s.fingerprint {
		return apperror.New(apperror.ErrTimestampSkew, "",
			"install tree changed since it was scanned; re-run to re-scan")
	}
	return nil
}

// SaveLocal persists the local catalog variant and the digest cache.
func (s *Session) SaveLocal(ctx context.Context) error {
	dbPath := filepath.Join(s.Root, CatalogName)
	f, err := s.FS.OpenFile(dbPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return apperror.Wrap(apperror.ErrReadOnlyRoot, "", "cannot write local catalog", err)
		}
		return fmt.Errorf("open %q for writing: %w", dbPath, err)
	}
	if err := catalog.Write(f, s.Catalog, catalog.LocalVariant); err != nil {
		f.Close()
		return fmt.Errorf("write local catalog: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close local catalog: %w", err)
	}

	cachePath := filepath.Join(s.Root, checksumsName)
	cf, err := s.FS.OpenFile(cachePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %q for writing: %w", cachePath, err)
	}
	if err := s.Cache.Save(cf); err != nil {
		cf.Close()
		return fmt.Errorf("write digest cache: %w", err)
	}
	return cf.Close()
}

// FileURL builds the download URL for f's current version on its owning
// site: base + url-encoded filename + "-" + timestamp.
func (s *Session) FileURL(f *model.File) string {
	site := s.Catalog.Site(f.UpdateSite)
	if site == nil || f.Current == nil {
		return ""
	}
	name := f.Filename
	if f.Current.Filename != "" {
		name = f.Current.Filename
	}
	return site.BaseURL + EncodePath(name) + "-" + f.Current.Timestamp
}

// CanUpload reports whether f's owning site has upload rights configured:
// an upload directory must be set. With an ssh-host the ssh transport is
// used; without one the HTTP transport PUTs against the site base URL.
func (s *Session) CanUpload(f *model.File) bool {
	site := s.Catalog.Site(f.UpdateSite)
	return site != nil && site.UploadDir != ""
}

// Resolve returns the catalog record for a logical filename, or nil.
func (s *Session) Resolve(filename string) *model.File {
	return s.Catalog.Get(filename)
}

// CurrentPlatformFiles filters files to those applying to the running
// platform.
func (s *Session) CurrentPlatformFiles() []*model.File {
	cur := platform.Current()
	var out []*model.File
	for _, f := range s.Catalog.All() {
		if platform.Applies(f.Platforms, cur) {
			out = append(out, f)
		}
	}
	return out
}

// StageUpdate marks the named files (all platform-applicable files when
// names is empty) for install or update. force also stages files with
// local modifications; pristine additionally stages obsolete local copies
// for removal. Every staged file's transitive dependencies are cascaded.
func (s *Session) StageUpdate(ctx context.Context, names []string, force, pristine bool) error {
	targets, err := s.selectFiles(names)
	if err != nil {
		return err
	}

	cur := platform.Current()
	for _, f := range targets {
		if !platform.Applies(f.Platforms, cur) {
			if len(names) > 0 {
				return apperror.New(apperror.ErrPlatformMismatch, f.Filename,
					fmt.Sprintf("file is restricted to platforms %s", strings.Join(f.Platforms, ", ")))
			}
			continue
		}
		var action model.Action
		switch f.Status {
		case model.StatusNotInstalled:
			// Available-but-never-installed files are only installed when
			// named explicitly; a bare "update" must not pull in the whole
			// catalog.
			if len(names) == 0 {
				continue
			}
			action = model.ActionInstall
		case model.StatusNew:
			action = model.ActionInstall
		case model.StatusUpdateable:
			action = model.ActionUpdate
		case model.StatusModified, model.StatusObsoleteModified:
			if !force {
				continue // surfaced by the conflict engine, not silently overwritten
			}
			action = model.ActionUpdate
		case model.StatusObsolete:
			if !pristine {
				continue
			}
			action = model.ActionUninstall
		default:
			continue
		}
		if err := reconcile.IsValidAction(f.Status, action, s.CanUpload(f), f); err != nil {
			return fmt.Errorf("%s: %w", f.Filename, err)
		}
		f.Action = action
		reconcile.Cascade(ctx, f, action, s.Resolve, s.directDeps, s.CanUpload)
	}
	return nil
}

func (s *Session) directDeps(f *model.File) []string {
	if f.Current == nil {
		return nil
	}
	var out []string
	for _, d := range f.Current.Dependencies {
		if !d.Overrides {
			out = append(out, d.Filename)
		}
	}
	return out
}

// selectFiles resolves names to catalog records, or returns every record
// when names is empty. Unknown names are an error.
func (s *Session) selectFiles(names []string) ([]*model.File, error) {
	if len(names) == 0 {
		return s.Catalog.All(), nil
	}
	out := make([]*model.File, 0, len(names))
	for _, n := range names {
		f := s.Catalog.Get(n)
		if f == nil {
			return nil, fmt.Errorf("unknown file %q", n)
		}
		out = append(out, f)
	}
	return out, nil
}

// InstallItems converts every staged mutating action into installer work
// items. The second return value reports whether any item lives inside the
// platform bundle, in which case the caller must BackupBundle first and
// the whole bundle is force-restaged so it is refreshed as a unit.
func (s *Session) InstallItems() (items []install.Item, touchesBundle bool) {
	bundlePrefix := s.AppName + ".app/"

	for _, f := range s.Catalog.All() {
		rel := f.LocalFilename
		if rel == "" {
			rel = f.Filename
		}
		switch f.Action {
		case model.ActionInstall, model.ActionUpdate:
			// A versioned local name is replaced by the catalog's name: the
			// old file is deleted and the new one staged under the logical
			// name.
			if f.LocalFilename != "" && f.LocalFilename != f.Filename {
				items = append(items, install.Item{RelPath: f.LocalFilename, Uninstall: true})
			}
			item := install.Item{
				RelPath:      f.Filename,
				RemoteURL:    s.FileURL(f),
				Filesize:     currentFilesize(f),
				Digest:       currentChecksum(f),
				Executable:   f.Executable,
				Bypass:       platform.IsLauncher(f.Filename) || f.Executable,
				InsideBundle: strings.HasPrefix(f.Filename, bundlePrefix),
				// The advertised checksum may itself have been produced by
				// a legacy hasher era; accepting it through the download's
				// legacy digests keeps old catalogs installable.
				LegacyDigests: []string{currentChecksum(f)},
			}
			if item.InsideBundle {
				touchesBundle = true
			}
			items = append(items, item)
		case model.ActionUninstall, model.ActionRemove:
			if f.LocalFilename != "" {
				items = append(items, install.Item{RelPath: f.LocalFilename, Uninstall: true})
			}
		}
	}

	if touchesBundle {
		// Force-restage every currently installed in-bundle file so the
		// whole bundle is refreshed atomically alongside the changed ones.
		staged := map[string]bool{}
		for _, it := range items {
			staged[it.RelPath] = true
		}
		for _, f := range s.Catalog.All() {
			if f.LocalFilename == "" || !strings.HasPrefix(f.LocalFilename, bundlePrefix) {
				continue
			}
			if staged[f.LocalFilename] || f.Current == nil {
				continue
			}
			items = append(items, install.Item{
				RelPath:       f.LocalFilename,
				RemoteURL:     s.FileURL(f),
				Filesize:      currentFilesize(f),
				Digest:        currentChecksum(f),
				Executable:    f.Executable,
				InsideBundle:  true,
				LegacyDigests: []string{currentChecksum(f)},
			})
		}
	}
	return items, touchesBundle
}

func currentFilesize(f *model.File) int64 {
	if f.Current == nil {
		return 0
	}
	return f.Current.Filesize
}

func currentChecksum(f *model.File) string {
	if f.Current == nil {
		return ""
	}
	return f.Current.Checksum
}

// ApplyInstall folds a successful install batch back into the model: each
// installed/updated file becomes INSTALLED with its local digest set to
// the advertised checksum, each uninstalled file is demoted.
func (s *Session) ApplyInstall(ctx context.Context) {
	for _, f := range s.Catalog.All() {
		switch f.Action {
		case model.ActionInstall, model.ActionUpdate:
			f.LocalFilename = f.Filename
			f.LocalDigest = currentChecksum(f)
			f.LocalTimestamp = Timestamp(s.Clock.Now())
			f.Status = model.StatusInstalled
			f.Action = model.ActionInstalled
		case model.ActionUninstall, model.ActionRemove:
			f.LocalFilename, f.LocalDigest, f.LocalTimestamp = "", "", ""
			known := f.UpdateSite != ""
			f.Status = reconcile.Status(f, known)
			f.Action = reconcile.NoAction(f.Status)
			if !known {
				s.Catalog.Delete(f.Filename)
			}
		}
	}
}

// DeactivateSite unwinds siteName's contributions, raising UPDATE on every
// promoted record whose current version differs from what is on disk.
func (s *Session) DeactivateSite(ctx context.Context, siteName string) error {
	site := s.Catalog.Site(siteName)
	if site == nil {
		return fmt.Errorf("unknown update site %q", siteName)
	}
	promoted, _ := catalog.Deactivate(ctx, s.Catalog, siteName, s.SiteRank)
	site.Active = false

	for _, name := range promoted {
		f := s.Catalog.Get(name)
		if f == nil {
			continue
		}
		known := f.UpdateSite != ""
		f.Status = reconcile.Status(f, known)
		f.Action = reconcile.NoAction(f.Status)
		if f.Status == model.StatusUpdateable {
			f.Action = model.ActionUpdate
		}
	}
	return nil
}

// ApplyUpload folds an upload result back into the model: every
// uploaded file's current timestamp becomes the server's
// authoritative mtime, the displaced current becomes a previous version
// stamped obsolete at the same instant, and renamed uploads gain an extra
// previous-version record carrying the old on-disk name.
func (s *Session) ApplyUpload(siteName string, uploaded []upload.StagedFile, newTimestamp string) {
	site := s.Catalog.Site(siteName)
	if site != nil {
		site.Timestamp = newTimestamp
	}
	for _, uf := range uploaded {
		f := s.Catalog.Get(uf.Filename)
		if f == nil {
			continue
		}
		newCurrent := &model.Version{
			Checksum:  f.LocalDigest,
			Timestamp: newTimestamp,
			Filesize:  uf.Size,
		}
		if old := f.Current; old != nil {
			newCurrent.Description = old.Description
			newCurrent.Dependencies = old.Dependencies
			newCurrent.Links = old.Links
			newCurrent.Authors = old.Authors
			if old.Checksum != f.LocalDigest {
				demoted := *old
				demoted.TimestampObsolete = newTimestamp
				demoted.Filesize = 0
				f.Previous = append(f.Previous, &demoted)
			}
		}
		f.Current = newCurrent
		if uf.LocalFilename != "" && uf.LocalFilename != uf.Filename {
			f.Previous = append(f.Previous, &model.Version{
				Checksum:          f.LocalDigest,
				Timestamp:         newTimestamp,
				TimestampObsolete: newTimestamp,
				Filename:          uf.LocalFilename,
			})
		}
		f.SortPrevious()
		f.UpdateSite = siteName
		f.Status = model.StatusInstalled
		f.Action = model.ActionInstalled
	}
}

// Timestamp renders t as the canonical 14-digit YYYYMMDDhhmmss string.
func Timestamp(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

// EncodePath url-encodes each segment of a catalog-relative path while
// keeping the separators, the form artifact URLs use.
func EncodePath(name string) string {
	segs := strings.Split(name, "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return strings.Join(segs, "/")
}
