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

// Package upload implements the locked-catalog commit protocol: stage
// files, write the new catalog under a ".lock" name, rename it
// into place, then read back the server's authoritative new timestamp. The
// package only drives a transport.Transport; it knows nothing about
// hashing, the filesystem, or the catalog XML codec, so the caller supplies
// both the serialized catalog bytes and a verify callback.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/progress"
	"github.com/imagej/imagej-updater/updater/transport"
)

// lockName is the remote name the new catalog is uploaded under before the
// commit rename.
const lockName = "db.xml.gz.lock"

// catalogName is the remote name the lock file is renamed to once the
// upload completes.
const catalogName = "db.xml.gz"

// catalogBackupName is where the prior catalog is preserved just before
// the commit rename overwrites it, the remote counterpart of the
// installer's ".old" backups.
const catalogBackupName = "db.xml.gz.old"

// StagedFile is one file queued for upload. LocalFilename is the remote
// path to write to, which may differ from Filename when the upload
// renames a versioned file into place.
type StagedFile struct {
	Filename      string
	LocalFilename string
	Content       io.ReadSeeker
	Size          int64
}

// Result reports what Coordinator.Upload actually did, for the caller to
// fold back into the local model.
type Result struct {
	// NewTimestamp is the authoritative server mtime of the freshly
	// committed catalog, read back after the rename.
	NewTimestamp string
	Uploaded     []StagedFile
}

// Coordinator drives one upload session against a single site's Transport.
type Coordinator struct {
	Transport transport.Transport
	Site      transport.Site
}

// NewCoordinator returns a Coordinator bound to the given transport and
// site connection info.
func NewCoordinator(t transport.Transport, site transport.Site) *Coordinator {
	return &Coordinator{Transport: t, Site: site}
}

// Upload runs the full commit protocol:
//
//  1. log in and probe the remote catalog's current timestamp; if it
//     doesn't match expectedTimestamp the site has moved since the caller
//     last refreshed, and apperror.ErrSiteSkew is returned.
//  2. re-verify every staged file via verify, so a file that changed on
//     disk between scan and upload is never silently published.
//  3. upload every staged file, then the new catalog bytes under lockName
//     (the lock file is always the last file written).
//  4. back up any prior catalog by renaming it to catalogBackupName, then
//     rename lockName to catalogName, which commits the new catalog. When a
//     prior catalog exists, its backup rename is performed before the
//     commit rename.
//  5. read back the server's new timestamp for catalogName.
//
// expectedTimestamp of "" skips the skew check, for a first-ever upload to
// a site with no prior catalog.
func (c *Coordinator) Upload(ctx context.Context, files []StagedFile, catalogBytes []byte, expectedTimestamp string, verify func(StagedFile) error, sink progress.Sink) (*Result, error) {
	if sink == nil {
		sink = progress.NoOp{}
	}

	if err := c.Transport.Login(ctx, c.Site); err != nil {
		return nil, fmt.Errorf("login to %q: %w", c.Site.Name, err)
	}
	defer c.Transport.Logout(ctx)

	if expectedTimestamp != "" {
		remote, err := c.Transport.Timestamp(ctx, catalogName)
		if err != nil {
			return nil, fmt.Errorf("probe remote catalog timestamp: %w", err)
		}
		if remote != expectedTimestamp {
			return nil, apperror.New(apperror.ErrSiteSkew, c.Site.Name,
				fmt.Sprintf("remote catalog timestamp %s does not match last-known %s", remote, expectedTimestamp))
		}
	}

	sink.SetTitle("verifying")
	for _, f := range files {
		if verify == nil {
			continue
		}
		if err := verify(f); err != nil {
			return nil, apperror.Wrap(apperror.ErrDigestMismatch, f.Filename, "file changed since it was staged for upload", err)
		}
	}

	payloads := make([]transport.Payload, 0, len(files)+1)
	for _, f := range files {
		remotePath := f.LocalFilename
		if remotePath == "" {
			remotePath = f.Filename
		}
		payloads = append(payloads, transport.Payload{
			RemotePath: remotePath,
			Content:    f.Content,
			Size:       f.Size,
		})
	}
	payloads = append(payloads, transport.Payload{
		RemotePath: lockName,
		Content:    bytes.NewReader(catalogBytes),
		Size:       int64(len(catalogBytes)),
	})

	sink.SetTitle("uploading")
	if err := c.Transport.Upload(ctx, payloads, sink); err != nil {
		return nil, fmt.Errorf("upload to %q: %w", c.Site.Name, err)
	}

	// Preserve the prior catalog before committing over it. A failed probe
	// means no catalog exists yet (first upload to a fresh site), and there
	// is nothing to back up.
	if _, err := c.Transport.Timestamp(ctx, catalogName); err == nil {
		if err := c.Transport.Rename(ctx, catalogName, catalogBackupName); err != nil {
			return nil, fmt.Errorf("back up prior catalog on %q: %w", c.Site.Name, err)
		}
	}

	if err := c.Transport.Rename(ctx, lockName, catalogName); err != nil {
		return nil, fmt.Errorf("commit catalog on %q: %w", c.Site.Name, err)
	}

	newTimestamp, err := c.Transport.Timestamp(ctx, catalogName)
	if err != nil {
		return nil, fmt.Errorf("read back committed catalog timestamp: %w", err)
	}

	sink.Done()
	return &Result{NewTimestamp: newTimestamp, Uploaded: files}, nil
}

// TotalSize asks the transport for the combined remote size of the given
// already-uploaded paths, for pre-flight progress reporting.
func (c *Coordinator) TotalSize(ctx context.Context, remotePaths []string) (int64, error) {
	return c.Transport.CalculateTotalSize(ctx, remotePaths)
}
