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

package upload

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/progress"
	"github.com/imagej/imagej-updater/updater/transport"
)

type rename struct {
	from, to string
}

type fakeTransport struct {
	timestamp    string
	uploaded     []transport.Payload
	renames      []rename
	uploadErr    error
	timestampSeq []string
}

func (f *fakeTransport) Protocol() string { return "fake" }
func (f *fakeTransport) Login(ctx context.Context, site transport.Site) error  { return nil }
func (f *fakeTransport) Logout(ctx context.Context) error                     { return nil }

func (f *fakeTransport) Upload(ctx context.Context, payloads []transport.Payload, sink progress.Sink) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploaded = append(f.uploaded, payloads...)
	return nil
}

func (f *fakeTransport) Rename(ctx context.Context, oldPath, newPath string) error {
	f.renames = append(f.renames, rename{from: oldPath, to: newPath})
	return nil
}

// timestampMissing in a timestampSeq entry makes that probe fail, the way
// a real transport fails probing a file that doesn't exist.
const timestampMissing = "missing"

func (f *fakeTransport) Timestamp(ctx context.Context, remotePath string) (string, error) {
	if len(f.timestampSeq) > 0 {
		ts := f.timestampSeq[0]
		f.timestampSeq = f.timestampSeq[1:]
		if ts == timestampMissing {
			return "", errors.New("no such remote file")
		}
		return ts, nil
	}
	return f.timestamp, nil
}

func (f *fakeTransport) CalculateTotalSize(ctx context.Context, remotePaths []string) (int64, error) {
	return 0, nil
}

func TestCoordinator_Upload_HappyPath(t *testing.T) {
	t.Parallel()

	// Three probes: the skew check, the prior-catalog existence check
	// before backup, and the post-commit read-back.
	ft := &fakeTransport{timestampSeq: []string{"20230101000000", "20230101000000", "20230102000000"}}
	c := NewCoordinator(ft, transport.Site{Name: "Test Site"})

	files := []StagedFile{
		{Filename: "jars/foo.jar", LocalFilename: "jars/foo-1.0.0.jar", Content: bytes.NewReader([]byte("a")), Size: 1},
	}
	verifyCalls := 0
	result, err := c.Upload(context.Background(), files, []byte("<catalog/>"), "20230101000000", func(f StagedFile) error {
		verifyCalls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if verifyCalls != 1 {
		t.Errorf("verify called %d times, want 1", verifyCalls)
	}
	if len(ft.uploaded) != 2 {
		t.Fatalf("uploaded %d payloads, want 2 (file + lock)", len(ft.uploaded))
	}
	if ft.uploaded[0].RemotePath != "jars/foo-1.0.0.jar" {
		t.Errorf("first payload = %q, want renamed local filename", ft.uploaded[0].RemotePath)
	}
	if ft.uploaded[1].RemotePath != lockName {
		t.Errorf("last payload = %q, want %q", ft.uploaded[1].RemotePath, lockName)
	}
	if len(ft.renames) != 2 {
		t.Fatalf("got %d renames, want backup + commit", len(ft.renames))
	}
	if ft.renames[0] != (rename{from: catalogName, to: catalogBackupName}) {
		t.Errorf("first rename = %+v, want prior catalog backed up to %q", ft.renames[0], catalogBackupName)
	}
	if ft.renames[1] != (rename{from: lockName, to: catalogName}) {
		t.Errorf("second rename = %+v, want (%q, %q)", ft.renames[1], lockName, catalogName)
	}
	if result.NewTimestamp != "20230102000000" {
		t.Errorf("NewTimestamp = %q, want %q", result.NewTimestamp, "20230102000000")
	}
}

func TestCoordinator_Upload_FirstUploadSkipsBackup(t *testing.T) {
	t.Parallel()

	// No expectedTimestamp (fresh site), so the probes are: the
	// prior-catalog existence check (fails, nothing to back up) and the
	// post-commit read-back.
	ft := &fakeTransport{timestampSeq: []string{timestampMissing, "20230102000000"}}
	c := NewCoordinator(ft, transport.Site{Name: "Test Site"})

	files := []StagedFile{{Filename: "jars/foo.jar", Content: bytes.NewReader([]byte("a")), Size: 1}}
	result, err := c.Upload(context.Background(), files, []byte("<catalog/>"), "", nil, nil)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if len(ft.renames) != 1 {
		t.Fatalf("got %d renames, want only the commit (no prior catalog to back up)", len(ft.renames))
	}
	if ft.renames[0] != (rename{from: lockName, to: catalogName}) {
		t.Errorf("rename = %+v, want (%q, %q)", ft.renames[0], lockName, catalogName)
	}
	if result.NewTimestamp != "20230102000000" {
		t.Errorf("NewTimestamp = %q, want %q", result.NewTimestamp, "20230102000000")
	}
}

func TestCoordinator_Upload_SiteSkew(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{timestamp: "20230202000000"}
	c := NewCoordinator(ft, transport.Site{Name: "Test Site"})

	_, err := c.Upload(context.Background(), nil, []byte("<catalog/>"), "20230101000000", nil, nil)
	if !errors.Is(err, apperror.ErrSiteSkew) {
		t.Fatalf("Upload() error = %v, want ErrSiteSkew", err)
	}
	if len(ft.uploaded) != 0 {
		t.Errorf("uploaded %d payloads, want 0 on skew abort", len(ft.uploaded))
	}
}

func TestCoordinator_Upload_VerifyFailure(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	c := NewCoordinator(ft, transport.Site{Name: "Test Site"})

	files := []StagedFile{{Filename: "jars/foo.jar", Content: bytes.NewReader([]byte("a")), Size: 1}}
	_, err := c.Upload(context.Background(), files, []byte("<catalog/>"), "", func(f StagedFile) error {
		return errors.New("digest changed")
	}, nil)
	if !errors.Is(err, apperror.ErrDigestMismatch) {
		t.Fatalf("Upload() error = %v, want ErrDigestMismatch", err)
	}
	if len(ft.uploaded) != 0 {
		t.Errorf("uploaded %d payloads, want 0 when verify fails", len(ft.uploaded))
	}
}
