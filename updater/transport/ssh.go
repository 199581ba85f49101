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

package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/progress"
)

// SSHTransport implements Transport for sites that publish an ssh-host and
// upload-directory, by shelling out to the system scp/ssh client rather
// than reimplementing the SFTP/SSH protocol. Remote paths are quoted with
// alessio/shellescape when building arguments for the external command.
type SSHTransport struct {
	site       Site
	runCommand func(name string, args ...string) ([]byte, error)
}

// NewSSHTransport returns an SSHTransport that shells out to the real
// scp/ssh binaries on PATH.
func NewSSHTransport() *SSHTransport {
	return &SSHTransport{
		runCommand: func(name string, args ...string) ([]byte, error) {
			cmd := exec.Command(name, args...)
			return cmd.CombinedOutput()
		},
	}
}

func (t *SSHTransport) Protocol() string { return "ssh" }

func (t *SSHTransport) Login(ctx context.Context, site Site) error {
	t.site = site
	return nil
}

func (t *SSHTransport) Logout(ctx context.Context) error { return nil }

func (t *SSHTransport) Upload(ctx context.Context, payloads []Payload, sink progress.Sink) error {
	sink.SetCount(0, len(payloads))

	upload := func(remotePath string, content io.Reader) error {
		tmp, err := os.CreateTemp("", "imagej-updater-upload-*")
		if err != nil {
			return fmt.Errorf("create staging temp file: %w", err)
		}
		defer os.Remove(tmp.Name())
		if content != nil {
			if _, err := io.Copy(tmp, content); err != nil {
				tmp.Close()
				return fmt.Errorf("stage payload for %q: %w", remotePath, err)
			}
		}
		tmp.Close()

		dest := t.site.SSHHost + ":" + shellescape.Quote(path.Join(t.site.UploadDir, remotePath))
		sink.AddItem(remotePath)
		if out, err := t.runCommand("scp", "-q", tmp.Name(), dest); err != nil {
			return apperror.Wrap(apperror.ErrTransportUnavailable, remotePath,
				"scp failed: "+strings.TrimSpace(string(out)), err)
		}
		sink.ItemDone(remotePath)
		return nil
	}

	for i, p := range payloads {
		if err := upload(p.RemotePath, p.Content); err != nil {
			return err
		}
		sink.SetCount(i+1, len(payloads))
	}
	return nil
}

// Rename runs `ssh host mv oldpath newpath` on the remote upload directory,
// the ssh-transport equivalent of HTTPTransport's MOVE request.
func (t *SSHTransport) Rename(ctx context.Context, oldPath, newPath string) error {
	oldRemote := shellescape.Quote(path.Join(t.site.UploadDir, oldPath))
	newRemote := shellescape.Quote(path.Join(t.site.UploadDir, newPath))
	out, err := t.runCommand("ssh", t.site.SSHHost, "mv "+oldRemote+" "+newRemote)
	if err != nil {
		return apperror.Wrap(apperror.ErrTransportUnavailable, oldPath,
			"ssh mv failed: "+strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (t *SSHTransport) Timestamp(ctx context.Context, remotePath string) (string, error) {
	remote := shellescape.Quote(path.Join(t.site.UploadDir, remotePath))
	out, err := t.runCommand("ssh", t.site.SSHHost, "date -u -r "+remote+" +%Y%m%d%H%M%S")
	if err != nil {
		return "", apperror.Wrap(apperror.ErrNetworkUnavailable, remotePath, "ssh stat failed: "+strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (t *SSHTransport) CalculateTotalSize(ctx context.Context, remotePaths []string) (int64, error) {
	var total int64
	for _, p := range remotePaths {
		remote := shellescape.Quote(path.Join(t.site.UploadDir, p))
		out, err := t.runCommand("ssh", t.site.SSHHost, "stat -c %s "+remote)
		if err != nil {
			return 0, apperror.Wrap(apperror.ErrNetworkUnavailable, p, "ssh stat failed: "+strings.TrimSpace(string(out)), err)
		}
		var size int64
		if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &size); err != nil {
			return 0, fmt.Errorf("parse remote size of %q: %w", p, err)
		}
		total += size
	}
	return total, nil
}
