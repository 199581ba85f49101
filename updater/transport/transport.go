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

// Package transport defines the pluggable upload-transport capability set
// a registry of {protocol -> Transport}, where every implementation is
// statically linked and advertises its protocol string; no runtime plugin
// loading is involved.
package transport

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/imagej/imagej-updater/updater/progress"
)

// Payload is one file to upload: its remote-relative path and content.
type Payload struct {
	RemotePath string
	Content    io.ReadSeeker
	Size       int64
}

// Transport is the capability set a pluggable upload backend must provide,
// per Design Note 2.
type Transport interface {
	// Protocol returns the scheme this transport advertises, e.g. "ssh" or
	// "http".
	Protocol() string

	Login(ctx context.Context, site Site) error
	Logout(ctx context.Context) error

	// Upload sends every payload in order. Callers that need the
	// lock-file-written-last ordering guarantee must place that payload
	// last in the slice; this
	// interface doesn't special-case any particular remote path.
	Upload(ctx context.Context, payloads []Payload, sink progress.Sink) error

	// Rename performs an atomic server-side rename, used to commit a
	// just-uploaded lock file to its final catalog name. oldPath must
	// already exist remotely;
	// any existing file at newPath is backed up by the caller beforehand.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Timestamp returns the server-side mtime of the named remote file, as
	// a 14-digit timestamp.
	Timestamp(ctx context.Context, remotePath string) (string, error)

	// CalculateTotalSize sums the sizes of the given remote paths, for
	// progress reporting before an upload starts.
	CalculateTotalSize(ctx context.Context, remotePaths []string) (int64, error)
}

// Site is the subset of update-site configuration a transport needs to
// connect: its base URL plus whatever address fields the concrete
// transport interprets (SSH host / upload directory, or an HTTP endpoint
// derived from BaseURL).
type Site struct {
	Name      string
	BaseURL   string
	SSHHost   string
	UploadDir string
}

// Registry is a {protocol -> factory} map of statically linked transports.
type Registry struct {
	factories map[string]func() Transport
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]func() Transport{}}
}

// Register adds a transport factory under protocol. Re-registering the
// same protocol replaces the previous factory.
func (r *Registry) Register(protocol string, factory func() Transport) {
	r.factories[protocol] = factory
}

// New constructs a fresh Transport instance for protocol.
func (r *Registry) New(protocol string) (Transport, error) {
	f, ok := r.factories[protocol]
	if !ok {
		return nil, fmt.Errorf("no transport registered for protocol %q", protocol)
	}
	return f(), nil
}

// Protocols returns every registered protocol name, sorted.
func (r *Registry) Protocols() []string {
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Default returns a Registry pre-populated with the two statically linked
// transports: "http" (most update sites) and "ssh"
// (sites that publish ssh-host/upload-directory).
func Default() *Registry {
	r := NewRegistry()
	r.Register("http", func() Transport { return NewHTTPTransport() })
	r.Register("ssh", func() Transport { return NewSSHTransport() })
	return r
}

// ProtocolFor picks the registered protocol name appropriate for a Site:
// a site with an SSHHost uploads over ssh; every other site uploads over
// plain HTTP(S).
func ProtocolFor(s Site) string {
	if s.SSHHost != "" {
		return "ssh"
	}
	return "http"
}
