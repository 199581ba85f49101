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
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/imagej/imagej-updater/updater/apperror"
	"github.com/imagej/imagej-updater/updater/progress"
)

// HTTPTransport implements Transport by issuing PUT requests over an
// http.Transport whose proxy is http.ProxyFromEnvironment (which already
// honors http_proxy/https_proxy/no_proxy -- no bespoke proxy handling is
// written here).
type HTTPTransport struct {
	client *http.Client
	site   Site
}

// NewHTTPTransport returns an HTTPTransport with a 10s-connect-timeout
// client.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: 10 * time.Second,
			},
		},
	}
}

func (t *HTTPTransport) Protocol() string { return "http" }

func (t *HTTPTransport) Login(ctx context.Context, site Site) error {
	t.site = site
	return nil
}

func (t *HTTPTransport) Logout(ctx context.Context) error { return nil }

func (t *HTTPTransport) Upload(ctx context.Context, payloads []Payload, sink progress.Sink) error {
	sink.SetCount(0, len(payloads))
	for i, p := range payloads {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.url(p.RemotePath), p.Content)
		if err != nil {
			return fmt.Errorf("build PUT request for %q: %w", p.RemotePath, err)
		}
		req.ContentLength = p.Size

		sink.AddItem(p.RemotePath)
		resp, err := t.client.Do(req)
		if err != nil {
			return apperror.Wrap(apperror.ErrTransportUnavailable, p.RemotePath, "upload failed", err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return apperror.New(apperror.ErrTransportUnavailable, p.RemotePath, fmt.Sprintf("server returned %s", resp.Status))
		}
		sink.ItemDone(p.RemotePath)
		sink.SetCount(i+1, len(payloads))
	}
	return nil
}

// Rename issues a WebDAV-style MOVE request with a Destination header, the
// standard way to ask an HTTP server for a server-side rename without
// re-uploading the content.
func (t *HTTPTransport) Rename(ctx context.Context, oldPath, newPath string) error {
	req, err := http.NewRequestWithContext(ctx, "MOVE", t.url(oldPath), nil)
	if err != nil {
		return fmt.Errorf("build MOVE request: %w", err)
	}
	req.Header.Set("Destination", t.url(newPath))
	req.Header.Set("Overwrite", "T")

	resp, err := t.client.Do(req)
	if err != nil {
		return apperror.Wrap(apperror.ErrTransportUnavailable, oldPath, "rename failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperror.New(apperror.ErrTransportUnavailable, oldPath, fmt.Sprintf("rename returned %s", resp.Status))
	}
	return nil
}

func (t *HTTPTransport) Timestamp(ctx context.Context, remotePath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url(remotePath), nil)
	if err != nil {
		return "", fmt.Errorf("build HEAD request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", apperror.Wrap(apperror.ErrNetworkUnavailable, remotePath, "probe failed", err)
	}
	defer resp.Body.Close()

	lm := resp.Header.Get("Last-Modified")
	if lm == "" {
		return "", apperror.New(apperror.ErrCorruptCatalog, remotePath, "server response missing Last-Modified header")
	}
	parsed, err := http.ParseTime(lm)
	if err != nil {
		return "", fmt.Errorf("parse Last-Modified %q: %w", lm, err)
	}
	return parsed.UTC().Format("20060102150405"), nil
}

func (t *HTTPTransport) CalculateTotalSize(ctx context.Context, remotePaths []string) (int64, error) {
	var total int64
	for _, p := range remotePaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url(p), nil)
		if err != nil {
			return 0, err
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return 0, apperror.Wrap(apperror.ErrNetworkUnavailable, p, "size probe failed", err)
		}
		total += resp.ContentLength
		resp.Body.Close()
	}
	return total, nil
}

func (t *HTTPTransport) url(remotePath string) string {
	return strings.TrimSuffix(t.site.BaseURL, "/") + "/" + strings.TrimPrefix(remotePath, "/")
}
