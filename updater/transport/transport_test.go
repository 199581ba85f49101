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
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/imagej/imagej-updater/updater/progress"
)

func TestDefault_Protocols(t *testing.T) {
	t.Parallel()

	r := Default()
	got := r.Protocols()
	want := []string{"http", "ssh"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Protocols() = %v, want %v", got, want)
	}
}

func TestProtocolFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		site Site
		want string
	}{
		{"plain http", Site{BaseURL: "https://example.com/update"}, "http"},
		{"ssh configured", Site{SSHHost: "webdav.example.com", UploadDir: "/home/update"}, "ssh"},
		{"ssh host without directory still prefers ssh", Site{SSHHost: "webdav.example.com"}, "ssh"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ProtocolFor(tc.site); got != tc.want {
				t.Errorf("ProtocolFor(%+v) = %q, want %q", tc.site, got, tc.want)
			}
		})
	}
}

func TestRegistry_UnknownProtocol(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, err := r.New("ftp"); err == nil {
		t.Fatal("New(\"ftp\") succeeded, want error")
	}
}

func TestHTTPTransport_UploadThenRename(t *testing.T) {
	t.Parallel()

	var gotBodies [][]byte
	var gotMoves []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			body := make([]byte, r.ContentLength)
			if _, err := r.Body.Read(body); err != nil && len(body) > 0 {
				// ignore EOF on small bodies
			}
			gotBodies = append(gotBodies, body)
			w.WriteHeader(http.StatusCreated)
		case "MOVE":
			gotMoves = append(gotMoves, r.URL.Path+" -> "+r.Header.Get("Destination"))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	tr := NewHTTPTransport()
	if err := tr.Login(context.Background(), Site{BaseURL: srv.URL}); err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	payload := Payload{
		RemotePath: "db.xml.gz.lock",
		Content:    bytes.NewReader([]byte("catalog-bytes")),
		Size:       int64(len("catalog-bytes")),
	}
	if err := tr.Upload(context.Background(), []Payload{payload}, progress.NoOp{}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if err := tr.Rename(context.Background(), "db.xml.gz.lock", "db.xml.gz"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	if len(gotMoves) != 1 {
		t.Fatalf("got %d MOVE requests, want 1", len(gotMoves))
	}
}
