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

package conflict

import (
	"context"
	"strings"
	"testing"

	"github.com/imagej/imagej-updater/updater/model"
)

func resolverFor(files map[string]*model.File) Resolver {
	return Resolver{
		ByName: func(name string) *model.File { return files[name] },
	}
}

func TestCheckInstall_UnresolvedDependency(t *testing.T) {
	t.Parallel()
	a := &model.File{
		Filename: "jars/a.jar",
		Action:   model.ActionInstall,
		Current: &model.Version{
			Checksum: "x", Timestamp: "20240101000000",
			Dependencies: []model.Dependency{{Filename: "jars/missing.jar"}},
		},
	}
	files := map[string]*model.File{"jars/a.jar": a}

	conflicts := CheckInstall(context.Background(), []*model.File{a}, resolverFor(files))
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d: %+v", len(conflicts), conflicts)
	}
	if !strings.Contains(conflicts[0].Message, "missing.jar") {
		t.Errorf("conflict message %q doesn't mention missing dependency", conflicts[0].Message)
	}
}

func TestCheckInstall_DependencySatisfiedByStaging(t *testing.T) {
	t.Parallel()
	b := &model.File{
		Filename: "jars/b.jar",
		Action:   model.ActionInstall,
		Current:  &model.Version{Checksum: "y", Timestamp: "20240101000000"},
	}
	a := &model.File{
		Filename: "jars/a.jar",
		Action:   model.ActionInstall,
		Current: &model.Version{
			Checksum: "x", Timestamp: "20240101000000",
			Dependencies: []model.Dependency{{Filename: "jars/b.jar"}},
		},
	}
	files := map[string]*model.File{"jars/a.jar": a, "jars/b.jar": b}

	conflicts := CheckInstall(context.Background(), []*model.File{a, b}, resolverFor(files))
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %+v", conflicts)
	}
}

func TestCheckUpload_DependencyCycle(t *testing.T) {
	t.Parallel()
	a := &model.File{
		Filename:   "jars/a.jar",
		UpdateSite: "Main",
		Current: &model.Version{
			Checksum: "x", Timestamp: "20240101000000",
			Dependencies: []model.Dependency{{Filename: "jars/b.jar"}},
		},
	}
	b := &model.File{
		Filename:   "jars/b.jar",
		UpdateSite: "Main",
		Current: &model.Version{
			Checksum: "y", Timestamp: "20240101000000",
			Dependencies: []model.Dependency{{Filename: "jars/a.jar"}},
		},
	}
	files := map[string]*model.File{"jars/a.jar": a, "jars/b.jar": b}

	conflicts := CheckUpload(context.Background(), []*model.File{a, b}, "Main", resolverFor(files))
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 cycle conflict, got %d: %+v", len(conflicts), conflicts)
	}
	if conflicts[0].Severity != model.SeverityCritical {
		t.Errorf("cycle conflict severity = %v, want CRITICAL_ERROR", conflicts[0].Severity)
	}
	if !strings.Contains(conflicts[0].Message, "jars/a.jar -> jars/b.jar -> jars/a.jar") {
		t.Errorf("cycle message = %q", conflicts[0].Message)
	}
}

func TestCheckUpload_DependsOnRemoved(t *testing.T) {
	t.Parallel()
	dep := &model.File{
		Filename:   "jars/dep.jar",
		UpdateSite: "Main",
		Action:     model.ActionRemove,
		Current:    &model.Version{Checksum: "d", Timestamp: "20240101000000"},
	}
	f := &model.File{
		Filename:   "jars/f.jar",
		UpdateSite: "Main",
		Action:     model.ActionUpload,
		Current: &model.Version{
			Checksum: "f", Timestamp: "20240101000000",
			Dependencies: []model.Dependency{{Filename: "jars/dep.jar"}},
		},
	}
	files := map[string]*model.File{"jars/f.jar": f, "jars/dep.jar": dep}

	conflicts := CheckUpload(context.Background(), []*model.File{f, dep}, "Main", resolverFor(files))
	found := false
	for _, c := range conflicts {
		if strings.Contains(c.Message, "staged for removal") {
			found = true
			if len(c.Resolutions) != 1 || c.Resolutions[0].Description != "break dependency" {
				t.Errorf("expected single 'break dependency' resolution, got %+v", c.Resolutions)
			}
		}
	}
	if !found {
		t.Fatalf("expected a 'staged for removal' conflict, got %+v", conflicts)
	}
}
