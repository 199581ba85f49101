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

package platform

import "testing"

func TestMatches_FamilyWildcards(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		want string
		tag  string
		hit  bool
	}{
		{"exact concrete", Linux64, Linux64, true},
		{"linux family covers amd64", FamilyLinux, Linux64, true},
		{"linux family covers arm64", FamilyLinux, LinuxARM64, true},
		{"macos family covers intel", FamilyMacOS, MacOS64, true},
		{"macos family covers apple silicon", FamilyMacOS, MacOSARM64, true},
		{"win family covers win64", FamilyWin, Win64, true},
		{"family does not cross os", FamilyLinux, Win64, false},
		{"concrete does not match family", Linux64, FamilyLinux, false},
		{"concrete does not match sibling", Linux64, LinuxARM64, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Matches(tc.want, tc.tag); got != tc.hit {
				t.Errorf("Matches(%q, %q) = %v, want %v", tc.want, tc.tag, got, tc.hit)
			}
		})
	}
}

func TestApplies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		platforms []string
		current   string
		hit       bool
	}{
		{"empty set applies everywhere", nil, Linux64, true},
		{"concrete match", []string{Win64}, Win64, true},
		{"macosx wildcard applies on apple silicon", []string{FamilyMacOS}, MacOSARM64, true},
		{"macosx wildcard applies on intel mac", []string{FamilyMacOS}, MacOS64, true},
		{"restricted elsewhere", []string{Win64}, Linux64, false},
		{"one of several matches", []string{Win64, FamilyLinux}, LinuxARM64, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Applies(tc.platforms, tc.current); got != tc.hit {
				t.Errorf("Applies(%v, %q) = %v, want %v", tc.platforms, tc.current, got, tc.hit)
			}
		})
	}
}

func TestIsKnownTag(t *testing.T) {
	t.Parallel()

	for _, tag := range []string{Linux64, LinuxARM64, MacOS64, MacOSARM64, Win64, FamilyLinux, FamilyMacOS, FamilyWin} {
		if !IsKnownTag(tag) {
			t.Errorf("IsKnownTag(%q) = false, want true", tag)
		}
	}
	if IsKnownTag("amiga") {
		t.Error(`IsKnownTag("amiga") = true, want false`)
	}
}

func TestIsPlatformScoped(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rel    string
		tag    string
		scoped bool
	}{
		{"jars/linux64/native.jar", Linux64, true},
		{"lib/win64/something.dll", Win64, true},
		{"jars/common.jar", "", false},
		{"macros/linux64/x.ijm", "", false}, // macros is not a special prefix
		{"jars/amiga/x.jar", "", false},
	}

	for _, tc := range cases {
		tag, scoped := IsPlatformScoped(tc.rel)
		if tag != tc.tag || scoped != tc.scoped {
			t.Errorf("IsPlatformScoped(%q) = %q, %v; want %q, %v", tc.rel, tag, scoped, tc.tag, tc.scoped)
		}
	}
}

func TestLauncherAndBundleClassification(t *testing.T) {
	t.Parallel()

	if tag, ok := LauncherTag("Contents/MacOS/ImageJ-macosx"); !ok || tag != MacOS64 {
		t.Errorf("LauncherTag(intel mac launcher) = %q, %v; want %q, true", tag, ok, MacOS64)
	}
	if !IsLauncher("ImageJ-linux64") {
		t.Error("expected ImageJ-linux64 to classify as a launcher")
	}
	if IsLauncher("jars/plugin.jar") {
		t.Error("did not expect a plain jar to classify as a launcher")
	}
	if !IsAppBundlePath("ImageJ.app/Contents/MacOS/ImageJ-macosx") {
		t.Error("expected a path inside a .app directory to classify as in-bundle")
	}
	if IsAppBundlePath("jars/x.jar") {
		t.Error("did not expect jars/x.jar to classify as in-bundle")
	}
	if !IsWindowsExecutable("ImageJ-win64.exe") {
		t.Error("expected .exe launcher to classify as a Windows executable")
	}
}
