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

// Package platform is the static table of recognized OS/arch tags, the
// launcher-path-to-tag mapping, and the rules for deciding whether a path
// is platform-scoped and whether a File applies to the running platform.
package platform

import (
	"runtime"
	"strings"
)

// Concrete platform tags.
const (
	Linux64    = "linux64"
	LinuxARM64 = "linux-arm64"
	MacOS64    = "macos64"
	MacOSARM64 = "macos-arm64"
	Win64      = "win64"
)

// Wildcard family tags: match all concrete tags of that OS family.
const (
	FamilyLinux = "linuxx"
	FamilyMacOS = "macosx"
	FamilyWin   = "winx"
)

// knownTags is every recognized platform tag, concrete and wildcard.
var knownTags = map[string]bool{
	Linux64: true, LinuxARM64: true,
	MacOS64: true, MacOSARM64: true,
	Win64: true,
	FamilyLinux: true, FamilyMacOS: true, FamilyWin: true,
}

// IsKnownTag reports whether tag is a recognized platform tag (concrete or
// wildcard family).
func IsKnownTag(tag string) bool { return knownTags[tag] }

// family maps each concrete tag to the wildcard family tag that matches it.
var family = map[string]string{
	Linux64:    FamilyLinux,
	LinuxARM64: FamilyLinux,
	MacOS64:    FamilyMacOS,
	MacOSARM64: FamilyMacOS,
	Win64:      FamilyWin,
}

// launcherTags maps a known launcher relative path to the platform tag it
// belongs to.
var launcherTags = map[string]string{
	"ImageJ-linux64":    Linux64,
	"ImageJ-linux-arm64": LinuxARM64,
	"Contents/MacOS/ImageJ-macosx":      MacOS64,
	"Contents/MacOS/ImageJ-macos-arm64": MacOSARM64,
	"ImageJ-win64.exe":  Win64,
}

// LauncherTag returns the platform tag for a known launcher relative path,
// and whether it was recognized.
func LauncherTag(relPath string) (string, bool) {
	tag, ok := launcherTags[relPath]
	return tag, ok
}

// specialPrefixes are the top-level directories whose second path
// component, if it's a known platform tag, marks the path as
// platform-scoped.
var specialPrefixes = map[string]bool{
	"jars": true,
	"lib":  true,
}

// IsPlatformScoped reports whether a path is platform-scoped: its first
// path component is a special prefix and its second component is a known
// platform tag. Returns the tag if so.
func IsPlatformScoped(relPath string) (tag string, scoped bool) {
	parts := strings.Split(relPath, "/")
	if len(parts) < 2 {
		return "", false
	}
	if !specialPrefixes[parts[0]] {
		return "", false
	}
	if !IsKnownTag(parts[1]) {
		return "", false
	}
	return parts[1], true
}

// IsAppBundlePath reports whether relPath is located anywhere inside a
// top-level directory whose name ends in ".app" -- these are classified as
// macOS-bundle launchers regardless of their individual path shape.
func IsAppBundlePath(relPath string) bool {
	parts := strings.SplitN(relPath, "/", 2)
	return strings.HasSuffix(parts[0], ".app")
}

// Matches reports whether tag matches want, honoring wildcard families:
// a "*x"-style family tag matches all concrete tags of that OS.
func Matches(want, tag string) bool {
	if want == tag {
		return true
	}
	if fam, ok := family[tag]; ok && fam == want {
		return true
	}
	return false
}

// Current returns the platform tag for the process's own GOOS/GOARCH, used
// to decide which files in a multi-platform catalog apply locally.
func Current() string {
	switch runtime.GOOS {
	case "linux":
		if runtime.GOARCH == "arm64" {
			return LinuxARM64
		}
		return Linux64
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return MacOSARM64
		}
		return MacOS64
	case "windows":
		return Win64
	default:
		return ""
	}
}

// IsLauncher reports whether relPath is a known launcher or native-config
// entry point whose update must bypass staging (a launcher may be
// executing while it is replaced).
func IsLauncher(relPath string) bool {
	_, ok := LauncherTag(relPath)
	return ok
}

// IsWindowsExecutable reports whether relPath names a Windows launcher, so
// callers know to re-append ".exe" after renaming it to "<file>.old".
func IsWindowsExecutable(relPath string) bool {
	return strings.HasSuffix(relPath, ".exe")
}

// Applies reports whether a File (represented here just by its Platforms
// list) applies to the running platform, given the current platform tag.
// An empty Platforms list means "applies to all platforms".
func Applies(platforms []string, current string) bool {
	if len(platforms) == 0 {
		return true
	}
	for _, p := range platforms {
		if Matches(p, current) {
			return true
		}
	}
	return false
}
