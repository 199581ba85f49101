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

package reconcile

import "github.com/imagej/imagej-updater/updater/model"

// IsUnrealChange reports whether a locally "MODIFIED" file should be
// considered unchanged for the purposes of "revert-unreal-changes".
//
// DESIGN NOTE (see DESIGN.md open question #1): the original tool has a
// bespoke comparator for Windows .dll files that ignores embedded
// timestamps, checksums, and the debug GUID, to decide whether two builds
// of a shared library are functionally identical. That comparator's
// behavior on non-PE inputs was never specified, so this implementation
// omits it entirely: every file,
// including .dll, is compared for equality by its content digest only.
// A "real" change is therefore any digest difference at all.
func IsUnrealChange(localDigest string, legacyDigests []string, candidateDigest string) bool {
	if localDigest == candidateDigest {
		return true
	}
	for _, d := range legacyDigests {
		if d == candidateDigest {
			return true
		}
	}
	return false
}

// RevertCandidate is a file under consideration for revert-unreal-changes.
type RevertCandidate struct {
	File           *model.File
	CandidateValue string // the digest we'd revert back to, e.g. current.checksum
}

// ShouldRevert reports whether rc's local state is byte-identical to its
// candidate, and therefore the local copy can be safely replaced without
// losing any real change.
func ShouldRevert(rc RevertCandidate) bool {
	return IsUnrealChange(rc.File.LocalDigest, rc.File.LocalLegacyDigest, rc.CandidateValue)
}
