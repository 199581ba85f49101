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

package depanalysis

import "testing"

func TestDescriptorToClassName(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"net/imagej/Foo":      "net.imagej.Foo",
		"[Ljava/lang/String;": "java.lang.String",
		"[[Ljava/util/List;":  "java.util.List",
		"[I":                  "",
		"java/lang/Object":    "java.lang.Object",
	}
	for in, want := range cases {
		if got := descriptorToClassName(in); got != want {
			t.Errorf("descriptorToClassName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassNameFromEntry(t *testing.T) {
	t.Parallel()
	if got, want := classNameFromEntry("net/imagej/Foo.class"), "net.imagej.Foo"; got != want {
		t.Errorf("classNameFromEntry = %q, want %q", got, want)
	}
}

func TestIndexProviders(t *testing.T) {
	t.Parallel()
	idx := NewIndex()
	idx.add("net.imagej.Foo", "jars/b.jar")
	idx.add("net.imagej.Foo", "jars/a.jar")
	idx.add("net.imagej.Foo", "jars/a.jar") // duplicate, must not double-add

	got := idx.Providers("net.imagej.Foo")
	want := []string{"jars/a.jar", "jars/b.jar"}
	if len(got) != len(want) {
		t.Fatalf("Providers = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Providers[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsStdlib(t *testing.T) {
	t.Parallel()
	for _, c := range []string{"java.lang.String", "javax.swing.JFrame", "sun.misc.Unsafe"} {
		if !isStdlib(c) {
			t.Errorf("isStdlib(%q) = false, want true", c)
		}
	}
	if isStdlib("net.imagej.Foo") {
		t.Error("isStdlib(net.imagej.Foo) = true, want false")
	}
}
