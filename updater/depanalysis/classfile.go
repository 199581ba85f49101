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

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// Constant pool tags, JVM spec table 4.4-A.
const (
	cpUTF8               = 1
	cpInteger            = 3
	cpFloat              = 4
	cpLong               = 5
	cpDouble             = 6
	cpClass              = 7
	cpString             = 8
	cpFieldref           = 9
	cpMethodref          = 10
	cpInterfaceMethodref = 11
	cpNameAndType        = 12
	cpMethodHandle       = 15
	cpMethodType         = 16
	cpDynamic            = 17
	cpInvokeDynamic      = 18
	cpModule             = 19
	cpPackage            = 20
)

const classMagic = 0xCAFEBABE

// referencedClassNames parses the constant pool of a .class file and
// returns every distinct class name (dotted form, e.g. "java.lang.Object")
// referenced via a CONSTANT_Class entry -- this captures superclasses,
// interfaces, field/method owner types, and any class literal used in the
// bytecode, which together are exactly the set of symbols the dependency
// analyzer wants
// mapped back to providing archives. Array and primitive descriptors are
// unwrapped to their element type; primitive element types are dropped.
func referencedClassNames(r io.Reader) ([]string, error) {
	br := bufio.NewReader(r)

	var magic uint32
	if err := binary.Read(br, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != classMagic {
		return nil, fmt.Errorf("not a class file (bad magic %#x)", magic)
	}

	// minor_version, major_version
	if _, err := discard(br, 4); err != nil {
		return nil, err
	}

	var cpCount uint16
	if err := binary.Read(br, binary.BigEndian, &cpCount); err != nil {
		return nil, fmt.Errorf("read constant_pool_count: %w", err)
	}

	utf8 := make(map[int]string, cpCount)
	classRefs := make([]int, 0, cpCount)

	// Constant pool entries are 1-indexed; index 0 is unused. Long/Double
	// entries occupy two pool slots per the JVM spec's historical quirk.
	for i := 1; i < int(cpCount); i++ {
		var tag uint8
		if err := binary.Read(br, binary.BigEndian, &tag); err != nil {
			return nil, fmt.Errorf("read tag for cp entry %d: %w", i, err)
		}

		switch tag {
		case cpUTF8:
			var length uint16
			if err := binary.Read(br, binary.BigEndian, &length); err != nil {
				return nil, err
			}
			buf := make([]byte, length)
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, err
			}
			utf8[i] = string(buf)
		case cpClass, cpModule, cpPackage:
			var nameIdx uint16
			if err := binary.Read(br, binary.BigEndian, &nameIdx); err != nil {
				return nil, err
			}
			if tag == cpClass {
				classRefs = append(classRefs, int(nameIdx))
			}
		case cpMethodref, cpFieldref, cpInterfaceMethodref, cpNameAndType, cpDynamic, cpInvokeDynamic:
			if _, err := discard(br, 4); err != nil {
				return nil, err
			}
		case cpInteger, cpFloat:
			if _, err := discard(br, 4); err != nil {
				return nil, err
			}
		case cpLong, cpDouble:
			if _, err := discard(br, 8); err != nil {
				return nil, err
			}
			i++ // occupies two slots
		case cpString, cpMethodType:
			if _, err := discard(br, 2); err != nil {
				return nil, err
			}
		case cpMethodHandle:
			if _, err := discard(br, 3); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown constant pool tag %d at entry %d", tag, i)
		}
	}

	seen := map[string]bool{}
	var out []string
	for _, idx := range classRefs {
		name, ok := utf8[idx]
		if !ok {
			continue
		}
		dotted := descriptorToClassName(name)
		if dotted == "" || seen[dotted] {
			continue
		}
		seen[dotted] = true
		out = append(out, dotted)
	}
	return out, nil
}

// descriptorToClassName converts a constant-pool class entry's internal
// name (slash-separated, possibly an array descriptor like "[Ljava/lang/String;")
// into a dotted class name, or "" if it denotes an array of primitives.
func descriptorToClassName(internal string) string {
	s := internal
	for strings.HasPrefix(s, "[") {
		s = s[1:]
	}
	if strings.HasPrefix(s, "L") && strings.HasSuffix(s, ";") {
		s = s[1 : len(s)-1]
	} else if s != internal {
		return "" // array of a primitive type, e.g. "[I"
	}
	return strings.ReplaceAll(s, "/", ".")
}

func discard(br *bufio.Reader, n int) (int64, error) {
	return io.CopyN(io.Discard, br, int64(n))
}
