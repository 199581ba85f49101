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

// Package fsx abstracts the filesystem operations shared by the scanner
// and installer, so both can be exercised against an in-memory fake in
// tests instead of a real disk.
//
// We can't use os.DirFS or fs.StatFS because they lack the write-side
// methods we need, so tests can swap in a fake filesystem.
package fsx

import (
	"io/fs"
	"os"
)

// FS is the subset of "os" filesystem operations the scanner and installer
// need.
type FS interface {
	fs.StatFS

	Lstat(string) (os.FileInfo, error)
	MkdirAll(string, os.FileMode) error
	MkdirTemp(string, string) (string, error)
	OpenFile(string, int, os.FileMode) (*os.File, error)
	ReadFile(string) ([]byte, error)
	Remove(string) error
	RemoveAll(string) error
	Rename(string, string) error
	WriteFile(string, []byte, os.FileMode) error
	Chmod(string, os.FileMode) error
}

// Real is the non-test implementation of FS, backed by the "os" package.
type Real struct{}

func (Real) Open(name string) (fs.File, error)                        { return os.Open(name) }
func (Real) Stat(name string) (fs.FileInfo, error)                    { return os.Stat(name) }
func (Real) Lstat(name string) (os.FileInfo, error)                   { return os.Lstat(name) }
func (Real) MkdirAll(name string, perm os.FileMode) error             { return os.MkdirAll(name, perm) }
func (Real) MkdirTemp(dir, pattern string) (string, error)            { return os.MkdirTemp(dir, pattern) }
func (Real) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}
func (Real) ReadFile(name string) ([]byte, error)       { return os.ReadFile(name) }
func (Real) Remove(name string) error                   { return os.Remove(name) }
func (Real) RemoveAll(name string) error                { return os.RemoveAll(name) }
func (Real) Rename(oldpath, newpath string) error        { return os.Rename(oldpath, newpath) }
func (Real) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}
func (Real) Chmod(name string, mode os.FileMode) error { return os.Chmod(name, mode) }
