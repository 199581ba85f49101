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

package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// Terminal is a Sink backed by a single live-updating progressbar.v3 bar,
// re-created per item so each download/upload gets its own byte-count
// progress, the same "one bar per phase, swapped on change" idiom as the
// vjache-cie example repo's indexing CLI.
type Terminal struct {
	w     io.Writer
	title string
	bar   *progressbar.ProgressBar
}

// NewTerminal returns a Terminal sink writing to w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w}
}

func (t *Terminal) SetTitle(title string) { t.title = title }

func (t *Terminal) SetCount(i, n int) {
	if t.bar != nil {
		_ = t.bar.Finish()
	}
	t.bar = progressbar.NewOptions(n,
		progressbar.OptionSetWriter(t.w),
		progressbar.OptionSetDescription(t.title),
		progressbar.OptionShowCount(),
	)
	_ = t.bar.Set(i)
}

func (t *Terminal) AddItem(name string) {
	if t.bar == nil {
		return
	}
	t.bar.Describe(t.title + ": " + name)
}

func (t *Terminal) SetItemCount(i, n int64) {
	if t.bar == nil {
		return
	}
	if t.bar.GetMax64() != n {
		_ = t.bar.Finish()
		t.bar = progressbar.NewOptions64(n,
			progressbar.OptionSetWriter(t.w),
			progressbar.OptionSetDescription(t.title),
			progressbar.OptionShowBytes(true),
		)
	}
	_ = t.bar.Set64(i)
}

func (t *Terminal) ItemDone(name string) {
	if t.bar != nil {
		_ = t.bar.Finish()
	}
}

func (t *Terminal) Done() {
	if t.bar != nil {
		_ = t.bar.Finish()
	}
}
