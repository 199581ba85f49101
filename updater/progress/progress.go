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

// Package progress implements Design Note 4's fan-out progress sink: a
// single operation (install or upload) reports to a Sink interface, and a
// Broadcaster lets multiple Sinks (e.g. a terminal bar and a machine log)
// observe the same operation.
package progress

// Sink receives progress events from the installer or uploader, per Design
// Note 4. Implementations must tolerate being called from the single
// driving goroutine only; there's no concurrent-call contract.
type Sink interface {
	SetTitle(title string)
	SetCount(i, n int)
	AddItem(name string)
	SetItemCount(i, n int64)
	ItemDone(name string)
	Done()
}

// Broadcaster fans out every call to each attached Sink, in attachment
// order. A nil *Broadcaster (or one with no sinks) is safe to call.
type Broadcaster struct {
	sinks []Sink
}

// NewBroadcaster returns a Broadcaster forwarding to the given sinks.
func NewBroadcaster(sinks ...Sink) *Broadcaster {
	return &Broadcaster{sinks: sinks}
}

// Attach adds another sink to the broadcast set.
func (b *Broadcaster) Attach(s Sink) { b.sinks = append(b.sinks, s) }

func (b *Broadcaster) SetTitle(title string) {
	if b == nil {
		return
	}
	for _, s := range b.sinks {
		s.SetTitle(title)
	}
}

func (b *Broadcaster) SetCount(i, n int) {
	if b == nil {
		return
	}
	for _, s := range b.sinks {
		s.SetCount(i, n)
	}
}

func (b *Broadcaster) AddItem(name string) {
	if b == nil {
		return
	}
	for _, s := range b.sinks {
		s.AddItem(name)
	}
}

func (b *Broadcaster) SetItemCount(i, n int64) {
	if b == nil {
		return
	}
	for _, s := range b.sinks {
		s.SetItemCount(i, n)
	}
}

func (b *Broadcaster) ItemDone(name string) {
	if b == nil {
		return
	}
	for _, s := range b.sinks {
		s.ItemDone(name)
	}
}

func (b *Broadcaster) Done() {
	if b == nil {
		return
	}
	for _, s := range b.sinks {
		s.Done()
	}
}

// NoOp is a Sink that discards every event; used by default for scripted/
// non-interactive invocations.
type NoOp struct{}

func (NoOp) SetTitle(string)         {}
func (NoOp) SetCount(int, int)       {}
func (NoOp) AddItem(string)          {}
func (NoOp) SetItemCount(int64, int64) {}
func (NoOp) ItemDone(string)         {}
func (NoOp) Done()                   {}
