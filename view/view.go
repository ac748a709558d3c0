// Copyright 2024 The Tessera authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package view implements the named materialized logs described in
// spec.md §4.4: a LinearizedCore tracks the three-region length model
// (indexed / tip / appending) for one named view, and a ViewStore lazily
// creates and caches sessions on top of those cores.
package view

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/utanapishtim/autobase/transport"
)

// Core is the underlying per-view append-only log, addressed externally as
// "view/<name>" (spec.md §6).
type Core = transport.LocalLog

// LinearizedCore is one named materialized log, tracking the speculative
// tip above its persisted indexed prefix (spec.md §4.4).
type LinearizedCore struct {
	Name string
	core Core

	indexed   uint64   // persisted length
	tip       [][]byte // blocks appended above indexed, subject to undo
	appending int       // blocks appended within the current in-flight apply
}

// NewLinearizedCore wraps core as a named view with the given persisted
// length (read back from the underlying log at open time).
func NewLinearizedCore(name string, core Core, indexed uint64) *LinearizedCore {
	return &LinearizedCore{Name: name, core: core, indexed: indexed}
}

// Indexed returns the persisted length of the view.
func (c *LinearizedCore) Indexed() uint64 { return c.indexed }

// TipLength returns the number of speculatively-applied blocks above the
// indexed prefix.
func (c *LinearizedCore) TipLength() int { return len(c.tip) }

// Length returns Indexed() + TipLength().
func (c *LinearizedCore) Length() uint64 { return c.indexed + uint64(len(c.tip)) }

// onUserAppend records blocks appended by the apply handler via the view's
// public Append method, incrementing the current apply's appending
// counter. It does not check whether an apply call is active.
func (c *LinearizedCore) onUserAppend(blocks [][]byte) {
	c.tip = append(c.tip, blocks...)
	c.appending += len(blocks)
}

// Appending returns the number of blocks appended to this view during the
// current (or most recently completed) apply call. The orchestrator reads
// this right after an apply call returns to build the Update record's
// per-view counts (spec.md §3).
func (c *LinearizedCore) Appending() int { return c.appending }

// ResetAppending clears the appending counter. The orchestrator calls this
// on every view immediately before invoking the apply handler, so that
// Appending() reflects only blocks appended by that call.
func (c *LinearizedCore) ResetAppending() { c.appending = 0 }

// OnIndex promotes the first n tip blocks to persisted, emitting them to
// the underlying log in order (spec.md §4.4).
func (c *LinearizedCore) OnIndex(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	if n > len(c.tip) {
		return fmt.Errorf("view %s: OnIndex(%d) exceeds tip length %d", c.Name, n, len(c.tip))
	}
	if err := c.core.Append(ctx, c.tip[:n]); err != nil {
		return fmt.Errorf("view %s: flushing %d blocks: %w", c.Name, n, err)
	}
	c.tip = c.tip[n:]
	c.indexed += uint64(n)
	klog.V(2).Infof("view %s: indexed advanced to %d", c.Name, c.indexed)
	return nil
}

// OnUndo truncates the tip by n entries, reversing a prior speculative
// apply that the linearizer has since popped (spec.md §4.4).
func (c *LinearizedCore) OnUndo(n int) {
	if n == 0 {
		return
	}
	if n > len(c.tip) {
		n = len(c.tip)
	}
	c.tip = c.tip[:len(c.tip)-n]
}

// Session is the handle the apply handler is given for one named view: it
// exposes Append and nothing else, matching spec.md §4.4's "operations the
// apply handler may perform on a view".
type Session struct {
	core    *LinearizedCore
	onAppend func(blocks [][]byte)
}

// Append queues blocks above the view's current tip. Nothing checks that
// an apply call is active: neither Session nor the orchestrator rejects a
// call made outside one, and Append returns no error.
func (s *Session) Append(blocks ...[]byte) {
	s.onAppend(blocks)
}

// Name returns the underlying core's name.
func (s *Session) Name() string { return s.core.Name }

// Indexed returns the underlying core's persisted length.
func (s *Session) Indexed() uint64 { return s.core.Indexed() }

// Length returns the underlying core's total (indexed + tip) length.
func (s *Session) Length() uint64 { return s.core.Length() }

// Options configures a ViewStore.get call.
type Options struct {
	// Sparse mirrors the orchestrator's sparse replication flag, passed
	// through for the opener to decide replication behavior.
	Sparse bool
}

// Opener constructs (or opens) the underlying Core for a newly requested
// view name. It is supplied by the external transport collaborator
// (spec.md §6).
type Opener func(ctx context.Context, name string, opts Options) (Core, uint64, error)

// ViewStore lazily creates and caches LinearizedCore sessions by name,
// bounding the number of concurrently open sessions with an LRU cache
// (SPEC_FULL.md Part C, grounded in the teacher's dedupe.go lru.New use).
type ViewStore struct {
	open Opener

	cores   map[string]*LinearizedCore
	pending map[string]bool // created this tick, not yet "ready"

	cache *lru.Cache[string, *Session]
}

// NewViewStore constructs a ViewStore around the given Opener, bounding its
// session cache to maxSessions entries.
func NewViewStore(open Opener, maxSessions int) (*ViewStore, error) {
	if maxSessions <= 0 {
		maxSessions = 128
	}
	cache, err := lru.New[string, *Session](maxSessions)
	if err != nil {
		return nil, fmt.Errorf("view: constructing session cache: %w", err)
	}
	return &ViewStore{
		open:    open,
		cores:   make(map[string]*LinearizedCore),
		pending: make(map[string]bool),
		cache:   cache,
	}, nil
}

// Get returns a session on the named core, creating it lazily via the
// configured Opener if this is the first reference (spec.md §4.4).
func (vs *ViewStore) Get(ctx context.Context, name string, opts Options) (*Session, error) {
	if s, ok := vs.cache.Get(name); ok {
		return s, nil
	}
	lc, ok := vs.cores[name]
	if !ok {
		core, indexed, err := vs.open(ctx, name, opts)
		if err != nil {
			return nil, fmt.Errorf("view: opening %s: %w", name, err)
		}
		lc = NewLinearizedCore(name, core, indexed)
		vs.cores[name] = lc
		vs.pending[name] = true
	}
	s := &Session{core: lc, onAppend: lc.onUserAppend}
	vs.cache.Add(name, s)
	return s, nil
}

// Core returns the underlying LinearizedCore for name, if it has been
// opened.
func (vs *ViewStore) Core(name string) (*LinearizedCore, bool) {
	lc, ok := vs.cores[name]
	return lc, ok
}

// Cores returns every currently open core, in no particular order.
func (vs *ViewStore) Cores() []*LinearizedCore {
	out := make([]*LinearizedCore, 0, len(vs.cores))
	for _, lc := range vs.cores {
		out = append(out, lc)
	}
	return out
}

// ReadyPending clears the pending-creation marker on every core created
// since the last call, called once at the end of each advance tick
// (spec.md §4.4).
func (vs *ViewStore) ReadyPending() {
	for name := range vs.pending {
		delete(vs.pending, name)
	}
}

// ResetAppending clears the appending counter on every open core, called by
// the orchestrator immediately before each apply invocation so that the
// counters read back afterwards reflect only that call.
func (vs *ViewStore) ResetAppending() {
	for _, lc := range vs.cores {
		lc.ResetAppending()
	}
}

// Close closes every underlying core that implements io.Closer, in no
// particular order. Views are written only during flush (spec.md §5), so
// this is safe to call once the orchestrator itself is shutting down.
func (vs *ViewStore) Close() error {
	var firstErr error
	for name, lc := range vs.cores {
		if closer, ok := lc.core.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("view: closing %s: %w", name, err)
			}
		}
	}
	return firstErr
}
