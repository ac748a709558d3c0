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

// Package memlog is a process-local, in-memory implementation of
// transport.Log / transport.LocalLog, standing in for the real
// append-only-log transport that spec.md §1 and §6 name as an external
// collaborator. It exists purely so the engine can be exercised end to end
// by tests and by the cmd/autobasectl demonstration binary; it is not a
// production transport (no persistence, no replication, no network
// delivery).
package memlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/utanapishtim/autobase/api"
	"github.com/utanapishtim/autobase/transport"
)

// Log is a shared, in-memory append-only block log for one writer key. A
// Log can be wrapped by any number of Handles; each Handle's Download/Has
// pair simulates whether that participant has locally fetched a given
// block, so tests can exercise "writer known, block not yet downloaded"
// without a second process.
type Log struct {
	mu     sync.Mutex
	key    api.Key
	blocks [][]byte
	notify chan struct{}
}

// New constructs a shared Log for key.
func New(key api.Key) *Log {
	return &Log{key: key, notify: make(chan struct{}, 1)}
}

func (l *Log) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Append durably appends blocks, in order, and wakes any Handle waiting on
// Notify.
func (l *Log) Append(blocks [][]byte) {
	l.mu.Lock()
	l.blocks = append(l.blocks, blocks...)
	l.mu.Unlock()
	l.wake()
}

// Length returns the number of blocks currently stored.
func (l *Log) Length() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.blocks))
}

func (l *Log) get(seq uint64) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq >= uint64(len(l.blocks)) {
		return nil, false
	}
	return l.blocks[seq], true
}

// Handle is a per-participant view onto a shared Log, implementing
// transport.Log. Sparse participants can restrict which offsets they
// consider "downloaded" by passing a non-nil sparse predicate; a fully
// replicating participant passes nil and sees every appended block as
// immediately available.
type Handle struct {
	log    *Log
	sparse func(seq uint64) bool

	mu         sync.Mutex
	downloaded map[uint64]bool
}

// NewHandle wraps log for one participant. If sparse is non-nil, Has
// reports false for any offset sparse rejects until Download is explicitly
// called for a range covering it.
func NewHandle(log *Log, sparse func(seq uint64) bool) *Handle {
	return &Handle{log: log, sparse: sparse, downloaded: make(map[uint64]bool)}
}

// Key implements transport.Log.
func (h *Handle) Key() api.Key { return h.log.key }

// Length implements transport.Log.
func (h *Handle) Length(context.Context) (uint64, error) { return h.log.Length(), nil }

// Has implements transport.Log.
func (h *Handle) Has(_ context.Context, seq uint64) (bool, error) {
	if seq >= h.log.Length() {
		return false, nil
	}
	if h.sparse == nil {
		return true, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.downloaded[seq] || !h.sparse(seq), nil
}

// Get implements transport.Log.
func (h *Handle) Get(_ context.Context, seq uint64) ([]byte, error) {
	raw, ok := h.log.get(seq)
	if !ok {
		return nil, fmt.Errorf("memlog: block %d not found for writer %s", seq, h.log.key)
	}
	return raw, nil
}

// Update implements transport.Log. memlog has no remote peers to pull from:
// its "update" is simply observing the shared Log's current length, which
// is already visible through Length.
func (h *Handle) Update(context.Context, transport.UpdateOptions) error { return nil }

// Download implements transport.Log: marks [start, end) as locally
// fetched.
func (h *Handle) Download(_ context.Context, start, end uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for seq := start; seq < end; seq++ {
		h.downloaded[seq] = true
	}
	return nil
}

// Notify implements transport.Log.
func (h *Handle) Notify() <-chan struct{} { return h.log.notify }

// LocalHandle additionally implements transport.LocalLog's Append.
type LocalHandle struct {
	*Handle
}

// NewLocalHandle wraps log as the read-write handle held by its own
// writer.
func NewLocalHandle(log *Log) *LocalHandle {
	return &LocalHandle{Handle: NewHandle(log, nil)}
}

// Append implements transport.LocalLog.
func (h *LocalHandle) Append(_ context.Context, blocks [][]byte) error {
	h.log.Append(blocks)
	return nil
}
