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

package autobase

import (
	"context"
	"sync"
	"time"

	buffer "github.com/globocom/go-buffer"
	lru "github.com/hashicorp/golang-lru/v2"
)

// pendingAppend is one value queued by Append, awaiting the next advance
// tick's "publish local appends" step (spec.md §4.5 step 1).
type pendingAppend struct {
	value []byte
	done  chan error
}

// appendQueue batches local Append/Ack calls between advance ticks. It
// uses a go-buffer.Buffer the same way the teacher's Deduper batches
// dedupe-table writes: a small size/age-bounded buffer whose Flusher moves
// items into the plain pending slice the advance loop drains.
//
// It also deduplicates identical recently-queued values via an in-memory
// LRU keyed on content identity, mirroring the teacher's
// newInMemoryDedupe: a duplicate Append queued before the first copy has
// been published is resolved to the same pending entry rather than
// double-queued.
type appendQueue struct {
	mu      sync.Mutex
	pending []pendingAppend
	inFlight int // queued-but-not-yet-drained-and-flushed count, bounds growth

	maxPending int

	recent *lru.Cache[string, *pendingAppend]

	buf     *buffer.Buffer
	onFlush func()
}

// newAppendQueue constructs an appendQueue with the given buffer capacity.
// onFlush is called (non-blocking) every time the internal buffer flushes,
// so the caller can bump the advance loop. maxPending bounds how many
// values may be queued awaiting publication before push starts rejecting
// with ErrTooManyPending, the local-queue equivalent of the teacher's
// ErrPushback backpressure signal.
func newAppendQueue(capacity int, onFlush func()) *appendQueue {
	if capacity <= 0 {
		capacity = 256
	}
	recent, _ := lru.New[string, *pendingAppend](capacity)
	q := &appendQueue{recent: recent, onFlush: onFlush, maxPending: capacity * 4}
	q.buf = buffer.New(
		buffer.WithSize(capacity),
		buffer.WithFlushInterval(10*time.Millisecond),
		buffer.WithFlusher(buffer.FlusherFunc(q.flush)),
		buffer.WithPushTimeout(time.Second),
	)
	return q
}

// push enqueues value, returning a channel that receives the eventual
// Append error (nil on success) once the corresponding node has been
// resolved by the advance loop. A value identical to one already queued
// (and not yet published) is folded into the same pending entry instead of
// being queued twice. If the queue already holds maxPending unpublished
// values, push rejects immediately with ErrTooManyPending rather than
// growing without bound.
func (q *appendQueue) push(value []byte) <-chan error {
	id := string(identityOf(value))

	q.mu.Lock()
	if existing, ok := q.recent.Get(id); ok {
		q.mu.Unlock()
		return existing.done
	}
	if q.inFlight >= q.maxPending {
		q.mu.Unlock()
		done := make(chan error, 1)
		done <- ErrTooManyPending
		close(done)
		return done
	}
	p := &pendingAppend{value: value, done: make(chan error, 1)}
	q.recent.Add(id, p)
	q.inFlight++
	q.mu.Unlock()

	_ = q.buf.Push(*p)
	return p.done
}

func (q *appendQueue) flush(items []interface{}) {
	q.mu.Lock()
	for _, it := range items {
		q.pending = append(q.pending, it.(pendingAppend))
	}
	q.mu.Unlock()
	if q.onFlush != nil {
		q.onFlush()
	}
}

// drain removes and returns every value queued so far (spec.md §4.5 step
// 1, "drain the queued local values"). It force-flushes the underlying
// buffer first so bursts that haven't hit the buffer's size/age threshold
// are still observed this tick.
func (q *appendQueue) drain(ctx context.Context) []pendingAppend {
	_ = q.buf.Flush(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	for _, p := range out {
		q.recent.Remove(string(identityOf(p.value)))
	}
	return out
}

// resolve completes every entry, in the order drain returned them, with the
// matching element of errs (nil where errs is shorter). Called by the
// advance loop once each local node has actually been flushed to the
// underlying log (spec.md §4.5 step 1/4).
func resolve(entries []pendingAppend, errs []error) {
	for i, e := range entries {
		var err error
		if i < len(errs) {
			err = errs[i]
		}
		e.done <- err
		close(e.done)
	}
}

// release decrements the in-flight counter for n values that have now left
// the queue (either published or rejected), allowing push to admit more.
func (q *appendQueue) release(n int) {
	q.mu.Lock()
	q.inFlight -= n
	if q.inFlight < 0 {
		q.inFlight = 0
	}
	q.mu.Unlock()
}
