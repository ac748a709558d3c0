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

// Package writer tracks the state of a single writer's append-only log: its
// cached tail of unindexed nodes, the current and indexed lengths, and the
// machinery ("ensure_next") that resolves a freshly fetched remote block
// into a dependency-satisfied causal-DAG node.
package writer

import (
	"context"
	"fmt"

	"github.com/avast/retry-go/v4"
	"k8s.io/klog/v2"

	"github.com/utanapishtim/autobase/api"
	"github.com/utanapishtim/autobase/transport"
)

// Resolver lets a Writer look up other writers by key and ask whether a
// given (writer, length) pair has already been committed by the linearizer.
// It is passed in by the orchestrator rather than held, so that a Writer
// never owns a pointer cycle back to the writer set (design note: "cyclic
// clock references").
type Resolver interface {
	// Writer returns the Writer for key, if the orchestrator currently
	// tracks one.
	Writer(key api.Key) (*Writer, bool)
	// IsIndexed reports whether length has already been committed for the
	// given writer, per the SystemView.
	IsIndexed(key api.Key, length uint64) bool
}

// New creates a Writer around the given underlying log. If core is nil, the
// writer is a pure placeholder with no transport to pull from.
func New(core transport.Log) *Writer {
	return &Writer{core: core}
}

// Writer is the per-writer bookkeeping described in spec.md §4.1.
type Writer struct {
	core transport.Log

	length  uint64
	offset  uint64
	indexed uint64

	nodes []*api.Node

	next      *api.Node
	nextCache *api.Node
}

// Key returns the writer's identity, or the zero Key if this Writer has no
// underlying transport (a placeholder).
func (w *Writer) Key() api.Key {
	if w.core == nil {
		return api.Key{}
	}
	return w.core.Key()
}

// Length returns the highest writer-local length this Writer has resolved.
func (w *Writer) Length() uint64 { return w.length }

// Indexed returns the last length the linearizer has committed for this
// writer.
func (w *Writer) Indexed() uint64 { return w.indexed }

// SetIndexed records that length has been committed for this writer. It
// does not discard cached nodes; TrimIndexed does that. Called by the
// orchestrator as the linearizer's indexed prefix advances.
func (w *Writer) SetIndexed(length uint64) {
	if length > w.indexed {
		w.indexed = length
	}
}

// TrimIndexed shifts out every cached node at or below the writer's current
// Indexed length. Safe unconditionally once a node is indexed: clocks are
// pruned against SystemView.IsIndexed as soon as a writer length becomes
// indexed, so no currently-retained node can still hold a reference to it
// (SPEC_FULL.md Part D.2).
func (w *Writer) TrimIndexed() {
	for w.offset < w.indexed {
		if _, ok := w.Shift(); !ok {
			return
		}
	}
}

// Offset returns the absolute length of the oldest node still retained in
// the cache (nodes[0], if any, has Length == Offset+1).
func (w *Writer) Offset() uint64 { return w.offset }

// Head returns the newest cached node, or false if the cache is empty.
func (w *Writer) Head() (*api.Node, bool) {
	if len(w.nodes) == 0 {
		return nil, false
	}
	return w.nodes[len(w.nodes)-1], true
}

// Shift drops and returns the oldest cached node, advancing Offset. It is
// the caller's responsibility to have established that the node is no
// longer referenced by any other retained node's clock (spec.md §3,
// SPEC_FULL.md Part D.2).
func (w *Writer) Shift() (*api.Node, bool) {
	if len(w.nodes) == 0 {
		return nil, false
	}
	n := w.nodes[0]
	w.nodes = w.nodes[1:]
	w.offset++
	return n, true
}

// GetCached returns the node at absolute length seq, or false if seq falls
// outside (offset, offset+cached] of the cache, i.e. the 1-based lengths of
// the retained nodes.
func (w *Writer) GetCached(seq uint64) (*api.Node, bool) {
	if seq <= w.offset || seq > w.offset+uint64(len(w.nodes)) {
		return nil, false
	}
	return w.nodes[seq-w.offset-1], true
}

// Reset truncates the cache to length, dropping any cached node beyond it
// and any in-flight dependency resolution. Used after a restart driven by a
// new SystemView digest, where length is the digest-committed length for
// this writer.
func (w *Writer) Reset(length uint64) {
	keep := 0
	for keep < len(w.nodes) && w.nodes[keep].Length <= length {
		keep++
	}
	w.nodes = w.nodes[:keep]
	if w.offset > length {
		w.offset = length
	}
	w.length = length
	if w.indexed > length {
		w.indexed = length
	}
	w.next = nil
	w.nextCache = nil
}

// Append is only valid for the local writer: it builds a new node directly
// from the supplied in-memory heads (Node references, not keys), records
// them as the node's Dependencies, computes
// the node's clock as the union of each head's clock capped at that head's
// own length, stamps clock[self] to the new length, and appends the node to
// the cache.
func (w *Writer) Append(value []byte, heads []*api.Node, batch uint32, isIndexed func(api.Key, uint64) bool) *api.Node {
	self := w.Key()
	newLength := w.length + 1

	clock := make(api.Clock, len(heads)+1)
	apiHeads := make([]api.Head, 0, len(heads))
	deps := make([]*api.Node, 0, len(heads))
	for _, h := range heads {
		apiHeads = append(apiHeads, api.Head{Key: h.Writer, Length: h.Length})
		deps = append(deps, h)
		clock.MergeCap(h.Clock, func(k api.Key) (uint64, bool) {
			if k == h.Writer {
				return h.Length, true
			}
			return 0, false
		})
		// The head node's own position is always part of the frontier.
		if cur, ok := clock[h.Writer]; !ok || h.Length > cur {
			clock[h.Writer] = h.Length
		}
	}
	clock.DropIndexed(isIndexed)
	clock[self] = newLength

	var prev *api.Node
	if p, ok := w.Head(); ok && !p.Indexed {
		prev = p
	}

	n := &api.Node{
		Writer: self,
		Length: newLength,
		Value:  value,
		Heads:  apiHeads,
		Batch:  batch,
		Clock:  clock,
		Prev:   prev,

		Dependencies: deps,
	}
	w.nodes = append(w.nodes, n)
	w.length = newLength
	return n
}

// EnsureNext attempts to advance Next one step towards readiness. It is
// idempotent: partial progress (a decoded but dependency-pending
// nextCache) is preserved across calls, and it may be retried any number of
// times across advance ticks (spec.md §4.1).
//
// It returns (nil, nil) when there is nothing new to resolve yet, (node,
// nil) once a dependency-satisfied node becomes available (callers should
// then call Advance to consume it), and a non-nil error only for fatal
// decode/transport failures.
func (w *Writer) EnsureNext(ctx context.Context, r Resolver, decode func([]byte) (*api.OplogMessage, error)) (*api.Node, error) {
	if w.core == nil {
		return nil, nil
	}
	coreLen, err := w.core.Length(ctx)
	if err != nil {
		return nil, fmt.Errorf("writer %s: Length: %w", w.Key(), err)
	}
	if w.length >= coreLen {
		return nil, nil
	}
	if w.next != nil {
		return w.next, nil
	}

	if w.nextCache == nil {
		raw, err := fetchWithRetry(ctx, w.core, w.length)
		if err != nil {
			return nil, fmt.Errorf("writer %s: fetching block %d: %w", w.Key(), w.length, err)
		}
		msg, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("writer %s: decoding block %d: %w", w.Key(), w.length, err)
		}
		heads := make([]api.Head, len(msg.Heads))
		copy(heads, msg.Heads)
		var prev *api.Node
		if p, ok := w.Head(); ok && !p.Indexed {
			prev = p
		}
		w.nextCache = &api.Node{
			Writer: w.Key(),
			Length: w.length + 1,
			Value:  msg.Value,
			Heads:  heads,
			Batch:  msg.Batch,
			Clock:  api.Clock{},
			Prev:   prev,
		}
	}

	n := w.nextCache
	for i := 0; i < len(n.Heads); {
		h := n.Heads[i]
		dw, ok := r.Writer(h.Key)
		if !ok {
			klog.V(2).Infof("writer %s: dependency writer %s not yet known, waiting", w.Key(), h.Key)
			return nil, nil
		}
		if dw.Length() < h.Length {
			klog.V(2).Infof("writer %s: dependency %s@%d not yet available (have %d), waiting", w.Key(), h.Key, h.Length, dw.Length())
			return nil, nil
		}
		if dw.Indexed() >= h.Length {
			// Already indexed: the dependency is already consumed and need
			// not be tracked explicitly.
			n.RemoveHeadAt(i)
			continue
		}
		dep, ok := dw.GetCached(h.Length)
		if !ok {
			klog.V(2).Infof("writer %s: dependency %s@%d not cached (offset %d), waiting", w.Key(), h.Key, h.Length, dw.Offset())
			return nil, nil
		}
		n.Dependencies = append(n.Dependencies, dep)
		n.Clock.MergeCap(dep.Clock, func(k api.Key) (uint64, bool) {
			if k == dep.Writer {
				return dep.Length, true
			}
			return 0, false
		})
		if cur, ok := n.Clock[dep.Writer]; !ok || dep.Length > cur {
			n.Clock[dep.Writer] = dep.Length
		}
		n.Clock.DropIndexed(r.IsIndexed)
		i++
	}

	n.Clock[w.Key()] = w.length + 1
	w.next = n
	return n, nil
}

// Advance consumes a node previously returned by EnsureNext, appending it
// to the cache and incrementing Length.
func (w *Writer) Advance() {
	if w.next == nil {
		return
	}
	w.nodes = append(w.nodes, w.next)
	w.length = w.next.Length
	w.next = nil
	w.nextCache = nil
}

// GetCheckpoint reads the tail of the underlying log, follows the
// checkpointer back-pointer to the nearest carrying entry, and returns its
// checkpoint payload, or false if the log is empty or carries none yet.
func (w *Writer) GetCheckpoint(ctx context.Context, decode func([]byte) (*api.OplogMessage, error)) (*api.Checkpoint, bool, error) {
	if w.core == nil {
		return nil, false, nil
	}
	length, err := w.core.Length(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("writer %s: Length: %w", w.Key(), err)
	}
	if length == 0 {
		return nil, false, nil
	}
	seq := length - 1
	for {
		raw, err := fetchWithRetry(ctx, w.core, seq)
		if err != nil {
			return nil, false, fmt.Errorf("writer %s: fetching block %d: %w", w.Key(), seq, err)
		}
		msg, err := decode(raw)
		if err != nil {
			return nil, false, fmt.Errorf("writer %s: decoding block %d: %w", w.Key(), seq, err)
		}
		if msg.Checkpointer == 0 {
			return msg.Checkpoint, true, nil
		}
		if msg.Checkpointer > seq {
			return nil, false, nil
		}
		seq -= uint64(msg.Checkpointer)
	}
}

// Notify returns the underlying transport's change channel, or nil for a
// local/placeholder writer with no transport.
func (w *Writer) Notify() <-chan struct{} {
	if w.core == nil {
		return nil
	}
	return w.core.Notify()
}

// PullRemote asks the underlying transport to refresh its view of the
// remote writer's length (spec.md §6's Log.update(opts)). It is a no-op for
// local/placeholder writers with no transport.
func (w *Writer) PullRemote(ctx context.Context, opts transport.UpdateOptions) error {
	if w.core == nil {
		return nil
	}
	return w.core.Update(ctx, opts)
}

// Close releases the underlying transport, if it implements io.Closer. The
// orchestrator calls it only from Autobase.Close, for every writer it holds,
// removed ones included; a writer removed from the indexer set is not
// closed by the advance loop and keeps its transport open until then.
func (w *Writer) Close() error {
	if w.core == nil {
		return nil
	}
	if closer, ok := w.core.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func fetchWithRetry(ctx context.Context, log transport.Log, seq uint64) ([]byte, error) {
	var raw []byte
	err := retry.Do(func() error {
		has, err := log.Has(ctx, seq)
		if err != nil {
			return err
		}
		if !has {
			if err := log.Download(ctx, seq, seq+1); err != nil {
				return err
			}
		}
		raw, err = log.Get(ctx, seq)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.DelayType(retry.BackOffDelay),
	)
	return raw, err
}
