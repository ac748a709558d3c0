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

// Package api contains the wire-level data model shared by the writer, the
// linearizer and the materialized views: causal-DAG nodes, writer heads, and
// the per-node causal clock.
package api

import (
	"bytes"
	"encoding/hex"
)

// Key identifies a writer by its stable public key. Two Keys compare equal
// iff they name the same writer.
type Key [32]byte

// String renders the key as lowercase hex, for logging.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Less implements the tie-break ordering between writers used throughout
// the linearizer: lexicographic comparison of the raw key bytes.
func (k Key) Less(o Key) bool { return bytes.Compare(k[:], o[:]) < 0 }

// IsZero reports whether k is the zero key (used as a "no writer" sentinel).
func (k Key) IsZero() bool { return k == Key{} }

// Head is the tip of a writer's log as observed by some other node: the
// writer's key and the length it had reached at observation time.
type Head struct {
	Key    Key
	Length uint64
}

// Clock maps a writer key to the highest length of that writer reachable
// from a given node, excluding lengths already known to be indexed (see
// "GC'd clocks" in the design notes: entries for indexed lengths are
// removed with DropIndexed; a clock is never set to nil).
type Clock map[Key]uint64

// Clone returns an independent copy of c.
func (c Clock) Clone() Clock {
	if c == nil {
		return nil
	}
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// MergeCap folds o into c, keeping, for each writer, the larger of the two
// recorded lengths, but never exceeding cap[w] when cap is non-nil for w.
// This mirrors Writer.append's rule of capping a merged-in head's clock at
// that head's own length, and ensure_next's rule of dropping entries the
// SystemView already considers indexed.
func (c Clock) MergeCap(o Clock, capAt func(Key) (uint64, bool)) {
	for w, l := range o {
		if capAt != nil {
			if max, ok := capAt(w); ok && l > max {
				l = max
			}
		}
		if cur, ok := c[w]; !ok || l > cur {
			c[w] = l
		}
	}
}

// DropIndexed removes every entry from c that isIndexed reports as already
// committed, implementing the "GC'd clocks" design note without requiring a
// nil sentinel at the node level.
func (c Clock) DropIndexed(isIndexed func(Key, uint64) bool) {
	for w, l := range c {
		if isIndexed(w, l) {
			delete(c, w)
		}
	}
}

// Node is a single vertex of the causal DAG: one entry in one writer's log.
type Node struct {
	// Writer is the identity of the producing writer.
	Writer Key
	// Length is the 1-based writer-local sequence number of this node.
	Length uint64
	// Value is the opaque user payload. Absent (nil) for synthetic restart
	// seed nodes.
	Value []byte
	// Identity is a content hash of Value, used only for local dedupe of
	// repeated appends/acks; it plays no role in linearization.
	Identity []byte
	// Heads are the tips of other writers observed when this node was
	// produced.
	Heads []Head
	// Batch is the atomic-group counter: nodes with Batch > 1 are
	// intermediate members of an atomic group whose last member has
	// Batch == 1.
	Batch uint32
	// Dependencies are the resolved Nodes referenced by Heads, filled in
	// once ensure_next/ingest has located each of them. Order matches the
	// (possibly already-shrunk) Heads slice at resolution time.
	Dependencies []*Node
	// Prev is the same-writer predecessor of this node (length-1 on the
	// same writer), if it is still unindexed. It is nil once the
	// predecessor has been indexed (the edge is then trivially satisfied)
	// or if this is the writer's first node. Prev exists purely to give
	// the linearizer an explicit causal edge for intra-writer ordering,
	// since Heads/Dependencies only ever name *other* writers.
	Prev *Node
	// Clock is the causal frontier: the highest observed length for every
	// writer reachable from this node, excluding writer lengths already
	// known to be indexed. Nil means "fully absorbed into the indexed
	// prefix" (see DropIndexed/"GC'd clocks").
	Clock Clock
	// Indexed is set once this node's batch has been durably flushed (its
	// view appends promoted and its writer/length head committed to the
	// SystemView) — not merely once the linearizer decides its position in
	// the total order is fixed. A node can sit in the linearizer's stable
	// prefix for one or more ticks before Indexed becomes true if its apply
	// call fails and must be retried. It is monotonic: false -> true, never
	// back.
	Indexed bool
	// SystemChange is true if applying this node caused the SystemView to
	// add or remove a writer.
	SystemChange bool
}

// IsBatchEnd reports whether this node is the last member of its atomic
// batch.
func (n *Node) IsBatchEnd() bool { return n.Batch <= 1 }

// RemoveHeadAt removes the head at index i from n.Heads using an in-place
// swap-and-pop, preserving the source's intentional O(1) choice for
// unordered small-list deletion (see design notes: "in-place pop-and-swap
// on arrays").
func (n *Node) RemoveHeadAt(i int) {
	last := len(n.Heads) - 1
	n.Heads[i] = n.Heads[last]
	n.Heads = n.Heads[:last]
}
