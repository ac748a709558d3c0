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

// Package linearizer collapses the partial causal DAG formed by a set of
// writers' heads into a single deterministic total order, and tracks which
// prefix of that order can no longer change regardless of which new heads
// appear in the future (spec.md §4.2).
//
// The linearizer never fetches data itself: callers discover new nodes
// (typically via writer.Writer.EnsureNext or a local Append) and push them
// in with AddHead; Update is then called to pull the next increment of
// progress.
package linearizer

import (
	"container/heap"

	"github.com/utanapishtim/autobase/api"
)

// New returns a Linearizer whose total order is computed over the given
// indexer writer set. The set is fixed for the lifetime of the Linearizer;
// a membership change means the orchestrator must construct a new one (see
// spec.md §4.5 "restart").
func New(indexers []api.Key) *Linearizer {
	idx := make([]api.Key, len(indexers))
	copy(idx, indexers)
	return &Linearizer{
		indexers:   idx,
		heads:      make(map[api.Key]*api.Node, len(idx)),
		knownClock: make(map[api.Key]api.Clock, len(idx)),
	}
}

// Linearizer is the per-tick ordering engine described in spec.md §4.2.
type Linearizer struct {
	indexers []api.Key

	// heads holds, for each writer, the newest node added for it via
	// AddHead. The entry stays in place after that node is indexed.
	heads map[api.Key]*api.Node

	// knownClock[w] is the union of every clock ever observed on a node
	// produced by writer w (i.e. w's accumulated causal frontier). Unlike
	// a node's own Clock, this is never GC'd: it is exactly the
	// information needed to answer "has writer w already observed node
	// n?" even after n itself has been indexed.
	knownClock map[api.Key]api.Clock

	// prevTip is the Tip returned by the previous successful Update call,
	// kept to compute Shared/Popped on the next call.
	prevTip []*api.Node
}

// Update is the result of one linearizer tick (spec.md §4.2).
type Update struct {
	// Indexed holds nodes newly committed to the total order this tick.
	Indexed []*api.Node
	// Tip holds the current speculative order above the indexed prefix.
	Tip []*api.Node
	// Shared is the count of leading entries in Tip that match the Tip
	// returned by the previous Update call, when that previous Tip is
	// compared entry by entry against Indexed followed by Tip; callers
	// need not re-apply these.
	Shared int
	// Popped is the count of previously-returned Tip entries that must be
	// undone because the new order disagrees with them.
	Popped int
	// Length is len(Indexed) + len(Tip).
	Length int
}

// AddHead records node as the newest known node for its writer, folding its
// clock into the writer's accumulated knowledge. Nodes must be added in
// increasing Length order per writer; an out-of-order or stale add is
// ignored.
func (l *Linearizer) AddHead(node *api.Node) {
	if node == nil {
		return
	}
	if cur, ok := l.heads[node.Writer]; ok && cur.Length >= node.Length {
		return
	}
	l.heads[node.Writer] = node
	l.observe(node.Writer, node)
}

func (l *Linearizer) observe(writer api.Key, node *api.Node) {
	kc, ok := l.knownClock[writer]
	if !ok {
		kc = api.Clock{}
		l.knownClock[writer] = kc
	}
	kc.MergeCap(node.Clock, nil)
	if cur, ok := kc[node.Writer]; !ok || node.Length > cur {
		kc[node.Writer] = node.Length
	}
}

// Update computes the next increment of the total order. It returns a zero
// Update (Length == 0, Indexed and Tip both empty) only when no unindexed
// node is reachable. Calling Update again with no new heads, once every node
// it returned in Indexed has been marked api.Node.Indexed, returns the same
// Tip with Shared == len(Tip) and Popped == 0 (spec.md §8, idempotence);
// nodes returned in Indexed but not yet marked are returned again.
//
// Update does not itself mark newIndexed nodes as api.Node.Indexed: that
// happens only once the orchestrator has durably flushed each one, so that a
// node whose apply fails is presented again on the next call instead of
// being silently skipped (topoOrder only ever excludes nodes already marked
// Indexed).
func (l *Linearizer) Update() Update {
	order := l.topoOrder()

	stableLen := 0
	for stableLen < len(order) && l.isStable(order[stableLen]) {
		stableLen++
	}

	newIndexed := order[:stableLen]
	newTip := order[stableLen:]

	// A node that only just became stable can be stitched into the order
	// ahead of tip content the caller already applied speculatively on an
	// earlier tick (the smallest-keyed indexer's nodes are always stable the
	// moment they're seen, regardless of what other writers already have in
	// flight). So the previous tip is compared against the committed order
	// this tick produces as a whole -- newIndexed followed by newTip -- not
	// against the new tip alone: any previous-tip entry that doesn't survive
	// as a match in that combined sequence must be popped and reapplied
	// after whatever got inserted ahead of it, even though it's still
	// present, unchanged, somewhere in newTip.
	combined := make([]*api.Node, 0, len(newIndexed)+len(newTip))
	combined = append(combined, newIndexed...)
	combined = append(combined, newTip...)

	sharedTotal := commonPrefixLen(l.prevTip, combined)
	popped := len(l.prevTip) - sharedTotal

	sharedTip := sharedTotal - len(newIndexed)
	if sharedTip < 0 {
		sharedTip = 0
	}

	l.prevTip = newTip

	return Update{
		Indexed: newIndexed,
		Tip:     newTip,
		Shared:  sharedTip,
		Popped:  popped,
		Length:  len(newIndexed) + len(newTip),
	}
}

// isStable reports whether n's position in the total order can no longer
// change regardless of future heads: every indexer writer with a smaller
// key that n does not already causally include must already have observed
// it.
func (l *Linearizer) isStable(n *api.Node) bool {
	for _, k := range l.indexers {
		if !k.Less(n.Writer) {
			continue
		}
		if _, known := n.Clock[k]; known {
			// n already causally includes k; the relative order is fixed
			// by causality, not by a future tie-break.
			continue
		}
		kc, ok := l.knownClock[k]
		if !ok {
			return false
		}
		if kc[n.Writer] < n.Length {
			return false
		}
	}
	return true
}

// topoOrder returns every currently-reachable, not-yet-indexed node across
// all current heads, ordered so that dependencies always precede
// dependents, and ties among causally-unrelated nodes are broken by
// (writer key, length) ascending.
func (l *Linearizer) topoOrder() []*api.Node {
	visited := make(map[*api.Node]bool)
	var nodes []*api.Node

	var walk func(n *api.Node)
	walk = func(n *api.Node) {
		if n == nil || n.Indexed || visited[n] {
			return
		}
		visited[n] = true
		nodes = append(nodes, n)
		walk(n.Prev)
		for _, d := range n.Dependencies {
			walk(d)
		}
	}
	// Iterate heads in a fixed order (indexer list) so traversal order
	// itself never affects the result (only the final heap-ordered sort
	// does).
	for _, k := range l.indexers {
		walk(l.heads[k])
	}

	inDegree := make(map[*api.Node]int, len(nodes))
	adj := make(map[*api.Node][]*api.Node, len(nodes))
	for _, n := range nodes {
		edges := n.Dependencies
		if n.Prev != nil && !n.Prev.Indexed {
			edges = append(edges, n.Prev)
		}
		for _, d := range edges {
			if d.Indexed {
				continue
			}
			inDegree[n]++
			adj[d] = append(adj[d], n)
		}
	}

	pq := &nodeHeap{}
	heap.Init(pq)
	for _, n := range nodes {
		if inDegree[n] == 0 {
			heap.Push(pq, n)
		}
	}

	order := make([]*api.Node, 0, len(nodes))
	for pq.Len() > 0 {
		n := heap.Pop(pq).(*api.Node)
		order = append(order, n)
		for _, m := range adj[n] {
			inDegree[m]--
			if inDegree[m] == 0 {
				heap.Push(pq, m)
			}
		}
	}
	return order
}

// commonPrefixLen returns the length of the longest common prefix of a and
// b, comparing by node identity.
func commonPrefixLen(a, b []*api.Node) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// nodeHeap is a min-heap over nodes ordered by (Writer, Length) ascending,
// used to make the topological sort's tie-break deterministic.
type nodeHeap []*api.Node

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].Writer != h[j].Writer {
		return h[i].Writer.Less(h[j].Writer)
	}
	return h[i].Length < h[j].Length
}
func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)   { *h = append(*h, x.(*api.Node)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
