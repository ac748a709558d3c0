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
	"fmt"
	"sort"

	"k8s.io/klog/v2"

	"github.com/utanapishtim/autobase/api"
	"github.com/utanapishtim/autobase/linearizer"
	"github.com/utanapishtim/autobase/writer"
)

// advance is the debounced tick described in spec.md §4.5. It is never
// called concurrently with itself (debounce.Runner guarantees this).
func (ab *Autobase) advance(ctx context.Context) error {
	if ab.isClosed() {
		return nil
	}
	if err := ab.ensureBootstrapped(ctx); err != nil {
		return err
	}
	if err := ab.ensureIndexerWriters(ctx); err != nil {
		return err
	}

	for {
		if err := ab.publishLocalAppends(ctx); err != nil {
			return err
		}
		if err := ab.absorbRemote(ctx); err != nil {
			return err
		}

		u := ab.lin.Update()
		if u.Length > 0 || u.Popped > 0 {
			if err := ab.processUpdate(ctx, u); err != nil {
				return err
			}
		}

		if err := ab.flushLocal(ctx); err != nil {
			return err
		}
		// Safe to trim every writer's cache down to its indexed length only
		// now: for the local writer, flushLocal above has just durably
		// appended everything up to its current Length, so nothing indexed
		// this tick can still be awaiting flush (SPEC_FULL.md Part D.2).
		ab.trimWriters()

		if !ab.restartFlag {
			break
		}
		if err := ab.doRestart(ctx); err != nil {
			return err
		}
	}

	ab.views.ReadyPending()
	ab.awaiter.release(ab.sysView.IsIndexed)
	return nil
}

// publishLocalAppends drains the queue of values passed to Append/Ack since
// the previous tick, builds a Writer node for each (batch counting down to 1
// on the last element so the apply handler can detect atomic groups), and
// pushes each into the linearizer (spec.md §4.5 step 1).
func (ab *Autobase) publishLocalAppends(ctx context.Context) error {
	if ab.localWriter == nil {
		return nil
	}
	entries := ab.queue.drain(ctx)
	if len(entries) == 0 {
		return nil
	}

	ab.mu.Lock()
	for i, e := range entries {
		batch := uint32(len(entries) - i)
		heads := ab.snapshotHeadsLocked()
		node := ab.localWriter.Append(e.value, heads, batch, ab.sysView.IsIndexed)
		node.Identity = identityOf(e.value)
		ab.lin.AddHead(node)
		ab.localWaiters[node.Length] = e
	}
	ab.mu.Unlock()
	ab.queue.release(len(entries))
	return nil
}

// snapshotHeadsLocked returns the current cached head node of every known
// writer other than the local one, for use as the "heads" argument of the
// local writer's next Append (spec.md §4.1). The caller must already hold
// ab.mu. Sorted by key so map iteration order has no effect on the
// resulting node.
func (ab *Autobase) snapshotHeadsLocked() []*api.Node {
	heads := make([]*api.Node, 0, len(ab.writers))
	for k, w := range ab.writers {
		if k == ab.localKey {
			continue
		}
		if h, ok := w.Head(); ok && !h.Indexed {
			heads = append(heads, h)
		}
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].Writer.Less(heads[j].Writer) })
	return heads
}

// decodeOplog adapts api.OplogMessage.Unmarshal to the decode func shape
// Writer.EnsureNext/GetCheckpoint expect.
func decodeOplog(raw []byte) (*api.OplogMessage, error) {
	var m api.OplogMessage
	if err := m.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("autobase: decoding oplog block: %w", err)
	}
	return &m, nil
}

// absorbRemote loops EnsureNext across every non-local writer until none of
// them make further progress, pushing each newly-resolved node into the
// linearizer (spec.md §4.5 step 2).
func (ab *Autobase) absorbRemote(ctx context.Context) error {
	for {
		progressed := false

		ab.mu.Lock()
		ws := make([]*writer.Writer, 0, len(ab.writers))
		for k, w := range ab.writers {
			if k == ab.localKey {
				continue
			}
			ws = append(ws, w)
		}
		ab.mu.Unlock()
		sort.Slice(ws, func(i, j int) bool { return ws[i].Key().Less(ws[j].Key()) })

		for _, w := range ws {
			n, err := w.EnsureNext(ctx, ab, decodeOplog)
			if err != nil {
				return fmt.Errorf("autobase: absorbing writer %s: %w", w.Key(), err)
			}
			if n == nil {
				continue
			}
			w.Advance()
			ab.lin.AddHead(n)
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
}

// flushLocal appends every local writer node produced since the last flush
// to the underlying log, stamping each block's checkpointer/checkpoint
// fields per spec.md §6, and resolves the Append/Ack callers waiting on
// those lengths.
func (ab *Autobase) flushLocal(ctx context.Context) error {
	if ab.localWriter == nil {
		return nil
	}
	target := ab.localWriter.Length()
	if target <= ab.localFlushed {
		return nil
	}

	blocks := make([][]byte, 0, target-ab.localFlushed)
	lengths := make([]uint64, 0, cap(blocks))
	for seq := ab.localFlushed + 1; seq <= target; seq++ {
		node, ok := ab.localWriter.GetCached(seq)
		if !ok {
			return fmt.Errorf("autobase: local node %d not cached for flush", seq)
		}
		msg := api.OplogMessage{Value: node.Value, Heads: node.Heads, Batch: node.Batch}
		switch {
		case ab.checkpointFresh:
			cp := ab.checkpoint
			msg.Checkpoint = &cp
			msg.Checkpointer = 0
			ab.checkpointFresh = false
			ab.haveCheckpoint = true
			ab.sinceCheckpoint = 0
		case ab.haveCheckpoint:
			ab.sinceCheckpoint++
			msg.Checkpointer = ab.sinceCheckpoint
		default:
			// No checkpoint has ever been produced (the very first blocks
			// of a brand-new local log): stamp a zero checkpoint so the
			// wire invariant checkpointer==0 iff checkpoint-present holds.
			cp := api.Checkpoint{}
			msg.Checkpoint = &cp
			msg.Checkpointer = 0
			ab.haveCheckpoint = true
			ab.sinceCheckpoint = 0
		}
		raw, err := msg.Marshal()
		if err != nil {
			return fmt.Errorf("autobase: encoding local block %d: %w", seq, err)
		}
		blocks = append(blocks, raw)
		lengths = append(lengths, seq)
	}

	if err := ab.cfg.localLog.Append(ctx, blocks); err != nil {
		return fmt.Errorf("autobase: flushing local writer: %w", err)
	}
	ab.localFlushed = target

	ab.mu.Lock()
	var toResolve []pendingAppend
	for _, seq := range lengths {
		if p, ok := ab.localWaiters[seq]; ok {
			toResolve = append(toResolve, p)
			delete(ab.localWaiters, seq)
		}
	}
	ab.mu.Unlock()
	resolve(toResolve, make([]error, len(toResolve)))
	return nil
}

// trimWriters shifts every known writer's cache down to its indexed length
// (spec.md's Writer.nodes trimming Open Question, resolved in SPEC_FULL.md
// Part D.2: after a restart-free run this is always safe, since a node's
// clock references are dropped as soon as the referenced writer length is
// indexed).
func (ab *Autobase) trimWriters() {
	ab.mu.Lock()
	ws := make([]*writer.Writer, 0, len(ab.writers))
	for _, w := range ab.writers {
		ws = append(ws, w)
	}
	ab.mu.Unlock()
	for _, w := range ws {
		w.TrimIndexed()
	}
}

// processUpdate consumes one Linearizer.Update, undoing any popped tip
// entries, confirming newly-indexed nodes (flushing their views and the
// SystemView), and applying any genuinely new tip content (spec.md §4.5
// step 3).
func (ab *Autobase) processUpdate(ctx context.Context, u linearizer.Update) error {
	if u.Popped > 0 {
		ab.undoPopped(u.Popped)
	}

	flushed, err := ab.walkIndexed(ctx, u.Indexed)
	if err != nil {
		return err
	}
	if err := ab.walkTip(ctx, u.Tip[u.Shared:]); err != nil {
		return err
	}

	ab.prevTip = u.Tip

	if flushed {
		if err := ab.doFlushCheckpoint(); err != nil {
			return err
		}
	}
	if len(u.Indexed) > 0 {
		ab.throughput.Add(float64(len(u.Indexed)))
		klog.V(2).Infof("autobase: indexed %d node(s), running average %.2f/tick", len(u.Indexed), ab.throughput.Avg())
	}
	return nil
}

// undoPopped reverses the suffix of the previous tick's Tip that the new
// order disagrees with (spec.md §4.2, §4.5 step 3, §8 scenario 3). popped is
// exactly the count the Linearizer itself computed by comparing the
// previous Tip against this tick's committed order as a whole, so the tail
// of ab.prevTip of that length is the stale suffix -- no separate
// recomputation is needed here.
func (ab *Autobase) undoPopped(popped int) {
	if popped > len(ab.prevTip) {
		popped = len(ab.prevTip)
	}
	stale := ab.prevTip[len(ab.prevTip)-popped:]

	seen := make(map[*updateBatch]bool)
	for i := len(stale) - 1; i >= 0; i-- {
		n := stale[i]
		upd := ab.nodeUpdate[n]
		delete(ab.nodeUpdate, n)
		if upd == nil || seen[upd] {
			continue
		}
		seen[upd] = true
		ab.undoOne(upd)
		ab.popPendingTail(upd)
	}
	klog.V(1).Infof("autobase: undid %d tip node(s)", len(stale))
}

// popPendingTail removes upd from the tail of ab.pending if it is there.
// undoPopped always undoes the most-recently-applied Updates first, so the
// matching entry is expected at the tail of the FIFO.
func (ab *Autobase) popPendingTail(upd *updateBatch) {
	for i := len(ab.pending) - 1; i >= 0; i-- {
		if ab.pending[i] == upd {
			ab.pending = append(ab.pending[:i], ab.pending[i+1:]...)
			return
		}
	}
}

// popPendingHead removes upd from the front of ab.pending if it is there,
// used when a previously-speculative Update is confirmed indexed in FIFO
// order.
func (ab *Autobase) popPendingHead(upd *updateBatch) {
	if len(ab.pending) > 0 && ab.pending[0] == upd {
		ab.pending = ab.pending[1:]
		return
	}
	for i, p := range ab.pending {
		if p == upd {
			ab.pending = append(ab.pending[:i], ab.pending[i+1:]...)
			return
		}
	}
}

// undoOne reverses the view appends and system membership changes recorded
// by upd, without touching ab.pending (callers remove it themselves).
func (ab *Autobase) undoOne(upd *updateBatch) {
	for name, n := range upd.userAppends {
		if c, ok := ab.views.Core(name); ok {
			c.OnUndo(n)
		}
	}
	for _, k := range upd.systemAdds {
		ab.sysView.RemoveWriter(k)
	}
	for _, k := range upd.systemRemoves {
		ab.sysView.AddWriter(k)
	}
}

// doFlushCheckpoint renders the SystemView's current state as a fresh
// digest/checkpoint and marks it for embedding into the next local block
// (spec.md §4.5 "Flush and checkpoint").
func (ab *Autobase) doFlushCheckpoint() error {
	_, raw, err := ab.sysView.Digest()
	if err != nil {
		return fmt.Errorf("autobase: rendering system view digest: %w", err)
	}
	length := uint64(0)
	if ab.localWriter != nil {
		length = ab.localWriter.Length()
	}
	cp := api.Checkpoint{Length: length, Payload: raw}
	ab.sysView.SetCheckpoint(cp)
	ab.checkpoint = cp
	ab.checkpointFresh = true
	return nil
}

// doRestart tears down and rebuilds the linearizer and writer set following
// a committed membership change (spec.md §4.5 "Restart procedure").
func (ab *Autobase) doRestart(ctx context.Context) error {
	digest, _, err := ab.sysView.Digest()
	if err != nil {
		return fmt.Errorf("autobase: rendering digest for restart: %w", err)
	}

	keep := make(map[api.Key]bool, len(digest.Writers))
	for _, w := range digest.Writers {
		keep[w.Key] = true
	}

	ab.mu.Lock()
	for k, w := range ab.writers {
		if !keep[k] {
			ab.removed = append(ab.removed, w)
			delete(ab.writers, k)
		}
	}
	localClosed := !keep[ab.localKey]
	ab.mu.Unlock()
	if localClosed {
		ab.localWriter = nil
	}

	ab.rebuildFromDigest(digest)

	if ab.localWriter == nil && ab.cfg.localLog != nil && keep[ab.localKey] {
		ab.localWriter = writer.New(ab.cfg.localLog)
		ab.mu.Lock()
		ab.writers[ab.localKey] = ab.localWriter
		ab.mu.Unlock()
	}
	if ab.localWriter != nil {
		if l, ok := ab.restoredLengths[ab.localKey]; ok {
			ab.localWriter.Reset(l)
			ab.localWriter.SetIndexed(l)
		}
		ab.localFlushed = ab.localWriter.Length()
	}

	for i := len(ab.pending) - 1; i >= 0; i-- {
		ab.undoOne(ab.pending[i])
	}
	ab.pending = nil
	ab.nodeUpdate = make(map[*api.Node]*updateBatch)
	ab.prevTip = nil
	ab.restartFlag = false

	klog.Infof("autobase: restarted with indexer set %v", ab.sysView.Writers())
	return nil
}
