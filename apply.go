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

	"github.com/utanapishtim/autobase/api"
)

// walkIndexed processes the Linearizer's newly-committed prefix for this
// tick (spec.md §4.5 step 3, "walk u.indexed"). Each node was either
// already applied while it was still speculative tip content (in which
// case its Update is now confirmed and flushed) or is appearing for the
// first time already-stable (a node whose position never passed through
// tip at all, e.g. spec.md §8 scenario 1's single-writer bootstrap), in
// which case it is applied and immediately flushed. It reports whether
// anything was flushed, so the caller knows whether to render a fresh
// checkpoint.
func (ab *Autobase) walkIndexed(ctx context.Context, nodes []*api.Node) (bool, error) {
	flushed := false
	i := 0
	for i < len(nodes) {
		j := i
		for j < len(nodes) && !nodes[j].IsBatchEnd() {
			j++
		}
		group := nodes[i : j+1]
		i = j + 1

		upd := ab.nodeUpdate[group[0]]
		if upd == nil {
			var err error
			upd, err = ab.applyBatch(ctx, group, true)
			if err != nil {
				return flushed, err
			}
		} else {
			ab.popPendingHead(upd)
		}
		if err := ab.flushUpdate(ctx, group, upd); err != nil {
			return flushed, err
		}
		flushed = true
	}
	return flushed, nil
}

// walkTip applies the genuinely new portion of the current tick's Tip
// (content that was neither part of the previous tick's surviving prefix
// nor already indexed), leaving each resulting Update pending until a
// later tick confirms or undoes it (spec.md §4.5 step 3, "walk
// u[shared..length]").
func (ab *Autobase) walkTip(ctx context.Context, nodes []*api.Node) error {
	i := 0
	for i < len(nodes) {
		j := i
		for j < len(nodes) && !nodes[j].IsBatchEnd() {
			j++
		}
		group := nodes[i : j+1]
		i = j + 1

		upd, err := ab.applyBatch(ctx, group, false)
		if err != nil {
			return err
		}
		ab.pending = append(ab.pending, upd)
		for _, n := range group {
			ab.nodeUpdate[n] = upd
		}
	}
	return nil
}

// flushUpdate promotes the blocks upd recorded for each view from tip to
// persisted, commits the group's writer/length heads into the SystemView,
// and marks a restart as required if upd changed membership.
func (ab *Autobase) flushUpdate(ctx context.Context, group []*api.Node, upd *updateBatch) error {
	for name, n := range upd.userAppends {
		c, ok := ab.views.Core(name)
		if !ok {
			continue
		}
		if err := c.OnIndex(ctx, n); err != nil {
			return err
		}
	}
	for _, n := range group {
		n.Indexed = true
		ab.sysView.CommitHead(n.Writer, n.Length)
		if w, ok := ab.Writer(n.Writer); ok {
			w.SetIndexed(n.Length)
		}
		delete(ab.nodeUpdate, n)
	}
	if upd.systemChanges() > 0 {
		ab.restartFlag = true
	}
	return nil
}

// decodeBatch converts a group of causal-DAG nodes into the BatchEntry
// slice handed to the user's apply handler (spec.md §6). indexed reflects
// which walk (walkIndexed vs walkTip) is driving this call, not the node's
// own api.Node.Indexed field: the latter is only set once this same batch
// has been durably flushed, which happens after the handler runs.
func (ab *Autobase) decodeBatch(nodes []*api.Node, indexed bool) ([]BatchEntry, error) {
	entries := make([]BatchEntry, len(nodes))
	for i, n := range nodes {
		var val any = n.Value
		if ab.cfg.valueEncoding != nil {
			v, err := ab.cfg.valueEncoding.Decode(n.Value)
			if err != nil {
				return nil, fmt.Errorf("autobase: decoding value for %s@%d: %w", n.Writer, n.Length, err)
			}
			val = v
		}
		entries[i] = BatchEntry{
			Indexed: indexed,
			From:    n.Writer,
			Length:  n.Length,
			Value:   val,
			Heads:   n.Heads,
		}
	}
	return entries, nil
}

// applyBatch runs the user's apply handler over one atomic batch, builds
// the resulting Update record, and on error rolls back any view appends or
// membership changes the (partially completed) call made before returning
// the error to the advance loop, which aborts the tick (spec.md §7,
// SPEC_FULL.md Part D.1: apply is not assumed idempotent, so a failed call
// is rolled back rather than retried from its half-applied state). indexed
// is passed straight through to decodeBatch; it does not affect rollback.
func (ab *Autobase) applyBatch(ctx context.Context, nodes []*api.Node, indexed bool) (*updateBatch, error) {
	entries, err := ab.decodeBatch(nodes, indexed)
	if err != nil {
		return nil, err
	}

	upd := &updateBatch{nodeCount: len(nodes), userAppends: map[string]int{}}

	if ab.cfg.apply != nil {
		ab.views.ResetAppending()

		ab.mu.Lock()
		ab.applying = true
		ab.curUpdate = upd
		ab.mu.Unlock()

		applyErr := func() (err error) {
			defer func() {
				ab.mu.Lock()
				ab.applying = false
				ab.curUpdate = nil
				ab.mu.Unlock()
			}()
			return ab.cfg.apply(ctx, entries, ab.views, ab)
		}()

		if applyErr != nil {
			for _, c := range ab.views.Cores() {
				if n := c.Appending(); n > 0 {
					c.OnUndo(n)
				}
			}
			for _, k := range upd.systemAdds {
				ab.sysView.RemoveWriter(k)
			}
			for _, k := range upd.systemRemoves {
				ab.sysView.AddWriter(k)
			}
			return nil, fmt.Errorf("autobase: apply: %w", applyErr)
		}

		for _, c := range ab.views.Cores() {
			if n := c.Appending(); n > 0 {
				upd.userAppends[c.Name] = n
			}
		}
	}

	if upd.systemChanges() > 0 {
		for _, n := range nodes {
			n.SystemChange = true
		}
	}
	return upd, nil
}
