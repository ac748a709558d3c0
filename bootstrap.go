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

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/utanapishtim/autobase/api"
	"github.com/utanapishtim/autobase/linearizer"
	"github.com/utanapishtim/autobase/writer"
)

// bootstrapKeys returns the writer set to seed the SystemView with the
// first time it has no writers at all: the configured bootstrap list, or
// (spec.md §8 scenario 1) just the local writer's key if no bootstrap list
// was given.
func (ab *Autobase) bootstrapKeys() []api.Key {
	if len(ab.cfg.bootstrap) > 0 {
		keys := append([]api.Key(nil), ab.cfg.bootstrap...)
		sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
		return keys
	}
	if !ab.localKey.IsZero() {
		return []api.Key{ab.localKey}
	}
	return nil
}

// ensureBootstrapped adds the bootstrap writer set to the SystemView the
// first time the orchestrator runs with an empty digest (spec.md §4.5,
// "if the system is still bootstrapping call the bootstrap helper").
func (ab *Autobase) ensureBootstrapped(ctx context.Context) error {
	if ab.bootstrapped {
		return nil
	}
	for _, k := range ab.bootstrapKeys() {
		if ab.sysView.AddWriter(k) {
			klog.V(1).Infof("autobase: bootstrap writer %s", k)
		}
		if err := ab.ensureWriter(ctx, k); err != nil {
			return err
		}
	}
	// New constructed ab.lin with an empty indexer set since no digest was
	// available yet; now that the bootstrap set is known, rebuild it so
	// isStable's tie-break actually has indexers to compare against.
	ab.lin = linearizer.New(ab.indexerKeys())
	ab.bootstrapped = true
	return nil
}

// ensureWriter makes sure ab.writers[key] exists, opening its transport via
// cfg.logOpen if this is a newly discovered remote writer.
func (ab *Autobase) ensureWriter(ctx context.Context, key api.Key) error {
	ab.mu.Lock()
	_, ok := ab.writers[key]
	ab.mu.Unlock()
	if ok {
		return nil
	}
	if key == ab.localKey && ab.localWriter != nil {
		ab.mu.Lock()
		ab.writers[key] = ab.localWriter
		ab.mu.Unlock()
		return nil
	}
	if ab.cfg.logOpen == nil {
		return fmt.Errorf("autobase: no log opener configured, cannot open writer %s", key)
	}
	log, err := ab.cfg.logOpen(ctx, key)
	if err != nil {
		return fmt.Errorf("autobase: opening writer %s: %w", key, err)
	}
	w := writer.New(log)
	if l, ok := ab.restoredLengths[key]; ok {
		w.Reset(l)
		w.SetIndexed(l)
	}
	ab.mu.Lock()
	ab.writers[key] = w
	ab.mu.Unlock()
	go ab.watchNotify(w)
	return nil
}

// watchNotify bumps the advance loop whenever w's underlying transport
// reports new blocks (replication landing out of band, not via an explicit
// Update call), until ab's owning context is done. It runs for the lifetime
// of the process rather than any single advance tick, so it is anchored to
// runCtx rather than whatever short-lived context happened to call
// ensureWriter (e.g. ensureIndexerWriters' errgroup context, which is
// canceled as soon as that call returns).
func (ab *Autobase) watchNotify(w *writer.Writer) {
	ch := w.Notify()
	if ch == nil {
		return
	}
	for {
		select {
		case <-ab.runCtx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			ab.bump()
		}
	}
}

// ensureIndexerWriters makes sure every current SystemView indexer has a
// Writer, called at the start of every advance tick so a restart's
// restored writer set is (re)opened lazily as the loop runs. Opening each
// writer's underlying transport is fanned out over an errgroup, the same
// concurrent-worker pattern the teacher uses to parallelize copy workers in
// migrate.go, since a fresh bootstrap or restart may need to dial many
// remote logs at once.
func (ab *Autobase) ensureIndexerWriters(ctx context.Context) error {
	keys := ab.indexerKeys()
	eg, egCtx := errgroup.WithContext(ctx)
	for _, k := range keys {
		k := k
		eg.Go(func() error {
			return ab.ensureWriter(egCtx, k)
		})
	}
	return eg.Wait()
}

// indexerKeys returns the current authoritative indexer set from the
// SystemView, used to (re)construct the Linearizer.
func (ab *Autobase) indexerKeys() []api.Key {
	return ab.sysView.Writers()
}

// AddWriter is the "system.add_writer(K)" operation of spec.md §4.3: the
// apply handler calls this to admit a new indexer. It is only valid while
// an apply call is active (ErrApplyViolation otherwise, spec.md §7), and
// opens the new writer's transport immediately so EnsureNext can start
// making progress on it as soon as this batch's heads reference it.
func (ab *Autobase) AddWriter(ctx context.Context, key api.Key) error {
	ab.mu.Lock()
	applying, upd := ab.applying, ab.curUpdate
	ab.mu.Unlock()
	if !applying {
		return ErrApplyViolation
	}
	if !ab.sysView.AddWriter(key) {
		return nil
	}
	upd.systemAdds = append(upd.systemAdds, key)
	klog.V(1).Infof("autobase: system add_writer %s", key)
	return ab.ensureWriter(ctx, key)
}

// RemoveWriter is the "system.remove_writer(K)" operation of spec.md §4.3.
// The writer itself is not closed here: removal only takes effect once the
// committing node is indexed and the orchestrator restarts (spec.md §4.5,
// §8 scenario 6); doRestart moves it out of the live writer set at that
// point.
func (ab *Autobase) RemoveWriter(key api.Key) error {
	ab.mu.Lock()
	applying, upd := ab.applying, ab.curUpdate
	ab.mu.Unlock()
	if !applying {
		return ErrApplyViolation
	}
	if !ab.sysView.RemoveWriter(key) {
		return nil
	}
	upd.systemRemoves = append(upd.systemRemoves, key)
	klog.V(1).Infof("autobase: system remove_writer %s", key)
	return nil
}

// rebuildFromDigest seeds the writer set's known lengths from a restored
// digest (restart or process startup). Rather than literally replaying
// synthetic zero-value nodes into the Linearizer, each writer's indexed
// length is recorded directly on the Writer (SetIndexed) and the
// SystemView's committed heads (already restored by systemview.FromDigest)
// give ensure_next everything it needs to recognize already-consumed
// dependencies. This is functionally equivalent to seeding the Linearizer
// with minimal already-indexed nodes, without constructing throwaway Node
// values that would immediately be discarded.
func (ab *Autobase) rebuildFromDigest(d api.Digest) {
	ab.restoredLengths = make(map[api.Key]uint64, len(d.Writers))
	for _, w := range d.Writers {
		ab.restoredLengths[w.Key] = w.Length
		if cur, ok := ab.writers[w.Key]; ok {
			cur.Reset(w.Length)
			cur.SetIndexed(w.Length)
		}
	}
	ab.lin = linearizer.New(ab.indexerKeys())
	ab.checkpoint = d.Checkpoint
}
