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

// Package autobase implements the multi-writer append-only log orchestrator
// described in spec.md: it linearizes concurrent, causally-ordered writer
// logs into a deterministic total order and applies each operation to
// materialized views.
package autobase

import (
	"context"
	"fmt"
	"sync"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"k8s.io/klog/v2"

	"github.com/utanapishtim/autobase/api"
	"github.com/utanapishtim/autobase/internal/debounce"
	"github.com/utanapishtim/autobase/linearizer"
	"github.com/utanapishtim/autobase/systemview"
	"github.com/utanapishtim/autobase/transport"
	"github.com/utanapishtim/autobase/view"
	"github.com/utanapishtim/autobase/writer"
)

// Autobase is the top-level orchestrator: the single-threaded state machine
// that drives the linearizer, runs the user's apply handler, flushes
// committed blocks, and restarts on membership change (spec.md §4.5).
type Autobase struct {
	cfg *config

	mu sync.Mutex

	runCtx context.Context

	writers     map[api.Key]*writer.Writer
	removed     []*writer.Writer
	localKey    api.Key
	localWriter *writer.Writer

	sysView *systemview.SystemView
	lin     *linearizer.Linearizer
	views   *view.ViewStore

	queue   *appendQueue
	awaiter *indexAwaiter
	runner  *debounce.Runner

	bootstrapped bool
	restartFlag  bool

	pending    []*updateBatch          // FIFO, oldest first, awaiting flush or undo
	nodeUpdate map[*api.Node]*updateBatch // node -> the Update it belongs to, for undo/confirm lookup
	prevTip    []*api.Node              // the Tip returned by the previous processUpdate call

	// applying is set for the duration of a single Apply call; AddWriter
	// and RemoveWriter return ErrApplyViolation while it is unset. View
	// appends are not checked against it.
	applying bool
	// curUpdate is the in-progress Update record while applying is true;
	// AddWriter/RemoveWriter append to its systemAdds/systemRemoves.
	curUpdate *updateBatch

	checkpoint      api.Checkpoint
	checkpointFresh bool   // true if checkpoint hasn't yet been embedded in a local block
	haveCheckpoint  bool   // true once any checkpoint (even a zero one) has been embedded
	sinceCheckpoint uint32 // hop count since the last embedded checkpoint
	localFlushed    uint64 // local writer length already durably appended to cfg.localLog
	localWaiters    map[uint64]pendingAppend

	restoredLengths map[api.Key]uint64
	throughput      *movingaverage.MovingAverage

	closed bool
}

// updateBatch is the transient "Update record" of spec.md §3: how many
// nodes one apply call covered, which writers it added or removed, and how
// many blocks each view appended, so the batch can be undone if the
// linearizer later pops it.
type updateBatch struct {
	nodeCount     int
	systemAdds    []api.Key
	systemRemoves []api.Key
	userAppends   map[string]int // view name -> blocks appended
}

// systemChanges reports how many membership changes this Update caused.
func (u *updateBatch) systemChanges() int {
	return len(u.systemAdds) + len(u.systemRemoves)
}

// New constructs an Autobase. The SystemView is seeded from digest if
// non-nil (a restart/resume), otherwise it starts empty and is populated
// from WithBootstrap (or the local writer alone) on the first advance tick.
func New(ctx context.Context, digest *api.Digest, opts ...Option) (*Autobase, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.viewOpen == nil {
		return nil, fmt.Errorf("autobase: WithViewOpener is required")
	}

	var sigOpts []systemview.Option
	if cfg.checkpointSigner != nil {
		sigOpts = append(sigOpts, systemview.WithSigner(cfg.checkpointSigner))
	}

	var sv *systemview.SystemView
	bootstrapped := false
	if digest != nil {
		sv = systemview.FromDigest(*digest, sigOpts...)
		bootstrapped = true
	} else {
		sv = systemview.New(sigOpts...)
	}

	views, err := view.NewViewStore(cfg.viewOpen, cfg.maxViewSessions)
	if err != nil {
		return nil, fmt.Errorf("autobase: constructing view store: %w", err)
	}

	ab := &Autobase{
		runCtx:       ctx,
		cfg:          cfg,
		writers:      make(map[api.Key]*writer.Writer),
		localKey:     cfg.localKey,
		sysView:      sv,
		views:        views,
		awaiter:      newIndexAwaiter(),
		bootstrapped: bootstrapped,
		throughput:   movingaverage.New(16),
		nodeUpdate:   make(map[*api.Node]*updateBatch),
		localWaiters: make(map[uint64]pendingAppend),
	}
	ab.queue = newAppendQueue(cfg.localAppendBuf, func() { ab.bump() })
	ab.runner = debounce.New(ab.advance)

	if cfg.localLog != nil {
		ab.localWriter = writer.New(cfg.localLog)
		ab.writers[cfg.localKey] = ab.localWriter
	}

	if bootstrapped {
		ab.rebuildFromDigest(*digest)
		if ab.localWriter != nil {
			ab.localFlushed = ab.localWriter.Length()
			if ab.checkpoint.Length > 0 || len(ab.checkpoint.Payload) > 0 {
				ab.haveCheckpoint = true
			}
		}
	} else {
		ab.lin = linearizer.New(nil)
	}

	go ab.runner.Run(ctx)
	ab.bump()

	return ab, nil
}

// bump schedules an advance tick without blocking the caller.
func (ab *Autobase) bump() { ab.runner.Bump() }

// Writable reports whether this Autobase has a local writer registered.
func (ab *Autobase) Writable() bool { return ab.localWriter != nil }

// Append queues one or more values to be published by the local writer on
// the next advance tick. It returns ErrNotWritable if there is no local
// writer. Append blocks until every value's block has actually been flushed
// to the local log (or ctx is done) and returns the first error reported.
func (ab *Autobase) Append(ctx context.Context, values ...[]byte) error {
	if !ab.Writable() {
		return ErrNotWritable
	}
	if ab.isClosed() {
		return ErrClosed
	}
	dones := make([]<-chan error, len(values))
	for i, v := range values {
		dones[i] = ab.queue.push(v)
	}
	ab.bump()
	for _, d := range dones {
		select {
		case err := <-d:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Ack appends a null heartbeat value, advancing the local writer's heads
// without introducing a meaningful payload (spec.md §6).
func (ab *Autobase) Ack(ctx context.Context) error {
	return ab.Append(ctx, nil)
}

// Update pulls remote state for every known writer and, if wait is true,
// blocks until the resulting advance tick completes. full is passed to each
// remote log only as UpdateOptions.Wait; Update itself downloads no block
// range, so full=true does not fetch a writer's whole log.
func (ab *Autobase) Update(ctx context.Context, full, wait bool) error {
	if ab.isClosed() {
		return ErrClosed
	}
	ab.mu.Lock()
	ws := make([]*writer.Writer, 0, len(ab.writers))
	for k, w := range ab.writers {
		if k == ab.localKey {
			continue
		}
		ws = append(ws, w)
	}
	ab.mu.Unlock()

	for _, w := range ws {
		if err := w.PullRemote(ctx, transport.UpdateOptions{Wait: full}); err != nil {
			return fmt.Errorf("autobase: updating writer %s: %w", w.Key(), err)
		}
	}
	if wait {
		return ab.runner.RunOnce(ctx)
	}
	ab.bump()
	return nil
}

// Checkpoint returns the checkpoint with the greatest length among every
// writer this Autobase currently holds a handle to, indexer or not
// (SPEC_FULL.md Part D.3).
func (ab *Autobase) Checkpoint(ctx context.Context, decode func([]byte) (*api.OplogMessage, error)) (api.Checkpoint, error) {
	ab.mu.Lock()
	best := ab.checkpoint
	ws := make([]*writer.Writer, 0, len(ab.writers)+len(ab.removed))
	ws = append(ws, ab.removed...)
	for _, w := range ab.writers {
		ws = append(ws, w)
	}
	ab.mu.Unlock()

	for _, w := range ws {
		cp, ok, err := w.GetCheckpoint(ctx, decode)
		if err != nil {
			return api.Checkpoint{}, err
		}
		if ok && cp.Length > best.Length {
			best = *cp
		}
	}
	return best, nil
}

// Close stops the advance loop, releases every waiter, and closes every
// writer and view transport this Autobase holds a handle to (spec.md §5:
// "in-flight apply and flush must complete or error cleanly before close
// returns" — callers should ensure no advance is racing Close, e.g. by
// calling it only after the owning ctx passed to New has been canceled and
// its Run goroutine has exited).
func (ab *Autobase) Close() error {
	ab.mu.Lock()
	ab.closed = true
	ws := make([]*writer.Writer, 0, len(ab.writers)+len(ab.removed))
	for _, w := range ab.writers {
		ws = append(ws, w)
	}
	ws = append(ws, ab.removed...)
	ab.mu.Unlock()

	ab.awaiter.releaseErr(ErrClosed)

	var firstErr error
	for _, w := range ws {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("autobase: closing writer %s: %w", w.Key(), err)
		}
	}
	if err := ab.views.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	klog.V(1).Info("autobase: closed")
	return firstErr
}

func (ab *Autobase) isClosed() bool {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.closed
}

// AwaitIndexed blocks until the given writer's length has been committed
// by the linearizer, ctx is done, or this Autobase is closed. Useful for
// tests and callers that need to observe a specific append land before
// proceeding, without polling Checkpoint in a loop.
func (ab *Autobase) AwaitIndexed(ctx context.Context, key api.Key, length uint64) error {
	return ab.awaiter.await(ctx, key, length, ab.sysView.IsIndexed)
}

// Writer implements writer.Resolver.
func (ab *Autobase) Writer(key api.Key) (*writer.Writer, bool) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	w, ok := ab.writers[key]
	return w, ok
}

// IsIndexed implements writer.Resolver.
func (ab *Autobase) IsIndexed(key api.Key, length uint64) bool {
	return ab.sysView.IsIndexed(key, length)
}
