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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/utanapishtim/autobase/api"
	"github.com/utanapishtim/autobase/internal/memlog"
	"github.com/utanapishtim/autobase/transport"
	"github.com/utanapishtim/autobase/view"
)

func testKey(b byte) api.Key {
	var k api.Key
	k[0] = b
	return k
}

// recordingApply appends each batch entry's raw value to the "default" view
// and additionally records every applied value in a local slice, so tests
// can assert on linearized order directly instead of re-reading the view.
type recordingApply struct {
	mu      sync.Mutex
	applied [][]byte
	calls   int
}

func (r *recordingApply) fn(ctx context.Context, batch []BatchEntry, views *view.ViewStore, base *Autobase) error {
	s, err := views.Get(ctx, "default", view.Options{})
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	for _, e := range batch {
		v, _ := e.Value.([]byte)
		s.Append(v)
		r.applied = append(r.applied, v)
	}
	return nil
}

func (r *recordingApply) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.applied))
	copy(out, r.applied)
	return out
}

func newMemOpener(logs map[string]*memlog.Log) view.Opener {
	return func(_ context.Context, name string, _ view.Options) (view.Core, uint64, error) {
		l, ok := logs[name]
		if !ok {
			l = memlog.New(testKey(1))
			logs[name] = l
		}
		return memlog.NewLocalHandle(l), l.Length(), nil
	}
}

// TestSingleWriterBootstrapAppendIsLinearizedImmediately exercises spec.md
// §8 scenario 1: a lone writer's appends need no causal ordering decision
// and land in the view in submission order.
func TestSingleWriterBootstrapAppendIsLinearizedImmediately(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	localKey := testKey(1)
	localLog := memlog.New(localKey)
	rec := &recordingApply{}
	logs := map[string]*memlog.Log{}

	base, err := New(ctx, nil,
		WithLocalWriter(localKey, memlog.NewLocalHandle(localLog)),
		WithViewOpener(newMemOpener(logs)),
		WithApply(rec.fn),
	)
	require.NoError(t, err)
	defer base.Close()

	require.True(t, base.Writable())
	require.NoError(t, base.Append(ctx, []byte("a"), []byte("b"), []byte("c")))
	require.NoError(t, base.AwaitIndexed(ctx, localKey, 3))

	require.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, rec.snapshot())
	require.True(t, base.IsIndexed(localKey, 3))
}

// TestAppendWithoutLocalWriterFails exercises the read-only orchestrator
// path: without WithLocalWriter, Append/Ack must report ErrNotWritable
// rather than silently discarding the value.
func TestAppendWithoutLocalWriterFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &recordingApply{}
	logs := map[string]*memlog.Log{}
	base, err := New(ctx, nil,
		WithViewOpener(newMemOpener(logs)),
		WithApply(rec.fn),
	)
	require.NoError(t, err)
	defer base.Close()

	require.False(t, base.Writable())
	require.ErrorIs(t, base.Append(ctx, []byte("x")), ErrNotWritable)
	require.ErrorIs(t, base.Ack(ctx), ErrNotWritable)
}

// TestCloseRejectsFurtherAppends exercises spec.md §7: operations called
// after Close must fail cleanly rather than hang or panic.
func TestCloseRejectsFurtherAppends(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	localKey := testKey(2)
	localLog := memlog.New(localKey)
	rec := &recordingApply{}
	logs := map[string]*memlog.Log{}

	base, err := New(ctx, nil,
		WithLocalWriter(localKey, memlog.NewLocalHandle(localLog)),
		WithViewOpener(newMemOpener(logs)),
		WithApply(rec.fn),
	)
	require.NoError(t, err)

	require.NoError(t, base.Append(ctx, []byte("first")))
	require.NoError(t, base.Close())
	require.ErrorIs(t, base.Append(ctx, []byte("after-close")), ErrClosed)
}

// TestCheckpointReflectsGreatestLength exercises the Checkpoint accessor
// (SPEC_FULL.md Part D.3): once a value has been appended and indexed, a
// checkpoint embedding that length must be retrievable.
func TestCheckpointReflectsGreatestLength(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	localKey := testKey(3)
	localLog := memlog.New(localKey)
	rec := &recordingApply{}
	logs := map[string]*memlog.Log{}

	base, err := New(ctx, nil,
		WithLocalWriter(localKey, memlog.NewLocalHandle(localLog)),
		WithViewOpener(newMemOpener(logs)),
		WithApply(rec.fn),
	)
	require.NoError(t, err)
	defer base.Close()

	require.NoError(t, base.Append(ctx, []byte("only")))
	require.NoError(t, base.AwaitIndexed(ctx, localKey, 1))

	decode := func(raw []byte) (*api.OplogMessage, error) {
		var m api.OplogMessage
		if err := m.Unmarshal(raw); err != nil {
			return nil, err
		}
		return &m, nil
	}
	cp, err := base.Checkpoint(ctx, decode)
	require.NoError(t, err)
	require.GreaterOrEqual(t, cp.Length, uint64(1))
}

// TestCommittedOrderPersistsObservedRemoteNodeFirst drives two real writers
// through the orchestrator: B's node y is absorbed into speculative tip
// before A (the smaller-keyed, local writer) appends x, so x records y among
// its heads. Causal order puts y ahead of x even though A's key is smaller,
// and the view log must be persisted in that committed order.
func TestCommittedOrderPersistsObservedRemoteNodeFirst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kA, kB := testKey(1), testKey(2) // A < B
	localLog := memlog.New(kA)
	remoteLog := memlog.New(kB)

	yMsg := api.OplogMessage{Value: []byte("y"), Batch: 1}
	raw, err := yMsg.Marshal()
	require.NoError(t, err)
	remoteLog.Append([][]byte{raw})

	rec := &recordingApply{}
	logs := map[string]*memlog.Log{}

	base, err := New(ctx, nil,
		WithBootstrap(kA, kB),
		WithLocalWriter(kA, memlog.NewLocalHandle(localLog)),
		WithLogOpener(func(_ context.Context, key api.Key) (transport.Log, error) {
			if key == kB {
				return memlog.NewHandle(remoteLog, nil), nil
			}
			return nil, fmt.Errorf("unexpected writer %s", key)
		}),
		WithViewOpener(newMemOpener(logs)),
		WithApply(rec.fn),
	)
	require.NoError(t, err)
	defer base.Close()

	// Force a tick that absorbs B's preexisting remote node into tip before
	// A produces anything of its own.
	require.NoError(t, base.Update(ctx, true, true))

	require.NoError(t, base.Append(ctx, []byte("x")))
	require.NoError(t, base.AwaitIndexed(ctx, kA, 1))
	require.NoError(t, base.AwaitIndexed(ctx, kB, 1))

	h := memlog.NewHandle(logs["default"], nil)
	b0, err := h.Get(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("y"), b0, "x observed y when it was appended, so y precedes x in committed order and is persisted first")
	b1, err := h.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), b1)
}

// failNTimesApply errors on the first n calls, then delegates to fn.
type failNTimesApply struct {
	mu       sync.Mutex
	failLeft int
	fn       func(ctx context.Context, batch []BatchEntry, views *view.ViewStore, base *Autobase) error
}

func (f *failNTimesApply) call(ctx context.Context, batch []BatchEntry, views *view.ViewStore, base *Autobase) error {
	f.mu.Lock()
	if f.failLeft > 0 {
		f.failLeft--
		f.mu.Unlock()
		return fmt.Errorf("injected apply failure")
	}
	f.mu.Unlock()
	return f.fn(ctx, batch, views, base)
}

// TestDirectlyIndexedApplyFailureIsRetried guards against a node that never
// passes through Tip (the common single-writer-bootstrap path) being
// silently dropped when its apply handler fails: the batch must reappear on
// a later successful tick rather than vanish once the linearizer has
// decided its position is fixed.
func TestDirectlyIndexedApplyFailureIsRetried(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	localKey := testKey(1)
	localLog := memlog.New(localKey)
	rec := &recordingApply{}
	logs := map[string]*memlog.Log{}
	failing := &failNTimesApply{failLeft: 2, fn: rec.fn}

	base, err := New(ctx, nil,
		WithLocalWriter(localKey, memlog.NewLocalHandle(localLog)),
		WithViewOpener(newMemOpener(logs)),
		WithApply(failing.call),
	)
	require.NoError(t, err)
	defer base.Close()

	appendErr := make(chan error, 1)
	go func() { appendErr <- base.Append(ctx, []byte("only")) }()

	// The first two advance ticks fail to apply; the batch must not be
	// marked indexed on either, so repeated bumps eventually retry it from
	// scratch and succeed.
	require.Eventually(t, func() bool {
		_ = base.Update(ctx, false, false)
		return base.IsIndexed(localKey, 1)
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case err := <-appendErr:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Append never resolved after a successful retry")
	}

	require.Equal(t, [][]byte{[]byte("only")}, rec.snapshot())
}
