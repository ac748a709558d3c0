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

	"golang.org/x/mod/sumdb/note"

	"github.com/utanapishtim/autobase/api"
	"github.com/utanapishtim/autobase/systemview"
	"github.com/utanapishtim/autobase/transport"
	"github.com/utanapishtim/autobase/view"
)

// BatchEntry is one node handed to the Apply handler, per spec.md §6
// ("apply is called once per batch with an array of
// {indexed, from, length, value, heads}").
type BatchEntry struct {
	// Indexed is true if this node is already committed (replayed from
	// the indexed region rather than freshly linearized).
	Indexed bool
	// From is the producing writer's key.
	From api.Key
	// Length is the writer-local sequence number.
	Length uint64
	// Value is the opaque payload, already passed through ValueEncoding's
	// Decode.
	Value any
	// Heads are the writer heads this node observed when produced.
	Heads []api.Head
}

// ValueEncoding converts between the opaque on-log bytes and the
// application-level value type passed to Apply. A nil ValueEncoding is
// treated as a byte-identity encoding.
type ValueEncoding interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// ApplyFunc runs the user's view transformation over one atomic batch. It
// must only append to views via the supplied ViewStore sessions, and only
// for the duration of this call (spec.md §7, apply-violation).
type ApplyFunc func(ctx context.Context, batch []BatchEntry, views *view.ViewStore, base *Autobase) error

// OpenFunc constructs the user's view object once, given the ViewStore.
// Most applications do not need this (they call view.Get directly inside
// Apply); it exists for parity with spec.md §6's constructor contract.
type OpenFunc func(views *view.ViewStore, base *Autobase) (any, error)

// Option configures an Autobase at construction.
type Option func(*config)

type config struct {
	valueEncoding ValueEncoding
	apply         ApplyFunc
	open          OpenFunc
	sparse        bool

	bootstrap []api.Key
	viewOpen  view.Opener

	localKey api.Key
	localLog transport.LocalLog
	logOpen  func(ctx context.Context, key api.Key) (transport.Log, error)

	checkpointSigner   *note.Signer
	checkpointVerifier note.Verifier

	maxViewSessions int
	localAppendBuf  int
}

func defaultConfig() *config {
	return &config{
		maxViewSessions: 128,
		localAppendBuf:  256,
	}
}

// WithValueEncoding sets the codec used to translate between on-log bytes
// and the value type seen by Apply.
func WithValueEncoding(enc ValueEncoding) Option {
	return func(c *config) { c.valueEncoding = enc }
}

// WithApply sets the user's batch-apply handler.
func WithApply(fn ApplyFunc) Option {
	return func(c *config) { c.apply = fn }
}

// WithOpen sets the user's view-construction handler.
func WithOpen(fn OpenFunc) Option {
	return func(c *config) { c.open = fn }
}

// WithSparse toggles the sparse replication flag, passed through to
// view.Opener calls as view.Options.Sparse. It carries no other behavior
// here: the replication policy itself is an external transport concern
// (spec.md §1 Non-goals).
func WithSparse(sparse bool) Option {
	return func(c *config) { c.sparse = sparse }
}

// WithBootstrap sets the initial indexer set used the first time this
// Autobase's SystemView is bootstrapped (i.e. there is no prior digest).
// Keys are sorted internally (design note "bootstrap ordering").
func WithBootstrap(keys ...api.Key) Option {
	return func(c *config) { c.bootstrap = append([]api.Key(nil), keys...) }
}

// WithViewOpener sets the Opener used by the internal ViewStore to realize
// named views, including the distinguished "_system" view.
func WithViewOpener(open view.Opener) Option {
	return func(c *config) { c.viewOpen = open }
}

// WithLocalWriter registers this process as a local writer, identified by
// key and backed by log. Without this option the resulting Autobase is
// read-only: Append/Ack return ErrNotWritable.
func WithLocalWriter(key api.Key, log transport.LocalLog) Option {
	return func(c *config) {
		c.localKey = key
		c.localLog = log
	}
}

// WithLogOpener sets the factory used to open a transport.Log for a writer
// newly discovered via bootstrap or a SystemView add_writer event.
func WithLogOpener(open func(ctx context.Context, key api.Key) (transport.Log, error)) Option {
	return func(c *config) { c.logOpen = open }
}

// WithCheckpointSigner causes the SystemView digest to be countersigned,
// grounded in the teacher's identically named log.go option.
func WithCheckpointSigner(signer *note.Signer) Option {
	return func(c *config) { c.checkpointSigner = signer }
}

// WithCheckpointVerifier sets the verifier checked by ParseDigest when a
// caller loads a persisted checkpoint before resuming with New. It carries
// no behavior on the Autobase itself; New takes an already-parsed Digest.
func WithCheckpointVerifier(verifier note.Verifier) Option {
	return func(c *config) { c.checkpointVerifier = verifier }
}

// ParseDigest decodes raw, as returned by a prior Checkpoint call, back into
// an api.Digest suitable for New's digest argument. If verifier is non-nil,
// raw must verify as a note signed by it; a failed verification is reported
// as an error rather than a panic, since a corrupted digest is fatal to
// trust but not to the process (spec.md §7).
func ParseDigest(raw []byte, verifier note.Verifier) (api.Digest, error) {
	var (
		d   api.Digest
		err error
	)
	if verifier == nil {
		d, err = systemview.ParseDigest(raw)
	} else {
		d, err = systemview.ParseDigest(raw, verifier)
	}
	if err != nil {
		return api.Digest{}, fmt.Errorf("%w: %v", ErrDigestCorrupt, err)
	}
	return d, nil
}

// WithMaxViewSessions bounds the number of concurrently cached view
// sessions (see view.NewViewStore).
func WithMaxViewSessions(n int) Option {
	return func(c *config) { c.maxViewSessions = n }
}

// WithLocalAppendBuffer sets the capacity of the queue batching local
// Append calls between advance ticks.
func WithLocalAppendBuffer(n int) Option {
	return func(c *config) { c.localAppendBuf = n }
}
