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

// Package transport describes the contract that the underlying append-only
// log implementation must meet for a writer's log (spec.md §6). The actual
// persistence, replication, hashing, and network delivery are external
// collaborators: this package only pins down the interface the rest of the
// module is built against.
package transport

import (
	"context"

	"github.com/utanapishtim/autobase/api"
)

// Log is the read-only view of one writer's append-only log, as consumed by
// the engine. Implementations are expected to be backed by a real
// append-only-log transport (e.g. a hypercore-style replicated log); this
// module treats that transport as opaque.
type Log interface {
	// Key returns the stable public key identifying this log's writer.
	Key() api.Key

	// Length returns the number of blocks currently known to exist in the
	// log, whether or not they have been downloaded locally.
	Length(ctx context.Context) (uint64, error)

	// Has reports whether the block at the given 0-based offset is
	// available locally.
	Has(ctx context.Context, seq uint64) (bool, error)

	// Get fetches and returns the raw block at the given 0-based offset.
	// Implementations may need to download the block first; Get should
	// block until it is available or ctx is done.
	Get(ctx context.Context, seq uint64) ([]byte, error)

	// Update refreshes this log's view of the remote writer's length,
	// e.g. by requesting the latest state from peers. opts is
	// implementation-defined (sparse vs. full replication, etc).
	Update(ctx context.Context, opts UpdateOptions) error

	// Download requests that the half-open range [start, end) of blocks be
	// fetched and stored locally ahead of being Get.
	Download(ctx context.Context, start, end uint64) error

	// Notify returns a channel that receives a value every time new blocks
	// become available on this log, whether from a local Append or a
	// remote peer. The channel is never closed by the log.
	Notify() <-chan struct{}
}

// UpdateOptions configures a Log.Update call.
type UpdateOptions struct {
	// Wait, if true, blocks until at least one new block is observed or
	// ctx is done.
	Wait bool
}

// LocalLog is the read-write view held by the single local writer: it can
// additionally append new blocks.
type LocalLog interface {
	Log

	// Append durably appends blocks to the log, in order, returning once
	// they are stored. The caller is expected to have already assigned
	// batch semantics (the entries are not further split or merged).
	Append(ctx context.Context, blocks [][]byte) error
}
