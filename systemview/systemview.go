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

// Package systemview implements the distinguished materialized view that
// records authoritative writer membership and the last system-committed
// heads (spec.md §4.3). It is the one view every participant reads first on
// startup: its digest is the ground truth for rebuilding the writer set.
package systemview

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/mod/sumdb/note"

	"github.com/utanapishtim/autobase/api"
)

// SystemView tracks the current indexer set and the heads that were in
// force at the last flush, plus the checkpoint of the most recent flush.
type SystemView struct {
	writers map[api.Key]uint64
	heads   map[api.Key]uint64
	order   []api.Key // writers, kept sorted by key (bootstrap ordering)

	checkpoint api.Checkpoint

	signer *note.Signer
}

// Option configures a SystemView at construction.
type Option func(*SystemView)

// WithSigner causes Digest to be countersigned with signer, so a restarting
// participant can detect a corrupted or tampered digest before trusting it
// as a restart point (SPEC_FULL.md Part C).
func WithSigner(signer *note.Signer) Option {
	return func(sv *SystemView) { sv.signer = signer }
}

// New constructs an empty SystemView. Bootstrap writers are added via
// AddWriter once the orchestrator knows its bootstrap list.
func New(opts ...Option) *SystemView {
	sv := &SystemView{
		writers: make(map[api.Key]uint64),
		heads:   make(map[api.Key]uint64),
	}
	for _, o := range opts {
		o(sv)
	}
	return sv
}

// FromDigest rebuilds a SystemView from a previously flushed digest, as
// happens on restart or process startup (spec.md §4.5).
func FromDigest(d api.Digest, opts ...Option) *SystemView {
	sv := New(opts...)
	for _, w := range d.Writers {
		sv.AddWriter(w.Key)
		sv.writers[w.Key] = w.Length
	}
	for _, h := range d.Heads {
		sv.heads[h.Key] = h.Length
	}
	sv.checkpoint = d.Checkpoint
	return sv
}

// AddWriter adds key to the indexer set if not already present, keeping the
// writer order sorted lexicographically (design note: "bootstrap
// ordering"). Returns true if this call actually changed membership.
func (sv *SystemView) AddWriter(key api.Key) bool {
	if _, ok := sv.writers[key]; ok {
		return false
	}
	sv.writers[key] = 0
	sv.order = append(sv.order, key)
	sort.Slice(sv.order, func(i, j int) bool { return sv.order[i].Less(sv.order[j]) })
	return true
}

// RemoveWriter removes key from the indexer set. Returns true if this call
// actually changed membership. The caller is responsible for draining any
// in-flight Update referencing the writer before closing its transport
// (spec.md §8 scenario 6).
func (sv *SystemView) RemoveWriter(key api.Key) bool {
	if _, ok := sv.writers[key]; !ok {
		return false
	}
	delete(sv.writers, key)
	delete(sv.heads, key)
	for i, k := range sv.order {
		if k == key {
			sv.order = append(sv.order[:i], sv.order[i+1:]...)
			break
		}
	}
	return true
}

// Writers returns the current indexer set, sorted by key.
func (sv *SystemView) Writers() []api.Key {
	out := make([]api.Key, len(sv.order))
	copy(out, sv.order)
	return out
}

// Has reports whether key is a current indexer.
func (sv *SystemView) Has(key api.Key) bool {
	_, ok := sv.writers[key]
	return ok
}

// IsIndexed reports whether length has already been committed for the given
// writer, per the last flushed heads. Writers consult this to prune clocks
// (spec.md §4.3).
func (sv *SystemView) IsIndexed(key api.Key, length uint64) bool {
	return sv.heads[key] >= length
}

// CommitHead records that writer has been indexed up to length. Called by
// the orchestrator as nodes cross from tip into the indexed prefix.
func (sv *SystemView) CommitHead(key api.Key, length uint64) {
	if length > sv.heads[key] {
		sv.heads[key] = length
	}
	if cur, ok := sv.writers[key]; ok && length > cur {
		sv.writers[key] = length
	}
}

// SetCheckpoint records the checkpoint to be returned by Checkpoint and
// persisted in the next Digest.
func (sv *SystemView) SetCheckpoint(cp api.Checkpoint) { sv.checkpoint = cp }

// Checkpoint returns the most recently set checkpoint.
func (sv *SystemView) Checkpoint() api.Checkpoint { return sv.checkpoint }

// Digest renders the current state as the persisted, authoritative digest
// (spec.md §3, §6). If a signer was configured, the returned bytes are a
// countersigned note whose text is the base64 form of the raw digest
// encoding.
func (sv *SystemView) Digest() (api.Digest, []byte, error) {
	d := api.Digest{
		Checkpoint: sv.checkpoint,
	}
	for _, k := range sv.order {
		d.Writers = append(d.Writers, api.Head{Key: k, Length: sv.writers[k]})
	}
	for k, l := range sv.heads {
		d.Heads = append(d.Heads, api.Head{Key: k, Length: l})
	}
	d.SortWriters()
	sort.Slice(d.Heads, func(i, j int) bool { return d.Heads[i].Key.Less(d.Heads[j].Key) })

	raw, err := d.Marshal()
	if err != nil {
		return api.Digest{}, nil, fmt.Errorf("systemview: marshaling digest: %w", err)
	}
	if sv.signer == nil {
		return d, raw, nil
	}
	text := base64.StdEncoding.EncodeToString(raw) + "\n"
	signed, err := note.Sign(&note.Note{Text: text}, sv.signer)
	if err != nil {
		return api.Digest{}, nil, fmt.Errorf("systemview: signing digest: %w", err)
	}
	return d, []byte(signed), nil
}

// ParseDigest decodes raw (as produced by Digest) back into an api.Digest.
// If verifiers is non-empty, raw is first required to verify as a note
// signed by one of them; a failed verification is reported as a fatal
// error, matching spec.md §7's "corruption in the SystemView digest is
// fatal" rule.
func ParseDigest(raw []byte, verifiers ...note.Verifier) (api.Digest, error) {
	body := raw
	if len(verifiers) > 0 {
		vs := note.VerifierList(verifiers...)
		n, err := note.Open(raw, vs)
		if err != nil {
			return api.Digest{}, fmt.Errorf("systemview: digest failed signature verification: %w", err)
		}
		body, err = base64.StdEncoding.DecodeString(strings.TrimSuffix(n.Text, "\n"))
		if err != nil {
			return api.Digest{}, fmt.Errorf("systemview: corrupt digest: %w", err)
		}
	}
	var d api.Digest
	if err := d.Unmarshal(body); err != nil {
		return api.Digest{}, fmt.Errorf("systemview: corrupt digest: %w", err)
	}
	return d, nil
}
