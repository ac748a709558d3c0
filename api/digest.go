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

package api

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// Digest is the authoritative, persisted state of the SystemView: the
// current indexer set and the heads that were in force at the last
// system-committed point, plus the current checkpoint.
//
// This is what a restarting participant reads to rebuild its writer set
// (spec.md §4.3, §4.5).
type Digest struct {
	Writers    []Head
	Heads      []Head
	Checkpoint Checkpoint
}

// SortWriters orders d.Writers lexicographically by key, so that every
// participant derives the same "primary bootstrap" ordering from the same
// digest (design note: "bootstrap ordering").
func (d *Digest) SortWriters() {
	sort.Slice(d.Writers, func(i, j int) bool { return d.Writers[i].Key.Less(d.Writers[j].Key) })
}

// Marshal encodes the digest with the same length-prefixed binary
// conventions as OplogMessage.
func (d Digest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	writeHeads := func(hs []Head) {
		binary.BigEndian.PutUint32(u32[:], uint32(len(hs)))
		buf.Write(u32[:])
		for _, h := range hs {
			buf.Write(h.Key[:])
			binary.BigEndian.PutUint64(u64[:], h.Length)
			buf.Write(u64[:])
		}
	}
	writeHeads(d.Writers)
	writeHeads(d.Heads)

	binary.BigEndian.PutUint64(u64[:], d.Checkpoint.Length)
	buf.Write(u64[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(d.Checkpoint.Payload)))
	buf.Write(u32[:])
	buf.Write(d.Checkpoint.Payload)

	return buf.Bytes(), nil
}

// Unmarshal decodes raw into d, reversing Marshal.
func (d *Digest) Unmarshal(raw []byte) error {
	r := bytes.NewReader(raw)
	readU32 := func() (uint32, error) {
		var b [4]byte
		if _, err := readFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint32(b[:]), nil
	}
	readU64 := func() (uint64, error) {
		var b [8]byte
		if _, err := readFull(r, b[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(b[:]), nil
	}
	readHeads := func() ([]Head, error) {
		n, err := readU32()
		if err != nil {
			return nil, err
		}
		if uint64(n)*uint64(len(Key{})+8) > uint64(r.Len()) {
			return nil, fmt.Errorf("api: digest claims %d heads, more than the remaining %d bytes hold", n, r.Len())
		}
		out := make([]Head, 0, n)
		for i := uint32(0); i < n; i++ {
			var k Key
			if _, err := readFull(r, k[:]); err != nil {
				return nil, err
			}
			length, err := readU64()
			if err != nil {
				return nil, err
			}
			out = append(out, Head{Key: k, Length: length})
		}
		return out, nil
	}

	writers, err := readHeads()
	if err != nil {
		return fmt.Errorf("api: reading digest writers: %w", err)
	}
	heads, err := readHeads()
	if err != nil {
		return fmt.Errorf("api: reading digest heads: %w", err)
	}
	length, err := readU64()
	if err != nil {
		return fmt.Errorf("api: reading digest checkpoint length: %w", err)
	}
	plen, err := readU32()
	if err != nil {
		return fmt.Errorf("api: reading digest checkpoint payload length: %w", err)
	}
	payload := make([]byte, plen)
	if _, err := readFull(r, payload); err != nil {
		return fmt.Errorf("api: reading digest checkpoint payload: %w", err)
	}

	d.Writers = writers
	d.Heads = heads
	d.Checkpoint = Checkpoint{Length: length, Payload: payload}
	return nil
}
