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
)

// Checkpoint is the resumption record stamped into a local writer's log: the
// length it commits to, plus an opaque payload (typically a serialized,
// optionally signed, SystemView digest).
type Checkpoint struct {
	Length  uint64
	Payload []byte
}

// OplogMessage is the on-the-wire shape of one block in the local writer's
// log, as described in spec.md §6. checkpointer is the hop count back to the
// nearest preceding block that carries a Checkpoint; it is zero iff this
// block carries one itself.
type OplogMessage struct {
	Value        []byte
	Heads        []Head
	Batch        uint32
	Checkpointer uint32
	Checkpoint   *Checkpoint // nil unless Checkpointer == 0
}

// Marshal encodes m using a length-prefixed binary layout: fixed-width
// integer fields followed by length-prefixed variable ones. The payload
// interpretation of Value itself is left to the caller's value encoding.
func (m OplogMessage) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.BigEndian.PutUint32(u32[:], m.Batch)
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], m.Checkpointer)
	buf.Write(u32[:])

	if m.Checkpointer == 0 {
		if m.Checkpoint == nil {
			return nil, fmt.Errorf("api: checkpointer == 0 requires a Checkpoint")
		}
		buf.WriteByte(1)
		binary.BigEndian.PutUint64(u64[:], m.Checkpoint.Length)
		buf.Write(u64[:])
		binary.BigEndian.PutUint32(u32[:], uint32(len(m.Checkpoint.Payload)))
		buf.Write(u32[:])
		buf.Write(m.Checkpoint.Payload)
	} else {
		if m.Checkpoint != nil {
			return nil, fmt.Errorf("api: checkpointer != 0 must not carry a Checkpoint")
		}
		buf.WriteByte(0)
	}

	binary.BigEndian.PutUint32(u32[:], uint32(len(m.Heads)))
	buf.Write(u32[:])
	for _, h := range m.Heads {
		buf.Write(h.Key[:])
		binary.BigEndian.PutUint64(u64[:], h.Length)
		buf.Write(u64[:])
	}

	binary.BigEndian.PutUint32(u32[:], uint32(len(m.Value)))
	buf.Write(u32[:])
	buf.Write(m.Value)

	return buf.Bytes(), nil
}

// Unmarshal decodes raw into m, reversing Marshal.
func (m *OplogMessage) Unmarshal(raw []byte) error {
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

	batch, err := readU32()
	if err != nil {
		return fmt.Errorf("api: reading batch: %w", err)
	}
	checkpointer, err := readU32()
	if err != nil {
		return fmt.Errorf("api: reading checkpointer: %w", err)
	}
	hasCP, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("api: reading checkpoint flag: %w", err)
	}
	var cp *Checkpoint
	switch hasCP {
	case 1:
		if checkpointer != 0 {
			return fmt.Errorf("api: checkpoint present but checkpointer %d != 0", checkpointer)
		}
		length, err := readU64()
		if err != nil {
			return fmt.Errorf("api: reading checkpoint length: %w", err)
		}
		plen, err := readU32()
		if err != nil {
			return fmt.Errorf("api: reading checkpoint payload length: %w", err)
		}
		payload := make([]byte, plen)
		if _, err := readFull(r, payload); err != nil {
			return fmt.Errorf("api: reading checkpoint payload: %w", err)
		}
		cp = &Checkpoint{Length: length, Payload: payload}
	case 0:
		if checkpointer == 0 {
			return fmt.Errorf("api: checkpointer == 0 but no checkpoint present")
		}
	default:
		return fmt.Errorf("api: invalid checkpoint flag %d", hasCP)
	}

	nHeads, err := readU32()
	if err != nil {
		return fmt.Errorf("api: reading heads count: %w", err)
	}
	heads := make([]Head, 0, nHeads)
	for i := uint32(0); i < nHeads; i++ {
		var k Key
		if _, err := readFull(r, k[:]); err != nil {
			return fmt.Errorf("api: reading head key %d: %w", i, err)
		}
		length, err := readU64()
		if err != nil {
			return fmt.Errorf("api: reading head length %d: %w", i, err)
		}
		heads = append(heads, Head{Key: k, Length: length})
	}

	vlen, err := readU32()
	if err != nil {
		return fmt.Errorf("api: reading value length: %w", err)
	}
	value := make([]byte, vlen)
	if _, err := readFull(r, value); err != nil {
		return fmt.Errorf("api: reading value: %w", err)
	}

	m.Batch = batch
	m.Checkpointer = checkpointer
	m.Checkpoint = cp
	m.Heads = heads
	m.Value = value
	return nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		k, err := r.Read(b[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
