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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestOplogMessageRoundTripWithCheckpoint(t *testing.T) {
	want := OplogMessage{
		Value:        []byte("hello"),
		Heads:        []Head{{Key: key(1), Length: 3}, {Key: key(2), Length: 7}},
		Batch:        2,
		Checkpointer: 0,
		Checkpoint:   &Checkpoint{Length: 42, Payload: []byte("digest-bytes")},
	}

	raw, err := want.Marshal()
	require.NoError(t, err)

	var got OplogMessage
	require.NoError(t, got.Unmarshal(raw))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestOplogMessageRoundTripWithoutCheckpoint(t *testing.T) {
	want := OplogMessage{
		Value:        []byte("world"),
		Heads:        nil,
		Batch:        1,
		Checkpointer: 5,
	}

	raw, err := want.Marshal()
	require.NoError(t, err)

	var got OplogMessage
	require.NoError(t, got.Unmarshal(raw))

	require.Equal(t, want.Value, got.Value)
	require.Equal(t, want.Batch, got.Batch)
	require.Equal(t, want.Checkpointer, got.Checkpointer)
	require.Nil(t, got.Checkpoint)
}

func TestOplogMessageMarshalRejectsInconsistentCheckpointer(t *testing.T) {
	_, err := OplogMessage{Checkpointer: 0, Checkpoint: nil}.Marshal()
	require.Error(t, err)

	_, err = OplogMessage{Checkpointer: 1, Checkpoint: &Checkpoint{}}.Marshal()
	require.Error(t, err)
}

func TestOplogMessageUnmarshalRejectsTruncatedInput(t *testing.T) {
	var m OplogMessage
	require.Error(t, m.Unmarshal([]byte{0, 0, 0}))
}
