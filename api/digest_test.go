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

func TestDigestRoundTrip(t *testing.T) {
	want := Digest{
		Writers:    []Head{{Key: key(2), Length: 9}, {Key: key(1), Length: 4}},
		Heads:      []Head{{Key: key(1), Length: 4}},
		Checkpoint: Checkpoint{Length: 9, Payload: []byte("sig")},
	}

	raw, err := want.Marshal()
	require.NoError(t, err)

	var got Digest
	require.NoError(t, got.Unmarshal(raw))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDigestSortWriters(t *testing.T) {
	d := Digest{Writers: []Head{{Key: key(3)}, {Key: key(1)}, {Key: key(2)}}}
	d.SortWriters()
	require.Equal(t, []Key{key(1), key(2), key(3)}, []Key{d.Writers[0].Key, d.Writers[1].Key, d.Writers[2].Key})
}
