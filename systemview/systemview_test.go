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

package systemview

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb/note"

	"github.com/utanapishtim/autobase/api"
)

func key(b byte) api.Key {
	var k api.Key
	k[0] = b
	return k
}

func TestAddWriterKeepsSortedOrderAndRejectsDuplicates(t *testing.T) {
	sv := New()
	require.True(t, sv.AddWriter(key(3)))
	require.True(t, sv.AddWriter(key(1)))
	require.True(t, sv.AddWriter(key(2)))
	require.False(t, sv.AddWriter(key(2)), "re-adding an existing writer is a no-op")

	require.Equal(t, []api.Key{key(1), key(2), key(3)}, sv.Writers())
	require.True(t, sv.Has(key(1)))
	require.False(t, sv.Has(key(9)))
}

func TestRemoveWriterClearsHeadsAndOrder(t *testing.T) {
	sv := New()
	sv.AddWriter(key(1))
	sv.AddWriter(key(2))
	sv.CommitHead(key(1), 5)

	require.True(t, sv.RemoveWriter(key(1)))
	require.False(t, sv.RemoveWriter(key(1)), "removing an absent writer is a no-op")
	require.Equal(t, []api.Key{key(2)}, sv.Writers())
	require.False(t, sv.IsIndexed(key(1), 1), "removed writer's committed heads must be forgotten")
}

func TestCommitHeadIsMonotonic(t *testing.T) {
	sv := New()
	sv.AddWriter(key(1))

	sv.CommitHead(key(1), 5)
	require.True(t, sv.IsIndexed(key(1), 5))
	require.False(t, sv.IsIndexed(key(1), 6))

	sv.CommitHead(key(1), 3)
	require.True(t, sv.IsIndexed(key(1), 5), "a lower commit must not regress the recorded head")
}

func TestDigestRoundTripUnsigned(t *testing.T) {
	sv := New()
	sv.AddWriter(key(2))
	sv.AddWriter(key(1))
	sv.CommitHead(key(1), 4)
	sv.CommitHead(key(2), 9)
	sv.SetCheckpoint(api.Checkpoint{Length: 9, Payload: []byte("cp")})

	d, raw, err := sv.Digest()
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	got, err := ParseDigest(raw)
	require.NoError(t, err)
	require.Equal(t, d, got)

	rebuilt := FromDigest(got)
	require.Equal(t, []api.Key{key(1), key(2)}, rebuilt.Writers())
	require.True(t, rebuilt.IsIndexed(key(1), 4))
	require.True(t, rebuilt.IsIndexed(key(2), 9))
	require.Equal(t, sv.Checkpoint(), rebuilt.Checkpoint())
}

func TestDigestSignedRoundTrip(t *testing.T) {
	sk, vkStr, err := note.GenerateKey(nil, "autobase-test")
	require.NoError(t, err)
	signer, err := note.NewSigner(sk)
	require.NoError(t, err)
	verifier, err := note.NewVerifier(vkStr)
	require.NoError(t, err)

	sv := New(WithSigner(signer))
	sv.AddWriter(key(1))
	sv.CommitHead(key(1), 1)

	_, raw, err := sv.Digest()
	require.NoError(t, err)

	got, err := ParseDigest(raw, verifier)
	require.NoError(t, err)
	require.Equal(t, []api.Head{{Key: key(1), Length: 1}}, got.Writers)

	_, err = ParseDigest(raw)
	require.Error(t, err, "a signed digest must fail verification-free parsing meant for a different verifier set")
}

func TestParseDigestRejectsCorruptInput(t *testing.T) {
	_, err := ParseDigest([]byte{0xff, 0x00, 0x01})
	require.Error(t, err)
}

func TestParseDigestRejectsWrongSigner(t *testing.T) {
	sk, _, err := note.GenerateKey(nil, "autobase-signer")
	require.NoError(t, err)
	signer, err := note.NewSigner(sk)
	require.NoError(t, err)

	_, vkStr, err := note.GenerateKey(nil, "autobase-other")
	require.NoError(t, err)
	other, err := note.NewVerifier(vkStr)
	require.NoError(t, err)

	sv := New(WithSigner(signer))
	sv.AddWriter(key(1))
	_, raw, err := sv.Digest()
	require.NoError(t, err)

	_, err = ParseDigest(raw, other)
	require.Error(t, err)
}
