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

func key(b byte) Key {
	var k Key
	k[0] = b
	return k
}

func TestKeyLess(t *testing.T) {
	require.True(t, key(1).Less(key(2)))
	require.False(t, key(2).Less(key(1)))
	require.False(t, key(1).Less(key(1)))
}

func TestKeyIsZero(t *testing.T) {
	require.True(t, Key{}.IsZero())
	require.False(t, key(1).IsZero())
}

func TestClockMergeCap(t *testing.T) {
	c := Clock{key(1): 3}
	o := Clock{key(1): 5, key(2): 2}

	c.MergeCap(o, func(k Key) (uint64, bool) {
		if k == key(1) {
			return 4, true // cap writer 1 at 4, even though o says 5
		}
		return 0, false
	})

	want := Clock{key(1): 4, key(2): 2}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("MergeCap mismatch (-want +got):\n%s", diff)
	}
}

func TestClockDropIndexed(t *testing.T) {
	c := Clock{key(1): 3, key(2): 5}
	c.DropIndexed(func(k Key, l uint64) bool {
		return k == key(1) && l <= 3
	})
	want := Clock{key(2): 5}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("DropIndexed mismatch (-want +got):\n%s", diff)
	}
}

func TestClockCloneIsIndependent(t *testing.T) {
	c := Clock{key(1): 1}
	clone := c.Clone()
	clone[key(1)] = 2
	require.Equal(t, uint64(1), c[key(1)])
	require.Nil(t, Clock(nil).Clone())
}

func TestNodeIsBatchEnd(t *testing.T) {
	require.True(t, (&Node{Batch: 1}).IsBatchEnd())
	require.True(t, (&Node{Batch: 0}).IsBatchEnd())
	require.False(t, (&Node{Batch: 2}).IsBatchEnd())
}

func TestNodeRemoveHeadAt(t *testing.T) {
	n := &Node{Heads: []Head{{Key: key(1)}, {Key: key(2)}, {Key: key(3)}}}
	n.RemoveHeadAt(0)
	require.Len(t, n.Heads, 2)
	// swap-and-pop: index 0 now holds what was the last element.
	require.Equal(t, key(3), n.Heads[0].Key)
	require.Equal(t, key(2), n.Heads[1].Key)
}
