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

import "testing"

func TestIdentityOfIsStableAndContentAddressed(t *testing.T) {
	a := identityOf([]byte("hello"))
	b := identityOf([]byte("hello"))
	c := identityOf([]byte("world"))

	if string(a) != string(b) {
		t.Fatalf("identityOf not deterministic: %x != %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("identityOf collided for distinct values")
	}
}
