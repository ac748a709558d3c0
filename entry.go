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

import "github.com/transparency-dev/merkle/rfc6962"

// identityOf returns a content hash of value, used only to dedupe repeated
// local Append/Ack calls queued between advance ticks. It plays no role in
// linearization: two nodes with the same identity are still distinct DAG
// vertices once appended.
func identityOf(value []byte) []byte {
	return rfc6962.DefaultHasher.HashLeaf(value)
}
