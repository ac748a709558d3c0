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

// autobasectl is a small demonstration binary for the autobase engine: it
// wires a single local writer, backed by the in-memory memlog transport
// (spec.md §6 names the real transport an external collaborator), over a
// single "default" view that records values in linearized order. It exists
// to exercise the engine end to end from the command line, not as a
// production deployment of the system described in spec.md.
package main

import (
	"os"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	if err := rootCmd().Execute(); err != nil {
		klog.Errorf("autobasectl: %v", err)
		os.Exit(1)
	}
}
