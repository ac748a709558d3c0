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

import "errors"

// Sentinel errors for the error kinds named in spec.md §7, following the
// teacher's log.go package-scope sentinel pattern (ErrPushback,
// ErrNoMoreEntries).
var (
	// ErrNotWritable is returned by Append/Ack when this Autobase has no
	// local writer registered.
	ErrNotWritable = errors.New("autobase: not writable: no local writer")

	// ErrApplyViolation is returned when a system-view add/remove-writer
	// call (AddWriter, RemoveWriter) is attempted outside an active apply
	// call. A view Session's Append is not checked and never returns it.
	ErrApplyViolation = errors.New("autobase: view appended outside an active apply call")

	// ErrDigestCorrupt is returned when the SystemView digest fails to
	// parse or fails signature verification. This is fatal: spec.md §7
	// names SystemView digest corruption as having no recovery path.
	ErrDigestCorrupt = errors.New("autobase: system view digest is corrupt")

	// ErrClosed is returned by any public operation called after Close.
	ErrClosed = errors.New("autobase: closed")

	// ErrTooManyPending is returned by Append/Ack when the local append
	// queue already holds four times its configured capacity
	// (WithLocalAppendBuffer) in unpublished values, the teacher's
	// ErrPushback equivalent for this
	// module's local queue rather than its storage integration backlog.
	ErrTooManyPending = errors.New("autobase: too many pending local appends")
)
