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

// Package debounce implements the single-in-flight, dirty-flag-driven
// advance loop described in spec.md §5 and design note "event-driven core
// under cooperative concurrency": every Bump sets a dirty flag and wakes
// the runner; while a run is in progress, further bumps simply leave the
// flag set so it collapses into exactly one re-run after completion.
package debounce

import (
	"context"
	"sync"
)

// Runner debounces repeated calls to Bump into a single in-flight
// invocation of fn, with at most one additional queued re-run.
type Runner struct {
	fn   func(ctx context.Context) error
	fnMu sync.Mutex // held for every call of fn

	mu      sync.Mutex
	dirty   bool
	running bool
	wake    chan struct{}

	lastErr error
}

// New constructs a Runner around fn. fn is never called concurrently with
// itself.
func New(fn func(ctx context.Context) error) *Runner {
	return &Runner{fn: fn, wake: make(chan struct{}, 1)}
}

// Bump requests that fn run at least once more. If a run is already in
// flight, this collapses into the single pending re-run guaranteed by the
// debounce contract; it never queues more than one.
func (r *Runner) Bump() {
	r.mu.Lock()
	r.dirty = true
	running := r.running
	r.mu.Unlock()

	if !running {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Run drives the debounce loop until ctx is done. It is expected to run for
// the lifetime of the owning orchestrator in its own goroutine.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}
		r.drain(ctx)
	}
}

func (r *Runner) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		if !r.dirty {
			r.running = false
			r.mu.Unlock()
			return
		}
		r.dirty = false
		r.running = true
		r.mu.Unlock()

		r.fnMu.Lock()
		err := r.fn(ctx)
		r.fnMu.Unlock()

		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
	}
}

// LastErr returns the error from the most recently completed run, if any.
// A failed run does not stop the loop: drain only records the error here,
// and the next Bump runs fn again.
func (r *Runner) LastErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// RunOnce synchronously executes fn exactly once, bypassing the
// wake-channel scheduling. Used by tests and by Autobase.Update, which
// needs a synchronous advance rather than a fire-and-forget bump. It waits
// for a run already in progress to finish first, so calling it from inside
// fn blocks forever; a Bump made while it runs wakes the loop afterwards.
func (r *Runner) RunOnce(ctx context.Context) error {
	r.fnMu.Lock()
	defer r.fnMu.Unlock()

	r.mu.Lock()
	r.dirty = false
	r.running = true
	r.mu.Unlock()

	err := r.fn(ctx)

	r.mu.Lock()
	r.running = false
	r.lastErr = err
	dirty := r.dirty
	r.mu.Unlock()
	if dirty {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	return err
}
