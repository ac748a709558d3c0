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

import (
	"container/list"
	"context"
	"sync"

	"github.com/utanapishtim/autobase/api"
)

// indexAwaiter lets callers block until a given (writer, length) pair has
// been committed by the linearizer, without polling. The advance loop
// releases waiters directly as writer heads are committed, rather than
// polling a checkpoint on a timer: the debounced advance loop already runs
// whenever there is progress to observe, so a push release is strictly
// cheaper here than the teacher's poll loop.
type indexAwaiter struct {
	mu      sync.Mutex
	waiters *list.List // of *indexWaiter
}

type indexWaiter struct {
	key    api.Key
	length uint64
	done   chan error
}

func newIndexAwaiter() *indexAwaiter {
	return &indexAwaiter{waiters: list.New()}
}

// await blocks until key has been indexed up to at least length, ctx is
// done, or release is called with an error.
func (a *indexAwaiter) await(ctx context.Context, key api.Key, length uint64, isIndexed func(api.Key, uint64) bool) error {
	if isIndexed(key, length) {
		return nil
	}
	w := &indexWaiter{key: key, length: length, done: make(chan error, 1)}
	a.mu.Lock()
	el := a.waiters.PushBack(w)
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		a.mu.Lock()
		a.waiters.Remove(el)
		a.mu.Unlock()
		return ctx.Err()
	case err := <-w.done:
		return err
	}
}

// release wakes every waiter whose (key, length) requirement is now
// satisfied according to isIndexed. Called by the advance loop after each
// tick that commits new heads.
func (a *indexAwaiter) release(isIndexed func(api.Key, uint64) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for e := a.waiters.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*indexWaiter)
		if isIndexed(w.key, w.length) {
			w.done <- nil
			close(w.done)
			a.waiters.Remove(e)
		}
		e = next
	}
}

// releaseErr wakes every waiter with err. Autobase.Close uses it to release
// all waiters with ErrClosed.
func (a *indexAwaiter) releaseErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for e := a.waiters.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*indexWaiter)
		w.done <- err
		close(w.done)
		a.waiters.Remove(e)
		e = next
	}
}
