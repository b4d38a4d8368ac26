/*
 * Copyright 2025 SafeIPC Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package ipc

import (
	"context"
	"sync"
)

// callbackGuard tracks user callbacks executing outside the connection
// lock. User code may call back into the connection while a callback runs,
// but the connection must not be torn down until the guard is idle;
// waitUntilIdle gives teardown code an async-safe primitive for that.
type callbackGuard struct {
	mu     sync.Mutex
	active int
	idleCh chan struct{} // non-nil while active > 0; closed on idle
}

func (g *callbackGuard) enter() {
	g.mu.Lock()
	if g.active == 0 {
		g.idleCh = make(chan struct{})
	}
	g.active++
	g.mu.Unlock()
}

func (g *callbackGuard) exit() {
	g.mu.Lock()
	g.active--
	if g.active == 0 && g.idleCh != nil {
		close(g.idleCh)
		g.idleCh = nil
	}
	g.mu.Unlock()
}

// inUse reports whether a callback is currently executing.
func (g *callbackGuard) inUse() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active > 0
}

// waitUntilIdle blocks until no callback is executing or ctx is done. A
// fresh callback entering after the snapshot does not restart the wait.
func (g *callbackGuard) waitUntilIdle(ctx context.Context) error {
	g.mu.Lock()
	ch := g.idleCh
	g.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
