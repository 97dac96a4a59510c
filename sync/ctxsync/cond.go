// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
)

// Cond is a context-aware condition variable, analogous to sync.Cond
// but with a Wait that can be interrupted by a context.
//
// Unlike sync.Cond, a Cond's Locker must be a *sync.Mutex; this lets
// Wait release and reacquire the lock without requiring the Locker
// interface to expose a condition-variable-compatible primitive.
type Cond struct {
	L *sync.Mutex

	mu  sync.Mutex
	chs []chan struct{}
}

// NewCond returns a new Cond guarded by l.
func NewCond(l *sync.Mutex) *Cond {
	return &Cond{L: l}
}

// Wait releases c.L, waits for a Broadcast, and reacquires c.L before
// returning. The caller must hold c.L when calling Wait.
//
// If ctx is done before a Broadcast occurs, Wait reacquires c.L and
// returns ctx.Err(); the Wait does not observe the broadcast it may
// have raced with.
func (c *Cond) Wait(ctx context.Context) error {
	c.mu.Lock()
	ch := make(chan struct{})
	c.chs = append(c.chs, ch)
	c.mu.Unlock()

	c.L.Unlock()
	defer c.L.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast wakes all goroutines currently blocked in Wait. It is
// legal, but not required, to call Broadcast while holding c.L.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	chs := c.chs
	c.chs = nil
	c.mu.Unlock()
	for _, ch := range chs {
		close(ch)
	}
}
