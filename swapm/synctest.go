// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package swapm

import (
	"context"
	"fmt"
	"sync"
)

// synthetic implements Comm over in-process channels, for testing
// Exchange and Gather without a real message-passing transport.
// Messages are matched by (peer, tag): Recv blocks until a Send from
// that peer with that tag arrives.
type synthetic struct {
	rank, size int
	router     *router
}

// NewSynthetic returns a group of size Comm values wired together
// in-process, one per rank.
func NewSynthetic(size int) []Comm {
	r := newRouter(size)
	comms := make([]Comm, size)
	for i := 0; i < size; i++ {
		comms[i] = &synthetic{rank: i, size: size, router: r}
	}
	return comms
}

func (c *synthetic) Rank() int { return c.rank }
func (c *synthetic) Size() int { return c.size }

func (c *synthetic) Send(ctx context.Context, peer, tag int, buf []byte) error {
	return c.router.send(ctx, c.rank, peer, tag, buf)
}

func (c *synthetic) Recv(ctx context.Context, peer, tag int, buf []byte) error {
	return c.router.recv(ctx, peer, c.rank, tag, buf)
}

type msgKey struct {
	from, to, tag int
}

type router struct {
	mu      sync.Mutex
	pending map[msgKey]chan []byte
	size    int
}

func newRouter(size int) *router {
	return &router{pending: make(map[msgKey]chan []byte), size: size}
}

func (r *router) chanFor(key msgKey) chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[key]
	if !ok {
		ch = make(chan []byte, 1)
		r.pending[key] = ch
	}
	return ch
}

func (r *router) send(ctx context.Context, from, to, tag int, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	ch := r.chanFor(msgKey{from, to, tag})
	select {
	case ch <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *router) recv(ctx context.Context, from, to, tag int, buf []byte) error {
	ch := r.chanFor(msgKey{from, to, tag})
	select {
	case msg := <-ch:
		if len(msg) != len(buf) {
			return fmt.Errorf("swapm: synthetic transport: recv size mismatch: got %d, want %d", len(msg), len(buf))
		}
		copy(buf, msg)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
