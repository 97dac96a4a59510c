// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package flush

import (
	"context"
	"sync"

	"github.com/grailbio/pio/sync/ctxsync"
)

// barrier implements a reusable all-reduce-MAX rendezvous over n
// participants, for testing Decide without a real collective
// transport. It is a cyclic barrier: once all n participants have
// submitted a value for one round, every Wait call unblocks with the
// round's max and the barrier resets for the next round.
type barrier struct {
	n int

	mu         sync.Mutex
	cond       *ctxsync.Cond
	generation int
	arrived    int
	values     []int
	result     int
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n, values: make([]int, n)}
	b.cond = ctxsync.NewCond(&b.mu)
	return b
}

// syntheticComm is one participant's view of a barrier.
type syntheticComm struct {
	b   *barrier
	idx int
}

// NewSyntheticComms returns n Comm values sharing one all-reduce-MAX
// barrier, for driving Decide from n goroutines in a test.
func NewSyntheticComms(n int) []Comm {
	b := newBarrier(n)
	comms := make([]Comm, n)
	for i := 0; i < n; i++ {
		comms[i] = &syntheticComm{b: b, idx: i}
	}
	return comms
}

func (c *syntheticComm) AllReduceMax(ctx context.Context, value int) (int, error) {
	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	gen := b.generation
	b.values[c.idx] = value
	b.arrived++

	if b.arrived == b.n {
		max := b.values[0]
		for _, v := range b.values[1:] {
			if v > max {
				max = v
			}
		}
		b.result = max
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return max, nil
	}

	for gen == b.generation {
		if err := b.cond.Wait(ctx); err != nil {
			return 0, err
		}
	}
	return b.result, nil
}
