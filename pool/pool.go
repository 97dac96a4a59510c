// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pool implements the process-wide buffer pool that backs
// every compute-side write-multi-buffer and I/O-side scratch buffer.
// It is shared across files, but every Pool method is internally
// synchronized: callers never need to coordinate access to it
// themselves.
//
// Two variants are provided, selected by New's useMalloc argument at
// pool construction time rather than by a Go build tag: a slab allocator
// that tracks its own free list (so Stats().MaxFree is exact), and a
// delegate that hands every request straight to the Go runtime
// allocator (so Stats().MaxFree is only a conservative estimate).
// Keeping both variants runtime-selectable, instead of compiled in or
// out, lets the testable-properties suite run the same invariants
// against both in one test binary.
package pool

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/grailbio/pio/traverse"
)

// Stats reports a snapshot of a Pool's usage.
type Stats struct {
	// CurAlloc is the number of bytes currently handed out and not yet
	// released.
	CurAlloc int64
	// TotFree is the total number of bytes held in the free list.
	TotFree int64
	// MaxFree is the size of the largest contiguous free block. The
	// flush controller's IO_FLUSH heuristic depends on this being
	// tight; the malloc-delegating variant can only estimate it.
	MaxFree int64
	// Gets is the cumulative count of successful Acquire calls.
	Gets int64
	// Releases is the cumulative count of Release calls.
	Releases int64
}

// A Pool is a process-wide slab allocator with acquire/release/grow
// operations and live statistics.
type Pool interface {
	// Acquire returns a zero-filled block of at least n bytes, or fails
	// with an error of kind errors.OOM.
	Acquire(n int) ([]byte, error)
	// Grow reallocates block in place to be at least n bytes, preserving
	// its existing contents. On failure it returns an error of kind
	// errors.OOM and block is unchanged.
	Grow(block []byte, n int) ([]byte, error)
	// Release returns block to the pool. Releasing a block that did not
	// come from this Pool, or releasing the same block twice, is a bug:
	// Release panics rather than returning an error, matching the
	// spec's "double-release is a bug, not a recoverable condition."
	Release(block []byte)
	// Stats returns a snapshot of the pool's current usage.
	Stats() Stats
	// Compact discards free blocks down to at most retain bytes per
	// size class, returning what was released to the runtime
	// allocator. Callers run it as a background pass under memory
	// pressure; it never touches live (acquired, unreleased) blocks.
	Compact(retain int64) (freed int64)
}

// New returns a new Pool. When useMalloc is true, the pool delegates
// every request to the Go runtime allocator; otherwise it maintains
// its own slab and free list.
func New(useMalloc bool) Pool {
	if useMalloc {
		return &mallocPool{}
	}
	return &slabPool{}
}

// slabPool is the integrated allocator: it never returns memory to
// the runtime, instead keeping released blocks on a free list keyed
// by exact size, and splitting the metadata it needs to report
// maxfree precisely.
type slabPool struct {
	mu       sync.Mutex
	curAlloc int64
	free     map[int][][]byte // size -> stack of free blocks of that size
	gets     int64
	releases int64
	live     map[*byte]int // base pointer identity -> size, for double-release detection
}

var (
	slabCurAlloc = expvar.NewInt("pio.pool.slab.curalloc")
	slabMaxFree  = expvar.NewInt("pio.pool.slab.maxfree")
)

func (p *slabPool) Acquire(n int) (block []byte, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if blocks, ok := p.free[n]; ok && len(blocks) > 0 {
		block = blocks[len(blocks)-1]
		p.free[n] = blocks[:len(blocks)-1]
		for i := range block {
			block[i] = 0
		}
	} else {
		block = make([]byte, n)
	}
	p.markLive(block, n)
	p.curAlloc += int64(n)
	p.gets++
	slabCurAlloc.Set(p.curAlloc)
	return block, nil
}

func (p *slabPool) Grow(block []byte, n int) ([]byte, error) {
	if n <= cap(block) {
		return block[:n], nil
	}
	p.mu.Lock()
	old := len(block)
	p.mu.Unlock()
	grown, err := p.Acquire(n)
	if err != nil {
		return block, err
	}
	copy(grown, block)
	p.Release(block[:old])
	return grown, nil
}

func (p *slabPool) Release(block []byte) {
	if len(block) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unmarkLive(block)
	n := len(block)
	p.free[n] = append(p.free[n], block)
	p.curAlloc -= int64(n)
	p.releases++
	slabCurAlloc.Set(p.curAlloc)
	slabMaxFree.Set(p.maxFreeLocked())
}

func (p *slabPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var totFree int64
	for size, blocks := range p.free {
		totFree += int64(size) * int64(len(blocks))
	}
	return Stats{
		CurAlloc: p.curAlloc,
		TotFree:  totFree,
		MaxFree:  p.maxFreeLocked(),
		Gets:     p.gets,
		Releases: p.releases,
	}
}

// Compact trims each size class's free list down to at most retain
// bytes, keeping the earliest-released blocks and dropping the most
// recently released ones. The per-size-class trim decision is
// independent of every other size class, so the scan across classes is
// fanned out across traverse.Parallel the same way the rearranger fans
// out its fill-value tiling -- only the final map mutation needs the
// pool's lock.
func (p *slabPool) Compact(retain int64) int64 {
	p.mu.Lock()
	sizes := make([]int, 0, len(p.free))
	for size := range p.free {
		sizes = append(sizes, size)
	}
	p.mu.Unlock()
	if len(sizes) == 0 {
		return 0
	}

	keep := make([][][]byte, len(sizes))
	dropped := make([]int64, len(sizes))
	_ = traverse.Parallel(len(sizes)).Do(func(i int) error {
		p.mu.Lock()
		blocks := p.free[sizes[i]]
		p.mu.Unlock()

		total := int64(sizes[i]) * int64(len(blocks))
		if total <= retain {
			keep[i] = blocks
			return nil
		}
		n := int(retain / int64(sizes[i]))
		if n < 0 {
			n = 0
		}
		if n > len(blocks) {
			n = len(blocks)
		}
		keep[i] = blocks[:n]
		dropped[i] = int64(sizes[i]) * int64(len(blocks)-n)
		return nil
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	var freed int64
	for i, size := range sizes {
		p.free[size] = keep[i]
		freed += dropped[i]
	}
	slabMaxFree.Set(p.maxFreeLocked())
	return freed
}

func (p *slabPool) maxFreeLocked() int64 {
	var max int
	for size, blocks := range p.free {
		if len(blocks) > 0 && size > max {
			max = size
		}
	}
	return int64(max)
}

func (p *slabPool) markLive(block []byte, n int) {
	if p.live == nil {
		p.live = make(map[*byte]int)
		p.free = make(map[int][][]byte)
	}
	if len(block) > 0 {
		p.live[&block[0]] = n
	}
}

func (p *slabPool) unmarkLive(block []byte) {
	if len(block) == 0 {
		return
	}
	key := &block[0]
	if _, ok := p.live[key]; !ok {
		panic(fmt.Sprintf("pool: double release or release of foreign block of size %d", len(block)))
	}
	delete(p.live, key)
}

// mallocPool delegates every request to the Go runtime allocator.
// Its Stats().MaxFree is conservative: since freed blocks are not
// tracked, MaxFree always reports 0, which causes the flush
// controller to treat every append as IO_FLUSH-eligible on a memory
// basis -- correct per spec's "may report maxfree conservatively."
type mallocPool struct {
	mu       sync.Mutex
	curAlloc int64
	gets     int64
	releases int64
	live     map[*byte]int
}

func (p *mallocPool) Acquire(n int) ([]byte, error) {
	block := make([]byte, n)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == nil {
		p.live = make(map[*byte]int)
	}
	if len(block) > 0 {
		p.live[&block[0]] = n
	}
	p.curAlloc += int64(n)
	p.gets++
	return block, nil
}

func (p *mallocPool) Grow(block []byte, n int) ([]byte, error) {
	if n <= cap(block) {
		return block[:n], nil
	}
	old := len(block)
	grown, err := p.Acquire(n)
	if err != nil {
		return block, err
	}
	copy(grown, block)
	p.Release(block[:old])
	return grown, nil
}

func (p *mallocPool) Release(block []byte) {
	if len(block) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := &block[0]
	if _, ok := p.live[key]; !ok {
		panic(fmt.Sprintf("pool: double release or release of foreign block of size %d", len(block)))
	}
	delete(p.live, key)
	p.curAlloc -= int64(len(block))
	p.releases++
}

func (p *mallocPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{CurAlloc: p.curAlloc, Gets: p.gets, Releases: p.releases}
}

// Compact is a no-op: the malloc-delegating pool keeps no free list to
// trim, since every Release hands the block straight back to the
// runtime allocator.
func (p *mallocPool) Compact(retain int64) int64 { return 0 }

