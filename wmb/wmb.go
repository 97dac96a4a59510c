// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wmb implements the write-multi-buffer: the in-memory
// aggregation cache that queues payloads from successive write_darray
// calls on a compute task until the flush controller decides to drain
// them. One WMB is keyed by (ioid, recordvar); File holds the chain of
// them, one per distinct key.
package wmb

import (
	"sync"

	"github.com/grailbio/pio/diag"
	"github.com/grailbio/pio/errors"
	"github.com/grailbio/pio/iosystem"
	"github.com/grailbio/pio/pool"
)

// WMB is one write-multi-buffer entry: the parallel vid/frame/
// fillvalue arrays and the contiguous data block, all growing
// together as payloads are appended.
//
// Invariants (W1-W3, per the data model): every payload in a WMB has
// identical element size and identical recordvar flag (enforced by
// the owning Chain at append time, since a WMB is never shared across
// decompositions); data grows only by exact multiples of
// arraylen*elemsize (Append's only growth path); WMB contents are
// never observed by I/O tasks before a flush (Chain.Take is the only
// way to hand a WMB to the rearranger, and it removes the entry from
// the chain atomically with returning it).
type WMB struct {
	IOID      int
	RecordVar bool
	ElemSize  int

	// Arraylen is the element count shared by every queued payload; it
	// is fixed by the first Append and never changes afterward.
	Arraylen int

	NumArrays int
	Vid       []int
	Frame     []int       // nil unless RecordVar
	FillValue [][]byte
	Data      []byte
}

// Append queues one more payload into w. arraylen must equal w's
// established Arraylen (the caller -- the write orchestrator -- is
// responsible for clipping to decomp.ndof before calling Append; see
// package write). fillValue may be nil for variables without an
// explicit fill value.
func (w *WMB) Append(p pool.Pool, varid int, payload, fillValue []byte, frame int) error {
	if len(payload) != w.Arraylen*w.ElemSize {
		err := errors.E(errors.Invalid, "wmb.Append: payload size does not match wmb arraylen")
		diag.Report(err, "", "")
		return err
	}
	oldLen := len(w.Data)
	grown, err := p.Grow(w.Data, oldLen+len(payload))
	if err != nil {
		diag.Report(err, "", "")
		return err
	}
	copy(grown[oldLen:], payload)
	w.Data = grown

	w.Vid = append(w.Vid, varid)
	w.FillValue = append(w.FillValue, fillValue)
	if w.RecordVar {
		w.Frame = append(w.Frame, frame)
	}
	w.NumArrays++
	return nil
}

// PendingBytes returns the number of data bytes currently queued.
func (w *WMB) PendingBytes() int64 { return int64(len(w.Data)) }

// key identifies one chain entry.
type key = iosystem.WMBKey

// Chain is the per-file collection of WMBs, keyed by (ioid,
// recordvar). It is created lazily: Lookup returns (nil, false) for a
// key that has never been appended to, and Create installs a fresh
// empty entry for the caller to Append into.
type Chain struct {
	mu      sync.Mutex
	entries map[key]*WMB
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{entries: make(map[key]*WMB)}
}

// Lookup returns the WMB for (ioid, recordvar), or (nil, false) if
// none has been created yet.
func (c *Chain) Lookup(ioid int, recordvar bool) (*WMB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.entries[key{IOID: ioid, RecordVar: recordvar}]
	return w, ok
}

// Create installs and returns a fresh, empty WMB for (ioid,
// recordvar). It is an error to Create over an existing entry; the
// caller must Lookup first.
func (c *Chain) Create(ioid int, recordvar bool, elemSize, arraylen int) (*WMB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{IOID: ioid, RecordVar: recordvar}
	if _, ok := c.entries[k]; ok {
		err := errors.E(errors.Invalid, "wmb.Create: entry already exists for ioid/recordvar")
		diag.Report(err, "", "")
		return nil, err
	}
	w := &WMB{IOID: ioid, RecordVar: recordvar, ElemSize: elemSize, Arraylen: arraylen}
	c.entries[k] = w
	return w, nil
}

// Take removes and returns the WMB for (ioid, recordvar), handing
// exclusive ownership to the caller (the flush path). Per W3, this is
// the only way a WMB's contents become visible beyond the compute
// task that accumulated them -- removing it from the chain here
// means no later Lookup can observe it mid-flush.
func (c *Chain) Take(ioid int, recordvar bool) (*WMB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{IOID: ioid, RecordVar: recordvar}
	w, ok := c.entries[k]
	if ok {
		delete(c.entries, k)
	}
	return w, ok
}

// Len reports the number of distinct (ioid, recordvar) entries
// currently chained, for flush-controller accounting.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
