// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package backend defines the file-format backend contract the write
// orchestrator dispatches to. File-format encoding itself is out of
// scope for this module (spec Non-goals); Backend is a narrow
// interface an embedding application implements against its own
// storage, shaped after the teacher's file.File idiom: region-list
// writes, reads and flushes through the three Backend methods, not a
// full vendored storage stack.
package backend

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/grailbio/pio/errors"
)

// Mode distinguishes a primary data dispatch from a holegrid fill
// dispatch; both go through the same Backend.WriteDarrayMulti.
type Mode int

const (
	Data Mode = iota
	Fill
)

func (m Mode) String() string {
	if m == Fill {
		return "fill"
	}
	return "data"
}

// Region describes one contiguous element run, mirroring
// rearrange.Region. It is redeclared here rather than imported so
// that package backend has no dependency on package rearrange: a
// caller assembles Regions from a rearrange.Result.
type Region struct {
	Displ int
	Count int
}

// WriteRequest is one backend dispatch: nvars variables, each
// contributing the same Regions (the decomposition's per-task layout
// is shared across variables in one write_darray_multi call), packed
// contiguously in Data as len(Varids) blocks of
// sum(Regions[*].Count)*ElemSize bytes each, in Varids order.
type WriteRequest struct {
	Varids   []int
	IOID     int
	Mode     Mode
	Frame    int // -1 for non-record variables
	ElemSize int
	Regions  []Region
	Data     []byte
}

// ReadRequest mirrors WriteRequest for a single-variable read.
type ReadRequest struct {
	Varid    int
	IOID     int
	Frame    int
	ElemSize int
	Regions  []Region
}

// Backend is the write orchestrator's dispatch target.
type Backend interface {
	// WriteDarrayMulti dispatches a data or fill write for one or more
	// variables sharing the same decomposition regions.
	WriteDarrayMulti(ctx context.Context, req WriteRequest) error
	// ReadDarray reads back the regions belonging to one variable.
	ReadDarray(ctx context.Context, req ReadRequest) ([]byte, error)
	// FlushOutputBuffer completes any buffered nonblocking writes
	// (relevant to the PARALLEL_V3 backend kind, a no-op otherwise).
	// flushToDisk requests the underlying storage also be synced.
	FlushOutputBuffer(ctx context.Context, flushToDisk bool) error
}

// regionTotal returns the total element count covered by regions.
func regionTotal(regions []Region) int {
	var n int
	for _, r := range regions {
		n += r.Count
	}
	return n
}

// Mem is an in-memory reference Backend, used by tests and by any
// caller that does not need durable storage. Each (varid, frame) pair
// owns its own growable buffer; writes and reads address it by
// element displacement within that buffer, exactly like a real
// backend would address a file's variable-major layout, without this
// module having to know that layout's details.
type Mem struct {
	mu      sync.Mutex
	buffers map[memKey][]byte
	closed  bool
	flushes int
}

type memKey struct {
	varid, frame int
}

// NewMem returns an empty in-memory backend.
func NewMem() *Mem {
	return &Mem{buffers: make(map[memKey][]byte)}
}

func (m *Mem) WriteDarrayMulti(ctx context.Context, req WriteRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.E(errors.Precondition, "backend.Mem: write after close")
	}
	if err := validateRegions(req.Regions); err != nil {
		return err
	}
	blockElems := regionTotal(req.Regions)
	blockBytes := blockElems * req.ElemSize
	if len(req.Data) != len(req.Varids)*blockBytes {
		return errors.E(errors.Invalid, "backend.Mem: data length does not match varids*regions*elemsize")
	}
	for i, varid := range req.Varids {
		key := memKey{varid, req.Frame}
		buf := m.buffers[key]
		block := req.Data[i*blockBytes : (i+1)*blockBytes]
		var off int
		for _, r := range req.Regions {
			end := (r.Displ + r.Count) * req.ElemSize
			if end > len(buf) {
				grown := make([]byte, end)
				copy(grown, buf)
				buf = grown
			}
			n := r.Count * req.ElemSize
			copy(buf[r.Displ*req.ElemSize:end], block[off:off+n])
			off += n
		}
		m.buffers[key] = buf
	}
	return nil
}

func (m *Mem) ReadDarray(ctx context.Context, req ReadRequest) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validateRegions(req.Regions); err != nil {
		return nil, err
	}
	buf := m.buffers[memKey{req.Varid, req.Frame}]
	out := make([]byte, regionTotal(req.Regions)*req.ElemSize)
	var off int
	for _, r := range req.Regions {
		start := r.Displ * req.ElemSize
		n := r.Count * req.ElemSize
		if start+n > len(buf) {
			return nil, errors.E(errors.Invalid, "backend.Mem: read region past end of variable's written data")
		}
		copy(out[off:off+n], buf[start:start+n])
		off += n
	}
	return out, nil
}

func (m *Mem) FlushOutputBuffer(ctx context.Context, flushToDisk bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

// Flushes reports how many times FlushOutputBuffer has been called,
// for test assertions on the PARALLEL_V3 completion path.
func (m *Mem) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}

func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func validateRegions(regions []Region) error {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Displ < sorted[j].Displ })
	for i, r := range sorted {
		if r.Count < 0 {
			return errors.E(errors.Invalid, "backend: negative region count")
		}
		if i > 0 && r.Displ < sorted[i-1].Displ+sorted[i-1].Count {
			return errors.E(errors.Invalid, "backend: overlapping regions")
		}
	}
	return nil
}

var _ io.Closer = (*Mem)(nil)
