// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package iosystem defines the data model shared by the write path:
// the IOSystem (compute/IO/union communicator triple), decomposition
// descriptors, file handles, and variable descriptors. These types
// carry the invariants from the data model rather than merely
// documenting them: NewDesc validates and returns an *errors.Error,
// and mutators such as MarkIOBufOutstanding report a violation as an
// *errors.Error rather than panicking. The one panic is New's, when an
// async System is given no union communicator.
package iosystem

import (
	"sync"

	"github.com/grailbio/pio/errors"
)

// Comm is the minimal communicator handle the write path needs to
// identify a group of tasks. It is opaque to this package; concrete
// meaning (an MPI communicator, a test harness's in-memory group) is
// supplied by the embedding application through package swapm's Comm
// interface.
type Comm interface {
	Rank() int
	Size() int
}

// System groups the compute communicator, the I/O communicator, and
// the union communicator used when they are disjoint.
//
// Invariant: every task belongs to exactly one of {compute-only,
// IO-only, both}, and IsIOProc/IsCompMaster/IsIOMaster agree with
// that membership. New does not check this membership; it only
// rejects an async System without a union communicator.
type System struct {
	Compute Comm
	IO      Comm
	Union   Comm

	// Async is true when compute and I/O tasks are disjoint groups.
	Async bool

	// ioproc is true if this task participates in actual I/O.
	ioproc bool
}

// New constructs a System. compute and io may be the same Comm (the
// non-async case) or disjoint ones (the async case); ioproc reports
// whether the local task is a member of the I/O group.
func New(compute, io, union Comm, async, ioproc bool) *System {
	if async && union == nil {
		panic("iosystem.New: async systems require a union communicator")
	}
	return &System{Compute: compute, IO: io, Union: union, Async: async, ioproc: ioproc}
}

// IsIOProc reports whether the local task participates in actual I/O.
func (s *System) IsIOProc() bool { return s.ioproc }

// IsCompMaster reports whether the local task is rank 0 of the
// compute communicator.
func (s *System) IsCompMaster() bool {
	return s.Compute != nil && s.Compute.Rank() == 0
}

// IsIOMaster reports whether the local task is rank 0 of the I/O
// communicator.
func (s *System) IsIOMaster() bool {
	return s.ioproc && s.IO != nil && s.IO.Rank() == 0
}

// Rearranger selects the decomposition's data-movement strategy.
type Rearranger int

const (
	// Box decompositions are dense: every destination slot is covered
	// by exactly one source contribution.
	Box Rearranger = iota
	// Subset decompositions may leave destination slots uncovered,
	// tracked as a holegrid.
	Subset
)

func (r Rearranger) String() string {
	if r == Box {
		return "box"
	}
	return "subset"
}

// Desc is a decomposition descriptor (io_desc): the mapping from a
// compute task's local tile to the global array indices handled by
// I/O tasks. Desc is immutable after construction; the rearranger and
// write orchestrator only ever read it.
type Desc struct {
	Rearranger Rearranger

	// Ndof is the number of elements local to this compute task.
	Ndof int
	// Llen is the number of elements local to this I/O task
	// (destination side).
	Llen int
	// MaxIOBufLen is the maximum Llen across all I/O tasks.
	MaxIOBufLen int

	// MPITypeSize and PIOTypeSize are the element size in bytes in
	// transport and storage respectively.
	MPITypeSize int
	PIOTypeSize int

	// MaxRegions and MaxFillRegions are the max contiguous runs an I/O
	// task must issue for data / fill respectively.
	MaxRegions     int
	MaxFillRegions int

	// HoleGridSize and MaxHoleGridSize are the number of hole elements
	// per I/O task / across I/O tasks. Both are 0 for Box.
	HoleGridSize    int
	MaxHoleGridSize int

	// NeedsFill reports whether fill values must be materialized in
	// holes (Subset) or pre-filled (Box).
	NeedsFill bool

	// SendCounts/SendDispls/RecvCounts/RecvDispls are the per-peer
	// exchange parameters the rearranger derives into a swapm.Exchange
	// call. They are populated by the (external, per spec Non-goals)
	// decomposition construction step; this package only validates
	// their shape.
	SendCounts, SendDispls []int
	RecvCounts, RecvDispls []int
}

// NewDesc validates and returns a decomposition descriptor.
//
// Invariant: Box decompositions have HoleGridSize == 0. Subset may
// have HoleGridSize > 0. MaxIOBufLen >= Llen.
func NewDesc(d Desc) (*Desc, error) {
	if d.Rearranger == Box && d.HoleGridSize != 0 {
		return nil, errors.E(errors.Invalid, "box decomposition must have zero holegridsize")
	}
	if d.MaxIOBufLen < d.Llen {
		return nil, errors.E(errors.Invalid, "maxiobuflen must be >= llen")
	}
	desc := d
	return &desc, nil
}

// BackendKind identifies a file-format backend variant.
type BackendKind int

const (
	SerialV3 BackendKind = iota
	SerialV4
	ParallelV3
	ParallelV4
)

func (k BackendKind) String() string {
	switch k {
	case SerialV3:
		return "serial_v3"
	case SerialV4:
		return "serial_v4"
	case ParallelV3:
		return "parallel_v3"
	case ParallelV4:
		return "parallel_v4"
	default:
		return "unknown"
	}
}

// Mode bits for a File.
type Mode int

const (
	ModeRead Mode = 1 << iota
	ModeWrite
)

// Variable is a variable descriptor.
type Variable struct {
	ID int
	// Kind is the variable's element type, used to look up a default
	// fill value when one was not supplied explicitly.
	Kind ElementKind
	// ElemSize is the element size in bytes.
	ElemSize int
	// Frame is the current record index, or -1 for non-record
	// variables. Invariant: Frame >= 0 iff the variable has an
	// unlimited (record) dimension.
	Frame int
	// FillValue is the cached fill value, allocated lazily on first
	// use.
	FillValue []byte
	// Pending is the per-variable pending-byte counter, reset on
	// completion of a write_darray_multi call.
	Pending int64
}

// IsRecord reports whether v is a record variable.
func (v *Variable) IsRecord() bool { return v.Frame >= 0 }

// WMBKey identifies a write-multi-buffer chain entry.
type WMBKey struct {
	IOID      int
	RecordVar bool
}

// File is a file handle: backend type, mode bits, the per-(ioid,
// recordvar) WMB chain, and transient I/O-side scratch buffers.
//
// Invariant: at most one outstanding IOBuf at a time; Orchestrator
// methods assert this before allocating a new one.
type File struct {
	mu sync.Mutex

	Backend         BackendKind
	Mode            Mode
	BufferSizeLimit int64 // as passed to NewFile; flush reads config.BufferSizeLimit() instead

	vars map[int]*Variable

	// ioBufOutstanding is true between IOBuf allocation and its
	// release (or, for ParallelV3, until FlushOutputBuffer releases
	// it).
	ioBufOutstanding bool
	// PendingBytes is the per-file pending-byte counter.
	PendingBytes int64
}

// NewFile constructs a File with the given backend, mode, and buffer
// size limit; it does not read config.
func NewFile(backend BackendKind, mode Mode, bufferSizeLimit int64) *File {
	return &File{Backend: backend, Mode: mode, BufferSizeLimit: bufferSizeLimit, vars: make(map[int]*Variable)}
}

// Writable reports whether f was opened for write.
func (f *File) Writable() bool { return f.Mode&ModeWrite != 0 }

// Readable reports whether f was opened for read.
func (f *File) Readable() bool { return f.Mode&ModeRead != 0 }

// Variable looks up or lazily creates the variable descriptor for id.
func (f *File) Variable(id int, kind ElementKind, elemSize int, record bool) *Variable {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.vars[id]; ok {
		return v
	}
	frame := -1
	if record {
		frame = 0
	}
	v := &Variable{ID: id, Kind: kind, ElemSize: elemSize, Frame: frame}
	f.vars[id] = v
	return v
}

// MarkIOBufOutstanding asserts that no IOBuf is already outstanding
// and marks one as allocated. It returns an *errors.Error of kind
// errors.Invalid if the invariant is already violated, since that
// can only indicate a bug in the orchestrator itself.
func (f *File) MarkIOBufOutstanding() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ioBufOutstanding {
		return errors.E(errors.Invalid, "file already has an outstanding iobuf")
	}
	f.ioBufOutstanding = true
	return nil
}

// ClearIOBufOutstanding releases the outstanding-iobuf flag.
func (f *File) ClearIOBufOutstanding() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ioBufOutstanding = false
}

// IOBufOutstanding reports whether an iobuf is currently outstanding.
func (f *File) IOBufOutstanding() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ioBufOutstanding
}

// ResetPending zeros every variable's pending-byte counter as well as
// the file's own, per the write orchestrator's completion step.
func (f *File) ResetPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PendingBytes = 0
	for _, v := range f.vars {
		v.Pending = 0
	}
}
