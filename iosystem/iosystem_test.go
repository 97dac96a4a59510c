// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iosystem

import "testing"

type fakeComm struct {
	rank, size int
}

func (c fakeComm) Rank() int { return c.rank }
func (c fakeComm) Size() int { return c.size }

func TestNewDescInvariants(t *testing.T) {
	if _, err := NewDesc(Desc{Rearranger: Box, HoleGridSize: 1}); err == nil {
		t.Fatal("expected error for box decomposition with nonzero holegridsize")
	}
	if _, err := NewDesc(Desc{Rearranger: Subset, Llen: 10, MaxIOBufLen: 5}); err == nil {
		t.Fatal("expected error for maxiobuflen < llen")
	}
	d, err := NewDesc(Desc{Rearranger: Subset, Llen: 10, MaxIOBufLen: 10, HoleGridSize: 3})
	if err != nil {
		t.Fatal(err)
	}
	if d.HoleGridSize != 3 {
		t.Errorf("got %d, want 3", d.HoleGridSize)
	}
}

func TestSystemRoles(t *testing.T) {
	compute := fakeComm{rank: 0, size: 4}
	io := fakeComm{rank: 0, size: 2}
	sys := New(compute, io, nil, false, true)
	if !sys.IsCompMaster() {
		t.Error("expected compute master")
	}
	if !sys.IsIOMaster() {
		t.Error("expected io master")
	}
	if !sys.IsIOProc() {
		t.Error("expected ioproc")
	}
}

func TestFileIOBufOutstanding(t *testing.T) {
	f := NewFile(ParallelV3, ModeWrite, 1<<20)
	if err := f.MarkIOBufOutstanding(); err != nil {
		t.Fatal(err)
	}
	if err := f.MarkIOBufOutstanding(); err == nil {
		t.Fatal("expected error marking iobuf outstanding twice")
	}
	f.ClearIOBufOutstanding()
	if f.IOBufOutstanding() {
		t.Error("expected iobuf cleared")
	}
}

func TestVariableRecordness(t *testing.T) {
	f := NewFile(SerialV4, ModeWrite, 1<<20)
	v := f.Variable(1, Float64, 8, true)
	if !v.IsRecord() {
		t.Error("expected record variable")
	}
	v2 := f.Variable(2, Int32, 4, false)
	if v2.IsRecord() {
		t.Error("expected non-record variable")
	}
	// Looking up the same id again returns the same descriptor.
	if f.Variable(1, Float64, 8, true) != v {
		t.Error("expected cached variable descriptor")
	}
}

func TestDefaultFillValue(t *testing.T) {
	for _, kind := range []ElementKind{Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64, Float32, Float64, Byte} {
		size, err := ElemSize(kind)
		if err != nil {
			t.Fatal(err)
		}
		fv, err := DefaultFillValue(kind)
		if err != nil {
			t.Fatal(err)
		}
		if len(fv) != size {
			t.Errorf("kind %v: fill value len %d != elem size %d", kind, len(fv), size)
		}
	}
	if _, err := DefaultFillValue(ElementKind(999)); err == nil {
		t.Fatal("expected error for unknown element kind")
	}
}
