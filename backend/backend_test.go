// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"testing"
)

func TestMemWriteReadRoundTrip(t *testing.T) {
	m := NewMem()
	req := WriteRequest{
		Varids:   []int{1, 2},
		IOID:     0,
		Mode:     Data,
		Frame:    -1,
		ElemSize: 4,
		Regions:  []Region{{Displ: 0, Count: 2}, {Displ: 5, Count: 1}},
		Data: append(
			[]byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3},
			[]byte{4, 4, 4, 4, 5, 5, 5, 5, 6, 6, 6, 6}...,
		),
	}
	if err := m.WriteDarrayMulti(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadDarray(context.Background(), ReadRequest{
		Varid: 1, Frame: -1, ElemSize: 4, Regions: req.Regions,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], want[i])
		}
	}
	got2, err := m.ReadDarray(context.Background(), ReadRequest{
		Varid: 2, Frame: -1, ElemSize: 4, Regions: req.Regions,
	})
	if err != nil {
		t.Fatal(err)
	}
	want2 := []byte{4, 4, 4, 4, 5, 5, 5, 5, 6, 6, 6, 6}
	for i := range want2 {
		if got2[i] != want2[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got2[i], want2[i])
		}
	}
}

func TestMemFillThenData(t *testing.T) {
	m := NewMem()
	fillReq := WriteRequest{
		Varids: []int{1}, Frame: -1, ElemSize: 4, Mode: Fill,
		Regions: []Region{{Displ: 0, Count: 4}},
		Data:    []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	}
	if err := m.WriteDarrayMulti(context.Background(), fillReq); err != nil {
		t.Fatal(err)
	}
	dataReq := WriteRequest{
		Varids: []int{1}, Frame: -1, ElemSize: 4, Mode: Data,
		Regions: []Region{{Displ: 1, Count: 2}},
		Data:    []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	if err := m.WriteDarrayMulti(context.Background(), dataReq); err != nil {
		t.Fatal(err)
	}
	got, err := m.ReadDarray(context.Background(), ReadRequest{
		Varid: 1, Frame: -1, ElemSize: 4, Regions: []Region{{Displ: 0, Count: 4}},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xff, 0xff, 0xff, 0xff, 1, 2, 3, 4, 5, 6, 7, 8, 0xff, 0xff, 0xff, 0xff}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d, want %d (fill then partial data overwrite)", i, got[i], want[i])
		}
	}
}

func TestMemRejectsOverlappingRegions(t *testing.T) {
	m := NewMem()
	req := WriteRequest{
		Varids: []int{1}, Frame: -1, ElemSize: 4,
		Regions: []Region{{Displ: 0, Count: 4}, {Displ: 2, Count: 4}},
		Data:    make([]byte, 32),
	}
	if err := m.WriteDarrayMulti(context.Background(), req); err == nil {
		t.Fatal("expected error for overlapping regions")
	}
}

func TestMemRejectsWriteAfterClose(t *testing.T) {
	m := NewMem()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	req := WriteRequest{Varids: []int{1}, Frame: -1, ElemSize: 4, Regions: []Region{{Displ: 0, Count: 1}}, Data: make([]byte, 4)}
	if err := m.WriteDarrayMulti(context.Background(), req); err == nil {
		t.Fatal("expected error writing after close")
	}
}

func TestMemFlushOutputBufferCounts(t *testing.T) {
	m := NewMem()
	if err := m.FlushOutputBuffer(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if err := m.FlushOutputBuffer(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if m.Flushes() != 2 {
		t.Errorf("got %d, want 2", m.Flushes())
	}
}
