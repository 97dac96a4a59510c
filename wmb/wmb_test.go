// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wmb

import (
	"testing"

	"github.com/grailbio/pio/pool"
)

func TestChainLookupCreateTake(t *testing.T) {
	c := NewChain()
	if _, ok := c.Lookup(1, false); ok {
		t.Fatal("expected no entry before Create")
	}
	w, err := c.Create(1, false, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := c.Lookup(1, false); !ok || got != w {
		t.Fatal("expected Lookup to return the created wmb")
	}
	if _, err := c.Create(1, false, 8, 4); err == nil {
		t.Fatal("expected error creating over an existing entry")
	}
	if c.Len() != 1 {
		t.Errorf("got %d, want 1", c.Len())
	}
	taken, ok := c.Take(1, false)
	if !ok || taken != w {
		t.Fatal("expected Take to return the entry")
	}
	if _, ok := c.Lookup(1, false); ok {
		t.Fatal("expected entry gone from chain after Take (W3)")
	}
	if c.Len() != 0 {
		t.Errorf("got %d, want 0", c.Len())
	}
}

func TestAppendGrowsParallelArrays(t *testing.T) {
	p := pool.New(false)
	w := &WMB{ElemSize: 4, Arraylen: 2}
	payload1 := []byte{1, 1, 1, 1, 2, 2, 2, 2}
	fill1 := []byte{0xff, 0xff, 0xff, 0xff}
	if err := w.Append(p, 10, payload1, fill1, -1); err != nil {
		t.Fatal(err)
	}
	payload2 := []byte{3, 3, 3, 3, 4, 4, 4, 4}
	if err := w.Append(p, 11, payload2, nil, -1); err != nil {
		t.Fatal(err)
	}
	if w.NumArrays != 2 {
		t.Fatalf("got %d, want 2", w.NumArrays)
	}
	if len(w.Vid) != 2 || w.Vid[0] != 10 || w.Vid[1] != 11 {
		t.Fatalf("got vid %v", w.Vid)
	}
	wantData := append(append([]byte{}, payload1...), payload2...)
	if len(w.Data) != len(wantData) {
		t.Fatalf("got data len %d, want %d", len(w.Data), len(wantData))
	}
	for i := range wantData {
		if w.Data[i] != wantData[i] {
			t.Fatalf("data[%d] = %d, want %d", i, w.Data[i], wantData[i])
		}
	}
	if w.PendingBytes() != int64(len(wantData)) {
		t.Errorf("got %d, want %d", w.PendingBytes(), len(wantData))
	}
}

func TestAppendRecordVarTracksFrame(t *testing.T) {
	p := pool.New(false)
	w := &WMB{ElemSize: 8, Arraylen: 1, RecordVar: true}
	if err := w.Append(p, 1, make([]byte, 8), nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(p, 1, make([]byte, 8), nil, 1); err != nil {
		t.Fatal(err)
	}
	if len(w.Frame) != 2 || w.Frame[0] != 0 || w.Frame[1] != 1 {
		t.Fatalf("got frame %v", w.Frame)
	}
}

func TestAppendRejectsWrongPayloadSize(t *testing.T) {
	p := pool.New(false)
	w := &WMB{ElemSize: 4, Arraylen: 4}
	if err := w.Append(p, 1, make([]byte, 12), nil, -1); err == nil {
		t.Fatal("expected error for payload shorter than arraylen*elemsize")
	}
}
