// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rearrange moves payload between compute-side layout and
// I/O-side layout given a decomposition, using package swapm. It
// implements both the box (dense) and subset (sparse, with holes)
// flavors described by iosystem.Desc.
//
// Decomposition construction -- computing each peer's send/recv
// counts and displacements -- is out of scope here (it is an external
// collaborator, supplied already populated on iosystem.Desc); this
// package only drives the exchange those counts describe and merges
// the resulting per-peer regions into the contiguous runs the backend
// issues as I/O requests.
package rearrange

import (
	"context"
	"sort"

	"github.com/grailbio/pio/bitset"
	"github.com/grailbio/pio/diag"
	"github.com/grailbio/pio/errors"
	"github.com/grailbio/pio/iosystem"
	"github.com/grailbio/pio/swapm"
	"github.com/grailbio/pio/traverse"
)

// fillParallelThreshold is the element count above which fillBuffer
// fans its copies out across traverse.Parallel instead of running the
// single straight-line loop: below it, goroutine setup costs more than
// the copies it would save.
const fillParallelThreshold = 4096

// Region is a contiguous run of elements at a displacement, after
// merging adjacent per-peer contributions.
type Region struct {
	Displ int
	Count int
}

// Result reports what a rearrangement pass moved: the contiguous
// regions an I/O task must now issue to the backend, and -- for
// SUBSET decompositions -- the holegrid extents the write orchestrator
// must drive a separate fill pass over. The rearranger never performs
// that fill pass itself.
type Result struct {
	Regions []Region

	NeedsFill       bool
	HoleGridSize    int
	MaxHoleGridSize int
}

// Comp2IO moves src (compute-side layout) into dst (I/O-side layout,
// the scratch iobuf) according to desc. For BOX decompositions with
// desc.NeedsFill, dst is pre-filled with fillValue before the exchange
// so that any slot the exchange does not cover (there should be none,
// for BOX, but pre-fill is unconditional on the flag per spec) already
// carries the fill value.
func Comp2IO(ctx context.Context, comm swapm.Comm, desc *iosystem.Desc, elemSize int, src, dst, fillValue []byte, opts swapm.Options) (*Result, error) {
	if desc.Rearranger == iosystem.Box && desc.NeedsFill {
		if err := fillBuffer(dst, elemSize, fillValue); err != nil {
			return nil, err
		}
	}
	send, err := countsToPeers(desc.SendCounts, desc.SendDispls)
	if err != nil {
		return nil, err
	}
	recv, err := countsToPeers(desc.RecvCounts, desc.RecvDispls)
	if err != nil {
		return nil, err
	}
	if err := swapm.Exchange(ctx, comm, send, recv, elemSize, src, dst, opts); err != nil {
		err = errors.E(errors.MPIFail, "rearrange.Comp2IO", err)
		diag.Report(err, "", "")
		return nil, err
	}
	return result(desc, recv), nil
}

// IO2Comp moves src (I/O-side layout) back into dst (compute-side
// layout) according to desc: the read path's symmetric inverse of
// Comp2IO. There is no pre-fill and no holegrid reporting on read --
// a read only ever returns slots that were previously written.
func IO2Comp(ctx context.Context, comm swapm.Comm, desc *iosystem.Desc, elemSize int, src, dst []byte, opts swapm.Options) error {
	send, err := countsToPeers(desc.RecvCounts, desc.RecvDispls)
	if err != nil {
		return err
	}
	recv, err := countsToPeers(desc.SendCounts, desc.SendDispls)
	if err != nil {
		return err
	}
	if err := swapm.Exchange(ctx, comm, send, recv, elemSize, src, dst, opts); err != nil {
		err = errors.E(errors.MPIFail, "rearrange.IO2Comp", err)
		diag.Report(err, "", "")
		return err
	}
	return nil
}

// Holes returns the destination slots in [0, llen) that res.Regions
// does not cover, merged into contiguous runs -- the holegrid a
// SUBSET write's fill pass must materialize. It reports nothing
// unless the decomposition needs a fill pass at all.
func (res *Result) Holes(llen int) []Region {
	if !res.NeedsFill || llen <= 0 {
		return nil
	}
	covered := bitset.NewClearBits(llen)
	for _, r := range res.Regions {
		if r.Count > 0 {
			bitset.SetInterval(covered, r.Displ, r.Displ+r.Count)
		}
	}
	var holes []Region
	start := -1
	for i := 0; i < llen; i++ {
		if bitset.Test(covered, i) {
			if start >= 0 {
				holes = append(holes, Region{Displ: start, Count: i - start})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		holes = append(holes, Region{Displ: start, Count: llen - start})
	}
	return holes
}

func result(desc *iosystem.Desc, recv []swapm.Peer) *Result {
	res := &Result{Regions: mergeRegions(peersToRegions(recv))}
	if desc.Rearranger == iosystem.Subset {
		res.NeedsFill = desc.NeedsFill
		res.HoleGridSize = desc.HoleGridSize
		res.MaxHoleGridSize = desc.MaxHoleGridSize
	}
	return res
}

// fillBuffer tiles fillValue across buf, one element at a time. The
// pre-fill buffers this backs can span the whole of a BOX
// decomposition's iobuf, so for large buffers the tiling is fanned out
// across traverse.Parallel -- each shard copies into a disjoint byte
// range, so the shards need no coordination between them.
func fillBuffer(buf []byte, elemSize int, fillValue []byte) error {
	if elemSize <= 0 || len(fillValue) != elemSize {
		err := errors.E(errors.Invalid, "rearrange: fill value size must match element size")
		diag.Report(err, "", "")
		return err
	}
	n := len(buf) / elemSize
	if n < fillParallelThreshold {
		for off := 0; off+elemSize <= len(buf); off += elemSize {
			copy(buf[off:off+elemSize], fillValue)
		}
		return nil
	}
	return traverse.Parallel(n).Do(func(i int) error {
		off := i * elemSize
		copy(buf[off:off+elemSize], fillValue)
		return nil
	})
}

// OwnedRegions returns the contiguous regions this task owns on the
// I/O side of desc, merged the same way Comp2IO's Result merges the
// regions an exchange just populated. The read path uses this to know
// which regions to read back from the backend before driving IO2Comp,
// since a read never runs an exchange first to discover them the way
// a write's Comp2IO does.
func OwnedRegions(desc *iosystem.Desc) ([]Region, error) {
	recv, err := countsToPeers(desc.RecvCounts, desc.RecvDispls)
	if err != nil {
		return nil, err
	}
	return mergeRegions(peersToRegions(recv)), nil
}

func countsToPeers(counts, displs []int) ([]swapm.Peer, error) {
	if len(counts) != len(displs) {
		err := errors.E(errors.Invalid, "rearrange: counts/displs length mismatch")
		diag.Report(err, "", "")
		return nil, err
	}
	peers := make([]swapm.Peer, len(counts))
	for i := range counts {
		peers[i] = swapm.Peer{Count: counts[i], Displ: displs[i]}
	}
	return peers, nil
}

func peersToRegions(peers []swapm.Peer) []Region {
	regions := make([]Region, 0, len(peers))
	for _, p := range peers {
		if p.Count > 0 {
			regions = append(regions, Region{Displ: p.Displ, Count: p.Count})
		}
	}
	return regions
}

// mergeRegions coalesces regions into the minimal set of contiguous
// runs, replacing the teacher's interval-tree-based merge (unsuited
// here: this is a one-shot sort-and-merge over a small, already
// roughly-ordered list, not a structure that needs to answer repeated
// range queries).
func mergeRegions(regions []Region) []Region {
	if len(regions) == 0 {
		return nil
	}
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Displ < sorted[j].Displ })

	merged := []Region{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Displ <= last.Displ+last.Count {
			if end := r.Displ + r.Count; end > last.Displ+last.Count {
				last.Count = end - last.Displ
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
