// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package flush implements the flush controller: the three-way
// decision (NoFlush/IOFlush/DiskFlush) made after every intended WMB
// append, and its synchronization across the compute communicator.
package flush

import (
	"context"

	"github.com/grailbio/pio/config"
	"github.com/grailbio/pio/diag"
	"github.com/grailbio/pio/errors"
	"github.com/grailbio/pio/iosystem"
	"github.com/grailbio/pio/pool"
	"github.com/grailbio/pio/wmb"
)

// slackFactor is the 1.1x headroom applied to the IOFlush memory
// trigger. spec.md leaves its provenance as an open question (tuned
// empirically against a particular cluster's allocator behavior, not
// derived); DESIGN.md records the decision to preserve it verbatim
// rather than second-guess it.
const slackFactor = 1.1

// Decision is the flush controller's three-way verdict.
type Decision int

const (
	// NoFlush appends in place; budget is OK.
	NoFlush Decision = iota
	// IOFlush rearranges now, starts the backend write, and frees the
	// compute-side cache.
	IOFlush
	// DiskFlush rearranges and completes the backend write, freeing the
	// I/O-side cache too.
	DiskFlush
)

func (d Decision) String() string {
	switch d {
	case NoFlush:
		return "no_flush"
	case IOFlush:
		return "io_flush"
	case DiskFlush:
		return "disk_flush"
	default:
		return "unknown"
	}
}

// Comm is the collective the flush controller synchronizes its
// decision over: an all-reduce-MAX across the compute communicator,
// so every compute task agrees before the downstream collective
// rearrangement.
type Comm interface {
	AllReduceMax(ctx context.Context, value int) (int, error)
}

// LocalDecision computes the un-synchronized, single-task flush
// decision for an about-to-happen append of arraylen elements onto w
// (w may be nil, for a WMB not yet created -- num_arrays is then 0).
// stats is the current snapshot of the buffer pool backing w's data.
func LocalDecision(w *wmb.WMB, arraylen int, desc *iosystem.Desc, stats pool.Stats) Decision {
	numArrays := 0
	mpiTypeSize := desc.MPITypeSize
	if w != nil {
		numArrays = w.NumArrays
		if mpiTypeSize == 0 {
			mpiTypeSize = w.ElemSize
		}
	}

	decision := NoFlush

	projected := int64(1+numArrays) * int64(arraylen) * int64(mpiTypeSize)
	threshold := int64(slackFactor * float64(projected))
	if stats.MaxFree <= threshold {
		decision = IOFlush
	}

	if stats.CurAlloc >= config.BufferSizeLimit() {
		decision = DiskFlush
	}

	maxRegions := desc.MaxRegions
	if desc.MaxFillRegions > maxRegions {
		maxRegions = desc.MaxFillRegions
	}
	if int64(1+numArrays)*int64(maxRegions) > config.MaxCachedIORegions() {
		decision = DiskFlush
	}

	return decision
}

// Decide computes the local decision and synchronizes it across comm
// via all-reduce-MAX, returning the agreed decision every compute
// task must act on identically.
func Decide(ctx context.Context, comm Comm, w *wmb.WMB, arraylen int, desc *iosystem.Desc, stats pool.Stats) (Decision, error) {
	local := LocalDecision(w, arraylen, desc, stats)
	agreed, err := comm.AllReduceMax(ctx, int(local))
	if err != nil {
		err = errors.E(errors.MPIFail, "flush.Decide: all-reduce", err)
		diag.Report(err, "", "")
		return NoFlush, err
	}
	return Decision(agreed), nil
}
