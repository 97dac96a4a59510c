// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package config holds the small set of process-wide tunables that
// govern buffer pool selection, logging verbosity, and the write
// path's flush heuristics. Tunables are read far more often than
// written, so each is guarded by its own atomic rather than a single
// lock around the whole set.
package config

import "sync/atomic"

// DefaultBufferSizeLimit is the default value of the buffer size
// limit: 10 MiB.
const DefaultBufferSizeLimit = 10 << 20

// MaxGatherBlockSize bounds the flow-control block size used by
// swapm's gather. It is a compile-time constant in the source this
// module generalizes, not a runtime tunable.
const MaxGatherBlockSize = 64

var (
	useMalloc          int32
	enableLogging      int32
	maxCachedIORegions = int64(1024)
	bufferSizeLimit    = int64(DefaultBufferSizeLimit)
)

// UseMalloc reports whether the buffer pool should delegate to the
// system allocator instead of the integrated slab allocator.
func UseMalloc() bool { return atomic.LoadInt32(&useMalloc) != 0 }

// SetUseMalloc sets the PIO_USE_MALLOC tunable. pool.New does not
// read it; the pool variant is chosen by New's own argument.
func SetUseMalloc(v bool) {
	var n int32
	if v {
		n = 1
	}
	atomic.StoreInt32(&useMalloc, n)
}

// EnableLogging reports whether PIO_ENABLE_LOGGING is set. No other
// package in this module reads it; it does not change what is logged.
func EnableLogging() bool { return atomic.LoadInt32(&enableLogging) != 0 }

// SetEnableLogging sets the PIO_ENABLE_LOGGING tunable.
func SetEnableLogging(v bool) {
	var n int32
	if v {
		n = 1
	}
	atomic.StoreInt32(&enableLogging, n)
}

// MaxCachedIORegions returns the PIO_MAX_CACHED_IO_REGIONS cap: the
// projected number of I/O-side regions beyond which the flush
// controller forces a disk flush.
func MaxCachedIORegions() int64 { return atomic.LoadInt64(&maxCachedIORegions) }

// SetMaxCachedIORegions sets PIO_MAX_CACHED_IO_REGIONS.
func SetMaxCachedIORegions(n int64) { atomic.StoreInt64(&maxCachedIORegions, n) }

// BufferSizeLimit returns the current pio_buffer_size_limit, in
// bytes.
func BufferSizeLimit() int64 { return atomic.LoadInt64(&bufferSizeLimit) }

// SetBufferSizeLimit sets pio_buffer_size_limit and returns the
// previous value. The flush controller reads the current value on
// every flush decision, so a change applies to every open file as
// well as to files opened later.
func SetBufferSizeLimit(n int64) int64 {
	if n <= 0 {
		panic("config.SetBufferSizeLimit: n must be > 0")
	}
	return atomic.SwapInt64(&bufferSizeLimit, n)
}
