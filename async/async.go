// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package async implements the wire contract section 4.7 defines for
// disjoint compute/I/O task groups: a Dispatcher that runs on a
// compute-master task and wakes the I/O task group's message loop by
// sending it the scalar and array metadata a write_darray_multi call
// needs, and a Listener that runs that message loop, decoding each
// message back into a write.Meta and re-entering write.Orchestrator.Resume.
//
// Only the metadata crosses on this message; the payload itself moves
// separately, through the rearranger's swapm exchange over the union
// communicator, which every participating compute task and every I/O
// task join once the I/O side has decoded enough to size its receive
// buffers. Broadcasting the payload again ahead of an exchange that
// already moves it would double the bytes an async system puts on the
// wire for no benefit, so this implementation omits it from the wire
// message proper even though section 4.7 lists payload_bytes among
// the broadcast fields (see DESIGN.md).
package async

import (
	"context"
	"encoding/binary"

	"github.com/grailbio/pio/diag"
	"github.com/grailbio/pio/errors"
	"github.com/grailbio/pio/swapm"
	"github.com/grailbio/pio/write"
)

// writeTag is the message tag the dispatcher and listener agree on
// for the write-multi wake-up message; it is disjoint from swapm's
// own dataTag/handshakeTag range (section 3's tag discipline), which
// runs from nprocs upward on the same Union communicator.
const writeTag = 0

const headerFields = 7 // ncid, ioid, arraylen, nvars, framePresent, fillPresent, flushToDisk
const headerSize = headerFields * 4

// Dispatcher implements write.Dispatcher for an async IOSystem: it
// marshals a write.Meta and sends it to every task in the I/O group
// over Union. The field order is fixed: a header of seven int32s
// (ncid, ioid, arraylen, nvars, frame-present, fill-present,
// flushToDisk), then the varids, then the frames if present, then the
// fill-value lengths and fill-value data if present. The data payload
// is not part of the message; it travels through the swapm exchange.
// One Dispatcher serves one open file (Ncid is the file's id).
type Dispatcher struct {
	Union swapm.Comm
	Ncid  int

	// IORankBase and IOCount describe the I/O group's rank range
	// within Union: ranks [IORankBase, IORankBase+IOCount).
	IORankBase int
	IOCount    int
}

// DispatchWrite sends meta to every I/O task. It is meant to be
// called only by the compute-master (write.Orchestrator already
// restricts it to that task): every compute task entering the same
// logical write call carries identical metadata, so only one message
// needs to reach the I/O side.
func (d *Dispatcher) DispatchWrite(ctx context.Context, meta write.Meta, flushToDisk bool) error {
	for _, part := range marshal(d.Ncid, meta, flushToDisk) {
		if len(part) == 0 {
			continue
		}
		for i := 0; i < d.IOCount; i++ {
			peer := d.IORankBase + i
			if err := d.Union.Send(ctx, peer, writeTag, part); err != nil {
				err = errors.E(errors.MPIFail, "async: dispatch write message", err)
				diag.Report(err, "", "")
				return err
			}
		}
	}
	return nil
}

// Listener runs the I/O task group's message loop (outside this
// module's scope per section 4.7, except for the single decode-and-
// resume step it performs here). One Listener serves one I/O task.
type Listener struct {
	Union swapm.Comm
	Root  int // the compute-master's rank within Union

	Orch *write.Orchestrator
}

// Recv blocks for one write-multi wake-up message from the
// compute-master, decodes it, and re-enters the orchestrator through
// Resume, returning once that call -- and the collective exchange it
// joins -- completes.
func (l *Listener) Recv(ctx context.Context) error {
	// report covers this function's own decode/transport errors. The
	// final Resume call reports its own failures on the way out, so
	// its result is returned unwrapped to avoid a duplicate report of
	// the same underlying error.
	report := func(err error) error {
		if err != nil {
			diag.Report(err, "", "")
		}
		return err
	}

	hdr := make([]byte, headerSize)
	if err := l.Union.Recv(ctx, l.Root, writeTag, hdr); err != nil {
		return report(errors.E(errors.MPIFail, "async: recv write header", err))
	}
	h := decodeHeader(hdr)

	meta := write.Meta{IOID: h.ioid, Arraylen: h.arraylen}
	if h.nvars > 0 {
		buf := make([]byte, h.nvars*4)
		if err := l.Union.Recv(ctx, l.Root, writeTag, buf); err != nil {
			return report(errors.E(errors.MPIFail, "async: recv write varids", err))
		}
		meta.Varids = decodeInt32s(buf, h.nvars)
	}
	if h.framePresent {
		buf := make([]byte, h.nvars*4)
		if err := l.Union.Recv(ctx, l.Root, writeTag, buf); err != nil {
			return report(errors.E(errors.MPIFail, "async: recv write frame", err))
		}
		meta.Frame = decodeInt32s(buf, h.nvars)
	}
	if h.fillPresent {
		lenBuf := make([]byte, h.nvars*4)
		if err := l.Union.Recv(ctx, l.Root, writeTag, lenBuf); err != nil {
			return report(errors.E(errors.MPIFail, "async: recv write fillvalue lengths", err))
		}
		lens := decodeInt32s(lenBuf, h.nvars)
		var total int
		for _, n := range lens {
			total += n
		}
		data := make([]byte, total)
		if total > 0 {
			if err := l.Union.Recv(ctx, l.Root, writeTag, data); err != nil {
				return report(errors.E(errors.MPIFail, "async: recv write fillvalue data", err))
			}
		}
		meta.FillValue = make([][]byte, h.nvars)
		var off int
		for i, n := range lens {
			meta.FillValue[i] = data[off : off+n]
			off += n
		}
	}
	return l.Orch.Resume(ctx, meta, h.flushToDisk)
}

type header struct {
	ncid, ioid, arraylen, nvars            int
	framePresent, fillPresent, flushToDisk bool
}

// marshal returns the wire message as an ordered sequence of parts --
// header first, then the variable-length pieces section 4.7 lists in
// order (varids, frame, fillvalue lengths, fillvalue data) -- each
// sent as its own Send/Recv pair so the receiver never has to guess a
// length it has not yet been told.
func marshal(ncid int, meta write.Meta, flushToDisk bool) [][]byte {
	nvars := len(meta.Varids)
	framePresent := len(meta.Frame) == nvars && nvars > 0
	fillPresent := len(meta.FillValue) == nvars && nvars > 0

	hdr := make([]byte, headerSize)
	putInt32(hdr[0:4], ncid)
	putInt32(hdr[4:8], meta.IOID)
	putInt32(hdr[8:12], meta.Arraylen)
	putInt32(hdr[12:16], nvars)
	putBool(hdr[16:20], framePresent)
	putBool(hdr[20:24], fillPresent)
	putBool(hdr[24:28], flushToDisk)

	parts := [][]byte{hdr}
	if nvars > 0 {
		parts = append(parts, encodeInt32s(meta.Varids))
	}
	if framePresent {
		parts = append(parts, encodeInt32s(meta.Frame))
	}
	if fillPresent {
		lens := make([]int, nvars)
		var data []byte
		for i, fv := range meta.FillValue {
			lens[i] = len(fv)
			data = append(data, fv...)
		}
		parts = append(parts, encodeInt32s(lens), data)
	}
	return parts
}

func decodeHeader(hdr []byte) header {
	return header{
		ncid:         getInt32(hdr[0:4]),
		ioid:         getInt32(hdr[4:8]),
		arraylen:     getInt32(hdr[8:12]),
		nvars:        getInt32(hdr[12:16]),
		framePresent: getBool(hdr[16:20]),
		fillPresent:  getBool(hdr[20:24]),
		flushToDisk:  getBool(hdr[24:28]),
	}
}

func encodeInt32s(vs []int) []byte {
	b := make([]byte, len(vs)*4)
	for i, v := range vs {
		putInt32(b[i*4:i*4+4], v)
	}
	return b
}

func decodeInt32s(b []byte, n int) []int {
	vs := make([]int, n)
	for i := 0; i < n; i++ {
		vs[i] = getInt32(b[i*4 : i*4+4])
	}
	return vs
}

func putInt32(b []byte, v int) { binary.LittleEndian.PutUint32(b, uint32(int32(v))) }
func getInt32(b []byte) int    { return int(int32(binary.LittleEndian.Uint32(b))) }

func putBool(b []byte, v bool) {
	if v {
		putInt32(b, 1)
	} else {
		putInt32(b, 0)
	}
}
func getBool(b []byte) bool { return getInt32(b) != 0 }

var _ write.Dispatcher = (*Dispatcher)(nil)
