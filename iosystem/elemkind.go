// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iosystem

import (
	"encoding/binary"
	"math"

	"github.com/grailbio/pio/errors"
)

// ElementKind identifies a variable's storage element type, for
// purposes of default fill-value lookup. spec.md names BAD_ELEMENT_TYPE
// as the error for "fill defaulting attempted for an unknown element
// type" but does not enumerate the supported types; this follows the
// element kinds a self-describing array format typically supports.
type ElementKind int

const (
	Int8 ElementKind = iota
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	Byte
)

// DefaultFillValue returns the element-sized default fill value for
// kind, encoded little-endian (matching the rest of this module's
// wire conventions, e.g. package async). It returns an error of kind
// errors.BadElementType for an unrecognized kind.
func DefaultFillValue(kind ElementKind) ([]byte, error) {
	switch kind {
	case Int8, Uint8, Byte:
		return []byte{0xff}, nil
	case Int16, Uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, 0xffff)
		return b, nil
	case Int32, Uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, 0xffffffff)
		return b, nil
	case Int64, Uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, 0xffffffffffffffff)
		return b, nil
	case Float32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(9.9692099683868690e+36))
		return b, nil
	case Float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(9.9692099683868690e+36))
		return b, nil
	default:
		return nil, errors.E(errors.BadElementType, "no default fill value for element kind")
	}
}

// ElemSize returns the size in bytes of one element of kind.
func ElemSize(kind ElementKind) (int, error) {
	switch kind {
	case Int8, Uint8, Byte:
		return 1, nil
	case Int16, Uint16:
		return 2, nil
	case Int32, Uint32, Float32:
		return 4, nil
	case Int64, Uint64, Float64:
		return 8, nil
	default:
		return 0, errors.E(errors.BadElementType, "unknown element kind")
	}
}
