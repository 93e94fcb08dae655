// Copyright 2025 The go-dhash Authors
// This file is part of the go-dhash library.
//
// The go-dhash library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-dhash library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-dhash library. If not, see <http://www.gnu.org/licenses/>.

package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dhashchain/go-dhash/common"
)

// field is one decoded protobuf field. Exactly one of varint and bytes is
// meaningful, depending on typ.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// UnknownField is a field the decoder did not recognize. Unknown Header
// fields are kept in Header.Unknown for diagnostics and never round-trip;
// the message body decoders skip unknown fields without keeping them.
type UnknownField struct {
	Num  int32
	Type int8
	Raw  []byte
}

// scanFields splits a protobuf-encoded buffer into its raw fields. A tag
// that cannot be parsed is malformed; a value that runs past the end of the
// buffer is truncated.
func scanFields(b []byte) ([]field, error) {
	var fields []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad field tag", ErrMalformed)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: varint field %d", ErrTruncated, num)
			}
			f.varint = v
			b = b[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: fixed32 field %d", ErrTruncated, num)
			}
			f.varint = uint64(v)
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: fixed64 field %d", ErrTruncated, num)
			}
			f.varint = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: bytes field %d", ErrTruncated, num)
			}
			f.bytes = v
			b = b[n:]
		default:
			return nil, fmt.Errorf("%w: unsupported wire type %d", ErrMalformed, typ)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func (f field) unknown() UnknownField {
	return UnknownField{Num: int32(f.num), Type: int8(f.typ), Raw: f.bytes}
}

// decoder walks scanned fields and accumulates per-field errors, so message
// decoders read as a flat sequence of takes followed by one error check.
type decoder struct {
	fields  []field
	seen    map[protowire.Number]bool
	unknown []UnknownField
	err     error
}

func newDecoder(payload []byte) (*decoder, error) {
	fields, err := scanFields(payload)
	if err != nil {
		return nil, err
	}
	return &decoder{fields: fields, seen: make(map[protowire.Number]bool)}, nil
}

func (d *decoder) find(num protowire.Number, typ protowire.Type) (field, bool) {
	for _, f := range d.fields {
		if f.num != num {
			continue
		}
		if f.typ != typ {
			d.fail("field %d has wire type %d, want %d", num, f.typ, typ)
			return field{}, false
		}
		d.seen[num] = true
		return f, true
	}
	return field{}, false
}

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	}
}

func (d *decoder) varint(num protowire.Number) uint64 {
	f, ok := d.find(num, protowire.VarintType)
	if !ok {
		d.fail("missing field %d", num)
	}
	return f.varint
}

func (d *decoder) uint32(num protowire.Number) uint32 {
	v := d.varint(num)
	if v > math.MaxUint32 {
		d.fail("field %d overflows uint32", num)
	}
	return uint32(v)
}

func (d *decoder) uint16(num protowire.Number) uint16 {
	v := d.varint(num)
	if v > math.MaxUint16 {
		d.fail("field %d overflows uint16", num)
	}
	return uint16(v)
}

func (d *decoder) uint8(num protowire.Number) uint8 {
	v := d.varint(num)
	if v > math.MaxUint8 {
		d.fail("field %d overflows uint8", num)
	}
	return uint8(v)
}

func (d *decoder) bool(num protowire.Number) bool {
	return d.varint(num) != 0
}

func (d *decoder) bytes(num protowire.Number) []byte {
	f, ok := d.find(num, protowire.BytesType)
	if !ok {
		d.fail("missing field %d", num)
	}
	return f.bytes
}

func (d *decoder) id(num protowire.Number) common.ID {
	b := d.bytes(num)
	if d.err == nil && len(b) != common.IDLength {
		d.fail("field %d: identifier is %d bytes, want %d", num, len(b), common.IDLength)
	}
	return common.BytesToID(b)
}

func (d *decoder) addr(num protowire.Number) (addr [common.AddrLength]byte) {
	b := d.bytes(num)
	if d.err == nil && len(b) != common.AddrLength {
		d.fail("field %d: address is %d bytes, want %d", num, len(b), common.AddrLength)
		return addr
	}
	copy(addr[:], b)
	return addr
}

// finish collects unknown trailing fields and returns the accumulated error.
func (d *decoder) finish() ([]UnknownField, error) {
	if d.err != nil {
		return nil, d.err
	}
	for _, f := range d.fields {
		if !d.seen[f.num] {
			d.unknown = append(d.unknown, f.unknown())
		}
	}
	return d.unknown, nil
}

// Append helpers used by the message encoders. Field ordering is fixed by
// the callers, so packing the same value always yields the same bytes.

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	var u uint64
	if v {
		u = 1
	}
	return appendVarint(b, num, u)
}
