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
	"encoding/binary"
	"fmt"
	"io"
)

// ControlFrame is one message on the local client channel: a one byte code
// plus a file name.
type ControlFrame struct {
	Code byte
	Name []byte
}

// maxControlFrame bounds a control frame to the overlay packet ceiling.
const maxControlFrame = BufSize

// WriteControlFrame writes a length-prefixed control frame to w.
func WriteControlFrame(w io.Writer, f ControlFrame) error {
	if len(f.Name)+1 > maxControlFrame {
		return ErrTooLarge
	}
	buf := make([]byte, 4+1+len(f.Name))
	binary.BigEndian.PutUint32(buf, uint32(1+len(f.Name)))
	buf[4] = f.Code
	copy(buf[5:], f.Name)
	_, err := w.Write(buf)
	return err
}

// ReadControlFrame reads one length-prefixed control frame from r. It
// returns io.EOF unchanged when the stream ends cleanly between frames.
func ReadControlFrame(r io.Reader) (ControlFrame, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		if err == io.EOF {
			return ControlFrame{}, io.EOF
		}
		return ControlFrame{}, fmt.Errorf("%w: control frame length: %v", ErrTruncated, err)
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	if n == 0 {
		return ControlFrame{}, fmt.Errorf("%w: empty control frame", ErrMalformed)
	}
	if n > maxControlFrame {
		return ControlFrame{}, ErrTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return ControlFrame{}, fmt.Errorf("%w: control frame body: %v", ErrTruncated, err)
	}
	return ControlFrame{Code: buf[0], Name: buf[1:]}, nil
}
