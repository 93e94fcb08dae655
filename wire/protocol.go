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

// Package wire implements the overlay and control channel message codec.
//
// Every overlay packet is a Header carrying a protocol version, a message
// kind and an opaque payload. Payloads are encoded in protobuf wire format
// (length-delimited, field-tagged) with fixed field numbers per kind.
package wire

import (
	"errors"
	"fmt"
)

// Version is the overlay protocol version emitted in every Header.
const Version = 1

// BufSize is the ceiling on a single overlay packet, header included.
const BufSize = 65535

// Kind enumerates the overlay message kinds.
type Kind uint32

const (
	KindAddrDiscover Kind = iota
	KindAddrDiscoverReply
	KindData
	KindFindSuccessor
	KindFindSuccessorReply
	KindStabilize
	KindStabilizeReply
	KindNotify
	KindPing
	KindPong
	KindQuery
	KindQueryReplySuccess
	KindQueryReplyFailure
	KindPush
	KindPushReply

	kindMax
)

var kindNames = [...]string{
	KindAddrDiscover:       "AddrDiscover",
	KindAddrDiscoverReply:  "AddrDiscoverReply",
	KindData:               "Data",
	KindFindSuccessor:      "FindSuccessor",
	KindFindSuccessorReply: "FindSuccessorReply",
	KindStabilize:          "Stabilize",
	KindStabilizeReply:     "StabilizeReply",
	KindNotify:             "Notify",
	KindPing:               "Ping",
	KindPong:               "Pong",
	KindQuery:              "Query",
	KindQueryReplySuccess:  "QueryReplySuccess",
	KindQueryReplyFailure:  "QueryReplyFailure",
	KindPush:               "Push",
	KindPushReply:          "PushReply",
}

// String implements the stringer interface.
func (k Kind) String() string {
	if k < kindMax {
		return kindNames[k]
	}
	return fmt.Sprintf("Unknown(%d)", uint32(k))
}

// Valid reports whether the kind is part of the protocol.
func (k Kind) Valid() bool { return k < kindMax }

// Control channel codes. A control frame is a u32 big-endian length followed
// by a one byte code and the file name.
const (
	ClientRequest      = 0 // client -> node
	ClientReplyLocal   = 0 // node -> client
	ClientReplySuccess = 1
	ClientReplyFailure = 2
)

// Decoding errors. ErrTruncated and ErrMalformed wrap position detail via
// fmt.Errorf("%w"); match with errors.Is.
var (
	ErrTruncated   = errors.New("wire: truncated message")
	ErrMalformed   = errors.New("wire: malformed message")
	ErrUnknownKind = errors.New("wire: unknown message kind")
	ErrTooLarge    = errors.New("wire: message exceeds buffer size")
	ErrBadVersion  = errors.New("wire: unsupported protocol version")
)
