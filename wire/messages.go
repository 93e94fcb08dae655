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

	"github.com/dhashchain/go-dhash/common"
)

// Message is an overlay payload of a known kind.
type Message interface {
	Kind() Kind
	appendPayload(b []byte) []byte
}

// Header is the outer frame of every overlay packet.
type Header struct {
	Version uint32
	Type    Kind
	Payload []byte

	// Unknown holds unrecognized header fields, kept for diagnostics.
	Unknown []UnknownField
}

// Encode wraps a message payload in a Header and returns the packet bytes.
func Encode(msg Message) ([]byte, error) {
	payload := msg.appendPayload(nil)
	b := appendVarint(nil, 1, uint64(Version))
	b = appendVarint(b, 2, uint64(msg.Kind()))
	b = appendBytes(b, 3, payload)
	if len(b) > BufSize {
		return nil, ErrTooLarge
	}
	return b, nil
}

// DecodeHeader parses the outer frame of an overlay packet. The payload is
// not interpreted; pass it to DecodeBody once the kind's handler is known.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) > BufSize {
		return Header{}, ErrTooLarge
	}
	d, err := newDecoder(b)
	if err != nil {
		return Header{}, err
	}
	var h Header
	h.Version = d.uint32(1)
	h.Type = Kind(d.uint32(2))
	h.Payload = d.bytes(3)
	if h.Unknown, err = d.finish(); err != nil {
		return Header{}, err
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	return h, nil
}

// DecodeBody decodes a payload according to its kind. The kind set is
// closed; an out-of-range kind yields ErrUnknownKind.
func DecodeBody(kind Kind, payload []byte) (Message, error) {
	switch kind {
	case KindAddrDiscover:
		return decodeAddrDiscover(payload)
	case KindAddrDiscoverReply:
		return decodeAddrDiscoverReply(payload)
	case KindData:
		return decodeData(payload)
	case KindFindSuccessor:
		return decodeFindSuccessor(payload)
	case KindFindSuccessorReply:
		return decodeFindSuccessorReply(payload)
	case KindStabilize:
		return decodeStabilize(payload)
	case KindStabilizeReply:
		return decodeStabilizeReply(payload)
	case KindNotify:
		return decodeNotify(payload)
	case KindPing:
		return decodePing(payload)
	case KindPong:
		return decodePong(payload)
	case KindQuery:
		return decodeQuery(payload)
	case KindQueryReplySuccess:
		return decodeQueryReplySuccess(payload)
	case KindQueryReplyFailure:
		return decodeQueryReplyFailure(payload)
	case KindPush:
		return decodePush(payload)
	case KindPushReply:
		return decodePushReply(payload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint32(kind))
	}
}

// Ticket is the wire form of a capability ticket: the issue time and a
// truncated MAC tag. Verification lives in the ticket package.
type Ticket struct {
	Time uint32
	Hash []byte
}

// EncodeTicket packs a ticket into its length-delimited structured form.
func EncodeTicket(t Ticket) []byte {
	b := appendVarint(nil, 1, uint64(t.Time))
	return appendBytes(b, 2, t.Hash)
}

// DecodeTicket parses a ticket blob.
func DecodeTicket(b []byte) (Ticket, error) {
	d, err := newDecoder(b)
	if err != nil {
		return Ticket{}, err
	}
	var t Ticket
	t.Time = d.uint32(1)
	t.Hash = d.bytes(2)
	if _, err := d.finish(); err != nil {
		return Ticket{}, err
	}
	return t, nil
}

// AddrDiscover asks a peer to report the sender's external address.
type AddrDiscover struct {
	Ticket []byte
}

func (*AddrDiscover) Kind() Kind { return KindAddrDiscover }

func (m *AddrDiscover) appendPayload(b []byte) []byte {
	return appendBytes(b, 1, m.Ticket)
}

func decodeAddrDiscover(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &AddrDiscover{Ticket: d.bytes(1)}
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// AddrDiscoverReply reports the address a peer's AddrDiscover arrived from.
type AddrDiscoverReply struct {
	Ticket []byte
	Addr   [common.AddrLength]byte
}

func (*AddrDiscoverReply) Kind() Kind { return KindAddrDiscoverReply }

func (m *AddrDiscoverReply) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.Ticket)
	return appendBytes(b, 2, m.Addr[:])
}

func decodeAddrDiscoverReply(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &AddrDiscoverReply{}
	m.Ticket = d.bytes(1)
	m.Addr = d.addr(2)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// Data is the forwarding envelope: a payload routed through the ring toward
// the node responsible for ID.
type Data struct {
	ID   common.ID
	TTL  uint8
	Last bool
	Data []byte
}

func (*Data) Kind() Kind { return KindData }

func (m *Data) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.ID[:])
	b = appendVarint(b, 2, uint64(m.TTL))
	b = appendBool(b, 3, m.Last)
	return appendBytes(b, 4, m.Data)
}

func decodeData(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &Data{}
	m.ID = d.id(1)
	m.TTL = d.uint8(2)
	m.Last = d.bool(3)
	m.Data = d.bytes(4)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// FindSuccessor asks the ring for the successor of the sender's identifier.
type FindSuccessor struct {
	Ticket []byte
	TTL    uint8
	Addr   [common.AddrLength]byte
	Port   uint16
}

func (*FindSuccessor) Kind() Kind { return KindFindSuccessor }

func (m *FindSuccessor) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.Ticket)
	b = appendVarint(b, 2, uint64(m.TTL))
	b = appendBytes(b, 3, m.Addr[:])
	return appendVarint(b, 4, uint64(m.Port))
}

func decodeFindSuccessor(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &FindSuccessor{}
	m.Ticket = d.bytes(1)
	m.TTL = d.uint8(2)
	m.Addr = d.addr(3)
	m.Port = d.uint16(4)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// FindSuccessorReply carries the endpoint of the found successor.
type FindSuccessorReply struct {
	Ticket []byte
	Addr   [common.AddrLength]byte
	Port   uint16
}

func (*FindSuccessorReply) Kind() Kind { return KindFindSuccessorReply }

func (m *FindSuccessorReply) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.Ticket)
	b = appendBytes(b, 2, m.Addr[:])
	return appendVarint(b, 3, uint64(m.Port))
}

func decodeFindSuccessorReply(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &FindSuccessorReply{}
	m.Ticket = d.bytes(1)
	m.Addr = d.addr(2)
	m.Port = d.uint16(3)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// Stabilize is the periodic successor check carrying the sender's endpoint.
type Stabilize struct {
	Addr [common.AddrLength]byte
	Port uint16
}

func (*Stabilize) Kind() Kind { return KindStabilize }

func (m *Stabilize) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.Addr[:])
	return appendVarint(b, 2, uint64(m.Port))
}

func decodeStabilize(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &Stabilize{}
	m.Addr = d.addr(1)
	m.Port = d.uint16(2)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// StabilizeReply reports the receiver's predecessor back to a stabilizing
// node.
type StabilizeReply struct {
	Addr [common.AddrLength]byte
	Port uint16
}

func (*StabilizeReply) Kind() Kind { return KindStabilizeReply }

func (m *StabilizeReply) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.Addr[:])
	return appendVarint(b, 2, uint64(m.Port))
}

func decodeStabilizeReply(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &StabilizeReply{}
	m.Addr = d.addr(1)
	m.Port = d.uint16(2)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// Notify tells the receiver that the sender believes it is the receiver's
// predecessor. The sender is identified by the packet source.
type Notify struct{}

func (*Notify) Kind() Kind { return KindNotify }

func (m *Notify) appendPayload(b []byte) []byte { return b }

func decodeNotify(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return &Notify{}, nil
}

// Ping is a liveness probe. Time is echoed back in the Pong and bound into
// its ticket.
type Ping struct {
	Ticket []byte
	Time   uint64
}

func (*Ping) Kind() Kind { return KindPing }

func (m *Ping) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.Ticket)
	return appendVarint(b, 2, m.Time)
}

func decodePing(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &Ping{}
	m.Ticket = d.bytes(1)
	m.Time = d.varint(2)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// Pong answers a Ping, echoing its timestamp.
type Pong struct {
	Ticket []byte
	Time   uint64
}

func (*Pong) Kind() Kind { return KindPong }

func (m *Pong) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.Ticket)
	return appendVarint(b, 2, m.Time)
}

func decodePong(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &Pong{}
	m.Ticket = d.bytes(1)
	m.Time = d.varint(2)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// Query is a lookup for a named file, routed toward the file identifier's
// successor. Replies go directly to the reply endpoint.
type Query struct {
	ReplyAddr [common.AddrLength]byte
	ReplyPort uint16
	Name      []byte
}

func (*Query) Kind() Kind { return KindQuery }

func (m *Query) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.ReplyAddr[:])
	b = appendVarint(b, 2, uint64(m.ReplyPort))
	return appendBytes(b, 3, m.Name)
}

func decodeQuery(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &Query{}
	m.ReplyAddr = d.addr(1)
	m.ReplyPort = d.uint16(2)
	m.Name = d.bytes(3)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReplyEndpoint returns the endpoint query replies must be sent to.
func (m *Query) ReplyEndpoint() common.Endpoint {
	return common.Endpoint{Addr: m.ReplyAddr, Port: m.ReplyPort}
}

// QueryReplySuccess announces that the sender holds the file and is about
// to stream it on the partnered bulk port.
type QueryReplySuccess struct {
	Size uint64
	Name []byte
}

func (*QueryReplySuccess) Kind() Kind { return KindQueryReplySuccess }

func (m *QueryReplySuccess) appendPayload(b []byte) []byte {
	b = appendVarint(b, 1, m.Size)
	return appendBytes(b, 2, m.Name)
}

func decodeQueryReplySuccess(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &QueryReplySuccess{}
	m.Size = d.varint(1)
	m.Name = d.bytes(2)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// QueryReplyFailure announces that the file's rendezvous owner does not
// hold it.
type QueryReplyFailure struct {
	Name []byte
}

func (*QueryReplyFailure) Kind() Kind { return KindQueryReplyFailure }

func (m *QueryReplyFailure) appendPayload(b []byte) []byte {
	return appendBytes(b, 1, m.Name)
}

func decodeQueryReplyFailure(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &QueryReplyFailure{Name: d.bytes(1)}
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// Push offers a file to the node that should own its identifier.
type Push struct {
	ReplyAddr [common.AddrLength]byte
	ReplyPort uint16
	Name      []byte
	Size      uint64
}

func (*Push) Kind() Kind { return KindPush }

func (m *Push) appendPayload(b []byte) []byte {
	b = appendBytes(b, 1, m.ReplyAddr[:])
	b = appendVarint(b, 2, uint64(m.ReplyPort))
	b = appendBytes(b, 3, m.Name)
	return appendVarint(b, 4, m.Size)
}

func decodePush(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &Push{}
	m.ReplyAddr = d.addr(1)
	m.ReplyPort = d.uint16(2)
	m.Name = d.bytes(3)
	m.Size = d.varint(4)
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReplyEndpoint returns the endpoint the push acknowledgement must go to.
func (m *Push) ReplyEndpoint() common.Endpoint {
	return common.Endpoint{Addr: m.ReplyAddr, Port: m.ReplyPort}
}

// PushReply accepts a Push; the sender will connect to the pusher's bulk
// port to receive the file.
type PushReply struct {
	Name []byte
}

func (*PushReply) Kind() Kind { return KindPushReply }

func (m *PushReply) appendPayload(b []byte) []byte {
	return appendBytes(b, 1, m.Name)
}

func decodePushReply(payload []byte) (Message, error) {
	d, err := newDecoder(payload)
	if err != nil {
		return nil, err
	}
	m := &PushReply{Name: d.bytes(1)}
	if _, err := d.finish(); err != nil {
		return nil, err
	}
	return m, nil
}
