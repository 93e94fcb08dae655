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

// Package common contains the identifier and endpoint types shared by all
// overlay layers.
package common

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strings"
)

// Lengths of ring identifiers and addresses in bytes.
const (
	// IDLength is the expected length of a ring identifier.
	IDLength = 20
	// AddrLength is the expected length of a network address (IPv6 or
	// IPv4-mapped IPv6).
	AddrLength = 16
)

// ID represents the 20 byte SHA-1 identifier of a node or a stored file,
// ordered circularly modulo 2^160.
type ID [IDLength]byte

// BytesToID sets b to an ID.
// If b is larger than len(id), b will be cropped from the left.
func BytesToID(b []byte) ID {
	var id ID
	id.SetBytes(b)
	return id
}

// BigToID sets the byte representation of b to an ID.
// If b is larger than len(id), b will be cropped from the left.
func BigToID(b *big.Int) ID { return BytesToID(b.Bytes()) }

// HexToID sets the byte representation of s to an ID.
// If s is larger than len(id), s will be cropped from the left.
func HexToID(s string) ID { return BytesToID(FromHex(s)) }

// DataID derives the ring identifier of arbitrary data.
func DataID(data []byte) ID { return ID(sha1.Sum(data)) }

// SetBytes sets the ID to the value of b.
// If b is larger than len(id), b will be cropped from the left.
func (id *ID) SetBytes(b []byte) {
	if len(b) > len(id) {
		b = b[len(b)-IDLength:]
	}
	copy(id[IDLength-len(b):], b)
}

// Bytes gets the byte representation of the underlying ID.
func (id ID) Bytes() []byte { return id[:] }

// Big converts an ID to a big integer.
func (id ID) Big() *big.Int { return new(big.Int).SetBytes(id[:]) }

// Hex converts an ID to a hex string.
func (id ID) Hex() string { return "0x" + hex.EncodeToString(id[:]) }

// String implements the stringer interface and is used also by the logger
// when doing full logging into a file.
func (id ID) String() string { return id.Hex() }

// TerminalString formats the ID for console output during logging.
func (id ID) TerminalString() string {
	return fmt.Sprintf("%x..%x", id[:3], id[17:])
}

// Format implements fmt.Formatter.
// ID supports the %v, %s, %q, %x and %X format verbs.
func (id ID) Format(s fmt.State, c rune) {
	hexb := make([]byte, 2+len(id)*2)
	copy(hexb, "0x")
	hex.Encode(hexb[2:], id[:])

	switch c {
	case 'x', 'X':
		if !s.Flag('#') {
			hexb = hexb[2:]
		}
		if c == 'X' {
			hexb = bytes.ToUpper(hexb)
		}
		fallthrough
	case 'v', 's':
		s.Write(hexb)
	case 'q':
		q := []byte{'"'}
		s.Write(q)
		s.Write(hexb)
		s.Write(q)
	case 'd':
		fmt.Fprint(s, ([len(id)]byte)(id))
	default:
		fmt.Fprintf(s, "%%!%c(common.ID=%x)", c, id)
	}
}

// MarshalText returns the hex representation of id.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText parses an ID in hex syntax.
func (id *ID) UnmarshalText(input []byte) error {
	raw := strings.TrimPrefix(string(input), "0x")
	if len(raw) != IDLength*2 {
		return fmt.Errorf("ID must be %d hex characters, got %d", IDLength*2, len(raw))
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return err
	}
	id.SetBytes(b)
	return nil
}

// Between reports whether x lies strictly within the open arc (a, b),
// measured clockwise modulo 2^160. When a == b the arc spans the whole
// ring except a itself.
func (x ID) Between(a, b ID) bool {
	ab := bytes.Compare(a[:], b[:])
	ax := bytes.Compare(a[:], x[:])
	xb := bytes.Compare(x[:], b[:])
	if ab < 0 {
		return ax < 0 && xb < 0
	}
	if ab > 0 {
		// The arc wraps past zero.
		return ax < 0 || xb < 0
	}
	// Degenerate single-node arc: everything but a is inside.
	return ax != 0
}

// InArc reports whether x lies within the half-open arc (a, b], the
// successor-responsibility range used for locality decisions.
func (x ID) InArc(a, b ID) bool {
	return x == b || x.Between(a, b)
}

// FromHex returns the bytes represented by the hexadecimal string s.
// s may be prefixed with "0x".
func FromHex(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, _ := hex.DecodeString(s)
	return b
}

// Endpoint is the network identity of an overlay peer: a 16 byte IPv6 or
// IPv4-mapped IPv6 address plus a UDP port.
type Endpoint struct {
	Addr [AddrLength]byte
	Port uint16
}

// NewEndpoint builds an Endpoint from a net.IP, mapping IPv4 addresses into
// the IPv6 space.
func NewEndpoint(ip net.IP, port uint16) Endpoint {
	var ep Endpoint
	ep.Port = port
	if ip16 := ip.To16(); ip16 != nil {
		copy(ep.Addr[:], ip16)
	}
	return ep
}

// FromUDPAddr builds an Endpoint from the source address of a datagram.
func FromUDPAddr(addr *net.UDPAddr) Endpoint {
	return NewEndpoint(addr.IP, uint16(addr.Port))
}

// ID derives the ring identifier of the endpoint as
// SHA-1(addr || port), with the port in network byte order.
func (ep Endpoint) ID() ID {
	h := sha1.New()
	h.Write(ep.Addr[:])
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], ep.Port)
	h.Write(port[:])
	return BytesToID(h.Sum(nil))
}

// IP returns the endpoint address as a net.IP.
func (ep Endpoint) IP() net.IP { return net.IP(ep.Addr[:]) }

// UDPAddr returns the overlay datagram address of the endpoint.
func (ep Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: ep.IP(), Port: int(ep.Port)}
}

// TCPAddr returns the stream address of the endpoint at the given port.
func (ep Endpoint) TCPAddr(port uint16) *net.TCPAddr {
	return &net.TCPAddr{IP: ep.IP(), Port: int(port)}
}

// Bulk returns the partnered bulk-transfer endpoint one port above the
// overlay port.
func (ep Endpoint) Bulk() Endpoint {
	return Endpoint{Addr: ep.Addr, Port: ep.Port + 1}
}

// IsZero reports whether the endpoint is the zero value.
func (ep Endpoint) IsZero() bool {
	return ep == Endpoint{}
}

// String implements the stringer interface.
func (ep Endpoint) String() string {
	return fmt.Sprintf("[%s]:%d", ep.IP(), ep.Port)
}

// Node pairs a peer's ring identifier with its network endpoint.
type Node struct {
	ID       ID
	Endpoint Endpoint
}

// NodeAt builds a Node for the given endpoint, deriving its identifier.
func NodeAt(ep Endpoint) Node {
	return Node{ID: ep.ID(), Endpoint: ep}
}

// String implements the stringer interface.
func (n Node) String() string {
	return fmt.Sprintf("%s@%s", n.ID.TerminalString(), n.Endpoint)
}
