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

// Package ticket issues and verifies the short-lived capability tokens that
// bind an overlay request to its reply.
//
// A ticket is SHA-1(time || context || secret) truncated to HashLen bytes,
// packed together with the 32-bit issue time. The secret is generated once
// per process; losing it on restart invalidates outstanding tickets, which
// the overlay tolerates by reissuing requests. No per-peer state is kept.
package ticket

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/wire"
)

const (
	// HashLen is the length the SHA-1 tag is truncated to.
	HashLen = 20
	// SecretLength is the size of the process-local ticket secret.
	SecretLength = 32
	// DefaultTimeout is the default validity window of a ticket.
	DefaultTimeout = 60 * time.Second
)

// Verification errors.
var (
	ErrExpired   = errors.New("ticket: expired")
	ErrBadLength = errors.New("ticket: tag has wrong length")
	ErrBadTag    = errors.New("ticket: tag mismatch")
)

// Field is one context value bound into a ticket tag. The issuer and the
// verifier must supply the same fields in the same order.
type Field []byte

// Byte binds a single byte, typically the message kind.
func Byte(b byte) Field { return Field{b} }

// Uint16 binds a 16-bit value in network byte order.
func Uint16(v uint16) Field {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return Field(b[:])
}

// Uint32 binds a 32-bit value in network byte order.
func Uint32(v uint32) Field {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return Field(b[:])
}

// Uint64 binds a 64-bit value in network byte order.
func Uint64(v uint64) Field {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return Field(b[:])
}

// ID binds a ring identifier.
func ID(id common.ID) Field { return Field(id.Bytes()) }

// Addr binds a 16 byte network address.
func Addr(addr [common.AddrLength]byte) Field { return Field(addr[:]) }

// Issuer holds the process-local ticket secret and clock.
type Issuer struct {
	secret  [SecretLength]byte
	timeout time.Duration
	now     func() time.Time
}

// NewIssuer seeds a fresh issuer from the cryptographic RNG. timeout <= 0
// selects DefaultTimeout.
func NewIssuer(timeout time.Duration) (*Issuer, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	iss := &Issuer{timeout: timeout, now: time.Now}
	if _, err := rand.Read(iss.secret[:]); err != nil {
		return nil, fmt.Errorf("ticket: seeding secret: %w", err)
	}
	return iss, nil
}

// Timeout returns the validity window of issued tickets.
func (iss *Issuer) Timeout() time.Duration { return iss.timeout }

// Issue packs a ticket binding the given context at the current time.
func (iss *Issuer) Issue(ctx ...Field) []byte {
	now := uint32(iss.now().Unix())
	return wire.EncodeTicket(wire.Ticket{Time: now, Hash: iss.tag(now, ctx)})
}

// Verify parses blob and checks that it was issued by this process over the
// same context within the validity window. The tag comparison is constant
// time.
func (iss *Issuer) Verify(blob []byte, ctx ...Field) error {
	t, err := wire.DecodeTicket(blob)
	if err != nil {
		return err
	}
	if len(t.Hash) != HashLen {
		return ErrBadLength
	}
	now := iss.now().Unix()
	if int64(t.Time) < now-int64(iss.timeout/time.Second) {
		return ErrExpired
	}
	want := iss.tag(t.Time, ctx)
	if subtle.ConstantTimeCompare(t.Hash, want) != 1 {
		return ErrBadTag
	}
	return nil
}

// Zero wipes the process secret. Outstanding tickets stop verifying.
func (iss *Issuer) Zero() {
	for i := range iss.secret {
		iss.secret[i] = 0
	}
}

func (iss *Issuer) tag(t uint32, ctx []Field) []byte {
	h := sha1.New()
	h.Write(Uint32(t))
	for _, f := range ctx {
		h.Write(f)
	}
	h.Write(iss.secret[:])
	return h.Sum(nil)[:HashLen]
}
