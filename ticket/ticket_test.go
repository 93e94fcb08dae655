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

package ticket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/wire"
)

func testContext() []Field {
	ep := common.NewEndpoint(net.ParseIP("10.0.0.1"), 4242)
	return []Field{
		Byte(4), // FindSuccessorReply
		Addr(ep.Addr),
		Uint16(ep.Port),
	}
}

func TestRoundTrip(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, iss.Timeout())

	blob := iss.Issue(testContext()...)
	assert.NoError(t, iss.Verify(blob, testContext()...))
}

func TestContextMismatch(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)
	blob := iss.Issue(testContext()...)

	wrong := [][]Field{
		{Byte(5), testContext()[1], testContext()[2]},
		{testContext()[0], Addr(common.NewEndpoint(net.ParseIP("10.0.0.2"), 4242).Addr), testContext()[2]},
		{testContext()[0], testContext()[1], Uint16(4243)},
		{testContext()[0], testContext()[1]},
		{},
	}
	for i, ctx := range wrong {
		assert.ErrorIs(t, iss.Verify(blob, ctx...), ErrBadTag, "case %d", i)
	}
}

func TestExpiry(t *testing.T) {
	iss, err := NewIssuer(60 * time.Second)
	require.NoError(t, err)

	base := time.Unix(1700000000, 0)
	iss.now = func() time.Time { return base }
	blob := iss.Issue(testContext()...)

	// Still valid exactly at the window edge.
	iss.now = func() time.Time { return base.Add(60 * time.Second) }
	assert.NoError(t, iss.Verify(blob, testContext()...))

	iss.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.ErrorIs(t, iss.Verify(blob, testContext()...), ErrExpired)
}

func TestTagLength(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)
	blob := wire.EncodeTicket(wire.Ticket{Time: uint32(time.Now().Unix()), Hash: []byte{1, 2, 3}})
	assert.ErrorIs(t, iss.Verify(blob, testContext()...), ErrBadLength)
}

func TestGarbage(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)
	assert.Error(t, iss.Verify([]byte{0xff, 0xff, 0xff}, testContext()...))
	assert.Error(t, iss.Verify(nil, testContext()...))
}

// Two processes never accept each other's tickets: the secret is local.
func TestSecretIsolation(t *testing.T) {
	a, err := NewIssuer(0)
	require.NoError(t, err)
	b, err := NewIssuer(0)
	require.NoError(t, err)

	blob := a.Issue(testContext()...)
	assert.NoError(t, a.Verify(blob, testContext()...))
	assert.ErrorIs(t, b.Verify(blob, testContext()...), ErrBadTag)
}

func TestZeroInvalidates(t *testing.T) {
	iss, err := NewIssuer(0)
	require.NoError(t, err)
	blob := iss.Issue(testContext()...)
	iss.Zero()
	assert.ErrorIs(t, iss.Verify(blob, testContext()...), ErrBadTag)
}
