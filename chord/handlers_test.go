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

package chord

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/dispatch"
	"github.com/dhashchain/go-dhash/ticket"
	"github.com/dhashchain/go-dhash/wire"
)

// envelopeServer builds a server whose loop has the ring handlers plus a
// stub Query handler that always asks for forwarding.
func envelopeServer(t *testing.T) *Server {
	t.Helper()
	iss, err := ticket.NewIssuer(0)
	require.NoError(t, err)
	loop := dispatch.NewLoop(iss)
	RegisterHandlers(loop)
	loop.Register(wire.KindQuery, nil, func(*dispatch.Packet) dispatch.Verdict {
		return dispatch.Forward
	})
	srv, err := NewServer(Config{Listen: "127.0.0.1:0"}, loop, iss)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func envelope(t *testing.T, ttl uint8) *wire.Data {
	t.Helper()
	inner, err := wire.Encode(&wire.Query{ReplyPort: 1, Name: []byte("x.bin")})
	require.NoError(t, err)
	return &wire.Data{ID: mkID(50), TTL: ttl, Data: inner}
}

func TestEnvelopeTTLExhausted(t *testing.T) {
	srv := envelopeServer(t)
	srv.self.ID = mkID(0)
	srv.predecessor = mkNode(200, 9) // so mkID(50) is not local

	pkt := &dispatch.Packet{Source: srv, From: srv.self.Endpoint, Body: envelope(t, 1)}
	verdict := handleData(pkt)
	assert.Equal(t, dispatch.Drop, verdict)
}

func TestEnvelopeRoutingFailure(t *testing.T) {
	srv := envelopeServer(t)
	srv.self.ID = mkID(0)
	srv.predecessor = mkNode(200, 9)

	var failed []byte
	srv.OnRoutingFailure(func(payload []byte) { failed = payload })

	// No successors and no fingers: the envelope has nowhere to go.
	env := envelope(t, 8)
	pkt := &dispatch.Packet{Source: srv, From: srv.self.Endpoint, Body: env}
	verdict := handleData(pkt)
	assert.Equal(t, dispatch.Consume, verdict)
	require.NotNil(t, failed)
	assert.Equal(t, env.Data, failed)
}

func TestReplyBindings(t *testing.T) {
	srv := newTestServer(t)
	from := common.NewEndpoint(net.ParseIP("10.1.2.3"), 7777)

	blob, ctx := bindFindSuccessorReply(&dispatch.Packet{
		Source: srv,
		From:   from,
		Body:   &wire.FindSuccessorReply{Ticket: []byte{1}, Addr: from.Addr, Port: 7777},
	})
	assert.Equal(t, []byte{1}, blob)
	require.Len(t, ctx, 3)
	assert.Equal(t, ticket.Byte(byte(wire.KindFindSuccessorReply)), ctx[0])
	// The binding uses our own claimed endpoint, not the reply fields.
	assert.Equal(t, ticket.Addr(srv.self.Endpoint.Addr), ctx[1])
	assert.Equal(t, ticket.Uint16(srv.self.Endpoint.Port), ctx[2])

	blob, ctx = bindPong(&dispatch.Packet{
		Source: srv,
		From:   from,
		Body:   &wire.Pong{Ticket: []byte{2}, Time: 99},
	})
	assert.Equal(t, []byte{2}, blob)
	require.Len(t, ctx, 2)
	assert.Equal(t, ticket.Uint64(99), ctx[1])

	blob, ctx = bindAddrDiscoverReply(&dispatch.Packet{
		Source: srv,
		From:   from,
		Body:   &wire.AddrDiscoverReply{Ticket: []byte{3}, Addr: from.Addr},
	})
	assert.Equal(t, []byte{3}, blob)
	require.Len(t, ctx, 2)
	assert.Equal(t, ticket.Addr(from.Addr), ctx[1])
}

// A round trip through issue and verify with the real bindings: the probe
// timestamp is the verifiable context for a pong.
func TestPongTicketRoundTrip(t *testing.T) {
	srv := newTestServer(t)

	tkt := srv.iss.Issue(ticket.Byte(byte(wire.KindPong)), ticket.Uint64(1234))
	blob, ctx := bindPong(&dispatch.Packet{
		Source: srv,
		From:   srv.self.Endpoint,
		Body:   &wire.Pong{Ticket: tkt, Time: 1234},
	})
	assert.NoError(t, srv.iss.Verify(blob, ctx...))

	// Echoing the ticket on a different timestamp must fail.
	blob, ctx = bindPong(&dispatch.Packet{
		Source: srv,
		From:   srv.self.Endpoint,
		Body:   &wire.Pong{Ticket: tkt, Time: 1235},
	})
	assert.ErrorIs(t, srv.iss.Verify(blob, ctx...), ticket.ErrBadTag)
}
