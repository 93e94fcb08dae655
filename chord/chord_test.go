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
	"math/big"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/dispatch"
	"github.com/dhashchain/go-dhash/ticket"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	iss, err := ticket.NewIssuer(0)
	require.NoError(t, err)
	srv, err := NewServer(Config{Listen: "127.0.0.1:0"}, dispatch.NewLoop(iss), iss)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func mkID(b byte) common.ID {
	var id common.ID
	id[0] = b
	return id
}

func mkNode(b byte, port uint16) common.Node {
	return common.Node{
		ID:       mkID(b),
		Endpoint: common.NewEndpoint(net.ParseIP("10.0.0.1"), port),
	}
}

func TestIsLocal(t *testing.T) {
	srv := newTestServer(t)
	srv.self.ID = mkID(100)

	// Without a predecessor the node owns the whole ring.
	srv.predecessor = common.Node{}
	assert.True(t, srv.IsLocal(mkID(5)))
	assert.True(t, srv.IsLocal(mkID(200)))

	srv.predecessor = mkNode(50, 1)
	tests := []struct {
		id  byte
		exp bool
	}{
		{75, true},
		{100, true}, // self is the right edge, inclusive
		{50, false}, // the predecessor is excluded
		{101, false},
		{5, false},
	}
	for _, test := range tests {
		if got := srv.IsLocal(mkID(test.id)); got != test.exp {
			t.Errorf("IsLocal(%d) == %v; expected %v", test.id, got, test.exp)
		}
	}
}

func TestIsLocalWrapping(t *testing.T) {
	srv := newTestServer(t)
	srv.self.ID = mkID(10)
	srv.predecessor = mkNode(200, 1)

	assert.True(t, srv.IsLocal(mkID(5)))
	assert.True(t, srv.IsLocal(mkID(250)))
	assert.True(t, srv.IsLocal(mkID(10)))
	assert.False(t, srv.IsLocal(mkID(100)))
	assert.False(t, srv.IsLocal(mkID(200)))
}

func TestFingerIndex(t *testing.T) {
	srv := newTestServer(t)
	srv.self.ID = common.ID{}

	one := common.BigToID(big.NewInt(1))
	assert.Equal(t, 0, srv.fingerIndex(one))

	seventeen := common.BigToID(big.NewInt(17))
	assert.Equal(t, 4, srv.fingerIndex(seventeen))

	assert.Equal(t, -1, srv.fingerIndex(srv.self.ID))

	// The far side of the ring lands in the top slot.
	var top common.ID
	top[0] = 0x80
	assert.Equal(t, FingerCount-1, srv.fingerIndex(top))
}

func TestSuccessorOrdering(t *testing.T) {
	srv := newTestServer(t)
	srv.self.ID = mkID(0)

	srv.observe(mkNode(30, 3))
	srv.observe(mkNode(10, 1))
	srv.observe(mkNode(20, 2))
	srv.observe(mkNode(10, 1)) // duplicate is ignored

	succs := srv.Successors()
	require.Len(t, succs, 3)
	assert.Equal(t, mkID(10), succs[0].ID)
	assert.Equal(t, mkID(20), succs[1].ID)
	assert.Equal(t, mkID(30), succs[2].ID)

	// A closer node displaces the tail once the list is full.
	srv.observe(mkNode(15, 4))
	succs = srv.Successors()
	require.Len(t, succs, 3)
	assert.Equal(t, []common.ID{mkID(10), mkID(15), mkID(20)},
		[]common.ID{succs[0].ID, succs[1].ID, succs[2].ID})
}

func TestDropNode(t *testing.T) {
	srv := newTestServer(t)
	srv.self.ID = mkID(0)
	n := mkNode(10, 1)
	srv.observe(n)
	srv.offerPredecessor(n)

	require.Len(t, srv.Successors(), 1)
	srv.dropNode(n)
	assert.Empty(t, srv.Successors())
	assert.True(t, srv.Predecessor().Endpoint.IsZero())
	assert.Empty(t, srv.Fingers())
}

func TestNextHop(t *testing.T) {
	srv := newTestServer(t)
	srv.self.ID = mkID(0)
	srv.observe(mkNode(10, 1))
	srv.observe(mkNode(100, 2))

	// Inside (self, successor]: deliver to the successor, last hop.
	next, last := srv.nextHop(mkID(5))
	assert.Equal(t, mkID(10), next.ID)
	assert.True(t, last)

	// Beyond the first successor: the closest preceding finger.
	next, last = srv.nextHop(mkID(120))
	assert.Equal(t, mkID(100), next.ID)
	assert.False(t, last)

	// No candidate at all.
	empty := newTestServer(t)
	empty.self.ID = mkID(0)
	next, _ = empty.nextHop(mkID(5))
	assert.True(t, next.Endpoint.IsZero())
}

func TestOfferPredecessor(t *testing.T) {
	srv := newTestServer(t)
	srv.self.ID = mkID(100)

	srv.offerPredecessor(mkNode(40, 1))
	assert.Equal(t, mkID(40), srv.Predecessor().ID)

	// A closer candidate wins.
	srv.offerPredecessor(mkNode(60, 2))
	assert.Equal(t, mkID(60), srv.Predecessor().ID)

	// A farther one does not.
	srv.offerPredecessor(mkNode(30, 3))
	assert.Equal(t, mkID(60), srv.Predecessor().ID)

	// Never adopt ourselves.
	srv.offerPredecessor(common.Node{ID: srv.self.ID, Endpoint: srv.self.Endpoint})
	assert.Equal(t, mkID(60), srv.Predecessor().ID)
}

func TestObserveIgnoresSelf(t *testing.T) {
	srv := newTestServer(t)
	srv.observe(srv.self)
	assert.Empty(t, srv.Successors())
	assert.Empty(t, srv.Fingers())
}
