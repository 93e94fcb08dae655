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

package common

import (
	"crypto/sha1"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytesConversion(t *testing.T) {
	bytes := []byte{5}
	id := BytesToID(bytes)

	var exp ID
	exp[19] = 5

	if id != exp {
		t.Errorf("expected %x got %x", exp, id)
	}
}

func TestBytesToIDCropsLeft(t *testing.T) {
	in := make([]byte, IDLength+4)
	for i := range in {
		in[i] = byte(i)
	}
	id := BytesToID(in)
	assert.Equal(t, in[4:], id.Bytes())
}

func TestHexRoundTrip(t *testing.T) {
	id := DataID([]byte("a.bin"))
	assert.Equal(t, id, HexToID(id.Hex()))
}

func TestDataID(t *testing.T) {
	sum := sha1.Sum([]byte("hello"))
	assert.Equal(t, ID(sum), DataID([]byte("hello")))
}

func TestBetween(t *testing.T) {
	mk := func(b byte) ID {
		var id ID
		id[0] = b
		return id
	}
	tests := []struct {
		a, b, x byte
		exp     bool
	}{
		{10, 20, 15, true},
		{10, 20, 10, false},
		{10, 20, 20, false},
		{10, 20, 25, false},
		{10, 20, 5, false},
		// Wrapping arc.
		{200, 20, 250, true},
		{200, 20, 10, true},
		{200, 20, 100, false},
		{200, 20, 200, false},
		{200, 20, 20, false},
	}
	for _, test := range tests {
		if got := mk(test.x).Between(mk(test.a), mk(test.b)); got != test.exp {
			t.Errorf("Between(%d, %d, %d) == %v; expected %v",
				test.a, test.b, test.x, got, test.exp)
		}
	}
	// Degenerate single-node arc spans everything but the endpoint.
	assert.True(t, mk(5).Between(mk(10), mk(10)))
	assert.False(t, mk(10).Between(mk(10), mk(10)))
}

func TestInArcIncludesRightEdge(t *testing.T) {
	mk := func(b byte) ID {
		var id ID
		id[0] = b
		return id
	}
	assert.True(t, mk(20).InArc(mk(10), mk(20)))
	assert.False(t, mk(10).InArc(mk(10), mk(20)))
}

// The locality arcs of a correct ring partition the identifier space:
// every identifier is local to exactly one node.
func TestArcPartition(t *testing.T) {
	ids := []ID{
		DataID([]byte("n1")), DataID([]byte("n2")),
		DataID([]byte("n3")), DataID([]byte("n4")),
	}
	// Order the ring by following arcs.
	probe := []ID{
		DataID([]byte("x")), DataID([]byte("y")), DataID([]byte("z")),
		ids[0], ids[2],
	}
	sorted := sortIDs(ids)
	for _, x := range probe {
		owners := 0
		for i := range sorted {
			pred := sorted[(i+len(sorted)-1)%len(sorted)]
			if x.InArc(pred, sorted[i]) {
				owners++
			}
		}
		require.Equal(t, 1, owners, "id %s must have exactly one owner", x)
	}
}

func sortIDs(in []ID) []ID {
	out := append([]ID(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Big().Cmp(out[j-1].Big()) < 0; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func TestEndpointID(t *testing.T) {
	ep := NewEndpoint(net.ParseIP("10.0.0.1"), 4242)

	h := sha1.New()
	h.Write(ep.Addr[:])
	h.Write([]byte{4242 >> 8, 4242 & 0xff})
	exp := BytesToID(h.Sum(nil))

	assert.Equal(t, exp, ep.ID())
}

func TestEndpointMapsIPv4(t *testing.T) {
	ep := NewEndpoint(net.ParseIP("127.0.0.1"), 9)
	assert.Equal(t, "127.0.0.1", ep.IP().String())
	assert.False(t, ep.IsZero())
	assert.True(t, Endpoint{}.IsZero())
}

func TestEndpointBulk(t *testing.T) {
	ep := NewEndpoint(net.ParseIP("10.0.0.1"), 4242)
	assert.Equal(t, uint16(4243), ep.Bulk().Port)
	assert.Equal(t, ep.Addr, ep.Bulk().Addr)
}
