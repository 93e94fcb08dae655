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

	"github.com/dhashchain/go-dhash/common"
)

var ringModulus = new(big.Int).Lsh(big.NewInt(1), uint(FingerCount))

// distance returns the clockwise arc length from a to b modulo 2^160.
func distance(a, b common.ID) *big.Int {
	d := new(big.Int).Sub(b.Big(), a.Big())
	if d.Sign() < 0 {
		d.Add(d, ringModulus)
	}
	return d
}

// fingerIndex returns the finger slot id falls into relative to self:
// slot i covers the arc [self + 2^i, self + 2^(i+1)).
func (s *Server) fingerIndex(id common.ID) int {
	d := distance(s.self.ID, id)
	if d.Sign() == 0 {
		return -1
	}
	return d.BitLen() - 1
}

// Fingers returns the occupied finger slots, for diagnostics.
func (s *Server) Fingers() []common.Node {
	var out []common.Node
	for _, f := range s.fingers {
		if !f.Endpoint.IsZero() {
			out = append(out, f)
		}
	}
	return out
}

// observe folds a peer seen in traffic into the routing state. The finger
// table is populated opportunistically: a slot takes the first peer that
// falls into it and keeps the one closest to the slot base afterwards.
func (s *Server) observe(n common.Node) {
	if n.Endpoint.IsZero() || n.ID == s.self.ID {
		return
	}
	if i := s.fingerIndex(n.ID); i >= 0 {
		cur := s.fingers[i]
		if cur.Endpoint.IsZero() || distance(s.self.ID, n.ID).Cmp(distance(s.self.ID, cur.ID)) < 0 {
			s.fingers[i] = n
		}
	}
	s.offerSuccessor(n)
}

// offerSuccessor inserts a peer into the successor list if it is closer
// than an existing entry, keeping the list ordered by arc distance.
func (s *Server) offerSuccessor(n common.Node) {
	for _, cur := range s.successors {
		if cur.ID == n.ID {
			return
		}
	}
	dn := distance(s.self.ID, n.ID)
	pos := len(s.successors)
	for i, cur := range s.successors {
		if dn.Cmp(distance(s.self.ID, cur.ID)) < 0 {
			pos = i
			break
		}
	}
	if pos >= SuccessorListLen {
		return
	}
	s.successors = append(s.successors, common.Node{})
	copy(s.successors[pos+1:], s.successors[pos:])
	s.successors[pos] = n
	if len(s.successors) > SuccessorListLen {
		s.successors = s.successors[:SuccessorListLen]
	}
	if pos == 0 {
		s.missedPongs = 0
		s.log.WithField("peer", n.Endpoint.String()).Info("New first successor")
	}
}

// dropNode removes a peer from the successor list and finger table.
func (s *Server) dropNode(n common.Node) {
	for i, cur := range s.successors {
		if cur.ID == n.ID {
			s.successors = append(s.successors[:i], s.successors[i+1:]...)
			break
		}
	}
	for i, cur := range s.fingers {
		if cur.ID == n.ID {
			s.fingers[i] = common.Node{}
		}
	}
	if s.predecessor.ID == n.ID {
		s.predecessor = common.Node{}
	}
}

// nextHop picks the forwarding target for id: the first successor when id
// lies in (self, successor], otherwise the closest preceding finger. The
// second return is the Last flag for the envelope.
func (s *Server) nextHop(id common.ID) (common.Node, bool) {
	if len(s.successors) > 0 && id.InArc(s.self.ID, s.successors[0].ID) {
		return s.successors[0], true
	}
	best := common.Node{}
	for _, f := range s.fingers {
		if f.Endpoint.IsZero() || !f.ID.Between(s.self.ID, id) {
			continue
		}
		if best.Endpoint.IsZero() || distance(f.ID, id).Cmp(distance(best.ID, id)) < 0 {
			best = f
		}
	}
	if !best.Endpoint.IsZero() {
		return best, false
	}
	if len(s.successors) > 0 {
		return s.successors[0], false
	}
	return common.Node{}, false
}
