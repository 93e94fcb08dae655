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
	"github.com/sirupsen/logrus"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/dispatch"
	"github.com/dhashchain/go-dhash/ticket"
	"github.com/dhashchain/go-dhash/wire"
)

// RegisterHandlers installs the ring maintenance handlers on the loop.
// Handlers resolve their ring through the packet source, so one
// registration serves every joined ring.
func RegisterHandlers(loop *dispatch.Loop) {
	loop.Register(wire.KindAddrDiscover, nil, handleAddrDiscover)
	loop.Register(wire.KindAddrDiscoverReply, bindAddrDiscoverReply, handleAddrDiscoverReply)
	loop.Register(wire.KindData, nil, handleData)
	loop.Register(wire.KindFindSuccessor, nil, handleFindSuccessor)
	loop.Register(wire.KindFindSuccessorReply, bindFindSuccessorReply, handleFindSuccessorReply)
	loop.Register(wire.KindStabilize, nil, handleStabilize)
	loop.Register(wire.KindStabilizeReply, nil, handleStabilizeReply)
	loop.Register(wire.KindNotify, nil, handleNotify)
	loop.Register(wire.KindPing, nil, handlePing)
	loop.Register(wire.KindPong, bindPong, handlePong)
}

// Reply tickets are verified against context the receiver derives on its
// own: the peer it asked, its own claimed endpoint, or the probe time it
// chose. The request's ticket is an opaque echo to everyone else.

func bindAddrDiscoverReply(pkt *dispatch.Packet) ([]byte, []ticket.Field) {
	msg := pkt.Body.(*wire.AddrDiscoverReply)
	return msg.Ticket, []ticket.Field{
		ticket.Byte(byte(wire.KindAddrDiscoverReply)),
		ticket.Addr(pkt.From.Addr),
	}
}

func bindFindSuccessorReply(pkt *dispatch.Packet) ([]byte, []ticket.Field) {
	msg := pkt.Body.(*wire.FindSuccessorReply)
	self := pkt.Source.(*Server).self.Endpoint
	return msg.Ticket, []ticket.Field{
		ticket.Byte(byte(wire.KindFindSuccessorReply)),
		ticket.Addr(self.Addr),
		ticket.Uint16(self.Port),
	}
}

func bindPong(pkt *dispatch.Packet) ([]byte, []ticket.Field) {
	msg := pkt.Body.(*wire.Pong)
	return msg.Ticket, []ticket.Field{
		ticket.Byte(byte(wire.KindPong)),
		ticket.Uint64(msg.Time),
	}
}

func handleAddrDiscover(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	msg := pkt.Body.(*wire.AddrDiscover)
	reply := &wire.AddrDiscoverReply{Ticket: msg.Ticket, Addr: pkt.From.Addr}
	if err := srv.SendTo(pkt.From, reply); err != nil {
		srv.log.WithError(err).Debug("Address discovery reply failed")
	}
	return dispatch.Consume
}

func handleAddrDiscoverReply(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	msg := pkt.Body.(*wire.AddrDiscoverReply)
	srv.observe(common.NodeAt(pkt.From))
	if srv.discovered {
		return dispatch.Consume
	}
	ep := common.Endpoint{Addr: msg.Addr, Port: srv.self.Endpoint.Port}
	srv.setSelf(ep)
	srv.discovered = true
	srv.log = srv.log.WithField("self", ep.String())
	srv.log.WithField("addr", ep.IP().String()).Info("Discovered external address")
	srv.sendFindSuccessor()
	return dispatch.Consume
}

func handleFindSuccessor(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	msg := pkt.Body.(*wire.FindSuccessor)
	seeker := common.NodeAt(common.Endpoint{Addr: msg.Addr, Port: msg.Port})
	srv.observe(seeker)
	if srv.IsLocal(seeker.ID) {
		reply := &wire.FindSuccessorReply{
			Ticket: msg.Ticket,
			Addr:   srv.self.Endpoint.Addr,
			Port:   srv.self.Endpoint.Port,
		}
		if err := srv.SendTo(seeker.Endpoint, reply); err != nil {
			srv.log.WithError(err).Debug("Find successor reply failed")
		}
		return dispatch.Consume
	}
	if msg.TTL <= 1 {
		srv.log.WithField("seeker", seeker.Endpoint.String()).Debug("Find successor TTL exhausted")
		return dispatch.Drop
	}
	next, _ := srv.nextHop(seeker.ID)
	if next.Endpoint.IsZero() {
		return dispatch.Drop
	}
	fwd := *msg
	fwd.TTL--
	if err := srv.SendTo(next.Endpoint, &fwd); err != nil {
		srv.log.WithError(err).Debug("Find successor forward failed")
	}
	return dispatch.Consume
}

func handleFindSuccessorReply(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	msg := pkt.Body.(*wire.FindSuccessorReply)
	succ := common.NodeAt(common.Endpoint{Addr: msg.Addr, Port: msg.Port})
	if succ.ID == srv.self.ID {
		// Alone on the ring so far.
		srv.joined = true
		return dispatch.Consume
	}
	srv.observe(succ)
	if !srv.joined {
		srv.joined = true
		srv.log.WithField("successor", succ.Endpoint.String()).Info("Joined ring")
	}
	return dispatch.Consume
}

func handleStabilize(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	msg := pkt.Body.(*wire.Stabilize)
	sender := common.NodeAt(common.Endpoint{Addr: msg.Addr, Port: msg.Port})
	srv.observe(sender)
	srv.offerPredecessor(sender)
	pred := srv.predecessor
	if pred.Endpoint.IsZero() {
		pred = sender
	}
	reply := &wire.StabilizeReply{Addr: pred.Endpoint.Addr, Port: pred.Endpoint.Port}
	if err := srv.SendTo(sender.Endpoint, reply); err != nil {
		srv.log.WithError(err).Debug("Stabilize reply failed")
	}
	return dispatch.Consume
}

func handleStabilizeReply(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	msg := pkt.Body.(*wire.StabilizeReply)
	cand := common.NodeAt(common.Endpoint{Addr: msg.Addr, Port: msg.Port})
	if cand.ID != srv.self.ID {
		// The successor's predecessor may be a closer successor for us.
		srv.observe(cand)
	}
	if len(srv.successors) > 0 {
		if err := srv.SendTo(srv.successors[0].Endpoint, &wire.Notify{}); err != nil {
			srv.log.WithError(err).Debug("Notify send failed")
		}
	}
	return dispatch.Consume
}

func handleNotify(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	cand := common.NodeAt(pkt.From)
	srv.observe(cand)
	srv.offerPredecessor(cand)
	return dispatch.Consume
}

func handlePing(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	msg := pkt.Body.(*wire.Ping)
	reply := &wire.Pong{Ticket: msg.Ticket, Time: msg.Time}
	if err := srv.SendTo(pkt.From, reply); err != nil {
		srv.log.WithError(err).Debug("Pong send failed")
	}
	return dispatch.Consume
}

func handlePong(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	msg := pkt.Body.(*wire.Pong)
	if msg.Time == srv.pingTime {
		srv.missedPongs = 0
	}
	srv.observe(common.NodeAt(pkt.From))
	return dispatch.Consume
}

// handleData unwraps a routed envelope. Every hop hands the inner payload
// to its local handlers; a Forward verdict sends the envelope onward with
// the TTL decremented.
func handleData(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(*Server)
	msg := pkt.Body.(*wire.Data)
	verdict := srv.loop.Inject(srv, pkt.From, msg.Data)
	if verdict != dispatch.Forward {
		return dispatch.Consume
	}
	if msg.TTL <= 1 {
		srv.log.WithField("id", msg.ID.TerminalString()).Debug("Envelope TTL exhausted")
		return dispatch.Drop
	}
	env := *msg
	env.TTL--
	if err := srv.forwardEnvelope(&env); err != nil {
		srv.log.WithError(err).WithField("id", msg.ID.TerminalString()).Debug("Envelope unroutable")
		srv.routingFailure(msg.Data)
	}
	return dispatch.Consume
}

func (s *Server) routingFailure(payload []byte) {
	if s.onRoutingFailure != nil {
		s.onRoutingFailure(payload)
	}
}

// offerPredecessor adopts a candidate predecessor when none is known or
// when the candidate sits between the current one and us.
func (s *Server) offerPredecessor(n common.Node) {
	if n.ID == s.self.ID {
		return
	}
	if s.predecessor.Endpoint.IsZero() || n.ID.Between(s.predecessor.ID, s.self.ID) {
		if s.predecessor.ID != n.ID {
			s.predecessor = n
			s.log.WithFields(logrus.Fields{"peer": n.Endpoint.String()}).Info("New predecessor")
		}
	}
}
