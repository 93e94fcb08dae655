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

package dhash

import (
	"github.com/sirupsen/logrus"

	"github.com/dhashchain/go-dhash/chord"
	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/dispatch"
	"github.com/dhashchain/go-dhash/transfer"
	"github.com/dhashchain/go-dhash/wire"
)

func (n *Node) registerHandlers() {
	n.loop.Register(wire.KindQuery, nil, n.handleQuery)
	n.loop.Register(wire.KindQueryReplySuccess, nil, n.handleQueryReplySuccess)
	n.loop.Register(wire.KindQueryReplyFailure, nil, n.handleQueryReplyFailure)
	n.loop.Register(wire.KindPush, nil, n.handlePush)
	n.loop.Register(wire.KindPushReply, nil, n.handlePushReply)
}

// handleQuery runs at every hop a query envelope visits. A hop holding the
// file answers and streams it; the rendezvous owner answers failure; any
// other hop passes the envelope on.
func (n *Node) handleQuery(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(chord.Ring)
	msg := pkt.Body.(*wire.Query)
	name := string(msg.Name)
	reply := msg.ReplyEndpoint()

	if len(name) == 0 {
		n.log.WithFields(logrus.Fields{"from": pkt.From, "reply": reply}).Warn("Dropping query for zero-length name")
		return dispatch.Drop
	}
	log := n.log.WithFields(logrus.Fields{"name": name, "reply": reply})

	if e, err := n.store.Stat(name); err == nil {
		log.Debug("Query hit, answering")
		out := &wire.QueryReplySuccess{Size: e.Size, Name: msg.Name}
		if err := srv.SendTo(reply, out); err != nil {
			log.WithError(err).Warn("Query reply send failed")
			return dispatch.Consume
		}
		n.startSend(srv, name, reply)
		return dispatch.Consume
	}

	id := common.DataID(msg.Name)
	if srv.IsLocal(id) {
		log.Debug("Query miss at owner, answering failure")
		if err := srv.SendTo(reply, &wire.QueryReplyFailure{Name: msg.Name}); err != nil {
			log.WithError(err).Warn("Query failure reply send failed")
		}
		return dispatch.Consume
	}
	return dispatch.Forward
}

// handleQueryReplySuccess opens the receive transfer for an answered
// lookup. On completion the client is notified and the file is offered to
// its rendezvous owner.
func (n *Node) handleQueryReplySuccess(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(chord.Ring)
	msg := pkt.Body.(*wire.QueryReplySuccess)
	name := string(msg.Name)

	if n.receiving.Contains(name) {
		// At most one receive per name; a duplicate or late answer
		// must not spawn a second transfer.
		n.log.WithField("name", name).Debug("Ignoring reply, receive already active")
		return dispatch.Consume
	}
	n.log.WithFields(logrus.Fields{"name": name, "size": msg.Size, "peer": pkt.From}).Debug("Receiving file")

	t := transfer.New(transfer.Config{
		Name:      name,
		Direction: transfer.Recv,
		Peer:      pkt.From.Bulk(),
		Size:      msg.Size,
		Store:     n.store,
		Timeout:   n.cfg.TransferTimeout,
		Done: n.transferDone(func(t *transfer.Transfer, err error) {
			if err != nil {
				n.log.WithError(err).WithField("name", name).Warn("Receive failed")
				n.controlReply(wire.ClientReplyFailure, name)
				return
			}
			n.controlReply(wire.ClientReplySuccess, name)
			n.pushFile(srv, name, msg.Size)
		}),
	})
	n.addTransfer(t)
	return dispatch.Consume
}

// handleQueryReplyFailure relays a lookup miss to the waiting client. Late
// replies are relayed too; the consumer tolerates them.
func (n *Node) handleQueryReplyFailure(pkt *dispatch.Packet) dispatch.Verdict {
	msg := pkt.Body.(*wire.QueryReplyFailure)
	n.controlReply(wire.ClientReplyFailure, string(msg.Name))
	return dispatch.Consume
}

// handlePush accepts an unsolicited file offer unless the file is already
// held locally.
func (n *Node) handlePush(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(chord.Ring)
	msg := pkt.Body.(*wire.Push)
	name := string(msg.Name)
	reply := msg.ReplyEndpoint()

	if n.store.Exists(name) {
		n.log.WithField("name", name).Debug("Dropping push for held file")
		return dispatch.Consume
	}
	if n.receiving.Contains(name) {
		n.log.WithField("name", name).Debug("Dropping push, receive already active")
		return dispatch.Consume
	}
	if err := srv.SendTo(reply, &wire.PushReply{Name: msg.Name}); err != nil {
		n.log.WithError(err).WithField("name", name).Warn("Push reply send failed")
		return dispatch.Consume
	}
	t := transfer.New(transfer.Config{
		Name:      name,
		Direction: transfer.Recv,
		Peer:      reply.Bulk(),
		Size:      msg.Size,
		Store:     n.store,
		Timeout:   n.cfg.TransferTimeout,
		Done: n.transferDone(func(t *transfer.Transfer, err error) {
			if err != nil {
				n.log.WithError(err).WithField("name", name).Warn("Pushed receive failed")
				return
			}
			n.log.WithField("name", name).Info("Accepted pushed file")
		}),
	})
	n.addTransfer(t)
	return dispatch.Consume
}

// handlePushReply starts streaming a previously offered file to the
// accepting peer.
func (n *Node) handlePushReply(pkt *dispatch.Packet) dispatch.Verdict {
	srv := pkt.Source.(chord.Ring)
	msg := pkt.Body.(*wire.PushReply)
	name := string(msg.Name)
	if !n.store.Exists(name) {
		n.log.WithField("name", name).Debug("Push reply for file we no longer hold")
		return dispatch.Consume
	}
	n.startSend(srv, name, pkt.From)
	return dispatch.Consume
}

// startSend opens a send transfer on the local bulk port toward the peer's
// partnered bulk port.
func (n *Node) startSend(srv chord.Ring, name string, peer common.Endpoint) {
	t := transfer.New(transfer.Config{
		Name:      name,
		Direction: transfer.Send,
		LocalPort: srv.LocalEndpoint().Port + 1,
		Peer:      peer.Bulk(),
		Store:     n.store,
		Timeout:   n.cfg.TransferTimeout,
		Done: n.transferDone(func(t *transfer.Transfer, err error) {
			if err != nil {
				n.log.WithError(err).WithField("name", name).Warn("Send failed")
			}
		}),
	})
	n.addTransfer(t)
}

// pushFile offers a freshly fetched file to the node that should own its
// identifier.
func (n *Node) pushFile(srv chord.Ring, name string, size uint64) {
	self := srv.LocalEndpoint()
	msg := &wire.Push{ReplyAddr: self.Addr, ReplyPort: self.Port, Name: []byte(name), Size: size}
	payload, err := wire.Encode(msg)
	if err != nil {
		n.log.WithError(err).WithField("name", name).Warn("Push encode failed")
		return
	}
	if err := srv.Forward(payload, common.DataID([]byte(name))); err != nil {
		n.log.WithError(err).WithField("name", name).Debug("Push unroutable")
	}
}
