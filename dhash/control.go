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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/storage"
	"github.com/dhashchain/go-dhash/wire"
)

// ControlDumpFingers is a diagnostic extension of the control channel: the
// node answers with one text row per routing entry (self, predecessor,
// successors and fingers) across all rings.
const ControlDumpFingers = 3

type controlConn struct {
	conn net.Conn
}

// acceptControl serves the local client channel until the listener closes.
func (n *Node) acceptControl(ctx context.Context) error {
	for {
		conn, err := n.ctrlLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("dhash: control accept: %w", err)
		}
		cc := &controlConn{conn: conn}
		n.loop.Do(func() { n.conns.Add(cc) })
		go n.readControl(cc)
	}
}

// readControl pumps one client's frames onto the loop.
func (n *Node) readControl(cc *controlConn) {
	defer func() {
		cc.conn.Close()
		n.loop.Do(func() { n.dropControlConn(cc) })
	}()
	for {
		frame, err := wire.ReadControlFrame(cc.conn)
		if err != nil {
			if err != io.EOF {
				n.log.WithError(err).Debug("Control connection read failed")
			}
			return
		}
		n.loop.Do(func() { n.handleControlFrame(cc, frame) })
	}
}

func (n *Node) dropControlConn(cc *controlConn) {
	n.conns.Remove(cc)
	for name, waiting := range n.waiters {
		kept := waiting[:0]
		for _, w := range waiting {
			if w != cc {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(n.waiters, name)
		} else {
			n.waiters[name] = kept
		}
	}
}

// handleControlFrame runs on the loop goroutine.
func (n *Node) handleControlFrame(cc *controlConn, frame wire.ControlFrame) {
	switch frame.Code {
	case wire.ClientRequest:
		n.handleClientRequest(cc, string(frame.Name))
	case ControlDumpFingers:
		n.writeControl(cc, wire.ControlFrame{Code: ControlDumpFingers, Name: []byte(n.dumpFingers())})
	default:
		n.log.WithField("code", frame.Code).Debug("Dropping unknown control request")
	}
}

// handleClientRequest satisfies a file request from local storage or
// originates a lookup across every joined ring.
func (n *Node) handleClientRequest(cc *controlConn, name string) {
	log := n.log.WithField("name", name)
	if !storage.ValidName(name) {
		log.Warn("Rejecting client request for invalid name")
		n.writeControl(cc, wire.ControlFrame{Code: wire.ClientReplyFailure, Name: []byte(name)})
		return
	}
	if n.store.Exists(name) {
		log.Debug("Client request satisfied locally")
		n.writeControl(cc, wire.ControlFrame{Code: wire.ClientReplyLocal, Name: []byte(name)})
		return
	}
	log.Debug("Originating query")
	n.waiters[name] = append(n.waiters[name], cc)

	id := common.DataID([]byte(name))
	routed := false
	for _, srv := range n.rings {
		self := srv.LocalEndpoint()
		msg := &wire.Query{ReplyAddr: self.Addr, ReplyPort: self.Port, Name: []byte(name)}
		payload, err := wire.Encode(msg)
		if err != nil {
			log.WithError(err).Warn("Query encode failed")
			continue
		}
		if err := srv.Forward(payload, id); err != nil {
			log.WithError(err).Debug("Query unroutable on ring")
			continue
		}
		routed = true
	}
	if !routed {
		n.controlReply(wire.ClientReplyFailure, name)
	}
}

// controlReply delivers an outcome to the clients waiting on name. With no
// waiter left (late replies, pushes) it is broadcast; consumers tolerate
// replies they did not ask for.
func (n *Node) controlReply(code byte, name string) {
	frame := wire.ControlFrame{Code: code, Name: []byte(name)}
	waiting := n.waiters[name]
	delete(n.waiters, name)
	if len(waiting) == 0 {
		for _, v := range n.conns.ToSlice() {
			n.writeControl(v.(*controlConn), frame)
		}
		return
	}
	for _, cc := range waiting {
		n.writeControl(cc, frame)
	}
}

func (n *Node) writeControl(cc *controlConn, frame wire.ControlFrame) {
	if err := wire.WriteControlFrame(cc.conn, frame); err != nil {
		n.log.WithError(err).Debug("Control write failed, dropping connection")
		cc.conn.Close()
		n.dropControlConn(cc)
	}
}

// dumpFingers renders one "ring|role|id|addr|port" row per routing entry,
// consumed by the getfingers tool.
func (n *Node) dumpFingers() string {
	var b strings.Builder
	for i, srv := range n.rings {
		self := srv.Self()
		fmt.Fprintf(&b, "%d|self|%x|%s|%d\n", i, self.ID, self.Endpoint.IP(), self.Endpoint.Port)
		if pred := srv.Predecessor(); !pred.Endpoint.IsZero() {
			fmt.Fprintf(&b, "%d|pred|%x|%s|%d\n", i, pred.ID, pred.Endpoint.IP(), pred.Endpoint.Port)
		}
		for j, succ := range srv.Successors() {
			fmt.Fprintf(&b, "%d|succ%d|%x|%s|%d\n", i, j, succ.ID, succ.Endpoint.IP(), succ.Endpoint.Port)
		}
		for _, f := range srv.Fingers() {
			fmt.Fprintf(&b, "%d|finger|%x|%s|%d\n", i, f.ID, f.Endpoint.IP(), f.Endpoint.Port)
		}
	}
	return b.String()
}
