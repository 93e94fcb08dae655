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

// Package dispatch runs the node's event loop.
//
// One reader goroutine per attached socket pumps raw datagrams into a
// single loop goroutine that owns all protocol state. The loop decodes the
// header, authenticates the ticket according to the handler's binding and
// invokes the handler registered for the kind. Handlers never block; work
// that could (bulk file I/O) runs elsewhere and re-enters the loop through
// Do.
package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/ticket"
	"github.com/dhashchain/go-dhash/wire"
)

// Verdict is a handler's decision about the packet it was given.
type Verdict int

const (
	// Consume ends the packet's life at this node.
	Consume Verdict = iota
	// Forward reinjects the packet into the overlay forwarding fabric.
	Forward
	// Drop discards the packet and counts it.
	Drop
)

// Packet is one decoded overlay datagram.
type Packet struct {
	// Source tags the socket the packet arrived on (the owning ring).
	Source any
	From   common.Endpoint
	Header wire.Header
	Body   wire.Message
}

// Handler processes one packet of its registered kind.
type Handler func(pkt *Packet) Verdict

// Binding extracts the ticket blob from a packet together with the context
// fields the tag must bind, computed from independently verifiable packet
// contents (the receiver's own state and the packet source). A nil Binding
// means the kind carries no ticket.
type Binding func(pkt *Packet) (blob []byte, ctx []ticket.Field)

// Counters tracks dropped traffic. All errors are recovered locally; the
// counters are the only trace.
type Counters struct {
	ParseErrors uint64
	AuthErrors  uint64
	Unhandled   uint64
}

type entry struct {
	binding Binding
	handler Handler
}

type event struct {
	// Either buf (a raw datagram) or fn (deferred work) is set.
	source any
	from   common.Endpoint
	buf    []byte
	fn     func()
}

// Loop is the event loop.
type Loop struct {
	issuer   *ticket.Issuer
	handlers map[wire.Kind]entry
	events   chan event
	forward  func(pkt *Packet)
	log      *logrus.Entry

	parseErrors atomic.Uint64
	authErrors  atomic.Uint64
	unhandled   atomic.Uint64
}

// NewLoop builds an event loop authenticating tickets against iss.
func NewLoop(iss *ticket.Issuer) *Loop {
	return &Loop{
		issuer:   iss,
		handlers: make(map[wire.Kind]entry),
		events:   make(chan event, 256),
		log:      logrus.WithField("mod", "dispatch"),
	}
}

// Register installs the handler for a message kind. Registration happens
// before Run and is not safe concurrently with it.
func (l *Loop) Register(kind wire.Kind, binding Binding, handler Handler) {
	if _, dup := l.handlers[kind]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %v", kind))
	}
	l.handlers[kind] = entry{binding: binding, handler: handler}
}

// OnForward installs the reinjection hook invoked for Forward verdicts.
func (l *Loop) OnForward(fn func(pkt *Packet)) { l.forward = fn }

// AttachPacketConn spawns a reader pumping conn's datagrams into the loop,
// tagged with source. The reader exits when the connection is closed.
func (l *Loop) AttachPacketConn(conn net.PacketConn, source any) {
	go func() {
		buf := make([]byte, wire.BufSize)
		for {
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				l.log.WithError(err).Debug("Socket reader exiting")
				return
			}
			ua, ok := addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			pkt := make([]byte, n)
			copy(pkt, buf[:n])
			l.events <- event{source: source, from: common.FromUDPAddr(ua), buf: pkt}
		}
	}()
}

// Do schedules fn onto the loop goroutine. It is how transfer completions,
// control requests and timers mutate protocol state.
func (l *Loop) Do(fn func()) {
	l.events <- event{fn: fn}
}

// Every schedules fn onto the loop at the given period until ctx ends.
func (l *Loop) Every(ctx context.Context, d time.Duration, fn func()) {
	go func() {
		tick := time.NewTicker(d)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				l.Do(fn)
			}
		}
	}()
}

// Run processes events until ctx ends. All handlers execute on this
// goroutine, in arrival order per socket.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			if ev.fn != nil {
				ev.fn()
				continue
			}
			l.handlePacket(ev)
		}
	}
}

// Counters returns a snapshot of the drop counters.
func (l *Loop) Counters() Counters {
	return Counters{
		ParseErrors: l.parseErrors.Load(),
		AuthErrors:  l.authErrors.Load(),
		Unhandled:   l.unhandled.Load(),
	}
}

// Inject runs a raw packet through decode, authentication and its handler,
// returning the verdict. It must only be called from the loop goroutine,
// i.e. from inside a handler; the Data envelope handler uses it on inner
// routed payloads.
func (l *Loop) Inject(source any, from common.Endpoint, buf []byte) Verdict {
	_, v := l.process(event{source: source, from: from, buf: buf})
	return v
}

func (l *Loop) handlePacket(ev event) {
	pkt, verdict := l.process(ev)
	switch verdict {
	case Forward:
		if l.forward != nil {
			l.forward(pkt)
		}
	case Drop:
		if pkt != nil {
			l.unhandled.Add(1)
		}
	}
}

func (l *Loop) process(ev event) (*Packet, Verdict) {
	header, err := wire.DecodeHeader(ev.buf)
	if err != nil {
		l.parseErrors.Add(1)
		l.log.WithError(err).WithField("from", ev.from).Debug("Dropping undecodable packet")
		return nil, Drop
	}
	ent, ok := l.handlers[header.Type]
	if !ok {
		l.unhandled.Add(1)
		l.log.WithFields(logrus.Fields{"type": header.Type, "from": ev.from}).Debug("Dropping unhandled packet")
		return nil, Drop
	}
	body, err := wire.DecodeBody(header.Type, header.Payload)
	if err != nil {
		l.parseErrors.Add(1)
		l.log.WithError(err).WithFields(logrus.Fields{"type": header.Type, "from": ev.from}).Debug("Dropping malformed payload")
		return nil, Drop
	}
	pkt := &Packet{Source: ev.source, From: ev.from, Header: header, Body: body}
	if ent.binding != nil {
		blob, fields := ent.binding(pkt)
		if err := l.issuer.Verify(blob, fields...); err != nil {
			l.authErrors.Add(1)
			l.log.WithError(err).WithFields(logrus.Fields{"type": header.Type, "from": ev.from}).Debug("Dropping unauthenticated packet")
			return nil, Drop
		}
	}
	if l.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		l.log.Tracef("<< %v from %v\n%s", header.Type, ev.from, spew.Sdump(body))
	}
	return pkt, ent.handler(pkt)
}
