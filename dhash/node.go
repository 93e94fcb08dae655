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

// Package dhash implements the distributed file store on top of the ring:
// the query/push protocol, the local client control channel and the
// bookkeeping of in-flight bulk transfers.
package dhash

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dhashchain/go-dhash/chord"
	"github.com/dhashchain/go-dhash/dispatch"
	"github.com/dhashchain/go-dhash/storage"
	"github.com/dhashchain/go-dhash/ticket"
	"github.com/dhashchain/go-dhash/transfer"
	"github.com/dhashchain/go-dhash/wire"
)

// DefaultControlListen is where the node accepts local client connections.
const DefaultControlListen = "127.0.0.1:4244"

// Config collects the node-level settings.
type Config struct {
	// FilesPath is the root of the local file store.
	FilesPath string
	// ControlListen is the TCP address of the local client channel.
	ControlListen string
	// Rings lists the overlay memberships, tried in order for client
	// requests.
	Rings []chord.Config

	TicketTimeout   time.Duration
	TransferTimeout time.Duration
	// WatchFiles enables the out-of-band file watcher on FilesPath.
	WatchFiles bool
}

// Node is one dhash participant: a file store served over one or more ring
// memberships.
type Node struct {
	cfg   Config
	store *storage.Store
	iss   *ticket.Issuer
	loop  *dispatch.Loop
	rings []*chord.Server
	log   *logrus.Entry

	// All fields below belong to the loop goroutine.
	transfers map[uuid.UUID]*transfer.Transfer
	receiving mapset.Set // names with an active receive transfer
	waiters   map[string][]*controlConn
	conns     mapset.Set // open control connections

	ctrlLn net.Listener
}

// NewNode builds a node from its configuration. Startup failures here are
// fatal to the process; everything after Start recovers locally.
func NewNode(cfg Config) (*Node, error) {
	if len(cfg.Rings) == 0 {
		return nil, fmt.Errorf("dhash: no rings configured")
	}
	if cfg.ControlListen == "" {
		cfg.ControlListen = DefaultControlListen
	}
	if cfg.TransferTimeout == 0 {
		cfg.TransferTimeout = transfer.DefaultTimeout
	}
	store, err := storage.Open(cfg.FilesPath)
	if err != nil {
		return nil, err
	}
	iss, err := ticket.NewIssuer(cfg.TicketTimeout)
	if err != nil {
		store.Close()
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		store:     store,
		iss:       iss,
		loop:      dispatch.NewLoop(iss),
		log:       logrus.WithField("mod", "dhash"),
		transfers: make(map[uuid.UUID]*transfer.Transfer),
		receiving: mapset.NewThreadUnsafeSet(),
		waiters:   make(map[string][]*controlConn),
		conns:     mapset.NewThreadUnsafeSet(),
	}
	chord.RegisterHandlers(n.loop)
	n.registerHandlers()

	for i := range cfg.Rings {
		srv, err := chord.NewServer(cfg.Rings[i], n.loop, iss)
		if err != nil {
			n.closeRings()
			store.Close()
			return nil, err
		}
		srv.OnRoutingFailure(n.routingFailure(srv))
		n.rings = append(n.rings, srv)
	}

	ln, err := net.Listen("tcp", cfg.ControlListen)
	if err != nil {
		n.closeRings()
		store.Close()
		return nil, fmt.Errorf("dhash: binding control socket: %w", err)
	}
	n.ctrlLn = ln
	return n, nil
}

// Store exposes the local file store.
func (n *Node) Store() *storage.Store { return n.store }

// Loop exposes the event loop, mainly for its drop counters.
func (n *Node) Loop() *dispatch.Loop { return n.loop }

// ControlAddr returns the bound control listener address.
func (n *Node) ControlAddr() net.Addr { return n.ctrlLn.Addr() }

// Run starts every ring, the control acceptor and the event loop, then
// blocks until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	if n.cfg.WatchFiles {
		if err := n.store.Watch(); err != nil {
			return err
		}
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range n.rings {
		srv.Start(ctx)
	}
	g.Go(func() error { return n.loop.Run(ctx) })
	g.Go(func() error { return n.acceptControl(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		n.shutdown()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (n *Node) shutdown() {
	n.ctrlLn.Close()
	n.closeRings()
	// The transfer set belongs to the loop goroutine; if the loop has
	// already exited the closure never runs and the process teardown
	// reclaims the sockets instead.
	n.loop.Do(func() {
		for _, t := range n.transfers {
			t.Abort(context.Canceled)
		}
	})
	n.store.Close()
	n.iss.Zero()
}

func (n *Node) closeRings() {
	for _, srv := range n.rings {
		srv.Close()
	}
}

// addTransfer registers a transfer in the active set and starts it. Loop
// goroutine only.
func (n *Node) addTransfer(t *transfer.Transfer) {
	n.transfers[t.ID()] = t
	if t.Direction() == transfer.Recv {
		n.receiving.Add(t.Name())
	}
	n.log.WithFields(logrus.Fields{
		"id": t.ID().String()[:8], "name": t.Name(), "dir": t.Direction().String(),
	}).Debug("Transfer started")
	t.Start()
}

// transferDone adapts a completion handler so it runs on the loop with the
// transfer already removed from the active set.
func (n *Node) transferDone(then func(t *transfer.Transfer, err error)) func(*transfer.Transfer, error) {
	return func(t *transfer.Transfer, err error) {
		n.loop.Do(func() {
			delete(n.transfers, t.ID())
			if t.Direction() == transfer.Recv {
				n.receiving.Remove(t.Name())
			}
			if then != nil {
				then(t, err)
			}
		})
	}
}

// routingFailure answers queries the fabric could not route: the packet is
// consumed and the requester gets a failure instead of silence.
func (n *Node) routingFailure(srv *chord.Server) func(payload []byte) {
	return func(payload []byte) {
		header, err := wire.DecodeHeader(payload)
		if err != nil {
			return
		}
		body, err := wire.DecodeBody(header.Type, header.Payload)
		if err != nil {
			return
		}
		q, ok := body.(*wire.Query)
		if !ok {
			return
		}
		n.log.WithField("name", string(q.Name)).Debug("Query unroutable, failing back")
		reply := &wire.QueryReplyFailure{Name: q.Name}
		if q.ReplyEndpoint() == srv.LocalEndpoint() {
			n.controlReply(wire.ClientReplyFailure, string(q.Name))
			return
		}
		if err := srv.SendTo(q.ReplyEndpoint(), reply); err != nil {
			n.log.WithError(err).Debug("Failure reply send failed")
		}
	}
}
