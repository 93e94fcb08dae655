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

// Package chord maintains one ring membership per joined overlay: the
// successor list, predecessor and finger table, and the forwarding fabric
// that routes Data envelopes toward an identifier's successor.
//
// All ring state belongs to the dispatch loop goroutine. Handlers,
// maintenance ticks and the Ring methods used by the storage layer all run
// there; nothing in this package takes a lock.
package chord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/dispatch"
	"github.com/dhashchain/go-dhash/ticket"
	"github.com/dhashchain/go-dhash/wire"
)

const (
	// FingerCount is one slot per identifier bit.
	FingerCount = common.IDLength * 8
	// SuccessorListLen bounds the successor list.
	SuccessorListLen = 3
	// DefaultTTL is the hop budget of routed envelopes.
	DefaultTTL = 32

	// DefaultStabilizeInterval paces successor checks.
	DefaultStabilizeInterval = 1 * time.Second
	// DefaultPingInterval paces liveness probes of ring neighbors.
	DefaultPingInterval = 5 * time.Second
	// missedPongLimit evicts a successor after this many unanswered pings.
	missedPongLimit = 3
)

// ErrUnroutable is returned when no finger is closer to the target than the
// node itself and no successor is known.
var ErrUnroutable = errors.New("chord: no route toward identifier")

// Ring is the narrow view the file layer has of the overlay: a locality
// decision, the forwarding fabric and direct datagram sends.
type Ring interface {
	// IsLocal reports whether this node is responsible for id, i.e.
	// whether id lies in (predecessor, self].
	IsLocal(id common.ID) bool
	// Forward injects a payload into the fabric toward id's successor.
	Forward(payload []byte, toward common.ID) error
	// Deliver runs a payload through the local handlers as if it had
	// arrived addressed to this node.
	Deliver(payload []byte)
	// LocalEndpoint returns the node's own overlay endpoint.
	LocalEndpoint() common.Endpoint
	// SendTo sends a message directly to a peer, outside the fabric.
	SendTo(ep common.Endpoint, msg wire.Message) error
}

// Config describes one ring membership.
type Config struct {
	// Listen is the UDP address of the overlay socket, e.g. ":4242".
	Listen string
	// Advertise optionally pins the node's external address; when empty
	// it is learned with AddrDiscover from the first bootstrap peer that
	// answers.
	Advertise string
	// Bootstrap lists peer endpoints ("host:port") used to join. Empty
	// means start a new ring.
	Bootstrap []string

	TTL               uint8
	StabilizeInterval time.Duration
	PingInterval      time.Duration
}

func (cfg *Config) withDefaults() Config {
	out := *cfg
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.StabilizeInterval <= 0 {
		out.StabilizeInterval = DefaultStabilizeInterval
	}
	if out.PingInterval <= 0 {
		out.PingInterval = DefaultPingInterval
	}
	return out
}

// Server is one ring membership: the overlay socket plus the routing state
// around the node's position on the ring.
type Server struct {
	cfg  Config
	conn *net.UDPConn
	loop *dispatch.Loop
	iss  *ticket.Issuer
	log  *logrus.Entry

	self        common.Node
	predecessor common.Node
	successors  []common.Node
	fingers     [FingerCount]common.Node

	bootstrap   []common.Endpoint
	discovered  bool
	joined      bool
	missedPongs int
	pingTime    uint64

	// onRoutingFailure is invoked when a locally originated or relayed
	// payload has no route; the file layer uses it to answer queries it
	// cannot forward.
	onRoutingFailure func(payload []byte)
}

// NewServer binds the overlay socket for one ring.
func NewServer(cfg Config, loop *dispatch.Loop, iss *ticket.Issuer) (*Server, error) {
	c := cfg.withDefaults()
	addr, err := net.ResolveUDPAddr("udp", c.Listen)
	if err != nil {
		return nil, fmt.Errorf("chord: resolving listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("chord: binding overlay socket: %w", err)
	}
	srv := &Server{cfg: c, conn: conn, loop: loop, iss: iss}

	local := conn.LocalAddr().(*net.UDPAddr)
	self := common.NewEndpoint(local.IP, uint16(local.Port))
	if c.Advertise != "" {
		ep, err := resolveEndpoint(c.Advertise)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("chord: resolving advertise address: %w", err)
		}
		if ep.Port == 0 {
			ep.Port = uint16(local.Port)
		}
		self = ep
		srv.discovered = true
	}
	srv.setSelf(self)

	for _, b := range c.Bootstrap {
		ep, err := resolveEndpoint(b)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("chord: resolving bootstrap peer %q: %w", b, err)
		}
		srv.bootstrap = append(srv.bootstrap, ep)
	}
	srv.log = logrus.WithFields(logrus.Fields{"mod": "chord", "self": srv.self.Endpoint.String()})
	return srv, nil
}

func resolveEndpoint(s string) (common.Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return common.Endpoint{}, err
	}
	return common.FromUDPAddr(addr), nil
}

func (s *Server) setSelf(ep common.Endpoint) {
	s.self = common.NodeAt(ep)
}

// Start attaches the overlay socket to the loop, begins maintenance ticks
// and initiates the join sequence.
func (s *Server) Start(ctx context.Context) {
	s.loop.AttachPacketConn(s.conn, s)
	s.loop.Every(ctx, s.cfg.StabilizeInterval, s.stabilizeTick)
	s.loop.Every(ctx, s.cfg.PingInterval, s.pingTick)
	s.loop.Do(s.join)
}

// Close shuts the overlay socket; the attached reader exits with it.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Self returns the node's own identity on this ring.
func (s *Server) Self() common.Node { return s.self }

// LocalEndpoint implements Ring.
func (s *Server) LocalEndpoint() common.Endpoint { return s.self.Endpoint }

// Predecessor returns the current predecessor; zero when unknown.
func (s *Server) Predecessor() common.Node { return s.predecessor }

// Successors returns a copy of the successor list.
func (s *Server) Successors() []common.Node {
	out := make([]common.Node, len(s.successors))
	copy(out, s.successors)
	return out
}

// OnRoutingFailure installs the hook invoked when a payload cannot be
// routed anywhere.
func (s *Server) OnRoutingFailure(fn func(payload []byte)) {
	s.onRoutingFailure = fn
}

// IsLocal implements Ring: id is ours iff it lies in (predecessor, self].
// A node with no predecessor owns the whole ring.
func (s *Server) IsLocal(id common.ID) bool {
	if s.predecessor.Endpoint.IsZero() {
		return true
	}
	return id.InArc(s.predecessor.ID, s.self.ID)
}

// SendTo implements Ring.
func (s *Server) SendTo(ep common.Endpoint, msg wire.Message) error {
	buf, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDP(buf, ep.UDPAddr()); err != nil {
		return fmt.Errorf("chord: sending %v to %s: %w", msg.Kind(), ep, err)
	}
	return nil
}

// Forward implements Ring: wrap payload in a Data envelope and hand it to
// the fabric. A payload targeting our own arc short-circuits to local
// delivery.
func (s *Server) Forward(payload []byte, toward common.ID) error {
	if s.IsLocal(toward) {
		s.Deliver(payload)
		return nil
	}
	env := &wire.Data{ID: toward, TTL: s.cfg.TTL, Data: payload}
	return s.forwardEnvelope(env)
}

// Deliver implements Ring.
func (s *Server) Deliver(payload []byte) {
	s.loop.Inject(s, s.self.Endpoint, payload)
}

// forwardEnvelope picks the next hop for a Data envelope and sends it.
// Last is set when the hop is believed to be the identifier's successor.
func (s *Server) forwardEnvelope(env *wire.Data) error {
	next, last := s.nextHop(env.ID)
	if next.Endpoint.IsZero() {
		return ErrUnroutable
	}
	out := *env
	out.Last = last
	if err := s.SendTo(next.Endpoint, &out); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"id": env.ID.TerminalString(), "next": next.Endpoint.String(), "ttl": out.TTL}).Trace("Forwarded envelope")
	return nil
}

// join begins address discovery against every bootstrap peer (the first
// reply is adopted), or starts a fresh ring when there are none.
func (s *Server) join() {
	if len(s.bootstrap) == 0 {
		s.joined = true
		s.log.Info("Started new ring")
		return
	}
	if !s.discovered {
		for _, peer := range s.bootstrap {
			tkt := s.iss.Issue(ticket.Byte(byte(wire.KindAddrDiscoverReply)), ticket.Addr(peer.Addr))
			if err := s.SendTo(peer, &wire.AddrDiscover{Ticket: tkt}); err != nil {
				s.log.WithError(err).Warn("Address discovery send failed")
			}
		}
		return
	}
	s.sendFindSuccessor()
}

// sendFindSuccessor asks the ring for the successor of our own identifier.
func (s *Server) sendFindSuccessor() {
	tkt := s.iss.Issue(ticket.Byte(byte(wire.KindFindSuccessorReply)),
		ticket.Addr(s.self.Endpoint.Addr), ticket.Uint16(s.self.Endpoint.Port))
	msg := &wire.FindSuccessor{
		Ticket: tkt,
		TTL:    s.cfg.TTL,
		Addr:   s.self.Endpoint.Addr,
		Port:   s.self.Endpoint.Port,
	}
	for _, peer := range s.bootstrap {
		if err := s.SendTo(peer, msg); err != nil {
			s.log.WithError(err).Warn("Join request send failed")
		}
	}
}

// stabilizeTick runs the periodic successor check and retries the join
// until a successor is known.
func (s *Server) stabilizeTick() {
	if len(s.successors) == 0 {
		if !s.joined {
			s.join()
		}
		return
	}
	succ := s.successors[0]
	msg := &wire.Stabilize{Addr: s.self.Endpoint.Addr, Port: s.self.Endpoint.Port}
	if err := s.SendTo(succ.Endpoint, msg); err != nil {
		s.log.WithError(err).Debug("Stabilize send failed")
	}
}

// pingTick probes the first successor and evicts it after too many missed
// pongs.
func (s *Server) pingTick() {
	if len(s.successors) == 0 {
		return
	}
	if s.missedPongs >= missedPongLimit {
		dead := s.successors[0]
		s.dropNode(dead)
		s.missedPongs = 0
		s.log.WithField("peer", dead.Endpoint.String()).Warn("Successor unresponsive, evicting")
		return
	}
	s.missedPongs++
	s.pingTime = uint64(time.Now().UnixNano())
	tkt := s.iss.Issue(ticket.Byte(byte(wire.KindPong)), ticket.Uint64(s.pingTime))
	if err := s.SendTo(s.successors[0].Endpoint, &wire.Ping{Ticket: tkt, Time: s.pingTime}); err != nil {
		s.log.WithError(err).Debug("Ping send failed")
	}
}
