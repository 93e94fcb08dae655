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

// Package transfer moves file contents between two peers over a dedicated
// stream connection, one object per in-flight exchange.
//
// A sending transfer listens on the local bulk port, accepts exactly one
// connection and streams the file. A receiving transfer connects to the
// peer's bulk port and reads until EOF into a temporary file, committing it
// atomically on success. Completion is reported through a callback that
// fires exactly once.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/storage"
)

// State is the lifecycle position of a transfer.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateConnecting
	StateTransferring
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:         "idle",
	StateListening:    "listening",
	StateConnecting:   "connecting",
	StateTransferring: "transferring",
	StateDone:         "done",
	StateFailed:       "failed",
}

// String implements the stringer interface.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Direction distinguishes sends from receives.
type Direction int

const (
	Send Direction = iota
	Recv
)

// String implements the stringer interface.
func (d Direction) String() string {
	if d == Send {
		return "send"
	}
	return "recv"
}

// DefaultTimeout is the wall-clock limit on a whole transfer. Zero in the
// config disables the limit.
const DefaultTimeout = 2 * time.Minute

const (
	connectRetryWindow = 5 * time.Second
	connectRetryDelay  = 100 * time.Millisecond
)

var (
	// ErrTimeout fails a transfer whose peer never connected or stalled.
	ErrTimeout = errors.New("transfer: timed out")
	// ErrShortFile fails a receive that ended before the announced size.
	ErrShortFile = errors.New("transfer: received size does not match announcement")
)

// Config describes one transfer.
type Config struct {
	Name      string
	Direction Direction
	// LocalPort is the bulk port bound when sending (overlay port + 1).
	LocalPort uint16
	// Peer is the remote bulk endpoint: dialed when receiving, and used
	// only for logging when sending.
	Peer common.Endpoint
	// Size is the announced file size; receives enforce it, sends ignore
	// it and use the on-disk size.
	Size  uint64
	Store *storage.Store
	// Timeout bounds the whole transfer; 0 means no limit, < 0 selects
	// DefaultTimeout.
	Timeout time.Duration
	// Done receives the terminal outcome exactly once, from the
	// transfer's own goroutine or, after Abort, from Abort's caller.
	Done func(t *Transfer, err error)
}

// Transfer is one in-flight bulk exchange.
type Transfer struct {
	id  uuid.UUID
	cfg Config
	log *logrus.Entry

	state atomic.Int32
	once  sync.Once

	mu      sync.Mutex
	closers []io.Closer
	timer   *time.Timer
	expired atomic.Bool
}

// New builds a transfer; Start launches it.
func New(cfg Config) *Transfer {
	if cfg.Timeout < 0 {
		cfg.Timeout = DefaultTimeout
	}
	t := &Transfer{id: uuid.New(), cfg: cfg}
	t.log = logrus.WithFields(logrus.Fields{
		"mod":  "transfer",
		"id":   t.id.String()[:8],
		"name": cfg.Name,
		"dir":  cfg.Direction,
		"peer": cfg.Peer,
	})
	return t
}

// ID returns the transfer identity.
func (t *Transfer) ID() uuid.UUID { return t.id }

// Name returns the file name being exchanged.
func (t *Transfer) Name() string { return t.cfg.Name }

// Direction returns the transfer direction.
func (t *Transfer) Direction() Direction { return t.cfg.Direction }

// Peer returns the remote bulk endpoint.
func (t *Transfer) Peer() common.Endpoint { return t.cfg.Peer }

// State returns the current lifecycle position.
func (t *Transfer) State() State { return State(t.state.Load()) }

// Start launches the transfer on its own goroutine.
func (t *Transfer) Start() {
	if t.cfg.Timeout > 0 {
		t.mu.Lock()
		t.timer = time.AfterFunc(t.cfg.Timeout, t.expire)
		t.mu.Unlock()
	}
	switch t.cfg.Direction {
	case Send:
		go t.runSend()
	case Recv:
		go t.runRecv()
	}
}

// Abort tears the transfer down; the failure callback fires with err.
func (t *Transfer) Abort(err error) {
	t.finish(err)
	t.closeAll()
}

func (t *Transfer) runSend() {
	t.state.Store(int32(StateListening))
	l, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(t.cfg.LocalPort)})
	if err != nil {
		t.finish(fmt.Errorf("binding bulk port %d: %w", t.cfg.LocalPort, err))
		return
	}
	t.track(l)
	t.log.WithField("port", t.cfg.LocalPort).Debug("Listening for bulk connection")

	conn, err := l.Accept()
	// One peer per transfer; stop accepting before the stream starts.
	l.Close()
	if err != nil {
		t.finish(fmt.Errorf("accepting bulk connection: %w", t.wrapTimeout(err)))
		return
	}
	t.track(conn)
	defer conn.Close()

	f, size, err := t.cfg.Store.Open(t.cfg.Name)
	if err != nil {
		t.finish(err)
		return
	}
	defer f.Close()

	t.state.Store(int32(StateTransferring))
	n, err := io.Copy(conn, f)
	if err != nil {
		t.finish(fmt.Errorf("streaming %q: %w", t.cfg.Name, t.wrapTimeout(err)))
		return
	}
	t.log.WithFields(logrus.Fields{"sent": n, "size": size}).Debug("Send complete")
	t.finish(nil)
}

func (t *Transfer) runRecv() {
	t.state.Store(int32(StateConnecting))
	conn, err := t.connect()
	if err != nil {
		t.finish(fmt.Errorf("connecting to %s: %w", t.cfg.Peer, t.wrapTimeout(err)))
		return
	}
	t.track(conn)
	defer conn.Close()

	f, err := t.cfg.Store.CreateTemp(t.cfg.Name)
	if err != nil {
		t.finish(err)
		return
	}
	tmp := f.Name()

	t.state.Store(int32(StateTransferring))
	n, err := io.Copy(f, conn)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		t.cfg.Store.Abort(tmp)
		t.finish(fmt.Errorf("receiving %q: %w", t.cfg.Name, t.wrapTimeout(err)))
		return
	}
	if uint64(n) != t.cfg.Size {
		t.cfg.Store.Abort(tmp)
		t.finish(fmt.Errorf("%w: got %d, want %d", ErrShortFile, n, t.cfg.Size))
		return
	}
	if err := t.cfg.Store.Commit(tmp, t.cfg.Name, uint64(n)); err != nil {
		t.cfg.Store.Abort(tmp)
		t.finish(err)
		return
	}
	t.log.WithField("received", n).Debug("Receive complete")
	t.finish(nil)
}

// connect dials the peer's bulk port, retrying briefly: the overlay reply
// that announced the transfer can outrun the sender's listener.
func (t *Transfer) connect() (net.Conn, error) {
	deadline := time.Now().Add(connectRetryWindow)
	for {
		dialer := net.Dialer{Timeout: connectRetryWindow}
		conn, err := dialer.Dial("tcp", t.cfg.Peer.TCPAddr(t.cfg.Peer.Port).String())
		if err == nil {
			return conn, nil
		}
		if t.expired.Load() || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(connectRetryDelay)
	}
}

// finish moves the transfer to its terminal state and fires the completion
// callback. The sync.Once makes exactly-once structural: racing failure
// paths and the timeout cannot double-fire.
func (t *Transfer) finish(err error) {
	t.once.Do(func() {
		if err != nil && t.expired.Load() {
			err = ErrTimeout
		}
		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()
		if err != nil {
			t.state.Store(int32(StateFailed))
			t.log.WithError(err).Debug("Transfer failed")
		} else {
			t.state.Store(int32(StateDone))
		}
		if t.cfg.Done != nil {
			t.cfg.Done(t, err)
		}
	})
}

func (t *Transfer) expire() {
	t.expired.Store(true)
	// Closing the socket unblocks whichever I/O call is in flight; the
	// worker goroutine then reaches finish, which rewrites the error.
	t.closeAll()
}

func (t *Transfer) track(c io.Closer) {
	t.mu.Lock()
	t.closers = append(t.closers, c)
	t.mu.Unlock()
}

func (t *Transfer) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.closers {
		c.Close()
	}
	t.closers = nil
}

func (t *Transfer) wrapTimeout(err error) error {
	if t.expired.Load() {
		return ErrTimeout
	}
	return err
}
