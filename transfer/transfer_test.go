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

package transfer

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhashchain/go-dhash/common"
	"github.com/dhashchain/go-dhash/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func waitDone(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("transfer did not complete")
		return nil
	}
}

func localEndpoint(port uint16) common.Endpoint {
	return common.NewEndpoint(net.ParseIP("127.0.0.1"), port)
}

func TestReceive(t *testing.T) {
	content := []byte("file contents over the wire")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write(content)
		conn.Close()
	}()

	store := newTestStore(t)
	done := make(chan error, 1)
	tr := New(Config{
		Name:      "a.bin",
		Direction: Recv,
		Peer:      localEndpoint(uint16(ln.Addr().(*net.TCPAddr).Port)),
		Size:      uint64(len(content)),
		Store:     store,
		Done:      func(_ *Transfer, err error) { done <- err },
	})
	tr.Start()

	require.NoError(t, waitDone(t, done))
	assert.Equal(t, StateDone, tr.State())

	e, err := store.Stat("a.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(len(content)), e.Size)
	data, err := os.ReadFile(filepath.Join(store.Root(), "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestReceiveShort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("short"))
		conn.Close()
	}()

	store := newTestStore(t)
	done := make(chan error, 1)
	tr := New(Config{
		Name:      "a.bin",
		Direction: Recv,
		Peer:      localEndpoint(uint16(ln.Addr().(*net.TCPAddr).Port)),
		Size:      100,
		Store:     store,
		Done:      func(_ *Transfer, err error) { done <- err },
	})
	tr.Start()

	err = waitDone(t, done)
	assert.ErrorIs(t, err, ErrShortFile)
	assert.Equal(t, StateFailed, tr.State())
	// The partial file must not be visible under its final name.
	assert.False(t, store.Exists("a.bin"))
}

func TestReceiveConnectionRefused(t *testing.T) {
	store := newTestStore(t)
	done := make(chan error, 1)
	tr := New(Config{
		Name:      "a.bin",
		Direction: Recv,
		Peer:      localEndpoint(freePort(t)),
		Size:      1,
		Store:     store,
		Timeout:   2 * time.Second,
		Done:      func(_ *Transfer, err error) { done <- err },
	})
	tr.Start()
	assert.Error(t, waitDone(t, done))
	assert.Equal(t, StateFailed, tr.State())
}

func TestSend(t *testing.T) {
	store := newTestStore(t)
	content := []byte("outbound data")
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "out.bin"), content, 0o644))

	port := freePort(t)
	done := make(chan error, 1)
	tr := New(Config{
		Name:      "out.bin",
		Direction: Send,
		LocalPort: port,
		Peer:      localEndpoint(0),
		Store:     store,
		Done:      func(_ *Transfer, err error) { done <- err },
	})
	tr.Start()

	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", localEndpoint(port).TCPAddr(port).String())
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	defer conn.Close()

	got := make([]byte, 0, len(content))
	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	assert.Equal(t, content, got)
	require.NoError(t, waitDone(t, done))
	assert.Equal(t, StateDone, tr.State())
}

func TestCallbackFiresOnce(t *testing.T) {
	store := newTestStore(t)
	var calls atomic.Int32
	tr := New(Config{
		Name:      "a.bin",
		Direction: Recv,
		Peer:      localEndpoint(freePort(t)),
		Size:      1,
		Store:     store,
		Timeout:   time.Second,
		Done:      func(_ *Transfer, _ error) { calls.Add(1) },
	})
	tr.Start()
	tr.Abort(errors.New("gone"))
	tr.Abort(errors.New("gone again"))

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

// freePort grabs an ephemeral port and releases it for the caller. The
// tiny race with other processes is acceptable in tests.
func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return uint16(port)
}
