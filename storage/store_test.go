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

package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhashchain/go-dhash/common"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		exp  bool
	}{
		{"a.bin", true},
		{"with space", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{"a\\b", false},
		{"a\x00b", false},
		{".index", false},
		{"a.bin.part", false},
	}
	for _, test := range tests {
		if got := ValidName(test.name); got != test.exp {
			t.Errorf("ValidName(%q) == %v; expected %v", test.name, got, test.exp)
		}
	}
}

func TestCommitAndStat(t *testing.T) {
	s := newTestStore(t)

	f, err := s.CreateTemp("a.bin")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.False(t, s.Exists("a.bin"))
	require.NoError(t, s.Commit(f.Name(), "a.bin", 11))
	assert.True(t, s.Exists("a.bin"))

	e, err := s.Stat("a.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(11), e.Size)
	assert.Equal(t, common.DataID([]byte("a.bin")), e.ID)

	rd, size, err := s.Open("a.bin")
	require.NoError(t, err)
	defer rd.Close()
	assert.Equal(t, uint64(11), size)
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestAbortLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	f, err := s.CreateTemp("a.bin")
	require.NoError(t, err)
	f.Write([]byte("partial"))
	f.Close()
	s.Abort(f.Name())

	assert.False(t, s.Exists("a.bin"))
	_, err = os.Stat(f.Name())
	assert.True(t, os.IsNotExist(err))
}

// Files dropped into the directory out of band are picked up lazily.
func TestStatFoldsInForeignFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "b.bin"), []byte("xyz"), 0o644))

	e, err := s.Stat("b.bin")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Size)
}

func TestScanOnOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.bin"), []byte("1234"), 0o644))

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "c.bin", entries[0].Name)
	assert.Equal(t, uint64(4), entries[0].Size)
}

func TestInvalidNames(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Stat("../escape")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = s.CreateTemp("x/y")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, _, err = s.Open("")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Stat("nope.bin")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Exists("nope.bin"))
}
