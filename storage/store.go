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

// Package storage manages the local file store under files_path.
//
// One file per stored entity, named by the client-visible name. A leveldb
// index under the store root keeps name -> {size, id} so locality checks
// avoid a stat per packet, and a small LRU caches hot entries. Received
// files land in a temporary .part file and are renamed into place on
// commit, so a file visible under its final name is always complete.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rjeczalik/notify"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/dhashchain/go-dhash/common"
)

const (
	indexDir   = ".index"
	partSuffix = ".part"
	cacheSize  = 4096
)

var (
	// ErrInvalidName rejects names that would escape the store root or
	// collide with store internals.
	ErrInvalidName = errors.New("storage: invalid file name")
	// ErrNotFound is returned when a name is not in the store.
	ErrNotFound = errors.New("storage: file not found")
)

var indexKeyPrefix = []byte("f:")

// Store is the local file store.
type Store struct {
	root  string
	db    *leveldb.DB
	cache *lru.Cache
	log   *logrus.Entry

	events chan notify.EventInfo
}

// Entry is one indexed file.
type Entry struct {
	Name string
	Size uint64
	ID   common.ID
}

// Open opens (creating if needed) the store rooted at path and synchronizes
// the index with the directory contents.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating root: %w", err)
	}
	db, err := leveldb.OpenFile(filepath.Join(root, indexDir), nil)
	if err != nil {
		return nil, fmt.Errorf("storage: opening index: %w", err)
	}
	cache, _ := lru.New(cacheSize)
	s := &Store{
		root:  root,
		db:    db,
		cache: cache,
		log:   logrus.WithField("mod", "storage"),
	}
	if err := s.scan(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close stops the watcher, if any, and closes the index.
func (s *Store) Close() error {
	if s.events != nil {
		notify.Stop(s.events)
		close(s.events)
		s.events = nil
	}
	return s.db.Close()
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// ValidName reports whether a client-supplied name is usable as a store
// entry. Path separators and store-internal names are rejected.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	if name == indexDir || strings.HasSuffix(name, partSuffix) {
		return false
	}
	return true
}

// Path returns the on-disk path of a named entry.
func (s *Store) Path(name string) (string, error) {
	if !ValidName(name) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.root, name), nil
}

// Exists reports whether the store holds a complete file under name.
func (s *Store) Exists(name string) bool {
	_, err := s.Stat(name)
	return err == nil
}

// Stat returns the index entry for name, consulting, in order, the LRU, the
// leveldb index and finally the directory itself (files dropped into the
// store out of band are folded in lazily).
func (s *Store) Stat(name string) (Entry, error) {
	if !ValidName(name) {
		return Entry{}, ErrInvalidName
	}
	if v, ok := s.cache.Get(name); ok {
		return v.(Entry), nil
	}
	if data, err := s.db.Get(indexKey(name), nil); err == nil {
		e, err := decodeEntry(name, data)
		if err == nil {
			s.cache.Add(name, e)
			return e, nil
		}
		s.log.WithError(err).WithField("name", name).Warn("Dropping corrupt index entry")
		s.db.Delete(indexKey(name), nil)
	}
	fi, err := os.Stat(filepath.Join(s.root, name))
	if err != nil || !fi.Mode().IsRegular() {
		return Entry{}, ErrNotFound
	}
	e := Entry{Name: name, Size: uint64(fi.Size()), ID: common.DataID([]byte(name))}
	s.index(e)
	return e, nil
}

// Open opens a stored file for reading and returns its indexed size.
func (s *Store) Open(name string) (*os.File, uint64, error) {
	e, err := s.Stat(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(filepath.Join(s.root, name))
	if err != nil {
		return nil, 0, fmt.Errorf("storage: opening %q: %w", name, err)
	}
	return f, e.Size, nil
}

// CreateTemp creates the temporary file a receive transfer streams into.
// The caller must either Commit or Abort the returned path.
func (s *Store) CreateTemp(name string) (*os.File, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	f, err := os.CreateTemp(s.root, name+"-*"+partSuffix)
	if err != nil {
		return nil, fmt.Errorf("storage: creating temp for %q: %w", name, err)
	}
	return f, nil
}

// Commit atomically renames a completed temporary file to its final name
// and records it in the index.
func (s *Store) Commit(tmpPath, name string, size uint64) error {
	final, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("storage: committing %q: %w", name, err)
	}
	s.index(Entry{Name: name, Size: size, ID: common.DataID([]byte(name))})
	return nil
}

// Abort removes an uncommitted temporary file.
func (s *Store) Abort(tmpPath string) {
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.WithError(err).WithField("path", tmpPath).Warn("Failed to remove temp file")
	}
}

// Entries returns a snapshot of the index, for diagnostics.
func (s *Store) Entries() []Entry {
	var out []Entry
	it := s.db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if !strings.HasPrefix(string(key), string(indexKeyPrefix)) {
			continue
		}
		name := string(key[len(indexKeyPrefix):])
		if e, err := decodeEntry(name, it.Value()); err == nil {
			out = append(out, e)
		}
	}
	return out
}

// Watch folds files added to the store out of band into the index until the
// store is closed.
func (s *Store) Watch() error {
	s.events = make(chan notify.EventInfo, 64)
	if err := notify.Watch(s.root, s.events, notify.Create, notify.Rename, notify.Remove); err != nil {
		return fmt.Errorf("storage: watching root: %w", err)
	}
	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	for ev := range s.events {
		name := filepath.Base(ev.Path())
		if !ValidName(name) {
			continue
		}
		switch ev.Event() {
		case notify.Remove:
			s.forget(name)
		default:
			fi, err := os.Stat(ev.Path())
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
			s.index(Entry{Name: name, Size: uint64(fi.Size()), ID: common.DataID([]byte(name))})
			s.log.WithFields(logrus.Fields{"name": name, "size": fi.Size()}).Debug("Indexed file from watcher")
		}
	}
}

func (s *Store) scan() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("storage: scanning root: %w", err)
	}
	n := 0
	for _, de := range entries {
		name := de.Name()
		if !de.Type().IsRegular() || !ValidName(name) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		s.index(Entry{Name: name, Size: uint64(fi.Size()), ID: common.DataID([]byte(name))})
		n++
	}
	s.log.WithFields(logrus.Fields{"root": s.root, "files": n}).Info("Synchronized file index")
	return nil
}

func (s *Store) index(e Entry) {
	if err := s.db.Put(indexKey(e.Name), encodeEntry(e), nil); err != nil {
		s.log.WithError(err).WithField("name", e.Name).Warn("Failed to index file")
		return
	}
	s.cache.Add(e.Name, e)
}

func (s *Store) forget(name string) {
	s.cache.Remove(name)
	if err := s.db.Delete(indexKey(name), nil); err != nil {
		s.log.WithError(err).WithField("name", name).Warn("Failed to drop index entry")
	}
}

func indexKey(name string) []byte {
	return append(append([]byte{}, indexKeyPrefix...), name...)
}

// Index records are 8 bytes of big-endian size followed by the 20 byte
// name identifier.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 8+common.IDLength)
	binary.BigEndian.PutUint64(buf, e.Size)
	copy(buf[8:], e.ID.Bytes())
	return buf
}

func decodeEntry(name string, data []byte) (Entry, error) {
	if len(data) != 8+common.IDLength {
		return Entry{}, fmt.Errorf("storage: index record for %q has length %d", name, len(data))
	}
	return Entry{
		Name: name,
		Size: binary.BigEndian.Uint64(data),
		ID:   common.BytesToID(data[8:]),
	}, nil
}
