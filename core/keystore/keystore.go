// keystore.go - Per-link versioned key store.
// Copyright (C) 2026  The hopkey Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package keystore implements the append-only, versioned store of link keys.
//
// Every link has its own KeyStore.  Id 0 is the well known all-zero bootstrap
// key, and every rotation is assigned the next sequential id.  Records are
// never removed or altered, since chunks that are still in flight may refer
// to any id that was ever issued.
package keystore

import (
	"errors"
	"fmt"
	"sync"
)

// KeySize is the size of a link key in bytes (AES-128).
const KeySize = 16

// BootstrapID is the id of the bootstrap key.
const BootstrapID = 0

var (
	// ErrKeyNotFound is the error returned when a key id was never inserted.
	ErrKeyNotFound = errors.New("keystore: key not found")

	// ErrBootstrapped is the error returned when the bootstrap key is
	// installed twice.
	ErrBootstrapped = errors.New("keystore: bootstrap key already installed")
)

// Key is the secret material of one link key.
type Key [KeySize]byte

// KeyStore is a thread-safe mapping from key ids to key material.
type KeyStore struct {
	sync.RWMutex

	keys    map[uint32]Key
	current uint32
	hasKeys bool
}

// Bootstrap installs the all-zero bootstrap key as id 0.
func (s *KeyStore) Bootstrap() error {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.keys[BootstrapID]; ok {
		return ErrBootstrapped
	}
	s.keys[BootstrapID] = Key{}
	if !s.hasKeys {
		s.current = BootstrapID
		s.hasKeys = true
	}
	return nil
}

// Insert stores a copy of secret under the next sequential id, makes it the
// current key, and returns the id.  The first rotation is always id 1.
func (s *KeyStore) Insert(secret *Key) uint32 {
	s.Lock()
	defer s.Unlock()

	id := uint32(BootstrapID + 1)
	if s.hasKeys && s.current >= id {
		id = s.current + 1
	}
	s.keys[id] = *secret
	s.current = id
	s.hasKeys = true
	return id
}

// Get returns a copy of the key stored under id.
func (s *KeyStore) Get(id uint32) (*Key, error) {
	s.RLock()
	defer s.RUnlock()

	k, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrKeyNotFound, id)
	}
	return &k, nil
}

// Current returns the id of the most recently installed key.
func (s *KeyStore) Current() (uint32, error) {
	s.RLock()
	defer s.RUnlock()

	if !s.hasKeys {
		return 0, fmt.Errorf("%w: store is empty", ErrKeyNotFound)
	}
	return s.current, nil
}

// CurrentKey returns the current id together with its key, as observed by a
// single read of the store.
func (s *KeyStore) CurrentKey() (uint32, *Key, error) {
	s.RLock()
	defer s.RUnlock()

	if !s.hasKeys {
		return 0, nil, fmt.Errorf("%w: store is empty", ErrKeyNotFound)
	}
	k := s.keys[s.current]
	return s.current, &k, nil
}

// Len returns the number of installed keys.
func (s *KeyStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.keys)
}

// New returns an empty KeyStore.  Callers are expected to call Bootstrap
// before the link carries traffic.
func New() *KeyStore {
	return &KeyStore{
		keys: make(map[uint32]Key),
	}
}
