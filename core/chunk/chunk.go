// chunk.go - Chunk framing and single-block codec.
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

// Package chunk implements the data channel wire frame and the single-block
// cipher applied to it.
//
// A frame is a one byte key id followed by exactly one AES block:
//
//	[key_id: 1 byte][ciphertext: 16 bytes]
//
// Each block is encrypted independently, without chaining or padding, so
// that every frame carries its own key id and can be produced without
// buffering the whole message.
package chunk

import (
	"errors"
	"fmt"

	"gitlab.com/yawning/bsaes.git"

	"github.com/hopkey/hopkey/core/keystore"
)

const (
	// BlockSize is the size of one plaintext/ciphertext block.
	BlockSize = 16

	// HeaderLength is the size of the key id header.
	HeaderLength = 1

	// FrameLength is the size of one frame on the wire.
	FrameLength = HeaderLength + BlockSize

	// MaxKeyID is the largest key id representable in the header.
	MaxKeyID = 0xff
)

var (
	// ErrBlockSize is the error returned when the input is not exactly one
	// block long.
	ErrBlockSize = errors.New("chunk: input is not exactly one block")

	// ErrKeyIDRange is the error returned when a key id does not fit in the
	// frame header.
	ErrKeyIDRange = errors.New("chunk: key id does not fit in the frame header")

	// ErrFrameSize is the error returned when a frame has the wrong length.
	ErrFrameSize = errors.New("chunk: invalid frame length")
)

// Chunk is one frame of the data channel.
type Chunk struct {
	KeyID   uint8
	Payload [BlockSize]byte
}

// ToBytes serializes the chunk into a wire frame.
func (c *Chunk) ToBytes() []byte {
	b := make([]byte, FrameLength)
	b[0] = c.KeyID
	copy(b[HeaderLength:], c.Payload[:])
	return b
}

// FromBytes deserializes a wire frame.
func FromBytes(b []byte) (*Chunk, error) {
	if len(b) != FrameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, len(b))
	}
	c := &Chunk{KeyID: b[0]}
	copy(c.Payload[:], b[HeaderLength:])
	return c, nil
}

// Encode encrypts exactly one block under key, tagging it with id.
func Encode(block []byte, id uint32, key *keystore.Key) (*Chunk, error) {
	if len(block) != BlockSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBlockSize, len(block))
	}
	if id > MaxKeyID {
		return nil, fmt.Errorf("%w: id %d", ErrKeyIDRange, id)
	}
	b, err := bsaes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	c := &Chunk{KeyID: uint8(id)}
	b.Encrypt(c.Payload[:], block)
	return c, nil
}

// Decode decrypts the chunk's payload under key.
func Decode(c *Chunk, key *keystore.Key) ([]byte, error) {
	b, err := bsaes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	block := make([]byte, BlockSize)
	b.Decrypt(block, c.Payload[:])
	return block, nil
}

// Codec binds the frame codec to one link's KeyStore.
type Codec struct {
	store *keystore.KeyStore
}

// Seal encrypts block under the link's current key.
func (c *Codec) Seal(block []byte) (*Chunk, error) {
	id, key, err := c.store.CurrentKey()
	if err != nil {
		return nil, err
	}
	return Encode(block, id, key)
}

// Open decrypts ch under the key named by its header.
func (c *Codec) Open(ch *Chunk) ([]byte, error) {
	key, err := c.store.Get(uint32(ch.KeyID))
	if err != nil {
		return nil, err
	}
	return Decode(ch, key)
}

// Store returns the KeyStore backing the codec.
func (c *Codec) Store() *keystore.KeyStore {
	return c.store
}

// NewCodec returns a Codec for the link backed by store.
func NewCodec(store *keystore.KeyStore) *Codec {
	return &Codec{store: store}
}
