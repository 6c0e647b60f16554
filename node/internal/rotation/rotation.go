// rotation.go - Key rotation channel.
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

// Package rotation implements the key rotation channel.  A rotation is the
// entire payload of one connection, and installing it moves the link's
// current key.
package rotation

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"

	"github.com/hopkey/hopkey/core/keystore"
	"github.com/hopkey/hopkey/core/transport"
	"github.com/hopkey/hopkey/node/config"
)

var hkdfInfo = []byte("hopkey key rotation v0")

// ErrMalformedKeyMaterial is the error returned when a rotation message can
// not be turned into a key.
var ErrMalformedKeyMaterial = errors.New("rotation: malformed key material")

// DeriveKey converts a rotation message into a key according to policy.
func DeriveKey(policy string, msg []byte) (*keystore.Key, error) {
	key := new(keystore.Key)
	switch policy {
	case config.KeyMaterialRaw:
		if len(msg) != keystore.KeySize {
			return nil, fmt.Errorf("%w: %d bytes, expected %d", ErrMalformedKeyMaterial, len(msg), keystore.KeySize)
		}
		if !utf8.Valid(msg) {
			return nil, fmt.Errorf("%w: not valid UTF-8", ErrMalformedKeyMaterial)
		}
		copy(key[:], msg)
	case config.KeyMaterialHKDF:
		if len(msg) == 0 {
			return nil, fmt.Errorf("%w: empty message", ErrMalformedKeyMaterial)
		}
		if _, err := io.ReadFull(hkdf.New(sha256.New, msg, nil, hkdfInfo), key[:]); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("rotation: unknown key material policy '%v'", policy)
	}
	return key, nil
}

// Send delivers one rotation message to the rotation channel at addr.
func Send(ctx context.Context, addr string, material []byte, timeout time.Duration) error {
	conn, err := transport.Dial(ctx, addr, timeout)
	if err != nil {
		return err
	}
	if _, err = conn.Write(material); err != nil {
		conn.Close()
		return err
	}
	return conn.Close()
}
