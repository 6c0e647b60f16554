// inbox.go - Terminal receiver delivery interface.
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

// Package inbox defines where a terminal receiver hands finished streams.
package inbox

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Delivery is the plaintext of one finished inbound stream.
type Delivery struct {
	// Peer is the remote address the stream was received from.
	Peer string `cbor:"1,keyasint"`

	// Received is the time the stream ended.
	Received time.Time `cbor:"2,keyasint"`

	// Payload is the decrypted plaintext, in receipt order.
	Payload []byte `cbor:"3,keyasint"`

	// Truncated is set when the stream ended with an error rather than a
	// clean close, so Payload may be incomplete.
	Truncated bool `cbor:"4,keyasint"`
}

// Marshal serializes the Delivery.
func (d *Delivery) Marshal() ([]byte, error) {
	return cbor.Marshal(d)
}

// Unmarshal deserializes a Delivery.
func Unmarshal(b []byte) (*Delivery, error) {
	d := new(Delivery)
	if err := cbor.Unmarshal(b, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Consumer receives finished streams.  Implementations must be safe for
// concurrent use, since every inbound connection delivers independently.
type Consumer interface {
	Deliver(ctx context.Context, d *Delivery) error
	Close() error
}

// Memory is an in-memory Consumer.
type Memory struct {
	sync.Mutex

	deliveries []*Delivery
	notifyCh   chan struct{}
}

// Deliver implements Consumer.
func (m *Memory) Deliver(_ context.Context, d *Delivery) error {
	m.Lock()
	m.deliveries = append(m.deliveries, d)
	m.Unlock()

	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
	return nil
}

// Close implements Consumer.
func (m *Memory) Close() error {
	return nil
}

// Deliveries returns a snapshot of everything delivered so far.
func (m *Memory) Deliveries() []*Delivery {
	m.Lock()
	defer m.Unlock()
	return append([]*Delivery(nil), m.deliveries...)
}

// Wait blocks until at least n deliveries have arrived or ctx is done.
func (m *Memory) Wait(ctx context.Context, n int) ([]*Delivery, error) {
	for {
		if d := m.Deliveries(); len(d) >= n {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return m.Deliveries(), ctx.Err()
		case <-m.notifyCh:
		}
	}
}

// NewMemory returns an empty in-memory Consumer.
func NewMemory() *Memory {
	return &Memory{
		notifyCh: make(chan struct{}, 1),
	}
}
