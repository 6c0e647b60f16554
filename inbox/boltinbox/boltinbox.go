// boltinbox.go - BoltDB backed terminal receiver inbox.
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

// Package boltinbox implements the terminal receiver inbox with a simple
// boltdb based backend.  Only delivered plaintext is stored, key material
// never touches the disk.
package boltinbox

import (
	"context"
	"encoding/binary"
	"errors"

	bolt "go.etcd.io/bbolt"

	"github.com/hopkey/hopkey/inbox"
)

const deliveriesBucket = "deliveries"

type boltInbox struct {
	db *bolt.DB
}

// Deliver implements inbox.Consumer.
func (b *boltInbox) Deliver(_ context.Context, d *inbox.Delivery) error {
	raw, err := d.Marshal()
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(deliveriesBucket))

		// Allocate a unique, ordered identifier for this delivery.
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		var id [8]byte
		binary.BigEndian.PutUint64(id[:], seq)
		return bkt.Put(id[:], raw)
	})
}

// Pop removes and returns the oldest delivery, or nil if the inbox is
// empty.
func (b *boltInbox) Pop() (*inbox.Delivery, error) {
	var d *inbox.Delivery
	err := b.db.Update(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(deliveriesBucket)).Cursor()
		k, v := cur.First()
		if k == nil {
			return nil
		}
		var err error
		if d, err = inbox.Unmarshal(v); err != nil {
			return err
		}
		return cur.Delete()
	})
	return d, err
}

// Count returns the number of spooled deliveries.
func (b *boltInbox) Count() (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(deliveriesBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// Close implements inbox.Consumer.
func (b *boltInbox) Close() error {
	b.db.Sync()
	return b.db.Close()
}

// Inbox is a bolt backed inbox.Consumer that can also be drained.
type Inbox interface {
	inbox.Consumer
	Pop() (*inbox.Delivery, error)
	Count() (int, error)
}

// New opens (or creates) the inbox database at f.
func New(f string) (Inbox, error) {
	const fileMode = 0600

	if f == "" {
		return nil, errors.New("boltinbox: no database file")
	}
	db, err := bolt.Open(f, fileMode, nil)
	if err != nil {
		return nil, err
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(deliveriesBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltInbox{db: db}, nil
}
