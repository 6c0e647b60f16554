// outgoing_conn.go - Shared connection to the next hop.
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

// Package outgoing implements the connection to the next hop.
package outgoing

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/hopkey/hopkey/core/chunk"
	"github.com/hopkey/hopkey/core/retry"
	"github.com/hopkey/hopkey/core/transport"
	"github.com/hopkey/hopkey/node/internal/glue"
)

// Conn is a connection to the next hop shared by every stream that feeds
// it.  Frame writes are serialized, so frames from different streams never
// interleave.
type Conn struct {
	sync.Mutex

	log  *logging.Logger
	addr string
	conn net.Conn

	frames uint64
	failed bool
	closed bool
}

// Addr returns the address of the next hop.
func (c *Conn) Addr() string {
	return c.addr
}

// Frames returns the number of frames written so far.
func (c *Conn) Frames() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.frames
}

// WriteFrame writes one complete frame.  After the first failed write the
// connection is unusable, and every later write fails.
func (c *Conn) WriteFrame(ch *chunk.Chunk) error {
	b := ch.ToBytes()

	c.Lock()
	defer c.Unlock()

	if c.closed {
		return fmt.Errorf("%w: %v: connection closed", transport.ErrConnection, c.addr)
	}
	if c.failed {
		return fmt.Errorf("%w: %v: connection failed", transport.ErrConnection, c.addr)
	}
	n, err := c.conn.Write(b)
	if err != nil {
		c.failed = true
		c.log.Errorf("Write to %v failed after %d frames (%d of %d bytes): %v", c.addr, c.frames, n, len(b), err)
		return fmt.Errorf("%w: %v: %v", transport.ErrConnection, c.addr, err)
	}
	c.frames++
	return nil
}

// Close closes the connection, which the next hop observes as the end of
// the stream.  Calling Close more than once is safe.
func (c *Conn) Close() error {
	c.Lock()
	defer c.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.log.Debugf("Closing connection to %v after %d frames", c.addr, c.frames)
	return c.conn.Close()
}

// Dial connects to the next hop at addr, retrying transient failures with
// backoff.
func Dial(ctx context.Context, glue glue.Glue, addr string) (*Conn, error) {
	dCfg := glue.Config().Debug
	c := &Conn{
		log:  glue.LogBackend().GetLogger("outgoing"),
		addr: addr,
	}

	p := retry.DefaultPolicy()
	p.MaxAttempts = dCfg.DialAttempts
	timeout := time.Duration(dCfg.ConnectTimeout) * time.Millisecond

	err := retry.Do(ctx, p, func(attempt int) error {
		var err error
		c.conn, err = transport.Dial(ctx, addr, timeout)
		if err != nil {
			c.log.Warningf("Failed to connect to %v (attempt %d/%d): %v", addr, attempt+1, p.MaxAttempts, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %w", transport.ErrConnection, addr, err)
	}
	c.log.Noticef("Connected to next hop: %v", addr)
	return c, nil
}
