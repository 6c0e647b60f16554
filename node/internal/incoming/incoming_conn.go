// incoming_conn.go - Data channel connection handler.
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

package incoming

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/hopkey/hopkey/core/chunk"
	"github.com/hopkey/hopkey/core/keystore"
	"github.com/hopkey/hopkey/core/transport"
	"github.com/hopkey/hopkey/node/internal/instrument"
	"github.com/hopkey/hopkey/node/internal/pipeline"
)

var incomingConnID uint64

type incomingConn struct {
	l   *Listener
	log *logging.Logger

	c net.Conn
	e *list.Element

	id     uint64
	frames uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// Close cancels the connection's context and closes it, which unblocks a
// pending read.
func (c *incomingConn) Close() {
	c.cancel()
	c.c.Close()
}

func (c *incomingConn) worker() {
	peer := c.c.RemoteAddr().String()
	defer func() {
		c.log.Debugf("Closing.")
		c.Close()
		c.l.onClosedConn(c)
	}()

	stream := c.l.sink.NewStream(c.ctx, peer)
	err := c.recvLoop(stream)
	if err != nil {
		c.log.Errorf("Connection from %v failed after %d frames (%d bytes): %v", peer, c.frames, c.frames*chunk.FrameLength, err)
	} else {
		c.log.Debugf("Stream from %v ended after %d frames", peer, c.frames)
	}
	stream.OnEnd(err)
}

func (c *incomingConn) recvLoop(stream pipeline.Stream) error {
	readTimeout := time.Duration(c.l.glue.Config().Debug.ReadTimeout) * time.Millisecond

	var buf [chunk.FrameLength]byte
	for {
		if readTimeout > 0 {
			c.c.SetReadDeadline(time.Now().Add(readTimeout))
		}

		n, err := io.ReadFull(c.c, buf[:])
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			// Clean close at a frame boundary.
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			instrument.ChunkDropped("truncated")
			return fmt.Errorf("%w: truncated frame (%d of %d bytes)", transport.ErrConnection, n, chunk.FrameLength)
		default:
			return fmt.Errorf("%w: read failed (%d of %d bytes): %w", transport.ErrConnection, n, chunk.FrameLength, err)
		}

		ch, err := chunk.FromBytes(buf[:])
		if err != nil {
			return err
		}
		block, err := c.l.codec.Open(ch)
		if err != nil {
			if errors.Is(err, keystore.ErrKeyNotFound) {
				instrument.ChunkDropped("unknown_key")
			}
			return fmt.Errorf("frame %d: %w", c.frames, err)
		}
		instrument.ChunkReceived()

		if err = stream.OnBlock(block); err != nil {
			return fmt.Errorf("frame %d: %w", c.frames, err)
		}
		c.frames++
	}
}

func newIncomingConn(l *Listener, conn net.Conn) *incomingConn {
	c := &incomingConn{
		l:  l,
		c:  conn,
		id: atomic.AddUint64(&incomingConnID, 1),
	}
	c.log = l.glue.LogBackend().GetLogger(fmt.Sprintf("incoming:%d", c.id))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}
