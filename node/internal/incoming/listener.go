// listener.go - Data channel listener.
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

// Package incoming implements the receive side of the data channel.
package incoming

import (
	"container/list"
	"errors"
	"net"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/hopkey/hopkey/core/chunk"
	"github.com/hopkey/hopkey/core/transport"
	"github.com/hopkey/hopkey/core/worker"
	"github.com/hopkey/hopkey/node/internal/glue"
	"github.com/hopkey/hopkey/node/internal/instrument"
	"github.com/hopkey/hopkey/node/internal/pipeline"
)

// Listener accepts data connections and runs each through the role's
// pipeline.
type Listener struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	codec *chunk.Codec
	sink  pipeline.Sink

	l     net.Listener
	conns *list.List

	closeAllWg sync.WaitGroup
}

// Addr returns the bound address in URL form.
func (l *Listener) Addr() string {
	return transport.FormatAddr(l.l)
}

// Halt closes the listener and every connection belonging to it.
func (l *Listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	l.Lock()
	for e := l.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*incomingConn).Close()
	}
	l.Unlock()
	l.closeAllWg.Wait()
}

func (l *Listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.log.Errorf("Accept failure: %v", err)
			return
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		instrument.Incoming("data")
		l.onNewConn(conn)
	}
}

func (l *Listener) onNewConn(conn net.Conn) {
	c := newIncomingConn(l, conn)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go c.worker()
	}()
	c.e = l.conns.PushFront(c)
}

func (l *Listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}

// New binds a data listener on addr.  Frames are opened with codec and the
// plaintext is handed to sink.
func New(glue glue.Glue, addr string, codec *chunk.Codec, sink pipeline.Sink) (*Listener, error) {
	l := &Listener{
		glue:  glue,
		log:   glue.LogBackend().GetLogger("incoming"),
		codec: codec,
		sink:  sink,
		conns: list.New(),
	}

	var err error
	if l.l, err = transport.Listen(addr); err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", addr, err)
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
