// listener.go - Key rotation channel listener.
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

package rotation

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/hopkey/hopkey/core/keystore"
	"github.com/hopkey/hopkey/core/transport"
	"github.com/hopkey/hopkey/core/worker"
	"github.com/hopkey/hopkey/node/internal/glue"
	"github.com/hopkey/hopkey/node/internal/instrument"
)

// Listener accepts rotation messages and installs them into a key store.
type Listener struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	link  string
	store *keystore.KeyStore

	l net.Listener

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

// Addr returns the bound address in URL form.
func (l *Listener) Addr() string {
	return transport.FormatAddr(l.l)
}

// Halt closes the listener and every in-progress rotation connection.
func (l *Listener) Halt() {
	l.l.Close()
	l.Worker.Halt()

	close(l.closeAllCh)
	l.closeAllWg.Wait()
}

func (l *Listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening for %v key rotations on: %v", l.link, addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close()
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

		l.log.Debugf("Accepted new rotation connection: %v", conn.RemoteAddr())
		instrument.Incoming("rotation")
		l.onNewConn(conn)
	}
}

func (l *Listener) onNewConn(conn net.Conn) {
	l.closeAllWg.Add(1)
	go l.handle(conn)
}

func (l *Listener) handle(conn net.Conn) {
	peer := conn.RemoteAddr()
	doneCh := make(chan struct{})
	defer func() {
		close(doneCh)
		conn.Close()
		l.closeAllWg.Done()
	}()

	// Unblock the read if the listener is halted mid message.
	go func() {
		select {
		case <-l.closeAllCh:
			conn.Close()
		case <-doneCh:
		}
	}()

	dCfg := l.glue.Config().Debug
	if dCfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(time.Duration(dCfg.ReadTimeout) * time.Millisecond))
	}

	msg, err := io.ReadAll(io.LimitReader(conn, int64(dCfg.MaxRotationMessage)+1))
	if err != nil {
		l.log.Errorf("Rotation from %v: read failed after %d bytes: %v", peer, len(msg), err)
		instrument.RotationRejected(l.link)
		return
	}
	if len(msg) > dCfg.MaxRotationMessage {
		err = fmt.Errorf("%w: exceeds %d bytes", ErrMalformedKeyMaterial, dCfg.MaxRotationMessage)
		l.log.Errorf("Rotation from %v: dropped: %v", peer, err)
		instrument.RotationRejected(l.link)
		return
	}

	key, err := DeriveKey(dCfg.KeyMaterial, msg)
	if err != nil {
		l.log.Errorf("Rotation from %v: dropped %d bytes: %v", peer, len(msg), err)
		instrument.RotationRejected(l.link)
		return
	}

	id := l.store.Insert(key)
	l.log.Noticef("Rotation from %v: installed %v key id %d (%d bytes)", peer, l.link, id, len(msg))
	instrument.Rotated(l.link, id)
}

// New binds a rotation listener on addr that installs keys into store.
// link names the link the store serves, and is used for logging and
// metrics.
func New(glue glue.Glue, link, addr string, store *keystore.KeyStore) (*Listener, error) {
	l := &Listener{
		glue:       glue,
		log:        glue.LogBackend().GetLogger("rotation:" + link),
		link:       link,
		store:      store,
		closeAllCh: make(chan interface{}),
	}

	var err error
	if l.l, err = transport.Listen(addr); err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", addr, err)
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
