// quic.go - QUIC stream transport.
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

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpn = "hopkey"

	// lingerTimeout bounds how long a closed stream's connection is kept
	// around so the peer can drain what was written before the close.
	lingerTimeout = 5 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: KeepAliveInterval / 12,
	}
}

// quicConn carries exactly one bidirectional stream and implements net.Conn.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (q *quicConn) Read(b []byte) (int, error)  { return q.stream.Read(b) }
func (q *quicConn) Write(b []byte) (int, error) { return q.stream.Write(b) }

func (q *quicConn) LocalAddr() net.Addr  { return q.conn.LocalAddr() }
func (q *quicConn) RemoteAddr() net.Addr { return q.conn.RemoteAddr() }

func (q *quicConn) SetDeadline(t time.Time) error      { return q.stream.SetDeadline(t) }
func (q *quicConn) SetReadDeadline(t time.Time) error  { return q.stream.SetReadDeadline(t) }
func (q *quicConn) SetWriteDeadline(t time.Time) error { return q.stream.SetWriteDeadline(t) }

// Close closes the send side of the stream, which the peer observes as EOF,
// and tears down the connection once the peer is done or lingerTimeout
// expires.
func (q *quicConn) Close() error {
	err := q.stream.Close()
	go func() {
		t := time.NewTimer(lingerTimeout)
		defer t.Stop()
		select {
		case <-q.conn.Context().Done():
		case <-t.C:
			q.conn.CloseWithError(0, "")
		}
	}()
	return err
}

type quicAccepted struct {
	conn net.Conn
	err  error
}

// quicListener hands out one net.Conn per QUIC connection, backed by the
// first stream the peer opens.  Streams are awaited off the accept loop so a
// peer that never opens one cannot stall other connections.
type quicListener struct {
	l *quic.Listener

	acceptCh  chan quicAccepted
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newQUICListener(ql *quic.Listener) *quicListener {
	l := &quicListener{
		l:        ql,
		acceptCh: make(chan quicAccepted),
		closeCh:  make(chan struct{}),
	}
	go l.worker()
	return l
}

func (l *quicListener) worker() {
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	go func() {
		<-l.closeCh
		cancelFn()
	}()

	for {
		conn, err := l.l.Accept(ctx)
		if err != nil {
			// The QUIC listener only fails once it is closed.
			err = fmt.Errorf("%w: %w", net.ErrClosed, err)
			select {
			case l.acceptCh <- quicAccepted{err: err}:
			case <-l.closeCh:
			}
			return
		}
		go func() {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				conn.CloseWithError(0, "")
				return
			}
			select {
			case l.acceptCh <- quicAccepted{conn: &quicConn{conn: conn, stream: stream}}:
			case <-l.closeCh:
				conn.CloseWithError(0, "")
			}
		}()
	}
}

// Accept waits for a connection and its first stream.
func (l *quicListener) Accept() (net.Conn, error) {
	select {
	case a := <-l.acceptCh:
		return a.conn, a.err
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *quicListener) Addr() net.Addr { return l.l.Addr() }

func (l *quicListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.l.Close()
	})
	return err
}

// serverTLSConfig returns a bare-bones TLS config with a fresh self-signed
// certificate.  Peers are not authenticated.
func serverTLSConfig() (*tls.Config, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
}
