// transport.go - URL addressed stream transports.
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

// Package transport provides listeners and dialers for the node's stream
// oriented links, addressed by URL (`tcp://`, `tcp4://`, `tcp6://`, `quic://`).
// A bare `host:port` is treated as `tcp://host:port`.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
)

// KeepAliveInterval is the TCP/QUIC keep alive interval.
const KeepAliveInterval = 3 * time.Minute

// ErrConnection is the error wrapped by every connection scoped read or
// write failure on a data link.
var ErrConnection = errors.New("transport: connection error")

const (
	schemeTCP  = "tcp"
	schemeTCP4 = "tcp4"
	schemeTCP6 = "tcp6"
	schemeQUIC = "quic"
)

// Parse splits addr into a scheme and a host:port.
func Parse(addr string) (scheme, host string, err error) {
	if !strings.Contains(addr, "://") {
		addr = schemeTCP + "://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("transport: invalid address '%v': %v", addr, err)
	}
	if u.Port() == "" {
		return "", "", fmt.Errorf("transport: address '%v' must contain a port", addr)
	}
	switch u.Scheme {
	case schemeTCP, schemeTCP4, schemeTCP6, schemeQUIC:
	default:
		return "", "", fmt.Errorf("transport: unsupported scheme '%v'", u.Scheme)
	}
	return u.Scheme, u.Host, nil
}

// Listen binds a listener on addr.
func Listen(addr string) (net.Listener, error) {
	scheme, host, err := Parse(addr)
	if err != nil {
		return nil, err
	}
	if scheme == schemeQUIC {
		tlsConf, err := serverTLSConfig()
		if err != nil {
			return nil, err
		}
		ql, err := quic.ListenAddr(host, tlsConf, quicConfig())
		if err != nil {
			return nil, err
		}
		return newQUICListener(ql), nil
	}

	l, err := net.Listen(scheme, host)
	if err != nil {
		return nil, err
	}
	return &tcpListener{l}, nil
}

// Dial connects to addr.  A zero timeout means no timeout beyond ctx.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	scheme, host, err := Parse(addr)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancelFn context.CancelFunc
		ctx, cancelFn = context.WithTimeout(ctx, timeout)
		defer cancelFn()
	}

	if scheme == schemeQUIC {
		conn, err := quic.DialAddr(ctx, host, clientTLSConfig(), quicConfig())
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			return nil, err
		}
		return &quicConn{conn: conn, stream: stream}, nil
	}

	dialer := net.Dialer{KeepAlive: KeepAliveInterval}
	return dialer.DialContext(ctx, scheme, host)
}

// FormatAddr renders a bound listener address back into URL form, so that a
// listener bound to port 0 can be advertised to peers.
func FormatAddr(l net.Listener) string {
	if _, ok := l.(*quicListener); ok {
		return schemeQUIC + "://" + l.Addr().String()
	}
	return schemeTCP + "://" + l.Addr().String()
}

type tcpListener struct {
	net.Listener
}

func (l *tcpListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(KeepAliveInterval)
	}
	return conn, nil
}
