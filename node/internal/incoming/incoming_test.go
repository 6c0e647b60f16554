// incoming_test.go - Data channel receive side tests.
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
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hopkey/hopkey/core/chunk"
	"github.com/hopkey/hopkey/core/keystore"
	"github.com/hopkey/hopkey/core/log"
	"github.com/hopkey/hopkey/core/transport"
	"github.com/hopkey/hopkey/inbox"
	"github.com/hopkey/hopkey/node/config"
	"github.com/hopkey/hopkey/node/internal/pipeline"
)

type testGlue struct {
	cfg        *config.Config
	logBackend *log.Backend
}

func (g *testGlue) Config() *config.Config   { return g.cfg }
func (g *testGlue) LogBackend() *log.Backend { return g.logBackend }

func newTestGlue(t *testing.T, readTimeout int) *testGlue {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return &testGlue{
		cfg:        &config.Config{Debug: &config.Debug{ReadTimeout: readTimeout}},
		logBackend: logBackend,
	}
}

type testTerminal struct {
	l        *Listener
	store    *keystore.KeyStore
	consumer *inbox.Memory
}

func newTestTerminal(t *testing.T, readTimeout int) *testTerminal {
	g := newTestGlue(t, readTimeout)
	store := keystore.New()
	require.NoError(t, store.Bootstrap())
	consumer := inbox.NewMemory()

	l, err := New(g, "tcp://127.0.0.1:0", chunk.NewCodec(store), pipeline.NewTerminalSink(g, consumer))
	require.NoError(t, err)
	t.Cleanup(l.Halt)
	return &testTerminal{l: l, store: store, consumer: consumer}
}

func dial(t *testing.T, addr string) net.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, addr, time.Second)
	require.NoError(t, err)
	return conn
}

func frame(t *testing.T, s string, id uint32, store *keystore.KeyStore) []byte {
	key, err := store.Get(id)
	require.NoError(t, err)
	ch, err := chunk.Encode([]byte(s), id, key)
	require.NoError(t, err)
	return ch.ToBytes()
}

func waitDeliveries(t *testing.T, m *inbox.Memory, n int) []*inbox.Delivery {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d, err := m.Wait(ctx, n)
	require.NoError(t, err)
	return d
}

func TestBootstrapStream(t *testing.T) {
	require := require.New(t)

	term := newTestTerminal(t, 0)
	conn := dial(t, term.l.Addr())
	_, err := conn.Write(frame(t, "Hello world!\x00\x00\x00\x00", keystore.BootstrapID, term.store))
	require.NoError(err)
	require.NoError(conn.Close())

	d := waitDeliveries(t, term.consumer, 1)
	require.Equal("Hello world!\x00\x00\x00\x00", string(d[0].Payload))
	require.False(d[0].Truncated)
}

func TestSiblingsSurviveFailures(t *testing.T) {
	require := require.New(t)

	term := newTestTerminal(t, 0)
	term.store.Insert(&keystore.Key{'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O', 'P'})

	good := dial(t, term.l.Addr())
	_, err := good.Write(frame(t, "0123456789abcdef", 1, term.store))
	require.NoError(err)

	// A frame naming a key id that was never installed ends only that
	// connection.
	badKey := dial(t, term.l.Addr())
	b := frame(t, "0123456789abcdef", 0, term.store)
	b[0] = 7
	_, err = badKey.Write(append(frame(t, "before the error", 0, term.store), b...))
	require.NoError(err)

	// As does a connection closed mid frame.
	truncated := dial(t, term.l.Addr())
	_, err = truncated.Write(frame(t, "0123456789abcdef", 0, term.store)[:9])
	require.NoError(err)
	require.NoError(truncated.Close())

	d := waitDeliveries(t, term.consumer, 1)
	require.Equal("before the error", string(d[0].Payload))
	require.True(d[0].Truncated)
	badKey.Close()

	// The first connection is unaffected.
	_, err = good.Write(frame(t, "fedcba9876543210", 1, term.store))
	require.NoError(err)
	require.NoError(good.Close())

	d = waitDeliveries(t, term.consumer, 2)
	require.Equal("0123456789abcdeffedcba9876543210", string(d[1].Payload))
	require.False(d[1].Truncated)

	// The listener still accepts new connections.
	late := dial(t, term.l.Addr())
	_, err = late.Write(frame(t, "still listening!", 1, term.store))
	require.NoError(err)
	require.NoError(late.Close())
	d = waitDeliveries(t, term.consumer, 3)
	require.Equal("still listening!", string(d[2].Payload))
}

func TestReadTimeout(t *testing.T) {
	require := require.New(t)

	term := newTestTerminal(t, 50)
	conn := dial(t, term.l.Addr())
	defer conn.Close()
	_, err := conn.Write(frame(t, "0123456789abcdef", 0, term.store))
	require.NoError(err)

	// The peer stalls, and the partial stream is delivered.
	d := waitDeliveries(t, term.consumer, 1)
	require.Equal("0123456789abcdef", string(d[0].Payload))
	require.True(d[0].Truncated)
}

func TestHaltClosesConnections(t *testing.T) {
	require := require.New(t)

	g := newTestGlue(t, 0)
	store := keystore.New()
	require.NoError(store.Bootstrap())
	consumer := inbox.NewMemory()
	l, err := New(g, "127.0.0.1:0", chunk.NewCodec(store), pipeline.NewTerminalSink(g, consumer))
	require.NoError(err)

	conn := dial(t, l.Addr())
	defer conn.Close()
	_, err = conn.Write(frame(t, "0123456789abcdef", 0, store))
	require.NoError(err)

	// Wait for the connection to be picked up before halting.
	require.Eventually(func() bool {
		l.Lock()
		defer l.Unlock()
		return l.conns.Len() == 1
	}, 5*time.Second, time.Millisecond)

	doneCh := make(chan struct{})
	go func() {
		l.Halt()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Halt blocked on an open data connection")
	}
}
