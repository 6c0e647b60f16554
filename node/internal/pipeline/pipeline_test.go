// pipeline_test.go - Forwarding pipeline tests.
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

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hopkey/hopkey/core/chunk"
	"github.com/hopkey/hopkey/core/keystore"
	"github.com/hopkey/hopkey/core/log"
	"github.com/hopkey/hopkey/inbox"
	"github.com/hopkey/hopkey/node/config"
)

type testGlue struct {
	cfg        *config.Config
	logBackend *log.Backend
}

func (g *testGlue) Config() *config.Config   { return g.cfg }
func (g *testGlue) LogBackend() *log.Backend { return g.logBackend }

func sendDelay(ms int) *int {
	return &ms
}

func newTestGlue(t *testing.T, partialBlock string) *testGlue {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return &testGlue{
		cfg: &config.Config{
			Originator: &config.Originator{
				SendDelay:    sendDelay(1),
				PartialBlock: partialBlock,
			},
			Debug: &config.Debug{},
		},
		logBackend: logBackend,
	}
}

// frameRecorder is a glue.Outgoing that keeps every frame written to it.
type frameRecorder struct {
	sync.Mutex

	frames  []*chunk.Chunk
	closed  bool
	failAt  int
	onWrite func(n int)
}

func (r *frameRecorder) WriteFrame(ch *chunk.Chunk) error {
	r.Lock()
	defer r.Unlock()
	if r.failAt > 0 && len(r.frames)+1 == r.failAt {
		return errors.New("write failed")
	}
	r.frames = append(r.frames, ch)
	if r.onWrite != nil {
		r.onWrite(len(r.frames))
	}
	return nil
}

func (r *frameRecorder) Close() error {
	r.Lock()
	defer r.Unlock()
	r.closed = true
	return nil
}

func (r *frameRecorder) Frames() []*chunk.Chunk {
	r.Lock()
	defer r.Unlock()
	return append([]*chunk.Chunk(nil), r.frames...)
}

func bootstrapped(t *testing.T) *keystore.KeyStore {
	s := keystore.New()
	require.NoError(t, s.Bootstrap())
	return s
}

func runSender(t *testing.T, g *testGlue, src string, codec *chunk.Codec, out *frameRecorder) error {
	doneCh := make(chan error, 1)
	s := NewSender(g, strings.NewReader(src), codec, out, func(err error) {
		doneCh <- err
	})
	s.Start()
	defer s.Halt()

	select {
	case err := <-doneCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("sender did not complete")
		return nil
	}
}

func TestSenderRotation(t *testing.T) {
	require := require.New(t)

	// Three blocks go out under the bootstrap key, then the link rotates
	// and the remaining two go out under id 1.
	store := bootstrapped(t)
	peer := bootstrapped(t)
	rotated := keystore.Key{'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O', 'P'}
	out := &frameRecorder{
		onWrite: func(n int) {
			if n == 3 {
				store.Insert(&rotated)
				peer.Insert(&rotated)
			}
		},
	}

	src := strings.Repeat("0123456789abcdef", 5)
	g := newTestGlue(t, config.PartialBlockPad)
	require.NoError(runSender(t, g, src, chunk.NewCodec(store), out))
	require.True(out.closed)

	frames := out.Frames()
	require.Len(frames, 5)
	codec := chunk.NewCodec(peer)
	var got bytes.Buffer
	for i, ch := range frames {
		if i < 3 {
			require.Equal(uint8(0), ch.KeyID)
		} else {
			require.Equal(uint8(1), ch.KeyID)
		}
		b, err := codec.Open(ch)
		require.NoError(err)
		got.Write(b)
	}
	require.Equal(src, got.String())
}

func TestSenderPartialBlock(t *testing.T) {
	require := require.New(t)

	src := "0123456789abcdefHello world!"

	out := &frameRecorder{}
	store := bootstrapped(t)
	require.NoError(runSender(t, newTestGlue(t, config.PartialBlockPad), src, chunk.NewCodec(store), out))
	frames := out.Frames()
	require.Len(frames, 2)
	b, err := chunk.NewCodec(store).Open(frames[1])
	require.NoError(err)
	require.Equal(append([]byte("Hello world!"), 0, 0, 0, 0), b)

	out = &frameRecorder{}
	require.NoError(runSender(t, newTestGlue(t, config.PartialBlockDrop), src, chunk.NewCodec(store), out))
	frames = out.Frames()
	require.Len(frames, 1)
	b, err = chunk.NewCodec(store).Open(frames[0])
	require.NoError(err)
	require.Equal("0123456789abcdef", string(b))

	out = &frameRecorder{}
	require.NoError(runSender(t, newTestGlue(t, config.PartialBlockPad), "", chunk.NewCodec(store), out))
	require.Empty(out.Frames())
	require.True(out.closed)
}

func TestSenderAbortsOnWriteFailure(t *testing.T) {
	require := require.New(t)

	out := &frameRecorder{failAt: 2}
	err := runSender(t, newTestGlue(t, config.PartialBlockPad), strings.Repeat("x", 64), chunk.NewCodec(bootstrapped(t)), out)
	require.Error(err)
	require.Len(out.Frames(), 1)
	require.True(out.closed)
}

func TestSenderAbortsWithoutKey(t *testing.T) {
	require := require.New(t)

	out := &frameRecorder{}
	err := runSender(t, newTestGlue(t, config.PartialBlockPad), "0123456789abcdef", chunk.NewCodec(keystore.New()), out)
	require.ErrorIs(err, keystore.ErrKeyNotFound)
	require.Empty(out.Frames())
}

func TestSenderHalt(t *testing.T) {
	require := require.New(t)

	g := newTestGlue(t, config.PartialBlockPad)
	g.cfg.Originator.SendDelay = sendDelay(60 * 1000)

	doneCh := make(chan error, 1)
	out := &frameRecorder{}
	s := NewSender(g, strings.NewReader(strings.Repeat("x", 64)), chunk.NewCodec(bootstrapped(t)), out, func(err error) {
		doneCh <- err
	})
	s.Start()
	require.Eventually(func() bool {
		return len(out.Frames()) == 1
	}, 5*time.Second, time.Millisecond)
	s.Halt()
	require.ErrorIs(<-doneCh, ErrHalted)
	require.Len(out.Frames(), 1)
}

func TestTerminalSink(t *testing.T) {
	require := require.New(t)

	consumer := inbox.NewMemory()
	sink := NewTerminalSink(newTestGlue(t, config.PartialBlockPad), consumer)

	ctx, cancel := context.WithCancel(context.Background())
	s := sink.NewStream(ctx, "127.0.0.1:1234")
	require.NoError(s.OnBlock([]byte("0123456789abcdef")))
	require.NoError(s.OnBlock([]byte("Hello world!\x00\x00\x00\x00")))
	s.OnEnd(nil)

	// A stream cut short is still delivered, flagged as truncated, even
	// when the node is shutting down.
	s = sink.NewStream(ctx, "127.0.0.1:5678")
	require.NoError(s.OnBlock([]byte("fedcba9876543210")))
	cancel()
	s.OnEnd(errors.New("unexpected EOF"))

	// Empty streams are not delivered.
	sink.NewStream(context.Background(), "127.0.0.1:9").OnEnd(nil)

	d := consumer.Deliveries()
	require.Len(d, 2)
	require.Equal("127.0.0.1:1234", d[0].Peer)
	require.Equal("0123456789abcdefHello world!\x00\x00\x00\x00", string(d[0].Payload))
	require.False(d[0].Truncated)
	require.Equal("fedcba9876543210", string(d[1].Payload))
	require.True(d[1].Truncated)
}

func TestRelaySink(t *testing.T) {
	require := require.New(t)

	store := bootstrapped(t)
	store.Insert(&keystore.Key{1, 2, 3})
	out := &frameRecorder{}
	sink := NewRelaySink(newTestGlue(t, config.PartialBlockPad), chunk.NewCodec(store), out)

	s := sink.NewStream(context.Background(), "127.0.0.1:1234")
	require.NoError(s.OnBlock([]byte("0123456789abcdef")))
	require.ErrorIs(s.OnBlock([]byte("short")), chunk.ErrBlockSize)
	s.OnEnd(nil)

	frames := out.Frames()
	require.Len(frames, 1)
	require.Equal(uint8(1), frames[0].KeyID)
	b, err := chunk.NewCodec(store).Open(frames[0])
	require.NoError(err)
	require.Equal("0123456789abcdef", string(b))

	out.failAt = 2
	require.Error(s.OnBlock([]byte("0123456789abcdef")))
}
