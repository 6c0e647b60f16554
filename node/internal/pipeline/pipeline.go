// pipeline.go - Per-stream forwarding strategies.
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

// Package pipeline implements what a node does with each decrypted block,
// selected once from the node's role.
package pipeline

import (
	"bytes"
	"context"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/hopkey/hopkey/core/chunk"
	"github.com/hopkey/hopkey/inbox"
	"github.com/hopkey/hopkey/node/internal/glue"
	"github.com/hopkey/hopkey/node/internal/instrument"
)

// Sink creates a Stream for every inbound data connection.
type Sink interface {
	NewStream(ctx context.Context, peer string) Stream
}

// Stream receives the plaintext blocks of one inbound connection, in
// receipt order, from a single goroutine.
type Stream interface {
	// OnBlock handles one decrypted block.  A non-nil error ends the
	// connection.
	OnBlock(block []byte) error

	// OnEnd is called exactly once when the connection ends.  err is nil
	// for a clean close at a frame boundary.
	OnEnd(err error)
}

// TerminalSink accumulates every stream and hands it to a consumer when it
// ends.
type TerminalSink struct {
	log      *logging.Logger
	consumer inbox.Consumer
}

// NewStream implements Sink.
func (s *TerminalSink) NewStream(ctx context.Context, peer string) Stream {
	return &terminalStream{
		sink: s,
		ctx:  ctx,
		peer: peer,
	}
}

type terminalStream struct {
	sink *TerminalSink
	ctx  context.Context
	peer string
	buf  bytes.Buffer
}

func (s *terminalStream) OnBlock(block []byte) error {
	s.buf.Write(block)
	return nil
}

func (s *terminalStream) OnEnd(err error) {
	log := s.sink.log
	if s.buf.Len() == 0 {
		log.Debugf("Stream from %v ended with no data", s.peer)
		return
	}

	d := &inbox.Delivery{
		Peer:      s.peer,
		Received:  time.Now(),
		Payload:   s.buf.Bytes(),
		Truncated: err != nil,
	}
	if d.Truncated {
		log.Warningf("Stream from %v truncated after %d bytes: %v", s.peer, len(d.Payload), err)
	}
	log.Infof("Received %d bytes from %v: %q", len(d.Payload), s.peer, d.Payload)

	// Partial data is delivered even if the node is shutting down.
	if err := s.sink.consumer.Deliver(context.WithoutCancel(s.ctx), d); err != nil {
		log.Errorf("Failed to deliver %d bytes from %v: %v", len(d.Payload), s.peer, err)
		return
	}
	instrument.Delivered()
}

// NewTerminalSink returns a Sink that delivers to consumer.
func NewTerminalSink(glue glue.Glue, consumer inbox.Consumer) *TerminalSink {
	return &TerminalSink{
		log:      glue.LogBackend().GetLogger("pipeline:terminal"),
		consumer: consumer,
	}
}

// RelaySink re-encrypts every block under the outbound link's current key
// and forwards it to the next hop.
type RelaySink struct {
	log   *logging.Logger
	codec *chunk.Codec
	out   glue.Outgoing
}

// NewStream implements Sink.
func (s *RelaySink) NewStream(_ context.Context, peer string) Stream {
	return &relayStream{
		sink: s,
		peer: peer,
	}
}

type relayStream struct {
	sink   *RelaySink
	peer   string
	blocks uint64
}

func (s *relayStream) OnBlock(block []byte) error {
	ch, err := s.sink.codec.Seal(block)
	if err != nil {
		instrument.ChunkDropped("seal")
		return err
	}
	if err = s.sink.out.WriteFrame(ch); err != nil {
		instrument.ChunkDropped("write")
		return err
	}
	instrument.ChunkSent()
	s.blocks++
	return nil
}

func (s *relayStream) OnEnd(err error) {
	if err != nil {
		s.sink.log.Warningf("Stream from %v ended after forwarding %d blocks: %v", s.peer, s.blocks, err)
		return
	}
	s.sink.log.Debugf("Stream from %v ended after forwarding %d blocks", s.peer, s.blocks)
}

// NewRelaySink returns a Sink that seals with codec and writes to out.
func NewRelaySink(glue glue.Glue, codec *chunk.Codec, out glue.Outgoing) *RelaySink {
	return &RelaySink{
		log:   glue.LogBackend().GetLogger("pipeline:relay"),
		codec: codec,
		out:   out,
	}
}
