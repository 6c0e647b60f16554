// sender.go - Originator send loop.
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
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/hopkey/hopkey/core/chunk"
	"github.com/hopkey/hopkey/core/worker"
	"github.com/hopkey/hopkey/node/config"
	"github.com/hopkey/hopkey/node/internal/glue"
	"github.com/hopkey/hopkey/node/internal/instrument"
)

// ErrHalted is the error the send loop ends with when it is halted before
// the source is exhausted.
var ErrHalted = errors.New("pipeline: sender halted")

// Sender partitions a byte source into blocks, and seals and writes each
// one to the next hop.
type Sender struct {
	worker.Worker

	log   *logging.Logger
	cfg   *config.Originator
	src   io.Reader
	codec *chunk.Codec
	out   glue.Outgoing

	onComplete func(error)
}

func (s *Sender) worker() {
	n, err := s.sendAll()
	switch {
	case err == nil:
		s.log.Noticef("Sent %d blocks", n)
	case errors.Is(err, ErrHalted):
		s.log.Noticef("Halted after sending %d blocks", n)
	default:
		s.log.Errorf("Aborted after sending %d blocks: %v", n, err)
	}

	if cErr := s.out.Close(); cErr != nil {
		s.log.Warningf("Failed to close the outbound connection: %v", cErr)
	}
	if s.onComplete != nil {
		s.onComplete(err)
	}
}

func (s *Sender) sendAll() (int, error) {
	delay := s.cfg.Delay()
	block := make([]byte, chunk.BlockSize)

	n := 0
	for {
		select {
		case <-s.HaltCh():
			return n, ErrHalted
		default:
		}

		nr, err := io.ReadFull(s.src, block)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return n, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			if s.cfg.PartialBlock == config.PartialBlockDrop {
				s.log.Debugf("Dropping trailing %d byte partial block", nr)
				return n, nil
			}
			clear(block[nr:])
		default:
			return n, fmt.Errorf("source read failed: %w", err)
		}

		ch, err := s.codec.Seal(block)
		if err != nil {
			return n, err
		}
		if err = s.out.WriteFrame(ch); err != nil {
			return n, err
		}
		instrument.ChunkSent()
		n++
		s.log.Debugf("Sent block %d under key id %d", n, ch.KeyID)

		if nr < chunk.BlockSize {
			return n, nil
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-s.HaltCh():
				t.Stop()
				return n, ErrHalted
			case <-t.C:
			}
		}
	}
}

// Start starts the send loop.  It must be called at most once.
func (s *Sender) Start() {
	s.Go(s.worker)
}

// NewSender returns a Sender that sends src through out once started.
// onComplete, if non-nil, is called from the send loop once it ends and out
// is closed.
func NewSender(glue glue.Glue, src io.Reader, codec *chunk.Codec, out glue.Outgoing, onComplete func(error)) *Sender {
	s := &Sender{
		log:        glue.LogBackend().GetLogger("pipeline:sender"),
		cfg:        glue.Config().Originator,
		src:        src,
		codec:      codec,
		out:        out,
		onComplete: onComplete,
	}
	return s
}
