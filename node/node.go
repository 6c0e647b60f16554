// node.go - hopkey node.
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

// Package node implements a hopkey node: an originator, a relay or a
// terminal receiver, as selected by its configuration.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/hopkey/hopkey/core/chunk"
	"github.com/hopkey/hopkey/core/keystore"
	"github.com/hopkey/hopkey/core/log"
	"github.com/hopkey/hopkey/inbox"
	"github.com/hopkey/hopkey/inbox/boltinbox"
	"github.com/hopkey/hopkey/node/config"
	"github.com/hopkey/hopkey/node/internal/glue"
	"github.com/hopkey/hopkey/node/internal/incoming"
	"github.com/hopkey/hopkey/node/internal/instrument"
	"github.com/hopkey/hopkey/node/internal/outgoing"
	"github.com/hopkey/hopkey/node/internal/pipeline"
	"github.com/hopkey/hopkey/node/internal/profiling"
	"github.com/hopkey/hopkey/node/internal/rotation"
)

// Rotate sends key material to the rotation channel at addr, installing it
// as the current key of the link behind it.
func Rotate(ctx context.Context, addr string, material []byte, timeout time.Duration) error {
	return rotation.Send(ctx, addr, material, timeout)
}

// ErrBind is the error returned when a listener fails to bind.
var ErrBind = errors.New("node: failed to bind listener")

// Option configures optional Node collaborators.
type Option func(*Node)

// WithSource sets the plaintext an originator sends, instead of the
// configured Source file.
func WithSource(r io.Reader) Option {
	return func(n *Node) {
		n.source = r
	}
}

// WithConsumer sets where a terminal receiver delivers finished streams,
// instead of the configured Inbox.
func WithConsumer(c inbox.Consumer) Option {
	return func(n *Node) {
		n.consumer = c
	}
}

// Node is a hopkey node instance.
type Node struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	inKeys  *keystore.KeyStore
	outKeys *keystore.KeyStore

	rotation    *rotation.Listener
	outRotation *rotation.Listener
	data        *incoming.Listener
	out         *outgoing.Conn
	sender      *pipeline.Sender
	metrics     *instrument.Server

	source   io.Reader
	consumer inbox.Consumer
	closers  []io.Closer

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

var (
	_ glue.Glue     = (*nodeGlue)(nil)
	_ glue.Listener = (*rotation.Listener)(nil)
	_ glue.Listener = (*incoming.Listener)(nil)
	_ glue.Outgoing = (*outgoing.Conn)(nil)
)

type nodeGlue struct {
	n *Node
}

func (g *nodeGlue) Config() *config.Config {
	return g.n.cfg
}

func (g *nodeGlue) LogBackend() *log.Backend {
	return g.n.logBackend
}

func (n *Node) initLogging() error {
	var err error
	n.logBackend, err = log.New(n.cfg.Logging.File, n.cfg.Logging.Level, n.cfg.Logging.Disable)
	if err == nil {
		n.log = n.logBackend.GetLogger("node")
	}
	return err
}

func newStore() *keystore.KeyStore {
	s := keystore.New()
	if err := s.Bootstrap(); err != nil {
		panic("BUG: node: failed to bootstrap a fresh key store: " + err.Error())
	}
	return s
}

// DataAddr returns the bound data channel address, if any.
func (n *Node) DataAddr() string {
	if n.data == nil {
		return ""
	}
	return n.data.Addr()
}

// RotationAddr returns the bound rotation channel address.
func (n *Node) RotationAddr() string {
	return n.rotation.Addr()
}

// OutboundRotationAddr returns the bound address of a relay's separate
// outbound rotation channel, if any.
func (n *Node) OutboundRotationAddr() string {
	if n.outRotation == nil {
		return ""
	}
	return n.outRotation.Addr()
}

// InboundKeys returns the key store of the inbound link, if any.
func (n *Node) InboundKeys() *keystore.KeyStore {
	return n.inKeys
}

// OutboundKeys returns the key store of the outbound link, if any.
func (n *Node) OutboundKeys() *keystore.KeyStore {
	return n.outKeys
}

// RotateLog rotates the log file if logging to a file is enabled.
func (n *Node) RotateLog() {
	if err := n.logBackend.Rotate(); err != nil {
		select {
		case n.fatalErrCh <- fmt.Errorf("failed to rotate log file: %w", err):
		case <-n.haltedCh:
		}
		return
	}
	n.log.Notice("Log rotated.")
}

// Wait waits till the node is terminated for any reason.
func (n *Node) Wait() {
	<-n.haltedCh
}

// Shutdown cleanly shuts down a given Node instance.
func (n *Node) Shutdown() {
	n.haltOnce.Do(func() { n.halt() })
}

func (n *Node) halt() {
	n.log.Notice("Starting graceful shutdown.")

	// Stop taking new rotations and data first.
	if n.rotation != nil {
		n.rotation.Halt()
	}
	if n.outRotation != nil {
		n.outRotation.Halt()
	}
	if n.data != nil {
		n.data.Halt()
	}

	// Then stop producing, and end the outbound stream.
	if n.sender != nil {
		n.sender.Halt()
		n.sender = nil
	}
	if n.out != nil {
		n.out.Close()
		n.out = nil
	}

	if n.metrics != nil {
		n.metrics.Shutdown()
		n.metrics = nil
	}
	for _, c := range n.closers {
		if err := c.Close(); err != nil {
			n.log.Warningf("Failed to close: %v", err)
		}
	}
	n.closers = nil

	n.log.Notice("Shutdown complete.")
	close(n.haltedCh)
}

func (n *Node) listenRotation(link, addr string, store *keystore.KeyStore) (*rotation.Listener, error) {
	l, err := rotation.New(&nodeGlue{n}, link, addr, store)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %w", ErrBind, addr, err)
	}
	return l, nil
}

func (n *Node) listenData(codec *chunk.Codec, sink pipeline.Sink) error {
	var err error
	addr := n.cfg.Node.DataAddress
	if n.data, err = incoming.New(&nodeGlue{n}, addr, codec, sink); err != nil {
		return fmt.Errorf("%w: %v: %w", ErrBind, addr, err)
	}
	return nil
}

func (n *Node) dialPeer() error {
	var err error
	n.out, err = outgoing.Dial(context.Background(), &nodeGlue{n}, n.cfg.Node.PeerAddress)
	return err
}

func (n *Node) initOriginator() error {
	if n.source == nil {
		if n.cfg.Originator.Source == "" {
			return errors.New("node: no Originator Source configured")
		}
		f, err := os.Open(n.cfg.Originator.Source)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, f)
		n.source = f
	}
	if err := n.dialPeer(); err != nil {
		return err
	}

	exitOnComplete := n.cfg.Originator.ExitOnComplete
	n.sender = pipeline.NewSender(&nodeGlue{n}, n.source, chunk.NewCodec(n.outKeys), n.out, func(err error) {
		if exitOnComplete {
			n.log.Notice("Source exhausted, exiting.")
			go n.Shutdown()
		}
	})
	return nil
}

func (n *Node) initRelay() error {
	// The next hop must be reachable before anything is accepted.
	if err := n.dialPeer(); err != nil {
		return err
	}
	sink := pipeline.NewRelaySink(&nodeGlue{n}, chunk.NewCodec(n.outKeys), n.out)
	return n.listenData(chunk.NewCodec(n.inKeys), sink)
}

func (n *Node) initTerminal() error {
	if n.consumer == nil {
		if f := n.cfg.Terminal.Inbox; f != "" {
			b, err := boltinbox.New(f)
			if err != nil {
				return err
			}
			n.consumer = b
			n.log.Noticef("Delivering to inbox: %v", f)
		} else {
			n.consumer = inbox.NewMemory()
		}
		n.closers = append(n.closers, n.consumer)
	}
	sink := pipeline.NewTerminalSink(&nodeGlue{n}, n.consumer)
	return n.listenData(chunk.NewCodec(n.inKeys), sink)
}

// New returns a new Node instance parameterized with the specified
// configuration.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	n := &Node{
		cfg:        cfg,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	if err := n.initLogging(); err != nil {
		return nil, err
	}
	n.log.Noticef("Starting %v node '%v'.", cfg.Node.Role, cfg.Node.Identifier)
	if cfg.Logging.Level == "DEBUG" {
		n.log.Warning("Unsafe Debug logging is enabled, plaintext will be logged.")
	}

	// Past this point, failures need to call n.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			n.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		select {
		case err := <-n.fatalErrCh:
			n.log.Warningf("Shutting down due to error: %v", err)
			n.Shutdown()
		case <-n.haltedCh:
		}
	}()

	if addr := cfg.Node.MetricsAddress; addr != "" {
		n.metrics = instrument.StartPrometheusListener(addr, n.logBackend)
	}
	if cfg.Debug.EnableProfiling {
		if err := profiling.Start(n.logBackend.GetLogger("profiling"), cfg.Node.Identifier, cfg.Node.Role); err != nil {
			n.log.Errorf("Failed to start profiling: %v", err)
		}
	}

	// Key stores are created bootstrapped, and every rotation channel is
	// bound before any data flows.
	var err error
	switch cfg.Node.Role {
	case config.RoleOriginator:
		n.outKeys = newStore()
		if n.rotation, err = n.listenRotation(instrument.LinkOutbound, cfg.Node.RotationAddress, n.outKeys); err != nil {
			return nil, err
		}
		err = n.initOriginator()
	case config.RoleRelay:
		n.inKeys = newStore()
		n.outKeys = n.inKeys
		if n.rotation, err = n.listenRotation(instrument.LinkInbound, cfg.Node.RotationAddress, n.inKeys); err != nil {
			return nil, err
		}
		if addr := cfg.Node.OutboundRotationAddress; addr != "" {
			n.outKeys = newStore()
			if n.outRotation, err = n.listenRotation(instrument.LinkOutbound, addr, n.outKeys); err != nil {
				return nil, err
			}
		}
		err = n.initRelay()
	case config.RoleTerminal:
		n.inKeys = newStore()
		if n.rotation, err = n.listenRotation(instrument.LinkInbound, cfg.Node.RotationAddress, n.inKeys); err != nil {
			return nil, err
		}
		err = n.initTerminal()
	default:
		err = fmt.Errorf("node: invalid role '%v'", cfg.Node.Role)
	}
	if err != nil {
		n.log.Errorf("Failed to start: %v", err)
		return nil, err
	}

	isOk = true

	// The send loop may shut the node down on completion, so it only starts
	// once every field above is set.
	if n.sender != nil {
		n.sender.Start()
	}
	return n, nil
}
