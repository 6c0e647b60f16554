// config.go - hopkey node configuration.
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

// Package config provides the hopkey node configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/hopkey/hopkey/core/transport"
)

const (
	// RoleOriginator produces blocks from a byte source.
	RoleOriginator = "originator"

	// RoleRelay decrypts and re-encrypts blocks for the next hop.
	RoleRelay = "relay"

	// RoleTerminal decrypts blocks and delivers them to a consumer.
	RoleTerminal = "terminal"

	// KeyMaterialRaw requires rotation messages to be exactly one key long.
	KeyMaterialRaw = "raw"

	// KeyMaterialHKDF stretches arbitrary rotation messages with HKDF-SHA256.
	KeyMaterialHKDF = "hkdf"

	// PartialBlockPad zero-fills a trailing partial block.
	PartialBlockPad = "pad"

	// PartialBlockDrop discards a trailing partial block.
	PartialBlockDrop = "drop"
)

const (
	defaultLogLevel           = "NOTICE"
	defaultSendDelay          = 250       // 250 ms.
	defaultConnectTimeout     = 60 * 1000 // 60 sec.
	defaultDialAttempts       = 10
	defaultMaxRotationMessage = 4096
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node is the role configuration of a node.
type Node struct {
	// Identifier is the human readable identifier for the node.
	Identifier string

	// Role is one of `originator`, `relay` or `terminal`.
	Role string

	// DataAddress is the address the inbound data channel binds to.  It is
	// required for relays and terminal receivers.
	DataAddress string

	// RotationAddress is the address the key rotation channel binds to.  On
	// the originator it rotates the outbound link, elsewhere the inbound
	// link.
	RotationAddress string

	// OutboundRotationAddress optionally gives a relay's outbound link its
	// own key store and rotation channel.  If left empty, the relay uses a
	// single key store for both of its links.
	OutboundRotationAddress string

	// PeerAddress is the data channel address of the next hop.  It is
	// required for originators and relays.
	PeerAddress string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  If left empty, metrics are not served.
	MetricsAddress string

	// DataDir is the optional absolute path relative file names are
	// resolved against.
	DataDir string
}

func (nCfg *Node) validate() error {
	if nCfg.Identifier == "" {
		return errors.New("config: Node: Identifier is not set")
	}

	nCfg.Role = strings.ToLower(nCfg.Role)
	switch nCfg.Role {
	case RoleOriginator:
		if nCfg.DataAddress != "" {
			return errors.New("config: Node: DataAddress set on an originator")
		}
		if nCfg.PeerAddress == "" {
			return errors.New("config: Node: PeerAddress is required for an originator")
		}
	case RoleRelay:
		if nCfg.DataAddress == "" {
			return errors.New("config: Node: DataAddress is required for a relay")
		}
		if nCfg.PeerAddress == "" {
			return errors.New("config: Node: PeerAddress is required for a relay")
		}
	case RoleTerminal:
		if nCfg.DataAddress == "" {
			return errors.New("config: Node: DataAddress is required for a terminal receiver")
		}
		if nCfg.PeerAddress != "" {
			return errors.New("config: Node: PeerAddress set on a terminal receiver")
		}
	case "":
		return errors.New("config: Node: Role is not set")
	default:
		return fmt.Errorf("config: Node: Role '%v' is invalid", nCfg.Role)
	}
	if nCfg.RotationAddress == "" {
		return errors.New("config: Node: RotationAddress is not set")
	}
	if nCfg.OutboundRotationAddress != "" && nCfg.Role != RoleRelay {
		return errors.New("config: Node: OutboundRotationAddress is only valid for a relay")
	}

	for _, v := range []string{nCfg.DataAddress, nCfg.RotationAddress, nCfg.OutboundRotationAddress, nCfg.PeerAddress} {
		if v == "" {
			continue
		}
		if _, _, err := transport.Parse(v); err != nil {
			return fmt.Errorf("config: Node: %v", err)
		}
	}
	if nCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(nCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Node: MetricsAddress '%v' is invalid: %v", nCfg.MetricsAddress, err)
		}
	}
	if nCfg.DataDir != "" && !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	return nil
}

// Resolve returns p made absolute against the DataDir.
func (nCfg *Node) Resolve(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	if nCfg.DataDir == "" {
		return "", fmt.Errorf("config: '%v' is relative and no DataDir is set", p)
	}
	return filepath.Join(nCfg.DataDir, p), nil
}

// Originator is the originator specific configuration.
type Originator struct {
	// Source is the file the plaintext is read from.
	Source string

	// SendDelay is the pacing delay between successive blocks in
	// milliseconds.  If unset it defaults to 250, and 0 disables pacing.
	SendDelay *int

	// PartialBlock selects how a trailing partial block is handled, either
	// `pad` or `drop`.
	PartialBlock string

	// ExitOnComplete shuts the node down once the source is exhausted.
	ExitOnComplete bool
}

// Delay returns the pacing delay between successive blocks.
func (oCfg *Originator) Delay() time.Duration {
	if oCfg.SendDelay == nil {
		return defaultSendDelay * time.Millisecond
	}
	return time.Duration(*oCfg.SendDelay) * time.Millisecond
}

func (oCfg *Originator) applyDefaults() {
	if oCfg.SendDelay == nil {
		d := defaultSendDelay
		oCfg.SendDelay = &d
	}
	if oCfg.PartialBlock == "" {
		oCfg.PartialBlock = PartialBlockPad
	}
}

func (oCfg *Originator) validate(nCfg *Node) error {
	if *oCfg.SendDelay < 0 {
		return fmt.Errorf("config: Originator: SendDelay %v is negative", *oCfg.SendDelay)
	}
	switch oCfg.PartialBlock {
	case PartialBlockPad, PartialBlockDrop:
	default:
		return fmt.Errorf("config: Originator: PartialBlock '%v' is invalid", oCfg.PartialBlock)
	}
	var err error
	if oCfg.Source, err = nCfg.Resolve(oCfg.Source); err != nil {
		return fmt.Errorf("config: Originator: Source: %v", err)
	}
	return nil
}

// Terminal is the terminal receiver specific configuration.
type Terminal struct {
	// Inbox is the path to a bolt database that finished streams are
	// spooled to.  If left empty, they are kept in memory.
	Inbox string
}

func (tCfg *Terminal) validate(nCfg *Node) error {
	var err error
	if tCfg.Inbox, err = nCfg.Resolve(tCfg.Inbox); err != nil {
		return fmt.Errorf("config: Terminal: Inbox: %v", err)
	}
	return nil
}

// Logging is the hopkey logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate(nCfg *Node) error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.

	var err error
	if lCfg.File, err = nCfg.Resolve(lCfg.File); err != nil {
		return fmt.Errorf("config: Logging: File: %v", err)
	}
	return nil
}

// Debug is the hopkey debug configuration.
type Debug struct {
	// KeyMaterial selects how rotation messages become keys, either `raw`
	// or `hkdf`.
	KeyMaterial string

	// MaxRotationMessage is the largest accepted rotation message in bytes.
	MaxRotationMessage int

	// ConnectTimeout specifies the maximum time a connection can take to
	// establish in milliseconds.
	ConnectTimeout int

	// DialAttempts is the number of attempts made to reach the next hop.
	DialAttempts int

	// ReadTimeout is the per-read deadline on data and rotation connections in
	// milliseconds.  Zero disables it, and a stalled peer then blocks its
	// handler indefinitely.
	ReadTimeout int

	// EnableProfiling starts the pyroscope profiler (requires the
	// `pyroscope` build tag).
	EnableProfiling bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.KeyMaterial == "" {
		dCfg.KeyMaterial = KeyMaterialRaw
	}
	if dCfg.MaxRotationMessage <= 0 {
		dCfg.MaxRotationMessage = defaultMaxRotationMessage
	}
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
	if dCfg.DialAttempts <= 0 {
		dCfg.DialAttempts = defaultDialAttempts
	}
	if dCfg.ReadTimeout < 0 {
		dCfg.ReadTimeout = 0
	}
}

func (dCfg *Debug) validate() error {
	switch dCfg.KeyMaterial {
	case KeyMaterialRaw, KeyMaterialHKDF:
	default:
		return fmt.Errorf("config: Debug: KeyMaterial '%v' is invalid", dCfg.KeyMaterial)
	}
	return nil
}

// Config is the top level hopkey node configuration.
type Config struct {
	Node       *Node
	Originator *Originator
	Terminal   *Terminal
	Logging    *Logging

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Node section is mandatory, everything else is optional.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}

	if err := cfg.Node.validate(); err != nil {
		return err
	}

	if cfg.Node.Role == RoleOriginator {
		if cfg.Originator == nil {
			cfg.Originator = &Originator{}
		}
		cfg.Originator.applyDefaults()
		if err := cfg.Originator.validate(cfg.Node); err != nil {
			return err
		}
	} else if cfg.Originator != nil {
		return errors.New("config: Originator block set when not an originator")
	}

	if cfg.Node.Role == RoleTerminal {
		if cfg.Terminal == nil {
			cfg.Terminal = &Terminal{}
		}
		if err := cfg.Terminal.validate(cfg.Node); err != nil {
			return err
		}
	} else if cfg.Terminal != nil {
		return errors.New("config: Terminal block set when not a terminal receiver")
	}

	if err := cfg.Logging.validate(cfg.Node); err != nil {
		return err
	}
	cfg.Debug.applyDefaults()
	if err := cfg.Debug.validate(); err != nil {
		return err
	}

	var err error
	cfg.Node.Identifier, err = idna.Lookup.ToASCII(cfg.Node.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
