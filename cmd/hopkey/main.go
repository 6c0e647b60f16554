// main.go - hopkey node command.
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

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hopkey/hopkey/common"
	"github.com/hopkey/hopkey/node"
	"github.com/hopkey/hopkey/node/config"
)

// runConfig holds the `run` command line configuration.
type runConfig struct {
	ConfigFile string
}

// rotateConfig holds the `rotate` command line configuration.
type rotateConfig struct {
	Addr    string
	Key     string
	Hex     bool
	Timeout time.Duration
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hopkey",
		Short: "Hop by hop re-encrypting relay node",
		Long: `hopkey forwards data through a chain of nodes, encrypting each link under
its own symmetric key.  Every relay decrypts under the key of its inbound
link and re-encrypts under the key of its outbound link.  Link keys are
rotated at any time through a separate rotation channel, without disturbing
blocks already in flight.`,
	}
	cmd.AddCommand(newRunCommand(), newRotateCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	var cfg runConfig

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an originator, relay or terminal receiver",
		Example: `  # Start a relay
  hopkey run -f /etc/hopkey/relay.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "hopkey.toml",
		"path to the node configuration file (TOML format)")
	return cmd
}

func newRotateCommand() *cobra.Command {
	var cfg rotateConfig

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Send a new key to a node's rotation channel",
		Example: `  # Rotate the link behind a relay's rotation channel
  hopkey rotate --addr tcp://127.0.0.1:7102 --key ABCDEFGHIJKLMNOP

  # Send binary key material
  hopkey rotate --addr quic://127.0.0.1:7102 --hex --key 000102030405060708090a0b0c0d0e0f`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRotate(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfg.Addr, "addr", "a", "", "rotation channel address")
	cmd.Flags().StringVarP(&cfg.Key, "key", "k", "", "key material")
	cmd.Flags().BoolVar(&cfg.Hex, "hex", false, "key material is hex encoded")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "connect timeout")
	_ = cmd.MarkFlagRequired("addr")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

func runRotate(ctx context.Context, cfg rotateConfig) error {
	material := []byte(cfg.Key)
	if cfg.Hex {
		var err error
		if material, err = hex.DecodeString(cfg.Key); err != nil {
			return common.UsageErrorf("invalid argument: --key: %w", err)
		}
	}
	return node.Rotate(ctx, cfg.Addr, material, cfg.Timeout)
}

func runNode(cfg runConfig) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	nodeCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return common.UsageErrorf("failed to load config file '%v': %w", cfg.ConfigFile, err)
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the node.
	n, err := node.New(nodeCfg)
	if err != nil {
		return fmt.Errorf("failed to spawn node instance: %w", err)
	}
	defer n.Shutdown()

	// Halt the node gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		n.Shutdown()
	}()

	// Rotate node logs upon SIGHUP.
	go func() {
		for range rotateCh {
			n.RotateLog()
		}
	}()

	// Wait for the node to explode or be terminated.
	n.Wait()
	return nil
}
