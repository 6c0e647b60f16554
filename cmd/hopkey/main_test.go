// main_test.go - hopkey command tests.
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
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hopkey/hopkey/common"
)

func TestRotateCommand(t *testing.T) {
	require := require.New(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer l.Close()
	gotCh := make(chan []byte, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			gotCh <- nil
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		gotCh <- b
	}()

	err = runRotate(context.Background(), rotateConfig{
		Addr:    "tcp://" + l.Addr().String(),
		Key:     "000102030405060708090a0b0c0d0e0f",
		Hex:     true,
		Timeout: time.Second,
	})
	require.NoError(err)
	require.Equal([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, <-gotCh)

	err = runRotate(context.Background(), rotateConfig{Addr: l.Addr().String(), Key: "zz", Hex: true})
	require.Error(err)
	require.True(common.IsUsageError(err))
}

func TestRunMissingConfig(t *testing.T) {
	err := runNode(runConfig{ConfigFile: "/nonexistent/hopkey.toml"})
	require.Error(t, err)
	require.True(t, common.IsUsageError(err))
}

func TestCommandTree(t *testing.T) {
	require := require.New(t)

	cmd := newRootCommand()
	for _, name := range []string{"run", "rotate"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(err)
		require.Equal(name, sub.Name())
	}
}
