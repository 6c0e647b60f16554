// glue.go - hopkey node glue.
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

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"github.com/hopkey/hopkey/core/chunk"
	"github.com/hopkey/hopkey/core/log"
	"github.com/hopkey/hopkey/node/config"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
}

// Listener is a bound data or rotation channel listener.
type Listener interface {
	Halt()
	Addr() string
}

// Outgoing is the shared connection to the next hop.  Closing it marks the
// end of the stream.
type Outgoing interface {
	WriteFrame(*chunk.Chunk) error
	Close() error
}
