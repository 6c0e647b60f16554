//go:build pyroscope
// +build pyroscope

// pyroscope.go - hopkey pyroscope profiler.
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

package profiling

import (
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Start starts continuous profiling of this node.
func Start(log *logging.Logger, identifier, role string) error {
	s, err := NewSettings(os.Getenv, identifier, role)
	if err != nil {
		return err
	}

	if _, err = pyroscope.Start(pyroscope.Config{
		ApplicationName: s.AppName,
		ServerAddress:   s.ServerAddress,
		Logger:          pyroscope.StandardLogger,
		Tags:            s.Tags,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	}); err != nil {
		return err
	}
	log.Noticef("Profiling %v (%v) to %v as '%v'.", identifier, role, s.ServerAddress, s.AppName)
	return nil
}
