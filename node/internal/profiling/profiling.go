// profiling.go - hopkey profiler settings.
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

// Package profiling starts the optional pyroscope profiler.
package profiling

import (
	"errors"
	"fmt"
	"strings"
)

const defaultAppName = "hopkey"

// Settings is what the profiler is started with.
type Settings struct {
	ServerAddress string
	AppName       string
	Tags          map[string]string
}

// NewSettings builds Settings from the environment (read via getenv) and
// the node's identity.  Every profile is tagged with the node identifier
// and role.  PYROSCOPE_TAGS may add more as comma separated key=value
// pairs, but cannot override the node tags.
func NewSettings(getenv func(string) string, identifier, role string) (*Settings, error) {
	s := &Settings{
		ServerAddress: getenv("PYROSCOPE_SERVER_ADDRESS"),
		AppName:       getenv("PYROSCOPE_APP_NAME"),
		Tags:          make(map[string]string),
	}
	if s.ServerAddress == "" {
		return nil, errors.New("profiling: PYROSCOPE_SERVER_ADDRESS is not set")
	}
	if s.AppName == "" {
		s.AppName = defaultAppName
	}

	if extra := getenv("PYROSCOPE_TAGS"); extra != "" {
		for _, kv := range strings.Split(extra, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("profiling: malformed PYROSCOPE_TAGS entry '%v'", kv)
			}
			s.Tags[k] = v
		}
	}
	s.Tags["node"] = identifier
	s.Tags["role"] = role
	return s, nil
}
