// cli.go - Shared command line helpers.
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

// Package common provides shared utilities for the hopkey command line.
package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// UsageError is a command line mistake, which is reported together with
// the usage help of the command that failed.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// UsageErrorf formats a UsageError.
func UsageErrorf(format string, a ...any) error {
	return &UsageError{Err: fmt.Errorf(format, a...)}
}

// cobra reports its own argument and flag parsing failures as plain errors.
var cobraUsagePrefixes = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"accepts",
}

// IsUsageError returns true if err is a command line usage error.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	var uErr *UsageError
	if errors.As(err, &uErr) {
		return true
	}
	s := err.Error()
	for _, prefix := range cobraUsagePrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// Execute runs cmd through fang, with the build version and the usage
// aware error handler.
func Execute(ctx context.Context, cmd *cobra.Command) error {
	return fang.Execute(
		ctx,
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	)
}

// ExecuteWithFang executes a cobra command using fang, and exits with a
// non-zero status on failure.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := Execute(context.Background(), cmd); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage returns a fang.ErrorHandler that follows a usage
// error with the help of the command that failed.  Everything else is left
// to fang's default handler.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		if !IsUsageError(err) {
			fang.DefaultErrorHandler(w, styles, err)
			return
		}

		_, _ = fmt.Fprintln(w, lipgloss.JoinVertical(
			lipgloss.Left,
			styles.ErrorHeader.String(),
			styles.ErrorText.Render(err.Error()+"."),
		))
		_, _ = fmt.Fprintln(w)

		// Help goes to the same writer, downsampled to what it supports.
		failed := cmd
		if c, _, fErr := cmd.Find(os.Args[1:]); fErr == nil && c != nil {
			failed = c
		}
		failed.SetOut(colorprofile.NewWriter(w, os.Environ()))
		failed.HelpFunc()(failed, nil)
	}
}
