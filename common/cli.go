// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides helpers shared by the polyglot command line
// tools.
package common

import (
	"context"
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

// usageErrors are the error message fragments that warrant printing the
// usage help along with the error.
var usageErrors = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"accepts",
	"arg(s), received",
	"failed to load config file",
	"config file must be specified",
}

// ExecuteWithFang runs cmd under fang with the version and error handling
// every polyglot tool shares, and exits non zero on failure.
func ExecuteWithFang(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage prints err, followed by the usage of cmd for
// command line mistakes or a pointer to --help otherwise.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if !IsUsageError(err) {
			_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
				lipgloss.Left,
				styles.ErrorText.UnsetWidth().Render("Try"),
				styles.Program.Flag.Render("--help"),
				styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
			))
			_, _ = fmt.Fprintln(w)
			return
		}
		if helpFunc := cmd.HelpFunc(); helpFunc != nil {
			cmd.SetOut(colorprofile.NewWriter(w, os.Environ()))
			helpFunc(cmd, []string{})
		}
	}
}

// IsUsageError reports whether err stems from how the tool was invoked.
func IsUsageError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, fragment := range usageErrors {
		if strings.Contains(s, fragment) {
			return true
		}
	}
	return false
}
