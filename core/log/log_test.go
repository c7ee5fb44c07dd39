// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "polyglot.log")
	b, err := New(f, "INFO", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Info("first line")
	l.Debug("filtered out")

	require.NoError(os.Rename(f, f+".1"))
	require.NoError(b.Rotate())
	l.Notice("second line")

	old, err := os.ReadFile(f + ".1")
	require.NoError(err)
	require.Contains(string(old), "INFO test: first line")
	require.NotContains(string(old), "filtered out")

	cur, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(cur), "NOTI test: second line")
}

func TestLogWriter(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "w.log")
	b, err := New(f, "DEBUG", false)
	require.NoError(err)

	w := b.GetLogWriter("http", "WARNING")
	n, err := w.Write([]byte("listener hiccup\n"))
	require.NoError(err)
	require.Equal(16, n)

	out, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(out), "WARN http: listener hiccup")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New("", "LOUD", false)
	require.Error(t, err)

	b, err := New("", "error", true)
	require.NoError(t, err)
	b.GetLogger("quiet").Error("discarded")
}
