// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the leveled, per-module logging backend built on
// go-logging.
package log

import (
	"fmt"
	"io"
	goLog "log"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

// Backend is a log backend that can reopen its output file.
type Backend struct {
	sync.RWMutex

	leveled logging.LeveledBackend
	w       io.WriteCloser

	file    string
	level   logging.Level
	disable bool
}

// New creates a logging backend.  An empty file logs to stdout, disable
// discards everything.
func New(file string, level string, disable bool) (*Backend, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		file:    file,
		level:   lvl,
		disable: disable,
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) open() error {
	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("log: failed to open log file: %v", err)
		}
		b.w = f
	}

	formatted := logging.NewBackendFormatter(logging.NewLogBackend(b.w, "", 0), logging.MustStringFormatter(logFormat))
	b.leveled = logging.AddModuleLevel(formatted)
	b.leveled.SetLevel(b.level, "")
	return nil
}

// Rotate reopens the log file, it is invoked on SIGHUP.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
}

// Log implements logging.Backend.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.Log(level, calldepth, record)
}

// GetLevel implements logging.Leveled.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.GetLevel(module)
}

// SetLevel implements logging.Leveled.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.leveled.SetLevel(level, module)
}

// IsEnabledFor implements logging.Leveled.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetGoLogger returns a standard library logger for module that writes to
// the backend at a single level, for APIs such as http.Server.ErrorLog.
func (b *Backend) GetGoLogger(module string, level string) *goLog.Logger {
	return goLog.New(b.GetLogWriter(module, level), "", 0)
}

// GetLogWriter returns an io.Writer that logs each write for module at
// level.
func (b *Backend) GetLogWriter(module string, level string) io.Writer {
	lvl, err := ParseLevel(level)
	if err != nil {
		panic("log: GetLogWriter(): " + err.Error())
	}
	return &logWriter{l: b.GetLogger(module), lvl: lvl}
}

// ParseLevel converts a configuration level name to a logging.Level.
func ParseLevel(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}

type logWriter struct {
	l   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	s := strings.TrimSpace(string(p))
	if s == "" {
		return len(p), nil
	}
	switch w.lvl {
	case logging.ERROR:
		w.l.Error(s)
	case logging.WARNING:
		w.l.Warning(s)
	case logging.NOTICE:
		w.l.Notice(s)
	case logging.INFO:
		w.l.Info(s)
	default:
		w.l.Debug(s)
	}
	return len(p), nil
}
