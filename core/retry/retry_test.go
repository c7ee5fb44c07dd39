// SPDX-FileCopyrightText: Copyright (C) 2026 The Polyglot Authors
// SPDX-License-Identifier: AGPL-3.0-only

package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	require := require.New(t)

	base := 100 * time.Millisecond
	max := time.Second

	require.Equal(100*time.Millisecond, Delay(base, max, 0, 0))
	require.Equal(200*time.Millisecond, Delay(base, max, 0, 1))
	require.Equal(800*time.Millisecond, Delay(base, max, 0, 3))
	require.Equal(max, Delay(base, max, 0, 10))

	for i := 0; i < 100; i++ {
		d := Delay(base, max, 0.2, 0)
		require.GreaterOrEqual(d, 80*time.Millisecond)
		require.LessOrEqual(d, 120*time.Millisecond)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	require := require.New(t)

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	require.True(IsTransient(refused))
	require.True(IsTransient(fmt.Errorf("dial: %w", refused)))
	require.True(IsTransient(timeoutErr{}))

	require.False(IsTransient(nil))
	require.False(IsTransient(errors.New("kex: decapsulation failed")))
	require.False(IsTransient(context.Canceled))
	require.False(IsTransient(fmt.Errorf("dial: %w", context.DeadlineExceeded)))
}

func TestDo(t *testing.T) {
	require := require.New(t)

	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	refused := os.NewSyscallError("connect", syscall.ECONNREFUSED)

	calls := 0
	err := Do(context.Background(), p, func(int) error {
		calls++
		if calls < 2 {
			return refused
		}
		return nil
	})
	require.NoError(err)
	require.Equal(2, calls)

	calls = 0
	err = Do(context.Background(), p, func(int) error {
		calls++
		return refused
	})
	require.ErrorIs(err, syscall.ECONNREFUSED)
	require.Equal(3, calls)

	// Permanent errors are not retried.
	calls = 0
	fatal := errors.New("bad key")
	err = Do(context.Background(), p, func(int) error {
		calls++
		return fatal
	})
	require.ErrorIs(err, fatal)
	require.Equal(1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls = 0
	err = Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, func(int) error {
		calls++
		return refused
	})
	require.Error(err)
	require.Equal(1, calls)
}
