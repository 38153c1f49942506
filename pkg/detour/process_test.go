//go:build linux

package detour

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProcess_StartAtMostOnce(t *testing.T) {
	p, err := New(LaunchInfo{Argv: []string{"/bin/sleep", "0.2"}}, zap.NewNop(), nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	err = p.Start(ctx)
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	<-p.Done()
}

func TestProcess_KillIsIdempotent(t *testing.T) {
	p, err := New(LaunchInfo{Argv: []string{"/bin/sleep", "5"}}, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	assert.NoError(t, p.Kill(1))
	assert.NoError(t, p.Kill(1), "a second Kill must be a harmless no-op")

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not finish after Kill")
	}
	assert.True(t, p.Killed())
}

func TestProcess_NormalExitReportsExitCode(t *testing.T) {
	p, err := New(LaunchInfo{Argv: []string{"/bin/sh", "-c", "exit 7"}}, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not finish")
	}

	code, ok := p.ExitCode()
	require.True(t, ok)
	assert.EqualValues(t, 7, code)
	assert.False(t, p.TimedOut())
}

func TestProcess_TimeoutKillsAndReportsSentinel(t *testing.T) {
	p, err := New(LaunchInfo{
		Argv:    []string{"/bin/sleep", "5"},
		Timeout: 50 * time.Millisecond,
	}, zap.NewNop(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timed-out process was not observed as exited")
	}

	assert.True(t, p.TimedOut())
	code, ok := p.ExitCode()
	require.True(t, ok)
	assert.EqualValues(t, TimeoutExitCode, code)
}
