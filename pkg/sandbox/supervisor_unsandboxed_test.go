//go:build linux

package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSupervisor_Unsandboxed_NormalExit(t *testing.T) {
	s := New(uuid.New(), Options{Argv: []string{"/bin/sh", "-c", "echo hi; exit 0"}}, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	result, err := s.GetResult(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.ExitCode)
	assert.Equal(t, "hi\n", string(result.StandardOutput))
}

func TestSupervisor_Unsandboxed_NonZeroExit(t *testing.T) {
	s := New(uuid.New(), Options{Argv: []string{"/bin/sh", "-c", "exit 7"}}, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	result, err := s.GetResult(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, result.ExitCode)
}

func TestSupervisor_Unsandboxed_StartAtMostOnce(t *testing.T) {
	s := New(uuid.New(), Options{Argv: []string{"/bin/true"}}, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	err := s.Start(context.Background())
	assert.Error(t, err, "a second Start call must fail")

	_, _ = s.GetResult(context.Background())
}

func TestSupervisor_Unsandboxed_KillIsIdempotent(t *testing.T) {
	s := New(uuid.New(), Options{Argv: []string{"/bin/sleep", "5"}}, zap.NewNop())
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Kill(0))
	require.NoError(t, s.Kill(0))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("killed process did not finish")
	}
}
