//go:build linux

package jobcontainer

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessGroupBackend_AssignAndTerminate(t *testing.T) {
	b := newProcessGroupBackend()

	cmd := exec.Command("/bin/sleep", "5")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	defer cmd.Wait()

	require.NoError(t, b.assign(cmd.Process.Pid))

	pids, err := b.enumeratePIDs()
	require.NoError(t, err)
	assert.Contains(t, pids, int32(cmd.Process.Pid))

	require.NoError(t, b.terminate(1))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("terminate did not kill the process group")
	}
}

func TestProcessGroupBackend_TerminateOnEmptyGroupIsHarmless(t *testing.T) {
	b := newProcessGroupBackend()
	assert.NoError(t, b.terminate(1))
}
