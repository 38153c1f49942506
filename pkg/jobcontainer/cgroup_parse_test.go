package jobcontainer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestReadKeyedStatFile(t *testing.T) {
	path := writeTemp(t, "usage_usec 123\nuser_usec 100\nsystem_usec 23\n")
	stat, err := readKeyedStatFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 100, stat["user_usec"])
	assert.EqualValues(t, 23, stat["system_usec"])
}

func TestReadSingleValueFile(t *testing.T) {
	path := writeTemp(t, "4096\n")
	v, err := readSingleValueFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, v)

	maxPath := writeTemp(t, "max\n")
	_, err = readSingleValueFile(maxPath)
	assert.Error(t, err, "an unbounded cgroup limit must not parse as a number")
}

func TestReadIOStatFile(t *testing.T) {
	path := writeTemp(t, "259:0 rbytes=1024 wbytes=2048 rios=4 wios=5\n259:1 rbytes=100 wbytes=0 rios=1 wios=0\n")
	totals, err := readIOStatFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1124, totals.readBytes)
	assert.EqualValues(t, 2048, totals.writeBytes)
}
