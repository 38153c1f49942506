package dumper

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipFile_WrapsSourceContents(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "core.raw")
	require.NoError(t, os.WriteFile(srcPath, []byte("core dump bytes"), 0o644))

	zipPath := filepath.Join(dir, "core.zip")
	require.NoError(t, zipFile(srcPath, zipPath))

	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 1)
	assert.Equal(t, "core.raw", zr.File[0].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	data := make([]byte, len("core dump bytes"))
	_, err = rc.Read(data)
	require.NoError(t, err)
	assert.Equal(t, "core dump bytes", string(data))
}
