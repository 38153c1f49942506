package accessreport

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessRecord_EqualIgnoresRawError(t *testing.T) {
	proc := NewProcess(100, 1, "/bin/cat", "cat file", time.Unix(0, 1000))
	a := AccessRecord{
		Operation:       OpCreateFile,
		Process:         proc,
		RequestedAccess: AccessRead,
		Status:          StatusDenied,
		Error:           5,
		RawError:        0x80070005,
		Path:            "/tmp/file",
	}
	b := a
	b.RawError = 0x12345678

	assert.True(t, a.Equal(b), "Equal must ignore RawError")
	assert.Equal(t, a.Hash(), b.Hash(), "Hash must ignore RawError")

	c := a
	c.Error = 2
	assert.False(t, a.Equal(c), "Equal must still distinguish Error")
}

func TestAccessRecord_SerializeRoundTrip_Indexed(t *testing.T) {
	procs := NewProcessTable()
	p1 := NewProcess(100, 1, "/bin/cat", "cat file", time.Unix(0, 1000))
	procs.Intern(p1)

	rec := AccessRecord{
		Operation:           OpCreateFile,
		Process:             p1,
		RequestedAccess:     AccessRead,
		Status:              StatusAllowed,
		ExplicitlyReported:  true,
		USN:                 AbsentUSN,
		DesiredAccess:       1,
		ShareMode:           2,
		CreationDisposition: 3,
		FlagsAndAttributes:  4,
		OpenedAttributes:    AttrDirectory,
		ManifestPath:        InvalidPathAtom,
		Path:                "/tmp/file",
		StatusMethod:        StatusMethodPolicyBased,
	}

	var buf bytes.Buffer
	require.NoError(t, rec.Serialize(&buf, procs))

	got, err := Deserialize(bufio.NewReader(&buf), procs)
	require.NoError(t, err)

	assert.True(t, rec.Equal(got))
	assert.Equal(t, rec.Path, got.Path)
	assert.Equal(t, rec.ManifestPath, got.ManifestPath)
}

func TestAccessRecord_SerializeRoundTrip_Embedded(t *testing.T) {
	p1 := NewProcess(200, 1, "/bin/ls", "ls -la", time.Unix(0, 2000))
	rec := AccessRecord{
		Operation:    OpCreateFile,
		Process:      p1,
		ManifestPath: PathAtom(7),
		Path:         "/tmp/other",
		USN:          42,
		StatusMethod: StatusMethodFileExistenceBased,
	}

	var buf bytes.Buffer
	require.NoError(t, rec.Serialize(&buf, nil))

	got, err := Deserialize(bufio.NewReader(&buf), nil)
	require.NoError(t, err)

	assert.True(t, rec.Equal(got))
	assert.Equal(t, rec.Process.PID, got.Process.PID)
	assert.Equal(t, rec.Process.Path, got.Process.Path)
}

func TestAccessRecord_Deserialize_RejectsOutOfEnumOperation(t *testing.T) {
	procs := NewProcessTable()
	p1 := NewProcess(100, 1, "/bin/cat", "cat file", time.Unix(0, 1000))
	procs.Intern(p1)

	rec := AccessRecord{Operation: OpCreateFile, Process: p1, Path: "/tmp/file"}
	var buf bytes.Buffer
	require.NoError(t, rec.Serialize(&buf, procs))

	corrupted := buf.Bytes()
	corrupted[0] = 0xFF // no Operation value is defined this high

	_, err := Deserialize(bufio.NewReader(bytes.NewReader(corrupted)), procs)
	require.Error(t, err, "an out-of-enum operation tag byte must fail deserialization")
}

func TestProcessTable_InternCoalescesSameIdentity(t *testing.T) {
	procs := NewProcessTable()
	created := time.Unix(0, 1000)
	p := NewProcess(100, 1, "/bin/cat", "cat file", created)
	idx1 := procs.Intern(p)

	p.ExitCode = 0
	p.Path = ""
	idx2 := procs.Intern(p)
	assert.Equal(t, idx1, idx2, "same (pid, creationTime) identity must coalesce to the same index")
	assert.Equal(t, 1, procs.Len())

	reused := NewProcess(100, 1, "/bin/new", "new cmd", time.Unix(0, 9999))
	idx3 := procs.Intern(reused)
	assert.NotEqual(t, idx1, idx3, "pid reuse with a different creation time must get a fresh entry")
}
