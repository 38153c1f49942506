package reportreader

import (
	"bytes"
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pipsandbox/supervisor/pkg/accessreport"
)

func testLogger() *zap.Logger { return zap.NewNop() }

func TestReader_FreezeRejectsSubsequentLines(t *testing.T) {
	r := New(nil, nil, testLogger())
	require.NoError(t, r.AddLine("S\t100\t1\t/bin/cat\tcat file\t1000"))
	r.Freeze()

	err := r.AddLine("S\t101\t1\t/bin/ls\tls -la\t2000")
	assert.ErrorIs(t, err, ErrFrozen)
	assert.True(t, r.Frozen())

	procs := r.Processes()
	require.Len(t, procs, 1, "the rejected post-freeze line must not be recorded")
}

func TestReader_ProcessStartPrecedesAccessForSamePID(t *testing.T) {
	r := New(nil, nil, testLogger())
	require.NoError(t, r.AddLine("S\t100\t1\t/bin/cat\tcat file\t1000"))
	require.NoError(t, r.AddLine(accessLine(100, 1000)))

	accesses := r.FileAccesses()
	require.Len(t, accesses, 1)
	assert.Equal(t, int32(100), accesses[0].Process.PID)
	assert.Equal(t, "/bin/cat", accesses[0].Process.Path, "access must resolve against the already-interned process")
}

func TestReader_UnexpectedAccessesRespectAllowList(t *testing.T) {
	allowListed := func(rec accessreport.AccessRecord) bool {
		return rec.Path == "/tmp/allowed"
	}
	r := New(nil, AllowListed(allowListed), testLogger())
	require.NoError(t, r.AddLine(deniedAccessLine(100, 1000, "/tmp/allowed")))
	require.NoError(t, r.AddLine(deniedAccessLine(100, 1000, "/tmp/denied")))

	unexpected := r.FileUnexpectedAccesses()
	require.Len(t, unexpected, 1)
	assert.Equal(t, "/tmp/denied", unexpected[0].Path)
}

func TestReader_Drain_StopsAtEOF(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("S\t100\t1\t/bin/cat\tcat file\t1000\n")
	buf.WriteString(accessLine(100, 1000) + "\n")

	r := New(nil, nil, testLogger())
	err := r.Drain(context.Background(), &buf, DefaultRetryBound, nil)
	require.NoError(t, err)

	assert.Len(t, r.Processes(), 1)
	assert.Len(t, r.FileAccesses(), 1)
}

func TestReader_DetoursFailureMarker(t *testing.T) {
	r := New(nil, nil, testLogger())
	require.NoError(t, r.AddLine("F"))
	assert.True(t, r.HasDetoursFailures())
}

func TestReader_DetoursStatusRingIsBounded(t *testing.T) {
	r := New(nil, nil, testLogger(), WithDetoursStatusCapacity(3))
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, r.AddLine(detouringStatusLine(i)))
	}

	statuses := r.ProcessDetoursStatuses()
	require.Len(t, statuses, 3, "the ring must drop everything past its capacity")
	assert.EqualValues(t, 2, statuses[0].ProcessID, "oldest entries must be evicted first")
	assert.EqualValues(t, 4, statuses[2].ProcessID)
}

func detouringStatusLine(pid uint64) string {
	fields := []string{
		"D",
		strconv.FormatUint(pid, 10), // processId
		"0",                         // reportStatus
		"cc1",                       // processName
		"/usr/bin/cc1",              // startApplicationName
		"cc1 -O2 foo.c",             // startCommandLine
		"1", "1", "0", "0", "0", // needsInjection/is64/isWow64/isProcessWow64/needsRemoteInjection
		"0",   // job
		"0",   // disableDetours
		"0",   // creationFlags
		"1",   // detoured
		"0",   // error
		"0",   // createProcessStatusReturn
	}
	return joinTab(fields)
}

func accessLine(pid int32, creationNanos int64) string {
	fields := []string{
		"A",
		"1",  // OpCreateFile
		strconv.Itoa(int(pid)),
		strconv.FormatInt(creationNanos, 10),
		"1", // requestedAccess
		"1", // status allowed
		"0", // explicitlyReported
		"0", // error
		"0", // rawError
		"0", // usn
		"0", "0", "0", "0", "0", // desired/share/disposition/flags/openedAttrs
		"-1",          // manifestPath (invalid)
		"/tmp/file",   // path
		"",            // enumeratePattern
		"1",           // statusMethod
	}
	return joinTab(fields)
}

func deniedAccessLine(pid int32, creationNanos int64, path string) string {
	fields := []string{
		"A", "1", strconv.Itoa(int(pid)), strconv.FormatInt(creationNanos, 10),
		"2", "2", "0", "0", "0", "0", "0", "0", "0", "0", "0",
		"-1", path, "", "1",
	}
	return joinTab(fields)
}

func joinTab(fields []string) string {
	out := fields[0]
	for _, f := range fields[1:] {
		out += "\t" + f
	}
	return out
}
