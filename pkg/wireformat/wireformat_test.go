package wireformat

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompactInt_RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)} {
		var buf bytes.Buffer
		require.NoError(t, WriteCompactInt(&buf, v))
		got, err := ReadCompactInt(bufio.NewReader(&buf))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestNullableString_PresentVsAbsent(t *testing.T) {
	var buf bytes.Buffer
	s := "hello"
	require.NoError(t, WriteNullableString(&buf, &s))
	require.NoError(t, WriteNullableString(&buf, nil))
	empty := ""
	require.NoError(t, WriteNullableString(&buf, &empty))

	r := bufio.NewReader(&buf)
	got, err := ReadNullableString(r)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hello", *got)

	got, err = ReadNullableString(r)
	require.NoError(t, err)
	assert.Nil(t, got, "absent string must round-trip to a nil pointer")

	got, err = ReadNullableString(r)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "", *got, "present-but-empty must round-trip distinctly from absent")
}

func TestUint32Uint64Bool_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint32(&buf, 0xDEADBEEF))
	require.NoError(t, WriteUint64(&buf, 0x0102030405060708))
	require.NoError(t, WriteBool(&buf, true))
	require.NoError(t, WriteBool(&buf, false))

	u32, err := ReadUint32(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 0xDEADBEEF, u32)

	u64, err := ReadUint64(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 0x0102030405060708, u64)

	b1, err := ReadBool(&buf)
	require.NoError(t, err)
	assert.True(t, b1)

	b2, err := ReadBool(&buf)
	require.NoError(t, err)
	assert.False(t, b2)
}

func TestDetouringStatus_RoundTrip(t *testing.T) {
	ds := DetouringStatus{
		ProcessID:                 4242,
		ReportStatus:              1,
		ProcessName:               "cc1",
		StartApplicationName:      "/usr/bin/cc1",
		StartCommandLine:          "cc1 -O2 foo.c",
		NeedsInjection:            true,
		IsCurrent64BitProcess:     true,
		IsCurrentWow64Process:     false,
		IsProcessWow64:            false,
		NeedsRemoteInjection:      false,
		Job:                       99,
		DisableDetours:            false,
		CreationFlags:             0x10,
		Detoured:                  true,
		Error:                     0,
		CreateProcessStatusReturn: 1,
	}

	var buf bytes.Buffer
	require.NoError(t, ds.Write(&buf))

	got, err := ReadDetouringStatus(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, ds, got)
}

func TestEnvironmentBlock_RoundTrip(t *testing.T) {
	env := map[string]string{"PATH": "/usr/bin", "HOME": "/root"}
	var buf bytes.Buffer
	require.NoError(t, WriteEnvironmentBlock(&buf, env))

	got, err := ReadEnvironmentBlock(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestRootMappingBlock_RoundTrip(t *testing.T) {
	mappings := []RootMapping{{Root: "A", Target: "/mnt/a"}, {Root: "B", Target: "/mnt/b"}}
	var buf bytes.Buffer
	require.NoError(t, WriteRootMappingBlock(&buf, mappings))

	got, err := ReadRootMappingBlock(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, mappings, got)
}

func TestDecodeStrictJSON_RejectsEmptyAndTrailing(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}
	var p payload

	err := DecodeStrictJSON(bytes.NewBufferString(""), &p)
	assert.ErrorIs(t, err, ErrEmptyBody)

	err = DecodeStrictJSON(bytes.NewBufferString(`{"name":"a"}{"name":"b"}`), &p)
	assert.ErrorIs(t, err, ErrTrailingJSON)

	err = DecodeStrictJSON(bytes.NewBufferString(`{"name":"a","extra":1}`), &p)
	assert.Error(t, err, "unknown fields must be rejected")

	require.NoError(t, DecodeStrictJSON(bytes.NewBufferString(`{"name":"a"}`), &p))
	assert.Equal(t, "a", p.Name)
}

func TestNullableField_TriState(t *testing.T) {
	type payload struct {
		Name NullableField[string]
	}
	var absent payload
	require.NoError(t, DecodeStrictJSON(bytes.NewBufferString(`{}`), &absent))
	assert.False(t, absent.Name.IsSet())

	var isNull payload
	require.NoError(t, DecodeStrictJSON(bytes.NewBufferString(`{"Name":null}`), &isNull))
	assert.True(t, isNull.Name.IsSet())
	assert.True(t, isNull.Name.IsNull())

	var hasValue payload
	require.NoError(t, DecodeStrictJSON(bytes.NewBufferString(`{"Name":"x"}`), &hasValue))
	v, ok := hasValue.Name.Value()
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}
