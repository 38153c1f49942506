package wireformat

import (
	"bufio"
	"fmt"
	"io"
)

// DetouringStatus is the detouring-status record emitted by the
// interposition layer for each child-spawn attempt (spec §6).
type DetouringStatus struct {
	ProcessID               uint64
	ReportStatus            uint32
	ProcessName             string
	StartApplicationName    string
	StartCommandLine        string
	NeedsInjection          bool
	IsCurrent64BitProcess   bool
	IsCurrentWow64Process   bool
	IsProcessWow64          bool
	NeedsRemoteInjection    bool
	Job                     uint64
	DisableDetours          bool
	CreationFlags           uint32
	Detoured                bool
	Error                   uint32
	CreateProcessStatusReturn uint32
}

// Write serializes ds in the exact field order given in spec §6.
func (ds DetouringStatus) Write(w io.Writer) error {
	if err := WriteUint64(w, ds.ProcessID); err != nil {
		return err
	}
	if err := WriteUint32(w, ds.ReportStatus); err != nil {
		return err
	}
	for _, s := range []string{ds.ProcessName, ds.StartApplicationName, ds.StartCommandLine} {
		s := s
		if err := WriteNullableString(w, &s); err != nil {
			return err
		}
	}
	for _, b := range []bool{ds.NeedsInjection, ds.IsCurrent64BitProcess, ds.IsCurrentWow64Process,
		ds.IsProcessWow64, ds.NeedsRemoteInjection} {
		if err := WriteBool(w, b); err != nil {
			return err
		}
	}
	if err := WriteUint64(w, ds.Job); err != nil {
		return err
	}
	if err := WriteBool(w, ds.DisableDetours); err != nil {
		return err
	}
	if err := WriteUint32(w, ds.CreationFlags); err != nil {
		return err
	}
	if err := WriteBool(w, ds.Detoured); err != nil {
		return err
	}
	if err := WriteUint32(w, ds.Error); err != nil {
		return err
	}
	return WriteUint32(w, ds.CreateProcessStatusReturn)
}

// ReadDetouringStatus is the inverse of Write.
func ReadDetouringStatus(r *bufio.Reader) (DetouringStatus, error) {
	var ds DetouringStatus
	var err error

	if ds.ProcessID, err = ReadUint64(r); err != nil {
		return ds, fmt.Errorf("wireformat: detouring status processId: %w", err)
	}
	if ds.ReportStatus, err = ReadUint32(r); err != nil {
		return ds, fmt.Errorf("wireformat: detouring status reportStatus: %w", err)
	}
	strs := make([]*string, 3)
	for i := range strs {
		if strs[i], err = ReadNullableString(r); err != nil {
			return ds, fmt.Errorf("wireformat: detouring status string %d: %w", i, err)
		}
	}
	if strs[0] != nil {
		ds.ProcessName = *strs[0]
	}
	if strs[1] != nil {
		ds.StartApplicationName = *strs[1]
	}
	if strs[2] != nil {
		ds.StartCommandLine = *strs[2]
	}

	bools := make([]bool, 5)
	for i := range bools {
		if bools[i], err = ReadBool(r); err != nil {
			return ds, fmt.Errorf("wireformat: detouring status bool %d: %w", i, err)
		}
	}
	ds.NeedsInjection = bools[0]
	ds.IsCurrent64BitProcess = bools[1]
	ds.IsCurrentWow64Process = bools[2]
	ds.IsProcessWow64 = bools[3]
	ds.NeedsRemoteInjection = bools[4]

	if ds.Job, err = ReadUint64(r); err != nil {
		return ds, fmt.Errorf("wireformat: detouring status job: %w", err)
	}
	if ds.DisableDetours, err = ReadBool(r); err != nil {
		return ds, fmt.Errorf("wireformat: detouring status disableDetours: %w", err)
	}
	if ds.CreationFlags, err = ReadUint32(r); err != nil {
		return ds, fmt.Errorf("wireformat: detouring status creationFlags: %w", err)
	}
	if ds.Detoured, err = ReadBool(r); err != nil {
		return ds, fmt.Errorf("wireformat: detouring status detoured: %w", err)
	}
	if ds.Error, err = ReadUint32(r); err != nil {
		return ds, fmt.Errorf("wireformat: detouring status error: %w", err)
	}
	if ds.CreateProcessStatusReturn, err = ReadUint32(r); err != nil {
		return ds, fmt.Errorf("wireformat: detouring status createProcessStatusReturn: %w", err)
	}
	return ds, nil
}
