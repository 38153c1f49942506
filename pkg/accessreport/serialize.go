package accessreport

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/pipsandbox/supervisor/pkg/wireformat"
)

// ProcessWriter resolves a Process to the representation used on the wire.
// In process-index-map mode the caller interns the process into a shared
// ProcessTable and returns its index; in embedded mode every record carries
// its own full Process and ok is always false.
type ProcessWriter interface {
	// IndexOf returns p's index and true if p can be written as an index;
	// false means the caller embeds the full process instead.
	IndexOf(p Process) (idx uint64, indexed bool)
}

// ProcessReader is the read-side counterpart of ProcessWriter.
type ProcessReader interface {
	At(idx uint64) (Process, bool)
}

// Serialize writes a in the fixed binary layout of spec §6. When procs is
// non-nil and reports the process as indexed, only the compact-int index is
// written; otherwise the full Process is embedded inline.
func (a AccessRecord) Serialize(w io.Writer, procs ProcessWriter) error {
	if _, err := w.Write([]byte{byte(a.Operation)}); err != nil {
		return fmt.Errorf("accessreport: write operation: %w", err)
	}

	indexed := false
	var idx uint64
	if procs != nil {
		idx, indexed = procs.IndexOf(a.Process)
	}
	if err := wireformat.WriteBool(w, indexed); err != nil {
		return fmt.Errorf("accessreport: write process-indexed flag: %w", err)
	}
	if indexed {
		if err := wireformat.WriteCompactInt(w, idx); err != nil {
			return fmt.Errorf("accessreport: write process index: %w", err)
		}
	} else {
		if err := writeProcess(w, a.Process); err != nil {
			return fmt.Errorf("accessreport: write embedded process: %w", err)
		}
	}

	if err := wireformat.WriteCompactInt(w, uint64(a.RequestedAccess)); err != nil {
		return err
	}
	if err := wireformat.WriteCompactInt(w, uint64(a.Status)); err != nil {
		return err
	}
	if err := wireformat.WriteBool(w, a.ExplicitlyReported); err != nil {
		return err
	}
	if err := wireformat.WriteUint32(w, a.Error); err != nil {
		return err
	}
	if err := wireformat.WriteUint32(w, a.RawError); err != nil {
		return err
	}
	if err := wireformat.WriteUint64(w, a.USN); err != nil {
		return err
	}
	if err := wireformat.WriteUint32(w, a.DesiredAccess); err != nil {
		return err
	}
	if err := wireformat.WriteUint32(w, a.ShareMode); err != nil {
		return err
	}
	if err := wireformat.WriteUint32(w, a.CreationDisposition); err != nil {
		return err
	}
	if err := wireformat.WriteUint32(w, a.FlagsAndAttributes); err != nil {
		return err
	}
	if err := wireformat.WriteUint32(w, uint32(a.OpenedAttributes)); err != nil {
		return err
	}
	if err := wireformat.WriteCompactInt(w, uint64(int64(a.ManifestPath)+1)); err != nil {
		return err
	}
	path := a.Path
	if err := wireformat.WriteNullableString(w, &path); err != nil {
		return err
	}
	pattern := a.EnumeratePattern
	if err := wireformat.WriteNullableString(w, &pattern); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(a.StatusMethod)}); err != nil {
		return err
	}
	return nil
}

// Deserialize reads a record written by Serialize. procs resolves an
// indexed process reference back to its full value; it may be nil when the
// caller knows every record on the stream embeds its process inline.
func Deserialize(r *bufio.Reader, procs ProcessReader) (AccessRecord, error) {
	var a AccessRecord

	opByte, err := r.ReadByte()
	if err != nil {
		return a, fmt.Errorf("accessreport: read operation: %w", err)
	}
	op := Operation(opByte)
	if !op.Valid() {
		return a, fmt.Errorf("accessreport: operation tag %d is outside the operation enum", opByte)
	}
	a.Operation = op

	indexed, err := wireformat.ReadBool(r)
	if err != nil {
		return a, fmt.Errorf("accessreport: read process-indexed flag: %w", err)
	}
	if indexed {
		idx, err := wireformat.ReadCompactInt(r)
		if err != nil {
			return a, fmt.Errorf("accessreport: read process index: %w", err)
		}
		if procs == nil {
			return a, fmt.Errorf("accessreport: record references process index %d but no process table was supplied", idx)
		}
		p, ok := procs.At(idx)
		if !ok {
			return a, fmt.Errorf("accessreport: process index %d not found in table", idx)
		}
		a.Process = p
	} else {
		p, err := readProcess(r)
		if err != nil {
			return a, fmt.Errorf("accessreport: read embedded process: %w", err)
		}
		a.Process = p
	}

	reqAccess, err := wireformat.ReadCompactInt(r)
	if err != nil {
		return a, err
	}
	a.RequestedAccess = RequestedAccess(reqAccess)

	status, err := wireformat.ReadCompactInt(r)
	if err != nil {
		return a, err
	}
	a.Status = FileAccessStatus(status)

	if a.ExplicitlyReported, err = wireformat.ReadBool(r); err != nil {
		return a, err
	}
	if a.Error, err = wireformat.ReadUint32(r); err != nil {
		return a, err
	}
	if a.RawError, err = wireformat.ReadUint32(r); err != nil {
		return a, err
	}
	if a.USN, err = wireformat.ReadUint64(r); err != nil {
		return a, err
	}
	if a.DesiredAccess, err = wireformat.ReadUint32(r); err != nil {
		return a, err
	}
	if a.ShareMode, err = wireformat.ReadUint32(r); err != nil {
		return a, err
	}
	if a.CreationDisposition, err = wireformat.ReadUint32(r); err != nil {
		return a, err
	}
	if a.FlagsAndAttributes, err = wireformat.ReadUint32(r); err != nil {
		return a, err
	}
	openedAttrs, err := wireformat.ReadUint32(r)
	if err != nil {
		return a, err
	}
	a.OpenedAttributes = OpenedAttributes(openedAttrs)

	manifestPath, err := wireformat.ReadCompactInt(r)
	if err != nil {
		return a, err
	}
	a.ManifestPath = PathAtom(int64(manifestPath) - 1)

	path, err := wireformat.ReadNullableString(r)
	if err != nil {
		return a, err
	}
	if path != nil {
		a.Path = *path
	}

	pattern, err := wireformat.ReadNullableString(r)
	if err != nil {
		return a, err
	}
	if pattern != nil {
		a.EnumeratePattern = *pattern
	}

	methodByte, err := r.ReadByte()
	if err != nil {
		return a, fmt.Errorf("accessreport: read status method: %w", err)
	}
	a.StatusMethod = FileAccessStatusMethod(methodByte)

	return a, nil
}

// writeProcess/readProcess embed a full Process inline, used in
// embedded-process mode (spec §6) where records do not share a table.
func writeProcess(w io.Writer, p Process) error {
	if err := wireformat.WriteUint32(w, uint32(p.PID)); err != nil {
		return err
	}
	if err := wireformat.WriteUint32(w, uint32(p.ParentPID)); err != nil {
		return err
	}
	path, cmd := p.Path, p.CommandLine
	if err := wireformat.WriteNullableString(w, &path); err != nil {
		return err
	}
	if err := wireformat.WriteNullableString(w, &cmd); err != nil {
		return err
	}
	if err := wireformat.WriteUint64(w, uint64(p.CreationTime.UnixNano())); err != nil {
		return err
	}
	var exitNanos uint64
	if !p.ExitTime.IsZero() {
		exitNanos = uint64(p.ExitTime.UnixNano())
	}
	if err := wireformat.WriteUint64(w, exitNanos); err != nil {
		return err
	}
	if err := wireformat.WriteUint64(w, uint64(p.UserTime)); err != nil {
		return err
	}
	if err := wireformat.WriteUint64(w, uint64(p.KernelTime)); err != nil {
		return err
	}
	if err := wireformat.WriteUint32(w, uint32(p.ExitCode)); err != nil {
		return err
	}
	return wireformat.WriteBool(w, p.Disposed)
}

func readProcess(r *bufio.Reader) (Process, error) {
	var p Process

	pid, err := wireformat.ReadUint32(r)
	if err != nil {
		return p, err
	}
	p.PID = int32(pid)

	ppid, err := wireformat.ReadUint32(r)
	if err != nil {
		return p, err
	}
	p.ParentPID = int32(ppid)

	path, err := wireformat.ReadNullableString(r)
	if err != nil {
		return p, err
	}
	if path != nil {
		p.Path = *path
	}
	cmd, err := wireformat.ReadNullableString(r)
	if err != nil {
		return p, err
	}
	if cmd != nil {
		p.CommandLine = *cmd
	}

	creationNanos, err := wireformat.ReadUint64(r)
	if err != nil {
		return p, err
	}
	p.CreationTime = time.Unix(0, int64(creationNanos)).UTC()

	exitNanos, err := wireformat.ReadUint64(r)
	if err != nil {
		return p, err
	}
	if exitNanos != 0 {
		p.ExitTime = time.Unix(0, int64(exitNanos)).UTC()
	}

	userTime, err := wireformat.ReadUint64(r)
	if err != nil {
		return p, err
	}
	p.UserTime = time.Duration(userTime)

	kernelTime, err := wireformat.ReadUint64(r)
	if err != nil {
		return p, err
	}
	p.KernelTime = time.Duration(kernelTime)

	exitCode, err := wireformat.ReadUint32(r)
	if err != nil {
		return p, err
	}
	p.ExitCode = int32(exitCode)

	if p.Disposed, err = wireformat.ReadBool(r); err != nil {
		return p, err
	}
	return p, nil
}
