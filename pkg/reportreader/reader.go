// Package reportreader consumes the textual event stream the interposition
// layer writes to the report pipe and assembles it into the collections the
// supervisor hands back in its result record (spec component C).
package reportreader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pipsandbox/supervisor/pkg/accessreport"
	"github.com/pipsandbox/supervisor/pkg/wireformat"
)

// Tag bytes identify the kind of each line the interposition layer writes.
// The layer itself is out of scope; this is the line protocol this
// supervisor's own launcher speaks to it over the reporting pipe.
const (
	tagAccess          = 'A'
	tagProcessStarted  = 'S'
	tagProcessExited   = 'E'
	tagBreakaway       = 'B'
	tagDetoursFailure  = 'F'
	tagDetouringStatus = 'D'
)

const fieldSep = "\t"

// ErrFrozen is returned by AddLine once the reader has been frozen.
var ErrFrozen = errors.New("reportreader: reader is frozen")

// AllowListed reports whether a denied access should be excluded from
// FileUnexpectedAccesses — the caller-supplied policy predicate mentioned
// in spec §4.C.
type AllowListed func(accessreport.AccessRecord) bool

// Reader accumulates the report stream for one pip execution. Safe for
// concurrent use: AddLine is expected to be called from a single pipe-drain
// goroutine, but the accessor methods may be called from any goroutine
// (e.g. the diagnostics server reading a live run).
type Reader struct {
	log         *zap.Logger
	procTable   *accessreport.ProcessTable
	allowListed AllowListed

	mu              sync.RWMutex
	frozen          bool
	records         []accessreport.AccessRecord
	detoursStatuses []wireformat.DetouringStatus
	detoursCap      int
	hasRWToRead     bool
	breakaways      []accessreport.Process
	detoursFailed   bool
}

// DefaultDetoursStatusCapacity bounds how many detouring-status records a
// Reader retains; once exceeded, the oldest entries are dropped so a
// pathologically chatty spawn sequence can't grow this collection without
// bound.
const DefaultDetoursStatusCapacity = 64

// Option configures a Reader at construction time.
type Option func(*Reader)

// WithDetoursStatusCapacity overrides DefaultDetoursStatusCapacity. A
// non-positive value disables the bound.
func WithDetoursStatusCapacity(n int) Option {
	return func(r *Reader) { r.detoursCap = n }
}

// New returns an empty, unfrozen reader. allowListed may be nil, in which
// case no denied access is ever considered allow-listed.
func New(procTable *accessreport.ProcessTable, allowListed AllowListed, log *zap.Logger, opts ...Option) *Reader {
	if procTable == nil {
		procTable = accessreport.NewProcessTable()
	}
	if allowListed == nil {
		allowListed = func(accessreport.AccessRecord) bool { return false }
	}
	r := &Reader{
		log:         log.Named("reportreader"),
		procTable:   procTable,
		allowListed: allowListed,
		detoursCap:  DefaultDetoursStatusCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddLine parses one textual report line and stores its effect. Returns
// ErrFrozen if the reader has already been frozen (P7).
func (r *Reader) AddLine(line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	return r.addLineLocked(line)
}

func (r *Reader) addLineLocked(line string) error {
	if line == "" {
		return nil
	}
	fields := strings.Split(line, fieldSep)
	switch fields[0][0] {
	case tagAccess:
		rec, err := parseAccessLine(fields, r.procTable)
		if err != nil {
			return fmt.Errorf("reportreader: parse access line: %w", err)
		}
		r.records = append(r.records, rec)
		if rec.Operation == accessreport.OpChangedReadWriteToReadAccess {
			r.hasRWToRead = true
		}
		return nil

	case tagProcessStarted:
		p, err := parseProcessStartedLine(fields)
		if err != nil {
			return fmt.Errorf("reportreader: parse process-started line: %w", err)
		}
		r.procTable.Intern(p)
		return nil

	case tagProcessExited:
		p, err := parseProcessExitedLine(fields, r.procTable)
		if err != nil {
			return fmt.Errorf("reportreader: parse process-exited line: %w", err)
		}
		r.procTable.Intern(p)
		return nil

	case tagBreakaway:
		p, err := parseProcessStartedLine(fields)
		if err != nil {
			return fmt.Errorf("reportreader: parse breakaway line: %w", err)
		}
		r.breakaways = append(r.breakaways, p)
		return nil

	case tagDetoursFailure:
		r.detoursFailed = true
		return nil

	case tagDetouringStatus:
		ds, err := parseDetouringStatusLine(fields)
		if err != nil {
			return fmt.Errorf("reportreader: parse detouring-status line: %w", err)
		}
		r.detoursStatuses = append(r.detoursStatuses, ds)
		if r.detoursCap > 0 && len(r.detoursStatuses) > r.detoursCap {
			r.detoursStatuses = r.detoursStatuses[len(r.detoursStatuses)-r.detoursCap:]
		}
		return nil

	default:
		return fmt.Errorf("reportreader: unknown line tag %q", fields[0])
	}
}

// Freeze marks the reader read-only. Subsequent AddLine calls fail with
// ErrFrozen; accessor methods continue to work against the final snapshot.
func (r *Reader) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Reader) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// FileAccesses returns every access record observed, in arrival order.
func (r *Reader) FileAccesses() []accessreport.AccessRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]accessreport.AccessRecord, len(r.records))
	copy(out, r.records)
	return out
}

// FileUnexpectedAccesses returns denied accesses not covered by the
// allow-list predicate.
func (r *Reader) FileUnexpectedAccesses() []accessreport.AccessRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []accessreport.AccessRecord
	for _, rec := range r.records {
		if rec.Status == accessreport.StatusDenied && !r.allowListed(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// ExplicitlyReportedFileAccesses returns the subset of records with
// ExplicitlyReported set.
func (r *Reader) ExplicitlyReportedFileAccesses() []accessreport.AccessRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []accessreport.AccessRecord
	for _, rec := range r.records {
		if rec.ExplicitlyReported {
			out = append(out, rec)
		}
	}
	return out
}

// HasReadWriteToRead reports whether any record carried the
// changed-read-write-to-read marker operation.
func (r *Reader) HasReadWriteToRead() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasRWToRead
}

// HasDetoursFailures reports whether the interposition layer emitted a
// detours-failure event on this stream.
func (r *Reader) HasDetoursFailures() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.detoursFailed
}

// Processes returns every reported process ever seen, coalesced so each pid
// resolves to its last-observed record.
func (r *Reader) Processes() []accessreport.Process {
	return r.procTable.Latest()
}

// ProcessDetoursStatuses returns the diagnostic spawn-time records emitted
// by the interposition layer.
func (r *Reader) ProcessDetoursStatuses() []wireformat.DetouringStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wireformat.DetouringStatus, len(r.detoursStatuses))
	copy(out, r.detoursStatuses)
	return out
}

// DefaultRetryBound is the pipe-read retry count used when the caller does
// not override it — spec §4.C's "modern runtimes" default.
const DefaultRetryBound = 10_000

// NormalizeError optionally reclassifies a raw read error before the retry
// loop decides whether it is retryable cancellation noise or a terminal
// failure. With a nil hook the raw error is classified as is: context
// cancellation and io.ErrUnexpectedEOF are retried, every other error is
// terminal.
type NormalizeError func(error) error

// Drain reads newline-delimited report lines from src until EOF or ctx is
// cancelled, calling AddLine for each. Spurious read cancellations are
// retried up to retryBound times before the read is treated as a genuine
// failure; a retryBound of 0 disables retrying entirely (legacy runtimes
// per spec §4.C).
func (r *Reader) Drain(ctx context.Context, src io.Reader, retryBound int, normalize NormalizeError) error {
	if retryBound < 0 {
		retryBound = DefaultRetryBound
	}
	br := bufio.NewReader(src)
	retries := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			if addErr := r.AddLine(strings.TrimRight(line, "\n")); addErr != nil && !errors.Is(addErr, ErrFrozen) {
				r.log.Warn("dropping malformed report line", zap.Error(addErr))
			}
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if normalize != nil {
			err = normalize(err)
		}
		if isRetryable(err) && retries < retryBound {
			retries++
			continue
		}
		return fmt.Errorf("reportreader: pipe read failed after %d retries: %w", retries, err)
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.ErrUnexpectedEOF)
}

func parseAccessLine(fields []string, procs *accessreport.ProcessTable) (accessreport.AccessRecord, error) {
	var rec accessreport.AccessRecord
	const wantFields = 19
	if len(fields) < wantFields {
		return rec, fmt.Errorf("want %d fields, got %d", wantFields, len(fields))
	}

	opVal, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return rec, fmt.Errorf("operation: %w", err)
	}
	rec.Operation = accessreport.Operation(opVal)

	pid, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return rec, fmt.Errorf("pid: %w", err)
	}
	creationNanos, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return rec, fmt.Errorf("creationTime: %w", err)
	}
	idx, ok := procs.IndexOf(accessreport.NewProcess(int32(pid), 0, "", "", time.Unix(0, creationNanos)))
	if ok {
		p, _ := procs.At(idx)
		rec.Process = p
	} else {
		rec.Process = accessreport.NewProcess(int32(pid), 0, "", "", time.Unix(0, creationNanos))
	}

	reqAccess, err := strconv.ParseUint(fields[4], 10, 32)
	if err != nil {
		return rec, fmt.Errorf("requestedAccess: %w", err)
	}
	rec.RequestedAccess = accessreport.RequestedAccess(reqAccess)

	status, err := strconv.ParseUint(fields[5], 10, 8)
	if err != nil {
		return rec, fmt.Errorf("status: %w", err)
	}
	rec.Status = accessreport.FileAccessStatus(status)

	rec.ExplicitlyReported = fields[6] == "1"

	if rec.Error, err = parseUint32(fields[7]); err != nil {
		return rec, fmt.Errorf("error: %w", err)
	}
	if rec.RawError, err = parseUint32(fields[8]); err != nil {
		return rec, fmt.Errorf("rawError: %w", err)
	}
	usn, err := strconv.ParseUint(fields[9], 10, 64)
	if err != nil {
		return rec, fmt.Errorf("usn: %w", err)
	}
	rec.USN = usn

	if rec.DesiredAccess, err = parseUint32(fields[10]); err != nil {
		return rec, fmt.Errorf("desiredAccess: %w", err)
	}
	if rec.ShareMode, err = parseUint32(fields[11]); err != nil {
		return rec, fmt.Errorf("shareMode: %w", err)
	}
	if rec.CreationDisposition, err = parseUint32(fields[12]); err != nil {
		return rec, fmt.Errorf("creationDisposition: %w", err)
	}
	if rec.FlagsAndAttributes, err = parseUint32(fields[13]); err != nil {
		return rec, fmt.Errorf("flagsAndAttributes: %w", err)
	}
	openedAttrs, err := parseUint32(fields[14])
	if err != nil {
		return rec, fmt.Errorf("openedAttributes: %w", err)
	}
	rec.OpenedAttributes = accessreport.OpenedAttributes(openedAttrs)

	manifestPath, err := strconv.ParseInt(fields[15], 10, 32)
	if err != nil {
		return rec, fmt.Errorf("manifestPath: %w", err)
	}
	rec.ManifestPath = accessreport.PathAtom(manifestPath)

	rec.Path = unescapeField(fields[16])
	rec.EnumeratePattern = unescapeField(fields[17])

	method, err := strconv.ParseUint(fields[18], 10, 8)
	if err != nil {
		return rec, fmt.Errorf("statusMethod: %w", err)
	}
	rec.StatusMethod = accessreport.FileAccessStatusMethod(method)

	return rec, nil
}

func parseProcessStartedLine(fields []string) (accessreport.Process, error) {
	const wantFields = 6
	if len(fields) < wantFields {
		return accessreport.Process{}, fmt.Errorf("want %d fields, got %d", wantFields, len(fields))
	}
	pid, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return accessreport.Process{}, fmt.Errorf("pid: %w", err)
	}
	ppid, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return accessreport.Process{}, fmt.Errorf("ppid: %w", err)
	}
	path := unescapeField(fields[3])
	cmdLine := unescapeField(fields[4])
	creationNanos, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return accessreport.Process{}, fmt.Errorf("creationTime: %w", err)
	}
	return accessreport.NewProcess(int32(pid), int32(ppid), path, cmdLine, time.Unix(0, creationNanos)), nil
}

func parseProcessExitedLine(fields []string, procs *accessreport.ProcessTable) (accessreport.Process, error) {
	const wantFields = 6
	if len(fields) < wantFields {
		return accessreport.Process{}, fmt.Errorf("want %d fields, got %d", wantFields, len(fields))
	}
	pid, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return accessreport.Process{}, fmt.Errorf("pid: %w", err)
	}
	exitCode, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return accessreport.Process{}, fmt.Errorf("exitCode: %w", err)
	}
	exitNanos, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return accessreport.Process{}, fmt.Errorf("exitTime: %w", err)
	}
	userNanos, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return accessreport.Process{}, fmt.Errorf("userTime: %w", err)
	}
	kernelNanos, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return accessreport.Process{}, fmt.Errorf("kernelTime: %w", err)
	}

	p := accessreport.Process{PID: int32(pid)}
	if idx, ok := procs.IndexOfPID(int32(pid)); ok {
		if prior, ok := procs.At(uint64(idx)); ok {
			p = prior
		}
	}
	p.ExitCode = int32(exitCode)
	p.ExitTime = time.Unix(0, exitNanos)
	p.UserTime = time.Duration(userNanos)
	p.KernelTime = time.Duration(kernelNanos)
	return p, nil
}

func parseDetouringStatusLine(fields []string) (wireformat.DetouringStatus, error) {
	const wantFields = 17
	var ds wireformat.DetouringStatus
	if len(fields) < wantFields {
		return ds, fmt.Errorf("want %d fields, got %d", wantFields, len(fields))
	}
	pid, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return ds, fmt.Errorf("processId: %w", err)
	}
	ds.ProcessID = pid
	if ds.ReportStatus, err = parseUint32(fields[2]); err != nil {
		return ds, fmt.Errorf("reportStatus: %w", err)
	}
	ds.ProcessName = unescapeField(fields[3])
	ds.StartApplicationName = unescapeField(fields[4])
	ds.StartCommandLine = unescapeField(fields[5])
	ds.NeedsInjection = fields[6] == "1"
	ds.IsCurrent64BitProcess = fields[7] == "1"
	ds.IsCurrentWow64Process = fields[8] == "1"
	ds.IsProcessWow64 = fields[9] == "1"
	ds.NeedsRemoteInjection = fields[10] == "1"
	job, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return ds, fmt.Errorf("job: %w", err)
	}
	ds.Job = job
	ds.DisableDetours = fields[12] == "1"
	if ds.CreationFlags, err = parseUint32(fields[13]); err != nil {
		return ds, fmt.Errorf("creationFlags: %w", err)
	}
	ds.Detoured = fields[14] == "1"
	if ds.Error, err = parseUint32(fields[15]); err != nil {
		return ds, fmt.Errorf("error: %w", err)
	}
	if ds.CreateProcessStatusReturn, err = parseUint32(fields[16]); err != nil {
		return ds, fmt.Errorf("createProcessStatusReturn: %w", err)
	}
	return ds, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

// unescapeField reverses the tab/newline escaping the interposition layer
// applies so path fields can safely share a tab-delimited line.
func unescapeField(s string) string {
	s = strings.ReplaceAll(s, `\t`, "\t")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}
