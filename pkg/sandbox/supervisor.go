// Package sandbox is the top-level façade: Options in, a single Supervisor
// that runs either a fully detoured-and-sandboxed pip or a lightweight
// unsandboxed one, Result out (spec components G/H).
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipsandbox/supervisor/pkg/accessreport"
	"github.com/pipsandbox/supervisor/pkg/detour"
	"github.com/pipsandbox/supervisor/pkg/jobcontainer"
)

// Options is the input to Start, spanning both the sandboxed and
// unsandboxed paths. Sandboxed governs which fields the Supervisor honors:
// the unsandboxed path never creates a job container or report reader
// (spec §4.G — "a thin wrapper, no detouring, no job object").
type Options struct {
	Argv             []string
	WorkingDirectory string
	Env              map[string]string
	RedirectStdin    bool
	Timeout          time.Duration
	DumpDirectory    string

	Sandboxed           bool
	CollectFileAccesses bool
	AllowListed         func(accessreport.AccessRecord) bool

	// AccountingPool bounds how many concurrent job-container accounting
	// queries this run's final snapshot competes with. Typically a
	// Registry's shared pool (Registry.AccountingPool); nil falls back to
	// a small package-level pool so a Supervisor built outside a Registry
	// (as in a unit test) still routes through SampledAccounting.
	AccountingPool *jobcontainer.SamplerPool
}

// fallbackAccountingPool backs Options.AccountingPool when the caller
// doesn't supply one.
var fallbackAccountingPool = jobcontainer.NewSamplerPool(4)

// Supervisor runs one pip to completion and exposes its Result. The same
// type serves both the sandboxed and unsandboxed paths — spec §9 calls for
// dynamic dispatch over a small shared capability set rather than two
// parallel type hierarchies, so the split lives in which internal fields
// are non-nil, not in an interface.
type Supervisor struct {
	log   *zap.Logger
	runID uuid.UUID
	opts  Options

	// sandboxed path
	proc *detour.Process

	// unsandboxed path
	cmd    *exec.Cmd
	stdout *bytes.Buffer
	stderr *bytes.Buffer

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	result   Result
	startErr error
}

// New constructs a Supervisor for one run. runID identifies it for the
// deadline registry and diagnostics archive.
func New(runID uuid.UUID, opts Options, log *zap.Logger) *Supervisor {
	return &Supervisor{
		log:   log.Named("sandbox").With(zap.String("run_id", runID.String())),
		runID: runID,
		opts:  opts,
		done:  make(chan struct{}),
	}
}

// RunID returns the identity this Supervisor was constructed with.
func (s *Supervisor) RunID() uuid.UUID { return s.runID }

// Start launches the pip. At-most-once, same as the detoured process it may
// wrap (P8).
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("sandbox: %w: %w", detour.ErrPrecondition, detour.ErrAlreadyStarted)
	}
	s.started = true
	s.mu.Unlock()

	if s.opts.Sandboxed {
		return s.startSandboxed(ctx)
	}
	return s.startUnsandboxed(ctx)
}

func (s *Supervisor) startSandboxed(ctx context.Context) error {
	container, err := jobcontainer.New(jobcontainer.Options{TerminateOnClose: true}, s.log)
	if err != nil {
		return fmt.Errorf("sandbox: create job container: %w", err)
	}

	var stdout, stderr bytes.Buffer
	s.stdout, s.stderr = &stdout, &stderr

	info := detour.LaunchInfo{
		Argv:             s.opts.Argv,
		WorkingDirectory: s.opts.WorkingDirectory,
		Env:              s.opts.Env,
		StdoutCallback:   &stdout,
		StderrCallback:   &stderr,
		RedirectStdin:    s.opts.RedirectStdin,
		Timeout:          s.opts.Timeout,
		Container:        container,
		DumpDirectory:    s.opts.DumpDirectory,
		AllowListed:      s.opts.AllowListed,
	}

	proc, err := detour.New(info, s.log, nil, func() { s.finishSandboxed() })
	if err != nil {
		return err
	}
	s.proc = proc
	if err := proc.Start(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Supervisor) finishSandboxed() {
	reader := s.proc.ReportReader()
	exitCode, _ := s.proc.ExitCode()

	pool := s.opts.AccountingPool
	if pool == nil {
		pool = fallbackAccountingPool
	}
	accounting, acctErr := s.proc.JobContainer().SampledAccounting(pool, s.runID.String())

	var primaryUser, primaryKernel time.Duration
	pid, _ := s.proc.PID()
	for _, p := range reader.Processes() {
		if p.PID == pid {
			primaryUser, primaryKernel = p.UserTime, p.KernelTime
			break
		}
	}

	var surviving []int32
	if pids, err := s.proc.JobContainer().EnumeratePIDs(); err == nil {
		surviving = pids
	}

	result := Result{
		ExitCode:                    exitCode,
		TimedOut:                    s.proc.TimedOut(),
		Killed:                      s.proc.Killed(),
		HasDetoursInjectionFailures: s.proc.HasDetoursFailures(),
		PrimaryProcessUserTime:      primaryUser,
		PrimaryProcessKernelTime:    primaryKernel,
		JobAccounting:               accounting,
		StandardOutput:              s.stdout.Bytes(),
		StandardError:               s.stderr.Bytes(),
		HasReadWriteToRead:          reader.HasReadWriteToRead(),
		FileUnexpectedAccesses:      reader.FileUnexpectedAccesses(),
		ExplicitlyReportedFileAccesses: reader.ExplicitlyReportedFileAccesses(),
		DetoursStatuses:             reader.ProcessDetoursStatuses(),
		Processes:                   reader.Processes(),
		SurvivingChildProcesses:     surviving,
		DumpCreationError:           s.proc.DumpCreationError(),
		DumpFileDirectory:           s.proc.DumpFileDirectory(),
	}
	if s.opts.CollectFileAccesses {
		result.FileAccesses = reader.FileAccesses()
	}
	if acctErr != nil && !errors.Is(acctErr, jobcontainer.ErrDisposed) {
		result.MessageProcessingFailure = fmt.Errorf("sandbox: final accounting snapshot: %w", acctErr)
	}

	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
	close(s.done)
}

// startUnsandboxed runs the pip with no job container, no report reader, no
// detours — spec §4.G's lighter path, used when the caller trusts the pip
// and only wants exit code and output capture.
func (s *Supervisor) startUnsandboxed(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.opts.Argv[0], s.opts.Argv[1:]...)
	cmd.Dir = s.opts.WorkingDirectory
	cmd.Env = envSlice(s.opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	s.cmd, s.stdout, s.stderr = cmd, &stdout, &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("sandbox: start unsandboxed pip: %w", err)
	}

	go func() {
		waitErr := cmd.Wait()
		exitCode := extractUnsandboxedExitCode(waitErr, ctx.Err() != nil)

		s.mu.Lock()
		s.result = Result{
			ExitCode:       exitCode,
			TimedOut:       errors.Is(ctx.Err(), context.DeadlineExceeded),
			StandardOutput: stdout.Bytes(),
			StandardError:  stderr.Bytes(),
		}
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

func extractUnsandboxedExitCode(waitErr error, cancelled bool) int32 {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return int32(128 + int(status.Signal()))
			}
			return int32(status.ExitStatus())
		}
	}
	if cancelled {
		return detour.TimeoutExitCode
	}
	return -1
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Kill cancels the run. Idempotent.
func (s *Supervisor) Kill(exitCode int) error {
	if s.opts.Sandboxed {
		if s.proc == nil {
			return fmt.Errorf("sandbox: %w: %w", detour.ErrPrecondition, detour.ErrNotStarted)
		}
		return s.proc.Kill(exitCode)
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return fmt.Errorf("sandbox: %w: %w", detour.ErrPrecondition, detour.ErrNotStarted)
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// PID returns the primary process id, if the run has started.
func (s *Supervisor) PID() (int32, bool) {
	if s.opts.Sandboxed {
		if s.proc == nil {
			return 0, false
		}
		return s.proc.PID()
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return 0, false
	}
	return int32(s.cmd.Process.Pid), true
}

// Done is closed once GetResult would return the final record.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// GetResult blocks until the run has finished, then returns its Result.
func (s *Supervisor) GetResult(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

// GetAccessedName resolves idx against the run's process table. It exists
// so a diagnostics handler can render a human path for a process-index
// reference in a serialized access record without re-deserializing the
// whole run (spec §4.H "GetAccessedName").
func (s *Supervisor) GetAccessedName(idx uint64) (string, bool) {
	if !s.opts.Sandboxed || s.proc == nil {
		return "", false
	}
	for _, p := range s.proc.ReportReader().Processes() {
		if uint64(p.PID) == idx {
			return p.Path, true
		}
	}
	return "", false
}
