package detour

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pipsandbox/supervisor/pkg/accessreport"
	"github.com/pipsandbox/supervisor/pkg/dumper"
	"github.com/pipsandbox/supervisor/pkg/jobcontainer"
	"github.com/pipsandbox/supervisor/pkg/reportreader"
)

// TimeoutExitCode is the distinguished sentinel exit code a detoured
// process reports when the timeout branch fires (spec §4.F step 1,
// §4.H).
const TimeoutExitCode = -2

type stateTag int32

const (
	stateUnstarted stateTag = iota
	stateStarting
	stateRunning
	stateExitObserved
	stateDraining
	stateCompleted
	stateFailed
)

// Process is the detoured child: its pipes, job container, report reader,
// and the completion state machine that drains all three before declaring
// the run finished. Adapted from the teacher's processmgr.process —
// start-once/readiness-channel/supervise-via-pipe-race/idempotent-close
// shape kept, generalized from a long-lived supervised daemon into a
// one-shot sandboxed child with a timeout-dump-kill branch the teacher
// never needed.
type Process struct {
	log  *zap.Logger
	info LaunchInfo

	cmd           *exec.Cmd
	container     *jobcontainer.JobContainer
	ownsContainer bool
	reportReader  *reportreader.Reader
	reportPipeR   *os.File
	reportPipeW   *os.File

	stdoutPipeR, stdoutPipeW *os.File
	stderrPipeR, stderrPipeW *os.File

	stdinFile io.WriteCloser
	stdinBuf  *bufio.Writer
	stdinMu   sync.Mutex

	procExitingHook func()
	procExitedHook  func()

	startCalled atomic.Bool
	state       atomic.Int32

	killed       atomic.Bool
	killExitCode atomic.Int32

	timedOut atomic.Bool
	suspend  SuspendAccounting

	dumpMu  sync.Mutex
	dumpErr error

	pid      atomic.Int32
	exitCode atomic.Int32
	exited   atomic.Bool
	done     chan struct{}

	// drain fans in the stdout, stderr, and report-pipe copy goroutines;
	// superviseExit waits on it before freezing the report reader.
	drain errgroup.Group
}

// New constructs a detoured process ready to Start. procExiting runs after
// the exit wait fires and is expected to trigger cleanup of the child tree
// (spec §4.F step 3); procExited runs last, for final result assembly.
// Either may be nil.
func New(info LaunchInfo, log *zap.Logger, procExiting, procExited func()) (*Process, error) {
	if err := validateLaunchInfo(info); err != nil {
		return nil, err
	}
	log = log.Named("detour")

	cmd := exec.Command(info.Argv[0], info.Argv[1:]...)
	cmd.Dir = info.WorkingDirectory
	cmd.Env = envSlice(info.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	p := &Process{
		log:             log,
		info:            info,
		cmd:             cmd,
		procExitingHook: procExiting,
		procExitedHook:  procExited,
		done:            make(chan struct{}),
	}

	// When a callback is supplied, stdio is wired through an os.Pipe whose
	// read end p.drain copies from directly, rather than handing cmd.Stdout
	// an arbitrary io.Writer and letting exec.Cmd spawn its own hidden copy
	// goroutine — keeping every drain goroutine under the same fan-in.
	if info.StdoutCallback != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, &SpawnError{Kind: SpawnFailureInternal, Err: fmt.Errorf("stdout pipe: %w", err)}
		}
		p.stdoutPipeR, p.stdoutPipeW = r, w
		cmd.Stdout = w
	} else {
		cmd.Stdout = os.Stdout
	}
	if info.StderrCallback != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, &SpawnError{Kind: SpawnFailureInternal, Err: fmt.Errorf("stderr pipe: %w", err)}
		}
		p.stderrPipeR, p.stderrPipeW = r, w
		cmd.Stderr = w
	} else {
		cmd.Stderr = os.Stderr
	}

	if info.RedirectStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, &SpawnError{Kind: SpawnFailureInternal, Err: fmt.Errorf("stdin pipe: %w", err)}
		}
		p.stdinFile = stdin
		p.stdinBuf = bufio.NewWriter(stdin)
	} else {
		cmd.Stdin = os.Stdin
	}

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Kind: SpawnFailureInternal, Err: fmt.Errorf("report pipe: %w", err)}
	}
	p.reportPipeR, p.reportPipeW = reportR, reportW
	cmd.ExtraFiles = []*os.File{reportW}

	if info.Container != nil {
		p.container = info.Container
		p.ownsContainer = false
	} else {
		c, err := jobcontainer.New(jobcontainer.Options{TerminateOnClose: true}, log)
		if err != nil {
			return nil, &SpawnError{Kind: SpawnFailureInternal, Err: fmt.Errorf("create job container: %w", err)}
		}
		p.container = c
		p.ownsContainer = true
	}

	p.reportReader = reportreader.New(accessreport.NewProcessTable(), reportreader.AllowListed(info.AllowListed), log)

	return p, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Start launches the child exactly once (P8). A second concurrent call
// fails with ErrAlreadyStarted without spawning a second process.
func (p *Process) Start(ctx context.Context) error {
	if !p.startCalled.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %w", ErrPrecondition, ErrAlreadyStarted)
	}
	p.state.Store(int32(stateStarting))

	if err := p.cmd.Start(); err != nil {
		p.state.Store(int32(stateFailed))
		_ = p.reportPipeR.Close()
		_ = p.reportPipeW.Close()
		return &SpawnError{Kind: SpawnFailureCreationFailed, Err: err}
	}

	pid := p.cmd.Process.Pid
	p.pid.Store(int32(pid))
	// Parent-side copies of the fds the child inherited a dup of; the
	// child's dups keep each pipe open until it exits.
	_ = p.reportPipeW.Close()
	if p.stdoutPipeW != nil {
		_ = p.stdoutPipeW.Close()
	}
	if p.stderrPipeW != nil {
		_ = p.stderrPipeW.Close()
	}

	if err := p.container.Assign(pid); err != nil {
		p.log.Error("job-assignment failed", zap.Error(err), zap.Int("pid", pid))
		_ = p.cmd.Process.Kill()
		p.state.Store(int32(stateFailed))
		return &SpawnError{Kind: SpawnFailureJobAssignmentFailed, Err: err}
	}

	p.drain.Go(func() error {
		defer p.reportPipeR.Close()
		return p.reportReader.Drain(ctx, p.reportPipeR, reportreader.DefaultRetryBound, nil)
	})
	if p.stdoutPipeR != nil {
		p.drain.Go(func() error {
			defer p.stdoutPipeR.Close()
			_, err := io.Copy(p.info.StdoutCallback, p.stdoutPipeR)
			return err
		})
	}
	if p.stderrPipeR != nil {
		p.drain.Go(func() error {
			defer p.stderrPipeR.Close()
			_, err := io.Copy(p.info.StderrCallback, p.stderrPipeR)
			return err
		})
	}

	p.state.Store(int32(stateRunning))
	go p.superviseExit(ctx)

	return nil
}

// superviseExit implements the completion-callback state machine of spec
// §4.F: wait for exit or timeout, crediting suspension time on every
// timer fire, then deregister, run the exiting hook, drain, freeze the
// report reader, and run the exited hook.
func (p *Process) superviseExit(ctx context.Context) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- p.cmd.Wait() }()

	var timer *time.Timer
	if p.info.Timeout > 0 {
		timer = time.NewTimer(p.info.Timeout)
		defer timer.Stop()
	}

	var finalErr error
	for {
		var timeoutCh <-chan time.Time
		if timer != nil {
			timeoutCh = timer.C
		}
		select {
		case err := <-waitErr:
			finalErr = err
			goto observed

		case <-timeoutCh:
			if credit := p.suspend.CreditAndReset(); credit > 0 {
				timer.Reset(credit)
				continue
			}
			p.timedOut.Store(true)
			if p.info.DumpDirectory != "" {
				if pid, ok := p.PID(); ok {
					_, dumpErr := dumper.TryDumpTree(ctx, pid, p.info.DumpDirectory, 0, nil, p.container, false)
					p.recordDumpErr(dumpErr)
				}
			}
			p.killInternal(TimeoutExitCode)
			finalErr = <-waitErr
			goto observed
		}
	}

observed:
	p.state.Store(int32(stateExitObserved))
	p.exitCode.Store(extractExitCode(finalErr, p.timedOut.Load()))
	p.exited.Store(true)

	if p.procExitingHook != nil {
		p.procExitingHook()
	}

	p.state.Store(int32(stateDraining))
	if err := p.drain.Wait(); err != nil {
		p.log.Warn("drain fan-in reported an error", zap.Error(err))
	}
	if p.stdinBuf != nil {
		_ = p.CloseStdin()
	}
	p.reportReader.Freeze()

	if p.ownsContainer {
		if err := p.container.Dispose(); err != nil {
			p.log.Warn("job container dispose failed", zap.Error(err))
		}
	}

	if p.procExitedHook != nil {
		p.procExitedHook()
	}
	p.state.Store(int32(stateCompleted))
	close(p.done)
}

func extractExitCode(waitErr error, timedOut bool) int32 {
	if timedOut {
		return TimeoutExitCode
	}
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
	return -1
}

func (p *Process) recordDumpErr(err error) {
	p.dumpMu.Lock()
	defer p.dumpMu.Unlock()
	if p.dumpErr == nil {
		p.dumpErr = err
	}
}

// Kill is the public cancellation path: idempotent via a monotonic flag
// (P3), does not dump, notifies the process and the job container
// best-effort. Calling it before Start is a precondition violation.
func (p *Process) Kill(exitCode int) error {
	if !p.HasStarted() {
		return fmt.Errorf("%w: %w", ErrPrecondition, ErrNotStarted)
	}
	return p.killInternal(exitCode)
}

func (p *Process) killInternal(exitCode int) error {
	if !p.killed.CompareAndSwap(false, true) {
		return nil
	}
	p.killExitCode.Store(int32(exitCode))

	if pid, ok := p.PID(); ok {
		if err := syscall.Kill(int(pid), syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			p.log.Debug("sigterm to primary process failed (may have already exited)", zap.Error(err))
		}
	}
	if err := p.container.Terminate(exitCode); err != nil && !errors.Is(err, jobcontainer.ErrDisposed) {
		p.log.Warn("job container terminate failed", zap.Error(err))
	}
	return nil
}

// WriteStdinLine writes s followed by a newline to the child's stdin and
// flushes immediately. Flushing is always explicit: an unconditional
// auto-flush at construction time would attempt a zero-length write on
// the pipe, which some runtimes reject once the child has closed its
// read end.
func (p *Process) WriteStdinLine(s string) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdinBuf == nil {
		return fmt.Errorf("detour: stdin is not redirected")
	}
	if _, err := p.stdinBuf.WriteString(s + "\n"); err != nil {
		return err
	}
	return p.stdinBuf.Flush()
}

// CloseStdin closes the child's stdin, signalling EOF.
func (p *Process) CloseStdin() error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	return p.closeStdinLocked()
}

func (p *Process) closeStdinLocked() error {
	if p.stdinFile == nil {
		return nil
	}
	err := p.stdinFile.Close()
	p.stdinFile = nil
	return err
}

func (p *Process) PID() (int32, bool) {
	v := p.pid.Load()
	return v, v != 0
}

func (p *Process) HasStarted() bool { return p.startCalled.Load() }
func (p *Process) HasExited() bool  { return p.exited.Load() }

func (p *Process) ExitCode() (int32, bool) {
	if !p.exited.Load() {
		return 0, false
	}
	return p.exitCode.Load(), true
}

func (p *Process) TimedOut() bool { return p.timedOut.Load() }
func (p *Process) Killed() bool   { return p.killed.Load() }

func (p *Process) HasDetoursFailures() bool { return p.reportReader.HasDetoursFailures() }

func (p *Process) DumpFileDirectory() string {
	if !p.timedOut.Load() {
		return ""
	}
	return p.info.DumpDirectory
}

func (p *Process) DumpCreationError() error {
	p.dumpMu.Lock()
	defer p.dumpMu.Unlock()
	return p.dumpErr
}

// ReportReader exposes the underlying report reader so a supervisor can
// assemble a result record from its collections once Done fires.
func (p *Process) ReportReader() *reportreader.Reader { return p.reportReader }

// JobContainer exposes the underlying container for accounting queries.
func (p *Process) JobContainer() *jobcontainer.JobContainer { return p.container }

// Done is closed once the completion state machine has fully drained and
// frozen the run.
func (p *Process) Done() <-chan struct{} { return p.done }
