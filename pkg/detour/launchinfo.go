// Package detour implements the detoured-process state machine: it launches
// a child under the job container, wires its stdio and report pipe, enforces
// a timeout (crediting any time the tree spent suspended), and drains
// everything to completion (spec component F).
package detour

import (
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pipsandbox/supervisor/pkg/accessreport"
	"github.com/pipsandbox/supervisor/pkg/jobcontainer"
)

// maxCommandLineLength is the Linux command-line length cap named in
// spec §6; exceeding it is a precondition violation, not a runtime error.
const maxCommandLineLength = 2_097_152

var validate = validator.New()

// LaunchInfo is the full set of inputs to Start a detoured process.
type LaunchInfo struct {
	Argv             []string `validate:"required,min=1"`
	WorkingDirectory string
	Env              map[string]string

	// StdoutCallback/StderrCallback, when non-nil, receive the child's
	// stdout/stderr as it streams; when nil the child inherits the
	// parent's corresponding stream, per spec §4.F's pipe-wiring rule.
	StdoutCallback io.Writer
	StderrCallback io.Writer

	// RedirectStdin, when true, wires a pipe the parent can write to via
	// Process.WriteStdinLine; when false the child inherits the parent's
	// stdin (os.Stdin).
	RedirectStdin bool

	// Timeout, if non-zero, bounds how long the child may run before the
	// timeout branch of the completion state machine fires.
	Timeout time.Duration

	// Container, if non-nil, is a pre-created job container the caller
	// owns; if nil, Process creates and owns one.
	Container *jobcontainer.JobContainer

	// DumpDirectory is where a best-effort tree dump is written if the
	// child times out. Empty disables dumping.
	DumpDirectory string

	// AllowListed classifies a denied access as policy-exempt, forwarded
	// to the report reader (spec §4.C).
	AllowListed func(accessreport.AccessRecord) bool
}

// commandLine renders Argv the way a shell would display it, purely for
// the length precondition check and diagnostics; the actual spawn uses
// exec.Cmd's argv vector directly and never goes through a shell.
func (li LaunchInfo) commandLine() string {
	s := ""
	for i, a := range li.Argv {
		if i > 0 {
			s += " "
		}
		s += a
	}
	return s
}

// validateLaunchInfo applies struct-tag validation and the platform
// command-line-length precondition.
func validateLaunchInfo(li LaunchInfo) error {
	if err := validate.Struct(li); err != nil {
		return fmt.Errorf("%w: invalid launch info: %w", ErrPrecondition, err)
	}
	if n := len(li.commandLine()); n > maxCommandLineLength {
		return fmt.Errorf("%w: command line is %d characters, limit is %d", ErrPrecondition, n, maxCommandLineLength)
	}
	return nil
}
