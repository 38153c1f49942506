package sandbox

import (
	"time"

	"github.com/pipsandbox/supervisor/pkg/accessreport"
	"github.com/pipsandbox/supervisor/pkg/jobcontainer"
	"github.com/pipsandbox/supervisor/pkg/wireformat"
)

// Result is the full record of a finished run, spec §4.H. FileAccesses is
// nil unless the caller asked for full collection (Options.CollectFileAccesses);
// on the sandboxed path every other collection is filled from the report
// reader and job container. The unsandboxed path fills only ExitCode,
// TimedOut and the standard streams.
type Result struct {
	ExitCode int32
	TimedOut bool
	Killed   bool

	HasDetoursInjectionFailures bool

	PrimaryProcessUserTime   time.Duration
	PrimaryProcessKernelTime time.Duration
	JobAccounting            jobcontainer.Accounting

	StandardOutput []byte
	StandardError  []byte

	HasReadWriteToRead              bool
	FileUnexpectedAccesses          []accessreport.AccessRecord
	FileAccesses                    []accessreport.AccessRecord
	ExplicitlyReportedFileAccesses  []accessreport.AccessRecord
	DetoursStatuses                 []wireformat.DetouringStatus
	Processes                       []accessreport.Process
	SurvivingChildProcesses         []int32

	MessageProcessingFailure error
	DumpCreationError        error
	DumpFileDirectory        string
}
