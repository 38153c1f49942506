package reportstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pipsandbox/supervisor/pkg/sandbox"
)

// ErrRunNotFound is returned when a run id has no archived summary.
var ErrRunNotFound = errors.New("reportstore: run not found")

// runTTL bounds how long a finished run's summary stays queryable before
// Redis reclaims it.
const runTTL = 24 * time.Hour

// Summary is the archived, JSON-serializable projection of a sandbox.Result
// — the fields a diagnostics client actually wants, without re-shipping
// full access-record blobs through Redis on every query.
type Summary struct {
	RunID                   uuid.UUID `json:"run_id"`
	ArchivedAt              time.Time `json:"archived_at"`
	ExitCode                int32     `json:"exit_code"`
	TimedOut                bool      `json:"timed_out"`
	Killed                  bool      `json:"killed"`
	HasDetoursFailures      bool      `json:"has_detours_failures"`
	UnexpectedAccessCount   int       `json:"unexpected_access_count"`
	TotalAccessCount        int       `json:"total_access_count"`
	ProcessCount            int       `json:"process_count"`
	SurvivingChildProcesses []int32   `json:"surviving_child_processes"`
	DumpFileDirectory       string    `json:"dump_file_directory,omitempty"`
}

func summaryFromResult(runID uuid.UUID, r sandbox.Result) Summary {
	return Summary{
		RunID:                   runID,
		ArchivedAt:              time.Now(),
		ExitCode:                r.ExitCode,
		TimedOut:                r.TimedOut,
		Killed:                  r.Killed,
		HasDetoursFailures:      r.HasDetoursInjectionFailures,
		UnexpectedAccessCount:   len(r.FileUnexpectedAccesses),
		TotalAccessCount:        len(r.FileAccesses),
		ProcessCount:            len(r.Processes),
		SurvivingChildProcesses: r.SurvivingChildProcesses,
		DumpFileDirectory:       r.DumpFileDirectory,
	}
}

func runKey(runID uuid.UUID) string {
	return "pipsup:run:" + runID.String()
}

// Archive stores a run's summary, keyed by its run id, with a bounded TTL.
func Archive(ctx context.Context, c *Client, runID uuid.UUID, result sandbox.Result) error {
	summary := summaryFromResult(runID, result)
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("reportstore: marshal summary: %w", err)
	}
	if err := c.Set(ctx, runKey(runID), data, runTTL).Err(); err != nil {
		return fmt.Errorf("reportstore: archive run %s: %w", runID, err)
	}
	return nil
}

// Fetch retrieves a previously archived summary.
func Fetch(ctx context.Context, c *Client, runID uuid.UUID) (Summary, error) {
	data, err := c.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Summary{}, ErrRunNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("reportstore: fetch run %s: %w", runID, err)
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return Summary{}, fmt.Errorf("reportstore: unmarshal summary: %w", err)
	}
	return summary, nil
}
