package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/conclave/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string // optional - lists runs when empty
	Identity string // optional - filter to one participant
	Op       string // optional - filter to one request op
}

// TraceEvent is one audited request in the timeline.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Identity string `json:"identity"`
	Op       string `json:"op"`
	Slot     *int   `json:"slot,omitempty"`
	Outcome  string `json:"outcome"`
	Code     string `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Digest   string `json:"artifact_digest,omitempty"`
}

// RunSummary describes one audited run.
type RunSummary struct {
	ID          string `json:"id"`
	PolicyHash  string `json:"policy_hash"`
	Platform    string `json:"platform"`
	StartedSeq  int64  `json:"started_seq"`
	FinishedSeq *int64 `json:"finished_seq,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run      RunSummary   `json:"run"`
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents int            `json:"total_events"`
	Outcomes    map[string]int `json:"outcomes"`
	Rejections  map[string]int `json:"rejections,omitempty"`
	Identities  int            `json:"identities"`
	IsFinished  bool           `json:"is_finished"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the audit timeline of a run",
		Long: `Show every request an endpoint received during a run and its decision.

The output includes:
- Run: policy hash, platform and how the run ended
- Timeline: requests in audit order with outcome and rejection code
- Stats: counts per outcome and per rejection code

Without --run, lists the runs recorded in the database.

Examples:
  conclave trace --db ./audit.db
  conclave trace --db ./audit.db --run 0190f6c4-...
  conclave trace --db ./audit.db --run 0190f6c4-... --identity bob
  conclave trace --db ./audit.db --run 0190f6c4-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID to trace")
	cmd.Flags().StringVar(&opts.Identity, "identity", "", "filter to one participant")
	cmd.Flags().StringVar(&opts.Op, "op", "", "filter to one request op")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	// store.Open would create a missing database
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if opts.RunID == "" {
		return listRuns(ctx, opts, st, cmd)
	}

	run, err := st.ReadRun(ctx, opts.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return NewExitError(ExitCommandError, fmt.Sprintf("run not found: %s", opts.RunID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read run", err)
	}

	requests, err := st.ReadRequests(ctx, opts.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read requests", err)
	}

	timeline := buildTimeline(requests, opts.Identity, opts.Op)
	result := TraceResult{
		Run:      summarizeRun(run),
		Timeline: timeline,
		Stats:    buildStats(timeline, run),
	}

	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}

	return outputTraceText(cmd, result, opts.Verbose)
}

func listRuns(ctx context.Context, opts *TraceOptions, st *store.Store, cmd *cobra.Command) error {
	runs, err := st.ReadRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read runs", err)
	}
	summaries := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		summaries = append(summaries, summarizeRun(r))
	}

	if opts.Format == "json" {
		return outputTraceJSON(cmd, summaries)
	}

	w := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	for _, r := range summaries {
		fmt.Fprintf(w, "%s  %-8s %-10s policy %s\n", r.ID, r.Platform, runStatus(r), truncateID(r.PolicyHash))
	}
	return nil
}

func summarizeRun(r store.Run) RunSummary {
	return RunSummary{
		ID:          r.ID,
		PolicyHash:  r.PolicyHash,
		Platform:    r.Platform,
		StartedSeq:  r.StartedSeq,
		FinishedSeq: r.FinishedSeq,
		Outcome:     r.Outcome,
	}
}

// buildTimeline converts audited requests to timeline events, keeping
// only those matching the non-empty filters.
func buildTimeline(requests []store.Request, identity, op string) []TraceEvent {
	timeline := []TraceEvent{}
	for _, req := range requests {
		if identity != "" && req.Identity != identity {
			continue
		}
		if op != "" && req.Op != op {
			continue
		}
		timeline = append(timeline, TraceEvent{
			Seq:      req.Seq,
			Identity: req.Identity,
			Op:       req.Op,
			Slot:     req.Slot,
			Outcome:  req.Outcome,
			Code:     req.Code,
			Reason:   req.Reason,
			Digest:   req.ArtifactDigest,
		})
	}
	return timeline
}

func buildStats(timeline []TraceEvent, run store.Run) TraceStats {
	stats := TraceStats{
		TotalEvents: len(timeline),
		Outcomes:    map[string]int{},
		IsFinished:  run.FinishedSeq != nil,
	}
	identities := map[string]bool{}
	for _, e := range timeline {
		stats.Outcomes[e.Outcome]++
		if e.Code != "" {
			if stats.Rejections == nil {
				stats.Rejections = map[string]int{}
			}
			stats.Rejections[e.Code]++
		}
		identities[e.Identity] = true
	}
	stats.Identities = len(identities)
	return stats
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, data any) error {
	response := CLIResponse{
		Status: "ok",
		Data:   data,
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Trace for Run: %s\n", result.Run.ID)
	fmt.Fprintf(w, "Platform: %s\n", result.Run.Platform)
	fmt.Fprintf(w, "Policy: %s\n", result.Run.PolicyHash)
	fmt.Fprintf(w, "Status: %s\n", runStatus(result.Run))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no requests)")
	} else {
		for _, event := range result.Timeline {
			formatTimelineEvent(w, event, verbose)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Requests:   %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Identities: %d\n", result.Stats.Identities)
	fmt.Fprintf(w, "  Outcomes:   %s\n", formatCounts(result.Stats.Outcomes))
	if len(result.Stats.Rejections) > 0 {
		fmt.Fprintf(w, "  Rejections: %s\n", formatCounts(result.Stats.Rejections))
	}

	return nil
}

// formatTimelineEvent formats a single timeline event for text output.
func formatTimelineEvent(w io.Writer, event TraceEvent, verbose bool) {
	line := fmt.Sprintf("  [%d] %-16s %-12s %s", event.Seq, event.Op, event.Identity, event.Outcome)
	if event.Slot != nil {
		line += fmt.Sprintf(" slot=%d", *event.Slot)
	}
	if event.Code != "" {
		line += " " + event.Code
	}
	fmt.Fprintln(w, line)
	if verbose && event.Reason != "" {
		fmt.Fprintf(w, "       Reason: %s\n", event.Reason)
	}
	if verbose && event.Digest != "" {
		fmt.Fprintf(w, "       Digest: %s\n", truncateID(event.Digest))
	}
}

// formatCounts formats counts with sorted keys for deterministic output.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// truncateID truncates a long ID or digest for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}

// runStatus returns a human-readable run status.
func runStatus(r RunSummary) string {
	if r.FinishedSeq == nil {
		return "running"
	}
	return r.Outcome
}
