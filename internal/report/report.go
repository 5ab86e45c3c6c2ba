// Package report writes the RunReport to .firsttry/report.json (overwritten
// each run) and appends a summary line to .firsttry/history.jsonl.
package report

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/firsttry-dev/firsttry/internal/statestore"
	"github.com/firsttry-dev/firsttry/internal/trace"
)

// Writer persists RunReports under repoRoot/.firsttry/.
type Writer struct {
	root string // repoRoot/.firsttry
}

// New returns a Writer rooted at <repoRoot>/.firsttry.
func New(repoRoot string) *Writer {
	return &Writer{root: filepath.Join(repoRoot, ".firsttry")}
}

func (w *Writer) reportPath() string  { return filepath.Join(w.root, "report.json") }
func (w *Writer) historyPath() string { return filepath.Join(w.root, "history.jsonl") }

// historyEntry is one line of history.jsonl: a summary of the run plus a
// stable content hash so two runs with byte-identical reports are
// recognizable as such without a full diff.
type historyEntry struct {
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at"`
	RepoFingerprint string `json:"repo_fingerprint"`
	OverallStatus   string `json:"overall_status"`
	TraceHash       string `json:"trace_hash"`
}

// Write overwrites report.json with report and appends a summary line to
// history.jsonl, hashing the marshaled report bytes directly. Used for runs
// that have no execution trace of their own (the zero-run fast path, and
// the verify-only miss report) — WriteExecution is used otherwise.
func (w *Writer) Write(rep statestore.RunReport) error {
	return w.write(rep, trace.ComputeTraceHash)
}

// WriteExecution is like Write but builds a canonical trace.ExecutionTrace
// from events (recorded by the executor during this run) keyed by
// graphHash, and uses its own deterministic hash instead of hashing the
// report bytes. This gives history.jsonl a trace_hash that reflects what the
// DAG actually did (cache hits, executions, failures, skips), not just the
// report's serialized shape, and is stable across two runs that took
// identical actions even if timestamps differ.
func (w *Writer) WriteExecution(rep statestore.RunReport, events []trace.TraceEvent, graphHash string) error {
	return w.write(rep, func([]byte) string {
		tr := trace.ExecutionTrace{GraphHash: graphHash, Events: events}
		hash, err := tr.Hash()
		if err != nil {
			// Malformed events (e.g. missing TaskID) degrade to hashing the
			// report bytes rather than failing the write.
			data, _ := json.Marshal(rep)
			return trace.ComputeTraceHash(data)
		}
		return hash
	})
}

func (w *Writer) write(rep statestore.RunReport, hashFn func([]byte) string) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return errors.Wrap(err, "mkdir .firsttry")
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal report")
	}
	if err := os.WriteFile(w.reportPath(), data, 0o644); err != nil {
		return errors.Wrap(err, "write report.json")
	}

	entry := historyEntry{
		StartedAt:       rep.StartedAt,
		FinishedAt:      rep.FinishedAt,
		RepoFingerprint: rep.RepoFingerprint,
		OverallStatus:   rep.OverallStatus,
		TraceHash:       hashFn(data),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshal history entry")
	}
	line = append(line, '\n')

	f, err := os.OpenFile(w.historyPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open history.jsonl")
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return errors.Wrap(err, "append history.jsonl")
	}
	return nil
}
