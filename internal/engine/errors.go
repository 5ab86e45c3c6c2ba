package engine

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel kinds for the error taxonomy. Every fatal, plan-time failure wraps
// one of these so a caller can classify an error with errors.Is/errors.As
// without string matching.
var (
	ErrFingerprint      = errors.New("fingerprint error")
	ErrCycle            = errors.New("cycle detected")
	ErrUnknownDep       = errors.New("unknown dependency")
	ErrUnconfiguredTask = errors.New("unconfigured task")
	ErrDuplicateTaskID  = errors.New("duplicate task id")
)

// PlanError wraps a plan-time defect (CycleError, UnknownDepError,
// UnconfiguredTaskError, DuplicateTaskId). It is fatal: the caller gets a
// structured error and no RunReport is produced.
type PlanError struct {
	Kind error
	Msg  string
}

func (e *PlanError) Error() string {
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *PlanError) Unwrap() error { return e.Kind }

// FingerprintError reports that the repository root could not be read
// (typically a permission error). It is fatal and aborts the run before any
// task executes.
type FingerprintError struct {
	Path string
	Err  error
}

func (e *FingerprintError) Error() string {
	return fmt.Sprintf("fingerprint: cannot read %s: %v", e.Path, e.Err)
}

func (e *FingerprintError) Unwrap() error { return ErrFingerprint }

func NewCycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &PlanError{Kind: ErrCycle, Msg: msg}
}

func NewDuplicateTaskIDError(id string) error {
	return &PlanError{Kind: ErrDuplicateTaskID, Msg: fmt.Sprintf("task id %q already present", id)}
}

func NewUnknownDepError(taskID, depID string) error {
	return &PlanError{Kind: ErrUnknownDep, Msg: fmt.Sprintf("task %q depends on unknown task %q", taskID, depID)}
}

func NewUnconfiguredTaskError(id string) error {
	return &PlanError{Kind: ErrUnconfiguredTask, Msg: fmt.Sprintf("task %q has no built-in default and no configured argv", id)}
}

// SpawnError reports that a subprocess could not be started (binary missing,
// permission denied). It is not fatal to the run: the offending TaskResult
// records exit_code 125 and execution continues.
type SpawnError struct {
	TaskID string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.TaskID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports that a task's subprocess exceeded timeout_s. Not
// fatal; the TaskResult records exit_code 124 and is never cached.
type TimeoutError struct {
	TaskID  string
	Seconds int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded timeout of %ds", e.TaskID, e.Seconds)
}

// CacheIOError reports a local cache read/write failure. Non-fatal: the
// engine behaves as if the cache entry were absent on read, and drops the
// write with a logged warning.
type CacheIOError struct {
	Op  string
	Err error
}

func (e *CacheIOError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheIOError) Unwrap() error { return e.Err }

// RemoteBackendError reports a remote cache backend failure (timeout, auth,
// network). Non-fatal: treated as a miss on get, a dropped write on put.
type RemoteBackendError struct {
	Op  string
	Err error
}

func (e *RemoteBackendError) Error() string {
	return fmt.Sprintf("remote cache %s: %v", e.Op, e.Err)
}

func (e *RemoteBackendError) Unwrap() error { return e.Err }
