package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/michaelbrown/crucible/internal/executor"
)

// ErrNotFound is returned when no execution matches an ID or prefix.
var ErrNotFound = errors.New("execution not found")

// Execution is one recorded submission and its outcome.
type Execution struct {
	ID            string         `json:"id" yaml:"id"`
	Client        string         `json:"client" yaml:"client"`
	SourceHash    string         `json:"source_hash" yaml:"source_hash"`
	Source        string         `json:"source" yaml:"source"`
	Stage         executor.Stage `json:"stage" yaml:"stage"`
	Success       bool           `json:"success" yaml:"success"`
	ExitCode      int            `json:"exit_code" yaml:"exit_code"`
	ExecutionTime time.Duration  `json:"execution_time" yaml:"execution_time"`
	TimedOut      bool           `json:"timed_out" yaml:"timed_out"`
	Truncated     bool           `json:"truncated" yaml:"truncated"`
	Error         string         `json:"error,omitempty" yaml:"error,omitempty"`
	Stdout        string         `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr        string         `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	CreatedAt     time.Time      `json:"created_at" yaml:"created_at"`
}

// NewExecution builds a record for a finished submission.
func NewExecution(id, client, source string, res executor.Result) *Execution {
	sum := sha256.Sum256([]byte(source))
	return &Execution{
		ID:            id,
		Client:        client,
		SourceHash:    hex.EncodeToString(sum[:]),
		Source:        source,
		Stage:         res.Stage,
		Success:       res.Success,
		ExitCode:      res.ExitCode,
		ExecutionTime: res.ExecutionTime,
		TimedOut:      res.TimedOut,
		Truncated:     res.Truncated,
		Error:         res.Error,
		Stdout:        res.Stdout,
		Stderr:        res.Stderr,
	}
}

// Result converts the record back to the pipeline result shape.
func (e *Execution) Result() executor.Result {
	return executor.Result{
		Success:       e.Success,
		Stage:         e.Stage,
		Stdout:        e.Stdout,
		Stderr:        e.Stderr,
		ExitCode:      e.ExitCode,
		ExecutionTime: e.ExecutionTime,
		Error:         e.Error,
		TimedOut:      e.TimedOut,
		Truncated:     e.Truncated,
	}
}

// ListOptions controls filtering and pagination for ListExecutions.
type ListOptions struct {
	Stage  executor.Stage
	Client string
	Limit  int
	Offset int
}

// Store is the persistence interface for execution history.
type Store interface {
	// RecordExecution inserts a finished execution. The ID field must be set by the caller.
	RecordExecution(ctx context.Context, e *Execution) error

	// GetExecution returns an execution by ID or unique ID prefix.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// HasExecution reports whether an execution with exactly this ID exists.
	HasExecution(ctx context.Context, id string) (bool, error)

	// ListExecutions returns executions ordered by created_at descending.
	ListExecutions(ctx context.Context, opts ListOptions) ([]Execution, error)

	// DeleteExecution removes an execution by ID or unique ID prefix.
	DeleteExecution(ctx context.Context, id string) error

	// CountViolations counts validation rejections for client since the given time.
	CountViolations(ctx context.Context, client string, since time.Time) (int, error)

	Close() error
}
