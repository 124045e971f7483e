package executor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stage names the pipeline step a submission ended in.
type Stage string

const (
	StageValidation  Stage = "validation"
	StageCompilation Stage = "compilation"
	StageExecution   Stage = "execution"
)

// StageError is a pipeline failure tagged with the stage that produced it.
type StageError struct {
	Stage Stage
	Msg   string
	Err   error
}

func (e *StageError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s failed", e.Stage)
}

func (e *StageError) Unwrap() error { return e.Err }

// Result is the outcome of one submission. Stdout, Stderr, ExitCode and
// ExecutionTime are only meaningful when Stage is StageExecution.
type Result struct {
	Success       bool
	Stage         Stage
	Stdout        string
	Stderr        string
	ExitCode      int
	ExecutionTime time.Duration
	Error         string
	TimedOut      bool
	Truncated     bool

	// Err is the tagged failure behind Error. It is never serialized.
	Err *StageError
}

type resultJSON struct {
	Success       bool     `json:"success"`
	Stdout        *string  `json:"stdout,omitempty"`
	Stderr        *string  `json:"stderr,omitempty"`
	ExitCode      *int     `json:"exit_code,omitempty"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
	Error         string   `json:"error,omitempty"`
	Stage         Stage    `json:"stage"`
}

// MarshalJSON emits the uniform result shape: output fields only for the
// execution stage, error only when set.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Success: r.Success,
		Error:   r.Error,
		Stage:   r.Stage,
	}
	if r.Stage == StageExecution {
		secs := r.ExecutionTime.Seconds()
		out.Stdout = &r.Stdout
		out.Stderr = &r.Stderr
		out.ExitCode = &r.ExitCode
		out.ExecutionTime = &secs
	}
	return json.Marshal(out)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Result{Success: in.Success, Stage: in.Stage, Error: in.Error}
	if in.Stdout != nil {
		r.Stdout = *in.Stdout
	}
	if in.Stderr != nil {
		r.Stderr = *in.Stderr
	}
	if in.ExitCode != nil {
		r.ExitCode = *in.ExitCode
	}
	if in.ExecutionTime != nil {
		r.ExecutionTime = time.Duration(*in.ExecutionTime * float64(time.Second))
	}
	return nil
}

// Public returns r as it may be shown to a submitter. Validation and
// compilation messages are kept verbatim. Execution-stage errors (timeouts,
// infrastructure failures) can carry host paths or daemon output and are
// replaced by a generic message.
func (r Result) Public() Result {
	if r.Stage != StageExecution || r.Error == "" {
		return r
	}
	r.Error = PublicExecutionError(r.TimedOut)
	return r
}

// PublicExecutionError is the message shown for a failed execution stage.
func PublicExecutionError(timedOut bool) string {
	if timedOut {
		return "execution timed out"
	}
	return "execution failed"
}

// failure flattens a stage error. An execution-stage failure means the
// program's own exit status is unknown, so it reports -1 like a timeout.
func failure(err *StageError) Result {
	res := Result{Stage: err.Stage, Error: err.Error(), Err: err}
	if err.Stage == StageExecution {
		res.ExitCode = -1
	}
	return res
}
