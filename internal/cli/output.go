package cli

import (
	"encoding/json"
	"errors"
	"io"
	"text/tabwriter"

	"example.com/fpdemo/internal/apperr"
)

// Process exit statuses.
const (
	ExitOK      = 0
	ExitFailure = 1 // the store answered, but refused (not found, conflict)
	ExitSetup   = 2 // bad flags, unreachable database, unreadable config
)

// CommandError is a failed fpctl command and the exit status it maps to.
type CommandError struct {
	Status int
	Op     string
	// Reason is the stable service error code, when the store refused.
	Reason string
	Err    error
}

func (e *CommandError) Error() string {
	msg := e.Op
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

func setupError(op string, err error) *CommandError {
	return &CommandError{Status: ExitSetup, Op: op, Err: err}
}

func failure(op string, err error) *CommandError {
	return &CommandError{Status: ExitFailure, Op: op, Err: err}
}

// serviceError maps a service error: refusals keep their code and exit with
// ExitFailure, storage faults are setup errors.
func serviceError(op string, err error) *CommandError {
	if e, ok := apperr.As(err); ok && e.Kind != apperr.KindStorage {
		return &CommandError{Status: ExitFailure, Op: op + ": " + e.Message, Reason: e.Code}
	}
	return setupError(op, err)
}

// ExitCode returns the process exit status for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Status
	}
	return ExitFailure
}

// OutputFormatter renders command results as JSON or aligned text.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Emit writes data as indented JSON, or calls text with a tabwriter that is
// flushed afterwards.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}
