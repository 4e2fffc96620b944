package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/endeavourhealth/transforms/internal/core"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Run closed cleanly
	ExitFailure      = 1 // Run finished Failed (record failures, schema mismatch, ...)
	ExitCommandError = 2 // Bad flags, unknown source, store unreachable
)

// ExitError carries the process exit code for a command error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as JSON or text.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// Response is the JSON envelope of every command's output.
type Response struct {
	Status string            `json:"status"` // "ok" or "error"
	Data   any               `json:"data,omitempty"`
	Error  *core.UserMessage `json:"error,omitempty"`
}

// Success writes data. In text mode render draws it instead.
func (f *OutputFormatter) Success(data any, render func(w io.Writer)) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "ok", Data: data})
	}
	render(f.Writer)
	return nil
}

// Failure writes data alongside the user message for err. data may be nil.
func (f *OutputFormatter) Failure(err error, data any, render func(w io.Writer)) error {
	msg := core.MapError(err)
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(Response{Status: "error", Data: data, Error: &msg})
	}
	if render != nil {
		render(f.Writer)
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", msg.Code, msg.Message)
	if msg.Action != "" {
		fmt.Fprintf(f.Writer, "  %s\n", msg.Action)
	}
	return nil
}
