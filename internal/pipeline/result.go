package pipeline

import (
	"fmt"
	"strings"
)

// Outcome classifies the result of mapping one record.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRecoverable
	OutcomeFatal
)

// Result is what a RecordMapper returns for each record.
type Result struct {
	outcome Outcome
	err     error
}

// OK reports a successfully mapped record.
func OK() Result { return Result{} }

// Fail reports a record-level problem. Tolerant stages log it and move on;
// critical stages abort.
func Fail(err error) Result {
	if err == nil {
		return OK()
	}
	return Result{outcome: OutcomeRecoverable, err: err}
}

// Failf is Fail with a formatted message.
func Failf(format string, args ...any) Result {
	return Fail(fmt.Errorf(format, args...))
}

// Abort stops the run regardless of policy.
func Abort(err error) Result {
	if err == nil {
		return OK()
	}
	return Result{outcome: OutcomeFatal, err: err}
}

func (r Result) Outcome() Outcome { return r.outcome }

func (r Result) Err() error { return r.err }

func (r Result) IsOK() bool { return r.outcome == OutcomeOK }

// Policy decides what a recoverable record failure does to a stage.
type Policy int

const (
	// PolicyDefault takes the policy from the file's schema definition.
	PolicyDefault Policy = iota
	// Tolerant logs the failure, keeps going and fails the run at the end.
	Tolerant
	// Critical fails the stage on the first failure.
	Critical
)

func (p Policy) String() string {
	switch p {
	case Tolerant:
		return "tolerant"
	case Critical:
		return "critical"
	default:
		return "default"
	}
}

// ParsePolicy reads "tolerant" or "critical".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PolicyDefault, nil
	case "tolerant":
		return Tolerant, nil
	case "critical":
		return Critical, nil
	}
	return PolicyDefault, fmt.Errorf("unknown policy %q", s)
}
