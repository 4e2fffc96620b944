package core

// error_messages.go maps engine errors to support codes.
//
// Codes by category:
//
//	SCH001  File header does not match any known schema version
//	FILE001 A content type the plan needs has no file in the batch
//	FILE002 A file name is unparseable, unregistered or duplicated
//	REC001  One or more records could not be mapped
//	DSP001  An auxiliary lookup batch failed to save
//	RUN001  The run limiter is full
//	RUN002  The run id is unknown or has expired
//	RUN003  The run was cancelled or timed out
//	SRC001  The source system is not registered
//	DB001   The database could not be reached
//	ERR000  Anything else; check the logs for the technical error
//
// Typed errors are matched with errors.Is first. Errors that crossed a
// process boundary only keep their text, so a case-insensitive substring
// table is the fallback.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/endeavourhealth/transforms/internal/dispatch"
	"github.com/endeavourhealth/transforms/internal/pipeline"
	"github.com/endeavourhealth/transforms/internal/reader"
)

// UserMessage is the operator-facing rendering of an error.
type UserMessage struct {
	Message string `json:"message"`
	Action  string `json:"action"`
	Code    string `json:"code"`
}

var (
	msgSchemaMismatch = UserMessage{
		Message: "File header does not match any known schema version",
		Action:  "Check the extract was produced by a supported version of the source system",
		Code:    "SCH001",
	}
	msgFileNotFound = UserMessage{
		Message: "A required extract file is missing from the batch",
		Action:  "Resend the complete batch including every content type",
		Code:    "FILE001",
	}
	msgFileFormat = UserMessage{
		Message: "The batch contains an unexpected or badly named file",
		Action:  "File names must follow <prefix>_<org>_<content type>_<timestamp>.csv",
		Code:    "FILE002",
	}
	msgRecordMapping = UserMessage{
		Message: "Some records could not be processed",
		Action:  "Review the failed records listed in the run result",
		Code:    "REC001",
	}
	msgDispatch = UserMessage{
		Message: "Auxiliary lookup data could not be saved",
		Action:  "Check database connectivity and rerun the batch",
		Code:    "DSP001",
	}
	msgTooManyRuns = UserMessage{
		Message: "Too many runs in progress",
		Action:  "Please wait for a running batch to finish and try again",
		Code:    "RUN001",
	}
	msgRunNotFound = UserMessage{
		Message: "Run not found",
		Action:  "The run may have expired; look it up in the run history",
		Code:    "RUN002",
	}
	msgCancelled = UserMessage{
		Message: "The run was cancelled before it finished",
		Action:  "Start the batch again when ready",
		Code:    "RUN003",
	}
	msgUnknownSource = UserMessage{
		Message: "Unknown source system",
		Action:  "List the registered sources and check the source key",
		Code:    "SRC001",
	}
	msgDatabase = UserMessage{
		Message: "Unable to reach the database",
		Action:  "Please try again in a few moments",
		Code:    "DB001",
	}
)

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// typedErrors is checked in order; the first sentinel the error matches wins.
var typedErrors = []struct {
	target error
	msg    UserMessage
}{
	{reader.ErrSchemaMismatch, msgSchemaMismatch},
	{pipeline.ErrFileNotFound, msgFileNotFound},
	{pipeline.ErrFileFormat, msgFileFormat},
	{dispatch.ErrDispatch, msgDispatch},
	{pipeline.ErrRecordMapping, msgRecordMapping},
	{ErrTooManyRuns, msgTooManyRuns},
	{ErrRunNotFound, msgRunNotFound},
	{ErrUnknownSource, msgUnknownSource},
	{context.Canceled, msgCancelled},
	{context.DeadlineExceeded, msgCancelled},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns is matched against the lowercased error text; order matters.
var errorPatterns = []errorPattern{
	{"schema mismatch", msgSchemaMismatch},
	{"header does not match", msgSchemaMismatch},
	{"required file not found", msgFileNotFound},
	{"file supplied", msgFileNotFound},
	{"unrecognised extract file", msgFileFormat},
	{"failed to map", msgRecordMapping},
	{"record mapping failed", msgRecordMapping},
	{"dispatch", msgDispatch},
	{"too many concurrent runs", msgTooManyRuns},
	{"run not found", msgRunNotFound},
	{"context canceled", msgCancelled},
	{"context deadline exceeded", msgCancelled},
	{"unknown source", msgUnknownSource},
	{"connection refused", msgDatabase},
	{"connection reset", msgDatabase},
	{"database is locked", msgDatabase},
}

// MapError converts err into a UserMessage. A nil error maps to the zero value.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, te := range typedErrors {
		if errors.Is(err, te.target) {
			return te.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError renders err as "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string { return e.User.Message }

func (e *UserError) Unwrap() error { return e.Technical }

// NewUserError maps err; it returns nil for a nil error.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{Technical: err, User: MapError(err)}
}
