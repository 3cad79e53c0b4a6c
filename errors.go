package foldstream

import (
	"errors"
	"fmt"

	"github.com/foldstream/foldstream/eventlog"
)

// Sentinel errors for the command-side error taxonomy. Use errors.Is()
// to check for these. Log-level sentinels are aliased from the eventlog
// package so one check works across layers.
var (
	// ErrApplicationNotStarted indicates a dispatch without a running
	// application.
	ErrApplicationNotStarted = errors.New("foldstream: application not started")

	// ErrApplicationRunning indicates an attempt to start a second
	// application on the same registry.
	ErrApplicationRunning = errors.New("foldstream: application already running")

	// ErrCommandUnknown indicates no registration exists for the
	// command name.
	ErrCommandUnknown = errors.New("foldstream: unknown command")

	// ErrAggregateUnknown indicates no registration exists for the
	// aggregate name.
	ErrAggregateUnknown = errors.New("foldstream: unknown aggregate")

	// ErrCommandInvalid indicates the input data failed schema
	// validation. Caller-recoverable.
	ErrCommandInvalid = errors.New("foldstream: command data invalid")

	// ErrEventMalformed indicates a handler return value did not
	// conform to the event shape. This is a handler bug.
	ErrEventMalformed = errors.New("foldstream: malformed event")

	// ErrAggregateInvalid indicates applying the handler's events would
	// violate the aggregate schema. Not retried.
	ErrAggregateInvalid = errors.New("foldstream: aggregate state invalid")

	// ErrBusinessRule indicates a command handler rejected the command.
	ErrBusinessRule = errors.New("foldstream: business rule violation")

	// ErrConcurrency indicates an optimistic concurrency conflict on
	// append. Caller-recoverable; the typical response is to
	// re-dispatch.
	ErrConcurrency = eventlog.ErrConcurrency

	// ErrBackend indicates a transport or storage failure.
	ErrBackend = eventlog.ErrBackend
)

// CommandUnknownError reports a dispatch of an unregistered command.
type CommandUnknownError struct {
	Command string
}

// Error returns the error message.
func (e *CommandUnknownError) Error() string {
	return fmt.Sprintf("foldstream: unknown command %q", e.Command)
}

// Is reports whether this error matches the target error.
func (e *CommandUnknownError) Is(target error) bool {
	return target == ErrCommandUnknown
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *CommandUnknownError) Unwrap() error {
	return ErrCommandUnknown
}

// AggregateUnknownError reports a lookup of an unregistered aggregate.
type AggregateUnknownError struct {
	Aggregate string
}

// Error returns the error message.
func (e *AggregateUnknownError) Error() string {
	return fmt.Sprintf("foldstream: unknown aggregate %q", e.Aggregate)
}

// Is reports whether this error matches the target error.
func (e *AggregateUnknownError) Is(target error) bool {
	return target == ErrAggregateUnknown
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *AggregateUnknownError) Unwrap() error {
	return ErrAggregateUnknown
}

// CommandInvalidError reports command input that failed its schema.
// Explain carries the validator's machine-readable explanation.
type CommandInvalidError struct {
	Command string
	Explain map[string]any
}

// Error returns the error message.
func (e *CommandInvalidError) Error() string {
	return fmt.Sprintf("foldstream: invalid data for command %q: %v", e.Command, e.Explain)
}

// Is reports whether this error matches the target error.
func (e *CommandInvalidError) Is(target error) bool {
	return target == ErrCommandInvalid
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *CommandInvalidError) Unwrap() error {
	return ErrCommandInvalid
}

// EventMalformedError reports a handler return value that does not
// conform to the event shape, or event data failing its schema.
type EventMalformedError struct {
	Command string
	Reason  string
	Explain map[string]any
}

// Error returns the error message.
func (e *EventMalformedError) Error() string {
	return fmt.Sprintf("foldstream: command %q emitted a malformed event: %s", e.Command, e.Reason)
}

// Is reports whether this error matches the target error.
func (e *EventMalformedError) Is(target error) bool {
	return target == ErrEventMalformed
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *EventMalformedError) Unwrap() error {
	return ErrEventMalformed
}

// AggregateInvalidError reports that folding the handler's events into
// the aggregate would produce a state failing the aggregate schema.
// The append is rejected and the stream is unchanged.
type AggregateInvalidError struct {
	Aggregate string
	Explain   map[string]any
}

// Error returns the error message.
func (e *AggregateInvalidError) Error() string {
	return fmt.Sprintf("foldstream: events would leave aggregate %q invalid: %v", e.Aggregate, e.Explain)
}

// Is reports whether this error matches the target error.
func (e *AggregateInvalidError) Is(target error) bool {
	return target == ErrAggregateInvalid
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *AggregateInvalidError) Unwrap() error {
	return ErrAggregateInvalid
}

// BusinessRuleError carries a domain rejection raised by a command
// handler. Tag names the rule; Payload is handler-defined explanation
// data surfaced to the dispatch caller.
type BusinessRuleError struct {
	Tag     string
	Payload map[string]any
	Cause   error
}

// Error returns the error message.
func (e *BusinessRuleError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("foldstream: business rule %q violated: %v", e.Tag, e.Payload)
	}
	return fmt.Sprintf("foldstream: command handler failed: %v", e.Cause)
}

// Is reports whether this error matches the target error.
func (e *BusinessRuleError) Is(target error) bool {
	return target == ErrBusinessRule
}

// Unwrap returns the underlying cause for errors.Unwrap().
func (e *BusinessRuleError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrBusinessRule
}

// NewBusinessRuleError creates a BusinessRuleError for handlers to
// reject a command with a named rule and explanation payload.
func NewBusinessRuleError(tag string, payload map[string]any) *BusinessRuleError {
	return &BusinessRuleError{Tag: tag, Payload: payload}
}
