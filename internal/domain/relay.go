package domain

import (
	"context"
	"errors"
	"fmt"
)

// Stage names the pipeline step a relay failure happened in.
type Stage string

const (
	StageCredential Stage = "credential"
	StageIntent     Stage = "intent"
	StageDelivery   Stage = "delivery"
	StageAudit      Stage = "audit"
)

// StageError wraps a stage failure so the orchestrator can report which
// step of the pipeline broke without inspecting error strings.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage extracts the pipeline stage from an error chain, or "" if
// the error carries no stage information.
func FailedStage(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Outcome is the terminal state of one relay pass.
type Outcome string

const (
	OutcomeRelayed   Outcome = "relayed"   // resolved and delivered
	OutcomeIgnored   Outcome = "ignored"   // no usable text message in the event
	OutcomeDuplicate Outcome = "duplicate" // provider retry of an already-processed message
	OutcomeFailed    Outcome = "failed"    // a fatal stage failed
)

// RelayResult is the transient outcome of one orchestration pass.
type RelayResult struct {
	Outcome Outcome
	Stage   Stage // set when Outcome is OutcomeFailed
	Err     error
	Reply   string
}

// IntentResolver resolves a user utterance into a reply, scoped to a
// per-sender session on the backend side.
type IntentResolver interface {
	Resolve(ctx context.Context, sessionID, text string) (string, error)
}

// MessageSender delivers a reply to the originating user.
type MessageSender interface {
	Send(ctx context.Context, recipient, text string) error
}

// AuditLogger appends one exchange record to the durable log store.
type AuditLogger interface {
	Append(ctx context.Context, entry LogEntry) error
}

// TokenSource hands out a valid bearer token, refreshing as needed.
type TokenSource interface {
	Token(ctx context.Context) (AccessToken, error)
}

// DedupeStore records successfully processed provider message ids so
// webhook retries of the same message are acknowledged without
// reprocessing. Ids are recorded only after the relay succeeds: a retry
// of a failed event must run the pipeline again.
type DedupeStore interface {
	// Seen reports whether id has been recorded. It does not record.
	Seen(ctx context.Context, id string) (bool, error)
	// Mark records id as processed.
	Mark(ctx context.Context, id string) error
	Close() error
}
