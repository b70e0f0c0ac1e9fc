package declaration

import (
	"context"
	"errors"
)

var (
	// ErrRegistryUnavailable marks registry calls that may succeed on a later attempt.
	ErrRegistryUnavailable = errors.New("declaration: registry unavailable")
	// ErrRegistryRefused marks requests the registry will not accept as sent.
	ErrRegistryRefused = errors.New("declaration: registry refused request")
)

// Registry is the asynchronous declaration registry protocol. Submissions are
// acknowledged with a session id; results are fetched later with PollSession.
type Registry interface {
	SubmitFirstReceivals(ctx context.Context, payloads []FirstReceivalPayload) (Ack, error)
	SubmitMonthlyReceivals(ctx context.Context, payloads []MonthlyReceivalPayload) (Ack, error)
	PollSession(ctx context.Context, sessionID string) (SessionOutcome, error)
}

// Ack confirms the registry received a batch.
type Ack struct {
	SessionID string
}

// OutcomeKind enumerates the poll results of a session.
type OutcomeKind int

const (
	// OutcomeStillProcessing means the registry has not finished evaluating.
	OutcomeStillProcessing OutcomeKind = iota + 1
	// OutcomeResolved carries one result per evaluated declaration.
	OutcomeResolved
	// OutcomeProtocolError means the batch as a whole could not be evaluated.
	OutcomeProtocolError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStillProcessing:
		return "still_processing"
	case OutcomeResolved:
		return "resolved"
	case OutcomeProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// ItemResult is the registry verdict for one declaration.
type ItemResult struct {
	DeclarationID  string
	Accepted       bool
	ConfirmationID string
	Errors         []RegistryError
}

// SessionOutcome is the closed set of poll results. Only the fields matching
// Kind are populated.
type SessionOutcome struct {
	Kind   OutcomeKind
	Items  []ItemResult
	Errors []RegistryError
}

// StillProcessing builds an OutcomeStillProcessing outcome.
func StillProcessing() SessionOutcome {
	return SessionOutcome{Kind: OutcomeStillProcessing}
}

// Resolved builds an OutcomeResolved outcome.
func Resolved(items []ItemResult) SessionOutcome {
	return SessionOutcome{Kind: OutcomeResolved, Items: items}
}

// ProtocolError builds an OutcomeProtocolError outcome.
func ProtocolError(errs []RegistryError) SessionOutcome {
	return SessionOutcome{Kind: OutcomeProtocolError, Errors: errs}
}
