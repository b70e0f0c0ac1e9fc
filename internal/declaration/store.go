package declaration

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LineStore is the snapshot view over weight movement lines.
type LineStore interface {
	// FindUndeclaredLines returns unsettled lines whose period is strictly
	// before cutoff.
	FindUndeclaredLines(ctx context.Context, cutoff Period) ([]Line, error)
	// LinesByIDs loads the given lines in id order.
	LinesByIDs(ctx context.Context, ids []int64) ([]Line, error)
	// MarkSettled snapshots the current quantity of exactly the given lines of
	// a stream and returns how many rows changed.
	MarkSettled(ctx context.Context, wasteStreamNumber string, lineIDs []int64, declaredAt time.Time) (int, error)
}

// DeclarationStore persists declarations.
type DeclarationStore interface {
	HasAnyDeclaration(ctx context.Context, wasteStreamNumber string) (bool, error)
	// SupersedeDeclaration deletes every non-terminal declaration sharing the
	// key of d and inserts d.
	SupersedeDeclaration(ctx context.Context, d Declaration) error
	GetDeclaration(ctx context.Context, id string) (Declaration, error)
	ListDeclarations(ctx context.Context, status Status, limit int) ([]Declaration, error)
	UpdateDeclaration(ctx context.Context, d Declaration) error
}

// SessionStore persists registry sessions.
type SessionStore interface {
	InsertSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListPendingSessions(ctx context.Context, limit int) ([]Session, error)
	UpdateSession(ctx context.Context, s Session) error
}

// JobStore persists scheduled jobs.
type JobStore interface {
	InsertJob(ctx context.Context, j Job) error
	HasPendingJob(ctx context.Context, jobType JobType, period Period) (bool, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error)
	// FinishJob moves a PENDING job to a terminal status exactly once.
	FinishJob(ctx context.Context, id uuid.UUID, status JobStatus, fulfilledAt time.Time, errMsg string) error
}

// WasteStreamStore reads stream master data.
type WasteStreamStore interface {
	GetWasteStream(ctx context.Context, number string) (WasteStream, error)
}

// Store aggregates every persistence port. InTx runs fn in a single unit of
// work; the Store handed to fn is bound to it.
type Store interface {
	LineStore
	DeclarationStore
	SessionStore
	JobStore
	WasteStreamStore
	InTx(ctx context.Context, fn func(Store) error) error
}

// PartyDirectory resolves party metadata from the company directory.
type PartyDirectory interface {
	ResolveParty(ctx context.Context, id int64) (Party, error)
}
