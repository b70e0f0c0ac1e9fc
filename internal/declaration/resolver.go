package declaration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jobmetrics "github.com/wastedesk/wastedesk/internal/jobs"
)

const defaultPollLimit = 100

// PollSummary counts the sessions handled by one poll cycle.
type PollSummary struct {
	Polled     int
	Processing int
	Completed  int
	Failed     int
	Errors     int
}

// Resolver reconciles registry session results with local declarations.
type Resolver struct {
	store    Store
	registry Registry
	logger   *slog.Logger
	metrics  *jobmetrics.Metrics
	limit    int
	clock    func() time.Time
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, registry Registry, logger *slog.Logger, metrics *jobmetrics.Metrics) *Resolver {
	return &Resolver{
		store:    store,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		limit:    defaultPollLimit,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (r *Resolver) WithClock(clock func() time.Time) {
	if r != nil && clock != nil {
		r.clock = clock
	}
}

// PollPending polls every pending session once. A failure on one session is
// logged and counted; the remaining sessions are still processed.
func (r *Resolver) PollPending(ctx context.Context) (PollSummary, error) {
	var summary PollSummary
	sessions, err := r.store.ListPendingSessions(ctx, r.limit)
	if err != nil {
		return summary, fmt.Errorf("list pending sessions: %w", err)
	}
	var errs []error
	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		summary.Polled++
		status, err := r.Resolve(ctx, session.ID)
		if err != nil {
			summary.Errors++
			errs = append(errs, err)
			r.log().Warn("resolve session", slog.String("session_id", session.ID), slog.Any("error", err))
			continue
		}
		switch status {
		case SessionPending:
			summary.Processing++
		case SessionCompleted:
			summary.Completed++
		case SessionFailed:
			summary.Failed++
		}
	}
	return summary, errors.Join(errs...)
}

// Resolve polls one session and applies its outcome. Sessions that are
// already terminal are left untouched.
func (r *Resolver) Resolve(ctx context.Context, sessionID string) (SessionStatus, error) {
	session, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Status.Terminal() {
		return session.Status, nil
	}
	outcome, err := r.registry.PollSession(ctx, sessionID)
	if err != nil {
		return r.recordPollFailure(ctx, sessionID, err)
	}

	var status SessionStatus
	switch outcome.Kind {
	case OutcomeStillProcessing:
		return SessionPending, nil
	case OutcomeProtocolError:
		status, err = r.applyProtocolError(ctx, sessionID, outcome.Errors)
	case OutcomeResolved:
		status, err = r.applyResults(ctx, sessionID, outcome.Items)
	default:
		return SessionPending, fmt.Errorf("session %s: unknown poll outcome %d", sessionID, outcome.Kind)
	}
	if err != nil {
		return SessionPending, err
	}
	r.metrics.ObserveSession(string(status))
	r.log().Info("session resolved",
		slog.String("session_id", sessionID),
		slog.String("outcome", outcome.Kind.String()),
		slog.String("status", string(status)),
	)
	return status, nil
}

// recordPollFailure writes a failed poll onto the session. A refused poll is
// permanent and fails the session; anything else keeps it pending for the
// next cycle.
func (r *Resolver) recordPollFailure(ctx context.Context, sessionID string, pollErr error) (SessionStatus, error) {
	refused := errors.Is(pollErr, ErrRegistryRefused)
	message := fmt.Sprintf("poll: %v", pollErr)
	status := SessionPending
	err := r.store.InTx(ctx, func(tx Store) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			status = session.Status
			return nil
		}
		if n := len(session.Errors); n == 0 || session.Errors[n-1] != message {
			session.Errors = append(session.Errors, message)
		}
		if refused {
			session.Status = SessionFailed
		}
		session.UpdatedAt = r.now()
		status = session.Status
		return tx.UpdateSession(ctx, session)
	})
	if err != nil {
		return SessionPending, errors.Join(fmt.Errorf("poll session %s: %w", sessionID, pollErr), fmt.Errorf("record poll failure: %w", err))
	}
	if refused {
		r.metrics.ObserveSession(string(status))
		r.log().Warn("session refused by registry", slog.String("session_id", sessionID), slog.Any("error", pollErr))
		return status, nil
	}
	return SessionPending, fmt.Errorf("poll session %s: %w", sessionID, pollErr)
}

// applyProtocolError fails the session only. Members stay as they are since
// the registry may not have evaluated them.
func (r *Resolver) applyProtocolError(ctx context.Context, sessionID string, regErrs []RegistryError) (SessionStatus, error) {
	var status SessionStatus
	err := r.store.InTx(ctx, func(tx Store) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			status = session.Status
			return nil
		}
		session.Errors = append(session.Errors, formatRegistryErrors("", regErrs)...)
		if len(regErrs) == 0 {
			session.Errors = append(session.Errors, "registry could not evaluate the session")
		}
		session.Status = SessionFailed
		session.UpdatedAt = r.now()
		status = session.Status
		return tx.UpdateSession(ctx, session)
	})
	return status, err
}

func (r *Resolver) applyResults(ctx context.Context, sessionID string, items []ItemResult) (SessionStatus, error) {
	var status SessionStatus
	err := r.store.InTx(ctx, func(tx Store) error {
		session, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status.Terminal() {
			status = session.Status
			return nil
		}
		now := r.now()
		allCompleted := true
		seen := make(map[string]struct{}, len(items))
		for _, item := range items {
			seen[item.DeclarationID] = struct{}{}
			decl, err := tx.GetDeclaration(ctx, item.DeclarationID)
			if errors.Is(err, ErrDeclarationNotFound) {
				if session.Covers(item.DeclarationID) {
					allCompleted = false
					session.Errors = append(session.Errors, fmt.Sprintf("declaration %s: unresolved, superseded locally", item.DeclarationID))
					continue
				}
				session.Errors = append(session.Errors, fmt.Sprintf("declaration %s: not found locally", item.DeclarationID))
				continue
			}
			if err != nil {
				return err
			}
			if decl.Status != StatusPending {
				if decl.Status != StatusCompleted {
					allCompleted = false
				}
				continue
			}
			if item.Accepted {
				decl.Status = StatusCompleted
				decl.ConfirmationID = item.ConfirmationID
				decl.Errors = nil
			} else {
				allCompleted = false
				decl.Status = StatusFailed
				decl.Errors = item.Errors
				if len(decl.Errors) == 0 {
					decl.Errors = []RegistryError{{Code: "REJECTED", Description: "rejected without detail"}}
				}
				session.Errors = append(session.Errors, formatRegistryErrors(decl.ID, decl.Errors)...)
			}
			decl.UpdatedAt = now
			if err := tx.UpdateDeclaration(ctx, decl); err != nil {
				return fmt.Errorf("update declaration %s: %w", decl.ID, err)
			}
			r.metrics.AddDeclarations(string(decl.Kind), string(decl.Status), 1)
		}
		for _, id := range session.DeclarationIDs {
			if _, ok := seen[id]; !ok {
				allCompleted = false
				session.Errors = append(session.Errors, fmt.Sprintf("declaration %s: no result returned", id))
			}
		}
		session.Status = SessionFailed
		if allCompleted {
			session.Status = SessionCompleted
		}
		session.UpdatedAt = now
		status = session.Status
		return tx.UpdateSession(ctx, session)
	})
	return status, err
}

func formatRegistryErrors(declarationID string, errs []RegistryError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		if declarationID == "" {
			out = append(out, e.String())
			continue
		}
		out = append(out, fmt.Sprintf("declaration %s: %s", declarationID, e.String()))
	}
	return out
}

func (r *Resolver) log() *slog.Logger {
	if r.logger != nil {
		return r.logger.With(slog.String("component", "resolver"))
	}
	return slog.Default().With(slog.String("component", "resolver"))
}

func (r *Resolver) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now().UTC()
}
