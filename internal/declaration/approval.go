package declaration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wastedesk/wastedesk/internal/shared"
)

const approvalModule = "declaration"

// ApprovalResult is returned to the operator surface.
type ApprovalResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ApprovalLog records operator approvals.
type ApprovalLog interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// ApprovalGate submits late declarations once an operator confirms them.
type ApprovalGate struct {
	store      Store
	aggregator *Aggregator
	approvals  ApprovalLog
	logger     *slog.Logger
}

// NewApprovalGate constructs an ApprovalGate. approvals may be nil.
func NewApprovalGate(store Store, aggregator *Aggregator, approvals ApprovalLog, logger *slog.Logger) *ApprovalGate {
	return &ApprovalGate{store: store, aggregator: aggregator, approvals: approvals, logger: logger}
}

// Approve submits a WAITING_APPROVAL declaration built from the current
// quantities of its covered lines. A missing declaration, one in another
// status, or one whose payload cannot be built fails without side effects.
// A registry failure marks the declaration FAILED.
func (g *ApprovalGate) Approve(ctx context.Context, id, actor string) ApprovalResult {
	decl, err := g.store.GetDeclaration(ctx, id)
	if errors.Is(err, ErrDeclarationNotFound) {
		return failure("declaration %s not found", id)
	}
	if err != nil {
		g.log().Error("load declaration", slog.String("declaration_id", id), slog.Any("error", err))
		return failure("declaration %s could not be loaded", id)
	}
	if decl.Status != StatusWaitingApproval {
		return failure("declaration %s is %s, not awaiting approval", id, decl.Status)
	}

	lines, err := g.store.LinesByIDs(ctx, decl.LineIDs)
	if err != nil {
		g.log().Error("load covered lines", slog.String("declaration_id", id), slog.Any("error", err))
		return failure("declaration %s: covered lines could not be loaded", id)
	}
	work, err := g.aggregator.BuildWork(ctx, decl, lines)
	if err != nil {
		return failure("declaration %s: %v", id, err)
	}

	var (
		sessionID string
		submitErr error
	)
	// Sent inside the unit of work, as in Aggregator.submitBatch.
	err = g.store.InTx(ctx, func(tx Store) error {
		current, err := tx.GetDeclaration(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusWaitingApproval {
			return fmt.Errorf("%w: %s", ErrNotAwaitingApproval, current.Status)
		}
		now := g.aggregator.now()
		ack, err := g.aggregator.Send(ctx, work.Declaration.Kind, []Work{work})
		if err != nil {
			submitErr = err
			current.Status = StatusFailed
			current.Errors = []RegistryError{{Code: "SUBMIT_FAILED", Description: err.Error()}}
			current.UpdatedAt = now
			return tx.UpdateDeclaration(ctx, current)
		}
		sessionID = ack.SessionID
		decl := work.Declaration
		decl.Status = StatusPending
		decl.Errors = nil
		decl.CreatedAt = current.CreatedAt
		decl.UpdatedAt = now
		if err := tx.UpdateDeclaration(ctx, decl); err != nil {
			return err
		}
		return g.aggregator.recordSubmission(ctx, tx, decl.Kind, []Work{{Declaration: decl}}, sessionID, now)
	})
	if errors.Is(err, ErrNotAwaitingApproval) || errors.Is(err, ErrDeclarationNotFound) {
		return failure("declaration %s is no longer awaiting approval", id)
	}
	if err != nil && sessionID != "" {
		g.log().Error("registry session not recorded",
			slog.String("declaration_id", id),
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		g.record(ctx, id, actor, shared.ApprovalFailed, fmt.Sprintf("session %s not recorded: %v", sessionID, err))
		return failure("declaration %s: registry session %s was not recorded", id, sessionID)
	}
	if err != nil {
		g.log().Error("approve declaration", slog.String("declaration_id", id), slog.Any("error", err))
		return failure("declaration %s could not be approved", id)
	}

	kind := string(work.Declaration.Kind)
	if submitErr != nil {
		g.aggregator.metrics.AddDeclarations(kind, string(StatusFailed), 1)
		g.record(ctx, id, actor, shared.ApprovalFailed, submitErr.Error())
		return failure("declaration %s: submission failed: %v", id, submitErr)
	}
	g.aggregator.metrics.AddDeclarations(kind, string(StatusPending), 1)
	g.record(ctx, id, actor, shared.ApprovalApprove, "session "+sessionID)
	g.log().Info("declaration approved",
		slog.String("declaration_id", id),
		slog.String("actor", actor),
		slog.String("session_id", sessionID),
	)
	return ApprovalResult{Success: true, Message: fmt.Sprintf("declaration %s submitted in session %s", id, sessionID)}
}

func (g *ApprovalGate) record(ctx context.Context, id, actor string, action shared.ApprovalAction, note string) {
	if g.approvals == nil {
		return
	}
	if actor == "" {
		actor = "unknown"
	}
	entry := shared.ApprovalLog{
		Module: approvalModule,
		RefID:  id,
		Actor:  actor,
		Action: action,
		Note:   note,
		At:     g.aggregator.now(),
	}
	if err := g.approvals.Record(ctx, entry); err != nil {
		g.log().Warn("record approval", slog.String("declaration_id", id), slog.Any("error", err))
	}
}

func failure(format string, args ...any) ApprovalResult {
	return ApprovalResult{Success: false, Message: fmt.Sprintf(format, args...)}
}

func (g *ApprovalGate) log() *slog.Logger {
	if g.logger != nil {
		return g.logger.With(slog.String("component", "approval_gate"))
	}
	return slog.Default().With(slog.String("component", "approval_gate"))
}
