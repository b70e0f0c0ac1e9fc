package declaration

import (
	"context"
	"fmt"
	"strings"

	"github.com/wastedesk/wastedesk/internal/shared"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ApprovalHistory reads the approval log.
type ApprovalHistory interface {
	List(ctx context.Context, module, ref string) ([]shared.ApprovalLog, error)
}

// Service is the operator-facing facade of the declaration engine.
type Service struct {
	store   Store
	gate    *ApprovalGate
	history ApprovalHistory
}

// NewService constructs a Service. history may be nil.
func NewService(store Store, gate *ApprovalGate, history ApprovalHistory) *Service {
	return &Service{store: store, gate: gate, history: history}
}

// Approve forwards an operator approval to the approval gate.
func (s *Service) Approve(ctx context.Context, id, actor string) ApprovalResult {
	id = strings.TrimSpace(id)
	if id == "" {
		return failure("declaration id required")
	}
	return s.gate.Approve(ctx, id, actor)
}

// ListDeclarations returns declarations with the given status, newest first.
func (s *Service) ListDeclarations(ctx context.Context, status Status, limit int) ([]Declaration, error) {
	switch status {
	case StatusWaitingApproval, StatusPending, StatusCompleted, StatusFailed:
	default:
		return nil, fmt.Errorf("%w: declaration status %q", ErrInvalidFilter, status)
	}
	return s.store.ListDeclarations(ctx, status, clampLimit(limit))
}

// ListJobs returns jobs with the given status, oldest first.
func (s *Service) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	switch status {
	case JobPending, JobCompleted, JobFailed:
	default:
		return nil, fmt.Errorf("%w: job status %q", ErrInvalidFilter, status)
	}
	return s.store.ListJobs(ctx, status, clampLimit(limit))
}

// Approvals returns the approval log of a declaration, oldest first.
func (s *Service) Approvals(ctx context.Context, id string) ([]shared.ApprovalLog, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: declaration id required", ErrInvalidFilter)
	}
	if _, err := s.store.GetDeclaration(ctx, id); err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, approvalModule, id)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
