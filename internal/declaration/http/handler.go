package declarationhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wastedesk/wastedesk/internal/declaration"
	"github.com/wastedesk/wastedesk/internal/platform/httpx"
	"github.com/wastedesk/wastedesk/internal/shared"
)

type declarationService interface {
	Approve(ctx context.Context, id, actor string) declaration.ApprovalResult
	ListDeclarations(ctx context.Context, status declaration.Status, limit int) ([]declaration.Declaration, error)
	ListJobs(ctx context.Context, status declaration.JobStatus, limit int) ([]declaration.Job, error)
	Approvals(ctx context.Context, id string) ([]shared.ApprovalLog, error)
}

// Handler exposes the operator surface of the declaration engine.
type Handler struct {
	logger  *slog.Logger
	service declarationService
}

// NewHandler constructs a declaration HTTP handler.
func NewHandler(logger *slog.Logger, service declarationService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/declarations", func(r chi.Router) {
		r.Get("/", h.listDeclarations)
		r.Post("/{id}/approve", h.approve)
		r.Get("/{id}/approvals", h.listApprovals)
	})
	r.Get("/declaration-jobs", h.listJobs)
}

type declarationView struct {
	ID                string                      `json:"id"`
	WasteStreamNumber string                      `json:"wasteStreamNumber"`
	Period            declaration.Period          `json:"period"`
	Kind              declaration.Kind            `json:"kind"`
	Status            declaration.Status          `json:"status"`
	Transporters      []string                    `json:"transporters"`
	LineIDs           []int64                     `json:"lineIds"`
	TotalWeight       int64                       `json:"totalWeight"`
	TotalShipments    int                         `json:"totalShipments"`
	Errors            []declaration.RegistryError `json:"errors"`
	ConfirmationID    string                      `json:"confirmationId,omitempty"`
	CreatedAt         time.Time                   `json:"createdAt"`
	UpdatedAt         time.Time                   `json:"updatedAt"`
}

type jobView struct {
	ID          string                `json:"id"`
	Type        declaration.JobType   `json:"type"`
	Period      declaration.Period    `json:"period"`
	Status      declaration.JobStatus `json:"status"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	FulfilledAt *time.Time            `json:"fulfilledAt,omitempty"`
}

type approvalView struct {
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := shared.ActorFromContext(r.Context())
	result := h.service.Approve(r.Context(), id, actor)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
		h.logger.Warn("approval refused", slog.String("declaration_id", id), slog.String("actor", actor), slog.String("reason", result.Message))
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) listDeclarations(w http.ResponseWriter, r *http.Request) {
	status := declaration.Status(strings.ToUpper(queryOr(r, "status", string(declaration.StatusWaitingApproval))))
	limit, err := parseLimit(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	decls, err := h.service.ListDeclarations(r.Context(), status, limit)
	if err != nil {
		h.respondListError(w, "list declarations", err)
		return
	}
	out := make([]declarationView, 0, len(decls))
	for _, d := range decls {
		out = append(out, declarationView{
			ID:                d.ID,
			WasteStreamNumber: d.WasteStreamNumber,
			Period:            d.Period,
			Kind:              d.Kind,
			Status:            d.Status,
			Transporters:      nonNil(d.Transporters),
			LineIDs:           nonNil(d.LineIDs),
			TotalWeight:       d.TotalWeight,
			TotalShipments:    d.TotalShipments,
			Errors:            nonNil(d.Errors),
			ConfirmationID:    d.ConfirmationID,
			CreatedAt:         d.CreatedAt,
			UpdatedAt:         d.UpdatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	status := declaration.JobStatus(strings.ToUpper(queryOr(r, "status", string(declaration.JobFailed))))
	limit, err := parseLimit(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	jobs, err := h.service.ListJobs(r.Context(), status, limit)
	if err != nil {
		h.respondListError(w, "list jobs", err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{
			ID:          j.ID.String(),
			Type:        j.Type,
			Period:      j.Period,
			Status:      j.Status,
			Error:       j.Error,
			CreatedAt:   j.CreatedAt,
			FulfilledAt: j.FulfilledAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := h.service.Approvals(r.Context(), id)
	if err != nil {
		if errors.Is(err, declaration.ErrDeclarationNotFound) {
			httpx.RespondError(w, fmt.Errorf("%w: declaration %s", httpx.ErrNotFound, id))
			return
		}
		h.respondListError(w, "list approvals", err)
		return
	}
	out := make([]approvalView, 0, len(logs))
	for _, l := range logs {
		out = append(out, approvalView{Actor: l.Actor, Action: string(l.Action), Note: l.Note, At: l.At})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) respondListError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, declaration.ErrInvalidFilter) {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func queryOr(r *http.Request, key, fallback string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		return v
	}
	return fallback
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", httpx.ErrValidation)
	}
	return limit, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
