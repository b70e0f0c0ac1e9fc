package declarationhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wastedesk/wastedesk/internal/declaration"
	"github.com/wastedesk/wastedesk/internal/shared"
)

type stubService struct {
	approveFn func(ctx context.Context, id, actor string) declaration.ApprovalResult
	declsFn   func(ctx context.Context, status declaration.Status, limit int) ([]declaration.Declaration, error)
	jobsFn    func(ctx context.Context, status declaration.JobStatus, limit int) ([]declaration.Job, error)
	historyFn func(ctx context.Context, id string) ([]shared.ApprovalLog, error)
}

func (s *stubService) Approvals(ctx context.Context, id string) ([]shared.ApprovalLog, error) {
	return s.historyFn(ctx, id)
}

func (s *stubService) Approve(ctx context.Context, id, actor string) declaration.ApprovalResult {
	return s.approveFn(ctx, id, actor)
}

func (s *stubService) ListDeclarations(ctx context.Context, status declaration.Status, limit int) ([]declaration.Declaration, error) {
	return s.declsFn(ctx, status, limit)
}

func (s *stubService) ListJobs(ctx context.Context, status declaration.JobStatus, limit int) ([]declaration.Job, error) {
	return s.jobsFn(ctx, status, limit)
}

func newRouter(svc *stubService) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := shared.ContextWithActor(req.Context(), req.Header.Get("X-Operator"))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	NewHandler(nil, svc).MountRoutes(r)
	return r
}

func TestApproveReturnsResult(t *testing.T) {
	svc := &stubService{
		approveFn: func(_ context.Context, id, actor string) declaration.ApprovalResult {
			assert.Equal(t, "decl-1", id)
			assert.Equal(t, "j.devries", actor)
			return declaration.ApprovalResult{Success: true, Message: "declaration decl-1 submitted in session s-9"}
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/declarations/decl-1/approve", nil)
	req.Header.Set("X-Operator", "j.devries")
	rr := httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"message":"declaration decl-1 submitted in session s-9"}`, rr.Body.String())
}

func TestApproveFailureIsConflict(t *testing.T) {
	svc := &stubService{
		approveFn: func(context.Context, string, string) declaration.ApprovalResult {
			return declaration.ApprovalResult{Success: false, Message: "declaration decl-1 is PENDING, not awaiting approval"}
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/declarations/decl-1/approve", nil)
	rr := httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
	var result declaration.ApprovalResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.False(t, result.Success)
}

func TestListDeclarationsDefaultsToWaiting(t *testing.T) {
	created := time.Date(2025, time.December, 3, 22, 0, 0, 0, time.UTC)
	svc := &stubService{
		declsFn: func(_ context.Context, status declaration.Status, limit int) ([]declaration.Declaration, error) {
			assert.Equal(t, declaration.StatusWaitingApproval, status)
			assert.Equal(t, 0, limit)
			return []declaration.Declaration{{
				ID:                "decl-1",
				WasteStreamNumber: "12345000001",
				Period:            declaration.MustPeriod("2025-09"),
				Kind:              declaration.KindMonthlyReceival,
				Status:            declaration.StatusWaitingApproval,
				LineIDs:           []int64{1, 2},
				TotalWeight:       750,
				TotalShipments:    2,
				CreatedAt:         created,
				UpdatedAt:         created,
			}}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/declarations", nil)
	rr := httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "2025-09", body[0]["period"])
	assert.Equal(t, "MONTHLY_RECEIVAL", body[0]["kind"])
	assert.Equal(t, []any{}, body[0]["transporters"])
}

func TestListDeclarationsRejectsUnknownStatus(t *testing.T) {
	svc := &stubService{
		declsFn: func(_ context.Context, status declaration.Status, _ int) ([]declaration.Declaration, error) {
			return nil, declaration.ErrInvalidFilter
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/declarations?status=archived", nil)
	rr := httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestListJobsParsesLimit(t *testing.T) {
	id := uuid.New()
	svc := &stubService{
		jobsFn: func(_ context.Context, status declaration.JobStatus, limit int) ([]declaration.Job, error) {
			assert.Equal(t, declaration.JobFailed, status)
			assert.Equal(t, 5, limit)
			return []declaration.Job{{ID: id, Type: declaration.JobLateLines, Period: declaration.MustPeriod("2025-11"), Status: declaration.JobFailed, Error: "boom"}}, nil
		},
	}
	req := httptest.NewRequest(http.MethodGet, "/declaration-jobs?status=failed&limit=5", nil)
	rr := httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, id.String(), body[0]["id"])
	assert.Equal(t, "boom", body[0]["error"])

	bad := httptest.NewRequest(http.MethodGet, "/declaration-jobs?limit=-1", nil)
	rr = httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rr, bad)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListApprovals(t *testing.T) {
	at := time.Date(2025, time.December, 4, 9, 30, 0, 0, time.UTC)
	svc := &stubService{
		historyFn: func(_ context.Context, id string) ([]shared.ApprovalLog, error) {
			if id != "decl-1" {
				return nil, declaration.ErrDeclarationNotFound
			}
			return []shared.ApprovalLog{{Actor: "j.devries", Action: shared.ApprovalApprove, Note: "submitted in session s-9", At: at}}, nil
		},
	}
	rr := httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/declarations/decl-1/approvals", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[{"actor":"j.devries","action":"APPROVE","note":"submitted in session s-9","at":"2025-12-04T09:30:00Z"}]`, rr.Body.String())

	rr = httptest.NewRecorder()
	newRouter(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/declarations/nope/approvals", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
