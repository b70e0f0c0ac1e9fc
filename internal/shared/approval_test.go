package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type stubQuerier struct {
	calls []execCall
	err   error
}

func (s *stubQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.calls = append(s.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), s.err
}

func (s *stubQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestApprovalRecorderValidates(t *testing.T) {
	db := &stubQuerier{}
	rec := NewApprovalRecorder(db, nil)
	ctx := context.Background()

	cases := []ApprovalLog{
		{RefID: "d1", Actor: "j.devries", Action: ApprovalApprove},
		{Module: "declaration", RefID: "d1", Action: ApprovalApprove},
		{Module: "declaration", Actor: "j.devries", Action: ApprovalApprove},
		{Module: "declaration", RefID: "d1", Actor: "j.devries"},
	}
	for _, c := range cases {
		require.Error(t, rec.Record(ctx, c))
	}
	assert.Empty(t, db.calls)
}

func TestApprovalRecorderInserts(t *testing.T) {
	db := &stubQuerier{}
	rec := NewApprovalRecorder(db, nil)
	at := time.Date(2025, time.December, 5, 10, 0, 0, 0, time.UTC)

	err := rec.Record(context.Background(), ApprovalLog{
		Module: "declaration",
		RefID:  "d1",
		Actor:  "j.devries",
		Action: ApprovalFailed,
		Note:   "submission failed",
		At:     at,
	})
	require.NoError(t, err)
	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, "INSERT INTO approvals")
	assert.Equal(t, "APPROVE_FAILED", db.calls[0].args[3])
	assert.Equal(t, &at, db.calls[0].args[5])
}

func TestApprovalRecorderPropagatesError(t *testing.T) {
	boom := errors.New("db down")
	rec := NewApprovalRecorder(&stubQuerier{err: boom}, nil)
	err := rec.Record(context.Background(), ApprovalLog{Module: "declaration", RefID: "d1", Actor: "a", Action: ApprovalApprove})
	require.ErrorIs(t, err, boom)
}

func TestActorContextAndKeys(t *testing.T) {
	ctx := ContextWithActor(context.Background(), "j.devries")
	assert.Equal(t, "j.devries", ActorFromContext(ctx))
	assert.Equal(t, "", ActorFromContext(context.Background()))
	assert.Equal(t, "wastedesk:trigger:declaration:jobs:process:lock", TriggerLockKey("declaration:jobs:process"))
	assert.Equal(t, "wastedesk:party:42", PartyCacheKey(42))
}
