package declaration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUndeclaredLinesExcludesCutoffAndLater(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	periods := []string{"2025-08", "2025-09", "2025-10", "2025-11", "2025-12"}
	for i, p := range periods {
		seedLine(store, int64(i+1), "12345000001", p, "100")
	}

	for _, cutoff := range periods {
		c := MustPeriod(cutoff)
		lines, err := store.FindUndeclaredLines(ctx, c)
		require.NoError(t, err)
		for _, line := range lines {
			assert.True(t, line.Period.Before(c), "line period %s not before cutoff %s", line.Period, c)
		}
	}

	lines, err := store.FindUndeclaredLines(ctx, MustPeriod("2025-11"))
	require.NoError(t, err)
	require.Len(t, lines, 3)
}

func TestMarkSettledIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	seedLine(store, 1, "12345000001", "2025-11", "500")
	seedLine(store, 2, "12345000001", "2025-11", "700")

	n, err := store.MarkSettled(ctx, "12345000001", []int64{1, 2}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.MarkSettled(ctx, "12345000001", []int64{1, 2}, fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	line := mustLine(t, store, 1)
	require.NotNil(t, line.LastDeclaredAt)
	assert.True(t, line.LastDeclaredAt.Equal(fixedNow))
	assert.True(t, line.Settled())
}

func TestMarkSettledOnlyTouchesGivenLinesOfTheStream(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	seedLine(store, 1, "12345000001", "2025-11", "500")
	seedLine(store, 2, "12345000001", "2025-11", "700")
	seedLine(store, 3, "99999000001", "2025-11", "300")

	n, err := store.MarkSettled(ctx, "12345000001", []int64{1, 3}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mustLine(t, store, 1).Settled())
	assert.False(t, mustLine(t, store, 2).Settled())
	assert.False(t, mustLine(t, store, 3).Settled())
}

func TestCorrectedLineIsUndeclaredAgain(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	seedLine(store, 1, "12345000001", "2025-11", "500")
	_, err := store.MarkSettled(ctx, "12345000001", []int64{1}, fixedNow)
	require.NoError(t, err)

	require.NoError(t, store.CorrectQuantity(1, decimal.RequireFromString("520")))
	lines, err := store.FindUndeclaredLines(ctx, MustPeriod("2025-12"))
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, lines[0].DeclaredQuantity.Decimal.Equal(decimal.RequireFromString("500")))

	n, err := store.MarkSettled(ctx, "12345000001", []int64{1}, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSupersedeKeepsOneOpenDeclarationPerKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	seedDeclaration(t, store, "done", "12345000001", "2025-11", StatusCompleted)
	seedDeclaration(t, store, "old", "12345000001", "2025-11", StatusWaitingApproval)
	seedDeclaration(t, store, "other", "12345000001", "2025-10", StatusPending)

	seedDeclaration(t, store, "new", "12345000001", "2025-11", StatusPending)

	_, err := store.GetDeclaration(ctx, "old")
	require.ErrorIs(t, err, ErrDeclarationNotFound)
	_, err = store.GetDeclaration(ctx, "done")
	require.NoError(t, err)
	_, err = store.GetDeclaration(ctx, "other")
	require.NoError(t, err)

	open := 0
	for _, status := range []Status{StatusPending, StatusWaitingApproval} {
		decls, err := store.ListDeclarations(ctx, status, 0)
		require.NoError(t, err)
		for _, d := range decls {
			if d.Key() == (Key{WasteStreamNumber: "12345000001", Period: MustPeriod("2025-11")}) {
				open++
			}
		}
	}
	assert.Equal(t, 1, open)
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	seedLine(store, 1, "12345000001", "2025-11", "500")
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx Store) error {
		if _, err := tx.MarkSettled(ctx, "12345000001", []int64{1}, fixedNow); err != nil {
			return err
		}
		if err := tx.SupersedeDeclaration(ctx, Declaration{ID: "d1", WasteStreamNumber: "12345000001", Period: MustPeriod("2025-11"), Status: StatusPending}); err != nil {
			return err
		}
		return tx.InTx(ctx, func(Store) error { return boom })
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, mustLine(t, store, 1).Settled())
	_, err = store.GetDeclaration(ctx, "d1")
	require.ErrorIs(t, err, ErrDeclarationNotFound)
}

func TestFinishJobIsOneShot(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	job := Job{ID: uuid.New(), Type: JobLateLines, Period: MustPeriod("2025-11"), Status: JobPending, CreatedAt: fixedNow}
	require.NoError(t, store.InsertJob(ctx, job))

	require.NoError(t, store.FinishJob(ctx, job.ID, JobFailed, fixedNow, "boom"))
	require.ErrorIs(t, store.FinishJob(ctx, job.ID, JobCompleted, fixedNow, ""), ErrJobAlreadyFinished)
	require.ErrorIs(t, store.FinishJob(ctx, uuid.New(), JobCompleted, fixedNow, ""), ErrJobNotFound)

	failed, err := store.ListJobs(ctx, JobFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)
	require.NotNil(t, failed[0].FulfilledAt)
}
