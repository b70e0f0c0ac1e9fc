package declaration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	jobmetrics "github.com/wastedesk/wastedesk/internal/jobs"
)

// LateDetector parks overdue undeclared lines behind operator approval.
type LateDetector struct {
	store   Store
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	clock   func() time.Time
	newID   func() string
}

// NewLateDetector constructs a LateDetector.
func NewLateDetector(store Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *LateDetector {
	return &LateDetector{
		store:   store,
		logger:  logger,
		metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		newID: uuid.NewString,
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (d *LateDetector) WithClock(clock func() time.Time) {
	if d != nil && clock != nil {
		d.clock = clock
	}
}

// Detect creates one WAITING_APPROVAL declaration per (stream, period) group
// of undeclared lines before cutoff, superseding any open declaration for the
// same key. Each group is its own unit of work. It returns how many
// declarations were created.
func (d *LateDetector) Detect(ctx context.Context, cutoff Period) (int, error) {
	lines, err := d.store.FindUndeclaredLines(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find undeclared lines: %w", err)
	}
	created := 0
	var errs []error
	for _, group := range groupLines(lines) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		decl, err := d.park(ctx, group)
		if err != nil {
			errs = append(errs, fmt.Errorf("late declaration %s: %w", group.Key, err))
			d.log().Warn("park late declaration", slog.String("key", group.Key.String()), slog.Any("error", err))
			continue
		}
		created++
		d.metrics.AddDeclarations(string(decl.Kind), string(decl.Status), 1)
		d.log().Info("late declaration awaiting approval",
			slog.String("declaration_id", decl.ID),
			slog.String("key", group.Key.String()),
			slog.String("kind", string(decl.Kind)),
			slog.Int64("total_weight", decl.TotalWeight),
		)
	}
	return created, errors.Join(errs...)
}

func (d *LateDetector) park(ctx context.Context, group lineGroup) (Declaration, error) {
	var decl Declaration
	err := d.store.InTx(ctx, func(tx Store) error {
		declared, err := tx.HasAnyDeclaration(ctx, group.Key.WasteStreamNumber)
		if err != nil {
			return err
		}
		now := d.now()
		weight, shipments := Totals(group.Lines)
		decl = Declaration{
			ID:                d.newID(),
			WasteStreamNumber: group.Key.WasteStreamNumber,
			Period:            group.Key.Period,
			Kind:              KindFor(declared),
			Status:            StatusWaitingApproval,
			LineIDs:           lineIDs(group.Lines),
			TotalWeight:       weight,
			TotalShipments:    shipments,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return tx.SupersedeDeclaration(ctx, decl)
	})
	return decl, err
}

func (d *LateDetector) log() *slog.Logger {
	if d.logger != nil {
		return d.logger.With(slog.String("component", "late_detector"))
	}
	return slog.Default().With(slog.String("component", "late_detector"))
}

func (d *LateDetector) now() time.Time {
	if d.clock != nil {
		return d.clock()
	}
	return time.Now().UTC()
}
