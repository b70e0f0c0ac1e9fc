package declaration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wastedesk/wastedesk/internal/platform/db"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
	db   db.DBTX
	inTx bool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, db: pool}
}

var _ Store = (*Repository)(nil)

// InTx runs fn inside a repeatable-read transaction. Calls made on an
// already transactional Repository join the enclosing transaction.
func (r *Repository) InTx(ctx context.Context, fn func(Store) error) error {
	if r == nil || r.db == nil {
		return errors.New("declaration: repository not initialised")
	}
	if r.inTx {
		return fn(r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&Repository{pool: r.pool, db: tx, inTx: true})
	})
}

const lineColumns = `id, waste_stream_number, period, quantity::text, weighed_at, transporter_id, declared_quantity::text, last_declared_at`

func (r *Repository) FindUndeclaredLines(ctx context.Context, cutoff Period) ([]Line, error) {
	rows, err := r.db.Query(ctx, `SELECT `+lineColumns+`
FROM weight_movement_lines
WHERE period < $1
  AND (declared_quantity IS NULL OR last_declared_at IS NULL OR declared_quantity <> quantity)
ORDER BY waste_stream_number, period, id`, cutoff.Start())
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

func (r *Repository) LinesByIDs(ctx context.Context, ids []int64) ([]Line, error) {
	if len(ids) == 0 {
		return []Line{}, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+lineColumns+`
FROM weight_movement_lines
WHERE id = ANY($1)
ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	return collectLines(rows)
}

func (r *Repository) MarkSettled(ctx context.Context, wasteStreamNumber string, lineIDs []int64, declaredAt time.Time) (int, error) {
	if len(lineIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `UPDATE weight_movement_lines
SET declared_quantity = quantity, last_declared_at = $3
WHERE waste_stream_number = $1
  AND id = ANY($2)
  AND (declared_quantity IS NULL OR last_declared_at IS NULL OR declared_quantity <> quantity)`,
		wasteStreamNumber, lineIDs, declaredAt)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func collectLines(rows pgx.Rows) ([]Line, error) {
	defer rows.Close()
	lines := make([]Line, 0)
	for rows.Next() {
		var (
			line     Line
			period   time.Time
			quantity string
			declared *string
		)
		if err := rows.Scan(&line.ID, &line.WasteStreamNumber, &period, &quantity, &line.WeighedAt, &line.TransporterID, &declared, &line.LastDeclaredAt); err != nil {
			return nil, err
		}
		line.Period = PeriodOf(period)
		q, err := decimal.NewFromString(quantity)
		if err != nil {
			return nil, fmt.Errorf("line %d quantity: %w", line.ID, err)
		}
		line.Quantity = q
		if declared != nil {
			d, err := decimal.NewFromString(*declared)
			if err != nil {
				return nil, fmt.Errorf("line %d declared quantity: %w", line.ID, err)
			}
			line.DeclaredQuantity = decimal.NewNullDecimal(d)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *Repository) HasAnyDeclaration(ctx context.Context, wasteStreamNumber string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM declarations WHERE waste_stream_number = $1)`, wasteStreamNumber).Scan(&exists)
	return exists, err
}

func (r *Repository) SupersedeDeclaration(ctx context.Context, d Declaration) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM declarations
WHERE waste_stream_number = $1 AND period = $2 AND status IN ('PENDING', 'WAITING_APPROVAL')`,
		d.WasteStreamNumber, d.Period.Start()); err != nil {
		return fmt.Errorf("supersede %s: %w", d.Key(), err)
	}
	errs, err := marshalRegistryErrors(d.Errors)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO declarations (id, waste_stream_number, period, kind, status, transporters, line_ids,
	total_weight, total_shipments, errors, confirmation_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.WasteStreamNumber, d.Period.Start(), string(d.Kind), string(d.Status), nonNilStrings(d.Transporters), nonNilInts(d.LineIDs),
		d.TotalWeight, d.TotalShipments, errs, nullString(d.ConfirmationID), d.CreatedAt, d.UpdatedAt)
	return err
}

const declarationColumns = `id, waste_stream_number, period, kind, status, transporters, line_ids, total_weight, total_shipments,
	errors, confirmation_id, created_at, updated_at`

func (r *Repository) GetDeclaration(ctx context.Context, id string) (Declaration, error) {
	row := r.db.QueryRow(ctx, `SELECT `+declarationColumns+` FROM declarations WHERE id = $1`, id)
	d, err := scanDeclaration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Declaration{}, ErrDeclarationNotFound
	}
	return d, err
}

func (r *Repository) ListDeclarations(ctx context.Context, status Status, limit int) ([]Declaration, error) {
	rows, err := r.db.Query(ctx, `SELECT `+declarationColumns+`
FROM declarations
WHERE status = $1
ORDER BY created_at DESC, id
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Declaration, 0)
	for rows.Next() {
		d, err := scanDeclaration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) UpdateDeclaration(ctx context.Context, d Declaration) error {
	errs, err := marshalRegistryErrors(d.Errors)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE declarations
SET kind = $2, status = $3, transporters = $4, line_ids = $5, total_weight = $6, total_shipments = $7,
	errors = $8, confirmation_id = $9, updated_at = $10
WHERE id = $1`,
		d.ID, string(d.Kind), string(d.Status), nonNilStrings(d.Transporters), nonNilInts(d.LineIDs), d.TotalWeight, d.TotalShipments,
		errs, nullString(d.ConfirmationID), d.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeclarationNotFound
	}
	return nil
}

func scanDeclaration(row pgx.Row) (Declaration, error) {
	var (
		d            Declaration
		period       time.Time
		kind, status string
		errs         []byte
		confirmation *string
	)
	if err := row.Scan(&d.ID, &d.WasteStreamNumber, &period, &kind, &status, &d.Transporters, &d.LineIDs,
		&d.TotalWeight, &d.TotalShipments, &errs, &confirmation, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Declaration{}, err
	}
	d.Period = PeriodOf(period)
	d.Kind = Kind(kind)
	d.Status = Status(status)
	if confirmation != nil {
		d.ConfirmationID = *confirmation
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &d.Errors); err != nil {
			return Declaration{}, fmt.Errorf("declaration %s errors: %w", d.ID, err)
		}
	}
	return d, nil
}

func (r *Repository) InsertSession(ctx context.Context, s Session) error {
	_, err := r.db.Exec(ctx, `INSERT INTO declaration_sessions (id, kind, declaration_ids, status, errors, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, string(s.Kind), nonNilStrings(s.DeclarationIDs), string(s.Status), nonNilStrings(s.Errors), s.CreatedAt, s.UpdatedAt)
	return err
}

const sessionColumns = `id, kind, declaration_ids, status, errors, created_at, updated_at`

func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM declaration_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

func (r *Repository) ListPendingSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+`
FROM declaration_sessions
WHERE status = 'PENDING'
ORDER BY created_at, id
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) UpdateSession(ctx context.Context, s Session) error {
	tag, err := r.db.Exec(ctx, `UPDATE declaration_sessions
SET status = $2, errors = $3, updated_at = $4
WHERE id = $1`, s.ID, string(s.Status), nonNilStrings(s.Errors), s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s            Session
		kind, status string
	)
	if err := row.Scan(&s.ID, &kind, &s.DeclarationIDs, &status, &s.Errors, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Session{}, err
	}
	s.Kind = Kind(kind)
	s.Status = SessionStatus(status)
	return s, nil
}

func (r *Repository) InsertJob(ctx context.Context, j Job) error {
	_, err := r.db.Exec(ctx, `INSERT INTO declaration_jobs (id, job_type, period, status, error, created_at, fulfilled_at)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)`,
		j.ID.String(), string(j.Type), j.Period.Start(), string(j.Status), j.Error, j.CreatedAt, j.FulfilledAt)
	return err
}

func (r *Repository) HasPendingJob(ctx context.Context, jobType JobType, period Period) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (
	SELECT 1 FROM declaration_jobs WHERE job_type = $1 AND period = $2 AND status = 'PENDING'
)`, string(jobType), period.Start()).Scan(&exists)
	return exists, err
}

func (r *Repository) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	rows, err := r.db.Query(ctx, `SELECT id::text, job_type, period, status, error, created_at, fulfilled_at
FROM declaration_jobs
WHERE status = $1
ORDER BY created_at, id
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Job, 0)
	for rows.Next() {
		var (
			j                    Job
			id, jobType, jstatus string
			period               time.Time
		)
		if err := rows.Scan(&id, &jobType, &period, &jstatus, &j.Error, &j.CreatedAt, &j.FulfilledAt); err != nil {
			return nil, err
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("job id %q: %w", id, err)
		}
		j.ID = parsed
		j.Type = JobType(jobType)
		j.Period = PeriodOf(period)
		j.Status = JobStatus(jstatus)
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repository) FinishJob(ctx context.Context, id uuid.UUID, status JobStatus, fulfilledAt time.Time, errMsg string) error {
	tag, err := r.db.Exec(ctx, `UPDATE declaration_jobs
SET status = $2, error = $3, fulfilled_at = $4
WHERE id = $1::uuid AND status = 'PENDING'`, id.String(), string(status), errMsg, fulfilledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM declaration_jobs WHERE id = $1::uuid)`, id.String()).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrJobNotFound
	}
	return ErrJobAlreadyFinished
}

func (r *Repository) GetWasteStream(ctx context.Context, number string) (WasteStream, error) {
	var s WasteStream
	err := r.db.QueryRow(ctx, `SELECT number, name, eural_code, processing_method, consignor_id,
	pickup_street, pickup_number, pickup_postal_code, pickup_city, pickup_country,
	delivery_street, delivery_number, delivery_postal_code, delivery_city, delivery_country,
	collector_id, dealer_id, broker_id, route_collection
FROM waste_streams WHERE number = $1`, number).Scan(
		&s.Number, &s.Name, &s.EuralCode, &s.ProcessingMethod, &s.ConsignorID,
		&s.Pickup.Street, &s.Pickup.Number, &s.Pickup.PostalCode, &s.Pickup.City, &s.Pickup.Country,
		&s.Delivery.Street, &s.Delivery.Number, &s.Delivery.PostalCode, &s.Delivery.City, &s.Delivery.Country,
		&s.CollectorID, &s.DealerID, &s.BrokerID, &s.RouteCollection,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return WasteStream{}, ErrWasteStreamNotFound
	}
	return s, err
}

func marshalRegistryErrors(errs []RegistryError) ([]byte, error) {
	if len(errs) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(errs)
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
