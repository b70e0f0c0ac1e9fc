package declaration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	jobmetrics "github.com/wastedesk/wastedesk/internal/jobs"
)

const defaultBatchSize = 50

// AggregatorConfig wires the aggregator dependencies.
type AggregatorConfig struct {
	Store       Store
	Registry    Registry
	Parties     PartyDirectory
	BatchSize   int
	HomeCountry string
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
}

// Aggregator turns undeclared lines into declarations and submits them.
type Aggregator struct {
	store       Store
	registry    Registry
	parties     PartyDirectory
	batchSize   int
	homeCountry string
	validate    *validator.Validate
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	clock       func() time.Time
	newID       func() string
}

// NewAggregator constructs an Aggregator.
func NewAggregator(cfg AggregatorConfig) *Aggregator {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	home := strings.ToUpper(strings.TrimSpace(cfg.HomeCountry))
	if home == "" {
		home = "NL"
	}
	return &Aggregator{
		store:       cfg.Store,
		registry:    cfg.Registry,
		parties:     cfg.Parties,
		batchSize:   batch,
		homeCountry: home,
		validate:    newValidator(),
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		newID: uuid.NewString,
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (a *Aggregator) WithClock(clock func() time.Time) {
	if a != nil && clock != nil {
		a.clock = clock
	}
}

// SubmitSummary reports what a Submit call sent.
type SubmitSummary struct {
	Declarations int
	Sessions     []string
}

// FindFirstReceivalWork returns work for streams with open lines in period
// that were never declared before.
func (a *Aggregator) FindFirstReceivalWork(ctx context.Context, period Period) ([]Work, error) {
	return a.findWork(ctx, period, KindFirstReceival)
}

// FindMonthlyReceivalWork returns work for streams with open lines in period
// that have at least one earlier declaration of any status.
func (a *Aggregator) FindMonthlyReceivalWork(ctx context.Context, period Period) ([]Work, error) {
	return a.findWork(ctx, period, KindMonthlyReceival)
}

func (a *Aggregator) findWork(ctx context.Context, period Period, kind Kind) ([]Work, error) {
	lines, err := a.store.FindUndeclaredLines(ctx, period.AddMonths(1))
	if err != nil {
		return nil, fmt.Errorf("find undeclared lines: %w", err)
	}
	inPeriod := make([]Line, 0, len(lines))
	for _, line := range lines {
		if line.Period == period {
			inPeriod = append(inPeriod, line)
		}
	}
	work := make([]Work, 0)
	for _, group := range groupLines(inPeriod) {
		declared, err := a.store.HasAnyDeclaration(ctx, group.Key.WasteStreamNumber)
		if err != nil {
			return nil, fmt.Errorf("declaration history %s: %w", group.Key.WasteStreamNumber, err)
		}
		if KindFor(declared) != kind {
			continue
		}
		decl := Declaration{
			ID:                a.newID(),
			WasteStreamNumber: group.Key.WasteStreamNumber,
			Period:            group.Key.Period,
			Kind:              kind,
		}
		w, err := a.BuildWork(ctx, decl, group.Lines)
		if err != nil {
			return nil, err
		}
		work = append(work, w)
	}
	return work, nil
}

// BuildWork computes totals for decl from lines and builds the payload
// matching decl.Kind.
func (a *Aggregator) BuildWork(ctx context.Context, decl Declaration, lines []Line) (Work, error) {
	decl.LineIDs = lineIDs(lines)
	decl.TotalWeight, decl.TotalShipments = Totals(lines)
	transporters, err := a.resolveTransporters(ctx, lines)
	if err != nil {
		return Work{}, err
	}
	decl.Transporters = transporters

	work := Work{Declaration: decl}
	switch decl.Kind {
	case KindFirstReceival:
		payload, err := a.firstReceivalPayload(ctx, decl)
		if err != nil {
			return Work{}, err
		}
		if err := a.validate.Struct(payload); err != nil {
			return Work{}, wrapPayloadErr(decl.Key(), err)
		}
		work.First = &payload
	case KindMonthlyReceival:
		payload := MonthlyReceivalPayload{
			DeclarationID:     decl.ID,
			WasteStreamNumber: decl.WasteStreamNumber,
			ProcessorNumber:   ProcessorNumber(decl.WasteStreamNumber),
			Period:            decl.Period,
			Transporters:      decl.Transporters,
			TotalWeight:       decl.TotalWeight,
			TotalShipments:    decl.TotalShipments,
		}
		if err := a.validate.Struct(payload); err != nil {
			return Work{}, wrapPayloadErr(decl.Key(), err)
		}
		work.Monthly = &payload
	default:
		return Work{}, fmt.Errorf("declaration: unknown kind %q", decl.Kind)
	}
	return work, nil
}

func (a *Aggregator) firstReceivalPayload(ctx context.Context, decl Declaration) (FirstReceivalPayload, error) {
	stream, err := a.store.GetWasteStream(ctx, decl.WasteStreamNumber)
	if err != nil {
		return FirstReceivalPayload{}, fmt.Errorf("load waste stream %s: %w", decl.WasteStreamNumber, err)
	}
	consignor, err := a.partyBlock(ctx, stream.ConsignorID)
	if err != nil {
		return FirstReceivalPayload{}, err
	}
	payload := FirstReceivalPayload{
		DeclarationID:     decl.ID,
		WasteStreamNumber: decl.WasteStreamNumber,
		ProcessorNumber:   ProcessorNumber(decl.WasteStreamNumber),
		Period:            decl.Period,
		Consignor:         consignor,
		PickupLocation:    stream.Pickup,
		DeliveryLocation:  stream.Delivery,
		Waste: WasteClassification{
			Name:             stream.Name,
			EuralCode:        stream.EuralCode,
			ProcessingMethod: stream.ProcessingMethod,
		},
		RouteCollection: stream.RouteCollection,
		Transporters:    decl.Transporters,
		TotalWeight:     decl.TotalWeight,
		TotalShipments:  decl.TotalShipments,
	}
	if payload.Collector, err = a.optionalPartyBlock(ctx, stream.CollectorID); err != nil {
		return FirstReceivalPayload{}, err
	}
	if payload.Dealer, err = a.optionalPartyBlock(ctx, stream.DealerID); err != nil {
		return FirstReceivalPayload{}, err
	}
	if payload.Broker, err = a.optionalPartyBlock(ctx, stream.BrokerID); err != nil {
		return FirstReceivalPayload{}, err
	}
	return payload, nil
}

func (a *Aggregator) partyBlock(ctx context.Context, id int64) (PartyBlock, error) {
	party, err := a.resolveParty(ctx, id)
	if err != nil {
		return PartyBlock{}, err
	}
	country := strings.ToUpper(party.Country)
	block := PartyBlock{Country: country, Foreign: country != a.homeCountry}
	if block.Foreign {
		block.Name = party.Name
		return block, nil
	}
	block.RegistrationNumber = party.RegistrationNumber
	return block, nil
}

func (a *Aggregator) optionalPartyBlock(ctx context.Context, id *int64) (*PartyBlock, error) {
	if id == nil {
		return nil, nil
	}
	block, err := a.partyBlock(ctx, *id)
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (a *Aggregator) resolveTransporters(ctx context.Context, lines []Line) ([]string, error) {
	ids := transporterIDs(lines)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		party, err := a.resolveParty(ctx, id)
		if err != nil {
			return nil, err
		}
		if party.RegistrationNumber != "" {
			out = append(out, party.RegistrationNumber)
			continue
		}
		out = append(out, party.Name)
	}
	return out, nil
}

func (a *Aggregator) resolveParty(ctx context.Context, id int64) (Party, error) {
	if a.parties == nil {
		return Party{}, fmt.Errorf("resolve party %d: directory not configured", id)
	}
	party, err := a.parties.ResolveParty(ctx, id)
	if err != nil {
		return Party{}, fmt.Errorf("resolve party %d: %w", id, err)
	}
	return party, nil
}

// Submit persists work as PENDING declarations and sends it to the registry
// in batches per kind. Each batch is one unit of work: when the registry call
// fails nothing of that batch is persisted and the error is returned.
func (a *Aggregator) Submit(ctx context.Context, work []Work) (SubmitSummary, error) {
	var summary SubmitSummary
	for _, kind := range []Kind{KindFirstReceival, KindMonthlyReceival} {
		ofKind := make([]Work, 0)
		for _, w := range work {
			if w.Declaration.Kind == kind {
				ofKind = append(ofKind, w)
			}
		}
		for start := 0; start < len(ofKind); start += a.batchSize {
			end := start + a.batchSize
			if end > len(ofKind) {
				end = len(ofKind)
			}
			batch := ofKind[start:end]
			sessionID, err := a.submitBatch(ctx, kind, batch)
			if err != nil {
				return summary, err
			}
			summary.Declarations += len(batch)
			summary.Sessions = append(summary.Sessions, sessionID)
		}
	}
	return summary, nil
}

// submitBatch sends inside the unit of work so a refused or failed send leaves
// nothing behind. The opposite case, an acknowledged batch whose commit fails,
// cannot be undone at the registry; it is reported as ErrUnrecordedSession.
func (a *Aggregator) submitBatch(ctx context.Context, kind Kind, batch []Work) (string, error) {
	var sessionID string
	err := a.store.InTx(ctx, func(tx Store) error {
		now := a.now()
		for _, w := range batch {
			decl := w.Declaration
			decl.Status = StatusPending
			decl.Errors = nil
			decl.CreatedAt = now
			decl.UpdatedAt = now
			if err := tx.SupersedeDeclaration(ctx, decl); err != nil {
				return fmt.Errorf("store declaration %s: %w", decl.ID, err)
			}
		}
		ack, err := a.Send(ctx, kind, batch)
		if err != nil {
			return err
		}
		sessionID = ack.SessionID
		return a.recordSubmission(ctx, tx, kind, batch, sessionID, now)
	})
	if err != nil && sessionID != "" {
		a.log().Error("registry session not recorded",
			slog.String("kind", string(kind)),
			slog.String("session_id", sessionID),
			slog.Int("declarations", len(batch)),
			slog.Any("error", err),
		)
		return "", fmt.Errorf("%w: session %s: %w", ErrUnrecordedSession, sessionID, err)
	}
	if err != nil {
		a.log().Error("submit batch", slog.String("kind", string(kind)), slog.Int("declarations", len(batch)), slog.Any("error", err))
		return "", err
	}
	a.metrics.AddDeclarations(string(kind), string(StatusPending), len(batch))
	a.log().Info("submitted declaration batch",
		slog.String("kind", string(kind)),
		slog.String("session_id", sessionID),
		slog.Int("declarations", len(batch)),
	)
	return sessionID, nil
}

// recordSubmission stores the session and settles exactly the lines that
// were part of the sent declarations.
func (a *Aggregator) recordSubmission(ctx context.Context, tx Store, kind Kind, batch []Work, sessionID string, now time.Time) error {
	ids := make([]string, 0, len(batch))
	for _, w := range batch {
		ids = append(ids, w.Declaration.ID)
	}
	session := Session{
		ID:             sessionID,
		Kind:           kind,
		DeclarationIDs: ids,
		Status:         SessionPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.InsertSession(ctx, session); err != nil {
		return fmt.Errorf("store session %s: %w", sessionID, err)
	}
	for _, w := range batch {
		if _, err := tx.MarkSettled(ctx, w.Declaration.WasteStreamNumber, w.Declaration.LineIDs, now); err != nil {
			return fmt.Errorf("settle lines of %s: %w", w.Declaration.ID, err)
		}
	}
	return nil
}

// Send hands the payloads of batch to the registry client for kind.
func (a *Aggregator) Send(ctx context.Context, kind Kind, batch []Work) (Ack, error) {
	if a.registry == nil {
		return Ack{}, fmt.Errorf("%w: registry not configured", ErrSubmit)
	}
	var (
		ack Ack
		err error
	)
	switch kind {
	case KindFirstReceival:
		payloads := make([]FirstReceivalPayload, 0, len(batch))
		for _, w := range batch {
			if w.First == nil {
				return Ack{}, fmt.Errorf("declaration %s: first receival payload missing", w.Declaration.ID)
			}
			payloads = append(payloads, *w.First)
		}
		ack, err = a.registry.SubmitFirstReceivals(ctx, payloads)
	case KindMonthlyReceival:
		payloads := make([]MonthlyReceivalPayload, 0, len(batch))
		for _, w := range batch {
			if w.Monthly == nil {
				return Ack{}, fmt.Errorf("declaration %s: monthly receival payload missing", w.Declaration.ID)
			}
			payloads = append(payloads, *w.Monthly)
		}
		ack, err = a.registry.SubmitMonthlyReceivals(ctx, payloads)
	default:
		return Ack{}, fmt.Errorf("declaration: unknown kind %q", kind)
	}
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	if strings.TrimSpace(ack.SessionID) == "" {
		return Ack{}, fmt.Errorf("%w: %w", ErrSubmit, errors.New("registry returned no session id"))
	}
	return ack, nil
}

func (a *Aggregator) log() *slog.Logger {
	if a.logger != nil {
		return a.logger.With(slog.String("component", "aggregator"))
	}
	return slog.Default().With(slog.String("component", "aggregator"))
}

func (a *Aggregator) now() time.Time {
	if a.clock != nil {
		return a.clock()
	}
	return time.Now().UTC()
}
