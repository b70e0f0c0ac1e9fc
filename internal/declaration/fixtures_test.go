package declaration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wastedesk/wastedesk/internal/shared"
)

const (
	consignorID   int64 = 1
	transporterID int64 = 2
	collectorID   int64 = 3
)

var fixedNow = time.Date(2025, time.December, 5, 10, 0, 0, 0, time.UTC)

type stubRegistry struct {
	mu             sync.Mutex
	seq            int
	submitErr      error
	pollErr        error
	outcomes       map[string]SessionOutcome
	polls          map[string]int
	firstBatches   [][]FirstReceivalPayload
	monthlyBatches [][]MonthlyReceivalPayload
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{outcomes: make(map[string]SessionOutcome), polls: make(map[string]int)}
}

func (s *stubRegistry) SubmitFirstReceivals(_ context.Context, payloads []FirstReceivalPayload) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return Ack{}, s.submitErr
	}
	s.firstBatches = append(s.firstBatches, payloads)
	s.seq++
	return Ack{SessionID: fmt.Sprintf("session-%d", s.seq)}, nil
}

func (s *stubRegistry) SubmitMonthlyReceivals(_ context.Context, payloads []MonthlyReceivalPayload) (Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return Ack{}, s.submitErr
	}
	s.monthlyBatches = append(s.monthlyBatches, payloads)
	s.seq++
	return Ack{SessionID: fmt.Sprintf("session-%d", s.seq)}, nil
}

func (s *stubRegistry) PollSession(_ context.Context, sessionID string) (SessionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls[sessionID]++
	if s.pollErr != nil {
		return SessionOutcome{}, s.pollErr
	}
	outcome, ok := s.outcomes[sessionID]
	if !ok {
		return StillProcessing(), nil
	}
	return outcome, nil
}

func (s *stubRegistry) setOutcome(sessionID string, outcome SessionOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[sessionID] = outcome
}

type stubDirectory map[int64]Party

func (d stubDirectory) ResolveParty(_ context.Context, id int64) (Party, error) {
	party, ok := d[id]
	if !ok {
		return Party{}, ErrPartyNotFound
	}
	return party, nil
}

type stubApprovals struct {
	mu      sync.Mutex
	entries []shared.ApprovalLog
	err     error
}

func (s *stubApprovals) Record(_ context.Context, log shared.ApprovalLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, log)
	return nil
}

func (s *stubApprovals) List(_ context.Context, module, ref string) ([]shared.ApprovalLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []shared.ApprovalLog
	for _, entry := range s.entries {
		if entry.Module == module && entry.RefID == ref {
			out = append(out, entry)
		}
	}
	return out, nil
}

type harness struct {
	store      *MemStore
	registry   *stubRegistry
	aggregator *Aggregator
	resolver   *Resolver
	late       *LateDetector
	processor  *Processor
	approvals  *stubApprovals
	gate       *ApprovalGate
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()
	store := NewMemStore()
	registry := newStubRegistry()
	directory := stubDirectory{
		consignorID:   {ID: consignorID, RegistrationNumber: "KVK-1001", Country: "NL", Name: "Groene Bouw BV"},
		transporterID: {ID: transporterID, RegistrationNumber: "KVK-2002", Country: "NL", Name: "Snel Transport BV"},
		collectorID:   {ID: collectorID, Country: "DE", Name: "Entsorgung Nord GmbH"},
	}
	clock := func() time.Time { return fixedNow }

	aggregator := NewAggregator(AggregatorConfig{
		Store:     store,
		Registry:  registry,
		Parties:   directory,
		BatchSize: batchSize,
	})
	aggregator.WithClock(clock)
	resolver := NewResolver(store, registry, nil, nil)
	resolver.WithClock(clock)
	late := NewLateDetector(store, nil, nil)
	late.WithClock(clock)
	processor := NewProcessor(store, aggregator, late, nil)
	processor.WithClock(clock)
	approvals := &stubApprovals{}

	return &harness{
		store:      store,
		registry:   registry,
		aggregator: aggregator,
		resolver:   resolver,
		late:       late,
		processor:  processor,
		approvals:  approvals,
		gate:       NewApprovalGate(store, aggregator, approvals, nil),
	}
}

func seedStream(store *MemStore, number string, collector bool) {
	stream := WasteStream{
		Number:           number,
		Name:             "Mixed construction waste",
		EuralCode:        "17 09 04",
		ProcessingMethod: "R5",
		ConsignorID:      consignorID,
		Pickup:           Address{Street: "Havenweg", Number: "12", PostalCode: "3011AA", City: "Rotterdam", Country: "NL"},
		Delivery:         Address{Street: "Recyclingstraat", Number: "1", PostalCode: "5651GH", City: "Eindhoven", Country: "NL"},
	}
	if collector {
		id := collectorID
		stream.CollectorID = &id
	}
	store.AddWasteStream(stream)
}

func seedLine(store *MemStore, id int64, stream, period, quantity string) {
	transporter := transporterID
	store.AddLine(Line{
		ID:                id,
		WasteStreamNumber: stream,
		Period:            MustPeriod(period),
		Quantity:          decimal.RequireFromString(quantity),
		WeighedAt:         MustPeriod(period).Start().Add(48 * time.Hour),
		TransporterID:     &transporter,
	})
}

func seedDeclaration(t *testing.T, store *MemStore, id, stream, period string, status Status) Declaration {
	t.Helper()
	decl := Declaration{
		ID:                id,
		WasteStreamNumber: stream,
		Period:            MustPeriod(period),
		Kind:              KindFirstReceival,
		Status:            status,
		TotalWeight:       100,
		TotalShipments:    1,
		CreatedAt:         fixedNow.Add(-72 * time.Hour),
		UpdatedAt:         fixedNow.Add(-72 * time.Hour),
	}
	require.NoError(t, store.SupersedeDeclaration(context.Background(), decl))
	return decl
}

func mustLine(t *testing.T, store *MemStore, id int64) Line {
	t.Helper()
	line, ok := store.Line(id)
	require.True(t, ok, "line %d missing", id)
	return line
}

var errRegistryDown = errors.New("dial tcp: connection refused")
