package declaration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemStore is an in-process Store. Units of work are serialized and rolled
// back by restoring a snapshot taken when they start.
type MemStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data memData
}

type memData struct {
	lines        map[int64]Line
	declarations map[string]Declaration
	sessions     map[string]Session
	jobs         map[uuid.UUID]Job
	streams      map[string]WasteStream
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: memData{
		lines:        make(map[int64]Line),
		declarations: make(map[string]Declaration),
		sessions:     make(map[string]Session),
		jobs:         make(map[uuid.UUID]Job),
		streams:      make(map[string]WasteStream),
	}}
}

var _ Store = (*MemStore)(nil)

// memTx is the Store handed to InTx callbacks. Nested units of work join the
// enclosing one.
type memTx struct {
	*MemStore
}

func (t memTx) InTx(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

// InTx runs fn and restores the previous state when it returns an error.
func (m *MemStore) InTx(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snapshot := m.data.clone()
	m.mu.RUnlock()

	if err := fn(memTx{m}); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (d memData) clone() memData {
	out := memData{
		lines:        make(map[int64]Line, len(d.lines)),
		declarations: make(map[string]Declaration, len(d.declarations)),
		sessions:     make(map[string]Session, len(d.sessions)),
		jobs:         make(map[uuid.UUID]Job, len(d.jobs)),
		streams:      make(map[string]WasteStream, len(d.streams)),
	}
	for k, v := range d.lines {
		out.lines[k] = v
	}
	for k, v := range d.declarations {
		out.declarations[k] = copyDeclaration(v)
	}
	for k, v := range d.sessions {
		out.sessions[k] = copySession(v)
	}
	for k, v := range d.jobs {
		out.jobs[k] = v
	}
	for k, v := range d.streams {
		out.streams[k] = v
	}
	return out
}

// AddLine seeds or replaces a weight movement line.
func (m *MemStore) AddLine(line Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.lines[line.ID] = line
}

// CorrectQuantity changes the weighed quantity of a line after the fact.
func (m *MemStore) CorrectQuantity(id int64, quantity decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	line, ok := m.data.lines[id]
	if !ok {
		return fmt.Errorf("line %d not found", id)
	}
	line.Quantity = quantity
	m.data.lines[id] = line
	return nil
}

// Line returns a copy of the stored line.
func (m *MemStore) Line(id int64) (Line, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	line, ok := m.data.lines[id]
	return line, ok
}

// AddWasteStream seeds stream master data.
func (m *MemStore) AddWasteStream(stream WasteStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.streams[stream.Number] = stream
}

func (m *MemStore) FindUndeclaredLines(ctx context.Context, cutoff Period) ([]Line, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Line, 0)
	for _, line := range m.data.lines {
		if line.Period.Before(cutoff) && !line.Settled() {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WasteStreamNumber != out[j].WasteStreamNumber {
			return out[i].WasteStreamNumber < out[j].WasteStreamNumber
		}
		if out[i].Period != out[j].Period {
			return out[i].Period.Before(out[j].Period)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemStore) LinesByIDs(ctx context.Context, ids []int64) ([]Line, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Line, 0, len(ids))
	for _, id := range ids {
		if line, ok := m.data.lines[id]; ok {
			out = append(out, line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) MarkSettled(ctx context.Context, wasteStreamNumber string, lineIDs []int64, declaredAt time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := 0
	for _, id := range lineIDs {
		line, ok := m.data.lines[id]
		if !ok || line.WasteStreamNumber != wasteStreamNumber || line.Settled() {
			continue
		}
		at := declaredAt
		line.DeclaredQuantity = decimal.NewNullDecimal(line.Quantity)
		line.LastDeclaredAt = &at
		m.data.lines[id] = line
		changed++
	}
	return changed, nil
}

func (m *MemStore) HasAnyDeclaration(ctx context.Context, wasteStreamNumber string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.data.declarations {
		if d.WasteStreamNumber == wasteStreamNumber {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) SupersedeDeclaration(ctx context.Context, d Declaration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data.declarations[d.ID]; exists {
		return fmt.Errorf("declaration %s already exists", d.ID)
	}
	for id, existing := range m.data.declarations {
		if existing.Key() == d.Key() && !existing.Status.Terminal() {
			delete(m.data.declarations, id)
		}
	}
	m.data.declarations[d.ID] = copyDeclaration(d)
	return nil
}

func (m *MemStore) GetDeclaration(ctx context.Context, id string) (Declaration, error) {
	if err := ctx.Err(); err != nil {
		return Declaration{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.data.declarations[id]
	if !ok {
		return Declaration{}, ErrDeclarationNotFound
	}
	return copyDeclaration(d), nil
}

func (m *MemStore) ListDeclarations(ctx context.Context, status Status, limit int) ([]Declaration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Declaration, 0)
	for _, d := range m.data.declarations {
		if d.Status == status {
			out = append(out, copyDeclaration(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (m *MemStore) UpdateDeclaration(ctx context.Context, d Declaration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.declarations[d.ID]; !ok {
		return ErrDeclarationNotFound
	}
	m.data.declarations[d.ID] = copyDeclaration(d)
	return nil
}

func (m *MemStore) InsertSession(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	m.data.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *MemStore) ListPendingSessions(ctx context.Context, limit int) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0)
	for _, s := range m.data.sessions {
		if s.Status == SessionPending {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (m *MemStore) UpdateSession(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	m.data.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemStore) InsertJob(ctx context.Context, j Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.data.jobs[j.ID]; exists {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	m.data.jobs[j.ID] = j
	return nil
}

func (m *MemStore) HasPendingJob(ctx context.Context, jobType JobType, period Period) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, j := range m.data.jobs {
		if j.Type == jobType && j.Period == period && j.Status == JobPending {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Job, 0)
	for _, j := range m.data.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return truncate(out, limit), nil
}

func (m *MemStore) FinishJob(ctx context.Context, id uuid.UUID, status JobStatus, fulfilledAt time.Time, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.data.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.Status != JobPending {
		return ErrJobAlreadyFinished
	}
	at := fulfilledAt
	j.Status = status
	j.Error = errMsg
	j.FulfilledAt = &at
	m.data.jobs[id] = j
	return nil
}

func (m *MemStore) GetWasteStream(ctx context.Context, number string) (WasteStream, error) {
	if err := ctx.Err(); err != nil {
		return WasteStream{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data.streams[number]
	if !ok {
		return WasteStream{}, ErrWasteStreamNotFound
	}
	return s, nil
}

func copyDeclaration(d Declaration) Declaration {
	d.Transporters = append([]string(nil), d.Transporters...)
	d.LineIDs = append([]int64(nil), d.LineIDs...)
	d.Errors = append([]RegistryError(nil), d.Errors...)
	return d
}

func copySession(s Session) Session {
	s.DeclarationIDs = append([]string(nil), s.DeclarationIDs...)
	s.Errors = append([]string(nil), s.Errors...)
	return s
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
