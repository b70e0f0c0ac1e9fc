package declaration

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind enumerates registry declaration types.
type Kind string

const (
	// KindFirstReceival is the first declaration ever sent for a waste stream.
	KindFirstReceival Kind = "FIRST_RECEIVAL"
	// KindMonthlyReceival is a follow-up declaration carrying totals only.
	KindMonthlyReceival Kind = "MONTHLY_RECEIVAL"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFirstReceival, KindMonthlyReceival:
		return true
	}
	return false
}

// KindFor classifies a stream by its declaration history. Any earlier record,
// failed ones included, means the registry already knows the stream.
func KindFor(hasPriorDeclaration bool) Kind {
	if hasPriorDeclaration {
		return KindMonthlyReceival
	}
	return KindFirstReceival
}

// Status enumerates declaration lifecycle values.
type Status string

const (
	// StatusWaitingApproval holds late declarations until an operator confirms them.
	StatusWaitingApproval Status = "WAITING_APPROVAL"
	// StatusPending indicates the declaration was sent and awaits a session result.
	StatusPending Status = "PENDING"
	// StatusCompleted indicates the registry accepted the declaration.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates rejection or a failed submission.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SessionStatus enumerates registry session lifecycle values.
type SessionStatus string

const (
	SessionPending   SessionStatus = "PENDING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
)

// Terminal reports whether the session has been closed out.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// JobType enumerates the scheduled units of work.
type JobType string

const (
	JobFirstReceivals   JobType = "FIRST_RECEIVALS"
	JobMonthlyReceivals JobType = "MONTHLY_RECEIVALS"
	JobLateLines        JobType = "LATE_LINES"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobFirstReceivals, JobMonthlyReceivals, JobLateLines:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle values.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// RegistryError is a structured error reported by the registry or recorded
// locally when a submission could not be made.
type RegistryError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e RegistryError) String() string {
	if e.Code == "" {
		return e.Description
	}
	return e.Code + ": " + e.Description
}

// Line is one weighed shipment of a waste stream within a period.
type Line struct {
	ID                int64
	WasteStreamNumber string
	Period            Period
	Quantity          decimal.Decimal
	WeighedAt         time.Time
	TransporterID     *int64
	DeclaredQuantity  decimal.NullDecimal
	LastDeclaredAt    *time.Time
}

// Settled reports whether the last declared snapshot matches the current quantity.
func (l Line) Settled() bool {
	return l.DeclaredQuantity.Valid && l.LastDeclaredAt != nil && l.DeclaredQuantity.Decimal.Equal(l.Quantity)
}

// Key identifies the (waste stream, period) slot a declaration occupies.
type Key struct {
	WasteStreamNumber string
	Period            Period
}

func (k Key) String() string {
	return k.WasteStreamNumber + "@" + k.Period.String()
}

// Declaration is the registry-facing unit for one waste stream and period.
type Declaration struct {
	ID                string
	WasteStreamNumber string
	Period            Period
	Kind              Kind
	Status            Status
	Transporters      []string
	LineIDs           []int64
	TotalWeight       int64
	TotalShipments    int
	Errors            []RegistryError
	ConfirmationID    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Key returns the supersede key of the declaration.
func (d Declaration) Key() Key {
	return Key{WasteStreamNumber: d.WasteStreamNumber, Period: d.Period}
}

// Session tracks one submitted batch until the registry has evaluated it.
type Session struct {
	ID             string
	Kind           Kind
	DeclarationIDs []string
	Status         SessionStatus
	Errors         []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Covers reports whether the session was submitted with the declaration.
func (s Session) Covers(declarationID string) bool {
	return slices.Contains(s.DeclarationIDs, declarationID)
}

// Job is one scheduled unit of declaration work.
type Job struct {
	ID          uuid.UUID
	Type        JobType
	Period      Period
	Status      JobStatus
	Error       string
	CreatedAt   time.Time
	FulfilledAt *time.Time
}

// Address is a location block of a first receival.
type Address struct {
	Street     string `json:"street" validate:"required"`
	Number     string `json:"number" validate:"required"`
	PostalCode string `json:"postalCode" validate:"required"`
	City       string `json:"city" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
}

// WasteStream is the master record behind a waste-stream-number.
type WasteStream struct {
	Number           string
	Name             string
	EuralCode        string
	ProcessingMethod string
	ConsignorID      int64
	Pickup           Address
	Delivery         Address
	CollectorID      *int64
	DealerID         *int64
	BrokerID         *int64
	RouteCollection  bool
}

// ProcessorNumber returns the receiving processor encoded in the stream number.
func ProcessorNumber(wasteStreamNumber string) string {
	if len(wasteStreamNumber) < 5 {
		return wasteStreamNumber
	}
	return wasteStreamNumber[:5]
}

// Party is the company directory view used in registry party blocks.
type Party struct {
	ID                 int64
	RegistrationNumber string
	Country            string
	Name               string
}

var (
	// ErrDeclarationNotFound occurs when a declaration id is unknown.
	ErrDeclarationNotFound = errors.New("declaration: not found")
	// ErrSessionNotFound occurs when a session id is unknown.
	ErrSessionNotFound = errors.New("declaration: session not found")
	// ErrJobNotFound occurs when a job id is unknown.
	ErrJobNotFound = errors.New("declaration: job not found")
	// ErrWasteStreamNotFound occurs when stream master data is missing.
	ErrWasteStreamNotFound = errors.New("declaration: waste stream not found")
	// ErrPartyNotFound occurs when the company directory cannot resolve a party.
	ErrPartyNotFound = errors.New("declaration: party not found")
	// ErrNotAwaitingApproval occurs when approving a declaration outside WAITING_APPROVAL.
	ErrNotAwaitingApproval = errors.New("declaration: not awaiting approval")
	// ErrJobAlreadyFinished occurs when finishing a job that is no longer pending.
	ErrJobAlreadyFinished = errors.New("declaration: job already finished")
	// ErrInvalidPayload wraps payload validation failures.
	ErrInvalidPayload = errors.New("declaration: invalid payload")
	// ErrSubmit wraps registry submission failures.
	ErrSubmit = errors.New("declaration: registry submit failed")
	// ErrUnrecordedSession occurs when the registry acknowledged a batch but
	// the local unit of work could not be committed.
	ErrUnrecordedSession = errors.New("declaration: registry session not recorded")
	// ErrInvalidFilter occurs when a listing filter names an unknown status.
	ErrInvalidFilter = errors.New("declaration: invalid filter")
)

func wrapPayloadErr(key Key, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, key, err)
}
