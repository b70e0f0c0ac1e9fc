package declaration

import (
	"fmt"
	"time"
)

const (
	periodLayout = "2006-01"
	// deadlineDay is the day of the month following a period on which its
	// declaration is due.
	deadlineDay = 20
)

// Period is a calendar month, the unit of declaration aggregation.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod normalises year and month into a Period.
func NewPeriod(year int, month time.Month) Period {
	t := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Year: t.Year(), Month: t.Month()}
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod reads a YYYY-MM string.
func ParsePeriod(value string) (Period, error) {
	t, err := time.Parse(periodLayout, value)
	if err != nil {
		return Period{}, fmt.Errorf("declaration: invalid period %q", value)
	}
	return PeriodOf(t), nil
}

// MustPeriod parses value and panics on error. Intended for fixtures.
func MustPeriod(value string) Period {
	p, err := ParsePeriod(value)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Period) String() string {
	if p.IsZero() {
		return ""
	}
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// IsZero reports whether the period is unset.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// Start returns the first instant of the period in UTC.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// AddMonths shifts the period by n months with year rollover.
func (p Period) AddMonths(n int) Period {
	return NewPeriod(p.Year, p.Month+time.Month(n))
}

// Before reports whether p is strictly earlier than other.
func (p Period) Before(other Period) bool {
	return p.index() < other.index()
}

// Deadline returns the due date of the declaration for p: the 20th of the
// following month.
func (p Period) Deadline() time.Time {
	next := p.AddMonths(1)
	return time.Date(next.Year, next.Month, deadlineDay, 0, 0, 0, 0, time.UTC)
}

func (p Period) index() int {
	return p.Year*12 + int(p.Month) - 1
}

// CutoffPeriod returns the first period whose deadline has not passed at now.
// Periods strictly before the cutoff are overdue.
func CutoffPeriod(now time.Time) Period {
	current := PeriodOf(now)
	if now.Day() < deadlineDay {
		return current.AddMonths(-1)
	}
	return current
}

// MarshalText implements encoding.TextMarshaler.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Period) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = Period{}
		return nil
	}
	parsed, err := ParsePeriod(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
