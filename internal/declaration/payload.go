package declaration

import (
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// PartyBlock identifies a party in a first receival. Home-country parties are
// identified by registration number, foreign parties by name.
type PartyBlock struct {
	RegistrationNumber string `json:"registrationNumber,omitempty" validate:"required_if=Foreign false"`
	Country            string `json:"country" validate:"required,len=2"`
	Name               string `json:"name,omitempty" validate:"required_if=Foreign true"`
	Foreign            bool   `json:"-"`
}

// WasteClassification describes the declared material.
type WasteClassification struct {
	Name             string `json:"name" validate:"required"`
	EuralCode        string `json:"euralCode" validate:"required"`
	ProcessingMethod string `json:"processingMethod" validate:"required"`
}

// FirstReceivalPayload carries the full metadata the registry requires the
// first time it sees a waste stream.
type FirstReceivalPayload struct {
	DeclarationID     string              `json:"declarationId" validate:"required"`
	WasteStreamNumber string              `json:"wasteStreamNumber" validate:"required,min=5"`
	ProcessorNumber   string              `json:"processorNumber" validate:"required,len=5"`
	Period            Period              `json:"period"`
	Consignor         PartyBlock          `json:"consignor"`
	PickupLocation    Address             `json:"pickupLocation"`
	DeliveryLocation  Address             `json:"deliveryLocation"`
	Waste             WasteClassification `json:"waste"`
	Collector         *PartyBlock         `json:"collector,omitempty" validate:"omitempty"`
	Dealer            *PartyBlock         `json:"dealer,omitempty" validate:"omitempty"`
	Broker            *PartyBlock         `json:"broker,omitempty" validate:"omitempty"`
	RouteCollection   bool                `json:"routeCollection"`
	Transporters      []string            `json:"transporters" validate:"dive,required"`
	TotalWeight       int64               `json:"totalWeight" validate:"gte=0"`
	TotalShipments    int                 `json:"totalShipments" validate:"gt=0"`
}

// MonthlyReceivalPayload carries identifiers and totals only.
type MonthlyReceivalPayload struct {
	DeclarationID     string   `json:"declarationId" validate:"required"`
	WasteStreamNumber string   `json:"wasteStreamNumber" validate:"required,min=5"`
	ProcessorNumber   string   `json:"processorNumber" validate:"required,len=5"`
	Period            Period   `json:"period"`
	Transporters      []string `json:"transporters" validate:"dive,required"`
	TotalWeight       int64    `json:"totalWeight" validate:"gte=0"`
	TotalShipments    int      `json:"totalShipments" validate:"gt=0"`
}

// Work is an aggregated declaration ready for submission. Exactly one payload
// is set, matching Declaration.Kind.
type Work struct {
	Declaration Declaration
	First       *FirstReceivalPayload
	Monthly     *MonthlyReceivalPayload
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// lineGroup is the set of candidate lines for one declaration key.
type lineGroup struct {
	Key   Key
	Lines []Line
}

// groupLines buckets lines by (stream, period) in a stable order.
func groupLines(lines []Line) []lineGroup {
	index := make(map[Key]int)
	groups := make([]lineGroup, 0)
	for _, line := range lines {
		key := Key{WasteStreamNumber: line.WasteStreamNumber, Period: line.Period}
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, lineGroup{Key: key})
		}
		groups[pos].Lines = append(groups[pos].Lines, line)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Key.WasteStreamNumber != groups[j].Key.WasteStreamNumber {
			return groups[i].Key.WasteStreamNumber < groups[j].Key.WasteStreamNumber
		}
		return groups[i].Key.Period.Before(groups[j].Key.Period)
	})
	return groups
}

// Totals sums line quantities. Fractional kilograms are truncated after
// summing, following the registry convention.
func Totals(lines []Line) (weight int64, shipments int) {
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(line.Quantity)
	}
	return sum.Truncate(0).IntPart(), len(lines)
}

func lineIDs(lines []Line) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ID)
	}
	return ids
}

func transporterIDs(lines []Line) []int64 {
	seen := make(map[int64]struct{})
	ids := make([]int64, 0)
	for _, line := range lines {
		if line.TransporterID == nil {
			continue
		}
		if _, ok := seen[*line.TransporterID]; ok {
			continue
		}
		seen[*line.TransporterID] = struct{}{}
		ids = append(ids, *line.TransporterID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
