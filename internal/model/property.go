package model

import (
	"time"

	"github.com/paulmach/orb"
)

// Property is a ground parcel candidate for hazard exposure.
type Property struct {
	CountyParcelID string    `json:"county_parcel_id"`
	AddressLine1   string    `json:"address_line1"`
	City           string    `json:"city"`
	Zip            string    `json:"zip"`
	Location       orb.Point `json:"-"`
	OwnerName      *string   `json:"owner_name,omitempty"`
	YearBuilt      *int      `json:"year_built,omitempty"`
	AssessedValue  *float64  `json:"assessed_value,omitempty"`
	County         string    `json:"county"`
	DataSource     string    `json:"data_source"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DedupeProperties drops later duplicates of a parcel id, keeping the first
// occurrence and the input order.
func DedupeProperties(props []Property) []Property {
	seen := make(map[string]bool, len(props))
	out := make([]Property, 0, len(props))
	for _, p := range props {
		if seen[p.CountyParcelID] {
			continue
		}
		seen[p.CountyParcelID] = true
		out = append(out, p)
	}
	return out
}
