package model

import (
	"time"

	"github.com/paulmach/orb"
)

// ProfileSource names where the wind profile behind a drift vector came from.
type ProfileSource string

const (
	ProfileClimatological ProfileSource = "climatological"
	ProfileLive           ProfileSource = "live"
)

// DriftVector is the horizontal displacement of falling hail between the
// detection altitude and the ground.
type DriftVector struct {
	DxM           float64       `json:"dx_m"`
	DyM           float64       `json:"dy_m"`
	FallTimeSec   float64       `json:"fall_time_s"`
	DetectionAltM float64       `json:"detection_alt_m"`
	ProfileSource ProfileSource `json:"profile_source,omitempty"`
}

// HazardEvent is one detected severe-weather feature.
type HazardEvent struct {
	ID              string         `json:"id"`
	Source          Source         `json:"-"`
	SourceID        string         `json:"source_id"`
	Geometry        orb.Geometry   `json:"-"`
	HailSizeMaxIn   *float64       `json:"hail_size_max_in,omitempty"`
	WindSpeedMaxMph *float64       `json:"wind_speed_max_mph,omitempty"`
	EventStart      *time.Time     `json:"event_start,omitempty"`
	EventEnd        *time.Time     `json:"event_end,omitempty"`
	RawData         map[string]any `json:"raw_data,omitempty"`

	DriftCorrectedGeometry orb.Geometry `json:"-"`
	DriftVector            *DriftVector `json:"drift_vector,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Corrected reports whether drift correction has already been recorded.
func (e *HazardEvent) Corrected() bool {
	return e.DriftVector != nil
}

// ReferenceTime is the best available timestamp for the event: start, then
// end, then the insertion time.
func (e *HazardEvent) ReferenceTime() time.Time {
	switch {
	case e.EventStart != nil:
		return *e.EventStart
	case e.EventEnd != nil:
		return *e.EventEnd
	default:
		return e.CreatedAt
	}
}

// RecentFilter selects hazard events for downstream consumers.
type RecentFilter struct {
	Since time.Time
	// CreatedSince selects rows inserted at or after the instant, in insert
	// order and without the default limit.
	CreatedSince time.Time
	Sources      []Source
	MinHailIn    float64
	Limit        int
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
