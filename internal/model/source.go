package model

import "github.com/rotisserie/eris"

// Source tags where a hazard event came from. The set is closed: every
// Source has exactly one adapter and one normalize function.
type Source uint8

const (
	// SourceGrid is a continuous radar-derived grid (MESH).
	SourceGrid Source = iota + 1
	// SourceAlert is a government warning polygon (NWS active alerts).
	SourceAlert
	// SourceReport is a tabular storm report (SPC daily CSV).
	SourceReport
)

// AllSources returns every known source in scheduling order.
func AllSources() []Source {
	return []Source{SourceGrid, SourceAlert, SourceReport}
}

// String returns the persisted name of the source.
func (s Source) String() string {
	switch s {
	case SourceGrid:
		return "continuous-grid"
	case SourceAlert:
		return "government-alert"
	case SourceReport:
		return "tabular-report"
	default:
		return "unknown"
	}
}

// ShortName returns the CLI/config key for the source.
func (s Source) ShortName() string {
	switch s {
	case SourceGrid:
		return "mesh"
	case SourceAlert:
		return "nws"
	case SourceReport:
		return "spc"
	default:
		return "unknown"
	}
}

// ParseSource accepts either the persisted name or the short name.
func ParseSource(s string) (Source, error) {
	for _, src := range AllSources() {
		if s == src.String() || s == src.ShortName() {
			return src, nil
		}
	}
	return 0, eris.Errorf("unknown source: %q (valid: mesh, nws, spc)", s)
}

// MarshalText encodes the persisted name.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts either the persisted or the short name.
func (s *Source) UnmarshalText(b []byte) error {
	v, err := ParseSource(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
