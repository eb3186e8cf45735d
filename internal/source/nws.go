package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/model"
)

// DefaultNWSURL lists active severe thunderstorm and tornado warnings.
const DefaultNWSURL = "https://api.weather.gov/alerts/active?event=Severe%20Thunderstorm%20Warning,Tornado%20Warning"

// NWSConfig configures the alert adapter.
type NWSConfig struct {
	URL string
}

// NWS is the government-alert adapter.
type NWS struct {
	cfg     NWSConfig
	fetcher fetcher.Fetcher
}

// NewNWS creates the alert adapter. The fetcher is expected to send a
// descriptive User-Agent, which the NWS API requires.
func NewNWS(cfg NWSConfig, f fetcher.Fetcher) *NWS {
	if cfg.URL == "" {
		cfg.URL = DefaultNWSURL
	}
	return &NWS{cfg: cfg, fetcher: f}
}

// Kind implements Adapter.
func (a *NWS) Kind() model.Source { return model.SourceAlert }

type alertCollection struct {
	Features []json.RawMessage `json:"features"`
}

// Fetch implements Adapter.
func (a *NWS) Fetch(ctx context.Context) (*Batch, error) {
	log := zap.L().With(zap.String("component", "source.nws"))

	body, err := a.fetcher.Download(ctx, a.cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "nws: fetch active alerts")
	}
	defer body.Close() //nolint:errcheck

	coll, err := fetcher.DecodeJSONObject[alertCollection](body)
	if err != nil {
		return nil, eris.Wrap(err, "nws: decode alerts")
	}

	batch := newBatch()
	noGeometry := 0
	for i, raw := range coll.Features {
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			batch.Skipped++
			log.Debug("skipping alert",
				zap.Error(&model.RecordError{Source: model.SourceAlert, Index: i, Reason: err.Error()}))
			continue
		}
		ev, ok := normalizeAlert(f)
		if !ok {
			noGeometry++
			continue
		}
		if ev.SourceID == "" {
			batch.Skipped++
			log.Debug("skipping alert",
				zap.Error(&model.RecordError{Source: model.SourceAlert, Index: i, Reason: "missing id"}))
			continue
		}
		batch.Events = append(batch.Events, *ev)
	}

	batch.Meta["features"] = len(coll.Features)
	batch.Meta["no_geometry"] = noGeometry
	log.Info("active alerts fetched",
		zap.Int("features", len(coll.Features)),
		zap.Int("events", len(batch.Events)),
		zap.Int("no_geometry", noGeometry),
		zap.Int("skipped", batch.Skipped),
	)
	return batch, nil
}

// normalizeAlert maps one alert feature. Alerts without an inline polygon
// (zone codes only) are not events and report false.
func normalizeAlert(f *geojson.Feature) (*model.HazardEvent, bool) {
	switch f.Geometry.(type) {
	case orb.Polygon, orb.MultiPolygon:
	default:
		return nil, false
	}

	props := f.Properties
	id, _ := props["id"].(string)
	if id == "" {
		if s, ok := f.ID.(string); ok {
			id = s
		}
	}

	ev := &model.HazardEvent{
		Source:     model.SourceAlert,
		SourceID:   id,
		Geometry:   f.Geometry,
		EventStart: firstTime(props, "onset", "sent", "effective"),
		EventEnd:   firstTime(props, "expires", "ends"),
		RawData:    map[string]any{},
	}
	for _, k := range []string{"headline", "severity", "areaDesc", "event", "senderName"} {
		if v, ok := props[k]; ok && v != nil {
			ev.RawData[k] = v
		}
	}

	params, _ := props["parameters"].(map[string]any)
	if v, ok := firstParam(params, "maxHailSize", "hailSize"); ok {
		ev.HailSizeMaxIn = model.Float64(v)
	}
	if v, ok := firstParam(params, "maxWindGust", "windSpeed", "windGust"); ok {
		ev.WindSpeedMaxMph = model.Float64(v)
	}
	return ev, true
}

func firstTime(props geojson.Properties, keys ...string) *time.Time {
	for _, k := range keys {
		s, ok := props[k].(string)
		if !ok || s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return model.Time(t.UTC())
		}
	}
	return nil
}

// firstParam returns the first parseable value among the named alert
// parameters. Values arrive as string arrays like ["1.00"] or ["60 MPH"].
func firstParam(params map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		vals, ok := params[k].([]any)
		if !ok {
			continue
		}
		for _, v := range vals {
			if f, ok := ParseMeasure(fmt.Sprint(v)); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// ParseMeasure extracts the leading number from strings like "1.00",
// "60 MPH" or "0.75 in". Zero and negative values are rejected.
func ParseMeasure(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(s[:end], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
