package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/resilience"
)

// ProfileSource fetches a live wind profile near a point and time.
type ProfileSource interface {
	Profile(ctx context.Context, lat, lon float64, at time.Time) ([]ProfileSample, error)
}

// DefaultOpenMeteoURL is the GFS pressure-level forecast endpoint.
const DefaultOpenMeteoURL = "https://api.open-meteo.com/v1/gfs"

// DefaultProfileTimeout bounds one live profile fetch.
const DefaultProfileTimeout = 15 * time.Second

// pressureLevels are the 15 levels requested, with standard-atmosphere
// heights used when the response carries no geopotential height.
var pressureLevels = []struct {
	hPa       int
	standardM float64
}{
	{1000, 110}, {975, 320}, {950, 540}, {925, 760}, {900, 990},
	{850, 1460}, {800, 1950}, {700, 3010}, {600, 4210}, {500, 5570},
	{400, 7190}, {300, 9160}, {250, 10360}, {200, 11780}, {150, 13610},
}

const openMeteoTimeLayout = "2006-01-02T15:04"

// OpenMeteoConfig configures the live profile client.
type OpenMeteoConfig struct {
	URL     string
	Timeout time.Duration
	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
}

// OpenMeteo reads pressure-level winds from the Open-Meteo API.
type OpenMeteo struct {
	cfg     OpenMeteoConfig
	fetcher fetcher.Fetcher
	breaker *resilience.CircuitBreaker
}

// NewOpenMeteo creates a live profile source.
func NewOpenMeteo(cfg OpenMeteoConfig, f fetcher.Fetcher) *OpenMeteo {
	if cfg.URL == "" {
		cfg.URL = DefaultOpenMeteoURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProfileTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
		cfg.Retry.MaxAttempts = 2
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = resilience.IsTransient
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = resilience.RetryLogger("open-meteo", "profile")
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = resilience.DefaultCircuitBreakerConfig()
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "open-meteo"
	}
	return &OpenMeteo{cfg: cfg, fetcher: f, breaker: resilience.NewCircuitBreaker(cfg.Breaker)}
}

func (o *OpenMeteo) requestURL(lat, lon float64, at time.Time) string {
	vars := make([]string, 0, len(pressureLevels)*3)
	for _, l := range pressureLevels {
		vars = append(vars,
			fmt.Sprintf("wind_speed_%dhPa", l.hPa),
			fmt.Sprintf("wind_direction_%dhPa", l.hPa),
			fmt.Sprintf("geopotential_height_%dhPa", l.hPa),
		)
	}
	day := at.UTC().Format("2006-01-02")
	v := url.Values{}
	v.Set("latitude", fmt.Sprintf("%.4f", lat))
	v.Set("longitude", fmt.Sprintf("%.4f", lon))
	v.Set("hourly", strings.Join(vars, ","))
	v.Set("wind_speed_unit", "ms")
	v.Set("timezone", "UTC")
	v.Set("start_date", day)
	v.Set("end_date", day)
	return o.cfg.URL + "?" + v.Encode()
}

// Profile implements ProfileSource. The sample nearest to at is used.
func (o *OpenMeteo) Profile(ctx context.Context, lat, lon float64, at time.Time) ([]ProfileSample, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	rawURL := o.requestURL(lat, lon, at)
	return resilience.Call(ctx, o.breaker, o.cfg.Retry, func(ctx context.Context) ([]ProfileSample, error) {
		body, err := o.fetcher.Download(ctx, rawURL)
		if err != nil {
			return nil, eris.Wrap(err, "open-meteo: fetch profile")
		}
		defer body.Close() //nolint:errcheck

		resp, err := fetcher.DecodeJSONObject[struct {
			Hourly map[string]json.RawMessage `json:"hourly"`
		}](body)
		if err != nil {
			return nil, eris.Wrap(err, "open-meteo: decode")
		}
		return parseHourly(resp.Hourly, at)
	})
}

func parseHourly(hourly map[string]json.RawMessage, at time.Time) ([]ProfileSample, error) {
	var times []string
	if err := json.Unmarshal(hourly["time"], &times); err != nil || len(times) == 0 {
		return nil, eris.New("open-meteo: response has no hourly times")
	}

	idx, best := -1, time.Duration(math.MaxInt64)
	for i, s := range times {
		t, err := time.Parse(openMeteoTimeLayout, s)
		if err != nil {
			continue
		}
		d := t.Sub(at.UTC())
		if d < 0 {
			d = -d
		}
		if d < best {
			idx, best = i, d
		}
	}
	if idx < 0 {
		return nil, eris.New("open-meteo: no parseable hourly times")
	}

	series := func(name string) (float64, bool) {
		var vals []*float64
		if err := json.Unmarshal(hourly[name], &vals); err != nil || idx >= len(vals) || vals[idx] == nil {
			return 0, false
		}
		return *vals[idx], true
	}

	var out []ProfileSample
	for _, l := range pressureLevels {
		speed, ok1 := series(fmt.Sprintf("wind_speed_%dhPa", l.hPa))
		dir, ok2 := series(fmt.Sprintf("wind_direction_%dhPa", l.hPa))
		if !ok1 || !ok2 {
			continue
		}
		alt, ok := series(fmt.Sprintf("geopotential_height_%dhPa", l.hPa))
		if !ok {
			alt = l.standardM
		}
		u, v := windComponents(speed, dir)
		out = append(out, ProfileSample{AltitudeM: alt, U: u, V: v})
	}
	if len(out) == 0 {
		return nil, eris.Errorf("open-meteo: no wind levels at %s", times[idx])
	}
	return out, nil
}

// windComponents converts a meteorological speed and direction (the bearing
// the wind blows from) to eastward and northward components.
func windComponents(speed, fromDeg float64) (u, v float64) {
	rad := fromDeg * math.Pi / 180
	return -speed * math.Sin(rad), -speed * math.Cos(rad)
}
