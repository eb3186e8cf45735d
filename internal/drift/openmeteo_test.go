package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hailtrace/internal/fetcher"
	"github.com/sells-group/hailtrace/internal/resilience"
)

func openMeteoBody() map[string]any {
	hourly := map[string]any{
		"time": []string{"2024-06-01T21:00", "2024-06-01T22:00", "2024-06-01T23:00"},
	}
	for _, l := range pressureLevels {
		hourly[fmt.Sprintf("wind_speed_%dhPa", l.hPa)] = []any{1.0, 10.0, 1.0}
		hourly[fmt.Sprintf("wind_direction_%dhPa", l.hPa)] = []any{0.0, 270.0, 0.0}
		hourly[fmt.Sprintf("geopotential_height_%dhPa", l.hPa)] = []any{nil, l.standardM + 5, nil}
	}
	// A level with missing wind is dropped.
	hourly["wind_speed_150hPa"] = []any{1.0, nil, 1.0}
	return map[string]any{"hourly": hourly}
}

func TestOpenMeteo_Profile(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode(openMeteoBody())
	}))
	defer srv.Close()

	o := NewOpenMeteo(OpenMeteoConfig{URL: srv.URL}, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{}))
	at := time.Date(2024, 6, 1, 21, 50, 0, 0, time.UTC)

	samples, err := o.Profile(context.Background(), 30.3, -97.7, at)
	require.NoError(t, err)
	require.Len(t, samples, len(pressureLevels)-1)

	// 270 degrees is a westerly: blowing toward the east.
	assert.InDelta(t, 10, samples[0].U, 1e-9)
	assert.InDelta(t, 0, samples[0].V, 1e-9)
	assert.Equal(t, 115.0, samples[0].AltitudeM)

	assert.Contains(t, query, "wind_speed_unit=ms")
	assert.Contains(t, query, "start_date=2024-06-01")
	assert.Contains(t, query, "latitude=30.3000")
	assert.True(t, strings.Contains(query, "wind_direction_500hPa"))
}

func TestOpenMeteo_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"bad request", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadRequest) }},
		{"no hourly", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"error":true}`)) }},
		{"no levels", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"hourly":{"time":["2024-06-01T22:00"]}}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			cfg := OpenMeteoConfig{URL: srv.URL, Retry: resilience.RetryConfig{MaxAttempts: 1}}
			o := NewOpenMeteo(cfg, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1}))
			_, err := o.Profile(context.Background(), 30, -97, time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC))
			assert.Error(t, err)
		})
	}
}

func TestWindComponents(t *testing.T) {
	tests := []struct {
		dir   float64
		wantU float64
		wantV float64
	}{
		{270, 10, 0},
		{90, -10, 0},
		{180, 0, 10},
		{0, 0, -10},
	}
	for _, tt := range tests {
		u, v := windComponents(10, tt.dir)
		assert.InDelta(t, tt.wantU, u, 1e-9, "dir %v", tt.dir)
		assert.InDelta(t, tt.wantV, v, 1e-9, "dir %v", tt.dir)
	}
}
