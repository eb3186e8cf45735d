package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/store"
)

type recordingSink struct {
	sent []Notification
	err  error
}

func (r *recordingSink) Send(_ context.Context, n Notification) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

var (
	austin  = WatchArea{Name: "austin", Extent: [4]float64{-98.0, 30.0, -97.5, 30.6}, MinHailIn: 1.0, Recipient: "ops@example.com"}
	houston = WatchArea{Name: "houston", Extent: [4]float64{-95.8, 29.5, -95.0, 30.1}, Recipient: "hou@example.com"}
)

func box(w, s float64) orb.Polygon {
	return orb.Polygon{{{w, s}, {w + 0.1, s}, {w + 0.1, s + 0.1}, {w, s + 0.1}, {w, s}}}
}

func event(id string, g orb.Geometry, hail float64) model.HazardEvent {
	return model.HazardEvent{
		Source:        model.SourceReport,
		SourceID:      id,
		Geometry:      g,
		HailSizeMaxIn: model.Float64(hail),
		EventStart:    model.Time(time.Date(2024, 5, 28, 20, 0, 0, 0, time.UTC)),
	}
}

func newTestStore(t *testing.T, clock clockwork.Clock) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	st.SetClock(clock)
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestAreaChecker_CheckAndAlert(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 29, 0, 0, 0, 0, time.UTC))
	st := newTestStore(t, clock)
	sink := &recordingSink{}
	c := NewAreaChecker(st, []WatchArea{austin, houston}, sink, clock)
	ctx := context.Background()

	_, err := st.InsertIgnoreConflict(ctx, []model.HazardEvent{
		event("big-austin", box(-97.8, 30.2), 1.75),
		event("small-austin", box(-97.7, 30.3), 0.75),
		event("dallas", box(-96.8, 32.7), 2.0),
	})
	require.NoError(t, err)

	require.NoError(t, c.CheckAndAlert(ctx))
	require.Len(t, sink.sent, 1, "houston has no events and small hail is below the austin minimum")
	n := sink.sent[0]
	assert.Equal(t, "austin", n.Area)
	assert.Equal(t, "ops@example.com", n.Recipient)
	assert.Len(t, n.EventIDs, 1)
	assert.Equal(t, 1.75, n.MaxHailIn)
	assert.Contains(t, n.Subject, "1.75")
	assert.Contains(t, n.Body, "spc big-austin")

	require.NoError(t, c.CheckAndAlert(ctx))
	assert.Len(t, sink.sent, 1, "events already seen are not re-sent")

	clock.Advance(5 * time.Minute)
	_, err = st.InsertIgnoreConflict(ctx, []model.HazardEvent{event("houston-1", box(-95.5, 29.7), 0.5)})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	require.NoError(t, c.CheckAndAlert(ctx))
	require.Len(t, sink.sent, 2)
	assert.Equal(t, "houston", sink.sent[1].Area)

	ev, err := st.GetHazardEvent(ctx, n.EventIDs[0])
	require.NoError(t, err)
	assert.Nil(t, ev.DriftVector, "checker never mutates hazard rows")
}

func TestAreaChecker_LateCommittedEventIsAlerted(t *testing.T) {
	t0 := time.Date(2024, 5, 29, 0, 0, 0, 0, time.UTC)
	insertClock := clockwork.NewFakeClockAt(t0)
	checkClock := clockwork.NewFakeClockAt(t0)
	st := newTestStore(t, insertClock)
	sink := &recordingSink{}
	c := NewAreaChecker(st, []WatchArea{austin}, sink, checkClock)
	ctx := context.Background()

	_, err := st.InsertIgnoreConflict(ctx, []model.HazardEvent{event("early", box(-97.8, 30.2), 1.5)})
	require.NoError(t, err)
	require.NoError(t, c.CheckAndAlert(ctx))
	require.Len(t, sink.sent, 1)

	checkClock.Advance(10 * time.Minute)
	require.NoError(t, c.CheckAndAlert(ctx))
	require.Len(t, sink.sent, 1)

	// Stamped at t0+5m but visible only after the check at t0+10m.
	insertClock.Advance(5 * time.Minute)
	_, err = st.InsertIgnoreConflict(ctx, []model.HazardEvent{event("late", box(-97.7, 30.3), 1.25)})
	require.NoError(t, err)

	checkClock.Advance(5 * time.Minute)
	require.NoError(t, c.CheckAndAlert(ctx))
	require.Len(t, sink.sent, 2)
	assert.Len(t, sink.sent[1].EventIDs, 1)
	assert.Contains(t, sink.sent[1].Body, "spc late")
	assert.NotContains(t, sink.sent[1].Body, "spc early")

	require.NoError(t, c.CheckAndAlert(ctx))
	assert.Len(t, sink.sent, 2, "each event is alerted once")
}

func TestAreaChecker_SinkFailure(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 29, 0, 0, 0, 0, time.UTC))
	st := newTestStore(t, clock)
	_, err := st.InsertIgnoreConflict(context.Background(), []model.HazardEvent{event("a", box(-97.8, 30.2), 2)})
	require.NoError(t, err)

	c := NewAreaChecker(st, []WatchArea{austin}, &recordingSink{err: errors.New("smtp down")}, clock)
	assert.Error(t, c.CheckAndAlert(context.Background()))
}

func TestAreaChecker_NoAreas(t *testing.T) {
	c := NewAreaChecker(nil, nil, LogSink{}, nil)
	assert.NoError(t, c.CheckAndAlert(context.Background()))
}

func TestWebhookSink(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := Notification{Subject: "Hail", Recipient: "ops@example.com", Area: "austin", EventIDs: []string{"1"}}
	require.NoError(t, NewWebhookSink(srv.URL).Send(context.Background(), n))
	assert.Equal(t, "austin", got.Area)
	assert.Equal(t, []string{"1"}, got.EventIDs)
}

func TestWebhookSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL).Send(context.Background(), Notification{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLoadAreas(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "areas.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
areas:
  - name: austin
    extent: [-98.0, 30.0, -97.5, 30.6]
    min_hail_in: 1.0
    recipient: ops@example.com
`), 0o644))

	areas, err := LoadAreas(good)
	require.NoError(t, err)
	require.Len(t, areas, 1)
	assert.Equal(t, austin, areas[0])

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("areas:\n  - name: x\n    extent: [1, 1, 0, 0]\n    recipient: a\n"), 0o644))
	_, err = LoadAreas(bad)
	assert.Error(t, err)
}
