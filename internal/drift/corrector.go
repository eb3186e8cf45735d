package drift

import (
	"context"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/observability"
	"github.com/sells-group/hailtrace/internal/store"
)

// metresPerDegree is the length of one degree of latitude.
const metresPerDegree = 111320.0

// Corrector computes and persists drift corrections for hazard events.
type Corrector struct {
	store         store.HazardStore
	live          ProfileSource
	metrics       *observability.Metrics
	detectionAltM float64
}

// NewCorrector creates a corrector. live may be nil, in which case every
// correction uses the climatological profile. metrics may be nil.
func NewCorrector(st store.HazardStore, live ProfileSource, metrics *observability.Metrics, detectionAltM float64) *Corrector {
	if detectionAltM <= 0 {
		detectionAltM = DefaultDetectionAltM
	}
	return &Corrector{store: st, live: live, metrics: metrics, detectionAltM: detectionAltM}
}

// Correct computes the drift for one event. It returns a NotFoundError when
// the event does not exist, nil when it has no hail size, and the stored
// vector when it was already corrected.
func (c *Corrector) Correct(ctx context.Context, id string) (*model.DriftVector, error) {
	ev, err := c.store.GetHazardEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.correct(ctx, ev)
}

func (c *Corrector) correct(ctx context.Context, ev *model.HazardEvent) (*model.DriftVector, error) {
	if ev.HailSizeMaxIn == nil || *ev.HailSizeMaxIn <= 0 {
		return nil, nil
	}
	if ev.Corrected() {
		return ev.DriftVector, nil
	}
	if ev.Geometry == nil {
		return nil, eris.Errorf("drift: event %s has no geometry", ev.ID)
	}

	centroid, _ := planar.CentroidArea(ev.Geometry)
	profile, src := c.profile(ctx, ev, centroid)

	vector := CalculateDrift(*ev.HailSizeMaxIn, profile, c.detectionAltM)
	vector.ProfileSource = src
	shifted := Translate(ev.Geometry, centroid[1], vector.DxM, vector.DyM)

	updated, err := c.store.UpdateDrift(ctx, ev.ID, shifted, vector)
	if err != nil {
		return nil, eris.Wrapf(err, "drift: persist %s", ev.ID)
	}
	if !updated {
		// Corrected concurrently; the stored vector wins.
		cur, err := c.store.GetHazardEvent(ctx, ev.ID)
		if err != nil {
			return nil, err
		}
		return cur.DriftVector, nil
	}

	if c.metrics != nil {
		c.metrics.DriftCorrections.WithLabelValues(string(src)).Inc()
	}
	zap.L().Debug("drift corrected",
		zap.String("component", "drift"),
		zap.String("event_id", ev.ID),
		zap.Float64("dx_m", vector.DxM),
		zap.Float64("dy_m", vector.DyM),
		zap.Float64("fall_time_s", vector.FallTimeSec),
		zap.String("profile", string(src)),
	)
	return &vector, nil
}

func (c *Corrector) profile(ctx context.Context, ev *model.HazardEvent, at orb.Point) ([]ProfileSample, model.ProfileSource) {
	ref := ev.ReferenceTime()
	if c.live != nil {
		samples, err := c.live.Profile(ctx, at[1], at[0], ref)
		if err == nil && len(samples) > 0 {
			return samples, model.ProfileLive
		}
		zap.L().Warn("live wind profile unavailable, using climatology",
			zap.String("component", "drift"),
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
		if c.metrics != nil {
			c.metrics.ProfileFallbacks.Inc()
		}
	}
	return ClimatologicalProfile(int(ref.Month())), model.ProfileClimatological
}

// CorrectAllPending corrects up to store.PendingDriftLimit uncorrected
// hail events, each independently, and returns how many succeeded.
func (c *Corrector) CorrectAllPending(ctx context.Context) (int, error) {
	log := zap.L().With(zap.String("component", "drift"))

	pending, err := c.store.SelectPendingDrift(ctx, store.PendingDriftLimit)
	if err != nil {
		return 0, eris.Wrap(err, "drift: select pending")
	}

	corrected := 0
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return corrected, err
		}
		v, err := c.correct(ctx, &pending[i])
		if err != nil {
			log.Error("drift correction failed", zap.String("event_id", pending[i].ID), zap.Error(err))
			if c.metrics != nil {
				c.metrics.DriftFailures.Inc()
			}
			continue
		}
		if v != nil {
			corrected++
		}
	}

	if len(pending) > 0 {
		log.Info("drift backlog processed",
			zap.Int("pending", len(pending)),
			zap.Int("corrected", corrected),
		)
	}
	return corrected, nil
}

// Translate returns a copy of g shifted by dx metres east and dy metres
// north, scaling longitude by the cosine of refLat.
func Translate(g orb.Geometry, refLat, dxM, dyM float64) orb.Geometry {
	dLat := dyM / metresPerDegree
	dLon := 0.0
	if c := math.Cos(refLat * math.Pi / 180); c > 1e-9 {
		dLon = dxM / (metresPerDegree * c)
	}
	return project.Geometry(orb.Clone(g), func(p orb.Point) orb.Point {
		return orb.Point{p[0] + dLon, p[1] + dLat}
	})
}
