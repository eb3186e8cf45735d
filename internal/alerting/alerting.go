// Package alerting notifies watchers when new hail lands in their areas.
// It only reads hazard events.
package alerting

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/hailtrace/internal/model"
	"github.com/sells-group/hailtrace/internal/store"
)

// DefaultInitialLookback is how far back the first check after startup looks.
const DefaultInitialLookback = time.Hour

// DefaultOverlap is how far before the watermark each check re-reads. Rows
// are stamped before their insert commits, so a concurrent check can read
// past a row that becomes visible later.
const DefaultOverlap = 15 * time.Minute

// Checker is run by the scheduler after each successful ingest.
type Checker interface {
	CheckAndAlert(ctx context.Context) error
}

// WatchArea is a region someone wants hail notifications for.
type WatchArea struct {
	Name      string     `yaml:"name"`
	Extent    [4]float64 `yaml:"extent"`
	MinHailIn float64    `yaml:"min_hail_in"`
	Recipient string     `yaml:"recipient"`
}

// Bound returns the area extent.
func (a WatchArea) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{a.Extent[0], a.Extent[1]}, Max: orb.Point{a.Extent[2], a.Extent[3]}}
}

// LoadAreas reads watch areas from a YAML file with a top-level "areas" list.
func LoadAreas(path string) ([]WatchArea, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "alerting: read areas %s", path)
	}
	var wrapper struct {
		Areas []WatchArea `yaml:"areas"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "alerting: parse areas")
	}
	for _, a := range wrapper.Areas {
		if a.Name == "" || a.Recipient == "" {
			return nil, eris.Errorf("alerting: area %q needs a name and recipient", a.Name)
		}
		if a.Extent[0] >= a.Extent[2] || a.Extent[1] >= a.Extent[3] {
			return nil, eris.Errorf("alerting: area %s: extent must be west,south,east,north", a.Name)
		}
	}
	return wrapper.Areas, nil
}

// Notification is one message to one recipient.
type Notification struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Recipient string    `json:"recipient"`
	Area      string    `json:"area"`
	EventIDs  []string  `json:"event_ids"`
	MaxHailIn float64   `json:"max_hail_in"`
	Timestamp time.Time `json:"timestamp"`
}

// AreaChecker matches newly inserted hail events against watch areas.
type AreaChecker struct {
	store    store.HazardStore
	areas    []WatchArea
	sink     Sink
	clock    clockwork.Clock
	lookback time.Duration
	overlap  time.Duration

	mu sync.Mutex
	// watermark is the newest created_at read so far.
	watermark time.Time
	// notified holds IDs already alerted inside the overlap window, with
	// their created_at for pruning.
	notified map[string]time.Time
}

// NewAreaChecker creates an area checker. clock defaults to the real clock.
func NewAreaChecker(st store.HazardStore, areas []WatchArea, sink Sink, clock clockwork.Clock) *AreaChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AreaChecker{
		store:    st,
		areas:    areas,
		sink:     sink,
		clock:    clock,
		lookback: DefaultInitialLookback,
		overlap:  DefaultOverlap,
		notified: make(map[string]time.Time),
	}
}

// CheckAndAlert sends one notification per area that received events not
// yet alerted. Each check reads from the overlap window before the newest
// created_at seen, so late-committing rows are still picked up. Every area is
// attempted; the first send failure is returned.
func (c *AreaChecker) CheckAndAlert(ctx context.Context) error {
	if len(c.areas) == 0 {
		return nil
	}
	log := zap.L().With(zap.String("component", "alerting"))

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now().UTC()
	if c.watermark.IsZero() {
		c.watermark = now.Add(-c.lookback)
	}
	since := c.watermark.Add(-c.overlap)

	minHail := c.areas[0].MinHailIn
	for _, a := range c.areas[1:] {
		minHail = min(minHail, a.MinHailIn)
	}
	read, err := c.store.SelectRecent(ctx, model.RecentFilter{CreatedSince: since, MinHailIn: minHail})
	if err != nil {
		return eris.Wrap(err, "alerting: select recent events")
	}

	events := read[:0:0]
	for _, ev := range read {
		if ev.CreatedAt.After(c.watermark) {
			c.watermark = ev.CreatedAt
		}
		if _, seen := c.notified[ev.ID]; seen {
			continue
		}
		c.notified[ev.ID] = ev.CreatedAt
		events = append(events, ev)
	}
	c.prune()

	var firstErr error
	sent := 0
	for _, area := range c.areas {
		n, ok := match(area, events, now)
		if !ok {
			continue
		}
		if err := c.sink.Send(ctx, n); err != nil {
			log.Error("failed to send notification", zap.String("area", area.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = eris.Wrapf(err, "alerting: notify %s", area.Name)
			}
			continue
		}
		sent++
	}
	log.Debug("alert check complete",
		zap.Int("events", len(events)),
		zap.Int("notifications", sent),
	)
	return firstErr
}

// prune forgets IDs that the next check's window no longer reaches.
func (c *AreaChecker) prune() {
	cutoff := c.watermark.Add(-c.overlap)
	for id, created := range c.notified {
		if created.Before(cutoff) {
			delete(c.notified, id)
		}
	}
}

func match(area WatchArea, events []model.HazardEvent, now time.Time) (Notification, bool) {
	bound := area.Bound()
	var ids []string
	var lines []string
	maxHail := 0.0
	for _, ev := range events {
		if ev.Geometry == nil || !ev.Geometry.Bound().Intersects(bound) {
			continue
		}
		hail := 0.0
		if ev.HailSizeMaxIn != nil {
			hail = *ev.HailSizeMaxIn
		}
		if hail < area.MinHailIn {
			continue
		}
		ids = append(ids, ev.ID)
		maxHail = max(maxHail, hail)
		lines = append(lines, fmt.Sprintf("- %s %s: %.2f in at %s",
			ev.Source.ShortName(), ev.SourceID, hail, ev.ReferenceTime().UTC().Format(time.RFC3339)))
	}
	if len(ids) == 0 {
		return Notification{}, false
	}
	sort.Strings(lines)

	return Notification{
		Subject:   fmt.Sprintf("Hail up to %.2f in reported in %s", maxHail, area.Name),
		Body:      fmt.Sprintf("%d new hail event(s) in %s:\n%s", len(ids), area.Name, strings.Join(lines, "\n")),
		Recipient: area.Recipient,
		Area:      area.Name,
		EventIDs:  ids,
		MaxHailIn: maxHail,
		Timestamp: now,
	}, true
}
