package scheduler

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Job states reported by StatusCache.
const (
	StateRunning = "running"
	StateOK      = "ok"
	StateFailed  = "failed"
)

const (
	DefaultStatusSize = 256
	DefaultStatusTTL  = 24 * time.Hour
)

// JobStatus is the last known state of one job.
type JobStatus struct {
	Job        string         `json:"job"`
	State      string         `json:"state"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Error      string         `json:"error,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// StatusCache holds recent job statuses, bounded in size and evicted after
// ttl. It is safe for concurrent use.
type StatusCache struct {
	lru *expirable.LRU[string, JobStatus]
}

// NewStatusCache creates a cache holding at most size entries for ttl.
func NewStatusCache(size int, ttl time.Duration) *StatusCache {
	if size <= 0 {
		size = DefaultStatusSize
	}
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCache{lru: expirable.NewLRU[string, JobStatus](size, nil, ttl)}
}

// Set records st under st.Job, replacing any previous status.
func (c *StatusCache) Set(st JobStatus) {
	c.lru.Add(st.Job, st)
}

// Get returns the status of job.
func (c *StatusCache) Get(job string) (JobStatus, bool) {
	return c.lru.Get(job)
}

// All returns every live status ordered by job name.
func (c *StatusCache) All() []JobStatus {
	out := c.lru.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

// Len returns the number of live entries.
func (c *StatusCache) Len() int {
	return c.lru.Len()
}
