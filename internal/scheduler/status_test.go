package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCache(t *testing.T) {
	c := NewStatusCache(2, time.Hour)
	now := time.Now()

	c.Set(JobStatus{Job: "source:spc", State: StateRunning, StartedAt: now})
	c.Set(JobStatus{Job: "parcels:travis", State: StateOK, StartedAt: now})
	c.Set(JobStatus{Job: "source:spc", State: StateOK, StartedAt: now})

	st, ok := c.Get("source:spc")
	require.True(t, ok)
	assert.Equal(t, StateOK, st.State)

	all := c.All()
	require.Len(t, all, 2)
	assert.Equal(t, "parcels:travis", all[0].Job)
	assert.Equal(t, "source:spc", all[1].Job)

	c.Set(JobStatus{Job: "source:nws", State: StateFailed, StartedAt: now})
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("parcels:travis")
	assert.False(t, ok, "least recently used entry evicted")
}

func TestStatusCache_Defaults(t *testing.T) {
	c := NewStatusCache(0, 0)
	c.Set(JobStatus{Job: "source:mesh", State: StateOK})
	assert.Equal(t, 1, c.Len())
}
