package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towncal/internal/config"
)

func TestNew_RejectsInvalidSpec(t *testing.T) {
	_, err := New(config.ScheduleConfig{
		Ingest:   "not a cron spec",
		Backfill: "30 5 * * *",
		Expiry:   "45 5 * * *",
	}, JobSet{Ingest: func(context.Context) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest")
}

func TestScheduler_RunsJobs(t *testing.T) {
	var ingests atomic.Int32
	s, err := New(config.ScheduleConfig{
		Ingest:   "@every 10ms",
		Backfill: "30 5 * * *",
		Expiry:   "45 5 * * *",
	}, JobSet{
		Ingest: func(context.Context) error {
			ingests.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return ingests.Load() >= 2 },
		2*time.Second, 10*time.Millisecond)
	<-s.Stop().Done()
}

func TestScheduler_JobPanicIsContained(t *testing.T) {
	var runs atomic.Int32
	s, err := New(config.ScheduleConfig{
		Ingest:   "@every 10ms",
		Backfill: "30 5 * * *",
		Expiry:   "45 5 * * *",
	}, JobSet{
		Ingest: func(context.Context) error {
			if runs.Add(1) == 1 {
				panic("first run blows up")
			}
			return nil
		},
	})
	require.NoError(t, err)

	s.Start()
	// A second trigger only happens if the first panic was recovered.
	assert.Eventually(t, func() bool { return runs.Load() >= 2 },
		2*time.Second, 10*time.Millisecond)
	<-s.Stop().Done()
}
