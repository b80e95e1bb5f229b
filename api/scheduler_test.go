package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/api"
	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
	"github.com/warp/studio-engine/studio/store"
)

func TestPreviousMonth(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	tests := []struct {
		name      string
		now       time.Time
		loc       *time.Location
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "mid month",
			now:       time.Date(2025, time.March, 20, 9, 0, 0, 0, time.UTC),
			loc:       time.UTC,
			wantStart: time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:      "january wraps the year",
			now:       time.Date(2025, time.January, 1, 2, 0, 0, 0, time.UTC),
			loc:       nil,
			wantStart: time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "local midnight already in the next month",
			// 23:30 UTC on 31 March is 01:30 on 1 April in Berlin.
			now:       time.Date(2025, time.March, 31, 23, 30, 0, 0, time.UTC),
			loc:       berlin,
			wantStart: time.Date(2025, time.February, 28, 23, 0, 0, 0, time.UTC),
			wantEnd:   time.Date(2025, time.March, 31, 22, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := api.PreviousMonth(tt.now, tt.loc)
			assert.True(t, got.Start.Equal(tt.wantStart), "start %s", got.Start)
			assert.True(t, got.End.Equal(tt.wantEnd), "end %s", got.End)
			assert.True(t, got.Valid())
		})
	}
}

func TestScheduler_RunOnceSkipsCoveredInstructors(t *testing.T) {
	// GIVEN: Two active instructors and one inactive
	// WHEN: The monthly tick fires twice
	// THEN: The first enqueues two runs, the second none; a failed run is retried

	ctx := context.Background()
	st := store.NewTxMemory()
	for _, in := range []studio.Instructor{
		{ID: "ana", Name: "Ana", Active: true},
		{ID: "ben", Name: "Ben", Active: true},
		{ID: "old", Name: "Old", Active: false},
	} {
		require.NoError(t, st.SaveInstructor(ctx, in))
	}

	// Not started: runs stay queued.
	w := api.NewSettlementWorker(st, generatorFunc(nil), logger.Discard(), 1, 1, 0)
	s := api.NewSettlementScheduler(st, w, time.UTC, logger.Discard())
	s.Now = func() time.Time { return now }

	n, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	runs, err := w.List(ctx, studio.RunQueued)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), r.PeriodStart)
		assert.NotEqual(t, studio.InstructorID("old"), r.InstructorID)
	}

	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A failed run does not cover the instructor.
	failed := runs[0]
	failed.Status = studio.RunFailed
	require.NoError(t, st.SaveSettlementRun(ctx, failed))

	n, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	st := store.NewTxMemory()
	w := api.NewSettlementWorker(st, generatorFunc(nil), nil, 1, 1, 0)
	s := api.NewSettlementScheduler(st, w, nil, nil)

	assert.Error(t, s.Start("every full moon"))

	require.NoError(t, s.Start(api.DefaultSettlementCron))
	s.Stop()
}
