package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulfillmentworks/lifetest/pkg/config"
)

func setupTestStore(t *testing.T) *store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, ok := NewStore(log, cfg).(*store)
	require.True(t, ok)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// backdateSteps ages every step of the run past the recheck grace
// period so it becomes eligible for reconciliation.
func backdateSteps(t *testing.T, s *store, runID uint) {
	t.Helper()

	old := time.Now().UTC().Add(-RecheckGracePeriod - time.Minute)

	require.NoError(t, s.db.
		Exec("UPDATE step SET created_at = ? WHERE test_id = ?", old, runID).
		Error)
}

func TestCreateRun_SingleActive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "AS-0001")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.True(t, run.Running)
	assert.Empty(t, run.Result)
	assert.Nil(t, run.DoneAt)
	assert.Equal(t, "AS-0001", run.ObjectID)

	// A second create while the first run is active must lose.
	_, err = s.CreateRun(ctx, "AS-0002")
	require.ErrorIs(t, err, ErrBusy)

	// Once the run is terminal the store is idle again.
	require.NoError(t, s.SetResult(ctx, run.ID, ResultSuccess))

	idle, err := s.IsIdle(ctx)
	require.NoError(t, err)
	assert.True(t, idle)

	next, err := s.CreateRun(ctx, "AS-0002")
	require.NoError(t, err)
	assert.Greater(t, next.ID, run.ID)
}

func TestCreateRun_ConcurrentSingleWinner(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const attempts = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		busy      int
	)

	for i := range attempts {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.CreateRun(ctx, fmt.Sprintf("AS-%04d", i))

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one create must win")
	assert.Equal(t, attempts-1, busy)
}

func TestAddStep_AndGetRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "AS-1000")
	require.NoError(t, err)

	require.NoError(t, s.AddStep(ctx, "AS-1000", "purchase", "PR-1"))
	require.NoError(t, s.AddStep(ctx, "AS-1000", "adjustment", ""))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)

	assert.Equal(t, "purchase", got.Steps[0].Name)
	require.NotNil(t, got.Steps[0].ObjectID)
	assert.Equal(t, "PR-1", *got.Steps[0].ObjectID)
	assert.False(t, got.Steps[0].Checked)
	assert.Nil(t, got.Steps[0].CheckedAt)

	assert.Equal(t, "adjustment", got.Steps[1].Name)
	assert.Nil(t, got.Steps[1].ObjectID, "adjustment starts unreferenced")
}

func TestAddStep_UnknownObjectID(t *testing.T) {
	s := setupTestStore(t)

	err := s.AddStep(context.Background(), "AS-nope", "purchase", "PR-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetRun_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetRun(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetRunIDByObjectID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "AS-2000")
	require.NoError(t, err)

	id, err := s.GetRunIDByObjectID(ctx, "AS-2000")
	require.NoError(t, err)
	assert.Equal(t, run.ID, id)

	_, err = s.GetRunIDByObjectID(ctx, "AS-unused")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckStep_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "AS-3000")
	require.NoError(t, err)

	require.NoError(t, s.AddStep(ctx, "AS-3000", "purchase", "PR-1"))
	require.NoError(t, s.CheckStep(ctx, run.ID, "purchase", "PR-1"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	require.True(t, got.Steps[0].Checked)
	require.NotNil(t, got.Steps[0].CheckedAt)

	first := *got.Steps[0].CheckedAt

	// A second check only matches unchecked rows and must not touch
	// checked_at.
	require.NoError(t, s.CheckStep(ctx, run.ID, "purchase", "PR-1"))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Steps[0].CheckedAt)
	assert.Equal(t, first, *got.Steps[0].CheckedAt)
}

func TestCheckStep_ScopedByRequestID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "AS-4000")
	require.NoError(t, err)

	require.NoError(t, s.AddStep(ctx, "AS-4000", "change", "PR-7"))

	// Mismatching request id must not check the step.
	require.NoError(t, s.CheckStep(ctx, run.ID, "change", "PR-other"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.Steps[0].Checked)

	// Matching request id does.
	require.NoError(t, s.CheckStep(ctx, run.ID, "change", "PR-7"))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Steps[0].Checked)
}

func TestCheckStepByRequestID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "AS-4500")
	require.NoError(t, err)

	require.NoError(t, s.AddStep(ctx, "AS-4500", "suspend", "PR-9"))
	require.NoError(t, s.CheckStepByRequestID(ctx, run.ID, "PR-9"))

	count, err := s.CountCheckedSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateStepObjectID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "AS-5000")
	require.NoError(t, err)

	require.NoError(t, s.AddStep(ctx, "AS-5000", "adjustment", ""))
	require.NoError(t, s.UpdateStepObjectID(ctx, run.ID, "adjustment", "PR-2"))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Steps[0].ObjectID)
	assert.Equal(t, "PR-2", *got.Steps[0].ObjectID)
}

func TestStepsDueForRecheck(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "AS-6000")
	require.NoError(t, err)

	require.NoError(t, s.AddStep(ctx, "AS-6000", "purchase", "PR-1"))
	require.NoError(t, s.AddStep(ctx, "AS-6000", "adjustment", ""))
	require.NoError(t, s.AddStep(ctx, "AS-6000", "change", "PR-3"))

	// Fresh steps are inside the grace period.
	due, err := s.StepsDueForRecheck(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, due)

	backdateSteps(t, s, run.ID)

	// Only referenced, unchecked steps become due; the unreferenced
	// adjustment stays out.
	due, err = s.StepsDueForRecheck(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "PR-1", *due[0].ObjectID)
	assert.Equal(t, "PR-3", *due[1].ObjectID)

	// Checked steps drop out.
	require.NoError(t, s.CheckStep(ctx, run.ID, "purchase", "PR-1"))

	due, err = s.StepsDueForRecheck(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "PR-3", *due[0].ObjectID)
}

func TestSetResult_OnlyOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, "AS-7000")
	require.NoError(t, err)

	require.NoError(t, s.SetResult(ctx, run.ID, ResultFailed))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.Equal(t, ResultFailed, got.Result)
	require.NotNil(t, got.DoneAt)

	doneAt := *got.DoneAt

	// A second result is a no-op; the run stays failed.
	require.NoError(t, s.SetResult(ctx, run.ID, ResultSuccess))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, got.Result)
	require.NotNil(t, got.DoneAt)
	assert.Equal(t, doneAt, *got.DoneAt)
}

func TestListRuns_ConsistentAfterInterleavedWrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first, err := s.CreateRun(ctx, "AS-8000")
	require.NoError(t, err)
	require.NoError(t, s.AddStep(ctx, "AS-8000", "purchase", "PR-1"))
	require.NoError(t, s.CheckStep(ctx, first.ID, "purchase", "PR-1"))
	require.NoError(t, s.SetResult(ctx, first.ID, ResultSuccess))

	second, err := s.CreateRun(ctx, "AS-9000")
	require.NoError(t, err)
	require.NoError(t, s.AddStep(ctx, "AS-9000", "purchase", "PR-2"))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, first.ID, runs[0].ID)
	assert.False(t, runs[0].Running)
	require.Len(t, runs[0].Steps, 1)
	assert.True(t, runs[0].Steps[0].Checked)

	assert.Equal(t, second.ID, runs[1].ID)
	assert.True(t, runs[1].Running)
	require.Len(t, runs[1].Steps, 1)
	assert.False(t, runs[1].Steps[0].Checked)
}
