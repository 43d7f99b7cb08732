package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lakesignal/corepipe/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestClaimReadyOnlyClaimsDueWaitingRows(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Schedule(Trigger{Org: "o1", Module: ModuleAlert, ModuleKey: "a1", NextRunAt: 100}))
	require.NoError(t, s.Schedule(Trigger{Org: "o1", Module: ModuleAlert, ModuleKey: "a2", NextRunAt: 500}))

	claimed, err := s.ClaimReady(200, int64(time.Minute.Microseconds()), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "a1", claimed[0].ModuleKey)
	require.Equal(t, Processing, claimed[0].Status)
}

func TestClaimReadyIsAtMostOnceUnderConcurrency(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Schedule(Trigger{Org: "o1", Module: ModuleAlert, ModuleKey: "a1", NextRunAt: 100}))

	var wg sync.WaitGroup
	counts := make([]int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := s.ClaimReady(200, int64(time.Minute.Microseconds()), 10)
			require.NoError(t, err)
			counts[i] = len(claimed)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	require.Equal(t, 1, total, "exactly one caller should have claimed the single trigger")
}

func TestClaimReadyReclaimsStaleProcessing(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Schedule(Trigger{Org: "o1", Module: ModuleAlert, ModuleKey: "a1", NextRunAt: 100}))
	claimed, err := s.ClaimReady(200, int64(time.Minute.Microseconds()), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// not yet stale
	reclaimed, err := s.ClaimReady(300, int64(time.Minute.Microseconds()), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 0)

	// now well past the processing timeout
	stale, err := s.ClaimReady(200+int64(2*time.Minute.Microseconds()), int64(time.Minute.Microseconds()), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
}

func TestSchedulerRunDispatchesAndReschedules(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Schedule(Trigger{Org: "o1", Module: ModuleAlert, ModuleKey: "a1", NextRunAt: time.Now().UnixMicro()}))

	var calls int32
	handlers := map[Module]Handler{
		ModuleAlert: func(_ context.Context, t Trigger) (*int64, error) {
			calls++
			next := time.Now().Add(time.Hour).UnixMicro()
			return &next, nil
		},
	}
	sch := New(s, handlers, nil, Config{
		Tick: 10 * time.Millisecond, BatchSize: 10, MaxQueued: 100,
		ProcessingTimeout: time.Minute, MaxRetries: 3, BackoffBase: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sch.Run(ctx)

	require.Equal(t, int32(1), calls)
}

func TestSchedulerRejectsWhenQueueFull(t *testing.T) {
	s := openTestStore(t)
	sch := New(s, nil, nil, Config{MaxQueued: 1})
	require.NoError(t, sch.Schedule(Trigger{Org: "o1", Module: ModuleAlert, ModuleKey: "a1", NextRunAt: 1}))
	err := sch.Schedule(Trigger{Org: "o1", Module: ModuleAlert, ModuleKey: "a2", NextRunAt: 1})
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrQueueFull)
}
