package tasks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inferd/internal/events"
	"inferd/pkg/types"
)

func TestRegistry_CreateIsImmediatelyVisible(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	_, err := r.Create("a")
	require.NoError(t, err)

	rec, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Nil(t, rec.Result)
	assert.Empty(t, rec.Error)

	_, err = r.Create("a")
	assert.Error(t, err, "duplicate ids must be rejected")
}

func TestRegistry_ConcurrentCreatesAreAllVisible(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Create(fmt.Sprintf("t-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, r.Len())
	for i := 0; i < n; i++ {
		_, ok := r.Get(fmt.Sprintf("t-%d", i))
		assert.True(t, ok)
	}
}

func TestRegistry_TerminalStatesAreFinal(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	_, _ = r.Create("ok")
	_, _ = r.Create("bad")

	res := types.NewCompletionResult("m", "hi", 1, 1)
	assert.True(t, r.SetCompleted("ok", res))
	assert.False(t, r.SetFailed("ok", "late"))
	assert.False(t, r.SetCompleted("ok", types.NewCompletionResult("m", "other", 1, 1)))

	assert.True(t, r.SetFailed("bad", "boom"))
	assert.False(t, r.SetCompleted("bad", res))

	ok, _ := r.Get("ok")
	assert.Equal(t, StatusCompleted, ok.Status)
	require.NotNil(t, ok.Result)
	assert.Equal(t, "hi", ok.Result.Choices[0].Message.Content)
	assert.Empty(t, ok.Error)

	bad, _ := r.Get("bad")
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Equal(t, "boom", bad.Error)
	assert.Nil(t, bad.Result)
}

func TestRegistry_UnknownIDIsNoop(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	assert.False(t, r.SetCompleted("missing", types.CompletionResult{}))
	assert.False(t, r.SetFailed("missing", "x"))
	_, ok := r.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_GetReturnsSnapshot(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	_, _ = r.Create("a")
	before, _ := r.Get("a")
	r.SetFailed("a", "boom")
	assert.Equal(t, StatusProcessing, before.Status, "snapshot must not change after a later write")
}

func TestRegistry_SweepExpired(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryOptions{Now: clock.Now})
	_, _ = r.Create("old-processing")
	_, _ = r.Create("old-done")
	r.SetCompleted("old-done", types.NewCompletionResult("m", "x", 1, 1))
	clock.Advance(30 * time.Minute)
	_, _ = r.Create("young")

	// exactly ttl old is not yet expired
	assert.Equal(t, 0, r.SweepExpired(clock.Now().Add(30*time.Minute), time.Hour))
	assert.Equal(t, 2, r.SweepExpired(clock.Now().Add(31*time.Minute), time.Hour))

	_, ok := r.Get("old-processing")
	assert.False(t, ok)
	_, ok = r.Get("old-done")
	assert.False(t, ok)
	_, ok = r.Get("young")
	assert.True(t, ok)
}

func TestRegistry_ZeroTTLSweepsEverythingOlder(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryOptions{Now: clock.Now})
	for i := 0; i < 5; i++ {
		_, _ = r.Create(fmt.Sprintf("t-%d", i))
	}
	assert.Equal(t, 0, r.SweepExpired(clock.Now(), 0))
	clock.Advance(time.Nanosecond)
	assert.Equal(t, 5, r.SweepExpired(clock.Now(), 0))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_LateWriteAfterExpiryIsNoop(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryOptions{Now: clock.Now})
	_, _ = r.Create("a")
	clock.Advance(2 * time.Hour)
	require.Equal(t, 1, r.SweepExpired(clock.Now(), time.Hour))

	assert.False(t, r.SetCompleted("a", types.NewCompletionResult("m", "x", 1, 1)))
	_, ok := r.Get("a")
	assert.False(t, ok, "expired record must not be resurrected")
}

func TestRegistry_Counts(t *testing.T) {
	r := NewRegistry(RegistryOptions{})
	for _, id := range []string{"a", "b", "c", "d"} {
		_, _ = r.Create(id)
	}
	r.SetCompleted("a", types.CompletionResult{})
	r.SetCompleted("b", types.CompletionResult{})
	r.SetFailed("c", "x")
	assert.Equal(t, types.TaskCounts{Processing: 1, Completed: 2, Failed: 1}, r.Counts())
}

func TestRegistry_PublishesLifecycleEvents(t *testing.T) {
	clock := newFakeClock()
	pub := events.NewMemoryPublisher()
	r := NewRegistry(RegistryOptions{Now: clock.Now, Publisher: pub})
	_, _ = r.Create("a")
	_, _ = r.Create("b")
	r.SetCompleted("a", types.CompletionResult{})
	r.SetFailed("b", "boom")
	clock.Advance(time.Hour + time.Second)
	r.SweepExpired(clock.Now(), time.Hour)

	assert.Equal(t, []string{
		events.TaskCreated, events.TaskCreated,
		events.TaskDone, events.TaskFailed,
		events.TaskExpired, events.TaskExpired,
	}, pub.Names())
}

func TestRegistry_RunSweeperStopsOnCancel(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(RegistryOptions{Now: clock.Now})
	_, _ = r.Create("a")
	clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunSweeper(ctx, 5*time.Millisecond, time.Second)
		close(done)
	}()
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
