package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func waitForIdle(t *testing.T, p *Poller, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.State() == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("poller did not return to idle within %v", timeout)
}

func TestPoller_EntitledStopsPollingAndClearsMarker(t *testing.T) {
	var calls atomic.Int32
	status := func(ctx context.Context) (bool, error) {
		// Первый опрос ещё не видит запись, второй видит.
		return calls.Add(1) >= 2, nil
	}

	markers := NewMemoryMarkerStore()
	p := New(newNoopLogger(), status, markers, Options{
		MaxAttempts:   8,
		Backoff:       time.Millisecond,
		RecencyWindow: time.Minute,
	})

	p.NotifyCheckoutSuccess(context.Background())
	assert.True(t, p.Provisional())

	waitForIdle(t, p, time.Second)

	assert.EqualValues(t, 2, calls.Load())
	_, set, err := markers.CheckoutAt()
	require.NoError(t, err)
	assert.False(t, set, "marker must be cleared once entitled")
}

// Сервер так и не обновил запись: поллер исчерпывает попытки, дожидается
// конца окна давности и переходит в Idle, не оставляя висящих таймеров.
func TestPoller_GivesUpAfterExhaustedAttemptsAndWindow(t *testing.T) {
	var calls atomic.Int32
	status := func(ctx context.Context) (bool, error) {
		calls.Add(1)
		return false, nil
	}

	markers := NewMemoryMarkerStore()
	p := New(newNoopLogger(), status, markers, Options{
		MaxAttempts:   3,
		Backoff:       time.Millisecond,
		RecencyWindow: 50 * time.Millisecond,
	})

	p.NotifyCheckoutSuccess(context.Background())
	waitForIdle(t, p, time.Second)

	// Три попытки по расписанию и не более одной финальной на границе окна.
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	assert.LessOrEqual(t, calls.Load(), int32(4))
	assert.False(t, p.Provisional())

	_, set, err := markers.CheckoutAt()
	require.NoError(t, err)
	assert.False(t, set, "marker must be cleared after giving up")

	// Новых попыток после перехода в Idle быть не должно.
	settled := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, calls.Load())
}

// Внутренний контекст цикла должен отменяться и при естественном
// завершении, а не только по Stop, иначе регистрация в родительском
// контексте живёт до конца его жизни.
func TestPoller_ReleasesRunContextOnNaturalCompletion(t *testing.T) {
	var runCtx atomic.Pointer[context.Context]
	status := func(ctx context.Context) (bool, error) {
		runCtx.Store(&ctx)
		return true, nil
	}

	p := New(newNoopLogger(), status, NewMemoryMarkerStore(), Options{
		Backoff:       time.Millisecond,
		RecencyWindow: time.Minute,
	})

	p.NotifyCheckoutSuccess(context.Background())
	waitForIdle(t, p, time.Second)

	captured := runCtx.Load()
	require.NotNil(t, captured)
	assert.Eventually(t, func() bool {
		return (*captured).Err() != nil
	}, time.Second, 5*time.Millisecond, "run context must be canceled after completion")
}

func TestPoller_StopCancelsScheduledAttempts(t *testing.T) {
	var calls atomic.Int32
	status := func(ctx context.Context) (bool, error) {
		calls.Add(1)
		return false, nil
	}

	p := New(newNoopLogger(), status, NewMemoryMarkerStore(), Options{
		MaxAttempts:   100,
		Backoff:       20 * time.Millisecond,
		RecencyWindow: time.Hour,
	})

	p.NotifyCheckoutSuccess(context.Background())
	require.True(t, p.Provisional())

	p.Stop()

	assert.Equal(t, StateIdle, p.State())
	settled := calls.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, calls.Load(), "no attempts may run after Stop")
}

func TestPoller_QueryCoalescesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	status := func(ctx context.Context) (bool, error) {
		calls.Add(1)
		<-release
		return true, nil
	}

	p := New(newNoopLogger(), status, NewMemoryMarkerStore(), Options{})

	const concurrent = 5
	var wg sync.WaitGroup
	for range concurrent {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entitled, err := p.Query(context.Background())
			assert.NoError(t, err)
			assert.True(t, entitled)
		}()
	}

	// Даём вызовам подключиться к запросу в полёте.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "overlapping callers must share one in-flight request")
}

func TestPoller_ResumeHonorsRecencyWindow(t *testing.T) {
	t.Run("recent marker resumes activation", func(t *testing.T) {
		status := func(ctx context.Context) (bool, error) { return true, nil }
		markers := NewMemoryMarkerStore()
		require.NoError(t, markers.SetCheckoutAt(time.Now().Add(-time.Minute)))

		p := New(newNoopLogger(), status, markers, Options{
			Backoff:       time.Millisecond,
			RecencyWindow: 10 * time.Minute,
		})
		p.Resume(context.Background())
		waitForIdle(t, p, time.Second)

		_, set, err := markers.CheckoutAt()
		require.NoError(t, err)
		assert.False(t, set)
	})

	t.Run("stale marker does not start polling", func(t *testing.T) {
		var calls atomic.Int32
		status := func(ctx context.Context) (bool, error) {
			calls.Add(1)
			return false, nil
		}
		markers := NewMemoryMarkerStore()
		require.NoError(t, markers.SetCheckoutAt(time.Now().Add(-time.Hour)))

		p := New(newNoopLogger(), status, markers, Options{
			RecencyWindow: 10 * time.Minute,
		})
		p.Resume(context.Background())

		assert.Equal(t, StateIdle, p.State())
		assert.EqualValues(t, 0, calls.Load())
	})
}

func TestFileMarkerStore(t *testing.T) {
	path := t.TempDir() + "/checkout-marker"
	store := NewFileMarkerStore(path)

	_, set, err := store.CheckoutAt()
	require.NoError(t, err)
	assert.False(t, set)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetCheckoutAt(at))

	got, set, err := store.CheckoutAt()
	require.NoError(t, err)
	require.True(t, set)
	assert.True(t, got.Equal(at))

	require.NoError(t, store.Clear())
	_, set, err = store.CheckoutAt()
	require.NoError(t, err)
	assert.False(t, set)

	// Повторная очистка безопасна.
	require.NoError(t, store.Clear())
}
