package classifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockModel struct {
	winRate float64
	closed  atomic.Bool
}

func (m *mockModel) Predict(ctx context.Context, text string) (float64, error) {
	return m.winRate, nil
}

func (m *mockModel) Close() error {
	m.closed.Store(true)
	return nil
}

type mockBackend struct {
	mu        sync.Mutex
	loads     int
	loadDelay time.Duration
	loadErr   error
	winRate   float64
}

func (b *mockBackend) Load(ctx context.Context) (Model, error) {
	b.mu.Lock()
	b.loads++
	b.mu.Unlock()
	if b.loadDelay > 0 {
		select {
		case <-time.After(b.loadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return &mockModel{winRate: b.winRate}, nil
}

func (b *mockBackend) loadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loads
}

func noIdleTimeout() time.Duration { return 0 }

func TestPredict_LazyLoad(t *testing.T) {
	backend := &mockBackend{winRate: 0.7}
	service := NewService(backend, noIdleTimeout, time.Second)
	defer service.Stop()

	assert.False(t, service.Loaded())

	winRate, err := service.Predict(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 0.7, winRate)
	assert.True(t, service.Loaded())
	assert.Equal(t, 1, backend.loadCount())

	// Subsequent predictions reuse the loaded model.
	_, err = service.Predict(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.loadCount())
}

func TestPredict_SingleFlightLoad(t *testing.T) {
	backend := &mockBackend{winRate: 0.5, loadDelay: 50 * time.Millisecond}
	service := NewService(backend, noIdleTimeout, time.Second)
	defer service.Stop()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = service.Predict(context.Background(), "concurrent")
		}(i)
	}
	wg.Wait()

	for i, err := range results {
		require.NoError(t, err, "caller %d", i)
	}
	assert.Equal(t, 1, backend.loadCount(), "N concurrent predictions must trigger exactly one load")
}

func TestPredict_SingleFlightAfterUnload(t *testing.T) {
	backend := &mockBackend{winRate: 0.5, loadDelay: 20 * time.Millisecond}
	service := NewService(backend, noIdleTimeout, time.Second)
	defer service.Stop()

	_, err := service.Predict(context.Background(), "first")
	require.NoError(t, err)
	service.Unload()
	assert.False(t, service.Loaded())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = service.Predict(context.Background(), "after unload")
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, backend.loadCount(), "one load per idle period")
}

func TestPredict_LoadErrorIsCachedForBackoff(t *testing.T) {
	backend := &mockBackend{loadErr: errors.New("weights missing")}
	service := NewService(backend, noIdleTimeout, time.Hour)
	defer service.Stop()

	_, err := service.Predict(context.Background(), "x")
	require.Error(t, err)
	loadsAfterFirst := backend.loadCount()

	// The cached error short-circuits; no new load attempts inside the
	// backoff window.
	for i := 0; i < 5; i++ {
		_, err = service.Predict(context.Background(), "x")
		require.Error(t, err)
	}
	assert.Equal(t, loadsAfterFirst, backend.loadCount())
}

func TestPredict_LoadRetriesAfterBackoff(t *testing.T) {
	backend := &mockBackend{loadErr: errors.New("weights missing")}
	service := NewService(backend, noIdleTimeout, 10*time.Millisecond)
	defer service.Stop()

	_, err := service.Predict(context.Background(), "x")
	require.Error(t, err)

	// After the backoff expires the load is attempted again, and the
	// backend has recovered.
	time.Sleep(20 * time.Millisecond)
	backend.mu.Lock()
	backend.loadErr = nil
	backend.winRate = 0.9
	backend.mu.Unlock()

	winRate, err := service.Predict(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 0.9, winRate)
}

func TestMaybeUnload_IdleTimeout(t *testing.T) {
	backend := &mockBackend{winRate: 0.5}
	timeout := 10 * time.Millisecond
	service := NewService(backend, func() time.Duration { return timeout }, time.Second)
	defer service.Stop()

	_, err := service.Predict(context.Background(), "x")
	require.NoError(t, err)
	require.True(t, service.Loaded())

	// Past the idle timeout the model unloads.
	service.maybeUnload(time.Now().Add(time.Minute))
	assert.False(t, service.Loaded())
}

func TestMaybeUnload_TimeoutReReadEachTick(t *testing.T) {
	backend := &mockBackend{winRate: 0.5}
	var mu sync.Mutex
	timeout := time.Duration(0) // disabled at start
	service := NewService(backend, func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return timeout
	}, time.Second)
	defer service.Stop()

	_, err := service.Predict(context.Background(), "x")
	require.NoError(t, err)

	// Disabled: even far in the future, no unload.
	service.maybeUnload(time.Now().Add(time.Hour))
	assert.True(t, service.Loaded())

	// A config change to a finite timeout takes effect on the next
	// tick without reloading.
	mu.Lock()
	timeout = time.Millisecond
	mu.Unlock()
	service.maybeUnload(time.Now().Add(time.Hour))
	assert.False(t, service.Loaded())
}

func TestMaybeUnload_FreshAccessKeepsModel(t *testing.T) {
	backend := &mockBackend{winRate: 0.5}
	service := NewService(backend, func() time.Duration { return time.Hour }, time.Second)
	defer service.Stop()

	_, err := service.Predict(context.Background(), "x")
	require.NoError(t, err)

	service.maybeUnload(time.Now())
	assert.True(t, service.Loaded())
}

func TestParseWinRate(t *testing.T) {
	tests := []struct {
		output  string
		want    float64
		wantErr bool
	}{
		{"0.75", 0.75, false},
		{" 0.2\n", 0.2, false},
		{"1.7", 1.0, false},
		{"-0.3", 0.0, false},
		{"0.4 extra words", 0.4, false},
		{"", 0, true},
		{"unsure", 0, true},
	}

	for _, test := range tests {
		t.Run(test.output, func(t *testing.T) {
			got, err := parseWinRate(test.output)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}
