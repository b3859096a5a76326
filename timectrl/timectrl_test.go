package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	assert.True(t, tc.Now().Equal(newNow), "Now() = %v, want %v", tc.Now(), newNow)
	assert.Equal(t, 42*time.Second, tc.Elapsed())
}

func TestTimeControllerStartUpdatesNow(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, Accelerated)

	var seen []time.Duration
	tc.AddListener(func(_ context.Context, now time.Time) error {
		seen = append(seen, now.Sub(start))
		return nil
	})

	require.NoError(t, <-tc.Start(context.Background(), 15*time.Millisecond))

	expected := start.Add(15 * time.Millisecond)
	assert.True(t, tc.Now().Equal(expected), "Now() = %v, want %v", tc.Now(), expected)
	assert.Equal(t, []time.Duration{0, 5 * time.Millisecond, 10 * time.Millisecond, 15 * time.Millisecond}, seen)
}

func TestTimeControllerListenerErrorStopsRun(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0), time.Second, Accelerated)
	boom := errors.New("boom")
	calls := 0
	tc.AddListener(func(context.Context, time.Time) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})

	assert.ErrorIs(t, tc.Run(context.Background(), time.Hour), boom)
	assert.Equal(t, 3, calls)
}

func TestTimeControllerCancelStopsRealTime(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0), time.Hour, RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	done := tc.Start(ctx, 0)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not stop after cancel")
	}
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, Accelerated, ParseMode("accelerated"))
	assert.Equal(t, RealTime, ParseMode("realtime"))
	assert.Equal(t, RealTime, ParseMode(""))
}
