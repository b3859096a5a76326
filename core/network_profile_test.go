package core

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seriesProfile() *MemoryProfile {
	p := NewMemoryProfile()
	p.Put("101", "201", 75, NewLinkMetrics(0, 0, 0, 1, false))
	p.Put("101", "201", 0, NewLinkMetrics(25, 300, 300, 0.02, true))
	p.Put("101", "201", 60, NewLinkMetrics(35, 150, 150, 0.05, true))
	return p
}

func TestQueryResolvesFloorEntry(t *testing.T) {
	p := seriesProfile()
	cases := []struct {
		at      float64
		wantRTT float64
	}{
		{at: 65, wantRTT: 35},
		{at: 60, wantRTT: 35},
		{at: 10, wantRTT: 25},
		{at: -5, wantRTT: 25},
		{at: 75, wantRTT: 0},
		{at: 1e9, wantRTT: 0},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("t=%v", tc.at), func(t *testing.T) {
			assert.Equal(t, tc.wantRTT, p.Query("101", "201", tc.at).RTTMs())
		})
	}
}

func TestQueryUnknownPairIsUnavailable(t *testing.T) {
	p := seriesProfile()
	got, known := p.Lookup("201", "101", 10)
	assert.False(t, known, "reverse direction is a different pair")
	assert.Equal(t, UnavailableLink, got)
	assert.False(t, got.Available())
}

func TestOverrideSupersedesSeriesUntilCleared(t *testing.T) {
	p := seriesProfile()
	ov := NewLinkMetrics(5, 1000, 1000, 0, true)
	p.Override("101", "201", ov)

	for _, at := range []float64{-100, 0, 10, 60, 65, 75, 1e6} {
		assert.Equal(t, ov, p.Query("101", "201", at), "t=%v", at)
	}
	assert.True(t, p.HasOverride("101", "201"))

	p.ClearOverride("101", "201")
	assert.Equal(t, 35.0, p.Query("101", "201", 65).RTTMs())
}

func TestOverrideOnUnknownPairMakesItKnown(t *testing.T) {
	p := NewMemoryProfile()
	ov := NewLinkMetrics(5, 10, 10, 0, true)
	p.Override("a", "b", ov)

	got, known := p.Lookup("a", "b", 0)
	assert.True(t, known)
	assert.Equal(t, ov, got)
}

func TestPutSameInstantLastWriteWins(t *testing.T) {
	p := NewMemoryProfile()
	p.Put("a", "b", 10, NewLinkMetrics(1, 1, 1, 0, true))
	p.Put("a", "b", 10, NewLinkMetrics(2, 2, 2, 0, true))

	assert.Equal(t, 1, p.SeriesLen("a", "b"))
	assert.Equal(t, 2.0, p.Query("a", "b", 10).RTTMs())
}

func TestPutKeepsSeriesSorted(t *testing.T) {
	p := NewMemoryProfile()
	times := []float64{50, 10, 40, 0, 30, 20}
	for _, at := range times {
		p.Put("a", "b", at, NewLinkMetrics(at, 1, 1, 0, true))
	}
	for _, at := range []float64{0, 10, 20, 30, 40, 50} {
		assert.Equal(t, at, p.Query("a", "b", at+5).RTTMs(), "t=%v", at+5)
	}
	assert.Equal(t, len(times), p.Len())
}

func TestPutIgnoresMalformedInput(t *testing.T) {
	p := NewMemoryProfile()
	p.Put("", "b", 0, NewLinkMetrics(1, 1, 1, 0, true))
	p.Put("a", "", 0, NewLinkMetrics(1, 1, 1, 0, true))
	assert.Zero(t, p.Len())
	assert.Empty(t, p.Pairs())
}

func TestPairsSorted(t *testing.T) {
	p := NewMemoryProfile()
	p.Put("b", "a", 0, UnavailableLink)
	p.Put("a", "c", 0, UnavailableLink)
	p.Override("a", "b", UnavailableLink)

	require.Equal(t, []LinkKey{{"a", "b"}, {"a", "c"}, {"b", "a"}}, p.Pairs())
}

// TestConcurrentReadersAndWriter exercises the profile under -race with
// readers querying while a single writer patches.
func TestConcurrentReadersAndWriter(t *testing.T) {
	p := seriesProfile()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				m := p.Query("101", "201", rng.Float64()*100)
				if m.Loss() < 0 || m.Loss() > 1 {
					assert.Failf(t, "torn read", "%v", m)
					return
				}
			}
		}(int64(r))
	}

	for i := 0; i < 500; i++ {
		p.Put("101", "201", float64(i%90), NewLinkMetrics(float64(i), 100, 100, 0.1, true))
		if i%50 == 0 {
			p.Override("101", "201", NewLinkMetrics(1, 1, 1, 0, true))
		} else if i%50 == 25 {
			p.ClearOverride("101", "201")
		}
	}
	close(stop)
	wg.Wait()
}
