package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLinkMetricsClampsInputs(t *testing.T) {
	inf := math.Inf(1)
	cases := []struct {
		name              string
		rtt, up, down, ls float64
		wantUp, wantDown  float64
		wantLoss, wantRTT float64
	}{
		{name: "negative bandwidth", rtt: 10, up: -5, down: 100, ls: 0.1, wantUp: 0, wantDown: 100, wantLoss: 0.1, wantRTT: 10},
		{name: "loss above one", rtt: 10, up: 50, down: 50, ls: 3, wantUp: 50, wantDown: 50, wantLoss: 1, wantRTT: 10},
		{name: "negative loss", rtt: 10, up: 50, down: 50, ls: -0.5, wantUp: 50, wantDown: 50, wantLoss: 0, wantRTT: 10},
		{name: "negative latency", rtt: -3, up: 1, down: 1, ls: 0, wantUp: 1, wantDown: 1, wantLoss: 0, wantRTT: 0},
		{name: "nan inputs", rtt: math.NaN(), up: math.NaN(), down: 1, ls: math.NaN(), wantUp: 0, wantDown: 1, wantLoss: 0, wantRTT: 0},
		{name: "infinite bandwidth", rtt: 10, up: inf, down: -inf, ls: 0, wantUp: 0, wantDown: 0, wantLoss: 0, wantRTT: 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewLinkMetrics(tc.rtt, tc.up, tc.down, tc.ls, true)
			assert.Equal(t, tc.wantUp, m.UpMbps(), "up")
			assert.Equal(t, tc.wantDown, m.DownMbps(), "down")
			assert.Equal(t, tc.wantLoss, m.Loss(), "loss")
			assert.Equal(t, tc.wantRTT, m.RTTMs(), "rtt")
		})
	}
}

func TestInfiniteLatencyMarksLinkDown(t *testing.T) {
	m := NewLinkMetrics(math.Inf(1), 300, 300, 0, true)
	assert.False(t, m.IsUp())
	assert.False(t, m.Available())
	assert.Zero(t, m.RTTMs())
}

func TestEffectiveBandwidthAppliesLoss(t *testing.T) {
	m := NewLinkMetrics(20, 300, 900, 0.25, true)
	assert.Equal(t, 225.0, m.EffectiveUpMbps())
	assert.Equal(t, 675.0, m.EffectiveDownMbps())
}

func TestAvailability(t *testing.T) {
	assert.True(t, NewLinkMetrics(10, 100, 0, 0, true).Available(), "one usable direction")
	assert.False(t, NewLinkMetrics(10, 100, 100, 0, false).Available(), "flag down")
	assert.False(t, NewLinkMetrics(10, 100, 100, 1, true).Available(), "total loss")
	assert.False(t, UnavailableLink.Available(), "zero value")
}

func TestWithReturnsNewValue(t *testing.T) {
	base := NewLinkMetrics(10, 100, 100, 0.01, true)
	down := base.WithUp(false)
	lossy := base.WithLoss(2)

	assert.True(t, base.IsUp())
	assert.Equal(t, 0.01, base.Loss())
	assert.False(t, down.IsUp())
	assert.Equal(t, 1.0, lossy.Loss())

	bw := base.WithBandwidth(-1, 5)
	assert.Zero(t, bw.UpMbps())
	assert.Equal(t, 5.0, bw.DownMbps())

	rtt := base.WithRTT(40)
	assert.Equal(t, 40.0, rtt.RTTMs())
	assert.Equal(t, 100.0, rtt.UpMbps())
}
