package media

import (
	"testing"
	"time"

	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() config.BitrateConfig {
	return config.BitrateConfig{
		MaxIncoming:     1_500_000,
		InitialOutgoing: 1_000_000,
		MinOutgoing:     600_000,
		MaxOutgoing:     3_000_000,
		ScaleFactor:     0.75,
	}
}

func TestAdaptationLifecycle(t *testing.T) {
	a := newAdaptation(testPolicy())
	assert.Equal(t, Bitrate{State: StateRamping, Outgoing: 1_000_000, Incoming: 1_500_000}, a.snapshot())

	assert.False(t, a.observe(2_000_000))
	assert.Equal(t, StateStable, a.snapshot().State)
	assert.Equal(t, 2_000_000, a.snapshot().Outgoing)

	// estimates above the ceiling are clamped
	assert.False(t, a.observe(9_000_000))
	assert.Equal(t, 3_000_000, a.snapshot().Outgoing)

	// a drop below the scale factor congests
	assert.True(t, a.observe(1_000_000))
	s := a.snapshot()
	assert.Equal(t, StateCongested, s.State)
	assert.Equal(t, 600_000, s.Outgoing)
	assert.Equal(t, 1_125_000, s.Incoming)

	// congested ignores estimates until the re-probe
	assert.False(t, a.observe(3_000_000))
	assert.Equal(t, StateCongested, a.snapshot().State)

	a.probe()
	assert.Equal(t, StateRecovering, a.snapshot().State)
	assert.Equal(t, 1_000_000, a.snapshot().Outgoing)

	assert.False(t, a.observe(1_200_000))
	s = a.snapshot()
	assert.Equal(t, StateStable, s.State)
	assert.Equal(t, 1_200_000, s.Outgoing)
	assert.Equal(t, 1_500_000, s.Incoming)
}

func TestAdaptationCongestsBelowFloor(t *testing.T) {
	a := newAdaptation(testPolicy())
	assert.True(t, a.observe(100_000))
	assert.Equal(t, StateCongested, a.snapshot().State)

	// probing outside congestion is a no-op
	b := newAdaptation(testPolicy())
	b.probe()
	assert.Equal(t, StateRamping, b.snapshot().State)
}

func TestBandwidthEstimateDrivesReprobe(t *testing.T) {
	o, _, _ := newOrchestrator(t, testConfig())
	ts := joinAll(t, o, "room", "alice")
	id := ts["alice"].ID

	require.NoError(t, o.OnBandwidthEstimate(id, 2_000_000))
	require.Eventually(t, func() bool {
		b, err := o.Bitrate(id)
		return err == nil && b.State == StateStable
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.OnBandwidthEstimate(id, 200_000))
	require.Eventually(t, func() bool {
		b, err := o.Bitrate(id)
		return err == nil && b.State == StateRecovering
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, o.OnBandwidthEstimate("missing", 1), domain.ErrNotFound)
	assert.ErrorIs(t, o.OnBandwidthEstimate(id, -1), domain.ErrValidation)
}

func TestReprobeSurvivesBusyWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.ReprobeDelay = 100 * time.Millisecond
	o, _, _ := newOrchestrator(t, cfg)
	ts := joinAll(t, o, "room", "alice")
	id := ts["alice"].ID

	require.NoError(t, o.OnBandwidthEstimate(id, 2_000_000))
	require.NoError(t, o.OnBandwidthEstimate(id, 200_000))
	require.Eventually(t, func() bool {
		b, err := o.Bitrate(id)
		return err == nil && b.State == StateCongested
	}, time.Second, time.Millisecond)

	o.mu.RLock()
	w := o.workers[0]
	o.mu.RUnlock()
	hold := make(chan struct{})
	require.True(t, w.submit(func() { <-hold }))
	for w.submit(func() {}) {
	}

	// the first re-probe fires while nothing fits in the queue
	time.Sleep(cfg.ReprobeDelay * 5 / 2)
	b, err := o.Bitrate(id)
	require.NoError(t, err)
	assert.Equal(t, StateCongested, b.State)
	close(hold)

	require.Eventually(t, func() bool {
		b, err := o.Bitrate(id)
		return err == nil && b.State == StateRecovering
	}, time.Second, time.Millisecond)
	require.NoError(t, o.OnBandwidthEstimate(id, 1_200_000))
	require.Eventually(t, func() bool {
		b, err := o.Bitrate(id)
		return err == nil && b.State == StateStable && b.Outgoing == 1_200_000
	}, time.Second, time.Millisecond)
}
