package thermal

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTemps struct {
	mu   sync.Mutex
	temp int
	err  error
}

func (f *fakeTemps) set(temp int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temp = temp
	f.err = nil
}

func (f *fakeTemps) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTemps) Read(uint) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.temp, f.err
}

type fakeTable struct {
	freqs []uint
	err   error
	calls atomic.Int32
}

func (f *fakeTable) Resolve() ([]uint, error) {
	f.calls.Add(1)
	return f.freqs, f.err
}

type freqCall struct {
	core uint
	max  uint
}

type fakeFreq struct {
	mu    sync.Mutex
	calls []freqCall
	err   error
}

func (f *fakeFreq) SetMax(core, freqKHz uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, freqCall{core, freqKHz})
	return f.err
}

func (f *fakeFreq) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFreq) last() (freqCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return freqCall{}, false
	}
	return f.calls[len(f.calls)-1], true
}

type fakePower struct {
	shutdowns atomic.Int32
}

func (f *fakePower) OrderlyShutdown() error {
	f.shutdowns.Add(1)
	return nil
}

var testFreqs = []uint{384000, 702000, 1026000, 1350000, 1512000}

func testConfig() Config {
	return Config{
		SensorID:        0,
		PollInterval:    time.Minute, // keep re-arms from firing mid-test
		MaxThrottleTemp: 80,
		ShutdownTemp:    0,
		Hysteresis:      5,
		FreqStep:        1,
		MinFreqIndex:    1,
		CoolTemp:        45,
		CoolOffset:      250 * time.Millisecond,
		HotOffset:       250 * time.Millisecond,
		Recovery:        RecoveryJump,
		CoreCount:       2,
	}
}

type limiterFixture struct {
	limiter *Limiter
	temps   *fakeTemps
	table   *fakeTable
	freq    *fakeFreq
	power   *fakePower
}

func newTestLimiter(t *testing.T, cfg Config) *limiterFixture {
	f := &limiterFixture{
		temps: &fakeTemps{temp: 40},
		table: &fakeTable{freqs: testFreqs},
		freq:  &fakeFreq{},
		power: &fakePower{},
	}
	throttle := NewThrottleTempTunable()
	require.NoError(t, throttle.Set(65))

	f.limiter = NewLimiter(cfg, f.temps, f.table, f.freq, f.power, throttle, logr.Discard())
	t.Cleanup(f.limiter.worker.Stop)

	// Drive sample() directly from the test goroutine; mark the limiter
	// enabled without Start so the worker never races the direct calls.
	f.limiter.mu.Lock()
	f.limiter.enabled = true
	f.limiter.mu.Unlock()
	return f
}

func (f *limiterFixture) sampleAt(temp int) {
	f.temps.set(temp)
	f.limiter.sample()
}

func TestLimiterCoolSampleAppliesNoLimit(t *testing.T) {
	f := newTestLimiter(t, testConfig())

	f.sampleAt(40)

	snap := f.limiter.Snapshot()
	assert.Equal(t, StateNormal, snap.State)
	assert.Equal(t, 40, snap.Temperature)
	assert.Equal(t, NoLimit, snap.AppliedMax)
	assert.True(t, snap.TableOK)
	assert.Zero(t, f.freq.callCount(), "no ceiling write while cool and unlimited")
}

func TestLimiterTableResolvedOnce(t *testing.T) {
	f := newTestLimiter(t, testConfig())

	f.sampleAt(40)
	f.sampleAt(50)
	f.sampleAt(60)

	assert.Equal(t, int32(1), f.table.calls.Load())
}

func TestLimiterThrottleRecoveryTrace(t *testing.T) {
	f := newTestLimiter(t, testConfig())

	// Threshold 65, hysteresis 5: normal, step down twice, hold in the
	// hysteresis band, then jump back to the top.
	trace := []struct {
		temp  int
		index uint
		state State
	}{
		{50, 4, StateNormal},
		{66, 3, StateThrottling},
		{68, 2, StateThrottling},
		{62, 2, StateWarning},
		{44, 4, StateNormal},
	}

	for _, step := range trace {
		f.sampleAt(step.temp)
		snap := f.limiter.Snapshot()
		assert.Equal(t, step.index, snap.LimitIndex, "temp %d", step.temp)
		assert.Equal(t, step.state, snap.State, "temp %d", step.temp)
	}

	last, ok := f.freq.last()
	require.True(t, ok)
	assert.Equal(t, testFreqs[4], last.max, "recovery restores the table maximum")
}

func TestLimiterCeilingAppliedToEveryCore(t *testing.T) {
	f := newTestLimiter(t, testConfig())

	f.sampleAt(66)

	require.Equal(t, 2, f.freq.callCount())
	assert.Equal(t, []freqCall{
		{0, testFreqs[3]},
		{1, testFreqs[3]},
	}, f.freq.calls)
}

func TestLimiterUnchangedIndexSkipsWrite(t *testing.T) {
	f := newTestLimiter(t, testConfig())

	f.sampleAt(66)
	writes := f.freq.callCount()

	// Hysteresis band: index holds, so no further ceiling writes.
	f.sampleAt(62)
	f.sampleAt(63)

	assert.Equal(t, writes, f.freq.callCount())
}

func TestLimiterMaxThrottleDropsToFloor(t *testing.T) {
	f := newTestLimiter(t, testConfig())

	f.sampleAt(85)

	snap := f.limiter.Snapshot()
	assert.Equal(t, uint(1), snap.LimitIndex)
	assert.Equal(t, testFreqs[1], snap.AppliedMax)
	assert.Equal(t, StateThrottling, snap.State)
}

func TestLimiterHysteresisHoldsIndexUnderOscillation(t *testing.T) {
	cfg := testConfig()
	cfg.MinFreqIndex = 3 // first throttle step reaches the floor
	f := newTestLimiter(t, cfg)

	f.sampleAt(66)
	require.Equal(t, uint(3), f.limiter.Snapshot().LimitIndex)

	// Oscillate between the throttle threshold and the inside of the
	// hysteresis band; the index must not move again.
	for _, temp := range []int{62, 66, 61, 67, 63} {
		f.sampleAt(temp)
		assert.Equal(t, uint(3), f.limiter.Snapshot().LimitIndex, "temp %d", temp)
	}
}

func TestLimiterIndexNeverLeavesBounds(t *testing.T) {
	cfg := testConfig()
	cfg.FreqStep = 10 // larger than the whole table
	f := newTestLimiter(t, cfg)

	f.sampleAt(66)
	assert.Equal(t, uint(1), f.limiter.Snapshot().LimitIndex, "throttle clamps at the floor")

	f.sampleAt(66)
	assert.Equal(t, uint(1), f.limiter.Snapshot().LimitIndex)

	f.limiter.cfg.Recovery = RecoveryStep
	f.sampleAt(40)
	assert.Equal(t, uint(4), f.limiter.Snapshot().LimitIndex, "recovery clamps at the top")
}

func TestLimiterStepwiseRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.Recovery = RecoveryStep
	f := newTestLimiter(t, cfg)

	f.sampleAt(66)
	f.sampleAt(68)
	f.sampleAt(69)
	require.Equal(t, uint(1), f.limiter.Snapshot().LimitIndex)

	for _, expect := range []uint{2, 3, 4} {
		f.sampleAt(40)
		assert.Equal(t, expect, f.limiter.Snapshot().LimitIndex)
	}

	// At the top the index stays put.
	f.sampleAt(40)
	assert.Equal(t, uint(4), f.limiter.Snapshot().LimitIndex)
}

func TestLimiterShutdownBand(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTemp = 95
	f := newTestLimiter(t, cfg)
	f.sampleAt(40) // resolve the table first

	f.sampleAt(96)

	snap := f.limiter.Snapshot()
	assert.Equal(t, StateShutdown, snap.State)
	assert.Equal(t, uint(1), snap.LimitIndex, "clamped to the floor before power-off")
	assert.Equal(t, testFreqs[1], snap.AppliedMax)
	assert.Equal(t, int32(1), f.power.shutdowns.Load())
}

func TestLimiterShutdownFiresOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTemp = 95
	f := newTestLimiter(t, cfg)
	f.sampleAt(40)

	f.sampleAt(96)
	f.sampleAt(97)
	f.sampleAt(98)

	assert.Equal(t, int32(1), f.power.shutdowns.Load())
}

func TestLimiterShutdownDisabledByDefault(t *testing.T) {
	f := newTestLimiter(t, testConfig()) // ShutdownTemp zero

	f.sampleAt(200)

	assert.Zero(t, f.power.shutdowns.Load())
	assert.Equal(t, StateThrottling, f.limiter.Snapshot().State)
}

func TestLimiterTransientReadFailure(t *testing.T) {
	f := newTestLimiter(t, testConfig())

	f.temps.fail(errors.New("sensor glitch"))
	f.limiter.sample()

	assert.Zero(t, f.freq.callCount(), "no limiting action on a failed read")
	assert.True(t, f.limiter.sampleTask.Pending(), "sampling continues after a read failure")
}

func TestLimiterDegenerateTableDisablesPermanently(t *testing.T) {
	f := newTestLimiter(t, testConfig())
	f.table.freqs = []uint{1512000}

	f.sampleAt(90)
	f.sampleAt(90)

	assert.Zero(t, f.freq.callCount())
	assert.Equal(t, int32(1), f.table.calls.Load(), "no resolve retry after a degenerate table")
	assert.False(t, f.limiter.Snapshot().TableOK)
}

func TestLimiterTableErrorDisablesPermanently(t *testing.T) {
	f := newTestLimiter(t, testConfig())
	f.table.freqs = nil
	f.table.err = errors.New("cpufreq not ready")

	f.sampleAt(90)
	f.sampleAt(90)

	assert.Zero(t, f.freq.callCount())
	assert.False(t, f.limiter.Snapshot().TableOK)
}

func TestLimiterDisableLiftsCeiling(t *testing.T) {
	f := newTestLimiter(t, testConfig())
	f.sampleAt(68)
	require.NotEqual(t, NoLimit, f.limiter.Snapshot().AppliedMax)

	f.limiter.Disable()

	snap := f.limiter.Snapshot()
	assert.Equal(t, NoLimit, snap.AppliedMax)
	assert.Equal(t, uint(4), snap.LimitIndex, "index resets to the table maximum")
	assert.Equal(t, StateNormal, snap.State)

	last, ok := f.freq.last()
	require.True(t, ok)
	assert.Equal(t, NoLimit, last.max)
}

func TestLimiterDisableWithoutCeilingWritesNothing(t *testing.T) {
	f := newTestLimiter(t, testConfig())
	f.sampleAt(40)

	f.limiter.Disable()

	assert.Zero(t, f.freq.callCount())
}

func TestLimiterEnableRefusedAfterShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.ShutdownTemp = 95
	f := newTestLimiter(t, cfg)
	f.sampleAt(40)
	f.sampleAt(96)
	require.Equal(t, StateShutdown, f.limiter.Snapshot().State)

	f.limiter.Enable()

	assert.False(t, f.limiter.sampleTask.Pending(),
		"sampling must not restart while powering off")
	snap := f.limiter.Snapshot()
	assert.Equal(t, StateShutdown, snap.State)
	assert.Equal(t, testFreqs[1], snap.AppliedMax, "the clamp stays applied")
}

func TestLimiterEnableRestartsSampling(t *testing.T) {
	f := newTestLimiter(t, testConfig())
	f.limiter.Disable()
	f.temps.set(52)

	f.limiter.Enable()

	assert.Eventually(t, func() bool {
		return f.limiter.Snapshot().Temperature == 52
	}, 500*time.Millisecond, 5*time.Millisecond)
}
