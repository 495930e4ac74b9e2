// Package thermal implements the temperature-driven frequency limiter:
// a periodic sampler that steps the allowed CPU frequency ceiling down
// a platform frequency table as the die approaches the throttle
// threshold, with a hysteresis band against oscillation, an optional
// orderly-shutdown band, and a three-tier adaptive poll interval.
package thermal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/motley-git/kernel-Nexus4/internal/sched"
	"github.com/motley-git/kernel-Nexus4/internal/tunable"
)

// NoLimit is the ceiling value meaning no frequency limit is applied.
const NoLimit uint = 0

// ErrTableUnavailable is returned when the platform frequency table
// cannot be resolved or is degenerate. Limiting is then permanently
// disabled for this boot.
var ErrTableUnavailable = errors.New("frequency table unavailable")

// TemperatureSource reads the die temperature in whole degrees Celsius.
type TemperatureSource interface {
	Read(sensorID uint) (int, error)
}

// FrequencyTable resolves the platform's ordered sequence of available
// frequencies (kHz, ascending).
type FrequencyTable interface {
	Resolve() ([]uint, error)
}

// FrequencyLimiter applies a frequency ceiling to a core. NoLimit
// lifts the ceiling. Implementations trigger policy re-evaluation on
// the affected core.
type FrequencyLimiter interface {
	SetMax(core uint, freqKHz uint) error
}

// PowerControl initiates a controlled system power-off, the thermal
// safety last resort.
type PowerControl interface {
	OrderlyShutdown() error
}

// RecoveryPolicy selects how the limit index returns toward the
// maximum once the temperature drops out of the hysteresis band.
type RecoveryPolicy int

const (
	// RecoveryJump restores the maximum index in one move.
	RecoveryJump RecoveryPolicy = iota
	// RecoveryStep raises the index by FreqStep per cycle, symmetric to
	// the throttle step.
	RecoveryStep
)

// State names the limiter's position in its thermal state machine.
type State int

const (
	StateNormal State = iota
	StateWarning
	StateThrottling
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateThrottling:
		return "throttling"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Config is the thermal governor's platform configuration, populated
// once at startup and immutable afterwards. The throttle threshold
// itself is a runtime tunable and lives outside this struct.
type Config struct {
	SensorID     uint
	PollInterval time.Duration
	// MaxThrottleTemp jumps straight to the minimum index; this band
	// signals imminent danger, so de-escalation is not stepwise.
	MaxThrottleTemp int
	// ShutdownTemp > 0 enables the orderly-shutdown band.
	ShutdownTemp int
	// Hysteresis is the margin below the throttle threshold the
	// temperature must drop through before recovery starts.
	Hysteresis int
	// FreqStep is the per-cycle table index decrement while throttling.
	FreqStep uint
	// MinFreqIndex is the lowest table index throttling may drop to.
	MinFreqIndex uint
	// CoolTemp and the two offsets drive the adaptive poll interval:
	// poll slower when comfortably cool, faster when warning or
	// throttling.
	CoolTemp   int
	CoolOffset time.Duration
	HotOffset  time.Duration
	Recovery   RecoveryPolicy
	CoreCount  uint
}

// Snapshot is a point-in-time view of the limiter state for telemetry.
type Snapshot struct {
	State       State
	Temperature int
	LimitIndex  uint
	AppliedMax  uint
	TableOK     bool
}

// Limiter owns the thermal governor's mutable state. Sampling runs on
// its scheduler worker; Disable cancels synchronously and lifts any
// applied ceiling.
type Limiter struct {
	log          logr.Logger
	cfg          Config
	temps        TemperatureSource
	table        FrequencyTable
	freq         FrequencyLimiter
	power        PowerControl
	throttleTemp *tunable.Tunable[int]

	worker     *sched.Worker
	sampleTask *sched.Task

	mu         sync.Mutex
	freqs      []uint
	minIdx     uint
	maxIdx     uint
	limitIdx   uint
	appliedMax uint
	state      State
	lastTemp   int
	resolved   bool
	tableErr   bool
	enabled    bool

	shutdownOnce sync.Once
}

// NewThrottleTempTunable returns the runtime-settable throttle
// threshold (45-80 degC, default 70).
func NewThrottleTempTunable() *tunable.Tunable[int] {
	return tunable.New[int]("throttle_temp", 70, 45, 80, nil)
}

func NewLimiter(
	cfg Config,
	temps TemperatureSource,
	table FrequencyTable,
	freq FrequencyLimiter,
	power PowerControl,
	throttleTemp *tunable.Tunable[int],
	log logr.Logger,
) *Limiter {
	l := &Limiter{
		log:          log.WithName("thermal"),
		cfg:          cfg,
		temps:        temps,
		table:        table,
		freq:         freq,
		power:        power,
		throttleTemp: throttleTemp,
		appliedMax:   NoLimit,
	}

	l.worker = sched.NewWorker("thermal", log)
	l.sampleTask = l.worker.NewTask("check-temp", l.sample)

	return l
}

// Start begins sampling immediately.
func (l *Limiter) Start() {
	l.mu.Lock()
	l.enabled = true
	l.mu.Unlock()

	l.sampleTask.Now()
	l.log.Info("thermal governor started",
		"sensor", l.cfg.SensorID, "poll", l.cfg.PollInterval)
}

// Stop tears the governor down, lifting any applied ceiling.
func (l *Limiter) Stop() {
	l.Disable()
	l.worker.Stop()
}

// Enable restarts sampling after a Disable. No-op while running, and
// refused outright once the shutdown band has fired: the machine is
// powering off and must stay clamped.
func (l *Limiter) Enable() {
	l.mu.Lock()
	if l.enabled || l.state == StateShutdown {
		l.mu.Unlock()
		return
	}
	l.enabled = true
	l.mu.Unlock()

	l.log.Info("thermal governor enabled")
	l.sampleTask.Now()
}

// Disable cancels pending sampling, waits out any in-flight cycle, and
// resets the ceiling to unlimited on every core if one is applied.
func (l *Limiter) Disable() {
	l.mu.Lock()
	if !l.enabled {
		l.mu.Unlock()
		return
	}
	l.enabled = false
	l.mu.Unlock()

	l.sampleTask.CancelAndWait()
	l.log.Info("thermal governor disabled")

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appliedMax == NoLimit {
		return
	}
	l.applyMaxLocked(NoLimit)
	if l.resolved {
		l.limitIdx = l.maxIdx
	}
	l.state = StateNormal
}

// Snapshot returns the current limiter state for telemetry.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Snapshot{
		State:       l.state,
		Temperature: l.lastTemp,
		LimitIndex:  l.limitIdx,
		AppliedMax:  l.appliedMax,
		TableOK:     l.resolved && !l.tableErr,
	}
}

// sample is the periodic task: read the temperature, resolve the
// frequency table on first use, evaluate the banded policy, apply the
// ceiling if it changed, and reschedule on the adaptive interval.
func (l *Limiter) sample() {
	temp, err := l.temps.Read(l.cfg.SensorID)
	if err != nil {
		// Transient: skip limiting this cycle, keep sampling on the
		// slow tier.
		l.log.V(4).Info("temperature read failed", "sensor", l.cfg.SensorID, "error", err.Error())
		l.mu.Lock()
		l.rescheduleLocked(l.cfg.CoolTemp, false)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastTemp = temp

	if l.tableErr {
		return
	}
	if !l.resolved {
		if err := l.resolveTableLocked(); err != nil {
			// Startup invariant violation, not a runtime retry target:
			// limiting stays off for this boot.
			l.log.Error(err, "disabling frequency limiting permanently")
			l.tableErr = true
			return
		}
	}

	l.log.V(5).Info("temperature sampled", "celsius", temp, "limitIdx", l.limitIdx)

	throttleTemp := l.throttleTemp.Get()
	target := l.appliedMax
	pollFaster := false

	switch {
	case l.cfg.ShutdownTemp > 0 && temp >= l.cfg.ShutdownTemp:
		l.shutdownLocked(temp)
		return

	case temp >= l.cfg.MaxThrottleTemp:
		// Imminent danger: drop straight to the floor.
		pollFaster = true
		l.enterThrottlingLocked(temp, throttleTemp)
		l.limitIdx = l.minIdx
		target = l.freqs[l.limitIdx]

	case temp >= throttleTemp:
		pollFaster = true
		l.enterThrottlingLocked(temp, throttleTemp)
		if l.limitIdx > l.minIdx {
			if l.limitIdx < l.minIdx+l.cfg.FreqStep {
				l.limitIdx = l.minIdx
			} else {
				l.limitIdx -= l.cfg.FreqStep
			}
			target = l.freqs[l.limitIdx]
		}

	case temp < throttleTemp-l.cfg.Hysteresis:
		l.leaveThrottlingLocked(temp, StateNormal)
		if l.limitIdx < l.maxIdx {
			switch l.cfg.Recovery {
			case RecoveryStep:
				if l.limitIdx+l.cfg.FreqStep > l.maxIdx {
					l.limitIdx = l.maxIdx
				} else {
					l.limitIdx += l.cfg.FreqStep
				}
			default:
				l.limitIdx = l.maxIdx
			}
			target = l.freqs[l.limitIdx]
		}

	default:
		// Warning band: hold the index so the hysteresis band actually
		// damps oscillation, but poll faster before the threshold is
		// crossed.
		pollFaster = true
		l.leaveThrottlingLocked(temp, StateWarning)
		l.log.V(4).Info("temperature nearing threshold",
			"celsius", temp, "threshold", throttleTemp)
	}

	if target != l.appliedMax {
		l.applyMaxLocked(target)
	}

	l.rescheduleLocked(temp, pollFaster)
}

func (l *Limiter) resolveTableLocked() error {
	freqs, err := l.table.Resolve()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTableUnavailable, err)
	}
	maxIdx := uint(len(freqs)) - 1
	if len(freqs) < 2 || l.cfg.MinFreqIndex >= maxIdx {
		return fmt.Errorf("%w: degenerate table (%d entries, min index %d)",
			ErrTableUnavailable, len(freqs), l.cfg.MinFreqIndex)
	}

	l.freqs = freqs
	l.minIdx = l.cfg.MinFreqIndex
	l.maxIdx = maxIdx
	l.limitIdx = maxIdx
	l.resolved = true
	l.log.V(4).Info("frequency table resolved",
		"entries", len(freqs), "minIdx", l.minIdx, "maxIdx", l.maxIdx)

	return nil
}

func (l *Limiter) enterThrottlingLocked(temp, threshold int) {
	if l.state != StateThrottling {
		l.log.Info("throttling ON", "threshold", threshold, "celsius", temp)
	}
	l.state = StateThrottling
}

func (l *Limiter) leaveThrottlingLocked(temp int, next State) {
	if l.state == StateThrottling {
		l.log.Info("throttling OFF", "celsius", temp)
	}
	l.state = next
}

// shutdownLocked runs the thermal last resort exactly once: clamp to
// the floor, power off, and stop sampling for good.
func (l *Limiter) shutdownLocked(temp int) {
	l.state = StateShutdown
	l.enabled = false
	l.sampleTask.Cancel()
	l.limitIdx = l.minIdx
	l.applyMaxLocked(l.freqs[l.limitIdx])

	l.shutdownOnce.Do(func() {
		l.log.Error(nil, "shutdown temperature reached, powering off",
			"celsius", temp, "shutdownTemp", l.cfg.ShutdownTemp)
		if err := l.power.OrderlyShutdown(); err != nil {
			l.log.Error(err, "orderly shutdown failed")
		}
	})
}

// applyMaxLocked applies the ceiling to every present core. A per-core
// failure is logged and does not abort the remaining cores.
func (l *Limiter) applyMaxLocked(maxFreq uint) {
	for core := uint(0); core < l.cfg.CoreCount; core++ {
		if err := l.freq.SetMax(core, maxFreq); err != nil {
			l.log.Error(err, "failed to limit core frequency",
				"core", core, "maxFreq", maxFreq)
		}
	}
	l.appliedMax = maxFreq

	if maxFreq == NoLimit {
		l.log.V(4).Info("frequency limit lifted")
	} else {
		l.log.V(4).Info("frequency limited", "maxFreq", maxFreq)
	}
}

// rescheduleLocked re-arms the sampler on the three-tier adaptive
// interval: faster in the warning/throttle bands, slower when
// comfortably cool.
func (l *Limiter) rescheduleLocked(temp int, pollFaster bool) {
	if !l.enabled {
		return
	}

	poll := l.cfg.PollInterval
	switch {
	case temp > l.cfg.CoolTemp && pollFaster:
		poll -= l.cfg.HotOffset
	case temp <= l.cfg.CoolTemp:
		poll += l.cfg.CoolOffset
	}

	l.log.V(5).Info("rescheduling temperature check", "poll", poll)
	l.sampleTask.Schedule(poll)
}
