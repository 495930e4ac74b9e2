// Package hotplug implements the load-driven CPU hotplug governor: a
// periodic sampler that maintains a smoothed running-task load average
// and onlines or offlines cores to track demand, plus the boost-pulse
// and display suspend/resume entry points.
package hotplug

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/motley-git/kernel-Nexus4/internal/sched"
)

// CoreControl abstracts the platform routines that bring execution
// units in and out of the scheduler. Core 0 must never be targeted by
// TakeOffline.
type CoreControl interface {
	BringOnline(core uint) error
	TakeOffline(core uint) error
	IsOnline(core uint) bool
	OnlineCount() uint
	AvailableCount() uint
}

// LoadSource reports the instantaneous number of runnable tasks.
type LoadSource interface {
	RunnableTaskCount() uint
}

// Flags is the hotplug governor's control bitset.
type Flags uint8

const (
	// FlagDisabled suppresses decisions and implies no hotplug action
	// is left pending.
	FlagDisabled Flags = 1 << iota
	// FlagPaused suppresses online/offline decisions but not sampling.
	FlagPaused
	// FlagBoostActive marks an in-flight boost pulse; cleared whenever
	// an offline decision would otherwise fire.
	FlagBoostActive
	// FlagSuspendActive is set while the display is suspended.
	FlagSuspendActive
)

func (f Flags) Has(mask Flags) bool { return f&mask != 0 }

const (
	// Samples are scaled by 100 to keep the average in integer
	// arithmetic.
	loadScale = 100

	bootDecisionDelay = 5 * time.Second
	bootUnpauseDelay  = 10 * time.Second

	// Settle delay before an offline fires, so a momentary dip does not
	// cost a hotplug transition.
	offlineSettleDelay = time.Second

	// Unconditional pause after onlining all cores before offlining is
	// permitted again.
	onlineAllPause = 2 * time.Second

	boostUnpauseDelay        = time.Second
	boostPendingUnpauseDelay = 2 * time.Second

	resumeDecisionDelay = 500 * time.Millisecond
	resumeSeedLoad      = 500
)

// Snapshot is a point-in-time view of the governor state for telemetry.
type Snapshot struct {
	Flags       Flags
	LoadAverage uint
	Online      uint
	Available   uint
}

// Controller owns the hotplug governor's mutable state. All transitions
// execute on its scheduler worker; the exported entry points only
// mutate flags and (re)arm tasks.
type Controller struct {
	log   logr.Logger
	cores CoreControl
	load  LoadSource
	tun   Tunables

	worker         *sched.Worker
	decisionTask   *sched.Task
	unpauseTask    *sched.Task
	onlineAllTask  *sched.Task
	onlineOneTask  *sched.Task
	offlineTask    *sched.Task
	offlineAllTask *sched.Task
	boostTask      *sched.Task

	mu          sync.Mutex
	flags       Flags
	history     *loadHistory
	lastAverage uint
}

func NewController(cores CoreControl, load LoadSource, tun Tunables, log logr.Logger) *Controller {
	c := &Controller{
		log:     log.WithName("hotplug"),
		cores:   cores,
		load:    load,
		tun:     tun,
		history: newLoadHistory(int(tun.SamplingPeriods.Get())),
	}

	c.worker = sched.NewWorker("hotplug", log)
	c.decisionTask = c.worker.NewTask("decision", c.decide)
	c.unpauseTask = c.worker.NewTask("unpause", c.unpause)
	c.onlineAllTask = c.worker.NewTask("online-all", c.onlineAll)
	c.onlineOneTask = c.worker.NewTask("online-one", c.onlineOne)
	c.offlineTask = c.worker.NewTask("offline-one", c.offlineOne)
	c.offlineAllTask = c.worker.NewTask("offline-all", c.offlineAll)
	c.boostTask = c.worker.NewTask("boost", c.boost)

	return c
}

// Start arms the sampling loop with a boot grace period: the governor
// begins paused so the system has time to boot before any hotplug
// transition fires.
func (c *Controller) Start() {
	c.setFlags(FlagPaused)
	c.decisionTask.Schedule(bootDecisionDelay)
	c.unpauseTask.Schedule(bootUnpauseDelay)
	c.log.Info("hotplug governor started", "cores", c.cores.AvailableCount())
}

// Stop tears the governor down, waiting for any in-flight transition.
func (c *Controller) Stop() {
	c.SetEnabled(false)
	c.worker.Stop()
}

// Snapshot returns the current governor state for telemetry.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		Flags:       c.flags,
		LoadAverage: c.lastAverage,
		Online:      c.cores.OnlineCount(),
		Available:   c.cores.AvailableCount(),
	}
}

// decide is the periodic sampling task. It records a load sample,
// recomputes the moving average and applies the decision policy in
// strict priority order: online-all, paused passthrough, online-one,
// offline-one, none.
func (c *Controller) decide() {
	minRate := c.minSamplingRate()
	online := c.cores.OnlineCount()
	available := c.cores.AvailableCount()
	maxOnline := c.tun.MaxOnline.Get()
	minOnline := c.tun.MinOnline.Get()
	enableAll := c.tun.EnableAllThreshold.Get()
	enableLoad := c.tun.EnableThreshold.Get() * online
	disableLoad := c.tun.DisableThreshold.Get() * online

	running := c.load.RunnableTaskCount() * loadScale

	c.mu.Lock()
	if periods := int(c.tun.SamplingPeriods.Get()); periods != c.history.Size() {
		c.history.Resize(periods)
		c.log.V(4).Info("sampling window resized", "periods", periods)
	}
	average := c.history.Sample(running)
	c.lastAverage = average
	flags := c.flags
	c.mu.Unlock()

	c.log.V(5).Info("load sampled",
		"running", running, "average", average, "online", online,
		"enableLoad", enableLoad, "disableLoad", disableLoad)

	// Interval shrinks as fewer cores are online and grows
	// quadratically with more, trading responsiveness for overhead.
	scaledRate := minRate * time.Duration(online*online)

	if flags.Has(FlagDisabled) {
		// Disabled implies nothing stays armed, sampling included.
		return
	}

	switch {
	case average >= enableAll && online < available && online < maxOnline:
		c.log.V(4).Info("onlining all cores", "average", average)
		c.setFlags(FlagPaused)
		c.offlineTask.Cancel()
		c.enqueueUnlessDisabled(c.onlineAllTask)
		return

	case flags.Has(FlagPaused):
		c.scheduleUnlessDisabled(c.decisionTask, minRate)
		return

	case average >= enableLoad && online < available && online < maxOnline:
		c.log.V(4).Info("onlining one core", "average", average)
		c.offlineTask.Cancel()
		c.enqueueUnlessDisabled(c.onlineOneTask)
		return

	case average <= disableLoad && online > minOnline:
		// Only queue an offline if there isn't one already pending.
		if !c.offlineTask.Pending() {
			c.log.V(4).Info("scheduling core offline", "average", average)
			c.scheduleUnlessDisabled(c.offlineTask, offlineSettleDelay)
		}
		c.clearFlags(FlagBoostActive)
	}

	c.scheduleUnlessDisabled(c.decisionTask, scaledRate)
}

// onlineAll brings every offline core online, then holds the pause for
// a fixed settle window before offlining is permitted again.
func (c *Controller) onlineAll() {
	available := c.cores.AvailableCount()
	for core := uint(0); core < available; core++ {
		if c.cores.IsOnline(core) {
			continue
		}
		if err := c.cores.BringOnline(core); err != nil {
			c.log.Error(err, "failed to online core", "core", core)
			continue
		}
		c.log.V(4).Info("core online", "core", core)
	}

	c.scheduleUnlessDisabled(c.unpauseTask, onlineAllPause)
	c.scheduleUnlessDisabled(c.decisionTask, c.minSamplingRate())
}

// onlineOne brings exactly one offline core online, lowest index first,
// never touching core 0's slot.
func (c *Controller) onlineOne() {
	available := c.cores.AvailableCount()
	for core := uint(1); core < available; core++ {
		if c.cores.IsOnline(core) {
			continue
		}
		if err := c.cores.BringOnline(core); err != nil {
			c.log.Error(err, "failed to online core", "core", core)
			continue
		}
		c.log.V(4).Info("core online", "core", core)
		break
	}

	c.scheduleUnlessDisabled(c.decisionTask, c.minSamplingRate())
}

// offlineOne takes exactly one online core offline, lowest index first.
// Core 0 is never offlined.
func (c *Controller) offlineOne() {
	available := c.cores.AvailableCount()
	for core := uint(1); core < available; core++ {
		if !c.cores.IsOnline(core) {
			continue
		}
		if err := c.cores.TakeOffline(core); err != nil {
			c.log.Error(err, "failed to offline core", "core", core)
			continue
		}
		c.log.V(4).Info("core offline", "core", core)
		break
	}

	c.scheduleUnlessDisabled(c.decisionTask, c.minSamplingRate())
}

// offlineAll takes every core except core 0 offline. Used only on
// suspend; does not re-arm sampling.
func (c *Controller) offlineAll() {
	available := c.cores.AvailableCount()
	for core := uint(1); core < available; core++ {
		if !c.cores.IsOnline(core) {
			continue
		}
		if err := c.cores.TakeOffline(core); err != nil {
			c.log.Error(err, "failed to offline core", "core", core)
			continue
		}
		c.log.V(4).Info("core offline", "core", core)
	}
}

func (c *Controller) unpause() {
	c.log.V(4).Info("clearing pause flag")
	c.clearFlags(FlagPaused)
}

// BoostPulse requests immediate extra capacity, e.g. on user input. It
// is a no-op while suspended, disabled, or with a boost already active,
// and never blocks the caller beyond flag checks and a task enqueue;
// the actual transition runs on the governor worker.
func (c *Controller) BoostPulse() {
	c.mu.Lock()
	blocked := c.flags.Has(FlagSuspendActive | FlagDisabled | FlagBoostActive)
	c.mu.Unlock()
	if blocked {
		return
	}

	c.boostTask.Now()
}

// boost performs the pulse on the worker, where canceling the pending
// offline is race-free by serialization. No offlining is allowed while
// the user is interacting with the device.
func (c *Controller) boost() {
	online := c.cores.OnlineCount()
	maxOnline := c.tun.MaxOnline.Get()

	c.mu.Lock()
	if c.flags.Has(FlagSuspendActive|FlagDisabled|FlagBoostActive) || online >= maxOnline {
		c.mu.Unlock()
		return
	}
	c.flags |= FlagBoostActive
	c.mu.Unlock()

	if online < 2 {
		c.offlineTask.Cancel()
		c.setFlags(FlagPaused)
		c.enqueueUnlessDisabled(c.onlineOneTask)
		c.scheduleUnlessDisabled(c.unpauseTask, boostUnpauseDelay)
		return
	}

	if c.offlineTask.Cancel() {
		c.log.V(4).Info("boost canceled pending offline", "online", online)
		c.setFlags(FlagPaused)
		c.scheduleUnlessDisabled(c.unpauseTask, boostPendingUnpauseDelay)
		c.scheduleUnlessDisabled(c.decisionTask, c.minSamplingRate())
	}
}

// SetEnabled toggles the governor. Disabling synchronously cancels
// every scheduled task so no stale transition can fire after it
// returns; enabling clears the pause and re-arms sampling immediately.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	if enabled {
		if !c.flags.Has(FlagDisabled) {
			c.mu.Unlock()
			return
		}
		c.flags &^= FlagDisabled | FlagPaused
		c.mu.Unlock()

		c.log.Info("hotplug governor enabled")
		c.decisionTask.Now()
		return
	}

	if c.flags.Has(FlagDisabled) {
		c.mu.Unlock()
		return
	}
	c.flags |= FlagDisabled
	c.mu.Unlock()

	c.log.Info("hotplug governor disabled")
	c.offlineTask.CancelAndWait()
	c.decisionTask.CancelAndWait()
	c.unpauseTask.CancelAndWait()
	c.onlineAllTask.CancelAndWait()
	c.onlineOneTask.CancelAndWait()
	c.offlineAllTask.CancelAndWait()
	c.boostTask.CancelAndWait()
}

// Suspend is the display power-off hook: it halts decisions and parks
// all non-primary cores.
func (c *Controller) Suspend() {
	c.log.V(4).Info("suspend hook")
	c.setFlags(FlagSuspendActive)

	// Cancel scheduled work synchronously to avoid races with the
	// offline-all below.
	c.offlineTask.CancelAndWait()
	c.decisionTask.CancelAndWait()

	if c.cores.OnlineCount() > 1 {
		c.log.Info("offlining cores for suspend")
		c.offlineAllTask.Now()
	}
}

// Resume is the display power-on hook. The history is reseeded with
// high samples so the first post-resume average cannot immediately
// offline a core.
func (c *Controller) Resume() {
	c.log.V(4).Info("resume hook")
	c.clearFlags(FlagSuspendActive)

	c.mu.Lock()
	c.history.Seed(resumeSeedLoad)
	c.mu.Unlock()

	c.scheduleUnlessDisabled(c.decisionTask, resumeDecisionDelay)
}

func (c *Controller) minSamplingRate() time.Duration {
	return time.Duration(c.tun.MinSamplingRateMS.Get()) * time.Millisecond
}

// scheduleUnlessDisabled arms the task while holding the flags lock.
// SetEnabled(false) sets FlagDisabled under the same lock before its
// cancel pass, so an arming either observes the flag and skips, or
// lands before it and is swept by the cancel pass. Task functions must
// use these guards for every follow-up arm; an arming based on a stale
// flags snapshot would otherwise survive the disable.
func (c *Controller) scheduleUnlessDisabled(task *sched.Task, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flags.Has(FlagDisabled) {
		return
	}
	task.Schedule(delay)
}

func (c *Controller) enqueueUnlessDisabled(task *sched.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flags.Has(FlagDisabled) {
		return
	}
	task.Now()
}

func (c *Controller) setFlags(mask Flags) {
	c.mu.Lock()
	c.flags |= mask
	c.mu.Unlock()
}

func (c *Controller) clearFlags(mask Flags) {
	c.mu.Lock()
	c.flags &^= mask
	c.mu.Unlock()
}
