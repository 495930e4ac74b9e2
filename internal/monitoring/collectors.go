// Package monitoring exports prometheus collectors for both governors,
// built from their snapshot accessors so a scrape never touches
// controller internals.
package monitoring

import (
	"github.com/go-logr/logr"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/motley-git/kernel-Nexus4/internal/hotplug"
	"github.com/motley-git/kernel-Nexus4/internal/thermal"
)

// Helper constants for prom Collectors
const (
	promNamespace string = "governor"

	LogTopName       string = "monitoring"
	hotplugSubsystem string = "hotplug"
	thermalSubsystem string = "thermal"
)

type collectorImpl struct {
	collectFunc  func(ch chan<- prom.Metric)
	describeFunc func(ch chan<- *prom.Desc)
}

func (c collectorImpl) Collect(ch chan<- prom.Metric) {
	c.collectFunc(ch)
}

func (c collectorImpl) Describe(ch chan<- *prom.Desc) {
	c.describeFunc(ch)
}

// NewHotplugCollector builds a Collector over the hotplug governor's
// snapshot: online/available core counts, the smoothed load average,
// and the control flag states.
func NewHotplugCollector(snapshot func() hotplug.Snapshot, log logr.Logger) prom.Collector {
	onlineDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, hotplugSubsystem, "online_cpus"),
		"Number of cores currently online.",
		nil, nil,
	)
	availableDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, hotplugSubsystem, "available_cpus"),
		"Number of cores present on the platform.",
		nil, nil,
	)
	loadDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, hotplugSubsystem, "load_average"),
		"Moving average of the scaled runnable task count.",
		nil, nil,
	)
	flagDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, hotplugSubsystem, "flag"),
		"Hotplug governor control flags (1 = set).",
		[]string{"flag"}, nil,
	)

	flagBits := []struct {
		name string
		mask hotplug.Flags
	}{
		{"disabled", hotplug.FlagDisabled},
		{"paused", hotplug.FlagPaused},
		{"boost_active", hotplug.FlagBoostActive},
		{"suspend_active", hotplug.FlagSuspendActive},
	}

	log.V(4).Info("New hotplug prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- onlineDesc
			ch <- availableDesc
			ch <- loadDesc
			ch <- flagDesc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting hotplug metrics for prometheus")
			snap := snapshot()
			ch <- prom.MustNewConstMetric(onlineDesc, prom.GaugeValue, float64(snap.Online))
			ch <- prom.MustNewConstMetric(availableDesc, prom.GaugeValue, float64(snap.Available))
			ch <- prom.MustNewConstMetric(loadDesc, prom.GaugeValue, float64(snap.LoadAverage))
			for _, bit := range flagBits {
				value := float64(0)
				if snap.Flags.Has(bit.mask) {
					value = 1
				}
				ch <- prom.MustNewConstMetric(flagDesc, prom.GaugeValue, value, bit.name)
			}
		},
	}
}

// NewThermalCollector builds a Collector over the thermal governor's
// snapshot: die temperature, the limit table index, the applied
// ceiling, and the named state.
func NewThermalCollector(snapshot func() thermal.Snapshot, log logr.Logger) prom.Collector {
	tempDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, thermalSubsystem, "temperature_celsius"),
		"Last sampled die temperature.",
		nil, nil,
	)
	limitIdxDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, thermalSubsystem, "limit_index"),
		"Current frequency table limit index.",
		nil, nil,
	)
	appliedDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, thermalSubsystem, "applied_max_khz"),
		"Currently applied frequency ceiling in kHz (0 = unlimited).",
		nil, nil,
	)
	stateDesc := prom.NewDesc(
		prom.BuildFQName(promNamespace, thermalSubsystem, "state"),
		"Thermal governor state (1 = current).",
		[]string{"state"}, nil,
	)

	states := []thermal.State{
		thermal.StateNormal,
		thermal.StateWarning,
		thermal.StateThrottling,
		thermal.StateShutdown,
	}

	log.V(4).Info("New thermal prometheus Collector created")

	return collectorImpl{
		describeFunc: func(ch chan<- *prom.Desc) {
			ch <- tempDesc
			ch <- limitIdxDesc
			ch <- appliedDesc
			ch <- stateDesc
		},
		collectFunc: func(ch chan<- prom.Metric) {
			log.V(5).Info("Collecting thermal metrics for prometheus")
			snap := snapshot()
			ch <- prom.MustNewConstMetric(tempDesc, prom.GaugeValue, float64(snap.Temperature))
			ch <- prom.MustNewConstMetric(limitIdxDesc, prom.GaugeValue, float64(snap.LimitIndex))
			ch <- prom.MustNewConstMetric(appliedDesc, prom.GaugeValue, float64(snap.AppliedMax))
			for _, state := range states {
				value := float64(0)
				if snap.State == state {
					value = 1
				}
				ch <- prom.MustNewConstMetric(stateDesc, prom.GaugeValue, value, state.String())
			}
		},
	}
}
