package hotplug

import "github.com/motley-git/kernel-Nexus4/internal/tunable"

// Tunables are the runtime-settable control constants of the hotplug
// governor. Ranges are inclusive; writes outside them are rejected.
type Tunables struct {
	// EnableAllThreshold is the average load above which all cores are
	// onlined at once (270-550, raw).
	EnableAllThreshold *tunable.Tunable[uint]
	// EnableThreshold is the per-online-core load above which one more
	// core is onlined (130-250, scaled by online count at decision
	// time).
	EnableThreshold *tunable.Tunable[uint]
	// DisableThreshold is the per-online-core load below which one core
	// is offlined (40-125, scaled by online count at decision time).
	DisableThreshold *tunable.Tunable[uint]
	// MinSamplingRateMS is the base sampling interval in milliseconds
	// (10-50).
	MinSamplingRateMS *tunable.Tunable[uint]
	// SamplingPeriods is the load history window length (5-50). Changes
	// take effect on the next decision cycle, dropping accumulated
	// history.
	SamplingPeriods *tunable.Tunable[uint]
	// MinOnline / MaxOnline bound the governor's hotplug decisions
	// (1-available).
	MinOnline *tunable.Tunable[uint]
	MaxOnline *tunable.Tunable[uint]
}

const (
	defaultEnableThreshold   = 200
	defaultDisableThreshold  = 80
	defaultMinSamplingRateMS = 20
	defaultSamplingPeriods   = 10
)

// DefaultTunables returns the tunable set for a platform with the given
// number of cores, populated with boot defaults.
func DefaultTunables(available uint) Tunables {
	return Tunables{
		EnableAllThreshold: tunable.New[uint]("enable_all_load_threshold", 100*available, 270, 550, nil),
		EnableThreshold:    tunable.New[uint]("enable_load_threshold", defaultEnableThreshold, 130, 250, nil),
		DisableThreshold:   tunable.New[uint]("disable_load_threshold", defaultDisableThreshold, 40, 125, nil),
		MinSamplingRateMS:  tunable.New[uint]("min_sampling_rate", defaultMinSamplingRateMS, 10, 50, nil),
		SamplingPeriods:    tunable.New[uint]("sampling_periods", defaultSamplingPeriods, 5, 50, nil),
		MinOnline:          tunable.New[uint]("min_online_cpus", 1, 1, available, nil),
		MaxOnline:          tunable.New[uint]("max_online_cpus", available, 1, available, nil),
	}
}

// Register adds all hotplug tunables to the store serving the external
// management path.
func (t Tunables) Register(store *tunable.Store) {
	store.Register(
		t.EnableAllThreshold,
		t.EnableThreshold,
		t.DisableThreshold,
		t.MinSamplingRateMS,
		t.SamplingPeriods,
		t.MinOnline,
		t.MaxOnline,
	)
}
