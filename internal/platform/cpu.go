// Package platform provides the sysfs/procfs implementations of the
// governor collaborator contracts: core hotplug control, the runnable
// task count, die temperature, the cpufreq frequency table and ceiling,
// and the orderly power-off path.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const cpuBasePath = "/sys/devices/system/cpu/cpu%d"

// ErrPrimaryCore is returned when an offline targets core 0, which must
// stay online for boot and interrupt routing.
var ErrPrimaryCore = errors.New("core 0 cannot be taken offline")

func getCPUPath(cpu uint, resource string) string {
	return filepath.Join(fmt.Sprintf(cpuBasePath, cpu), resource)
}

var getCPUPathFunction = getCPUPath

var presentCPUsPath = "/sys/devices/system/cpu/present"

// DetectAvailableCores parses the kernel's present-CPU range, e.g.
// "0-3" or "0".
func DetectAvailableCores() (uint, error) {
	data, err := os.ReadFile(presentCPUsPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read present CPUs: %w", err)
	}

	spec := strings.TrimSpace(string(data))
	last := spec
	if idx := strings.LastIndexAny(spec, "-,"); idx >= 0 {
		last = spec[idx+1:]
	}
	max, err := strconv.ParseUint(last, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse present CPUs %q: %w", spec, err)
	}

	return uint(max) + 1, nil
}

// SysfsCoreControl onlines and offlines cores through the per-CPU
// online files.
type SysfsCoreControl struct {
	available uint
}

func NewSysfsCoreControl(available uint) *SysfsCoreControl {
	return &SysfsCoreControl{available: available}
}

func (s *SysfsCoreControl) BringOnline(core uint) error {
	if core == 0 {
		// Core 0 has no online file; it is always up.
		return nil
	}

	onlinePath := getCPUPathFunction(core, "online")
	if err := os.WriteFile(onlinePath, []byte("1"), 0644); err != nil {
		return fmt.Errorf("failed to online core %d: %w", core, err)
	}

	return nil
}

func (s *SysfsCoreControl) TakeOffline(core uint) error {
	if core == 0 {
		return ErrPrimaryCore
	}

	onlinePath := getCPUPathFunction(core, "online")
	if err := os.WriteFile(onlinePath, []byte("0"), 0644); err != nil {
		return fmt.Errorf("failed to offline core %d: %w", core, err)
	}

	return nil
}

func (s *SysfsCoreControl) IsOnline(core uint) bool {
	if core == 0 {
		return true
	}

	data, err := os.ReadFile(getCPUPathFunction(core, "online"))
	if err != nil {
		return false
	}

	return strings.TrimSpace(string(data)) == "1"
}

func (s *SysfsCoreControl) OnlineCount() uint {
	count := uint(0)
	for core := uint(0); core < s.available; core++ {
		if s.IsOnline(core) {
			count++
		}
	}

	return count
}

func (s *SysfsCoreControl) AvailableCount() uint {
	return s.available
}
