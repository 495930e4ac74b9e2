package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const cpuFreqBasePath = "/sys/devices/system/cpu/cpu%d/cpufreq"

func getCPUFreqPath(cpu uint, resource string) string {
	cpuFreqPath := fmt.Sprintf(cpuFreqBasePath, cpu)
	return filepath.Join(cpuFreqPath, resource)
}

var getCPUFreqPathFunction = getCPUFreqPath

// SysfsFrequencyTable resolves the platform's available frequencies
// from cpufreq, ordered ascending in kHz.
type SysfsFrequencyTable struct{}

func NewSysfsFrequencyTable() *SysfsFrequencyTable {
	return &SysfsFrequencyTable{}
}

func (t *SysfsFrequencyTable) Resolve() ([]uint, error) {
	tablePath := getCPUFreqPathFunction(0, "scaling_available_frequencies")

	data, err := os.ReadFile(tablePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read frequency table: %w", err)
	}

	fields := strings.Fields(string(data))
	freqs := make([]uint, 0, len(fields))
	for _, field := range fields {
		freq, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse frequency %q: %w", field, err)
		}
		freqs = append(freqs, uint(freq))
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i] < freqs[j] })

	return freqs, nil
}

// SysfsFrequencyLimiter writes the per-core scaling_max_freq ceiling.
// A ceiling of 0 resets the core to its hardware maximum; cpufreq
// re-evaluates the policy on write.
type SysfsFrequencyLimiter struct{}

func NewSysfsFrequencyLimiter() *SysfsFrequencyLimiter {
	return &SysfsFrequencyLimiter{}
}

func (l *SysfsFrequencyLimiter) SetMax(core uint, freqKHz uint) error {
	if freqKHz == 0 {
		hwMax, err := readFreqFile(core, "cpuinfo_max_freq")
		if err != nil {
			return err
		}
		freqKHz = hwMax
	}

	maxFreqPath := getCPUFreqPathFunction(core, "scaling_max_freq")
	if err := os.WriteFile(maxFreqPath, []byte(strconv.FormatUint(uint64(freqKHz), 10)), 0644); err != nil {
		return fmt.Errorf("failed to set max frequency for core %d: %w", core, err)
	}

	return nil
}

func readFreqFile(cpu uint, resource string) (uint, error) {
	data, err := os.ReadFile(getCPUFreqPathFunction(cpu, resource))
	if err != nil {
		return 0, fmt.Errorf("failed to read %s for core %d: %w", resource, cpu, err)
	}

	freq, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to convert %s for core %d to uint: %w", resource, cpu, err)
	}

	return uint(freq), nil
}
