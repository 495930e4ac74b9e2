package platform

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupThermalZone(t *testing.T, sensor uint, content string) {
	base := t.TempDir()
	zoneDir := filepath.Join(base, "thermal_zone"+strconv.FormatUint(uint64(sensor), 10))
	require.NoError(t, os.MkdirAll(zoneDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(zoneDir, "temp"), []byte(content), 0644))

	origGetThermalZonePathFunction := getThermalZonePathFunction
	getThermalZonePathFunction = func(sensor uint, resource string) string {
		return filepath.Join(base, "thermal_zone"+strconv.FormatUint(uint64(sensor), 10), resource)
	}
	t.Cleanup(func() { getThermalZonePathFunction = origGetThermalZonePathFunction })
}

func TestTemperatureReadMillidegrees(t *testing.T) {
	setupThermalZone(t, 0, "68500\n")

	source := NewSysfsTemperatureSource()
	temp, err := source.Read(0)
	require.NoError(t, err)
	assert.Equal(t, 68, temp, "millidegrees truncate to whole degrees")
}

func TestTemperatureReadNegative(t *testing.T) {
	setupThermalZone(t, 2, "-5000\n")

	source := NewSysfsTemperatureSource()
	temp, err := source.Read(2)
	require.NoError(t, err)
	assert.Equal(t, -5, temp)
}

func TestTemperatureReadMissingZone(t *testing.T) {
	setupThermalZone(t, 0, "50000\n")

	source := NewSysfsTemperatureSource()
	_, err := source.Read(7)
	assert.Error(t, err)
}

func TestTemperatureReadGarbage(t *testing.T) {
	setupThermalZone(t, 0, "hot\n")

	source := NewSysfsTemperatureSource()
	_, err := source.Read(0)
	assert.Error(t, err)
}
