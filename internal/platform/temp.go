package platform

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const thermalZoneBasePath = "/sys/class/thermal/thermal_zone%d"

func getThermalZonePath(sensor uint, resource string) string {
	return fmt.Sprintf(thermalZoneBasePath, sensor) + "/" + resource
}

var getThermalZonePathFunction = getThermalZonePath

// SysfsTemperatureSource reads die temperature from the thermal zone
// matching the configured sensor id.
type SysfsTemperatureSource struct{}

func NewSysfsTemperatureSource() *SysfsTemperatureSource {
	return &SysfsTemperatureSource{}
}

// Read returns the zone temperature in whole degrees Celsius. The
// kernel exports millidegrees.
func (s *SysfsTemperatureSource) Read(sensorID uint) (int, error) {
	tempPath := getThermalZonePathFunction(sensorID, "temp")

	data, err := os.ReadFile(tempPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read temperature for sensor %d: %w", sensorID, err)
	}

	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse temperature for sensor %d: %w", sensorID, err)
	}

	return milli / 1000, nil
}
