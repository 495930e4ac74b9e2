// Package config loads the governor daemon configuration from a file
// and environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// HotplugConfig overrides the hotplug tunable defaults. Zero values
// mean "keep the default"; non-zero values go through the same range
// validation as runtime writes and fail startup when out of range.
type HotplugConfig struct {
	EnableAllThreshold uint `mapstructure:"enable_all_load_threshold"`
	EnableThreshold    uint `mapstructure:"enable_load_threshold"`
	DisableThreshold   uint `mapstructure:"disable_load_threshold"`
	MinSamplingRateMS  uint `mapstructure:"min_sampling_rate"`
	SamplingPeriods    uint `mapstructure:"sampling_periods"`
	MinOnline          uint `mapstructure:"min_online_cpus"`
	MaxOnline          uint `mapstructure:"max_online_cpus"`
}

type ThermalConfig struct {
	SensorID        uint   `mapstructure:"sensor_id"`
	PollMS          uint   `mapstructure:"poll_ms"`
	ThrottleTemp    int    `mapstructure:"throttle_temp"`
	MaxThrottleTemp int    `mapstructure:"max_throttle_temp"`
	ShutdownTemp    int    `mapstructure:"shutdown_temp"`
	Hysteresis      int    `mapstructure:"temp_hysteresis"`
	FreqStep        uint   `mapstructure:"freq_step"`
	MinFreqIndex    uint   `mapstructure:"min_freq_index"`
	CoolTemp        int    `mapstructure:"cool_temp"`
	CoolOffsetMS    uint   `mapstructure:"cool_offset_ms"`
	HotOffsetMS     uint   `mapstructure:"hot_offset_ms"`
	Recovery        string `mapstructure:"recovery"`
}

type Config struct {
	MetricsAddr string        `mapstructure:"metrics_addr"`
	LogLevel    int           `mapstructure:"log_level"`
	MQTT        MQTTConfig    `mapstructure:"mqtt"`
	Hotplug     HotplugConfig `mapstructure:"hotplug"`
	Thermal     ThermalConfig `mapstructure:"thermal"`
}

func (t ThermalConfig) PollInterval() time.Duration {
	return time.Duration(t.PollMS) * time.Millisecond
}

func (t ThermalConfig) CoolOffset() time.Duration {
	return time.Duration(t.CoolOffsetMS) * time.Millisecond
}

func (t ThermalConfig) HotOffset() time.Duration {
	return time.Duration(t.HotOffsetMS) * time.Millisecond
}

// Load reads the config file at path (optional; defaults apply when
// empty) layered under GOVERNOR_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("governor")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", 0)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "governord")
	v.SetDefault("mqtt.topic_prefix", "governor")

	v.SetDefault("thermal.sensor_id", 0)
	v.SetDefault("thermal.poll_ms", 1000)
	v.SetDefault("thermal.throttle_temp", 70)
	v.SetDefault("thermal.max_throttle_temp", 80)
	v.SetDefault("thermal.shutdown_temp", 0)
	v.SetDefault("thermal.temp_hysteresis", 5)
	v.SetDefault("thermal.freq_step", 1)
	v.SetDefault("thermal.min_freq_index", 7)
	v.SetDefault("thermal.cool_temp", 45)
	v.SetDefault("thermal.cool_offset_ms", 250)
	v.SetDefault("thermal.hot_offset_ms", 250)
	v.SetDefault("thermal.recovery", "jump")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
