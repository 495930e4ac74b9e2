// governord runs the CPU hotplug and thermal frequency governors as a
// userspace daemon: sysfs-backed platform control, prometheus metrics,
// and an optional MQTT trigger bus for boost/suspend/tunable events.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/motley-git/kernel-Nexus4/internal/config"
	"github.com/motley-git/kernel-Nexus4/internal/hotplug"
	"github.com/motley-git/kernel-Nexus4/internal/monitoring"
	"github.com/motley-git/kernel-Nexus4/internal/platform"
	"github.com/motley-git/kernel-Nexus4/internal/thermal"
	"github.com/motley-git/kernel-Nexus4/internal/trigger"
	"github.com/motley-git/kernel-Nexus4/internal/tunable"
)

const version = "0.3.0"

func main() {
	cmd := &cli.Command{
		Name:    "governord",
		Usage:   "load-driven CPU hotplug and thermal frequency governor",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Override the metrics listen address",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if addr := cmd.String("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.Info("governord starting", "version", version)

	available, err := platform.DetectAvailableCores()
	if err != nil {
		return err
	}

	store := tunable.NewStore()

	hotplugTunables := hotplug.DefaultTunables(available)
	hotplugTunables.Register(store)
	if err := applyHotplugOverrides(hotplugTunables, cfg.Hotplug); err != nil {
		return err
	}

	throttleTemp := thermal.NewThrottleTempTunable()
	store.Register(throttleTemp)
	if cfg.Thermal.ThrottleTemp != 0 {
		if err := throttleTemp.Set(cfg.Thermal.ThrottleTemp); err != nil {
			return err
		}
	}

	cores := platform.NewSysfsCoreControl(available)
	loadSource := platform.NewProcStatLoadSource(log)

	hotplugGov := hotplug.NewController(cores, loadSource, hotplugTunables, log)

	thermalCfg, err := thermalConfig(cfg.Thermal, available)
	if err != nil {
		return err
	}
	thermalGov := thermal.NewLimiter(
		thermalCfg,
		platform.NewSysfsTemperatureSource(),
		platform.NewSysfsFrequencyTable(),
		platform.NewSysfsFrequencyLimiter(),
		platform.NewSystemPowerControl(log),
		throttleTemp,
		log,
	)

	registry := prom.NewRegistry()
	registry.MustRegister(
		monitoring.NewHotplugCollector(hotplugGov.Snapshot, log.WithName(monitoring.LogTopName)),
		monitoring.NewThermalCollector(thermalGov.Snapshot, log.WithName(monitoring.LogTopName)),
	)
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	go func() {
		log.Info("serving metrics", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "metrics server failed")
		}
	}()

	var bus *trigger.Bus
	if cfg.MQTT.Enabled {
		bus, err = trigger.NewBus(
			trigger.BusConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
			},
			trigger.Handlers{
				OnBoost:   hotplugGov.BoostPulse,
				OnSuspend: hotplugGov.Suspend,
				OnResume:  hotplugGov.Resume,
				OnHotplugEnable: func(enabled bool) {
					hotplugGov.SetEnabled(enabled)
				},
				OnThermalEnable: func(enabled bool) {
					if enabled {
						thermalGov.Enable()
					} else {
						thermalGov.Disable()
					}
				},
			},
			store,
			log,
		)
		if err != nil {
			return err
		}
		if err := bus.Subscribe(); err != nil {
			return err
		}
	}

	hotplugGov.Start()
	thermalGov.Start()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()

	log.Info("shutting down")
	if bus != nil {
		bus.Close()
	}
	hotplugGov.Stop()
	thermalGov.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "metrics server shutdown failed")
	}

	return nil
}

func newLogger(level int) (logr.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-level))
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zapLog, err := zapCfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("failed to build logger: %w", err)
	}

	return zapr.NewLogger(zapLog), nil
}

// applyHotplugOverrides pushes non-zero config values through the same
// validated setters the runtime management path uses; an out-of-range
// value fails startup instead of silently running with defaults.
func applyHotplugOverrides(tun hotplug.Tunables, cfg config.HotplugConfig) error {
	overrides := []struct {
		value uint
		set   func(uint) error
	}{
		{cfg.EnableAllThreshold, tun.EnableAllThreshold.Set},
		{cfg.EnableThreshold, tun.EnableThreshold.Set},
		{cfg.DisableThreshold, tun.DisableThreshold.Set},
		{cfg.MinSamplingRateMS, tun.MinSamplingRateMS.Set},
		{cfg.SamplingPeriods, tun.SamplingPeriods.Set},
		{cfg.MinOnline, tun.MinOnline.Set},
		{cfg.MaxOnline, tun.MaxOnline.Set},
	}

	for _, override := range overrides {
		if override.value == 0 {
			continue
		}
		if err := override.set(override.value); err != nil {
			return err
		}
	}

	return nil
}

func thermalConfig(cfg config.ThermalConfig, available uint) (thermal.Config, error) {
	recovery := thermal.RecoveryJump
	switch cfg.Recovery {
	case "", "jump":
	case "step":
		recovery = thermal.RecoveryStep
	default:
		return thermal.Config{}, fmt.Errorf("unknown recovery policy %q", cfg.Recovery)
	}

	return thermal.Config{
		SensorID:        cfg.SensorID,
		PollInterval:    cfg.PollInterval(),
		MaxThrottleTemp: cfg.MaxThrottleTemp,
		ShutdownTemp:    cfg.ShutdownTemp,
		Hysteresis:      cfg.Hysteresis,
		FreqStep:        cfg.FreqStep,
		MinFreqIndex:    cfg.MinFreqIndex,
		CoolTemp:        cfg.CoolTemp,
		CoolOffset:      cfg.CoolOffset(),
		HotOffset:       cfg.HotOffset(),
		Recovery:        recovery,
		CoreCount:       available,
	}, nil
}
