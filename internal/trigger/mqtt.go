// Package trigger connects the governors' external entry points to an
// MQTT broker: boost pulses, display suspend/resume, enable toggles,
// and tunable writes. This is the management path the platform glue
// would otherwise wire to input events and power-state callbacks.
package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"

	"github.com/motley-git/kernel-Nexus4/internal/tunable"
)

// Handlers contains the governor entry points the bus invokes. Nil
// handlers are skipped.
type Handlers struct {
	OnBoost         func()
	OnSuspend       func()
	OnResume        func()
	OnHotplugEnable func(enabled bool)
	OnThermalEnable func(enabled bool)
}

// BusConfig holds MQTT connection settings for the trigger bus.
type BusConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicPrefix is prepended to every governor topic, e.g.
	// "governor" yields "governor/hotplug/boost".
	TopicPrefix string
}

// Bus subscribes governor topics on an MQTT broker and dispatches to
// the configured handlers. Handler invocations happen on paho's
// delivery goroutines; the governor entry points are safe to call from
// there since none of them block beyond flag checks and task enqueues.
type Bus struct {
	log      logr.Logger
	client   mqtt.Client
	prefix   string
	handlers Handlers
	tunables *tunable.Store
}

// NewBus connects to the broker. Subscriptions are established by
// Subscribe.
func NewBus(cfg BusConfig, handlers Handlers, tunables *tunable.Store, log logr.Logger) (*Bus, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Info("connected to MQTT broker", "broker", cfg.Broker)

	return &Bus{
		log:      log.WithName("trigger"),
		client:   client,
		prefix:   cfg.TopicPrefix,
		handlers: handlers,
		tunables: tunables,
	}, nil
}

// Subscribe attaches all governor topics.
func (b *Bus) Subscribe() error {
	for topic, handler := range b.subscriptions() {
		fullTopic := b.prefix + "/" + topic
		if token := b.client.Subscribe(fullTopic, 1, handler); token.Wait() && token.Error() != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", fullTopic, token.Error())
		}
		b.log.V(4).Info("subscribed", "topic", fullTopic)
	}

	return nil
}

// subscriptions maps the trigger topics to their handlers: the fixed
// governor entry points plus one write topic per registered tunable, so
// writes to unknown parameter names never even reach the daemon.
func (b *Bus) subscriptions() map[string]mqtt.MessageHandler {
	subs := map[string]mqtt.MessageHandler{
		"hotplug/boost":  b.handleBoost,
		"power/suspend":  b.handleSuspend,
		"power/resume":   b.handleResume,
		"hotplug/enable": b.handleHotplugEnable,
		"thermal/enable": b.handleThermalEnable,
	}
	for _, name := range b.tunables.Names() {
		subs["tunables/"+name] = b.handleTunable
	}

	return subs
}

// Close disconnects from the broker.
func (b *Bus) Close() {
	b.client.Disconnect(250)
	b.log.Info("MQTT trigger bus disconnected")
}

func (b *Bus) handleBoost(_ mqtt.Client, msg mqtt.Message) {
	b.log.V(5).Info("boost pulse", "topic", msg.Topic())
	if b.handlers.OnBoost != nil {
		b.handlers.OnBoost()
	}
}

func (b *Bus) handleSuspend(_ mqtt.Client, msg mqtt.Message) {
	b.log.V(4).Info("suspend trigger", "topic", msg.Topic())
	if b.handlers.OnSuspend != nil {
		b.handlers.OnSuspend()
	}
}

func (b *Bus) handleResume(_ mqtt.Client, msg mqtt.Message) {
	b.log.V(4).Info("resume trigger", "topic", msg.Topic())
	if b.handlers.OnResume != nil {
		b.handlers.OnResume()
	}
}

func (b *Bus) handleHotplugEnable(_ mqtt.Client, msg mqtt.Message) {
	enabled, err := parseBoolPayload(msg.Payload())
	if err != nil {
		b.log.Error(err, "ignoring hotplug enable", "topic", msg.Topic())
		return
	}
	if b.handlers.OnHotplugEnable != nil {
		b.handlers.OnHotplugEnable(enabled)
	}
}

func (b *Bus) handleThermalEnable(_ mqtt.Client, msg mqtt.Message) {
	enabled, err := parseBoolPayload(msg.Payload())
	if err != nil {
		b.log.Error(err, "ignoring thermal enable", "topic", msg.Topic())
		return
	}
	if b.handlers.OnThermalEnable != nil {
		b.handlers.OnThermalEnable(enabled)
	}
}

// handleTunable writes the payload to the tunable named by the last
// topic segment. A rejected write keeps the prior value; the failure is
// only logged since MQTT has no reply path here.
func (b *Bus) handleTunable(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	name := topic[strings.LastIndex(topic, "/")+1:]

	value, err := strconv.ParseInt(strings.TrimSpace(string(msg.Payload())), 10, 64)
	if err != nil {
		b.log.Error(err, "ignoring tunable write", "tunable", name)
		return
	}

	if err := b.tunables.Set(name, value); err != nil {
		b.log.Error(err, "tunable write rejected", "tunable", name, "value", value)
		return
	}
	b.log.Info("tunable updated", "tunable", name, "value", value)
}

func parseBoolPayload(payload []byte) (bool, error) {
	return strconv.ParseBool(strings.TrimSpace(string(payload)))
}
