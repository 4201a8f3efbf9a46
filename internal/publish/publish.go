// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>

// Package publish sends smart meter readings to an MQTT broker with the
// topics <base>/sensor/<name>/state and a retained <base>/bridge/state.
package publish

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ak1211/BRouteBP35A1/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

var ErrTimeout = errors.New("MQTT operation timed out")

func OptsFromConfig(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(fmt.Sprintf("broute_%d", rand.Intn(1000)))
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.WillEnabled = true
	opts.WillPayload = []byte(PayloadOffline)
	opts.WillRetained = true
	opts.WillTopic = bridgeStateTopic(cfg.BaseTopic)
	opts.WillQos = 0
	return opts
}

// Publisher waits for every token with a timeout, so publishing never
// stalls the polling loop for long.
type Publisher struct {
	client    mqtt.Client
	baseTopic string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewPublisher(client mqtt.Client, baseTopic string, timeout time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, baseTopic: baseTopic, timeout: timeout, logger: logger}
}

// Dial connects to the broker named by cfg.
func Dial(cfg config.MQTTConfig, timeout time.Duration, logger *slog.Logger) (*Publisher, error) {
	p := NewPublisher(mqtt.NewClient(OptsFromConfig(cfg)), cfg.BaseTopic, timeout, logger)
	if err := p.Connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) wait(token mqtt.Token, what string) error {
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("%w: %s", ErrTimeout, what)
	}
	return token.Error()
}

// Connect connects and announces the bridge as online.
func (p *Publisher) Connect() error {
	if err := p.wait(p.client.Connect(), "connect"); err != nil {
		return err
	}
	return p.publish(p.BridgeStateTopic(), PayloadOnline, true)
}

// Close announces the bridge as offline and disconnects.
func (p *Publisher) Close() {
	if err := p.publish(p.BridgeStateTopic(), PayloadOffline, true); err != nil {
		p.logger.Warn("MQTT publish", "err", err)
	}
	p.client.Disconnect(uint(p.timeout.Milliseconds()))
}

func (p *Publisher) BridgeStateTopic() string {
	return bridgeStateTopic(p.baseTopic)
}

func (p *Publisher) SensorStateTopic(sensorId string) string {
	return fmt.Sprintf("%s/sensor/%s/state", p.baseTopic, sensorId)
}

func (p *Publisher) publish(topic string, payload string, retain bool) error {
	return p.wait(p.client.Publish(topic, 0, retain, payload), "publish "+topic)
}

// PublishReadings publishes every reading, continuing past failures. The
// first error is returned.
func (p *Publisher) PublishReadings(readings []Reading) error {
	var first error
	for _, r := range readings {
		err := p.publish(p.SensorStateTopic(r.Sensor), r.Payload, false)
		if err != nil {
			p.logger.Warn("MQTT publish", "sensor", r.Sensor, "err", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func bridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}
