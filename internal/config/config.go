// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 実行時の設定(環境変数 BROUTE_* と設定ファイル)
type Config struct {
	LogLevel slog.Level `mapstructure:"-"`
	// シリアルデバイス名
	Device string `mapstructure:"device"`
	Baud   int    `mapstructure:"baud"`
	// WebSocketブリッジ(指定されていればシリアルデバイスより優先する)
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	// 計測値を読む間隔
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// PANAセッション有効期限(秒)
	SessionLifetime uint32 `mapstructure:"session_lifetime"`
	// 有効期限の75%を過ぎたら再認証する
	ProactiveRejoin bool       `mapstructure:"proactive_rejoin"`
	MQTT            MQTTConfig `mapstructure:"mqtt"`
}

type WebSocketConfig struct {
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SkipSSLVerify bool   `mapstructure:"skip_ssl_verify"`
}

type MQTTConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	BaseTopic string `mapstructure:"base_topic"`
}

// MQTTブローカーが設定されているか
func (c MQTTConfig) Enabled() bool {
	return c.Host != ""
}

const MinPollInterval = 10 * time.Second

func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("device", "/dev/ttyUSB0")
	v.SetDefault("baud", 115200)
	v.SetDefault("websocket.url", "")
	v.SetDefault("websocket.username", "")
	v.SetDefault("websocket.password", "")
	v.SetDefault("websocket.skip_ssl_verify", false)
	v.SetDefault("poll_interval", "60s")
	v.SetDefault("session_lifetime", 86400)
	v.SetDefault("proactive_rejoin", false)
	v.SetDefault("mqtt.host", "")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.base_topic", "broute")
}

// Load reads the configuration from BROUTE_* environment variables and,
// when CONFIG_FILE names an existing file, from that file. Values already
// Set on v (command line flags) take precedence over both.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("broute")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, fmt.Errorf("invalid log_level %q", v.GetString("log_level"))
	}

	baseTopic, err := CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid mqtt.base_topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	if cfg.PollInterval < MinPollInterval {
		return nil, fmt.Errorf("poll_interval should be >= %s", MinPollInterval)
	}
	if cfg.SessionLifetime < 60 {
		return nil, errors.New("session_lifetime should be >= 60")
	}
	return &cfg, nil
}

var topicRegexp = regexp.MustCompile("^[a-z0-9_]+$")

// CheckMQTTTopic lower cases topic and checks it is a single topic level.
func CheckMQTTTopic(topic string) (string, error) {
	lower := strings.ToLower(topic)
	if !topicRegexp.MatchString(lower) {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lower, nil
}

// ログに出しても良い設定
func (c Config) Redacted() Config {
	if c.WebSocket.Password != "" {
		c.WebSocket.Password = "*redacted*"
	}
	if c.MQTT.Password != "" {
		c.MQTT.Password = "*redacted*"
	}
	return c
}
