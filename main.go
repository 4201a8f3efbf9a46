// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ak1211/BRouteBP35A1/internal/config"
	"github.com/ak1211/BRouteBP35A1/internal/publish"
	"github.com/ak1211/BRouteBP35A1/internal/skstack"
	"github.com/ak1211/BRouteBP35A1/internal/transport"
	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/lmittmann/tint"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

// 再認証イベントを確認する間隔
const recertificationWatchInterval = 1 * time.Second

// MQTTの応答待ち時間
const mqttTimeout = 5 * time.Second

func setupLogger(level slog.Level) {
	slog.SetDefault(
		slog.New(
			tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.DateTime,
			})))
}

// 端末から入力を得る(エコーしない)
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		// 端末でなければ1行読む
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", strings.TrimSpace(prompt), err)
		}
		return strings.TrimSpace(line), nil
	}
	return string(secret), nil
}

// WebSocketブリッジが指定されていればそちらを、無ければシリアルデバイスを開く
func openPort(ctx context.Context, cfg *config.Config) (transport.Port, error) {
	if ws := cfg.WebSocket; ws.URL != "" {
		if ws.Username != "" && ws.Password == "" {
			password, err := promptSecret("WebSocket Password: ")
			if err != nil {
				return nil, err
			}
			ws.Password = password
		}
		slog.Info("Open", "websocket", ws.URL)
		conn, err := transport.OpenWebSocket(ctx, ws.URL, ws.Username, ws.Password, ws.SkipSSLVerify)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	slog.Info("Open", "device", cfg.Device, "baud", cfg.Baud)
	return transport.OpenSerial(cfg.Device, cfg.Baud)
}

func moduleOptions(cfg *config.Config, scanDuration int) skstack.Options {
	opts := skstack.DefaultOptions()
	opts.Logger = slog.Default()
	opts.SessionLifetime = cfg.SessionLifetime
	if scanDuration > 0 {
		opts.ScanDurations = nil
		for d := scanDuration; d <= 14 && len(opts.ScanDurations) < 4; d++ {
			opts.ScanDurations = append(opts.ScanDurations, d)
		}
	}
	return opts
}

// 手順の名前と処理
type step struct {
	name string
	run  func() error
}

// 順番に実行して、最初に失敗した手順で止める
func runSteps(steps ...step) error {
	for _, s := range steps {
		if err := s.run(); err != nil {
			slog.Error(s.name, "err", err)
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// スマートメーターを探す
func pairing(ctx context.Context, cfg *config.Config, settingsFileName string, scanDuration int, rbid string, rbpassword string) error {
	port, err := openPort(ctx, cfg)
	if err != nil {
		return err
	}
	defer port.Close()

	bp35a1 := skstack.New(port, moduleOptions(cfg, scanDuration))
	err = runSteps(
		step{"SetEcho", func() error { return bp35a1.SetEcho(false) }},
		step{"Version", bp35a1.Version},
		step{"AssureAsciiMode", bp35a1.AssureAsciiMode},
		step{"DeleteSession", bp35a1.DeleteSession},
		step{"SetRouteBID", func() error { return bp35a1.SetRouteBID(rbid) }},
		step{"SetPassword", func() error { return bp35a1.SetPassword(rbpassword) }},
		step{"Scan", bp35a1.Scan},
	)
	if err != nil {
		return err
	}

	found := bp35a1.ScanResult()
	if err := bp35a1.ResolveAddress(); err != nil {
		// SKLL64 が使えなければMACアドレスから求める
		slog.Warn("ResolveAddress", "err", err)
		addr, err := skstack.LinkLocalFromMac(found.Addr)
		if err != nil {
			return err
		}
		if err := bp35a1.SetAddress(skstack.FormatIpv6(addr)); err != nil {
			return err
		}
	}

	settings := config.Settings{
		RouteBId:       rbid,
		RouteBPassword: rbpassword,
		Channel:        found.Channel,
		PanId:          found.PanID,
		MacAddress:     found.Addr,
		Ipv6Address:    bp35a1.Address(),
	}
	if err := config.WriteSettings(settingsFileName, settings); err != nil {
		slog.Error("WriteSettings", "err", err)
		return err
	}
	slog.Info("Saved", "settings", settingsFileName)
	slog.Info("Bye")
	return nil
}

// 接続して計測値を読み続ける
func run(ctx context.Context, cfg *config.Config, settingsFileName string) error {
	settings, err := config.ReadSettings(settingsFileName)
	if err != nil {
		slog.Error("ReadSettings", "err", err)
		return err
	}

	var publisher *publish.Publisher
	if cfg.MQTT.Enabled() {
		publisher, err = publish.Dial(cfg.MQTT, mqttTimeout, slog.Default())
		if err != nil {
			slog.Error("MQTT connect", "err", err)
			return err
		}
		defer publisher.Close()
	}

	port, err := openPort(ctx, cfg)
	if err != nil {
		return err
	}
	defer port.Close()

	bp35a1 := skstack.New(port, moduleOptions(cfg, 0))
	bp35a1.SetScanResult(skstack.ScanResult{
		Channel: settings.Channel,
		PanID:   settings.PanId,
		Addr:    settings.MacAddress,
	})
	if settings.Ipv6Address != "" {
		if err := bp35a1.SetAddress(settings.Ipv6Address); err != nil {
			slog.Warn("SetAddress", "err", err)
		}
	}
	err = runSteps(
		step{"SetEcho", func() error { return bp35a1.SetEcho(false) }},
		step{"AssureAsciiMode", bp35a1.AssureAsciiMode},
		step{"DeleteSession", bp35a1.DeleteSession},
		step{"SetRouteBID", func() error { return bp35a1.SetRouteBID(settings.RouteBId) }},
		step{"SetPassword", func() error { return bp35a1.SetPassword(settings.RouteBPassword) }},
		step{"Connect", bp35a1.Connect},
	)
	if err != nil {
		return err
	}
	defer func() {
		// PANAセッションを終了する
		if err := bp35a1.DeleteSession(); err != nil {
			slog.Error("DeleteSession", "err", err)
		}
		slog.Info("Bye")
	}()

	readSetup(bp35a1)
	poll(bp35a1, publisher)

	pollTicker := time.NewTicker(cfg.PollInterval)
	defer pollTicker.Stop()
	watchTicker := time.NewTicker(recertificationWatchInterval)
	defer watchTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-watchTicker.C:
			if err := keepSession(bp35a1, cfg.ProactiveRejoin); err != nil {
				return err
			}
		case <-pollTicker.C:
			if err := keepSession(bp35a1, cfg.ProactiveRejoin); err != nil {
				return err
			}
			poll(bp35a1, publisher)
		}
	}
}

// 係数、単位、積算履歴(当日)を得る
func readSetup(bp35a1 *skstack.Module) {
	if err := bp35a1.RequestCoefficient(); err != nil {
		// 係数が無いスマートメーターは×1倍
		slog.Warn("RequestCoefficient", "err", err)
	}
	if err := bp35a1.RequestEnergyUnit(); err != nil {
		slog.Warn("RequestEnergyUnit", "err", err)
	}
	if err := bp35a1.SetCollectionDay(0); err != nil {
		slog.Warn("SetCollectionDay", "err", err)
		return
	}
	if err := bp35a1.RequestHistory(); err != nil {
		slog.Warn("RequestHistory", "err", err)
		return
	}
	if values, valid, ok := bp35a1.Meter().HistoryKWh(); ok {
		for i := range values {
			if valid[i] {
				slog.Debug("history", "slot", i, "kWh", values[i])
			}
		}
	}
}

// 再認証イベントを処理して、必要なら再接続する
func keepSession(bp35a1 *skstack.Module, proactive bool) error {
	if err := bp35a1.ReadRecertificationEvent(); err != nil {
		slog.Warn("ReadRecertificationEvent", "err", err)
	}
	if bp35a1.State() == skstack.Connected && !(proactive && bp35a1.NeedsRejoin()) {
		return nil
	}
	slog.Info("Rejoin", "state", bp35a1.State())
	if err := bp35a1.Rejoin(); err != nil {
		slog.Warn("Rejoin", "err", err)
		// 再接続できなければ最初から接続しなおす
		return bp35a1.Join()
	}
	return nil
}

// 瞬時電力、瞬時電流、積算電力量、定時積算電力量を得る
func poll(bp35a1 *skstack.Module, publisher *publish.Publisher) {
	requests := []step{
		{"RequestInstantaneous", bp35a1.RequestInstantaneous},
		{"RequestTotalEnergy", bp35a1.RequestTotalEnergy},
		{"RequestFixedTimeEnergy", bp35a1.RequestFixedTimeEnergy},
	}
	for _, r := range requests {
		if err := r.run(); err != nil {
			slog.Warn(r.name, "err", err)
			if errors.Is(err, skstack.ErrSessionFailed) {
				return
			}
		}
	}
	meter := bp35a1.Meter()
	meter.LogReadings(slog.Default())
	if publisher != nil {
		if err := publisher.PublishReadings(publish.Snapshot(meter)); err != nil {
			slog.Warn("PublishReadings", "err", err)
		}
	}
}

// コマンドラインで指定された値を設定より優先する
func bindFlags(c *cli.Context, v *viper.Viper) {
	for flag, key := range map[string]string{
		"device":    "device",
		"baud":      "baud",
		"url":       "websocket.url",
		"ws-user":   "websocket.username",
		"log-level": "log_level",
		"interval":  "poll_interval",
	} {
		if c.IsSet(flag) {
			v.Set(key, c.Value(flag))
		}
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	v := viper.New()
	bindFlags(c, v)
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.LogLevel)
	slog.Debug("Using", "config", cfg.Redacted())
	return cfg, nil
}

func main() {
	var (
		settingsFileName string
		rbid             string
		rbpassword       string
		scanDuration     int
	)
	app := &cli.App{
		Name:    "BRouteBP35A1",
		Usage:   "BP35A1を使ってスマートメータから電力消費量などを得る",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "settings",
				Aliases:     []string{"S"},
				Usage:       "設定ファイル名",
				Destination: &settingsFileName,
				Value:       "settings.json",
			},
			&cli.StringFlag{
				Name:    "device",
				Aliases: []string{"D"},
				Usage:   "シリアルデバイス名",
				Value:   "/dev/ttyUSB0",
			},
			&cli.IntFlag{
				Name:  "baud",
				Usage: "シリアルデバイスの通信速度",
				Value: transport.DefaultBaud,
			},
			&cli.StringFlag{
				Name:  "url",
				Usage: "WebSocketブリッジのURL(ws://, wss://)",
			},
			&cli.StringFlag{
				Name:  "ws-user",
				Usage: "WebSocketブリッジのユーザー名",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "ログレベル(debug, info, warn, error)",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "pairing",
				Usage: "ペアリングして情報を設定ファイルに保存する",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:        "activescan",
						Aliases:     []string{"T"},
						Usage:       "アクティブスキャン時間(1～14)",
						Destination: &scanDuration,
						Value:       6,
						Action: func(ctx *cli.Context, d int) error {
							if d < 1 || d > 14 {
								return fmt.Errorf("アクティブスキャン時間は1～14です")
							}
							return nil
						},
					},
					&cli.StringFlag{
						Name:        "id",
						Aliases:     []string{"Id"},
						Usage:       "ルートBID(32文字)",
						Required:    true,
						Destination: &rbid,
						Action: func(ctx *cli.Context, s string) error {
							return config.ValidateRouteBID(s)
						},
					},
					&cli.StringFlag{
						Name:        "password",
						Aliases:     []string{"Pwd"},
						Usage:       "ルートBパスワード(12文字, 省略すると入力を求める)",
						Destination: &rbpassword,
						Action: func(ctx *cli.Context, s string) error {
							return config.ValidateRouteBPassword(s)
						},
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if rbpassword == "" {
						if rbpassword, err = promptSecret("ルートBパスワード: "); err != nil {
							return err
						}
						if err := config.ValidateRouteBPassword(rbpassword); err != nil {
							return err
						}
					}
					return pairing(c.Context, cfg, settingsFileName, scanDuration, rbid, rbpassword)
				},
			},
			{
				Name:  "run",
				Usage: "スマートメータから電力消費量を得る",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "計測値を読む間隔",
						Value: time.Minute,
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return run(c.Context, cfg, settingsFileName)
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("app.Run", "err", err)
		os.Exit(1)
	}
}
