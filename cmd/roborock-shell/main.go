// Command roborock-shell is an interactive client for the vacuums on
// one account.
//
// The shell opens the account's MQTT session, raises direct local
// links to devices as they become reachable, and exposes the device
// operations as commands: listing and selecting devices, status and
// clean history, cleaning control, fan power, raw method passthrough,
// LAN discovery, and an optional protocol capture log.
//
// Usage:
//
//	roborock-shell -config shell.yaml [flags]
//
// Flags:
//
//	-config string     Configuration file path (default "roborock-shell.yaml")
//	-log-level string  Log level: debug, info, warn, error (overrides config)
//	-capture string    Write a protocol capture log to this file (overrides config)
//	-cache string      Metadata cache file (overrides config)
//	-timeout duration  Per-request timeout (overrides config; default 10s)
//
// The configuration file carries the account session bundle and the
// device records. The bundle comes from the account login flow; the
// shell does not log in itself.
//
//	log_level: info
//	cache: roborock-cache.json
//	account:
//	  rriot:
//	    u: "user-id"
//	    s: "session-secret"
//	    h: "hmac-seed"
//	    k: "key-seed"
//	    endpoints:
//	      region: eu
//	      mqtt: ssl://mqtt-eu-3.roborock.com:8883
//	devices:
//	  - duid: rr-device-one
//	    name: Upstairs
//	    local_key: 16byteslocalkey0
//	    pv: "1.0"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roborock-community/roborock-go/cmd/roborock-shell/interactive"
	"github.com/roborock-community/roborock-go/pkg/cache"
	"github.com/roborock-community/roborock-go/pkg/device"
	"github.com/roborock-community/roborock-go/pkg/log"
	"github.com/roborock-community/roborock-go/pkg/model"
)

var opts struct {
	configFile string
	logLevel   string
	capture    string
	cacheFile  string
	timeout    time.Duration
}

func init() {
	flag.StringVar(&opts.configFile, "config", "roborock-shell.yaml", "Configuration file path")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.StringVar(&opts.capture, "capture", "", "Write a protocol capture log to this file (overrides config)")
	flag.StringVar(&opts.cacheFile, "cache", "", "Metadata cache file (overrides config)")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Per-request timeout (overrides config; default 10s)")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		fatalf("roborock-shell: %v", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.capture != "" {
		cfg.Capture = opts.capture
	}
	if opts.cacheFile != "" {
		cfg.Cache = opts.cacheFile
	}

	setupLogging(cfg.LogLevel)

	userData, devices, err := cfg.accountData()
	if err != nil {
		fatalf("roborock-shell: %v", err)
	}

	timeout := 10 * time.Second
	if opts.timeout > 0 {
		timeout = opts.timeout
	} else if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			fatalf("roborock-shell: invalid timeout %q: %v", cfg.Timeout, err)
		}
		timeout = d
	}

	managerCfg := device.ManagerConfig{
		RequestTimeout: timeout,
	}
	if cfg.Cache != "" {
		managerCfg.Cache = cache.NewFileStore(cfg.Cache)
	}
	if cfg.Capture != "" {
		capture, err := log.NewFileLogger(cfg.Capture)
		if err != nil {
			fatalf("roborock-shell: open capture log: %v", err)
		}
		defer capture.Close()
		managerCfg.Capture = capture
		slog.Info("Protocol capture enabled", "path", cfg.Capture)
	}

	manager, err := device.NewManager(userData, devices, managerCfg)
	if err != nil {
		fatalf("roborock-shell: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		fatalf("roborock-shell: connect account session: %v", err)
	}
	defer manager.Close()

	shell, err := interactive.New(manager, interactive.Config{Timeout: timeout})
	if err != nil {
		fatalf("roborock-shell: %v", err)
	}
	shell.Run(ctx, stop)
}

// fileConfig is the YAML configuration file schema.
type fileConfig struct {
	LogLevel string         `yaml:"log_level"`
	Capture  string         `yaml:"capture"`
	Cache    string         `yaml:"cache"`
	Timeout  string         `yaml:"timeout"`
	Account  accountConfig  `yaml:"account"`
	Devices  []deviceConfig `yaml:"devices"`
}

type accountConfig struct {
	Rriot rriotConfig `yaml:"rriot"`
}

type rriotConfig struct {
	U         string          `yaml:"u"`
	S         string          `yaml:"s"`
	H         string          `yaml:"h"`
	K         string          `yaml:"k"`
	Endpoints endpointsConfig `yaml:"endpoints"`
}

type endpointsConfig struct {
	Region string `yaml:"region"`
	API    string `yaml:"api"`
	MQTT   string `yaml:"mqtt"`
	Log    string `yaml:"log"`
}

type deviceConfig struct {
	DUID     string `yaml:"duid"`
	Name     string `yaml:"name"`
	LocalKey string `yaml:"local_key"`
	PV       string `yaml:"pv"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// accountData maps the file schema onto the account and device records
// the manager consumes.
func (c *fileConfig) accountData() (model.UserData, []model.DeviceInfo, error) {
	r := c.Account.Rriot
	if r.U == "" || r.S == "" || r.K == "" {
		return model.UserData{}, nil, fmt.Errorf("config: account.rriot needs u, s and k")
	}
	if r.Endpoints.MQTT == "" {
		return model.UserData{}, nil, fmt.Errorf("config: account.rriot.endpoints.mqtt is required")
	}
	if len(c.Devices) == 0 {
		return model.UserData{}, nil, fmt.Errorf("config: at least one device is required")
	}

	userData := model.UserData{
		Region: r.Endpoints.Region,
		Rriot: model.Rriot{
			U: r.U,
			S: r.S,
			H: r.H,
			K: r.K,
			R: model.RriotEndpoints{
				R: r.Endpoints.Region,
				A: r.Endpoints.API,
				M: r.Endpoints.MQTT,
				L: r.Endpoints.Log,
			},
		},
	}

	devices := make([]model.DeviceInfo, 0, len(c.Devices))
	for i, d := range c.Devices {
		if d.DUID == "" || d.LocalKey == "" {
			return model.UserData{}, nil, fmt.Errorf("config: devices[%d] needs duid and local_key", i)
		}
		pv := d.PV
		if pv == "" {
			pv = "1.0"
		}
		devices = append(devices, model.DeviceInfo{
			DUID:     d.DUID,
			Name:     d.Name,
			LocalKey: d.LocalKey,
			PV:       pv,
		})
	}
	return userData, devices, nil
}

func setupLogging(level string) {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "info":
		lv = slog.LevelInfo
	case "", "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		fatalf("roborock-shell: unknown log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
