package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	mio "github.com/you-humble/mediaupload/core/libs/minio"
	natsq "github.com/you-humble/mediaupload/core/libs/nats"
	rediscli "github.com/you-humble/mediaupload/core/libs/redis"
	"github.com/you-humble/mediaupload/uploader/internal/infra/scheduler"
	"github.com/you-humble/mediaupload/uploader/internal/policy"
	"github.com/you-humble/mediaupload/uploader/internal/signing"

	"gopkg.in/yaml.v3"
)

const (
	SchedulerLocal     = "local"
	SchedulerJetStream = "jetstream"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`

	// BaseDir holds preprocessing output.
	BaseDir string `yaml:"base_dir"`
	// ResourcesDir backs resource:// payloads. Empty disables them.
	ResourcesDir    string        `yaml:"resources_dir"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	StagingTTL      time.Duration `yaml:"staging_ttl"`
	// ResultTTL is how long an undelivered terminal result is kept.
	ResultTTL   time.Duration `yaml:"result_ttl"`
	MaxUploadMb int64         `yaml:"max_upload_mb"`

	Cloud        signing.Config `yaml:"cloud"`
	ResourceType string         `yaml:"resource_type"`
	Global       policy.Global  `yaml:"policy"`
	Device       Device         `yaml:"device"`

	Transport Transport `yaml:"transport"`
	Signature Signature `yaml:"signature"`
	Scheduler Scheduler `yaml:"scheduler"`
	Chains    []Chain   `yaml:"chains"`

	Redis rediscli.Config `yaml:"redis"`
	MinIO MinIO           `yaml:"minio"`
	NATS  NATS            `yaml:"nats"`
}

// Device describes the host conditions used to evaluate upload policies.
type Device struct {
	Network  policy.NetworkType `yaml:"network"`
	Charging bool               `yaml:"charging"`
	Idle     bool               `yaml:"idle"`
}

func (d Device) State() policy.DeviceState {
	return policy.StaticDevice{NetworkType: d.Network, IsCharging: d.Charging, IsIdle: d.Idle}
}

type Transport struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Signature points at a remote signing endpoint used when cloud.api_secret
// is not configured.
type Signature struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

type Scheduler struct {
	Kind      string                    `yaml:"kind"`
	Local     scheduler.LocalConfig     `yaml:"local"`
	JetStream scheduler.JetStreamConfig `yaml:"jetstream"`
}

// Chain declares a named image preprocessing chain.
type Chain struct {
	Name      string `yaml:"name"`
	Format    string `yaml:"format"`
	MaxWidth  int    `yaml:"max_width"`
	MaxHeight int    `yaml:"max_height"`
	MinWidth  int    `yaml:"min_width"`
	MinHeight int    `yaml:"min_height"`
	Grayscale bool   `yaml:"grayscale"`
}

type MinIO struct {
	mio.Config `yaml:",inline"`
	// StagingPrefix is where bodies posted to the control API are kept.
	StagingPrefix string `yaml:"staging_prefix"`
}

type NATS struct {
	natsq.Config `yaml:",inline"`
	StreamMaxAge time.Duration `yaml:"stream_max_age"`
}

var errInvalid = errors.New("config")

// Load reads and validates the yaml file at path, filling in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read file %q: %v", errInvalid, path, err)
	}

	cfg := Config{Global: policy.DefaultGlobal()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: cannot unmarshal yaml: %v", errInvalid, err)
	}

	if cfg.Addr == "" {
		return nil, fmt.Errorf("%w: addr is empty", errInvalid)
	}
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("%w: base_dir is empty", errInvalid)
	}
	if cfg.Cloud.CloudName == "" {
		return nil, fmt.Errorf("%w: cloud.cloud_name is empty", errInvalid)
	}
	if cfg.Cloud.APISecret == "" && cfg.Signature.URL == "" {
		return nil, fmt.Errorf("%w: either cloud.api_secret or signature.url is required", errInvalid)
	}
	if err := cfg.Global.Validate(); err != nil {
		return nil, fmt.Errorf("%w: policy: %v", errInvalid, err)
	}

	switch cfg.Scheduler.Kind {
	case "":
		cfg.Scheduler.Kind = SchedulerLocal
	case SchedulerLocal:
	case SchedulerJetStream:
		if cfg.Scheduler.JetStream.Stream == "" || cfg.Scheduler.JetStream.Subject == "" {
			return nil, fmt.Errorf("%w: scheduler.jetstream needs stream and subject", errInvalid)
		}
	default:
		return nil, fmt.Errorf("%w: unknown scheduler kind %q", errInvalid, cfg.Scheduler.Kind)
	}

	seen := make(map[string]bool, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: chain without a name", errInvalid)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: duplicate chain %q", errInvalid, c.Name)
		}
		seen[c.Name] = true
	}

	if cfg.Device.Network == "" {
		cfg.Device.Network = policy.NetworkAny
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.StagingTTL <= 0 {
		cfg.StagingTTL = 24 * time.Hour
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 7 * 24 * time.Hour
	}
	if cfg.MaxUploadMb <= 0 {
		cfg.MaxUploadMb = 50
	}
	if cfg.Transport.Timeout <= 0 {
		cfg.Transport.Timeout = 10 * time.Minute
	}
	if cfg.Signature.Timeout <= 0 {
		cfg.Signature.Timeout = 10 * time.Second
	}
	if cfg.Signature.MaxElapsed <= 0 {
		cfg.Signature.MaxElapsed = 30 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return &cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}
