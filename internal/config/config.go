package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port               int              `json:"port"`
	LogConfig          logger.LogConfig `json:"log_config"`
	ModelStore         ModelStoreConfig `json:"model_store"`
	Device             DeviceConfig     `json:"device"`
	Cache              CacheConfig      `json:"cache"`
	Engine             EngineConfig     `json:"engine"`
	Separator          SeparatorConfig  `json:"separator"`
	Timeouts           TimeoutConfig    `json:"timeouts"`
	TempDir            string           `json:"temp_dir"`
	TempMaxAgeMinutes  int              `json:"temp_max_age_minutes"`
	TempSweepSpec      string           `json:"temp_sweep_spec"`
	MaxAudioBytes      int64            `json:"max_audio_bytes"`
	CORSOrigins        []string         `json:"cors_origins"`
	AdminJWTSecret     string           `json:"admin_jwt_secret"`
	AdminRateWindowSec int              `json:"admin_rate_window_seconds"`
	WatchModels        *bool            `json:"watch_models"`
}

type ModelStoreConfig struct {
	Type      string      `json:"type"`
	Dir       string      `json:"dir"`
	Extension string      `json:"extension"`
	SyncSpec  string      `json:"sync_spec"`
	Data      interface{} `json:"data"`
}

type DeviceConfig struct {
	Default        string `json:"default"`
	VisibleDevices int    `json:"visible_devices"`
}

type CacheConfig struct {
	Capacity       int    `json:"capacity"`
	IdleTTLSeconds int    `json:"idle_ttl_seconds"`
	SweepSpec      string `json:"sweep_spec"`
}

type EngineConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type SeparatorConfig struct {
	Binary         string `json:"binary"`
	DefaultModel   string `json:"default_model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type TimeoutConfig struct {
	LoadSeconds      int `json:"load_seconds"`
	GateSeconds      int `json:"gate_seconds"`
	InferenceSeconds int `json:"inference_seconds"`
}

const (
	DefaultCacheCapacity = 7
	DefaultMaxAudioBytes = 64 << 20
)

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.ModelStore.Type == "" {
		cfg.ModelStore.Type = "local"
	}
	if cfg.ModelStore.Dir == "" {
		return fmt.Errorf("model_store.dir is required")
	}
	if cfg.ModelStore.Extension == "" {
		cfg.ModelStore.Extension = ".onnx"
	}
	if !strings.HasPrefix(cfg.ModelStore.Extension, ".") {
		cfg.ModelStore.Extension = "." + cfg.ModelStore.Extension
	}
	switch strings.ToLower(cfg.ModelStore.Type) {
	case "local":
	case "s3":
		if cfg.ModelStore.Data == nil {
			return fmt.Errorf("model_store.data is required for s3 store")
		}
		if cfg.ModelStore.SyncSpec == "" {
			cfg.ModelStore.SyncSpec = "*/10 * * * *"
		}
	default:
		return fmt.Errorf("model_store.type must be local or s3")
	}
	if cfg.Device.Default == "" {
		cfg.Device.Default = "cuda:0"
	}
	if cfg.Device.VisibleDevices < 0 {
		return fmt.Errorf("device.visible_devices must not be negative")
	}
	if cfg.Device.VisibleDevices == 0 {
		cfg.Device.VisibleDevices = 1
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = DefaultCacheCapacity
	}
	if cfg.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity must be positive")
	}
	if cfg.Cache.IdleTTLSeconds < 0 {
		return fmt.Errorf("cache.idle_ttl_seconds must not be negative")
	}
	if cfg.Cache.SweepSpec == "" {
		cfg.Cache.SweepSpec = "*/5 * * * *"
	}
	if cfg.Engine.Type == "" {
		cfg.Engine.Type = "onnx"
	}
	if cfg.Separator.Binary == "" {
		cfg.Separator.Binary = "demucs"
	}
	if cfg.Separator.DefaultModel == "" {
		cfg.Separator.DefaultModel = "htdemucs"
	}
	if cfg.Separator.TimeoutSeconds == 0 {
		cfg.Separator.TimeoutSeconds = 600
	}
	if cfg.Timeouts.LoadSeconds == 0 {
		cfg.Timeouts.LoadSeconds = 120
	}
	if cfg.Timeouts.GateSeconds == 0 {
		cfg.Timeouts.GateSeconds = 60
	}
	if cfg.Timeouts.InferenceSeconds == 0 {
		cfg.Timeouts.InferenceSeconds = 300
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.TempMaxAgeMinutes == 0 {
		cfg.TempMaxAgeMinutes = 60
	}
	if cfg.TempSweepSpec == "" {
		cfg.TempSweepSpec = "*/15 * * * *"
	}
	if cfg.MaxAudioBytes == 0 {
		cfg.MaxAudioBytes = DefaultMaxAudioBytes
	}
	if cfg.AdminRateWindowSec == 0 {
		cfg.AdminRateWindowSec = 2
	}
	if cfg.WatchModels == nil {
		watch := true
		cfg.WatchModels = &watch
	}
	return nil
}
