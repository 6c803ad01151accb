// Package config defines and loads the TELOS configuration surface
// via viper, layering defaults, an optional config file, and
// environment variables prefixed TELOS_.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config is the full recognized configuration surface.
type Config struct {
	Workers                 int `mapstructure:"workers"`
	QueueCapacity           int `mapstructure:"queue_capacity"`
	WorkerHeartbeatMS       int `mapstructure:"worker_heartbeat_ms"`
	WorkerRetry             int `mapstructure:"worker_retry"`
	BatchStarvationInterval int `mapstructure:"batch_starvation_interval"`

	L1CapacityBytes int64 `mapstructure:"l1_capacity_bytes"`
	L1Shards        int   `mapstructure:"l1_shards"`

	L2GraphDegree int     `mapstructure:"l2_graph_degree"`
	L2BeamWidth   int     `mapstructure:"l2_beam_width"`
	L2Alpha       float64 `mapstructure:"l2_alpha"`

	OutboxLeaseMS       int `mapstructure:"outbox_lease_ms"`
	OutboxBackoffBaseMS int `mapstructure:"outbox_backoff_base_ms"`
	OutboxBackoffMaxMS  int `mapstructure:"outbox_backoff_max_ms"`
	OutboxMaxAttempts   int `mapstructure:"outbox_max_attempts"`

	CycleIterationLimit int     `mapstructure:"cycle_iteration_limit"`
	CycleWallMS         int     `mapstructure:"cycle_wall_ms"`
	ThetaSuccess        float64 `mapstructure:"theta_success"`
	ThetaDisc           float64 `mapstructure:"theta_disc"`

	FreeEnergyThreshold    float64 `mapstructure:"free_energy_threshold"`
	FreeEnergyDwellSamples int     `mapstructure:"free_energy_dwell_samples"`

	DataDir string `mapstructure:"data_dir"`
}

// Default returns the configuration surface populated with its
// documented defaults.
func Default() *Config {
	return &Config{
		Workers:                 4,
		QueueCapacity:           1024,
		WorkerHeartbeatMS:       1000,
		WorkerRetry:             2,
		BatchStarvationInterval: 8,

		L1CapacityBytes: 64 << 20,
		L1Shards:        16,

		L2GraphDegree: 32,
		L2BeamWidth:   64,
		L2Alpha:       1.2,

		OutboxLeaseMS:       5000,
		OutboxBackoffBaseMS: 100,
		OutboxBackoffMaxMS:  30000,
		OutboxMaxAttempts:   8,

		CycleIterationLimit: 500,
		CycleWallMS:         30000,
		ThetaSuccess:        0.9,
		ThetaDisc:           0.5,

		FreeEnergyThreshold:    1.5,
		FreeEnergyDwellSamples: 3,

		DataDir: "./telos-data",
	}
}

// Load builds a viper instance seeded with defaults, optionally merging
// a config file at path (if non-empty) and environment variables
// prefixed TELOS_ (e.g. TELOS_WORKERS=8), and decodes the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("telos")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	out := &Config{}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	return out, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("queue_capacity", cfg.QueueCapacity)
	v.SetDefault("worker_heartbeat_ms", cfg.WorkerHeartbeatMS)
	v.SetDefault("worker_retry", cfg.WorkerRetry)
	v.SetDefault("batch_starvation_interval", cfg.BatchStarvationInterval)
	v.SetDefault("l1_capacity_bytes", cfg.L1CapacityBytes)
	v.SetDefault("l1_shards", cfg.L1Shards)
	v.SetDefault("l2_graph_degree", cfg.L2GraphDegree)
	v.SetDefault("l2_beam_width", cfg.L2BeamWidth)
	v.SetDefault("l2_alpha", cfg.L2Alpha)
	v.SetDefault("outbox_lease_ms", cfg.OutboxLeaseMS)
	v.SetDefault("outbox_backoff_base_ms", cfg.OutboxBackoffBaseMS)
	v.SetDefault("outbox_backoff_max_ms", cfg.OutboxBackoffMaxMS)
	v.SetDefault("outbox_max_attempts", cfg.OutboxMaxAttempts)
	v.SetDefault("cycle_iteration_limit", cfg.CycleIterationLimit)
	v.SetDefault("cycle_wall_ms", cfg.CycleWallMS)
	v.SetDefault("theta_success", cfg.ThetaSuccess)
	v.SetDefault("theta_disc", cfg.ThetaDisc)
	v.SetDefault("free_energy_threshold", cfg.FreeEnergyThreshold)
	v.SetDefault("free_energy_dwell_samples", cfg.FreeEnergyDwellSamples)
	v.SetDefault("data_dir", cfg.DataDir)
}
