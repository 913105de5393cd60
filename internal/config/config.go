// Package config loads and validates the TOML configuration shared by the
// SFTP and TFTP servers. CLI flags overlay individual fields after load.
package config

import (
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Load balance strategies for the worker pool.
const (
	StrategyRoundRobin = "round_robin"
	StrategyClientHash = "client_hash"
	StrategyLeastLoad  = "least_loaded"
)

// Config is the root of the TOML configuration surface.
type Config struct {
	RootDir            string `toml:"root_dir"`
	BindAddr           string `toml:"bind_addr"`
	MaxFileSizeBytes   int64  `toml:"max_file_size_bytes"`
	HostKeyPath        string `toml:"host_key_path"`
	AuthorizedKeysPath string `toml:"authorized_keys_path"`
	TimeoutSecs        int    `toml:"timeout_secs"`

	WriteConfig WriteConfig `toml:"write_config"`
	Performance Performance `toml:"performance"`
	Auth        Auth        `toml:"auth"`
}

// WriteConfig gates TFTP writes.
type WriteConfig struct {
	Enabled         bool     `toml:"enabled"`
	AllowOverwrite  bool     `toml:"allow_overwrite"`
	AllowedPatterns []string `toml:"allowed_patterns"`
}

// Performance holds tuning knobs.
type Performance struct {
	DefaultBlockSize   int      `toml:"default_block_size"`
	DefaultWindowsize  int      `toml:"default_windowsize"`
	BufferPoolSize     int      `toml:"buffer_pool_size"`
	StreamingThreshold int64    `toml:"streaming_threshold"`
	Platform           Platform `toml:"platform"`
}

// Platform groups the OS-facing tuning sections.
type Platform struct {
	Batch      Batch      `toml:"batch"`
	WorkerPool WorkerPool `toml:"worker_pool"`
	Socket     Socket     `toml:"socket"`
}

// Batch controls the batch I/O layer.
type Batch struct {
	Enable         bool `toml:"enable"`
	MaxBatchSize   int  `toml:"max_batch_size"`
	BatchTimeoutUs int  `toml:"batch_timeout_us"`
}

// WorkerPool controls the master/worker/sender pipeline.
type WorkerPool struct {
	Enabled             bool   `toml:"enabled"`
	WorkerCount         int    `toml:"worker_count"`
	LoadBalanceStrategy string `toml:"load_balance_strategy"`
	MasterChannelSize   int    `toml:"master_channel_size"`
	WorkerChannelSize   int    `toml:"worker_channel_size"`
	SenderChannelSize   int    `toml:"sender_channel_size"`
}

// Socket controls listener socket options.
type Socket struct {
	RecvBufferKB int  `toml:"recv_buffer_kb"`
	SendBufferKB int  `toml:"send_buffer_kb"`
	ReuseAddress bool `toml:"reuse_address"`
	ReusePort    bool `toml:"reuse_port"`
}

// Auth controls the rate limiter and connection tracker.
type Auth struct {
	MaxAttempts          int `toml:"max_attempts"`
	WindowSecs           int `toml:"window_secs"`
	LockoutSecs          int `toml:"lockout_secs"`
	MaxConcurrentPerUser int `toml:"max_concurrent_per_user"`
}

// Default returns the configuration used when no file or flag overrides a
// field.
func Default() Config {
	return Config{
		RootDir:     ".",
		BindAddr:    "[::]:69",
		TimeoutSecs: 5,
		Performance: Performance{
			DefaultBlockSize:   8192,
			DefaultWindowsize:  1,
			BufferPoolSize:     128,
			StreamingThreshold: 1 << 20,
			Platform: Platform{
				Batch: Batch{
					Enable:         true,
					MaxBatchSize:   32,
					BatchTimeoutUs: 1000,
				},
				WorkerPool: WorkerPool{
					Enabled:             false,
					WorkerCount:         DefaultWorkerCount(),
					LoadBalanceStrategy: StrategyRoundRobin,
					MasterChannelSize:   1024,
					WorkerChannelSize:   256,
					SenderChannelSize:   1024,
				},
				Socket: Socket{
					RecvBufferKB: 2048,
					SendBufferKB: 2048,
					ReuseAddress: true,
					ReusePort:    true,
				},
			},
		},
		Auth: Auth{
			MaxAttempts:          5,
			WindowSecs:           600,
			LockoutSecs:          900,
			MaxConcurrentPerUser: 8,
		},
	}
}

// DefaultWorkerCount derives the worker count from the CPU budget, leaving
// two cores for the master and sender, capped at 8.
func DefaultWorkerCount() int {
	n := runtime.NumCPU() - 2
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "decode config %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, errors.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants that must hold before a server starts. All
// violations are fatal at startup.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return errors.New("root_dir is required")
	}
	if c.BindAddr == "" {
		return errors.New("bind_addr is required")
	}
	if bs := c.Performance.DefaultBlockSize; bs < 8 || bs > 65464 {
		return errors.Errorf("performance.default_block_size %d out of range 8..65464", bs)
	}
	if ws := c.Performance.DefaultWindowsize; ws < 1 || ws > 65535 {
		return errors.Errorf("performance.default_windowsize %d out of range 1..65535", ws)
	}
	if c.TimeoutSecs < 1 || c.TimeoutSecs > 255 {
		return errors.Errorf("timeout_secs %d out of range 1..255", c.TimeoutSecs)
	}
	switch s := c.Performance.Platform.WorkerPool.LoadBalanceStrategy; s {
	case StrategyRoundRobin, StrategyClientHash, StrategyLeastLoad:
	default:
		return errors.Errorf("unknown load_balance_strategy %q", s)
	}
	if c.WriteConfig.Enabled {
		if len(c.WriteConfig.AllowedPatterns) == 0 {
			return errors.New("write_config.enabled requires allowed_patterns")
		}
		for _, p := range c.WriteConfig.AllowedPatterns {
			if err := checkPattern(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkPattern rejects malformed globs and allowlist entries so broad they
// defeat the allowlist.
func checkPattern(p string) error {
	if _, err := path.Match(p, "probe"); err != nil {
		return errors.Wrapf(err, "invalid write pattern %q", p)
	}
	switch strings.TrimPrefix(p, "/") {
	case "*", "**", "**/*", "*/**", "":
		return errors.Errorf("write pattern %q is too broad", p)
	}
	return nil
}

// Timeout returns the configured per-transfer timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// AuthWindow returns the rate limiter window.
func (c *Config) AuthWindow() time.Duration {
	return time.Duration(c.Auth.WindowSecs) * time.Second
}

// AuthLockout returns the rate limiter lockout duration.
func (c *Config) AuthLockout() time.Duration {
	return time.Duration(c.Auth.LockoutSecs) * time.Second
}

// BatchTimeout returns the batch receive window.
func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.Performance.Platform.Batch.BatchTimeoutUs) * time.Microsecond
}
