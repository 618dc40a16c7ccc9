package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/swapfc/swapfc/pkg/utils"
)

// Operating modes.
const (
	ModeAuto          = "auto"
	ModeZramSwapfile  = "zram+swapfile"
	ModeZswapSwapfile = "zswap+swapfile"
	ModeZram          = "zram"
	ModeSwapfile      = "swapfile"
	ModeDisabled      = "disabled"
)

// Configuration represents the complete daemon configuration
type Configuration struct {
	Global         GlobalConfig         `yaml:"global"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	Zram           ZramConfig           `yaml:"zram"`
	Swapfile       SwapfileConfig       `yaml:"swapfile"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// GlobalConfig represents global daemon settings
type GlobalConfig struct {
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	Mode       string `yaml:"mode"`
	WorkDir    string `yaml:"work_dir"`
	ProcPath   string `yaml:"proc_path"`
	SysPath    string `yaml:"sys_path"`
	KeepOnExit bool   `yaml:"keep_on_exit"`
}

// MonitoringConfig controls the metrics endpoint and periodic stats logging
type MonitoringConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Address          string        `yaml:"address"`
	MetricsPath      string        `yaml:"metrics_path"`
	StatsLogInterval time.Duration `yaml:"stats_log_interval"`
}

// ZramConfig configures the compressed-RAM pool
type ZramConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Algorithm         string        `yaml:"algorithm"`
	AlgorithmParams   string        `yaml:"algorithm_params"`
	Priority          int           `yaml:"priority"`
	MaxDevices        int           `yaml:"max_devices"`
	InitialDevices    int           `yaml:"initial_devices"`
	SizePercent       int           `yaml:"size_percent"`
	MemLimitPercent   int           `yaml:"mem_limit_percent"`
	ExpandThreshold   int           `yaml:"expand_threshold"`
	ContractThreshold int           `yaml:"contract_threshold"`
	ShrinkThreshold   int           `yaml:"shrink_threshold"`
	ExpandCooldown    time.Duration `yaml:"expand_cooldown"`
	ContractStability time.Duration `yaml:"contract_stability"`
	ContractInterval  time.Duration `yaml:"contract_interval"`
	MinFreeRAM        int           `yaml:"min_free_ram"`
	CheckInterval     time.Duration `yaml:"check_interval"`
	ExpandMinRatio    float64       `yaml:"expand_min_ratio"`
	ReserveEmpty      int           `yaml:"reserve_empty"`
	MaxDrainAttempts  int           `yaml:"max_drain_attempts"`
	SafeHeadroom      int           `yaml:"safe_headroom"`
}

// SwapfileConfig configures the disk-backed pool
type SwapfileConfig struct {
	Enabled               bool           `yaml:"enabled"`
	Path                  string         `yaml:"path"`
	ChunkSize             utils.ByteSize `yaml:"chunk_size"`
	MaxChunkSize          utils.ByteSize `yaml:"max_chunk_size"`
	GrowthChunkSize       utils.ByteSize `yaml:"growth_chunk_size"`
	TierStep              int            `yaml:"tier_step"`
	MaxCount              int            `yaml:"max_count"`
	MinCount              int            `yaml:"min_count"`
	FreeRAMPercent        int            `yaml:"free_ram_perc"`
	FreeSwapPercent       int            `yaml:"free_swap_perc"`
	RemoveFreeSwapPercent int            `yaml:"remove_free_swap_perc"`
	Frequency             time.Duration  `yaml:"frequency"`
	ShrinkThreshold       int            `yaml:"shrink_threshold"`
	SafeHeadroom          int            `yaml:"safe_headroom"`
	Priority              int            `yaml:"priority"`
	EmergencyRAMFloor     int            `yaml:"emergency_ram_floor"`
	EmergencySwapCeiling  int            `yaml:"emergency_swap_ceiling"`
	NoCOW                 bool           `yaml:"nocow"`
	SparseLoop            bool           `yaml:"sparse_loop"`
	DirectIO              bool           `yaml:"direct_io"`
	Discard               bool           `yaml:"discard"`
	TuneMountOptions      bool           `yaml:"tune_mount_options"`
	NrRequests            int            `yaml:"nr_requests"`
}

// RetryConfig bounds retries of busy-device operations
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig pauses expansion after repeated creation failures
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// NewDefault returns a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			Mode:      ModeAuto,
			WorkDir:   "/run/swapfc",
			ProcPath:  "/proc",
			SysPath:   "/sys",
		},
		Monitoring: MonitoringConfig{
			Enabled:          true,
			Address:          "127.0.0.1:9469",
			MetricsPath:      "/metrics",
			StatsLogInterval: 30 * time.Second,
		},
		Zram: ZramConfig{
			Enabled:           true,
			Algorithm:         "zstd",
			AlgorithmParams:   "level=3",
			Priority:          32767,
			MaxDevices:        8,
			InitialDevices:    4,
			SizePercent:       125,
			MemLimitPercent:   0,
			ExpandThreshold:   85,
			ContractThreshold: 20,
			ShrinkThreshold:   5,
			ExpandCooldown:    10 * time.Second,
			ContractStability: 120 * time.Second,
			ContractInterval:  60 * time.Second,
			MinFreeRAM:        15,
			CheckInterval:     5 * time.Second,
			ExpandMinRatio:    2.0,
			ReserveEmpty:      2,
			MaxDrainAttempts:  5,
			SafeHeadroom:      40,
		},
		Swapfile: SwapfileConfig{
			Enabled:               true,
			Path:                  "/swapfile",
			ChunkSize:             utils.ByteSize(512 * utils.MiB),
			MaxChunkSize:          utils.ByteSize(8 * utils.GiB),
			TierStep:              4,
			MaxCount:              28,
			MinCount:              1,
			FreeRAMPercent:        20,
			FreeSwapPercent:       40,
			RemoveFreeSwapPercent: 70,
			Frequency:             time.Second,
			ShrinkThreshold:       30,
			SafeHeadroom:          40,
			Priority:              50,
			EmergencyRAMFloor:     10,
			EmergencySwapCeiling:  80,
			NoCOW:                 true,
			SparseLoop:            false,
			DirectIO:              true,
			Discard:               false,
			TuneMountOptions:      true,
			NrRequests:            128,
		},
		Retry: RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2.0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:     true,
			MaxFailures: 3,
			Timeout:     60 * time.Second,
		},
	}
}

// Load builds the effective configuration: defaults, then the file (if
// any), then the environment, then clamping and validation.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from SWAPFC_* environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("SWAPFC_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("SWAPFC_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("SWAPFC_MODE"); val != "" {
		c.Global.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("SWAPFC_WORK_DIR"); val != "" {
		c.Global.WorkDir = val
	}
	if val := os.Getenv("SWAPFC_METRICS_ADDRESS"); val != "" {
		c.Monitoring.Address = val
	}

	// Compressed RAM
	if val := os.Getenv("SWAPFC_ZRAM_ALGORITHM"); val != "" {
		c.Zram.Algorithm = val
	}
	if val := os.Getenv("SWAPFC_ZRAM_MAX_DEVICES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Zram.MaxDevices = n
		}
	}
	if val := os.Getenv("SWAPFC_ZRAM_CHECK_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Zram.CheckInterval = d
		}
	}

	// Swap files
	if val := os.Getenv("SWAPFC_SWAPFILE_PATH"); val != "" {
		c.Swapfile.Path = val
	}
	if val := os.Getenv("SWAPFC_SWAPFILE_CHUNK_SIZE"); val != "" {
		size, err := utils.ParseBytes(val)
		if err != nil {
			return fmt.Errorf("SWAPFC_SWAPFILE_CHUNK_SIZE: %w", err)
		}
		c.Swapfile.ChunkSize = utils.ByteSize(size)
	}
	if val := os.Getenv("SWAPFC_SWAPFILE_MAX_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Swapfile.MaxCount = n
		}
	}
	if val := os.Getenv("SWAPFC_SWAPFILE_SPARSE_LOOP"); val != "" {
		c.Swapfile.SparseLoop = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SWAPFC_SWAPFILE_NOCOW"); val != "" {
		c.Swapfile.NoCOW = strings.ToLower(val) == "true"
	}

	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// YAML returns the configuration rendered as YAML.
func (c *Configuration) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate reports settings that cannot be fixed by clamping.
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s", c.Global.LogLevel)
	}
	if _, err := utils.ParseLogFormat(c.Global.LogFormat); err != nil {
		return fmt.Errorf("invalid log_format: %s", c.Global.LogFormat)
	}

	switch c.Global.Mode {
	case ModeAuto, ModeZramSwapfile, ModeZswapSwapfile, ModeZram, ModeSwapfile, ModeDisabled:
	default:
		return fmt.Errorf("invalid mode: %s", c.Global.Mode)
	}

	if !filepath.IsAbs(c.Global.WorkDir) {
		return fmt.Errorf("work_dir must be an absolute path")
	}

	if c.Swapfile.Enabled {
		if err := utils.ValidateSwapDir(c.Swapfile.Path); err != nil {
			return fmt.Errorf("invalid swapfile.path: %w", err)
		}
		if c.Swapfile.MinCount > c.Swapfile.MaxCount {
			return fmt.Errorf("swapfile.min_count must not exceed max_count")
		}
		if c.Swapfile.FreeSwapPercent >= c.Swapfile.RemoveFreeSwapPercent {
			return fmt.Errorf("swapfile.free_swap_perc must be below remove_free_swap_perc")
		}
	}

	if c.Zram.Enabled {
		if c.Zram.Algorithm == "" {
			return fmt.Errorf("zram.algorithm cannot be empty")
		}
		if c.Zram.ContractThreshold >= c.Zram.ExpandThreshold {
			return fmt.Errorf("zram.contract_threshold must be below expand_threshold")
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}

	return nil
}
