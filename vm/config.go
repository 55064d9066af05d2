package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds paging subsystem configuration
type Config struct {
	// Physical Memory Configuration
	FrameCount      uint32 `json:"frame_count"`      // Number of physical frames
	BootstrapFrames uint32 `json:"bootstrap_frames"` // Frames released before locking is enabled

	// Per-process Limits
	MaxPsycPages  int `json:"max_psyc_pages"`  // RAM quota per process
	MaxTotalPages int `json:"max_total_pages"` // Resident plus swapped pages per process

	// Paging Configuration
	Policy         string `json:"policy"`           // Replacement policy (none, nfu, lapa, scfifo, aq)
	SwapBackend    string `json:"swap_backend"`     // Swap storage (memory, file, mmap)
	SwapDirectory  string `json:"swap_directory"`   // Directory for swap files
	SyncSwapWrites bool   `json:"sync_swap_writes"` // fsync after every swap write

	// Dump Configuration
	DumpDirectory   string `json:"dump_directory"`   // Directory for process dumps
	DumpCompression string `json:"dump_compression"` // Dump block compression (none, lz4, snappy)

	// Diagnostics
	EnableMetrics bool   `json:"enable_metrics"` // Whether to log metrics on shutdown
	LogLevel      string `json:"log_level"`      // Log level (debug, info, warn, error)
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		FrameCount:      1024,
		BootstrapFrames: 64,
		MaxPsycPages:    DefaultMaxPsycPages,
		MaxTotalPages:   DefaultMaxTotalPages,
		Policy:          "scfifo",
		SwapBackend:     "memory",
		SwapDirectory:   "./swap",
		SyncSwapWrites:  false,
		DumpDirectory:   "./dumps",
		DumpCompression: "lz4",
		EnableMetrics:   true,
		LogLevel:        "info",
	}
}

// LoadConfigFromFile loads configuration from a JSON file
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	err = json.Unmarshal(data, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromEnv loads configuration from environment variables
// Falls back to default values if environment variables are not set
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	// Physical memory
	if val := os.Getenv("HEXPAGER_FRAME_COUNT"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.FrameCount = uint32(n)
		}
	}

	if val := os.Getenv("HEXPAGER_BOOTSTRAP_FRAMES"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.BootstrapFrames = uint32(n)
		}
	}

	// Limits
	if val := os.Getenv("HEXPAGER_MAX_PSYC_PAGES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.MaxPsycPages = n
		}
	}

	if val := os.Getenv("HEXPAGER_MAX_TOTAL_PAGES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.MaxTotalPages = n
		}
	}

	// Paging
	if val := os.Getenv("HEXPAGER_POLICY"); val != "" {
		config.Policy = val
	}

	if val := os.Getenv("HEXPAGER_SWAP_BACKEND"); val != "" {
		config.SwapBackend = val
	}

	if val := os.Getenv("HEXPAGER_SWAP_DIRECTORY"); val != "" {
		config.SwapDirectory = val
	}

	if val := os.Getenv("HEXPAGER_SYNC_SWAP_WRITES"); val != "" {
		config.SyncSwapWrites = val == "true" || val == "1"
	}

	// Dumps
	if val := os.Getenv("HEXPAGER_DUMP_DIRECTORY"); val != "" {
		config.DumpDirectory = val
	}

	if val := os.Getenv("HEXPAGER_DUMP_COMPRESSION"); val != "" {
		config.DumpCompression = val
	}

	// Diagnostics
	if val := os.Getenv("HEXPAGER_ENABLE_METRICS"); val != "" {
		config.EnableMetrics = val == "true" || val == "1"
	}

	if val := os.Getenv("HEXPAGER_LOG_LEVEL"); val != "" {
		config.LogLevel = val
	}

	return config
}

// SaveToFile saves the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = os.WriteFile(path, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.FrameCount == 0 {
		return fmt.Errorf("frame count must be greater than 0")
	}

	if c.BootstrapFrames > c.FrameCount {
		return fmt.Errorf("bootstrap frames (%d) cannot exceed frame count (%d)", c.BootstrapFrames, c.FrameCount)
	}

	if c.MaxPsycPages <= 0 {
		return fmt.Errorf("max psyc pages must be greater than 0")
	}

	if c.MaxTotalPages < c.MaxPsycPages {
		return fmt.Errorf("max total pages (%d) must be at least max psyc pages (%d)", c.MaxTotalPages, c.MaxPsycPages)
	}

	// the swap store holds MaxPsycPages+1 pages, one of them in flight
	if c.MaxTotalPages > 2*c.MaxPsycPages {
		return fmt.Errorf("max total pages (%d) cannot exceed twice max psyc pages (%d)", c.MaxTotalPages, c.MaxPsycPages)
	}

	if _, err := ParsePolicy(c.Policy); err != nil {
		return err
	}

	switch c.SwapBackend {
	case "memory":
	case "file", "mmap":
		if c.SwapDirectory == "" {
			return fmt.Errorf("swap directory cannot be empty for %s swap backend", c.SwapBackend)
		}
	default:
		return fmt.Errorf("invalid swap backend: %s (must be memory, file, or mmap)", c.SwapBackend)
	}

	if _, err := ParseCompressionType(c.DumpCompression); err != nil {
		return err
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// PagingPolicy returns the parsed replacement policy
func (c *Config) PagingPolicy() Policy {
	p, err := ParsePolicy(c.Policy)
	if err != nil {
		return PolicyNone
	}
	return p
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
