// Package config loads hostsave.env, an env-style KEY=VALUE file, with
// environment variables taking precedence over file values.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tis24dev/hostsave/internal/types"
)

var multiValueKeys = map[string]bool{
	"INCREMENTAL_EXCLUDE_PATTERNS": true,
	"AGE_RECIPIENT":                true,
	"BACKUP_PATHS":                 true,
}

// Config holds the agent's runtime configuration.
type Config struct {
	// General settings
	DebugLevel types.LogLevel
	UseColor   bool
	BaseDir    string
	ConfigPath string

	// State and paths
	StateDir string
	MountDir string
	LogPath  string
	WorkDir  string

	// Remote target defaults
	ShareName string

	// BackupPaths lists the folders copied in file mode when the task
	// does not name its own.
	BackupPaths []string

	// Retry settings
	RetryMaxRetries  int
	RetryBaseDelayMs int
	RetryMaxDelayMs  int
	RetryFactor      float64
	RetryJitter      bool

	// Checkpoint settings
	CheckpointExpiryHours int

	// Incremental capture settings
	IncrementalEnabled bool
	ExcludePatterns    []string
	ThroughputMBPerMin float64

	// Capture pipeline settings
	CaptureTool            string
	CaptureToolArgs        []string
	CompressTool           string
	CompressToolArgs       []string
	CaptureBenignExitCodes []int
	EncryptArchive         bool
	AgeRecipients          []string
	AgeRecipientFile       string

	// Integrity settings
	ManifestAlgorithm string

	// Metrics
	MetricsEnabled bool
	MetricsPath    string

	// raw configuration map
	raw map[string]string
}

// LoadConfig reads the hostsave.env configuration file.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	rawValues, err := parseEnvFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfigPath: configPath,
		raw:        rawValues,
	}
	cfg.loadEnvOverrides()
	if err := cfg.parse(); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with every value at its default, for callers
// that run without a configuration file.
func Default() *Config {
	cfg := &Config{raw: make(map[string]string)}
	cfg.loadEnvOverrides()
	if err := cfg.parse(); err != nil {
		// parse only fails on malformed raw values; an empty map has none.
		panic(err)
	}
	return cfg
}

// loadEnvOverrides copies set environment variables over file values.
func (c *Config) loadEnvOverrides() {
	envKeys := []string{
		"DEBUG_LEVEL", "USE_COLOR", "BASE_DIR",
		"STATE_DIR", "MOUNT_DIR", "LOG_PATH", "WORK_DIR",
		"SHARE_NAME",
		"RETRY_MAX_RETRIES", "RETRY_BASE_DELAY_MS", "RETRY_MAX_DELAY_MS",
		"RETRY_FACTOR", "RETRY_JITTER",
		"CHECKPOINT_EXPIRY_HOURS",
		"INCREMENTAL_ENABLED", "INCREMENTAL_EXCLUDE_PATTERNS", "THROUGHPUT_MB_PER_MIN",
		"CAPTURE_TOOL", "CAPTURE_TOOL_ARGS", "COMPRESS_TOOL", "COMPRESS_TOOL_ARGS",
		"CAPTURE_BENIGN_EXIT_CODES",
		"ENCRYPT_ARCHIVE", "AGE_RECIPIENT", "AGE_RECIPIENT_FILE",
		"MANIFEST_ALGORITHM",
		"METRICS_ENABLED", "METRICS_PATH",
	}
	for _, key := range envKeys {
		if envValue := os.Getenv(key); envValue != "" {
			c.raw[key] = envValue
		}
	}
}

func (c *Config) parse() error {
	c.DebugLevel = c.getLogLevel("DEBUG_LEVEL", types.LogLevelInfo)
	c.UseColor = c.getBool("USE_COLOR", true)

	c.BaseDir = c.getString("BASE_DIR", "")
	if c.BaseDir == "" {
		c.BaseDir = defaultBaseDir()
	}

	c.StateDir = c.getString("STATE_DIR", filepath.Join(c.BaseDir, "state"))
	c.MountDir = c.getString("MOUNT_DIR", filepath.Join(c.BaseDir, "mnt"))
	c.LogPath = c.getString("LOG_PATH", filepath.Join(c.BaseDir, "log"))
	c.WorkDir = c.getString("WORK_DIR", filepath.Join(c.BaseDir, "work"))

	c.ShareName = c.getString("SHARE_NAME", "backups")
	c.BackupPaths = c.getStringSlice("BACKUP_PATHS", nil)

	c.RetryMaxRetries = c.getInt("RETRY_MAX_RETRIES", 3)
	if c.RetryMaxRetries < 0 {
		c.RetryMaxRetries = 0
	}
	c.RetryBaseDelayMs = c.getInt("RETRY_BASE_DELAY_MS", 2000)
	c.RetryMaxDelayMs = c.getInt("RETRY_MAX_DELAY_MS", 60000)
	c.RetryFactor = c.getFloat("RETRY_FACTOR", 2.0)
	if c.RetryFactor < 1 {
		c.RetryFactor = 2.0
	}
	c.RetryJitter = c.getBool("RETRY_JITTER", true)

	c.CheckpointExpiryHours = c.getInt("CHECKPOINT_EXPIRY_HOURS", 72)
	if c.CheckpointExpiryHours <= 0 {
		c.CheckpointExpiryHours = 72
	}

	c.IncrementalEnabled = c.getBool("INCREMENTAL_ENABLED", true)
	c.ExcludePatterns = c.getStringSlice("INCREMENTAL_EXCLUDE_PATTERNS", nil)
	c.ThroughputMBPerMin = c.getFloat("THROUGHPUT_MB_PER_MIN", 50.0)
	if c.ThroughputMBPerMin <= 0 {
		c.ThroughputMBPerMin = 50.0
	}

	c.CaptureTool = c.getString("CAPTURE_TOOL", "")
	c.CaptureToolArgs = splitFields(c.getString("CAPTURE_TOOL_ARGS", ""))
	c.CompressTool = c.getString("COMPRESS_TOOL", "zstd")
	c.CompressToolArgs = splitFields(c.getString("COMPRESS_TOOL_ARGS", "-3 -q -c"))
	benign, err := c.getIntList("CAPTURE_BENIGN_EXIT_CODES", nil)
	if err != nil {
		return err
	}
	c.CaptureBenignExitCodes = benign

	c.EncryptArchive = c.getBool("ENCRYPT_ARCHIVE", false)
	c.AgeRecipients = c.getStringSlice("AGE_RECIPIENT", nil)
	c.AgeRecipientFile = strings.TrimSpace(c.getString("AGE_RECIPIENT_FILE", ""))

	c.ManifestAlgorithm = strings.ToLower(c.getString("MANIFEST_ALGORITHM", "sha256"))

	c.MetricsEnabled = c.getBool("METRICS_ENABLED", false)
	c.MetricsPath = c.getString("METRICS_PATH", filepath.Join(c.BaseDir, "metrics"))

	return nil
}

func defaultBaseDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".hostsave")
	}
	return filepath.Join(os.TempDir(), "hostsave")
}

func (c *Config) getString(key, def string) string {
	if val, ok := c.raw[key]; ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val)
	}
	return def
}

func (c *Config) getBool(key string, def bool) bool {
	if val, ok := c.raw[key]; ok {
		return parseBool(val)
	}
	return def
}

func (c *Config) getInt(key string, def int) int {
	if val, ok := c.raw[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return n
		}
	}
	return def
}

func (c *Config) getFloat(key string, def float64) float64 {
	if val, ok := c.raw[key]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f
		}
	}
	return def
}

func (c *Config) getLogLevel(key string, def types.LogLevel) types.LogLevel {
	if val, ok := c.raw[key]; ok {
		if level, ok := types.ParseLogLevel(strings.TrimSpace(val)); ok {
			return level
		}
	}
	return def
}

// getStringSlice splits a multi-value key on newlines and commas.
func (c *Config) getStringSlice(key string, def []string) []string {
	val, ok := c.raw[key]
	if !ok || strings.TrimSpace(val) == "" {
		return def
	}
	var out []string
	for _, line := range strings.Split(val, "\n") {
		for _, item := range strings.Split(line, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func (c *Config) getIntList(key string, def []int) ([]int, error) {
	items := c.getStringSlice(key, nil)
	if items == nil {
		return def, nil
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid integer %q", key, item)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on", "enabled":
		return true
	default:
		return false
	}
}

func splitFields(val string) []string {
	fields := strings.Fields(val)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// parseEnvFile reads KEY=VALUE lines, skipping comments and blanks.
// Multi-value keys accumulate across repeated lines.
func parseEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open config file: %w", err)
	}
	defer file.Close()

	raw := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			continue
		}

		if multiValueKeys[key] {
			if existing, ok := raw[key]; ok && existing != "" {
				raw[key] = existing + "\n" + value
			} else {
				raw[key] = value
			}
		} else {
			raw[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return raw, nil
}

// splitKeyValue parses KEY=VALUE, stripping surrounding quotes from the
// value.
func splitKeyValue(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}
