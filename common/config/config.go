// Package config provides the TOML loading, search-path and directory helpers
// shared by DoorWatch binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// AppName is the directory name used under platform config/data roots.
const AppName = "doorwatch"

// FindConfigFile searches for a config file in the platform search paths and
// returns the first path that exists with its contents.
func FindConfigFile(filename string) (string, []byte, error) {
	for _, path := range GetConfigSearchPaths(filename) {
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}
	return "", nil, fmt.Errorf("%s not found in any search path", filename)
}

// GetConfigSearchPaths returns an ordered list of paths to search for config files
func GetConfigSearchPaths(filename string) []string {
	var searchPaths []string

	// 1. System directory
	switch runtime.GOOS {
	case "windows":
		searchPaths = append(searchPaths, filepath.Join(os.Getenv("ProgramData"), "DoorWatch", filename))
	case "darwin":
		searchPaths = append(searchPaths, filepath.Join("/Library/Application Support", "DoorWatch", filename))
	default:
		searchPaths = append(searchPaths, filepath.Join("/etc", AppName, filename))
	}

	// 2. User config directory
	if dir, err := os.UserConfigDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(dir, AppName, filename))
	}

	// 3. Executable directory
	if exePath, err := os.Executable(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(filepath.Dir(exePath), filename))
	}

	// 4. Working directory
	searchPaths = append(searchPaths, filepath.Join(".", filename))

	return searchPaths
}

// GetDataDirectory returns (and creates) the directory holding the local cache.
// Service mode uses a system-wide location, interactive mode the user's data dir.
func GetDataDirectory(isService bool) (string, error) {
	var dataDir string

	if isService {
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(os.Getenv("ProgramData"), "DoorWatch")
		default:
			dataDir = filepath.Join("/var/lib", AppName)
		}
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not get user home directory: %w", err)
		}
		switch runtime.GOOS {
		case "windows":
			dataDir = filepath.Join(homeDir, "AppData", "Local", "DoorWatch")
		case "darwin":
			dataDir = filepath.Join(homeDir, "Library", "Application Support", "DoorWatch")
		default:
			dataDir = filepath.Join(homeDir, ".local", "share", AppName)
		}
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// GetLogDirectory returns (and creates) the directory for log files
func GetLogDirectory(isService bool) (string, error) {
	logDir := "logs"
	if isService {
		switch runtime.GOOS {
		case "windows":
			logDir = filepath.Join(os.Getenv("ProgramData"), "DoorWatch", "logs")
		default:
			logDir = filepath.Join("/var/log", AppName)
		}
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	return logDir, nil
}

// ResolveConfigPath picks the config file path: DOORWATCH_CONFIG wins over the
// flag value, and a missing flag falls back to the first search path that exists.
func ResolveConfigPath(flagVal string) string {
	if val := os.Getenv("DOORWATCH_CONFIG"); val != "" {
		return val
	}
	if flagVal != "" {
		return flagVal
	}
	if path, _, err := FindConfigFile("config.toml"); err == nil {
		return path
	}
	return "config.toml"
}

// WriteDefaultTOML writes cfg to configPath. An existing file is never overwritten.
func WriteDefaultTOML(configPath string, cfg interface{}) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file %s already exists", configPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadTOML loads a TOML configuration file into cfg. Keys present in the file
// but unknown to cfg are reported as an error so typos are not silently ignored.
func LoadTOML(configPath string, cfg interface{}) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}

	md, err := toml.DecodeFile(configPath, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config keys: %v", undecoded)
	}
	return nil
}

// DatabaseConfig holds local cache settings
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string   `toml:"level"`
	Dir       string   `toml:"dir"`
	MaxSizeMB int      `toml:"max_size_mb"`
	MaxFiles  int      `toml:"max_files"`
	TraceTags []string `toml:"trace_tags"` // Limits TRACE output to these tags
}

// ApplyDatabaseEnvOverrides applies DB_PATH.
func ApplyDatabaseEnvOverrides(cfg *DatabaseConfig) {
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.Path = val
	}
}

// ApplyLoggingEnvOverrides applies LOG_LEVEL and LOG_DIR.
func ApplyLoggingEnvOverrides(cfg *LoggingConfig) {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Level = val
	}
	if val := os.Getenv("LOG_DIR"); val != "" {
		cfg.Dir = val
	}
}

// EnvString sets *dst from the named variable when it is non-empty.
func EnvString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

// EnvInt sets *dst from the named variable when it parses as an integer.
func EnvInt(name string, dst *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// EnvBool sets *dst from the named variable when it parses as a boolean.
func EnvBool(name string, dst *bool) {
	if val := os.Getenv(name); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

// Millis converts a millisecond config value to a duration, falling back to def when unset.
func Millis(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
