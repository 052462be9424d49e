// Package config provides file-based configuration for the placement service.
// XML is the default format; a .yaml/.yml path switches to YAML.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sidecar retention policies.
const (
	RetainMachineName = "machine-name"
	RetainAlways      = "always"
	RetainNever       = "never"
)

// AppConfig represents the root configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"TusPlacer" yaml:"-"`

	Server     ServerConfig     `xml:"Server" yaml:"server"`
	Storage    StorageConfig    `xml:"Storage" yaml:"storage"`
	Processing ProcessingConfig `xml:"Processing" yaml:"processing"`
	Ledger     LedgerConfig     `xml:"Ledger" yaml:"ledger"`
	Advanced   AdvancedConfig   `xml:"Advanced" yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `xml:"Port" yaml:"port"`
	BindAddress  string `xml:"BindAddress" yaml:"bindAddress"`
	ReadTimeout  int    `xml:"ReadTimeoutSeconds" yaml:"readTimeoutSeconds"`
	WriteTimeout int    `xml:"WriteTimeoutSeconds" yaml:"writeTimeoutSeconds"`
	IdleTimeout  int    `xml:"IdleTimeoutSeconds" yaml:"idleTimeoutSeconds"`
	BodyLimit    string `xml:"BodyLimit" yaml:"bodyLimit"`
}

// StorageConfig locates the staging and destination directories
type StorageConfig struct {
	StagingDirectory string `xml:"StagingDirectory" yaml:"stagingDirectory"`
	MountDirectory   string `xml:"MountDirectory" yaml:"mountDirectory"`
	SidecarSuffix    string `xml:"SidecarSuffix" yaml:"sidecarSuffix"`
}

// ProcessingConfig contains assembly and placement limits
type ProcessingConfig struct {
	MaxTotalParts            int    `xml:"MaxTotalParts" yaml:"maxTotalParts"`
	MaxNumberingProbe        int    `xml:"MaxNumberingProbe" yaml:"maxNumberingProbe"`
	VerifyAssembledSize      bool   `xml:"VerifyAssembledSize" yaml:"verifyAssembledSize"`
	SidecarRetention         string `xml:"SidecarRetention" yaml:"sidecarRetention"`
	AbandonedGroupTTLMinutes int    `xml:"AbandonedGroupTTLMinutes" yaml:"abandonedGroupTTLMinutes"`
	StaleGroupTTLMinutes     int    `xml:"StaleGroupTTLMinutes" yaml:"staleGroupTTLMinutes"`
	JobRetentionMinutes      int    `xml:"JobRetentionMinutes" yaml:"jobRetentionMinutes"`
	CleanupIntervalMinutes   int    `xml:"CleanupIntervalMinutes" yaml:"cleanupIntervalMinutes"`
}

// LedgerConfig controls the DuckDB outcome ledger
type LedgerConfig struct {
	Enabled bool   `xml:"Enabled" yaml:"enabled"`
	Path    string `xml:"Path" yaml:"path"`
}

// AdvancedConfig contains logging options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel" yaml:"logLevel"`
	PrettyLogs           bool   `xml:"PrettyLogs" yaml:"prettyLogs"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging" yaml:"enableRequestLogging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         1080,
			BindAddress:  "0.0.0.0",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "1M",
		},
		Storage: StorageConfig{
			StagingDirectory: "./uploads",
			MountDirectory:   "./mount",
			SidecarSuffix:    ".json",
		},
		Processing: ProcessingConfig{
			MaxTotalParts:            10000,
			MaxNumberingProbe:        10000,
			VerifyAssembledSize:      true,
			SidecarRetention:         RetainMachineName,
			AbandonedGroupTTLMinutes: 24 * 60,
			StaleGroupTTLMinutes:     24 * 60,
			JobRetentionMinutes:      60,
			CleanupIntervalMinutes:   5,
		},
		Ledger: LedgerConfig{
			Enabled: false,
			Path:    "./placements.duckdb",
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			PrettyLogs:           false,
			EnableRequestLogging: true,
		},
	}
}

// LoadConfig loads configuration from an XML or YAML file.
// A missing file is created with defaults.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if isYAML(configPath) {
			err = yaml.Unmarshal(data, config)
		} else {
			err = xml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Save writes the configuration in the format implied by configPath.
func (c *AppConfig) Save(configPath string) error {
	var content []byte
	if isYAML(configPath) {
		output, err := yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		content = append([]byte("# tus placer configuration\n"), output...)
	} else {
		output, err := xml.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		header := []byte(xml.Header + "\n<!-- tus placer configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
		content = append(header, output...)
	}

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate rejects settings the service cannot run with
func (c *AppConfig) Validate() error {
	if c.Storage.StagingDirectory == "" {
		return fmt.Errorf("storage: staging directory is required")
	}
	if c.Storage.MountDirectory == "" {
		return fmt.Errorf("storage: mount directory is required")
	}
	if c.Storage.SidecarSuffix == "" {
		c.Storage.SidecarSuffix = ".json"
	}
	if c.Processing.MaxTotalParts < 0 || c.Processing.MaxNumberingProbe < 0 {
		return fmt.Errorf("processing: limits must not be negative")
	}

	switch c.Processing.SidecarRetention {
	case "":
		c.Processing.SidecarRetention = RetainMachineName
	case RetainMachineName, RetainAlways, RetainNever:
	default:
		return fmt.Errorf("processing: unknown sidecar retention %q", c.Processing.SidecarRetention)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dir := os.Getenv("STAGING_DIR"); dir != "" {
		c.Storage.StagingDirectory = dir
	}

	if dir := os.Getenv("MOUNT_PATH"); dir != "" {
		c.Storage.MountDirectory = dir
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if abs, err := filepath.Abs(configDir); err == nil {
		configDir = abs
	}
	if !filepath.IsAbs(c.Storage.StagingDirectory) {
		c.Storage.StagingDirectory = filepath.Join(configDir, c.Storage.StagingDirectory)
	}
	if !filepath.IsAbs(c.Storage.MountDirectory) {
		c.Storage.MountDirectory = filepath.Join(configDir, c.Storage.MountDirectory)
	}
	if c.Ledger.Path != "" && !filepath.IsAbs(c.Ledger.Path) {
		c.Ledger.Path = filepath.Join(configDir, c.Ledger.Path)
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates the staging and mount directories.
// Called once at startup; the placement core never creates directories.
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.StagingDirectory,
		c.Storage.MountDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
