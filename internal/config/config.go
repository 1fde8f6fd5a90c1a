package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// maxConfigFileSize bounds how much of a config file is read.
const maxConfigFileSize = 10 * 1024 * 1024

type GlobalConfig struct {
	APIConfig          APIConfig          `json:"api_config,omitempty" yaml:"api_config,omitempty"`
	LedgerConfig       LedgerConfig       `json:"ledger_config,omitempty" yaml:"ledger_config,omitempty"`
	LogConfig          LogConfig          `json:"log_config,omitempty" yaml:"log_config,omitempty"`
	MonitorConfig      MonitorConfig      `json:"monitor_config,omitempty" yaml:"monitor_config,omitempty"`
	NotificationConfig NotificationConfig `json:"notification_config,omitempty" yaml:"notification_config,omitempty"`
	ReconcileConfig    ReconcileConfig    `json:"reconcile_config,omitempty" yaml:"reconcile_config,omitempty"`
	StorageConfig      StorageConfig      `json:"storage_config,omitempty" yaml:"storage_config,omitempty"`
}

func NewDefaultGlobalConfig() *GlobalConfig {
	return &GlobalConfig{
		APIConfig:          NewDefaultAPIConfig(),
		LedgerConfig:       NewDefaultLedgerConfig(),
		LogConfig:          NewDefaultLogConfig(),
		MonitorConfig:      NewDefaultMonitorConfig(),
		NotificationConfig: NewDefaultNotificationConfig(),
		ReconcileConfig:    NewDefaultReconcileConfig(),
		StorageConfig:      NewDefaultStorageConfig(),
	}
}

// LoadGlobalConfig loads the configuration from a file or default locations.
// It determines the config file path using GetConfigPath, supports both JSON and YAML formats.
// YAML is preferred if the file extension is .yaml or .yml.
// Values missing from the file keep their defaults.
func LoadGlobalConfig(providedPath string) (*GlobalConfig, error) {
	cfg := NewDefaultGlobalConfig()

	filePath := GetConfigPath(providedPath)
	if filePath == "" {
		if providedPath != "" {
			return nil, fmt.Errorf("config file '%s' does not exist", providedPath)
		}
		return cfg, nil
	}

	data, err := loadConfigFileContent(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file content: %w", err)
	}

	if err := parseConfigContent(data, filePath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config content: %w", err)
	}

	return cfg, nil
}

// SaveGlobalConfig writes cfg to filePath in the format implied by its extension.
func SaveGlobalConfig(cfg *GlobalConfig, filePath string) error {
	var (
		data []byte
		err  error
	)
	if isYAMLFile(filepath.Ext(filePath)) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return os.WriteFile(filePath, data, 0o600)
}

// loadConfigFileContent reads the config file, refusing oversized files
func loadConfigFileContent(filePath string) ([]byte, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file '%s' is larger than %d bytes", filePath, maxConfigFileSize)
	}
	return os.ReadFile(filePath)
}

// parseConfigContent parses the config content based on file extension
func parseConfigContent(data []byte, filePath string, cfg *GlobalConfig) error {
	ext := filepath.Ext(filePath)
	if isYAMLFile(ext) {
		return parseYAMLConfig(data, filePath, cfg)
	}
	return parseJSONConfig(data, filePath, cfg)
}

// isYAMLFile checks if the file extension indicates a YAML file
func isYAMLFile(ext string) bool {
	return ext == ".yaml" || ext == ".yml"
}

// parseYAMLConfig parses YAML configuration
func parseYAMLConfig(data []byte, filePath string, cfg *GlobalConfig) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal YAML from '%s': %w", filePath, err)
	}
	return nil
}

// parseJSONConfig parses JSON configuration
func parseJSONConfig(data []byte, filePath string, cfg *GlobalConfig) error {
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal JSON from '%s': %w", filePath, err)
	}
	return nil
}
