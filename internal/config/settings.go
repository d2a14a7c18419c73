package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"region-similarity/internal/messages"
	"region-similarity/internal/retry"
)

// Export modes, mirrored from the export package to keep config a leaf.
const (
	ExportModeArchive = "archive"
	ExportModeURLs    = "urls"
)

// UserSettings represents persistent user preferences
type UserSettings struct {
	// Output directory for exports and spec files
	OutputPath string `json:"outputPath"`

	// Cache settings
	CacheMaxSizeMB int `json:"cacheMaxSizeMB"`
	CacheTTLDays   int `json:"cacheTTLDays"`

	// Export settings
	ExportResolution float64 `json:"exportResolution"` // metres per pixel
	ExportCellPixels int     `json:"exportCellPixels"`
	ExportMode       string  `json:"exportMode"` // "archive" or "urls"

	// Remote call policy
	RetryAttempts       int `json:"retryAttempts"`
	RetryTimeoutSeconds int `json:"retryTimeoutSeconds"`
	RetryPauseMillis    int `json:"retryPauseMillis"`

	// Background materializations allowed at once
	MaxConcurrentMaterializations int `json:"maxConcurrentMaterializations"`

	// Message lifetimes
	MessageInfoSeconds  int `json:"messageInfoSeconds"`
	MessageErrorSeconds int `json:"messageErrorSeconds"`
	MessageLinkSeconds  int `json:"messageLinkSeconds"`

	// Default map settings
	DefaultZoom      int     `json:"defaultZoom"`
	DefaultCenterLat float64 `json:"defaultCenterLat"`
	DefaultCenterLon float64 `json:"defaultCenterLon"`

	// UI preferences
	Theme           string `json:"theme"` // "light", "dark", "system"
	AutoOpenOutput  bool   `json:"autoOpenOutput"`
	TelemetryOptOut bool   `json:"telemetryOptOut"`
}

// DefaultSettings returns default user settings
func DefaultSettings() *UserSettings {
	homeDir, _ := os.UserHomeDir()

	return &UserSettings{
		OutputPath:                    filepath.Join(homeDir, "Downloads", "region-similarity"),
		CacheMaxSizeMB:                250,
		CacheTTLDays:                  30,
		ExportResolution:              1000,
		ExportCellPixels:              1000,
		ExportMode:                    ExportModeArchive,
		RetryAttempts:                 3,
		RetryTimeoutSeconds:           10,
		RetryPauseMillis:              1000,
		MaxConcurrentMaterializations: 1,
		MessageInfoSeconds:            3,
		MessageErrorSeconds:           5,
		MessageLinkSeconds:            10,
		DefaultZoom:                   2,
		DefaultCenterLat:              0,
		DefaultCenterLon:              0,
		Theme:                         "system",
		AutoOpenOutput:                false,
	}
}

// BaseDir is ~/.region-similarity, the root of settings and queue state.
func BaseDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".region-similarity")
}

// QueueDir holds the persisted export queue.
func QueueDir() string {
	return filepath.Join(BaseDir(), "queue")
}

// GetSettingsPath returns the settings file path
func GetSettingsPath() string {
	return filepath.Join(BaseDir(), "settings", "settings.json")
}

// LoadSettings loads user settings from the default location.
func LoadSettings() (*UserSettings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// LoadSettingsFrom reads settings from path, filling missing fields with
// defaults. A missing file yields the defaults.
func LoadSettingsFrom(settingsPath string) (*UserSettings, error) {
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		return DefaultSettings(), nil
	}

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings UserSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}

	// Merge with defaults for any missing fields
	defaults := DefaultSettings()
	if settings.OutputPath == "" {
		settings.OutputPath = defaults.OutputPath
	}
	if settings.CacheMaxSizeMB == 0 {
		settings.CacheMaxSizeMB = defaults.CacheMaxSizeMB
	}
	if settings.CacheTTLDays == 0 {
		settings.CacheTTLDays = defaults.CacheTTLDays
	}
	if settings.ExportResolution == 0 {
		settings.ExportResolution = defaults.ExportResolution
	}
	if settings.ExportCellPixels == 0 {
		settings.ExportCellPixels = defaults.ExportCellPixels
	}
	if settings.ExportMode == "" {
		settings.ExportMode = defaults.ExportMode
	}
	if settings.RetryAttempts == 0 {
		settings.RetryAttempts = defaults.RetryAttempts
	}
	if settings.RetryTimeoutSeconds == 0 {
		settings.RetryTimeoutSeconds = defaults.RetryTimeoutSeconds
	}
	if settings.RetryPauseMillis == 0 {
		settings.RetryPauseMillis = defaults.RetryPauseMillis
	}
	if settings.MaxConcurrentMaterializations == 0 {
		settings.MaxConcurrentMaterializations = defaults.MaxConcurrentMaterializations
	}
	if settings.MessageInfoSeconds == 0 {
		settings.MessageInfoSeconds = defaults.MessageInfoSeconds
	}
	if settings.MessageErrorSeconds == 0 {
		settings.MessageErrorSeconds = defaults.MessageErrorSeconds
	}
	if settings.MessageLinkSeconds == 0 {
		settings.MessageLinkSeconds = defaults.MessageLinkSeconds
	}
	if settings.DefaultZoom == 0 {
		settings.DefaultZoom = defaults.DefaultZoom
	}
	if settings.Theme == "" {
		settings.Theme = defaults.Theme
	}

	return &settings, nil
}

// SaveSettings saves user settings to the default location.
func SaveSettings(settings *UserSettings) error {
	return SaveSettingsTo(GetSettingsPath(), settings)
}

// SaveSettingsTo writes settings to path.
func SaveSettingsTo(settingsPath string, settings *UserSettings) error {
	if err := os.MkdirAll(filepath.Dir(settingsPath), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(settingsPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// Validate checks the values a user can type in.
func (s *UserSettings) Validate() error {
	if s.OutputPath == "" {
		return fmt.Errorf("output path is required")
	}
	if s.ExportResolution <= 0 {
		return fmt.Errorf("export resolution must be positive")
	}
	if s.ExportCellPixels < 1 || s.ExportCellPixels > 10000 {
		return fmt.Errorf("pixels per export cell must be between 1 and 10000")
	}
	if s.ExportMode != ExportModeArchive && s.ExportMode != ExportModeURLs {
		return fmt.Errorf("invalid export mode: %s (must be archive or urls)", s.ExportMode)
	}
	if s.RetryAttempts < 1 || s.RetryAttempts > 10 {
		return fmt.Errorf("retry attempts must be between 1 and 10")
	}
	if s.RetryTimeoutSeconds < 1 {
		return fmt.Errorf("retry timeout must be at least one second")
	}
	if s.RetryPauseMillis < 0 {
		return fmt.Errorf("retry pause cannot be negative")
	}
	if s.MaxConcurrentMaterializations < 1 || s.MaxConcurrentMaterializations > 8 {
		return fmt.Errorf("concurrent materializations must be between 1 and 8")
	}
	if s.CacheMaxSizeMB < 1 {
		return fmt.Errorf("cache size must be at least 1 MB")
	}
	return nil
}

// RetryPolicy is the remote call policy the settings describe.
func (s *UserSettings) RetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts: s.RetryAttempts,
		Timeout:  time.Duration(s.RetryTimeoutSeconds) * time.Second,
		Pause:    time.Duration(s.RetryPauseMillis) * time.Millisecond,
	}
}

// MessageTTLs are the message lifetimes the settings describe.
func (s *UserSettings) MessageTTLs() messages.TTLs {
	return messages.TTLs{
		messages.LevelInfo:    time.Duration(s.MessageInfoSeconds) * time.Second,
		messages.LevelWarning: time.Duration(s.MessageErrorSeconds) * time.Second,
		messages.LevelError:   time.Duration(s.MessageErrorSeconds) * time.Second,
		messages.LevelLink:    time.Duration(s.MessageLinkSeconds) * time.Second,
	}
}

// CacheTTL is the cache entry lifetime.
func (s *UserSettings) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLDays) * 24 * time.Hour
}
