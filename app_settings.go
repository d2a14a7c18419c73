package main

import (
	"go.uber.org/zap"

	"region-similarity/internal/config"
)

// ===================
// Settings Management
// ===================

// GetSettings returns current user settings
func (a *App) GetSettings() (*config.UserSettings, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Return a copy to prevent external modifications
	settingsCopy := *a.settings
	return &settingsCopy, nil
}

// SaveSettings saves user settings to disk and updates app state. Cache,
// retry, concurrency and message settings apply on next restart; export
// settings apply to the next export.
func (a *App) SaveSettings(settings *config.UserSettings) error {
	if err := settings.Validate(); err != nil {
		return a.fail(err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := config.SaveSettings(settings); err != nil {
		return a.fail(err)
	}
	a.settings = settings

	a.logger.Info("settings saved", zap.String("path", config.GetSettingsPath()))
	return nil
}

// ResetSettings restores the defaults.
func (a *App) ResetSettings() (*config.UserSettings, error) {
	defaults := config.DefaultSettings()
	if err := a.SaveSettings(defaults); err != nil {
		return nil, err
	}
	return a.GetSettings()
}

// GetSettingsPath returns the OS-specific settings file path
func (a *App) GetSettingsPath() string {
	return config.GetSettingsPath()
}

// SaveMapPosition remembers where the map was left.
func (a *App) SaveMapPosition(lat, lon float64, zoom int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.settings.DefaultCenterLat = lat
	a.settings.DefaultCenterLon = lon
	a.settings.DefaultZoom = zoom

	if err := config.SaveSettings(a.settings); err != nil {
		return err
	}

	a.logger.Debug("saved map position", zap.Float64("lat", lat), zap.Float64("lon", lon), zap.Int("zoom", zoom))
	return nil
}
