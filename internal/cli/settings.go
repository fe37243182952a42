package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/meigma/casc"
	"github.com/meigma/casc/storage"
)

// Settings are the persisted user settings.
type Settings struct {
	// Locale names the active locales, for example "enUS" or "enUS|deDE".
	Locale string `yaml:"locale"`

	// Override prefers alternate file variants.
	Override bool `yaml:"override"`

	// ListFile is the path of a list file naming files.
	ListFile string `yaml:"list_file"`

	// Registry hosts the remote build catalog, for example "ghcr.io/myorg".
	Registry string `yaml:"registry"`

	// Region is the default catalog region.
	Region string `yaml:"region"`

	// PlainHTTP talks to the registry without TLS.
	PlainHTTP bool `yaml:"plain_http"`

	// CacheDir holds cached blocks of remote data. Empty disables caching.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// CacheMaxBytes bounds the block cache. Zero means unbounded.
	CacheMaxBytes int64 `yaml:"cache_max_bytes,omitempty"`
}

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() Settings {
	return Settings{Locale: "all", Region: casc.DefaultRegion}
}

// DefaultSettingsPath returns $XDG_CONFIG_HOME/cascload/settings.yaml or
// the platform equivalent.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cascload", "settings.yaml")
}

// LoadSettings reads settings from path over the defaults. A missing file
// yields the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if _, err := s.loader(); err != nil {
		return s, fmt.Errorf("settings %s: %w", path, err)
	}
	return s, nil
}

// Save writes the settings to path, creating its directory.
func (s Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// loader converts the settings applied by a load.
func (s Settings) loader() (casc.Settings, error) {
	locale := storage.LocaleAll
	if s.Locale != "" {
		l, err := storage.ParseLocale(s.Locale)
		if err != nil {
			return casc.Settings{}, err
		}
		locale = l
	}
	return casc.Settings{Locale: locale, Override: s.Override, ListFile: s.ListFile}, nil
}
