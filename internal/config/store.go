package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Settings holds user-configurable scan defaults.
type Settings struct {
	ColorMode  string `json:"colorMode"` // "color", "grayscale", "lineart"
	Resolution int    `json:"resolution"`
	Threshold  int    `json:"threshold"` // lineart cut-off, 0..255
	// Scan area in millimetres. Zero width or height means the whole glass.
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	UseGamma bool    `json:"useGamma"`
	Gamma    float64 `json:"gamma"`
	Format   string  `json:"format"`
	// SavePath is where POST /api/scan writes files.
	SavePath string `json:"savePath"`
	// UseCalibrationCache reuses power delays tuned by earlier scans.
	UseCalibrationCache bool `json:"useCalibrationCache"`
}

// DefaultSettings returns the default scan settings.
func DefaultSettings() Settings {
	return Settings{
		ColorMode:  "color",
		Resolution: 300,
		Threshold:  128,
		Gamma:      2.2,
		Format:     "application/pdf",

		UseCalibrationCache: true,
	}
}

var (
	colorModes  = []string{"color", "grayscale", "lineart"}
	formats     = []string{"application/pdf", "image/jpeg", "image/png", "image/tiff"}
	errSettings = errors.New("invalid settings")
)

// Validate checks enumerations and ranges.
func (s Settings) Validate() error {
	switch {
	case !slices.Contains(colorModes, s.ColorMode):
		return fmt.Errorf("color mode %q: %w", s.ColorMode, errSettings)
	case s.Resolution < 50 || s.Resolution > 1200:
		return fmt.Errorf("resolution %d: %w", s.Resolution, errSettings)
	case s.Threshold < 0 || s.Threshold > 255:
		return fmt.Errorf("threshold %d: %w", s.Threshold, errSettings)
	case s.Left < 0 || s.Top < 0 || s.Width < 0 || s.Height < 0:
		return fmt.Errorf("negative scan area: %w", errSettings)
	case s.UseGamma && (s.Gamma <= 0 || s.Gamma > 10):
		return fmt.Errorf("gamma %g: %w", s.Gamma, errSettings)
	case !slices.Contains(formats, s.Format):
		return fmt.Errorf("format %q: %w", s.Format, errSettings)
	}
	return nil
}

// Store provides thread-safe settings persistence backed by a JSON file.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	path     string
}

// NewStore creates a Store that persists settings to dataDir/settings.json.
// If the file does not exist or is invalid, default settings are used.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	s := &Store{
		path:     filepath.Join(dataDir, "settings.json"),
		settings: DefaultSettings(),
	}
	s.load()
	return s, nil
}

// NewMemoryStore creates a Store that keeps settings in memory only (no file persistence).
func NewMemoryStore() *Store {
	return &Store{settings: DefaultSettings()}
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Update validates and replaces the settings and persists them to disk.
func (s *Store) Update(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return s.save()
}

// IsInvalid reports whether err came from Validate.
func IsInvalid(err error) bool { return errors.Is(err, errSettings) }

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // file missing is OK, use defaults
	}
	settings := DefaultSettings()
	if err := json.Unmarshal(data, &settings); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	if err := settings.Validate(); err != nil {
		slog.Warn("invalid settings file, using defaults", "path", s.path, "err", err)
		return
	}
	s.settings = settings
}

func (s *Store) save() error {
	if s.path == "" {
		return nil // memory-only mode
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
