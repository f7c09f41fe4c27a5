// Package config loads the layered mdwiki configuration.
//
// Precedence, highest wins:
//  1. Defaults
//  2. Global user config ($XDG_CONFIG_HOME/mdwiki/config.json or ~/.config/mdwiki/config.json)
//  3. Project config (.mdwiki.json in the working directory, if present)
//  4. Explicit config file (-c), replacing the project config
//  5. CLI overrides
//
// Files are JSONC: comments and trailing commas are allowed.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/scan"
	"github.com/calvinalkan/mdwiki/internal/store"
)

// Config errors.
var (
	ErrConfigInvalid      = errors.New("invalid config")
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
)

// FileName is the project config file name.
const FileName = ".mdwiki.json"

// Database selects the relational mirror.
type Database struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn,omitempty"`
}

// Log configures the logger.
type Log struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// Config is the resolved configuration.
type Config struct {
	DataDir            string   `json:"data_dir"`
	Database           Database `json:"database"`
	OnParentDelete     string   `json:"on_parent_delete"`
	RelocateMismatched bool     `json:"relocate_mismatched"`
	SyncWorkers        int      `json:"sync_workers"`
	DebounceMs         int      `json:"debounce_ms"`
	Log                Log      `json:"log"`
	MetricsAddr        string   `json:"metrics_addr,omitempty"`

	// Resolved values, not serialized.
	EffectiveCwd string  `json:"-"`
	DataDirAbs   string  `json:"-"`
	Sources      Sources `json:"-"`
}

// Sources records which config files were loaded.
type Sources struct {
	Global  string
	Project string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:        ".",
		Database:       Database{Driver: store.DriverSQLite},
		OnParentDelete: string(pages.PolicyOrphan),
		SyncWorkers:    4,
		DebounceMs:     1000,
		Log:            Log{Level: "info"},
	}
}

// Layer is one partial configuration. Nil fields leave the value below
// untouched, so a layer can switch a boolean off.
type Layer struct {
	DataDir            *string        `json:"data_dir"`
	Database           *DatabaseLayer `json:"database"`
	OnParentDelete     *string        `json:"on_parent_delete"`
	RelocateMismatched *bool          `json:"relocate_mismatched"`
	SyncWorkers        *int           `json:"sync_workers"`
	DebounceMs         *int           `json:"debounce_ms"`
	Log                *LogLayer      `json:"log"`
	MetricsAddr        *string        `json:"metrics_addr"`
}

// DatabaseLayer is the partial form of [Database].
type DatabaseLayer struct {
	Driver *string `json:"driver"`
	DSN    *string `json:"dsn"`
}

// LogLayer is the partial form of [Log].
type LogLayer struct {
	Level  *string `json:"level"`
	Pretty *bool   `json:"pretty"`
}

// Overrides are CLI flag values. Empty or nil fields are not applied.
type Overrides struct {
	DataDir     string
	Driver      string
	DSN         string
	LogLevel    string
	Pretty      *bool
	Workers     int
	MetricsAddr string
}

// LoadInput holds the inputs of [Load].
type LoadInput struct {
	WorkDir    string            // -C flag value; os.Getwd when empty
	ConfigPath string            // -c flag value
	Env        map[string]string // environment variables
	Overrides  Overrides
}

// Load resolves the configuration. Paths in the result are absolute.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return Config{}, fmt.Errorf("cannot resolve working directory: %w", err)
	}

	cfg := Default()

	if path := globalConfigPath(input.Env); path != "" {
		layer, loaded, loadErr := loadFile(path, false)
		if loadErr != nil {
			return Config{}, loadErr
		}

		if loaded {
			cfg = layer.apply(cfg)
			cfg.Sources.Global = path
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false

	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	layer, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = layer.apply(cfg)
		cfg.Sources.Project = projectPath
	}

	cfg = input.Overrides.apply(cfg)

	err = Validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir
	cfg.DataDirAbs = absFrom(workDir, cfg.DataDir)

	if cfg.Database.Driver == store.DriverSQLite {
		if cfg.Database.DSN == "" {
			cfg.Database.DSN = filepath.Join(cfg.DataDirAbs, scan.InternalDir, "index.db")
		} else {
			cfg.Database.DSN = absFrom(workDir, cfg.Database.DSN)
		}
	}

	return cfg, nil
}

// Validate checks a merged configuration.
func Validate(cfg Config) error {
	var errs []error

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir cannot be empty"))
	}

	switch cfg.Database.Driver {
	case store.DriverSQLite:
	case store.DriverPostgres:
		if cfg.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", cfg.Database.Driver))
	}

	if _, err := pages.ParseDeletePolicy(cfg.OnParentDelete); err != nil || cfg.OnParentDelete == "" {
		errs = append(errs, fmt.Errorf("on_parent_delete must be %q or %q", pages.PolicyOrphan, pages.PolicyReparent))
	}

	if cfg.SyncWorkers < 1 {
		errs = append(errs, errors.New("sync_workers must be at least 1"))
	}

	if cfg.DebounceMs < 0 {
		errs = append(errs, errors.New("debounce_ms cannot be negative"))
	}

	if _, err := zerolog.ParseLevel(cfg.Log.Level); err != nil || cfg.Log.Level == "" {
		errs = append(errs, fmt.Errorf("unknown log.level %q", cfg.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

// Format renders cfg as indented JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}

func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "mdwiki", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "mdwiki", "config.json")
	}

	return ""
}

// loadFile reads one layer. A missing optional file is not loaded.
func loadFile(path string, mustExist bool) (Layer, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Layer{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return Layer{}, false, nil
		}

		return Layer{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	layer, err := Parse(data)
	if err != nil {
		return Layer{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return layer, true, nil
}

// Parse decodes a JSONC layer. Unknown keys are rejected.
func Parse(data []byte) (Layer, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Layer{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var layer Layer

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	err = dec.Decode(&layer)
	if err != nil {
		return Layer{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return layer, nil
}

func (l Layer) apply(cfg Config) Config {
	set(&cfg.DataDir, l.DataDir)
	set(&cfg.OnParentDelete, l.OnParentDelete)
	set(&cfg.RelocateMismatched, l.RelocateMismatched)
	set(&cfg.SyncWorkers, l.SyncWorkers)
	set(&cfg.DebounceMs, l.DebounceMs)
	set(&cfg.MetricsAddr, l.MetricsAddr)

	if l.Database != nil {
		set(&cfg.Database.Driver, l.Database.Driver)
		set(&cfg.Database.DSN, l.Database.DSN)
	}

	if l.Log != nil {
		set(&cfg.Log.Level, l.Log.Level)
		set(&cfg.Log.Pretty, l.Log.Pretty)
	}

	return cfg
}

func (o Overrides) apply(cfg Config) Config {
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}

	if o.Driver != "" {
		cfg.Database.Driver = o.Driver
	}

	if o.DSN != "" {
		cfg.Database.DSN = o.DSN
	}

	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}

	set(&cfg.Log.Pretty, o.Pretty)

	if o.Workers > 0 {
		cfg.SyncWorkers = o.Workers
	}

	if o.MetricsAddr != "" {
		cfg.MetricsAddr = o.MetricsAddr
	}

	return cfg
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func absFrom(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}

	return filepath.Join(base, p)
}
