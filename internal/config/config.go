// Package config handles configuration loading for the neuron viewer server and CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Meshes MeshesConfig `yaml:"meshes"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Viewer ViewerConfig `yaml:"viewer"`
	Log    LogConfig    `yaml:"log"`
	Import ImportConfig `yaml:"import"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	// MaxBatchSize caps the number of tracing ids accepted by one geometry request.
	MaxBatchSize int `yaml:"max_batch_size"`
}

// DataConfig selects the tracing database.
type DataConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// MeshesConfig selects the compartment mesh store and the mesh sets it serves.
type MeshesConfig struct {
	Driver   string `yaml:"driver"` // fs | s3 | memory
	Root     string `yaml:"root"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	// PathStyle addresses the bucket in the URL path, as MinIO expects.
	PathStyle bool `yaml:"path_style"`

	// Versions lists the mesh set versions in YAML order. The first one is the default
	// unless DefaultVersion is set.
	Versions       []string `yaml:"versions"`
	DefaultVersion string   `yaml:"default_version"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	PayloadSizeMB     int `yaml:"payload_size_mb"`
	PayloadTTLMinutes int `yaml:"payload_ttl_minutes"`
	QueryEntries      int `yaml:"query_entries"`
	MeshEntries       int `yaml:"mesh_entries"`
}

// RenderConfig contains preview rendering settings.
type RenderConfig struct {
	PreviewSize     int    `yaml:"preview_size"`
	DefaultColormap string `yaml:"default_colormap"`
}

// ViewerConfig contains settings of the headless viewer.
type ViewerConfig struct {
	ServerURL       string  `yaml:"server_url"`
	BatchSize       int     `yaml:"batch_size"`
	DefaultViewMode string  `yaml:"default_view_mode"`
	DimOpacity      float64 `yaml:"dim_opacity"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// ImportConfig contains SWC import job settings.
type ImportConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxQueued     int `yaml:"max_queued"`
	RetainMinutes int `yaml:"retain_minutes"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			MaxBatchSize: 200,
		},
		Data: DataConfig{
			Driver: "sqlite",
			DSN:    "./data/tracings.db",
		},
		Meshes: MeshesConfig{
			Driver:         "fs",
			Root:           "./data/meshes",
			Versions:       []string{"ccf2017"},
			DefaultVersion: "ccf2017",
		},
		Cache: CacheConfig{
			PayloadSizeMB:     512,
			PayloadTTLMinutes: 10,
			QueryEntries:      256,
			MeshEntries:       512,
		},
		Render: RenderConfig{
			PreviewSize:     256,
			DefaultColormap: "viridis",
		},
		Viewer: ViewerConfig{
			ServerURL:       "http://localhost:8080",
			BatchSize:       20,
			DefaultViewMode: "all",
			DimOpacity:      0.1,
			TimeoutSeconds:  30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Import: ImportConfig{
			MaxConcurrent: 2,
			MaxQueued:     64,
			RetainMinutes: 60,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.MaxBatchSize == 0 {
		cfg.Server.MaxBatchSize = defaults.Server.MaxBatchSize
	}

	if cfg.Data.Driver == "" {
		cfg.Data.Driver = defaults.Data.Driver
	}
	if cfg.Data.DSN == "" && cfg.Data.Driver == "sqlite" {
		cfg.Data.DSN = defaults.Data.DSN
	}

	if cfg.Meshes.Driver == "" {
		cfg.Meshes.Driver = defaults.Meshes.Driver
	}
	if cfg.Meshes.Root == "" && cfg.Meshes.Driver == "fs" {
		cfg.Meshes.Root = defaults.Meshes.Root
	}
	if len(cfg.Meshes.Versions) == 0 {
		if cfg.Meshes.DefaultVersion != "" {
			cfg.Meshes.Versions = []string{cfg.Meshes.DefaultVersion}
		} else {
			cfg.Meshes.Versions = defaults.Meshes.Versions
		}
	}
	// First version in YAML order is the default
	if cfg.Meshes.DefaultVersion == "" {
		cfg.Meshes.DefaultVersion = cfg.Meshes.Versions[0]
	}

	if cfg.Cache.PayloadSizeMB == 0 {
		cfg.Cache.PayloadSizeMB = defaults.Cache.PayloadSizeMB
	}
	if cfg.Cache.PayloadTTLMinutes == 0 {
		cfg.Cache.PayloadTTLMinutes = defaults.Cache.PayloadTTLMinutes
	}
	if cfg.Cache.QueryEntries == 0 {
		cfg.Cache.QueryEntries = defaults.Cache.QueryEntries
	}
	if cfg.Cache.MeshEntries == 0 {
		cfg.Cache.MeshEntries = defaults.Cache.MeshEntries
	}

	if cfg.Render.PreviewSize == 0 {
		cfg.Render.PreviewSize = defaults.Render.PreviewSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}

	if cfg.Viewer.ServerURL == "" {
		cfg.Viewer.ServerURL = defaults.Viewer.ServerURL
	}
	if cfg.Viewer.BatchSize == 0 {
		cfg.Viewer.BatchSize = defaults.Viewer.BatchSize
	}
	if cfg.Viewer.DefaultViewMode == "" {
		cfg.Viewer.DefaultViewMode = defaults.Viewer.DefaultViewMode
	}
	if cfg.Viewer.DimOpacity == 0 {
		cfg.Viewer.DimOpacity = defaults.Viewer.DimOpacity
	}
	if cfg.Viewer.TimeoutSeconds == 0 {
		cfg.Viewer.TimeoutSeconds = defaults.Viewer.TimeoutSeconds
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}

	if cfg.Import.MaxConcurrent == 0 {
		cfg.Import.MaxConcurrent = defaults.Import.MaxConcurrent
	}
	if cfg.Import.MaxQueued == 0 {
		cfg.Import.MaxQueued = defaults.Import.MaxQueued
	}
	if cfg.Import.RetainMinutes == 0 {
		cfg.Import.RetainMinutes = defaults.Import.RetainMinutes
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error

	switch c.Data.Driver {
	case "sqlite", "postgres":
		if c.Data.DSN == "" {
			errs = append(errs, fmt.Errorf("data.dsn is required for driver %q", c.Data.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("data.driver %q: want sqlite or postgres", c.Data.Driver))
	}

	switch c.Meshes.Driver {
	case "fs":
		if c.Meshes.Root == "" {
			errs = append(errs, errors.New("meshes.root is required for driver fs"))
		}
	case "s3":
		if c.Meshes.Bucket == "" {
			errs = append(errs, errors.New("meshes.bucket is required for driver s3"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("meshes.driver %q: want fs, s3 or memory", c.Meshes.Driver))
	}
	if !c.HasMeshVersion(c.Meshes.DefaultVersion) {
		errs = append(errs, fmt.Errorf("meshes.default_version %q is not listed in meshes.versions", c.Meshes.DefaultVersion))
	}
	for _, v := range c.Meshes.Versions {
		if v == "" || strings.ContainsAny(v, "/\\") || v == "." || v == ".." {
			errs = append(errs, fmt.Errorf("meshes.versions: invalid version %q", v))
		}
	}

	if c.Server.MaxBatchSize < 0 {
		errs = append(errs, errors.New("server.max_batch_size must not be negative"))
	}
	if c.Viewer.BatchSize < 0 {
		errs = append(errs, errors.New("viewer.batch_size must not be negative"))
	}
	if c.Viewer.DimOpacity < 0 || c.Viewer.DimOpacity > 1 {
		errs = append(errs, fmt.Errorf("viewer.dim_opacity %v: want a value in [0, 1]", c.Viewer.DimOpacity))
	}
	switch strings.ToLower(c.Viewer.DefaultViewMode) {
	case "all", "axon", "dendrite", "soma":
	default:
		errs = append(errs, fmt.Errorf("viewer.default_view_mode %q: want all, axon, dendrite or soma", c.Viewer.DefaultViewMode))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// HasMeshVersion reports whether version is a configured mesh set.
func (c *Config) HasMeshVersion(version string) bool {
	for _, v := range c.Meshes.Versions {
		if v == version {
			return true
		}
	}
	return false
}
