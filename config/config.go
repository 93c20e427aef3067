// Package config holds the runtime tunables of gpurt, read once at initialization from the environment
// and, optionally, from a configuration file.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables read by FromEnv and ApplyEnv.
const (
	EnvNumGPUsPerLocale = "GPURT_NUM_GPUS_PER_LOCALE"
	EnvDriver           = "GPURT_DRIVER"
	EnvNodeID           = "GPURT_NODE_ID"
	EnvDebug            = "GPURT_DEBUG"
)

// DefaultDriver is the name of the driver used when none is configured.
const DefaultDriver = "sim"

// Config holds the runtime tunables.
type Config struct {
	// NumGPUsPerLocale limits the number of devices used. Negative means "use all devices found".
	NumGPUsPerLocale int `json:"num_gpus_per_locale" yaml:"num_gpus_per_locale" toml:"num_gpus_per_locale"`

	// Driver is the name of the registered driver implementation to use.
	Driver string `json:"driver" yaml:"driver" toml:"driver"`

	// DriverOptions are passed to the driver when it is created.
	DriverOptions map[string]any `json:"driver_options" yaml:"driver_options" toml:"driver_options"`

	// NodeID is the identity of this node in the distributed system, written into every loaded module.
	NodeID int `json:"node_id" yaml:"node_id" toml:"node_id"`

	// Debug enables the per-call trace logging.
	Debug bool `json:"debug" yaml:"debug" toml:"debug"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		NumGPUsPerLocale: -1,
		Driver:           DefaultDriver,
	}
}

// Load reads a configuration file based on its extension, on top of the Default configuration.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %q", path)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, errors.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "parsing config %q", path)
	}
	return cfg, cfg.Validate()
}

// FromEnv returns the Default configuration overridden by the environment variables.
func FromEnv() (Config, error) {
	cfg := Default()
	err := cfg.ApplyEnv(os.LookupEnv)
	return cfg, err
}

// Resolve loads the configuration file at path, if path is not empty, and then applies the environment
// variables on top of it.
func Resolve(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return cfg, err
		}
	}
	err := cfg.ApplyEnv(os.LookupEnv)
	return cfg, err
}

// ApplyEnv overrides the configuration with the environment variables that are set, as reported by lookup.
//
// A non-numeric or negative GPURT_NUM_GPUS_PER_LOCALE is an error.
func (c *Config) ApplyEnv(lookup func(key string) (string, bool)) error {
	if value, found := lookup(EnvNumGPUsPerLocale); found {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errors.Errorf("%s=%q is not a valid integer", EnvNumGPUsPerLocale, value)
		}
		if n < 0 {
			return errors.Errorf("%s=%q must be a non-negative integer", EnvNumGPUsPerLocale, value)
		}
		c.NumGPUsPerLocale = n
	}
	if value, found := lookup(EnvDriver); found && value != "" {
		c.Driver = value
	}
	if value, found := lookup(EnvNodeID); found {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return errors.Errorf("%s=%q is not a valid integer", EnvNodeID, value)
		}
		c.NodeID = n
	}
	if value, found := lookup(EnvDebug); found {
		debug, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return errors.Errorf("%s=%q is not a valid boolean", EnvDebug, value)
		}
		c.Debug = debug
	}
	return c.Validate()
}

// Validate checks the values that can't be used.
func (c *Config) Validate() error {
	if c.Driver == "" {
		return errors.New("driver name is empty")
	}
	if c.NodeID < 0 || c.NodeID > 1<<31-1 {
		return errors.Errorf("node id %d out of range", c.NodeID)
	}
	return nil
}
