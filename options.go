package serveit

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix starts every environment variable serveit reads.
const EnvPrefix = "SERVEIT_"

// Settings is the immutable configuration of a serveit process.
type Settings struct {
	RootDir         string        `toml:"root_dir"`
	Port            uint16        `toml:"port"`
	MetaPort        uint16        `toml:"meta_port"`
	RateLimit       float64       `toml:"rate_limit"`
	Burst           int           `toml:"burst"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	ETagCacheSize   int           `toml:"etag_cache_size"`
	ConfigFile      string        `toml:"-"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		RootDir:         ".",
		Port:            4000,
		MetaPort:        0,
		RateLimit:       0,
		Burst:           10,
		ShutdownTimeout: 5 * time.Second,
		IdleTimeout:     120 * time.Second,
		ETagCacheSize:   1024,
	}
}

// EnvError reports an environment variable whose value does not parse.
type EnvError struct {
	Var   string
	Value string
	Err   error
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Var, e.Value, e.Err)
}

func (e *EnvError) Unwrap() error {
	return e.Err
}

// FileError reports a settings file that cannot be read or decoded.
type FileError struct {
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("settings file %s: %v", e.File, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

var (
	errZeroPort  = errors.New("port must be between 1 and 65535")
	errZeroBurst = errors.New("burst must be at least 1")
)

// SettingsFromEnvironment loads Settings from the process environment.
func SettingsFromEnvironment() (Settings, error) {
	return LoadSettings(os.LookupEnv)
}

// LoadSettings builds Settings with the following priority, highest first:
// 1. SERVEIT_* environment variables
// 2. the TOML file named by SERVEIT_CONFIG_FILE, if any
// 3. DefaultSettings
//
// Unknown SERVEIT_* variables are ignored.
func LoadSettings(lookup func(string) (string, bool)) (Settings, error) {
	s := DefaultSettings()

	if file, ok := lookupSetting(lookup, "config_file"); ok && file != "" {
		s.ConfigFile = file
		if err := applySettingsFile(&s, file); err != nil {
			return Settings{}, err
		}
	}
	if err := applyEnvVars(&s, lookup); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func lookupSetting(lookup func(string) (string, bool), name string) (string, bool) {
	return lookup(EnvPrefix + strings.ToUpper(name))
}

// helper to decode a settings file over the current values
func applySettingsFile(s *Settings, file string) error {
	if _, err := toml.DecodeFile(file, s); err != nil {
		return &FileError{File: file, Err: err}
	}
	if s.Port == 0 {
		return &FileError{File: file, Err: errZeroPort}
	}
	if s.Burst < 1 {
		return &FileError{File: file, Err: errZeroBurst}
	}
	return nil
}

// helper to read environment variables and apply them to the settings
func applyEnvVars(s *Settings, lookup func(string) (string, bool)) error {
	fields := []struct {
		name  string
		apply func(string) error
	}{
		{"root_dir", func(v string) error { s.RootDir = v; return nil }},
		{"port", func(v string) error {
			port, err := parsePort(v)
			s.Port = port
			return err
		}},
		{"meta_port", func(v string) error {
			port, err := strconv.ParseUint(v, 10, 16)
			s.MetaPort = uint16(port)
			return err
		}},
		{"rate_limit", func(v string) error {
			limit, err := strconv.ParseFloat(v, 64)
			if err == nil && limit < 0 {
				err = errors.New("must not be negative")
			}
			s.RateLimit = limit
			return err
		}},
		{"burst", func(v string) error {
			burst, err := strconv.Atoi(v)
			if err == nil && burst < 1 {
				err = errZeroBurst
			}
			s.Burst = burst
			return err
		}},
		{"shutdown_timeout", func(v string) error {
			d, err := time.ParseDuration(v)
			s.ShutdownTimeout = d
			return err
		}},
		{"idle_timeout", func(v string) error {
			d, err := time.ParseDuration(v)
			s.IdleTimeout = d
			return err
		}},
		{"etag_cache_size", func(v string) error {
			n, err := strconv.Atoi(v)
			s.ETagCacheSize = n
			return err
		}},
	}

	for _, f := range fields {
		v, ok := lookupSetting(lookup, f.name)
		if !ok {
			continue
		}
		if err := f.apply(v); err != nil {
			return &EnvError{Var: EnvPrefix + strings.ToUpper(f.name), Value: v, Err: err}
		}
	}
	return nil
}

func parsePort(v string) (uint16, error) {
	port, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, err
	}
	if port == 0 {
		return 0, errZeroPort
	}
	return uint16(port), nil
}
