/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath = "/etc/mailetd/mailetd.toml"
	DefaultStateDir   = "/var/lib/mailetd"

	DefaultInitialProcessor = "root"
)

// Duration is a time.Duration decoded from a TOML string such as "15m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type DNS struct {
	Servers []string `toml:"servers"`
}

type Spool struct {
	URL              string   `toml:"url"`
	Workers          int      `toml:"workers"`
	InitialProcessor string   `toml:"initial_processor"`
	FaultDelay       Duration `toml:"fault_delay"`
	PollInterval     Duration `toml:"poll_interval"`
}

type S3 struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	Secure    bool   `toml:"secure"`
	Prefix    string `toml:"prefix"`
}

type MessageStore struct {
	Driver string `toml:"driver"`
	Root   string `toml:"root"`
	URL    string `toml:"url"`
	S3     S3     `toml:"s3"`
}

// Step is a single matcher/mailet pair of a processor.
type Step struct {
	// Match is "<matcher>" or "<matcher>=<condition>".
	Match  string                 `toml:"match"`
	Mailet string                 `toml:"mailet"`
	Config map[string]interface{} `toml:"config"`
}

type Processor struct {
	Name  string `toml:"name"`
	Steps []Step `toml:"step"`
}

// Config is the top-level configuration file structure.
type Config struct {
	Hostname      string   `toml:"hostname"`
	Postmaster    string   `toml:"postmaster"`
	StateDir      string   `toml:"state_dir"`
	LocalDomains  []string `toml:"local_domains"`
	Debug         bool     `toml:"debug"`
	Log           []string `toml:"log"`
	LogFormat     string   `toml:"log_format"`
	MetricsListen string   `toml:"metrics_listen"`

	DNS          DNS          `toml:"dns"`
	Spool        Spool        `toml:"spool"`
	MessageStore MessageStore `toml:"message_store"`
	Processors   []Processor  `toml:"processor"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes the configuration from TOML text, expands {env:NAME}
// placeholders, fills defaults and validates the result.
func Parse(text string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(expandEnvironment(text), &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			// Step configuration is validated by the matcher/mailet itself.
			if strings.Contains(k.String(), ".config") {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) != 0 {
			return nil, fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
		}
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.Postmaster == "" && cfg.Hostname != "" {
		cfg.Postmaster = "postmaster@" + cfg.Hostname
	}
	if len(cfg.Log) == 0 {
		cfg.Log = []string{"stderr"}
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.Spool.URL == "" {
		cfg.Spool.URL = "file://" + filepath.Join(cfg.StateDir, "spool")
	}
	if cfg.Spool.Workers == 0 {
		cfg.Spool.Workers = 8
	}
	if cfg.Spool.InitialProcessor == "" {
		cfg.Spool.InitialProcessor = DefaultInitialProcessor
	}
	if cfg.Spool.FaultDelay == 0 {
		cfg.Spool.FaultDelay = Duration(time.Second)
	}
	if cfg.Spool.PollInterval == 0 {
		cfg.Spool.PollInterval = Duration(time.Minute)
	}
	if cfg.MessageStore.Driver == "" {
		cfg.MessageStore.Driver = "fs"
	}
	if cfg.MessageStore.Driver == "fs" && cfg.MessageStore.Root == "" {
		cfg.MessageStore.Root = filepath.Join(cfg.StateDir, "messages")
	}
}

// Validate checks the cross-field constraints of cfg.
func (cfg *Config) Validate() error {
	if cfg.Hostname == "" {
		return errors.New("config: hostname is required")
	}
	if cfg.Spool.Workers < 0 {
		return errors.New("config: spool.workers must not be negative")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log_format: %s", cfg.LogFormat)
	}
	switch cfg.MessageStore.Driver {
	case "fs":
	case "s3":
		if cfg.MessageStore.S3.Endpoint == "" || cfg.MessageStore.S3.Bucket == "" {
			return errors.New("config: message_store.s3 requires endpoint and bucket")
		}
	case "sql":
		if cfg.MessageStore.URL == "" {
			return errors.New("config: message_store.url is required for the sql driver")
		}
	default:
		return fmt.Errorf("config: unknown message_store driver: %s", cfg.MessageStore.Driver)
	}

	seen := make(map[string]bool, len(cfg.Processors))
	for i, proc := range cfg.Processors {
		if proc.Name == "" {
			return fmt.Errorf("config: processor %d: name is required", i+1)
		}
		if seen[proc.Name] {
			return fmt.Errorf("config: duplicate processor: %s", proc.Name)
		}
		seen[proc.Name] = true
		for j, step := range proc.Steps {
			if step.Mailet == "" {
				return fmt.Errorf("config: processor %s, step %d: mailet is required", proc.Name, j+1)
			}
		}
	}
	return nil
}

// Globals returns values that matchers and mailets may inherit.
func (cfg *Config) Globals() map[string]interface{} {
	return map[string]interface{}{
		"hostname":   cfg.Hostname,
		"postmaster": cfg.Postmaster,
		"state_dir":  cfg.StateDir,
		"debug":      cfg.Debug,
	}
}

// SplitMatch splits "name=condition" into its parts. Condition is empty if
// there is no '='.
func SplitMatch(match string) (name, condition string) {
	name, condition, _ = strings.Cut(match, "=")
	return strings.TrimSpace(name), strings.TrimSpace(condition)
}
