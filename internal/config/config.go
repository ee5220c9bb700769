// Package config loads the resource configuration the transaction manager
// reconciles its proxy pools against.
//
// Configuration files are YAML (.yaml, .yml) or CUE (.cue):
//
//	resources:
//	  - key: db2
//	    name: accounts
//	    openinfo: "db=accounts,uid=db2"
//	    closeinfo: ""
//	    instances: 2
//	switches:
//	  - key: db2
//	    server: /usr/local/bin/txmon
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue/cuecontext"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// Format identifies a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// Resource describes one resource proxy group.
type Resource struct {
	// Key names the resource manager type and selects the XA switch.
	Key string `yaml:"key" json:"key" msgpack:"key"`

	// Name identifies the group for scaling; defaults to Key.
	Name string `yaml:"name,omitempty" json:"name,omitempty" msgpack:"name"`

	OpenInfo  string `yaml:"openinfo,omitempty" json:"openinfo,omitempty" msgpack:"openinfo"`
	CloseInfo string `yaml:"closeinfo,omitempty" json:"closeinfo,omitempty" msgpack:"closeinfo"`

	// Instances is the desired number of proxy processes.
	Instances int `yaml:"instances" json:"instances" msgpack:"instances"`

	// Server is the proxy executable, filled in from the matching switch.
	Server string `yaml:"server,omitempty" json:"server,omitempty" msgpack:"server"`
}

// Switch maps a resource key to the proxy executable serving it.
type Switch struct {
	Key    string `yaml:"key" json:"key"`
	Server string `yaml:"server" json:"server"`
}

// Config is a complete resource configuration.
type Config struct {
	Resources []Resource `yaml:"resources" json:"resources"`
	Switches  []Switch   `yaml:"switches,omitempty" json:"switches,omitempty"`
}

// ErrUnknownFormat is returned for files whose extension is not recognised.
var ErrUnknownFormat = errors.New("unknown configuration format")

// FormatOf derives the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
}

// Load reads, parses and validates the file at path.
func Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in the given format, normalizes and validates it.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatCUE:
		v := cuecontext.New().CompileBytes(data)
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("compile cue: %w", err)
		}
		if err := v.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode cue: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize canonicalizes keys and names (NFC, trimmed), defaults names to
// keys and resolves each resource's server from the switches.
func (c *Config) normalize() {
	servers := make(map[string]string, len(c.Switches))
	for i := range c.Switches {
		c.Switches[i].Key = NormalizeKey(c.Switches[i].Key)
		servers[c.Switches[i].Key] = strings.TrimSpace(c.Switches[i].Server)
	}
	for i := range c.Resources {
		r := &c.Resources[i]
		r.Key = NormalizeKey(r.Key)
		r.Name = NormalizeKey(r.Name)
		if r.Name == "" {
			r.Name = r.Key
		}
		if r.Server == "" {
			r.Server = servers[r.Key]
		}
	}
}

// Validate checks the configuration for errors an operator must fix.
func (c *Config) Validate() error {
	var errs []error
	names := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		if r.Key == "" {
			errs = append(errs, fmt.Errorf("resources[%d]: key is required", i))
		}
		if r.Instances < 0 {
			errs = append(errs, fmt.Errorf("resources[%d]: instances must not be negative, got %d", i, r.Instances))
		}
		if r.Name != "" && names[r.Name] {
			errs = append(errs, fmt.Errorf("resources[%d]: duplicate name %q", i, r.Name))
		}
		names[r.Name] = true
	}
	return errors.Join(errs...)
}

// NormalizeKey returns the canonical form of a resource key or name.
func NormalizeKey(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Resource returns the resource with the given name.
func (c *Config) Resource(name string) (Resource, bool) {
	name = NormalizeKey(name)
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}
