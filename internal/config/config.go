// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"lumehub/internal/device"
	"lumehub/internal/group"
	"lumehub/internal/rule"
	"lumehub/internal/scene"
)

// Integration selects a plugin and carries its opaque settings; the plugin
// decodes Settings itself.
type Integration struct {
	Plugin   string    `yaml:"plugin"`
	Settings yaml.Node `yaml:"settings"`
}

type Web struct {
	Listen         string   `yaml:"listen"`
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Store struct {
	Path string `yaml:"path"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Web          Web                                  `yaml:"web"`
	Store        Store                                `yaml:"store"`
	Log          Log                                  `yaml:"log"`
	Integrations map[device.IntegrationID]Integration `yaml:"integrations"`
	Groups       map[device.GroupID]group.Config      `yaml:"groups"`
	Scenes       map[device.SceneID]scene.Config      `yaml:"scenes"`
	Routines     map[string]rule.RoutineConfig        `yaml:"routines"`
}

// Load reads, parses and defaults the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Path == "" {
		c.Store.Path = "lumehub.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	for id, ic := range c.Integrations {
		if ic.Plugin == "" {
			return fmt.Errorf("integration %q: plugin is required", id)
		}
	}
	for id, r := range c.Routines {
		if r.When == "" {
			return fmt.Errorf("routine %q: when is required", id)
		}
		if len(r.Actions) == 0 {
			return fmt.Errorf("routine %q: at least one action is required", id)
		}
	}
	for id, g := range c.Groups {
		if len(g.Devices) == 0 {
			return fmt.Errorf("group %q: at least one device is required", id)
		}
	}
	return nil
}
