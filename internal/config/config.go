// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config reads and writes the user's preferences file. Everything
// in it is optional; a missing file yields the zero Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the flat preferences document stored at
// ~/.config/imagej-updater/config.yaml.
type Config struct {
	// Root is the default install root used when --root isn't given.
	Root string `yaml:"root,omitempty"`

	// AppName overrides the platform-bundle base name ("ImageJ").
	AppName string `yaml:"appName,omitempty"`

	// Proxy, if set, is exported as http_proxy for outbound requests when
	// the environment doesn't already define one.
	Proxy string `yaml:"proxy,omitempty"`
}

// DefaultPath returns the per-user config file location, honoring
// XDG_CONFIG_HOME.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, "imagej-updater", "config.yaml"), nil
}

// Load reads the config at path. A missing file is not an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	return &c, nil
}

// Save writes c to path, creating parent directories as needed.
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %q: %w", path, err)
	}
	return nil
}

// ApplyProxy exports c.Proxy as http_proxy unless the environment already
// sets one, so both the catalog fetch and payload downloads pick it up via
// ProxyFromEnvironment.
func (c *Config) ApplyProxy() {
	if c.Proxy == "" {
		return
	}
	if os.Getenv("http_proxy") == "" && os.Getenv("HTTP_PROXY") == "" {
		os.Setenv("http_proxy", c.Proxy)
	}
}
