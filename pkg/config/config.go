/*
 * Copyright 2026 Cord ID Monitor Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the monitor configuration from a JSON file with
// environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/meliorisse/cordwatch/pkg/history"
	"github.com/meliorisse/cordwatch/pkg/logger"
)

// Default locations and knobs.
const (
	DefaultConfigPath = "/etc/cordwatch/cordwatch.json"
	DefaultHistoryDir = "/var/lib/cordwatch/history"

	envHistoryDir = "CORDWATCH_HISTORY_DIR"
	envLogLevel   = "CORDWATCH_LOG_LEVEL"
)

// Config is the top-level monitor configuration.
type Config struct {
	History history.Config `json:"history"`
	Logging *logger.Config `json:"logging,omitempty"`
}

// Load reads the JSON config at path and applies environment overrides. A
// missing file is not an error; defaults apply so the monitor can run
// unconfigured.
func Load(path string) (*Config, error) {
	cfg := &Config{
		History: history.Config{Dir: DefaultHistoryDir},
	}

	data, err := os.ReadFile(path)

	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config '%s': %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config '%s': %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the monitor cannot run with.
func (c *Config) Validate() error {
	if c.History.QueueSize < 0 {
		return fmt.Errorf("history.queue_size must not be negative, got %d", c.History.QueueSize)
	}

	return nil
}

func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv(envHistoryDir); dir != "" {
		cfg.History.Dir = dir
	}

	if level := os.Getenv(envLogLevel); level != "" {
		if cfg.Logging == nil {
			cfg.Logging = logger.DefaultConfig()
		}

		cfg.Logging.Level = level
	}
}
