// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package config handles configuration loading for the EBICS connection
// manager.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax). This allows sensitive
// values like database credentials to be injected at runtime.
//
// # Example Configuration
//
//	paths:
//	  keysRoot: /var/lib/ebics/keys
//	  filesRoot: /var/lib/ebics/files
//
//	storage:
//	  type: badger
//	  badger:
//	    path: /var/lib/ebics/db
//	  mongodb:
//	    uri: ${MONGODB_URI}
//	    database: ebics
//
//	transport:
//	  timeout: 30s
//
//	import:
//	  dupCheckFormats: [camt, cfonb120]
//	  retryAttempts: 3
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Import    ImportConfig    `yaml:"import"`
}

// PathsConfig holds filesystem locations
type PathsConfig struct {
	// KeysRoot is the directory holding the per-subscriber keyring
	// files. The file of subscriber U lives at <keysRoot>/U_keys.
	KeysRoot string `yaml:"keysRoot"`

	// FilesRoot is where raw downloaded payloads are archived.
	FilesRoot string `yaml:"filesRoot"`
}

// StorageConfig holds storage backend settings
type StorageConfig struct {
	// Type selects the backend: "badger" (embedded) or "mongodb"
	Type    string        `yaml:"type"`
	Badger  BadgerConfig  `yaml:"badger"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// BadgerConfig holds embedded database settings
type BadgerConfig struct {
	Path string `yaml:"path"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// TransportConfig holds HTTPS transport settings
type TransportConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ImportConfig holds statement import settings
type ImportConfig struct {
	// DupCheckFormats lists the source formats subject to post-import
	// duplicate detection. Empty means the built-in default.
	DupCheckFormats []string `yaml:"dupCheckFormats"`

	// RetryAttempts bounds retries of transient transport failures
	// during scheduled imports.
	RetryAttempts int `yaml:"retryAttempts"`

	// RetryBackoff is the initial backoff between retries.
	RetryBackoff time.Duration `yaml:"retryBackoff"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = "badger"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "ebics"
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30 * time.Second
	}
	if c.Import.RetryAttempts == 0 {
		c.Import.RetryAttempts = 3
	}
	if c.Import.RetryBackoff == 0 {
		c.Import.RetryBackoff = 2 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Paths.KeysRoot == "" {
		return fmt.Errorf("paths.keysRoot is required")
	}

	switch c.Storage.Type {
	case "badger":
		if c.Storage.Badger.Path == "" {
			return fmt.Errorf("storage.badger.path is required when type is 'badger'")
		}
	case "mongodb":
		if c.Storage.MongoDB.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
		}
	default:
		return fmt.Errorf("storage.type must be 'badger' or 'mongodb', got '%s'", c.Storage.Type)
	}
	return nil
}
