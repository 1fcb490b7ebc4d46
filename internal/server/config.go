package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type StorageConfig struct {
	Driver   string `yaml:"driver"` // sqlite, mongo or memory
	Path     string `yaml:"path"`
	MongoURI string `yaml:"mongo_uri"`
	MongoDB  string `yaml:"mongo_db"`
}

type TokenConfig struct {
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	Issuer     string        `yaml:"issuer"`
}

// KDFConfig is the Argon2id cost for new vault headers.
type KDFConfig struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Time        uint32 `yaml:"time"`
	Parallelism uint8  `yaml:"parallelism"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Config struct {
	Listen   string        `yaml:"listen"`
	Storage  StorageConfig `yaml:"storage"`
	Tokens   TokenConfig   `yaml:"tokens"`
	KDF      KDFConfig     `yaml:"kdf"`
	Log      LogConfig     `yaml:"log"`
	AuditMax int           `yaml:"audit_max"`
}

func (c *Config) setDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7435"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./vault.db"
	}
	if c.Storage.MongoDB == "" {
		c.Storage.MongoDB = "vaultkeeper"
	}
	if c.Tokens.AccessTTL <= 0 {
		c.Tokens.AccessTTL = 10 * time.Minute
	}
	if c.Tokens.RefreshTTL <= 0 {
		c.Tokens.RefreshTTL = 24 * time.Hour
	}
	if c.Tokens.Issuer == "" {
		c.Tokens.Issuer = "vaultkeeper"
	}
	if c.KDF.MemoryKiB == 0 {
		c.KDF.MemoryKiB = 64 * 1024
	}
	if c.KDF.Time == 0 {
		c.KDF.Time = 3
	}
	if c.KDF.Parallelism == 0 {
		c.KDF.Parallelism = 4
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.AuditMax <= 0 {
		c.AuditMax = 1000
	}
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	var c Config
	c.setDefaults()
	return c
}

// LoadConfig reads a YAML file over the defaults. A missing file is not an
// error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}
