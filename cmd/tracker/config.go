package main

import (
	"errors"
	"io/ioutil"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/torrust/tracker-core/storage/memory"
	"github.com/torrust/tracker-core/storage/persistence/redis"
	"github.com/torrust/tracker-core/storage/persistence/sql"
	"github.com/torrust/tracker-core/tracker"
)

// PersistenceConfig selects and configures one of the two Persistence
// Port adapters this host wires up.
type PersistenceConfig struct {
	// Driver is "sql" (the default) or "redis"; "postgres" is also
	// accepted and opens the sql adapter with the postgres driver.
	Driver string       `yaml:"driver"`
	Sql    sql.Config   `yaml:"sql"`
	Redis  redis.Config `yaml:"redis"`
}

// ConfigFile is the YAML envelope this demo host parses, grounded on
// cmd/trakr/main.go's ConfigFile wrapper struct.
type ConfigFile struct {
	Tracker struct {
		PrometheusAddr  string            `yaml:"prometheus_addr"`
		CleanupInterval time.Duration     `yaml:"cleanup_interval"`
		Core            tracker.Config    `yaml:"core"`
		PeerStore       memory.Config     `yaml:"peer_store"`
		Persistence     PersistenceConfig `yaml:"persistence"`
	} `yaml:"tracker"`
}

const defaultCleanupInterval = time.Minute

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file. It supports relative and absolute paths and
// environment variables, the way cmd/trakr/main.go's ParseConfigFile
// does.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	if err := yaml.Unmarshal(contents, &cfgFile); err != nil {
		return nil, err
	}

	if cfgFile.Tracker.CleanupInterval <= 0 {
		cfgFile.Tracker.CleanupInterval = defaultCleanupInterval
	}

	return &cfgFile, nil
}
