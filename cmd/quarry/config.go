package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quarrylabs/quarry/pkg/quota"
)

// ServerConfig is the on-disk configuration for a quarry node
type ServerConfig struct {
	Node struct {
		ID       string `yaml:"id"`
		DataDir  string `yaml:"data_dir"`
		Cluster  bool   `yaml:"cluster"`
		BindAddr string `yaml:"bind_addr"`
		// JoinAddr is the API address of an existing cluster member.
		// Empty means bootstrap a new cluster.
		JoinAddr string `yaml:"join_addr,omitempty"`
	} `yaml:"node"`

	API struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"api"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Storage struct {
		// BasePath is where the local driver keeps backing files
		BasePath string `yaml:"base_path"`
	} `yaml:"storage"`

	Host struct {
		// Name registers this node as a storage host on startup.
		// Empty means the node is control-plane only.
		Name             string `yaml:"name,omitempty"`
		AvailabilityZone string `yaml:"availability_zone,omitempty"`
		CapacityGB       int    `yaml:"capacity_gb,omitempty"`
	} `yaml:"host"`

	Scheduler struct {
		DefaultZone string `yaml:"default_zone"`
		CloneSameAZ bool   `yaml:"clone_same_az"`
	} `yaml:"scheduler"`

	Quotas map[string]int `yaml:"quotas,omitempty"`

	Images struct {
		Endpoints      []string `yaml:"endpoints,omitempty"`
		Retries        int      `yaml:"retries"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
	} `yaml:"images"`

	Reconciler struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"reconciler"`
}

// DefaultServerConfig returns a single-node configuration suitable for
// local development
func DefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{}
	cfg.Node.ID = "quarry-1"
	cfg.Node.DataDir = "./quarry-data"
	cfg.Node.BindAddr = "127.0.0.1:7946"
	cfg.API.ListenAddr = "127.0.0.1:8776"
	cfg.Log.Level = "info"
	cfg.Storage.BasePath = "./quarry-data/volumes"
	cfg.Host.Name = "quarry-1"
	cfg.Host.AvailabilityZone = "nova"
	cfg.Host.CapacityGB = 1000
	cfg.Scheduler.DefaultZone = "nova"
	cfg.Images.Retries = 3
	cfg.Images.TimeoutSeconds = 30
	cfg.Reconciler.IntervalSeconds = 10
	return cfg
}

// LoadServerConfig reads a YAML configuration file, applying defaults for
// anything the file leaves unset
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	if cfg.Node.ID == "" {
		return nil, fmt.Errorf("node.id must not be empty")
	}
	if cfg.Node.Cluster && cfg.Node.BindAddr == "" {
		return nil, fmt.Errorf("node.bind_addr is required in cluster mode")
	}
	return cfg, nil
}

// QuotaLimits converts the configured quota section into ledger limits.
// An empty section falls back to the ledger's defaults.
func (c *ServerConfig) QuotaLimits() quota.Limits {
	if len(c.Quotas) == 0 {
		return nil
	}
	return quota.Limits(c.Quotas)
}

// ReconcilerInterval returns the sweep interval with the default applied
func (c *ServerConfig) ReconcilerInterval() time.Duration {
	if c.Reconciler.IntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Reconciler.IntervalSeconds) * time.Second
}
