package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/playit-oss/tunnelagent/internal/agent"
	"github.com/playit-oss/tunnelagent/internal/control"
	"github.com/playit-oss/tunnelagent/internal/core"
)

// fileConfig is the on-disk shape of the agent's config file (spec.md §6
// "Configuration surface"), grounded on the teacher's ConfigManager.Load:
// a single yaml.Unmarshal into a plain struct, no partial-reload diffing.
// Unlike the teacher, this agent re-reads the file only at startup — there
// is no hot-reload subsystem to wire it into here.
type fileConfig struct {
	AccountID    uint64 `yaml:"account_id"`
	AgentID      uint64 `yaml:"agent_id"`
	AgentVersion uint64 `yaml:"agent_version"`

	APIURL    string `yaml:"api_url"`
	SecretKey string `yaml:"secret_key"`

	Log core.LogConfig `yaml:"log"`

	TCP agent.TCPSettings `yaml:"tcp_settings"`
	UDP agent.UDPSettings `yaml:"udp_settings"`
}

// loadConfig reads and parses path, failing if it is missing or malformed.
// Unlike the teacher's ConfigManager, this agent does not synthesize and
// write back a default file — account_id/agent_id/secret_key have no
// sensible default, so a missing file is always an operator error.
func loadConfig(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.AccountID == 0 {
		return fileConfig{}, fmt.Errorf("config %s: account_id is required", path)
	}
	if cfg.APIURL == "" {
		return fileConfig{}, fmt.Errorf("config %s: api_url is required", path)
	}
	if cfg.SecretKey == "" {
		return fileConfig{}, fmt.Errorf("config %s: secret_key is required", path)
	}
	return cfg, nil
}

// agentConfig translates the on-disk shape into the orchestrator's Config.
func (c fileConfig) agentConfig() agent.Config {
	return agent.Config{
		Control: control.Config{
			AccountID:    c.AccountID,
			AgentID:      c.AgentID,
			AgentVersion: c.AgentVersion,
		},
		TCP: c.TCP,
		UDP: c.UDP,
	}
}
