// Package config defines the configuration schema for tidewatch.
//
// JSON keys use camelCase; the same schema loads from YAML files via the
// yaml struct tags.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// SubagentDefaults configures spawned subagent runs.
type SubagentDefaults struct {
	Model               string `json:"model,omitempty" yaml:"model,omitempty"`
	RunTimeoutSeconds   int    `json:"runTimeoutSeconds" yaml:"runTimeoutSeconds"`
	ArchiveAfterMinutes int    `json:"archiveAfterMinutes" yaml:"archiveAfterMinutes"`
	MaxConcurrent       int    `json:"maxConcurrent" yaml:"maxConcurrent"`
}

func defaultSubagentDefaults() SubagentDefaults {
	return SubagentDefaults{
		RunTimeoutSeconds:   600,
		ArchiveAfterMinutes: 60,
		MaxConcurrent:       8,
	}
}

// AgentDefaults holds default values for agent behaviour.
type AgentDefaults struct {
	Workspace         string           `json:"workspace" yaml:"workspace"`
	Model             string           `json:"model" yaml:"model"`
	RunTimeoutSeconds int              `json:"runTimeoutSeconds" yaml:"runTimeoutSeconds"`
	Subagents         SubagentDefaults `json:"subagents" yaml:"subagents"`
}

func defaultAgentDefaults() AgentDefaults {
	return AgentDefaults{
		Workspace: "~/.tidewatch/workspace",
		Subagents: defaultSubagentDefaults(),
	}
}

// AgentEntry overrides defaults for one named agent.
type AgentEntry struct {
	ID                string `json:"id" yaml:"id"`
	Model             string `json:"model,omitempty" yaml:"model,omitempty"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds,omitempty" yaml:"runTimeoutSeconds,omitempty"`
}

// AgentsConfig wraps agent defaults plus per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults" yaml:"defaults"`
	List     []AgentEntry  `json:"list,omitempty" yaml:"list,omitempty"`
}

func defaultAgentsConfig() AgentsConfig {
	return AgentsConfig{Defaults: defaultAgentDefaults()}
}

// GatewayConfig points at the agent gateway's WebSocket RPC endpoint.
type GatewayConfig struct {
	URL string `json:"url" yaml:"url"`
}

func defaultGatewayConfig() GatewayConfig {
	return GatewayConfig{URL: "ws://localhost:18790/rpc"}
}

// Config is the root configuration document.
type Config struct {
	Agents              AgentsConfig  `json:"agents" yaml:"agents"`
	Gateway             GatewayConfig `json:"gateway" yaml:"gateway"`
	MaintenanceSchedule string        `json:"maintenanceSchedule" yaml:"maintenanceSchedule"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Agents:              defaultAgentsConfig(),
		Gateway:             defaultGatewayConfig(),
		MaintenanceSchedule: "@every 1m",
	}
}

// ArchiveGraceMinutes returns how long an ephemeral run's session lingers
// before the sweep reclaims it.
func (c *Config) ArchiveGraceMinutes() int {
	if c.Agents.Defaults.Subagents.ArchiveAfterMinutes > 0 {
		return c.Agents.Defaults.Subagents.ArchiveAfterMinutes
	}
	return defaultSubagentDefaults().ArchiveAfterMinutes
}

// RunTimeoutSeconds resolves the bounded wait timeout for an agent: per-agent
// override, then the subagent default, then the agent default.
func (c *Config) RunTimeoutSeconds(agentID string) int {
	if agentID != "" {
		for _, a := range c.Agents.List {
			if a.ID == agentID && a.RunTimeoutSeconds > 0 {
				return a.RunTimeoutSeconds
			}
		}
	}
	if c.Agents.Defaults.Subagents.RunTimeoutSeconds > 0 {
		return c.Agents.Defaults.Subagents.RunTimeoutSeconds
	}
	return c.Agents.Defaults.RunTimeoutSeconds
}

// WorkspacePath expands the configured workspace directory, resolving a
// leading "~" against the user's home directory.
func (c *Config) WorkspacePath() string {
	ws := c.Agents.Defaults.Workspace
	if ws == "" {
		ws = defaultAgentDefaults().Workspace
	}
	if strings.HasPrefix(ws, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			ws = filepath.Join(home, strings.TrimPrefix(ws, "~"))
		}
	}
	return ws
}

// SubagentModel resolves the model a spawned run uses when the spawn request
// names none.
func (c *Config) SubagentModel() string {
	if c.Agents.Defaults.Subagents.Model != "" {
		return c.Agents.Defaults.Subagents.Model
	}
	return c.Agents.Defaults.Model
}
