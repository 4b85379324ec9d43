// Package config loads opal's runtime configuration the way the
// teacher's registry service does: small os.Getenv-backed helpers
// (envOr/envIntOr/envDurationOr, ported from registry/cmd/registry/main.go)
// for deployment-specific values and secrets, layered on top of a static
// YAML roster file for the structural configuration that's awkward to
// express as individual env vars — which models exist, which MCP servers
// to connect to, sub-agent recursion limits. Neither source alone fits
// both kinds of value; the roster is checked into the deployment, the
// env vars are not.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opal-run/opal/agent"
)

// ModelConfig describes one entry in the roster's model list.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"`
	ID            string `yaml:"id"`
	ThinkingLevel string `yaml:"thinking_level"`
	MaxTokens     int    `yaml:"max_tokens"`
	ContextWindow int    `yaml:"context_window"`
}

// MCPServerConfig describes one MCP server the supervisor should connect
// to at session start.
type MCPServerConfig struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
}

// Roster is the static, checked-in structural configuration: the model
// catalog, the MCP server list, and the sub-agent recursion bound. It is
// loaded from YAML because none of it is deployment-specific or secret —
// it's the shape of the fleet, not how to reach it.
type Roster struct {
	Models           []ModelConfig     `yaml:"models"`
	MCPServers       []MCPServerConfig `yaml:"mcp_servers"`
	MaxSubAgentDepth int               `yaml:"max_sub_agent_depth"`
	DefaultModel     string            `yaml:"default_model"`
}

// LoadRoster reads and parses a roster YAML file. A missing file is not
// an error: it returns an empty Roster so a deployment that configures
// everything via environment variables and flags doesn't need one.
func LoadRoster(path string) (Roster, error) {
	if path == "" {
		return Roster{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Roster{}, nil
		}
		return Roster{}, fmt.Errorf("config: reading roster %s: %w", path, err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Roster{}, fmt.Errorf("config: parsing roster %s: %w", path, err)
	}
	return r, nil
}

// Model looks up a named entry in the roster and converts it to an
// agent.Model. name == "" resolves to the roster's DefaultModel.
func (r Roster) Model(name string) (agent.Model, error) {
	if name == "" {
		name = r.DefaultModel
	}
	for _, m := range r.Models {
		if m.Name == name {
			return agent.Model{
				Provider:      m.Provider,
				ID:            m.ID,
				ThinkingLevel: agent.ThinkingLevel(m.ThinkingLevel),
				MaxTokens:     m.MaxTokens,
				ContextWindow: m.ContextWindow,
			}, nil
		}
	}
	return agent.Model{}, fmt.Errorf("config: no model named %q in roster", name)
}

// Runtime holds the deployment-specific and secret values opal reads from
// the environment, in the teacher's envOr idiom: no config struct
// decoding library, just typed accessors with defaults.
type Runtime struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	AWSRegion       string

	RosterPath       string
	SessionStorePath string
	MaxSubAgentDepth int
	ChildTimeout     time.Duration
	LogJSON          bool
	LogDebug         bool
}

// LoadRuntime reads Runtime from the process environment. Every field has
// a workable default so opal starts with no environment configured
// beyond the API key its selected provider requires.
func LoadRuntime() Runtime {
	return Runtime{
		AnthropicAPIKey:  envOr("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:     envOr("OPENAI_API_KEY", ""),
		AWSRegion:        envOr("AWS_REGION", "us-east-1"),
		RosterPath:       envOr("OPAL_ROSTER", "opal.yaml"),
		SessionStorePath: envOr("OPAL_SESSION_STORE", ""),
		MaxSubAgentDepth: envIntOr("OPAL_MAX_SUBAGENT_DEPTH", 0),
		ChildTimeout:     envDurationOr("OPAL_CHILD_TIMEOUT", 0),
		LogJSON:          envOr("OPAL_LOG_FORMAT", "") == "json",
		LogDebug:         envOr("OPAL_DEBUG", "") != "",
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
