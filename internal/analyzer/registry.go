package analyzer

import (
	"fmt"
	"os"
	"sort"
)

// Provider kinds accepted in ProviderConfig.Type.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// ProviderConfig configures one AI provider adapter.
type ProviderConfig struct {
	Type      string  `mapstructure:"type" yaml:"type"`
	Model     string  `mapstructure:"model" yaml:"model"`
	APIKey    string  `mapstructure:"api_key" yaml:"api_key"`
	APIKeyEnv string  `mapstructure:"api_key_env" yaml:"api_key_env"`
	BaseURL   string  `mapstructure:"base_url" yaml:"base_url"`
	MaxTokens int64   `mapstructure:"max_tokens" yaml:"max_tokens"`
	Pricing   Pricing `mapstructure:"pricing" yaml:"pricing"`
}

// ToolConfig configures one static tool adapter.
type ToolConfig struct {
	Command     string   `mapstructure:"command" yaml:"command"`
	Args        []string `mapstructure:"args" yaml:"args"`
	Format      string   `mapstructure:"format" yaml:"format"`
	OKExitCodes []int    `mapstructure:"ok_exit_codes" yaml:"ok_exit_codes"`
}

// Config is the analyzers section of the daemon configuration.
type Config struct {
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
	Tools     map[string]ToolConfig     `mapstructure:"tools" yaml:"tools"`
}

// Registry resolves analyzer identifiers named in repository plans.
type Registry struct {
	tools     map[string]StaticAnalyzer
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]StaticAnalyzer),
		providers: make(map[string]Provider),
	}
}

// Build creates adapters for every configured provider and tool.
func Build(cfg Config) (*Registry, error) {
	r := NewRegistry()
	for id, pc := range cfg.Providers {
		if pc.APIKey == "" && pc.APIKeyEnv != "" {
			pc.APIKey = os.Getenv(pc.APIKeyEnv)
		}
		switch pc.Type {
		case ProviderAnthropic, "":
			r.AddProvider(NewAnthropicProvider(id, pc))
		case ProviderOpenAI:
			r.AddProvider(NewOpenAIProvider(id, pc))
		default:
			return nil, fmt.Errorf("provider %s: unknown type %q", id, pc.Type)
		}
	}
	for id, tc := range cfg.Tools {
		r.AddTool(NewCommandTool(id, tc))
	}
	return r, nil
}

func (r *Registry) AddTool(t StaticAnalyzer) { r.tools[t.ID()] = t }

func (r *Registry) AddProvider(p Provider) { r.providers[p.ID()] = p }

// Tool returns the static tool registered under id.
func (r *Registry) Tool(id string) (StaticAnalyzer, bool) {
	t, ok := r.tools[id]
	return t, ok
}

// Provider returns the AI provider registered under id.
func (r *Registry) Provider(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// IDs lists registered tools and providers, sorted.
func (r *Registry) IDs() (tools []string, providers []string) {
	for id := range r.tools {
		tools = append(tools, id)
	}
	for id := range r.providers {
		providers = append(providers, id)
	}
	sort.Strings(tools)
	sort.Strings(providers)
	return tools, providers
}
