package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Providers is a map of named LLM provider configurations.
	// Each provider has a type ("openai" or "anthropic"), along with
	// api_key, base_url, model, and extra_headers fields. The "openai"
	// type works with any OpenAI-compatible API.
	Providers map[string]LLMConfig `cfg:"providers"`

	Auth  Auth  `cfg:"auth"`
	Quota Quota `cfg:"quota"`
	LLM   LLM   `cfg:"llm"`
	Gmail Gmail `cfg:"gmail"`
	Tools Tools `cfg:"tools"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// PublicURL is the externally reachable base URL of this deployment.
	// Used to build webhook and OAuth callback URLs shown to users.
	PublicURL string `cfg:"public_url"`

	// AllowedCORSOrigins restricts browser origins for the HTTP API and
	// the WebSocket endpoint. Empty means same-origin only.
	AllowedCORSOrigins []string `cfg:"allowed_cors_origins"`
}

type Auth struct {
	// JWTSecret signs and verifies API and WebSocket bearer tokens (HS256).
	JWTSecret string `cfg:"jwt_secret" log:"-"`

	// Disabled turns off authentication entirely. Development only: every
	// request is attributed to the "dev" owner with the admin role.
	Disabled bool `cfg:"disabled"`
}

// Quota holds the per-owner and global run caps enforced by the scheduler.
// Zero values disable the corresponding gate. Admins bypass all of them.
type Quota struct {
	DailyRunsPerUser      int `cfg:"daily_runs_per_user"`
	DailyCostPerUserCents int `cfg:"daily_cost_per_user_cents"`
	DailyCostGlobalCents  int `cfg:"daily_cost_global_cents"`

	// AllowedModelsNonAdmin restricts which model identifiers non-admin
	// owners may assign to their agents. Empty means no restriction.
	AllowedModelsNonAdmin []string `cfg:"allowed_models_non_admin"`
}

type LLM struct {
	// MaxOutputTokens caps completion length on every provider call.
	MaxOutputTokens int `cfg:"max_output_tokens" default:"4096"`

	// TokenStream enables per-token streaming onto thread topics.
	TokenStream bool `cfg:"token_stream" default:"true"`

	// PricingCatalogPath points at the JSON pricing catalog. Models missing
	// from the catalog run with a null cost.
	PricingCatalogPath string `cfg:"pricing_catalog_path"`
}

type Gmail struct {
	ClientID     string `cfg:"client_id"`
	ClientSecret string `cfg:"client_secret" log:"-"`

	// PubSubAudience is the expected audience of the OIDC token on
	// Pub/Sub push requests.
	PubSubAudience string `cfg:"pubsub_audience"`

	// PubSubTopic is the fully qualified topic name passed to users.watch.
	PubSubTopic string `cfg:"pubsub_topic"`
}

type Tools struct {
	// MCPServers lists MCP server URLs whose tools are discovered at
	// startup and registered under the mcp_{server}_{tool} namespace.
	MCPServers map[string]string `cfg:"mcp_servers"`

	// Timeout is the default per-tool invocation timeout.
	Timeout time.Duration `cfg:"timeout" default:"30s"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for credential
	// values stored in the database. The key can be any non-empty string;
	// it is hashed to 32 bytes internally. When empty, no encryption is
	// applied.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// LLMConfig describes a single LLM provider configuration.
type LLMConfig struct {
	// Type is the provider type: "openai" or "anthropic".
	// The "openai" type works with any OpenAI-compatible API.
	Type string `cfg:"type" json:"type"`

	// APIKey is the authentication key for the provider.
	// Optional for local providers like Ollama.
	APIKey string `cfg:"api_key" json:"api_key" log:"-"`

	// BaseURL is the full endpoint URL for the provider's chat API.
	// For "openai" type, defaults to "https://api.openai.com/v1/chat/completions".
	// For "anthropic" type, defaults to "https://api.anthropic.com".
	BaseURL string `cfg:"base_url" json:"base_url"`

	// Model is the default model identifier (e.g., "gpt-4o-mini").
	Model string `cfg:"model" json:"model"`

	// Models is the list of all models this provider serves. Agents naming
	// a model outside this list are routed to the provider whose list
	// contains it. If empty, only the default Model is matched.
	Models []string `cfg:"models" json:"models"`

	// ExtraHeaders allows setting additional HTTP headers sent with each
	// request.
	ExtraHeaders map[string]string `cfg:"extra_headers" json:"extra_headers"`

	// InsecureSkipVerify disables TLS certificate verification when
	// connecting to the provider.
	InsecureSkipVerify bool `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("ZERG_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
