package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/config"
	"github.com/cipher982/zerg/internal/crypto"
	"github.com/cipher982/zerg/internal/server"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/credential"
	"github.com/cipher982/zerg/internal/service/gmail"
	"github.com/cipher982/zerg/internal/service/llm/anthropic"
	"github.com/cipher982/zerg/internal/service/llm/openai"
	"github.com/cipher982/zerg/internal/service/pricing"
	"github.com/cipher982/zerg/internal/service/runner"
	"github.com/cipher982/zerg/internal/service/scheduler"
	"github.com/cipher982/zerg/internal/service/tool"
	"github.com/cipher982/zerg/internal/service/workflow"
	"github.com/cipher982/zerg/internal/store"
)

var (
	name    = "zerg"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Credential encryption.
	cipher := crypto.Disabled()
	if cfg.Store.EncryptionKey != "" {
		cipher, err = crypto.NewCipher(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("build credential cipher: %w", err)
		}
		slog.Info("credential encryption enabled")
	} else {
		slog.Warn("credential encryption disabled (no encryption_key configured)")
	}

	// Persistence.
	st, err := store.New(ctx, cfg.Store, cipher)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	// Event bus.
	events := bus.New()
	defer events.Close()

	// LLM providers.
	providers := make(map[string]server.ProviderInfo, len(cfg.Providers))
	for key, llmCfg := range cfg.Providers {
		provider, err := newProvider(llmCfg, cfg.LLM.MaxOutputTokens)
		if err != nil {
			return fmt.Errorf("create provider %q: %w", key, err)
		}
		providers[key] = server.NewProviderInfo(provider, llmCfg)
		slog.Info("provider configured", "key", key, "type", llmCfg.Type, "model", llmCfg.Model)
	}

	// Pricing catalog.
	catalog := pricing.Empty()
	if cfg.LLM.PricingCatalogPath != "" {
		catalog, err = pricing.Load(cfg.LLM.PricingCatalogPath)
		if err != nil {
			return fmt.Errorf("load pricing catalog: %w", err)
		}
		slog.Info("pricing catalog loaded", "path", cfg.LLM.PricingCatalogPath)
	} else {
		slog.Warn("no pricing catalog configured, run costs stay null")
	}

	// Rate-limit tracking feeds the connector_status context injection.
	rateLimits := credential.NewRateLimitTracker()

	// Tool registry: built-ins plus MCP-discovered tools.
	builder := tool.NewBuilder(cfg.Tools.Timeout)
	builder.SetRateLimitTracker(rateLimits)
	tool.RegisterBuiltins(builder, cfg.Server.PublicURL)
	for serverName, url := range cfg.Tools.MCPServers {
		client, err := tool.DialMCP(ctx, serverName, url)
		if err != nil {
			slog.Error("MCP server unreachable, skipping", "server", serverName, "url", url, "error", err)
			continue
		}
		if err := builder.AddMCP(ctx, client); err != nil {
			slog.Error("MCP discovery failed, skipping", "server", serverName, "error", err)
		}
	}
	registry := builder.Build()
	slog.Info("tool registry frozen", "tools", len(registry.Names()))

	// Per-request credential resolvers.
	resolvers := func(agentID, ownerID string) *credential.Resolver {
		return credential.New(st, agentID, ownerID, cipher, rateLimits)
	}

	// Provider lookup is resolved through the server's registry so
	// hot-reloaded providers are picked up; declared here to break the
	// construction cycle.
	var srv *server.Server
	providerLookup := func(model string) (service.LLMProvider, error) {
		return srv.LookupProvider(model)
	}

	// Agent runner.
	agentRunner := runner.New(
		st, st, st,
		registry,
		providerLookup,
		resolvers,
		catalog,
		events,
		cfg.LLM.TokenStream,
	)

	// Workflow engine.
	engine := workflow.NewEngine(st, st, events)

	// Scheduler.
	sched := scheduler.New(scheduler.Stores{
		Owners:      st,
		Agents:      st,
		Threads:     st,
		Runs:        st,
		Triggers:    st,
		Workflows:   st,
		Checkpoints: st,
	}, agentRunner, engine, registry, resolvers, events, cfg.Quota)
	defer sched.Stop()

	// Gmail ingress.
	var ingestor *gmail.Ingestor
	if cfg.Gmail.ClientID != "" {
		gmailClient, err := gmail.NewClient(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret)
		if err != nil {
			return fmt.Errorf("create gmail client: %w", err)
		}
		ingestor = gmail.NewIngestor(gmailClient, st, st, events, cipher, cfg.Gmail.PubSubTopic)
		go ingestor.WatchRenewalLoop(ctx)
		slog.Info("gmail ingress enabled")
	}

	// HTTP server + WebSocket gateway.
	srv, err = server.New(ctx, cfg.Server, cfg.Auth, cfg.Quota, cfg.Gmail.PubSubAudience,
		providers, st, sched, registry, events, ingestor, resolvers)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	return srv.Start(ctx)
}

// newProvider builds an LLM provider from its config entry.
func newProvider(cfg config.LLMConfig, maxTokens int) (service.LLMProvider, error) {
	switch cfg.Type {
	case "anthropic":
		return anthropic.New(cfg.APIKey, cfg.Model, cfg.BaseURL, maxTokens, cfg.InsecureSkipVerify)
	case "openai", "":
		return openai.New(cfg.APIKey, cfg.Model, cfg.BaseURL, maxTokens, cfg.InsecureSkipVerify, cfg.ExtraHeaders)
	}

	return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
}
