// Package server exposes the HTTP API and the topic WebSocket gateway.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/config"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/credential"
	"github.com/cipher982/zerg/internal/service/gmail"
	"github.com/cipher982/zerg/internal/service/scheduler"
	"github.com/cipher982/zerg/internal/service/tool"
	"github.com/cipher982/zerg/internal/service/workflow"
	"github.com/cipher982/zerg/internal/store"
)

// ProviderInfo holds a provider instance along with its metadata.
type ProviderInfo struct {
	provider     service.LLMProvider
	providerType string
	defaultModel string
	models       []string
}

// NewProviderInfo creates a ProviderInfo from a provider and its config.
func NewProviderInfo(provider service.LLMProvider, cfg config.LLMConfig) ProviderInfo {
	return ProviderInfo{
		provider:     provider,
		providerType: cfg.Type,
		defaultModel: cfg.Model,
		models:       cfg.Models,
	}
}

type Server struct {
	config config.Server
	auth   config.Auth

	server *ada.Server

	store     store.Storer
	scheduler *scheduler.Scheduler
	registry  *tool.Registry
	events    *bus.Bus
	ingestor  *gmail.Ingestor
	quotaCfg  config.Quota

	pubsubAudience string

	// newResolver builds request-scoped credential resolvers.
	newResolver func(agentID, ownerID string) *credential.Resolver

	// Provider registry for model routing (protected by providerMu).
	providers  map[string]ProviderInfo
	providerMu sync.RWMutex

	// activeRuns tracks in-flight runs for listing and cancellation.
	activeRuns sync.Map // run id → *activeRun

	// topics fans bus events out to subscribed WebSocket clients.
	topics *topicRouter
}

// New wires the HTTP server and its routes.
func New(ctx context.Context, cfg config.Server, authCfg config.Auth, quotaCfg config.Quota, pubsubAudience string, providers map[string]ProviderInfo, st store.Storer, sched *scheduler.Scheduler, registry *tool.Registry, events *bus.Bus, ingestor *gmail.Ingestor, resolvers func(agentID, ownerID string) *credential.Resolver) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:         cfg,
		auth:           authCfg,
		server:         mux,
		store:          st,
		scheduler:      sched,
		registry:       registry,
		events:         events,
		ingestor:       ingestor,
		quotaCfg:       quotaCfg,
		pubsubAudience: pubsubAudience,
		providers:      providers,
		newResolver:    resolvers,
	}

	s.topics = newTopicRouter(events)
	s.topics.Start(ctx)

	sched.SetRunRegistrar(s.trackRun)

	baseGroup := mux.Group(cfg.BasePath)

	// Ingress endpoints authenticate themselves (HMAC / OIDC), not via JWT.
	baseGroup.POST("/triggers/{id}/events", s.WebhookEventAPI)
	baseGroup.POST("/email/webhook/google/pubsub", s.PubSubAPI)

	// Prometheus exposition.
	baseGroup.Handle("/metrics", s.metricsHandler())

	// WebSocket upgrade; token checked before accept.
	baseGroup.GET("/ws", s.handleWebSocket)

	apiGroup := mux.Group(cfg.BasePath)
	apiGroup.Use(s.jwtMiddleware())

	apiGroup.GET("/agents", s.ListAgentsAPI)
	apiGroup.POST("/agents", s.CreateAgentAPI)
	apiGroup.GET("/agents/{id}", s.GetAgentAPI)
	apiGroup.PUT("/agents/{id}", s.UpdateAgentAPI)
	apiGroup.DELETE("/agents/{id}", s.DeleteAgentAPI)
	apiGroup.POST("/agents/{id}/run", s.RunAgentAPI)

	apiGroup.GET("/threads", s.ListThreadsAPI)
	apiGroup.POST("/threads", s.CreateThreadAPI)
	apiGroup.GET("/threads/{id}/messages", s.ListMessagesAPI)
	apiGroup.POST("/threads/{id}/messages", s.PostMessageAPI)
	apiGroup.POST("/threads/{id}/run", s.RunThreadAPI)
	apiGroup.POST("/threads/{id}/resume", s.ResumeThreadAPI)

	apiGroup.GET("/runs", s.ListRunsAPI)
	apiGroup.POST("/runs/{id}/cancel", s.CancelRunAPI)

	apiGroup.GET("/triggers", s.ListTriggersAPI)
	apiGroup.POST("/triggers", s.CreateTriggerAPI)
	apiGroup.DELETE("/triggers/{id}", s.DeleteTriggerAPI)

	apiGroup.GET("/account/connectors", s.ListConnectorsAPI)
	apiGroup.POST("/account/connectors", s.UpsertConnectorAPI)
	apiGroup.DELETE("/account/connectors/{type}", s.DeleteConnectorAPI)
	apiGroup.POST("/account/connectors/{type}/test", s.TestConnectorAPI)
	apiGroup.POST("/account/connectors/{type}/disabled", s.SetConnectorDisabledAPI)

	apiGroup.GET("/workflows", s.ListWorkflowsAPI)
	apiGroup.POST("/workflows", s.CreateWorkflowAPI)
	apiGroup.GET("/workflows/{id}", s.GetWorkflowAPI)
	apiGroup.PUT("/workflows/{id}", s.UpdateWorkflowAPI)
	apiGroup.DELETE("/workflows/{id}", s.DeleteWorkflowAPI)
	apiGroup.POST("/workflows/{id}/execute", s.ExecuteWorkflowAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// LookupProvider routes a model identifier to a configured provider:
// exact match on a provider's default model or models list, otherwise
// the provider named "default".
func (s *Server) LookupProvider(model string) (service.LLMProvider, error) {
	s.providerMu.RLock()
	defer s.providerMu.RUnlock()

	for _, info := range s.providers {
		if info.defaultModel == model {
			return info.provider, nil
		}
		for _, m := range info.models {
			if m == model {
				return info.provider, nil
			}
		}
	}

	if info, ok := s.providers["default"]; ok {
		return info.provider, nil
	}

	return nil, fmt.Errorf("no provider serves model %q", model)
}

// ValidateWorkflowGraph is the save-time graph check.
func ValidateWorkflowGraph(graph service.WorkflowGraph) error {
	return workflow.ValidateStrict(graph)
}
