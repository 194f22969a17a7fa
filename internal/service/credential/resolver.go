// Package credential resolves tool invocations to configured connector
// secrets with agent-override → account fallback semantics.
package credential

import (
	"context"
	"fmt"
	"sync"

	"github.com/cipher982/zerg/internal/crypto"
	"github.com/cipher982/zerg/internal/service"
)

// ConnectorStatus is the per-connector state reported in the runner's
// context injection.
type ConnectorStatus string

const (
	StatusConnected          ConnectorStatus = "connected"
	StatusNotConfigured      ConnectorStatus = "not_configured"
	StatusInvalidCredentials ConnectorStatus = "invalid_credentials"
	StatusRateLimited        ConnectorStatus = "rate_limited"
	StatusDisabledByAdmin    ConnectorStatus = "disabled_by_admin"
)

// KnownConnectorTypes lists every connector type surfaced in the
// connector_status context injection.
var KnownConnectorTypes = []string{
	"slack_webhook",
	"http",
	"email_smtp",
	"gmail",
}

// Resolver is bound to one in-flight request: one (agent, owner) pair.
// Lookups are cached for the resolver's lifetime, so credential table
// mutations are not observed mid-request. Not safe for sharing across
// requests.
type Resolver struct {
	agentID string
	ownerID string

	store  service.CredentialStorer
	cipher *crypto.Cipher
	limits *RateLimitTracker

	mu    sync.Mutex
	cache map[string]*entry
}

type entry struct {
	sealed    string
	plaintext string
	opened    bool
	found     bool
	disabled  bool
	status    service.TestStatus
}

// New builds a resolver for one request. agentID may be empty for
// owner-level invocations (no override lookup); limits may be nil when
// no rate-limit tracking is wired (tests).
func New(store service.CredentialStorer, agentID, ownerID string, cipher *crypto.Cipher, limits *RateLimitTracker) *Resolver {
	if cipher == nil {
		cipher = crypto.Disabled()
	}

	return &Resolver{
		agentID: agentID,
		ownerID: ownerID,
		store:   store,
		cipher:  cipher,
		limits:  limits,
		cache:   make(map[string]*entry),
	}
}

// Get resolves the secret for a connector type: agent override first,
// account credential second, empty string when neither exists or the
// connector is disabled by an admin. The value is opened on first
// access and cached.
func (r *Resolver) Get(ctx context.Context, connectorType string) (string, bool, error) {
	e, err := r.lookup(ctx, connectorType, true)
	if err != nil {
		return "", false, err
	}
	if e.disabled {
		return "", false, nil
	}

	return e.plaintext, e.found, nil
}

// Has reports whether a usable credential exists for the connector type
// without opening anything.
func (r *Resolver) Has(ctx context.Context, connectorType string) (bool, error) {
	e, err := r.lookup(ctx, connectorType, false)
	if err != nil {
		return false, err
	}

	return e.found && !e.disabled, nil
}

// Status classifies the connector for the context injection, most
// severe first: admin disable, then an active rate-limit window, then a
// failed connectivity test. No decryption happens here.
func (r *Resolver) Status(ctx context.Context, connectorType string) (ConnectorStatus, error) {
	e, err := r.lookup(ctx, connectorType, false)
	if err != nil {
		return StatusNotConfigured, err
	}

	switch {
	case e.disabled:
		return StatusDisabledByAdmin, nil
	case !e.found:
		return StatusNotConfigured, nil
	case r.limits.Limited(connectorType):
		return StatusRateLimited, nil
	case e.status == service.TestFailed:
		return StatusInvalidCredentials, nil
	}

	return StatusConnected, nil
}

// StatusMap returns the status of every known connector type.
func (r *Resolver) StatusMap(ctx context.Context) (map[string]ConnectorStatus, error) {
	out := make(map[string]ConnectorStatus, len(KnownConnectorTypes))
	for _, typ := range KnownConnectorTypes {
		st, err := r.Status(ctx, typ)
		if err != nil {
			return nil, err
		}
		out[typ] = st
	}

	return out, nil
}

func (r *Resolver) lookup(ctx context.Context, connectorType string, open bool) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.cache[connectorType]
	if !ok {
		e = &entry{}

		// The account row is always consulted: it is the fallback value
		// and the carrier of the admin disable flag, which applies even
		// when an agent override exists.
		account, err := r.store.GetAccountCredential(ctx, r.ownerID, connectorType)
		if err != nil {
			return nil, fmt.Errorf("lookup account credential %q: %w", connectorType, err)
		}
		if account != nil {
			e.sealed = account.Value
			e.found = true
			e.disabled = account.Disabled
			e.status = account.TestStatus
		}

		if r.agentID != "" {
			override, err := r.store.GetAgentCredential(ctx, r.agentID, connectorType)
			if err != nil {
				return nil, fmt.Errorf("lookup agent credential %q: %w", connectorType, err)
			}
			if override != nil {
				e.sealed = override.Value
				e.found = true
				e.status = override.TestStatus
			}
		}

		r.cache[connectorType] = e
	}

	if open && e.found && !e.disabled && !e.opened {
		plain, err := r.cipher.Open(e.sealed)
		if err != nil {
			return nil, fmt.Errorf("open credential %q: %w", connectorType, err)
		}
		e.plaintext = plain
		e.opened = true
	}

	return e, nil
}
