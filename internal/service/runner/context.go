package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cipher982/zerg/internal/service/credential"
)

// connectorProtocol is the static block appended to every agent's system
// instructions. It teaches the model how to present capabilities, handle
// tool error envelopes, and reason about time.
const connectorProtocol = `

## Connector protocol

- Present your capabilities in terms of the connectors listed in the
  connector_status context. Never claim access to a connector whose
  status is not "connected".
- Tool results arrive as JSON envelopes. A result with "ok": false
  describes a failure: relay "user_message" to the user, and when a
  "setup_url" is present, point the user there instead of retrying.
- A failure with error_type "rate_limited" may succeed later; prefer
  waiting over hammering the connector.
- The context block carries current_time in UTC. Use it for any
  temporal reasoning; messages are prefixed with their send time.`

// contextInjection is the ephemeral per-turn block. It is presented to
// the model just before the latest user message and never persisted.
type contextInjection struct {
	CurrentTime     string                                  `json:"current_time"`
	ConnectorStatus map[string]credential.ConnectorStatus `json:"connector_status"`
	CapturedAt      string                                  `json:"captured_at"`
}

// buildContextInjection renders the ephemeral context system message.
func buildContextInjection(ctx context.Context, resolver *credential.Resolver, now time.Time) (string, error) {
	statuses, err := resolver.StatusMap(ctx)
	if err != nil {
		return "", fmt.Errorf("collect connector status: %w", err)
	}

	inj := contextInjection{
		CurrentTime:     now.UTC().Format(time.RFC3339),
		ConnectorStatus: statuses,
		CapturedAt:      now.UTC().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(inj, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal context injection: %w", err)
	}

	return "## Context\n\n```json\n" + string(data) + "\n```", nil
}
