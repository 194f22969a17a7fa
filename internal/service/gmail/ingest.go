package gmail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rakunlabs/logi"

	"github.com/cipher982/zerg/internal/bus"
	"github.com/cipher982/zerg/internal/crypto"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/service/scheduler"
)

// watchRenewalPeriod is how often expiring watches are re-checked. Gmail
// watches live 7 days; anything expiring within the next day is renewed.
const watchRenewalPeriod = 12 * time.Hour

// maxAttempts bounds the explicit exponential backoff used for
// transient Gmail failures inside the background handler.
const maxAttempts = 3

// Filters are the per-trigger match conditions stored in the trigger
// config.
type Filters struct {
	FromContains    string
	SubjectContains string
	Query           string
	LabelInclude    []string
	LabelExclude    []string
}

// ParseFilters reads filters from a trigger config map.
func ParseFilters(config map[string]any) Filters {
	f := Filters{}
	if config == nil {
		return f
	}

	f.FromContains, _ = config["from_contains"].(string)
	f.SubjectContains, _ = config["subject_contains"].(string)
	f.Query, _ = config["query"].(string)
	f.LabelInclude = stringSlice(config["label_include"])
	f.LabelExclude = stringSlice(config["label_exclude"])

	return f
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Matches evaluates the filters against one message's metadata.
func (f Filters) Matches(meta *MessageMeta) bool {
	if f.FromContains != "" && !containsFold(meta.From, f.FromContains) {
		return false
	}
	if f.SubjectContains != "" && !containsFold(meta.Subject, f.SubjectContains) {
		return false
	}
	if f.Query != "" && !containsFold(meta.Subject, f.Query) && !containsFold(meta.Snippet, f.Query) {
		return false
	}

	labels := make(map[string]bool, len(meta.Labels))
	for _, l := range meta.Labels {
		labels[strings.ToUpper(l)] = true
	}
	for _, include := range f.LabelInclude {
		if !labels[strings.ToUpper(include)] {
			return false
		}
	}
	for _, exclude := range f.LabelExclude {
		if labels[strings.ToUpper(exclude)] {
			return false
		}
	}

	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// Ingestor processes Pub/Sub push notifications: dedupe against the
// connector's last seen notification, then asynchronous history
// processing and trigger fan-out.
type Ingestor struct {
	client     *Client
	connectors service.ConnectorStorer
	triggers   service.TriggerStorer
	events     *bus.Bus
	cipher     *crypto.Cipher
	pubsubTopic string
}

// NewIngestor wires the Gmail ingestion pipeline.
func NewIngestor(client *Client, connectors service.ConnectorStorer, triggers service.TriggerStorer, events *bus.Bus, cipher *crypto.Cipher, pubsubTopic string) *Ingestor {
	if cipher == nil {
		cipher = crypto.Disabled()
	}

	return &Ingestor{
		client:      client,
		connectors:  connectors,
		triggers:    triggers,
		events:      events,
		cipher:      cipher,
		pubsubTopic: pubsubTopic,
	}
}

// HandlePush processes one validated Pub/Sub notification. The dedupe
// cursor (last_msg_no) is persisted before the background handler is
// scheduled: a crash between persist and dispatch drops the event
// instead of double-firing — operators can reset history_id to replay.
// Returns false for a dedupe no-op.
func (i *Ingestor) HandlePush(ctx context.Context, emailAddress string, historyID uint64) (bool, error) {
	connector, err := i.connectors.GetConnectorByEmail(ctx, emailAddress)
	if err != nil {
		return false, fmt.Errorf("lookup connector for %q: %w", emailAddress, err)
	}
	if connector == nil {
		return false, fmt.Errorf("no connector for email %q", emailAddress)
	}

	lastMsgNo := configUint(connector.Config, "last_msg_no")
	if historyID <= lastMsgNo {
		return false, nil
	}

	config := cloneConfig(connector.Config)
	config["last_msg_no"] = float64(historyID)
	if err := i.connectors.UpdateConnectorConfig(ctx, connector.ID, config); err != nil {
		return false, fmt.Errorf("advance last_msg_no: %w", err)
	}
	connector.Config = config

	// Detach from the request context: the push response returns 202
	// immediately while history processing continues.
	bgCtx := logi.WithContext(context.Background(), logi.Ctx(ctx))
	go i.process(bgCtx, connector)

	return true, nil
}

// process lists new history, evaluates per-trigger filters, publishes
// trigger_fired for matches, and advances history_id. Transient Gmail
// errors retry with exponential backoff; permanent failures are logged
// without blocking anything.
func (i *Ingestor) process(ctx context.Context, connector *service.Connector) {
	logger := logi.Ctx(ctx)

	err := withBackoff(ctx, func() error {
		refreshToken, err := i.cipher.Open(connector.Credential)
		if err != nil {
			return fmt.Errorf("open connector credential: %w", err)
		}

		accessToken, err := i.client.AccessToken(ctx, refreshToken)
		if err != nil {
			return err
		}

		startHistoryID := configUint(connector.Config, "history_id")
		messageIDs, latest, err := i.client.ListHistory(ctx, accessToken, startHistoryID)
		if err != nil {
			return err
		}

		triggers, err := i.triggers.ListEmailTriggers(ctx, connector.ID)
		if err != nil {
			return fmt.Errorf("list email triggers: %w", err)
		}

		for _, msgID := range messageIDs {
			meta, err := i.client.GetMessageMeta(ctx, accessToken, msgID)
			if err != nil {
				logger.Warn("gmail: message metadata fetch failed", "message_id", msgID, "error", err)
				continue
			}

			for _, trigger := range triggers {
				if !ParseFilters(trigger.Config).Matches(meta) {
					continue
				}

				i.events.Publish(bus.Event{
					Kind:  bus.EventTriggerFired,
					Topic: "agent:" + trigger.AgentID,
					Payload: scheduler.TriggerFired{
						TriggerID: trigger.ID,
						Source:    service.SourceEmail,
						Payload: map[string]any{
							"message_id": meta.ID,
							"from":       meta.From,
							"subject":    meta.Subject,
							"snippet":    meta.Snippet,
							"labels":     toAny(meta.Labels),
						},
					},
				})
			}
		}

		if latest > startHistoryID {
			config := cloneConfig(connector.Config)
			config["history_id"] = float64(latest)
			if err := i.connectors.UpdateConnectorConfig(ctx, connector.ID, config); err != nil {
				return fmt.Errorf("advance history_id: %w", err)
			}
			connector.Config = config
		}

		return nil
	})
	if err != nil {
		logger.Error("gmail: history processing failed", "connector_id", connector.ID, "error", err)
	}
}

// WatchRenewalLoop re-issues users.watch for connectors whose watch
// expires within the next day. Run as a background goroutine.
func (i *Ingestor) WatchRenewalLoop(ctx context.Context) {
	ticker := time.NewTicker(watchRenewalPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.renewExpiringWatches(ctx)
		}
	}
}

func (i *Ingestor) renewExpiringWatches(ctx context.Context) {
	logger := logi.Ctx(ctx)

	cutoff := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	connectors, err := i.connectors.ListExpiringWatches(ctx, cutoff)
	if err != nil {
		logger.Error("gmail: list expiring watches", "error", err)
		return
	}

	for _, connector := range connectors {
		c := connector
		err := withBackoff(ctx, func() error {
			refreshToken, err := i.cipher.Open(c.Credential)
			if err != nil {
				return err
			}

			accessToken, err := i.client.AccessToken(ctx, refreshToken)
			if err != nil {
				return err
			}

			expiryMS, _, err := i.client.Watch(ctx, accessToken, i.pubsubTopic)
			if err != nil {
				return err
			}

			config := cloneConfig(c.Config)
			config["watch_expiry"] = time.UnixMilli(expiryMS).UTC().Format(time.RFC3339)
			return i.connectors.UpdateConnectorConfig(ctx, c.ID, config)
		})
		if err != nil {
			logger.Error("gmail: watch renewal failed", "connector_id", c.ID, "error", err)
			continue
		}

		logger.Info("gmail: watch renewed", "connector_id", c.ID)
	}
}

// withBackoff retries transient failures with exponential backoff.
// Retries here are explicit; no other layer retries silently.
func withBackoff(ctx context.Context, fn func() error) error {
	delay := time.Second

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return err
}

func configUint(config map[string]any, key string) uint64 {
	switch v := config[key].(type) {
	case float64:
		return uint64(v)
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case string:
		var n uint64
		fmt.Sscanf(v, "%d", &n)
		return n
	}
	return 0
}

func cloneConfig(config map[string]any) map[string]any {
	out := make(map[string]any, len(config)+1)
	for k, v := range config {
		out[k] = v
	}
	return out
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
