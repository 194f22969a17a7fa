// Package gmail implements the Gmail push-trigger plumbing: refresh-token
// exchange, history listing, per-trigger filter evaluation, push dedupe,
// and watch renewal.
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/worldline-go/klient"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const apiBaseURL = "https://gmail.googleapis.com"

// Client talks to the Gmail REST API for one deployment's OAuth app.
type Client struct {
	http     *klient.Client
	oauthCfg *oauth2.Config
}

// NewClient builds a Gmail API client.
func NewClient(clientID, clientSecret string) (*Client, error) {
	httpClient, err := klient.New(
		klient.WithBaseURL(apiBaseURL),
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		http: httpClient,
		oauthCfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		},
	}, nil
}

// AccessToken exchanges a stored refresh token for a short-lived access
// token.
func (c *Client) AccessToken(ctx context.Context, refreshToken string) (string, error) {
	src := c.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	token, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("exchange refresh token: %w", err)
	}

	return token.AccessToken, nil
}

// MessageMeta is the metadata slice of one Gmail message used for
// trigger filter evaluation.
type MessageMeta struct {
	ID      string
	From    string
	Subject string
	Snippet string
	Labels  []string
}

// ListHistory returns the ids of messages added since startHistoryID
// along with the newest observed history id.
func (c *Client) ListHistory(ctx context.Context, accessToken string, startHistoryID uint64) ([]string, uint64, error) {
	path := fmt.Sprintf("/gmail/v1/users/me/history?startHistoryId=%d&historyTypes=messageAdded", startHistoryID)

	var result struct {
		History []struct {
			ID             string `json:"id"`
			MessagesAdded []struct {
				Message struct {
					ID string `json:"id"`
				} `json:"message"`
			} `json:"messagesAdded"`
		} `json:"history"`
		HistoryID string `json:"historyId"`
	}

	if err := c.get(ctx, path, accessToken, &result); err != nil {
		return nil, 0, err
	}

	var ids []string
	seen := make(map[string]bool)
	for _, h := range result.History {
		for _, added := range h.MessagesAdded {
			if id := added.Message.ID; id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	latest, _ := strconv.ParseUint(result.HistoryID, 10, 64)

	return ids, latest, nil
}

// GetMessageMeta fetches From/Subject headers, labels, and the snippet
// for one message.
func (c *Client) GetMessageMeta(ctx context.Context, accessToken, messageID string) (*MessageMeta, error) {
	path := "/gmail/v1/users/me/messages/" + messageID + "?format=metadata&metadataHeaders=From&metadataHeaders=Subject"

	var result struct {
		ID      string   `json:"id"`
		Snippet string   `json:"snippet"`
		LabelIDs []string `json:"labelIds"`
		Payload struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"payload"`
	}

	if err := c.get(ctx, path, accessToken, &result); err != nil {
		return nil, err
	}

	meta := &MessageMeta{
		ID:      result.ID,
		Snippet: result.Snippet,
		Labels:  result.LabelIDs,
	}
	for _, h := range result.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			meta.From = h.Value
		case "subject":
			meta.Subject = h.Value
		}
	}

	return meta, nil
}

// Watch re-issues users.watch for the account and returns the new
// expiry (unix ms) and the account's current history id.
func (c *Client) Watch(ctx context.Context, accessToken, topic string) (int64, uint64, error) {
	body, _ := json.Marshal(map[string]any{
		"topicName":         topic,
		"labelIds":          []string{"INBOX"},
		"labelFilterAction": "include",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/gmail/v1/users/me/watch", strings.NewReader(string(body)))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		HistoryID  string `json:"historyId"`
		Expiration string `json:"expiration"`
	}
	if err := c.http.Do(req, func(r *http.Response) error {
		return decodeResponse(r, &result)
	}); err != nil {
		return 0, 0, fmt.Errorf("users.watch: %w", err)
	}

	expiry, _ := strconv.ParseInt(result.Expiration, 10, 64)
	historyID, _ := strconv.ParseUint(result.HistoryID, 10, 64)

	return expiry, historyID, nil
}

func (c *Client) get(ctx context.Context, path, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	if err := c.http.Do(req, func(r *http.Response) error {
		return decodeResponse(r, out)
	}); err != nil {
		return fmt.Errorf("gmail %s: %w", path, err)
	}

	return nil
}

func decodeResponse(r *http.Response, out any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if r.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", r.StatusCode, string(data))
	}

	return json.Unmarshal(data, out)
}
