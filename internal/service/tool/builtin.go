package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"github.com/worldline-go/klient"

	"github.com/cipher982/zerg/internal/service"
)

// RegisterBuiltins adds the built-in tool set to the builder. setupBase
// is the public URL prefix for connector setup links shown in error
// envelopes.
func RegisterBuiltins(b *Builder, setupBase string) {
	b.Add(Definition{
		Tool:    httpGetTool,
		Handler: handleHTTPGet,
	})
	b.Add(Definition{
		Tool:    httpPostTool,
		Handler: handleHTTPPost,
	})
	b.Add(Definition{
		Tool:    currentTimeTool,
		Handler: handleCurrentTime,
	})
	b.Add(Definition{
		Tool:    slackWebhookTool,
		Handler: slackHandler(setupBase),
	})
	b.Add(Definition{
		Tool:    emailSendTool,
		Handler: emailHandler(setupBase),
		// SMTP handshakes can be slow; give them more room than the default.
		Timeout: 2 * time.Minute,
	})
}

// ─── http_get / http_post ───

var httpGetTool = toolSchema("http_get", "Fetch a URL with an HTTP GET request. Returns status, headers, and the parsed body.", map[string]any{
	"url": map[string]any{"type": "string", "description": "The URL to fetch"},
}, []string{"url"})

var httpPostTool = toolSchema("http_post", "Send an HTTP POST request with a JSON body. Returns status, headers, and the parsed body.", map[string]any{
	"url":  map[string]any{"type": "string", "description": "The URL to post to"},
	"body": map[string]any{"type": "object", "description": "JSON body to send"},
}, []string{"url"})

func handleHTTPGet(ctx context.Context, _ Invocation, args map[string]any) Result {
	urlStr, _ := args["url"].(string)
	if urlStr == "" {
		return Failure(ErrInvalidArguments, "http_get requires a 'url' argument")
	}

	return doRequest(ctx, http.MethodGet, urlStr, nil)
}

func handleHTTPPost(ctx context.Context, _ Invocation, args map[string]any) Result {
	urlStr, _ := args["url"].(string)
	if urlStr == "" {
		return Failure(ErrInvalidArguments, "http_post requires a 'url' argument")
	}

	var body io.Reader
	if raw, ok := args["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return Failure(ErrInvalidArguments, fmt.Sprintf("marshal body: %v", err))
		}
		body = bytes.NewReader(data)
	}

	return doRequest(ctx, http.MethodPost, urlStr, body)
}

func doRequest(ctx context.Context, method, urlStr string, body io.Reader) Result {
	client, err := klient.New(
		klient.WithDisableBaseURLCheck(true),
		klient.WithDisableEnvValues(true),
		klient.WithDisableRetry(true),
		klient.WithLogger(slog.Default()),
	)
	if err != nil {
		return Failure(ErrUpstream, fmt.Sprintf("build http client: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return Failure(ErrInvalidArguments, fmt.Sprintf("create request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.HTTP.Do(req)
	if err != nil {
		return Failure(ErrUpstream, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Failure(ErrUpstream, fmt.Sprintf("read response: %v", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Failure(ErrRateLimited, "the remote endpoint is rate limiting requests")
	}

	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		parsed = string(respBody)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return Success(map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    parsed,
	})
}

// ─── get_current_time ───

var currentTimeTool = toolSchema("get_current_time", "Return the current UTC time in ISO-8601 format.", map[string]any{}, nil)

func handleCurrentTime(_ context.Context, _ Invocation, _ map[string]any) Result {
	return Success(map[string]any{"current_time": time.Now().UTC().Format(time.RFC3339)})
}

// ─── slack_webhook ───

var slackWebhookTool = toolSchema("slack_webhook", "Post a message to the configured Slack incoming webhook.", map[string]any{
	"text": map[string]any{"type": "string", "description": "Message text to post"},
}, []string{"text"})

func slackHandler(setupBase string) Handler {
	return func(ctx context.Context, inv Invocation, args map[string]any) Result {
		text, _ := args["text"].(string)
		if text == "" {
			return Failure(ErrInvalidArguments, "slack_webhook requires a 'text' argument")
		}

		webhookURL, found, err := inv.Credentials.Get(ctx, "slack_webhook")
		if err != nil {
			return Failure(ErrInvalidCredentials, err.Error())
		}
		if !found {
			return NotConfigured("slack_webhook", setupBase+"/settings/connectors")
		}

		payload, _ := json.Marshal(map[string]string{"text": text})

		res := doRequest(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
		if !res.OK {
			res.Connector = "slack_webhook"
			return res
		}

		return Success(map[string]any{"delivered": true})
	}
}

// ─── email_send ───

var emailSendTool = toolSchema("email_send", "Send an email through the configured SMTP connector.", map[string]any{
	"to":      map[string]any{"type": "string", "description": "Recipient address"},
	"subject": map[string]any{"type": "string", "description": "Subject line"},
	"body":    map[string]any{"type": "string", "description": "Plain-text body"},
}, []string{"to", "subject", "body"})

// smtpCredential is the JSON shape stored in the email_smtp credential.
type smtpCredential struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
	TLS      bool   `json:"tls"`
}

func emailHandler(setupBase string) Handler {
	return func(ctx context.Context, inv Invocation, args map[string]any) Result {
		to, _ := args["to"].(string)
		subject, _ := args["subject"].(string)
		body, _ := args["body"].(string)
		if to == "" || subject == "" {
			return Failure(ErrInvalidArguments, "email_send requires 'to' and 'subject' arguments")
		}

		raw, found, err := inv.Credentials.Get(ctx, "email_smtp")
		if err != nil {
			return Failure(ErrInvalidCredentials, err.Error())
		}
		if !found {
			return NotConfigured("email_smtp", setupBase+"/settings/connectors")
		}

		var cred smtpCredential
		if err := json.Unmarshal([]byte(raw), &cred); err != nil {
			return Failure(ErrInvalidCredentials, "the email_smtp credential is not valid JSON")
		}
		if cred.Port == 0 {
			cred.Port = 587
		}

		msg := mail.NewMsg()
		if err := msg.From(cred.From); err != nil {
			return Failure(ErrInvalidCredentials, fmt.Sprintf("invalid from address: %v", err))
		}
		if err := msg.To(strings.TrimSpace(to)); err != nil {
			return Failure(ErrInvalidArguments, fmt.Sprintf("invalid recipient: %v", err))
		}
		msg.Subject(subject)
		msg.SetBodyString(mail.TypeTextPlain, body)

		opts := []mail.Option{
			mail.WithPort(cred.Port),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cred.Username),
			mail.WithPassword(cred.Password),
		}
		if cred.TLS {
			opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		} else {
			opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
		}

		client, err := mail.NewClient(cred.Host, opts...)
		if err != nil {
			return Failure(ErrInvalidCredentials, fmt.Sprintf("build smtp client: %v", err))
		}

		if err := client.DialAndSendWithContext(ctx, msg); err != nil {
			return Result{
				OK:          false,
				ErrorType:   ErrUpstream,
				UserMessage: fmt.Sprintf("sending mail via %s failed: %v", cred.Host+":"+strconv.Itoa(cred.Port), err),
				Connector:   "email_smtp",
			}
		}

		return Success(map[string]any{"delivered": true, "to": to})
	}
}

// toolSchema builds a Tool with a standard object input schema.
func toolSchema(name, description string, properties map[string]any, required []string) (t service.Tool) {
	t.Name = name
	t.Description = description
	t.InputSchema = map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		t.InputSchema["required"] = req
	}
	return t
}
