package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/shineum/smtp-relay/internal/email"
	"github.com/shineum/smtp-relay/internal/provider"
)

// Config holds the settings for a Graph Provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox the messages are sent as.
	Sender          string
	SaveToSentItems bool
	// Timeout bounds a single HTTP exchange. Zero means 30 seconds.
	Timeout time.Duration
}

// Provider sends emails via the Microsoft Graph sendMail endpoint using
// OAuth2 client credentials.
type Provider struct {
	sender     string
	saveToSent bool
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	log        *slog.Logger
	now        func() time.Time
}

// New creates a Graph Provider from cfg.
func New(cfg Config, log *slog.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))

	return newWithOverrides(cfg, graphURL, tokenURL, client, log)
}

// newWithOverrides creates a Provider with custom endpoints and HTTP client.
func newWithOverrides(cfg Config, graphURL, tokenURL string, client *http.Client, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		sender:     cfg.Sender,
		saveToSent: cfg.SaveToSentItems,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		log:        log.With("provider", "msgraph"),
		now:        time.Now,
	}
}

// Name returns the provider name.
func (g *Provider) Name() string {
	return "msgraph"
}

// Send makes one delivery attempt. A 401 answer triggers a single token
// refresh and resend within the same attempt. Failures are returned as
// *provider.SendError.
func (g *Provider) Send(ctx context.Context, msg *email.Message) error {
	req := buildSendMailRequest(msg, g.sender)
	req.SaveToSentItems = g.saveToSent

	payload, err := json.Marshal(req)
	if err != nil {
		return provider.PermanentError(fmt.Errorf("failed to marshal request body: %w", err))
	}

	token, err := g.token.Token(ctx)
	if err != nil {
		return classifyTokenError(err)
	}

	err = g.post(ctx, payload, token)

	var se *provider.SendError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
		g.log.Info("refreshing Graph API token after 401")
		token, refreshErr := g.token.ForceRefresh(ctx)
		if refreshErr != nil {
			return classifyTokenError(refreshErr)
		}
		err = g.post(ctx, payload, token)
	}

	return err
}

// post performs a single HTTP request to the sendMail endpoint.
func (g *Provider) post(ctx context.Context, payload []byte, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(payload))
	if err != nil {
		return provider.PermanentError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return provider.TransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	// sendMail answers 202 Accepted on success.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	message := strings.TrimSpace(string(body))

	var ger graphErrorResponse
	if jsonErr := json.Unmarshal(body, &ger); jsonErr == nil && ger.Error.Message != "" {
		message = ger.Error.Code + ": " + ger.Error.Message
	}

	return classifyError(resp.StatusCode, message, parseRetryAfter(resp.Header.Get("Retry-After"), g.now()))
}

// classifyError maps an HTTP status onto a SendError kind.
func classifyError(statusCode int, message string, retryAfter time.Duration) *provider.SendError {
	kind := provider.Permanent
	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		kind = provider.Transient
	}

	return &provider.SendError{
		Kind:       kind,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("Graph API error: %s", message),
	}
}

// classifyTokenError treats rejected client credentials as permanent and
// every other token failure as transient.
func classifyTokenError(err error) error {
	var te *tokenError
	if errors.As(err, &te) && te.rejected() {
		return provider.PermanentError(fmt.Errorf("failed to get access token: %w", err))
	}
	return provider.TransientError(fmt.Errorf("failed to get access token: %w", err))
}

// parseRetryAfter accepts both the delay-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
