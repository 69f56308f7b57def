package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// Metadata is what the backend hands out for one transport connection.
// The session treats it as opaque apart from dialing GURL with Token.
type Metadata struct {
	Token     string `json:"token"`
	GURL      string `json:"gurl"`
	ConmanURL string `json:"conmanURL"`
}

// Credentials is the bundle sent with an exchange. VerificationToken is
// single-use.
type Credentials struct {
	SessionCookie     string
	VerificationToken string
}

// Client performs credential exchanges against the backend.
type Client struct {
	BaseURL       string // e.g. "https://replit.com"
	ClientVersion string
	SiteKey       string
	UserAgent     string
	HTTP          *http.Client
	Logger        *slog.Logger
}

type fetchRequest struct {
	Captcha       string `json:"captcha,omitempty"`
	ClientVersion string `json:"clientVersion"`
	Format        string `json:"format"`
	SiteKey       string `json:"hCaptchaSiteKey"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Fetch performs a single exchange and classifies the outcome. It never
// retries; see Provider for the verification loop.
func (c *Client) Fetch(ctx context.Context, workspaceID string, creds Credentials) (*Metadata, error) {
	if creds.SessionCookie == "" {
		return nil, ErrAuth
	}

	body, err := json.Marshal(fetchRequest{
		Captcha:       creds.VerificationToken,
		ClientVersion: c.ClientVersion,
		Format:        "pbuf",
		SiteKey:       c.SiteKey,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/data/repls/" + url.PathEscape(workspaceID) + "/get_connection_metadata"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", c.UserAgent)
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Origin", strings.TrimRight(c.BaseURL, "/"))
	req.AddCookie(&http.Cookie{Name: "connect.sid", Value: creds.SessionCookie})

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		}
		return nil, fmt.Errorf("fetch connection metadata: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		}
		return nil, fmt.Errorf("read connection metadata: %w", err)
	}

	c.logger().Debug("connection metadata response",
		"workspace", workspaceID,
		"status", resp.StatusCode,
		"verification", creds.VerificationToken != "",
		"elapsed", time.Since(start))

	if resp.StatusCode >= 400 {
		return nil, classify(resp.StatusCode, data)
	}

	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if md.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedResponse)
	}
	return &md, nil
}

// classify maps a failed exchange onto the error taxonomy.
func classify(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = er.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if strings.Contains(strings.ToLower(msg), "captcha failed") {
		return fmt.Errorf("%w: %s", ErrVerificationRequired, msg)
	}
	return &BackendError{Status: status, Message: msg}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
