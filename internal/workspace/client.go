package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	replFields = `id user { username } slug lang { id canUseShellRunner engine }`

	queryByID   = `query ReplByID($id: String!) { repl(id: $id) { ... on Repl { ` + replFields + ` } } }`
	queryByURL  = `query ReplByURL($url: String!) { repl(url: $url) { ... on Repl { ` + replFields + ` } } }`
	queryRecent = `query RecentRepls($count: Int!) { recentRepls(count: $count) { ` + replFields + ` } }`
	queryPerms  = `query ReplPerms($replId: String!) { currentUser { id username } repl(id: $replId) { ... on Repl { isOwner multiplayers { id username } } } }`
)

// Client queries the workspace lookup service over GraphQL.
type Client struct {
	URL       string // GraphQL endpoint
	SiteURL   string // used to build @owner/slug URLs, e.g. "https://replit.com"
	UserAgent string
	// Cookie returns the session cookie sent with each query.
	Cookie func() (string, error)
	HTTP   *http.Client
	Logger *slog.Logger
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

type gqlRepl struct {
	ID   string   `json:"id"`
	User *gqlUser `json:"user"`
	Slug string   `json:"slug"`
	Lang *struct {
		ID                string `json:"id"`
		CanUseShellRunner bool   `json:"canUseShellRunner"`
		Engine            string `json:"engine"`
	} `json:"lang"`

	IsOwner      bool      `json:"isOwner"`
	Multiplayers []gqlUser `json:"multiplayers"`
}

func (r *gqlRepl) descriptor() Descriptor {
	d := Descriptor{ID: r.ID, Slug: r.Slug}
	if r.User != nil {
		d.Owner = r.User.Username
	}
	if r.Lang != nil {
		d.Engine = r.Lang.Engine
		d.CanUseShellRunner = r.Lang.CanUseShellRunner
	}
	return d
}

// Lookup resolves ref into a descriptor.
func (c *Client) Lookup(ctx context.Context, ref Ref) (*Descriptor, error) {
	var data struct {
		Repl *gqlRepl `json:"repl"`
	}
	var err error
	if ref.ID != "" {
		err = c.do(ctx, queryByID, map[string]any{"id": ref.ID}, &data)
	} else {
		url := strings.TrimRight(c.SiteURL, "/") + "/@" + ref.Owner + "/" + ref.Slug
		err = c.do(ctx, queryByURL, map[string]any{"url": url}, &data)
	}
	if err != nil {
		return nil, err
	}
	if data.Repl == nil || data.Repl.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	d := data.Repl.descriptor()
	return &d, nil
}

// CanEdit reports whether the current user owns the workspace or is one of
// its multiplayers.
func (c *Client) CanEdit(ctx context.Context, workspaceID string) (bool, error) {
	var data struct {
		CurrentUser *gqlUser `json:"currentUser"`
		Repl        *gqlRepl `json:"repl"`
	}
	if err := c.do(ctx, queryPerms, map[string]any{"replId": workspaceID}, &data); err != nil {
		return false, err
	}
	if data.Repl == nil {
		return false, fmt.Errorf("%w: %s", ErrNotFound, workspaceID)
	}
	if data.Repl.IsOwner {
		return true, nil
	}
	if data.CurrentUser == nil {
		return false, nil
	}
	for _, m := range data.Repl.Multiplayers {
		if m.ID == data.CurrentUser.ID {
			return true, nil
		}
	}
	return false, nil
}

// Recent lists the current user's most recently used workspaces.
func (c *Client) Recent(ctx context.Context, count int) ([]Descriptor, error) {
	if count <= 0 {
		count = 10
	}
	var data struct {
		RecentRepls []gqlRepl `json:"recentRepls"`
	}
	if err := c.do(ctx, queryRecent, map[string]any{"count": count}, &data); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(data.RecentRepls))
	for i := range data.RecentRepls {
		out = append(out, data.RecentRepls[i].descriptor())
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
		req.Header.Set("X-Requested-With", c.UserAgent)
	}
	if c.SiteURL != "" {
		req.Header.Set("Referer", c.SiteURL)
	}
	if c.Cookie != nil {
		cookie, err := c.Cookie()
		if err != nil {
			return fmt.Errorf("session cookie: %w", err)
		}
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: "connect.sid", Value: cookie})
		}
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("graphql: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
		}
		c.logger().Debug("graphql errors", "errors", msgs)
		return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("graphql: empty response")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Message)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
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
