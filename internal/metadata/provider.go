package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Fetcher performs one credential exchange. *Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, workspaceID string, creds Credentials) (*Metadata, error)
}

// Verifier obtains a fresh verification token from a human. An empty token
// with a nil error means the human declined.
type Verifier interface {
	Verify(ctx context.Context) (string, error)
}

// CredentialStore is the external credential storage.
type CredentialStore interface {
	Credentials() (Credentials, error)
	// ConsumeVerificationToken invalidates token if it is still the stored one.
	ConsumeVerificationToken(token string) error
}

// Provider drives the exchange, asking the Verifier for a fresh token each
// time the backend demands verification. Every retry is paid for by a new
// token from a human, so the loop cannot spin on its own.
type Provider struct {
	Fetcher  Fetcher
	Store    CredentialStore
	Verifier Verifier // nil disables interactive retry
	Logger   *slog.Logger
}

// FetchConnectionMetadata returns metadata for one transport connection.
func (p *Provider) FetchConnectionMetadata(ctx context.Context, workspaceID string) (*Metadata, error) {
	creds, err := p.Store.Credentials()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds.SessionCookie == "" {
		return nil, ErrAuth
	}

	for {
		md, err := p.Fetcher.Fetch(ctx, workspaceID, creds)

		used := creds.VerificationToken
		if used != "" && !errors.Is(err, ErrAborted) {
			creds.VerificationToken = ""
			if cerr := p.Store.ConsumeVerificationToken(used); cerr != nil {
				p.logger().Warn("failed to clear verification token", "error", cerr)
			}
		}

		if !errors.Is(err, ErrVerificationRequired) {
			return md, err
		}
		if p.Verifier == nil {
			return nil, err
		}

		p.logger().Info("backend requires human verification", "workspace", workspaceID)
		token, verr := p.Verifier.Verify(ctx)
		if verr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
			}
			return nil, fmt.Errorf("%w: verifier: %v", err, verr)
		}
		if token == "" || token == used {
			p.logger().Info("no fresh verification token, giving up", "workspace", workspaceID)
			return nil, err
		}
		creds.VerificationToken = token
	}
}

// FetchFunc binds the provider to one workspace, in the shape a session
// expects.
func (p *Provider) FetchFunc(workspaceID string) func(context.Context) (*Metadata, error) {
	return func(ctx context.Context) (*Metadata, error) {
		return p.FetchConnectionMetadata(ctx, workspaceID)
	}
}

func (p *Provider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
