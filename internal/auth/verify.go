package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// VerifyURL is where a human solves the verification challenge.
const VerifyURL = "https://replit.com/captcha"

// PromptVerifier asks for a token on a terminal. The token is saved to the
// store before it is returned, so the next exchange consumes it like any
// other stored token.
type PromptVerifier struct {
	In    io.Reader
	Out   io.Writer
	Store *Store
	URL   string

	r *bufio.Reader
}

// Verify implements metadata.Verifier. An empty line declines.
func (v *PromptVerifier) Verify(ctx context.Context) (string, error) {
	if v.r == nil {
		v.r = bufio.NewReader(v.In)
	}
	url := v.URL
	if url == "" {
		url = VerifyURL
	}
	fmt.Fprintf(v.Out, "Human verification required.\nSolve the challenge at %s and paste the token (empty line to cancel): ", url)

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := v.r.ReadString('\n')
		ch <- result{line, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-ch:
	}
	token := strings.TrimSpace(res.line)
	if token == "" {
		if res.err != nil && res.err != io.EOF {
			return "", fmt.Errorf("read token: %w", res.err)
		}
		return "", nil
	}
	if v.Store != nil {
		if err := v.Store.SetVerificationToken(token); err != nil {
			return "", err
		}
	}
	return token, nil
}

// WatchVerifier waits for a new token to land in the credentials file,
// written by `replink verify <token>` from another terminal.
type WatchVerifier struct {
	Store   *Store
	Out     io.Writer
	Timeout time.Duration // zero waits until ctx ends
	Logger  *slog.Logger

	// PollInterval is used when the file cannot be watched.
	PollInterval time.Duration
}

// Verify implements metadata.Verifier. A timeout declines.
func (v *WatchVerifier) Verify(ctx context.Context) (string, error) {
	start, err := v.Store.Credentials()
	if err != nil {
		return "", err
	}
	if v.Out != nil {
		fmt.Fprintf(v.Out, "Human verification required.\nSolve the challenge at %s, then run: replink verify <token>\n", VerifyURL)
	}

	var timeout <-chan time.Time
	if v.Timeout > 0 {
		t := time.NewTimer(v.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	// fresh reports a token that differs from the one present when we began.
	fresh := func() (string, bool) {
		creds, err := v.Store.Credentials()
		if err != nil {
			v.logger().Debug("credentials reload failed", "error", err)
			return "", false
		}
		if creds.VerificationToken != "" && creds.VerificationToken != start.VerificationToken {
			return creds.VerificationToken, true
		}
		return "", false
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(filepath.Dir(v.Store.Path)); err != nil {
			watcher.Close()
		}
	}
	if err != nil {
		v.logger().Debug("watch failed, polling", "error", err)
		interval := v.PollInterval
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-timeout:
				return "", nil
			case <-ticker.C:
				if tok, ok := fresh(); ok {
					return tok, nil
				}
			}
		}
	}

	defer watcher.Close()
	if tok, ok := fresh(); ok {
		return tok, nil
	}
	name := filepath.Base(v.Store.Path)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeout:
			return "", nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return "", nil
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if tok, ok := fresh(); ok {
				return tok, nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return "", nil
			}
			v.logger().Debug("watch error", "error", werr)
		}
	}
}

func (v *WatchVerifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}
