package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/replink/internal/auth"
	"github.com/ehrlich-b/replink/internal/bridge"
	"github.com/ehrlich-b/replink/internal/config"
	"github.com/ehrlich-b/replink/internal/logger"
	"github.com/ehrlich-b/replink/internal/metadata"
	"github.com/ehrlich-b/replink/internal/protocol"
	"github.com/ehrlich-b/replink/internal/registry"
	"github.com/ehrlich-b/replink/internal/session"
	"github.com/ehrlich-b/replink/internal/store"
	"github.com/ehrlich-b/replink/internal/ui"
	"github.com/ehrlich-b/replink/internal/workspace"
)

// app is everything a command needs, built once from config.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	creds  *auth.Store
	db     *store.Store
	lookup *workspace.Client
	meta   *metadata.Provider
	verify *swapVerifier
	reg    *registry.Registry
	render *ui.Renderer
	out    io.Writer

	// dev resolves references locally and talks to the dev backend.
	dev bool
}

func newApp(cmd *cobra.Command) (*app, error) {
	dir, _ := cmd.Flags().GetString("dir")
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if err := cfg.EnsureDir(); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dev, _ := cmd.Flags().GetBool("dev")
	if dev {
		cfg.BaseURL = "http://" + cfg.Dev.Addr
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open workspace cache: %w", err)
	}

	a := &app{
		cfg:    cfg,
		log:    logger.Log,
		creds:  auth.NewStore(cfg.CredentialsPath()),
		db:     db,
		render: ui.NewRenderer(ui.DefaultTheme()),
		out:    cmd.OutOrStdout(),
		dev:    dev,
	}
	a.verify = &swapVerifier{v: a.verifier(cmd, cfg.Verify)}
	a.lookup = &workspace.Client{
		URL:       cfg.GraphQLURL,
		SiteURL:   cfg.BaseURL,
		UserAgent: cfg.UserAgent,
		Cookie:    a.creds.SessionCookie,
		Logger:    a.log,
	}
	a.meta = &metadata.Provider{
		Fetcher: &metadata.Client{
			BaseURL:       cfg.BaseURL,
			ClientVersion: cfg.ClientVersion,
			SiteKey:       cfg.SiteKey,
			UserAgent:     cfg.UserAgent,
			Logger:        a.log,
		},
		Store:    a.creds,
		Verifier: a.verify,
		Logger:   a.log,
	}
	a.reg = registry.New()
	a.reg.Logger = a.log
	a.reg.OnTerminal = a.reportTerminal
	return a, nil
}

func (a *app) verifier(cmd *cobra.Command, mode string) metadata.Verifier {
	if mode == "watch" {
		return &auth.WatchVerifier{
			Store:   a.creds,
			Out:     cmd.ErrOrStderr(),
			Timeout: a.cfg.Session.VerifyTimeout,
			Logger:  a.log,
		}
	}
	return &auth.PromptVerifier{
		In:    cmd.InOrStdin(),
		Out:   cmd.ErrOrStderr(),
		Store: a.creds,
	}
}

// swapVerifier lets an attached terminal move verification off stdin,
// which then belongs to the remote side.
type swapVerifier struct {
	mu sync.Mutex
	v  metadata.Verifier
}

func (s *swapVerifier) Verify(ctx context.Context) (string, error) {
	s.mu.Lock()
	v := s.v
	s.mu.Unlock()
	return v.Verify(ctx)
}

func (s *swapVerifier) set(v metadata.Verifier) metadata.Verifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.v
	s.v = v
	return old
}

func (a *app) close() {
	a.reg.Close()
	a.db.Close()
}

// resolve turns a user reference into a descriptor: the local cache first,
// then the lookup service. In dev mode references resolve to themselves.
func (a *app) resolve(ctx context.Context, input string) (workspace.Descriptor, error) {
	ref, err := workspace.ParseRef(input)
	if err != nil {
		return workspace.Descriptor{}, fmt.Errorf("%q: %w", input, err)
	}
	if a.dev {
		return devDescriptor(ref), nil
	}

	var cached *store.Workspace
	if ref.ID != "" {
		cached, err = a.db.GetWorkspace(ref.ID)
	} else {
		cached, err = a.db.FindWorkspace(ref.Owner, ref.Slug)
	}
	if err != nil {
		a.log.Warn("workspace cache read failed", "ref", ref.String(), "error", err)
	}
	if cached != nil {
		a.remember(cached.Descriptor)
		return cached.Descriptor, nil
	}

	d, err := a.lookup.Lookup(ctx, ref)
	if err != nil {
		return workspace.Descriptor{}, err
	}
	a.remember(*d)
	return *d, nil
}

func (a *app) remember(d workspace.Descriptor) {
	if err := a.db.UpsertWorkspace(d, time.Now()); err != nil {
		a.log.Warn("workspace cache write failed", "workspace", d.ID, "error", err)
	}
}

// devDescriptor names the workspace after the reference so the dev backend
// sees stable ids.
func devDescriptor(ref workspace.Ref) workspace.Descriptor {
	id := ref.ID
	if id == "" {
		id = strings.ToLower(ref.Owner + "-" + ref.Slug)
	}
	return workspace.Descriptor{
		ID:                id,
		Owner:             ref.Owner,
		Slug:              ref.Slug,
		Engine:            workspace.InteractiveEngine,
		CanUseShellRunner: true,
	}
}

// resolver builds the registry entry for d: a session fetching metadata
// through the provider and the run/output bridge.
func (a *app) resolver(d workspace.Descriptor) registry.Resolver {
	return func(ctx context.Context, id string) (*registry.Entry, error) {
		s := session.New(session.Config{
			WorkspaceID:       id,
			Fetch:             a.meta.FetchFunc(id),
			Logger:            a.log.With("workspace", id),
			MinReconnectDelay: a.cfg.Session.MinReconnectDelay,
			MaxReconnectDelay: a.cfg.Session.MaxReconnectDelay,
			HeartbeatInterval: a.cfg.Session.HeartbeatInterval,
		})
		e := &registry.Entry{Workspace: d, Session: s}
		if d.Interactive() {
			e.Output = bridge.NewOutput(s)
		}
		return e, nil
	}
}

// connect resolves input and returns its live registry entry.
func (a *app) connect(ctx context.Context, input string) (*registry.Entry, error) {
	d, err := a.resolve(ctx, input)
	if err != nil {
		return nil, err
	}
	fmt.Fprint(a.out, a.render.Workspace(d))
	if !d.Interactive() {
		fmt.Fprint(a.out, a.render.Warning(fmt.Sprintf("engine %q is not interactive: run and shell are unavailable", d.Engine)))
	}
	if !a.dev {
		if ok, err := a.lookup.CanEdit(ctx, d.ID); err != nil {
			a.log.Debug("edit permission check failed", "workspace", d.ID, "error", err)
		} else if !ok {
			fmt.Fprint(a.out, a.render.Warning("you are not an editor of this workspace"))
		}
	}
	return a.reg.GetOrCreate(ctx, d.ID, a.resolver(d))
}

// watch prints session state changes and port announcements until the
// returned func is called.
func (a *app) watch(e *registry.Entry) func() {
	unState := e.Session.OnStateChange(func(st session.State, err error) {
		if st == session.StateDestroyed {
			return
		}
		fmt.Fprint(a.out, a.render.SessionState(st, err))
	})
	unPort := e.Session.Control().OnCommand(func(cmd protocol.Command) {
		if p, ok := cmd.Body.(protocol.PortOpen); ok {
			fmt.Fprint(a.out, a.render.Port(p, a.previewURL(e.Workspace.ID)))
		}
	})
	return func() {
		unState()
		unPort()
	}
}

func (a *app) previewURL(id string) string {
	if a.dev || a.cfg.PreviewURL == "" {
		return ""
	}
	return fmt.Sprintf(a.cfg.PreviewURL, id)
}

func (a *app) reportTerminal(id string, err error) {
	fmt.Fprint(a.out, a.render.Error(describeTerminal(id, err)))
}

func describeTerminal(id string, err error) string {
	switch {
	case errors.Is(err, metadata.ErrAuth):
		return fmt.Sprintf("%s: not logged in or session expired, run `replink login`", id)
	case errors.Is(err, metadata.ErrVerificationRequired):
		return fmt.Sprintf("%s: human verification required, run `replink verify <token>` and retry", id)
	case errors.Is(err, session.ErrAuthRejected):
		return fmt.Sprintf("%s: the backend rejected the connection token", id)
	default:
		return fmt.Sprintf("%s: session ended: %v", id, err)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
