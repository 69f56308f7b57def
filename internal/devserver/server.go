// Package devserver is a local backend speaking the same metadata and
// transport protocol as the hosted service. It backs `replink devserver`
// and the integration tests.
package devserver

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls a Server. Zero values get the defaults noted per field.
type Config struct {
	// Cookie is the session cookie value accepted by the metadata
	// endpoint. Empty accepts any non-empty cookie.
	Cookie string
	// RequireVerification makes every exchange carry a single-use token
	// registered with AddVerificationToken.
	RequireVerification bool
	// RunCommand is run through `sh -c` on RunMain.
	RunCommand string
	// Shell backs the shell service. Default /bin/sh.
	Shell string
	// RateLimit is metadata requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// Port, when non-zero, is announced with PortOpen when a run starts.
	Port uint32
	// Secret signs transport tokens. Default: random per server.
	Secret   []byte
	TokenTTL time.Duration // default 1h
	Logger   *slog.Logger
}

// Server implements http.Handler.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	limiter *rate.Limiter
	log     *slog.Logger

	mu         sync.Mutex
	captchas   map[string]bool
	workspaces map[string]*workspaceState
}

func New(cfg Config) (*Server, error) {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = make([]byte, 32)
		if _, err := rand.Read(cfg.Secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		log:        cfg.Logger,
		captchas:   make(map[string]bool),
		workspaces: make(map[string]*workspaceState),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.mux.HandleFunc("POST /data/repls/{id}/get_connection_metadata", s.handleMetadata)
	s.mux.HandleFunc("GET /wsv2/{token}", s.handleTransport)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// AddVerificationToken registers a token that one exchange may consume.
func (s *Server) AddVerificationToken(token string) {
	s.mu.Lock()
	s.captchas[token] = true
	s.mu.Unlock()
}

func (s *Server) consumeVerificationToken(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.captchas[token] {
		return false
	}
	delete(s.captchas, token)
	return true
}

// Close kills every process the server started.
func (s *Server) Close() {
	s.mu.Lock()
	states := make([]*workspaceState, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		states = append(states, ws)
	}
	s.workspaces = make(map[string]*workspaceState)
	s.mu.Unlock()
	for _, ws := range states {
		ws.close()
	}
}

type metadataRequest struct {
	Captcha string `json:"captcha"`
}

type metadataResponse struct {
	Token     string `json:"token"`
	GURL      string `json:"gurl"`
	ConmanURL string `json:"conmanURL"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cookie, err := r.Cookie("connect.sid")
	if err != nil || cookie.Value == "" || (s.cfg.Cookie != "" && cookie.Value != s.cfg.Cookie) {
		writeMessage(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeMessage(w, http.StatusForbidden, "rate limited")
		return
	}

	var req metadataRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && err != io.EOF {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.cfg.RequireVerification {
		if req.Captcha == "" {
			writeMessage(w, http.StatusForbidden, "Captcha failed: token required")
			return
		}
		if !s.consumeVerificationToken(req.Captcha) {
			writeMessage(w, http.StatusForbidden, "Captcha failed: invalid or expired token")
			return
		}
	}

	token, err := issueToken(s.cfg.Secret, id, s.cfg.TokenTTL)
	if err != nil {
		s.log.Error("issue transport token", "workspace", id, "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	s.log.Debug("issued transport token", "workspace", id, "verified", req.Captcha != "")
	writeJSON(w, http.StatusOK, metadataResponse{
		Token:     token,
		GURL:      scheme + "://" + r.Host,
		ConmanURL: strings.Replace(scheme, "ws", "http", 1) + "://" + r.Host,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}
