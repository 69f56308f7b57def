package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/replink/internal/event"
	"github.com/ehrlich-b/replink/internal/metadata"
	"github.com/ehrlich-b/replink/internal/protocol"
)

var (
	// ErrAlreadyOpen is returned by a second call to Open.
	ErrAlreadyOpen = errors.New("session already opened")

	// ErrDestroyed is the close reason for channels of a destroyed session.
	ErrDestroyed = errors.New("session destroyed")

	// ErrTransportLost wraps dial and read failures that are worth a reconnect.
	ErrTransportLost = errors.New("transport lost")

	// ErrAuthRejected means the backend refused the websocket handshake.
	ErrAuthRejected = errors.New("backend rejected transport authentication")

	// ErrProtocol means the backend sent a frame that does not decode.
	ErrProtocol = errors.New("protocol violation")
)

const (
	defaultMinReconnectDelay = time.Second
	defaultMaxReconnectDelay = 10 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

// State is the connection state of a Session.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DialFunc opens the websocket transport. websocket.Dial with nil options
// is used when Config.Dial is nil.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error)

// Config configures a Session.
type Config struct {
	WorkspaceID string
	// Fetch returns fresh connection metadata. It is called before every
	// dial, including reconnects.
	Fetch  func(ctx context.Context) (*metadata.Metadata, error)
	Logger *slog.Logger

	MinReconnectDelay time.Duration
	MaxReconnectDelay time.Duration
	HeartbeatInterval time.Duration

	Dial DialFunc
}

// Session owns one websocket transport to a workspace and the channels
// multiplexed over it.
type Session struct {
	cfg Config
	log *slog.Logger

	control *Channel

	mu       sync.Mutex
	state    State
	opened   bool
	cancel   context.CancelFunc
	conn     *conn
	channels map[string]*Channel
	fatal    func(error)
	fatalErr error
	done     chan struct{}

	onState event.List[func(State, error)]
}

// New builds a Session. Nothing happens on the network until Open.
func New(cfg Config) *Session {
	if cfg.MinReconnectDelay <= 0 {
		cfg.MinReconnectDelay = defaultMinReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.MinReconnectDelay {
		cfg.MaxReconnectDelay = max(defaultMaxReconnectDelay, cfg.MinReconnectDelay)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error) {
			return websocket.Dial(ctx, url, nil)
		}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cfg:      cfg,
		log:      log.With("workspace", cfg.WorkspaceID),
		state:    StateConnecting,
		channels: make(map[string]*Channel),
		done:     make(chan struct{}),
	}
	s.control = newChannel(s, "", "", protocol.AttachOrCreate)
	s.control.control = true
	return s
}

func (s *Session) WorkspaceID() string { return s.cfg.WorkspaceID }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers fn for every state transition. err carries the
// cause for reconnecting, disconnected and destroyed.
func (s *Session) OnStateChange(fn func(State, error)) func() {
	return s.onState.Add(fn)
}

// SetFatalHandler installs the handler run exactly once when the session
// dies on its own (not via Destroy or an aborted metadata fetch).
func (s *Session) SetFatalHandler(fn func(error)) {
	s.mu.Lock()
	s.fatal = fn
	s.mu.Unlock()
}

// Control returns channel 0, which carries session-level commands such as
// PortOpen. It opens on every connect and closes with the session.
func (s *Session) Control() *Channel { return s.control }

// Err returns the cause that ended the session on its own, or nil while it
// lives and after Destroy or an aborted fetch. It is set before any channel
// hears the terminal close event.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Done is closed once the connection goroutine has exited. For a session
// that failed on its own that is after the fatal handler has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Open starts connecting in the background. ctx bounds the session's
// lifetime; cancelling it stops the session quietly.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.opened {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.opened = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// OpenChannel returns the channel for service/name, creating it if needed.
// It may be called before the transport is up; the open is sent once
// connected. The returned release func drops this holder's reference and
// closes the channel when the last one is gone.
func (s *Session) OpenChannel(service, name string, action protocol.OpenAction) (*Channel, func()) {
	key := service + "/" + name

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		ch := newChannel(s, service, name, action)
		ch.closed, ch.ended = true, true
		ch.endEv = CloseEvent{Err: ErrDestroyed}
		return ch, func() {}
	}
	ch, ok := s.channels[key]
	if ok {
		ch.mu.Lock()
		ok = !ch.closed
		ch.mu.Unlock()
	}
	if !ok {
		ch = newChannel(s, service, name, action)
		s.channels[key] = ch
	}
	ch.mu.Lock()
	ch.refs++
	ch.mu.Unlock()
	cn := s.conn
	s.mu.Unlock()

	if !ok && cn != nil {
		s.requestOpen(cn, ch)
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ch.mu.Lock()
			ch.refs--
			last := ch.refs <= 0
			ch.mu.Unlock()
			if last {
				ch.Close()
			}
		})
	}
}

// Destroy tears the session down synchronously: every channel receives its
// terminal close event before Destroy returns, and no reconnect can follow.
func (s *Session) Destroy() {
	s.shutdown(ErrDestroyed, false)
}

func (s *Session) forget(ch *Channel) {
	key := ch.service + "/" + ch.name
	s.mu.Lock()
	if s.channels[key] == ch {
		delete(s.channels, key)
	}
	s.mu.Unlock()
}

func (s *Session) requestOpen(cn *conn, ch *Channel) {
	ref := uuid.NewString()
	cn.addPending(ref, ch)
	cn.send(protocol.Command{
		Channel: protocol.ControlChannel,
		Ref:     ref,
		Body:    protocol.OpenChan{Service: ch.service, Name: ch.name, Action: ch.action},
	})
}

// fatalError marks an error that ends the session instead of reconnecting.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func permanent(err error) error { return &fatalError{err: err} }

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	delay := s.cfg.MinReconnectDelay
	for {
		connected, err := s.connectAndServe(ctx)
		if ctx.Err() != nil || errors.Is(err, metadata.ErrAborted) {
			s.shutdown(metadata.ErrAborted, false)
			return
		}
		var fe *fatalError
		if errors.As(err, &fe) {
			s.log.Warn("session failed", "error", err)
			s.shutdown(fe.err, true)
			return
		}
		if connected {
			delay = s.cfg.MinReconnectDelay
		}
		s.setState(StateReconnecting, err)
		s.pauseChannels(err)
		s.log.Info("transport lost, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			s.shutdown(metadata.ErrAborted, false)
			return
		case <-time.After(delay):
		}
		s.setState(StateConnecting, nil)
		delay *= 2
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
	}
}

func (s *Session) connectAndServe(ctx context.Context) (connected bool, err error) {
	md, err := s.cfg.Fetch(ctx)
	if err != nil {
		if errors.Is(err, metadata.ErrAborted) || ctx.Err() != nil {
			return false, err
		}
		return false, permanent(fmt.Errorf("connection metadata: %w", err))
	}

	url := strings.TrimRight(md.GURL, "/") + "/wsv2/" + md.Token
	ws, resp, err := s.cfg.Dial(ctx, url)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, permanent(fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode))
		}
		return false, fmt.Errorf("%w: dial: %w", ErrTransportLost, err)
	}
	defer ws.CloseNow()

	cn := newConn(ws, s.log)
	defer cn.shutdown()

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return false, ctx.Err()
	}
	s.conn = cn
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()
	defer s.detach(cn)

	go cn.writeLoop(ctx)
	go cn.heartbeatLoop(ctx, s.cfg.HeartbeatInterval)

	s.setState(StateConnected, nil)
	s.log.Info("transport connected", "channels", len(chans))
	s.control.attach(cn, protocol.ControlChannel)
	for _, ch := range chans {
		s.requestOpen(cn, ch)
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			code := websocket.CloseStatus(err)
			if code == websocket.StatusPolicyViolation || code >= 4000 {
				return true, permanent(fmt.Errorf("%w: backend closed transport: %w", ErrTransportLost, err))
			}
			return true, fmt.Errorf("%w: %w", ErrTransportLost, err)
		}
		cmd, err := protocol.Unmarshal(data)
		if err != nil {
			ws.Close(websocket.StatusProtocolError, "malformed command")
			return true, permanent(fmt.Errorf("%w: %w", ErrProtocol, err))
		}
		s.dispatch(cn, cmd)
	}
}

// detach drops cn as the current transport.
func (s *Session) detach(cn *conn) {
	cn.shutdown()
	cn.drain()
	s.mu.Lock()
	if s.conn == cn {
		s.conn = nil
	}
	s.mu.Unlock()
}

// pauseChannels tells every open channel the transport is gone but will be
// re-established.
func (s *Session) pauseChannels(err error) {
	s.mu.Lock()
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	s.control.pause(err)
	for _, ch := range chans {
		ch.pause(err)
	}
}

func (s *Session) dispatch(cn *conn, cmd protocol.Command) {
	if cmd.Channel != protocol.ControlChannel {
		ch := cn.lookup(cmd.Channel)
		if ch == nil {
			s.log.Debug("command for unknown channel", "channel", cmd.Channel, "kind", protocol.Kind(cmd.Body))
			return
		}
		ch.deliver(cmd)
		return
	}

	switch b := cmd.Body.(type) {
	case protocol.OpenChanRes:
		ch := cn.takePending(cmd.Ref)
		if ch == nil {
			s.log.Debug("open response for unknown ref", "ref", cmd.Ref)
			return
		}
		if b.State == protocol.OpenError {
			s.log.Warn("channel open refused", "service", ch.service, "name", ch.name, "error", b.Error)
			s.forget(ch)
			ch.terminate(fmt.Errorf("open %s/%s: %s", ch.service, ch.name, b.Error))
			return
		}
		s.log.Debug("channel open", "service", ch.service, "name", ch.name, "channel", b.ID)
		ch.attach(cn, b.ID)
	case protocol.CloseChan:
		ch := cn.lookup(b.ID)
		if ch == nil {
			return
		}
		cn.unbind(b.ID)
		s.forget(ch)
		ch.terminate(fmt.Errorf("channel %s/%s closed by backend", ch.service, ch.name))
	case protocol.Ping:
		cn.send(protocol.Command{Channel: protocol.ControlChannel, Ref: cmd.Ref, Body: protocol.Pong{}})
	case protocol.Pong, protocol.CloseChanRes, protocol.OpenChan:
	case protocol.Error:
		s.log.Warn("backend error", "message", b.Message)
		s.control.deliver(cmd)
	case protocol.Input, protocol.Output, protocol.ResizeTerm, protocol.State, protocol.PortOpen, protocol.RunMain:
		s.control.deliver(cmd)
	}
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	if s.state == StateDestroyed || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.notify(st, err)
}

func (s *Session) notify(st State, err error) {
	for _, fn := range s.onState.Snapshot() {
		fn(st, err)
	}
}

// shutdown destroys the session once. fatal sessions pass through
// disconnected and run the fatal handler after every channel has closed.
func (s *Session) shutdown(cause error, fatal bool) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = StateDestroyed
	if fatal {
		s.fatalErr = cause
	}
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.channels = make(map[string]*Channel)
	cn := s.conn
	s.conn = nil
	cancel := s.cancel
	handler := s.fatal
	opened := s.opened
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cn != nil {
		cn.shutdown()
		cn.ws.CloseNow()
	}
	if !opened {
		close(s.done)
	}

	if fatal {
		s.notify(StateDisconnected, cause)
	}
	for _, ch := range chans {
		ch.terminate(cause)
	}
	s.control.terminate(cause)
	s.notify(StateDestroyed, cause)

	if fatal && handler != nil {
		handler(cause)
	}
}
