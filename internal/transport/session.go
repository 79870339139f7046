// Package transport owns the single push-channel connection: dialing,
// typed event decoding, room subscriptions, and bounded reconnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zulandar/leadline/internal/convo"
)

const (
	// DefaultMaxAttempts is the number of reconnect attempts before the
	// session reports connection_lost.
	DefaultMaxAttempts = 5

	// DefaultInitialBackoff is the wait before the first reconnect attempt.
	// Each later attempt doubles it.
	DefaultInitialBackoff = time.Second

	// DefaultMaxBackoff caps the reconnect wait.
	DefaultMaxBackoff = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// State is the connection state of a Session.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateConnectionLost State = "connection_lost"
)

// ErrClosed is returned when using a closed Session.
var ErrClosed = errors.New("transport: session closed")

// Conn is the part of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens push-channel connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer // nil uses websocket.DefaultDialer
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler receives one decoded push event.
type Handler func(convo.Event)

// Opts configures a Session.
type Opts struct {
	URL            string
	Header         http.Header
	Dialer         Dialer        // default WebsocketDialer{}
	MaxAttempts    int           // default DefaultMaxAttempts
	InitialBackoff time.Duration // default DefaultInitialBackoff
	MaxBackoff     time.Duration // default DefaultMaxBackoff

	// OnDrop is called for every frame that could not be decoded.
	OnDrop func(reason string)
	// OnReconnect is called before every reconnect attempt.
	OnReconnect func(attempt int)

	Logger *slog.Logger
}

// Session is one push-channel connection with automatic reconnection.
// Handlers and joined rooms survive reconnects.
type Session struct {
	url            string
	header         http.Header
	dialer         Dialer
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	onDrop         func(string)
	onReconnect    func(int)
	logger         *slog.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	handlers map[convo.EventKind][]Handler
	watchers []func(State)
	rooms    map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
	closed   bool

	writeMu sync.Mutex
}

// New creates a Session in the disconnected state.
func New(opts Opts) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("transport: url is required")
	}
	s := &Session{
		url:            opts.URL,
		header:         opts.Header,
		dialer:         opts.Dialer,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		onDrop:         opts.OnDrop,
		onReconnect:    opts.OnReconnect,
		logger:         opts.Logger,
		state:          StateDisconnected,
		handlers:       make(map[convo.EventKind][]Handler),
		rooms:          make(map[string]bool),
	}
	if s.dialer == nil {
		s.dialer = WebsocketDialer{}
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.initialBackoff <= 0 {
		s.initialBackoff = DefaultInitialBackoff
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = DefaultMaxBackoff
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// OnEvent registers a handler for one event kind. Handlers for the same
// kind run in registration order on the session's read goroutine.
func (s *Session) OnEvent(kind convo.EventKind, h Handler) {
	s.mu.Lock()
	s.handlers[kind] = append(s.handlers[kind], h)
	s.mu.Unlock()
}

// OnStateChange registers a callback for state transitions.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rooms returns the joined room set, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Connect dials the push endpoint and starts the read loop. A failed first
// dial is returned to the caller; later drops are handled by reconnecting.
// Connect may be called again once the session is in connection_lost.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cancel != nil {
		if s.state != StateConnectionLost {
			s.mu.Unlock()
			return errors.New("transport: already connected")
		}
		// Restart after the reconnect budget ran out.
		cancel, done := s.cancel, s.done
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		<-done
	} else {
		s.mu.Unlock()
	}

	s.setState(StateConnecting)
	conn, err := s.dialer.Dial(ctx, s.url, s.header)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("transport: dial %s: %w", s.url, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.rejoin(conn)
	s.setState(StateConnected)
	s.logger.Info("transport: connected", "url", s.url)

	go s.run(runCtx, conn)
	return nil
}

// Close stops the session. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, conn, done := s.cancel, s.conn, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	s.setState(StateDisconnected)
	return nil
}

// JoinRoom subscribes to a room. The subscription is re-sent after every
// reconnect; while disconnected it is only recorded.
func (s *Session) JoinRoom(roomID string) error {
	return s.control(joinRoom, roomID, true)
}

// LeaveRoom drops a room subscription.
func (s *Session) LeaveRoom(roomID string) error {
	return s.control(leaveRoom, roomID, false)
}

func (s *Session) control(event, roomID string, join bool) error {
	if roomID == "" {
		return errors.New("transport: room id is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if join {
		s.rooms[roomID] = true
	} else {
		delete(s.rooms, roomID)
	}
	conn, connected := s.conn, s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	if err := s.send(conn, event, roomID); err != nil {
		return fmt.Errorf("transport: %s %s: %w", event, roomID, err)
	}
	return nil
}

func (s *Session) send(conn Conn, event, roomID string) error {
	frame, err := encodeControl(event, roomID)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if ws, ok := conn.(*websocket.Conn); ok {
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// rejoin re-sends join_room for every recorded room.
func (s *Session) rejoin(conn Conn) {
	for _, roomID := range s.Rooms() {
		if err := s.send(conn, joinRoom, roomID); err != nil {
			s.logger.Warn("transport: rejoin failed", "room", roomID, "err", err)
		}
	}
}

// run reads until the connection drops, then reconnects with exponential
// backoff. Exhausting the attempts leaves the session in connection_lost.
func (s *Session) run(ctx context.Context, conn Conn) {
	defer close(s.done)
	for {
		err := s.readLoop(conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("transport: connection dropped", "err", err)

		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (s *Session) reconnect(ctx context.Context) Conn {
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		s.setState(StateConnecting)
		wait := time.Duration(math.Pow(2, float64(attempt))) * s.initialBackoff
		if wait > s.maxBackoff {
			wait = s.maxBackoff
		}
		s.logger.Info("transport: reconnecting",
			"attempt", attempt+1, "max_attempts", s.maxAttempts, "wait", wait)
		if s.onReconnect != nil {
			s.onReconnect(attempt + 1)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		conn, err := s.dialer.Dial(ctx, s.url, s.header)
		if err != nil {
			s.logger.Warn("transport: reconnect failed", "attempt", attempt+1, "err", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conn = conn
		s.mu.Unlock()

		s.rejoin(conn)
		s.setState(StateConnected)
		s.logger.Info("transport: reconnected", "attempt", attempt+1)
		return conn
	}

	s.logger.Error("transport: reconnection attempts exhausted", "max_attempts", s.maxAttempts)
	s.setState(StateConnectionLost)
	return nil
}

func (s *Session) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := DecodeFrame(data)
		if err != nil {
			s.logger.Warn("transport: frame dropped", "err", err)
			if s.onDrop != nil {
				reason := "malformed"
				if errors.Is(err, ErrUnknownEvent) {
					reason = "unknown_event"
				}
				s.onDrop(reason)
			}
			continue
		}
		s.dispatch(ev)
	}
}

func (s *Session) dispatch(ev convo.Event) {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers[ev.Kind()]...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = next
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()

	s.logger.Debug("transport: state change", "from", string(prev), "to", string(next))
	for _, fn := range watchers {
		fn(next)
	}
}
