// Package conn maintains the single persistent websocket connection to the
// chat server: lifecycle, automatic reconnection with exponential backoff,
// and fan-out of inbound frames and state changes to registered handlers.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Sidharth-Singh10/affinity-chatd/internal/bus"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/wire"
)

var (
	// ErrNotConnected is returned by Send when the socket is not up. Queuing
	// for later delivery is the cache's job, not the transport's.
	ErrNotConnected = errors.New("conn: not connected")

	// ErrNoIdentity is returned by Connect when no identity is available.
	ErrNoIdentity = errors.New("conn: no identity available")

	// ErrMaxAttempts is the terminal error surfaced once the reconnect
	// attempt cap is exhausted. Only an explicit Reconnect resumes.
	ErrMaxAttempts = errors.New("conn: max reconnect attempts reached")
)

// IdentityProvider returns the currently authenticated identity, or "" when
// logged out.
type IdentityProvider func() string

// Options configures a Manager.
type Options struct {
	URL         string
	BaseDelay   time.Duration
	MaxAttempts int
	Identity    IdentityProvider
	Dialer      Dialer // nil = gorilla websocket
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Manager owns at most one live connection per identity. All other components
// go through it; nothing else reads or closes the raw socket.
type Manager struct {
	opts Options

	// writeMu serializes socket writes; the websocket supports at most one
	// concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	lastErr    error
	sock       Socket
	manual     bool
	online     bool
	attempts   int
	pending    *time.Timer
	generation int

	notifyQueue []Status
	notifying   bool

	handlerMu     sync.RWMutex
	msgHandlers   map[int]func(wire.Frame)
	stateHandlers map[int]func(Status)
	nextHandlerID int
}

// NewManager creates a manager in the Disconnected state. It does not dial
// until Connect is called.
func NewManager(opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = gorillaDialer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Manager{
		opts:          opts,
		state:         Disconnected,
		online:        true,
		msgHandlers:   make(map[int]func(wire.Frame)),
		stateHandlers: make(map[int]func(Status)),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// AddMessageHandler registers an observer for inbound frames.
// Returns an unsubscribe function.
func (m *Manager) AddMessageHandler(fn func(wire.Frame)) func() {
	m.handlerMu.Lock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.msgHandlers[id] = fn
	m.handlerMu.Unlock()
	return func() {
		m.handlerMu.Lock()
		delete(m.msgHandlers, id)
		m.handlerMu.Unlock()
	}
}

// AddStateHandler registers an observer for connection state changes.
// Returns an unsubscribe function.
func (m *Manager) AddStateHandler(fn func(Status)) func() {
	m.handlerMu.Lock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.stateHandlers[id] = fn
	m.handlerMu.Unlock()
	return func() {
		m.handlerMu.Lock()
		delete(m.stateHandlers, id)
		m.handlerMu.Unlock()
	}
}

// Connect opens a connection using the current identity as an auth parameter.
// No-op while Connecting or Connected, guaranteeing single-flight. Without an
// identity it stays Disconnected and does not retry until one appears.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	m.cancelTimerLocked()

	id := m.opts.Identity()
	if id == "" {
		m.opts.Logger.Warn("connect requested with no identity")
		m.setStateLocked(Disconnected, ErrNoIdentity)
		m.mu.Unlock()
		return ErrNoIdentity
	}

	m.manual = false
	m.setStateLocked(Connecting, nil)
	gen := m.generation
	m.mu.Unlock()

	target, err := authURL(m.opts.URL, id)
	if err != nil {
		return m.dialFailed(gen, err)
	}

	sock, err := m.opts.Dialer(context.Background(), target)
	if err != nil {
		return m.dialFailed(gen, err)
	}

	m.mu.Lock()
	if m.generation != gen || m.state != Connecting {
		// Torn down while dialing; the result is stale.
		m.mu.Unlock()
		_ = sock.Close()
		return nil
	}
	m.sock = sock
	m.attempts = 0
	m.setStateLocked(Connected, nil)
	m.mu.Unlock()

	m.opts.Logger.Info("connected", zap.String("url", m.opts.URL))
	go m.readPump(sock, gen)
	return nil
}

func (m *Manager) dialFailed(gen int, err error) error {
	m.opts.Logger.Warn("connect failed", zap.Error(err))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen || m.state != Connecting {
		return nil
	}
	m.setStateLocked(StateError, err)
	m.scheduleReconnectLocked()
	return err
}

// Send transmits the payload immediately if connected, otherwise reports a
// delivery error to the caller without queuing.
func (m *Manager) Send(payload any) error {
	m.mu.Lock()
	if m.state != Connected || m.sock == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	sock := m.sock
	m.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return sock.WriteMessage(websocket.TextMessage, data)
}

// Disconnect tears the socket down, suppresses auto-reconnect for this close,
// and resets the attempt counter.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.attempts = 0
	m.teardownLocked()
	m.setStateLocked(Disconnected, nil)
	m.mu.Unlock()
}

// Reconnect clears the manual flag, forces teardown of any existing socket,
// resets the attempt counter, and immediately attempts a fresh connection.
// It bypasses any pending backoff, including the terminal max-attempts state.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	m.manual = false
	m.attempts = 0
	m.teardownLocked()
	m.setStateLocked(Disconnected, nil)
	m.mu.Unlock()
	return m.Connect()
}

// SetOnline feeds network connectivity changes into the manager. Going
// offline forces an immediate teardown without entering the backoff loop;
// coming back online while disconnected behaves like Reconnect.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	if !online {
		m.teardownLocked()
		m.setStateLocked(Disconnected, nil)
		m.mu.Unlock()
		return
	}
	state := m.state
	m.mu.Unlock()

	if (state == Disconnected || state == StateError) && m.opts.Identity() != "" {
		_ = m.Reconnect()
	}
}

// SetVisible feeds page-visibility changes into the manager. Becoming visible
// while disconnected recovers immediately, like a manual Reconnect.
func (m *Manager) SetVisible(visible bool) {
	if !visible {
		return
	}
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if (state == Disconnected || state == StateError) && m.opts.Identity() != "" {
		_ = m.Reconnect()
	}
}

// teardownLocked cancels any pending reconnect timer, invalidates in-flight
// dials and read pumps, and closes the socket.
func (m *Manager) teardownLocked() {
	m.cancelTimerLocked()
	m.generation++
	if m.sock != nil {
		_ = m.sock.Close()
		m.sock = nil
	}
}

func (m *Manager) cancelTimerLocked() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

// scheduleReconnectLocked arms the single backoff timer, or surfaces the
// terminal error once the attempt cap is exhausted.
func (m *Manager) scheduleReconnectLocked() {
	if !m.online || m.opts.Identity() == "" {
		return
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.opts.Logger.Error("reconnect attempts exhausted",
			zap.Int("attempts", m.attempts))
		m.setStateLocked(StateError, ErrMaxAttempts)
		return
	}

	delay := backoffDelay(m.opts.BaseDelay, m.attempts)
	m.attempts++
	m.cancelTimerLocked()
	m.pending = time.AfterFunc(delay, func() { _ = m.Connect() })
	m.opts.Logger.Info("reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.attempts))
}

// backoffDelay returns base * 2^attempt.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

func (m *Manager) readPump(sock Socket, gen int) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			m.socketClosed(gen, err)
			return
		}
		frame, derr := wire.Decode(data)
		if derr != nil {
			m.opts.Logger.Warn("dropping invalid frame", zap.Error(derr))
			continue
		}
		m.fanOutMessage(frame)
	}
}

func (m *Manager) socketClosed(gen int, err error) {
	m.mu.Lock()
	if m.generation != gen {
		// Already torn down by Disconnect/Reconnect/SetOnline.
		m.mu.Unlock()
		return
	}
	m.sock = nil
	m.generation++
	manual := m.manual
	m.manual = false
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)

	if manual || normal || !m.online {
		m.setStateLocked(Disconnected, nil)
		m.mu.Unlock()
		return
	}

	m.opts.Logger.Warn("connection lost", zap.Error(err))
	m.setStateLocked(Disconnected, err)
	m.scheduleReconnectLocked()
	m.mu.Unlock()
}

// setStateLocked transitions the state and notifies observers. Caller holds mu.
func (m *Manager) setStateLocked(to State, err error) {
	if m.state != to && !transitionAllowed(m.state, to) {
		m.opts.Logger.Error("invalid state transition",
			zap.String("from", string(m.state)),
			zap.String("to", string(to)))
		return
	}
	changed := m.state != to || !errors.Is(m.lastErr, err)
	m.state = to
	m.lastErr = err
	if !changed {
		return
	}
	// Enqueue rather than notify inline: observers run without mu held and
	// still see transitions in the order they happened.
	m.notifyQueue = append(m.notifyQueue, Status{State: to, Attempts: m.attempts, Err: err})
	if !m.notifying {
		m.notifying = true
		go m.drainNotifications()
	}
}

func (m *Manager) drainNotifications() {
	for {
		m.mu.Lock()
		if len(m.notifyQueue) == 0 {
			m.notifying = false
			m.mu.Unlock()
			return
		}
		status := m.notifyQueue[0]
		m.notifyQueue = m.notifyQueue[1:]
		m.mu.Unlock()

		m.fanOutState(status)
		if m.opts.Bus != nil {
			m.opts.Bus.Publish(bus.Event{
				Kind:      "conn.status_changed",
				Timestamp: time.Now(),
				Payload:   status,
			})
		}
	}
}

// fanOutMessage delivers a frame to every message handler. A panicking
// handler is logged and never interrupts delivery to the remaining handlers;
// handlers may be added or removed during the iteration.
func (m *Manager) fanOutMessage(frame wire.Frame) {
	m.handlerMu.RLock()
	handlers := make([]func(wire.Frame), 0, len(m.msgHandlers))
	for _, fn := range m.msgHandlers {
		handlers = append(handlers, fn)
	}
	m.handlerMu.RUnlock()

	for _, fn := range handlers {
		m.safeInvokeMessage(fn, frame)
	}
}

func (m *Manager) safeInvokeMessage(fn func(wire.Frame), frame wire.Frame) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("message handler panicked", zap.Any("panic", r))
		}
	}()
	fn(frame)
}

func (m *Manager) fanOutState(status Status) {
	m.handlerMu.RLock()
	handlers := make([]func(Status), 0, len(m.stateHandlers))
	for _, fn := range m.stateHandlers {
		handlers = append(handlers, fn)
	}
	m.handlerMu.RUnlock()

	for _, fn := range handlers {
		m.safeInvokeState(fn, status)
	}
}

func (m *Manager) safeInvokeState(fn func(Status), status Status) {
	defer func() {
		if r := recover(); r != nil {
			m.opts.Logger.Error("state handler panicked", zap.Any("panic", r))
		}
	}()
	fn(status)
}
