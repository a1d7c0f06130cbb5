// Package chat bridges UI intent and the transport/cache pair for one active
// conversation at a time: optimistic sends with per-message delivery timers,
// manual retry, history paging, and inbound frame dispatch.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sidharth-Singh10/affinity-chatd/internal/bus"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/cache"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/wire"
)

var (
	// ErrNoActiveConversation is returned by Send and Retry before SetActive.
	ErrNoActiveConversation = errors.New("chat: no active conversation")

	// ErrNotRetryable is returned by Retry when the id is not in the active
	// conversation's failed bucket.
	ErrNotRetryable = errors.New("chat: message is not in a retryable state")
)

// Transport is the slice of the connection manager the session uses.
type Transport interface {
	Send(payload any) error
	AddMessageHandler(fn func(wire.Frame)) func()
}

// Options configures a Session.
type Options struct {
	AckTimeout       time.Duration // delivery timer window, default 30s
	MarkReadDebounce time.Duration // delay before a switched-to chat is marked read, default 500ms
	Clock            func() time.Time
}

// Session coordinates exactly one foregrounded conversation, while still
// routing inbound frames for every conversation into the cache so switching
// never loses messages received in the background.
type Session struct {
	selfID string
	cache  *cache.Cache
	tr     Transport
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	mu           sync.Mutex
	activePeer   string
	activeConv   string
	activeCtx    context.Context
	activeCancel context.CancelFunc
	readTimer    *time.Timer

	// Delivery timers are keyed by message id and scoped to the message's
	// conversation, independent of which conversation is foregrounded.
	timers    map[string]*time.Timer
	timerConv map[string]string

	// Outstanding history requests, one per conversation at most, with the
	// request order preserved so responses without messages can be matched
	// to the oldest outstanding request.
	histReqs  map[string]context.Context
	histOrder []string

	unsubFrames func()
	closed      bool
}

// NewSession creates a session for the given identity and subscribes it to
// the transport's inbound frames.
func NewSession(selfID string, c *cache.Cache, tr Transport, b *bus.Bus, logger *zap.Logger, opts Options) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 30 * time.Second
	}
	if opts.MarkReadDebounce <= 0 {
		opts.MarkReadDebounce = 500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Session{
		selfID:    selfID,
		cache:     c,
		tr:        tr,
		bus:       b,
		logger:    logger,
		opts:      opts,
		timers:    make(map[string]*time.Timer),
		timerConv: make(map[string]string),
		histReqs:  make(map[string]context.Context),
	}
	s.unsubFrames = tr.AddMessageHandler(s.handleFrame)
	return s
}

// ActiveConversation returns the canonical id of the foregrounded
// conversation, or "".
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConv
}

// SetActive switches the foregrounded conversation: the previous one is
// flushed to durable storage and evicted from the hot tier, the new one is
// hydrated, and mark-as-read is armed with a short debounce so a chat is not
// marked read before it could render. In-flight history loads for the
// previous conversation are aborted.
func (s *Session) SetActive(peer string) string {
	convID := CanonicalID(s.selfID, peer)

	s.mu.Lock()
	if s.activeConv == convID {
		s.mu.Unlock()
		return convID
	}
	prev := s.activeConv
	if s.activeCancel != nil {
		s.activeCancel()
	}
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.activePeer = peer
	s.activeConv = convID
	s.activeCtx = ctx
	s.activeCancel = cancel
	s.mu.Unlock()

	if prev != "" {
		s.cache.ClearFromMemory(prev)
	}
	s.cache.Preload(convID)

	s.mu.Lock()
	if s.activeConv == convID && !s.closed {
		s.readTimer = time.AfterFunc(s.opts.MarkReadDebounce, func() {
			if s.ActiveConversation() == convID {
				s.cache.MarkRead(convID)
			}
		})
	}
	s.mu.Unlock()
	return convID
}

// Send builds a message with a client-generated id, writes it into the cache
// optimistically as pending, transmits it, and arms the delivery timer. A
// transport refusal fails the message immediately; it stays visible with a
// retry affordance.
func (s *Session) Send(content string) (string, error) {
	s.mu.Lock()
	peer := s.activePeer
	convID := s.activeConv
	s.mu.Unlock()
	if convID == "" {
		return "", ErrNoActiveConversation
	}

	id := uuid.New().String()
	s.cache.AddMessage(convID, cache.Message{
		ID:         id,
		SenderID:   s.selfID,
		ReceiverID: peer,
		Content:    content,
		Direction:  cache.Outgoing,
		CreatedAt:  s.opts.Clock(),
		Status:     cache.StatusPending,
	})

	if err := s.transmit(convID, id, peer, content); err != nil {
		return id, err
	}
	return id, nil
}

// Retry re-sends a failed message with the identical id and content,
// preserving dedup on the wire and at the server, and re-arms its delivery
// timer. Failed messages are never auto-retried.
func (s *Session) Retry(id string) error {
	s.mu.Lock()
	convID := s.activeConv
	s.mu.Unlock()
	if convID == "" {
		return ErrNoActiveConversation
	}

	var failed *cache.Message
	for _, m := range s.cache.AllMessages(convID).Failed {
		if m.ID == id {
			failed = &m
			break
		}
	}
	if failed == nil {
		return ErrNotRetryable
	}

	if !s.cache.UpdateMessageStatus(convID, id, cache.StatusPending, nil) {
		return ErrNotRetryable
	}
	return s.transmit(convID, id, failed.ReceiverID, failed.Content)
}

func (s *Session) transmit(convID, id, peer, content string) error {
	err := s.tr.Send(wire.SendRequest{
		From:      s.selfID,
		To:        peer,
		Content:   content,
		MessageID: id,
	})
	if err != nil {
		s.logger.Warn("send failed", zap.String("message_id", id), zap.Error(err))
		s.cache.UpdateMessageStatus(convID, id, cache.StatusFailed, nil)
		s.publish("message.send_failed", id)
		return err
	}
	s.armTimer(convID, id)
	return nil
}

// armTimer arms the per-message delivery timer. Timers are independent and
// many may be outstanding; each is canceled by its matching acknowledgment.
func (s *Session) armTimer(convID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timerConv[id] = convID
	s.timers[id] = time.AfterFunc(s.opts.AckTimeout, func() {
		s.deliveryTimeout(convID, id)
	})
}

func (s *Session) deliveryTimeout(convID, id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Keep the conversation mapping for one more timeout window so a late
	// acknowledgment can still promote the message, then forget it.
	s.timers[id] = time.AfterFunc(s.opts.AckTimeout, func() {
		s.forgetMessage(id)
	})
	s.mu.Unlock()

	if s.cache.UpdateMessageStatus(convID, id, cache.StatusFailed, nil) {
		s.logger.Warn("delivery timed out", zap.String("message_id", id))
		s.publish("message.delivery_timeout", id)
	}
}

func (s *Session) forgetMessage(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	delete(s.timerConv, id)
	s.mu.Unlock()
}

// LoadOlder requests the next older history page for the active
// conversation. Duplicate concurrent requests are guarded by the cache's
// history-loading flag.
func (s *Session) LoadOlder() error {
	s.mu.Lock()
	convID := s.activeConv
	s.mu.Unlock()
	if convID == "" {
		return ErrNoActiveConversation
	}

	_, cursor := s.cache.GetPaginationState(convID)
	if !s.cache.TryBeginHistoryLoad(convID) {
		return nil
	}

	s.mu.Lock()
	s.histReqs[convID] = s.activationContext()
	s.histOrder = append(s.histOrder, convID)
	s.mu.Unlock()

	err := s.tr.Send(wire.HistoryRequest{ConversationID: convID, MessageID: cursor})
	if err != nil {
		s.mu.Lock()
		s.dropHistRequestLocked(convID)
		s.mu.Unlock()
		s.cache.EndHistoryLoad(convID)
		return err
	}
	return nil
}

// dropHistRequestLocked forgets an outstanding history request. Caller holds
// mu.
func (s *Session) dropHistRequestLocked(convID string) {
	delete(s.histReqs, convID)
	for i, id := range s.histOrder {
		if id == convID {
			s.histOrder = append(s.histOrder[:i], s.histOrder[i+1:]...)
			break
		}
	}
}

// handleFrame dispatches an inbound frame by kind. Cache entries are updated
// for every conversation regardless of which one is active, so switching
// conversations never loses messages received while viewing another one.
func (s *Session) handleFrame(frame wire.Frame) {
	switch f := frame.(type) {
	case wire.DirectMessage:
		s.handleDirectMessage(f)
	case wire.HistoryPage:
		s.handleHistoryPage(f)
	case wire.Ack:
		s.handleAck(f)
	}
}

func (s *Session) handleDirectMessage(f wire.DirectMessage) {
	convID := CanonicalID(f.From, f.To)
	dir := cache.Incoming
	if f.From == s.selfID {
		dir = cache.Outgoing
	}
	s.cache.AddMessage(convID, cache.Message{
		ID:         f.MessageID,
		SenderID:   f.From,
		ReceiverID: f.To,
		Content:    f.Content,
		Direction:  dir,
		CreatedAt:  f.Timestamp,
		Status:     cache.StatusSent,
	})

	// Only the foregrounded conversation is read as it arrives.
	if dir == cache.Incoming && s.ActiveConversation() == convID {
		s.cache.MarkRead(convID)
	}
	s.publish("message.received", f.MessageID)
}

func (s *Session) handleAck(f wire.Ack) {
	s.mu.Lock()
	if t, ok := s.timers[f.MessageID]; ok {
		// Stopping a timer that already fired is a safe no-op.
		t.Stop()
		delete(s.timers, f.MessageID)
	}
	convID, known := s.timerConv[f.MessageID]
	delete(s.timerConv, f.MessageID)
	s.mu.Unlock()

	if !known {
		s.logger.Debug("acknowledgment for unknown message",
			zap.String("message_id", f.MessageID))
		return
	}

	// Leave the message as-is if it is already confirmed.
	s.cache.UpdateMessageStatus(convID, f.MessageID, cache.StatusSent, nil)
	s.publish("message.send_ack", f.MessageID)
}

func (s *Session) handleHistoryPage(f wire.HistoryPage) {
	var convID string
	if len(f.Messages) > 0 {
		convID = CanonicalID(f.Messages[0].From, f.Messages[0].To)
	}

	s.mu.Lock()
	if convID == "" {
		// An empty page names no conversation. Responses arrive in request
		// order, so it can only belong to the oldest outstanding request;
		// with none outstanding it is unattributable and dropped.
		if len(s.histOrder) == 0 {
			s.mu.Unlock()
			s.logger.Warn("history page with no addressable conversation")
			return
		}
		convID = s.histOrder[0]
	}
	reqCtx, requested := s.histReqs[convID]
	s.dropHistRequestLocked(convID)
	s.mu.Unlock()

	s.cache.EndHistoryLoad(convID)

	// Stale-response guard: a page for a conversation whose activation was
	// canceled must not clobber any conversation's state.
	if requested && reqCtx.Err() != nil {
		s.logger.Info("dropping history page for aborted load",
			zap.String("conversation", convID))
		return
	}

	msgs := make([]cache.Message, 0, len(f.Messages))
	for _, hm := range f.Messages {
		dir := cache.Incoming
		if hm.From == s.selfID {
			dir = cache.Outgoing
		}
		msgs = append(msgs, cache.Message{
			ID:         hm.MessageID,
			SenderID:   hm.From,
			ReceiverID: hm.To,
			Content:    hm.Content,
			Direction:  dir,
			CreatedAt:  hm.Timestamp,
			Status:     cache.StatusSent,
		})
	}
	// History pages are older than what is held: insert at the head.
	s.cache.AddMessages(convID, msgs, true)
	s.cache.UpdatePaginationState(convID, f.HasMore, f.NextCursor)
}

// activationContext returns the context of the current activation. Caller
// holds mu.
func (s *Session) activationContext() context.Context {
	if s.activeCtx == nil {
		return context.Background()
	}
	return s.activeCtx
}

// Close cancels every outstanding timer and detaches from the transport.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.activeCancel != nil {
		s.activeCancel()
	}
	if s.readTimer != nil {
		s.readTimer.Stop()
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for id := range s.timerConv {
		delete(s.timerConv, id)
	}
	unsub := s.unsubFrames
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (s *Session) publish(kind, messageID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: s.opts.Clock(),
		Payload:   messageID,
	})
}
