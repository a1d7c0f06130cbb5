// Package cache is the per-conversation message store: three buckets
// (confirmed, pending, failed) with at-most-once-per-id semantics, pagination
// bookkeeping, read-state tracking, and a capacity-bounded durable tier.
//
// The cache is an explicitly constructed service instance with process-scoped
// lifetime; it is the sole writer of conversation records and metadata.
package cache

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Sidharth-Singh10/affinity-chatd/internal/bus"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/storage"
)

// Options configures a Cache.
type Options struct {
	ConfirmedCap int           // per conversation, default 100
	Retention    time.Duration // cleanup threshold, default 30 days
	Clock        func() time.Time
}

type conversation struct {
	confirmed []Message // ascending by CreatedAt
	pending   []Message
	failed    []Message

	hasMore        bool
	nextCursor     *string
	historyLoading bool
}

// Cache holds the hot tier and owns the durable tier underneath it.
// store may be nil, in which case the cache degrades to memory-only.
type Cache struct {
	mu     sync.Mutex
	convos map[string]*conversation
	meta   storage.MetadataMap

	store  *storage.Store
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	persistMu sync.Mutex
	inflight  sync.WaitGroup
}

// New creates a cache on top of the given durable store. Metadata is loaded
// eagerly so conversation listings work before any conversation is touched.
func New(store *storage.Store, b *bus.Bus, logger *zap.Logger, opts Options) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConfirmedCap <= 0 {
		opts.ConfirmedCap = 100
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Cache{
		convos: make(map[string]*conversation),
		meta:   storage.MetadataMap{},
		store:  store,
		bus:    b,
		logger: logger,
		opts:   opts,
	}
	if store != nil {
		meta, err := store.LoadMetadata()
		if err != nil {
			logger.Error("failed to load metadata", zap.Error(err))
		} else {
			c.meta = meta
		}
	}
	return c
}

// GetMessages returns the confirmed messages for a conversation, hydrating
// the hot tier from durable storage if absent. Touching a conversation
// refreshes its last-accessed time.
func (c *Cache) GetMessages(convID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.ensureLoadedLocked(convID)
	c.touchLocked(convID)
	return append([]Message(nil), conv.confirmed...)
}

// AddMessage inserts a message into the bucket matching its status. If the id
// already exists in any bucket the call is treated as already applied and
// still reports success. Returns false only when the message is unusable.
func (c *Cache) AddMessage(convID string, msg Message) bool {
	if convID == "" {
		return false
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.opts.Clock()
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}

	c.mu.Lock()
	conv := c.ensureLoadedLocked(convID)
	if conv.holds(msg.ID) {
		c.mu.Unlock()
		return true
	}

	switch msg.Status {
	case StatusPending:
		conv.pending = append(conv.pending, msg)
	case StatusFailed:
		conv.failed = append(conv.failed, msg)
	default:
		conv.insertConfirmed(msg)
		conv.trimConfirmed(c.opts.ConfirmedCap)
	}

	m := c.metaLocked(convID)
	if msg.CreatedAt.After(m.LastMessageTime) {
		m.LastMessageTime = msg.CreatedAt
	}
	m.MessageCount = conv.count()
	if msg.Direction == Incoming {
		m.UnreadCount++
		m.HasUnread = true
	}
	c.touchLocked(convID)
	c.mu.Unlock()

	c.persistAsync(convID)
	c.notify(convID)
	return true
}

// AddMessages bulk-merges a history page. Ids already present in the
// confirmed bucket are skipped; the rest go to the head (prepend, history
// pages are older) or the tail. The bucket is trimmed to twice the normal cap
// to bound memory during back-fill.
func (c *Cache) AddMessages(convID string, msgs []Message, prepend bool) bool {
	if convID == "" {
		return false
	}

	c.mu.Lock()
	conv := c.ensureLoadedLocked(convID)

	seen := make(map[string]struct{}, len(conv.confirmed))
	for _, m := range conv.confirmed {
		seen[m.ID] = struct{}{}
	}
	fresh := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Status = StatusSent
		fresh = append(fresh, m)
	}

	if prepend {
		conv.confirmed = append(fresh, conv.confirmed...)
	} else {
		conv.confirmed = append(conv.confirmed, fresh...)
	}
	conv.trimConfirmed(2 * c.opts.ConfirmedCap)

	m := c.metaLocked(convID)
	m.MessageCount = conv.count()
	if n := len(conv.confirmed); n > 0 {
		if last := conv.confirmed[n-1].CreatedAt; last.After(m.LastMessageTime) {
			m.LastMessageTime = last
		}
	}
	c.touchLocked(convID)
	c.mu.Unlock()

	c.persistAsync(convID)
	c.notify(convID)
	return true
}

// UpdateMessageStatus moves a message between buckets. Only messages
// currently pending or failed may transition; anything else returns false and
// leaves all buckets unchanged.
func (c *Cache) UpdateMessageStatus(convID, msgID string, status Status, patch *Patch) bool {
	c.mu.Lock()
	conv := c.ensureLoadedLocked(convID)

	msg, ok := conv.takePendingOrFailed(msgID)
	if !ok {
		c.mu.Unlock()
		return false
	}

	patch.apply(&msg)
	msg.Status = status
	switch status {
	case StatusPending:
		conv.pending = append(conv.pending, msg)
	case StatusFailed:
		conv.failed = append(conv.failed, msg)
	default:
		conv.insertConfirmed(msg)
		conv.trimConfirmed(c.opts.ConfirmedCap)
	}
	c.touchLocked(convID)
	c.mu.Unlock()

	c.persistAsync(convID)
	c.notify(convID)
	return true
}

// AllMessages returns a snapshot of all three buckets for UI consumption.
func (c *Cache) AllMessages(convID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.ensureLoadedLocked(convID)
	return Snapshot{
		Confirmed: append([]Message(nil), conv.confirmed...),
		Pending:   append([]Message(nil), conv.pending...),
		Failed:    append([]Message(nil), conv.failed...),
	}
}

// Merged returns every message of a conversation in one list, sorted
// non-decreasing by creation time.
func (c *Cache) Merged(convID string) []Message {
	snap := c.AllMessages(convID)
	all := make([]Message, 0, len(snap.Confirmed)+len(snap.Pending)+len(snap.Failed))
	all = append(all, snap.Confirmed...)
	all = append(all, snap.Pending...)
	all = append(all, snap.Failed...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all
}

// UpdatePaginationState persists the history cursor for a conversation.
func (c *Cache) UpdatePaginationState(convID string, hasMore bool, nextCursor *string) {
	c.mu.Lock()
	conv := c.ensureLoadedLocked(convID)
	conv.hasMore = hasMore
	conv.nextCursor = nextCursor
	m := c.metaLocked(convID)
	m.HasMore = hasMore
	m.NextCursor = nextCursor
	c.mu.Unlock()

	c.persistAsync(convID)
}

// GetPaginationState returns the stored cursor for requesting the next older
// page.
func (c *Cache) GetPaginationState(convID string) (hasMore bool, nextCursor *string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.ensureLoadedLocked(convID)
	return conv.hasMore, conv.nextCursor
}

// TryBeginHistoryLoad marks a history page request in flight. Returns false
// if one is already in flight, guarding against duplicate page requests.
func (c *Cache) TryBeginHistoryLoad(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.ensureLoadedLocked(convID)
	if conv.historyLoading {
		return false
	}
	conv.historyLoading = true
	return true
}

// EndHistoryLoad clears the in-flight history flag.
func (c *Cache) EndHistoryLoad(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.convos[convID]; ok {
		conv.historyLoading = false
	}
}

// HistoryLoading reports whether a history page request is in flight.
func (c *Cache) HistoryLoading(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.convos[convID]; ok {
		return conv.historyLoading
	}
	return false
}

// MarkRead clears the unread state of a conversation.
func (c *Cache) MarkRead(convID string) {
	c.mu.Lock()
	m := c.metaLocked(convID)
	m.UnreadCount = 0
	m.HasUnread = false
	c.mu.Unlock()

	c.persistMetaAsync()
	c.notify(convID)
}

// Pin marks a conversation exempt from retention cleanup.
func (c *Cache) Pin(convID string, pinned bool) {
	c.mu.Lock()
	c.metaLocked(convID).Pinned = pinned
	c.mu.Unlock()
	c.persistMetaAsync()
}

// Metadata returns a copy of a conversation's metadata.
func (c *Cache) Metadata(convID string) (storage.Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.meta[convID]; ok {
		return *m, true
	}
	return storage.Metadata{}, false
}

// ClearFromMemory flushes a conversation to durable storage and evicts it
// from the hot tier, keeping the durable copy.
func (c *Cache) ClearFromMemory(convID string) {
	c.mu.Lock()
	_, loaded := c.convos[convID]
	c.mu.Unlock()
	if !loaded {
		return
	}

	c.persistNow(convID)

	c.mu.Lock()
	delete(c.convos, convID)
	c.mu.Unlock()
}

// Preload hydrates a conversation into the hot tier. No metadata side
// effects beyond the access time.
func (c *Cache) Preload(convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureLoadedLocked(convID)
	c.touchLocked(convID)
}

// Clear drops the whole hot tier. The durable tier survives, as it must
// across process restarts.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.convos = make(map[string]*conversation)
	c.mu.Unlock()
}

// Cleanup removes conversations whose last access is older than the
// retention threshold and which are not pinned, from both tiers.
func (c *Cache) Cleanup() int {
	cutoff := c.opts.Clock().Add(-c.opts.Retention)

	c.mu.Lock()
	var stale []string
	for id, m := range c.meta {
		if m.Pinned {
			continue
		}
		if m.LastAccessed.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(c.convos, id)
		delete(c.meta, id)
	}
	c.mu.Unlock()

	if c.store != nil {
		for _, id := range stale {
			if err := c.store.DeleteConversation(id); err != nil {
				c.logger.Error("cleanup delete failed",
					zap.String("conversation", id), zap.Error(err))
			}
		}
	}
	c.persistMetaAsync()
	if len(stale) > 0 {
		c.logger.Info("cleaned up stale conversations", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Flush waits for in-flight writes and persists every hot conversation plus
// metadata synchronously. Used on shutdown.
func (c *Cache) Flush() {
	c.inflight.Wait()

	c.mu.Lock()
	ids := make([]string, 0, len(c.convos))
	for id := range c.convos {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.persistNow(id)
	}
	c.persistMetaNow()
}

func (c *Cache) ensureLoadedLocked(convID string) *conversation {
	if conv, ok := c.convos[convID]; ok {
		return conv
	}
	conv := &conversation{}
	if c.store != nil {
		rec, err := c.store.LoadConversation(convID)
		if err != nil {
			c.logger.Error("failed to load conversation",
				zap.String("conversation", convID), zap.Error(err))
		} else if rec != nil {
			conv.confirmed = fromStored(rec.Messages)
			conv.pending = fromStored(rec.PendingMessages)
			conv.failed = fromStored(rec.FailedMessages)
			conv.hasMore = rec.HasMore
			conv.nextCursor = rec.NextCursor
		}
	}
	c.convos[convID] = conv
	return conv
}

// metaLocked returns the metadata entry, creating it lazily on first touch.
func (c *Cache) metaLocked(convID string) *storage.Metadata {
	if m, ok := c.meta[convID]; ok {
		return m
	}
	m := &storage.Metadata{LastAccessed: c.opts.Clock()}
	c.meta[convID] = m
	return m
}

func (c *Cache) touchLocked(convID string) {
	c.metaLocked(convID).LastAccessed = c.opts.Clock()
}

// persistAsync schedules a durable write of the conversation and metadata.
// Fire-and-forget: callers never wait on it, and its failure never affects
// in-memory state.
func (c *Cache) persistAsync(convID string) {
	if c.store == nil {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.persistNow(convID)
		c.persistMetaNow()
	}()
}

func (c *Cache) persistMetaAsync() {
	if c.store == nil {
		return
	}
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.persistMetaNow()
	}()
}

// persistNow snapshots the conversation and writes it. The snapshot is taken
// at write time, so delayed writes never resurrect older state.
func (c *Cache) persistNow(convID string) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	conv, ok := c.convos[convID]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec := &storage.ConversationRecord{
		ID:              convID,
		Messages:        toStored(conv.confirmed),
		PendingMessages: toStored(conv.pending),
		FailedMessages:  toStored(conv.failed),
		HasMore:         conv.hasMore,
		NextCursor:      conv.nextCursor,
	}
	c.mu.Unlock()

	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.store.SaveConversation(rec); err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			c.logger.Warn("durable write dropped, over byte budget",
				zap.String("conversation", convID))
			return
		}
		c.logger.Error("durable write failed",
			zap.String("conversation", convID), zap.Error(err))
	}
}

func (c *Cache) persistMetaNow() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	snapshot := storage.MetadataMap{}
	for id, m := range c.meta {
		copied := *m
		snapshot[id] = &copied
	}
	c.mu.Unlock()

	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if err := c.store.SaveMetadata(snapshot); err != nil {
		c.logger.Error("metadata write failed", zap.Error(err))
	}
}

func (c *Cache) notify(convID string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      "cache.updated",
		Timestamp: c.opts.Clock(),
		Payload:   convID,
	})
}

func (conv *conversation) holds(id string) bool {
	for _, list := range [][]Message{conv.confirmed, conv.pending, conv.failed} {
		for _, m := range list {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

func (conv *conversation) count() int {
	return len(conv.confirmed) + len(conv.pending) + len(conv.failed)
}

// insertConfirmed appends and restores ascending CreatedAt order. The sort is
// stable so equal timestamps keep insertion order.
func (conv *conversation) insertConfirmed(msg Message) {
	conv.confirmed = append(conv.confirmed, msg)
	if n := len(conv.confirmed); n > 1 && conv.confirmed[n-2].CreatedAt.After(msg.CreatedAt) {
		sort.SliceStable(conv.confirmed, func(i, j int) bool {
			return conv.confirmed[i].CreatedAt.Before(conv.confirmed[j].CreatedAt)
		})
	}
}

// trimConfirmed drops the oldest confirmed entries beyond cap. Pending and
// failed messages are never evicted this way.
func (conv *conversation) trimConfirmed(limit int) {
	if excess := len(conv.confirmed) - limit; excess > 0 {
		conv.confirmed = append([]Message(nil), conv.confirmed[excess:]...)
	}
}

// takePendingOrFailed removes and returns the message with the given id from
// the pending or failed bucket.
func (conv *conversation) takePendingOrFailed(id string) (Message, bool) {
	for i, m := range conv.pending {
		if m.ID == id {
			conv.pending = append(conv.pending[:i], conv.pending[i+1:]...)
			return m, true
		}
	}
	for i, m := range conv.failed {
		if m.ID == id {
			conv.failed = append(conv.failed[:i], conv.failed[i+1:]...)
			return m, true
		}
	}
	return Message{}, false
}
