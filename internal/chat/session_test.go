package chat

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sidharth-Singh10/affinity-chatd/internal/cache"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/storage"
	"github.com/Sidharth-Singh10/affinity-chatd/internal/wire"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []any
	sendErr error
	handler func(wire.Frame)
}

func (f *fakeTransport) Send(payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeTransport) AddMessageHandler(fn func(wire.Frame)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handler = nil
	}
}

func (f *fakeTransport) deliver(t *testing.T, frame wire.Frame) {
	t.Helper()
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		t.Fatal("no frame handler registered")
	}
	h(frame)
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) sentRequests() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeTransport, *cache.Cache) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "chat.db"), 1<<20, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := cache.New(store, nil, nil, cache.Options{})
	tr := &fakeTransport{}
	if opts.MarkReadDebounce == 0 {
		opts.MarkReadDebounce = 5 * time.Millisecond
	}
	s := NewSession("7", c, tr, nil, nil, opts)
	t.Cleanup(s.Close)
	return s, tr, c
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSendRequiresActiveConversation(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	if _, err := s.Send("hello"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expected ErrNoActiveConversation, got %v", err)
	}
}

func TestSendIsOptimisticallyPending(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	conv := s.SetActive("12")

	id, err := s.Send("hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated message id")
	}

	snap := c.AllMessages(conv)
	if len(snap.Pending) != 1 || snap.Pending[0].ID != id {
		t.Fatalf("expected pending message %s, got %+v", id, snap.Pending)
	}
	if snap.Pending[0].Status != cache.StatusPending {
		t.Fatalf("expected pending status, got %v", snap.Pending[0].Status)
	}

	sent := tr.sentRequests()
	if len(sent) != 1 {
		t.Fatalf("expected one outbound frame, got %d", len(sent))
	}
	req, ok := sent[0].(wire.SendRequest)
	if !ok {
		t.Fatalf("expected SendRequest, got %T", sent[0])
	}
	if req.MessageID != id || req.From != "7" || req.To != "12" || req.Content != "hello" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestAckConfirmsDelivery(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	conv := s.SetActive("12")

	id, _ := s.Send("hello")
	tr.deliver(t, wire.Ack{MessageID: id, Status: "delivered"})

	snap := c.AllMessages(conv)
	if len(snap.Pending) != 0 {
		t.Fatalf("expected empty pending bucket, got %+v", snap.Pending)
	}
	if len(snap.Confirmed) != 1 || snap.Confirmed[0].ID != id {
		t.Fatalf("expected confirmed message %s, got %+v", id, snap.Confirmed)
	}
	if snap.Confirmed[0].Status != cache.StatusSent {
		t.Fatalf("expected sent status, got %v", snap.Confirmed[0].Status)
	}
}

func TestDeliveryTimeoutFailsMessage(t *testing.T) {
	s, _, c := newTestSession(t, Options{AckTimeout: 20 * time.Millisecond})
	conv := s.SetActive("12")

	id, _ := s.Send("hello")
	waitUntil(t, func() bool {
		snap := c.AllMessages(conv)
		return len(snap.Failed) == 1 && snap.Failed[0].ID == id
	})
	if len(c.AllMessages(conv).Pending) != 0 {
		t.Fatal("timed-out message must leave the pending bucket")
	}
}

func TestLateAckPromotesTimedOutMessage(t *testing.T) {
	s, tr, c := newTestSession(t, Options{AckTimeout: 20 * time.Millisecond})
	conv := s.SetActive("12")

	id, _ := s.Send("hello")
	waitUntil(t, func() bool {
		return len(c.AllMessages(conv).Failed) == 1
	})

	// The message did reach the server; a late acknowledgment still
	// confirms it.
	tr.deliver(t, wire.Ack{MessageID: id, Status: "delivered"})
	snap := c.AllMessages(conv)
	if len(snap.Failed) != 0 {
		t.Fatalf("late ack should empty the failed bucket, got %+v", snap.Failed)
	}
	if len(snap.Confirmed) != 1 || snap.Confirmed[0].ID != id {
		t.Fatalf("late ack should confirm the message, got %+v", snap)
	}
}

func TestTransportErrorFailsImmediately(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	conv := s.SetActive("12")
	tr.setErr(errors.New("socket closed"))

	id, err := s.Send("hello")
	if err == nil {
		t.Fatal("expected transport error")
	}
	snap := c.AllMessages(conv)
	if len(snap.Failed) != 1 || snap.Failed[0].ID != id {
		t.Fatalf("expected message in failed bucket, got %+v", snap)
	}
}

func TestRetryResendsWithSameID(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	conv := s.SetActive("12")

	tr.setErr(errors.New("socket closed"))
	id, _ := s.Send("hello")
	tr.setErr(nil)

	if err := s.Retry(id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	snap := c.AllMessages(conv)
	if len(snap.Pending) != 1 || snap.Pending[0].ID != id {
		t.Fatalf("retried message should be pending under the same id, got %+v", snap)
	}

	sent := tr.sentRequests()
	if len(sent) != 1 {
		t.Fatalf("expected one successful outbound frame, got %d", len(sent))
	}
	if req := sent[0].(wire.SendRequest); req.MessageID != id || req.Content != "hello" {
		t.Fatalf("retry must reuse the original id and content, got %+v", req)
	}

	tr.deliver(t, wire.Ack{MessageID: id, Status: "delivered"})
	if got := c.AllMessages(conv); len(got.Confirmed) != 1 {
		t.Fatalf("acked retry should be confirmed, got %+v", got)
	}
}

func TestRetryRejectsUnknownAndNonFailed(t *testing.T) {
	s, _, _ := newTestSession(t, Options{})
	s.SetActive("12")

	if err := s.Retry("nope"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable for unknown id, got %v", err)
	}

	id, _ := s.Send("hello")
	if err := s.Retry(id); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("pending message must not be retryable, got %v", err)
	}
}

func TestIncomingMessageRoutedByConversation(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	s.SetActive("12")

	// A message from a third party lands in its own conversation even while
	// another one is foregrounded.
	tr.deliver(t, wire.DirectMessage{
		From: "99", To: "7", Content: "yo", MessageID: "m1", Timestamp: time.Now(),
	})

	other := CanonicalID("7", "99")
	snap := c.AllMessages(other)
	if len(snap.Confirmed) != 1 || snap.Confirmed[0].ID != "m1" {
		t.Fatalf("expected message in background conversation, got %+v", snap)
	}
	if snap.Confirmed[0].Direction != cache.Incoming {
		t.Fatal("expected incoming direction")
	}
	meta, ok := c.Metadata(other)
	if !ok || !meta.HasUnread {
		t.Fatalf("background conversation should be unread, meta=%+v ok=%v", meta, ok)
	}
}

func TestIncomingMessageOnActiveConversationIsRead(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	conv := s.SetActive("12")

	tr.deliver(t, wire.DirectMessage{
		From: "12", To: "7", Content: "yo", MessageID: "m1", Timestamp: time.Now(),
	})

	waitUntil(t, func() bool {
		meta, ok := c.Metadata(conv)
		return ok && !meta.HasUnread
	})
}

func TestLoadOlderSendsCursorAndGuardsDuplicates(t *testing.T) {
	s, tr, _ := newTestSession(t, Options{})
	conv := s.SetActive("12")

	if err := s.LoadOlder(); err != nil {
		t.Fatalf("load older: %v", err)
	}
	if err := s.LoadOlder(); err != nil {
		t.Fatalf("duplicate load older: %v", err)
	}

	sent := tr.sentRequests()
	if len(sent) != 1 {
		t.Fatalf("duplicate request must be suppressed, got %d frames", len(sent))
	}
	req, ok := sent[0].(wire.HistoryRequest)
	if !ok {
		t.Fatalf("expected HistoryRequest, got %T", sent[0])
	}
	if req.ConversationID != conv || req.MessageID != nil {
		t.Fatalf("first page request should carry no cursor, got %+v", req)
	}
}

func TestHistoryPagePrependsOlderMessages(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	conv := s.SetActive("12")

	now := time.Now()
	tr.deliver(t, wire.DirectMessage{
		From: "12", To: "7", Content: "newest", MessageID: "m3", Timestamp: now,
	})

	if err := s.LoadOlder(); err != nil {
		t.Fatalf("load older: %v", err)
	}
	cursor := "m1"
	tr.deliver(t, wire.HistoryPage{
		Messages: []wire.DirectMessage{
			{From: "7", To: "12", Content: "older", MessageID: "m1", Timestamp: now.Add(-2 * time.Minute)},
			{From: "12", To: "7", Content: "old", MessageID: "m2", Timestamp: now.Add(-time.Minute)},
		},
		HasMore:    true,
		NextCursor: &cursor,
	})

	msgs := c.GetMessages(conv)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 confirmed messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" || msgs[2].ID != "m3" {
		t.Fatalf("history must prepend in order, got %v %v %v", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
	if msgs[0].Direction != cache.Outgoing {
		t.Fatal("own historical message should carry outgoing direction")
	}

	hasMore, next := c.GetPaginationState(conv)
	if !hasMore || next == nil || *next != "m1" {
		t.Fatalf("pagination state not updated: hasMore=%v next=%v", hasMore, next)
	}
	if c.HistoryLoading(conv) {
		t.Fatal("history load flag must clear when the page lands")
	}
}

func TestHistoryPageForSwitchedConversationIsDropped(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	convA := s.SetActive("12")

	if err := s.LoadOlder(); err != nil {
		t.Fatalf("load older: %v", err)
	}
	s.SetActive("99")

	tr.deliver(t, wire.HistoryPage{
		Messages: []wire.DirectMessage{
			{From: "12", To: "7", Content: "stale", MessageID: "m1", Timestamp: time.Now()},
		},
		HasMore: false,
	})

	if got := c.GetMessages(convA); len(got) != 0 {
		t.Fatalf("stale page must not repopulate the abandoned conversation, got %+v", got)
	}
	if c.HistoryLoading(convA) {
		t.Fatal("history load flag must clear even for dropped pages")
	}
}

func TestEmptyHistoryPageBelongsToOriginatingConversation(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	convA := s.SetActive("12")
	if err := s.LoadOlder(); err != nil {
		t.Fatalf("load older: %v", err)
	}

	convB := s.SetActive("99")
	if err := s.LoadOlder(); err != nil {
		t.Fatalf("load older: %v", err)
	}
	cursorB := "older-b"
	c.UpdatePaginationState(convB, true, &cursorB)

	// The first conversation's exhausted history arrives after the switch:
	// it must resolve against the oldest outstanding request, not the most
	// recent one.
	tr.deliver(t, wire.HistoryPage{HasMore: false})

	if c.HistoryLoading(convA) {
		t.Fatal("the empty page must clear the first conversation's loading flag")
	}
	if !c.HistoryLoading(convB) {
		t.Fatal("the second conversation's load must stay in flight")
	}
	hasMore, next := c.GetPaginationState(convB)
	if !hasMore || next == nil || *next != "older-b" {
		t.Fatalf("second conversation's pagination clobbered: hasMore=%v next=%v", hasMore, next)
	}

	// The second conversation's own page still lands normally.
	tr.deliver(t, wire.HistoryPage{
		Messages: []wire.DirectMessage{
			{From: "99", To: "7", Content: "old", MessageID: "b1", Timestamp: time.Now()},
		},
		HasMore: false,
	})
	if got := c.GetMessages(convB); len(got) != 1 || got[0].ID != "b1" {
		t.Fatalf("expected the second conversation's page to apply, got %+v", got)
	}
	if c.HistoryLoading(convB) {
		t.Fatal("loading flag must clear once the matching page lands")
	}
}

func TestUnattributableEmptyHistoryPageIsDropped(t *testing.T) {
	s, tr, c := newTestSession(t, Options{})
	conv := s.SetActive("12")

	tr.deliver(t, wire.HistoryPage{HasMore: false})

	if got := c.GetMessages(conv); len(got) != 0 {
		t.Fatalf("unsolicited empty page must not mutate state, got %+v", got)
	}
	if hasMore, next := c.GetPaginationState(conv); hasMore || next != nil {
		t.Fatalf("pagination state mutated: hasMore=%v next=%v", hasMore, next)
	}
}

func TestAckAfterGraceWindowIsDropped(t *testing.T) {
	s, tr, c := newTestSession(t, Options{AckTimeout: 20 * time.Millisecond})
	conv := s.SetActive("12")

	id, _ := s.Send("hello")
	waitUntil(t, func() bool {
		return len(c.AllMessages(conv).Failed) == 1
	})

	// One more timeout window after failure, the bookkeeping expires and a
	// straggling ack can no longer be attributed.
	waitUntil(t, func() bool {
		s.mu.Lock()
		_, held := s.timerConv[id]
		s.mu.Unlock()
		return !held
	})

	tr.deliver(t, wire.Ack{MessageID: id, Status: "delivered"})
	snap := c.AllMessages(conv)
	if len(snap.Failed) != 1 || snap.Failed[0].ID != id {
		t.Fatalf("expired ack must leave the message failed, got %+v", snap)
	}
	if len(snap.Confirmed) != 0 {
		t.Fatalf("expired ack must not confirm anything, got %+v", snap.Confirmed)
	}
}

func TestSetActiveIsIdempotentAndMarksRead(t *testing.T) {
	s, _, c := newTestSession(t, Options{})

	convA := s.SetActive("12")
	if again := s.SetActive("12"); again != convA {
		t.Fatalf("re-activating the same peer changed the id: %s vs %s", convA, again)
	}

	c.AddMessage(convA, cache.Message{
		ID: "m1", SenderID: "12", ReceiverID: "7",
		Content: "yo", Direction: cache.Incoming,
		CreatedAt: time.Now(), Status: cache.StatusSent,
	})
	convB := s.SetActive("99")
	if convB == convA {
		t.Fatal("different peers must map to different conversations")
	}

	// Switching back marks the conversation read after the debounce.
	s.SetActive("12")
	waitUntil(t, func() bool {
		meta, ok := c.Metadata(convA)
		return ok && !meta.HasUnread
	})
}

func TestCloseStopsTimersAndDetaches(t *testing.T) {
	s, tr, c := newTestSession(t, Options{AckTimeout: 20 * time.Millisecond})
	conv := s.SetActive("12")

	id, _ := s.Send("hello")
	s.Close()

	time.Sleep(50 * time.Millisecond)
	snap := c.AllMessages(conv)
	if len(snap.Pending) != 1 || snap.Pending[0].ID != id {
		t.Fatalf("closing must not fire pending delivery timers, got %+v", snap)
	}

	tr.mu.Lock()
	detached := tr.handler == nil
	tr.mu.Unlock()
	if !detached {
		t.Fatal("close must unsubscribe from the transport")
	}

	s.mu.Lock()
	timers, mappings := len(s.timers), len(s.timerConv)
	s.mu.Unlock()
	if timers != 0 || mappings != 0 {
		t.Fatalf("close must clear delivery bookkeeping, got %d timers and %d mappings", timers, mappings)
	}
}
