package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/storebay/supportchat/internal/backend"
	"github.com/storebay/supportchat/internal/domain"
)

type publishRec struct {
	destination string
	payload     any
}

type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	handlers    map[string]func(body []byte) // destination -> handler
	keys        map[string]struct{}
	published   []publishRec
	disconnects int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]func(body []byte)),
		keys:     make(map[string]struct{}),
	}
}

func (f *fakeTransport) Connect(ctx context.Context, onReady func()) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	onReady()
	return nil
}

func (f *fakeTransport) SubscribeOnce(key, destination string, handler func(body []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.keys[key]; dup {
		return nil
	}
	f.keys[key] = struct{}{}
	f.handlers[destination] = handler
	return nil
}

func (f *fakeTransport) Publish(destination string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishRec{destination, payload})
	return nil
}

func (f *fakeTransport) DisconnectAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	f.handlers = make(map[string]func(body []byte))
	f.keys = make(map[string]struct{})
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// deliver pushes a broker frame body at whatever handler holds the destination.
func (f *fakeTransport) deliver(t *testing.T, destination string, payload any) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[destination]
	f.mu.Unlock()
	if handler == nil {
		t.Fatalf("no subscription for %s", destination)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	handler(body)
}

func (f *fakeTransport) publishedTo(destination string) []publishRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishRec
	for _, p := range f.published {
		if p.destination == destination {
			out = append(out, p)
		}
	}
	return out
}

type fakeIdentity struct {
	mu    sync.Mutex
	myID  string
	valid bool
}

func (f *fakeIdentity) MyID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.valid {
		return ""
	}
	return f.myID
}

func (f *fakeIdentity) ResolveEarly() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = true
	return f.myID, f.myID != ""
}

func (f *fakeIdentity) ResolveConfirmed(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = true
	return f.myID, nil
}

func (f *fakeIdentity) Invalidate() {
	f.mu.Lock()
	f.valid = false
	f.mu.Unlock()
}

func (f *fakeIdentity) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid
}

type fakeBackend struct {
	mu          sync.Mutex
	classifyFn  func(message string) (domain.ClassifyResult, error)
	createCalls int
	requestID   string
}

func (f *fakeBackend) Classify(ctx context.Context, userID, message string) (domain.ClassifyResult, error) {
	if f.classifyFn != nil {
		return f.classifyFn(message)
	}
	return domain.ClassifyResult{Message: "ok"}, nil
}

func (f *fakeBackend) CreateAdminRequest(ctx context.Context, userID, initialMessage string) (domain.AdminRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	id := f.requestID
	if id == "" {
		id = "req-1"
	}
	return domain.AdminRequest{ID: id, UserID: userID, Status: "PENDING"}, nil
}

func (f *fakeBackend) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []domain.LocalChatEntry
	cleared int
}

func (f *fakeHistory) Load(ctx context.Context) ([]domain.LocalChatEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.LocalChatEntry(nil), f.entries...), nil
}

func (f *fakeHistory) Replace(ctx context.Context, entries []domain.LocalChatEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append([]domain.LocalChatEntry(nil), entries...)
	return nil
}

func (f *fakeHistory) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = nil
	f.cleared++
	return nil
}

type fixture struct {
	ctrl      *Controller
	transport *fakeTransport
	ident     *fakeIdentity
	backend   *fakeBackend
	history   *fakeHistory
}

func newFixture(classifyFn func(string) (domain.ClassifyResult, error)) *fixture {
	ft := newFakeTransport()
	fi := &fakeIdentity{myID: "user-1", valid: true}
	fb := &fakeBackend{classifyFn: classifyFn}
	fh := &fakeHistory{}

	n := 0
	ctrl := NewController(Options{
		Backend:   fb,
		Identity:  fi,
		Transport: ft,
		History:   fh,
		LinkBase:  "http://localhost:3000",
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	return &fixture{ctrl: ctrl, transport: ft, ident: fi, backend: fb, history: fh}
}

func escalating(message string) (domain.ClassifyResult, error) {
	return domain.ClassifyResult{Message: "Connecting you to an admin.", AdminIssued: true}, nil
}

func TestSendBotRendersAnswerWithLink(t *testing.T) {
	fx := newFixture(func(string) (domain.ClassifyResult, error) {
		return domain.ClassifyResult{Message: "Track orders here.", Link: "/my-orders"}, nil
	})

	fx.ctrl.Send(context.Background(), "where is my order")

	entries := fx.ctrl.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Role != domain.RoleUser || entries[0].Text != "where is my order" {
		t.Errorf("user entry = %+v", entries[0])
	}
	bot := entries[1]
	if bot.Role != domain.RoleBot || bot.Text != "Track orders here." {
		t.Errorf("bot entry = %+v", bot)
	}
	if bot.LinkAbs != "http://localhost:3000/my-orders" {
		t.Errorf("LinkAbs = %q", bot.LinkAbs)
	}
}

func TestEscalationEntersWaitingAndSubscribes(t *testing.T) {
	fx := newFixture(escalating)

	fx.ctrl.Send(context.Background(), "I want a human")

	if got := fx.ctrl.Mode(); got != ModeWaiting {
		t.Fatalf("mode = %v, want waiting", got)
	}
	if got := fx.ctrl.RequestID(); got != "req-1" {
		t.Errorf("request id = %q, want req-1", got)
	}
	if !fx.transport.IsConnected() {
		t.Error("transport not connected after escalation")
	}
	for _, dest := range []string{"/topic/support/requests/req-1", "/user/queue/chat/req-1"} {
		fx.transport.mu.Lock()
		_, ok := fx.transport.handlers[dest]
		fx.transport.mu.Unlock()
		if !ok {
			t.Errorf("missing subscription for %s", dest)
		}
	}
	if pings := fx.transport.publishedTo("/app/support/requests/req-1/ready"); len(pings) != 1 {
		t.Errorf("ready pings = %d, want 1", len(pings))
	}
}

func TestWaitingModeBlocksSends(t *testing.T) {
	fx := newFixture(escalating)
	fx.ctrl.Send(context.Background(), "human please")

	before := len(fx.ctrl.Entries())
	fx.ctrl.Send(context.Background(), "hello?")

	if got := fx.backend.creates(); got != 1 {
		t.Errorf("admin requests created = %d, want 1", got)
	}
	entries := fx.ctrl.Entries()
	if len(entries) != before+1 {
		t.Fatalf("entries = %d, want %d", len(entries), before+1)
	}
	last := entries[len(entries)-1]
	if last.Text != "Waiting for an admin to accept your request…" {
		t.Errorf("reminder text = %q", last.Text)
	}
	if chats := fx.transport.publishedTo("/app/chat/req-1"); len(chats) != 0 {
		t.Errorf("message forwarded while waiting: %v", chats)
	}
}

func TestAcceptanceAnnouncesJoin(t *testing.T) {
	fx := newFixture(escalating)
	fx.ctrl.Send(context.Background(), "human please")

	fx.transport.deliver(t, "/topic/support/requests/req-1", map[string]string{"type": "ACCEPTED"})

	if got := fx.ctrl.Mode(); got != ModeAdmin {
		t.Fatalf("mode = %v, want admin", got)
	}
	entries := fx.ctrl.Entries()
	last := entries[len(entries)-1]
	if last.Role != domain.RoleSystem || last.Text != "An admin joined the chat. You can continue here." {
		t.Errorf("join announcement = %+v", last)
	}
}

func TestMessageBeforeAcceptanceFlipsMode(t *testing.T) {
	fx := newFixture(escalating)
	fx.ctrl.Send(context.Background(), "human please")

	// The admin's first message outruns the acceptance event.
	fx.transport.deliver(t, "/user/queue/chat/req-1", map[string]any{
		"id": "m1", "senderId": "admin-1", "body": "Hi, how can I help?",
	})

	if got := fx.ctrl.Mode(); got != ModeAdmin {
		t.Fatalf("mode = %v, want admin after first message", got)
	}
	entries := fx.ctrl.Entries()
	last := entries[len(entries)-1]
	if last.Text != "Hi, how can I help?" || !last.Admin {
		t.Errorf("admin message entry = %+v", last)
	}

	// The late acceptance event still lands its announcement, once.
	fx.transport.deliver(t, "/topic/support/requests/req-1", map[string]string{"type": "ACCEPTED"})
	entries = fx.ctrl.Entries()
	joins := 0
	for _, e := range entries {
		if e.Text == "An admin joined the chat. You can continue here." {
			joins++
		}
	}
	if joins != 1 {
		t.Errorf("join announcements = %d, want 1", joins)
	}
}

func TestCloseTearsDownAndReturnsToBot(t *testing.T) {
	fx := newFixture(escalating)
	fx.ctrl.Send(context.Background(), "human please")
	fx.transport.deliver(t, "/topic/support/requests/req-1", map[string]string{"type": "ACCEPTED"})

	fx.transport.deliver(t, "/topic/support/requests/req-1", map[string]string{"type": "CLOSED"})

	if got := fx.ctrl.Mode(); got != ModeBot {
		t.Errorf("mode = %v, want bot after close", got)
	}
	if fx.transport.IsConnected() {
		t.Error("transport still connected after close")
	}
	entries := fx.ctrl.Entries()
	last := entries[len(entries)-1]
	if last.Text != "The admin closed this chat." {
		t.Errorf("close announcement = %q", last.Text)
	}
}

func TestAdminDisconnectReturnsToBot(t *testing.T) {
	fx := newFixture(escalating)
	fx.ctrl.Send(context.Background(), "human please")
	fx.transport.deliver(t, "/topic/support/requests/req-1", map[string]string{"type": "ACCEPTED"})

	// A user-side disconnect (another device of ours) is not a session end.
	fx.transport.deliver(t, "/topic/support/requests/req-1", map[string]string{"type": "DISCONNECTED", "who": "USER"})
	if got := fx.ctrl.Mode(); got != ModeAdmin {
		t.Fatalf("mode = %v, want admin after user disconnect", got)
	}

	fx.transport.deliver(t, "/topic/support/requests/req-1", map[string]string{"type": "DISCONNECTED", "who": "ADMIN"})
	if got := fx.ctrl.Mode(); got != ModeBot {
		t.Errorf("mode = %v, want bot after admin disconnect", got)
	}
	entries := fx.ctrl.Entries()
	last := entries[len(entries)-1]
	if last.Text != "Admin disconnected. You're back with the assistant." {
		t.Errorf("disconnect announcement = %q", last.Text)
	}
}

func TestLiveSendAndEchoReconciliation(t *testing.T) {
	fx := newFixture(escalating)
	fx.ctrl.Send(context.Background(), "human please")
	fx.transport.deliver(t, "/topic/support/requests/req-1", map[string]string{"type": "ACCEPTED"})

	fx.ctrl.Send(context.Background(), "my order is missing")

	chats := fx.transport.publishedTo("/app/chat/req-1")
	if len(chats) != 1 {
		t.Fatalf("published chats = %d, want 1", len(chats))
	}
	payload, ok := chats[0].payload.(map[string]string)
	if !ok || payload["body"] != "my order is missing" || payload["clientId"] == "" {
		t.Fatalf("publish payload = %+v", chats[0].payload)
	}
	clientID := payload["clientId"]

	entries := fx.ctrl.Entries()
	before := len(entries)
	pendingEntry := entries[len(entries)-1]
	if !pendingEntry.Pending || pendingEntry.ID != clientID {
		t.Fatalf("optimistic entry = %+v", pendingEntry)
	}

	// Server echoes the send back at us.
	fx.transport.deliver(t, "/user/queue/chat/req-1", map[string]any{
		"id": "srv-9", "senderId": "user-1", "body": "my order is missing", "clientId": clientID,
	})

	entries = fx.ctrl.Entries()
	if len(entries) != before {
		t.Fatalf("echo added an entry: %d, want %d", len(entries), before)
	}
	confirmed := entries[len(entries)-1]
	if confirmed.Pending {
		t.Error("entry still pending after echo")
	}
	if confirmed.ID != "srv-9" {
		t.Errorf("server id not adopted: %q", confirmed.ID)
	}

	// Redelivery of the same server id changes nothing.
	fx.transport.deliver(t, "/user/queue/chat/req-1", map[string]any{
		"id": "srv-9", "senderId": "user-1", "body": "my order is missing", "clientId": clientID,
	})
	if got := len(fx.ctrl.Entries()); got != before {
		t.Errorf("redelivery added an entry: %d, want %d", got, before)
	}
}

func TestForeignMessageRendersOnce(t *testing.T) {
	fx := newFixture(escalating)
	fx.ctrl.Send(context.Background(), "human please")

	msg := map[string]any{"id": "m1", "senderId": "admin-1", "body": "hello"}
	fx.transport.deliver(t, "/user/queue/chat/req-1", msg)
	fx.transport.deliver(t, "/user/queue/chat/req-1", msg)

	count := 0
	for _, e := range fx.ctrl.Entries() {
		if e.Text == "hello" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("rendered %d copies, want 1", count)
	}
}

func TestClearResetsEverything(t *testing.T) {
	fx := newFixture(escalating)
	fx.ctrl.Send(context.Background(), "human please")
	fx.transport.deliver(t, "/topic/support/requests/req-1", map[string]string{"type": "ACCEPTED"})

	fx.ctrl.Clear(context.Background())

	if got := fx.ctrl.Mode(); got != ModeBot {
		t.Errorf("mode = %v, want bot after clear", got)
	}
	if got := fx.ctrl.RequestID(); got != "" {
		t.Errorf("request id = %q, want empty", got)
	}
	if got := len(fx.ctrl.Entries()); got != 0 {
		t.Errorf("entries = %d, want 0", got)
	}
	if fx.transport.IsConnected() {
		t.Error("transport still connected after clear")
	}
	fx.history.mu.Lock()
	cleared := fx.history.cleared
	fx.history.mu.Unlock()
	if cleared != 1 {
		t.Errorf("history cleared %d times, want 1", cleared)
	}

	// A text suppressed before the clear renders again after it.
	fx.ctrl.Send(context.Background(), "human please")
	fx.transport.deliver(t, "/user/queue/chat/req-1", map[string]any{
		"id": "m1", "senderId": "admin-1", "body": "hello again",
	})
	entries := fx.ctrl.Entries()
	last := entries[len(entries)-1]
	if last.Text != "hello again" {
		t.Errorf("post-clear message not rendered: %+v", last)
	}
}

func TestUnauthorizedClassifyAsksForLogin(t *testing.T) {
	fx := newFixture(func(string) (domain.ClassifyResult, error) {
		return domain.ClassifyResult{}, backend.ErrUnauthorized
	})

	fx.ctrl.Send(context.Background(), "hi")

	if got := fx.ctrl.ErrText(); got != "Please log in to use chat support." {
		t.Errorf("errText = %q", got)
	}
	entries := fx.ctrl.Entries()
	last := entries[len(entries)-1]
	if last.Text != "You're not logged in. Please sign in and try again." {
		t.Errorf("login bubble = %q", last.Text)
	}
}

func TestClassifyFailureRendersServerError(t *testing.T) {
	fx := newFixture(func(string) (domain.ClassifyResult, error) {
		return domain.ClassifyResult{}, fmt.Errorf("boom")
	})

	fx.ctrl.Send(context.Background(), "hi")

	entries := fx.ctrl.Entries()
	last := entries[len(entries)-1]
	if last.Text != "Server error. Try again." {
		t.Errorf("error bubble = %q", last.Text)
	}
}

func TestAttachGoesStraightToAdmin(t *testing.T) {
	fx := newFixture(nil)

	fx.ctrl.Attach(context.Background(), "req-7")

	if got := fx.ctrl.Mode(); got != ModeAdmin {
		t.Errorf("mode = %v, want admin", got)
	}
	if got := fx.ctrl.RequestID(); got != "req-7" {
		t.Errorf("request id = %q, want req-7", got)
	}
	// Attach joins an existing session: no readiness ping.
	if pings := fx.transport.publishedTo("/app/support/requests/req-7/ready"); len(pings) != 0 {
		t.Errorf("unexpected ready pings: %d", len(pings))
	}
}

func TestStaleSubscriptionIgnored(t *testing.T) {
	fx := newFixture(escalating)
	fx.ctrl.Send(context.Background(), "human please")

	fx.transport.mu.Lock()
	handler := fx.transport.handlers["/user/queue/chat/req-1"]
	fx.transport.mu.Unlock()

	fx.ctrl.Clear(context.Background())

	// A frame delivered to the torn-down request's handler must not land.
	body, _ := json.Marshal(map[string]any{"id": "m1", "senderId": "admin-1", "body": "late"})
	handler(body)

	if got := len(fx.ctrl.Entries()); got != 0 {
		t.Errorf("stale message rendered, entries = %d", got)
	}
}

func TestStartLoadsHistory(t *testing.T) {
	fx := newFixture(nil)
	fx.history.entries = []domain.LocalChatEntry{
		{ID: "e1", Role: domain.RoleUser, Text: "old", At: time.Now()},
	}

	fx.ctrl.Start(context.Background())

	entries := fx.ctrl.Entries()
	if len(entries) != 1 || entries[0].Text != "old" {
		t.Errorf("history not loaded: %+v", entries)
	}
}
