package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storebay/supportchat/internal/backend"
	"github.com/storebay/supportchat/internal/domain"
)

// Transport is the broker connection the controller drives. Matched by
// *transport.Client; tests substitute a fake.
type Transport interface {
	Connect(ctx context.Context, onReady func()) error
	SubscribeOnce(key, destination string, handler func(body []byte)) error
	Publish(destination string, payload any) error
	DisconnectAll()
	IsConnected() bool
}

// Identity is the resolver surface the controller needs.
type Identity interface {
	MyID() string
	ResolveEarly() (string, bool)
	ResolveConfirmed(ctx context.Context) (string, error)
	Invalidate()
	IsAuthenticated() bool
}

// Backend is the HTTP boundary the controller calls.
type Backend interface {
	Classify(ctx context.Context, userID, message string) (domain.ClassifyResult, error)
	CreateAdminRequest(ctx context.Context, userID, initialMessage string) (domain.AdminRequest, error)
}

// History persists the transcript across surface remounts within one run.
type History interface {
	Load(ctx context.Context) ([]domain.LocalChatEntry, error)
	Replace(ctx context.Context, entries []domain.LocalChatEntry) error
	Clear(ctx context.Context) error
}

// Controller owns one escalation session: the mode state machine, the entry
// log, and the dedup caches. One instance per surface mount; never shared
// across tabs or processes.
type Controller struct {
	backend   Backend
	ident     Identity
	transport Transport
	history   History
	linkBase  string
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu       sync.Mutex
	state    State
	entries  []domain.LocalChatEntry
	dedup    *Deduper
	errText  string
	onChange func()
}

// Options configures a Controller.
type Options struct {
	Backend   Backend
	Identity  Identity
	Transport Transport
	History   History
	LinkBase  string
	Logger    *slog.Logger

	// PendingWindow bounds the text-match fallback in echo suppression.
	// Zero means the default.
	PendingWindow time.Duration

	// Now and NewID exist for tests; they default to time.Now and uuid.
	Now   func() time.Time
	NewID func() string
}

// NewController builds a controller in bot mode with empty caches.
func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.PendingWindow <= 0 {
		opts.PendingWindow = defaultFreshness
	}
	return &Controller{
		backend:   opts.Backend,
		ident:     opts.Identity,
		transport: opts.Transport,
		history:   opts.History,
		linkBase:  opts.LinkBase,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		dedup:     NewDeduperWithWindow(opts.PendingWindow, opts.Now),
	}
}

// SetOnChange registers a callback fired after every visible mutation.
func (c *Controller) SetOnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Start loads persisted history and resolves identity. The early resolution
// is synchronous and local; the confirmed lookup runs in the background so
// rendering never waits on it.
func (c *Controller) Start(ctx context.Context) {
	if c.history != nil {
		if entries, err := c.history.Load(ctx); err != nil {
			c.logger.Warn("Failed to load chat history", "error", err)
		} else if len(entries) > 0 {
			c.mu.Lock()
			c.entries = entries
			c.mu.Unlock()
		}
	}

	c.ident.ResolveEarly()
	go func() {
		if _, err := c.ident.ResolveConfirmed(ctx); err != nil {
			c.logger.Debug("Identity confirmation deferred", "error", err)
		}
	}()
}

// Attach joins an already-established session (the full-page chat view on
// either side of an accepted request): straight to admin mode, connect, and
// subscribe.
func (c *Controller) Attach(ctx context.Context, requestID string) {
	c.mu.Lock()
	c.state = State{Mode: ModeAdmin, RequestID: requestID}
	c.mu.Unlock()

	c.ident.ResolveEarly()
	go func() {
		if _, err := c.ident.ResolveConfirmed(ctx); err != nil {
			c.logger.Debug("Identity confirmation deferred", "error", err)
		}
	}()

	c.connectAndSubscribe(ctx, requestID, false)
	c.notify()
}

// Entries returns a copy of the display log.
func (c *Controller) Entries() []domain.LocalChatEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.LocalChatEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Mode returns the current escalation mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Mode
}

// RequestID returns the active admin request id, or "".
func (c *Controller) RequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.RequestID
}

// ErrText returns the current inline error, or "".
func (c *Controller) ErrText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errText
}

// Connected reports whether the broker connection is live.
func (c *Controller) Connected() bool {
	return c.transport.IsConnected()
}

// CanSend reports whether composing is currently allowed.
func (c *Controller) CanSend() bool {
	if !c.ident.IsAuthenticated() {
		return false
	}
	return c.Mode() != ModeWaiting
}

// Send routes an outgoing message according to the current mode. Every
// failure ends up as a rendered entry or an inline error; nothing escapes.
func (c *Controller) Send(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.setErr("")

	if c.ident.MyID() == "" {
		c.ident.ResolveEarly()
	}

	switch c.Mode() {
	case ModeAdmin:
		c.sendLive(text)
	case ModeWaiting:
		// Logically blocked: nothing is forwarded, just a local reminder.
		c.appendEntry(domain.LocalChatEntry{
			ID:   c.newID(),
			Role: domain.RoleBot,
			Text: "Waiting for an admin to accept your request…",
			At:   c.now(),
		})
	default:
		c.sendBot(ctx, text)
	}
}

// Clear is the escape hatch: reset to bot mode, wipe the log, the dedup
// caches, and the identity cache, and tear the transport down, regardless of
// current state.
func (c *Controller) Clear(ctx context.Context) {
	c.mu.Lock()
	next, _ := Transition(c.state, Cleared{})
	c.state = next
	c.entries = nil
	c.errText = ""
	c.dedup.Reset()
	c.mu.Unlock()

	if c.history != nil {
		if err := c.history.Clear(ctx); err != nil {
			c.logger.Warn("Failed to clear chat history", "error", err)
		}
	}
	c.ident.Invalidate()
	c.transport.DisconnectAll()
	c.notify()
}

// Shutdown tears down the transport on surface unmount.
func (c *Controller) Shutdown() {
	c.transport.DisconnectAll()
}

func (c *Controller) sendLive(text string) {
	c.mu.Lock()
	requestID := c.state.RequestID
	if requestID == "" || !c.transport.IsConnected() {
		c.errText = "Live chat not connected"
		c.mu.Unlock()
		c.notify()
		return
	}

	clientID := c.newID()
	c.dedup.TrackSend(clientID, text)
	c.entries = append(c.entries, domain.LocalChatEntry{
		ID:      clientID,
		Role:    domain.RoleUser,
		Text:    text,
		At:      c.now(),
		Pending: true,
	})
	c.persistLocked()
	c.mu.Unlock()
	c.notify()

	err := c.transport.Publish("/app/chat/"+requestID, map[string]string{
		"body":     text,
		"clientId": clientID,
	})
	if err != nil {
		// No retry: the optimistic bubble stays pending and the error is
		// visible until the next action.
		c.setErr("Failed to send: " + err.Error())
	}
}

func (c *Controller) sendBot(ctx context.Context, text string) {
	c.appendEntry(domain.LocalChatEntry{
		ID:   c.newID(),
		Role: domain.RoleUser,
		Text: text,
		At:   c.now(),
	})

	res, err := c.backend.Classify(ctx, c.ident.MyID(), text)
	if errors.Is(err, backend.ErrUnauthorized) {
		c.setErr("Please log in to use chat support.")
		c.appendEntry(domain.LocalChatEntry{
			ID:   c.newID(),
			Role: domain.RoleBot,
			Text: "You're not logged in. Please sign in and try again.",
			At:   c.now(),
		})
		return
	}
	if err != nil {
		c.logger.Warn("Classify call failed", "error", err)
		c.setErr(err.Error())
		c.appendEntry(domain.LocalChatEntry{
			ID:   c.newID(),
			Role: domain.RoleBot,
			Text: "Server error. Try again.",
			At:   c.now(),
		})
		return
	}

	if res.Legacy {
		c.appendEntry(domain.LocalChatEntry{
			ID:   c.newID(),
			Role: domain.RoleBot,
			Text: res.Summary(),
			At:   c.now(),
		})
		return
	}

	entry := domain.LocalChatEntry{
		ID:    c.newID(),
		Role:  domain.RoleBot,
		Text:  res.Message,
		At:    c.now(),
		Admin: res.AdminIssued,
	}
	if res.Link != "" {
		entry.Link = res.Link
		entry.LinkAbs = domain.AbsolutizeLink(res.Link, c.linkBase)
	}
	c.appendEntry(entry)

	if res.AdminIssued {
		c.escalate(ctx, text)
	}
}

// escalate creates (or reuses) the admin request and enters waiting mode.
// The backend dedupes pending requests per user; the client's own guard is
// never issuing a create while a RequestID is already set.
func (c *Controller) escalate(ctx context.Context, initialMessage string) {
	c.mu.Lock()
	if c.state.RequestID != "" {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	myID, err := c.ident.ResolveConfirmed(ctx)
	if err != nil {
		c.setErr("Could not start admin chat: " + err.Error())
		return
	}

	req, err := c.backend.CreateAdminRequest(ctx, myID, initialMessage)
	if err != nil {
		c.logger.Warn("Admin request creation failed", "error", err)
		c.setErr("Could not start admin chat: " + err.Error())
		return
	}
	c.apply(ctx, Escalated{RequestID: req.ID})
}

// apply runs the pure transition and interprets its effects.
func (c *Controller) apply(ctx context.Context, ev Event) {
	c.mu.Lock()
	next, effects := Transition(c.state, ev)
	c.state = next
	requestID := next.RequestID

	var subscribe, teardown bool
	for _, eff := range effects {
		switch eff {
		case EffectSubscribe:
			subscribe = true
		case EffectTeardown:
			teardown = true
		case EffectAnnounceJoined:
			c.entries = append(c.entries, domain.LocalChatEntry{
				ID:    c.newID(),
				Role:  domain.RoleSystem,
				Text:  "An admin joined the chat. You can continue here.",
				At:    c.now(),
				Admin: true,
			})
		case EffectAnnounceClosed:
			c.entries = append(c.entries, domain.LocalChatEntry{
				ID:    c.newID(),
				Role:  domain.RoleSystem,
				Text:  "The admin closed this chat.",
				At:    c.now(),
				Admin: true,
			})
		case EffectAnnounceDisconnected:
			c.entries = append(c.entries, domain.LocalChatEntry{
				ID:    c.newID(),
				Role:  domain.RoleSystem,
				Text:  "Admin disconnected. You're back with the assistant.",
				At:    c.now(),
				Admin: true,
			})
		}
	}
	c.persistLocked()
	c.mu.Unlock()
	c.notify()

	// Teardown happens as part of leaving the escalated modes, so a message
	// delivered to the stale channel afterwards has nowhere to land.
	if teardown {
		c.transport.DisconnectAll()
	}
	if subscribe {
		c.connectAndSubscribe(ctx, requestID, true)
	}
}

func (c *Controller) connectAndSubscribe(ctx context.Context, requestID string, announceReady bool) {
	err := c.transport.Connect(ctx, func() {
		eventsKey := "req." + requestID + ".events"
		eventsDest := "/topic/support/requests/" + requestID
		if err := c.transport.SubscribeOnce(eventsKey, eventsDest, c.eventHandler(requestID)); err != nil {
			c.setErr("Live chat connection error: " + err.Error())
			return
		}

		msgKey := "req." + requestID + ".msg"
		msgDest := "/user/queue/chat/" + requestID
		if err := c.transport.SubscribeOnce(msgKey, msgDest, c.messageHandler(requestID)); err != nil {
			c.setErr("Live chat connection error: " + err.Error())
			return
		}

		if announceReady {
			readyDest := "/app/support/requests/" + requestID + "/ready"
			if err := c.transport.Publish(readyDest, map[string]string{"type": "USER_READY"}); err != nil {
				c.logger.Debug("Readiness ping failed", "error", err)
			}
		}
	})
	if err != nil {
		c.setErr("Live chat connection error: " + err.Error())
	}
}

func (c *Controller) eventHandler(requestID string) func(body []byte) {
	return func(body []byte) {
		if c.RequestID() != requestID {
			return
		}
		ev := domain.ParseSupportEvent(body)
		ctx := context.Background()
		if ev.IsAccept() {
			c.apply(ctx, Accepted{})
		}
		if ev.IsClose() {
			c.apply(ctx, Closed{})
		}
		if ev.IsDisconnect() {
			c.apply(ctx, Disconnected{Who: ev.DisconnectedParty()})
		}
	}
}

func (c *Controller) messageHandler(requestID string) func(body []byte) {
	return func(body []byte) {
		msg := domain.NormalizeChatMessage(body, c.now())

		c.mu.Lock()
		if c.state.RequestID != requestID {
			c.mu.Unlock()
			return
		}
		verdict, clientID := c.dedup.Evaluate(msg, c.ident.MyID())
		c.mu.Unlock()

		if verdict == VerdictDuplicate {
			return
		}

		// A chat message can outrun the acceptance event; first receipt is
		// proof enough that an admin is live.
		c.apply(context.Background(), MessageReceived{})

		switch verdict {
		case VerdictOwnEcho:
			c.reconcile(clientID, msg)
		case VerdictNew:
			id := msg.ID
			if id == "" {
				id = c.newID()
			}
			c.appendEntry(domain.LocalChatEntry{
				ID:    id,
				Role:  domain.RoleBot,
				Text:  msg.Text,
				At:    c.now(),
				Admin: true,
			})
		}
	}
}

// reconcile flips the matching optimistic bubble to confirmed, adopting the
// server id when one exists. clientId match first, then the most recent
// pending entry with identical text. An echo that matches nothing is dropped
// rather than rendered: a silent drop beats a duplicate bubble.
func (c *Controller) reconcile(clientID string, msg domain.ChatMessage) {
	c.mu.Lock()
	defer func() {
		c.dedup.Forget(clientID)
		c.persistLocked()
		c.mu.Unlock()
		c.notify()
	}()

	if clientID != "" {
		for i := range c.entries {
			e := &c.entries[i]
			if e.ID == clientID && e.Role == domain.RoleUser {
				e.Pending = false
				if msg.ID != "" {
					e.ID = msg.ID
				}
				return
			}
		}
	}

	for i := len(c.entries) - 1; i >= 0; i-- {
		e := &c.entries[i]
		if e.Role == domain.RoleUser && e.Pending && e.Text == msg.Text {
			e.Pending = false
			if msg.ID != "" {
				e.ID = msg.ID
			}
			return
		}
	}
}

func (c *Controller) appendEntry(entry domain.LocalChatEntry) {
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.persistLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setErr(text string) {
	c.mu.Lock()
	c.errText = text
	c.mu.Unlock()
	if text != "" {
		c.notify()
	}
}

// persistLocked snapshots the log into history. Callers hold c.mu.
func (c *Controller) persistLocked() {
	if c.history == nil {
		return
	}
	snapshot := make([]domain.LocalChatEntry, len(c.entries))
	copy(snapshot, c.entries)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.history.Replace(ctx, snapshot); err != nil {
			c.logger.Warn("Failed to persist chat history", "error", err)
		}
	}()
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}
