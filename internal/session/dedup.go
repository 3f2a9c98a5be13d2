// Package session implements the escalation state machine and the echo
// suppression logic around the live chat relay.
package session

import (
	"time"

	"github.com/storebay/supportchat/internal/domain"
)

// Verdict classifies an inbound broker message.
type Verdict int

const (
	// VerdictNew is a genuinely new counterparty or system message.
	VerdictNew Verdict = iota
	// VerdictDuplicate is a redelivery of a server id already rendered.
	VerdictDuplicate
	// VerdictOwnEcho is the relay echoing back something this session sent.
	VerdictOwnEcho
)

const (
	// defaultFreshness bounds how long a pending send can still claim an
	// inbound echo via the text fallback.
	defaultFreshness = 20 * time.Second
	// retention is when tracked sends are pruned outright.
	retention = 30 * time.Second
	// maxTracked caps the tracked-send set so a chatty session stays bounded.
	maxTracked = 100
)

type pendingSend struct {
	text string
	at   time.Time
}

// Deduper decides whether an inbound message is a server-confirmed echo of a
// local send or a new message. Not safe for concurrent use; the owning
// controller serializes access.
type Deduper struct {
	freshness time.Duration
	now       func() time.Time

	seenServerIDs map[string]struct{}
	pending       map[string]pendingSend
	order         []string
}

// NewDeduper creates a deduper with the default freshness window.
func NewDeduper() *Deduper {
	return NewDeduperWithWindow(defaultFreshness, time.Now)
}

// NewDeduperWithWindow exists for tests that need to control time.
func NewDeduperWithWindow(freshness time.Duration, now func() time.Time) *Deduper {
	return &Deduper{
		freshness:     freshness,
		now:           now,
		seenServerIDs: make(map[string]struct{}),
		pending:       make(map[string]pendingSend),
	}
}

// TrackSend records an outgoing send so its echo can be recognized.
func (d *Deduper) TrackSend(clientID, text string) {
	d.prune()
	if _, exists := d.pending[clientID]; !exists {
		d.order = append(d.order, clientID)
	}
	d.pending[clientID] = pendingSend{text: text, at: d.now()}
	for len(d.order) > maxTracked {
		delete(d.pending, d.order[0])
		d.order = d.order[1:]
	}
}

// Evaluate applies the dedup gates in order, first match wins:
//
//  1. a server id already seen is a silent duplicate;
//  2. the id is recorded before anything else so redelivery mid-evaluation
//     cannot double count;
//  3. senderId equal to the resolved local identity is unambiguously ours;
//  4. a clientId matching a tracked send is ours even when the relay dropped
//     the sender identity;
//  5. with no senderId at all, an exact text match against a fresh tracked
//     send is treated as ours, best effort.
//
// The returned clientID is the tracked send to reconcile against, when one
// was matched.
func (d *Deduper) Evaluate(msg domain.ChatMessage, myID string) (verdict Verdict, clientID string) {
	if msg.ID != "" {
		if _, seen := d.seenServerIDs[msg.ID]; seen {
			return VerdictDuplicate, ""
		}
		d.seenServerIDs[msg.ID] = struct{}{}
	}

	d.prune()

	if msg.SenderID != "" && myID != "" && msg.SenderID == myID {
		return VerdictOwnEcho, d.matchClientID(msg)
	}
	if msg.ClientID != "" {
		if _, tracked := d.pending[msg.ClientID]; tracked {
			return VerdictOwnEcho, msg.ClientID
		}
	}
	if msg.SenderID == "" {
		if id := d.matchByText(msg.Text); id != "" {
			return VerdictOwnEcho, id
		}
	}
	return VerdictNew, ""
}

// Forget drops a tracked send once its echo has been reconciled.
func (d *Deduper) Forget(clientID string) {
	if clientID == "" {
		return
	}
	delete(d.pending, clientID)
}

// Reset wipes all caches. Part of the clear-history escape hatch; a text
// that was suppressed before the reset must render again afterwards.
func (d *Deduper) Reset() {
	d.seenServerIDs = make(map[string]struct{})
	d.pending = make(map[string]pendingSend)
	d.order = nil
}

func (d *Deduper) matchClientID(msg domain.ChatMessage) string {
	if msg.ClientID != "" {
		if _, tracked := d.pending[msg.ClientID]; tracked {
			return msg.ClientID
		}
		return msg.ClientID
	}
	return d.matchByText(msg.Text)
}

// matchByText finds the most recent fresh tracked send with identical text.
// Known ambiguity: rapid duplicate-text sends can reconcile against the
// wrong entry; clientId matching is the primary path for a reason.
func (d *Deduper) matchByText(text string) string {
	if text == "" {
		return ""
	}
	now := d.now()
	for i := len(d.order) - 1; i >= 0; i-- {
		id := d.order[i]
		rec, ok := d.pending[id]
		if !ok {
			continue
		}
		if rec.text == text && now.Sub(rec.at) < d.freshness {
			return id
		}
	}
	return ""
}

func (d *Deduper) prune() {
	now := d.now()
	kept := d.order[:0]
	for _, id := range d.order {
		rec, ok := d.pending[id]
		if !ok {
			continue
		}
		if now.Sub(rec.at) > retention {
			delete(d.pending, id)
			continue
		}
		kept = append(kept, id)
	}
	d.order = kept
}
