// Package domain contains core domain types for the support chat client.
package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// Role identifies who authored a chat entry.
type Role string

const (
	// RoleUser marks an entry composed by the current user.
	RoleUser Role = "user"
	// RoleBot marks an entry produced by the classification bot or a human agent.
	RoleBot Role = "bot"
	// RoleSystem marks a locally generated status line.
	RoleSystem Role = "system"
)

// ChatMessage is the canonical shape of a message delivered over the broker.
// The backend emits several field variants; NormalizeChatMessage maps them all
// into this one shape before anything else looks at the payload.
type ChatMessage struct {
	ID        string
	SenderID  string
	Text      string
	ClientID  string
	CreatedAt time.Time
}

// LocalChatEntry is a client-side display record derived from a ChatMessage
// or from local composition.
type LocalChatEntry struct {
	ID      string    `json:"id"`
	Role    Role      `json:"role"`
	Text    string    `json:"text"`
	At      time.Time `json:"t"`
	Pending bool      `json:"pending,omitempty"`
	Admin   bool      `json:"admin,omitempty"`
	Link    string    `json:"link,omitempty"`
	LinkAbs string    `json:"linkAbs,omitempty"`
}

// AdminRequest mirrors the backend-owned escalation record. The client only
// ever reads it; status is inferred locally from broker events.
type AdminRequest struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	Status         string `json:"status"`
	InitialMessage string `json:"initialMessage,omitempty"`
}

// wireMessage collects every observed backend variant of a chat message.
// New variants belong here and nowhere else.
type wireMessage struct {
	ID         json.RawMessage `json:"id"`
	SenderID   json.RawMessage `json:"senderId"`
	Sender     *wireSender     `json:"sender"`
	FromUserID json.RawMessage `json:"fromUserId"`
	Text       *string         `json:"text"`
	Body       *string         `json:"body"`
	ClientID   string          `json:"clientId"`
	ClientID2  string          `json:"client_id"`
	TempID     string          `json:"tempId"`
	LocalID    string          `json:"localId"`
	CreatedAt  json.RawMessage `json:"createdAt"`
}

type wireSender struct {
	ID json.RawMessage `json:"id"`
}

// wireEnvelope is the relay variant that wraps the message together with the
// sender's correlation token: {"message": {...}, "clientId": "..."}.
type wireEnvelope struct {
	Message  json.RawMessage `json:"message"`
	ClientID string          `json:"clientId"`
}

// NormalizeChatMessage maps any observed wire variant into the canonical
// ChatMessage shape. Unparseable bodies degrade to a text-only message so a
// misbehaving relay never drops content on the floor.
func NormalizeChatMessage(raw []byte, receivedAt time.Time) ChatMessage {
	body := raw
	envClientID := ""

	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Message) > 0 && env.Message[0] == '{' {
		body = env.Message
		envClientID = env.ClientID
	}

	var w wireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return ChatMessage{Text: string(raw), CreatedAt: receivedAt}
	}

	msg := ChatMessage{
		ID:        rawToString(w.ID),
		SenderID:  rawToString(w.SenderID),
		ClientID:  firstNonEmpty(envClientID, w.ClientID, w.ClientID2, w.TempID, w.LocalID),
		CreatedAt: parseTimestamp(w.CreatedAt, receivedAt),
	}
	if msg.SenderID == "" && w.Sender != nil {
		msg.SenderID = rawToString(w.Sender.ID)
	}
	if msg.SenderID == "" {
		msg.SenderID = rawToString(w.FromUserID)
	}
	switch {
	case w.Text != nil:
		msg.Text = *w.Text
	case w.Body != nil:
		msg.Text = *w.Body
	}
	return msg
}

// rawToString renders a JSON scalar as a string. Some backends serialize ids
// as numbers, others as strings; dedup treats both as opaque tokens.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func parseTimestamp(raw json.RawMessage, fallback time.Time) time.Time {
	if len(raw) == 0 {
		return fallback
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return fallback
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms)
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
