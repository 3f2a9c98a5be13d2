package domain

import (
	"encoding/json"
	"strings"
)

// Party names in presence events.
const (
	PartyAdmin = "ADMIN"
	PartyUser  = "USER"
)

// SupportEvent is a lifecycle or presence event delivered on a request's
// event topic. The backend is loose about whether it signals through type or
// status, so matching is substring-based on both.
type SupportEvent struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Who    string `json:"who,omitempty"`
}

// ParseSupportEvent decodes an event topic frame. Malformed events decode to
// the zero event, which matches nothing.
func ParseSupportEvent(raw []byte) SupportEvent {
	var ev SupportEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return SupportEvent{}
	}
	return ev
}

// IsAccept reports whether the event signals that an admin accepted the request.
func (e SupportEvent) IsAccept() bool {
	return e.matches("accept")
}

// IsClose reports whether the event signals an explicit close by the admin.
func (e SupportEvent) IsClose() bool {
	return e.matches("close")
}

// IsDisconnect reports whether the event is a presence signal rather than a
// formal close.
func (e SupportEvent) IsDisconnect() bool {
	return strings.Contains(strings.ToLower(e.Type), "disconnect")
}

// DisconnectedParty returns the party named by a disconnect event, defaulting
// to ADMIN when the backend omits it.
func (e SupportEvent) DisconnectedParty() string {
	who := strings.ToUpper(strings.TrimSpace(e.Who))
	if who == "" {
		return PartyAdmin
	}
	return who
}

func (e SupportEvent) matches(needle string) bool {
	return strings.Contains(strings.ToLower(e.Type), needle) ||
		strings.Contains(strings.ToLower(e.Status), needle)
}
