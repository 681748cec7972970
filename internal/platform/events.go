// Package platform defines the boundary with the chat-platform client: the events it
// delivers, the replies it renders, and the transports carrying both.
package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types delivered by the platform client.
const (
	EventMemberSnapshot       = "member_snapshot"
	EventAvatarChanged        = "avatar_changed"
	EventNameChanged          = "name_changed"
	EventAvatarHistoryCommand = "avatar_history_command"
	EventBrowserInteraction   = "browser_interaction"
	// EventReply travels the other way: rendered output for the platform client.
	EventReply = "reply"
)

// ErrMalformedEnvelope indicates an envelope that could not be decoded.
var ErrMalformedEnvelope = errors.New("platform: malformed envelope")

// Envelope wraps one event or reply with its type tag.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope encodes payload under the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("platform: encode %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Payload: encoded}, nil
}

// Decode unmarshals the payload into target.
func (envelope Envelope) Decode(target any) error {
	if len(envelope.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedEnvelope, envelope.Type)
	}
	if err := json.Unmarshal(envelope.Payload, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEnvelope, envelope.Type, err)
	}
	return nil
}

// Member is one entry of a guild membership snapshot.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	// SharedGuilds counts other guilds where the client already observes this member.
	SharedGuilds int  `json:"shared_guilds"`
	IsSelf       bool `json:"is_self"`
}

// MemberSnapshot is delivered when the client first observes a guild.
type MemberSnapshot struct {
	GuildID    string    `json:"guild_id"`
	Members    []Member  `json:"members"`
	ObservedAt time.Time `json:"observed_at"`
}

// AvatarChanged reports a new avatar asset for a user.
type AvatarChanged struct {
	UserID      string    `json:"user_id"`
	AvatarURL   string    `json:"avatar_url"`
	GuildAvatar bool      `json:"guild_avatar"`
	ChangedAt   time.Time `json:"changed_at"`
}

// NameChanged reports a display name update.
type NameChanged struct {
	UserID    string    `json:"user_id"`
	OldName   string    `json:"old_name"`
	NewName   string    `json:"new_name"`
	ChangedAt time.Time `json:"changed_at"`
}

// HistoryCommand is a user request to browse someone's avatar history.
type HistoryCommand struct {
	InteractionID string `json:"interaction_id"`
	RequesterID   string `json:"requester_id"`
	TargetID      string `json:"target_id"`
}

// BrowserInteraction is a button press or jump submission on a live browser.
type BrowserInteraction struct {
	InteractionID string `json:"interaction_id"`
	SessionID     string `json:"session_id"`
	ActorID       string `json:"actor_id"`
	Action        string `json:"action"`
	Input         string `json:"input,omitempty"`
}

// Button is one rendered control.
type Button struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Disabled bool   `json:"disabled"`
}

// Embed is the rendered body of a browser page.
type Embed struct {
	Title     string    `json:"title"`
	ImageURL  string    `json:"image_url"`
	Timestamp time.Time `json:"timestamp"`
}

// Reply is rendered output addressed to an interaction or a live session.
type Reply struct {
	InteractionID string   `json:"interaction_id,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	Ephemeral     bool     `json:"ephemeral"`
	Content       string   `json:"content,omitempty"`
	Embed         *Embed   `json:"embed,omitempty"`
	Buttons       []Button `json:"buttons,omitempty"`
}
