package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TempConversationID marks a conversation that exists only client-side. It is
// never valid on the wire; requests omit the conversation id instead.
const TempConversationID = "temp"

// TokenPair is the credential set returned by signin and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"` // seconds from issue, not from now
}

// User is the profile snapshot served by /auth/me.
type User struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Username   string     `json:"username"`
	FullName   string     `json:"full_name,omitempty"`
	IsActive   bool       `json:"is_active"`
	IsVerified bool       `json:"is_verified"`
	CreatedAt  Timestamp  `json:"created_at"`
	UpdatedAt  *Timestamp `json:"updated_at,omitempty"`
	LastLogin  *Timestamp `json:"last_login,omitempty"`
}

// Conversation is one chat thread. Anonymous threads have no user id.
type Conversation struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id,omitempty"`
	Title        string     `json:"title,omitempty"`
	IsAnonymous  bool       `json:"is_anonymous"`
	CreatedAt    Timestamp  `json:"created_at"`
	UpdatedAt    *Timestamp `json:"updated_at,omitempty"`
	MessageCount int        `json:"message_count,omitempty"`
}

// Message is one turn in a conversation. Metadata carries whatever the
// backend attached (sources, model, tokens_used).
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      Timestamp      `json:"created_at"`
}

// Page is the backend's pagination envelope.
type Page[T any] struct {
	Items       []T  `json:"items"`
	Total       int  `json:"total"`
	Page        int  `json:"page"`
	PageSize    int  `json:"page_size"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// SendRequest posts one user message. ConversationID is omitted for the first
// message of a not-yet-created conversation; SessionID groups anonymous turns.
type SendRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// SendResponse is the reply to a posted message. Conversation is present when
// the backend created (or touched) the thread for this turn.
type SendResponse struct {
	Message      *Message         `json:"message"`
	Conversation *Conversation    `json:"conversation,omitempty"`
	Sources      []map[string]any `json:"sources,omitempty"`
	TokensUsed   int              `json:"tokens_used,omitempty"`
}

// Timestamp accepts both RFC 3339 and the backend's zone-less ISO 8601 form
// (its serializer emits naive UTC datetimes).
type Timestamp struct {
	time.Time
}

const isoNoZone = "2006-01-02T15:04:05.999999999"

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = ts
		return nil
	}
	ts, err := time.ParseInLocation(isoNoZone, s, time.UTC)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = ts
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
