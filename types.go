package convsync

import (
	"encoding/json"
	"sort"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error envelope returned by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic response envelope used by every conversation endpoint.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// MessageKind distinguishes user-authored messages from system notices.
type MessageKind string

const (
	KindNormal MessageKind = "normal"
	KindSystem MessageKind = "system"
)

// Sender is the author of a message as embedded by the server. The engine
// stores and forwards it as given.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// SharedRefType names the kind of entity a message shares.
type SharedRefType string

const (
	SharedPost     SharedRefType = "post"
	SharedNews     SharedRefType = "news"
	SharedShowcase SharedRefType = "showcase"
	SharedUser     SharedRefType = "user"
)

// SharedRef points at exactly one shared entity. Payload is opaque and passed
// through untouched.
type SharedRef struct {
	Type    SharedRefType   `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks that the reference names a known entity type and an ID.
func (r *SharedRef) Validate() error {
	switch r.Type {
	case SharedPost, SharedNews, SharedShowcase, SharedUser:
	default:
		return &APIError{Code: "INVALID_SHARED_REF", Message: "unknown shared reference type " + string(r.Type)}
	}
	if r.ID == "" {
		return &APIError{Code: "INVALID_SHARED_REF", Message: "shared reference id is required"}
	}
	return nil
}

// Message is a single chat message. ID is server-assigned and is the merge key.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Sender         Sender      `json:"sender"`
	CreatedAt      time.Time   `json:"createdAt"`
	Kind           MessageKind `json:"kind,omitempty"`
	SharedRef      *SharedRef  `json:"sharedRef,omitempty"`
}

// lessMessage orders by CreatedAt, then by ID so equal timestamps still have a
// total order.
func lessMessage(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return lessMessage(&msgs[i], &msgs[j]) })
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationStatus is the server-side request status of a conversation.
type ConversationStatus string

const (
	StatusPending ConversationStatus = "pending"
	StatusActive  ConversationStatus = "active"
	StatusBlocked ConversationStatus = "blocked"
)

// Conversation is the locally persisted conversation record. LastSyncedAt is
// the watermark of the last successful snapshot.
type Conversation struct {
	ID           string             `json:"id"`
	Participants []string           `json:"participants,omitempty"`
	Status       ConversationStatus `json:"status,omitempty"`
	InitiatedBy  string             `json:"initiatedBy,omitempty"`
	LastSyncedAt time.Time          `json:"lastSyncedAt,omitempty"`
}

// Snapshot is the authoritative state of a conversation as fetched from the
// server.
type Snapshot struct {
	Messages     []Message          `json:"messages"`
	Status       ConversationStatus `json:"status"`
	InitiatedBy  string             `json:"initiatedBy,omitempty"`
	Participants []string           `json:"participants,omitempty"`
}

// StatusEvent is pushed by the realtime channel when a conversation's request
// status changes on the server.
type StatusEvent struct {
	ConversationID string             `json:"conversationId"`
	Status         ConversationStatus `json:"status"`
	InitiatedBy    string             `json:"initiatedBy,omitempty"`
}

// ============================================================================
// Views
// ============================================================================

// View is what the engine publishes to the UI for one conversation.
type View struct {
	ConversationID string
	Messages       []Message
	State          StateSnapshot

	// Stale is set when the last refresh failed and Messages is the cached
	// state. RefreshErr carries the cause.
	Stale      bool
	RefreshErr error
}

// ViewFunc receives every published view of a conversation, in order. It runs
// on the conversation's session goroutine and must not call back into the
// Engine for the same conversation.
type ViewFunc func(View)
