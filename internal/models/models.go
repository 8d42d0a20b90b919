package models

import "time"

// Roles a stored message can carry.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Session lifecycle states. Archived sessions keep their history but no
// longer accept new turns.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one immutable turn in a session. Seq is allocated per session
// and defines the history order.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderConfig is an operator-managed credential/endpoint record for one
// upstream inference provider. At most one config may be enabled at a time.
type ProviderConfig struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	APIKey    string    `json:"api_key,omitempty"`
	Model     string    `json:"model"`
	Endpoint  string    `json:"endpoint,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
