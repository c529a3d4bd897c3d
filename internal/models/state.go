// Package models defines per-conversation session state.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// SessionStatus is the lifecycle status of a conversation session.
type SessionStatus string

const (
	// SessionStatusActive is a fresh session that has not rendered a pause point yet.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusAwaitingInput is paused at a button-gated node.
	SessionStatusAwaitingInput SessionStatus = "awaiting_input"
	// SessionStatusEnded reached a terminal node; the next message restarts the flow.
	SessionStatusEnded SessionStatus = "ended"
	// SessionStatusHandoff belongs to a human operator; the bot only records messages.
	SessionStatusHandoff SessionStatus = "handoff"
)

// ChatMessage is one entry of the bounded conversation transcript.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Ts      int64  `json:"ts"` // unix milliseconds
}

// Session is the mutable state of one conversation.
type Session struct {
	ID                string        `json:"id"`
	ConversationID    string        `json:"conversation_id"`
	FlowID            string        `json:"flow_id"`
	CurrentNodeID     string        `json:"current_node_id"`
	Status            SessionStatus `json:"status"`
	ChatHistory       []ChatMessage `json:"chat_history"`
	AIActions         []string      `json:"ai_actions"`
	ServicesDiscussed []string      `json:"services_discussed"`
	AITurns           int           `json:"ai_turns"`
	HandoffAction     string        `json:"handoff_action,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// NewSession creates a session for a conversation with all collections initialized.
func NewSession(conversationID, flowID string) *Session {
	now := time.Now()
	return &Session{
		ID:                uuid.NewString(),
		ConversationID:    conversationID,
		FlowID:            flowID,
		Status:            SessionStatusActive,
		ChatHistory:       []ChatMessage{},
		AIActions:         []string{},
		ServicesDiscussed: []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Normalize replaces nil collections with empty ones. Stores call it after decoding.
func (s *Session) Normalize() {
	if s.ChatHistory == nil {
		s.ChatHistory = []ChatMessage{}
	}
	if s.AIActions == nil {
		s.AIActions = []string{}
	}
	if s.ServicesDiscussed == nil {
		s.ServicesDiscussed = []string{}
	}
	if s.Status == "" {
		s.Status = SessionStatusActive
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ChatHistory = append([]ChatMessage{}, s.ChatHistory...)
	c.AIActions = append([]string{}, s.AIActions...)
	c.ServicesDiscussed = append([]string{}, s.ServicesDiscussed...)
	return &c
}

// AddServiceDiscussed records a service slug once.
func (s *Session) AddServiceDiscussed(slug string) {
	for _, existing := range s.ServicesDiscussed {
		if existing == slug {
			return
		}
	}
	s.ServicesDiscussed = append(s.ServicesDiscussed, slug)
}
