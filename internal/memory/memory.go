// Package memory keeps the bounded per-session transcript and AI action log
// that feed the AI router's context and its loop detection.
//
// Every operation is total: nil sessions and nil collections are treated as
// empty, and nothing here returns an error.
package memory

import (
	"strings"
	"time"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/util"
)

// Default limits.
const (
	MaxHistoryLength = 15
	MaxAIActions     = 10
	MaxContentLength = 500
	LoopThreshold    = 3
)

// EmptyHistoryText is what HistoryForAI renders for a session without messages.
const EmptyHistoryText = "(Primera interacción)"

// ClarifyAction is the router action counted by Summary.
const ClarifyAction = "clarify"

// Option configures a Memory.
type Option func(*Memory)

// WithMaxHistory overrides the transcript capacity.
func WithMaxHistory(n int) Option {
	return func(m *Memory) { m.maxHistory = n }
}

// WithMaxActions overrides the action log capacity.
func WithMaxActions(n int) Option {
	return func(m *Memory) { m.maxActions = n }
}

// WithMaxContent overrides the per-message truncation length in code points.
func WithMaxContent(n int) Option {
	return func(m *Memory) { m.maxContent = n }
}

// WithLoopThreshold overrides how many identical trailing actions count as a loop.
func WithLoopThreshold(n int) Option {
	return func(m *Memory) { m.loopThreshold = n }
}

// WithClock injects the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// Memory applies the bounded-memory rules to sessions.
type Memory struct {
	maxHistory    int
	maxActions    int
	maxContent    int
	loopThreshold int
	now           func() time.Time
}

// New creates a Memory with the default limits, adjusted by opts.
func New(opts ...Option) *Memory {
	m := &Memory{
		maxHistory:    MaxHistoryLength,
		maxActions:    MaxAIActions,
		maxContent:    MaxContentLength,
		loopThreshold: LoopThreshold,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxHistory < 1 {
		m.maxHistory = MaxHistoryLength
	}
	if m.maxActions < 1 {
		m.maxActions = MaxAIActions
	}
	if m.maxContent < 1 {
		m.maxContent = MaxContentLength
	}
	if m.loopThreshold < 1 {
		m.loopThreshold = LoopThreshold
	}
	return m
}

// Default is a Memory with the default limits.
var Default = New()

// AddMessage appends a message to the session transcript, truncating content
// and evicting the oldest entries beyond capacity. It returns the resulting
// history, which is also stored on the session when one is given.
func (m *Memory) AddMessage(s *models.Session, role models.Role, content string) []models.ChatMessage {
	var history []models.ChatMessage
	if s != nil {
		history = s.ChatHistory
	}
	history = append(history, models.ChatMessage{
		Role:    role,
		Content: util.TruncateRunes(content, m.maxContent),
		Ts:      m.now().UnixMilli(),
	})
	history = trimFront(history, m.maxHistory)
	if s != nil {
		s.ChatHistory = history
	}
	return history
}

// HistoryForAI renders the transcript as "LABEL: content" lines.
func (m *Memory) HistoryForAI(s *models.Session) string {
	if s == nil || len(s.ChatHistory) == 0 {
		return EmptyHistoryText
	}
	lines := make([]string, 0, len(s.ChatHistory))
	for _, msg := range s.ChatHistory {
		lines = append(lines, roleLabel(msg.Role)+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

func roleLabel(r models.Role) string {
	if r == models.RoleUser {
		return "USUARIO"
	}
	return "PODITO"
}

// Summary is a read-only digest of a session.
type Summary struct {
	MessageCount      int      `json:"message_count"`
	LastUserMessage   string   `json:"last_user_message,omitempty"`
	LastBotMessage    string   `json:"last_bot_message,omitempty"`
	ClarifyCount      int      `json:"clarify_count"`
	ServicesDiscussed []string `json:"services_discussed"`
	CurrentNodeID     string   `json:"current_node_id,omitempty"`
}

// Summary derives a digest of the session without mutating it.
func (m *Memory) Summary(s *models.Session) Summary {
	sum := Summary{ServicesDiscussed: []string{}}
	if s == nil {
		return sum
	}
	sum.MessageCount = len(s.ChatHistory)
	sum.CurrentNodeID = s.CurrentNodeID
	sum.ServicesDiscussed = append(sum.ServicesDiscussed, s.ServicesDiscussed...)
	var userFound, botFound bool
	for i := len(s.ChatHistory) - 1; i >= 0 && !(userFound && botFound); i-- {
		msg := s.ChatHistory[i]
		switch {
		case msg.Role == models.RoleUser && !userFound:
			sum.LastUserMessage, userFound = msg.Content, true
		case msg.Role == models.RoleBot && !botFound:
			sum.LastBotMessage, botFound = msg.Content, true
		}
	}
	for _, a := range s.AIActions {
		if a == ClarifyAction {
			sum.ClarifyCount++
		}
	}
	return sum
}

// TrackAIAction appends an action to the bounded action log and returns the log.
func (m *Memory) TrackAIAction(s *models.Session, action string) []string {
	var actions []string
	if s != nil {
		actions = s.AIActions
	}
	actions = trimFront(append(actions, action), m.maxActions)
	if s != nil {
		s.AIActions = actions
	}
	return actions
}

// IsLooping reports whether the last LoopThreshold tracked actions all equal action.
func (m *Memory) IsLooping(s *models.Session, action string) bool {
	if s == nil || len(s.AIActions) < m.loopThreshold {
		return false
	}
	for _, a := range s.AIActions[len(s.AIActions)-m.loopThreshold:] {
		if a != action {
			return false
		}
	}
	return true
}

// ClearHistory empties the transcript and returns the empty history.
func (m *Memory) ClearHistory(s *models.Session) []models.ChatMessage {
	empty := []models.ChatMessage{}
	if s != nil {
		s.ChatHistory = empty
	}
	return empty
}

// trimFront keeps the last max entries, copying so the result never aliases
// the evicted prefix.
func trimFront[T any](items []T, max int) []T {
	if len(items) <= max {
		return items
	}
	return append([]T(nil), items[len(items)-max:]...)
}
