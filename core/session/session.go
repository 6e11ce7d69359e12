// Package session holds per-conversation state: tunable settings, a
// bounded message history, and sqlite persistence so a conversation
// survives process restarts.
package session

import (
	"time"

	"github.com/google/uuid"
)

const (
	// HistoryLimit caps the in-memory message ring. Older messages are
	// evicted from the ring but stay in the sqlite archive.
	HistoryLimit = 40

	DefaultTemperature        = 0.2
	DefaultMaxIterations      = 3
	DefaultMaxHistoryMessages = 6
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Settings are the per-session knobs the chat commands expose.
type Settings struct {
	Model                string  `json:"model,omitempty"`
	Temperature          float64 `json:"temperature"`
	SystemPromptTemplate string  `json:"system_prompt_template,omitempty"`
	ToolsEnabled         bool    `json:"tools_enabled"`
	MaxIterations        int     `json:"max_iterations"`
	MaxHistoryMessages   int     `json:"max_history_messages"`
}

// DefaultSettings returns the settings a fresh session starts with.
func DefaultSettings() Settings {
	return Settings{
		Temperature:        DefaultTemperature,
		ToolsEnabled:       true,
		MaxIterations:      DefaultMaxIterations,
		MaxHistoryMessages: DefaultMaxHistoryMessages,
	}
}

// Normalize clamps out-of-range values back to their defaults.
func (s *Settings) Normalize() {
	if s.Temperature < 0 || s.Temperature > 2 {
		s.Temperature = DefaultTemperature
	}
	if s.MaxIterations < 1 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.MaxHistoryMessages < 1 {
		s.MaxHistoryMessages = DefaultMaxHistoryMessages
	}
	if s.MaxHistoryMessages > HistoryLimit {
		s.MaxHistoryMessages = HistoryLimit
	}
}

// Message is one history entry. Seq is assigned by the session and is
// monotonically increasing across the whole conversation, including
// messages already evicted from the ring.
type Message struct {
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a single conversation. It is not safe for concurrent use;
// the chat loop owns it.
type Session struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Settings  Settings

	nextSeq int64
	ring    []Message
}

// New creates an empty session with default settings.
func New() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Settings:  DefaultSettings(),
		nextSeq:   1,
	}
}

// Append records a message, evicting the oldest ring entry past the
// history limit. The appended message, with its sequence number
// assigned, is returned.
func (s *Session) Append(role, content string) Message {
	msg := Message{
		Seq:       s.nextSeq,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	s.nextSeq++
	s.UpdatedAt = msg.CreatedAt

	s.ring = append(s.ring, msg)
	if len(s.ring) > HistoryLimit {
		s.ring = s.ring[len(s.ring)-HistoryLimit:]
	}
	return msg
}

// Recent returns the newest n messages in chronological order. n <= 0
// falls back to the session's MaxHistoryMessages setting.
func (s *Session) Recent(n int) []Message {
	if n <= 0 {
		n = s.Settings.MaxHistoryMessages
	}
	if n > len(s.ring) {
		n = len(s.ring)
	}
	out := make([]Message, n)
	copy(out, s.ring[len(s.ring)-n:])
	return out
}

// Messages returns the full ring in chronological order.
func (s *Session) Messages() []Message {
	out := make([]Message, len(s.ring))
	copy(out, s.ring)
	return out
}

// Len reports the number of messages currently in the ring.
func (s *Session) Len() int {
	return len(s.ring)
}

// Clear drops the ring but keeps settings and identity. Sequence
// numbers keep counting so archived rows stay unique.
func (s *Session) Clear() {
	s.ring = nil
	s.UpdatedAt = time.Now().UTC()
}
