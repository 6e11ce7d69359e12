// Package events carries per-turn agent events to interested
// consumers: streamed answer tokens, step transitions, clarification
// prompts, and terminal outcomes.
package events

import (
	"sync"
	"time"
)

// Type identifies one kind of turn event.
type Type string

const (
	// TypeStreamedToken carries one chunk of the synthesized answer.
	TypeStreamedToken Type = "streamed_token"

	// TypeStepStarted and TypeStepFinished bracket orchestrator steps.
	TypeStepStarted  Type = "step_started"
	TypeStepFinished Type = "step_finished"

	// TypeClarificationPrompt asks the user how to proceed after the
	// evaluator gave up on tool results.
	TypeClarificationPrompt Type = "clarification_prompt"

	// TypeCanceled marks a turn ended by context cancellation.
	TypeCanceled Type = "canceled"

	// TypeError marks a turn ended by a fatal error.
	TypeError Type = "error"
)

// Event is one occurrence during a turn.
type Event struct {
	Type      Type
	TurnID    string
	Step      string
	Token     string
	Message   string
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events. An empty EventTypes slice subscribes to
// everything.
type Subscriber interface {
	ID() string
	EventTypes() []Type
	OnEvent(event Event) error
}

// Bus delivers turn events to subscribers synchronously and in publish
// order. Token events form the streamed answer, so delivery never
// drops or reorders; publishers block until every subscriber has seen
// the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	wildcards   []Subscriber
	closed      bool
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]Subscriber),
	}
}

// Subscribe registers a subscriber for its declared event types.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	types := sub.EventTypes()
	if len(types) == 0 {
		b.wildcards = append(b.wildcards, sub)
		return
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], sub)
	}
}

// Unsubscribe removes every registration for the subscriber id.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wildcards = filterSubs(b.wildcards, subscriberID)
	for t, subs := range b.subscribers {
		b.subscribers[t] = filterSubs(subs, subscriberID)
	}
}

func filterSubs(subs []Subscriber, id string) []Subscriber {
	filtered := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.ID() != id {
			filtered = append(filtered, sub)
		}
	}
	return filtered
}

// Publish delivers the event to all matching subscribers. Subscriber
// errors are ignored; a broken consumer must not end the turn.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.wildcards {
		_ = sub.OnEvent(event)
	}
	for _, sub := range b.subscribers[event.Type] {
		_ = sub.OnEvent(event)
	}
}

// Token publishes one streamed answer chunk.
func (b *Bus) Token(turnID, token string) {
	b.Publish(Event{Type: TypeStreamedToken, TurnID: turnID, Token: token})
}

// StepStarted marks entry into an orchestrator step.
func (b *Bus) StepStarted(turnID, step string) {
	b.Publish(Event{Type: TypeStepStarted, TurnID: turnID, Step: step})
}

// StepFinished marks completion of an orchestrator step.
func (b *Bus) StepFinished(turnID, step string, data map[string]any) {
	b.Publish(Event{Type: TypeStepFinished, TurnID: turnID, Step: step, Data: data})
}

// Clarification publishes the ask-user prompt text.
func (b *Bus) Clarification(turnID, message string) {
	b.Publish(Event{Type: TypeClarificationPrompt, TurnID: turnID, Message: message})
}

// Canceled marks the turn as canceled.
func (b *Bus) Canceled(turnID string) {
	b.Publish(Event{Type: TypeCanceled, TurnID: turnID})
}

// Error publishes a fatal turn error.
func (b *Bus) Error(turnID, message string) {
	b.Publish(Event{Type: TypeError, TurnID: turnID, Message: message})
}

// Close stops delivery. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// FuncSubscriber adapts a function to the Subscriber interface.
type FuncSubscriber struct {
	SubID string
	Types []Type
	Fn    func(event Event) error
}

func (f *FuncSubscriber) ID() string         { return f.SubID }
func (f *FuncSubscriber) EventTypes() []Type { return f.Types }
func (f *FuncSubscriber) OnEvent(event Event) error {
	return f.Fn(event)
}
