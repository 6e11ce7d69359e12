package events

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects every delivered event.
type recorder struct {
	id    string
	types []Type

	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) ID() string         { return r.id }
func (r *recorder) EventTypes() []Type { return r.types }
func (r *recorder) OnEvent(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) recorded() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestPublishRoutesBySubscription(t *testing.T) {
	bus := NewBus()

	tokens := &recorder{id: "tokens", types: []Type{TypeStreamedToken}}
	all := &recorder{id: "all"}
	bus.Subscribe(tokens)
	bus.Subscribe(all)

	bus.Token("t1", "hello")
	bus.StepStarted("t1", "decide")

	require.Len(t, tokens.recorded(), 1)
	assert.Equal(t, "hello", tokens.recorded()[0].Token)

	require.Len(t, all.recorded(), 2)
	assert.Equal(t, TypeStreamedToken, all.recorded()[0].Type)
	assert.Equal(t, TypeStepStarted, all.recorded()[1].Type)
}

func TestTokensArriveInPublishOrder(t *testing.T) {
	bus := NewBus()
	sink := &recorder{id: "sink", types: []Type{TypeStreamedToken}}
	bus.Subscribe(sink)

	parts := []string{"The ", "beam ", "was ", "lost."}
	for _, p := range parts {
		bus.Token("t1", p)
	}

	var b strings.Builder
	for _, ev := range sink.recorded() {
		b.WriteString(ev.Token)
	}
	assert.Equal(t, "The beam was lost.", b.String())
}

func TestSubscriberErrorDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	broken := &recorder{id: "broken", err: errors.New("consumer died")}
	healthy := &recorder{id: "healthy"}
	bus.Subscribe(broken)
	bus.Subscribe(healthy)

	bus.Error("t1", "boom")

	assert.Len(t, broken.recorded(), 1)
	assert.Len(t, healthy.recorded(), 1)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	sink := &recorder{id: "sink", types: []Type{TypeStreamedToken, TypeError}}
	bus.Subscribe(sink)

	bus.Token("t1", "a")
	bus.Unsubscribe("sink")
	bus.Token("t1", "b")
	bus.Error("t1", "x")

	assert.Len(t, sink.recorded(), 1)
}

func TestCloseDropsLaterEvents(t *testing.T) {
	bus := NewBus()
	sink := &recorder{id: "sink"}
	bus.Subscribe(sink)

	bus.Canceled("t1")
	bus.Close()
	bus.Token("t1", "late")

	events := sink.recorded()
	require.Len(t, events, 1)
	assert.Equal(t, TypeCanceled, events[0].Type)
}

func TestEventsCarryTimestamps(t *testing.T) {
	bus := NewBus()
	sink := &recorder{id: "sink"}
	bus.Subscribe(sink)

	bus.StepFinished("t1", "execute", map[string]any{"calls": 2})

	events := sink.recorded()
	require.Len(t, events, 1)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, 2, events[0].Data["calls"])
}

func TestFuncSubscriber(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe(&FuncSubscriber{
		SubID: "fn",
		Types: []Type{TypeClarificationPrompt},
		Fn: func(event Event) error {
			got = append(got, event.Message)
			return nil
		},
	})

	bus.Clarification("t1", "which facility?")
	bus.Token("t1", "ignored")

	require.Len(t, got, 1)
	assert.Equal(t, "which facility?", got[0])
}
