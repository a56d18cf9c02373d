// FILE: events.go
// Package main – Driver events and an in-process fan-out bus.
//
// Workers publish Events; subscribers register a callback (Subscribe) or take
// a buffered channel (Channel). Delivery never blocks a worker: a full
// subscriber buffer drops the event and bumps bot_events_dropped_total.
package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventKind names what happened.
type EventKind string

const (
	EventPositionOpened EventKind = "position-opened"
	EventOrderPlaced    EventKind = "order-placed"
	EventLadderFilled   EventKind = "ladder-filled"
	EventPositionClosed EventKind = "position-closed"
	EventRecovered      EventKind = "recovered"
	EventError          EventKind = "error"
	EventStopped        EventKind = "stopped"
)

// Event is one discrete, symbol-scoped notification.
type Event struct {
	Kind    EventKind     `json:"kind"`
	Symbol  string        `json:"symbol"`
	Message string        `json:"message"`
	State   PositionState `json:"state,omitempty"`
	Time    time.Time     `json:"time"`
	Trade   *Trade        `json:"trade,omitempty"`
	Err     string        `json:"error,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// EventBus fans events out to subscribers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

func NewEventBus() *EventBus { return &EventBus{subs: map[int]*subscriber{}} }

// Channel returns a buffered channel of events and a cancel func that closes it.
func (b *EventBus) Channel(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Subscribe runs fn for each event on its own goroutine until cancel is called.
func (b *EventBus) Subscribe(fn func(Event)) func() {
	ch, cancel := b.Channel(64)
	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()
	return cancel
}

// Publish delivers ev to every subscriber without blocking.
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			mtxEventsDropped.Inc()
			log.Warn().Str("symbol", ev.Symbol).Str("kind", string(ev.Kind)).Msg("[EVENTS] subscriber full, dropped")
		}
	}
}
