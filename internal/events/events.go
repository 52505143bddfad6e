// Package events publishes ADT domain events for downstream consumers.
// Publishing is fire-and-forget: failures are logged, never returned.
package events

import (
	"context"
	"sync"
	"time"
)

// TopicMessage carries accepted messages without a state transition. ADT
// transitions use the event name ("admit", "transfer", ...) as topic.
const TopicMessage = "message"

// Event is the payload of every published event.
type Event struct {
	MessageID   string    `json:"message_id"`
	MessageType string    `json:"message_type"`
	ControlID   string    `json:"control_id"`
	Facility    string    `json:"facility,omitempty"`
	PatientID   string    `json:"patient_id,omitempty"`
	EncounterID string    `json:"encounter_id,omitempty"`
	Event       string    `json:"event,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Location    string    `json:"location,omitempty"`
	Applied     bool      `json:"applied"`
	RawMessage  []byte    `json:"raw_message,omitempty"`
	At          time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) {}

// Published is one event captured by a Recorder.
type Published struct {
	Topic string
	Event Event
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(_ context.Context, topic string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Topic: topic, Event: ev})
}

// Events returns everything published so far.
func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}
