package ws

import (
	"time"

	"vigil/internal/events"
)

// Message is the JSON envelope sent to /ws/events clients
type Message struct {
	Type      string      `json:"type"` // motion, recording_started, recording_finished, health, hello
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// HelloData is sent once when a client connects
type HelloData struct {
	ClientID string `json:"client_id"`
}

// NewMessage wraps a bus event
func NewMessage(ev events.Event) *Message {
	return &Message{
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
}

// NewHelloMessage greets a newly registered client
func NewHelloMessage(clientID string) *Message {
	return &Message{
		Type:      "hello",
		Timestamp: time.Now(),
		Data:      HelloData{ClientID: clientID},
	}
}
