package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/carevox/pkg/audio"
)

// Outbound event types.
const (
	EventTranscription      = "transcription"
	EventAgentResponse      = "agent_response"
	EventLifecycle          = "lifecycle"
	EventProcessingComplete = "processing_complete"
	EventError              = "error"
)

// Lifecycle event names.
const (
	LifecycleProcessingSpeech = "processing_speech"
	LifecycleTurnStarted      = "turn_started"
	LifecycleCompleted        = "completed"
)

// Event is one JSON text message sent to the client.
type Event struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Event   string `json:"event,omitempty"`
	Message string `json:"message,omitempty"`
}

func transcriptionEvent(text string) Event {
	return Event{Type: EventTranscription, Text: text}
}

func agentResponseEvent(text string) Event {
	return Event{Type: EventAgentResponse, Text: text}
}

func lifecycleEvent(name string) Event {
	return Event{Type: EventLifecycle, Event: name}
}

func errorEvent(msg string) Event {
	return Event{Type: EventError, Message: msg}
}

// EventSink delivers a session's output to its client. Implementations must
// be safe for concurrent use and must preserve call order per goroutine.
type EventSink interface {
	// Notify sends a JSON text event.
	Notify(ctx context.Context, ev Event) error

	// SendAudio sends reply samples as one binary frame.
	SendAudio(ctx context.Context, samples []int16) error
}

// defaultWriteTimeout bounds a single WebSocket write.
const defaultWriteTimeout = 5 * time.Second

// WSSink is an [EventSink] over a WebSocket connection. Writes are
// serialised so that a lifecycle event can never split an audio frame.
type WSSink struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

var _ EventSink = (*WSSink)(nil)

// NewWSSink returns a sink writing to conn.
func NewWSSink(conn *websocket.Conn) *WSSink {
	return &WSSink{conn: conn, timeout: defaultWriteTimeout}
}

// Notify implements [EventSink].
func (s *WSSink) Notify(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("session: marshal %s event: %w", ev.Type, err)
	}
	return s.write(ctx, websocket.MessageText, b)
}

// SendAudio implements [EventSink].
func (s *WSSink) SendAudio(ctx context.Context, samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	return s.write(ctx, websocket.MessageBinary, audio.EncodePCM16(samples))
}

func (s *WSSink) write(ctx context.Context, typ websocket.MessageType, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.conn.Write(ctx, typ, b); err != nil {
		return fmt.Errorf("session: write %s: %w", typ, err)
	}
	return nil
}
