package mqx

import (
	"context"
	"sync"
	"time"
)

// Routing keys of session lifecycle events.
const (
	KeySessionCreated   = "session.created"
	KeySessionCompleted = "session.completed"
	KeySessionDeleted   = "session.deleted"
)

// SessionEvent is the body of every session.* message.
type SessionEvent struct {
	Type            string    `json:"type"`
	SessionID       string    `json:"sessionId"`
	FingerprintHash string    `json:"fingerprintHash,omitempty"`
	IsReturning     bool      `json:"isReturning,omitempty"`
	DocumentType    string    `json:"documentType,omitempty"`
	DocumentID      string    `json:"documentId,omitempty"`
	Country         string    `json:"country,omitempty"`
	At              time.Time `json:"at"`
}

// Message is one publish captured by Recorder.
type Message struct {
	Key  string
	Body []byte
}

// Recorder is an in-memory Publisher for tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Publish(_ context.Context, key string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{Key: key, Body: append([]byte(nil), body...)})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}
