package mqx

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestPublishJSON(t *testing.T) {
	rec := &Recorder{}
	ev := SessionEvent{Type: KeySessionCreated, SessionID: "s1", At: time.Unix(0, 0).UTC()}
	if err := PublishJSON(context.Background(), rec, KeySessionCreated, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs := rec.Messages()
	if len(msgs) != 1 || msgs[0].Key != KeySessionCreated {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	var got SessionEvent
	if err := json.Unmarshal(msgs[0].Body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "s1" {
		t.Fatalf("session id = %q", got.SessionID)
	}
}

func TestPublishJSON_NilPublisher(t *testing.T) {
	if err := PublishJSON(context.Background(), nil, KeySessionDeleted, SessionEvent{}); err != nil {
		t.Fatalf("nil publisher should be a no-op: %v", err)
	}
}
