package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

var (
	eventIDCounter = 0
	eventIDMu      sync.Mutex
)

// NextEventID returns a process-unique event ID.
func NextEventID() string {
	eventIDMu.Lock()
	defer eventIDMu.Unlock()
	eventIDCounter++
	return fmt.Sprintf("$event_%d", eventIDCounter)
}

// NewEvent returns the JSON of a timeline event as it appears in a sync
// response: no room_id, the room is implicit in the response shape.
func NewEvent(t *testing.T, evType, sender string, content interface{}) json.RawMessage {
	t.Helper()
	return NewEventWithID(t, NextEventID(), evType, sender, content)
}

// NewEventWithID is NewEvent with the caller choosing the event ID, for tests
// that resolve the event by that ID afterwards.
func NewEventWithID(t *testing.T, eventID, evType, sender string, content interface{}) json.RawMessage {
	t.Helper()
	e := struct {
		Type    string      `json:"type"`
		Sender  string      `json:"sender"`
		Content interface{} `json:"content"`
		EventID string      `json:"event_id"`
	}{
		Type:    evType,
		Sender:  sender,
		Content: content,
		EventID: eventID,
	}
	j, err := json.Marshal(&e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}

// NewStateEvent returns the JSON of a state event with a generated event ID.
func NewStateEvent(t *testing.T, evType, stateKey, sender string, content interface{}) json.RawMessage {
	t.Helper()
	e := struct {
		Type     string      `json:"type"`
		StateKey string      `json:"state_key"`
		Sender   string      `json:"sender"`
		Content  interface{} `json:"content"`
		EventID  string      `json:"event_id"`
	}{
		Type:     evType,
		StateKey: stateKey,
		Sender:   sender,
		Content:  content,
		EventID:  NextEventID(),
	}
	j, err := json.Marshal(&e)
	if err != nil {
		t.Fatalf("failed to make event JSON: %s", err)
	}
	return j
}
