package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/matrix-org/background-sync/crypto"
)

// EventTypeEncrypted is the wire type of an encrypted room event.
const EventTypeEncrypted = "m.room.encrypted"

// Event is one room event as the resolver sees it. Events are shared by
// reference between the cache and callers, and the only mutation after
// parsing is the one-shot cleartext assignment below.
type Event struct {
	ID      string
	RoomID  string
	Type    string
	Sender  string
	Content json.RawMessage
	// Raw is the wire JSON the event was parsed from.
	Raw json.RawMessage
	// SenderKey is the curve25519 key of the sending device, known only once
	// the event has been decrypted.
	SenderKey string

	clear *crypto.DecryptionResult
}

// ParseEvent builds an Event from raw event JSON. Sync responses omit
// room_id on timeline events (the room is implicit in the response shape), so
// the caller supplies it; an explicit room_id in the JSON wins.
func ParseEvent(raw json.RawMessage, roomID string) (*Event, error) {
	parsed := gjson.ParseBytes(raw)
	eventID := parsed.Get("event_id").Str
	if eventID == "" {
		return nil, fmt.Errorf("event JSON missing event_id")
	}
	eventType := parsed.Get("type").Str
	if eventType == "" {
		return nil, fmt.Errorf("event %s missing type", eventID)
	}
	if r := parsed.Get("room_id").Str; r != "" {
		roomID = r
	}
	return &Event{
		ID:      eventID,
		RoomID:  roomID,
		Type:    eventType,
		Sender:  parsed.Get("sender").Str,
		Content: json.RawMessage(parsed.Get("content").Raw),
		Raw:     raw,
	}, nil
}

func (e *Event) Encrypted() bool {
	return e.Type == EventTypeEncrypted
}

// SetClear stores the decryption result for this event. The first write wins:
// resolving the same event twice must return the identical cleartext, so
// later calls are ignored.
func (e *Event) SetClear(res *crypto.DecryptionResult) {
	if e.clear != nil {
		return
	}
	e.clear = res
	e.SenderKey = res.SenderKey
}

// Clear returns the decryption result, or nil if the event has not been
// decrypted.
func (e *Event) Clear() *crypto.DecryptionResult {
	return e.clear
}

// ClearType returns the decrypted payload's event type, or the wire type for
// events that are not (or not yet) decrypted.
func (e *Event) ClearType() string {
	if e.clear == nil {
		return e.Type
	}
	return gjson.GetBytes(e.clear.Plaintext, "type").Str
}

// ClearContent returns the decrypted payload's content, or the wire content
// for events that are not (or not yet) decrypted.
func (e *Event) ClearContent() json.RawMessage {
	if e.clear == nil {
		return e.Content
	}
	return json.RawMessage(gjson.GetBytes(e.clear.Plaintext, "content").Raw)
}

// JSON renders the event for callers: the wire JSON with room_id filled in
// and, for decrypted events, the cleartext type and content swapped in and
// the sender's key claims placed under unsigned.
func (e *Event) JSON() (json.RawMessage, error) {
	out := []byte(e.Raw)
	var err error
	if !gjson.GetBytes(out, "room_id").Exists() {
		if out, err = sjson.SetBytes(out, "room_id", e.RoomID); err != nil {
			return nil, err
		}
	}
	if e.clear == nil {
		return out, nil
	}
	if out, err = sjson.SetBytes(out, "type", e.ClearType()); err != nil {
		return nil, err
	}
	if out, err = sjson.SetRawBytes(out, "content", e.ClearContent()); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "unsigned.sender_key", e.SenderKey); err != nil {
		return nil, err
	}
	if key := e.clear.ClaimedEd25519Key; key != "" {
		if out, err = sjson.SetBytes(out, "unsigned.claimed_ed25519_key", key); err != nil {
			return nil, err
		}
	}
	if len(e.clear.ForwardingChains) > 0 {
		if out, err = sjson.SetBytes(out, "unsigned.forwarding_curve25519_key_chain", e.clear.ForwardingChains); err != nil {
			return nil, err
		}
	}
	return out, nil
}
