package crypto

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/background-sync/internal"
)

// Algorithm identifiers, the closed set DecryptEvent dispatches over.
const (
	AlgorithmGroup    = "m.megolm.v1.aes-sha2"
	AlgorithmOneToOne = "m.olm.v1.curve25519-aes-sha2"
)

// DecryptionResult is the outcome of decrypting one event.
type DecryptionResult struct {
	// Plaintext is the decrypted payload: {type, content, room_id} for group
	// messages, the full envelope for one-to-one messages.
	Plaintext json.RawMessage
	// SenderKey is the curve25519 key the ciphertext named as its sender.
	SenderKey string
	// ClaimedEd25519Key is the signing key asserted by the payload or the
	// session's key-distribution message. Claimed, not verified against the
	// sender's device list.
	ClaimedEd25519Key string
	// ForwardingChains is the session's forwarding chain; empty for
	// one-to-one messages and directly shared sessions.
	ForwardingChains []string
}

// Machine is the decryption engine for one device. It owns the device's
// account identity and consults the session store for algorithm-specific
// session material. It performs no network activity of its own.
type Machine struct {
	UserID string

	account *Account
	store   Store
}

func NewMachine(account *Account, store Store, userID string) *Machine {
	return &Machine{
		UserID:  userID,
		account: account,
		store:   store,
	}
}

func (m *Machine) Account() *Account {
	return m.account
}

func (m *Machine) Store() Store {
	return m.store
}

// CanDecrypt reports whether encrypted content can be decrypted with the
// session material we already hold. Only the group algorithm supports the
// check, since its ciphertext names the exact session; one-to-one messages
// have to be attempted, so they report false here.
func (m *Machine) CanDecrypt(content json.RawMessage) bool {
	c := gjson.ParseBytes(content)
	if c.Get("algorithm").Str != AlgorithmGroup {
		return false
	}
	senderKey := c.Get("sender_key").Str
	sessionID := c.Get("session_id").Str
	if senderKey == "" || sessionID == "" {
		return false
	}
	session, err := m.store.InboundGroupSession(sessionID, senderKey)
	return err == nil && session != nil
}

// DecryptEvent decrypts the content of one encrypted event. roomID is empty
// for to-device events. Dispatch is exhaustive over the algorithm set:
// anything but the two known identifiers fails with ErrUnknownAlgorithm and
// touches no session state.
func (m *Machine) DecryptEvent(roomID, sender string, content json.RawMessage) (*DecryptionResult, error) {
	switch gjson.GetBytes(content, "algorithm").Str {
	case AlgorithmGroup:
		return m.decryptGroup(roomID, content)
	case AlgorithmOneToOne:
		return m.decryptOneToOne(roomID, sender, content)
	default:
		return nil, internal.ErrUnknownAlgorithm
	}
}

func (m *Machine) decryptGroup(roomID string, content json.RawMessage) (*DecryptionResult, error) {
	c := gjson.ParseBytes(content)
	senderKey := c.Get("sender_key").Str
	sessionID := c.Get("session_id").Str
	ciphertext := c.Get("ciphertext").Str
	if senderKey == "" || sessionID == "" || ciphertext == "" {
		return nil, fmt.Errorf("%w: missing sender_key, session_id or ciphertext", internal.ErrDecryptionFailed)
	}
	session, err := m.store.InboundGroupSession(sessionID, senderKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: no inbound group session %s", internal.ErrDecryptionFailed, sessionID)
	}
	if session.RoomID != roomID {
		return nil, fmt.Errorf("%w: session belongs to another room", internal.ErrDecryptionFailed)
	}
	plaintext, err := session.Decrypt(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", internal.ErrDecryptionFailed, err)
	}
	if payloadRoom := gjson.GetBytes(plaintext, "room_id"); payloadRoom.Exists() && payloadRoom.Str != roomID {
		return nil, fmt.Errorf("%w: payload room_id mismatch", internal.ErrDecryptionFailed)
	}
	return &DecryptionResult{
		Plaintext:         plaintext,
		SenderKey:         senderKey,
		ClaimedEd25519Key: session.ClaimedKeys["ed25519"],
		ForwardingChains:  session.ForwardingChains,
	}, nil
}

func (m *Machine) decryptOneToOne(roomID, sender string, content json.RawMessage) (*DecryptionResult, error) {
	c := gjson.ParseBytes(content)
	senderKey := c.Get("sender_key").Str
	if senderKey == "" {
		return nil, fmt.Errorf("%w: missing sender_key", internal.ErrDecryptionFailed)
	}
	entry := c.Get("ciphertext").Map()[m.account.IdentityKey()]
	if !entry.Exists() {
		return nil, fmt.Errorf("%w: no ciphertext for our identity key", internal.ErrDecryptionFailed)
	}
	typeField := entry.Get("type")
	body := entry.Get("body").Str
	if !typeField.Exists() || body == "" {
		return nil, fmt.Errorf("%w: ciphertext entry is missing type or body", internal.ErrDecryptionFailed)
	}
	msgType := int(typeField.Int())

	sessions, err := m.store.OlmSessions(senderKey)
	if err != nil {
		return nil, err
	}
	var plaintext []byte
	for _, session := range sessions {
		// A candidate failing here is expected; the next one may match.
		pt, err := session.Decrypt(msgType, body)
		if err != nil {
			continue
		}
		plaintext = pt
		if err := m.store.PutOlmSession(senderKey, session); err != nil {
			return nil, err
		}
		break
	}
	if plaintext == nil && msgType == OlmMessageTypePreKey && !anySessionMatches(sessions, body) {
		// Nothing decrypted it and no stored session owns this pre-key
		// message: it starts a brand new session.
		session, err := m.account.NewInboundSession(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", internal.ErrDecryptionFailed, err)
		}
		plaintext, err = session.Decrypt(msgType, body)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", internal.ErrDecryptionFailed, err)
		}
		if err := m.store.PutOlmSession(senderKey, session); err != nil {
			return nil, err
		}
	}
	if plaintext == nil {
		return nil, fmt.Errorf("%w: no session could decrypt the message", internal.ErrDecryptionFailed)
	}

	// The envelope binds the message to us and to the claimed sender; reject
	// on any mismatch.
	env := gjson.ParseBytes(plaintext)
	if env.Get("recipient").Str != m.UserID {
		return nil, fmt.Errorf("%w: payload recipient %q is not us", internal.ErrDecryptionFailed, env.Get("recipient").Str)
	}
	if env.Get("recipient_keys.ed25519").Str != m.account.SigningKey() {
		return nil, fmt.Errorf("%w: payload recipient key is not ours", internal.ErrDecryptionFailed)
	}
	if env.Get("sender").Str != sender {
		return nil, fmt.Errorf("%w: payload sender %q does not match event sender %q", internal.ErrDecryptionFailed, env.Get("sender").Str, sender)
	}
	if payloadRoom := env.Get("room_id"); payloadRoom.Exists() && payloadRoom.Str != roomID {
		return nil, fmt.Errorf("%w: payload room_id mismatch", internal.ErrDecryptionFailed)
	}
	return &DecryptionResult{
		Plaintext:         plaintext,
		SenderKey:         senderKey,
		ClaimedEd25519Key: env.Get("keys.ed25519").Str,
	}, nil
}

func anySessionMatches(sessions []*OlmSession, body string) bool {
	for _, session := range sessions {
		if session.MatchesPreKey(body) {
			return true
		}
	}
	return false
}
