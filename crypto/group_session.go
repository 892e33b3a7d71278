package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Group-session wire formats. A session key is
//
//	version (1) || first index (4) || chain key (32) || ed25519 pub (32) [|| signature (64)]
//
// where the signed form (version 0x02) is what m.room_key carries and the
// export form (version 0x01, no signature) is what m.forwarded_room_key
// carries. A group message is
//
//	version (1) || index (4) || ciphertext || mac (8) || signature (64)
//
// with the MAC over everything before it and the signature over everything
// before it, both base64 encoded without padding.

const (
	groupMessageVersion     byte = 0x03
	sessionKeyVersionSigned byte = 0x02
	sessionKeyVersionExport byte = 0x01

	sessionKeyBaseLength = 1 + 4 + 32 + ed25519.PublicKeySize
	groupMessageOverhead = 1 + 4 + truncatedMACSize + ed25519.SignatureSize

	// maxRatchetAdvance bounds how far one decrypt may wind a chain forward,
	// since winding is linear in the index gap.
	maxRatchetAdvance = 1 << 16
)

var (
	ErrBadSessionKey       = errors.New("malformed session key")
	ErrBadMessageFormat    = errors.New("malformed message")
	ErrBadSignature        = errors.New("signature verification failed")
	ErrBadMAC              = errors.New("message authentication failed")
	ErrUnknownMessageIndex = errors.New("message index is not known to this session")
	ErrRatchetExhausted    = errors.New("message index too far ahead of this session")
)

// GroupSession is the sending side of a group session. The resolver itself
// only ever receives; outbound sessions exist for key sharing and are what
// the tests build their fixtures from.
type GroupSession struct {
	roomID      string
	signingPriv ed25519.PrivateKey
	signingPub  ed25519.PublicKey
	chainKey    [32]byte
	index       uint32
}

func NewGroupSession(roomID string) (*GroupSession, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	s := &GroupSession{
		roomID:      roomID,
		signingPriv: priv,
		signingPub:  pub,
	}
	if _, err := rand.Read(s.chainKey[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// ID is the session_id peers address this session by: the base64 of its
// ed25519 key.
func (s *GroupSession) ID() string {
	return b64.EncodeToString(s.signingPub)
}

func (s *GroupSession) RoomID() string {
	return s.roomID
}

func (s *GroupSession) MessageIndex() uint32 {
	return s.index
}

// SessionKey exports the signed session key at the current ratchet index,
// the value an m.room_key content carries. A recipient can decrypt from this
// index onwards but not before it.
func (s *GroupSession) SessionKey() string {
	buf := make([]byte, sessionKeyBaseLength)
	buf[0] = sessionKeyVersionSigned
	binary.BigEndian.PutUint32(buf[1:5], s.index)
	copy(buf[5:37], s.chainKey[:])
	copy(buf[37:69], s.signingPub)
	sig := ed25519.Sign(s.signingPriv, buf)
	return b64.EncodeToString(append(buf, sig...))
}

// Encrypt encrypts plaintext at the current index and advances the ratchet.
func (s *GroupSession) Encrypt(plaintext []byte) (string, error) {
	messageKey := chainMessageKey(s.chainKey)
	aesKey, macKey, iv, err := deriveMessageKeys(messageKey, hkdfInfoGroupKeys)
	if err != nil {
		return "", err
	}
	ct, err := encryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return "", err
	}
	msg := make([]byte, 0, groupMessageOverhead+len(ct))
	msg = append(msg, groupMessageVersion)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], s.index)
	msg = append(msg, idx[:]...)
	msg = append(msg, ct...)
	msg = append(msg, computeTruncatedMAC(macKey, msg)...)
	msg = append(msg, ed25519.Sign(s.signingPriv, msg)...)
	s.chainKey = advanceChainKey(s.chainKey)
	s.index++
	return b64.EncodeToString(msg), nil
}

// InboundGroupSession is the receiving side of a group session, created from
// a session key delivered by a key-distribution message. The lookup key is
// (SessionID, SenderKey); at most one session per pair is authoritative at a
// time.
type InboundGroupSession struct {
	SessionID string
	SenderKey string
	RoomID    string
	// ClaimedKeys are the signing keys the key-distribution message asserted
	// for the original sender; "ed25519" is the entry consumers care about.
	ClaimedKeys map[string]string
	// ForwardingChains lists the curve25519 keys a forwarded session key has
	// passed through, oldest first. Empty for directly shared sessions.
	ForwardingChains []string
	// IsExport marks sessions built from an export-format session key, which
	// carries no signature of its own.
	IsExport bool

	signingKey ed25519.PublicKey
	chainKey   [32]byte
	firstIndex uint32
}

// NewInboundGroupSession parses a session key. Signed-form keys must verify
// against the embedded ed25519 key; export-form keys are accepted as-is and
// flagged IsExport.
func NewInboundGroupSession(sessionID, senderKey, roomID, sessionKey string) (*InboundGroupSession, error) {
	raw, err := b64.DecodeString(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSessionKey, err)
	}
	if len(raw) < sessionKeyBaseLength {
		return nil, ErrBadSessionKey
	}
	s := &InboundGroupSession{
		SessionID: sessionID,
		SenderKey: senderKey,
		RoomID:    roomID,
	}
	switch raw[0] {
	case sessionKeyVersionSigned:
		if len(raw) != sessionKeyBaseLength+ed25519.SignatureSize {
			return nil, ErrBadSessionKey
		}
		if !ed25519.Verify(ed25519.PublicKey(raw[37:69]), raw[:sessionKeyBaseLength], raw[sessionKeyBaseLength:]) {
			return nil, ErrBadSignature
		}
	case sessionKeyVersionExport:
		if len(raw) != sessionKeyBaseLength {
			return nil, ErrBadSessionKey
		}
		s.IsExport = true
	default:
		return nil, ErrBadSessionKey
	}
	s.firstIndex = binary.BigEndian.Uint32(raw[1:5])
	copy(s.chainKey[:], raw[5:37])
	s.signingKey = ed25519.PublicKey(append([]byte(nil), raw[37:69]...))
	return s, nil
}

// FirstKnownIndex is the lowest message index this session can decrypt. A
// session knowing a lower index can decrypt a superset of messages.
func (s *InboundGroupSession) FirstKnownIndex() uint32 {
	return s.firstIndex
}

// Decrypt decrypts one group message. The stored chain always stays at the
// first known index so older messages remain decryptable; each call winds a
// copy forward to the message's index.
func (s *InboundGroupSession) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := b64.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadMessageFormat, err)
	}
	if len(raw) <= groupMessageOverhead || raw[0] != groupMessageVersion {
		return nil, ErrBadMessageFormat
	}
	sigStart := len(raw) - ed25519.SignatureSize
	if !ed25519.Verify(s.signingKey, raw[:sigStart], raw[sigStart:]) {
		return nil, ErrBadSignature
	}
	index := binary.BigEndian.Uint32(raw[1:5])
	if index < s.firstIndex {
		return nil, ErrUnknownMessageIndex
	}
	steps := index - s.firstIndex
	if steps > maxRatchetAdvance {
		return nil, ErrRatchetExhausted
	}
	ck := s.chainKey
	for i := uint32(0); i < steps; i++ {
		ck = advanceChainKey(ck)
	}
	aesKey, macKey, iv, err := deriveMessageKeys(chainMessageKey(ck), hkdfInfoGroupKeys)
	if err != nil {
		return nil, err
	}
	macStart := sigStart - truncatedMACSize
	if !verifyTruncatedMAC(macKey, raw[:macStart], raw[macStart:sigStart]) {
		return nil, ErrBadMAC
	}
	return decryptCBC(aesKey, iv, raw[5:macStart])
}

// Export emits the export-format session key at the first known index, the
// form a forwarded room key carries.
func (s *InboundGroupSession) Export() string {
	buf := make([]byte, sessionKeyBaseLength)
	buf[0] = sessionKeyVersionExport
	binary.BigEndian.PutUint32(buf[1:5], s.firstIndex)
	copy(buf[5:37], s.chainKey[:])
	copy(buf[37:69], s.signingKey)
	return b64.EncodeToString(buf)
}

type pickledInboundGroupSession struct {
	SessionID        string            `cbor:"1,keyasint"`
	SenderKey        string            `cbor:"2,keyasint"`
	RoomID           string            `cbor:"3,keyasint"`
	ClaimedKeys      map[string]string `cbor:"4,keyasint,omitempty"`
	ForwardingChains []string          `cbor:"5,keyasint,omitempty"`
	IsExport         bool              `cbor:"6,keyasint,omitempty"`
	SigningKey       []byte            `cbor:"7,keyasint"`
	ChainKey         []byte            `cbor:"8,keyasint"`
	FirstIndex       uint32            `cbor:"9,keyasint"`
}

func (s *InboundGroupSession) Pickle() ([]byte, error) {
	return cbor.Marshal(pickledInboundGroupSession{
		SessionID:        s.SessionID,
		SenderKey:        s.SenderKey,
		RoomID:           s.RoomID,
		ClaimedKeys:      s.ClaimedKeys,
		ForwardingChains: s.ForwardingChains,
		IsExport:         s.IsExport,
		SigningKey:       s.signingKey,
		ChainKey:         s.chainKey[:],
		FirstIndex:       s.firstIndex,
	})
}

func UnpickleInboundGroupSession(pickle []byte) (*InboundGroupSession, error) {
	var p pickledInboundGroupSession
	if err := cbor.Unmarshal(pickle, &p); err != nil {
		return nil, err
	}
	if len(p.SigningKey) != ed25519.PublicKeySize || len(p.ChainKey) != 32 {
		return nil, fmt.Errorf("group session pickle: bad key lengths %d/%d", len(p.SigningKey), len(p.ChainKey))
	}
	s := &InboundGroupSession{
		SessionID:        p.SessionID,
		SenderKey:        p.SenderKey,
		RoomID:           p.RoomID,
		ClaimedKeys:      p.ClaimedKeys,
		ForwardingChains: p.ForwardingChains,
		IsExport:         p.IsExport,
		signingKey:       ed25519.PublicKey(p.SigningKey),
		firstIndex:       p.FirstIndex,
	}
	copy(s.chainKey[:], p.ChainKey)
	return s, nil
}
