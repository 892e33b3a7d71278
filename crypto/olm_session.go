package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// One-to-one sessions run a double ratchet over curve25519. Message formats:
//
//	normal (type 1):  version (1) || ratchet pub (32) || prev count (4) || index (4) || ciphertext || mac (8)
//	pre-key (type 0): version (1) || sender identity (32) || base key (32) || one-time key (32) || normal message
//
// A pre-key message bootstraps a session: the recipient runs the triple DH
// over the embedded keys and its one-time key private half, then decrypts the
// embedded normal message with the derived receiving chain.

const (
	olmMessageVersion byte = 0x03

	// Message type tags as they appear in ciphertext JSON entries.
	OlmMessageTypePreKey = 0
	OlmMessageTypeNormal = 1

	olmNormalHeaderLength = 1 + 32 + 4 + 4
	olmPreKeyHeaderLength = 1 + 32 + 32 + 32

	// maxSkippedMessageKeys caps how many out-of-order message keys one
	// session banks; the oldest entry is evicted past that.
	maxSkippedMessageKeys = 40
)

var (
	ErrPreKeyMismatch   = errors.New("pre-key message does not belong to this session")
	errNoReceivingChain = errors.New("session has no receiving chain yet")
)

// OlmSession is one end of a double-ratchet session with a peer device.
// Multiple sessions may exist per peer; the store preserves their order and
// candidates are tried in it.
type OlmSession struct {
	id string

	rootKey        [32]byte
	sendChainKey   []byte
	recvChainKey   []byte
	ratchetKey     curve25519KeyPair
	peerRatchetKey [curve25519KeySize]byte

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32
	skipped       map[skippedKeyID][]byte

	// pendingPreKey stays set on an outbound session until the peer's first
	// reply proves it established; while set, Encrypt wraps messages in the
	// pre-key envelope. remoteBaseKey identifies which pre-key message an
	// inbound session was built from.
	pendingPreKey  *preKeyHeader
	inbound        bool
	remoteBaseKey  [curve25519KeySize]byte
	remoteIdentity [curve25519KeySize]byte
}

type preKeyHeader struct {
	IdentityKey [curve25519KeySize]byte `cbor:"1,keyasint"`
	BaseKey     [curve25519KeySize]byte `cbor:"2,keyasint"`
	OneTimeKey  [curve25519KeySize]byte `cbor:"3,keyasint"`
}

type skippedKeyID struct {
	ratchetKey [curve25519KeySize]byte
	index      uint32
}

// olmSessionID hashes the responder's identity key and the base key that
// established the session, so both ends derive the same ID.
func olmSessionID(responderIdentity, baseKey [curve25519KeySize]byte) string {
	h := sha256.New()
	h.Write(responderIdentity[:])
	h.Write(baseKey[:])
	return b64.EncodeToString(h.Sum(nil))
}

func (s *OlmSession) ID() string {
	return s.id
}

// NewOutboundSession establishes a session to a peer device from its identity
// key and one of its claimed one-time keys. The session emits pre-key
// messages until the peer's first reply arrives.
func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey string) (*OlmSession, error) {
	identity, err := decodeCurve25519Key(theirIdentityKey)
	if err != nil {
		return nil, err
	}
	oneTime, err := decodeCurve25519Key(theirOneTimeKey)
	if err != nil {
		return nil, err
	}
	base, err := generateCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	dh1, err := a.identity.SharedSecret(oneTime)
	if err != nil {
		return nil, err
	}
	dh2, err := base.SharedSecret(identity)
	if err != nil {
		return nil, err
	}
	dh3, err := base.SharedSecret(oneTime)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, 0, 96)
	secret = append(secret, dh1[:]...)
	secret = append(secret, dh2[:]...)
	secret = append(secret, dh3[:]...)
	root, chain, err := kdfRoot(nil, secret, hkdfInfoOlmRoot)
	if err != nil {
		return nil, err
	}
	return &OlmSession{
		id:           olmSessionID(identity, base.Public),
		rootKey:      root,
		sendChainKey: chain[:],
		ratchetKey:   base,
		skipped:      make(map[skippedKeyID][]byte),
		pendingPreKey: &preKeyHeader{
			IdentityKey: a.identity.Public,
			BaseKey:     base.Public,
			OneTimeKey:  oneTime,
		},
		remoteIdentity: identity,
	}, nil
}

// NewInboundSession builds a session from a received pre-key message,
// consuming the one-time key it references.
func (a *Account) NewInboundSession(message string) (*OlmSession, error) {
	raw, err := b64.DecodeString(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadMessageFormat, err)
	}
	hdr, _, err := parsePreKeyMessage(raw)
	if err != nil {
		return nil, err
	}
	otk, ok := a.takeOneTimeKey(hdr.OneTimeKey)
	if !ok {
		return nil, ErrNoOneTimeKey
	}
	dh1, err := otk.SharedSecret(hdr.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := a.identity.SharedSecret(hdr.BaseKey)
	if err != nil {
		return nil, err
	}
	dh3, err := otk.SharedSecret(hdr.BaseKey)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, 0, 96)
	secret = append(secret, dh1[:]...)
	secret = append(secret, dh2[:]...)
	secret = append(secret, dh3[:]...)
	root, chain, err := kdfRoot(nil, secret, hkdfInfoOlmRoot)
	if err != nil {
		return nil, err
	}
	ratchet, err := generateCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &OlmSession{
		id:             olmSessionID(a.identity.Public, hdr.BaseKey),
		rootKey:        root,
		recvChainKey:   chain[:],
		ratchetKey:     ratchet,
		peerRatchetKey: hdr.BaseKey,
		skipped:        make(map[skippedKeyID][]byte),
		inbound:        true,
		remoteBaseKey:  hdr.BaseKey,
		remoteIdentity: hdr.IdentityKey,
	}, nil
}

func parsePreKeyMessage(raw []byte) (*preKeyHeader, []byte, error) {
	if len(raw) < olmPreKeyHeaderLength+olmNormalHeaderLength+truncatedMACSize || raw[0] != olmMessageVersion {
		return nil, nil, ErrBadMessageFormat
	}
	var hdr preKeyHeader
	copy(hdr.IdentityKey[:], raw[1:33])
	copy(hdr.BaseKey[:], raw[33:65])
	copy(hdr.OneTimeKey[:], raw[65:97])
	return &hdr, raw[olmPreKeyHeaderLength:], nil
}

// MatchesPreKey reports whether this session was created from the given
// pre-key message, i.e. whether the message is addressed to it.
func (s *OlmSession) MatchesPreKey(message string) bool {
	raw, err := b64.DecodeString(message)
	if err != nil {
		return false
	}
	hdr, _, err := parsePreKeyMessage(raw)
	if err != nil {
		return false
	}
	return s.inbound && s.remoteBaseKey == hdr.BaseKey
}

// Encrypt encrypts plaintext for the peer, returning the message type tag
// and the base64 body. The first send after a receive steps the DH ratchet.
func (s *OlmSession) Encrypt(plaintext []byte) (int, string, error) {
	if len(s.sendChainKey) == 0 {
		next, err := generateCurve25519KeyPair()
		if err != nil {
			return 0, "", err
		}
		dh, err := next.SharedSecret(s.peerRatchetKey)
		if err != nil {
			return 0, "", err
		}
		root, chain, err := kdfRoot(s.rootKey[:], dh[:], hkdfInfoOlmRatchet)
		if err != nil {
			return 0, "", err
		}
		s.rootKey = root
		s.sendChainKey = chain[:]
		s.ratchetKey = next
		s.prevSendCount = s.sendCount
		s.sendCount = 0
	}
	var ck [32]byte
	copy(ck[:], s.sendChainKey)
	messageKey := chainMessageKey(ck)
	next := advanceChainKey(ck)
	s.sendChainKey = next[:]

	aesKey, macKey, iv, err := deriveMessageKeys(messageKey, hkdfInfoOlmKeys)
	if err != nil {
		return 0, "", err
	}
	ct, err := encryptCBC(aesKey, iv, plaintext)
	if err != nil {
		return 0, "", err
	}
	msg := make([]byte, 0, olmNormalHeaderLength+len(ct)+truncatedMACSize)
	msg = append(msg, olmMessageVersion)
	msg = append(msg, s.ratchetKey.Public[:]...)
	var counts [8]byte
	binary.BigEndian.PutUint32(counts[:4], s.prevSendCount)
	binary.BigEndian.PutUint32(counts[4:], s.sendCount)
	msg = append(msg, counts[:]...)
	msg = append(msg, ct...)
	msg = append(msg, computeTruncatedMAC(macKey, msg)...)
	s.sendCount++

	if s.pendingPreKey != nil {
		pk := make([]byte, 0, olmPreKeyHeaderLength+len(msg))
		pk = append(pk, olmMessageVersion)
		pk = append(pk, s.pendingPreKey.IdentityKey[:]...)
		pk = append(pk, s.pendingPreKey.BaseKey[:]...)
		pk = append(pk, s.pendingPreKey.OneTimeKey[:]...)
		pk = append(pk, msg...)
		return OlmMessageTypePreKey, b64.EncodeToString(pk), nil
	}
	return OlmMessageTypeNormal, b64.EncodeToString(msg), nil
}

// Decrypt decrypts one message. A pre-key message must belong to this
// session; see MatchesPreKey. Decryption runs against a copy of the ratchet
// state and commits only on success, so a failed attempt leaves the session
// untouched for the next candidate.
func (s *OlmSession) Decrypt(msgType int, body string) ([]byte, error) {
	raw, err := b64.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadMessageFormat, err)
	}
	switch msgType {
	case OlmMessageTypePreKey:
		hdr, inner, err := parsePreKeyMessage(raw)
		if err != nil {
			return nil, err
		}
		if !s.inbound || s.remoteBaseKey != hdr.BaseKey {
			return nil, ErrPreKeyMismatch
		}
		raw = inner
	case OlmMessageTypeNormal:
	default:
		return nil, ErrBadMessageFormat
	}

	work := s.clone()
	plaintext, err := work.decryptNormal(raw)
	if err != nil {
		return nil, err
	}
	*s = *work
	return plaintext, nil
}

func (s *OlmSession) clone() *OlmSession {
	c := *s
	c.sendChainKey = append([]byte(nil), s.sendChainKey...)
	c.recvChainKey = append([]byte(nil), s.recvChainKey...)
	c.skipped = make(map[skippedKeyID][]byte, len(s.skipped))
	for k, v := range s.skipped {
		c.skipped[k] = v
	}
	return &c
}

func (s *OlmSession) decryptNormal(raw []byte) ([]byte, error) {
	if len(raw) < olmNormalHeaderLength+truncatedMACSize || raw[0] != olmMessageVersion {
		return nil, ErrBadMessageFormat
	}
	var ratchetPub [curve25519KeySize]byte
	copy(ratchetPub[:], raw[1:33])
	prevCount := binary.BigEndian.Uint32(raw[33:37])
	index := binary.BigEndian.Uint32(raw[37:41])

	if ratchetPub == s.peerRatchetKey && index < s.recvCount {
		// Behind the chain: only a banked skipped key can open it.
		mk, ok := s.takeSkippedKey(ratchetPub, index)
		if !ok {
			return nil, ErrUnknownMessageIndex
		}
		return s.openNormal(mk, raw)
	}

	if ratchetPub != s.peerRatchetKey {
		// New ratchet key from the peer: bank the keys left in the old
		// receiving chain, then step the DH ratchet.
		if err := s.skipMessageKeys(prevCount); err != nil {
			return nil, err
		}
		dh, err := s.ratchetKey.SharedSecret(ratchetPub)
		if err != nil {
			return nil, err
		}
		root, chain, err := kdfRoot(s.rootKey[:], dh[:], hkdfInfoOlmRatchet)
		if err != nil {
			return nil, err
		}
		s.rootKey = root
		s.recvChainKey = chain[:]
		s.peerRatchetKey = ratchetPub
		s.recvCount = 0
		// Our next send does its own DH step against the new key.
		s.sendChainKey = nil
	}

	if err := s.skipMessageKeys(index); err != nil {
		return nil, err
	}
	if len(s.recvChainKey) == 0 {
		return nil, errNoReceivingChain
	}
	var ck [32]byte
	copy(ck[:], s.recvChainKey)
	plaintext, err := s.openNormal(chainMessageKey(ck), raw)
	if err != nil {
		return nil, err
	}
	next := advanceChainKey(ck)
	s.recvChainKey = next[:]
	s.recvCount = index + 1
	// The peer demonstrably holds the session now.
	s.pendingPreKey = nil
	return plaintext, nil
}

// skipMessageKeys banks message keys for indices we have not seen, up to
// until, so out-of-order messages stay decryptable.
func (s *OlmSession) skipMessageKeys(until uint32) error {
	if len(s.recvChainKey) == 0 || s.recvCount >= until {
		return nil
	}
	if until-s.recvCount > maxRatchetAdvance {
		return ErrRatchetExhausted
	}
	for s.recvCount < until {
		var ck [32]byte
		copy(ck[:], s.recvChainKey)
		if len(s.skipped) >= maxSkippedMessageKeys {
			for k := range s.skipped {
				delete(s.skipped, k)
				break
			}
		}
		s.skipped[skippedKeyID{s.peerRatchetKey, s.recvCount}] = chainMessageKey(ck)
		next := advanceChainKey(ck)
		s.recvChainKey = next[:]
		s.recvCount++
	}
	return nil
}

func (s *OlmSession) takeSkippedKey(pub [curve25519KeySize]byte, index uint32) ([]byte, bool) {
	id := skippedKeyID{pub, index}
	mk, ok := s.skipped[id]
	if ok {
		delete(s.skipped, id)
	}
	return mk, ok
}

func (s *OlmSession) openNormal(messageKey, raw []byte) ([]byte, error) {
	aesKey, macKey, iv, err := deriveMessageKeys(messageKey, hkdfInfoOlmKeys)
	if err != nil {
		return nil, err
	}
	macStart := len(raw) - truncatedMACSize
	if !verifyTruncatedMAC(macKey, raw[:macStart], raw[macStart:]) {
		return nil, ErrBadMAC
	}
	return decryptCBC(aesKey, iv, raw[olmNormalHeaderLength:macStart])
}

type pickledSkippedKey struct {
	RatchetKey [curve25519KeySize]byte `cbor:"1,keyasint"`
	Index      uint32                  `cbor:"2,keyasint"`
	MessageKey []byte                  `cbor:"3,keyasint"`
}

type pickledOlmSession struct {
	ID             string                  `cbor:"1,keyasint"`
	RootKey        [32]byte                `cbor:"2,keyasint"`
	SendChainKey   []byte                  `cbor:"3,keyasint,omitempty"`
	RecvChainKey   []byte                  `cbor:"4,keyasint,omitempty"`
	RatchetKey     curve25519KeyPair       `cbor:"5,keyasint"`
	PeerRatchetKey [curve25519KeySize]byte `cbor:"6,keyasint"`
	SendCount      uint32                  `cbor:"7,keyasint"`
	RecvCount      uint32                  `cbor:"8,keyasint"`
	PrevSendCount  uint32                  `cbor:"9,keyasint"`
	Skipped        []pickledSkippedKey     `cbor:"10,keyasint,omitempty"`
	PendingPreKey  *preKeyHeader           `cbor:"11,keyasint,omitempty"`
	Inbound        bool                    `cbor:"12,keyasint,omitempty"`
	RemoteBaseKey  [curve25519KeySize]byte `cbor:"13,keyasint"`
	RemoteIdentity [curve25519KeySize]byte `cbor:"14,keyasint"`
}

func (s *OlmSession) Pickle() ([]byte, error) {
	p := pickledOlmSession{
		ID:             s.id,
		RootKey:        s.rootKey,
		SendChainKey:   s.sendChainKey,
		RecvChainKey:   s.recvChainKey,
		RatchetKey:     s.ratchetKey,
		PeerRatchetKey: s.peerRatchetKey,
		SendCount:      s.sendCount,
		RecvCount:      s.recvCount,
		PrevSendCount:  s.prevSendCount,
		PendingPreKey:  s.pendingPreKey,
		Inbound:        s.inbound,
		RemoteBaseKey:  s.remoteBaseKey,
		RemoteIdentity: s.remoteIdentity,
	}
	for id, mk := range s.skipped {
		p.Skipped = append(p.Skipped, pickledSkippedKey{
			RatchetKey: id.ratchetKey,
			Index:      id.index,
			MessageKey: mk,
		})
	}
	return cbor.Marshal(p)
}

func UnpickleOlmSession(pickle []byte) (*OlmSession, error) {
	var p pickledOlmSession
	if err := cbor.Unmarshal(pickle, &p); err != nil {
		return nil, err
	}
	s := &OlmSession{
		id:             p.ID,
		rootKey:        p.RootKey,
		sendChainKey:   p.SendChainKey,
		recvChainKey:   p.RecvChainKey,
		ratchetKey:     p.RatchetKey,
		peerRatchetKey: p.PeerRatchetKey,
		sendCount:      p.SendCount,
		recvCount:      p.RecvCount,
		prevSendCount:  p.PrevSendCount,
		skipped:        make(map[skippedKeyID][]byte, len(p.Skipped)),
		pendingPreKey:  p.PendingPreKey,
		inbound:        p.Inbound,
		remoteBaseKey:  p.RemoteBaseKey,
		remoteIdentity: p.RemoteIdentity,
	}
	for _, sk := range p.Skipped {
		s.skipped[skippedKeyID{sk.RatchetKey, sk.Index}] = sk.MessageKey
	}
	return s, nil
}
