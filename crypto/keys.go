package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Keys on the wire are unpadded standard base64, like everything else in the
// client-server API.
var b64 = base64.RawStdEncoding

const curve25519KeySize = 32

// curve25519KeyPair is a raw X25519 keypair. The private half is clamped on
// generation.
type curve25519KeyPair struct {
	Private [curve25519KeySize]byte `cbor:"1,keyasint"`
	Public  [curve25519KeySize]byte `cbor:"2,keyasint"`
}

func generateCurve25519KeyPair() (curve25519KeyPair, error) {
	var kp curve25519KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, err
	}
	clampCurve25519(&kp.Private)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// clampCurve25519 applies the RFC 7748 bit twiddling to a fresh scalar.
func clampCurve25519(priv *[curve25519KeySize]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

func (kp curve25519KeyPair) SharedSecret(pub [curve25519KeySize]byte) ([curve25519KeySize]byte, error) {
	var out [curve25519KeySize]byte
	shared, err := curve25519.X25519(kp.Private[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}

func (kp curve25519KeyPair) PublicBase64() string {
	return b64.EncodeToString(kp.Public[:])
}

func decodeCurve25519Key(s string) ([curve25519KeySize]byte, error) {
	var out [curve25519KeySize]byte
	raw, err := b64.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("bad curve25519 key: %w", err)
	}
	if len(raw) != curve25519KeySize {
		return out, fmt.Errorf("bad curve25519 key: %d bytes", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
