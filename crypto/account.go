package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var ErrNoOneTimeKey = errors.New("no matching one-time key")

// Account is one device's long-lived identity: a curve25519 key for
// establishing one-to-one sessions (the key peers see as our sender_key) and
// an ed25519 key for signing, plus the private halves of our unclaimed
// one-time keys. Accounts pickle to CBOR for storage.
type Account struct {
	identity         curve25519KeyPair
	signingPriv      ed25519.PrivateKey
	signingPub       ed25519.PublicKey
	oneTimeKeys      []oneTimeKey
	nextOneTimeKeyID uint32
}

type oneTimeKey struct {
	ID  uint32            `cbor:"1,keyasint"`
	Key curve25519KeyPair `cbor:"2,keyasint"`
}

func NewAccount() (*Account, error) {
	identity, err := generateCurve25519KeyPair()
	if err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Account{
		identity:         identity,
		signingPriv:      priv,
		signingPub:       pub,
		nextOneTimeKeyID: 1,
	}, nil
}

// IdentityKey is the unpadded base64 of the curve25519 public key.
func (a *Account) IdentityKey() string {
	return a.identity.PublicBase64()
}

// SigningKey is the unpadded base64 of the ed25519 public key.
func (a *Account) SigningKey() string {
	return b64.EncodeToString(a.signingPub)
}

// Sign returns the unpadded base64 ed25519 signature over message.
func (a *Account) Sign(message []byte) string {
	return b64.EncodeToString(ed25519.Sign(a.signingPriv, message))
}

// GenerateOneTimeKeys mints count fresh one-time keys. The public halves are
// published via OneTimeKeys; the private halves stay here until a pre-key
// message claims them.
func (a *Account) GenerateOneTimeKeys(count int) error {
	for i := 0; i < count; i++ {
		kp, err := generateCurve25519KeyPair()
		if err != nil {
			return err
		}
		a.oneTimeKeys = append(a.oneTimeKeys, oneTimeKey{ID: a.nextOneTimeKeyID, Key: kp})
		a.nextOneTimeKeyID++
	}
	return nil
}

// OneTimeKeys returns the unclaimed one-time public keys keyed by key ID, in
// upload form.
func (a *Account) OneTimeKeys() map[string]string {
	out := make(map[string]string, len(a.oneTimeKeys))
	for _, otk := range a.oneTimeKeys {
		out[fmt.Sprintf("curve25519:%d", otk.ID)] = otk.Key.PublicBase64()
	}
	return out
}

// takeOneTimeKey removes and returns the one-time key with the given public
// half. One-time keys are single use: once a pre-key message consumes one it
// must never establish a second session.
func (a *Account) takeOneTimeKey(pub [curve25519KeySize]byte) (curve25519KeyPair, bool) {
	for i, otk := range a.oneTimeKeys {
		if otk.Key.Public == pub {
			a.oneTimeKeys = append(a.oneTimeKeys[:i], a.oneTimeKeys[i+1:]...)
			return otk.Key, true
		}
	}
	return curve25519KeyPair{}, false
}

type pickledAccount struct {
	Identity         curve25519KeyPair `cbor:"1,keyasint"`
	SigningSeed      []byte            `cbor:"2,keyasint"`
	OneTimeKeys      []oneTimeKey      `cbor:"3,keyasint,omitempty"`
	NextOneTimeKeyID uint32            `cbor:"4,keyasint"`
}

func (a *Account) Pickle() ([]byte, error) {
	return cbor.Marshal(pickledAccount{
		Identity:         a.identity,
		SigningSeed:      a.signingPriv.Seed(),
		OneTimeKeys:      a.oneTimeKeys,
		NextOneTimeKeyID: a.nextOneTimeKeyID,
	})
}

func UnpickleAccount(pickle []byte) (*Account, error) {
	var p pickledAccount
	if err := cbor.Unmarshal(pickle, &p); err != nil {
		return nil, err
	}
	if len(p.SigningSeed) != ed25519.SeedSize {
		return nil, fmt.Errorf("account pickle: bad signing seed length %d", len(p.SigningSeed))
	}
	priv := ed25519.NewKeyFromSeed(p.SigningSeed)
	return &Account{
		identity:         p.Identity,
		signingPriv:      priv,
		signingPub:       priv.Public().(ed25519.PublicKey),
		oneTimeKeys:      p.OneTimeKeys,
		nextOneTimeKeyID: p.NextOneTimeKeyID,
	}, nil
}
