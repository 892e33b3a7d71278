package sync2

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type Token struct {
	AccessToken          string
	AccessTokenHash      string    `db:"token_hash"`
	AccessTokenEncrypted string    `db:"token_encrypted"`
	UserID               string    `db:"user_id"`
	DeviceID             string    `db:"device_id"`
	LastSeen             time.Time `db:"last_seen"`
}

// TokensTable remembers which access token maps to which device, so a request
// bearing a previously-seen token does not need a /whoami round trip.
type TokensTable struct {
	db *sqlx.DB
	// A separate secret used to en/decrypt access tokens prior to / after retrieval from the database.
	// This provides additional security as a simple SQL injection attack would be insufficient to retrieve
	// users access tokens due to the encryption key not living inside the database / on that machine at all.
	// We cannot use bcrypt/scrypt as we need the plaintext to do sync requests!
	key256 []byte
}

// NewTokensTable creates the bgsync_tokens table if it does not already exist.
func NewTokensTable(db *sqlx.DB, secret string) *TokensTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS bgsync_tokens (
		token_hash TEXT NOT NULL PRIMARY KEY, -- SHA256(access token)
		token_encrypted TEXT NOT NULL,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		last_seen TIMESTAMP WITH TIME ZONE NOT NULL
	);`)

	// derive the key from the secret
	hash := sha256.New()
	hash.Write([]byte(secret))

	return &TokensTable{
		db:     db,
		key256: hash.Sum(nil),
	}
}

func (t *TokensTable) encrypt(token string) string {
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		panic("sync2.TokensTable encrypt: " + err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic("sync2.TokensTable encrypt: " + err.Error())
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		panic("sync2.TokensTable encrypt: " + err.Error())
	}
	return hex.EncodeToString(nonce) + " " + hex.EncodeToString(gcm.Seal(nil, nonce, []byte(token), nil))
}

func (t *TokensTable) decrypt(nonceAndEncToken string) (string, error) {
	segs := strings.Split(nonceAndEncToken, " ")
	if len(segs) != 2 {
		return "", fmt.Errorf("decrypt token: expected 2 segments, got %d", len(segs))
	}
	nonceBytes, err := hex.DecodeString(segs[0])
	if err != nil {
		return "", fmt.Errorf("decrypt nonce: failed to decode hex: %s", err)
	}
	ciphertext, err := hex.DecodeString(segs[1])
	if err != nil {
		return "", fmt.Errorf("decrypt token: failed to decode hex: %s", err)
	}
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	token, err := aesgcm.Open(nil, nonceBytes, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

func hashToken(accessToken string) string {
	// important that this is a cryptographically secure hash function to prevent
	// preimage attacks where Eve can use a fake token to hash to an existing device ID
	// on the server.
	hash := sha256.New()
	hash.Write([]byte(accessToken))
	return hex.EncodeToString(hash.Sum(nil))
}

// Token retrieves a tokens row from the database if it exists.
// Errors with sql.ErrNoRows if the token does not exist.
// Errors with an unspecified error otherwise.
func (t *TokensTable) Token(plaintextToken string) (*Token, error) {
	tokenHash := hashToken(plaintextToken)
	var token Token
	err := t.db.Get(
		&token,
		`SELECT token_hash, token_encrypted, user_id, device_id, last_seen FROM bgsync_tokens WHERE token_hash=$1`,
		tokenHash,
	)
	if err != nil {
		return nil, err
	}
	token.AccessToken = plaintextToken
	return &token, nil
}

// Insert a new token into the table. Reinserting an existing token is a no-op
// and returns the stored row.
func (t *TokensTable) Insert(txn *sqlx.Tx, plaintextToken, userID, deviceID string, lastSeen time.Time) (*Token, error) {
	hashedToken := hashToken(plaintextToken)
	encToken := t.encrypt(plaintextToken)
	_, err := txn.Exec(
		`INSERT INTO bgsync_tokens(token_hash, token_encrypted, user_id, device_id, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token_hash) DO NOTHING;`,
		hashedToken, encToken, userID, deviceID, lastSeen,
	)
	if err != nil {
		return nil, err
	}
	var token Token
	if err := txn.Get(
		&token,
		`SELECT token_hash, token_encrypted, user_id, device_id, last_seen FROM bgsync_tokens WHERE token_hash=$1`,
		hashedToken,
	); err != nil {
		return nil, err
	}
	token.AccessToken = plaintextToken
	return &token, nil
}

// TokenForDevice returns the most recently seen token for this device, with
// the access token decrypted. This is how a resolve request that carries no
// Authorization header (push payloads do not include credentials) recovers the
// token needed for the sync call.
// Errors with sql.ErrNoRows if the device has no stored token.
func (t *TokensTable) TokenForDevice(userID, deviceID string) (*Token, error) {
	var token Token
	err := t.db.Get(
		&token,
		`SELECT token_hash, token_encrypted, user_id, device_id, last_seen FROM bgsync_tokens
		WHERE user_id = $1 AND device_id = $2 ORDER BY last_seen DESC LIMIT 1`,
		userID, deviceID,
	)
	if err != nil {
		return nil, err
	}
	plain, err := t.decrypt(token.AccessTokenEncrypted)
	if err != nil {
		return nil, err
	}
	token.AccessToken = plain
	return &token, nil
}

// MaybeUpdateLastSeen actions a request to update a Token struct with its last_seen value
// in the DB. To avoid spamming the DB with a write every time a request arrives,
// we only update the last seen timestamp if it is at least 24 hours old.
// The timestamp is updated on the Token struct if and only if it is updated in the DB.
func (t *TokensTable) MaybeUpdateLastSeen(token *Token, newLastSeen time.Time) error {
	sinceLastSeen := newLastSeen.Sub(token.LastSeen)
	if sinceLastSeen < (24 * time.Hour) {
		return nil
	}
	_, err := t.db.Exec(
		`UPDATE bgsync_tokens SET last_seen = $1 WHERE token_hash = $2`,
		newLastSeen, token.AccessTokenHash,
	)
	if err != nil {
		return err
	}
	token.LastSeen = newLastSeen
	return nil
}

// Delete removes a token row, e.g. after the homeserver rejects the token with
// HTTP 401. Deleting an unknown hash is not an error.
func (t *TokensTable) Delete(accessTokenHash string) error {
	_, err := t.db.Exec(
		`DELETE FROM bgsync_tokens WHERE token_hash = $1`, accessTokenHash,
	)
	return err
}
