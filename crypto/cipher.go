package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Message encryption is AES-256-CBC with PKCS#7 padding plus a truncated
// HMAC-SHA256, the construction the v1 aes-sha2 algorithm identifiers name.
// The per-message AES key, MAC key and IV are expanded out of a
// ratchet-derived message key with HKDF-SHA256 under a per-algorithm label.

const (
	aesKeySize       = 32
	macKeySize       = 32
	ivSize           = aes.BlockSize
	truncatedMACSize = 8
)

var (
	hkdfInfoGroupKeys  = []byte("MEGOLM_KEYS")
	hkdfInfoOlmKeys    = []byte("OLM_KEYS")
	hkdfInfoOlmRoot    = []byte("OLM_ROOT")
	hkdfInfoOlmRatchet = []byte("OLM_RATCHET")
)

var ErrBadCiphertext = errors.New("malformed ciphertext")

// deriveMessageKeys expands a message key into the AES key, MAC key and IV
// for a single message.
func deriveMessageKeys(messageKey, info []byte) (aesKey, macKey, iv []byte, err error) {
	buf := make([]byte, aesKeySize+macKeySize+ivSize)
	r := hkdf.New(sha256.New, messageKey, nil, info)
	if _, err = io.ReadFull(r, buf); err != nil {
		return nil, nil, nil, err
	}
	return buf[:aesKeySize], buf[aesKeySize : aesKeySize+macKeySize], buf[aesKeySize+macKeySize:], nil
}

// kdfRoot mixes DH output into a root key, yielding the next root key and a
// chain key. The initial derivation passes a nil root as the HKDF salt.
func kdfRoot(rootKey, dh, info []byte) (newRoot, chainKey [32]byte, err error) {
	r := hkdf.New(sha256.New, dh, rootKey, info)
	if _, err = io.ReadFull(r, newRoot[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, chainKey[:])
	return
}

// advanceChainKey steps a chain key forward one message.
func advanceChainKey(ck [32]byte) [32]byte {
	var out [32]byte
	m := hmac.New(sha256.New, ck[:])
	m.Write([]byte{0x02})
	copy(out[:], m.Sum(nil))
	return out
}

// chainMessageKey derives the message key for the chain's current position
// without advancing it.
func chainMessageKey(ck [32]byte) []byte {
	m := hmac.New(sha256.New, ck[:])
	m.Write([]byte{0x01})
	return m.Sum(nil)
}

func encryptCBC(aesKey, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func decryptCBC(aesKey, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrBadCiphertext
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrBadCiphertext
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, ErrBadCiphertext
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrBadCiphertext
		}
	}
	return b[:len(b)-n], nil
}

func computeTruncatedMAC(macKey, data []byte) []byte {
	m := hmac.New(sha256.New, macKey)
	m.Write(data)
	return m.Sum(nil)[:truncatedMACSize]
}

func verifyTruncatedMAC(macKey, data, mac []byte) bool {
	return hmac.Equal(computeTruncatedMAC(macKey, data), mac)
}
