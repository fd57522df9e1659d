// Package kdf implements the scrypt-derived-key-wraps-AES-GCM-payload
// primitive used to protect private keys at rest, modeled on
// filippo.io/age's internal/age/scrypt.go ScryptRecipient/ScryptIdentity
// pair, but emitting the passphrase wrap record shape this spec defines
// (type "scrypt-aes-gcm", hex salt/ciphertext, nonce prepended to the
// ciphertext field) instead of age's bech32 stanza body.
package kdf

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/mlacage/ssops/internal/sserrors"
)

const (
	recordType = "scrypt-aes-gcm"
	keyLength  = 32
	saltBytes  = 16
	nonceBytes = 12

	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// Scrypt holds the KDF parameters used to derive a key from a password.
// Parameters are always re-read from the record on unwrap so a future
// algorithm revision can bump Record.Type without breaking old files.
type Scrypt struct {
	Salt   string `yaml:"salt"`
	Length int    `yaml:"length"`
	N      int    `yaml:"n"`
	R      int    `yaml:"r"`
	P      int    `yaml:"p"`
}

// Record is the persisted passphrase wrap record described in the data
// model: a scrypt-derived key wrapping an AES-GCM ciphertext.
type Record struct {
	Type       string `yaml:"type"`
	Scrypt     Scrypt `yaml:"scrypt"`
	Ciphertext string `yaml:"ciphertext"` // hex(nonce || ct || tag)
}

// Wrap derives a key from password via scrypt and AES-GCM seals plaintext
// under it with empty associated data, returning the serialized record.
func Wrap(password, plaintext []byte) (*Record, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, sserrors.Wrap(sserrors.IoFailure, "failed to generate scrypt salt", err)
	}

	key, err := deriveKey(password, salt, scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, sserrors.Wrap(sserrors.IoFailure, "failed to generate AES-GCM nonce", err)
	}

	ct, err := seal(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}

	return &Record{
		Type: recordType,
		Scrypt: Scrypt{
			Salt:   hex.EncodeToString(salt),
			Length: keyLength,
			N:      scryptN,
			R:      scryptR,
			P:      scryptP,
		},
		Ciphertext: hex.EncodeToString(append(nonce, ct...)),
	}, nil
}

// Unwrap re-derives the key from the record's own parameters and opens
// the AES-GCM ciphertext. A tag mismatch is reported as BadPassphrase; an
// unrecognized record type is reported as UnsupportedKdf.
func Unwrap(password []byte, record *Record) ([]byte, error) {
	if record.Type != recordType {
		return nil, sserrors.New(sserrors.UnsupportedKdf, fmt.Sprintf("unsupported kdf type %q", record.Type))
	}

	salt, err := hex.DecodeString(record.Scrypt.Salt)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.ConfigInvalid, "malformed scrypt salt", err)
	}

	key, err := deriveKey(password, salt, record.Scrypt.N, record.Scrypt.R, record.Scrypt.P, record.Scrypt.Length)
	if err != nil {
		return nil, err
	}

	blob, err := hex.DecodeString(record.Ciphertext)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.ConfigInvalid, "malformed ciphertext", err)
	}
	if len(blob) < nonceBytes {
		return nil, sserrors.New(sserrors.ConfigInvalid, "ciphertext shorter than nonce")
	}
	nonce, ct := blob[:nonceBytes], blob[nonceBytes:]

	plaintext, err := open(key, nonce, ct)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.BadPassphrase, "AES-GCM authentication failed", err)
	}
	return plaintext, nil
}

func deriveKey(password, salt []byte, n, r, p, length int) ([]byte, error) {
	key, err := scrypt.Key(password, salt, n, r, p, length)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.ConfigInvalid, "failed to derive scrypt key", err)
	}
	return key, nil
}

func seal(key, nonce, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.IoFailure, "failed to initialize AES cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.IoFailure, "failed to initialize AES-GCM", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}
