// Package envelope implements the recipient envelope (C5) and the
// multi-recipient orchestration built on top of it (C6). Each recipient
// gets its own independent RSA-OAEP-SHA256 ciphertext of the whole
// payload — the same primitive call filippo.io/age's
// agessh.RSARecipient.Wrap / RSAIdentity.unwrap make
// (rsa.EncryptOAEP/DecryptOAEP with sha256.New()), but with no shared
// file key or header MAC: this spec's data model has no file key, so
// there is nothing to wrap except the payload itself, once per
// recipient.
package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"github.com/mlacage/ssops/internal/keystore"
	"github.com/mlacage/ssops/internal/method"
	"github.com/mlacage/ssops/internal/protect"
	"github.com/mlacage/ssops/internal/sserrors"
)

// Envelope is the per-recipient encrypted object: the RSA-OAEP
// ciphertext of the shared payload, plus a copy of the recipient
// descriptor that produced it. Carrying the descriptor inline (rather
// than requiring the method file at decrypt time) is what lets
// `ssops decrypt` work from the artifact alone, and what makes the
// `--embed` recipient self-contained on a host with no local key store.
type Envelope struct {
	Ciphertext    string            `yaml:"ciphertext"` // hex
	Configuration method.Descriptor `yaml:"configuration"`
}

// Entry is one recipient's slot in an encrypted artifact.
type Entry struct {
	Kind      string   `yaml:"type"`
	Name      string   `yaml:"name"`
	Encrypted Envelope `yaml:"encrypted"`
}

// Artifact is the encrypted document ssops writes and reads: an ordered
// array of Entry, one per recipient the payload was encrypted for, in
// encryption (method file) order. It is a named slice, not a wrapper
// struct, because spec.md §6 defines the artifact as a bare YAML array
// of objects rather than a document with a top-level key.
type Artifact []Entry

// maxPayloadSize returns the largest plaintext RSA-OAEP-SHA256 can seal
// for the given public key's modulus size: size - 2*hashLen - 2.
func maxPayloadSize(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// EncryptEntry seals plaintext for pub with RSA-OAEP-SHA256 and an empty
// label — spec.md §4.5 specifies no label, where the teacher's
// RSARecipient.Wrap uses one for scheme domain separation; this spec's
// wire format has no room for multiple recipient types sharing a
// descriptor, so there is nothing to separate.
func EncryptEntry(pub *rsa.PublicKey, plaintext []byte) (string, error) {
	if len(plaintext) > maxPayloadSize(pub) {
		return "", sserrors.New(sserrors.PayloadTooLarge,
			fmt.Sprintf("payload of %d bytes exceeds this recipient's %d-byte RSA-OAEP limit", len(plaintext), maxPayloadSize(pub)))
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return "", sserrors.Wrap(sserrors.IoFailure, "RSA-OAEP encryption failed", err)
	}
	return hex.EncodeToString(ciphertext), nil
}

// DecryptEntry reverses EncryptEntry.
func DecryptEntry(priv *rsa.PrivateKey, ciphertextHex string) ([]byte, error) {
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.ConfigInvalid, "malformed ciphertext hex", err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.DecryptFailed, "RSA-OAEP decryption failed", err)
	}
	return plaintext, nil
}

// EncryptForRecipients encrypts plaintext once per recipient descriptor
// in file, in file order. If names is non-empty, only descriptors whose
// Name appears in names are included (method file order is preserved,
// not the order names was given in). Each entry's configuration is a
// copy of the method file's descriptor at encryption time, embedded
// private key included when the recipient was added with --embed.
func EncryptForRecipients(file *method.File, names []string, plaintext []byte) (Artifact, error) {
	wanted := nameSet(names)
	var artifact Artifact
	for _, d := range file.Recipients {
		if wanted != nil && !wanted[d.Name] {
			continue
		}
		pub, err := d.ParsePublicKey()
		if err != nil {
			return nil, err
		}
		ciphertext, err := EncryptEntry(pub, plaintext)
		if err != nil {
			return nil, sserrors.Wrap(sserrors.IoFailure, fmt.Sprintf("failed to encrypt for recipient %q", d.Name), err)
		}
		artifact = append(artifact, Entry{
			Kind: d.Kind,
			Name: d.Name,
			Encrypted: Envelope{
				Ciphertext:    ciphertext,
				Configuration: d,
			},
		})
	}
	if len(artifact) == 0 {
		return nil, sserrors.New(sserrors.ConfigInvalid, "no matching recipients to encrypt for")
	}
	return artifact, nil
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// ResolvePrivateKey recovers the *rsa.PrivateKey for descriptor d,
// preferring an embedded protect.Record over the local key store,
// mirroring the teacher's general "resolve the key material, then
// operate" shape (EncryptedSSHIdentity.Unwrap lazily decrypts from a
// passphrase before delegating to the underlying identity). When the
// key comes from the store, its stored public key must match d's, or
// PublicKeyMismatch is returned before any RSA operation is attempted.
func ResolvePrivateKey(d method.Descriptor, store *keystore.Store, prompt protect.PassphrasePrompter, dial protect.AgentDialer) (*rsa.PrivateKey, error) {
	if d.EncryptedPrivateKey != nil {
		der, err := protect.Unwrap(d.EncryptedPrivateKey, prompt, dial)
		if err != nil {
			return nil, err
		}
		return parseRSAPrivateKey(der)
	}

	if store == nil {
		return nil, sserrors.New(sserrors.KeyStoreMissing, fmt.Sprintf("no local key store and %q has no embedded private key", d.Name))
	}

	record, err := store.Get(d.Name)
	if err != nil {
		return nil, err
	}
	descriptorPub, err := d.ParsePublicKey()
	if err != nil {
		return nil, err
	}
	storedPub, err := store.GetPublicKey(d.Name)
	if err != nil {
		return nil, err
	}
	if descriptorPub.N.Cmp(storedPub.N) != 0 || descriptorPub.E != storedPub.E {
		return nil, sserrors.New(sserrors.PublicKeyMismatch,
			fmt.Sprintf("stored public key for %q does not match the artifact's recipient entry", d.Name))
	}

	der, err := protect.Unwrap(record.Protect, prompt, dial)
	if err != nil {
		return nil, err
	}
	return parseRSAPrivateKey(der)
}

// DecryptArtifact tries each entry in artifact in order, resolving and
// using the corresponding recipient's private key from the entry's own
// embedded configuration — no method file is needed, which is what lets
// an artifact travel to a host with no local key store when its
// recipient was added with --embed. If names is non-empty, only entries
// whose Name appears in names are attempted. Per-recipient failures
// (including UserDeclined) do not abort the loop, the same "continue
// past a failed identity" policy as age.Decrypt's RecipientsLoop; if
// every attempted entry fails, the accumulated causes are returned as a
// single AllRecipientsFailed.
func DecryptArtifact(artifact Artifact, names []string, store *keystore.Store, prompt protect.PassphrasePrompter, dial protect.AgentDialer) ([]byte, error) {
	wanted := nameSet(names)

	var failures []sserrors.RecipientFailure
	attempted := 0
	for _, entry := range artifact {
		if wanted != nil && !wanted[entry.Name] {
			continue
		}
		attempted++

		priv, err := ResolvePrivateKey(entry.Encrypted.Configuration, store, prompt, dial)
		if err != nil {
			failures = append(failures, sserrors.RecipientFailure{Name: entry.Name, Cause: err})
			continue
		}

		plaintext, err := DecryptEntry(priv, entry.Encrypted.Ciphertext)
		if err != nil {
			failures = append(failures, sserrors.RecipientFailure{Name: entry.Name, Cause: err})
			continue
		}
		return plaintext, nil
	}

	if attempted == 0 {
		return nil, sserrors.New(sserrors.ConfigInvalid, "no matching recipients in artifact")
	}
	return nil, &sserrors.AllRecipientsFailed{Failures: failures}
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.ConfigInvalid, "malformed RSA private key", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, sserrors.New(sserrors.ConfigInvalid, "private key is not RSA")
	}
	return rsaKey, nil
}
