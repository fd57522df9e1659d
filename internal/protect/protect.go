// Package protect wraps and unwraps a private-key blob at rest, under one
// of two protection kinds: a user passphrase, or a challenge signed by a
// local SSH agent. The shape generalizes
// filippo.io/age/cmd/internal/keywrap.ProtectedX25519Identity (which
// derives a key from a passphrase to protect a private key) to a second,
// agent-backed kind, and to a plain wrap/unwrap pair instead of an
// age.Identity adapter, since this spec's private keys are protected
// independently of the recipient envelope that uses them (C5).
package protect

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/mlacage/ssops/internal/kdf"
	"github.com/mlacage/ssops/internal/sserrors"
	"github.com/mlacage/ssops/internal/sshagent"
)

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

const (
	KindPassword = "password"
	KindSSHAgent = "ssh-agent"
)

// SSHAgentData is the SSH-agent wrap record from the data model: the
// challenge that was signed, the authorized-keys line identifying which
// agent identity must sign it, and the passphrase-shaped record whose
// "password" is that signature.
type SSHAgentData struct {
	Challenge           string     `yaml:"challenge"` // hex
	SSHPublicKey        string     `yaml:"ssh_public_key"`
	EncryptedPrivateKey *kdf.Record `yaml:"encrypted_private_key"`
}

// Record is the persisted private-key protection record: a protection
// kind tag, the key's name (used in prompts), and kind-specific data.
//
// Data is kept as kind-tagged concrete pointers rather than an
// interface{}/yaml.Node so that the YAML round-trip is exact regardless
// of which kind is in use. Exactly one of Password and SSHAgent is set,
// matching Type; Unwrap dispatches on Type to read the right one.
type Record struct {
	Type     string        `yaml:"type"`
	Name     string        `yaml:"name"`
	Password *kdf.Record   `yaml:"password_data,omitempty"`
	SSHAgent *SSHAgentData `yaml:"ssh_agent_data,omitempty"`
}

// PassphrasePrompter asks the operator for a passphrase. promptForWrap is
// true when creating a new protection (wrap prompts twice and compares);
// it is false when unwrapping an existing one (prompt once). An empty
// result at unwrap time means the operator declined.
type PassphrasePrompter func(name string, promptForWrap bool) (string, error)

// WrapPassword protects plaintext under a passphrase obtained by asking
// prompt twice; PassphraseMismatch is returned if the two entries differ.
func WrapPassword(name string, prompt PassphrasePrompter, plaintext []byte) (*Record, error) {
	pass1, err := prompt(name, true)
	if err != nil {
		return nil, err
	}
	pass2, err := prompt(name, true)
	if err != nil {
		return nil, err
	}
	if pass1 != pass2 {
		return nil, sserrors.New(sserrors.PassphraseMismatch, "passphrase entries did not match")
	}

	record, err := kdf.Wrap([]byte(pass1), plaintext)
	if err != nil {
		return nil, err
	}
	return &Record{Type: KindPassword, Name: name, Password: record}, nil
}

// UnwrapPassword asks for the passphrase once (prompt text includes
// name) and unwraps. An empty entry aborts with UserDeclined.
func UnwrapPassword(record *Record, prompt PassphrasePrompter) ([]byte, error) {
	if record.Type != KindPassword || record.Password == nil {
		return nil, sserrors.New(sserrors.ConfigInvalid, "record is not password-protected")
	}
	pass, err := prompt(record.Name, false)
	if err != nil {
		return nil, err
	}
	if pass == "" {
		return nil, sserrors.New(sserrors.UserDeclined, fmt.Sprintf("no passphrase entered for %q", record.Name))
	}
	return kdf.Unwrap([]byte(pass), record.Password)
}

// Unwrap dispatches on record.Type to UnwrapPassword or UnwrapSSHAgent,
// mirroring the type-dispatch age.Decrypt's RecipientsLoop performs over
// the identities it was given.
func Unwrap(record *Record, prompt PassphrasePrompter, dial AgentDialer) ([]byte, error) {
	switch record.Type {
	case KindPassword:
		return UnwrapPassword(record, prompt)
	case KindSSHAgent:
		return UnwrapSSHAgent(record, dial)
	default:
		return nil, sserrors.New(sserrors.ConfigInvalid, fmt.Sprintf("unsupported protection kind %q", record.Type))
	}
}

// AgentDialer opens a connection to the local ssh-agent; it is a seam so
// callers (and tests) can avoid a real SSH_AUTH_SOCK dependency.
type AgentDialer func() (*sshagent.Client, error)

// WrapSSHAgent protects plaintext by asking the agent holding the key
// named by the authorized-keys line authorizedKeyLine to sign a fresh
// random challenge, then using that signature as the KDF password.
func WrapSSHAgent(name, authorizedKeyLine string, dial AgentDialer, plaintext []byte) (*Record, error) {
	_, blob, err := parseAuthorizedKey(authorizedKeyLine)
	if err != nil {
		return nil, err
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, sserrors.Wrap(sserrors.IoFailure, "failed to generate challenge", err)
	}

	sig, err := signWithAgent(dial, blob, challenge)
	if err != nil {
		return nil, err
	}

	wrapped, err := kdf.Wrap(sig, plaintext)
	if err != nil {
		return nil, err
	}

	return &Record{
		Type: KindSSHAgent,
		Name: name,
		SSHAgent: &SSHAgentData{
			Challenge:           hexEncode(challenge),
			SSHPublicKey:        authorizedKeyLine,
			EncryptedPrivateKey: wrapped,
		},
	}, nil
}

// UnwrapSSHAgent reverses WrapSSHAgent: it re-signs the stored challenge
// with the same agent identity and re-derives the KDF password.
func UnwrapSSHAgent(record *Record, dial AgentDialer) ([]byte, error) {
	if record.Type != KindSSHAgent || record.SSHAgent == nil {
		return nil, sserrors.New(sserrors.ConfigInvalid, "record is not ssh-agent-protected")
	}
	_, blob, err := parseAuthorizedKey(record.SSHAgent.SSHPublicKey)
	if err != nil {
		return nil, err
	}

	challenge, err := hexDecode(record.SSHAgent.Challenge)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.ConfigInvalid, "malformed challenge", err)
	}

	sig, err := signWithAgent(dial, blob, challenge)
	if err != nil {
		return nil, err
	}

	plaintext, err := kdf.Unwrap(sig, record.SSHAgent.EncryptedPrivateKey)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.BadSignature, "agent signature did not unwrap the stored key", err)
	}
	return plaintext, nil
}

func signWithAgent(dial AgentDialer, keyBlob, data []byte) ([]byte, error) {
	client, err := dial()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	identities, err := client.ListIdentities()
	if err != nil {
		return nil, err
	}
	found := false
	for _, id := range identities {
		if string(id.Blob) == string(keyBlob) {
			found = true
			break
		}
	}
	if !found {
		return nil, sserrors.New(sserrors.KeyNotInAgent, "ssh-agent does not hold the requested identity")
	}

	_, sig, err := client.Sign(keyBlob, data)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// parseAuthorizedKey parses an authorized-keys line ("<type> <base64>
// [comment]") and returns the ssh.PublicKey together with its raw wire
// blob, exactly as agessh.NewRSARecipient and cmd/age/parse.go's
// readPubFile use golang.org/x/crypto/ssh.ParseAuthorizedKey, but
// restricted to RSA: only RSA keys support the deterministic signature
// this protection scheme relies on (Ed25519 and ECDSA are rejected, the
// former by policy, the latter because its signatures are randomized).
func parseAuthorizedKey(line string) (ssh.PublicKey, []byte, error) {
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
	if err != nil {
		return nil, nil, sserrors.Wrap(sserrors.ConfigInvalid, "malformed SSH public key line", err)
	}
	if pubKey.Type() != "ssh-rsa" {
		return nil, nil, sserrors.New(sserrors.UnsupportedRecipientKind,
			fmt.Sprintf("unsupported SSH key type %q: only RSA keys support the deterministic signature this scheme requires", pubKey.Type()))
	}
	return pubKey, pubKey.Marshal(), nil
}
