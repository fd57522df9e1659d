// Package method implements the method registry (C8): the ordered,
// append-only list of recipient descriptors that internal/envelope's
// multi-recipient orchestration (C6) encrypts against. It generalizes
// filippo.io/age's recipients file (a flat list of one-line recipient
// strings, parsed by cmd/age/parse.go's parseRecipientsFile) to a richer,
// YAML-backed descriptor that can also carry an embedded, passphrase- or
// agent-protected private key.
package method

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/mlacage/ssops/internal/document"
	"github.com/mlacage/ssops/internal/protect"
	"github.com/mlacage/ssops/internal/sserrors"
)

// parsePKIXOrPKCS1 accepts either PKIX (the PEM encoding
// crypto/x509.MarshalPKIXPublicKey produces) or legacy PKCS#1 RSA public
// key DER, since both appear in the wild as "-----BEGIN ... PUBLIC
// KEY-----" blocks.
func parsePKIXOrPKCS1(der []byte) (*rsa.PublicKey, error) {
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("PKIX key is not RSA")
		}
		return rsaKey, nil
	}
	return x509.ParsePKCS1PublicKey(der)
}

// Recipient kinds. KindRSA descriptors hold a PEM-encoded RSA public key
// generated by `ssops key gen`; KindSSH descriptors hold an existing SSH
// authorized-keys line as their public key. At decrypt time both kinds
// resolve their private key the same way: from an embedded record, or
// from the local key-store entry with the descriptor's name. No private
// key is obtained from an ssh-agent identity itself.
const (
	KindRSA = "rsa"
	KindSSH = "ssh"
)

// Descriptor is one recipient entry in a method file.
type Descriptor struct {
	Kind                string          `yaml:"kind"`
	Name                string          `yaml:"name"`
	PublicKey           string          `yaml:"public_key"`
	EncryptedPrivateKey *protect.Record `yaml:"encrypted_private_key,omitempty"`
}

// ParsePublicKey extracts the *rsa.PublicKey this descriptor encrypts
// against, regardless of whether PublicKey holds a PEM block (KindRSA)
// or an authorized-keys line (KindSSH).
func (d Descriptor) ParsePublicKey() (*rsa.PublicKey, error) {
	switch d.Kind {
	case KindRSA:
		return parsePEMPublicKey(d.PublicKey)
	case KindSSH:
		return parseAuthorizedKeyRSA(d.PublicKey)
	default:
		return nil, sserrors.New(sserrors.UnsupportedRecipientKind, fmt.Sprintf("unsupported recipient kind %q", d.Kind))
	}
}

// File is the persisted, ordered list of recipient descriptors. The
// top-level YAML key is "methods", matching spec.md §6's method file
// shape ({methods: [descriptor, …]}).
type File struct {
	Recipients []Descriptor `yaml:"methods"`
}

// Create writes a new, empty method file at path. It refuses to
// overwrite an existing one.
func Create(path string) error {
	data, err := document.Marshal(File{Recipients: []Descriptor{}})
	if err != nil {
		return err
	}
	return document.WriteDurable(path, data, 0644, false)
}

// Load reads the method file at path.
func Load(path string) (*File, error) {
	var f File
	if err := document.Load(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Save rewrites the method file at path in place.
func (f *File) Save(path string) error {
	data, err := document.Marshal(f)
	if err != nil {
		return err
	}
	return document.WriteDurable(path, data, 0644, true)
}

// find returns the index of the descriptor matching (kind, name), or -1.
func (f *File) find(kind, name string) int {
	for i, d := range f.Recipients {
		if d.Kind == kind && d.Name == name {
			return i
		}
	}
	return -1
}

// AddKey appends a KindRSA descriptor for an ssops-generated key pair,
// identified by name, with its PEM-encoded public key. embed is nil
// unless the caller also wants the protected private key carried inline
// in the method file instead of only in the local key store.
func (f *File) AddKey(name, publicKeyPEM string, embed *protect.Record) error {
	if _, err := parsePEMPublicKey(publicKeyPEM); err != nil {
		return err
	}
	if f.find(KindRSA, name) >= 0 {
		return sserrors.New(sserrors.DuplicateRecipient, fmt.Sprintf("recipient %q already present in method file", name))
	}
	f.Recipients = append(f.Recipients, Descriptor{
		Kind:                KindRSA,
		Name:                name,
		PublicKey:           publicKeyPEM,
		EncryptedPrivateKey: embed,
	})
	return nil
}

// AddSSHKey appends a KindSSH descriptor rooted in the authorized-keys
// line stored at pubKeyFilePath. The recipient name is the file's base
// name with a trailing ".pub" stripped cleanly via strings.TrimSuffix
// (not the slicing the reference implementation used, which silently
// mis-truncated names that didn't end in exactly ".pub").
func (f *File) AddSSHKey(pubKeyFilePath, authorizedKeyLine string, embed *protect.Record) (string, error) {
	if _, err := parseAuthorizedKeyRSA(authorizedKeyLine); err != nil {
		return "", err
	}
	name := strings.TrimSuffix(filepath.Base(pubKeyFilePath), ".pub")
	if f.find(KindSSH, name) >= 0 {
		return "", sserrors.New(sserrors.DuplicateRecipient, fmt.Sprintf("recipient %q already present in method file", name))
	}
	f.Recipients = append(f.Recipients, Descriptor{
		Kind:      KindSSH,
		Name:      name,
		PublicKey: authorizedKeyLine,
	})
	return name, nil
}

// Summary is the tabular view cmd/ssops's `method show` renders with
// text/tabwriter.
type Summary struct {
	Name     string
	Kind     string
	Embedded bool
}

// Show returns one Summary row per recipient, in file order.
func (f *File) Show() []Summary {
	rows := make([]Summary, len(f.Recipients))
	for i, d := range f.Recipients {
		rows[i] = Summary{Name: d.Name, Kind: d.Kind, Embedded: d.EncryptedPrivateKey != nil}
	}
	return rows
}

func parsePEMPublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, sserrors.New(sserrors.ConfigInvalid, "public key is not valid PEM")
	}
	key, err := parsePKIXOrPKCS1(block.Bytes)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.ConfigInvalid, "malformed RSA public key", err)
	}
	return key, nil
}

// parseAuthorizedKeyRSA parses an authorized-keys line and rejects
// anything but ssh-rsa, the same restriction internal/protect applies:
// only RSA keys support the deterministic signature the ssh-agent
// protection kind relies on.
func parseAuthorizedKeyRSA(line string) (*rsa.PublicKey, error) {
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(line)))
	if err != nil {
		return nil, sserrors.Wrap(sserrors.ConfigInvalid, "malformed SSH public key line", err)
	}
	if pubKey.Type() != "ssh-rsa" {
		return nil, sserrors.New(sserrors.UnsupportedRecipientKind,
			fmt.Sprintf("unsupported SSH key type %q: only RSA keys are supported", pubKey.Type()))
	}
	cryptoPub, ok := pubKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, sserrors.New(sserrors.ConfigInvalid, "SSH public key does not expose its crypto key")
	}
	rsaPub, ok := cryptoPub.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return nil, sserrors.New(sserrors.ConfigInvalid, "SSH public key is not an RSA key")
	}
	return rsaPub, nil
}
