// Package keystore implements the on-disk key store (C7): one <name> /
// <name>.pub file pair per recipient under a store directory (typically
// "<home>/.ssops"), generalized from cmd/age-keygen/keygen.go's single
// exclusive-create key file into a directory of many, with the
// durability guarantee (fsync file + parent directory) spec.md §4.7
// requires and keygen.go itself does not perform.
package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mlacage/ssops/internal/document"
	"github.com/mlacage/ssops/internal/protect"
	"github.com/mlacage/ssops/internal/sserrors"
)

// Store is a directory holding recipient key pairs.
type Store struct {
	Dir string
}

// Open returns a Store rooted at dir, creating the directory if it does
// not already exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, sserrors.Wrap(sserrors.IoFailure, fmt.Sprintf("failed to create key store directory %s", dir), err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) privatePath(name string) string { return filepath.Join(s.Dir, name) }
func (s *Store) publicPath(name string) string  { return filepath.Join(s.Dir, name+".pub") }

// Record is the persisted private-key document: the protection record
// plus the PEM-encoded public key it pairs with, so a single read gives
// back everything internal/envelope needs to both encrypt against the
// recipient and, once unwrapped, decrypt with it.
type Record struct {
	Protect   *protect.Record `yaml:"protect"`
	PublicKey string          `yaml:"public_key"`
}

// Put stores a new key pair under name. It refuses to overwrite an
// existing pair unless force is set, in which case both files are
// rewritten atomically (one durable write each).
func (s *Store) Put(name string, rec *protect.Record, publicKeyPEM string, force bool) error {
	privData, err := document.Marshal(Record{Protect: rec, PublicKey: publicKeyPEM})
	if err != nil {
		return err
	}
	if err := document.WriteDurable(s.privatePath(name), privData, 0600, force); err != nil {
		return err
	}
	if err := document.WriteDurable(s.publicPath(name), []byte(publicKeyPEM), 0644, force); err != nil {
		return err
	}
	return nil
}

// Get loads the key-pair record stored under name.
func (s *Store) Get(name string) (*Record, error) {
	var rec Record
	if err := document.Load(s.privatePath(name), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetPublicKey loads only the public half, as a parsed *rsa.PublicKey.
func (s *Store) GetPublicKey(name string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(s.publicPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sserrors.Wrap(sserrors.KeyMissing, fmt.Sprintf("no public key named %q in key store", name), err)
		}
		return nil, sserrors.Wrap(sserrors.IoFailure, fmt.Sprintf("failed to read public key %q", name), err)
	}
	return parsePEMPublicKey(string(data))
}

// Has reports whether both halves of name's key pair exist.
func (s *Store) Has(name string) bool {
	if _, err := os.Stat(s.privatePath(name)); err != nil {
		return false
	}
	if _, err := os.Stat(s.publicPath(name)); err != nil {
		return false
	}
	return true
}

// List returns the names of every key pair with both halves present, in
// sorted order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.IoFailure, fmt.Sprintf("failed to list key store %s", s.Dir), err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".pub") {
			continue
		}
		if s.Has(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// EncodePublicKeyPEM renders pub as a PKIX PEM block, the format every
// public key file and Descriptor.PublicKey (for KindRSA) stores.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", sserrors.Wrap(sserrors.IoFailure, "failed to marshal RSA public key", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return string(block), nil
}

func parsePEMPublicKey(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, sserrors.New(sserrors.ConfigInvalid, "public key is not valid PEM")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, sserrors.Wrap(sserrors.ConfigInvalid, "malformed RSA public key", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, sserrors.New(sserrors.ConfigInvalid, "public key is not RSA")
	}
	return rsaKey, nil
}
