package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mlacage/ssops/internal/keystore"
	"github.com/mlacage/ssops/internal/logger"
	"github.com/mlacage/ssops/internal/protect"
	"github.com/mlacage/ssops/internal/sserrors"
	"github.com/mlacage/ssops/internal/sshagent"
)

func runKey(args []string) error {
	if len(args) == 0 {
		return sserrors.New(sserrors.ConfigInvalid, "key: missing subcommand (gen, check, protect, list)")
	}
	switch args[0] {
	case "gen":
		return runKeyGen(args[1:])
	case "check":
		return runKeyCheck(args[1:])
	case "protect":
		return runKeyProtect(args[1:])
	case "list":
		return runKeyList(args[1:])
	default:
		return sserrors.New(sserrors.ConfigInvalid, fmt.Sprintf("key: unknown subcommand %q", args[0]))
	}
}

// readAuthorizedKeyFile reads and trims an SSH public key file, the
// input to both `key gen --ssh` and `key protect --ssh`.
func readAuthorizedKeyFile(path string) (string, error) {
	data, err := readAll(path)
	if err != nil {
		return "", sserrors.Wrap(sserrors.IoFailure, fmt.Sprintf("failed to read %s", path), err)
	}
	return strings.TrimSpace(string(data)), nil
}

// runKeyGen implements `key gen <name> [-t rsa] [--ssh <pub>]`: generate
// a fresh RSA-2048 key pair, protect the private half under a passphrase
// (the default) or an ssh-agent challenge (--ssh), and store both halves
// under name in the local key store.
func runKeyGen(args []string) error {
	fs := flag.NewFlagSet("key gen", flag.ContinueOnError)
	keyType := fs.String("t", "rsa", "key type (only rsa is supported)")
	sshPub := fs.String("ssh", "", "protect with ssh-agent, using this authorized-keys public key file")
	if err := fs.Parse(args); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "failed to parse flags", err)
	}
	if fs.NArg() != 1 {
		return sserrors.New(sserrors.ConfigInvalid, "key gen: expected exactly one <name> argument")
	}
	name := fs.Arg(0)
	if *keyType != "rsa" {
		return sserrors.New(sserrors.UnsupportedRecipientKind, fmt.Sprintf("key gen: unsupported key type %q", *keyType))
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return sserrors.Wrap(sserrors.IoFailure, "failed to generate RSA key pair", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	pubPEM, err := keystore.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}

	record, err := protectNewKey(name, *sshPub, der)
	if err != nil {
		return err
	}

	store, err := openDefaultStore()
	if err != nil {
		return err
	}
	if err := store.Put(name, record, pubPEM, false); err != nil {
		return err
	}
	logger.Global.Printf("Generated and stored key pair %q.", name)
	return nil
}

func protectNewKey(name, sshPubFile string, plaintext []byte) (*protect.Record, error) {
	if sshPubFile != "" {
		line, err := readAuthorizedKeyFile(sshPubFile)
		if err != nil {
			return nil, err
		}
		return protect.WrapSSHAgent(name, line, dialAgent, plaintext)
	}
	return protect.WrapPassword(name, terminalPrompt, plaintext)
}

// runKeyCheck implements `key check <name>`: unwrap the stored private
// key (prompting or consulting the agent as needed) and print "ok" on
// success, discarding the recovered plaintext.
func runKeyCheck(args []string) error {
	fs := flag.NewFlagSet("key check", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "failed to parse flags", err)
	}
	if fs.NArg() != 1 {
		return sserrors.New(sserrors.ConfigInvalid, "key check: expected exactly one <name> argument")
	}
	name := fs.Arg(0)

	store, err := openDefaultStore()
	if err != nil {
		return err
	}
	record, err := store.Get(name)
	if err != nil {
		return err
	}
	if _, err := protect.Unwrap(record.Protect, terminalPrompt, dialAgent); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

// runKeyProtect implements `key protect <name> [--ssh <pub>]`: unwrap
// the existing protection, then rewrap the recovered private key under
// a new protection (passphrase by default, or --ssh). The key store
// write path is always given force=true here — rewrapping an existing
// key is the one caller allowed to overwrite, per spec.md §4.7.
func runKeyProtect(args []string) error {
	fs := flag.NewFlagSet("key protect", flag.ContinueOnError)
	sshPub := fs.String("ssh", "", "re-protect with ssh-agent, using this authorized-keys public key file")
	if err := fs.Parse(args); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "failed to parse flags", err)
	}
	if fs.NArg() != 1 {
		return sserrors.New(sserrors.ConfigInvalid, "key protect: expected exactly one <name> argument")
	}
	name := fs.Arg(0)

	store, err := openDefaultStore()
	if err != nil {
		return err
	}
	existing, err := store.Get(name)
	if err != nil {
		return err
	}
	plaintext, err := protect.Unwrap(existing.Protect, terminalPrompt, dialAgent)
	if err != nil {
		return err
	}

	record, err := protectNewKey(name, *sshPub, plaintext)
	if err != nil {
		return err
	}

	if err := store.Put(name, record, existing.PublicKey, true); err != nil {
		return err
	}
	logger.Global.Printf("Re-protected key pair %q.", name)
	return nil
}

// runKeyList implements `key list`: a NAME/PROTECTION table of every
// key pair in the local store.
func runKeyList(args []string) error {
	store, err := openDefaultStore()
	if err != nil {
		return err
	}
	names, err := store.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPROTECTION")
	for _, name := range names {
		record, err := store.Get(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\n", name, record.Protect.Type)
	}
	return w.Flush()
}

// dialAgent opens a connection to the local ssh-agent named by
// SSH_AUTH_SOCK.
func dialAgent() (*sshagent.Client, error) {
	return sshagent.Dial()
}
