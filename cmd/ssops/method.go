package main

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mlacage/ssops/internal/logger"
	"github.com/mlacage/ssops/internal/method"
	"github.com/mlacage/ssops/internal/protect"
	"github.com/mlacage/ssops/internal/sserrors"
)

// runMethod implements the `method <method-file> <subcommand> …` group.
// The method file path comes first (spec.md §6), with the verb after
// it, unlike `key`'s verb-then-name ordering.
func runMethod(args []string) error {
	if len(args) < 2 {
		return sserrors.New(sserrors.ConfigInvalid, "method: usage: method <method-file> <create|show|add-key|add-ssh-key> [args...]")
	}
	path := args[0]
	switch args[1] {
	case "create":
		return runMethodCreate(path, args[2:])
	case "show":
		return runMethodShow(path, args[2:])
	case "add-key":
		return runMethodAddKey(path, args[2:])
	case "add-ssh-key":
		return runMethodAddSSHKey(path, args[2:])
	default:
		return sserrors.New(sserrors.ConfigInvalid, fmt.Sprintf("method: unknown subcommand %q", args[1]))
	}
}

func runMethodCreate(path string, args []string) error {
	fs := flag.NewFlagSet("method create", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "failed to parse flags", err)
	}
	if err := method.Create(path); err != nil {
		return err
	}
	logger.Global.Printf("Created empty method file %s.", path)
	return nil
}

func runMethodShow(path string, args []string) error {
	fs := flag.NewFlagSet("method show", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "failed to parse flags", err)
	}
	f, err := method.Load(path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tEMBEDDED")
	for _, row := range f.Show() {
		embedded := "no"
		if row.Embedded {
			embedded = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", row.Name, row.Kind, embedded)
	}
	return w.Flush()
}

// runMethodAddKey implements `method <method-file> add-key <name>
// [-e|--embed]`: append an already-generated local key-store entry as a
// KindRSA recipient, optionally embedding its current protected private
// key into the descriptor.
func runMethodAddKey(path string, args []string) error {
	fs := flag.NewFlagSet("method add-key", flag.ContinueOnError)
	embedShort := fs.Bool("e", false, "embed the recipient's protected private key in the method file")
	embedLong := fs.Bool("embed", false, "embed the recipient's protected private key in the method file")
	if err := fs.Parse(args); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "failed to parse flags", err)
	}
	if fs.NArg() != 1 {
		return sserrors.New(sserrors.ConfigInvalid, "method add-key: expected exactly one <name> argument")
	}
	name := fs.Arg(0)
	embed := *embedShort || *embedLong

	store, err := openDefaultStore()
	if err != nil {
		return err
	}
	record, err := store.Get(name)
	if err != nil {
		return err
	}

	f, err := method.Load(path)
	if err != nil {
		return err
	}
	var embedded *protect.Record
	if embed {
		embedded = record.Protect
	}
	if err := f.AddKey(name, record.PublicKey, embedded); err != nil {
		return err
	}
	if err := f.Save(path); err != nil {
		return err
	}
	logger.Global.Printf("Added recipient %q to %s.", name, path)
	return nil
}

// runMethodAddSSHKey implements `method <method-file> add-ssh-key
// <pub>`: append a recipient whose public key is the RSA key in an
// authorized-keys file. Decrypting for it needs a local key-store entry
// with the same name (the file's base name without ".pub").
func runMethodAddSSHKey(path string, args []string) error {
	fs := flag.NewFlagSet("method add-ssh-key", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "failed to parse flags", err)
	}
	if fs.NArg() != 1 {
		return sserrors.New(sserrors.ConfigInvalid, "method add-ssh-key: expected exactly one <pub> argument")
	}
	pubKeyFile := fs.Arg(0)

	line, err := readAuthorizedKeyFile(pubKeyFile)
	if err != nil {
		return err
	}

	f, err := method.Load(path)
	if err != nil {
		return err
	}
	name, err := f.AddSSHKey(pubKeyFile, line, nil)
	if err != nil {
		return err
	}
	if err := f.Save(path); err != nil {
		return err
	}
	logger.Global.Printf("Added SSH recipient %q to %s.", name, path)
	return nil
}
