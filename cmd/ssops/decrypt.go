package main

import (
	"flag"

	"gopkg.in/yaml.v3"

	"github.com/mlacage/ssops/internal/envelope"
	"github.com/mlacage/ssops/internal/sserrors"
)

// runDecrypt implements `ssops decrypt [-f NAME] [-i IN|-] [-o OUT|-]`.
// Unlike encrypt, decrypt takes no method-file argument: every entry in
// the artifact carries its own recipient configuration (§3's "Recipient
// envelope"), which is what lets an artifact produced with --embed be
// decrypted on a host that has no local key store at all.
func runDecrypt(args []string) error {
	fs := flag.NewFlagSet("decrypt", flag.ContinueOnError)
	filter := fs.String("f", "", "restrict to the artifact entry with this name")
	in := fs.String("i", "-", "input path, or - for stdin")
	out := fs.String("o", "-", "output path, or - for stdout")
	if err := fs.Parse(args); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "failed to parse flags", err)
	}

	data, err := readAll(*in)
	if err != nil {
		return sserrors.Wrap(sserrors.IoFailure, "failed to read input", err)
	}

	var artifact envelope.Artifact
	if err := yaml.Unmarshal(data, &artifact); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "input is not a valid ssops artifact", err)
	}

	// The key store is optional: an artifact whose only attemptable
	// recipient embedded its private key needs no local store at all.
	store, err := openDefaultStore()
	if err != nil {
		store = nil
	}

	var names []string
	if *filter != "" {
		names = []string{*filter}
	}
	plaintext, err := envelope.DecryptArtifact(artifact, names, store, terminalPrompt, dialAgent)
	if err != nil {
		return err
	}

	w := openOutput(*out)
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return sserrors.Wrap(sserrors.IoFailure, "failed to write output", err)
	}
	if err := w.Close(); err != nil {
		return sserrors.Wrap(sserrors.IoFailure, "failed to flush output", err)
	}
	return nil
}
