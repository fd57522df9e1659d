package main

import (
	"flag"

	"gopkg.in/yaml.v3"

	"github.com/mlacage/ssops/internal/envelope"
	"github.com/mlacage/ssops/internal/logger"
	"github.com/mlacage/ssops/internal/method"
	"github.com/mlacage/ssops/internal/sserrors"
)

// runEncrypt implements `ssops encrypt <method-file> [-f NAME] [-i IN|-]
// [-o OUT|-]`: encrypt stdin (or -i) once per recipient in method-file
// (or only the one matching -f) and write the resulting artifact to
// stdout (or -o).
func runEncrypt(args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ContinueOnError)
	filter := fs.String("f", "", "restrict to the recipient with this name")
	in := fs.String("i", "-", "input path, or - for stdin")
	out := fs.String("o", "-", "output path, or - for stdout")
	if err := fs.Parse(args); err != nil {
		return sserrors.Wrap(sserrors.ConfigInvalid, "failed to parse flags", err)
	}
	if fs.NArg() != 1 {
		return sserrors.New(sserrors.ConfigInvalid, "encrypt: expected exactly one <method-file> argument")
	}
	methodPath := fs.Arg(0)

	plaintext, err := readAll(*in)
	if err != nil {
		return sserrors.Wrap(sserrors.IoFailure, "failed to read input", err)
	}

	f, err := method.Load(methodPath)
	if err != nil {
		return err
	}
	var names []string
	if *filter != "" {
		names = []string{*filter}
	}
	artifact, err := envelope.EncryptForRecipients(f, names, plaintext)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(artifact)
	if err != nil {
		return sserrors.Wrap(sserrors.IoFailure, "failed to marshal artifact", err)
	}

	w := openOutput(*out)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return sserrors.Wrap(sserrors.IoFailure, "failed to write output", err)
	}
	if err := w.Close(); err != nil {
		return sserrors.Wrap(sserrors.IoFailure, "failed to flush output", err)
	}
	if *out != "" && *out != "-" {
		logger.Global.Printf("Encrypted for %d recipient(s) to %s.", len(artifact), *out)
	}
	return nil
}
