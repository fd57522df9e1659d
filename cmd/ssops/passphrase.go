package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/mlacage/ssops/internal/protect"
)

// readPassphraseFromTerminal reads a line with echo disabled from the
// controlling terminal, falling back to /dev/tty when stdin itself
// isn't one — the same fallback cmd/age/read_password_unix.go uses so
// piped input doesn't prevent an interactive passphrase prompt.
func readPassphraseFromTerminal() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		defer fmt.Fprintln(os.Stderr)
		pass, err := term.ReadPassword(int(os.Stdin.Fd()))
		return string(pass), err
	}

	tty, err := os.Open("/dev/tty")
	if err != nil {
		return "", fmt.Errorf("opening /dev/tty failed: %w", err)
	}
	defer tty.Close()
	defer fmt.Fprintln(os.Stderr)
	pass, err := term.ReadPassword(int(tty.Fd()))
	return string(pass), err
}

// terminalPrompt is the protect.PassphrasePrompter used by every
// subcommand that needs a passphrase interactively. An empty line at
// unwrap time is handled by internal/protect as UserDeclined.
func terminalPrompt(name string, forWrap bool) (string, error) {
	if forWrap {
		fmt.Fprintf(os.Stderr, "Enter passphrase for %q: ", name)
	} else {
		fmt.Fprintf(os.Stderr, "Passphrase for %q: ", name)
	}
	return readPassphraseFromTerminal()
}

var _ protect.PassphrasePrompter = terminalPrompt
