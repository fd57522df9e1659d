// Command ssops is a secret-sharing CLI: a group of collaborators
// encrypts data for a named recipient set (a "method" file) and
// decrypts it with any one recipient's private key. Dispatch follows
// filippo.io/age/cmd/age's own "no subcommand framework, just flag"
// style, extended to multiple subcommands and subcommand groups
// (key, method) since this binary has more than one verb.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mlacage/ssops/internal/keystore"
	"github.com/mlacage/ssops/internal/logger"
	"github.com/mlacage/ssops/internal/sserrors"
)

var debugFlag bool

const usage = `Usage:
    ssops [-d|--debug] encrypt <method-file> [-f NAME] [-i IN|-] [-o OUT|-]
    ssops [-d|--debug] decrypt [-f NAME] [-i IN|-] [-o OUT|-]
    ssops [-d|--debug] key gen <name> [-t rsa] [--ssh <pub>]
    ssops [-d|--debug] key check <name>
    ssops [-d|--debug] key protect <name> [--ssh <pub>]
    ssops [-d|--debug] key list
    ssops [-d|--debug] method <method-file> create
    ssops [-d|--debug] method <method-file> show
    ssops [-d|--debug] method <method-file> add-key <name> [-e|--embed]
    ssops [-d|--debug] method <method-file> add-ssh-key <pub>

-d, --debug prints the full error cause chain instead of a single line.
-i and -o default to "-" (standard input / standard output).`

func main() {
	args := os.Args[1:]
	args = stripDebugFlag(&debugFlag, args)

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "encrypt":
		err = runEncrypt(args[1:])
	case "decrypt":
		err = runDecrypt(args[1:])
	case "key":
		err = runKey(args[1:])
	case "method":
		err = runMethod(args[1:])
	case "-h", "--help", "help":
		fmt.Fprintln(os.Stderr, usage)
		return
	default:
		logger.Global.Usage(fmt.Sprintf("unknown subcommand %q\n\n%s", args[0], usage))
	}

	if err != nil {
		logger.Global.Fatal(err, debugFlag)
	}
}

// stripDebugFlag consumes any -d/--debug arguments that come before the
// subcommand verb and returns the remaining arguments, from the verb on,
// unchanged.
func stripDebugFlag(debug *bool, args []string) []string {
	for i, a := range args {
		if a != "-d" && a != "--debug" {
			return args[i:]
		}
		*debug = true
	}
	return nil
}

// defaultStoreDir returns "<home>/.ssops", the local key store's default
// location.
func defaultStoreDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", sserrors.Wrap(sserrors.IoFailure, "failed to determine home directory", err)
	}
	return filepath.Join(home, ".ssops"), nil
}

func openDefaultStore() (*keystore.Store, error) {
	dir, err := defaultStoreDir()
	if err != nil {
		return nil, err
	}
	return keystore.Open(dir)
}
