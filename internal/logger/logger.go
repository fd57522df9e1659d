// Package logger provides ssops's stderr logging: plain informational
// lines prefixed "ssops: ", and a terminal error path that renders a
// failure either as the taxonomy's terse one-liner or its full cause
// chain (internal/sserrors.Terse / .Chain), matching spec.md §6's
// --debug flag.
package logger

import (
	"log"
	"os"

	"github.com/mlacage/ssops/internal/sserrors"
)

type Logger struct {
	ll *log.Logger
	// TestOnlyPanicInsteadOfExit makes Fatal panic with the exit code
	// instead of calling os.Exit, so tests can recover it rather than
	// killing the test binary.
	TestOnlyPanicInsteadOfExit bool
	TestOnlyDidExit            bool
}

var Global = &Logger{ll: log.New(os.Stderr, "", 0)}

func (l *Logger) exit(code int) {
	if l.TestOnlyPanicInsteadOfExit {
		l.TestOnlyDidExit = true
		panic(code)
	}
	os.Exit(code)
}

func (l *Logger) Printf(format string, v ...interface{}) {
	l.ll.Printf("ssops: "+format, v...)
}

// Fatal prints err — the full cause chain if debug is set, otherwise a
// single terse line — and exits 1.
func (l *Logger) Fatal(err error, debug bool) {
	if debug {
		l.ll.Print(sserrors.Chain(err))
	} else {
		l.Printf("%s", sserrors.Terse(err))
	}
	l.exit(1)
}

// Usage prints a usage-error message and exits 2, the convention
// spec.md §6 assigns to bad flags/arguments, distinct from Fatal's
// generic-failure exit code 1.
func (l *Logger) Usage(message string) {
	l.Printf("%s", message)
	l.exit(2)
}
