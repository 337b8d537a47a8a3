// Package monitoring holds the diagnostic logger shared by the library
// packages. Commands replace or mute it; tests usually mute it.
package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf.
var Logf func(format string, v ...interface{}) = log.Printf

var debug atomic.Bool

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug turns per-frame diagnostics on or off.
func SetDebug(on bool) { debug.Store(on) }

// Debugging reports whether SetDebug(true) is in effect.
func Debugging() bool { return debug.Load() }

// Debugf logs through Logf only while debugging is on. It is meant for
// messages that may repeat on every tick.
func Debugf(format string, v ...interface{}) {
	if debug.Load() {
		Logf(format, v...)
	}
}

// Prefixed returns a logger that prepends prefix to every message.
func Prefixed(prefix string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
