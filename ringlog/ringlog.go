// Package ringlog centralizes logger construction, mirroring the teacher's
// cluster.go: var logger *logging.Logger; logger = logging.MustGetLogger(name).
package ringlog

import (
	"os"

	logging "github.com/op/go-logging"
)

var format = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.4s} %{module}%{color:reset} %{message}`,
)

// Get returns a named logger, the way every kickboxerdb package does at
// init() time (logger = logging.MustGetLogger("cluster")).
func Get(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}

// ConfigureDefault wires a single colorized stderr backend at the given
// level. Call once from cmd/ringtool's main(); library packages only call
// Get and never configure backends themselves.
func ConfigureDefault(level logging.Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}
