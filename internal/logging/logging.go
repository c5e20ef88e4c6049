// Package logging provides the process-wide structured logger used across
// the storage engine. It wraps github.com/phuslu/log the way the rest of the
// retrieved corpus wraps its chosen structured logger: one configured
// instance, component-tagged child loggers handed to each subsystem.
package logging

import (
	"os"

	plog "github.com/phuslu/log"
)

// Logger is the structured logger handed to each internal component.
type Logger = plog.Logger

var base = plog.Logger{
	Level:      plog.InfoLevel,
	Writer:     &plog.ConsoleWriter{Writer: os.Stderr},
	TimeFormat: "2006-01-02T15:04:05.000Z07:00",
}

// SetLevel adjusts the process-wide log level ("debug", "info", "warn", "error").
func SetLevel(level string) {
	base.Level = plog.ParseLevel(level)
}

// For returns a logger tagged with a "component" field, e.g. For("wal"),
// For("sstable"), For("retention").
func For(component string) Logger {
	l := base
	l.Context = plog.NewContext(nil).Str("component", component).Value()
	return l
}
