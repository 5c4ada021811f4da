// Package logging builds the structured logger shared by every commandfs
// component. It follows the teacher's convention of a single configured
// logrus instance threaded by constructor injection rather than a mutable
// package-level logger.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus logger configured for commandfs. debug raises the
// level so per-operation tracing (monitor watch installs and pending
// watches) is visible.
func New(debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// For is a small helper for tagging a logger with the component that owns
// it, e.g. logging.For(log, "cleaner").
func For(log logrus.FieldLogger, component string) logrus.FieldLogger {
	return log.WithField("component", component)
}
