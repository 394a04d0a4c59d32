// Package logging provides the logging abstraction shared by every
// component of the gateway.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component depends on instead of a global
// logrus instance. It is satisfied directly by *logrus.Logger and by any
// *logrus.Entry returned from WithField/WithFields.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// New constructs the process-wide root logger. Level is parsed leniently:
// an unrecognised value falls back to info.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}
