// Package log provides the shared logrus logger used across vhotplugd.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// L is the package-wide logger. Every vhotplugd package logs through it so
// a single --debug flag controls verbosity everywhere.
var L = logrus.New()

func init() {
	L.SetOutput(os.Stderr)
	L.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	L.SetLevel(logrus.InfoLevel)
}

// SetDebug switches the shared logger to debug verbosity.
func SetDebug(debug bool) {
	if debug {
		L.SetLevel(logrus.DebugLevel)
	} else {
		L.SetLevel(logrus.InfoLevel)
	}
}

// For returns a logger scoped to a component, e.g. log.For("orchestrator").
func For(component string) *logrus.Entry {
	return L.WithField("component", component)
}
