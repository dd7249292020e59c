//go:build !tinygo

package sx1262

import (
	"github.com/simonlingoogle/go-simplelogger"
)

func init() {
	globalLogger = &simpleLogger{}
}

// simpleLogger is the default host-side logger, delegating to simplelogger
// so the module's output interleaves with the rest of the application.
type simpleLogger struct{}

func (l *simpleLogger) Debug(msg string) {
	simplelogger.Debugf("%s", msg)
}

func (l *simpleLogger) Info(msg string) {
	simplelogger.Infof("%s", msg)
}

func (l *simpleLogger) Warn(msg string) {
	simplelogger.Warnf("%s", msg)
}

func (l *simpleLogger) Error(msg string) {
	simplelogger.Errorf("%s", msg)
}
