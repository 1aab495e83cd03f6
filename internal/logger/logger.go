// Package logger provides named, leveled loggers for each subsystem
// (engine, connmgr, announcer, checker) built on top of logrus.
package logger

import (
	"github.com/sirupsen/logrus"
)

// Logger is the subset of logrus's level methods every subsystem uses.
// Keeping it as an interface lets tests substitute a no-op logger.
type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Debugln(args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Infoln(args ...interface{})
	Warning(args ...interface{})
	Warningf(format string, args ...interface{})
	Warningln(args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Errorln(args ...interface{})
}

var root = logrus.New()

func init() {
	root.SetLevel(logrus.InfoLevel)
}

// SetLevel controls the minimum level logged by every subsystem logger.
func SetLevel(level string) error {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	root.SetLevel(l)
	return nil
}

// New returns a Logger tagged with subsystem name, e.g. logger.New("engine").
func New(name string) Logger {
	return root.WithField("subsystem", name)
}
