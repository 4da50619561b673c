package modbus

import (
	"log"
)

// logger wraps an optional *log.Logger sink with a component prefix and
// leveled helpers, matching the style of every subsystem's diagnostics.
// When no sink is supplied, messages go to the standard log package's
// default destination (os.Stderr).
type logger struct {
	prefix string
	sink   *log.Logger
}

func newLogger(prefix string, sink *log.Logger) (l *logger) {
	l = &logger{
		prefix: prefix,
		sink:   sink,
	}

	return
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.write("info", format, args...)
}

func (l *logger) Warningf(format string, args ...interface{}) {
	l.write("warn", format, args...)
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.write("error", format, args...)
}

func (l *logger) Error(msg string) {
	l.write("error", "%s", msg)
}

func (l *logger) write(level string, format string, args ...interface{}) {
	msg := l.prefix + " [" + level + "]: " + format

	if l.sink != nil {
		l.sink.Printf(msg, args...)
		return
	}

	log.Printf(msg, args...)
}
