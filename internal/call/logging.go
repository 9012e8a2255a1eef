package call

import (
	"log"

	golog "github.com/ipfs/go-log/v2"
	"github.com/pion/logging"
)

// pionLoggers routes pion's scoped loggers (ice, dtls, sctp, ...) through
// go-log so their levels are set like every other subsystem.
type pionLoggers struct {
	level string
}

// NewLoggerFactory returns a pion LoggerFactory whose subsystems log at level
// (debug, info, warn, error).
func NewLoggerFactory(level string) logging.LoggerFactory {
	if level == "" {
		level = "warn"
	}
	return pionLoggers{level: level}
}

func (f pionLoggers) NewLogger(scope string) logging.LeveledLogger {
	name := "pion-" + scope
	// The subsystem has to exist before its level can be set.
	l := golog.Logger(name)
	if err := golog.SetLogLevel(name, f.level); err != nil {
		log.Printf("CALL: pion log level %q for %s: %v", f.level, name, err)
	}
	return pionLogger{l: l}
}

type pionLogger struct {
	l *golog.ZapEventLogger
}

// pion traces are far too chatty for info; fold them into debug.
func (p pionLogger) Trace(msg string) { p.l.Debug(msg) }
func (p pionLogger) Tracef(format string, args ...any) { p.l.Debugf(format, args...) }
func (p pionLogger) Debug(msg string) { p.l.Debug(msg) }
func (p pionLogger) Debugf(format string, args ...any) { p.l.Debugf(format, args...) }
func (p pionLogger) Info(msg string) { p.l.Info(msg) }
func (p pionLogger) Infof(format string, args ...any) { p.l.Infof(format, args...) }
func (p pionLogger) Warn(msg string) { p.l.Warn(msg) }
func (p pionLogger) Warnf(format string, args ...any) { p.l.Warnf(format, args...) }
func (p pionLogger) Error(msg string) { p.l.Error(msg) }
func (p pionLogger) Errorf(format string, args ...any) { p.l.Errorf(format, args...) }
