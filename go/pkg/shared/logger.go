package shared

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a thin wrapper to allow DI/testing.
type Logger interface {
	Debugf(string, ...any)
	Printf(string, ...any)
	Errorf(string, ...any)
	Fatalf(string, ...any)
}

type zeroLogger struct {
	zl zerolog.Logger
}

// NewLogger returns a zerolog-backed logger writing to stdout.
func NewLogger(component string, level string) Logger {
	return newLogger(os.Stdout, component, level)
}

func newLogger(w io.Writer, component string, level string) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Str("component", component).Logger()
	return &zeroLogger{zl: zl}
}

func (l *zeroLogger) Debugf(format string, args ...any) {
	l.zl.Debug().Msg(fmt.Sprintf(format, args...))
}

func (l *zeroLogger) Printf(format string, args ...any) {
	l.zl.Info().Msg(fmt.Sprintf(format, args...))
}

func (l *zeroLogger) Errorf(format string, args ...any) {
	l.zl.Error().Msg(fmt.Sprintf(format, args...))
}

func (l *zeroLogger) Fatalf(format string, args ...any) {
	l.zl.Fatal().Msg(fmt.Sprintf(format, args...))
}

// NopLogger discards everything; used by tests.
func NopLogger() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}
