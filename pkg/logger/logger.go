// Package logger wraps zerolog with the fields used across the device.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Common field names.
const (
	StreamField = "sid"
	UidField    = "uid"
	StateField  = "state"
	DirField    = "dir"
	ResField    = "rid"
)

var pid = os.Getpid()

type Logger struct {
	logger *zerolog.Logger
}

// ParseLevel maps a config level name to a zerolog level,
// debug forces the debug level.
func ParseLevel(name string, debug bool) zerolog.Level {
	if debug {
		return zerolog.DebugLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// New returns a JSON logger writing to stderr.
func New(level zerolog.Level) *Logger {
	zerolog.SetGlobalLevel(level)
	return NewWriter(os.Stderr)
}

// NewWriter returns a JSON logger writing to w.
func NewWriter(w io.Writer) *Logger {
	logger := zerolog.New(w).With().Timestamp().Int("pid", pid).Logger()
	return &Logger{logger: &logger}
}

func NewConsole(level zerolog.Level, tag string, noColor bool) *Logger {
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.0000", NoColor: noColor,
		PartsOrder: []string{
			zerolog.TimestampFieldName,
			"pid",
			zerolog.LevelFieldName,
			"s",
			StreamField,
			StateField,
			zerolog.MessageFieldName,
		},
		FieldsExclude: []string{"s", "pid", StreamField, StateField},
	}
	if output.NoColor {
		output.FormatMessage = func(i any) string {
			if i == nil {
				return ""
			}
			return fmt.Sprintf("%v", i)
		}
	}
	logger := zerolog.New(output).With().
		Str("pid", fmt.Sprintf("%4x", pid)).
		Str("s", tag).
		Timestamp().Logger()
	return &Logger{logger: &logger}
}

func Default() *Logger { return &Logger{logger: &log.Logger} }

// Nop returns a disabled logger.
func Nop() *Logger { l := zerolog.Nop(); return &Logger{logger: &l} }

// With creates a child logger with the field added to its context.
func (l *Logger) With() zerolog.Context { return l.logger.With() }

// Extend adds some additional context to the existing logger.
func (l *Logger) Extend(ctx zerolog.Context) *Logger {
	logger := ctx.Logger()
	return &Logger{logger: &logger}
}

// Stream returns a child logger for one stream session.
func (l *Logger) Stream(sid uint32, uid string) *Logger {
	return l.Extend(l.With().Uint32(StreamField, sid).Str(UidField, uid))
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *zerolog.Event { return l.logger.Debug() }

func (l *Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.logger.Error() }

// Fatal starts a new message with fatal level. The os.Exit(1) function
// is called by the Msg method.
func (l *Logger) Fatal() *zerolog.Event { return l.logger.Fatal() }

// Trace starts a new message with trace level, used for per-cycle events.
func (l *Logger) Trace() *zerolog.Event { return l.logger.Trace() }
