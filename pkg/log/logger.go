package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type LoggerType uint8

const (
	ConsoleLogger LoggerType = iota
	JSONLogger
)

// Component loggers. They stay silent until Init is called.
var (
	Root    zerolog.Logger
	Engine  zerolog.Logger
	Binding zerolog.Logger
	CLI     zerolog.Logger
)

// Options for Logger
type Options struct {
	// Enable Debug loglevel, default Info
	LogLevel zerolog.Level
	Type     LoggerType
	// Output defaults to os.Stderr so command output on stdout stays clean.
	Output io.Writer
}

func ParseLogLevel(loglevel string) (zerolog.Level, error) {
	return zerolog.ParseLevel(loglevel)
}

// ParseLoggerType accepts "console" or "json".
func ParseLoggerType(s string) (LoggerType, error) {
	switch strings.ToLower(s) {
	case "", "console":
		return ConsoleLogger, nil
	case "json":
		return JSONLogger, nil
	default:
		return ConsoleLogger, fmt.Errorf("unknown log format %q", s)
	}
}

func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	switch opts.Type {
	case ConsoleLogger:
		Root = zerolog.New(newConsoleWriter(out)).Level(opts.LogLevel).
			With().Timestamp().Logger()
	default:
		Root = zerolog.New(out).Level(opts.LogLevel).
			With().Timestamp().Logger()
	}
	Engine = Root.With().Str("component", "engine").Logger()
	Binding = Root.With().Str("component", "binding").Logger()
	CLI = Root.With().Str("component", "cli").Logger()
}

func newConsoleWriter(out io.Writer) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: time.RFC3339}

	cw.FormatLevel = func(i interface{}) string {
		return strings.ToUpper(fmt.Sprintf("| %-6s|", i))
	}

	cw.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("message: \"%s\" |", i)
	}

	cw.FormatFieldName = func(i interface{}) string {
		return fmt.Sprintf("\"%s\": ", i)
	}

	cw.FormatFieldValue = func(i interface{}) string {
		return fmt.Sprintf("\"%s\" |", i)
	}

	cw.FormatErrFieldValue = func(i interface{}) string {
		return fmt.Sprintf(" %s |", i)
	}
	return cw
}
