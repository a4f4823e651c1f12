// Package util provides shared logging helpers.
package util

import (
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "15:04:05.000"
	pterm.DefaultLogger.MaxWidth = 1000
	pterm.DefaultLogger.Writer = os.Stderr
}

// Logger is a component-tagged front for pterm.DefaultLogger.
// Key/value pairs follow the message, as in Info("dialing", "url", u).
type Logger struct {
	component string
	fields    []any
}

// Named returns a logger whose lines carry component=name.
func Named(name string) *Logger {
	return &Logger{component: name}
}

// With returns a logger that adds kv to every line.
func (l *Logger) With(kv ...any) *Logger {
	fields := append(append([]any(nil), l.fields...), kv...)
	return &Logger{component: l.component, fields: fields}
}

func (l *Logger) args(kv []any) []pterm.LoggerArgument {
	all := make([]any, 0, 2+len(l.fields)+len(kv))
	all = append(all, "component", l.component)
	all = append(all, l.fields...)
	return pterm.DefaultLogger.Args(append(all, kv...)...)
}

func (l *Logger) Debug(msg string, kv ...any) { pterm.DefaultLogger.Debug(msg, l.args(kv)) }
func (l *Logger) Info(msg string, kv ...any)  { pterm.DefaultLogger.Info(msg, l.args(kv)) }
func (l *Logger) Warn(msg string, kv ...any)  { pterm.DefaultLogger.Warn(msg, l.args(kv)) }
func (l *Logger) Error(msg string, kv ...any) { pterm.DefaultLogger.Error(msg, l.args(kv)) }

// Configure sets the process-wide level, format ("text" or "json") and writer.
// A nil writer keeps stderr.
func Configure(level, format string, w io.Writer) {
	pterm.DefaultLogger.Level = parseLevel(level)
	if strings.EqualFold(format, "json") {
		pterm.DefaultLogger.Formatter = pterm.LogFormatterJSON
	} else {
		pterm.DefaultLogger.Formatter = pterm.LogFormatterColorful
	}
	if w != nil {
		pterm.DefaultLogger.Writer = w
	}
}

// parseLevel maps debug, info, warn and error; anything else is info.
func parseLevel(level string) pterm.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return pterm.LogLevelDebug
	case "warn", "warning":
		return pterm.LogLevelWarn
	case "error":
		return pterm.LogLevelError
	default:
		return pterm.LogLevelInfo
	}
}
