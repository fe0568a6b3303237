// Package logging wires structured JSON logging for the exchange binaries:
// slog with canonical field names, optional size-rotated file mirroring and a
// bridge for the standard library logger.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultMaxSizeMB = 100

// Options tunes where structured logs land. The zero value logs JSON to
// stdout only.
type Options struct {
	// FilePath, when set, mirrors every log line into a size-rotated file.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup installs a JSON slog logger tagged with the service name and
// environment and returns it. The process-global default logger and the
// stdlib log package are pointed at the same handler.
func Setup(service, env string) *slog.Logger {
	return SetupWithOptions(service, env, Options{})
}

// SetupWithOptions behaves like Setup and additionally honours file rotation
// options.
func SetupWithOptions(service, env string, opts Options) *slog.Logger {
	handler := slog.NewJSONHandler(logSink(opts), &slog.HandlerOptions{
		ReplaceAttr: canonicalAttrs,
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	// Packages still using the stdlib logger feed the same JSON handler.
	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

func logSink(opts Options) io.Writer {
	path := strings.TrimSpace(opts.FilePath)
	if path == "" {
		return os.Stdout
	}
	rotated := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	if rotated.MaxSize <= 0 {
		rotated.MaxSize = defaultMaxSizeMB
	}
	return io.MultiWriter(os.Stdout, rotated)
}

// canonicalAttrs renames slog's built-in keys to the names the log pipeline
// indexes on.
func canonicalAttrs(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.TimeKey:
		return slog.Attr{Key: "timestamp", Value: attr.Value}
	case slog.LevelKey:
		return slog.String("severity", strings.ToUpper(attr.Value.String()))
	case slog.MessageKey:
		return slog.Attr{Key: "message", Value: attr.Value}
	default:
		return attr
	}
}
