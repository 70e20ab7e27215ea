// Package logger is the structured-logging façade every package above the
// block device primitive logs through instead of reaching for the stdlib
// log package: custom severities below and above slog's own Debug/Error,
// a choice of text or JSON line format, and optional file-backed rotation
// via lumberjack.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity names, ordered from chattiest to most silent.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// Custom slog levels. TRACE sits below slog's built-in Debug; OFF sits
// above Error so that no record is ever enabled at that level.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

func severityToLevel(sev string) slog.Level {
	switch sev {
	case TRACE:
		return LevelTrace
	case DEBUG:
		return LevelDebug
	case INFO:
		return LevelInfo
	case WARNING:
		return LevelWarn
	case ERROR:
		return LevelError
	default:
		return LevelOff
	}
}

func levelToSeverity(level slog.Level) string {
	switch {
	case level < LevelDebug:
		return TRACE
	case level < LevelInfo:
		return DEBUG
	case level < LevelWarn:
		return INFO
	case level < LevelError:
		return WARNING
	default:
		return ERROR
	}
}

func setLoggingLevel(sev string, programLevel *slog.LevelVar) {
	programLevel.Set(severityToLevel(sev))
}

// LogRotateConfig controls lumberjack's rotation of a file-backed log.
type LogRotateConfig struct {
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

// DefaultLogRotateConfig mirrors the defaults a freshly mounted
// filesystem logs with before any configuration file is read.
func DefaultLogRotateConfig() LogRotateConfig {
	return LogRotateConfig{MaxFileSizeMB: 512, BackupFileCount: 10, Compress: false}
}

// LogConfig is the full configuration InitLogFile needs to stand up a
// rotating, file-backed logger.
type LogConfig struct {
	FilePath        string
	Format          string
	Severity        string
	LogRotateConfig LogRotateConfig
}

const asyncBufferSize = 1024

type loggerFactory struct {
	writer   io.WriteCloser
	filePath string
	format   string
	level    string
	rotate   LogRotateConfig
}

func (f *loggerFactory) outputWriter() io.Writer {
	if f.writer != nil {
		return f.writer
	}
	return os.Stderr
}

// createJsonOrTextHandler builds the slog.Handler used for a given
// destination writer, leveled dynamically via programLevel and prefixing
// every message with prefix (used by tests to disambiguate output).
func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, programLevel *slog.LevelVar, prefix string) slog.Handler {
	return &lineHandler{writer: w, level: programLevel, json: f.format != "text", prefix: prefix}
}

var defaultLoggerFactory = &loggerFactory{format: "text", level: INFO, rotate: DefaultLogRotateConfig()}
var defaultLogger *slog.Logger
var defaultProgramLevel = new(slog.LevelVar)

func init() {
	rebuildDefaultLogger()
}

func rebuildDefaultLogger() {
	setLoggingLevel(defaultLoggerFactory.level, defaultProgramLevel)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(defaultLoggerFactory.outputWriter(), defaultProgramLevel, ""))
}

// SetLogFormat switches the default logger between "text" and anything
// else, which is treated as "json" — including the empty string, so that
// an unset configuration field still produces valid output.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	rebuildDefaultLogger()
}

// InitLogFile points the default logger at a rotating, file-backed
// writer, replacing whatever writer (stderr, by default) it held before.
func InitLogFile(cfg LogConfig) error {
	lj := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.LogRotateConfig.MaxFileSizeMB,
		MaxBackups: cfg.LogRotateConfig.BackupFileCount,
		Compress:   cfg.LogRotateConfig.Compress,
	}
	async := NewAsyncLogger(lj, asyncBufferSize)

	defaultLoggerFactory = &loggerFactory{
		writer:   async,
		filePath: cfg.FilePath,
		format:   cfg.Format,
		level:    cfg.Severity,
		rotate:   cfg.LogRotateConfig,
	}
	rebuildDefaultLogger()
	return nil
}

func logAt(level slog.Level, format string, v ...any) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { logAt(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { logAt(LevelDebug, format, v...) }
func Infof(format string, v ...any)  { logAt(LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { logAt(LevelWarn, format, v...) }
func Errorf(format string, v ...any) { logAt(LevelError, format, v...) }

// NewLegacyLogger returns a stdlib *log.Logger whose lines are forwarded
// into the default logger at the given level, for libraries (jacobsa/fuse's
// ErrorLogger and DebugLogger hooks) that only speak *log.Logger.
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	return log.New(&levelWriter{level: level}, prefix, 0)
}

type levelWriter struct {
	level slog.Level
}

func (w *levelWriter) Write(p []byte) (int, error) {
	defaultLogger.Log(context.Background(), w.level, strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// lineHandler renders either `time="..." severity=LEVEL message="..."` or
// the equivalent single-line JSON object.
type lineHandler struct {
	writer io.Writer
	level  *slog.LevelVar
	json   bool
	prefix string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	severity := levelToSeverity(r.Level)
	message := h.prefix + r.Message
	if h.json {
		_, err := fmt.Fprintf(h.writer, "{\"timestamp\":{\"seconds\":%d,\"nanos\":%d},\"severity\":%q,\"message\":%q}\n",
			r.Time.Unix(), r.Time.Nanosecond(), severity, message)
		return err
	}
	_, err := fmt.Fprintf(h.writer, "time=%q severity=%s message=%q\n", r.Time.Format("2006/01/02 15:04:05.000000"), severity, message)
	return err
}

func (h *lineHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *lineHandler) WithGroup(_ string) slog.Handler      { return h }
