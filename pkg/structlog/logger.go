package structlog

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel maps LOG_LEVEL values; unknown strings mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type ctxKeyCorrID struct{}

// Fields represents structured log fields
type Fields map[string]interface{}

// Logger is a zap-backed structured logger with correlation ID support.
type Logger struct {
	service   string
	level     zap.AtomicLevel
	z         *zap.Logger
	sanitizer *Sanitizer
}

// Sanitizer masks sensitive data in logs
type Sanitizer struct {
	patterns []string
}

// NewSanitizer creates a log sanitizer
func NewSanitizer() *Sanitizer {
	return &Sanitizer{patterns: []string{"password", "secret", "token", "apikey", "authorization", "cookie"}}
}

// Sanitize masks fields whose name contains a sensitive pattern.
func (s *Sanitizer) Sanitize(fields Fields) Fields {
	cleaned := make(Fields, len(fields))
	for k, v := range fields {
		cleaned[k] = v
		lk := strings.ToLower(k)
		for _, p := range s.patterns {
			if strings.Contains(lk, p) {
				cleaned[k] = "MASKED"
				break
			}
		}
	}
	return cleaned
}

// NewLogger creates a JSON logger for a service writing to output (stdout when nil).
func NewLogger(serviceName string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	atom := zap.NewAtomicLevelAt(level.zap())
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.MessageKey = "message"
	enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(output), atom)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).With(zap.String("service", serviceName))
	return &Logger{service: serviceName, level: atom, z: z, sanitizer: NewSanitizer()}
}

// Nop discards everything. Used by tests and as a zero-config default.
func Nop() *Logger {
	return &Logger{service: "nop", level: zap.NewAtomicLevel(), z: zap.NewNop(), sanitizer: NewSanitizer()}
}

// WithFields returns a logger with additional base fields
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{
		service:   l.service,
		level:     l.level,
		z:         l.z.With(l.zapFields(fields)...),
		sanitizer: l.sanitizer,
	}
}

// WithContext extracts correlation ID from context and adds to logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if corrID := GetCorrelationID(ctx); corrID != "" {
		return l.WithFields(Fields{"correlation_id": corrID})
	}
	return l
}

func (l *Logger) Debug(message string, fields Fields) { l.log(LevelDebug, message, fields) }
func (l *Logger) Info(message string, fields Fields)  { l.log(LevelInfo, message, fields) }
func (l *Logger) Warn(message string, fields Fields)  { l.log(LevelWarn, message, fields) }
func (l *Logger) Error(message string, fields Fields) { l.log(LevelError, message, fields) }

// SecurityEvent logs an authentication or authorization failure at warn level.
func (l *Logger) SecurityEvent(event string, fields Fields) {
	f := Fields{"event_type": "security", "security_event": event}
	for k, v := range fields {
		f[k] = v
	}
	l.log(LevelWarn, "SECURITY: "+event, f)
}

func (l *Logger) log(level Level, message string, fields Fields) {
	zl := level.zap()
	if ce := l.z.Check(zl, message); ce != nil {
		ce.Write(l.zapFields(fields)...)
	}
}

func (l *Logger) zapFields(fields Fields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	clean := l.sanitizer.Sanitize(fields)
	keys := make([]string, 0, len(clean))
	for k := range clean {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := clean[k].(error); ok {
			out = append(out, zap.String(k, err.Error()))
			continue
		}
		out = append(out, zap.Any(k, clean[k]))
	}
	return out
}

// SetLevel changes log level
func (l *Logger) SetLevel(level Level) { l.level.SetLevel(level.zap()) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.z.Sync() }

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string { return uuid.NewString() }

// ContextWithCorrelationID returns context with correlation ID
func ContextWithCorrelationID(ctx context.Context, corrID string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, corrID)
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if corrID, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return corrID
	}
	return ""
}
