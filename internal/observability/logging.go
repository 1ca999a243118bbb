// Package observability builds the process logger and the HTTP access log
// middleware. Internal packages log through log/slog; this wrapper exists
// for the request path and for audit records, where structured zap fields
// keep the volume manageable.
package observability

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *Logger
	once         sync.Once
)

// Logger wraps zap with mdmd-specific field helpers.
type Logger struct {
	*zap.Logger
	fields []zap.Field
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level       string // debug, info, warn, error
	Format      string // json, console
	OutputPath  string // stdout, stderr, or file path
	ServiceName string
	Version     string
}

// InitLogger initializes the global logger once.
func InitLogger(config LogConfig) *Logger {
	once.Do(func() {
		globalLogger = NewLogger(config)
	})
	return globalLogger
}

// GetLogger returns the global logger, constructing a default one if needed.
func GetLogger() *Logger {
	if globalLogger == nil {
		globalLogger = NewLogger(LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPath:  "stdout",
			ServiceName: "mdmd",
			Version:     "unknown",
		})
	}
	return globalLogger
}

// NewLogger creates a logger with the given configuration.
func NewLogger(config LogConfig) *Logger {
	level := zapcore.InfoLevel
	switch strings.ToLower(config.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if config.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	switch config.OutputPath {
	case "", "stdout":
		output = zapcore.AddSync(os.Stdout)
	case "stderr":
		output = zapcore.AddSync(os.Stderr)
	default:
		file, err := os.OpenFile(config.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			output = zapcore.AddSync(os.Stderr)
		} else {
			output = zapcore.AddSync(file)
		}
	}

	core := zapcore.NewCore(encoder, output, level)
	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.AddCallerSkip(1),
	)

	defaultFields := []zap.Field{
		zap.String("service", config.ServiceName),
		zap.String("version", config.Version),
		zap.String("host", getHostname()),
		zap.Int("pid", os.Getpid()),
	}

	return &Logger{
		Logger: logger.With(defaultFields...),
		fields: defaultFields,
	}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		fields: append(l.fields, fields...),
	}
}

// WithError adds an error field.
func (l *Logger) WithError(err error) *Logger {
	return l.With(zap.Error(err))
}

// WithDevice adds the device the log line concerns.
func (l *Logger) WithDevice(deviceID string) *Logger {
	return l.With(zap.String("device_id", deviceID))
}

// WithOperation adds operation tracking fields.
func (l *Logger) WithOperation(operation string, startTime time.Time) *Logger {
	return l.With(
		zap.String("operation", operation),
		zap.Duration("operation_duration", time.Since(startTime)),
	)
}

// Audit records a security-sensitive admin operation.
func (l *Logger) Audit(action, actor, resource, result string, metadata map[string]any) {
	l.With(
		zap.String("audit_action", action),
		zap.String("audit_actor", actor),
		zap.String("audit_resource", resource),
		zap.String("audit_result", result),
		zap.Any("audit_metadata", metadata),
	).Info("audit")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

type ctxKey int

const (
	ctxKeyLogger ctxKey = iota
	ctxKeyRequestID
)

// RequestIDFromContext returns the id assigned by LoggerMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// ContextLogger extracts the request-scoped logger from the context.
func ContextLogger(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(ctxKeyLogger).(*Logger); ok {
		return logger
	}
	return GetLogger()
}

// LoggerMiddleware assigns a request id, logs request completion, and puts
// a request-scoped logger on the context.
func LoggerMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}

			reqLogger := logger.With(
				zap.String("request_id", requestID),
				zap.String("remote_addr", r.RemoteAddr),
			)

			wrapped := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			wrapped.Header().Set("X-Request-ID", requestID)

			ctx := context.WithValue(r.Context(), ctxKeyLogger, reqLogger)
			ctx = context.WithValue(ctx, ctxKeyRequestID, requestID)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			reqLogger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Int("bytes", wrapped.bytes),
				zap.Duration("duration", duration),
			)

			if duration > time.Second {
				reqLogger.Warn("slow request",
					zap.String("path", r.URL.Path),
					zap.Duration("duration", duration),
				)
			}
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += n
	return n, err
}

// Flush lets streaming downloads push chunks through the wrapper.
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades take over the connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := lrw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func (lrw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lrw.ResponseWriter
}
