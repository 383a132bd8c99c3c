package utils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	baseOnce sync.Once
	base     *logrus.Logger
)

// Base returns the process-wide logrus instance. Level and format come from
// LOG_LEVEL and LOG_FORMAT on first use; Configure overrides them.
func Base() *logrus.Logger {
	baseOnce.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		applyLevel(base, os.Getenv("LOG_LEVEL"))
		applyFormat(base, os.Getenv("LOG_FORMAT"))
	})
	return base
}

// Configure sets level and format on the shared logger.
func Configure(level, format string) {
	l := Base()
	applyLevel(l, level)
	applyFormat(l, format)
}

func applyLevel(l *logrus.Logger, level string) {
	if level == "" {
		l.SetLevel(logrus.InfoLevel)
		return
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)
}

func applyFormat(l *logrus.Logger, format string) {
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		return
	}
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
}

// Logger is a printf-style logger bound to one component.
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a new logger instance
func NewLogger(component string) *Logger {
	return &Logger{entry: Base().WithField("component", component)}
}

// With returns a child logger carrying an extra field.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// ErrorWithStack logs an error with stack trace
func (l *Logger) ErrorWithStack(err error, format string, args ...interface{}) {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	l.entry.WithError(err).WithField("stack", string(buf[:n])).Errorf(format, args...)
}

// DebugEnabled reports whether debug output would be written.
func (l *Logger) DebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// LogHTTPRequest logs details of an HTTP request
func (l *Logger) LogHTTPRequest(r *http.Request, includeBody bool) {
	if !l.DebugEnabled() {
		return
	}

	headers := make(map[string]string)
	for k, v := range r.Header {
		if k == "Authorization" || k == "Cookie" {
			headers[k] = "[REDACTED]"
		} else {
			headers[k] = strings.Join(v, ", ")
		}
	}
	fields := logrus.Fields{"method": r.Method, "url": r.URL.String(), "headers": headers}

	if includeBody && r.Body != nil {
		body, err := io.ReadAll(r.Body)
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			fields["body"] = compactBody(body)
		}
	}
	l.entry.WithFields(fields).Debug("HTTP request")
}

func compactBody(body []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err == nil {
		return buf.String()
	}
	s := string(body)
	if len(s) > 1000 {
		s = s[:1000] + "... (truncated)"
	}
	return s
}

// HTTPLoggingMiddleware creates a middleware that logs HTTP requests and responses
func HTTPLoggingMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger.LogHTTPRequest(r, true)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP %s %s - %d (%v)", r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader work through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying response writer does not support hijacking")
	}
	return h.Hijack()
}
