// Package logger writes one JSON object per line. Every entry logged with
// a request context carries that request's id, and credentials are masked
// before anything is written.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	apperrors "github.com/smartcyclemarket/smartcyclemarket/internal/errors"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel maps LOG_LEVEL to a Level. Anything unrecognised is info.
func ParseLevel(s string) Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return LevelWarn
	}
	for i, name := range levelNames {
		if s == name {
			return Level(i)
		}
	}
	return LevelInfo
}

type Entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Error     *ErrorDetails          `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// ErrorDetails carries the code and category when the error is an AppError.
type ErrorDetails struct {
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
}

// Config configures a Logger. A nil Output means stdout and a nil Redactor
// means DefaultRedactor.
type Config struct {
	Output    io.Writer
	Level     Level
	Component string
	Redactor  *Redactor
}

// sink is shared by a logger and the children made with WithComponent so
// their lines never interleave.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *sink) write(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Write(line)
}

type Logger struct {
	sink      *sink
	level     Level
	component string
	redactor  *Redactor
}

var defaultLogger = New(nil)

func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{Level: LevelInfo}
	}
	l := &Logger{
		sink:      &sink{out: cfg.Output},
		level:     cfg.Level,
		component: cfg.Component,
		redactor:  cfg.Redactor,
	}
	if l.sink.out == nil {
		l.sink.out = os.Stdout
	}
	if l.redactor == nil {
		l.redactor = DefaultRedactor()
	}
	return l
}

func SetDefault(l *Logger) { defaultLogger = l }

func Default() *Logger { return defaultLogger }

// WithComponent returns a logger that tags entries with component.
func (l *Logger) WithComponent(component string) *Logger {
	child := *l
	child.component = component
	return &child
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelDebug, msg, nil, fields)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelInfo, msg, nil, fields)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelWarn, msg, nil, fields)
}

// Error logs msg with err's details and the caller's file and line.
func (l *Logger) Error(ctx context.Context, msg string, err error, fields ...map[string]interface{}) {
	l.write(ctx, LevelError, msg, err, fields)
}

func (l *Logger) write(ctx context.Context, level Level, msg string, err error, fields []map[string]interface{}) {
	if level < l.level {
		return
	}

	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   l.redactor.Redact(msg),
		RequestID: apperrors.GetRequestID(ctx),
		Component: l.component,
	}
	if len(fields) > 0 {
		e.Fields = l.redactor.RedactFields(fields[0])
	}
	if level == LevelError {
		// skip write and the exported method
		if _, file, line, ok := runtime.Caller(2); ok {
			e.Caller = fmt.Sprintf("%s/%s:%d", filepath.Base(filepath.Dir(file)), filepath.Base(file), line)
		}
	}
	if err != nil {
		e.Error = &ErrorDetails{Message: l.redactor.Redact(err.Error())}
		if appErr, ok := apperrors.As(err); ok {
			e.Error.Code = appErr.Code
			e.Error.Category = string(appErr.Category)
		}
	}

	line, mErr := json.Marshal(e)
	if mErr != nil {
		return
	}
	l.sink.write(append(line, '\n'))
}

// WithRequestID attaches the id that every entry logged with ctx carries.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return apperrors.WithRequestID(ctx, requestID)
}
