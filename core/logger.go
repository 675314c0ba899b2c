package core

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls which records a JSONLogger emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLogLevel maps a config string to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
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

// JSONLogger is the production Logger: one JSON object per line with
// timestamp, level, message and the structured fields.
type JSONLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level LogLevel
}

// NewJSONLogger creates a logger writing to stderr.
func NewJSONLogger(level LogLevel) *JSONLogger {
	return &JSONLogger{out: os.Stderr, level: level}
}

// NewJSONLoggerWithWriter creates a logger writing to the given writer.
// Used by tests to capture output.
func NewJSONLoggerWithWriter(level LogLevel, w io.Writer) *JSONLogger {
	return &JSONLogger{out: w, level: level}
}

func (l *JSONLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}
	record := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		record[k] = v
	}
	record["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["level"] = level.String()
	record["msg"] = msg

	data, err := json.Marshal(record)
	if err != nil {
		// Fields with unmarshalable values fall back to the message only.
		data, _ = json.Marshal(map[string]interface{}{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": level.String(),
			"msg":   msg,
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) { l.log(LevelDebug, msg, fields) }
func (l *JSONLogger) Info(msg string, fields map[string]interface{})  { l.log(LevelInfo, msg, fields) }
func (l *JSONLogger) Warn(msg string, fields map[string]interface{})  { l.log(LevelWarn, msg, fields) }
func (l *JSONLogger) Error(msg string, fields map[string]interface{}) { l.log(LevelError, msg, fields) }
