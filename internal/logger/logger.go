package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Fields map[string]any

// Logger writes one line per event, either "[LEVEL] msg {fields}" or a JSON
// object. Operator output goes to stderr so stdout stays free for the report.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	json    bool
	verbose bool
	base    Fields
}

func New(jsonOutput bool) *Logger {
	return NewWriter(os.Stderr, jsonOutput)
}

func NewWriter(w io.Writer, jsonOutput bool) *Logger {
	return &Logger{out: w, json: jsonOutput}
}

// SetVerbose enables Debug output.
func (l *Logger) SetVerbose(v bool) { l.verbose = v }

// With returns a logger that adds fields to every event.
func (l *Logger) With(fields Fields) *Logger {
	merged := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{out: l.out, json: l.json, verbose: l.verbose, base: merged}
}

func (l *Logger) log(level string, msg string, fields Fields) {
	all := make(Fields, len(l.base)+len(fields))
	for k, v := range l.base {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.json {
		if len(all) > 0 {
			fmt.Fprintf(l.out, "[%s] %s %s\n", level, msg, textFields(all))
		} else {
			fmt.Fprintf(l.out, "[%s] %s\n", level, msg)
		}
		return
	}
	payload := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level,
		"msg":   msg,
	}
	for k, v := range all {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		payload[k] = v
	}
	_ = json.NewEncoder(l.out).Encode(payload)
}

// textFields renders fields in key order so text logs are stable.
func textFields(f Fields) string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		v := f[k]
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		switch s := v.(type) {
		case string:
			if strings.ContainsAny(s, " \t\"") {
				fmt.Fprintf(&b, "%s=%q", k, s)
				continue
			}
		}
		fmt.Fprintf(&b, "%s=%v", k, v)
	}
	return b.String()
}

func (l *Logger) Debug(msg string, fields Fields) {
	if l.verbose {
		l.log("DEBUG", msg, fields)
	}
}
func (l *Logger) Info(msg string, fields Fields)  { l.log("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { l.log("WARN", msg, fields) }
func (l *Logger) Error(msg string, fields Fields) { l.log("ERROR", msg, fields) }

// JSONEnabled reports whether this logger is configured to emit JSON output.
func (l *Logger) JSONEnabled() bool { return l.json }
