// Package logging is the structured logger shared by the robopt server and
// CLI. Solver packages log through zap; NewZapLogger routes their entries
// into the same Logger so a run produces one stream.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Level is the severity of an entry. The numbering follows zapcore so solver
// levels convert without a table.
type Level int8

const (
	// DebugLevel carries per-iteration solver detail.
	DebugLevel Level = iota - 1
	// InfoLevel is the default.
	InfoLevel
	// WarnLevel marks recoverable trouble such as an unconverged restart.
	WarnLevel
	// ErrorLevel marks failed runs and requests.
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "Level(" + strconv.Itoa(int(l)) + ")"
	}
	return levelNames[l-DebugLevel]
}

// MarshalText writes the upper-case level name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel reads a level name in any case.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return DebugLevel + Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Fields are the key-value pairs attached to an entry.
type Fields map[string]interface{}

// Logger writes leveled entries as JSON lines or tab-separated console lines.
// Derived loggers share the writer of their parent.
type Logger struct {
	level   Level
	console bool
	output  io.Writer
	fields  Fields
}

// New returns a JSON logger that drops entries below level.
func New(level Level, output io.Writer) *Logger {
	return &Logger{level: level, output: output}
}

// WithFields returns a logger that adds fields to every entry.
func (l *Logger) WithFields(fields Fields) *Logger {
	child := *l
	child.fields = merge(l.fields, fields)
	return &child
}

// WithField is WithFields for a single pair.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithError records err under "error".
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err.Error())
}

func (l *Logger) enabled(level Level) bool {
	return level >= l.level
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.emit(DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.emit(InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.emit(WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...Fields) { l.emit(ErrorLevel, msg, fields) }

func (l *Logger) emit(level Level, msg string, fields []Fields) {
	if !l.enabled(level) {
		return
	}
	var extra Fields
	if len(fields) > 0 {
		extra = fields[0]
	}
	l.write(level, msg, callerAt(3), extra)
}

// callerAt formats the caller skip frames up as dir/file.go:line.
func callerAt(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???:0"
	}
	if i := strings.LastIndexByte(file, '/'); i > 0 {
		if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
			file = file[j+1:]
		}
	}
	return file + ":" + strconv.Itoa(line)
}

func (l *Logger) write(level Level, msg, caller string, extra Fields) {
	fields := merge(l.fields, extra)
	if l.console {
		l.writeConsole(level, msg, caller, fields)
		return
	}
	l.writeJSON(level, msg, caller, fields)
}

func (l *Logger) writeJSON(level Level, msg, caller string, fields Fields) {
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = jsonValue(v)
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level
	entry["message"] = msg
	entry["caller"] = caller

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, "%s [%s] %s: %+v\n", time.Now().Format(time.RFC3339), level, msg, fields)
		return
	}
	_, _ = l.output.Write(append(data, '\n'))
}

// writeConsole renders time, level, caller and message, then the fields
// sorted by key.
func (l *Logger) writeConsole(level Level, msg, caller string, fields Fields) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\t%s\t%s\t%s", time.Now().Format("15:04:05.000"), level, caller, msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\t%s=%v", k, fields[k])
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(l.output, b.String())
}

// jsonValue replaces NaN and infinite floats, which encoding/json rejects,
// with their strconv text. Solver diagnostics produce them routinely.
func jsonValue(v interface{}) interface{} {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return strconv.FormatFloat(x, 'g', -1, 64)
		}
	case []float64:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = jsonValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = jsonValue(e)
		}
		return out
	}
	return v
}

func merge(base, extra Fields) Fields {
	if len(extra) == 0 {
		return base
	}
	out := make(Fields, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

type ctxKey struct{}

// NewContext returns ctx carrying l.
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by NewContext, or an info-level JSON
// logger on stderr.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return New(InfoLevel, os.Stderr)
}
