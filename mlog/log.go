// Package mlog provides logging with log levels and fields.
//
// Each log level has a function to log with and without error. Each takes a
// list of fields (key/value pairs). Variable data belongs in fields, the log
// text itself should be constant, making it easy to grep for and count.
//
// Log levels are configured per originating package, e.g. imapclient, hcache.
// The configuration is global, all Log instances use the same levels.
//
// Print* is for lines that must always be printed, e.g. subcommand output
// and startup messages. Fatal* stops the program, its text is always printed.
//
// The trace levels are for protocol transcripts: "trace" for regular protocol
// lines, "traceauth" additionally for lines with credentials, "tracedata" for
// bulk data such as message contents. When only "trace" is enabled, lines at
// the higher levels are replaced with "***" and "...".
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Level int

const (
	LevelPrint     Level = 0 // Printed regardless of configured log level.
	LevelFatal     Level = 1 // Printed regardless of configured log level.
	LevelError     Level = 2
	LevelInfo      Level = 3
	LevelDebug     Level = 4
	LevelTrace     Level = 5
	LevelTraceauth Level = 6
	LevelTracedata Level = 7
)

var LevelStrings = map[Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

var Levels = map[string]Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

func (l Level) String() string {
	if s, ok := LevelStrings[l]; ok {
		return s
	}
	return fmt.Sprintf("level%d", int(l))
}

// Logfmt switches output to logfmt, one key=value per field.
var Logfmt bool

// Holds a map[string]Level, mapping a package (field pkg in logs) to a log level.
// The empty string is the default log level.
var config atomic.Value

var output = struct {
	sync.Mutex
	w io.Writer
}{w: os.Stderr}

func init() {
	config.Store(map[string]Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]Level) {
	config.Store(c)
}

// SetOutput sets the destination for all logging. A nil writer resets it to
// os.Stderr.
func SetOutput(w io.Writer) {
	output.Lock()
	defer output.Unlock()
	if w == nil {
		w = os.Stderr
	}
	output.w = w
}

// Pair is a field/value pair, for use in logged lines.
type Pair struct {
	Key   string
	Value any
}

// Field is a shorthand for making a Pair.
func Field(k string, v any) Pair {
	return Pair{k, v}
}

// Log is a logger, possibly with fields that are added to each line.
type Log struct {
	fields     []Pair
	moreFields func() []Pair
}

// New returns a new Log. Each line it logs has field "pkg".
func New(pkg string) *Log {
	return &Log{fields: []Pair{{"pkg", pkg}}}
}

type key string

// CidKey can be used with context.WithValue to store a connection id in a
// context, for logging.
var CidKey key = "cid"

// WithCid adds a field "cid".
func (l *Log) WithCid(cid int64) *Log {
	return l.Fields(Pair{"cid", cid})
}

// WithContext adds the cid from the context, if any.
func (l *Log) WithContext(ctx context.Context) *Log {
	cid, ok := ctx.Value(CidKey).(int64)
	if !ok {
		return l
	}
	return l.WithCid(cid)
}

// Fields returns a new Log that adds the fields to each line.
func (l *Log) Fields(fields ...Pair) *Log {
	nl := *l
	nl.fields = append(append([]Pair{}, fields...), nl.fields...)
	return &nl
}

// MoreFields sets a function that is called for each line, to return
// additional fields, e.g. with current state of a connection.
func (l *Log) MoreFields(fn func() []Pair) *Log {
	nl := *l
	nl.moreFields = fn
	return &nl
}

// Trace logs protocol data at one of the trace levels. Data is logged with
// the prefix, typically "C: " or "S: ".
func (l *Log) Trace(level Level, prefix string, data []byte) bool {
	ok, high := l.match(level)
	var text string
	if ok {
		text = prefix + string(data)
	} else if high >= LevelTrace && level == LevelTraceauth {
		text = prefix + "***"
	} else if high >= LevelTrace && level == LevelTracedata {
		text = prefix + "..."
	} else {
		return false
	}
	l.plog(LevelTrace, nil, text)
	return true
}

func (l *Log) Fatal(text string, fields ...Pair) { l.Fatalx(text, nil, fields...) }
func (l *Log) Fatalx(text string, err error, fields ...Pair) {
	l.plog(LevelFatal, err, text, fields...)
	os.Exit(1)
}

func (l *Log) Print(text string, fields ...Pair) bool {
	return l.logx(LevelPrint, nil, text, fields...)
}
func (l *Log) Printx(text string, err error, fields ...Pair) bool {
	return l.logx(LevelPrint, err, text, fields...)
}

func (l *Log) Debug(text string, fields ...Pair) bool {
	return l.logx(LevelDebug, nil, text, fields...)
}
func (l *Log) Debugx(text string, err error, fields ...Pair) bool {
	return l.logx(LevelDebug, err, text, fields...)
}

func (l *Log) Info(text string, fields ...Pair) bool { return l.logx(LevelInfo, nil, text, fields...) }
func (l *Log) Infox(text string, err error, fields ...Pair) bool {
	return l.logx(LevelInfo, err, text, fields...)
}

func (l *Log) Error(text string, fields ...Pair) bool {
	return l.logx(LevelError, nil, text, fields...)
}
func (l *Log) Errorx(text string, err error, fields ...Pair) bool {
	return l.logx(LevelError, err, text, fields...)
}

// Check logs err at level error if it is not nil.
func (l *Log) Check(err error, text string, fields ...Pair) {
	if err != nil {
		l.Errorx(text, err, fields...)
	}
}

func (l *Log) logx(level Level, err error, text string, fields ...Pair) bool {
	if ok, _ := l.match(level); !ok {
		return false
	}
	l.plog(level, err, text, fields...)
	return true
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(iscid bool, v any) string {
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		if iscid {
			return fmt.Sprintf("%x", r)
		}
		return strconv.FormatInt(r, 10)
	case uint32:
		return strconv.FormatUint(uint64(r), 10)
	case bool:
		return strconv.FormatBool(r)
	case time.Duration:
		return r.String()
	case []byte:
		return base64.RawURLEncoding.EncodeToString(r)
	case []string:
		return "[" + strings.Join(r, ",") + "]"
	case error:
		return r.Error()
	case fmt.Stringer:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return ""
		}
		return r.String()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		return stringValue(iscid, rv.Elem().Interface())
	}
	if rv.Kind() == reflect.Slice {
		l := make([]string, rv.Len())
		for i := range l {
			l[i] = stringValue(false, rv.Index(i).Interface())
		}
		return "[" + strings.Join(l, ",") + "]"
	}
	return fmt.Sprintf("%v", v)
}

func (l *Log) plog(level Level, err error, text string, fields ...Pair) {
	fields = append(append([]Pair{}, l.fields...), fields...)
	if l.moreFields != nil {
		fields = append(fields, l.moreFields()...)
	}
	// Single write per line, so concurrent lines don't interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", level, logfmtValue(text))
		if err != nil {
			fmt.Fprintf(b, " err=%s", logfmtValue(err.Error()))
		}
		for _, kv := range fields {
			fmt.Fprintf(b, " %s=%s", kv.Key, logfmtValue(stringValue(kv.Key == "cid", kv.Value)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", level, logfmtValue(text))
		if err != nil {
			fmt.Fprintf(b, ": %s", logfmtValue(err.Error()))
		}
		if len(fields) > 0 {
			b.WriteString(" (")
			for i, kv := range fields {
				if i > 0 {
					b.WriteString("; ")
				}
				fmt.Fprintf(b, "%s: %s", kv.Key, logfmtValue(stringValue(kv.Key == "cid", kv.Value)))
			}
			b.WriteString(")")
		}
	}
	b.WriteString("\n")
	output.Lock()
	defer output.Unlock()
	output.w.Write(b.Bytes())
}

// match returns whether level should be logged, and the highest level
// configured for the packages of this Log.
func (l *Log) match(level Level) (bool, Level) {
	if level == LevelPrint || level == LevelFatal {
		return true, level
	}

	cl := config.Load().(map[string]Level)

	seen := false
	var high Level
	for _, kv := range l.fields {
		if kv.Key != "pkg" {
			continue
		}
		pkg, ok := kv.Value.(string)
		if !ok {
			continue
		}
		v, ok := cl[pkg]
		if v > high {
			high = v
		}
		if ok && v >= level {
			return true, high
		}
		seen = seen || ok
	}
	if seen {
		return false, high
	}
	v, ok := cl[""]
	if v > high {
		high = v
	}
	return ok && v >= level, high
}

type errWriter struct {
	log   *Log
	level Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.logx(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for http.Server.ErrorLog.
func ErrWriter(log *Log, level Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}

// Slog returns a *slog.Logger that writes through l, for libraries that
// take a slog logger, such as bstore.
func (l *Log) Slog() *slog.Logger {
	return slog.New(&slogHandler{l, nil})
}

type slogHandler struct {
	log   *Log
	attrs []Pair
}

func slogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func (h *slogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	ok, _ := h.log.match(slogLevel(level))
	return ok
}

func (h *slogHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := append([]Pair{}, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, Pair{a.Key, a.Value.Any()})
		return true
	})
	h.log.plog(slogLevel(r.Level), nil, r.Message, fields...)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &slogHandler{h.log, append([]Pair{}, h.attrs...)}
	for _, a := range attrs {
		nh.attrs = append(nh.attrs, Pair{a.Key, a.Value.Any()})
	}
	return nh
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	return h
}
