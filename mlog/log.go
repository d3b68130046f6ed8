// Package mlog provides logging on top of slog, with per-package log levels
// and additional trace levels for protocol transcripts.
//
// Messages should be constant strings. Variable data goes into attributes,
// which makes it easier to grep logs and derive metrics from them.
//
// The log levels are application-global and configured per originating
// package, e.g. imapclient or imapproxy. The empty package name holds the
// default level.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Levels in addition to slog's. Print and fatal are always logged. The trace
// levels are below debug. Traceauth includes authentication data, tracedata
// includes message data.
const (
	LevelPrint     slog.Level = 12
	LevelFatal     slog.Level = 10
	LevelError     slog.Level = slog.LevelError
	LevelWarn      slog.Level = slog.LevelWarn
	LevelInfo      slog.Level = slog.LevelInfo
	LevelDebug     slog.Level = slog.LevelDebug
	LevelTrace     slog.Level = -8
	LevelTraceauth slog.Level = -12
	LevelTracedata slog.Level = -16
)

// Levels maps configuration strings to levels.
var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"warn":      LevelWarn,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings is the inverse of Levels.
var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelWarn:      "warn",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

// Holds a map[string]slog.Level, mapping a package (attribute "pkg") to a log
// level. The empty string is the default.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets new log levels used by all loggers.
func SetConfig(c map[string]slog.Level) {
	nc := map[string]slog.Level{}
	for k, v := range c {
		nc[k] = v
	}
	config.Store(&nc)
}

// Config returns a copy of the current log levels.
func Config() map[string]slog.Level {
	c := *config.Load()
	nc := make(map[string]slog.Level, len(c))
	for k, v := range c {
		nc[k] = v
	}
	return nc
}

func levelFor(pkg string) slog.Level {
	c := *config.Load()
	if l, ok := c[pkg]; ok {
		return l
	}
	if l, ok := c[""]; ok {
		return l
	}
	return LevelError
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging.
var CidKey key = "cid"

// Log wraps a slog.Logger with the level helpers used throughout the code
// base.
type Log struct {
	*slog.Logger
}

var defaultOutput = &output{w: os.Stderr}

// New returns a Log that adds attribute "pkg" to each line. If logger is nil,
// lines are written to stderr.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{out: defaultOutput})
	}
	return Log{logger.With(slog.String("pkg", pkg))}
}

// NewLogger returns a logger writing lines to w, subject to the configured
// per-package levels. Writes to w are serialized.
func NewLogger(w io.Writer) *slog.Logger {
	return slog.New(&handler{out: &output{w: w}})
}

// WithCid adds attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present.
func (l Log) WithContext(ctx context.Context) Log {
	if ctx == nil {
		return l
	}
	cid, ok := ctx.Value(CidKey).(int64)
	if !ok {
		return l
	}
	return l.WithCid(cid)
}

// With returns a Log with attrs added to each line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

func (l Log) logx(level slog.Level, msg string, err error, attrs ...slog.Attr) {
	if !l.Logger.Enabled(noctx, level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, level, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(LevelDebug, msg, nil, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, msg, err, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.logx(LevelInfo, msg, nil, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, msg, err, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(LevelError, msg, nil, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, msg, err, attrs...)
}

// Print logs regardless of configured level.
func (l Log) Print(msg string, attrs ...slog.Attr) { l.logx(LevelPrint, msg, nil, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelPrint, msg, err, attrs...)
}

// Fatal logs and exits the program.
func (l Log) Fatal(msg string, attrs ...slog.Attr) {
	l.logx(LevelFatal, msg, nil, attrs...)
	os.Exit(1)
}

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelFatal, msg, err, attrs...)
	os.Exit(1)
}

// Check logs an error if err is not nil. Convenient for deferred closes.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs data at level, with prefix. When level is one of the sensitive
// trace levels and not enabled, but regular tracing is, a line without the
// data is logged.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if l.Logger.Enabled(noctx, level) {
		l.Logger.LogAttrs(noctx, level, "trace", slog.String("prefix", prefix), slog.String("data", string(data)))
	} else if level < LevelTrace && l.Logger.Enabled(noctx, LevelTrace) {
		l.Logger.LogAttrs(noctx, LevelTrace, "trace", slog.String("prefix", prefix), slog.String("data", fmt.Sprintf("... %d bytes redacted", len(data))))
	}
}

type output struct {
	sync.Mutex
	w io.Writer
}

type handler struct {
	out    *output
	pkg    string
	group  string
	prefix []byte // Formatted attributes from WithAttrs.
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= levelFor(h.pkg)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.prefix = append([]byte(nil), h.prefix...)
	b := bytes.NewBuffer(nh.prefix)
	for _, a := range attrs {
		if a.Key == "pkg" && h.group == "" {
			nh.pkg = a.Value.String()
		}
		writeAttr(b, h.group, a)
	}
	nh.prefix = b.Bytes()
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return &nh
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var b bytes.Buffer
	if !r.Time.IsZero() {
		b.WriteString("t=")
		b.WriteString(r.Time.Format(time.RFC3339Nano))
		b.WriteByte(' ')
	}
	b.WriteString("l=")
	if s, ok := LevelStrings[r.Level]; ok {
		b.WriteString(s)
	} else {
		b.WriteString(strings.ToLower(r.Level.String()))
	}
	b.WriteString(" m=")
	b.WriteString(quote(r.Message))
	b.Write(h.prefix)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.out.Lock()
	defer h.out.Unlock()
	_, err := h.out.w.Write(b.Bytes())
	return err
}

func writeAttr(b *bytes.Buffer, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	k := a.Key
	if group != "" {
		k = group + "." + k
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, k, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(k)
	b.WriteByte('=')
	var s string
	switch a.Value.Kind() {
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case error:
			s = v.Error()
		case fmt.Stringer:
			s = v.String()
		case []string:
			s = "[" + strings.Join(v, ",") + "]"
		default:
			s = fmt.Sprintf("%v", v)
		}
	default:
		s = a.Value.String()
	}
	b.WriteString(quote(s))
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=\\") {
		return strconv.Quote(s)
	}
	return s
}
