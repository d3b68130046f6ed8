package mlog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	defer SetConfig(map[string]slog.Level{"": LevelError})

	var buf bytes.Buffer
	logger := NewLogger(&buf)

	SetConfig(map[string]slog.Level{"": LevelInfo, "imapproxy": LevelDebug})
	New("imapclient", logger).Debug("hidden")
	New("imapproxy", logger).Debug("shown", slog.Int("n", 1))
	New("imapclient", logger).Errorx("failed", errors.New("boom"))

	s := buf.String()
	if strings.Contains(s, "hidden") {
		t.Fatalf("debug line for imapclient was logged: %q", s)
	}
	if !strings.Contains(s, "l=debug m=shown pkg=imapproxy n=1") {
		t.Fatalf("missing debug line: %q", s)
	}
	if !strings.Contains(s, `m=failed pkg=imapclient err=boom`) {
		t.Fatalf("missing error line: %q", s)
	}
}

func TestTraceRedact(t *testing.T) {
	defer SetConfig(map[string]slog.Level{"": LevelError})

	var buf bytes.Buffer
	log := New("imapclient", NewLogger(&buf))

	SetConfig(map[string]slog.Level{"": LevelTrace})
	log.Trace(LevelTraceauth, "C: ", []byte("1 LOGIN user secret\r\n"))
	if strings.Contains(buf.String(), "secret") || !strings.Contains(buf.String(), "redacted") {
		t.Fatalf("auth data not redacted: %q", buf.String())
	}

	buf.Reset()
	SetConfig(map[string]slog.Level{"": LevelTraceauth})
	log.Trace(LevelTraceauth, "C: ", []byte("1 LOGIN user secret\r\n"))
	if !strings.Contains(buf.String(), "secret") {
		t.Fatalf("auth data not traced: %q", buf.String())
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	log := New("test", NewLogger(&buf))
	ctx := context.WithValue(context.Background(), CidKey, int64(123))
	log.WithContext(ctx).Print("hello world")
	if !strings.Contains(buf.String(), `m="hello world" pkg=test cid=123`) {
		t.Fatalf("unexpected line %q", buf.String())
	}
}
