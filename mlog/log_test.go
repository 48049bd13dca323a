package mlog

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestLog(t *testing.T) {
	var b bytes.Buffer
	SetOutput(&b)
	defer SetOutput(nil)
	defer SetConfig(map[string]Level{"": LevelError})

	SetConfig(map[string]Level{"": LevelInfo, "imapclient": LevelTrace})

	log := New("hcache")
	if log.Debug("hidden") {
		t.Fatalf("debug line logged at level info")
	}
	log.Infox("opened", errors.New("boom"), Field("mailbox", "INBOX"), Field("uid", uint32(3)))
	if s := b.String(); s != "info: opened: boom (pkg: hcache; mailbox: INBOX; uid: 3)\n" {
		t.Fatalf("got %q", s)
	}

	b.Reset()
	tlog := New("imapclient").WithCid(10)
	tlog.Trace(LevelTrace, "C: ", []byte("a0001 NOOP"))
	tlog.Trace(LevelTraceauth, "C: ", []byte("a0002 LOGIN mjl secret"))
	tlog.Trace(LevelTracedata, "S: ", []byte("message data"))
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, expected 3: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "a0001 NOOP") || !strings.Contains(lines[0], "cid: a") {
		t.Fatalf("trace line %q", lines[0])
	}
	if strings.Contains(lines[1], "secret") || !strings.Contains(lines[1], "***") {
		t.Fatalf("traceauth line leaks credentials: %q", lines[1])
	}
	if !strings.Contains(lines[2], "...") {
		t.Fatalf("tracedata line %q", lines[2])
	}

	b.Reset()
	Logfmt = true
	defer func() { Logfmt = false }()
	New("hcache").Error("bad value", Field("name", "a b"))
	if s := b.String(); s != `l=error m="bad value" pkg=hcache name="a b"`+"\n" {
		t.Fatalf("logfmt got %q", s)
	}
}

func TestSlog(t *testing.T) {
	var b bytes.Buffer
	SetOutput(&b)
	defer SetOutput(nil)
	defer SetConfig(map[string]Level{"": LevelError})
	SetConfig(map[string]Level{"": LevelDebug})

	New("bstore").Slog().With("db", "headers.db").Info("upgraded schema", "type", "CachedHeader")
	if s := b.String(); s != "info: upgraded schema (pkg: bstore; db: headers.db; type: CachedHeader)\n" {
		t.Fatalf("got %q", s)
	}
}
