package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/imapsync/dns"
	"github.com/mjl-/imapsync/imapclient"
	"github.com/mjl-/imapsync/mlog"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %s", append(args, err)...)
	}
}

func tcompare(t *testing.T, a, b any) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", a, b)
	}
}

func writeFile(t *testing.T, p, s string) {
	t.Helper()
	err := os.WriteFile(p, []byte(s), 0600)
	tcheckf(t, err, "write %s", p)
}

func TestParseConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "imapsync.conf")
	writeFile(t, p, `LogLevel: info
PackageLogLevels:
	imapclient: trace
Accounts:
	work:
		Host: IMAP.Example.com
		TLS: starttls
		Username: mjl@example.com
		PasswordFile: work.password
		AuthMethods:
			- scram-sha-256
			- PLAIN
		Mailboxes:
			- INBOX
			- Lists
		PollInterval: 2m
		BodyCache: -
	other:
		Username: me@☺.example
		HeaderCache: /tmp/headers.db
`)
	writeFile(t, filepath.Join(dir, "work.password"), "secret\n")

	c, errs := ParseConfig(p)
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}
	tcompare(t, c.Log, map[string]mlog.Level{"": mlog.LevelInfo, "imapclient": mlog.LevelTrace})
	tcompare(t, c.DataDir, filepath.Join(dir, "data"))
	tcompare(t, c.AccountNames(), []string{"other", "work"})

	a := c.Accounts["work"]
	tcompare(t, a.HostParsed.Domain, dns.Domain{ASCII: "imap.example.com"})
	tcompare(t, a.TLSMode, imapclient.TLSStartTLS)
	tcompare(t, a.Port, 143)
	tcompare(t, a.AuthMethods, []string{"SCRAM-SHA-256", "PLAIN"})
	tcompare(t, a.PipelineDepth, DefaultPipelineDepth)
	tcompare(t, a.LineBudget, DefaultLineBudget)
	tcompare(t, a.PollInterval, 2*time.Minute)
	tcompare(t, a.HeaderCache, filepath.Join(dir, "data", "work", "headers.db"))
	tcompare(t, a.BodyCache, "")
	pw, err := a.Password()
	tcheckf(t, err, "password")
	tcompare(t, pw, "secret")

	opts := a.Opts("work")
	tcompare(t, opts.Host, "imap.example.com")
	tcompare(t, opts.Port, 143)
	tcompare(t, opts.TLS, imapclient.TLSStartTLS)

	o := c.Accounts["other"]
	tcompare(t, o.HostParsed.IsZero(), true)
	tcompare(t, o.DomainParsed, dns.Domain{ASCII: "xn--74h.example", Unicode: "☺.example"})
	tcompare(t, o.TLSMode, imapclient.TLSImmediate)
	tcompare(t, o.Port, 0)
	tcompare(t, o.Mailboxes, []string{"INBOX"})
	tcompare(t, o.PollInterval, DefaultPollInterval)
	tcompare(t, o.HeaderCache, "/tmp/headers.db")
	tcompare(t, o.BodyCacheMaxSize, int64(10*1024*1024))
	pw, err = o.Password()
	tcheckf(t, err, "password")
	tcompare(t, pw, "")
}

func TestParseConfigErrors(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "imapsync.conf")
	writeFile(t, p, `LogLevel: loud
Accounts:
	bad:
		TLS: sometimes
		AuthMethods:
			- KERBEROS
		Mailboxes:
			- Cafe`+"́"+`
	nohost:
		Username: nobody
`)
	_, errs := ParseConfig(p)
	var l []string
	for _, err := range errs {
		l = append(l, err.Error())
	}
	s := strings.Join(l, "\n")
	for _, exp := range []string{
		`invalid log level "loud"`,
		`account bad: unknown TLS mode "sometimes"`,
		`account bad: unknown authentication method "KERBEROS"`,
		`account bad: mailbox "Cafe` + "́" + `" is not in NFC normalized form`,
		`account nohost: need Host, Domain or Username with domain`,
	} {
		if !strings.Contains(s, exp) {
			t.Fatalf("missing error %q in:\n%s", exp, s)
		}
	}

	_, errs = ParseConfig(filepath.Join(dir, "absent.conf"))
	if len(errs) != 1 {
		t.Fatalf("got errors %v, expected one for absent file", errs)
	}
}

func TestDescribe(t *testing.T) {
	var sb strings.Builder
	err := sconf.Describe(&sb, &Static{})
	tcheckf(t, err, "describe")
	for _, exp := range []string{"LogLevel:", "Accounts:", "PasswordFile:", "PollInterval:"} {
		if !strings.Contains(sb.String(), exp) {
			t.Fatalf("describe output does not contain %q", exp)
		}
	}
	if strings.Contains(sb.String(), "HostParsed") {
		t.Fatalf("describe output contains parsed field")
	}
}
