package imapclient

import (
	"bufio"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

var ctxbg = context.Background()

// runScript plays the server side of a conversation. Lines starting with "C: "
// are expected from the client, lines starting with "S: " are sent. A line
// "compress" switches both directions to deflate, after COMPRESS.
func runScript(conn net.Conn, script []string) error {
	defer conn.Close()
	br := bufio.NewReader(conn)
	var w io.Writer = conn
	var zw *flate.Writer
	for i, s := range script {
		switch {
		case s == "compress":
			br = bufio.NewReader(flate.NewReader(br))
			zw, _ = flate.NewWriter(conn, flate.BestSpeed)
			w = zw
		case strings.HasPrefix(s, "S: "):
			if _, err := w.Write([]byte(s[3:] + "\r\n")); err != nil {
				return fmt.Errorf("step %d: write: %v", i, err)
			}
			if zw != nil {
				if err := zw.Flush(); err != nil {
					return fmt.Errorf("step %d: flush: %v", i, err)
				}
			}
		case strings.HasPrefix(s, "C: "):
			line, err := br.ReadString('\n')
			if err != nil {
				return fmt.Errorf("step %d: read, expected %q: %v", i, s[3:], err)
			}
			if exp := s[3:] + "\r\n"; line != exp {
				return fmt.Errorf("step %d: got %q, expected %q", i, line, exp)
			}
		default:
			return fmt.Errorf("bad script line %q", s)
		}
	}
	return nil
}

// startServer runs script on a pipe. The returned function closes the client
// side and checks the script completed.
func startServer(t *testing.T, script ...string) (net.Conn, func()) {
	t.Helper()
	client, server := net.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- runScript(server, script)
	}()
	return client, func() {
		t.Helper()
		client.Close()
		tcheckf(t, <-errc, "server script")
	}
}

func newTestConn(t *testing.T, opts Opts, script ...string) (*Conn, func()) {
	t.Helper()
	conn, done := startServer(t, script...)
	c, err := New(ctxbg, conn, opts)
	tcheckf(t, err, "new conn")
	return c, done
}

func greeting(caps string) string {
	return "S: * PREAUTH [CAPABILITY " + strings.TrimSpace("IMAP4rev1 "+caps) + "] hi"
}

// selectScript has a PREAUTH greeting and the selection of INBOX with three
// messages.
func selectScript(caps string, extra ...string) []string {
	l := []string{
		greeting(caps),
		"C: a0000 SELECT INBOX",
		"S: * 3 EXISTS",
		`S: * FLAGS (\Seen \Deleted \Flagged \Answered)`,
		`S: * OK [PERMANENTFLAGS (\Seen \Deleted \Flagged \Answered \*)] ok`,
		"S: * OK [UIDVALIDITY 7] ok",
		"S: * OK [UIDNEXT 20] ok",
		"S: a0000 OK [READ-WRITE] selected",
		"C: a0001 FETCH 1:3 (UID FLAGS RFC822.SIZE INTERNALDATE BODY.PEEK[HEADER])",
		`S: * 1 FETCH (UID 10 FLAGS (\Seen) RFC822.SIZE 100 BODY[HEADER] {13}` + "\r\nSubject: hi\r\n)",
		"S: * 2 FETCH (UID 11 FLAGS ())",
		`S: * 3 FETCH (UID 12 FLAGS (\Flagged $Important))`,
		"S: a0001 OK fetched",
	}
	return append(l, extra...)
}

func selectedConn(t *testing.T, opts Opts, caps string, extra ...string) (*Conn, *Mailbox, func()) {
	t.Helper()
	c, done := newTestConn(t, opts, selectScript(caps, extra...)...)
	mb, err := c.Select("inbox")
	tcheckf(t, err, "select")
	return c, mb, done
}

func uids(l []*Message) []uint32 {
	var r []uint32
	for _, m := range l {
		r = append(r, m.UID)
	}
	return r
}

func TestGreeting(t *testing.T) {
	c, done := newTestConn(t, Opts{}, "S: * OK [CAPABILITY IMAP4rev1 STARTTLS] hi")
	tcompare(t, c.State(), StateConnected)
	tcompare(t, c.Has(CapStartTLS), true)
	done()

	c, done = newTestConn(t, Opts{},
		"S: * OK hi",
		"C: a0000 CAPABILITY",
		"S: * CAPABILITY IMAP4rev1 AUTH=PLAIN",
		"S: a0000 OK done",
	)
	tcompare(t, c.Capabilities(), []Capability{CapAuthPlain, CapIMAP4rev1})
	done()

	c, done = newTestConn(t, Opts{}, greeting(""))
	tcompare(t, c.State(), StateAuthenticated)
	done()

	checkErr := func(opts Opts, line string, expErr error) {
		t.Helper()
		conn, done := startServer(t, line)
		defer done()
		_, err := New(ctxbg, conn, opts)
		if !errors.Is(err, expErr) {
			t.Fatalf("got err %v, expected %v", err, expErr)
		}
	}
	checkErr(Opts{}, "S: * OK [CAPABILITY IMAP2] hi", ErrUnsupported)
	checkErr(Opts{}, "S: * BYE busy", ErrBye)
	checkErr(Opts{}, "S: * NO go away", ErrProtocol)
	checkErr(Opts{TLS: TLSStartTLS}, "S: * OK [CAPABILITY IMAP4rev1] hi", ErrUnsupported)
	// A preauth greeting on a plain connection could be injected.
	checkErr(Opts{TLS: TLSStartTLS}, greeting("STARTTLS"), ErrUnsupported)
}

func TestStartTLSInjected(t *testing.T) {
	// Plain text after the STARTTLS response must not end up in the TLS session.
	conn, done := startServer(t,
		"S: * OK [CAPABILITY IMAP4rev1 STARTTLS] hi",
		"C: a0000 STARTTLS",
		"S: a0000 OK begin tls\r\n* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] injected",
	)
	defer done()
	_, err := New(ctxbg, conn, Opts{TLS: TLSStartTLS})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got err %v, expected ErrProtocol", err)
	}
}

func TestAuthenticate(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		"S: * OK [CAPABILITY IMAP4rev1 SASL-IR AUTH=PLAIN] hi",
		"C: a0000 AUTHENTICATE PLAIN AG1qbAB0ZXN0",
		"S: a0000 OK authenticated",
		"C: a0001 CAPABILITY",
		"S: * CAPABILITY IMAP4rev1 ENABLE CONDSTORE",
		"S: a0001 OK",
		"C: a0002 ENABLE CONDSTORE",
		"S: * ENABLED CONDSTORE",
		"S: a0002 OK",
		`C: a0003 LIST "" ""`,
		`S: * LIST (\Noselect) "/" ""`,
		"S: a0003 OK",
	)
	err := c.Authenticate([]Authenticator{PasswordAuth{"mjl", "test"}}, nil)
	tcheckf(t, err, "authenticate")
	tcompare(t, c.State(), StateAuthenticated)
	tcompare(t, c.Enabled(CapCondstore), true)
	tcompare(t, c.Delimiter, byte('/'))
	done()
}

func TestAuthenticateFailure(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		"S: * OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] hi",
		"C: a0000 AUTHENTICATE PLAIN",
		"S: + ",
		"C: AG1qbAB0ZXN0",
		"S: a0000 NO [AUTHENTICATIONFAILED] bad credentials",
		`C: a0001 LOGIN mjl "test pw"`,
		"S: a0001 OK logged in",
		"C: a0002 CAPABILITY",
		"S: * CAPABILITY IMAP4rev1",
		"S: a0002 OK",
		`C: a0003 LIST "" ""`,
		"S: a0003 OK",
	)
	err := c.Authenticate([]Authenticator{PasswordAuth{"mjl", "test"}}, []string{"PLAIN"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("got err %v, expected ErrAuth", err)
	}
	tcompare(t, c.State(), StateConnected)

	// The connection can be used for another attempt.
	err = c.Authenticate([]Authenticator{PasswordAuth{"mjl", "test pw"}}, []string{"login"})
	tcheckf(t, err, "login")
	tcompare(t, c.State(), StateAuthenticated)
	tcompare(t, c.Delimiter, byte(0))
	done()
}

func TestAuthenticateUnavailable(t *testing.T) {
	c, done := newTestConn(t, Opts{}, "S: * OK [CAPABILITY IMAP4rev1 LOGINDISABLED] hi")
	auths := []Authenticator{PasswordAuth{"mjl", "test"}, AnonymousAuth{"mjl"}, OAuthAuth{"mjl", "token"}}
	err := c.Authenticate(auths, []string{"PLAIN", "ANONYMOUS"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("got err %v, expected ErrAuth", err)
	}
	tcompare(t, c.State(), StateConnected)

	r, err := c.Login("mjl", "test")
	tcheckf(t, err, "login")
	tcompare(t, r, AuthUnavailable)
	done()
}

func TestCompress(t *testing.T) {
	c, done := newTestConn(t, Opts{Compress: true},
		"S: * OK [CAPABILITY IMAP4rev1 SASL-IR AUTH=PLAIN] hi",
		"C: a0000 AUTHENTICATE PLAIN AG1qbAB0ZXN0",
		"S: a0000 OK authenticated",
		"C: a0001 CAPABILITY",
		"S: * CAPABILITY IMAP4rev1 COMPRESS=DEFLATE",
		"S: a0001 OK",
		"C: a0002 COMPRESS DEFLATE",
		"S: a0002 OK compressing",
		"compress",
		`C: a0003 LIST "" ""`,
		`S: * LIST () "." ""`,
		"S: a0003 OK",
		"C: a0004 NOOP",
		"S: a0004 OK",
	)
	err := c.Authenticate([]Authenticator{PasswordAuth{"mjl", "test"}}, []string{"PLAIN"})
	tcheckf(t, err, "authenticate")
	tcompare(t, c.Delimiter, byte('.'))
	err = c.Noop()
	tcheckf(t, err, "noop after compress")
	done()
}

func TestInflateSyncFlush(t *testing.T) {
	// A response must be readable after the server's flush, without more data
	// following.
	client, server := net.Pipe()
	defer client.Close()
	next := make(chan struct{}, 2)
	go func() {
		defer server.Close()
		zw, _ := flate.NewWriter(server, flate.DefaultCompression)
		for _, s := range []string{"* OK first\r\n", "* OK second\r\n"} {
			zw.Write([]byte(s))
			if err := zw.Flush(); err != nil {
				return
			}
			<-next
		}
	}()

	br := bufio.NewReader(flate.NewReader(bufio.NewReader(client)))
	for _, exp := range []string{"* OK first\r\n", "* OK second\r\n"} {
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := br.ReadString('\n')
		tcheckf(t, err, "reading line")
		tcompare(t, line, exp)
		next <- struct{}{}
	}
}

func TestSelect(t *testing.T) {
	var parsed int
	opts := Opts{
		HeaderParser: HeaderParserFunc(func(uid uint32, header []byte) (any, error) {
			parsed++
			return string(header), nil
		}),
	}
	c, mb, done := selectedConn(t, opts, "",
		"C: a0002 NOOP",
		"S: * 2 EXPUNGE",
		"S: a0002 OK",
		"C: a0003 NOOP",
		"S: * 3 EXISTS",
		"S: a0003 OK",
		"C: a0004 FETCH 3 (UID FLAGS RFC822.SIZE INTERNALDATE BODY.PEEK[HEADER])",
		"S: * 3 FETCH (UID 13 FLAGS ())",
		"S: a0004 OK",
		"C: a0005 NOOP",
		"S: * 1 FETCH (FLAGS ())",
		"S: a0005 OK",
		"C: a0006 NOOP",
		"S: a0006 OK",
	)
	defer done()

	tcompare(t, c.State(), StateSelected)
	tcompare(t, c.Selected(), mb)
	tcompare(t, mb.Name, "INBOX")
	tcompare(t, mb.UIDValidity, uint32(7))
	tcompare(t, mb.UIDNext, uint32(20))
	tcompare(t, mb.ReadOnly, false)
	tcompare(t, mb.Rights, RightsAll)
	tcompare(t, mb.Count(), uint32(3))
	tcompare(t, uids(mb.Messages()), []uint32{10, 11, 12})
	tcompare(t, mb.KeywordAllowed("$Junk"), true)

	m10, m11, m12 := mb.Message(10), mb.Message(11), mb.Message(12)
	tcompare(t, m10.Flags, Flags{Read: true})
	tcompare(t, m10.Size, int64(100))
	tcompare(t, m10.Meta, "Subject: hi\r\n")
	tcompare(t, parsed, 1)
	tcompare(t, m12.Flags, Flags{Flagged: true})
	tcompare(t, m12.Keywords, []string{"$Important"})

	check := func(exp Outcome) {
		t.Helper()
		o, err := c.CheckMailbox(true, 0)
		tcheckf(t, err, "check mailbox")
		tcompare(t, o, exp)
	}

	check(OutcomeReopened)
	tcompare(t, m11.Active, false)
	tcompare(t, m11.MSN, uint32(0))
	tcompare(t, mb.Message(11) == nil, true)
	tcompare(t, uids(mb.Messages()), []uint32{10, 12})
	tcompare(t, m12.MSN, uint32(2))

	check(OutcomeNewMail)
	tcompare(t, uids(mb.Messages()), []uint32{10, 12, 13})
	tcompare(t, mb.Message(13).MSN, uint32(3))

	check(OutcomeSuccess)
	tcompare(t, m10.Flags.Read, false)
	tcompare(t, m10.Server.Read, false)

	check(OutcomeNoChange)
}

func TestSelectExpungeDuringOpen(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		greeting(""),
		"C: a0000 SELECT INBOX",
		"S: * 5 EXISTS",
		"S: * 2 EXPUNGE",
		"S: * OK [UIDVALIDITY 7] ok",
		"S: a0000 OK [READ-WRITE] selected",
		"C: a0001 FETCH 1:4 (UID FLAGS RFC822.SIZE INTERNALDATE BODY.PEEK[HEADER])",
		"S: * 1 FETCH (UID 1 FLAGS ())",
		"S: * 2 FETCH (UID 3 FLAGS ())",
		"S: * 3 FETCH (UID 4 FLAGS ())",
		"S: * 4 FETCH (UID 5 FLAGS ())",
		"S: a0001 OK",
	)
	defer done()

	mb, err := c.Select("INBOX")
	tcheckf(t, err, "select")
	tcompare(t, mb.Count(), uint32(4))
	tcompare(t, mb.Index.Highest(), uint32(4))
	tcompare(t, uids(mb.Messages()), []uint32{1, 3, 4, 5})
	tcompare(t, mb.Pending()&ExpungePending, Reopen(0))
}

func TestUIDValidityChange(t *testing.T) {
	hc := newMemHeaderCache()
	c, mb, done := selectedConn(t, Opts{HeaderCache: hc}, "UNSELECT",
		"C: a0002 NOOP",
		"S: * OK [UIDVALIDITY 8] reset",
		"S: a0002 OK",
		"C: a0003 UNSELECT",
		"S: a0003 OK",
	)
	defer done()

	tcompare(t, len(hc.headers), 3)
	_, err := c.CheckMailbox(true, 0)
	if !errors.Is(err, ErrUIDValidity) {
		t.Fatalf("got err %v, expected ErrUIDValidity", err)
	}
	tcompare(t, c.State(), StateAuthenticated)
	tcompare(t, c.Selected() == nil, true)
	tcompare(t, hc.invalidated, []string{"INBOX"})
	tcompare(t, len(hc.headers), 0)
	tcompare(t, mb.UIDValidity, uint32(8))
}

func TestReopenDisallowed(t *testing.T) {
	c, mb, done := selectedConn(t, Opts{}, "",
		"C: a0002 NOOP",
		"S: * 1 EXPUNGE",
		"S: * 3 EXISTS",
		"S: a0002 OK",
		"C: a0003 NOOP",
		"S: a0003 OK",
		"C: a0004 FETCH 3 (UID FLAGS RFC822.SIZE INTERNALDATE BODY.PEEK[HEADER])",
		"S: * 3 FETCH (UID 20 FLAGS ())",
		"S: a0004 OK",
	)
	defer done()

	m10 := mb.Message(10)
	mb.AllowReopen(false)
	o, err := c.CheckMailbox(true, 0)
	tcheckf(t, err, "check mailbox")
	tcompare(t, o, OutcomeNoChange)
	// Sequence numbers shifted, the handle is kept until reopening is allowed.
	tcompare(t, m10.Active, true)
	tcompare(t, mb.Pending()&(ExpungePending|NewMailPending), ExpungePending|NewMailPending)

	mb.AllowReopen(true)
	o, err = c.CheckMailbox(true, 0)
	tcheckf(t, err, "check mailbox")
	tcompare(t, o, OutcomeReopened)
	tcompare(t, m10.Active, false)
	tcompare(t, uids(mb.Messages()), []uint32{11, 12, 20})
}

type cacheKey struct {
	mailbox          string
	uidvalidity, uid uint32
}

type memHeaderCache struct {
	states      map[string]CacheState
	headers     map[cacheKey]CachedHeader
	invalidated []string
}

func newMemHeaderCache() *memHeaderCache {
	return &memHeaderCache{states: map[string]CacheState{}, headers: map[cacheKey]CachedHeader{}}
}

func (hc *memHeaderCache) State(ctx context.Context, mailbox string) (CacheState, error) {
	return hc.states[mailbox], nil
}

func (hc *memHeaderCache) SetState(ctx context.Context, mailbox string, st CacheState) error {
	hc.states[mailbox] = st
	return nil
}

func (hc *memHeaderCache) Get(ctx context.Context, mailbox string, uidvalidity, uid uint32) (*CachedHeader, error) {
	h, ok := hc.headers[cacheKey{mailbox, uidvalidity, uid}]
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (hc *memHeaderCache) Put(ctx context.Context, mailbox string, uidvalidity uint32, h CachedHeader) error {
	hc.headers[cacheKey{mailbox, uidvalidity, h.UID}] = h
	return nil
}

func (hc *memHeaderCache) Delete(ctx context.Context, mailbox string, uidvalidity, uid uint32) error {
	delete(hc.headers, cacheKey{mailbox, uidvalidity, uid})
	return nil
}

func (hc *memHeaderCache) Invalidate(ctx context.Context, mailbox string) error {
	delete(hc.states, mailbox)
	for k := range hc.headers {
		if k.mailbox == mailbox {
			delete(hc.headers, k)
		}
	}
	hc.invalidated = append(hc.invalidated, mailbox)
	return nil
}

type memBodyCache map[cacheKey][]byte

func (bc memBodyCache) Get(mailbox string, uidvalidity, uid uint32) ([]byte, error) {
	return bc[cacheKey{mailbox, uidvalidity, uid}], nil
}

func (bc memBodyCache) Put(mailbox string, uidvalidity, uid uint32, data []byte) error {
	bc[cacheKey{mailbox, uidvalidity, uid}] = data
	return nil
}

func (bc memBodyCache) Delete(mailbox string, uidvalidity, uid uint32) error {
	delete(bc, cacheKey{mailbox, uidvalidity, uid})
	return nil
}

func (bc memBodyCache) Invalidate(mailbox string) error {
	for k := range bc {
		if k.mailbox == mailbox {
			delete(bc, k)
		}
	}
	return nil
}

func TestHeaderCache(t *testing.T) {
	hc := newMemHeaderCache()
	hc.states["INBOX"] = CacheState{UIDValidity: 6, UIDNext: 11, UIDs: "10"}
	hc.headers[cacheKey{"INBOX", 6, 10}] = CachedHeader{UID: 10, Size: 1}
	opts := Opts{HeaderCache: hc}

	// Changed UIDVALIDITY, cache is invalidated and all headers fetched.
	c, mb, done := selectedConn(t, opts, "")
	tcompare(t, hc.invalidated, []string{"INBOX"})
	tcompare(t, hc.states["INBOX"], CacheState{UIDValidity: 7, UIDNext: 20, UIDs: "10:12"})
	tcompare(t, len(hc.headers), 3)
	tcompare(t, string(hc.headers[cacheKey{"INBOX", 7, 10}].Header), "Subject: hi\r\n")
	tcompare(t, mb.Message(10).Size, int64(100))
	c.Close()
	done()

	// Same UIDVALIDITY, only UIDs and flags are fetched.
	var meta []any
	opts.HeaderParser = HeaderParserFunc(func(uid uint32, header []byte) (any, error) {
		meta = append(meta, string(header))
		return nil, nil
	})
	c, done = newTestConn(t, opts,
		greeting(""),
		"C: a0000 SELECT INBOX",
		"S: * 3 EXISTS",
		"S: * OK [UIDVALIDITY 7] ok",
		"S: * OK [UIDNEXT 20] ok",
		"S: a0000 OK [READ-WRITE] selected",
		"C: a0001 FETCH 1:3 (UID FLAGS)",
		`S: * 1 FETCH (UID 10 FLAGS (\Seen \Answered))`,
		"S: * 2 FETCH (UID 11 FLAGS ())",
		"S: * 3 FETCH (UID 12 FLAGS ())",
		"S: a0001 OK",
	)
	defer done()
	mb, err := c.Select("INBOX")
	tcheckf(t, err, "select")
	tcompare(t, len(hc.invalidated), 1)
	tcompare(t, uids(mb.Messages()), []uint32{10, 11, 12})
	tcompare(t, mb.Message(10).Size, int64(100))
	tcompare(t, mb.Message(10).Flags, Flags{Read: true, Replied: true})
	tcompare(t, mb.Message(12).Flags, Flags{})
	tcompare(t, meta, []any{"Subject: hi\r\n"})
}

func TestSyncFlags(t *testing.T) {
	c, mb, done := selectedConn(t, Opts{}, "",
		`C: a0002 UID STORE 10 +FLAGS.SILENT (\Flagged)`,
		`C: a0003 UID STORE 11:12 +FLAGS.SILENT (\Seen)`,
		`C: a0004 UID STORE 11 +FLAGS.SILENT ($Todo)`,
		`C: a0005 UID STORE 12 -FLAGS.SILENT ($Important)`,
		"S: a0002 OK",
		"S: a0003 OK",
		"S: a0004 OK",
		"S: a0005 OK",
		`C: a0006 UID STORE 11 +FLAGS.SILENT (\Deleted)`,
		"S: a0006 OK",
		"C: a0007 EXPUNGE",
		"S: * 2 EXPUNGE",
		"S: a0007 OK",
	)
	defer done()

	m10, m11, m12 := mb.Message(10), mb.Message(11), mb.Message(12)
	m10.Flags.Flagged = true
	m11.Flags.Read = true
	m11.Keywords = []string{"$Todo"}
	m12.Flags.Read = true
	m12.Keywords = nil

	o, err := c.SyncFlags(false)
	tcheckf(t, err, "sync flags")
	tcompare(t, o, OutcomeSuccess)
	for _, m := range mb.Messages() {
		if m.Changed() {
			t.Fatalf("message %d still has changes after sync", m.UID)
		}
	}
	tcompare(t, m11.ServerKeywords, []string{"$Todo"})
	tcompare(t, len(m12.ServerKeywords), 0)

	// Nothing left to do.
	o, err = c.SyncFlags(false)
	tcheckf(t, err, "sync flags again")
	tcompare(t, o, OutcomeNoChange)

	// With expunge, only the deleted flag is pushed for deleted messages.
	m11.Flags.Deleted = true
	m11.Flags.Replied = true
	o, err = c.SyncFlags(true)
	tcheckf(t, err, "sync flags with expunge")
	tcompare(t, o, OutcomeSuccess)
	tcompare(t, m11.Active, false)
	tcompare(t, uids(mb.Messages()), []uint32{10, 12})
}

func TestSyncFlagsPartial(t *testing.T) {
	c, mb, done := selectedConn(t, Opts{}, "",
		`C: a0002 UID STORE 10 +FLAGS.SILENT (\Flagged)`,
		`C: a0003 UID STORE 11 +FLAGS.SILENT (\Seen)`,
		"S: a0002 NO not now",
		"S: a0003 OK",
	)
	defer done()

	m10, m11 := mb.Message(10), mb.Message(11)
	m10.Flags.Flagged = true
	m11.Flags.Read = true
	_, err := c.SyncFlags(false)
	var perr *PartialError
	if !errors.As(err, &perr) {
		t.Fatalf("got err %v, expected PartialError", err)
	}
	tcompare(t, perr.Synced, 1)
	var xerr *Error
	if !errors.As(err, &xerr) || xerr.Result.Status != NO {
		t.Fatalf("got err %v, expected NO result", err)
	}
	tcompare(t, m10.Changed(), true)
	tcompare(t, m11.Changed(), false)
	tcompare(t, c.State(), StateSelected)
}

func TestSyncFlagsConnectionLost(t *testing.T) {
	// The server closes the connection after the first store.
	c, mb, done := selectedConn(t, Opts{}, "",
		`C: a0002 UID STORE 10 +FLAGS.SILENT (\Flagged)`,
		`C: a0003 UID STORE 11 +FLAGS.SILENT (\Seen)`,
		"S: a0002 OK",
	)
	defer done()

	m10, m11 := mb.Message(10), mb.Message(11)
	m10.Flags.Flagged = true
	m11.Flags.Read = true
	_, err := c.SyncFlags(false)
	var perr *PartialError
	if !errors.As(err, &perr) {
		t.Fatalf("got err %v, expected PartialError", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("got err %v, expected transport error", err)
	}
	tcompare(t, perr.Synced, 1)
	tcompare(t, m10.Changed(), false)
	tcompare(t, m11.Changed(), true)
	tcompare(t, c.State(), StateDisconnected)
}

func TestFetchFlagsMerge(t *testing.T) {
	c, mb, done := selectedConn(t, Opts{}, "",
		"C: a0002 NOOP",
		`S: * 2 FETCH (FLAGS (\Seen))`,
		`S: * 3 FETCH (FLAGS (\Flagged $Important $Later))`,
		"S: a0002 OK",
		`C: a0003 UID STORE 11 +FLAGS.SILENT (\Flagged)`,
		`C: a0004 UID STORE 12 +FLAGS.SILENT ($Todo)`,
		"S: a0003 OK",
		"S: a0004 OK",
	)
	defer done()

	m11, m12 := mb.Message(11), mb.Message(12)
	m11.Flags.Flagged = true
	m12.Keywords = []string{"$Important", "$Todo"}

	o, err := c.CheckMailbox(true, 0)
	tcheckf(t, err, "check mailbox")
	tcompare(t, o, OutcomeSuccess)

	// Changes from another client are taken, local changes are kept.
	tcompare(t, m11.Server, Flags{Read: true})
	tcompare(t, m11.Flags, Flags{Read: true, Flagged: true})
	tcompare(t, m12.ServerKeywords, []string{"$Important", "$Later"})
	tcompare(t, m12.Keywords, []string{"$Important", "$Later", "$Todo"})

	// Only the local changes are pushed.
	o, err = c.SyncFlags(false)
	tcheckf(t, err, "sync flags")
	tcompare(t, o, OutcomeSuccess)
	tcompare(t, m11.Changed(), false)
	tcompare(t, m12.Changed(), false)
}

func TestMergeKeywords(t *testing.T) {
	// Local removal of $a and addition of $c, server removed $b and added $d.
	l := mergeKeywords([]string{"$c"}, []string{"$a", "$b"}, []string{"$a", "$d"})
	tcompare(t, l, []string{"$d", "$c"})

	// Without local changes, the server keywords are taken.
	l = mergeKeywords([]string{"$a"}, []string{"$a"}, nil)
	tcompare(t, l, []string(nil))
}

func TestSyncFlagsRights(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		greeting("ACL"),
		"C: a0000 MYRIGHTS INBOX",
		"C: a0001 SELECT INBOX",
		"S: * MYRIGHTS INBOX lrsw",
		"S: a0000 OK",
		"S: * 2 EXISTS",
		"S: * OK [UIDVALIDITY 7] ok",
		"S: a0001 OK [READ-WRITE] selected",
		"C: a0002 FETCH 1:2 (UID FLAGS RFC822.SIZE INTERNALDATE BODY.PEEK[HEADER])",
		"S: * 1 FETCH (UID 10 FLAGS ())",
		"S: * 2 FETCH (UID 11 FLAGS ())",
		"S: a0002 OK",
		`C: a0003 UID STORE 11 +FLAGS.SILENT (\Seen)`,
		"S: a0003 OK",
		`C: a0004 UID STORE 11 +FLAGS.SILENT (\Flagged)`,
		"S: a0004 NO not now",
	)
	defer done()

	mb, err := c.Select("INBOX")
	tcheckf(t, err, "select")
	tcompare(t, mb.Rights, ParseRights("lrsw"))
	tcompare(t, mb.ReadOnly, false)

	m10, m11 := mb.Message(10), mb.Message(11)

	// No vocabulary allows new keywords.
	m10.Keywords = []string{"$Todo"}
	_, err = c.SyncFlags(false)
	if !errors.Is(err, ErrKeyword) {
		t.Fatalf("got err %v, expected ErrKeyword", err)
	}
	m10.Keywords = nil

	// Without the "t" right, deleted flags are not pushed.
	m10.Flags.Deleted = true
	m11.Flags.Read = true
	o, err := c.SyncFlags(false)
	tcheckf(t, err, "sync flags")
	tcompare(t, o, OutcomeSuccess)
	tcompare(t, m10.Changed(), true)
	tcompare(t, m11.Changed(), false)

	// A message with a change that cannot be pushed is not synchronized.
	m11.Flags.Flagged = true
	_, err = c.SyncFlags(false)
	var perr *PartialError
	if !errors.As(err, &perr) {
		t.Fatalf("got err %v, expected PartialError", err)
	}
	tcompare(t, perr.Synced, 0)
	tcompare(t, m10.Changed(), true)
	tcompare(t, m11.Changed(), true)
}

func TestCopy(t *testing.T) {
	c, mb, done := selectedConn(t, Opts{}, "",
		"C: a0002 UID COPY 10:11 Archive",
		"S: a0002 NO [TRYCREATE] no such mailbox",
		"C: a0003 CREATE Archive",
		"S: a0003 OK",
		"C: a0004 UID COPY 10:11 Archive",
		"S: a0004 OK [COPYUID 8 10:11 1:2] copied",
		"C: a0005 UID COPY 12 Other",
		"S: a0005 NO [TRYCREATE] no such mailbox",
		"C: a0006 UID COPY 10 Trash",
		"S: a0006 OK",
		"C: a0007 UID COPY 12 Archive",
		"S: a0007 OK",
		`C: a0008 UID STORE 12 +FLAGS.SILENT (\Deleted)`,
		"S: a0008 OK",
	)
	defer done()

	m10, m11, m12 := mb.Message(10), mb.Message(11), mb.Message(12)

	o, err := c.Copy([]*Message{m11, m10}, "Archive", true)
	tcheckf(t, err, "copy")
	tcompare(t, o, OutcomeSuccess)

	_, err = c.Copy([]*Message{m12}, "Other", false)
	var xerr *Error
	if !errors.As(err, &xerr) || xerr.Result.Code != CodeWord("TRYCREATE") {
		t.Fatalf("got err %v, expected trycreate error", err)
	}

	_, err = c.Copy([]*Message{m12}, "INBOX", false)
	if !errors.Is(err, ErrState) {
		t.Fatalf("got err %v, expected ErrState", err)
	}

	m10.Flags.Deleted = true
	o, err = c.Trash("Trash")
	tcheckf(t, err, "trash")
	tcompare(t, o, OutcomeSuccess)
	o, err = c.Trash("INBOX")
	tcheckf(t, err, "trash in trash")
	tcompare(t, o, OutcomeNoChange)

	// Without MOVE, copy and mark deleted.
	o, err = c.Move([]*Message{m12}, "Archive", false)
	tcheckf(t, err, "move")
	tcompare(t, o, OutcomeSuccess)
	tcompare(t, m12.Flags.Deleted, true)
	tcompare(t, m12.Server.Deleted, true)
	tcompare(t, m12.Active, true)
}

func TestMove(t *testing.T) {
	c, mb, done := selectedConn(t, Opts{}, "MOVE",
		"C: a0002 UID MOVE 10 Archive",
		"S: * 1 EXPUNGE",
		"S: a0002 OK moved",
	)
	defer done()

	m10 := mb.Message(10)
	o, err := c.Move([]*Message{m10}, "Archive", false)
	tcheckf(t, err, "move")
	tcompare(t, o, OutcomeSuccess)
	tcompare(t, m10.Active, false)
	tcompare(t, uids(mb.Messages()), []uint32{11, 12})
}

func TestNextCopyState(t *testing.T) {
	ok := Result{Status: OK}
	no := Result{Status: NO}
	trycreate := Result{Status: NO, Code: CodeWord("TRYCREATE")}

	check := func(s copyState, r Result, create bool, exp copyState) {
		t.Helper()
		tcompare(t, nextCopyState(s, r, create), exp)
	}
	check(copyAttempt, ok, true, copyDone)
	check(copyAttempt, no, true, copyFailed)
	check(copyAttempt, trycreate, true, copyNeedsCreate)
	check(copyAttempt, trycreate, false, copyFailed)
	check(copyNeedsCreate, ok, true, copyRetried)
	check(copyNeedsCreate, no, true, copyFailed)
	check(copyRetried, ok, true, copyDone)
	// No second create.
	check(copyRetried, trycreate, true, copyFailed)
	check(copyDone, no, true, copyDone)
}

func TestAppend(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		greeting("UIDPLUS"),
		`C: a0000 APPEND Sent (\Seen) " 2-Jan-2024 03:04:05 +0000" {5}`,
		"S: + ok",
		"C: hello",
		"S: a0000 OK [APPENDUID 7 99] appended",
		"C: a0001 APPEND Drafts () {3}",
		"S: + ok",
		"C: abc",
		"S: a0001 NO [TRYCREATE] no such mailbox",
		"C: a0002 CREATE Drafts",
		"S: a0002 OK",
		"C: a0003 APPEND Drafts () {3}",
		"S: + ok",
		"C: abc",
		"S: a0003 OK",
		"C: a0004 APPEND Sent () {3}",
		"S: a0004 NO [OVERQUOTA] mailbox full",
	)
	defer done()

	date := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	uid, err := c.Append("Sent", Flags{Read: true}, nil, date, []byte("hello"), false)
	tcheckf(t, err, "append")
	tcompare(t, uid, uint32(99))

	uid, err = c.Append("Drafts", Flags{}, nil, time.Time{}, []byte("abc"), true)
	tcheckf(t, err, "append with create")
	tcompare(t, uid, uint32(0))

	// Rejected before the literal is sent.
	_, err = c.Append("Sent", Flags{}, nil, time.Time{}, []byte("abc"), false)
	var xerr *Error
	if !errors.As(err, &xerr) || xerr.Result.Code != CodeWord("OVERQUOTA") {
		t.Fatalf("got err %v, expected overquota", err)
	}
	tcompare(t, c.State(), StateAuthenticated)
}

func TestReupload(t *testing.T) {
	c, mb, done := selectedConn(t, Opts{}, "LITERAL+",
		`C: a0002 APPEND INBOX (\Seen) {3+}`,
		"C: new",
		"S: a0002 OK [APPENDUID 7 21] appended",
		`C: a0003 UID STORE 10 +FLAGS.SILENT (\Deleted)`,
		"S: a0003 OK",
	)
	defer done()

	m10 := mb.Message(10)
	uid, err := c.Reupload(m10, []byte("new"))
	tcheckf(t, err, "reupload")
	tcompare(t, uid, uint32(21))
	tcompare(t, m10.Flags.Deleted, true)
	tcompare(t, m10.Changed(), false)
}

func TestFetchBody(t *testing.T) {
	bc := memBodyCache{}
	c, mb, done := selectedConn(t, Opts{BodyCache: bc}, "",
		"C: a0002 UID FETCH 10 (UID BODY.PEEK[])",
		"S: * 1 FETCH (UID 10 BODY[] {5}\r\nhello)",
		"S: a0002 OK",
		"C: a0003 UID SEARCH UNSEEN",
		"S: * SEARCH 11 12",
		"S: a0003 OK",
		"C: a0004 EXPUNGE",
		"S: * 1 EXPUNGE",
		"S: a0004 OK",
	)
	defer done()

	m10 := mb.Message(10)
	data, err := c.FetchBody(m10)
	tcheckf(t, err, "fetch body")
	tcompare(t, string(data), "hello")

	// From the cache.
	data, err = c.FetchBody(m10)
	tcheckf(t, err, "fetch body again")
	tcompare(t, string(data), "hello")

	l, err := c.UIDSearch(Atom("UNSEEN"))
	tcheckf(t, err, "search")
	tcompare(t, l, []uint32{11, 12})

	// Expunged messages are removed from the cache.
	o, err := c.Expunge()
	tcheckf(t, err, "expunge")
	tcompare(t, o, OutcomeSuccess)
	tcompare(t, len(bc), 0)
}

func TestPipelineDepth(t *testing.T) {
	c, done := newTestConn(t, Opts{PipelineDepth: 2},
		greeting(""),
		"C: a0000 NOOP",
		"C: a0001 NOOP",
		"S: a0000 OK",
		"C: a0002 NOOP",
		"S: a0001 OK",
		"S: a0002 OK",
	)
	defer done()

	cmds := []*Command{{Verb: "NOOP"}, {Verb: "NOOP"}, {Verb: "NOOP"}}
	for _, cmd := range cmds {
		err := c.Enqueue(cmd)
		tcheckf(t, err, "enqueue")
	}
	tcompare(t, c.Outstanding(), 2)
	tcompare(t, cmds[0].Done, true)
	tcompare(t, cmds[1].Done, false)

	err := c.Drain(nil)
	tcheckf(t, err, "drain")
	tcompare(t, c.Outstanding(), 0)
	tcompare(t, cmds[2].Result, Result{Status: OK})
}

func TestTagWrap(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		greeting(""),
		"C: a0000 NOOP",
		"C: a9999 NOOP",
		"C: a0001 NOOP",
		"S: a9999 OK",
		"S: a0000 OK",
		"S: a0001 OK",
	)
	defer done()

	cmds := []*Command{{Verb: "NOOP"}, {Verb: "NOOP"}, {Verb: "NOOP"}}
	err := c.Enqueue(cmds[0])
	tcheckf(t, err, "enqueue")
	c.tagNum = 9999
	err = c.Enqueue(cmds[1])
	tcheckf(t, err, "enqueue")
	// Wraps around, skipping the outstanding a0000.
	err = c.Enqueue(cmds[2])
	tcheckf(t, err, "enqueue")
	tcompare(t, []string{cmds[0].Tag, cmds[1].Tag, cmds[2].Tag}, []string{"a0000", "a9999", "a0001"})
	err = c.Drain(nil)
	tcheckf(t, err, "drain")
}

func TestResponseErrors(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		greeting(""),
		"C: a0000 NOOP",
		"S: * 1 FETCH (UID",
		"S: a0000 OK",
		"C: a0001 NOOP",
		"S: a0001 OK",
		"C: a0002 NOOP",
		"S: a0002 BAD what",
		"C: a0003 NOOP",
		"S: x0003 OK",
	)
	defer done()

	// Malformed untagged response fails the command, not the session.
	err := c.Noop()
	var perr *ParseError
	if !errors.As(err, &perr) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("got err %v, expected parse error", err)
	}
	err = c.Noop()
	tcheckf(t, err, "noop after parse error")

	err = c.Noop()
	var xerr *Error
	if !errors.As(err, &xerr) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("got err %v, expected BAD error", err)
	}
	tcompare(t, c.State(), StateAuthenticated)

	// Unknown tag ends the session.
	err = c.Noop()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got err %v, expected ErrProtocol", err)
	}
	tcompare(t, c.State(), StateDisconnected)

	err = c.Noop()
	if !errors.Is(err, ErrState) {
		t.Fatalf("got err %v, expected ErrState", err)
	}
}

func TestBye(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		greeting(""),
		"C: a0000 NOOP",
		"S: * BYE shutting down",
	)
	defer done()

	err := c.Noop()
	if !errors.Is(err, ErrBye) {
		t.Fatalf("got err %v, expected ErrBye", err)
	}
	tcompare(t, c.State(), StateDisconnected)
	tcheckf(t, c.Logout(), "logout after bye")
}

func TestLogout(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		greeting(""),
		"C: a0000 LOGOUT",
		"S: * BYE see you",
		"S: a0000 OK",
	)
	defer done()

	err := c.Logout()
	tcheckf(t, err, "logout")
	tcompare(t, c.State(), StateDisconnected)
}

func TestIndexOverflow(t *testing.T) {
	c, _, done := selectedConn(t, Opts{}, "",
		"C: a0002 NOOP",
		"S: * 300000000 EXISTS",
	)
	defer done()

	_, err := c.CheckMailbox(true, 0)
	if !errors.Is(err, ErrIndexOverflow) {
		t.Fatalf("got err %v, expected ErrIndexOverflow", err)
	}
	tcompare(t, c.State(), StateDisconnected)
}

func TestUnselect(t *testing.T) {
	c, _, done := selectedConn(t, Opts{}, "",
		"C: a0002 EXAMINE INBOX",
		"S: * 3 EXISTS",
		"S: * OK [UIDVALIDITY 7] ok",
		"S: a0002 OK [READ-ONLY] examined",
		"C: a0003 CLOSE",
		"S: a0003 OK",
	)
	defer done()

	err := c.Unselect()
	tcheckf(t, err, "unselect")
	tcompare(t, c.State(), StateAuthenticated)
	tcompare(t, c.Selected() == nil, true)

	err = c.Unselect()
	if !errors.Is(err, ErrState) {
		t.Fatalf("got err %v, expected ErrState", err)
	}
}

func TestMailboxes(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		greeting(""),
		`C: a0000 LIST "" *`,
		`S: * LIST (\HasNoChildren) "/" INBOX`,
		`S: * LIST (\Noselect \HasChildren) "/" "&Jjo-"`,
		"S: a0000 OK",
		`C: a0001 LSUB "" %`,
		`S: * LSUB () "/" inbox`,
		"S: a0001 OK",
		"C: a0002 CREATE &Jjo-/new",
		"S: a0002 OK",
		"C: a0003 RENAME &Jjo-/new &Jjo-/old",
		"S: a0003 NO [ALREADYEXISTS] exists",
		"C: a0004 SUBSCRIBE &Jjo-/new",
		"S: a0004 OK",
		"C: a0005 DELETE &Jjo-/new",
		"S: a0005 OK",
	)
	defer done()

	l, err := c.List("*", false)
	tcheckf(t, err, "list")
	tcompare(t, l, []MailboxInfo{
		{"INBOX", '/', []string{`\HasNoChildren`}},
		{"☺", '/', []string{`\Noselect`, `\HasChildren`}},
	})
	tcompare(t, l[0].NoSelect(), false)
	tcompare(t, l[1].NoSelect(), true)
	tcompare(t, l[1].HasChildren(), true)

	l, err = c.List("%", true)
	tcheckf(t, err, "lsub")
	tcompare(t, l, []MailboxInfo{{"INBOX", '/', nil}})

	_, err = c.Create("☺/new")
	tcheckf(t, err, "create")
	_, err = c.Rename("☺/new", "☺/old")
	var xerr *Error
	if !errors.As(err, &xerr) || xerr.Result.Status != NO {
		t.Fatalf("got err %v, expected NO", err)
	}
	_, err = c.Subscribe("☺/new")
	tcheckf(t, err, "subscribe")
	_, err = c.Delete("☺/new")
	tcheckf(t, err, "delete")
}

func TestIdle(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		greeting("IDLE"),
		"C: a0000 SELECT INBOX",
		"S: * 0 EXISTS",
		"S: * OK [UIDVALIDITY 1] ok",
		"S: a0000 OK selected",
		"C: a0001 IDLE",
		"S: + idling",
		"S: * 1 EXISTS",
		"C: DONE",
		"S: a0001 OK idle done",
		"C: a0002 FETCH 1 (UID FLAGS RFC822.SIZE INTERNALDATE BODY.PEEK[HEADER])",
		"S: * 1 FETCH (UID 5 FLAGS ())",
		"S: a0002 OK",
		"C: a0003 IDLE",
		"S: + idling",
		"C: DONE",
		"S: a0003 OK",
		"C: a0004 NOOP",
		"S: a0004 OK",
	)
	defer done()

	mb, err := c.Select("INBOX")
	tcheckf(t, err, "select")
	tcompare(t, mb.Count(), uint32(0))

	o, err := c.CheckMailbox(false, 5*time.Second)
	tcheckf(t, err, "check mailbox")
	tcompare(t, o, OutcomeNewMail)
	tcompare(t, uids(mb.Messages()), []uint32{5})
	tcompare(t, c.State(), StateSelected)

	// Nothing happens, the connection stays in IDLE.
	o, err = c.CheckMailbox(false, 10*time.Millisecond)
	tcheckf(t, err, "check mailbox")
	tcompare(t, o, OutcomeNoChange)
	tcompare(t, c.State(), StateIdle)

	// Commands end the IDLE first.
	err = c.Noop()
	tcheckf(t, err, "noop")
	tcompare(t, c.State(), StateSelected)
}
