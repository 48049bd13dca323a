/*
Package imapclient is an IMAP4rev1 client protocol engine for keeping a local
view of mailboxes in sync with an IMAP server.

A [Conn] is a single connection to a server. It pipelines commands (up to a
configured depth), dispatches untagged responses to the selected [Mailbox],
the [StatusCache] and per-command result sinks, and keeps an index from
message sequence numbers to stable [Message] handles.

Operations on a Conn are synchronous: they write commands and process
responses until their commands complete. There is no background reader, a
Conn must not be used concurrently.

Errors are matched with errors.Is against the sentinel errors, e.g.
ErrTransport (connection is gone), ErrProtocol, ErrAuth, ErrUnsupported. NO
and BAD results are returned as *Error.
*/
package imapclient

import (
	"bufio"
	"bytes"
	"compress/flate"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"golang.org/x/exp/maps"

	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
	"github.com/mjl-/imapsync/moxio"
)

// TLSMode is how TLS is used for a connection.
type TLSMode string

const (
	TLSImmediate           TLSMode = "immediate"             // TLS from the start, typically port 993.
	TLSStartTLS            TLSMode = "starttls"              // STARTTLS required.
	TLSStartTLSIfAvailable TLSMode = "starttls-if-available" // STARTTLS if announced.
	TLSNone                TLSMode = "none"
)

// Opts configures a Conn. Zero values get defaults.
type Opts struct {
	Log *mlog.Log

	// Host is the server host name, used for TLS and OAUTHBEARER.
	Host string
	Port int

	TLS       TLSMode
	TLSConfig *tls.Config // Used for STARTTLS and immediate TLS with Dial.

	TagPrefix     string // Default "a".
	PipelineDepth int    // Maximum outstanding commands, default 15.
	LineBudget    int    // Maximum length of STORE/COPY sequence sets, default 8192.
	MaxLiteral    int64  // Maximum size of a literal in a response.

	// Compress enables COMPRESS=DEFLATE after authentication if the server
	// announces it.
	Compress bool

	// CheckRecent uses the RECENT count for new mail detection on the first
	// STATUS of a mailbox.
	CheckRecent bool

	HeaderCache  HeaderCache  // Optional.
	BodyCache    BodyCache    // Optional.
	HeaderParser HeaderParser // Optional, sets Message.Meta.
}

// Conn is a connection to an IMAP server.
type Conn struct {
	// Connection, possibly TLS. Reads go through br, tr and, with compression, a
	// flate reader. Writes go through bw, tw and possibly flateW and flateBW.
	conn       net.Conn
	br         *bufio.Reader
	tr         *moxio.TraceReader
	bw         *bufio.Writer
	tw         *moxio.TraceWriter
	rawBR      *bufio.Reader // With compression, the compressed data from conn.
	flateW     *flate.Writer
	flateBW    *bufio.Writer
	connBroken bool

	ctx  context.Context
	log  *mlog.Log
	opts Opts

	depth      int
	lineBudget int
	maxLiteral int64
	tagPrefix  string
	tagNum     int

	state      State
	caps       map[Capability]bool
	enabled    map[Capability]bool
	utf8       bool // UTF8=ACCEPT enabled.
	compressed bool

	// Delimiter is the hierarchy delimiter, as discovered after login. Zero if
	// the server has no hierarchy.
	Delimiter byte

	// ServerID holds the response to the ID command, if any.
	ServerID map[string]string

	cmds       []*Command // Outstanding, in order of sending.
	loggingOut bool
	finishing  bool

	mailbox   *Mailbox
	idle      *Command
	idleStart time.Time

	// Status holds STATUS results for mailboxes of this session.
	Status *StatusCache
}

// Valid state transitions. Any state can become disconnected.
var transitions = map[State][]State{
	StateDisconnected:  {StateConnected, StateAuthenticated},
	StateConnected:     {StateAuthenticated},
	StateAuthenticated: {StateSelected},
	StateSelected:      {StateAuthenticated, StateSelected, StateIdle},
	StateIdle:          {StateSelected},
}

func (c *Conn) setState(s State) {
	if s == c.state {
		return
	}
	if s != StateDisconnected && !slices.Contains(transitions[c.state], s) {
		panic(fmt.Sprintf("invalid state transition from %s to %s", c.state, s))
	}
	c.log.Debug("state change", mlog.Field("from", c.state), mlog.Field("to", s))
	c.state = s
}

// Dial connects to addr and initializes a Conn on it with New. For TLSMode
// immediate, the TLS handshake is done first.
func Dial(ctx context.Context, addr string, opts Opts) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrTransport, err)
	}
	if opts.TLS == TLSImmediate {
		tlsConn := tls.Client(conn, tlsConfig(opts))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: tls handshake: %v", ErrTransport, err)
		}
		conn = tlsConn
	}
	return New(ctx, conn, opts)
}

func tlsConfig(opts Opts) *tls.Config {
	if opts.TLSConfig != nil {
		return opts.TLSConfig
	}
	return &tls.Config{ServerName: opts.Host, MinVersion: tls.VersionTLS12}
}

// New initializes a Conn on conn, reading the greeting. Capabilities are
// requested unless the greeting included them. STARTTLS is done according to
// opts.TLS, after which capabilities are requested again.
//
// A PREAUTH greeting puts the connection in authenticated state, otherwise it
// is in connected state and must be authenticated with Authenticate.
//
// The context is used for cache operations during the lifetime of the Conn.
func New(ctx context.Context, conn net.Conn, opts Opts) (rc *Conn, rerr error) {
	c := &Conn{
		conn:       conn,
		ctx:        ctx,
		log:        opts.Log,
		opts:       opts,
		depth:      opts.PipelineDepth,
		lineBudget: opts.LineBudget,
		maxLiteral: opts.MaxLiteral,
		tagPrefix:  opts.TagPrefix,
		caps:       map[Capability]bool{},
		enabled:    map[Capability]bool{},
		Status:     NewStatusCache(opts.CheckRecent),
	}
	if c.log == nil {
		c.log = mlog.New("imapclient")
	}
	c.log = c.log.MoreFields(func() []mlog.Pair {
		return []mlog.Pair{mlog.Field("state", c.state)}
	})
	if c.depth <= 0 {
		c.depth = 15
	}
	if c.lineBudget <= 0 {
		c.lineBudget = 8192
	}
	if c.maxLiteral <= 0 {
		c.maxLiteral = defaultMaxLiteral
	}
	if c.tagPrefix == "" {
		c.tagPrefix = "a"
	}
	c.setupIO(conn)

	defer func() {
		if rerr != nil {
			c.fatal(rerr)
		}
	}()
	defer c.recover(&rerr)

	c.xgreeting()
	if len(c.caps) == 0 {
		c.xcapability()
	}
	if !c.caps[CapIMAP4rev1] && !c.caps[CapIMAP4] {
		c.xfatalf("%w: server does not support IMAP4rev1", ErrUnsupported)
	}

	tlsMode := "none"
	if _, ok := conn.(*tls.Conn); ok {
		tlsMode = "immediate"
	}
	switch opts.TLS {
	case TLSStartTLS:
		if c.state != StateConnected {
			// Preauth on a plain text connection could be injected.
			c.xfatalf("%w: starttls required but connection is preauthenticated", ErrUnsupported)
		}
		if !c.caps[CapStartTLS] {
			c.xfatalf("%w: starttls required but not announced", ErrUnsupported)
		}
		c.xstarttls()
		tlsMode = "starttls"
	case TLSStartTLSIfAvailable:
		if c.state == StateConnected && c.caps[CapStartTLS] {
			c.xstarttls()
			tlsMode = "starttls"
		}
	}
	metrics.ConnectionInc(tlsMode)
	if cs := c.TLSConnectionState(); cs != nil {
		version, ciphersuite := moxio.TLSInfo(*cs)
		c.log.Debug("tls connection", mlog.Field("mode", tlsMode), mlog.Field("version", version), mlog.Field("ciphersuite", ciphersuite))
	}
	return c, nil
}

// setupIO sets up the traced and buffered reader and writer on conn.
func (c *Conn) setupIO(conn net.Conn) {
	c.conn = conn
	c.tr = moxio.NewTraceReader(c.log, "S: ", conn)
	c.br = bufio.NewReader(c.tr)
	c.tw = moxio.NewTraceWriter(c.log, "C: ", conn)
	c.bw = bufio.NewWriter(c.tw)
}

func (c *Conn) xgreeting() {
	buf := c.xreadResponse()
	if !bytes.HasPrefix(buf, []byte("* ")) {
		c.xfatalf("%w: greeting: expected untagged response, got %q", ErrProtocol, buf)
	}
	u, err := parseUntagged(buf[2:], false)
	if err != nil {
		c.xfatalf("%w: greeting: %v", ErrProtocol, err)
	}
	var code Code
	switch x := u.(type) {
	case UntaggedResult:
		if x.Status != OK {
			c.xfatalf("%w: greeting with status %s", ErrProtocol, x.Status)
		}
		c.setState(StateConnected)
		code = x.Code
	case UntaggedPreauth:
		c.setState(StateAuthenticated)
		code = x.Code
	case UntaggedBye:
		c.xfatalf("%w: greeting: %s", ErrBye, x.Text)
	default:
		c.xfatalf("%w: unexpected greeting %v", ErrProtocol, u)
	}
	c.xhandleCode(code)
}

func (c *Conn) xcapability() {
	c.caps = map[Capability]bool{}
	c.xexec(0, nil, "CAPABILITY")
}

// xstarttls upgrades the connection to TLS. Capabilities from before TLS are
// discarded, they could have been modified by an attacker.
func (c *Conn) xstarttls() {
	c.xexec(0, nil, "STARTTLS")
	// The server starts the handshake only after we send our hello. Data after
	// the OK was injected into the plain text connection.
	if n := c.br.Buffered(); n > 0 {
		c.xfatalf("%w: %d bytes of plain text data after starttls response", ErrProtocol, n)
	}
	tlsConn := tls.Client(c.conn, tlsConfig(c.opts))
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		c.xfatalf("%w: tls handshake: %v", ErrTransport, err)
	}
	c.setupIO(tlsConn)
	c.xcapability()
}

// TLSConnectionState returns the TLS state if the connection uses TLS.
func (c *Conn) TLSConnectionState() *tls.ConnectionState {
	if conn, ok := c.conn.(*tls.Conn); ok {
		cs := conn.ConnectionState()
		return &cs
	}
	return nil
}

// State returns the current protocol state.
func (c *Conn) State() State {
	return c.state
}

// Has returns whether the server announced the capability.
func (c *Conn) Has(capability Capability) bool {
	return c.caps[capability]
}

// Enabled returns whether the capability was enabled with ENABLE.
func (c *Conn) Enabled(capability Capability) bool {
	return c.enabled[capability]
}

// Capabilities returns the capabilities announced by the server, sorted.
func (c *Conn) Capabilities() []Capability {
	l := maps.Keys(c.caps)
	slices.Sort(l)
	return l
}

// Selected returns the selected mailbox, or nil.
func (c *Conn) Selected() *Mailbox {
	if c.state != StateSelected && c.state != StateIdle {
		return nil
	}
	return c.mailbox
}

// Capability requests the capabilities from the server again.
func (c *Conn) Capability() (rerr error) {
	defer c.recover(&rerr)
	c.xcapability()
	return nil
}

// Noop sends a NOOP, giving the server an opportunity to send updates about
// the selected mailbox.
func (c *Conn) Noop() (rerr error) {
	defer c.recover(&rerr)
	c.xexec(0, nil, "NOOP")
	return nil
}

// Logout logs out and closes the connection. The BYE from the server is
// expected.
func (c *Conn) Logout() (rerr error) {
	if c.state == StateDisconnected {
		return nil
	}
	defer func() {
		if errors.Is(rerr, ErrBye) {
			rerr = nil
		}
	}()
	defer c.recover(&rerr)
	c.xunidle()
	c.loggingOut = true
	c.xexec(FailOK, nil, "LOGOUT")
	c.closeConn()
	return nil
}

// Close closes the connection without logging out.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.closeConn()
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrTransport, err)
	}
	return nil
}

func (c *Conn) closeConn() error {
	if c.conn == nil {
		return nil
	}
	if !c.connBroken && c.flateW != nil {
		c.bw.Flush()
		c.flateW.Close()
		c.flateBW.Flush()
	}
	err := c.conn.Close()
	c.conn = nil
	c.connBroken = true
	c.setState(StateDisconnected)
	c.mailbox = nil
	c.idle = nil
	c.rawBR = nil
	return err
}

// fatal ends the session: the connection is closed and outstanding commands
// fail with err.
func (c *Conn) fatal(err error) {
	if c.state == StateDisconnected && c.conn == nil {
		return
	}
	switch {
	case c.loggingOut:
	case moxio.IsClosed(err):
		c.log.Infox("connection closed", err, mlog.Field("host", c.opts.Host))
	default:
		c.log.Errorx("session failed", err, mlog.Field("host", c.opts.Host))
	}
	for _, cmd := range c.cmds {
		cmd.Done = true
		cmd.err = err
		cmd.Result = Result{Status: BAD, Text: "connection failed"}
	}
	c.cmds = nil
	c.closeConn()
}

func (c *Conn) xfatalf(format string, args ...any) {
	err := fmt.Errorf(format, args...)
	c.fatal(err)
	panic(fatalError{err})
}

func (c *Conn) xopErrorf(format string, args ...any) {
	panic(opError{fmt.Errorf(format, args...)})
}

// recover turns panics with fatalError, opError and index overflows into
// errors. Other panics are passed on.
func (c *Conn) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	switch e := x.(type) {
	case fatalError:
		*rerr = e.err
	case opError:
		*rerr = e.err
	case error:
		if !errors.Is(e, ErrIndexOverflow) {
			metrics.PanicInc(metrics.IMAPClient)
			panic(x)
		}
		c.fatal(e)
		*rerr = e
	default:
		metrics.PanicInc(metrics.IMAPClient)
		panic(x)
	}
}

func (c *Conn) xwrite(buf []byte) {
	if c.connBroken {
		c.xfatalf("%w: connection closed", ErrTransport)
	}
	if _, err := c.bw.Write(buf); err != nil {
		c.connBroken = true
		c.xfatalf("%w: write: %w", ErrTransport, err)
	}
}

func (c *Conn) xflush() {
	if c.connBroken {
		c.xfatalf("%w: connection closed", ErrTransport)
	}
	err := c.bw.Flush()
	if err == nil && c.flateW != nil {
		err = c.flateW.Flush()
		if err == nil {
			err = c.flateBW.Flush()
		}
	}
	if err != nil {
		c.connBroken = true
		c.xfatalf("%w: flush: %w", ErrTransport, err)
	}
}
