package imapclient

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
)

// CmdFlags influence how a command is executed.
type CmdFlags int

const (
	// FailOK makes a NO or BAD result a regular result instead of an error.
	FailOK CmdFlags = 1 << iota

	// TraceAuth marks a command with credentials, only traced at traceauth.
	TraceAuth

	// TraceData marks a command with message data, only traced at tracedata.
	TraceData
)

// Command is a command sent to the server, pending until its tagged
// completion is read.
type Command struct {
	Tag   string
	Verb  string
	Args  []Arg
	Flags CmdFlags

	// Sink, if set, is offered the result-shaped untagged responses, e.g. LIST
	// or SEARCH, that arrive while the command is outstanding.
	Sink Sink

	Done   bool
	Result Result // Valid when Done.

	err   error // Local failure, e.g. a malformed response read for the command.
	start time.Time
}

// Err returns the error for a completed command: a local error, or an *Error
// for a NO/BAD result unless the command has flag FailOK.
func (cmd *Command) Err() error {
	if cmd.err != nil {
		return cmd.err
	}
	if cmd.Done && cmd.Result.Status != OK && cmd.Flags&FailOK == 0 {
		return &Error{cmd.Verb, cmd.Result}
	}
	return nil
}

// Sink receives untagged responses for an outstanding command. Offer returns
// whether the response was consumed.
type Sink interface {
	Offer(u Untagged) bool
}

// Arg is a command argument, serialized at send time.
type Arg interface {
	writeArg(w *argWriter)
}

// Atom is written as is.
type Atom string

// AString is written as atom, quoted string or literal, as needed.
type AString string

// MailboxName is a mailbox name, encoded in modified UTF-7 unless UTF8=ACCEPT
// is enabled.
type MailboxName string

// Literal is always written as literal.
type Literal []byte

// List is a parenthesized list.
type List []Arg

// Number is a decimal number.
type Number uint64

// ListPattern is a LIST pattern, which may contain the wildcards % and *.
type ListPattern string

// argWriter builds the command line in parts, separated by literals.
type argWriter struct {
	utf8        bool
	literalPlus bool
	buf         bytes.Buffer
	parts       []cmdPart
}

// cmdPart is text ending in a literal announcement, followed by the literal
// data. The last part has no literal.
type cmdPart struct {
	text    []byte
	literal []byte
	sync    bool // Must wait for continuation before writing literal.
}

func (w *argWriter) literal(data []byte) {
	if w.literalPlus {
		fmt.Fprintf(&w.buf, "{%d+}\r\n", len(data))
	} else {
		fmt.Fprintf(&w.buf, "{%d}\r\n", len(data))
	}
	w.parts = append(w.parts, cmdPart{bytes.Clone(w.buf.Bytes()), data, !w.literalPlus})
	w.buf.Reset()
}

func (a Atom) writeArg(w *argWriter) {
	w.buf.WriteString(string(a))
}

func (a Number) writeArg(w *argWriter) {
	w.buf.WriteString(strconv.FormatUint(uint64(a), 10))
}

func (ns NumSet) writeArg(w *argWriter) {
	w.buf.WriteString(ns.String())
}

func (a Literal) writeArg(w *argWriter) {
	w.literal(a)
}

func (a List) writeArg(w *argWriter) {
	w.buf.WriteByte('(')
	for i, e := range a {
		if i > 0 {
			w.buf.WriteByte(' ')
		}
		e.writeArg(w)
	}
	w.buf.WriteByte(')')
}

func (a AString) writeArg(w *argWriter) {
	writeString(w, string(a), false)
}

func (a ListPattern) writeArg(w *argWriter) {
	s := string(a)
	if !w.utf8 {
		s = utf7encode(s)
	}
	writeString(w, s, true)
}

func (a MailboxName) writeArg(w *argWriter) {
	s := string(a)
	if strings.EqualFold(s, "INBOX") {
		s = "INBOX"
	} else if !w.utf8 {
		s = utf7encode(s)
	}
	writeString(w, s, false)
}

// writeString writes s as atom if possible, otherwise quoted, or as literal
// for strings with characters that cannot be quoted.
func writeString(w *argWriter, s string, wildcards bool) {
	atom := s != ""
	for _, c := range []byte(s) {
		switch {
		case c == '\r' || c == '\n' || c == 0 || c >= 0x80 && !w.utf8:
			w.literal([]byte(s))
			return
		case wildcards && (c == '%' || c == '*'):
		case !isAtomChar(c) || c == ']' || c >= 0x80:
			atom = false
		}
	}
	if atom && !strings.EqualFold(s, "NIL") {
		w.buf.WriteString(s)
		return
	}
	w.buf.WriteByte('"')
	for _, c := range []byte(s) {
		if c == '"' || c == '\\' {
			w.buf.WriteByte('\\')
		}
		w.buf.WriteByte(c)
	}
	w.buf.WriteByte('"')
}

// serialize returns the command line in parts.
func (c *Conn) serialize(cmd *Command) []cmdPart {
	w := &argWriter{utf8: c.utf8, literalPlus: c.caps[CapLiteralPlus]}
	w.buf.WriteString(cmd.Tag)
	w.buf.WriteByte(' ')
	w.buf.WriteString(cmd.Verb)
	for _, a := range cmd.Args {
		w.buf.WriteByte(' ')
		a.writeArg(w)
	}
	w.buf.WriteString("\r\n")
	w.parts = append(w.parts, cmdPart{text: w.buf.Bytes()})
	return w.parts
}

const maxTagNum = 10000

// nextTag returns a tag not in use by an outstanding command. The counter
// wraps around after 9999.
func (c *Conn) nextTag() string {
	for {
		tag := fmt.Sprintf("%s%04d", c.tagPrefix, c.tagNum)
		c.tagNum = (c.tagNum + 1) % maxTagNum
		if c.outstanding(tag) == nil {
			return tag
		}
	}
}

func (c *Conn) outstanding(tag string) *Command {
	for _, cmd := range c.cmds {
		if cmd.Tag == tag {
			return cmd
		}
	}
	return nil
}

// xenqueue writes the command to the connection, without flushing. If the
// pipeline is full, responses are processed until a slot frees up. Literals
// that need a continuation cause a flush and a wait for the continuation.
func (c *Conn) xenqueue(cmd *Command) {
	if c.state == StateDisconnected {
		c.xopErrorf("%w: not connected", ErrState)
	}
	c.xunidle()
	for len(c.cmds) >= c.depth {
		c.log.Debug("pipeline full, reading responses", mlog.Field("depth", c.depth))
		c.xstep()
	}

	cmd.Tag = c.nextTag()
	cmd.start = time.Now()
	cmd.Done = false
	c.cmds = append(c.cmds, cmd)

	level := mlog.LevelTrace
	if cmd.Flags&TraceAuth != 0 {
		level = mlog.LevelTraceauth
	} else if cmd.Flags&TraceData != 0 {
		level = mlog.LevelTracedata
	}

	parts := c.serialize(cmd)
	for _, p := range parts {
		c.tw.SetTrace(level)
		c.xwrite(p.text)
		c.tw.SetTrace(mlog.LevelTrace)
		if p.literal == nil {
			break
		}
		if p.sync {
			c.xflush()
			if !c.xwaitContinuation(cmd) {
				// Server rejected the command before its literal.
				return
			}
		}
		lit := level
		if lit < mlog.LevelTracedata {
			lit = mlog.LevelTracedata
		}
		c.tw.SetTrace(lit)
		c.xwrite(p.literal)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

// xwaitContinuation processes responses until a continuation request
// arrives, returning true, or until cmd has completed, returning false.
func (c *Conn) xwaitContinuation(cmd *Command) bool {
	for !cmd.Done {
		if _, ok := c.xresponse(); ok {
			return true
		}
	}
	return false
}

// xstep flushes pending writes and processes a single response. A
// continuation request is unexpected here and fatal.
func (c *Conn) xstep() {
	c.xflush()
	if text, ok := c.xresponse(); ok {
		c.xfatalf("%w: unexpected continuation request %q", ErrProtocol, text)
	}
	if len(c.cmds) == 0 {
		c.finish()
	}
}

// xdrain processes responses until cmd has completed. With a nil cmd, all
// outstanding commands are drained.
func (c *Conn) xdrain(cmd *Command) {
	if cmd == nil {
		for len(c.cmds) > 0 {
			c.xstep()
		}
		return
	}
	for !cmd.Done {
		c.xstep()
	}
}

// xexec enqueues and drains a command, returning its result. A NO or BAD
// result without FailOK raises an opError.
func (c *Conn) xexec(flags CmdFlags, sink Sink, verb string, args ...Arg) Result {
	cmd := &Command{Verb: verb, Args: args, Flags: flags, Sink: sink}
	c.xenqueue(cmd)
	c.xdrain(cmd)
	if err := cmd.Err(); err != nil {
		panic(opError{err})
	}
	return cmd.Result
}

// xresponse reads and handles one response. For a continuation request, its
// text and true are returned.
func (c *Conn) xresponse() (string, bool) {
	buf := c.xreadResponse()
	switch {
	case len(buf) >= 1 && buf[0] == '+':
		return strings.TrimPrefix(string(buf[1:]), " "), true
	case bytes.HasPrefix(buf, []byte("* ")):
		c.xuntagged(buf[2:])
	default:
		c.xtagged(buf)
	}
	return "", false
}

// xtagged matches a tagged completion to its command. An unknown tag means
// we lost track of the conversation, which is fatal.
func (c *Conn) xtagged(buf []byte) {
	tag, rest, _ := bytes.Cut(buf, []byte(" "))
	i := -1
	for j, cmd := range c.cmds {
		if cmd.Tag == string(tag) {
			i = j
			break
		}
	}
	if i < 0 {
		c.xfatalf("%w: response with unknown tag %q", ErrProtocol, tag)
	}
	cmd := c.cmds[i]
	c.cmds = append(c.cmds[:i], c.cmds[i+1:]...)
	cmd.Done = true

	r, err := parseTagged(rest)
	if err != nil {
		// Known tag, framing is intact. Only this command fails.
		r = Result{Status: BAD, Text: "malformed response"}
		if cmd.err == nil {
			cmd.err = err
		}
	}
	cmd.Result = r
	if cmd.err != nil {
		cmd.Result.Status = BAD
	}
	c.xhandleCode(r.Code)
	metrics.CommandObserve(cmd.Verb, strings.ToLower(string(cmd.Result.Status)), cmd.start)
	if cmd.Result.Status != OK {
		c.log.Debug("command failed", mlog.Field("cmd", cmd.Verb), mlog.Field("result", cmd.Result))
	}
}

// Enqueue sends cmd without waiting for its completion. The pipeline depth
// is respected, so this may process responses of earlier commands.
func (c *Conn) Enqueue(cmd *Command) (rerr error) {
	defer c.recover(&rerr)
	c.xenqueue(cmd)
	return nil
}

// Step processes a single response from the server.
func (c *Conn) Step() (rerr error) {
	defer c.recover(&rerr)
	c.xstep()
	return nil
}

// Drain processes responses until cmd has completed, or all outstanding
// commands if cmd is nil. The error of cmd is returned.
func (c *Conn) Drain(cmd *Command) (rerr error) {
	defer c.recover(&rerr)
	c.xdrain(cmd)
	if cmd != nil {
		return cmd.Err()
	}
	return nil
}

// Exec executes a command and waits for its result. For NO and BAD results
// an *Error is returned, unless flags has FailOK.
func (c *Conn) Exec(flags CmdFlags, sink Sink, verb string, args ...Arg) (result Result, rerr error) {
	defer c.recover(&rerr)
	return c.xexec(flags, sink, verb, args...), nil
}

// Outstanding returns the number of commands waiting for completion.
func (c *Conn) Outstanding() int {
	return len(c.cmds)
}
