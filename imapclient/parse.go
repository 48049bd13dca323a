package imapclient

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parser parses a single response as returned by xreadResponse: the line
// with the data of literals included after their "{n}\r\n" announcement.
// The parse functions panic with a *ParseError, see recoverParse.
type parser struct {
	buf  []byte
	o    int
	utf8 bool // UTF8=ACCEPT enabled, mailbox names are not in modified UTF-7.
}

func newParser(buf []byte, utf8 bool) *parser {
	return &parser{buf: buf, utf8: utf8}
}

func (p *parser) xerrorf(format string, args ...any) {
	line := string(p.buf)
	if len(line) > 256 {
		line = line[:256] + "..."
	}
	panic(&ParseError{fmt.Errorf(format, args...), line, p.o})
}

// recoverParse turns a panic with a *ParseError into an error.
func recoverParse(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	if err, ok := x.(*ParseError); ok {
		*rerr = err
		return
	}
	panic(x)
}

func (p *parser) empty() bool {
	return p.o >= len(p.buf)
}

func (p *parser) xempty() {
	if !p.empty() {
		p.xerrorf("leftover data %q", p.buf[p.o:])
	}
}

func (p *parser) xnonempty() {
	if p.empty() {
		p.xerrorf("unexpected end")
	}
}

// peek returns whether the remaining data starts with s, case-insensitive.
func (p *parser) peek(s string) bool {
	if len(p.buf)-p.o < len(s) {
		return false
	}
	return strings.EqualFold(string(p.buf[p.o:p.o+len(s)]), s)
}

func (p *parser) peekByte(c byte) bool {
	return p.o < len(p.buf) && p.buf[p.o] == c
}

func (p *parser) take(s string) bool {
	if p.peek(s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
}

func (p *parser) space() bool {
	return p.take(" ")
}

func (p *parser) xspace() {
	p.xtake(" ")
}

// remainder returns the rest of the response.
func (p *parser) remainder() string {
	s := string(p.buf[p.o:])
	p.o = len(p.buf)
	return s
}

// ../rfc/3501:4957
func isAtomChar(c byte) bool {
	switch c {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']':
		return false
	}
	return c > ' ' && c < 0x7f
}

func (p *parser) takeWhile(fn func(c byte) bool) string {
	o := p.o
	for o < len(p.buf) && fn(p.buf[o]) {
		o++
	}
	s := string(p.buf[p.o:o])
	p.o = o
	return s
}

func (p *parser) xatom() string {
	s := p.takeWhile(isAtomChar)
	if s == "" {
		p.xerrorf("expected atom")
	}
	return s
}

// xword returns the next token up to a space, e.g. a tag.
func (p *parser) xword() string {
	s := p.takeWhile(func(c byte) bool { return c != ' ' })
	if s == "" {
		p.xerrorf("expected word")
	}
	return s
}

func (p *parser) xnumber64() uint64 {
	s := p.takeWhile(func(c byte) bool { return c >= '0' && c <= '9' })
	if s == "" {
		p.xerrorf("expected number")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		p.xerrorf("parsing number %q: %v", s, err)
	}
	return v
}

func (p *parser) xnumber() uint32 {
	v := p.xnumber64()
	if v > 1<<32-1 {
		p.xerrorf("number %d exceeds 32 bits", v)
	}
	return uint32(v)
}

func (p *parser) xnznumber() uint32 {
	v := p.xnumber()
	if v == 0 {
		p.xerrorf("expected nonzero number")
	}
	return v
}

func (p *parser) xquoted() string {
	p.xtake(`"`)
	var b strings.Builder
	for {
		p.xnonempty()
		c := p.buf[p.o]
		p.o++
		switch c {
		case '"':
			return b.String()
		case '\\':
			p.xnonempty()
			c = p.buf[p.o]
			p.o++
			if c != '"' && c != '\\' {
				p.xerrorf("invalid escape %q in quoted string", c)
			}
		case '\r', '\n':
			p.xerrorf("newline in quoted string")
		}
		b.WriteByte(c)
	}
}

// xliteral parses a literal including its data. The optional "~" prefix is
// for literal8 of BINARY responses.
func (p *parser) xliteral() []byte {
	p.take("~")
	p.xtake("{")
	size := p.xnumber64()
	p.take("+")
	p.xtake("}\r\n")
	if uint64(len(p.buf)-p.o) < size {
		p.xerrorf("literal of %d bytes extends beyond response", size)
	}
	buf := p.buf[p.o : p.o+int(size)]
	p.o += int(size)
	return buf
}

func (p *parser) xstring() string {
	if p.peekByte('"') {
		return p.xquoted()
	}
	return string(p.xliteral())
}

// ../rfc/3501:4707
func (p *parser) xastring() string {
	if p.peekByte('"') || p.peekByte('{') || p.peekByte('~') {
		return p.xstring()
	}
	s := p.takeWhile(func(c byte) bool { return isAtomChar(c) || c == ']' })
	if s == "" {
		p.xerrorf("expected astring")
	}
	return s
}

// xnstring returns nil for NIL.
func (p *parser) xnstring() []byte {
	if p.take("NIL") {
		return nil
	}
	if p.peekByte('"') {
		return []byte(p.xquoted())
	}
	buf := p.xliteral()
	if buf == nil {
		buf = []byte{}
	}
	return buf
}

// xmailbox parses a mailbox name, normalizing INBOX to upper case and
// decoding modified UTF-7.
func (p *parser) xmailbox() string {
	s := p.xastring()
	if strings.EqualFold(s, "INBOX") {
		return "INBOX"
	}
	if p.utf8 {
		return s
	}
	d, err := utf7decode(s)
	if err != nil {
		// Servers send undecodable names. We keep them as is so they can be
		// referenced again.
		return s
	}
	return d
}

// ../rfc/3501:4814
func (p *parser) xflag() string {
	if p.take(`\*`) {
		return `\*`
	}
	if p.take(`\`) {
		return `\` + p.xatom()
	}
	return p.xatom()
}

func (p *parser) xflagList() []string {
	p.xtake("(")
	var l []string
	for !p.take(")") {
		if len(l) > 0 {
			p.xspace()
		}
		l = append(l, p.xflag())
	}
	return l
}

// xskipValue skips a value of an unknown fetch attribute or extension:
// a parenthesized list, string, literal or atom.
func (p *parser) xskipValue() {
	switch {
	case p.peekByte('('):
		p.o++
		for !p.take(")") {
			p.xnonempty()
			if p.space() {
				continue
			}
			p.xskipValue()
		}
	case p.peekByte('"'):
		p.xquoted()
	case p.peekByte('{') || p.peekByte('~'):
		p.xliteral()
	default:
		s := p.takeWhile(func(c byte) bool { return c != ' ' && c != '(' && c != ')' })
		if s == "" {
			p.xerrorf("expected value")
		}
	}
}

func (p *parser) xstatus() Status {
	w := strings.ToUpper(p.xatom())
	switch Status(w) {
	case OK, NO, BAD:
		return Status(w)
	}
	p.xerrorf("expected status, got %q", w)
	panic("not reached")
}

// xrespText parses the optional code and the text. ../rfc/3501:4867
func (p *parser) xrespText() (Code, string) {
	var code Code
	if p.take("[") {
		code = p.xrespCode()
		p.xtake("]")
		p.space()
	}
	return code, p.remainder()
}

func (p *parser) xrespCode() Code {
	w := strings.ToUpper(p.takeWhile(func(c byte) bool { return c != ' ' && c != ']' }))
	if w == "" {
		p.xerrorf("empty response code")
	}
	switch w {
	case "CAPABILITY":
		var l CodeCapability
		for p.space() {
			l = append(l, Capability(strings.ToUpper(p.xatom())))
		}
		return l
	case "PERMANENTFLAGS":
		p.xspace()
		return CodePermanentFlags(p.xflagList())
	case "UIDNEXT":
		p.xspace()
		return CodeUIDNext(p.xnumber())
	case "UIDVALIDITY":
		p.xspace()
		return CodeUIDValidity(p.xuidvalidity())
	case "UNSEEN":
		p.xspace()
		return CodeUnseen(p.xnumber())
	case "HIGHESTMODSEQ":
		p.xspace()
		return CodeHighestModSeq(p.xnumber64())
	case "APPENDUID":
		p.xspace()
		uv := p.xuidvalidity()
		p.xspace()
		uid := p.xnznumber()
		if p.take(":") {
			p.xnznumber()
		}
		return CodeAppendUID{uv, uid}
	}
	if !p.peekByte(' ') {
		return CodeWord(w)
	}
	p.o++
	args := p.takeWhile(func(c byte) bool { return c != ']' })
	return CodeParams{w, args}
}

// xuidvalidity parses a UIDVALIDITY. Some servers use 64 bit values, these
// are truncated to 32 bits, as other clients do.
func (p *parser) xuidvalidity() uint32 {
	return uint32(p.xnumber64())
}

// xuntagged parses an untagged response, after the "* ".
func (p *parser) xuntagged() Untagged {
	if p.peekByte('0') || p.peekByte('1') || p.peekByte('2') || p.peekByte('3') || p.peekByte('4') || p.peekByte('5') || p.peekByte('6') || p.peekByte('7') || p.peekByte('8') || p.peekByte('9') {
		num := p.xnumber()
		p.xspace()
		w := strings.ToUpper(p.xatom())
		switch w {
		case "EXISTS":
			p.xempty()
			return UntaggedExists(num)
		case "RECENT":
			p.xempty()
			return UntaggedRecent(num)
		case "EXPUNGE":
			if num == 0 {
				p.xerrorf("expunge of msn 0")
			}
			p.xempty()
			return UntaggedExpunge(num)
		case "FETCH":
			if num == 0 {
				p.xerrorf("fetch of msn 0")
			}
			p.xspace()
			return p.xfetch(num)
		}
		p.xerrorf("unknown untagged numeric response %q", w)
	}

	w := strings.ToUpper(p.xatom())
	switch w {
	case "OK", "NO", "BAD":
		var code Code
		var text string
		if p.space() {
			code, text = p.xrespText()
		}
		return UntaggedResult{Status(w), code, text}

	case "BYE":
		var code Code
		var text string
		if p.space() {
			code, text = p.xrespText()
		}
		return UntaggedBye{code, text}

	case "PREAUTH":
		var code Code
		var text string
		if p.space() {
			code, text = p.xrespText()
		}
		return UntaggedPreauth{code, text}

	case "CAPABILITY", "ENABLED":
		var l []Capability
		for p.space() {
			if p.empty() {
				break
			}
			l = append(l, Capability(strings.ToUpper(p.xatom())))
		}
		p.xempty()
		if w == "ENABLED" {
			return UntaggedEnabled(l)
		}
		return UntaggedCapability(l)

	case "FLAGS":
		p.xspace()
		l := p.xflagList()
		p.xempty()
		return UntaggedFlags(l)

	case "LIST", "LSUB":
		p.xspace()
		l := p.xmailboxList()
		if w == "LSUB" {
			return UntaggedLsub(l)
		}
		return l

	case "STATUS":
		p.xspace()
		return p.xstatusResponse()

	case "SEARCH":
		var l UntaggedSearch
		for p.space() {
			if p.peekByte('(') {
				// CONDSTORE "(MODSEQ n)".
				p.xskipValue()
				continue
			}
			l = append(l, p.xnznumber())
		}
		p.xempty()
		return l

	case "MYRIGHTS":
		p.xspace()
		mb := p.xmailbox()
		p.xspace()
		rights := p.xastring()
		p.xempty()
		return UntaggedMyrights{mb, rights}

	case "VANISHED":
		p.xspace()
		var earlier bool
		if p.take("(EARLIER)") {
			earlier = true
			p.xspace()
		}
		s := p.takeWhile(func(c byte) bool { return c != ' ' })
		ns, err := ParseNumSet(s)
		if err != nil {
			p.xerrorf("parsing vanished uids: %v", err)
		}
		p.xempty()
		return UntaggedVanished{earlier, ns}

	case "ID":
		p.xspace()
		if p.take("NIL") {
			return UntaggedID(nil)
		}
		m := UntaggedID{}
		p.xtake("(")
		for !p.take(")") {
			if len(m) > 0 {
				p.xspace()
			}
			k := p.xstring()
			p.xspace()
			v := p.xnstring()
			m[strings.ToLower(k)] = string(v)
		}
		return m
	}

	var text string
	if p.space() {
		text = p.remainder()
	}
	return UntaggedOther{w, text}
}

// ../rfc/3501:4790
func (p *parser) xmailboxList() UntaggedList {
	var l UntaggedList
	l.Flags = p.xflagList()
	p.xspace()
	if !p.take("NIL") {
		s := p.xquoted()
		if len(s) != 1 {
			p.xerrorf("hierarchy separator %q not a single character", s)
		}
		l.Separator = s[0]
	}
	p.xspace()
	l.Mailbox = p.xmailbox()
	// LIST-EXTENDED data we don't use.
	for p.space() {
		p.xskipValue()
	}
	p.xempty()
	return l
}

// ../rfc/3501:4880
func (p *parser) xstatusResponse() UntaggedStatus {
	mb := p.xmailbox()
	p.xspace()
	p.xtake("(")
	attrs := map[StatusAttr]uint64{}
	for !p.take(")") {
		if len(attrs) > 0 {
			p.xspace()
		}
		a := StatusAttr(strings.ToUpper(p.xatom()))
		if a == "UID-VALIDITY" {
			// Pre-IMAP4rev1 servers.
			a = StatusUIDValidity
		}
		p.xspace()
		v := p.xnumber64()
		switch a {
		case StatusUIDValidity:
			v = uint64(uint32(v))
		case StatusHighestModSeq:
		default:
			if v > 1<<32-1 {
				p.xerrorf("status %s value %d exceeds 32 bits", a, v)
			}
		}
		attrs[a] = v
	}
	p.xempty()
	return UntaggedStatus{mb, attrs}
}

const internalDateLayout = "_2-Jan-2006 15:04:05 -0700"

// ../rfc/3501:4913
func (p *parser) xfetch(seq uint32) UntaggedFetch {
	f := UntaggedFetch{Seq: seq}
	p.xtake("(")
	first := true
	for !p.take(")") {
		if !first {
			p.xspace()
		}
		first = false
		attr := strings.ToUpper(p.takeWhile(func(c byte) bool { return c != ' ' && c != '[' && c != ')' }))
		switch attr {
		case "UID":
			p.xspace()
			f.UID = p.xnznumber()
		case "FLAGS":
			p.xspace()
			f.Flags = p.xflagList()
			f.HasFlags = true
		case "RFC822.SIZE":
			p.xspace()
			f.Size = int64(p.xnumber64())
		case "INTERNALDATE":
			p.xspace()
			s := p.xquoted()
			t, err := time.Parse(internalDateLayout, s)
			if err != nil {
				p.xerrorf("parsing internaldate %q: %v", s, err)
			}
			f.InternalDate = t
		case "MODSEQ":
			p.xspace()
			p.xtake("(")
			f.ModSeq = p.xnumber64()
			p.xtake(")")
		case "RFC822.HEADER":
			p.xspace()
			f.Header = p.xnstring()
		case "RFC822":
			p.xspace()
			f.Body = p.xnstring()
			f.HasBody = true
		case "BODY", "BINARY":
			if !p.peekByte('[') {
				// BODY without section is the non-extensible BODYSTRUCTURE.
				p.xspace()
				p.xskipValue()
				break
			}
			section := p.xsection()
			if p.take("<") {
				p.xnumber()
				p.xtake(">")
			}
			p.xspace()
			data := p.xnstring()
			switch strings.ToUpper(section) {
			case "HEADER":
				f.Header = data
			case "":
				f.Body = data
				f.HasBody = true
			}
		case "":
			p.xerrorf("empty fetch attribute")
		default:
			p.xspace()
			p.xskipValue()
		}
	}
	p.xempty()
	return f
}

// xsection parses "[...]" of a BODY fetch attribute, returning the text
// between the brackets.
func (p *parser) xsection() string {
	p.xtake("[")
	o := p.o
	depth := 0
	for {
		p.xnonempty()
		c := p.buf[p.o]
		p.o++
		switch {
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == ']' && depth == 0:
			return string(p.buf[o : p.o-1])
		}
	}
}

// parseUntagged parses an untagged response line, without the leading "* ".
func parseUntagged(buf []byte, utf8 bool) (u Untagged, rerr error) {
	defer recoverParse(&rerr)
	p := newParser(buf, utf8)
	return p.xuntagged(), nil
}

// parseTagged parses the status and text of a tagged response, without the
// leading tag and space.
func parseTagged(buf []byte) (r Result, rerr error) {
	defer recoverParse(&rerr)
	p := newParser(buf, false)
	r.Status = p.xstatus()
	if p.space() {
		r.Code, r.Text = p.xrespText()
	}
	return r, nil
}
