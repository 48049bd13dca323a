package imapclient

import (
	"slices"
	"strings"
	"time"
)

// Flags are the message flags the engine synchronizes with the server.
type Flags struct {
	Read    bool // \Seen
	Old     bool // Keyword "Old", message seen in a listing but not read.
	Flagged bool // \Flagged
	Replied bool // \Answered
	Deleted bool // \Deleted
}

// Message is the handle for a message in the selected mailbox.
//
// Flags and Keywords hold the state as the application wants it. Server and
// ServerKeywords hold the last state known from the server. Differences are
// pushed with SyncFlags, after which both are equal again.
type Message struct {
	UID            uint32
	MSN            uint32 // Current sequence number, 0 after expunge.
	Active         bool   // Cleared once an expunge has been applied.
	Flags          Flags
	Keywords       []string
	Server         Flags
	ServerKeywords []string
	Size           int64
	InternalDate   time.Time
	ModSeq         uint64

	// Meta is the application's parsed metadata for this message, as returned by
	// the HeaderParser.
	Meta any

	expunged bool // Removed from the MSN index, awaiting purge.
}

// Changed returns whether local flags or keywords differ from the server.
func (m *Message) Changed() bool {
	return m.Flags != m.Server || !sameKeywords(m.Keywords, m.ServerKeywords)
}

func sameKeywords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, k := range a {
		if !containsFold(b, k) {
			return false
		}
	}
	return true
}

func containsFold(l []string, s string) bool {
	return slices.IndexFunc(l, func(e string) bool { return strings.EqualFold(e, s) }) >= 0
}

// parseFlags splits a server flag list into the synchronized flags and
// keywords. \Recent and other system flags are not tracked.
func parseFlags(l []string) (Flags, []string) {
	var f Flags
	var kw []string
	for _, s := range l {
		switch strings.ToLower(s) {
		case `\seen`:
			f.Read = true
		case `\flagged`:
			f.Flagged = true
		case `\answered`:
			f.Replied = true
		case `\deleted`:
			f.Deleted = true
		case "old":
			f.Old = true
		default:
			if !strings.HasPrefix(s, `\`) && !containsFold(kw, s) {
				kw = append(kw, s)
			}
		}
	}
	return f, kw
}

// setAxis sets the flag for axis on f.
func (f *Flags) setAxis(a flagAxis, v bool) {
	switch a {
	case axisDeleted:
		f.Deleted = v
	case axisFlagged:
		f.Flagged = v
	case axisOld:
		f.Old = v
	case axisSeen:
		f.Read = v
	case axisAnswered:
		f.Replied = v
	}
}

func (f Flags) axis(a flagAxis) bool {
	switch a {
	case axisDeleted:
		return f.Deleted
	case axisFlagged:
		return f.Flagged
	case axisOld:
		return f.Old
	case axisSeen:
		return f.Read
	case axisAnswered:
		return f.Replied
	}
	return false
}

// List returns the flags in IMAP form, for APPEND.
func (f Flags) List() []string {
	var l []string
	for _, a := range flagAxes {
		if f.axis(a) {
			l = append(l, a.flag())
		}
	}
	return l
}

type flagAxis int

const (
	axisDeleted flagAxis = iota
	axisFlagged
	axisOld
	axisSeen
	axisAnswered
)

// Order in which flag changes are pushed.
var flagAxes = []flagAxis{axisDeleted, axisFlagged, axisOld, axisSeen, axisAnswered}

func (a flagAxis) flag() string {
	return [...]string{`\Deleted`, `\Flagged`, "Old", `\Seen`, `\Answered`}[a]
}

func (a flagAxis) String() string {
	return [...]string{"deleted", "flagged", "old", "seen", "answered"}[a]
}

// right returns the ACL right needed to change the flag. ../rfc/4314:300
func (a flagAxis) right() Rights {
	switch a {
	case axisDeleted:
		return RightDeleteMessage
	case axisSeen:
		return RightSeen
	}
	return RightWrite
}
