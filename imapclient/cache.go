package imapclient

import (
	"context"
	"time"
)

// CacheState is what a header cache remembers about a mailbox, to decide
// whether its cached headers can be used after selecting it again.
type CacheState struct {
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
	UIDs          string // Sequence set with UIDs of cached messages.
}

// CachedHeader is a message as stored in a header cache.
type CachedHeader struct {
	UID          uint32
	Flags        []string
	Size         int64
	InternalDate time.Time
	Header       []byte
}

// HeaderCache stores message headers across sessions. Entries are keyed by
// mailbox, UIDVALIDITY and UID. Get returns nil without error for absent
// entries.
type HeaderCache interface {
	State(ctx context.Context, mailbox string) (CacheState, error)
	SetState(ctx context.Context, mailbox string, st CacheState) error
	Get(ctx context.Context, mailbox string, uidvalidity, uid uint32) (*CachedHeader, error)
	Put(ctx context.Context, mailbox string, uidvalidity uint32, h CachedHeader) error
	Delete(ctx context.Context, mailbox string, uidvalidity, uid uint32) error

	// Invalidate removes all entries and state for the mailbox.
	Invalidate(ctx context.Context, mailbox string) error
}

// BodyCache stores full messages. Get returns nil without error for absent
// entries.
type BodyCache interface {
	Get(mailbox string, uidvalidity, uid uint32) ([]byte, error)
	Put(mailbox string, uidvalidity, uid uint32, data []byte) error
	Delete(mailbox string, uidvalidity, uid uint32) error
	Invalidate(mailbox string) error
}

// HeaderParser turns the raw header of a message into application metadata,
// stored in Message.Meta.
type HeaderParser interface {
	ParseHeader(uid uint32, header []byte) (any, error)
}

// HeaderParserFunc is a HeaderParser implemented by a function.
type HeaderParserFunc func(uid uint32, header []byte) (any, error)

func (f HeaderParserFunc) ParseHeader(uid uint32, header []byte) (any, error) {
	return f(uid, header)
}
