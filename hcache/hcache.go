// Package hcache is a persistent header cache for imapclient, stored in a
// bstore database.
//
// Headers are stored per mailbox, UIDVALIDITY and UID. The state of a mailbox
// (UIDVALIDITY, UIDNEXT, HIGHESTMODSEQ and the UIDs of cached messages) is
// stored with it, for deciding after a SELECT whether the cached headers are
// still valid.
package hcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/imapsync/imapclient"
	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
	"github.com/mjl-/imapsync/moxvar"
)

// DBTypes are the types stored in a cache database.
var DBTypes = []any{Mailbox{}, Header{}}

// Mailbox is the cache state of a mailbox.
type Mailbox struct {
	ID            int64
	Name          string `bstore:"nonzero,unique"`
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
	UIDs          string // Sequence set.
	Updated       time.Time `bstore:"default now"`
}

// Header is a cached message.
type Header struct {
	ID           int64
	MailboxID    int64  `bstore:"nonzero,unique MailboxID+UIDValidity+UID,ref Mailbox"`
	UIDValidity  uint32 `bstore:"nonzero"`
	UID          uint32 `bstore:"nonzero"`
	Flags        []string
	Size         int64
	InternalDate time.Time
	Header       []byte
}

// Cache implements imapclient.HeaderCache.
type Cache struct {
	DB  *bstore.DB
	log *mlog.Log
}

var _ imapclient.HeaderCache = (*Cache)(nil)

// Open opens or creates the cache database at path.
func Open(ctx context.Context, path string) (*Cache, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	log := mlog.New("hcache").Fields(mlog.Field("path", path))
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: moxvar.RegisterLogger(path, log)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open header cache: %w", err)
	}
	return &Cache{db, log}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.DB.Close()
}

// mailbox returns the record for name. If absent and create is false, a nil
// mailbox is returned.
func mailbox(tx *bstore.Tx, name string, create bool) (*Mailbox, error) {
	mb, err := bstore.QueryTx[Mailbox](tx).FilterNonzero(Mailbox{Name: name}).Get()
	if err == bstore.ErrAbsent {
		if !create {
			return nil, nil
		}
		mb = Mailbox{Name: name}
		if err := tx.Insert(&mb); err != nil {
			return nil, fmt.Errorf("inserting mailbox: %w", err)
		}
		return &mb, nil
	} else if err != nil {
		return nil, fmt.Errorf("looking up mailbox: %w", err)
	}
	return &mb, nil
}

func headerQuery(tx *bstore.Tx, mailboxID int64, uidvalidity, uid uint32) *bstore.Query[Header] {
	return bstore.QueryTx[Header](tx).FilterNonzero(Header{MailboxID: mailboxID, UIDValidity: uidvalidity, UID: uid})
}

func (c *Cache) State(ctx context.Context, name string) (st imapclient.CacheState, rerr error) {
	rerr = c.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := mailbox(tx, name, false)
		if err != nil || mb == nil {
			return err
		}
		st = imapclient.CacheState{
			UIDValidity:   mb.UIDValidity,
			UIDNext:       mb.UIDNext,
			HighestModSeq: mb.HighestModSeq,
			UIDs:          mb.UIDs,
		}
		return nil
	})
	return
}

func (c *Cache) SetState(ctx context.Context, name string, st imapclient.CacheState) error {
	return c.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := mailbox(tx, name, true)
		if err != nil {
			return err
		}
		if mb.UIDValidity != 0 && mb.UIDValidity != st.UIDValidity {
			// Headers of the old UIDVALIDITY can never be used again.
			n, err := bstore.QueryTx[Header](tx).FilterNonzero(Header{MailboxID: mb.ID}).FilterNotEqual("UIDValidity", st.UIDValidity).Delete()
			if err != nil {
				return fmt.Errorf("removing headers with old uidvalidity: %w", err)
			}
			c.log.Debug("removed headers with old uidvalidity", mlog.Field("mailbox", name), mlog.Field("count", n))
		}
		mb.UIDValidity = st.UIDValidity
		mb.UIDNext = st.UIDNext
		mb.HighestModSeq = st.HighestModSeq
		mb.UIDs = st.UIDs
		mb.Updated = time.Now()
		return tx.Update(mb)
	})
}

func (c *Cache) Get(ctx context.Context, name string, uidvalidity, uid uint32) (rh *imapclient.CachedHeader, rerr error) {
	defer func() {
		switch {
		case rerr != nil:
			metrics.CacheInc("header", "error")
		case rh == nil:
			metrics.CacheInc("header", "miss")
		default:
			metrics.CacheInc("header", "hit")
		}
	}()

	rerr = c.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := mailbox(tx, name, false)
		if err != nil || mb == nil {
			return err
		}
		h, err := headerQuery(tx, mb.ID, uidvalidity, uid).Get()
		if err == bstore.ErrAbsent {
			return nil
		} else if err != nil {
			return err
		}
		rh = &imapclient.CachedHeader{
			UID:          h.UID,
			Flags:        h.Flags,
			Size:         h.Size,
			InternalDate: h.InternalDate,
			Header:       h.Header,
		}
		return nil
	})
	return
}

func (c *Cache) Put(ctx context.Context, name string, uidvalidity uint32, ch imapclient.CachedHeader) error {
	if uidvalidity == 0 || ch.UID == 0 {
		return fmt.Errorf("header without uidvalidity or uid")
	}
	return c.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := mailbox(tx, name, true)
		if err != nil {
			return err
		}
		h, err := headerQuery(tx, mb.ID, uidvalidity, ch.UID).Get()
		if err != nil && err != bstore.ErrAbsent {
			return err
		}
		h.MailboxID = mb.ID
		h.UIDValidity = uidvalidity
		h.UID = ch.UID
		h.Flags = ch.Flags
		h.Size = ch.Size
		h.InternalDate = ch.InternalDate
		if ch.Header != nil || h.ID == 0 {
			h.Header = ch.Header
		}
		if h.ID == 0 {
			return tx.Insert(&h)
		}
		return tx.Update(&h)
	})
}

func (c *Cache) Delete(ctx context.Context, name string, uidvalidity, uid uint32) error {
	return c.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := mailbox(tx, name, false)
		if err != nil || mb == nil {
			return err
		}
		_, err = headerQuery(tx, mb.ID, uidvalidity, uid).Delete()
		return err
	})
}

func (c *Cache) Invalidate(ctx context.Context, name string) error {
	return c.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := mailbox(tx, name, false)
		if err != nil || mb == nil {
			return err
		}
		n, err := bstore.QueryTx[Header](tx).FilterNonzero(Header{MailboxID: mb.ID}).Delete()
		if err != nil {
			return fmt.Errorf("removing headers: %w", err)
		}
		c.log.Info("header cache invalidated", mlog.Field("mailbox", name), mlog.Field("headers", n))
		return tx.Delete(mb)
	})
}

// Mailboxes returns the cache state of all mailboxes, by name.
func (c *Cache) Mailboxes(ctx context.Context) ([]Mailbox, error) {
	return bstore.QueryDB[Mailbox](ctx, c.DB).SortAsc("Name").List()
}

// Count returns the number of cached headers for a mailbox.
func (c *Cache) Count(ctx context.Context, name string) (n int, rerr error) {
	rerr = c.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := mailbox(tx, name, false)
		if err != nil || mb == nil {
			return err
		}
		n, err = bstore.QueryTx[Header](tx).FilterNonzero(Header{MailboxID: mb.ID}).Count()
		return err
	})
	return
}

// ErrNotFound is returned by Remove for unknown mailboxes.
var ErrNotFound = errors.New("mailbox not in cache")

// Remove removes all cached data for a mailbox, e.g. after it was deleted on
// the server.
func (c *Cache) Remove(ctx context.Context, name string) error {
	var found bool
	err := c.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := mailbox(tx, name, false)
		found = mb != nil
		return err
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return c.Invalidate(ctx, name)
}
