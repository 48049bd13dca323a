// Package bodycache stores full messages fetched from IMAP servers in a bbolt
// database, for imapclient.
//
// The database has a bucket per mailbox, with a nested bucket per UIDVALIDITY,
// holding the messages keyed by UID.
package bodycache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/imapsync/imapclient"
	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
)

// Cache implements imapclient.BodyCache.
type Cache struct {
	db      *bolt.DB
	log     *mlog.Log
	maxSize int64
}

var _ imapclient.BodyCache = (*Cache)(nil)

// Open opens or creates the cache at path. Messages larger than maxSize are
// not stored, zero means no limit.
func Open(path string, maxSize int64) (*Cache, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open body cache: %w", err)
	}
	log := mlog.New("bodycache").Fields(mlog.Field("path", path))
	return &Cache{db, log, maxSize}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func uint32Key(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// bucket returns the bucket for the mailbox and uidvalidity, nil if it does
// not exist.
func bucket(tx *bolt.Tx, mailbox string, uidvalidity uint32) *bolt.Bucket {
	mb := tx.Bucket([]byte(mailbox))
	if mb == nil {
		return nil
	}
	return mb.Bucket(uint32Key(uidvalidity))
}

func (c *Cache) Get(mailbox string, uidvalidity, uid uint32) (data []byte, rerr error) {
	rerr = c.db.View(func(tx *bolt.Tx) error {
		if b := bucket(tx, mailbox, uidvalidity); b != nil {
			if v := b.Get(uint32Key(uid)); v != nil {
				// Only valid during the transaction.
				data = append([]byte{}, v...)
			}
		}
		return nil
	})
	switch {
	case rerr != nil:
		metrics.CacheInc("body", "error")
	case data == nil:
		metrics.CacheInc("body", "miss")
	default:
		metrics.CacheInc("body", "hit")
	}
	return
}

func (c *Cache) Put(mailbox string, uidvalidity, uid uint32, data []byte) error {
	if c.maxSize > 0 && int64(len(data)) > c.maxSize {
		c.log.Debug("message too large for cache", mlog.Field("mailbox", mailbox), mlog.Field("uid", uid), mlog.Field("size", len(data)))
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		mb, err := tx.CreateBucketIfNotExists([]byte(mailbox))
		if err != nil {
			return fmt.Errorf("creating mailbox bucket: %w", err)
		}
		b, err := mb.CreateBucketIfNotExists(uint32Key(uidvalidity))
		if err != nil {
			return fmt.Errorf("creating uidvalidity bucket: %w", err)
		}
		return b.Put(uint32Key(uid), data)
	})
}

func (c *Cache) Delete(mailbox string, uidvalidity, uid uint32) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if b := bucket(tx, mailbox, uidvalidity); b != nil {
			return b.Delete(uint32Key(uid))
		}
		return nil
	})
}

// Invalidate removes all messages of the mailbox.
func (c *Cache) Invalidate(mailbox string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.DeleteBucket([]byte(mailbox))
	})
	if errors.Is(err, bolt.ErrBucketNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	c.log.Info("body cache invalidated", mlog.Field("mailbox", mailbox))
	return nil
}

// Usage is the number of messages and their total size in a mailbox.
type Usage struct {
	Mailbox  string
	Messages int
	Size     int64
}

// Usage returns per mailbox usage, ordered by mailbox name.
func (c *Cache) Usage() ([]Usage, error) {
	var l []Usage
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, mb *bolt.Bucket) error {
			u := Usage{Mailbox: string(name)}
			err := mb.ForEachBucket(func(k []byte) error {
				return mb.Bucket(k).ForEach(func(k, v []byte) error {
					u.Messages++
					u.Size += int64(len(v))
					return nil
				})
			})
			l = append(l, u)
			return err
		})
	})
	return l, err
}

// Check verifies the consistency of the database file.
func (c *Cache) Check() error {
	var errs []error
	err := c.db.View(func(tx *bolt.Tx) error {
		for err := range tx.Check() {
			errs = append(errs, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return errors.Join(errs...)
}
