package imapclient

import (
	"fmt"

	"github.com/mjl-/imapsync/mlog"
)

// FetchBody returns the full message m of the selected mailbox. The body cache
// is consulted first, and a fetched message is stored in it. The message is
// not marked seen.
func (c *Conn) FetchBody(m *Message) (data []byte, rerr error) {
	defer c.recover(&rerr)
	mb := c.Selected()
	if mb == nil {
		c.xopErrorf("%w: no mailbox selected", ErrState)
	}
	if mb.Message(m.UID) != m {
		c.xopErrorf("%w: message %d not in selected mailbox", ErrState, m.UID)
	}

	bc := c.opts.BodyCache
	if bc != nil {
		buf, err := bc.Get(mb.Name, mb.UIDValidity, m.UID)
		if err != nil {
			c.log.Errorx("reading message from body cache", err, mlog.Field("uid", m.UID))
		} else if buf != nil {
			return buf, nil
		}
	}

	var found bool
	sink := SinkFunc(func(u Untagged) bool {
		f, ok := u.(UntaggedFetch)
		if !ok || f.UID != m.UID || !f.HasBody {
			return false
		}
		data = f.Body
		found = true
		// Flags may be in the same response.
		if f.HasFlags {
			c.applyFetch(f)
		}
		return true
	})
	ns := NumSet{Ranges: []NumRange{{m.UID, m.UID}}}
	c.xexec(TraceData, sink, "UID FETCH", ns, List{Atom("UID"), Atom("BODY.PEEK[]")})
	if !found {
		return nil, fmt.Errorf("%w: message %d not returned by server", ErrProtocol, m.UID)
	}

	if bc != nil {
		err := bc.Put(mb.Name, mb.UIDValidity, m.UID, data)
		c.log.Check(err, "storing message in body cache", mlog.Field("uid", m.UID))
	}
	return data, nil
}

// UIDSearch searches the selected mailbox and returns the UIDs of matching
// messages. Criteria are passed as arguments, e.g. Atom("UNSEEN") or
// Atom("SUBJECT"), AString("hello").
func (c *Conn) UIDSearch(criteria ...Arg) (uids []uint32, rerr error) {
	defer c.recover(&rerr)
	if c.Selected() == nil {
		c.xopErrorf("%w: no mailbox selected", ErrState)
	}
	if len(criteria) == 0 {
		criteria = []Arg{Atom("ALL")}
	}
	sink := SinkFunc(func(u Untagged) bool {
		if x, ok := u.(UntaggedSearch); ok {
			uids = append(uids, x...)
			return true
		}
		return false
	})
	c.xexec(0, sink, "UID SEARCH", criteria...)
	return uids, nil
}
