package imapclient

import (
	"fmt"
	"strings"

	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
)

// SinkFunc is a Sink implemented by a function.
type SinkFunc func(u Untagged) bool

func (f SinkFunc) Offer(u Untagged) bool {
	return f(u)
}

// xuntagged parses and applies an untagged response. A malformed response
// fails the oldest outstanding command, the response framing is still intact
// so the session continues.
func (c *Conn) xuntagged(buf []byte) {
	u, err := parseUntagged(buf, c.utf8)
	if err != nil {
		c.log.Errorx("malformed untagged response", err)
		metrics.UntaggedInc("malformed")
		if len(c.cmds) > 0 && c.cmds[0].err == nil {
			c.cmds[0].err = err
		}
		return
	}
	metrics.UntaggedInc(untaggedKeyword(u))

	switch x := u.(type) {
	case UntaggedList, UntaggedLsub, UntaggedSearch, UntaggedFetch:
		for _, cmd := range c.cmds {
			if cmd.Sink != nil && cmd.Sink.Offer(u) {
				return
			}
		}
		if f, ok := x.(UntaggedFetch); ok {
			c.applyFetch(f)
			return
		}
		c.log.Debug("unsolicited response ignored", mlog.Field("keyword", untaggedKeyword(u)))

	case UntaggedResult:
		c.xhandleCode(x.Code)
		switch {
		case x.Status != OK:
			c.log.Info("server warning", mlog.Field("status", x.Status), mlog.Field("text", x.Text))
		case x.Code == CodeWord("ALERT"):
			c.log.Print("server alert", mlog.Field("text", x.Text))
		}

	case UntaggedBye:
		if c.loggingOut {
			return
		}
		c.xfatalf("%w: %s", ErrBye, x.Text)

	case UntaggedPreauth:
		c.log.Info("ignoring preauth after greeting")

	case UntaggedCapability:
		c.caps = map[Capability]bool{}
		for _, e := range x {
			c.caps[e] = true
		}

	case UntaggedEnabled:
		for _, e := range x {
			c.enabled[e] = true
			if e == CapUTF8Accept || e == "UTF8=ONLY" {
				c.utf8 = true
			}
		}

	case UntaggedFlags:
		if mb := c.mailbox; mb != nil {
			mb.Flags = x
		}

	case UntaggedExists:
		c.xexists(uint32(x))

	case UntaggedRecent:
		if mb := c.mailbox; mb != nil {
			mb.Recent = uint32(x)
		}

	case UntaggedExpunge:
		c.expunge(uint32(x))

	case UntaggedVanished:
		c.vanished(x)

	case UntaggedMyrights:
		if mb := c.mailbox; mb != nil && mb.Name == x.Mailbox {
			mb.Rights = ParseRights(x.Rights)
			mb.rightsSeen = true
		}

	case UntaggedStatus:
		if mb := c.Selected(); mb != nil && mb.Name == x.Mailbox {
			c.log.Debug("status for selected mailbox ignored", mlog.Field("mailbox", x.Mailbox))
			return
		}
		c.Status.update(x, c.log)

	case UntaggedID:
		c.ServerID = x

	default:
		c.log.Debug("unknown untagged response ignored", mlog.Field("keyword", untaggedKeyword(u)))
	}
}

// xhandleCode applies a response code from a tagged or untagged response.
func (c *Conn) xhandleCode(code Code) {
	switch x := code.(type) {
	case nil:
	case CodeCapability:
		c.caps = map[Capability]bool{}
		for _, e := range x {
			c.caps[e] = true
		}
	}
	mb := c.mailbox
	if mb == nil {
		return
	}
	switch x := code.(type) {
	case CodePermanentFlags:
		mb.PermanentFlags = x
		mb.permanentSeen = true
	case CodeUIDValidity:
		if (c.state == StateSelected || c.state == StateIdle) && mb.UIDValidity != 0 && mb.UIDValidity != uint32(x) {
			// UIDs of all message handles are no longer valid.
			c.log.Error("uidvalidity changed for selected mailbox", mlog.Field("mailbox", mb.Name), mlog.Field("old", mb.UIDValidity), mlog.Field("new", uint32(x)))
			metrics.UIDValidityChangeInc()
			c.invalidateCaches(mb.Name)
			mb.stale = true
		}
		mb.UIDValidity = uint32(x)
	case CodeUIDNext:
		mb.UIDNext = uint32(x)
	case CodeUnseen:
		mb.FirstUnseen = uint32(x)
	case CodeHighestModSeq:
		mb.HighestModSeq = uint64(x)
	case CodeWord:
		switch x {
		case "NOMODSEQ":
			mb.NoModSeq = true
		case "READ-ONLY":
			mb.readOnlyCode = true
		case "READ-WRITE":
			mb.readOnlyCode = false
		}
	}
}

func untaggedKeyword(u Untagged) string {
	switch x := u.(type) {
	case UntaggedResult:
		return string(x.Status)
	case UntaggedBye:
		return "bye"
	case UntaggedPreauth:
		return "preauth"
	case UntaggedCapability:
		return "capability"
	case UntaggedEnabled:
		return "enabled"
	case UntaggedFlags:
		return "flags"
	case UntaggedExists:
		return "exists"
	case UntaggedRecent:
		return "recent"
	case UntaggedExpunge:
		return "expunge"
	case UntaggedVanished:
		return "vanished"
	case UntaggedFetch:
		return "fetch"
	case UntaggedList:
		return "list"
	case UntaggedLsub:
		return "lsub"
	case UntaggedStatus:
		return "status"
	case UntaggedSearch:
		return "search"
	case UntaggedMyrights:
		return "myrights"
	case UntaggedID:
		return "id"
	case UntaggedOther:
		// Not the keyword, it is unbounded.
		return "other"
	}
	return fmt.Sprintf("%T", u)
}

// xexists handles a new message count for the selected mailbox.
func (c *Conn) xexists(n uint32) {
	mb := c.mailbox
	if mb == nil {
		return
	}
	if uint64(n) > maxIndexSlots {
		c.xfatalf("%w: server announced %d messages", ErrIndexOverflow, n)
	}
	highest := mb.Index.Highest()
	switch {
	case n < highest:
		// Some servers report fewer messages than they have.
		c.log.Error("message count out of sync, ignored", mlog.Field("exists", n), mlog.Field("highest", highest))
	case n == highest:
		c.log.Debug("superfluous exists", mlog.Field("exists", n))
		mb.count = n
	default:
		mb.count = n
		mb.reopen |= NewMailPending
	}
}

// expunge handles the removal of msn from the selected mailbox. The index is
// shifted right away, later responses use the new numbering. Purging the
// message handle is deferred until reopening is allowed.
func (c *Conn) expunge(msn uint32) {
	mb := c.mailbox
	if mb == nil {
		return
	}
	if msn > mb.count && msn > mb.Index.Highest() {
		c.log.Error("expunge for unknown message, ignored", mlog.Field("msn", msn), mlog.Field("count", mb.count))
		return
	}
	if mb.count > 0 {
		mb.count--
	}
	m := mb.Index.expunge(msn)
	if m != nil {
		m.expunged = true
		mb.expunged = append(mb.expunged, m)
	}
	mb.reopen |= ExpungePending
}

// vanished handles expunges by UID, for QRESYNC. With EARLIER, the messages
// were removed before the current numbering and only their slots are
// cleared.
func (c *Conn) vanished(v UntaggedVanished) {
	mb := c.mailbox
	if mb == nil {
		return
	}
	it := NewSeqIter(v.UIDs.String())
	for {
		uid, ok, err := it.Next()
		if err != nil {
			c.log.Errorx("bad vanished uid set", err)
			break
		}
		if !ok {
			break
		}
		m := mb.uids[uid]
		if m == nil || m.expunged || m.MSN == 0 {
			continue
		}
		msn := m.MSN
		if mb.Index.Get(msn) != m {
			c.log.Error("vanished message not in index", mlog.Field("uid", uid), mlog.Field("msn", msn))
			continue
		}
		if v.Earlier {
			mb.Index.Remove(msn)
			m.MSN = 0
		} else {
			mb.Index.expunge(msn)
			if mb.count > 0 {
				mb.count--
			}
		}
		m.expunged = true
		mb.expunged = append(mb.expunged, m)
	}
	mb.reopen |= ExpungePending
}

// applyFetch merges server flags for a message into its handle. Per flag and
// keyword, local changes not yet pushed are kept, everything else follows the
// server.
func (c *Conn) applyFetch(f UntaggedFetch) {
	mb := c.mailbox
	if mb == nil {
		return
	}
	m := mb.Index.Get(f.Seq)
	if m == nil || !m.Active || m.expunged {
		c.log.Debug("fetch for unknown message ignored", mlog.Field("msn", f.Seq))
		return
	}
	if f.UID != 0 && f.UID != m.UID {
		c.log.Error("fetch with uid mismatch ignored", mlog.Field("msn", f.Seq), mlog.Field("uid", f.UID), mlog.Field("expuid", m.UID))
		return
	}
	if f.ModSeq > m.ModSeq {
		m.ModSeq = f.ModSeq
	}
	if !f.HasFlags {
		return
	}
	flags, keywords := parseFlags(f.Flags)
	if flags == m.Server && sameKeywords(keywords, m.ServerKeywords) {
		return
	}
	local := m.Changed()
	for _, a := range flagAxes {
		if m.Flags.axis(a) == m.Server.axis(a) {
			m.Flags.setAxis(a, flags.axis(a))
		}
	}
	m.Keywords = mergeKeywords(m.Keywords, m.ServerKeywords, keywords)
	m.Server = flags
	m.ServerKeywords = keywords
	mb.check |= FlagsPending
	c.log.Debug("server flags changed", mlog.Field("uid", m.UID), mlog.Field("flags", strings.Join(f.Flags, " ")), mlog.Field("localchanges", local))
}

// mergeKeywords returns the new local keywords: server keywords, without
// those removed locally, plus those added locally, relative to the previous
// server keywords.
func mergeKeywords(local, prevServer, server []string) []string {
	var l []string
	for _, kw := range server {
		if containsFold(prevServer, kw) && !containsFold(local, kw) {
			continue
		}
		l = append(l, kw)
	}
	for _, kw := range local {
		if !containsFold(prevServer, kw) && !containsFold(l, kw) {
			l = append(l, kw)
		}
	}
	return l
}

// finish applies pending expunges and fetches headers for new messages, when
// the selected mailbox allows reopening. Called whenever no commands are
// outstanding.
func (c *Conn) finish() {
	mb := c.mailbox
	if c.finishing || mb == nil || c.state != StateSelected || mb.reopen&ReopenAllow == 0 {
		return
	}
	c.finishing = true
	defer func() {
		c.finishing = false
	}()

	if mb.reopen&ExpungePending != 0 {
		c.purgeExpunged(mb)
		if mb.reopen&ExpungeExpected == 0 {
			mb.check |= ExpungePending
		}
		mb.reopen &^= ExpungePending | ExpungeExpected
	}

	if mb.reopen&NewMailPending != 0 {
		highest := mb.Index.Highest()
		if mb.count > highest {
			mb.check |= NewMailPending
			c.log.Debug("fetching new messages", mlog.Field("first", highest+1), mlog.Field("last", mb.count))
			c.xreadHeaders(mb, highest+1, mb.count, false)
		}
		mb.reopen &^= NewMailPending
	}
}

// purgeExpunged deactivates handles of expunged messages, removing them from
// the uid map and the caches.
func (c *Conn) purgeExpunged(mb *Mailbox) {
	for _, m := range mb.expunged {
		m.Active = false
		if mb.uids[m.UID] == m {
			delete(mb.uids, m.UID)
		}
		if bc := c.opts.BodyCache; bc != nil {
			err := bc.Delete(mb.Name, mb.UIDValidity, m.UID)
			c.log.Check(err, "removing expunged message from body cache", mlog.Field("uid", m.UID))
		}
		if hc := c.opts.HeaderCache; hc != nil {
			err := hc.Delete(c.ctx, mb.Name, mb.UIDValidity, m.UID)
			c.log.Check(err, "removing expunged message from header cache", mlog.Field("uid", m.UID))
		}
	}
	if len(mb.expunged) > 0 {
		c.log.Debug("purged expunged messages", mlog.Field("count", len(mb.expunged)))
	}
	mb.expunged = nil
}
