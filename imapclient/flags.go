package imapclient

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
)

// storeBatch is a pipelined UID STORE and the messages it covers. Apply
// updates the server state of the messages once the command succeeded.
type storeBatch struct {
	cmd   *Command
	msgs  []*Message
	what  string // For metrics, flag axis or "keyword".
	apply func(m *Message)
}

// xstoreBatches enqueues UID STORE commands adding (op "+") or removing (op
// "-") flag on msgs, split to stay within the line budget.
func (c *Conn) xstoreBatches(msgs []*Message, op, flag, what string, apply func(m *Message)) []storeBatch {
	if len(msgs) == 0 {
		return nil
	}
	msgs = slices.Clone(msgs)
	slices.SortFunc(msgs, func(a, b *Message) int {
		return cmp.Compare(a.UID, b.UID)
	})
	uids := make([]uint32, len(msgs))
	for i, m := range msgs {
		uids[i] = m.UID
	}

	var l []storeBatch
	i := 0
	for _, ns := range splitNumSet(CompactUIDs(uids), c.lineBudget) {
		last := ns.Ranges[len(ns.Ranges)-1].Last
		j := i
		for j < len(msgs) && msgs[j].UID <= last {
			j++
		}
		cmd := &Command{
			Verb: "UID STORE",
			Args: []Arg{ns, Atom(op + "FLAGS.SILENT"), List{Atom(flag)}},
		}
		c.xenqueue(cmd)
		l = append(l, storeBatch{cmd, msgs[i:j], what, apply})
		i = j
	}
	return l
}

// SyncFlags pushes local changes of flags and keywords of messages in the
// selected mailbox to the server, with UID STORE commands per flag, for
// messages where local flags differ from the last known server flags.
//
// Flags for which the ACL rights are missing are not pushed. Keywords that
// cannot be stored in the mailbox cause an error wrapping ErrKeyword before
// any command is sent.
//
// With expunge, messages marked deleted only get their \Deleted flag pushed,
// after which EXPUNGE is executed.
//
// If a STORE fails, the other commands still complete and a *PartialError is
// returned with the number of messages that were fully synchronized. If the
// connection fails, the commands completed before are kept and the
// *PartialError wraps the transport error. Messages with changes that could
// not be pushed, e.g. for missing rights, do not count as synchronized.
func (c *Conn) SyncFlags(expunge bool) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	mb := c.xselectedWritable()

	var changed []*Message
	for _, m := range mb.Messages() {
		if m.Changed() {
			changed = append(changed, m)
		}
	}
	if err := c.checkKeywords(mb, changed); err != nil {
		return OutcomeError, err
	}

	skipped := map[*Message]bool{}
	var batches []storeBatch
	fatalErr := c.xcatchFatal(func() {
		for _, a := range flagAxes {
			var set, clear []*Message
			for _, m := range changed {
				if expunge && m.Flags.Deleted && a != axisDeleted {
					continue
				}
				local := m.Flags.axis(a)
				if local == m.Server.axis(a) {
					continue
				}
				if local {
					set = append(set, m)
				} else {
					clear = append(clear, m)
				}
			}
			if len(set)+len(clear) == 0 {
				continue
			}
			if !mb.Rights.Has(a.right()) || a == axisOld && !mb.KeywordAllowed(a.flag()) {
				c.log.Debug("flag cannot be changed, not pushing", mlog.Field("flag", a.String()), mlog.Field("rights", mb.Rights))
				for _, m := range append(set, clear...) {
					skipped[m] = true
				}
				continue
			}
			a := a
			batches = append(batches, c.xstoreBatches(set, "+", a.flag(), a.String(), func(m *Message) { m.Server.setAxis(a, true) })...)
			batches = append(batches, c.xstoreBatches(clear, "-", a.flag(), a.String(), func(m *Message) { m.Server.setAxis(a, false) })...)
		}
		if mb.Rights.Has(RightWrite) {
			batches = append(batches, c.xkeywordBatches(changed, expunge)...)
		} else {
			for _, m := range changed {
				if !sameKeywords(m.Keywords, m.ServerKeywords) && !(expunge && m.Flags.Deleted) {
					skipped[m] = true
				}
			}
		}

		for _, b := range batches {
			c.xdrain(b.cmd)
		}
	})

	// After a connection failure, commands that completed before it are still
	// applied.
	var errs []error
	if fatalErr != nil {
		errs = append(errs, fatalErr)
	}
	failed := map[*Message]bool{}
	for _, b := range batches {
		err := b.cmd.Err()
		if !b.cmd.Done || err != nil {
			if b.cmd.Done && err != nil && err != fatalErr {
				errs = append(errs, err)
			}
			for _, m := range b.msgs {
				failed[m] = true
			}
			continue
		}
		for _, m := range b.msgs {
			b.apply(m)
		}
		metrics.FlagsSyncedAdd(b.what, len(b.msgs))
	}

	var synced int
	for _, m := range changed {
		if !failed[m] && !skipped[m] {
			synced++
		}
	}
	if len(errs) > 0 {
		return OutcomeError, &PartialError{synced, errors.Join(errs...)}
	}
	if len(skipped) > 0 {
		c.log.Info("flag changes not pushed for messages", mlog.Field("messages", len(skipped)), mlog.Field("mailbox", mb.Name))
	}

	outcome = OutcomeNoChange
	if len(batches) > 0 {
		outcome = OutcomeSuccess
	}
	if expunge {
		mb.reopen |= ExpungeExpected
		c.xexec(0, nil, "EXPUNGE")
		c.finish()
		if o := c.checkOutcome(mb); o != OutcomeNoChange {
			outcome = o
		}
	}
	c.log.Debug("flags synchronized", mlog.Field("messages", synced), mlog.Field("commands", len(batches)))
	return outcome, nil
}

// xcatchFatal calls fn and returns the error of a connection failure raised
// in it. Other panics are passed on.
func (c *Conn) xcatchFatal(fn func()) (err error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if e, ok := x.(fatalError); ok {
			err = e.err
			return
		}
		panic(x)
	}()
	fn()
	return nil
}

// checkKeywords verifies that keywords added locally can be stored.
func (c *Conn) checkKeywords(mb *Mailbox, msgs []*Message) error {
	for _, m := range msgs {
		for _, kw := range m.Keywords {
			if containsFold(m.ServerKeywords, kw) {
				continue
			}
			if !mb.Rights.Has(RightWrite) {
				return fmt.Errorf("%w: %q: no write right on %s", ErrKeyword, kw, mb.Name)
			}
			if !mb.KeywordAllowed(kw) {
				return fmt.Errorf("%w: %q in %s", ErrKeyword, kw, mb.Name)
			}
		}
	}
	return nil
}

// xkeywordBatches enqueues stores for keywords that differ between local and
// server state.
func (c *Conn) xkeywordBatches(msgs []*Message, expunge bool) []storeBatch {
	add := map[string][]*Message{}
	remove := map[string][]*Message{}
	for _, m := range msgs {
		if expunge && m.Flags.Deleted {
			continue
		}
		for _, kw := range m.Keywords {
			if !containsFold(m.ServerKeywords, kw) {
				add[kw] = append(add[kw], m)
			}
		}
		for _, kw := range m.ServerKeywords {
			if !containsFold(m.Keywords, kw) {
				remove[kw] = append(remove[kw], m)
			}
		}
	}

	var batches []storeBatch
	for _, kw := range sortedKeys(add) {
		kw := kw
		batches = append(batches, c.xstoreBatches(add[kw], "+", kw, "keyword", func(m *Message) {
			if !containsFold(m.ServerKeywords, kw) {
				m.ServerKeywords = append(m.ServerKeywords, kw)
			}
		})...)
	}
	for _, kw := range sortedKeys(remove) {
		kw := kw
		batches = append(batches, c.xstoreBatches(remove[kw], "-", kw, "keyword", func(m *Message) {
			m.ServerKeywords = slices.DeleteFunc(m.ServerKeywords, func(s string) bool { return strings.EqualFold(s, kw) })
		})...)
	}
	return batches
}

func sortedKeys(m map[string][]*Message) []string {
	l := maps.Keys(m)
	slices.Sort(l)
	return l
}

// Reupload replaces message m in the selected mailbox with data, for changes
// that cannot be expressed as flags. The new message is appended with the
// local flags and keywords of m, then m is marked deleted on the server. The
// new message shows up as new mail. The UID of the new message is returned if
// the server supports UIDPLUS.
func (c *Conn) Reupload(m *Message, data []byte) (uid uint32, rerr error) {
	defer c.recover(&rerr)
	mb := c.xselectedWritable()
	if mb.Message(m.UID) != m {
		c.xopErrorf("%w: message %d not in selected mailbox", ErrState, m.UID)
	}
	if !mb.Rights.Has(RightInsert | RightDeleteMessage) {
		c.xopErrorf("%w: missing rights for replacing message in %s", ErrReadOnly, mb.Name)
	}

	flags := m.Flags
	flags.Deleted = false
	uid = c.xappend(mb.Name, flags, m.Keywords, m.InternalDate, data, false)

	ns := NumSet{Ranges: []NumRange{{m.UID, m.UID}}}
	c.xexec(0, nil, "UID STORE", ns, Atom("+FLAGS.SILENT"), List{Atom(`\Deleted`)})
	m.Flags.Deleted = true
	m.Server.Deleted = true
	return uid, nil
}
