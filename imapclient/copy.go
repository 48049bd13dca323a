package imapclient

import (
	"fmt"
	"strings"
	"time"

	"github.com/mjl-/imapsync/mlog"
)

// copyState is the state of a copy, move or append that may need to create
// its destination mailbox. There is a single retry after creating.
type copyState int

const (
	copyAttempt copyState = iota
	copyNeedsCreate
	copyRetried
	copyDone
	copyFailed
)

func (s copyState) String() string {
	return [...]string{"attempt", "needscreate", "retried", "done", "failed"}[s]
}

// nextCopyState returns the state after an attempt with result r. A NO with
// TRYCREATE on the first attempt leads to creating the mailbox, if allowed.
func nextCopyState(s copyState, r Result, create bool) copyState {
	switch s {
	case copyAttempt:
		if r.Status == OK {
			return copyDone
		}
		if r.Status == NO && r.Code == CodeWord("TRYCREATE") && create {
			return copyNeedsCreate
		}
		return copyFailed
	case copyNeedsCreate:
		if r.Status == OK {
			return copyRetried
		}
		return copyFailed
	case copyRetried:
		if r.Status == OK {
			return copyDone
		}
		return copyFailed
	}
	return s
}

// xtryCreate runs attempt, creating dest and retrying once on TRYCREATE. The
// result of the last command is returned.
func (c *Conn) xtryCreate(dest string, create bool, attempt func() Result) Result {
	state := copyAttempt
	var r Result
	for {
		switch state {
		case copyAttempt, copyRetried:
			r = attempt()
		case copyNeedsCreate:
			c.log.Debug("creating destination mailbox", mlog.Field("mailbox", dest))
			r = c.xexec(FailOK, nil, "CREATE", MailboxName(dest))
		case copyDone, copyFailed:
			return r
		}
		next := nextCopyState(state, r, create)
		c.log.Debug("copy state", mlog.Field("from", state), mlog.Field("to", next), mlog.Field("result", r))
		state = next
	}
}

// xuidBatches enqueues verb with UID sets for msgs, split on the line budget,
// with args appended, and drains them. The first failing result is returned,
// or the last result.
func (c *Conn) xuidBatches(verb string, msgs []*Message, args ...Arg) Result {
	uids := make([]uint32, len(msgs))
	for i, m := range msgs {
		uids[i] = m.UID
	}
	var cmds []*Command
	for _, ns := range splitNumSet(CompactUIDs(uids), c.lineBudget) {
		cmd := &Command{Verb: verb, Args: append([]Arg{ns}, args...), Flags: FailOK}
		c.xenqueue(cmd)
		cmds = append(cmds, cmd)
	}
	r := Result{Status: OK}
	for _, cmd := range cmds {
		c.xdrain(cmd)
		if cmd.err != nil {
			c.xopErrorf("%s: %w", verb, cmd.err)
		}
		if r.Status == OK {
			r = cmd.Result
		}
	}
	return r
}

// Copy copies messages of the selected mailbox to dest. If dest does not
// exist and create is set, it is created and the copy retried once.
func (c *Conn) Copy(msgs []*Message, dest string, create bool) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	c.xcopy(msgs, dest, create, false)
	return OutcomeSuccess, nil
}

// Move moves messages of the selected mailbox to dest. With the MOVE
// extension UID MOVE is used, otherwise the messages are copied and marked
// deleted, to be expunged later.
func (c *Conn) Move(msgs []*Message, dest string, create bool) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	mb := c.xselectedWritable()
	if !c.caps[CapMove] {
		c.xcopy(msgs, dest, create, false)
		for _, m := range msgs {
			m.Flags.Deleted = true
		}
		c.xstoreDeleted(msgs)
		return OutcomeSuccess, nil
	}
	mb.reopen |= ExpungeExpected
	c.xcopy(msgs, dest, create, true)
	c.finish()
	if o := c.checkOutcome(mb); o != OutcomeNoChange {
		return o, nil
	}
	return OutcomeSuccess, nil
}

func (c *Conn) xcopy(msgs []*Message, dest string, create, move bool) {
	mb := c.Selected()
	if mb == nil {
		c.xopErrorf("%w: no mailbox selected", ErrState)
	}
	c.xunidle()
	if len(msgs) == 0 {
		return
	}
	if mb.Name == dest {
		c.xopErrorf("%w: source and destination mailbox are the same", ErrState)
	}
	verb := "UID COPY"
	if move {
		verb = "UID MOVE"
	}
	r := c.xtryCreate(dest, create, func() Result {
		return c.xuidBatches(verb, msgs, MailboxName(dest))
	})
	if r.Status != OK {
		panic(opError{&Error{verb, r}})
	}
}

// xstoreDeleted pushes the \Deleted flag for msgs, for which it must be set
// locally.
func (c *Conn) xstoreDeleted(msgs []*Message) {
	for _, b := range c.xstoreBatches(msgs, "+", `\Deleted`, "deleted", func(m *Message) { m.Server.Deleted = true }) {
		c.xdrain(b.cmd)
		if err := b.cmd.Err(); err != nil {
			panic(opError{err})
		}
		for _, m := range b.msgs {
			b.apply(m)
		}
	}
}

// Trash copies the messages marked deleted locally to the trash mailbox,
// before they are expunged. The trash mailbox is created if needed. Nothing
// is done if the selected mailbox is the trash mailbox.
func (c *Conn) Trash(trash string) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	mb := c.xselectedWritable()
	if strings.EqualFold(trash, "INBOX") {
		trash = "INBOX"
	}
	if mb.Name == trash {
		return OutcomeNoChange, nil
	}
	var l []*Message
	for _, m := range mb.Messages() {
		if m.Flags.Deleted {
			l = append(l, m)
		}
	}
	if len(l) == 0 {
		return OutcomeNoChange, nil
	}
	c.xcopy(l, trash, true, false)
	c.log.Debug("messages copied to trash", mlog.Field("count", len(l)), mlog.Field("trash", trash))
	return OutcomeSuccess, nil
}

// Append adds a message to mailbox, creating it if needed with create. The
// UID of the new message is returned if the server supports UIDPLUS,
// otherwise 0.
func (c *Conn) Append(mailbox string, flags Flags, keywords []string, date time.Time, data []byte, create bool) (uid uint32, rerr error) {
	defer c.recover(&rerr)
	return c.xappend(mailbox, flags, keywords, date, data, create), nil
}

func (c *Conn) xappend(mailbox string, flags Flags, keywords []string, date time.Time, data []byte, create bool) uint32 {
	if c.state != StateAuthenticated && c.state != StateSelected && c.state != StateIdle {
		c.xopErrorf("%w: append in state %s", ErrState, c.state)
	}
	var fl List
	for _, f := range flags.List() {
		fl = append(fl, Atom(f))
	}
	for _, kw := range keywords {
		fl = append(fl, Atom(kw))
	}
	args := []Arg{MailboxName(mailbox), fl}
	if !date.IsZero() {
		args = append(args, AString(date.Format(internalDateLayout)))
	}
	args = append(args, Literal(data))

	var uid uint32
	r := c.xtryCreate(mailbox, create, func() Result {
		cmd := &Command{Verb: "APPEND", Args: args, Flags: FailOK | TraceData}
		c.xenqueue(cmd)
		c.xdrain(cmd)
		if cmd.err != nil {
			c.xopErrorf("append: %w", cmd.err)
		}
		if x, ok := cmd.Result.Code.(CodeAppendUID); ok {
			uid = x.UID
		}
		return cmd.Result
	})
	if r.Status != OK {
		panic(opError{fmt.Errorf("append to %s: %w", mailbox, &Error{"APPEND", r})})
	}
	return uid
}
