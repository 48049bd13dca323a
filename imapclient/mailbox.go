package imapclient

import (
	"fmt"
	"slices"

	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
)

// Mailbox is the selected mailbox of a Conn. It is replaced by a new value
// on each SELECT/EXAMINE, handles of a previous selection are stale.
type Mailbox struct {
	Name           string
	ReadOnly       bool
	Rights         Rights // All rights if the server has no ACL support.
	UIDValidity    uint32
	UIDNext        uint32
	HighestModSeq  uint64
	NoModSeq       bool
	Flags          []string // From FLAGS.
	PermanentFlags []string // From PERMANENTFLAGS, authoritative if present.
	Recent         uint32
	FirstUnseen    uint32 // MSN of first unseen message, from UNSEEN code.

	// Index maps sequence numbers to message handles.
	Index MSNIndex

	uids     map[uint32]*Message
	count    uint32  // Messages announced with EXISTS, adjusted for expunges.
	reopen   Reopen  // Pending changes and whether they may be applied.
	check    Reopen  // Changes applied since the last check, for its outcome.
	expunged []*Message

	stale         bool // UIDVALIDITY changed while selected.
	examine       bool
	rightsSeen    bool
	permanentSeen bool
	readOnlyCode  bool
}

func newMailbox(name string, examine bool) *Mailbox {
	return &Mailbox{Name: name, examine: examine, uids: map[uint32]*Message{}}
}

// Count returns the number of messages in the mailbox according to the
// server.
func (mb *Mailbox) Count() uint32 {
	return mb.count
}

// Messages returns the active messages, in order of sequence number.
func (mb *Mailbox) Messages() []*Message {
	var l []*Message
	for msn := uint32(1); msn <= mb.Index.Highest(); msn++ {
		if m := mb.Index.Get(msn); m != nil && m.Active && !m.expunged {
			l = append(l, m)
		}
	}
	return l
}

// Message returns the active message with uid, or nil.
func (mb *Mailbox) Message(uid uint32) *Message {
	m := mb.uids[uid]
	if m == nil || !m.Active {
		return nil
	}
	return m
}

// AllowReopen sets whether pending expunges and new messages may be applied
// to the message handles. While disallowed, they are recorded and applied
// once allowed again, at the next opportunity.
func (mb *Mailbox) AllowReopen(allow bool) {
	if allow {
		mb.reopen |= ReopenAllow
	} else {
		mb.reopen &^= ReopenAllow
	}
}

// Pending returns the reopen flags, for changes that are not yet applied.
func (mb *Mailbox) Pending() Reopen {
	return mb.reopen
}

// vocabulary returns the flags that can be stored: PERMANENTFLAGS if
// announced, FLAGS otherwise.
func (mb *Mailbox) vocabulary() []string {
	if mb.permanentSeen {
		return mb.PermanentFlags
	}
	return mb.Flags
}

// KeywordAllowed returns whether kw can be stored on messages: the mailbox
// allows new keywords with `\*`, or kw is already known.
func (mb *Mailbox) KeywordAllowed(kw string) bool {
	l := mb.vocabulary()
	return slices.Contains(l, `\*`) || containsFold(l, kw)
}

// Select opens the mailbox read-write, or read-only if the server or the
// rights say so. On failure, the state is authenticated and ErrOpenFailed is
// returned.
func (c *Conn) Select(name string) (*Mailbox, error) {
	return c.open(name, false)
}

// Examine opens the mailbox read-only.
func (c *Conn) Examine(name string) (*Mailbox, error) {
	return c.open(name, true)
}

func (c *Conn) open(name string, examine bool) (rmb *Mailbox, rerr error) {
	defer c.recover(&rerr)
	c.xunidle()
	if c.state != StateAuthenticated && c.state != StateSelected {
		c.xopErrorf("%w: select in state %s", ErrState, c.state)
	}
	name = normalizeInbox(name)

	mb := newMailbox(name, examine)
	err := func() (rerr error) {
		defer c.recover(&rerr)
		c.xselect(mb)
		return nil
	}()
	if err != nil {
		if c.state != StateDisconnected {
			c.mailbox = nil
			if c.state == StateSelected {
				c.setState(StateAuthenticated)
			}
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrOpenFailed, name, err)
	}
	return mb, nil
}

func (c *Conn) xselect(mb *Mailbox) {
	// Responses during SELECT apply to the new mailbox.
	c.mailbox = mb

	if c.caps[CapACL] {
		c.xenqueue(&Command{Verb: "MYRIGHTS", Args: []Arg{MailboxName(mb.Name)}, Flags: FailOK})
	}
	verb := "SELECT"
	if mb.examine {
		verb = "EXAMINE"
	}
	args := []Arg{MailboxName(mb.Name)}
	if c.caps[CapCondstore] {
		args = append(args, List{Atom("CONDSTORE")})
	}
	c.xexec(0, nil, verb, args...)
	c.setState(StateSelected)

	if !mb.rightsSeen {
		mb.Rights = RightsAll
	}
	writable := RightDeleteMessage | RightSeen | RightWrite | RightInsert
	mb.ReadOnly = mb.examine || mb.readOnlyCode || mb.Rights&writable == 0

	if hc := c.opts.HeaderCache; hc != nil {
		st, err := hc.State(c.ctx, mb.Name)
		if err != nil {
			c.log.Errorx("reading header cache state", err, mlog.Field("mailbox", mb.Name))
		} else if st.UIDValidity != 0 && st.UIDValidity != mb.UIDValidity {
			c.log.Info("uidvalidity changed, invalidating caches", mlog.Field("mailbox", mb.Name), mlog.Field("cached", st.UIDValidity), mlog.Field("uidvalidity", mb.UIDValidity))
			metrics.UIDValidityChangeInc()
			c.invalidateCaches(mb.Name)
		}
	} else if bc := c.opts.BodyCache; bc != nil {
		if e := c.Status.Get(mb.Name); e != nil && e.UIDValidity != 0 && e.UIDValidity != mb.UIDValidity {
			metrics.UIDValidityChangeInc()
			c.invalidateCaches(mb.Name)
		}
	}

	if mb.count > 0 {
		c.xreadHeaders(mb, 1, mb.count, true)
	}
	// Expunges during the open need no reopen by the application, it has not
	// seen the messages yet.
	c.purgeExpunged(mb)
	mb.reopen &^= ExpungePending
	mb.reopen |= ReopenAllow
	mb.check = 0
	c.Status.opened(mb)
	c.log.Debug("mailbox opened", mlog.Field("mailbox", mb.Name), mlog.Field("messages", mb.count), mlog.Field("readonly", mb.ReadOnly), mlog.Field("rights", mb.Rights))
}

func (c *Conn) invalidateCaches(name string) {
	if hc := c.opts.HeaderCache; hc != nil {
		err := hc.Invalidate(c.ctx, name)
		c.log.Check(err, "invalidating header cache", mlog.Field("mailbox", name))
	}
	if bc := c.opts.BodyCache; bc != nil {
		err := bc.Invalidate(name)
		c.log.Check(err, "invalidating body cache", mlog.Field("mailbox", name))
	}
}

// xreadHeaders fetches messages begin through end and adds them to the index.
// With initial set and a header cache with matching UIDVALIDITY, only UID and
// flags are fetched for messages in the cache.
func (c *Conn) xreadHeaders(mb *Mailbox, begin, end uint32, initial bool) {
	if end < begin {
		return
	}
	mb.Index.Reserve(end)
	mb.reopen &^= ReopenAllow | NewMailPending

	hc := c.opts.HeaderCache
	var maxUID uint32
	install := func(f UntaggedFetch, h *CachedHeader) {
		if c.installMessage(mb, f, h) && f.UID > maxUID {
			maxUID = f.UID
		}
	}

	if hc != nil && initial {
		st, err := hc.State(c.ctx, mb.Name)
		if err != nil {
			c.log.Errorx("reading header cache state", err)
		} else if st.UIDValidity != 0 && st.UIDValidity == mb.UIDValidity {
			sink := SinkFunc(func(u Untagged) bool {
				f, ok := u.(UntaggedFetch)
				if !ok || f.UID == 0 || f.Seq < begin || f.Seq > end || mb.Index.Get(f.Seq) != nil {
					return false
				}
				h, err := hc.Get(c.ctx, mb.Name, mb.UIDValidity, f.UID)
				if err != nil {
					c.log.Errorx("reading header from cache", err, mlog.Field("uid", f.UID))
				} else if h != nil {
					install(f, h)
				}
				return true
			})
			ns := NumSet{Ranges: []NumRange{{begin, end}}}
			c.xexec(0, sink, "FETCH", ns, List{Atom("UID"), Atom("FLAGS")})
		}
	}

	var missing []uint32
	for msn := begin; msn <= end; msn++ {
		if mb.Index.Get(msn) == nil {
			missing = append(missing, msn)
		}
	}
	if len(missing) > 0 {
		sink := SinkFunc(func(u Untagged) bool {
			f, ok := u.(UntaggedFetch)
			if !ok || f.UID == 0 || f.Seq < begin || f.Seq > end || mb.Index.Get(f.Seq) != nil {
				return false
			}
			install(f, nil)
			return true
		})
		attrs := List{Atom("UID"), Atom("FLAGS"), Atom("RFC822.SIZE"), Atom("INTERNALDATE"), Atom("BODY.PEEK[HEADER]")}
		var cmds []*Command
		for _, ns := range splitNumSet(CompactUIDs(missing), c.lineBudget) {
			cmd := &Command{Verb: "FETCH", Args: []Arg{ns, attrs}, Sink: sink, Flags: TraceData}
			c.xenqueue(cmd)
			cmds = append(cmds, cmd)
		}
		for _, cmd := range cmds {
			c.xdrain(cmd)
			if err := cmd.Err(); err != nil {
				panic(opError{err})
			}
		}
	}

	if maxUID > 0 && mb.UIDNext < maxUID+1 {
		c.log.Debug("overriding uidnext", mlog.Field("uidnext", mb.UIDNext), mlog.Field("new", maxUID+1))
		mb.UIDNext = maxUID + 1
	}
	if hc != nil {
		st := CacheState{mb.UIDValidity, mb.UIDNext, mb.HighestModSeq, IndexUIDSet(&mb.Index)}
		err := hc.SetState(c.ctx, mb.Name, st)
		c.log.Check(err, "storing header cache state", mlog.Field("mailbox", mb.Name))
	}
	mb.reopen |= ReopenAllow
}

// installMessage adds a message from a FETCH response to the index. Data
// from the cache is used for fields not in the response. Returns whether the
// message was added.
func (c *Conn) installMessage(mb *Mailbox, f UntaggedFetch, h *CachedHeader) bool {
	if old := mb.uids[f.UID]; old != nil && old.Active && !old.expunged {
		c.log.Error("duplicate uid in fetch, ignored", mlog.Field("uid", f.UID), mlog.Field("msn", f.Seq))
		return false
	}
	m := &Message{
		UID:          f.UID,
		Active:       true,
		Size:         f.Size,
		InternalDate: f.InternalDate,
		ModSeq:       f.ModSeq,
	}
	header := f.Header
	flagList := f.Flags
	if h != nil {
		m.Size = h.Size
		m.InternalDate = h.InternalDate
		header = h.Header
		if !f.HasFlags {
			flagList = h.Flags
		}
	}
	m.Flags, m.Keywords = parseFlags(flagList)
	m.Server, m.ServerKeywords = m.Flags, slices.Clone(m.Keywords)

	if p := c.opts.HeaderParser; p != nil && header != nil {
		meta, err := p.ParseHeader(m.UID, header)
		if err != nil {
			c.log.Debugx("parsing message header", err, mlog.Field("uid", m.UID))
		}
		m.Meta = meta
	}

	mb.Index.Set(f.Seq, m)
	mb.uids[m.UID] = m

	if hc := c.opts.HeaderCache; hc != nil {
		ch := CachedHeader{m.UID, flagList, m.Size, m.InternalDate, header}
		err := hc.Put(c.ctx, mb.Name, mb.UIDValidity, ch)
		c.log.Check(err, "storing header in cache", mlog.Field("uid", m.UID))
	}
	return true
}

// CloseMailbox closes the selected mailbox with CLOSE, which expunges
// messages marked deleted. For read-only mailboxes UNSELECT is used if
// available, it does not expunge.
func (c *Conn) CloseMailbox() (rerr error) {
	defer c.recover(&rerr)
	c.xunidle()
	mb := c.mailbox
	if mb == nil || c.state != StateSelected {
		c.xopErrorf("%w: no mailbox selected", ErrState)
	}
	mb.reopen |= ExpungeExpected
	if mb.ReadOnly && c.caps[CapUnselect] {
		c.xexec(0, nil, "UNSELECT")
	} else {
		c.xexec(0, nil, "CLOSE")
	}
	c.mailbox = nil
	c.setState(StateAuthenticated)
	return nil
}

// Unselect closes the selected mailbox without expunging messages.
func (c *Conn) Unselect() (rerr error) {
	defer c.recover(&rerr)
	if c.Selected() == nil {
		c.xopErrorf("%w: no mailbox selected", ErrState)
	}
	c.xunselect()
	return nil
}

// Expunge removes messages marked deleted from the selected mailbox. The
// handles of removed messages are deactivated.
func (c *Conn) Expunge() (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	mb := c.xselectedWritable()
	before := mb.Index.Highest()
	mb.reopen |= ExpungeExpected
	c.xexec(0, nil, "EXPUNGE")
	c.finish()
	o := c.checkOutcome(mb)
	if o == OutcomeNoChange && mb.Index.Highest() < before {
		o = OutcomeSuccess
	}
	return o, nil
}

// xselectedWritable returns the selected mailbox, which must be writable.
func (c *Conn) xselectedWritable() *Mailbox {
	c.xunidle()
	mb := c.mailbox
	if mb == nil || c.state != StateSelected {
		c.xopErrorf("%w: no mailbox selected", ErrState)
	}
	c.xcheckStale(mb)
	if mb.ReadOnly {
		c.xopErrorf("%w: %s", ErrReadOnly, mb.Name)
	}
	return mb
}

// xcheckStale unselects mb and fails the operation with ErrUIDValidity if
// the UIDVALIDITY of mb changed while selected.
func (c *Conn) xcheckStale(mb *Mailbox) {
	if !mb.stale {
		return
	}
	c.xunselect()
	c.xopErrorf("%w: %s, mailbox must be selected again", ErrUIDValidity, mb.Name)
}

// checkOutcome returns the outcome for the changes applied since the last
// check, and resets them.
func (c *Conn) checkOutcome(mb *Mailbox) Outcome {
	o := OutcomeNoChange
	switch {
	case mb.check&ExpungePending != 0:
		o = OutcomeReopened
	case mb.check&NewMailPending != 0:
		o = OutcomeNewMail
	case mb.check&FlagsPending != 0:
		o = OutcomeSuccess
	}
	mb.check = 0
	return o
}
