package imapclient

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"golang.org/x/exp/maps"

	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
)

// MailboxStatus is the last known status of a mailbox, from STATUS responses
// or from selecting it.
type MailboxStatus struct {
	Name          string
	UIDValidity   uint32
	UIDNext       uint32
	Messages      uint32
	Recent        uint32
	Unseen        uint32
	HighestModSeq uint64

	// NewMail is set when a STATUS indicated new messages. It stays set until
	// the mailbox is selected.
	NewMail bool
	Checked time.Time
}

// StatusCache holds the status of mailboxes for a single session.
type StatusCache struct {
	checkRecent bool
	mailboxes   map[string]*MailboxStatus
}

// NewStatusCache returns an empty cache. With checkRecent, the first STATUS
// for a mailbox in a session uses the RECENT count to detect new mail instead
// of the UNSEEN count.
func NewStatusCache(checkRecent bool) *StatusCache {
	return &StatusCache{checkRecent, map[string]*MailboxStatus{}}
}

// Get returns the status of a mailbox, or nil if not known. The returned
// value must not be modified.
func (sc *StatusCache) Get(name string) *MailboxStatus {
	return sc.mailboxes[name]
}

// Names returns the names of mailboxes with a known status, sorted.
func (sc *StatusCache) Names() []string {
	l := maps.Keys(sc.mailboxes)
	slices.Sort(l)
	return l
}

func (sc *StatusCache) entry(name string) *MailboxStatus {
	e := sc.mailboxes[name]
	if e == nil {
		e = &MailboxStatus{Name: name}
		sc.mailboxes[name] = e
	}
	return e
}

// update applies a STATUS response and determines whether the mailbox has
// new mail.
func (sc *StatusCache) update(u UntaggedStatus, log *mlog.Log) {
	e := sc.entry(u.Mailbox)
	olduv, oldun := e.UIDValidity, e.UIDNext

	for k, v := range u.Attrs {
		switch k {
		case StatusUIDValidity:
			e.UIDValidity = uint32(v)
		case StatusUIDNext:
			e.UIDNext = uint32(v)
		case StatusMessages:
			e.Messages = uint32(v)
		case StatusRecent:
			e.Recent = uint32(v)
		case StatusUnseen:
			e.Unseen = uint32(v)
		case StatusHighestModSeq:
			e.HighestModSeq = v
		}
	}
	e.Checked = time.Now()

	var newMail bool
	switch {
	case !sc.checkRecent:
		newMail = e.Unseen > 0
	case olduv != 0 && olduv == e.UIDValidity:
		newMail = oldun < e.UIDNext && e.Unseen > 0
	case olduv == 0 && oldun == 0:
		// First check in this session.
		newMail = e.Recent > 0
	default:
		newMail = e.Unseen > 0
	}
	e.NewMail = newMail
	if newMail {
		// Keep detecting new mail until the mailbox is opened.
		e.UIDNext = oldun
		metrics.StatusPollInc("newmail")
	} else {
		metrics.StatusPollInc("ok")
	}
	log.Debug("mailbox status", mlog.Field("mailbox", e.Name), mlog.Field("uidvalidity", e.UIDValidity), mlog.Field("uidnext", e.UIDNext), mlog.Field("messages", e.Messages), mlog.Field("unseen", e.Unseen), mlog.Field("newmail", newMail))
}

// opened records the state of a just selected mailbox.
func (sc *StatusCache) opened(mb *Mailbox) {
	e := sc.entry(mb.Name)
	e.UIDValidity = mb.UIDValidity
	e.UIDNext = mb.UIDNext
	e.Messages = mb.count
	e.Recent = mb.Recent
	e.HighestModSeq = mb.HighestModSeq
	e.NewMail = false
	e.Checked = time.Now()
}

// xqueueStatus enqueues a STATUS command for the mailbox, unless it is the
// selected mailbox, which is kept up to date by other means. Returns nil if
// no command was enqueued.
func (c *Conn) xqueueStatus(name string) *Command {
	if mb := c.Selected(); mb != nil && mb.Name == name {
		return nil
	}
	if c.state != StateAuthenticated && c.state != StateSelected && c.state != StateIdle {
		c.xopErrorf("%w: status in state %s", ErrState, c.state)
	}
	uidvalidity := Atom("UIDVALIDITY")
	switch {
	case c.caps[CapIMAP4rev1]:
	case c.caps[CapStatus]:
		uidvalidity = "UID-VALIDITY"
	default:
		c.xopErrorf("%w: status", ErrUnsupported)
	}
	attrs := List{Atom("UIDNEXT"), uidvalidity, Atom("UNSEEN"), Atom("RECENT"), Atom("MESSAGES")}
	cmd := &Command{Verb: "STATUS", Args: []Arg{MailboxName(name), attrs}}
	c.xenqueue(cmd)
	return cmd
}

// MailboxStatus requests the status of a mailbox. For the selected mailbox,
// no command is sent and the status from selecting it is returned.
func (c *Conn) MailboxStatus(name string) (st MailboxStatus, rerr error) {
	defer c.recover(&rerr)
	if mb := c.Selected(); mb != nil && mb.Name == name {
		c.Status.opened(mb)
	} else if cmd := c.xqueueStatus(name); cmd != nil {
		c.xdrain(cmd)
		if err := cmd.Err(); err != nil {
			metrics.StatusPollInc("error")
			return MailboxStatus{}, err
		}
	}
	if e := c.Status.Get(name); e != nil {
		return *e, nil
	}
	return MailboxStatus{}, fmt.Errorf("%w: no status for mailbox %q", ErrProtocol, name)
}

// QueueStatus enqueues a STATUS command without waiting for the result. Use
// Drain to process the responses, after which the StatusCache has the
// results.
func (c *Conn) QueueStatus(name string) (rerr error) {
	defer c.recover(&rerr)
	c.xqueueStatus(name)
	return nil
}

// Flush writes buffered commands to the server.
func (c *Conn) Flush() (rerr error) {
	defer c.recover(&rerr)
	c.xflush()
	return nil
}

// Session is a connection in a Registry, with the mailboxes to poll.
type Session struct {
	Name      string
	Conn      *Conn
	Mailboxes []string
}

// Registry holds the sessions of an application, for polling their mailboxes
// for new mail. A Registry must not be used concurrently.
type Registry struct {
	sessions []*Session
}

// Add registers a session, replacing one with the same name.
func (r *Registry) Add(s *Session) {
	r.Remove(s.Name)
	r.sessions = append(r.sessions, s)
}

// Remove unregisters a session.
func (r *Registry) Remove(name string) {
	r.sessions = slices.DeleteFunc(r.sessions, func(s *Session) bool { return s.Name == name })
}

// Sessions returns the registered sessions.
func (r *Registry) Sessions() []*Session {
	return r.sessions
}

// NewMail identifies a mailbox with new mail.
type NewMail struct {
	Session string
	Status  MailboxStatus
}

// Poll requests the status of all mailboxes of all sessions. All STATUS
// commands of a session are pipelined: they are enqueued for all sessions
// first, then each session is flushed, and only then are the responses read.
// Sessions that fail are skipped. A failed STATUS for a single mailbox does
// not affect the others. Errors are returned joined.
func (r *Registry) Poll() ([]NewMail, error) {
	var errs []error
	failed := map[*Session]bool{}
	fail := func(s *Session, err error) {
		failed[s] = true
		metrics.StatusPollInc("error")
		errs = append(errs, fmt.Errorf("session %s: %w", s.Name, err))
	}

	type pending struct {
		name string
		cmd  *Command
	}
	cmds := map[*Session][]pending{}
	for _, s := range r.sessions {
		if s.Conn.State() == StateDisconnected {
			fail(s, fmt.Errorf("%w: not connected", ErrTransport))
			continue
		}
		c := s.Conn
		err := func() (rerr error) {
			defer c.recover(&rerr)
			for _, name := range s.Mailboxes {
				if cmd := c.xqueueStatus(name); cmd != nil {
					cmds[s] = append(cmds[s], pending{name, cmd})
				}
			}
			return nil
		}()
		if err != nil {
			fail(s, err)
		}
	}
	for _, s := range r.sessions {
		// Without commands, a session in IDLE stays in IDLE.
		if failed[s] || len(cmds[s]) == 0 {
			continue
		}
		if err := s.Conn.Flush(); err != nil {
			fail(s, err)
		}
	}
	var l []NewMail
	for _, s := range r.sessions {
		if failed[s] || len(cmds[s]) == 0 {
			continue
		}
		if err := s.Conn.Drain(nil); err != nil {
			fail(s, err)
			continue
		}
		for _, p := range cmds[s] {
			if err := p.cmd.Err(); err != nil {
				metrics.StatusPollInc("error")
				errs = append(errs, fmt.Errorf("session %s: mailbox %s: %w", s.Name, p.name, err))
			}
		}
		for _, name := range s.Mailboxes {
			if e := s.Conn.Status.Get(name); e != nil && e.NewMail {
				l = append(l, NewMail{s.Name, *e})
			}
		}
	}
	return l, errors.Join(errs...)
}
