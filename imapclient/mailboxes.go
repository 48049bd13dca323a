package imapclient

import (
	"strings"
)

// MailboxInfo is a mailbox as returned by LIST or LSUB.
type MailboxInfo struct {
	Name      string
	Delimiter byte     // 0 if the server has no hierarchy.
	Flags     []string // As sent by the server, e.g. `\Noselect`.
}

func (mi MailboxInfo) hasFlag(flag string) bool {
	return containsFold(mi.Flags, flag)
}

// NoSelect returns whether the mailbox cannot be selected, e.g. because it is
// only a level in the hierarchy.
func (mi MailboxInfo) NoSelect() bool {
	return mi.hasFlag(`\Noselect`) || mi.hasFlag(`\NonExistent`)
}

// NoInferiors returns whether the mailbox cannot have children.
func (mi MailboxInfo) NoInferiors() bool {
	return mi.hasFlag(`\NoInferiors`)
}

// HasChildren returns whether the server indicated the mailbox has children.
func (mi MailboxInfo) HasChildren() bool {
	return mi.hasFlag(`\HasChildren`)
}

// Marked returns whether the server marked the mailbox as interesting.
func (mi MailboxInfo) Marked() bool {
	return mi.hasFlag(`\Marked`)
}

// Subscribed returns whether the mailbox is subscribed, only known for LSUB or
// extended LIST responses.
func (mi MailboxInfo) Subscribed() bool {
	return mi.hasFlag(`\Subscribed`)
}

// List returns the mailboxes matching pattern, which may contain the wildcards
// "*" (any characters) and "%" (any characters except the delimiter). With
// subscribed, LSUB is used and only subscribed mailboxes are returned.
func (c *Conn) List(pattern string, subscribed bool) (l []MailboxInfo, rerr error) {
	defer c.recover(&rerr)
	c.xauthenticated()

	verb := "LIST"
	if subscribed {
		verb = "LSUB"
	}
	sink := SinkFunc(func(u Untagged) bool {
		switch x := u.(type) {
		case UntaggedList:
			if subscribed {
				return false
			}
			l = append(l, MailboxInfo{x.Mailbox, x.Separator, x.Flags})
			return true
		case UntaggedLsub:
			if !subscribed {
				return false
			}
			l = append(l, MailboxInfo{x.Mailbox, x.Separator, x.Flags})
			return true
		}
		return false
	})
	c.xexec(0, sink, verb, AString(""), ListPattern(pattern))
	return l, nil
}

// xauthenticated checks the connection is authenticated.
func (c *Conn) xauthenticated() {
	switch c.state {
	case StateAuthenticated, StateSelected, StateIdle:
	default:
		c.xopErrorf("%w: not authenticated, state %s", ErrState, c.state)
	}
}

// xmailboxCommand executes a mailbox management command. A NO result is
// returned as OutcomeError with an *Error.
func (c *Conn) xmailboxCommand(verb string, args ...Arg) Outcome {
	c.xauthenticated()
	c.xexec(0, nil, verb, args...)
	return OutcomeSuccess
}

// Create creates a mailbox. Intermediate levels in the hierarchy are created
// by the server as needed.
func (c *Conn) Create(name string) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	return c.xmailboxCommand("CREATE", MailboxName(name)), nil
}

// Delete removes a mailbox. If it is the selected mailbox, it is unselected
// first.
func (c *Conn) Delete(name string) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	if mb := c.Selected(); mb != nil && normalizeInbox(name) == mb.Name {
		c.xunselect()
	}
	return c.xmailboxCommand("DELETE", MailboxName(name)), nil
}

// Rename renames a mailbox. A selected mailbox keeps its handles, under the
// new name.
func (c *Conn) Rename(from, to string) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	outcome = c.xmailboxCommand("RENAME", MailboxName(from), MailboxName(to))
	if mb := c.Selected(); mb != nil && mb.Name == normalizeInbox(from) && mb.Name != "INBOX" {
		// Renaming INBOX moves its messages to a new mailbox, INBOX stays.
		mb.Name = normalizeInbox(to)
	}
	return outcome, nil
}

// Subscribe adds a mailbox to the subscriptions.
func (c *Conn) Subscribe(name string) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	return c.xmailboxCommand("SUBSCRIBE", MailboxName(name)), nil
}

// Unsubscribe removes a mailbox from the subscriptions.
func (c *Conn) Unsubscribe(name string) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	return c.xmailboxCommand("UNSUBSCRIBE", MailboxName(name)), nil
}

// xunselect leaves the selected mailbox without expunging, with UNSELECT if
// available, otherwise with EXAMINE of the mailbox followed by CLOSE, which
// does not expunge on a read-only mailbox.
func (c *Conn) xunselect() {
	c.xunidle()
	name := c.mailbox.Name
	// Responses are no longer applied to the mailbox.
	c.mailbox = nil
	if c.caps[CapUnselect] {
		c.xexec(0, nil, "UNSELECT")
	} else {
		c.xexec(FailOK, nil, "EXAMINE", MailboxName(name))
		c.xexec(FailOK, nil, "CLOSE")
	}
	c.setState(StateAuthenticated)
}

func normalizeInbox(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}
