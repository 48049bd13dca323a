package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"mime"
	"net/mail"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mjl-/imapsync/imapclient"
	"github.com/mjl-/imapsync/mlog"
	"github.com/mjl-/imapsync/moxio"
)

func xopenSession(name string, useCaches bool) *session {
	name, acc := xaccount(name)
	s, err := openSession(ctxbg, name, acc, useCaches, nil)
	xcheckf(err, "connecting to account %s", name)
	return s
}

func cmdCheck(c *cmd) {
	c.params = "[-account name]"
	c.help = `Connect to the IMAP server of an account and authenticate.

Prints the TLS connection details, the capabilities of the server, the hierarchy
delimiter and the server identification. No caches are used.
`
	var account string
	c.flag.StringVar(&account, "account", "", "account to check, can be left out with a single configured account")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	s := xopenSession(account, false)
	defer s.Close()

	fmt.Printf("state: %s\n", s.conn.State())
	if cs := s.conn.TLSConnectionState(); cs != nil {
		version, ciphersuite := moxio.TLSInfo(*cs)
		fmt.Printf("tls: %s, %s\n", version, ciphersuite)
	} else {
		fmt.Printf("tls: none\n")
	}
	var caps []string
	for _, cp := range s.conn.Capabilities() {
		caps = append(caps, string(cp))
	}
	fmt.Printf("capabilities: %s\n", strings.Join(caps, " "))
	if s.conn.Delimiter != 0 {
		fmt.Printf("delimiter: %c\n", s.conn.Delimiter)
	}
	for k, v := range s.conn.ServerID {
		fmt.Printf("id %s: %s\n", k, v)
	}
}

func cmdList(c *cmd) {
	c.params = "[-account name] [-subscribed] [pattern]"
	c.help = `List mailboxes of an account.

The pattern can contain wildcards: * for any characters, % for any characters
except the hierarchy delimiter. The default pattern is *.
`
	var account string
	var subscribed bool
	c.flag.StringVar(&account, "account", "", "account, can be left out with a single configured account")
	c.flag.BoolVar(&subscribed, "subscribed", false, "only list subscribed mailboxes, with LSUB")
	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}
	pattern := "*"
	if len(args) == 1 {
		pattern = args[0]
	}
	mustLoadConfig()

	s := xopenSession(account, false)
	defer s.Close()

	l, err := s.conn.List(pattern, subscribed)
	xcheckf(err, "listing mailboxes")
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	for _, mi := range l {
		var attrs []string
		if mi.NoSelect() {
			attrs = append(attrs, "noselect")
		}
		if mi.HasChildren() {
			attrs = append(attrs, "children")
		}
		if mi.Marked() {
			attrs = append(attrs, "marked")
		}
		if mi.Subscribed() {
			attrs = append(attrs, "subscribed")
		}
		fmt.Fprintf(tw, "%s\t%s\n", mi.Name, strings.Join(attrs, ","))
	}
	err = tw.Flush()
	xcheckf(err, "write")
}

func cmdStatus(c *cmd) {
	c.params = "[-account name] [mailbox ...]"
	c.help = `Print the status of mailboxes.

Without account and mailboxes, the configured mailboxes of all accounts are
checked, with all STATUS commands pipelined. With an account but without
mailboxes, the configured mailboxes of that account are checked.
`
	var account string
	c.flag.StringVar(&account, "account", "", "account, all accounts if empty and no mailboxes are given")
	args := c.Parse()
	mustLoadConfig()

	names := conf.AccountNames()
	if account != "" || len(args) > 0 {
		name, _ := xaccount(account)
		names = []string{name}
	}

	var reg imapclient.Registry
	for _, name := range names {
		s := xopenSession(name, false)
		defer s.Close()
		mailboxes := s.acc.Mailboxes
		if len(args) > 0 {
			mailboxes = args
		}
		reg.Add(&imapclient.Session{Name: name, Conn: s.conn, Mailboxes: mailboxes})
	}
	_, err := reg.Poll()
	if err != nil {
		log.Printf("errors: %v", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "account\tmailbox\tmessages\tunseen\tuidnext\tuidvalidity\tnew\n")
	for _, sess := range reg.Sessions() {
		for _, mbname := range sess.Mailboxes {
			st := sess.Conn.Status.Get(mbname)
			if st == nil {
				continue
			}
			var newMail string
			if st.NewMail {
				newMail = "yes"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", sess.Name, st.Name, st.Messages, st.Unseen, st.UIDNext, st.UIDValidity, newMail)
		}
	}
	err = tw.Flush()
	xcheckf(err, "write")
}

// envelope is parsed from a message header, for listing messages.
type envelope struct {
	From    string
	Subject string
	Date    time.Time
}

var wordDecoder = mime.WordDecoder{}

// parseEnvelope is a HeaderParser extracting the fields for listings. Errors
// in the header are not fatal, the fields that could be parsed are returned.
func parseEnvelope(uid uint32, header []byte) (any, error) {
	msg, err := mail.ReadMessage(bufio.NewReader(bytes.NewReader(append(header, "\r\n"...))))
	if err != nil {
		return envelope{}, fmt.Errorf("parsing header of message %d: %v", uid, err)
	}
	var env envelope
	h := msg.Header
	if s, err := wordDecoder.DecodeHeader(h.Get("Subject")); err == nil {
		env.Subject = s
	} else {
		env.Subject = h.Get("Subject")
	}
	if l, err := h.AddressList("From"); err == nil && len(l) > 0 {
		env.From = l[0].Address
		if l[0].Name != "" {
			env.From = l[0].Name
		}
	} else {
		env.From = h.Get("From")
	}
	if t, err := h.Date(); err == nil {
		env.Date = t
	}
	return env, nil
}

func flagString(f imapclient.Flags, keywords []string) string {
	var l []string
	if f.Read {
		l = append(l, "read")
	}
	if f.Old {
		l = append(l, "old")
	}
	if f.Flagged {
		l = append(l, "flagged")
	}
	if f.Replied {
		l = append(l, "replied")
	}
	if f.Deleted {
		l = append(l, "deleted")
	}
	l = append(l, keywords...)
	return strings.Join(l, ",")
}

func cmdSync(c *cmd) {
	c.params = "[-account name] [flags] mailbox"
	c.help = `Open a mailbox, synchronizing the header cache, and optionally change it.

Headers of messages not yet in the header cache are fetched, for other messages
only the flags are fetched. With -bodies, full messages not yet in the message
cache are fetched into it.

Flags can be changed for all messages with -markread, -markold and -delete.
Changes are pushed to the server in batches. With -delete, messages are first
copied to the configured Trash mailbox of the account, if any, and then
expunged.
`
	var account string
	var examine, listMessages, bodies, markRead, markOld, del bool
	c.flag.StringVar(&account, "account", "", "account, can be left out with a single configured account")
	c.flag.BoolVar(&examine, "examine", false, "open read-only with EXAMINE")
	c.flag.BoolVar(&listMessages, "list", false, "print a line for each message")
	c.flag.BoolVar(&bodies, "bodies", false, "fetch full messages into the message cache")
	c.flag.BoolVar(&markRead, "markread", false, "mark all messages read")
	c.flag.BoolVar(&markOld, "markold", false, "mark all messages old")
	c.flag.BoolVar(&del, "delete", false, "delete all messages, after copying them to trash")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mbname := args[0]
	mustLoadConfig()

	name, acc := xaccount(account)
	// Messages get their envelope as metadata.
	s, err := openSession(ctxbg, name, acc, true, imapclient.HeaderParserFunc(parseEnvelope))
	xcheckf(err, "connecting to account %s", name)
	defer s.Close()

	start := time.Now()
	var mb *imapclient.Mailbox
	if examine {
		mb, err = s.conn.Examine(mbname)
	} else {
		mb, err = s.conn.Select(mbname)
	}
	xcheckf(err, "opening mailbox")
	msgs := mb.Messages()
	s.log.Debug("mailbox opened", mlog.Field("mailbox", mbname), mlog.Field("messages", len(msgs)), mlog.Field("duration", time.Since(start)))
	fmt.Printf("%s: %d messages, uidvalidity %d, uidnext %d\n", mb.Name, len(msgs), mb.UIDValidity, mb.UIDNext)

	if listMessages {
		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
		for _, m := range msgs {
			var env envelope
			if m.Meta != nil {
				env = m.Meta.(envelope)
			}
			date := env.Date
			if date.IsZero() {
				date = m.InternalDate
			}
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\n", m.UID, date.Format("2006-01-02 15:04"), m.Size, flagString(m.Flags, m.Keywords), env.From, env.Subject)
		}
		err = tw.Flush()
		xcheckf(err, "write")
	}

	if bodies {
		var n int64
		for _, m := range msgs {
			buf, err := s.conn.FetchBody(m)
			xcheckf(err, "fetching message %d", m.UID)
			n += int64(len(buf))
		}
		fmt.Printf("%d messages, %d bytes\n", len(msgs), n)
	}

	if markRead || markOld || del {
		for _, m := range msgs {
			if markRead {
				m.Flags.Read = true
			}
			if markOld {
				m.Flags.Old = true
			}
			if del {
				m.Flags.Deleted = true
			}
		}
		if del && acc.Trash != "" {
			_, err := s.conn.Trash(acc.Trash)
			xcheckf(err, "copying messages to trash")
		}
		outcome, err := s.conn.SyncFlags(del)
		if perr, ok := err.(*imapclient.PartialError); ok {
			log.Fatalf("flags of %d messages synchronized before error: %v", perr.Synced, perr.Err)
		}
		xcheckf(err, "synchronizing flags")
		fmt.Printf("flags synchronized: %s\n", outcome)
	}

	if examine {
		err = s.conn.Unselect()
		xcheckf(err, "unselect")
	} else {
		err = s.conn.CloseMailbox()
		xcheckf(err, "close mailbox")
	}
}

func cmdIdle(c *cmd) {
	c.params = "[-account name] [-wait duration] [mailbox]"
	c.help = `Open a mailbox and print changes as they happen.

If the server supports IDLE, it is used to get notified of changes. Otherwise
the mailbox is checked with NOOP after each wait period. Stops on interrupt.
The default mailbox is the first of the configured mailboxes of the account.
`
	var account string
	wait := time.Minute
	c.flag.StringVar(&account, "account", "", "account, can be left out with a single configured account")
	c.flag.DurationVar(&wait, "wait", wait, "maximum time to wait for changes before checking again")
	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}
	mustLoadConfig()

	name, acc := xaccount(account)
	mbname := acc.Mailboxes[0]
	if len(args) == 1 {
		mbname = args[0]
	}

	ctx, cancel := signal.NotifyContext(ctxbg, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := openSession(ctx, name, acc, true, nil)
	xcheckf(err, "connecting to account %s", name)
	defer s.Close()

	mb, err := s.conn.Select(mbname)
	xcheckf(err, "selecting mailbox")
	mb.AllowReopen(true)
	fmt.Printf("%s: %d messages\n", mb.Name, mb.Count())

	for ctx.Err() == nil {
		outcome, err := idleOnce(ctx, s.conn, wait)
		xcheckf(err, "checking mailbox")
		switch outcome {
		case imapclient.OutcomeNoChange:
			continue
		case imapclient.OutcomeNewMail, imapclient.OutcomeReopened:
			fmt.Printf("%s: %s, %d messages\n", time.Now().Format(time.TimeOnly), outcome, mb.Count())
		default:
			fmt.Printf("%s: %s\n", time.Now().Format(time.TimeOnly), outcome)
		}
	}
}

// idleOnce checks the mailbox, waiting at most wait for changes. If ctx is
// canceled, the check is not started.
func idleOnce(ctx context.Context, conn *imapclient.Conn, wait time.Duration) (imapclient.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return imapclient.OutcomeNoChange, nil
	}
	return conn.CheckMailbox(false, wait)
}
