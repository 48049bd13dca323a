package imapclient

import (
	"errors"
	"strings"
	"testing"

	"github.com/mjl-/imapsync/mlog"
)

func TestStatusCacheUpdate(t *testing.T) {
	log := mlog.New("imapclient")
	sc := NewStatusCache(true)

	check := func(attrs map[StatusAttr]uint64, newMail bool, uidnext uint32) {
		t.Helper()
		sc.update(UntaggedStatus{"Lists", attrs}, log)
		e := sc.Get("Lists")
		tcompare(t, e.NewMail, newMail)
		tcompare(t, e.UIDNext, uidnext)
	}

	// First check uses the recent count.
	check(map[StatusAttr]uint64{StatusUIDValidity: 1, StatusUIDNext: 5, StatusRecent: 0, StatusUnseen: 2}, false, 5)
	// Unchanged uidnext, old unseen messages.
	check(map[StatusAttr]uint64{StatusUIDValidity: 1, StatusUIDNext: 5, StatusUnseen: 2}, false, 5)
	// New message, uidnext kept until the mailbox is opened.
	check(map[StatusAttr]uint64{StatusUIDValidity: 1, StatusUIDNext: 7, StatusUnseen: 1}, true, 5)
	check(map[StatusAttr]uint64{StatusUIDValidity: 1, StatusUIDNext: 7, StatusUnseen: 1}, true, 5)
	// Changed uidvalidity, unseen count decides.
	check(map[StatusAttr]uint64{StatusUIDValidity: 2, StatusUIDNext: 3, StatusUnseen: 0}, false, 3)
	tcompare(t, sc.Names(), []string{"Lists"})

	sc = NewStatusCache(true)
	check(map[StatusAttr]uint64{StatusUIDValidity: 1, StatusUIDNext: 5, StatusRecent: 1, StatusUnseen: 1}, true, 0)

	sc = NewStatusCache(false)
	check(map[StatusAttr]uint64{StatusUIDValidity: 1, StatusUIDNext: 5, StatusUnseen: 0}, false, 5)
	check(map[StatusAttr]uint64{StatusUIDValidity: 1, StatusUIDNext: 5, StatusUnseen: 1}, true, 5)
}

func TestMailboxStatus(t *testing.T) {
	c, mb, done := selectedConn(t, Opts{}, "",
		"C: a0002 STATUS Lists (UIDNEXT UIDVALIDITY UNSEEN RECENT MESSAGES)",
		"S: * STATUS Lists (MESSAGES 3 UIDNEXT 4 UIDVALIDITY 1 UNSEEN 0 RECENT 0)",
		"S: a0002 OK",
		"C: a0003 STATUS Gone (UIDNEXT UIDVALIDITY UNSEEN RECENT MESSAGES)",
		"S: a0003 NO no such mailbox",
	)
	defer done()

	st, err := c.MailboxStatus("Lists")
	tcheckf(t, err, "status")
	tcompare(t, st.Name, "Lists")
	tcompare(t, st.Messages, uint32(3))
	tcompare(t, st.UIDNext, uint32(4))
	tcompare(t, st.UIDValidity, uint32(1))
	tcompare(t, st.NewMail, false)

	// The selected mailbox is not asked for.
	st, err = c.MailboxStatus("INBOX")
	tcheckf(t, err, "status of selected mailbox")
	tcompare(t, st.UIDNext, mb.UIDNext)
	tcompare(t, st.Messages, uint32(3))

	_, err = c.MailboxStatus("Gone")
	var xerr *Error
	if !errors.As(err, &xerr) || xerr.Result.Status != NO {
		t.Fatalf("got err %v, expected NO", err)
	}
	tcompare(t, c.State(), StateSelected)
}

func TestMailboxStatusOldServer(t *testing.T) {
	c, done := newTestConn(t, Opts{},
		"S: * PREAUTH [CAPABILITY IMAP4 STATUS] hi",
		"C: a0000 STATUS Lists (UIDNEXT UID-VALIDITY UNSEEN RECENT MESSAGES)",
		"S: * STATUS Lists (UIDNEXT 4 UID-VALIDITY 9 UNSEEN 1 RECENT 0 MESSAGES 3)",
		"S: a0000 OK",
	)
	defer done()

	st, err := c.MailboxStatus("Lists")
	tcheckf(t, err, "status")
	tcompare(t, st.UIDValidity, uint32(9))
	tcompare(t, st.NewMail, true)
}

func TestPoll(t *testing.T) {
	statusCmd := func(tag, name string) string {
		return "C: " + tag + " STATUS " + name + " (UIDNEXT UIDVALIDITY UNSEEN RECENT MESSAGES)"
	}
	ca, donea := newTestConn(t, Opts{},
		greeting(""),
		statusCmd("a0000", "INBOX"),
		statusCmd("a0001", "Lists"),
		"S: * STATUS INBOX (UIDNEXT 5 UIDVALIDITY 1 UNSEEN 2 RECENT 0 MESSAGES 4)",
		"S: a0000 OK",
		"S: * STATUS Lists (UIDNEXT 2 UIDVALIDITY 1 UNSEEN 0 RECENT 0 MESSAGES 1)",
		"S: a0001 OK",
	)
	defer donea()
	cb, doneb := newTestConn(t, Opts{},
		greeting(""),
		statusCmd("a0000", "Work"),
		statusCmd("a0001", "Other"),
		"S: a0000 NO no such mailbox",
		"S: * STATUS Other (UIDNEXT 1 UIDVALIDITY 1 UNSEEN 0 RECENT 0 MESSAGES 0)",
		"S: a0001 OK",
	)
	defer doneb()
	cc, donec := newTestConn(t, Opts{}, greeting(""))
	defer donec()
	cc.Close()

	var r Registry
	r.Add(&Session{"a", ca, nil})
	r.Add(&Session{"a", ca, []string{"INBOX", "Lists"}})
	r.Add(&Session{"b", cb, []string{"Work", "Other"}})
	r.Add(&Session{"c", cc, []string{"INBOX"}})
	tcompare(t, len(r.Sessions()), 3)

	l, err := r.Poll()
	if len(l) != 1 || l[0].Session != "a" || l[0].Status.Name != "INBOX" || l[0].Status.Unseen != 2 {
		t.Fatalf("got new mail %#v, expected INBOX of session a", l)
	}
	var xerr *Error
	if !errors.As(err, &xerr) || xerr.Result.Status != NO {
		t.Fatalf("got err %v, expected NO for mailbox", err)
	}
	if !strings.Contains(err.Error(), "session b: mailbox Work") {
		t.Fatalf("got err %v, expected mention of session and mailbox", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("got err %v, expected transport error for closed session", err)
	}
	tcompare(t, cb.Status.Get("Other").Messages, uint32(0))
	tcompare(t, cb.State(), StateAuthenticated)

	r.Remove("c")
	tcompare(t, len(r.Sessions()), 2)
}
