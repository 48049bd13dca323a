package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/imapsync/config"
	"github.com/mjl-/imapsync/imapclient"
	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
	"github.com/mjl-/imapsync/moxvar"
)

// AccountStatus is the state of polling an account in serve.
type AccountStatus struct {
	Name      string
	Connected bool
	Idle      string    // Mailbox kept selected with IDLE, if any.
	Connects  int64     // Successful connects since start.
	LastCheck time.Time // Zero if never checked.
	LastError string    // From the last session or check, cleared on a successful check.
	Mailboxes []MailboxStatus
}

// MailboxStatus is the last known status of a mailbox.
type MailboxStatus struct {
	Name        string
	Messages    uint32
	Unseen      uint32
	UIDNext     uint32
	UIDValidity uint32
	NewMail     bool
	Checked     time.Time
}

// poller keeps a session for an account and checks its mailboxes.
type poller struct {
	name  string
	acc   config.Account
	log   *mlog.Log
	check chan struct{} // Request for an immediate check.

	sync.Mutex
	status AccountStatus
}

// pollers are the running pollers by account name, for the API.
var pollers = struct {
	sync.Mutex
	m map[string]*poller
}{m: map[string]*poller{}}

func lookupPoller(name string) *poller {
	pollers.Lock()
	defer pollers.Unlock()
	return pollers.m[name]
}

func pollerNames() []string {
	pollers.Lock()
	defer pollers.Unlock()
	var l []string
	for name := range pollers.m {
		l = append(l, name)
	}
	slices.Sort(l)
	return l
}

func newPoller(name string, acc config.Account) *poller {
	p := &poller{
		name:   name,
		acc:    acc,
		log:    mlog.New("serve").Fields(mlog.Field("account", name)),
		check:  make(chan struct{}, 1),
		status: AccountStatus{Name: name},
	}
	for _, mb := range acc.Mailboxes {
		p.status.Mailboxes = append(p.status.Mailboxes, MailboxStatus{Name: mb})
	}
	return p
}

// Status returns a copy of the current status.
func (p *poller) Status() AccountStatus {
	p.Lock()
	defer p.Unlock()
	st := p.status
	st.Mailboxes = slices.Clone(st.Mailboxes)
	return st
}

// requestCheck makes the poller check its mailboxes as soon as possible. A
// poller waiting in IDLE checks after its wait ends.
func (p *poller) requestCheck() {
	select {
	case p.check <- struct{}{}:
	default:
	}
}

func (p *poller) setConnected(connected bool) {
	p.Lock()
	defer p.Unlock()
	if connected {
		p.status.Connects++
	} else {
		p.status.Idle = ""
	}
	p.status.Connected = connected
	metrics.SessionConnected(connected)
}

func (p *poller) setError(err error) {
	p.Lock()
	defer p.Unlock()
	if err == nil {
		p.status.LastError = ""
	} else {
		p.status.LastError = err.Error()
	}
}

// updateMailbox stores the status of a mailbox.
func (p *poller) updateMailbox(st MailboxStatus) {
	p.Lock()
	defer p.Unlock()
	for i, mb := range p.status.Mailboxes {
		if mb.Name == st.Name {
			p.status.Mailboxes[i] = st
			return
		}
	}
	p.status.Mailboxes = append(p.status.Mailboxes, st)
}

// run keeps a session to the server, reconnecting with backoff after errors,
// until ctx is canceled.
func (p *poller) run(ctx context.Context) error {
	const maxBackoff = 5 * time.Minute
	backoff := time.Second
	for {
		connected, err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = time.Second
		}
		metrics.SessionErrorInc(p.name)
		p.setError(err)
		p.log.Errorx("session failed, reconnecting", err, mlog.Field("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session connects and checks the mailboxes until an error ends the session
// or ctx is canceled. Connected is set if a connection was made.
func (p *poller) session(ctx context.Context) (connected bool, rerr error) {
	s, err := openSession(ctx, p.name, p.acc, true, nil)
	if err != nil {
		return false, err
	}
	p.setConnected(true)
	defer func() {
		p.setConnected(false)
		s.Close()
	}()

	// With IDLE, the first mailbox stays selected. STATUS is not used for a
	// selected mailbox.
	var idleMb *imapclient.Mailbox
	statusMailboxes := p.acc.Mailboxes
	if p.acc.Idle && s.conn.Has(imapclient.CapIdle) {
		mb, err := s.conn.Select(p.acc.Mailboxes[0])
		if err != nil {
			return true, fmt.Errorf("selecting mailbox for idle: %w", err)
		}
		mb.AllowReopen(true)
		idleMb = mb
		statusMailboxes = p.acc.Mailboxes[1:]
		p.Lock()
		p.status.Idle = mb.Name
		p.Unlock()
		p.updateMailbox(mailboxStatusFromSelected(mb, false))
	}

	var reg imapclient.Registry
	reg.Add(&imapclient.Session{Name: p.name, Conn: s.conn, Mailboxes: statusMailboxes})

	for {
		if err := p.poll(&reg); err != nil {
			return true, err
		}

		if idleMb != nil {
			if err := ctx.Err(); err != nil {
				return true, err
			}
			wait := min(p.acc.PollInterval, config.DefaultIdleTimeout)
			outcome, err := s.conn.CheckMailbox(false, wait)
			if err != nil {
				return true, fmt.Errorf("idle: %w", err)
			}
			newMail := outcome == imapclient.OutcomeNewMail
			if newMail {
				metrics.NewMailInc(p.name)
				p.log.Info("new mail", mlog.Field("mailbox", idleMb.Name), mlog.Field("messages", idleMb.Count()))
			} else if outcome != imapclient.OutcomeNoChange {
				p.log.Debug("mailbox changed", mlog.Field("mailbox", idleMb.Name), mlog.Field("outcome", outcome))
			}
			p.updateMailbox(mailboxStatusFromSelected(idleMb, newMail))
			select {
			case <-p.check:
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-p.check:
			p.log.Debug("check requested")
		case <-time.After(p.acc.PollInterval):
		}
	}
}

// poll requests the status of the mailboxes of the registry. Errors for
// individual mailboxes are recorded, a transport error ends the session.
func (p *poller) poll(reg *imapclient.Registry) error {
	newMail, err := reg.Poll()
	now := time.Now()
	for _, sess := range reg.Sessions() {
		for _, name := range sess.Mailboxes {
			if st := sess.Conn.Status.Get(name); st != nil {
				p.updateMailbox(mailboxStatus(*st))
			}
		}
	}
	for _, nm := range newMail {
		metrics.NewMailInc(p.name)
		p.log.Info("new mail", mlog.Field("mailbox", nm.Status.Name), mlog.Field("unseen", nm.Status.Unseen))
	}
	p.Lock()
	p.status.LastCheck = now
	p.Unlock()
	p.setError(err)
	if err != nil && (errors.Is(err, imapclient.ErrTransport) || errors.Is(err, imapclient.ErrBye)) {
		return err
	}
	p.log.Check(err, "polling mailboxes")
	return nil
}

func mailboxStatus(st imapclient.MailboxStatus) MailboxStatus {
	return MailboxStatus{
		Name:        st.Name,
		Messages:    st.Messages,
		Unseen:      st.Unseen,
		UIDNext:     st.UIDNext,
		UIDValidity: st.UIDValidity,
		NewMail:     st.NewMail,
		Checked:     st.Checked,
	}
}

func mailboxStatusFromSelected(mb *imapclient.Mailbox, newMail bool) MailboxStatus {
	var unseen uint32
	for _, m := range mb.Messages() {
		if !m.Server.Read {
			unseen++
		}
	}
	return MailboxStatus{
		Name:        mb.Name,
		Messages:    mb.Count(),
		Unseen:      unseen,
		UIDNext:     mb.UIDNext,
		UIDValidity: mb.UIDValidity,
		NewMail:     newMail,
		Checked:     time.Now(),
	}
}

func cmdServe(c *cmd) {
	c.help = `Check the configured mailboxes of all accounts for new mail.

Each account keeps a connection to its server. Mailboxes are checked with
STATUS every poll interval, or with IDLE for accounts configured with Idle.
Connections are reestablished after errors.

If Listen is configured, Prometheus metrics are served at /metrics and a JSON
API with the status of accounts at /api/.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	log := c.log
	log.Print("starting imapsync", mlog.Field("version", moxvar.Version), mlog.Field("config", pathRel(configPath)))

	ctx, cancel := signal.NotifyContext(ctxbg, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range conf.AccountNames() {
		p := newPoller(name, conf.Accounts[name])
		pollers.Lock()
		pollers.m[name] = p
		pollers.Unlock()
		g.Go(func() error {
			defer func() {
				x := recover()
				if x != nil {
					metrics.PanicInc(metrics.Serve)
					p.log.Error("unhandled panic in poller", mlog.Field("panic", x))
					panic(x)
				}
			}()
			return p.run(gctx)
		})
	}

	var srv *http.Server
	if conf.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		h, err := makeSherpaHandler()
		xcheckf(err, "sherpa handler")
		mux.Handle("/api/", h)
		ln, err := net.Listen("tcp", conf.Listen)
		xcheckf(err, "listen for http")
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 30 * time.Second}
		log.Print("serving metrics and api", mlog.Field("addr", ln.Addr()))
		go func() {
			err := srv.Serve(ln)
			if !errors.Is(err, http.ErrServerClosed) {
				log.Fatalx("serving http", err)
			}
		}()
	}

	<-ctx.Done()
	log.Print("shutting down")
	if srv != nil {
		sctx, scancel := context.WithTimeout(ctxbg, time.Second)
		err := srv.Shutdown(sctx)
		log.Check(err, "shutting down http server")
		scancel()
	}

	// Pollers in IDLE only notice after their wait, so we do not wait long.
	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()
	select {
	case err := <-done:
		log.Check(err, "pollers")
		log.Print("shutdown complete")
	case <-time.After(3 * time.Second):
		log.Print("shutting down with pollers still busy")
	}
}
