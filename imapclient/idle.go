package imapclient

import (
	"errors"
	"os"
	"time"

	"github.com/mjl-/imapsync/mlog"
)

// Servers may end an IDLE after 30 minutes of inactivity, ../rfc/2177:62
const idleRestart = 29 * time.Minute

// xidle starts IDLE. Returns false if the server rejected it.
func (c *Conn) xidle() bool {
	cmd := &Command{Verb: "IDLE", Flags: FailOK}
	c.xenqueue(cmd)
	c.xflush()
	if !c.xwaitContinuation(cmd) {
		c.log.Debug("idle rejected", mlog.Field("result", cmd.Result))
		return false
	}
	c.idle = cmd
	c.idleStart = time.Now()
	c.setState(StateIdle)
	return true
}

// xunidle ends IDLE, if active, so another command can be sent.
func (c *Conn) xunidle() {
	cmd := c.idle
	if cmd == nil {
		return
	}
	c.idle = nil
	if !cmd.Done {
		c.xwrite([]byte("DONE\r\n"))
		c.xdrain(cmd)
	}
	if err := cmd.Err(); err != nil {
		c.log.Debugx("idle ended with error", err)
	}
	if c.state == StateIdle {
		c.setState(StateSelected)
	}
}

// xpending returns whether response data is available, waiting at most wait.
func (c *Conn) xpending(wait time.Duration) bool {
	if c.br.Buffered() > 0 {
		return true
	}
	// A timeout on the compressed stream would leave the decompressor in an
	// error state, so we peek at the data before decompression.
	r := c.br
	if c.rawBR != nil {
		if c.rawBR.Buffered() > 0 {
			return true
		}
		r = c.rawBR
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		c.xfatalf("%w: setting read deadline: %v", ErrTransport, err)
	}
	_, err := r.Peek(1)
	if xerr := c.conn.SetReadDeadline(time.Time{}); xerr != nil && err == nil {
		err = xerr
	}
	if err == nil {
		return true
	} else if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	c.connBroken = true
	c.xfatalf("%w: read: %w", ErrTransport, err)
	return false
}

// CheckMailbox checks the selected mailbox for changes and applies them to the
// message handles, if reopening is allowed.
//
// If the server supports IDLE, the connection is kept in IDLE between checks
// and CheckMailbox waits at most wait for the server to send updates. Without
// IDLE support, or with force, a NOOP is executed instead.
func (c *Conn) CheckMailbox(force bool, wait time.Duration) (outcome Outcome, rerr error) {
	defer c.recover(&rerr)
	mb := c.Selected()
	if mb == nil {
		c.xopErrorf("%w: no mailbox selected", ErrState)
	}
	if c.idle != nil && time.Since(c.idleStart) > idleRestart {
		c.xunidle()
	}

	useIdle := c.caps[CapIdle] && !force
	if useIdle && c.idle == nil && !c.xidle() {
		useIdle = false
	}
	if useIdle {
		if c.xpending(wait) {
			c.xstep()
			for c.idle != nil && !c.idle.Done && c.xpending(0) {
				c.xstep()
			}
			// Leave IDLE so new messages can be fetched.
			c.xunidle()
		}
	} else {
		c.xunidle()
		c.xexec(0, nil, "NOOP")
	}
	c.xcheckStale(mb)
	c.finish()
	return c.checkOutcome(mb), nil
}
