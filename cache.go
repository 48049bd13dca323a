package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/mjl-/imapsync/bodycache"
	"github.com/mjl-/imapsync/config"
	"github.com/mjl-/imapsync/dns"
	"github.com/mjl-/imapsync/hcache"
)

// xopenCaches opens the caches of an account without connecting to its server.
// Either cache can be nil when disabled in the config.
func xopenCaches(acc config.Account) (*hcache.Cache, *bodycache.Cache) {
	var hc *hcache.Cache
	var bc *bodycache.Cache
	var err error
	if acc.HeaderCache != "" {
		hc, err = hcache.Open(ctxbg, acc.HeaderCache)
		xcheckf(err, "open header cache")
	}
	if acc.BodyCache != "" {
		bc, err = bodycache.Open(acc.BodyCache, acc.BodyCacheMaxSize)
		xcheckf(err, "open body cache")
	}
	return hc, bc
}

func closeCaches(hc *hcache.Cache, bc *bodycache.Cache) {
	if hc != nil {
		err := hc.Close()
		if err != nil {
			log.Printf("closing header cache: %v", err)
		}
	}
	if bc != nil {
		err := bc.Close()
		if err != nil {
			log.Printf("closing body cache: %v", err)
		}
	}
}

func cmdCacheUsage(c *cmd) {
	c.params = "[-account name]"
	c.help = `Print the number of cached headers and messages per mailbox.`
	var account string
	c.flag.StringVar(&account, "account", "", "account, can be left out with a single configured account")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	_, acc := xaccount(account)
	hc, bc := xopenCaches(acc)
	defer closeCaches(hc, bc)

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	if hc != nil {
		fmt.Fprintf(tw, "# header cache %s\n", pathRel(acc.HeaderCache))
		fmt.Fprintf(tw, "mailbox\tuidvalidity\tuidnext\theaders\tupdated\n")
		mailboxes, err := hc.Mailboxes(ctxbg)
		xcheckf(err, "listing mailboxes in header cache")
		for _, mb := range mailboxes {
			n, err := hc.Count(ctxbg, mb.Name)
			xcheckf(err, "counting headers")
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", mb.Name, mb.UIDValidity, mb.UIDNext, n, mb.Updated.Format("2006-01-02 15:04:05"))
		}
	}
	if bc != nil {
		if hc != nil {
			fmt.Fprintln(tw)
		}
		fmt.Fprintf(tw, "# body cache %s\n", pathRel(acc.BodyCache))
		fmt.Fprintf(tw, "mailbox\tmessages\tsize\n")
		usage, err := bc.Usage()
		xcheckf(err, "body cache usage")
		for _, u := range usage {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", u.Mailbox, u.Messages, u.Size)
		}
	}
	err := tw.Flush()
	xcheckf(err, "write")
}

func cmdCacheCheck(c *cmd) {
	c.params = "[-account name]"
	c.help = `Check the consistency of the cache databases of an account.`
	var account string
	c.flag.StringVar(&account, "account", "", "account, can be left out with a single configured account")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	_, acc := xaccount(account)
	hc, bc := xopenCaches(acc)
	defer closeCaches(hc, bc)

	var failed bool
	if hc != nil {
		// Reading all records verifies they can be parsed with the current types.
		mailboxes, err := hc.Mailboxes(ctxbg)
		if err == nil {
			for _, mb := range mailboxes {
				if _, err = hc.Count(ctxbg, mb.Name); err != nil {
					break
				}
			}
		}
		if err != nil {
			log.Printf("header cache: %v", err)
			failed = true
		} else {
			fmt.Printf("header cache: ok, %d mailboxes\n", len(mailboxes))
		}
	}
	if bc != nil {
		if err := bc.Check(); err != nil {
			log.Printf("body cache: %v", err)
			failed = true
		} else {
			fmt.Printf("body cache: ok\n")
		}
	}
	if failed {
		os.Exit(1)
	}
}

func cmdCacheRemove(c *cmd) {
	c.params = "[-account name] mailbox"
	c.help = `Remove all cached data for a mailbox.

Useful after a mailbox was removed on the server. The next time the mailbox is
selected, all headers are fetched again.
`
	var account string
	c.flag.StringVar(&account, "account", "", "account, can be left out with a single configured account")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	_, acc := xaccount(account)
	hc, bc := xopenCaches(acc)
	defer closeCaches(hc, bc)

	if hc != nil {
		err := hc.Remove(ctxbg, args[0])
		if errors.Is(err, hcache.ErrNotFound) {
			log.Printf("mailbox not in header cache")
		} else {
			xcheckf(err, "removing mailbox from header cache")
		}
	}
	if bc != nil {
		err := bc.Invalidate(args[0])
		xcheckf(err, "removing mailbox from body cache")
	}
}

func cmdDNSSRV(c *cmd) {
	c.params = "domain"
	c.help = `Look up the IMAP servers of an email domain through DNS SRV records.

Servers are printed in the order they would be tried. Both _imaps._tcp (TLS
immediate) and _imap._tcp (STARTTLS) records are looked up.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	d, err := dns.ParseDomain(args[0])
	xcheckf(err, "parsing domain")
	servers, err := dns.LookupIMAP(ctxbg, resolver, d)
	xcheckf(err, "looking up imap servers")
	for _, s := range servers {
		tlsmode := "starttls"
		if s.TLS {
			tlsmode = "tls"
		}
		fmt.Printf("%s:%d %s priority %d\n", s.Host, s.Port, tlsmode, s.Priority)
	}
}
