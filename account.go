package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/mjl-/imapsync/bodycache"
	"github.com/mjl-/imapsync/config"
	"github.com/mjl-/imapsync/dns"
	"github.com/mjl-/imapsync/hcache"
	"github.com/mjl-/imapsync/imapclient"
	"github.com/mjl-/imapsync/mlog"
)

// resolver is used for finding IMAP servers of accounts without Host.
var resolver dns.Resolver = dns.StrictResolver{Pkg: "imapsync"}

// session is a connection for an account, with its caches.
type session struct {
	name string
	acc  config.Account
	log  *mlog.Log
	conn *imapclient.Conn
	hc   *hcache.Cache
	bc   *bodycache.Cache
}

// Close logs out and closes the caches.
func (s *session) Close() {
	if s.conn != nil {
		if s.conn.State() != imapclient.StateDisconnected {
			err := s.conn.Logout()
			s.log.Check(err, "logout")
		}
		s.conn = nil
	}
	if s.hc != nil {
		err := s.hc.Close()
		s.log.Check(err, "closing header cache")
		s.hc = nil
	}
	if s.bc != nil {
		err := s.bc.Close()
		s.log.Check(err, "closing body cache")
		s.bc = nil
	}
}

// serverOpts returns connection options for each server to try, in order.
func serverOpts(ctx context.Context, log *mlog.Log, name string, acc config.Account) ([]imapclient.Opts, error) {
	opts := acc.Opts(name)
	if !acc.HostParsed.IsZero() {
		return []imapclient.Opts{opts}, nil
	}

	servers, err := dns.LookupIMAP(ctx, resolver, acc.DomainParsed)
	if err != nil {
		return nil, fmt.Errorf("finding imap server for domain %s: %w", acc.DomainParsed, err)
	}
	var l []imapclient.Opts
	for _, srv := range servers {
		o := opts
		o.Host = srv.Host.ASCII
		o.Port = config.Port(acc.Port, srv.Port)
		if srv.TLS {
			o.TLS = imapclient.TLSImmediate
		} else if o.TLS == imapclient.TLSImmediate {
			o.TLS = imapclient.TLSStartTLS
		}
		if o.TLSConfig != nil {
			o.TLSConfig = o.TLSConfig.Clone()
			o.TLSConfig.ServerName = o.Host
		}
		log.Debug("imap server from srv record", mlog.Field("host", srv.Host), mlog.Field("port", o.Port), mlog.Field("tls", o.TLS))
		l = append(l, o)
	}
	return l, nil
}

// authenticators returns the authenticator chain for the credentials of the
// account.
func authenticators(acc config.Account) ([]imapclient.Authenticator, error) {
	var l []imapclient.Authenticator
	token, err := acc.Token()
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	if token != "" {
		l = append(l, imapclient.OAuthAuth{Username: acc.Username, Token: token})
	}
	password, err := acc.Password()
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	if password != "" {
		l = append(l, imapclient.PasswordAuth{Username: acc.Username, Password: password})
	}
	if slices.Contains(acc.AuthMethods, "ANONYMOUS") {
		l = append(l, imapclient.AnonymousAuth{Trace: acc.Username})
	}
	return l, nil
}

// openSession opens the caches of the account, connects to its server and
// authenticates. With useCaches false, no caches are used. Parser is optional.
func openSession(ctx context.Context, name string, acc config.Account, useCaches bool, parser imapclient.HeaderParser) (rs *session, rerr error) {
	log := mlog.New("imapsync").Fields(mlog.Field("account", name))
	s := &session{name: name, acc: acc, log: log}
	defer func() {
		if rerr != nil {
			s.Close()
		}
	}()

	auths, err := authenticators(acc)
	if err != nil {
		return nil, err
	}

	if useCaches && acc.HeaderCache != "" {
		s.hc, err = hcache.Open(ctx, acc.HeaderCache)
		if err != nil {
			return nil, err
		}
	}
	if useCaches && acc.BodyCache != "" {
		s.bc, err = bodycache.Open(acc.BodyCache, acc.BodyCacheMaxSize)
		if err != nil {
			return nil, err
		}
	}

	l, err := serverOpts(ctx, log, name, acc)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, opts := range l {
		if s.hc != nil {
			opts.HeaderCache = s.hc
		}
		if s.bc != nil {
			opts.BodyCache = s.bc
		}
		opts.HeaderParser = parser
		addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
		conn, err := imapclient.Dial(ctx, addr, opts)
		if err != nil {
			log.Infox("connecting to imap server", err, mlog.Field("addr", addr))
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		if conn.State() == imapclient.StateConnected {
			if err := conn.Authenticate(auths, acc.AuthMethods); err != nil {
				conn.Close()
				// Credentials are the same for all servers.
				return nil, fmt.Errorf("%s: %w", addr, err)
			}
		}
		log.Debug("connected", mlog.Field("addr", addr), mlog.Field("state", conn.State()))
		s.conn = conn
		return s, nil
	}
	if len(errs) == 0 {
		return nil, errors.New("no imap server")
	}
	return nil, errors.Join(errs...)
}
