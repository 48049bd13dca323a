package imapclient

import (
	"encoding/base64"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/mjl-/imapsync/metrics"
	"github.com/mjl-/imapsync/mlog"
	"github.com/mjl-/imapsync/moxvar"
	"github.com/mjl-/imapsync/sasl"
)

// AuthResult is the result of an authentication attempt.
type AuthResult int

const (
	AuthSuccess     AuthResult = iota
	AuthUnavailable            // Method not supported by authenticator or server, try the next.
	AuthFailure                // Credentials rejected, or exchange failed.
)

func (r AuthResult) String() string {
	switch r {
	case AuthSuccess:
		return "ok"
	case AuthUnavailable:
		return "unavailable"
	case AuthFailure:
		return "failed"
	}
	return fmt.Sprintf("authresult%d", int(r))
}

// Authenticator authenticates a connection with one or more methods.
type Authenticator interface {
	// Method returns the single method this authenticator is restricted to, or
	// the empty string if it can try multiple methods.
	Method() string

	// Try attempts authentication with method, or with the best method it knows
	// if method is empty.
	Try(c *Conn, method string) (AuthResult, error)
}

// PasswordAuth authenticates with a password, with SASL mechanisms
// SCRAM-SHA-256(-PLUS), SCRAM-SHA-1(-PLUS), CRAM-MD5, PLAIN, LOGIN, or with
// the LOGIN command.
type PasswordAuth struct {
	Username string
	Password string
}

// Methods in order of preference.
var passwordMethods = []string{
	"SCRAM-SHA-256-PLUS",
	"SCRAM-SHA-256",
	"SCRAM-SHA-1-PLUS",
	"SCRAM-SHA-1",
	"CRAM-MD5",
	"PLAIN",
	"LOGIN",
}

// Methods returns the authentication methods known by the authenticators in
// this package, in order of preference. Method names in a configured list of
// methods should be one of these.
func Methods() []string {
	return append(append([]string{}, passwordMethods...), "OAUTHBEARER", "XOAUTH2", "ANONYMOUS")
}

func (a PasswordAuth) Method() string {
	return ""
}

func (a PasswordAuth) Try(c *Conn, method string) (AuthResult, error) {
	if method != "" {
		return a.try(c, strings.ToUpper(method))
	}
	for _, m := range passwordMethods {
		r, err := a.try(c, m)
		if r != AuthUnavailable {
			return r, err
		}
	}
	return AuthUnavailable, nil
}

func (a PasswordAuth) try(c *Conn, method string) (AuthResult, error) {
	cs := c.TLSConnectionState()
	noServerPlus := cs != nil && !c.Has(Capability("AUTH="+method+"-PLUS"))
	var client sasl.Client
	switch method {
	case "SCRAM-SHA-256-PLUS", "SCRAM-SHA-1-PLUS":
		if cs == nil {
			return AuthUnavailable, nil
		}
		if method == "SCRAM-SHA-256-PLUS" {
			client = sasl.NewClientSCRAMSHA256PLUS(a.Username, a.Password, *cs)
		} else {
			client = sasl.NewClientSCRAMSHA1PLUS(a.Username, a.Password, *cs)
		}
	case "SCRAM-SHA-256":
		client = sasl.NewClientSCRAMSHA256(a.Username, a.Password, noServerPlus)
	case "SCRAM-SHA-1":
		client = sasl.NewClientSCRAMSHA1(a.Username, a.Password, noServerPlus)
	case "CRAM-MD5":
		client = sasl.NewClientCRAMMD5(a.Username, a.Password)
	case "PLAIN":
		client = sasl.NewClientPlain(a.Username, a.Password)
	case "LOGIN":
		if c.Has(CapAuthLogin) {
			client = sasl.NewClientLogin(a.Username, a.Password)
		} else {
			return c.Login(a.Username, a.Password)
		}
	default:
		return AuthUnavailable, nil
	}
	return c.AuthenticateSASL(client)
}

// OAuthAuth authenticates with an OAuth2 bearer token, with SASL mechanisms
// OAUTHBEARER or XOAUTH2.
type OAuthAuth struct {
	Username string
	Token    string
}

func (a OAuthAuth) Method() string {
	return ""
}

func (a OAuthAuth) Try(c *Conn, method string) (AuthResult, error) {
	methods := []string{"OAUTHBEARER", "XOAUTH2"}
	if method != "" {
		methods = []string{strings.ToUpper(method)}
	}
	for _, m := range methods {
		var client sasl.Client
		switch m {
		case "OAUTHBEARER":
			client = sasl.NewClientOAUTHBEARER(a.Username, c.opts.Host, c.opts.Port, a.Token)
		case "XOAUTH2":
			client = sasl.NewClientXOAUTH2(a.Username, a.Token)
		default:
			continue
		}
		r, err := c.AuthenticateSASL(client)
		if r != AuthUnavailable {
			return r, err
		}
	}
	return AuthUnavailable, nil
}

// AnonymousAuth authenticates with SASL ANONYMOUS. It only applies when
// configured explicitly.
type AnonymousAuth struct {
	Trace string
}

func (a AnonymousAuth) Method() string {
	return "ANONYMOUS"
}

func (a AnonymousAuth) Try(c *Conn, method string) (AuthResult, error) {
	if method != "" && !strings.EqualFold(method, "ANONYMOUS") {
		return AuthUnavailable, nil
	}
	return c.AuthenticateSASL(sasl.NewClientAnonymous(a.Trace))
}

// Authenticate authenticates the connection with the chain of
// authenticators. For each method in methods, in order, the authenticators
// restricted to that method or unrestricted are tried, until one returns
// something other than AuthUnavailable. If none applies, or methods is
// empty, all authenticators are tried without method.
//
// On success, the connection is prepared for use: capabilities are
// refreshed, and compression, ENABLE and ID are done as configured and
// supported. The hierarchy delimiter is discovered.
//
// If no authenticator succeeds, an error wrapping ErrAuth is returned, the
// connection can be used for another attempt.
func (c *Conn) Authenticate(auths []Authenticator, methods []string) (rerr error) {
	defer c.recover(&rerr)
	if c.state == StateAuthenticated {
		return nil
	} else if c.state != StateConnected {
		c.xopErrorf("%w: authenticate in state %s", ErrState, c.state)
	}

	result, err := c.authChain(auths, methods)
	if result != AuthSuccess {
		if err == nil {
			err = fmt.Errorf("no authentication method available")
		}
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	c.setState(StateAuthenticated)
	c.xpostLogin()
	return nil
}

func (c *Conn) authChain(auths []Authenticator, methods []string) (AuthResult, error) {
	for _, m := range methods {
		for _, a := range auths {
			if am := a.Method(); am != "" && !strings.EqualFold(am, m) {
				continue
			}
			if r, err := a.Try(c, m); r != AuthUnavailable {
				return r, err
			}
		}
	}
	if len(methods) > 0 {
		c.log.Info("no configured authentication method available, trying all methods", mlog.Field("methods", methods))
	}
	for _, a := range auths {
		if r, err := a.Try(c, ""); r != AuthUnavailable {
			return r, err
		}
	}
	return AuthUnavailable, nil
}

// Login authenticates with the LOGIN command, unless the server announced
// LOGINDISABLED.
func (c *Conn) Login(username, password string) (result AuthResult, rerr error) {
	defer c.recover(&rerr)
	if c.caps[CapLoginDisabled] {
		metrics.AuthenticationInc("login", "unavailable")
		return AuthUnavailable, nil
	}
	cmd := &Command{Verb: "LOGIN", Args: []Arg{AString(username), AString(password)}, Flags: FailOK | TraceAuth}
	c.xenqueue(cmd)
	c.xdrain(cmd)
	return c.authResult("login", cmd)
}

// AuthenticateSASL runs the AUTHENTICATE command with a SASL client. The
// mechanism must be announced by the server, otherwise AuthUnavailable is
// returned. The initial response is sent with the command if the server
// supports SASL-IR.
func (c *Conn) AuthenticateSASL(client sasl.Client) (result AuthResult, rerr error) {
	defer c.recover(&rerr)
	name, _ := client.Info()
	lname := strings.ToLower(name)
	if !c.caps[Capability("AUTH="+strings.ToUpper(name))] {
		return AuthUnavailable, nil
	}

	toServer, last, err := client.Next(nil)
	if err != nil {
		metrics.AuthenticationInc(lname, "error")
		return AuthFailure, fmt.Errorf("sasl %s: %w", name, err)
	}
	cmd := &Command{Verb: "AUTHENTICATE", Args: []Arg{Atom(name)}, Flags: FailOK | TraceAuth}
	if toServer != nil && c.caps[CapSASLIR] {
		cmd.Args = append(cmd.Args, Atom(encodeSASL(toServer)))
		toServer = nil
	}
	c.xenqueue(cmd)
	c.xflush()

	var clientErr error
	for !cmd.Done {
		text, ok := c.xresponse()
		if !ok {
			continue
		}
		// Continuation request. The first one has no data if we still have an
		// initial response to send.
		var resp []byte
		switch {
		case clientErr != nil:
		case toServer != nil:
			resp, toServer = toServer, nil
		case last:
			// Server has final data to verify, or nothing to say. ../rfc/9051:6221
			if text != "" {
				if buf, err := base64.StdEncoding.DecodeString(text); err != nil {
					clientErr = fmt.Errorf("parsing base64 from server: %v", err)
				} else if _, _, err := client.Next(buf); err != nil {
					clientErr = err
				}
			}
			resp = []byte{}
		default:
			buf, err := base64.StdEncoding.DecodeString(text)
			if err != nil {
				clientErr = fmt.Errorf("parsing base64 from server: %v", err)
				break
			}
			resp, last, clientErr = client.Next(buf)
		}

		c.tw.SetTrace(mlog.LevelTraceauth)
		if clientErr != nil {
			// Cancel the exchange. ../rfc/3501:1565
			c.xwrite([]byte("*\r\n"))
		} else {
			c.xwrite([]byte(base64.StdEncoding.EncodeToString(resp) + "\r\n"))
		}
		c.tw.SetTrace(mlog.LevelTrace)
		c.xflush()
	}
	if clientErr != nil {
		metrics.AuthenticationInc(lname, "error")
		return AuthFailure, fmt.Errorf("sasl %s: %w", name, clientErr)
	}
	return c.authResult(lname, cmd)
}

// encodeSASL encodes an initial response, where "=" is an empty response.
// ../rfc/4959:113
func encodeSASL(buf []byte) string {
	if len(buf) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func (c *Conn) authResult(mechanism string, cmd *Command) (AuthResult, error) {
	if cmd.err != nil {
		metrics.AuthenticationInc(mechanism, "error")
		return AuthFailure, cmd.err
	}
	switch cmd.Result.Status {
	case OK:
		metrics.AuthenticationInc(mechanism, "ok")
		c.log.Info("authenticated", mlog.Field("mechanism", mechanism))
		return AuthSuccess, nil
	case BAD:
		// Typically a mechanism the server does not know after all.
		metrics.AuthenticationInc(mechanism, "unavailable")
		return AuthUnavailable, nil
	}
	metrics.AuthenticationInc(mechanism, "failed")
	return AuthFailure, &Error{cmd.Verb, cmd.Result}
}

// xpostLogin prepares an authenticated connection for use.
func (c *Conn) xpostLogin() {
	// Capabilities can change after login. Servers often send them in the
	// tagged OK, otherwise we ask.
	c.caps = map[Capability]bool{}
	c.xcapability()

	if c.opts.Compress && c.caps[CapCompressDeflate] && !c.compressed {
		c.xcompress()
	}

	if c.caps[CapEnable] {
		var l []Arg
		if c.caps[CapQresync] {
			l = append(l, Atom(CapQresync))
		} else if c.caps[CapCondstore] {
			l = append(l, Atom(CapCondstore))
		}
		if c.caps[CapUTF8Accept] {
			l = append(l, Atom(CapUTF8Accept))
		}
		if len(l) > 0 {
			c.xexec(FailOK, nil, "ENABLE", l...)
		}
	}

	if c.caps[CapID] {
		id := moxvar.ID()
		keys := maps.Keys(id)
		slices.Sort(keys)
		var l List
		for _, k := range keys {
			l = append(l, AString(k), AString(id[k]))
		}
		c.xexec(FailOK, nil, "ID", l)
	}

	c.xdelimiter()
}

// xdelimiter discovers the hierarchy delimiter with `LIST "" ""`.
func (c *Conn) xdelimiter() {
	sink := SinkFunc(func(u Untagged) bool {
		if l, ok := u.(UntaggedList); ok {
			c.Delimiter = l.Separator
			return true
		}
		return false
	})
	c.xexec(FailOK, sink, "LIST", AString(""), AString(""))
	c.log.Debug("hierarchy delimiter", mlog.Field("delimiter", string(c.Delimiter)))
}
