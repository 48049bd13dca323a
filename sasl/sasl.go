// Package sasl implements the client side of Simple Authentication and
// Security Layer mechanisms, RFC 4422, as used by IMAP AUTHENTICATE.
package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"hash"
	"strings"

	"github.com/mjl-/imapsync/scram"
)

// Client is a SASL client.
type Client interface {
	// Info returns the mechanism name as used in AUTHENTICATE, e.g. PLAIN,
	// CRAM-MD5, SCRAM-SHA-256. If cleartextCredentials is set, the exchanged
	// data holds credentials and must only be traced at level traceauth.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the exchange. The first call has a nil
	// fromServer and returns a possible "initial response". A nil toServer
	// means no data, which differs from a non-nil empty toServer. Last is set
	// with the final message from the client. An error aborts the attempt.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

type clientPlain struct {
	Username, Password string
	step               int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, hasCleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	if a.step != 0 {
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
	return []byte("\u0000" + a.Username + "\u0000" + a.Password), true, nil
}

// LOGIN is not standardized, but widely deployed. The server prompts for
// username and password, we ignore the prompt texts.
type clientLogin struct {
	Username, Password string
	step               int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for the obsolete SASL LOGIN mechanism.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (name string, hasCleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		return []byte(a.Username), false, nil
	case 2:
		return []byte(a.Password), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientCRAMMD5 struct {
	Username, Password string
	step               int
}

var _ Client = (*clientCRAMMD5)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication.
func NewClientCRAMMD5(username, password string) Client {
	return &clientCRAMMD5{username, password, 0}
}

func (a *clientCRAMMD5) Info() (name string, hasCleartextCredentials bool) {
	return "CRAM-MD5", false
}

func (a *clientCRAMMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		// ../rfc/2195:82
		s := string(fromServer)
		if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") || !strings.Contains(s, "@") {
			return nil, false, fmt.Errorf("invalid challenge %q", s)
		}
		mac := hmac.New(md5.New, []byte(a.Password))
		mac.Write(fromServer)
		return []byte(fmt.Sprintf("%s %x", a.Username, mac.Sum(nil))), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientSCRAMSHA struct {
	Username, Password string

	name         string
	h            func() hash.Hash
	noServerPlus bool
	cs           *tls.ConnectionState
	step         int
	scram        *scram.Client
}

var _ Client = (*clientSCRAMSHA)(nil)

// NewClientSCRAMSHA1 returns a client for SASL SCRAM-SHA-1 authentication.
// If noServerPlus is set, the server did not announce SCRAM-SHA-1-PLUS while
// we are on a TLS connection.
func NewClientSCRAMSHA1(username, password string, noServerPlus bool) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-1", sha1.New, noServerPlus, nil, 0, nil}
}

// NewClientSCRAMSHA256 returns a client for SASL SCRAM-SHA-256 authentication.
func NewClientSCRAMSHA256(username, password string, noServerPlus bool) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-256", sha256.New, noServerPlus, nil, 0, nil}
}

// NewClientSCRAMSHA1PLUS returns a client for SCRAM-SHA-1-PLUS, with channel
// binding to the TLS connection.
func NewClientSCRAMSHA1PLUS(username, password string, cs tls.ConnectionState) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-1-PLUS", sha1.New, false, &cs, 0, nil}
}

// NewClientSCRAMSHA256PLUS returns a client for SCRAM-SHA-256-PLUS, with
// channel binding to the TLS connection.
func NewClientSCRAMSHA256PLUS(username, password string, cs tls.ConnectionState) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-256-PLUS", sha256.New, false, &cs, 0, nil}
}

func (a *clientSCRAMSHA) Info() (name string, hasCleartextCredentials bool) {
	return a.name, false
}

func (a *clientSCRAMSHA) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		a.scram = scram.NewClient(a.h, a.Username, "", a.noServerPlus, a.cs)
		toserver, err := a.scram.ClientFirst()
		return []byte(toserver), false, err
	case 1:
		clientFinal, err := a.scram.ServerFirst(fromServer, a.Password)
		return []byte(clientFinal), false, err
	case 2:
		err := a.scram.ServerFinal(fromServer)
		return nil, true, err
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientXOAUTH2 struct {
	Username, Token string
	step            int
}

var _ Client = (*clientXOAUTH2)(nil)

// NewClientXOAUTH2 returns a client for the XOAUTH2 mechanism of Google and
// Microsoft.
func NewClientXOAUTH2(username, token string) Client {
	return &clientXOAUTH2{username, token, 0}
}

func (a *clientXOAUTH2) Info() (name string, hasCleartextCredentials bool) {
	return "XOAUTH2", true
}

func (a *clientXOAUTH2) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte("user=" + a.Username + "\x01auth=Bearer " + a.Token + "\x01\x01"), true, nil
	case 1:
		// Server sends a JSON error as challenge, we must respond with an empty
		// line and then get the tagged NO.
		return []byte{}, true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientOAUTHBEARER struct {
	Username, Host string
	Port           int
	Token          string
	step           int
}

var _ Client = (*clientOAUTHBEARER)(nil)

// NewClientOAUTHBEARER returns a client for OAUTHBEARER, RFC 7628.
func NewClientOAUTHBEARER(username, host string, port int, token string) Client {
	return &clientOAUTHBEARER{username, host, port, token, 0}
}

func (a *clientOAUTHBEARER) Info() (name string, hasCleartextCredentials bool) {
	return "OAUTHBEARER", true
}

func (a *clientOAUTHBEARER) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		// ../rfc/7628:567
		s := fmt.Sprintf("n,a=%s,\x01host=%s\x01port=%d\x01auth=Bearer %s\x01\x01", a.Username, a.Host, a.Port, a.Token)
		return []byte(s), true, nil
	case 1:
		// Error response, answered with a dummy "\x01".
		return []byte{1}, true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientAnonymous struct {
	Trace string
	step  int
}

var _ Client = (*clientAnonymous)(nil)

// NewClientAnonymous returns a client for ANONYMOUS, RFC 4505, with an
// optional trace string, e.g. an email address.
func NewClientAnonymous(trace string) Client {
	return &clientAnonymous{trace, 0}
}

func (a *clientAnonymous) Info() (name string, hasCleartextCredentials bool) {
	return "ANONYMOUS", false
}

func (a *clientAnonymous) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	if a.step != 0 {
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
	return []byte(a.Trace), true, nil
}
