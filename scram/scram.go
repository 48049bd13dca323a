// Package scram implements the client side of the SCRAM-SHA-* SASL
// authentication mechanisms, RFC 5802 and RFC 7677.
//
// With SCRAM the client proves it knows the password without sending it, and
// verifies the server knows (a derivative of) the password too. The PLUS
// variants bind the exchange to the TLS connection.
package scram

import (
	"bytes"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"
)

// Error is an error as sent by a server in its final message ("e=...").
type Error string

func (e Error) Error() string {
	return string(e)
}

// Server errors, ../rfc/5802:1000
var (
	ErrInvalidEncoding                 Error = "invalid-encoding"
	ErrExtensionsNotSupported          Error = "extensions-not-supported"
	ErrInvalidProof                    Error = "invalid-proof"
	ErrChannelBindingsDontMatch        Error = "channel-bindings-dont-match"
	ErrServerDoesSupportChannelBinding Error = "server-does-support-channel-binding"
	ErrChannelBindingNotSupported      Error = "channel-binding-not-supported"
	ErrUnsupportedChannelBindingType   Error = "unsupported-channel-binding-type"
	ErrUnknownUser                     Error = "unknown-user"
	ErrNoResources                     Error = "no-resources"
	ErrOtherError                      Error = "other-error"
)

var serverErrors = map[string]Error{}

func init() {
	for _, e := range []Error{
		ErrInvalidEncoding,
		ErrExtensionsNotSupported,
		ErrInvalidProof,
		ErrChannelBindingsDontMatch,
		ErrServerDoesSupportChannelBinding,
		ErrChannelBindingNotSupported,
		ErrUnsupportedChannelBindingType,
		ErrUnknownUser,
		ErrNoResources,
		ErrOtherError,
	} {
		serverErrors[string(e)] = e
	}
}

var (
	ErrUnsafe   = errors.New("unsafe parameter") // E.g. salt or nonce too short, or too few iterations.
	ErrProtocol = errors.New("protocol error")   // E.g. server nonce not starting with client nonce.
	ErrServer   = errors.New("server signature mismatch")
)

// Client is the client side of a SCRAM exchange.
//
// Calls, in order:
//
//   - ClientFirst, write result to server.
//   - Read response from server, feed to ServerFirst, write result to server.
//   - Read response from server, feed to ServerFinal.
type Client struct {
	authc string
	authz string
	h     func() hash.Hash

	noServerPlus bool
	cs           *tls.ConnectionState

	// Nonce to use instead of a random one. Tests set it to reproduce the
	// RFC examples.
	clientNonce string

	gs2header       string
	clientFirstBare string
	nonce           string
	authMessage     string
	saltedPassword  []byte
}

// NewClient returns a client for authentication as authc, optionally
// authorizing as authz, with hash h (sha1.New or sha256.New).
//
// If cs is not nil, the PLUS variant is used, binding to the TLS connection
// with "tls-exporter" (TLS 1.3) or "tls-unique" (older).
//
// If noServerPlus is set, the client supports channel binding but the server
// did not announce a PLUS variant. A server that does support it will then
// fail the attempt, detecting a downgrade.
func NewClient(h func() hash.Hash, authc, authz string, noServerPlus bool, cs *tls.ConnectionState) *Client {
	return &Client{
		authc:        norm.NFC.String(authc),
		authz:        norm.NFC.String(authz),
		h:            h,
		noServerPlus: noServerPlus,
		cs:           cs,
	}
}

// ClientFirst returns the first message to send to the server.
func (c *Client) ClientFirst() (string, error) {
	if c.noServerPlus && c.cs != nil {
		return "", fmt.Errorf("channel binding requested while server does not support it")
	}

	var cbflag string
	switch {
	case c.cs != nil && c.cs.Version >= tls.VersionTLS13:
		cbflag = "p=tls-exporter"
	case c.cs != nil:
		cbflag = "p=tls-unique"
	case c.noServerPlus:
		cbflag = "y"
	default:
		cbflag = "n"
	}
	var authz string
	if c.authz != "" {
		authz = "a=" + saslname(c.authz)
	}
	c.gs2header = cbflag + "," + authz + ","

	if c.clientNonce == "" {
		buf := make([]byte, 18)
		if _, err := cryptorand.Read(buf); err != nil {
			return "", fmt.Errorf("generating nonce: %v", err)
		}
		c.clientNonce = base64.StdEncoding.EncodeToString(buf)
	}
	c.clientFirstBare = "n=" + saslname(c.authc) + ",r=" + c.clientNonce
	return c.gs2header + c.clientFirstBare, nil
}

// ServerFirst processes the first message from the server and returns the
// final client message, with the proof the client knows the password.
func (c *Client) ServerFirst(serverFirst []byte, password string) (string, error) {
	attrs, err := parseAttrs(string(serverFirst))
	if err != nil {
		return "", err
	}
	if len(attrs) > 0 && attrs[0].name == 'm' {
		return "", fmt.Errorf("mandatory extension: %w", ErrExtensionsNotSupported)
	}
	if len(attrs) < 3 || attrs[0].name != 'r' || attrs[1].name != 's' || attrs[2].name != 'i' {
		return "", fmt.Errorf("%w: expected nonce, salt and iteration count", ErrInvalidEncoding)
	}
	c.nonce = attrs[0].value
	salt, err := base64.StdEncoding.DecodeString(attrs[1].value)
	if err != nil {
		return "", fmt.Errorf("%w: salt: %v", ErrInvalidEncoding, err)
	}
	iterations, err := strconv.Atoi(attrs[2].value)
	if err != nil || iterations <= 0 {
		return "", fmt.Errorf("%w: iteration count %q", ErrInvalidEncoding, attrs[2].value)
	}

	if !strings.HasPrefix(c.nonce, c.clientNonce) {
		return "", fmt.Errorf("%w: server dropped our nonce", ErrProtocol)
	}
	if len(c.nonce)-len(c.clientNonce) < 8 {
		return "", fmt.Errorf("%w: server nonce too short", ErrUnsafe)
	}
	if len(salt) < 8 {
		return "", fmt.Errorf("%w: salt too short", ErrUnsafe)
	}
	if iterations < 2048 {
		return "", fmt.Errorf("%w: too few iterations", ErrUnsafe)
	}

	cbind := []byte(c.gs2header)
	if c.cs != nil {
		data, err := channelBindData(c.cs)
		if err != nil {
			return "", err
		}
		cbind = append(cbind, data...)
	}
	withoutProof := "c=" + base64.StdEncoding.EncodeToString(cbind) + ",r=" + c.nonce
	c.authMessage = c.clientFirstBare + "," + string(serverFirst) + "," + withoutProof

	c.saltedPassword = SaltPassword(c.h, password, salt, iterations)
	clientKey := hmacSum(c.h, c.saltedPassword, "Client Key")
	h := c.h()
	h.Write(clientKey)
	storedKey := h.Sum(nil)
	proof := hmacSum(c.h, storedKey, c.authMessage)
	for i := range proof {
		proof[i] ^= clientKey[i]
	}
	return withoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// ServerFinal verifies the final message of the server.
func (c *Client) ServerFinal(serverFinal []byte) error {
	attrs, err := parseAttrs(string(serverFinal))
	if err != nil {
		return err
	}
	if len(attrs) == 0 {
		return fmt.Errorf("%w: empty server final message", ErrInvalidEncoding)
	}
	switch attrs[0].name {
	case 'e':
		var err error = serverErrors[attrs[0].value]
		if err == Error("") {
			err = errors.New(attrs[0].value)
		}
		return fmt.Errorf("error from server: %w", err)
	case 'v':
	default:
		return fmt.Errorf("%w: expected verifier", ErrInvalidEncoding)
	}
	verifier, err := base64.StdEncoding.DecodeString(attrs[0].value)
	if err != nil {
		return fmt.Errorf("%w: verifier: %v", ErrInvalidEncoding, err)
	}
	serverKey := hmacSum(c.h, c.saltedPassword, "Server Key")
	if !hmac.Equal(verifier, hmacSum(c.h, serverKey, c.authMessage)) {
		return ErrServer
	}
	return nil
}

// SaltPassword returns the salted password. The password is prepared with
// the PRECIS OpaqueString profile, falling back to NFC for passwords it
// rejects.
func SaltPassword(h func() hash.Hash, password string, salt []byte, iterations int) []byte {
	if p, err := precis.OpaqueString.String(password); err == nil {
		password = p
	} else {
		password = norm.NFC.String(password)
	}
	return pbkdf2.Key([]byte(password), salt, iterations, h().Size(), h)
}

func hmacSum(h func() hash.Hash, key []byte, msg string) []byte {
	mac := hmac.New(h, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func channelBindData(cs *tls.ConnectionState) ([]byte, error) {
	if cs.Version <= tls.VersionTLS12 {
		if cs.TLSUnique == nil {
			return nil, fmt.Errorf("no channel binding data available")
		}
		return cs.TLSUnique, nil
	}
	// ../rfc/9266:95
	return cs.ExportKeyingMaterial("EXPORTER-Channel-Binding", []byte{}, 32)
}

type attr struct {
	name  byte
	value string
}

// parseAttrs parses a comma-separated list of "x=value" attributes.
func parseAttrs(s string) ([]attr, error) {
	var l []attr
	for _, t := range strings.Split(s, ",") {
		if len(t) < 2 || t[1] != '=' || !(t[0] >= 'a' && t[0] <= 'z' || t[0] >= 'A' && t[0] <= 'Z') {
			return nil, fmt.Errorf("%w: bad attribute %q", ErrInvalidEncoding, t)
		}
		l = append(l, attr{t[0], t[2:]})
	}
	return l, nil
}

// saslname escapes "," and "=".
func saslname(s string) string {
	var b bytes.Buffer
	for _, c := range s {
		switch c {
		case ',':
			b.WriteString("=2C")
		case '=':
			b.WriteString("=3D")
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}
