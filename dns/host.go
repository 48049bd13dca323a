package dns

import (
	"fmt"
	"net"
	"strings"
)

// Host is the address of an IMAP server: an IP address or a domain.
type Host struct {
	IP     net.IP
	Domain Domain
}

// ParseHost parses an IP address, possibly in brackets, or a domain name.
func ParseHost(s string) (Host, error) {
	if ip := net.ParseIP(strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")); ip != nil {
		return Host{IP: ip}, nil
	}
	d, err := ParseDomain(s)
	if err != nil {
		return Host{}, fmt.Errorf("parsing host %q: %w", s, err)
	}
	return Host{Domain: d}, nil
}

// IsZero returns if both IP and Domain are zero.
func (h Host) IsZero() bool {
	return h.IP == nil && h.Domain == Domain{}
}

// String returns the IP or the unicode domain name.
func (h Host) String() string {
	if len(h.IP) > 0 {
		return h.IP.String()
	}
	return h.Domain.Name()
}

// LogString returns a string with both ASCII-only and optional UTF-8
// representation.
func (h Host) LogString() string {
	if len(h.IP) > 0 {
		return h.IP.String()
	}
	return h.Domain.LogString()
}

// ServerName returns the name for TLS verification, empty for IP addresses.
func (h Host) ServerName() string {
	if len(h.IP) > 0 {
		return ""
	}
	return h.Domain.ASCII
}

// Addr returns host:port for dialing.
func (h Host) Addr(port int) string {
	if len(h.IP) > 0 {
		return net.JoinHostPort(h.IP.String(), fmt.Sprint(port))
	}
	return net.JoinHostPort(h.Domain.ASCII, fmt.Sprint(port))
}
