package dns

import (
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
)

func TestLookupIMAP(t *testing.T) {
	ctx := context.Background()
	resolver := MockResolver{
		SRV: map[string][]*net.SRV{
			"_imaps._tcp.example.com.":   {{Target: "imap.example.com.", Port: 993, Priority: 10}, {Target: "backup.example.com.", Port: 993, Priority: 20}},
			"_imap._tcp.example.com.":    {{Target: "plain.example.com.", Port: 143, Priority: 10}, {Target: "first.example.com.", Port: 143, Priority: 5}},
			"_imaps._tcp.plain.example.": {{Target: ".", Port: 0}},
			"_imap._tcp.plain.example.":  {{Target: "imap.plain.example.", Port: 143}},
			"_imaps._tcp.none.example.":  {{Target: ".", Port: 0}},
			"_imap._tcp.none.example.":   {{Target: ".", Port: 0}},
		},
		Fail: []string{"srv _imaps._tcp.fail.example."},
	}

	test := func(domain string, exp []Server, expErr func(err error) bool) {
		t.Helper()
		d, err := ParseDomain(domain)
		if err != nil {
			t.Fatalf("parse domain: %v", err)
		}
		l, err := LookupIMAP(ctx, resolver, d)
		if expErr != nil {
			if err == nil || !expErr(err) {
				t.Fatalf("lookup %s: got err %v", domain, err)
			}
			return
		}
		if err != nil {
			t.Fatalf("lookup %s: %v", domain, err)
		}
		if !reflect.DeepEqual(l, exp) {
			t.Fatalf("lookup %s:\ngot      %#v\nexpected %#v", domain, l, exp)
		}
	}

	dom := func(s string) Domain {
		return Domain{ASCII: s}
	}
	test("example.com", []Server{
		{dom("first.example.com"), 143, false, 5},
		{dom("imap.example.com"), 993, true, 10},
		{dom("plain.example.com"), 143, false, 10},
		{dom("backup.example.com"), 993, true, 20},
	}, nil)
	test("plain.example", []Server{{dom("imap.plain.example"), 143, false, 0}}, nil)
	test("none.example", nil, func(err error) bool { return errors.Is(err, ErrNoService) })
	test("absent.example", nil, IsNotFound)
	test("fail.example", nil, func(err error) bool {
		var dnsErr interface{ Temporary() bool }
		return errors.As(err, &dnsErr) && dnsErr.Temporary()
	})
}

func TestStrictResolverRelative(t *testing.T) {
	_, _, _, err := StrictResolver{}.LookupSRV(context.Background(), "imaps", "tcp", "example.com")
	if !errors.Is(err, ErrRelativeDNSName) {
		t.Fatalf("got err %v, expected ErrRelativeDNSName", err)
	}
	_, _, err = StrictResolver{}.LookupHost(context.Background(), "example.com")
	if !errors.Is(err, ErrRelativeDNSName) {
		t.Fatalf("got err %v, expected ErrRelativeDNSName", err)
	}
}
