package sasl

import (
	"testing"
)

func tcompare(t *testing.T, got, exp string) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}

func TestPlain(t *testing.T) {
	c := NewClientPlain("mjl", "test1234")
	buf, last, err := c.Next(nil)
	if err != nil || !last {
		t.Fatalf("next: last %v, err %v", last, err)
	}
	tcompare(t, string(buf), "\x00mjl\x00test1234")
	if _, _, err := c.Next(nil); err == nil {
		t.Fatalf("expected error for second step")
	}
}

func TestLogin(t *testing.T) {
	c := NewClientLogin("mjl", "test1234")
	if buf, _, _ := c.Next(nil); buf != nil {
		t.Fatalf("expected no initial response, got %q", buf)
	}
	buf, last, _ := c.Next([]byte("Username:"))
	tcompare(t, string(buf), "mjl")
	if last {
		t.Fatalf("username is not the last message")
	}
	buf, last, _ = c.Next([]byte("Password:"))
	tcompare(t, string(buf), "test1234")
	if !last {
		t.Fatalf("password is the last message")
	}
}

// Example from ../rfc/2195:110
func TestCRAMMD5(t *testing.T) {
	c := NewClientCRAMMD5("tim", "tanstaaftanstaaf")
	c.Next(nil)
	buf, last, err := c.Next([]byte("<1896.697170952@postoffice.reston.mci.net>"))
	if err != nil || !last {
		t.Fatalf("next: last %v, err %v", last, err)
	}
	tcompare(t, string(buf), "tim b913a602c7eda7a495b4e6e7334d3890")

	c = NewClientCRAMMD5("tim", "tanstaaftanstaaf")
	c.Next(nil)
	if _, _, err := c.Next([]byte("no brackets")); err == nil {
		t.Fatalf("expected error for invalid challenge")
	}
}

func TestXOAUTH2(t *testing.T) {
	c := NewClientXOAUTH2("mjl@example.org", "token")
	buf, _, _ := c.Next(nil)
	tcompare(t, string(buf), "user=mjl@example.org\x01auth=Bearer token\x01\x01")
	name, cleartext := c.Info()
	if name != "XOAUTH2" || !cleartext {
		t.Fatalf("info %q %v", name, cleartext)
	}
}

func TestOAUTHBEARER(t *testing.T) {
	c := NewClientOAUTHBEARER("mjl@example.org", "imap.example.org", 993, "token")
	buf, _, _ := c.Next(nil)
	tcompare(t, string(buf), "n,a=mjl@example.org,\x01host=imap.example.org\x01port=993\x01auth=Bearer token\x01\x01")
}

func TestSCRAMStart(t *testing.T) {
	c := NewClientSCRAMSHA256("mjl", "test1234", false)
	buf, last, err := c.Next(nil)
	if err != nil || last {
		t.Fatalf("next: last %v, err %v", last, err)
	}
	if len(buf) < len("n,,n=mjl,r=") || string(buf[:len("n,,n=mjl,r=")]) != "n,,n=mjl,r=" {
		t.Fatalf("client first %q", buf)
	}
}
