package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/sconf"

	"github.com/mjl-/imapsync/dns"
	"github.com/mjl-/imapsync/imapclient"
	"github.com/mjl-/imapsync/mlog"
)

// ParseConfig parses the config file at p and prepares it for use: defaults
// are filled in, values are checked and parsed forms are set. All problems
// found are returned.
func ParseConfig(p string) (c *Static, errs []error) {
	c = &Static{}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("IMAPSYNCCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use imapsync -config ... or set IMAPSYNCCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, c); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := PrepareStaticConfig(p, c); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

// PrepareStaticConfig checks the config and sets parsed fields and defaults.
// Relative paths are resolved against the directory of configFile.
func PrepareStaticConfig(configFile string, c *Static) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	configDir := filepath.Dir(configFile)
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(configDir, p)
	}

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]mlog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			if c.Log == nil {
				c.Log = map[string]mlog.Level{}
			}
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.DataDir == "" {
		c.DataDir = "data"
	}
	c.DataDir = abs(c.DataDir)

	if len(c.Accounts) == 0 {
		addErrorf("no accounts configured")
	}

	known := imapclient.Methods()
	for name, a := range c.Accounts {
		addAccountErrorf := func(format string, args ...any) {
			addErrorf("account %s: %s", name, fmt.Sprintf(format, args...))
		}

		if a.Host != "" {
			h, err := dns.ParseHost(a.Host)
			if err != nil {
				addAccountErrorf("%v", err)
			}
			a.HostParsed = h
		} else {
			domain := a.Domain
			if domain == "" {
				if _, d, ok := strings.Cut(a.Username, "@"); ok {
					domain = d
				}
			}
			if domain == "" {
				addAccountErrorf("need Host, Domain or Username with domain for finding the server")
			} else if d, err := dns.ParseDomain(domain); err != nil {
				addAccountErrorf("parsing domain: %v", err)
			} else {
				a.DomainParsed = d
			}
		}

		switch mode := imapclient.TLSMode(a.TLS); mode {
		case "":
			a.TLSMode = imapclient.TLSImmediate
		case imapclient.TLSImmediate, imapclient.TLSStartTLS, imapclient.TLSStartTLSIfAvailable, imapclient.TLSNone:
			a.TLSMode = mode
		default:
			addAccountErrorf("unknown TLS mode %q", a.TLS)
		}
		if a.Host != "" && a.Port == 0 {
			if a.TLSMode == imapclient.TLSImmediate {
				a.Port = 993
			} else {
				a.Port = 143
			}
		}
		if a.Port < 0 || a.Port > 65535 {
			addAccountErrorf("invalid port %d", a.Port)
		}

		for i, m := range a.AuthMethods {
			m = strings.ToUpper(m)
			if !slices.Contains(known, m) {
				addAccountErrorf("unknown authentication method %q", m)
			}
			a.AuthMethods[i] = m
		}
		if a.PasswordFile != "" {
			a.PasswordPath = abs(a.PasswordFile)
		}
		if a.TokenFile != "" {
			a.TokenPath = abs(a.TokenFile)
		}

		if a.PipelineDepth == 0 {
			a.PipelineDepth = DefaultPipelineDepth
		} else if a.PipelineDepth < 0 {
			addAccountErrorf("pipeline depth must be positive")
		}
		if a.LineBudget == 0 {
			a.LineBudget = DefaultLineBudget
		} else if a.LineBudget < 64 {
			addAccountErrorf("line budget must be at least 64")
		}

		switch a.HeaderCache {
		case "":
			a.HeaderCache = filepath.Join(c.DataDir, name, "headers.db")
		case "-":
			a.HeaderCache = ""
		default:
			a.HeaderCache = abs(a.HeaderCache)
		}
		switch a.BodyCache {
		case "":
			a.BodyCache = filepath.Join(c.DataDir, name, "bodies.db")
		case "-":
			a.BodyCache = ""
		default:
			a.BodyCache = abs(a.BodyCache)
		}
		if a.BodyCacheMaxSize == 0 {
			a.BodyCacheMaxSize = 10 * 1024 * 1024
		} else if a.BodyCacheMaxSize < 0 {
			a.BodyCacheMaxSize = 0
		}

		if len(a.Mailboxes) == 0 {
			a.Mailboxes = []string{"INBOX"}
		}
		// Mailbox names are compared after NFC normalization, as the server does.
		for _, mb := range a.Mailboxes {
			if s := norm.NFC.String(mb); s != mb {
				addAccountErrorf("mailbox %q is not in NFC normalized form, should be %q", mb, s)
			}
		}
		if a.Trash != "" && norm.NFC.String(a.Trash) != a.Trash {
			addAccountErrorf("trash mailbox %q is not in NFC normalized form", a.Trash)
		}
		if a.PollInterval == 0 {
			a.PollInterval = DefaultPollInterval
		} else if a.PollInterval < 0 {
			addAccountErrorf("poll interval must be positive")
		}

		c.Accounts[name] = a
	}
	return errs
}

// Password returns the password from PasswordFile, without trailing newlines.
// Empty if no file is configured.
func (a Account) Password() (string, error) {
	return readSecret(a.PasswordPath)
}

// Token returns the OAuth2 token from TokenFile.
func (a Account) Token() (string, error) {
	return readSecret(a.TokenPath)
}

func readSecret(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	buf, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("reading secret: %v", err)
	}
	return string(bytes.TrimRight(buf, "\r\n")), nil
}

// AccountNames returns the configured account names, sorted.
func (c *Static) AccountNames() []string {
	var l []string
	for name := range c.Accounts {
		l = append(l, name)
	}
	slices.Sort(l)
	return l
}
