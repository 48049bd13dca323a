package config

import (
	"crypto/tls"
	"time"

	"github.com/mjl-/imapsync/dns"
	"github.com/mjl-/imapsync/imapclient"
	"github.com/mjl-/imapsync/mlog"
)

// Defaults for optional fields.
const (
	DefaultPipelineDepth = 15
	DefaultLineBudget    = 8192
	DefaultPollInterval  = 5 * time.Minute
	DefaultIdleTimeout   = 25 * time.Minute
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed form of the imapsync.conf configuration file.
type Static struct {
	LogLevel         string             `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs IMAP protocol transcripts, with traceauth also commands with passwords, and tracedata on top of that also the full data exchanges (full messages), which can be a large amount of data."`
	PackageLogLevels map[string]string  `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. imapclient, hcache, bodycache, dns, serve)."`
	DataDir          string             `sconf:"optional" sconf-doc:"Directory for caches of accounts that do not configure explicit cache paths. If this is a relative path, it is relative to the directory of imapsync.conf. Default: data."`
	Listen           string             `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics at /metrics and the JSON API at /api/ on with the serve subcommand, e.g. localhost:8020. If empty, nothing is served over HTTP."`
	Accounts         map[string]Account `sconf-doc:"Accounts at IMAP servers. The key is a name used in logging, metrics and on the command-line."`

	// Parsed log levels, key "" is the default.
	Log map[string]mlog.Level `sconf:"-" json:"-"`
}

// Account is a login at an IMAP server.
type Account struct {
	Host                  string        `sconf:"optional" sconf-doc:"Host name or IP address of the IMAP server. If empty, the server is looked up through DNS SRV records (_imaps._tcp and _imap._tcp) of Domain."`
	Domain                string        `sconf:"optional" sconf-doc:"Email domain for discovering the IMAP server with DNS SRV records, RFC 6186. Only used if Host is empty. If also empty, the domain of Username is used."`
	Port                  int           `sconf:"optional" sconf-doc:"Port of the IMAP server. Default: 993 for TLS immediate, 143 otherwise."`
	TLS                   string        `sconf:"optional" sconf-doc:"How TLS is used: immediate (typically port 993), starttls (STARTTLS is required), starttls-if-available (STARTTLS when announced, insecure), none (insecure). Default: immediate."`
	TLSInsecureSkipVerify bool          `sconf:"optional" sconf-doc:"Do not verify the TLS certificate of the server. Insecure, for testing only."`
	Username              string        `sconf:"optional" sconf-doc:"Username to authenticate with. Can be empty for servers that preauthenticate, or for the ANONYMOUS method."`
	PasswordFile          string        `sconf:"optional" sconf-doc:"File containing the password. Trailing newlines are removed. If relative, it is relative to the directory of imapsync.conf."`
	TokenFile             string        `sconf:"optional" sconf-doc:"File containing an OAuth2 bearer token, for methods OAUTHBEARER and XOAUTH2."`
	AuthMethods           []string      `sconf:"optional" sconf-doc:"Authentication methods to try, in order. If none of these is available, all known methods are tried. Known methods: SCRAM-SHA-256-PLUS, SCRAM-SHA-256, SCRAM-SHA-1-PLUS, SCRAM-SHA-1, CRAM-MD5, PLAIN, LOGIN, OAUTHBEARER, XOAUTH2, ANONYMOUS."`
	PipelineDepth         int           `sconf:"optional" sconf-doc:"Maximum number of commands in flight. Default: 15."`
	LineBudget            int           `sconf:"optional" sconf-doc:"Maximum length in bytes of UID sets in a single STORE or COPY command. Default: 8192."`
	Compress              bool          `sconf:"optional" sconf-doc:"Enable COMPRESS=DEFLATE if the server supports it."`
	CheckRecent           bool          `sconf:"optional" sconf-doc:"Use the RECENT count for detecting new mail the first time a mailbox is checked."`
	HeaderCache           string        `sconf:"optional" sconf-doc:"Path to the header cache database. Default: <DataDir>/<account>/headers.db. Set to - to disable."`
	BodyCache             string        `sconf:"optional" sconf-doc:"Path to the message cache database. Default: <DataDir>/<account>/bodies.db. Set to - to disable."`
	BodyCacheMaxSize      int64         `sconf:"optional" sconf-doc:"Messages larger than this size in bytes are not stored in the message cache. Default: 10MB. Negative for no limit."`
	Mailboxes             []string      `sconf:"optional" sconf-doc:"Mailboxes to check for new mail with the serve subcommand. Default: INBOX."`
	PollInterval          time.Duration `sconf:"optional" sconf-doc:"Interval between checks for new mail with the serve subcommand. Default: 5m."`
	Idle                  bool          `sconf:"optional" sconf-doc:"With the serve subcommand, keep the first of Mailboxes selected and use IDLE to get notified of changes, if the server supports it."`
	Trash                 string        `sconf:"optional" sconf-doc:"Mailbox to copy messages to before expunging them with the sync subcommand. If empty, messages are expunged without copy."`

	// Parsed forms.
	HostParsed   dns.Host           `sconf:"-" json:"-"`
	DomainParsed dns.Domain         `sconf:"-" json:"-"`
	TLSMode      imapclient.TLSMode `sconf:"-" json:"-"`
	PasswordPath string             `sconf:"-" json:"-"`
	TokenPath    string             `sconf:"-" json:"-"`
}

// Opts returns options for connecting to the account, without caches. For
// accounts without Host, the caller sets Host, Port and TLS from the server
// found through DNS.
func (a Account) Opts(name string) imapclient.Opts {
	opts := imapclient.Opts{
		Log:           mlog.New("imapclient").Fields(mlog.Field("account", name)),
		Port:          a.Port,
		TLS:           a.TLSMode,
		PipelineDepth: a.PipelineDepth,
		LineBudget:    a.LineBudget,
		Compress:      a.Compress,
		CheckRecent:   a.CheckRecent,
	}
	if a.HostParsed.IP != nil {
		opts.Host = a.HostParsed.IP.String()
	} else {
		opts.Host = a.HostParsed.Domain.ASCII
	}
	if a.TLSInsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}
	}
	return opts
}
