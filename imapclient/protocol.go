package imapclient

import (
	"fmt"
	"strings"
	"time"
)

// Capability is a capability as announced by a server, in upper case.
type Capability string

const (
	CapIMAP4               Capability = "IMAP4"
	CapIMAP4rev1           Capability = "IMAP4REV1"               // ../rfc/3501:1310
	CapStatus              Capability = "STATUS"                  // Pre-IMAP4rev1 servers.
	CapACL                 Capability = "ACL"                     // ../rfc/4314:1046
	CapNamespace           Capability = "NAMESPACE"               // ../rfc/2342:130
	CapLoginDisabled       Capability = "LOGINDISABLED"           // ../rfc/3501:3792
	CapStartTLS            Capability = "STARTTLS"                // ../rfc/3501:1327
	CapSASLIR              Capability = "SASL-IR"                 // ../rfc/4959:133
	CapAuthPlain           Capability = "AUTH=PLAIN"              // ../rfc/3501:1327
	CapAuthLogin           Capability = "AUTH=LOGIN"              // Not standardized.
	CapAuthCRAMMD5         Capability = "AUTH=CRAM-MD5"           // ../rfc/2195:80
	CapAuthSCRAMSHA1       Capability = "AUTH=SCRAM-SHA-1"        // ../rfc/5802:465
	CapAuthSCRAMSHA1Plus   Capability = "AUTH=SCRAM-SHA-1-PLUS"   // ../rfc/5802:465
	CapAuthSCRAMSHA256     Capability = "AUTH=SCRAM-SHA-256"      // ../rfc/7677:80
	CapAuthSCRAMSHA256Plus Capability = "AUTH=SCRAM-SHA-256-PLUS" // ../rfc/7677:80
	CapAuthAnonymous       Capability = "AUTH=ANONYMOUS"          // ../rfc/4505:187
	CapAuthOAUTHBEARER     Capability = "AUTH=OAUTHBEARER"        // ../rfc/7628:287
	CapAuthXOAUTH2         Capability = "AUTH=XOAUTH2"
	CapLiteralPlus         Capability = "LITERAL+" // ../rfc/7888:26
	CapIdle                Capability = "IDLE"     // ../rfc/2177:69
	CapEnable              Capability = "ENABLE"   // ../rfc/5161:52
	CapCondstore           Capability = "CONDSTORE"
	CapQresync             Capability = "QRESYNC" // ../rfc/7162:1376
	CapListExtended        Capability = "LIST-EXTENDED"
	CapCompressDeflate     Capability = "COMPRESS=DEFLATE" // ../rfc/4978:65
	CapID                  Capability = "ID"               // ../rfc/2971:80
	CapUTF8Accept          Capability = "UTF8=ACCEPT"      // ../rfc/6855:180
	CapUIDPlus             Capability = "UIDPLUS"          // ../rfc/4315:36
	CapUnselect            Capability = "UNSELECT"         // ../rfc/3691:78
	CapMove                Capability = "MOVE"             // ../rfc/6851:87
	CapGmailExt            Capability = "X-GM-EXT-1"
)

// Status is the result of a command, in a tagged response or an untagged
// OK/NO/BAD.
type Status string

const (
	OK  Status = "OK"  // Command succeeded.
	NO  Status = "NO"  // Command failed.
	BAD Status = "BAD" // Syntax error, or command not valid in this state.
)

// Result is the final response for a command.
type Result struct {
	Status Status
	Code   Code   // Set if response code is present.
	Text   string // Any remaining text.
}

func (r Result) String() string {
	s := string(r.Status)
	if r.Code != nil {
		s += " [" + r.Code.CodeString() + "]"
	}
	if r.Text != "" {
		s += " " + r.Text
	}
	return s
}

// Code is a response code, the data between [] in a status response.
type Code interface {
	CodeString() string
}

// CodeWord is a response code without parameters, e.g. READ-ONLY,
// TRYCREATE, NOMODSEQ, ALERT. Always in upper case.
type CodeWord string

func (c CodeWord) CodeString() string {
	return string(c)
}

// CodeParams is an unrecognized response code with parameters.
type CodeParams struct {
	Code string // Upper case.
	Args string
}

func (c CodeParams) CodeString() string {
	return c.Code + " " + c.Args
}

// CodeCapability holds the capabilities, e.g. in a greeting.
type CodeCapability []Capability

func (c CodeCapability) CodeString() string {
	var l []string
	for _, e := range c {
		l = append(l, string(e))
	}
	return "CAPABILITY " + strings.Join(l, " ")
}

// CodePermanentFlags is the vocabulary of flags a client can change
// permanently. A flag `\*` means clients can create new keywords.
type CodePermanentFlags []string

func (c CodePermanentFlags) CodeString() string {
	return "PERMANENTFLAGS (" + strings.Join(c, " ") + ")"
}

type CodeUIDNext uint32

func (c CodeUIDNext) CodeString() string {
	return fmt.Sprintf("UIDNEXT %d", c)
}

type CodeUIDValidity uint32

func (c CodeUIDValidity) CodeString() string {
	return fmt.Sprintf("UIDVALIDITY %d", c)
}

type CodeUnseen uint32

func (c CodeUnseen) CodeString() string {
	return fmt.Sprintf("UNSEEN %d", c)
}

type CodeHighestModSeq uint64

func (c CodeHighestModSeq) CodeString() string {
	return fmt.Sprintf("HIGHESTMODSEQ %d", c)
}

// CodeAppendUID is returned by servers with UIDPLUS for APPEND.
type CodeAppendUID struct {
	UIDValidity uint32
	UID         uint32
}

func (c CodeAppendUID) CodeString() string {
	return fmt.Sprintf("APPENDUID %d %d", c.UIDValidity, c.UID)
}

// Untagged is a parsed untagged response. See the Untagged* types.
type Untagged any

type UntaggedBye struct {
	Code Code
	Text string
}
type UntaggedPreauth struct {
	Code Code
	Text string
}

// UntaggedResult is an untagged OK, NO or BAD, often carrying a code like
// UIDVALIDITY or PERMANENTFLAGS.
type UntaggedResult Result

type UntaggedCapability []Capability
type UntaggedEnabled []Capability
type UntaggedFlags []string
type UntaggedExists uint32
type UntaggedExpunge uint32
type UntaggedRecent uint32

// UntaggedSearch holds UIDs or sequence numbers, depending on the command.
type UntaggedSearch []uint32

type UntaggedList struct {
	Flags     []string // E.g. `\Noselect`, `\HasChildren`. Case as sent by server.
	Separator byte     // 0 for NIL, no hierarchy.
	Mailbox   string   // Decoded from modified UTF-7 unless UTF8=ACCEPT is enabled.
}

type UntaggedLsub UntaggedList

type UntaggedStatus struct {
	Mailbox string
	Attrs   map[StatusAttr]uint64
}

// UntaggedMyrights holds the rights of the user on a mailbox, ../rfc/4314:1174
type UntaggedMyrights struct {
	Mailbox string
	Rights  string
}

// UntaggedVanished lists expunged UIDs, used instead of EXPUNGE once QRESYNC
// is enabled. ../rfc/7162:1765
type UntaggedVanished struct {
	Earlier bool
	UIDs    NumSet
}

type UntaggedID map[string]string

// UntaggedOther is an untagged response with a keyword we don't know about.
type UntaggedOther struct {
	Keyword string
	Text    string
}

// UntaggedFetch holds the attributes of a FETCH response that we use.
type UntaggedFetch struct {
	Seq          uint32
	UID          uint32
	Flags        []string
	HasFlags     bool // Flags can be legitimately empty.
	Size         int64
	InternalDate time.Time
	ModSeq       uint64
	Header       []byte // BODY[HEADER] or RFC822.HEADER.
	Body         []byte // BODY[] or RFC822.
	HasBody      bool
}

// StatusAttr is an attribute of a STATUS command and response.
type StatusAttr string

const (
	StatusMessages      StatusAttr = "MESSAGES"
	StatusUIDNext       StatusAttr = "UIDNEXT"
	StatusUIDValidity   StatusAttr = "UIDVALIDITY"
	StatusUnseen        StatusAttr = "UNSEEN"
	StatusRecent        StatusAttr = "RECENT"
	StatusHighestModSeq StatusAttr = "HIGHESTMODSEQ"
)

// State is the protocol state of a connection.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateSelected
	StateIdle // Sub-state of selected, while an IDLE command is outstanding.
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	case StateIdle:
		return "idle"
	}
	return fmt.Sprintf("state%d", int(s))
}

// Outcome is the result of a mailbox operation.
type Outcome int

const (
	OutcomeError    Outcome = iota // Operation failed, an error is returned too.
	OutcomeSuccess                 // Operation done, possibly with changes.
	OutcomeNoChange                // Nothing changed.
	OutcomeReopened                // Messages were expunged, the application must rebuild its view.
	OutcomeNewMail                 // New messages were added.
)

func (o Outcome) String() string {
	switch o {
	case OutcomeError:
		return "error"
	case OutcomeSuccess:
		return "success"
	case OutcomeNoChange:
		return "nochange"
	case OutcomeReopened:
		return "reopened"
	case OutcomeNewMail:
		return "newmail"
	}
	return fmt.Sprintf("outcome%d", int(o))
}

// Reopen flags track mailbox changes that need handling by the application.
type Reopen int

const (
	ReopenAllow     Reopen = 1 << iota // Pending expunges and new mail may be applied.
	ExpungeExpected                    // We issued EXPUNGE/CLOSE ourselves.
	ExpungePending                     // Messages were expunged, handles await purging.
	NewMailPending                     // EXISTS announced new messages.
	FlagsPending                       // Flags of messages changed on the server.
)

// Rights are the ACL rights of the user on the selected mailbox,
// ../rfc/4314:259
type Rights uint16

const (
	RightLookup        Rights = 1 << iota // l
	RightRead                             // r
	RightSeen                             // s
	RightWrite                            // w
	RightInsert                           // i
	RightPost                             // p
	RightCreate                           // k, obsolete c
	RightDeleteMailbox                    // x, obsolete c
	RightDeleteMessage                    // t, obsolete d
	RightExpunge                          // e, obsolete d
	RightAdmin                            // a

	RightsAll Rights = 1<<11 - 1
)

// ParseRights parses the rights of a MYRIGHTS response. Unknown rights are
// ignored.
func ParseRights(s string) Rights {
	var r Rights
	for _, c := range s {
		switch c {
		case 'l':
			r |= RightLookup
		case 'r':
			r |= RightRead
		case 's':
			r |= RightSeen
		case 'w':
			r |= RightWrite
		case 'i':
			r |= RightInsert
		case 'p':
			r |= RightPost
		case 'k':
			r |= RightCreate
		case 'x':
			r |= RightDeleteMailbox
		case 't':
			r |= RightDeleteMessage
		case 'e':
			r |= RightExpunge
		case 'a':
			r |= RightAdmin
		case 'c':
			// ../rfc/4314:1316
			r |= RightCreate | RightDeleteMailbox
		case 'd':
			r |= RightDeleteMessage | RightExpunge
		}
	}
	return r
}

func (r Rights) String() string {
	const letters = "lrswipkxtea"
	var s string
	for i, c := range letters {
		if r&(1<<i) != 0 {
			s += string(c)
		}
	}
	return s
}

// Has returns whether all rights in o are present.
func (r Rights) Has(o Rights) bool {
	return r&o == o
}
