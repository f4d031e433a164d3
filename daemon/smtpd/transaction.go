package smtpd

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/idna"
)

// Address is a parsed SMTP reverse/forward path.
type Address struct {
	Local  string
	Host   string
	isNull bool
}

// ParseAddress turns the bare path text handed over by smtp.ParsedLine (the
// angle brackets already stripped) into an Address. An empty string produces
// the null/bounce address "<>".
func ParseAddress(path string) Address {
	if path == "" {
		return Address{isNull: true}
	}
	at := strings.LastIndexByte(path, '@')
	if at == -1 {
		return Address{Local: path}
	}
	return Address{Local: path[:at], Host: path[at+1:]}
}

// String renders the address in its wire form, e.g. "<local@host>" or "<>".
func (a Address) String() string {
	if a.isNull {
		return "<>"
	}
	if a.Host == "" {
		return fmt.Sprintf("<%s>", a.Local)
	}
	return fmt.Sprintf("<%s@%s>", a.Local, a.Host)
}

// IsNull reports whether this is the bounce/null reverse-path "<>".
func (a Address) IsNull() bool {
	return a.isNull
}

// ASCIIHost returns the address's domain normalized to its ASCII
// (punycode) form, so that RHSBL zone lookups and greylist fingerprints
// treat "例え.jp" and its "xn--" form as the same name. Returns the empty
// string for a null address or one with no domain part.
func (a Address) ASCIIHost() string {
	if a.isNull || a.Host == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(a.Host)
	if err != nil {
		return strings.ToLower(a.Host)
	}
	return ascii
}

// notes is a set-once-read-many string map shared by Connection and
// Transaction. The first writer of a key wins; later writes are ignored,
// matching the append-only discipline plugins rely on to avoid stepping on
// each other's annotations.
type notes struct {
	mutex sync.Mutex
	vals  map[string]string
}

func newNotes() *notes {
	return &notes{vals: make(map[string]string)}
}

// Set records a note if the key is not already present. It returns false if
// the key already held a value.
func (n *notes) Set(key, val string) bool {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if _, exists := n.vals[key]; exists {
		return false
	}
	n.vals[key] = val
	return true
}

// Get retrieves a note, returning ok=false if it was never set.
func (n *notes) Get(key string) (string, bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	val, ok := n.vals[key]
	return val, ok
}

// Connection holds everything that survives across multiple transactions on
// the same TCP socket, from accept() to close.
type Connection struct {
	RemoteIP   net.IP
	RemotePort int
	StartTime  time.Time

	// RelayClient marks a connection that is authenticated or
	// network-whitelisted to relay outbound without further policy checks.
	RelayClient bool
	// WhitelistHost marks the remote host itself (not an address within the
	// transaction) as exempt from greylisting and blocklists.
	WhitelistHost bool

	Notes *notes
}

// NewConnection constructs a Connection for a freshly accepted socket.
func NewConnection(remoteIP net.IP, remotePort int) *Connection {
	return &Connection{
		RemoteIP:   remoteIP,
		RemotePort: remotePort,
		StartTime:  time.Now(),
		Notes:      newNotes(),
	}
}

// Header is a single ordered mail header field; RFC 5322 allows repeated
// field names, so the Transaction keeps the headers as an ordered slice
// rather than a map.
type Header struct {
	Name  string
	Value string
}

// Transaction is one MAIL FROM ... end-of-DATA cycle within a Connection.
// A Connection may carry several transactions in sequence (one per RSET or
// completed delivery).
type Transaction struct {
	Sender     Address
	sawSender  bool
	Recipients []Address

	Headers  []Header
	body     bytes.Buffer
	bodyDone bool

	Notes *notes
}

// NewTransaction starts a fresh transaction on a Connection.
func NewTransaction() *Transaction {
	return &Transaction{Notes: newNotes()}
}

// SetSender records the MAIL FROM address. It is invalid to call this twice
// without an intervening Reset.
func (t *Transaction) SetSender(a Address) {
	t.Sender = a
	t.sawSender = true
}

// HasSender reports whether MAIL FROM has been accepted for this transaction,
// the invariant gating whether RCPT TO is legal.
func (t *Transaction) HasSender() bool {
	return t.sawSender
}

// AddRecipient appends a RCPT TO address. DATA is only legal once this slice
// is non-empty.
func (t *Transaction) AddRecipient(a Address) {
	t.Recipients = append(t.Recipients, a)
}

// AppendBody streams in one more chunk of message body bytes. The body is
// append-only until Finalize is called.
func (t *Transaction) AppendBody(chunk []byte) {
	if t.bodyDone {
		panic("smtpd: AppendBody called on a finalized transaction")
	}
	t.body.Write(chunk)
}

// Finalize closes the body stream off to further writes and parses the
// header block (everything up to the first blank line, with RFC 5322
// folded continuation lines rejoined) so that HeaderValue can answer
// things like the greylist fingerprint's Message-ID lookup.
func (t *Transaction) Finalize() {
	t.bodyDone = true
	t.parseHeaders()
}

// parseHeaders scans the body for its header block without consuming or
// otherwise altering the stored bytes. Lines may end in CRLF or, as the
// session's DATA reader stores them, in a bare LF.
func (t *Transaction) parseHeaders() {
	lines := strings.Split(t.body.String(), "\n")
	var name, value string
	flush := func() {
		if name != "" {
			t.Headers = append(t.Headers, Header{Name: name, Value: value})
			name, value = "", ""
		}
	}
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && name != "" {
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		idx := strings.IndexByte(line, ':')
		if idx == -1 {
			break
		}
		name = line[:idx]
		value = strings.TrimSpace(line[idx+1:])
	}
	flush()
}

// DataSize returns the accumulated body size in bytes.
func (t *Transaction) DataSize() int {
	return t.body.Len()
}

// BodyReader returns a fresh reader positioned at byte 0 of the body, so that
// repeated reads (e.g. to compute a fingerprint, then later to spool the
// message) never observe a stale cursor left behind by a previous reader.
func (t *Transaction) BodyReader() *bytes.Reader {
	return bytes.NewReader(t.body.Bytes())
}

// HeaderValue returns the value of the first header matching name
// case-insensitively, or "" if absent.
func (t *Transaction) HeaderValue(name string) string {
	for _, h := range t.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
