package smtpd

import (
	"net"
	"testing"
)

func TestParseAddressNull(t *testing.T) {
	a := ParseAddress("")
	if !a.IsNull() {
		t.Fatal("expected empty path to parse as the null address")
	}
	if a.String() != "<>" {
		t.Fatalf("expected <>, got %q", a.String())
	}
}

func TestParseAddressLocalAndHost(t *testing.T) {
	a := ParseAddress("user@example.com")
	if a.Local != "user" || a.Host != "example.com" {
		t.Fatalf("unexpected parse: %+v", a)
	}
	if a.String() != "<user@example.com>" {
		t.Fatalf("unexpected rendering: %q", a.String())
	}
}

func TestParseAddressNoHost(t *testing.T) {
	a := ParseAddress("postmaster")
	if a.Local != "postmaster" || a.Host != "" {
		t.Fatalf("unexpected parse: %+v", a)
	}
	if a.String() != "<postmaster>" {
		t.Fatalf("unexpected rendering: %q", a.String())
	}
}

func TestNotesSetOnceReadMany(t *testing.T) {
	n := newNotes()
	if !n.Set("k", "first") {
		t.Fatal("expected first Set to succeed")
	}
	if n.Set("k", "second") {
		t.Fatal("expected second Set on the same key to be rejected")
	}
	val, ok := n.Get("k")
	if !ok || val != "first" {
		t.Fatalf("expected the first value to stick, got %q ok=%v", val, ok)
	}
	if _, ok := n.Get("missing"); ok {
		t.Fatal("expected Get of an unset key to report false")
	}
}

func TestTransactionHeaderParsing(t *testing.T) {
	txn := NewTransaction()
	txn.AppendBody([]byte("Subject: hello\r\nMessage-ID: <abc@example.com>\r\nX-Folded: one\r\n two\r\n\r\nbody text\r\n"))
	txn.Finalize()

	if got := txn.HeaderValue("message-id"); got != "<abc@example.com>" {
		t.Fatalf("expected case-insensitive Message-ID lookup, got %q", got)
	}
	if got := txn.HeaderValue("X-Folded"); got != "one two" {
		t.Fatalf("expected folded continuation to be joined, got %q", got)
	}
	if got := txn.HeaderValue("Nonexistent"); got != "" {
		t.Fatalf("expected empty string for missing header, got %q", got)
	}
}

func TestTransactionAppendBodyAfterFinalizePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected AppendBody after Finalize to panic")
		}
	}()
	txn := NewTransaction()
	txn.Finalize()
	txn.AppendBody([]byte("too late"))
}

func TestTransactionDataSizeAndBodyReaderIndependence(t *testing.T) {
	txn := NewTransaction()
	txn.AppendBody([]byte("hello"))
	txn.AppendBody([]byte(" world"))
	txn.Finalize()

	if txn.DataSize() != len("hello world") {
		t.Fatalf("unexpected DataSize: %d", txn.DataSize())
	}

	r1 := txn.BodyReader()
	buf1 := make([]byte, 5)
	r1.Read(buf1)
	r2 := txn.BodyReader()
	buf2 := make([]byte, 5)
	r2.Read(buf2)
	if string(buf1) != string(buf2) {
		t.Fatalf("expected independent readers to both start at byte 0, got %q vs %q", buf1, buf2)
	}
}

func TestAddressASCIIHostNormalizesIDN(t *testing.T) {
	a := ParseAddress("user@xn--mnchen-3ya.de")
	if got := a.ASCIIHost(); got != "xn--mnchen-3ya.de" {
		t.Fatalf("expected an already-ASCII host to pass through unchanged, got %q", got)
	}
	if got := ParseAddress("user@münchen.de").ASCIIHost(); got != "xn--mnchen-3ya.de" {
		t.Fatalf("expected an internationalized host to be converted to punycode, got %q", got)
	}
	if ParseAddress("").ASCIIHost() != "" {
		t.Fatal("expected the null address to have no host")
	}
	if ParseAddress("postmaster").ASCIIHost() != "" {
		t.Fatal("expected an address with no domain to have no host")
	}
}

func TestNewConnectionDefaults(t *testing.T) {
	c := NewConnection(net.ParseIP("198.51.100.7"), 2525)
	if c.RemotePort != 2525 {
		t.Fatalf("unexpected RemotePort: %d", c.RemotePort)
	}
	if c.RelayClient || c.WhitelistHost {
		t.Fatal("expected a fresh Connection to carry no relay/whitelist grants")
	}
}
