package dnsbl

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestDNSBLLookupNameReversesOctets(t *testing.T) {
	name := DNSBLLookupName(net.ParseIP("1.2.3.4"), "bl.example")
	if name != "4.3.2.1.bl.example" {
		t.Fatalf("unexpected lookup name: %q", name)
	}
}

func TestDNSBLLookupNameRejectsIPv6(t *testing.T) {
	name := DNSBLLookupName(net.ParseIP("::1"), "bl.example")
	if name != "" {
		t.Fatalf("expected empty name for non-IPv4 address, got %q", name)
	}
}

func TestRHSBLLookupNameAppendsZone(t *testing.T) {
	name := RHSBLLookupName("spam.tld", "bl.example")
	if name != "spam.tld.bl.example" {
		t.Fatalf("unexpected RHSBL name: %q", name)
	}
}

func TestLookupBatchReturnsFalseWhenEmpty(t *testing.T) {
	h := NewHelper(nil, 0, 0)
	issued := h.LookupBatch(nil, nil, nil, nil, nil)
	if issued {
		t.Fatal("expected LookupBatch to report no queries issued for empty input")
	}
}

func TestNewHelperAppliesDefaults(t *testing.T) {
	h := NewHelper(nil, 0, 0)
	if h.Timeout <= 0 {
		t.Fatal("expected a non-zero default timeout")
	}
	if h.MaxInFlight <= 0 {
		t.Fatal("expected a non-zero default MaxInFlight")
	}
}

func TestLookupBatchBlockingWaitsForCallbacksBeforeReturning(t *testing.T) {
	// 127.0.0.1:1 refuses the connection immediately, so the exchange fails
	// fast without needing real network access; what this test checks is
	// that LookupBatchBlocking does not return until every callback - even a
	// failure callback - has already run.
	h := NewHelper([]string{"127.0.0.1:1"}, 50*time.Millisecond, 4)
	var called int32
	issued := h.LookupBatchBlocking(context.Background(), []string{"example.invalid"}, nil,
		func(ips []net.IP, query string) { atomic.AddInt32(&called, 1) }, nil)
	if !issued {
		t.Fatal("expected LookupBatchBlocking to report a query was issued")
	}
	if atomic.LoadInt32(&called) != 1 {
		t.Fatalf("expected the callback to have already run by the time LookupBatchBlocking returned, got %d calls", called)
	}
	if h.InFlight() != 0 {
		t.Fatalf("expected no in-flight queries once LookupBatchBlocking returns, got %d", h.InFlight())
	}
}

func TestInFlightStartsAtZeroAndTracksTickets(t *testing.T) {
	h := NewHelper(nil, 0, 0)
	if h.InFlight() != 0 {
		t.Fatalf("expected a fresh Helper to report 0 in-flight queries, got %d", h.InFlight())
	}
	id := h.beginInFlight()
	if h.InFlight() != 1 {
		t.Fatalf("expected 1 in-flight query after beginInFlight, got %d", h.InFlight())
	}
	h.endInFlight(id)
	if h.InFlight() != 0 {
		t.Fatalf("expected 0 in-flight queries after endInFlight, got %d", h.InFlight())
	}
}
