package smtpd

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mxvane/qsmtpd/testingstub"
)

// SelfTestAcceptor exercises a running Acceptor end to end over a real TCP
// connection: connect, expect the greeting, HELO, then QUIT. It is shared
// between acceptor_test.go (called with a *testing.T) and a runtime
// liveness check a supervising process can run against its own listener
// (called with a lightweight testingstub.T adapter), the same shared-test-
// routine shape the wider pack uses for its own daemons.
func SelfTestAcceptor(addr string, port int, t testingstub.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), 3*time.Second)
	if err != nil {
		t.Fatalf("self-test: failed to connect: %v", err)
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	r := bufio.NewReader(conn)

	greeting, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("self-test: expected a 220 greeting, got %q (err=%v)", greeting, err)
		return
	}

	fmt.Fprint(conn, "HELO selftest.invalid\r\n")
	helo, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(helo, "250 ") {
		t.Fatalf("self-test: expected HELO to succeed, got %q (err=%v)", helo, err)
		return
	}

	fmt.Fprint(conn, "QUIT\r\n")
	bye, err := r.ReadString('\n')
	if err != nil || !strings.HasPrefix(bye, "221 ") {
		t.Fatalf("self-test: expected QUIT to reply 221, got %q (err=%v)", bye, err)
		return
	}
}
