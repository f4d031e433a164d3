package smtpd

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mxvane/qsmtpd/lalog"
)

func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("could not connect to %s in time", addr)
	return nil
}

func TestAcceptorAcceptsAndDispatches(t *testing.T) {
	const port = 30125
	handled := make(chan net.Conn, 1)
	a := NewAcceptor("127.0.0.1", port, 50, func(conn net.Conn) {
		handled <- conn
	}, lalog.Logger{ComponentName: "TestAcceptor"})

	go a.StartAndBlock()
	defer a.Stop()

	conn := dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port))
	defer conn.Close()

	select {
	case c := <-handled:
		if c == nil {
			t.Fatal("handler received nil connection")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestAcceptorPauseRejectsWith451(t *testing.T) {
	const port = 30126
	a := NewAcceptor("127.0.0.1", port, 50, func(conn net.Conn) {
		conn.Close()
	}, lalog.Logger{ComponentName: "TestAcceptorPause"})
	a.Pause()

	go a.StartAndBlock()
	defer a.Stop()

	conn := dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port))
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line[:3] != "451" {
		t.Fatalf("expected 451 reply while paused, got %q", line)
	}
}

func TestNumAcceptDefaultsToTwenty(t *testing.T) {
	a := NewAcceptor("127.0.0.1", 0, 10, func(net.Conn) {}, lalog.Logger{})
	if a.NumAccept() != numAcceptInitial {
		t.Fatalf("expected initial NUMACCEPT of %d, got %d", numAcceptInitial, a.NumAccept())
	}
}

func TestStopCausesServeToReturnCleanly(t *testing.T) {
	const port = 30129
	a := NewAcceptor("127.0.0.1", port, 50, func(conn net.Conn) {
		conn.Close()
	}, lalog.Logger{ComponentName: "TestAcceptorStop"})

	if err := a.Bind(); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Serve() }()

	dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port)).Close()
	a.Stop()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("expected Serve to return nil after Stop, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestAcceptorStatsAccumulatesHandledConnections(t *testing.T) {
	const port = 30128
	done := make(chan struct{})
	a := NewAcceptor("127.0.0.1", port, 50, func(conn net.Conn) {
		conn.Close()
		close(done)
	}, lalog.Logger{ComponentName: "TestAcceptorStats"})

	go a.StartAndBlock()
	defer a.Stop()

	dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was never invoked")
	}
	time.Sleep(20 * time.Millisecond) // let the goroutine record the sample after Handler returns

	if stats := a.Stats(); !strings.Contains(stats, "(1)") {
		t.Fatalf("expected a single recorded sample, got %q", stats)
	}
}

func TestAcceptedActiveTracksInFlightHandlers(t *testing.T) {
	const port = 30130
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	a := NewAcceptor("127.0.0.1", port, 50, func(conn net.Conn) {
		entered <- struct{}{}
		<-release
		conn.Close()
	}, lalog.Logger{ComponentName: "TestAcceptorAcceptedActive"})

	go a.StartAndBlock()
	defer a.Stop()

	conn := dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port))
	defer conn.Close()

	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was never invoked")
	}

	accepted, active := a.AcceptedActive()
	if accepted != 1 {
		t.Fatalf("expected 1 accepted connection, got %d", accepted)
	}
	if active != 1 {
		t.Fatalf("expected 1 active connection while the handler blocks, got %d", active)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)
	if _, active := a.AcceptedActive(); active != 0 {
		t.Fatalf("expected 0 active connections once the handler returns, got %d", active)
	}
}

func TestUseListenerAdoptsAnExternallyBoundSocket(t *testing.T) {
	const port = 30131
	bootstrap := NewAcceptor("127.0.0.1", port, 50, func(net.Conn) {}, lalog.Logger{})
	if err := bootstrap.Bind(); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	file, err := bootstrap.ListenerFile()
	if err != nil {
		t.Fatalf("ListenerFile failed: %v", err)
	}
	dupListener, err := net.FileListener(file)
	file.Close()
	if err != nil {
		t.Fatalf("net.FileListener failed: %v", err)
	}
	tcpListener, ok := dupListener.(*net.TCPListener)
	if !ok {
		t.Fatalf("expected a *net.TCPListener, got %T", dupListener)
	}
	bootstrap.Stop()

	handled := make(chan net.Conn, 1)
	a := NewAcceptor("127.0.0.1", port, 50, func(conn net.Conn) {
		handled <- conn
	}, lalog.Logger{ComponentName: "TestAcceptorUseListener"})
	a.UseListener(tcpListener)
	go a.Serve()
	defer a.Stop()

	conn := dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port))
	defer conn.Close()

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was never invoked on the adopted listener")
	}
}

func TestListenerFileFailsBeforeBind(t *testing.T) {
	a := NewAcceptor("127.0.0.1", 0, 50, func(net.Conn) {}, lalog.Logger{})
	if _, err := a.ListenerFile(); err == nil {
		t.Fatal("expected ListenerFile to fail before Bind is called")
	}
}

func TestSelfTestAcceptorAgainstLiveAcceptor(t *testing.T) {
	const port = 30127
	d := NewHookDispatcher(lalog.Logger{ComponentName: "TestSelfTestHooks"})
	a := NewAcceptor("127.0.0.1", port, 50, func(conn net.Conn) {
		session := NewSession(conn, "selftest.example.com", DefaultLimits, d, lalog.Logger{ComponentName: "TestSelfTestSession"})
		defer session.Close()
		session.Run()
	}, lalog.Logger{ComponentName: "TestSelfTestAcceptor"})

	go a.StartAndBlock()
	defer a.Stop()
	dialRetry(t, fmt.Sprintf("127.0.0.1:%d", port)).Close()

	SelfTestAcceptor("127.0.0.1", port, t)
}
