// Package control implements the loopback-only Control Channel of §4.8: a
// plain-text, line-oriented protocol on 127.0.0.1:20025 accepting pause,
// resume, status, and reload commands. It is grounded on the same
// accept-loop idiom as daemon/smtpd/acceptor.go, serving each accepted
// connection on its own goroutine and bound only to loopback, since the
// design notes treat this as an operator-facing sibling of the SMTP listener
// rather than a second public service.
package control

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/mxvane/qsmtpd/lalog"
)

// DefaultPort is the Control Channel's fixed loopback port (§4.8).
const DefaultPort = 20025

// Controllable is implemented by whatever owns the accept gate and the
// adaptive batch size the Control Channel reports on and mutates - in
// practice a *smtpd.Acceptor, kept as an interface here so this package
// never imports the smtpd package back.
type Controllable interface {
	Pause()
	Resume()
	Paused() bool
	NumAccept() int
}

// StatsReporter is an optional capability a Controllable may additionally
// implement to contribute a line of free-form statistics (e.g. connection
// lifetime low/avg/high/total) to the "status" command's output.
type StatsReporter interface {
	Stats() string
}

// Counters is the capability a Controllable implements to report the four
// counters §4.8 specifies for the "status" command: the cumulative accepted
// connection count, the number of connections currently active, and the
// rejected-black/rejected-white hook-outcome tallies (a hard, blacklist-style
// DENY/DENYHARD versus a soft, greylist-style DENYSOFT that expects the
// sender to eventually retry its way onto the whitelist).
type Counters interface {
	Counters() (accepted, active, rejectedBlack, rejectedWhite uint64)
}

// ReloadFunc is invoked for the "reload" command. A non-nil error is
// reported back to the caller as "ERR <error>"; nil yields "OK reloaded".
type ReloadFunc func() error

// Channel serves the Control Channel protocol on 127.0.0.1:<Port>.
type Channel struct {
	Port    int
	Targets []Controllable
	Reload  ReloadFunc
	Logger  lalog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewChannel constructs a Channel. port defaults to DefaultPort if zero.
func NewChannel(port int, targets []Controllable, reload ReloadFunc, logger lalog.Logger) *Channel {
	if port == 0 {
		port = DefaultPort
	}
	return &Channel{Port: port, Targets: targets, Reload: reload, Logger: logger}
}

// Serve binds the loopback listener and serves connections, one command at
// a time per connection, until Stop is called.
func (c *Channel) Serve() error {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port)))
	if err != nil {
		return fmt.Errorf("control: failed to bind loopback listener on port %d: %w", c.Port, err)
	}
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return nil
		}
		go c.handle(conn)
	}
}

// Stop closes the listening socket.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		c.Logger.MaybeMinorError(c.listener.Close())
		c.listener = nil
	}
}

func (c *Channel) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := c.dispatch(line)
		fmt.Fprintf(conn, "%s\n", reply)
		if line == "quit" {
			return
		}
	}
}

func (c *Channel) dispatch(line string) string {
	switch strings.ToLower(line) {
	case "pause":
		for _, t := range c.Targets {
			t.Pause()
		}
		return "OK paused"
	case "resume":
		for _, t := range c.Targets {
			t.Resume()
		}
		return "OK resumed"
	case "status":
		return c.status()
	case "reload":
		if c.Reload == nil {
			return "ERR reload not supported"
		}
		if err := c.Reload(); err != nil {
			c.Logger.Warning("dispatch", err, "reload command failed")
			return fmt.Sprintf("ERR %s", err)
		}
		return "OK reloaded"
	case "quit":
		return "OK bye"
	default:
		return fmt.Sprintf("ERR unrecognised command %q", line)
	}
}

func (c *Channel) status() string {
	var b strings.Builder
	for i, t := range c.Targets {
		fmt.Fprintf(&b, "worker[%d]", i)
		if cs, ok := t.(Counters); ok {
			accepted, active, rejectedBlack, rejectedWhite := cs.Counters()
			fmt.Fprintf(&b, " accepted=%d active=%d rejected-black=%d rejected-white=%d", accepted, active, rejectedBlack, rejectedWhite)
		} else {
			fmt.Fprintf(&b, " paused=%t numaccept=%d", t.Paused(), t.NumAccept())
		}
		if sr, ok := t.(StatsReporter); ok {
			fmt.Fprintf(&b, " stats=%s", sr.Stats())
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
