package smtpd

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mxvane/qsmtpd/lalog"
	"github.com/mxvane/qsmtpd/misc"
	"github.com/mxvane/qsmtpd/reactor"
)

const (
	// numAcceptInitial is NUMACCEPT's starting value and the value it is
	// reset to every numAcceptDecayPeriod (§4.2).
	numAcceptInitial = 20
	// numAcceptMax is the hard cap NUMACCEPT doubles towards.
	numAcceptMax = 1000
	// numAcceptDecayPeriod is how often NUMACCEPT resets to numAcceptInitial,
	// whether or not a batch saturated in the meantime.
	numAcceptDecayPeriod = 30 * time.Second
	// acceptPollDeadline is the per-Accept deadline used to approximate a
	// non-blocking accept: a timeout here stands in for EAGAIN, the signal
	// that the listen backlog is drained for this batch.
	acceptPollDeadline = 2 * time.Millisecond
)

// ConnHandler processes one accepted, already-non-paused connection. It is
// invoked in its own goroutine per connection; the goroutine (and the
// blocking reads/writes inside it) stands in for the reactor-managed
// Session the single-threaded design describes - see the reactor package
// doc comment for the full rationale.
type ConnHandler func(conn net.Conn)

// Acceptor is the per-worker ServerState the design notes call for: all of
// NUMACCEPT, PAUSED, and the accept-rate counters are fields here rather
// than process-wide globals, so a prefork worker's pause state never leaks
// into a sibling.
type Acceptor struct {
	ListenAddr string
	ListenPort int
	Handler    ConnHandler
	Logger     lalog.Logger

	// RateLimitPerSec bounds the number of accepted connections per
	// remote IP per second; connections beyond the limit are closed
	// immediately without invoking Handler.
	RateLimitPerSec int

	mu        sync.Mutex
	listener  *net.TCPListener
	numAccept int
	paused    int32 // atomic bool

	// decay runs the NUMACCEPT reset timer (§4.2): the reactor's
	// self-rescheduling ScheduleAfter stands in for §4.1's min-heap timer
	// queue, rather than a raw time.Ticker goroutine.
	decay *reactor.Reactor

	rateLimit *misc.RateLimit

	// handleDuration collects connection lifetime statistics surfaced by the
	// Control Channel's "status" command alongside the accept-rate counters.
	handleDuration *misc.Stats

	// acceptedCount and activeCount back AcceptedActive, the plain counters
	// the Control Channel's "status" command reports (§4.8) - kept alongside
	// the Prometheus counters below since reading a prometheus.Counter's
	// current value back out requires going through its metric descriptor.
	acceptedCount uint64
	activeCount   int64

	accepted        prometheus.Counter
	rejectedPaused  prometheus.Counter
	rejectedLimited prometheus.Counter
}

// NewAcceptor constructs an Acceptor. Call StartAndBlock to begin serving.
func NewAcceptor(listenAddr string, listenPort int, rateLimitPerSec int, handler ConnHandler, logger lalog.Logger) *Acceptor {
	a := &Acceptor{
		ListenAddr:      listenAddr,
		ListenPort:      listenPort,
		Handler:         handler,
		Logger:          logger,
		RateLimitPerSec: rateLimitPerSec,
		numAccept:       numAcceptInitial,
		decay:           reactor.New(),
		handleDuration:  misc.NewStats(),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsmtpd_accepted_connections_total",
			Help: "Total number of SMTP connections accepted.",
		}),
		rejectedPaused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsmtpd_rejected_paused_total",
			Help: "Connections rejected because the acceptor was paused.",
		}),
		rejectedLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qsmtpd_rejected_rate_limited_total",
			Help: "Connections rejected by the per-IP accept rate limit.",
		}),
	}
	a.rateLimit = &misc.RateLimit{Logger: logger, UnitSecs: 1, MaxCount: rateLimitPerSec}
	a.rateLimit.Initialise()
	return a
}

// Collectors exposes the Acceptor's prometheus counters for registration.
func (a *Acceptor) Collectors() []prometheus.Collector {
	return []prometheus.Collector{a.accepted, a.rejectedPaused, a.rejectedLimited}
}

// Pause sets the PAUSED gate (§4.2): every subsequent accepted socket
// receives 451 and is closed immediately, until Resume is called. Existing
// connections are unaffected.
func (a *Acceptor) Pause() { atomic.StoreInt32(&a.paused, 1) }

// Resume clears the PAUSED gate.
func (a *Acceptor) Resume() { atomic.StoreInt32(&a.paused, 0) }

// Paused reports the current PAUSED gate state.
func (a *Acceptor) Paused() bool { return atomic.LoadInt32(&a.paused) == 1 }

// NumAccept reports the current adaptive batch size, exposed for tests and
// for the Control Channel's "status" command.
func (a *Acceptor) NumAccept() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numAccept
}

// Bind opens the listening socket without serving it. Callers that need to
// drop privileges between binding a low port and accepting connections
// (§6's "-u" flag) call Bind, drop privileges, then call Serve.
func (a *Acceptor) Bind() error {
	listener, err := net.Listen("tcp", net.JoinHostPort(a.ListenAddr, strconv.Itoa(a.ListenPort)))
	if err != nil {
		return fmt.Errorf("acceptor: failed to listen on %s:%d - %w", a.ListenAddr, a.ListenPort, err)
	}
	a.mu.Lock()
	a.listener = listener.(*net.TCPListener)
	a.mu.Unlock()
	return nil
}

// UseListener adopts an already-bound TCP listener instead of creating a new
// one via Bind. This is how a prefork worker accepts on the single socket
// the supervisor bound once in the parent and duplicated down to every
// worker's inherited file descriptor 3 (see prefork.InheritedListener) -
// §5's "the listening socket is shared by forked workers via accept() on a
// shared descriptor" invariant.
func (a *Acceptor) UseListener(l *net.TCPListener) {
	a.mu.Lock()
	a.listener = l
	a.mu.Unlock()
}

// ListenerFile returns the bound listener's underlying file descriptor,
// duplicated into a new *os.File the caller owns. A prefork supervisor
// passes this to every worker via (*exec.Cmd).ExtraFiles so they all
// accept() on the same socket instead of each binding their own. Bind (or
// UseListener) must be called first.
func (a *Acceptor) ListenerFile() (*os.File, error) {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	if listener == nil {
		return nil, fmt.Errorf("acceptor: ListenerFile called before Bind")
	}
	return listener.File()
}

// StartAndBlock binds the listener (if not already bound by Bind) and
// serves until Stop is called.
func (a *Acceptor) StartAndBlock() error {
	a.mu.Lock()
	bound := a.listener != nil
	a.mu.Unlock()
	if !bound {
		if err := a.Bind(); err != nil {
			return err
		}
	}
	return a.Serve()
}

// Serve accepts and dispatches connections until Stop is called. The
// listener must already be bound via Bind.
func (a *Acceptor) Serve() error {
	go a.decay.Run()
	defer a.decay.Stop()
	a.scheduleDecay()

	for {
		saturated, err := a.acceptBatch()
		if err == errAcceptorStopped {
			return nil
		}
		if err != nil {
			return err
		}
		if saturated {
			a.mu.Lock()
			if a.numAccept < numAcceptMax {
				a.numAccept *= 2
				if a.numAccept > numAcceptMax {
					a.numAccept = numAcceptMax
				}
			}
			a.mu.Unlock()
		}
	}
}

// scheduleDecay arranges for NUMACCEPT to reset to its initial value after
// numAcceptDecayPeriod, then reschedules itself - the reactor's one-shot
// ScheduleAfter doing duty as a periodic timer.
func (a *Acceptor) scheduleDecay() {
	a.decay.ScheduleAfter(numAcceptDecayPeriod, func() {
		a.mu.Lock()
		a.numAccept = numAcceptInitial
		a.mu.Unlock()
		a.scheduleDecay()
	})
}

// acceptBatch accepts up to NUMACCEPT connections back to back. It returns
// saturated=true if the entire batch was drained without an Accept timeout
// standing in for EAGAIN, the trigger for doubling NUMACCEPT (§4.2).
func (a *Acceptor) acceptBatch() (saturated bool, err error) {
	batch := a.NumAccept()
	for i := 0; i < batch; i++ {
		a.mu.Lock()
		listener := a.listener
		a.mu.Unlock()
		if listener == nil {
			return false, errAcceptorStopped
		}
		listener.SetDeadline(time.Now().Add(acceptPollDeadline))
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ne, ok := acceptErr.(net.Error); ok && ne.Timeout() {
				return false, nil
			}
			if isClosedListenerError(acceptErr) {
				return false, errAcceptorStopped
			}
			return false, acceptErr
		}
		a.dispatch(conn)
		if i == batch-1 {
			saturated = true
		}
	}
	return saturated, nil
}

func (a *Acceptor) dispatch(conn net.Conn) {
	if a.Paused() {
		a.rejectedPaused.Inc()
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		fmt.Fprint(conn, "451 Sorry, this server is currently paused\r\n")
		conn.Close()
		return
	}
	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if !a.rateLimit.Add(remoteIP, true) {
		a.rejectedLimited.Inc()
		conn.Close()
		return
	}
	a.accepted.Inc()
	atomic.AddUint64(&a.acceptedCount, 1)
	atomic.AddInt64(&a.activeCount, 1)
	go func() {
		defer atomic.AddInt64(&a.activeCount, -1)
		start := time.Now()
		a.Handler(conn)
		a.handleDuration.Trigger(time.Since(start).Seconds())
	}()
}

// AcceptedActive reports the cumulative number of accepted connections and
// the number currently being handled, the "accepted"/"active" pair the
// Control Channel's "status" command reports (§4.8).
func (a *Acceptor) AcceptedActive() (accepted uint64, active int64) {
	return atomic.LoadUint64(&a.acceptedCount), atomic.LoadInt64(&a.activeCount)
}

// Stats renders the connection-lifetime statistics (low/avg/high/total
// seconds, and sample count) the Control Channel's "status" command reports.
func (a *Acceptor) Stats() string {
	return a.handleDuration.Format(1, 3)
}

// errAcceptorStopped signals that Stop closed the listener out from under
// an in-progress accept loop; Serve treats it as a clean shutdown rather
// than a reportable error.
var errAcceptorStopped = fmt.Errorf("acceptor: stopped")

func isClosedListenerError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// Stop closes the listening socket. Existing connections already handed to
// Handler are unaffected.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		a.Logger.MaybeMinorError(a.listener.Close())
		a.listener = nil
	}
}
