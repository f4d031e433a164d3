// Command qsmtpd is the CLI entrypoint: it parses the flag surface of §6,
// wires the Acceptor, HookDispatcher, greylist Store, and Async DNS Helper
// together, and then either re-execs itself into N prefork workers or runs
// the single-worker path directly.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mxvane/qsmtpd/config"
	"github.com/mxvane/qsmtpd/control"
	"github.com/mxvane/qsmtpd/daemon/common"
	"github.com/mxvane/qsmtpd/daemon/smtpd"
	"github.com/mxvane/qsmtpd/dnsbl"
	"github.com/mxvane/qsmtpd/greylist"
	"github.com/mxvane/qsmtpd/lalog"
	"github.com/mxvane/qsmtpd/misc"
	"github.com/mxvane/qsmtpd/prefork"
)

// loggerSelfTestAdapter lets the periodic liveness check reuse
// smtpd.SelfTestAcceptor, which expects a testingstub.T, without pulling
// the "testing" package's init-time side effects into the running daemon.
type loggerSelfTestAdapter struct {
	logger lalog.Logger
}

func (a loggerSelfTestAdapter) Helper()                   {}
func (a loggerSelfTestAdapter) Error(args ...interface{}) { a.logf(args...) }
func (a loggerSelfTestAdapter) Errorf(f string, args ...interface{}) {
	a.logger.Warning("selftest", nil, f, args...)
}
func (a loggerSelfTestAdapter) Fatal(args ...interface{}) { a.logf(args...) }
func (a loggerSelfTestAdapter) Fatalf(f string, args ...interface{}) {
	a.logger.Warning("selftest", nil, f, args...)
}
func (a loggerSelfTestAdapter) Fail()                   {}
func (a loggerSelfTestAdapter) FailNow()                {}
func (a loggerSelfTestAdapter) Failed() bool            { return false }
func (a loggerSelfTestAdapter) Log(args ...interface{}) { a.logf(args...) }
func (a loggerSelfTestAdapter) Logf(f string, args ...interface{}) {
	a.logger.Info("selftest", nil, f, args...)
}
func (a loggerSelfTestAdapter) Skip(args ...interface{}) {}
func (a loggerSelfTestAdapter) logf(args ...interface{}) {
	a.logger.Info("selftest", nil, "%v", args)
}

type options struct {
	listenAddress string
	port          int
	procs         int
	user          string
	debug         bool
	usePoll       bool
	configDir     string
	dbDir         string
}

func parseFlags(args []string) (*options, error) {
	fs := pflag.NewFlagSet("qsmtpd", pflag.ContinueOnError)
	o := &options{}
	fs.StringVarP(&o.listenAddress, "listen-address", "l", "0.0.0.0", "address to listen on")
	fs.IntVarP(&o.port, "port", "p", 2525, "port to listen on")
	fs.IntVarP(&o.procs, "procs", "j", 1, "number of worker processes to prefork")
	fs.StringVarP(&o.user, "user", "u", "", "user to drop privileges to after binding")
	fs.BoolVarP(&o.debug, "debug", "d", false, "enable debug logging")
	fs.BoolVar(&o.usePoll, "use-poll", false, "reserved for parity with the reference daemon's poll(2) flag; Go's netpoller is always used")
	fs.StringVar(&o.configDir, "config-dir", "/etc/qsmtpd", "directory of flat configuration files")
	fs.StringVar(&o.dbDir, "db-dir", "/var/lib/qsmtpd", "directory for the greylist on-disk store")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

func main() {
	sanitizeEnvironment()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := lalog.Logger{ComponentName: "qsmtpd"}

	if index, ok := prefork.IsWorker(); ok {
		logger.ComponentID = []lalog.LoggerIDField{{Key: "worker", Value: index}}
		runWorker(opts, logger)
		return
	}

	if opts.procs > 1 {
		// The parent binds the listening socket once, here, and hands every
		// worker a duplicate of its file descriptor via ExtraFiles rather
		// than letting each worker call net.Listen on the same port - the
		// latter would give every worker after the first an EADDRINUSE,
		// since net.Listen sets SO_REUSEADDR but not SO_REUSEPORT. This is
		// what makes §5's "the listening socket is shared by forked workers"
		// invariant true rather than aspirational.
		bootstrap := smtpd.NewAcceptor(opts.listenAddress, opts.port, 50, nil, logger)
		if err := bootstrap.Bind(); err != nil {
			logger.Abort("main", err, "failed to bind shared listener for prefork workers")
		}
		listenerFile, err := bootstrap.ListenerFile()
		if err != nil {
			logger.Abort("main", err, "failed to obtain shared listener file descriptor")
		}

		sup := prefork.NewSupervisor(opts.procs, os.Args[1:], nil, logger)
		sup.ListenerFile = listenerFile
		if err := sup.Run(context.Background()); err != nil {
			logger.Abort("main", err, "prefork supervisor exited")
		}
		return
	}

	runWorker(opts, logger)
}

// sanitizeEnvironment clears inherited shell hooks and pins PATH to a fixed
// value before any configuration or plugin code runs, per §6.
func sanitizeEnvironment() {
	os.Setenv("PATH", "/bin:/usr/bin")
	os.Unsetenv("ENV")
	os.Unsetenv("BASH_ENV")
}

// dropPrivileges switches the process's uid/gid to username after the
// listening socket is bound, per §6's "-u" flag and the standard
// bind-then-drop sequence for a port-25 daemon. A no-op if username is "".
func dropPrivileges(username string) error {
	if username == "" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("dropPrivileges: unknown user %q: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("dropPrivileges: invalid gid for %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("dropPrivileges: invalid uid for %q: %w", username, err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("dropPrivileges: setgid: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("dropPrivileges: setuid: %w", err)
	}
	return nil
}

// rhsblZone is one parsed entry of the "rhsbl_zones" configuration key: a
// DNS zone to query and the optional custom rejection message that follows
// it on the same line (§6).
type rhsblZone struct {
	zone    string
	message string
}

func parseRHSBLZones(lines []string, found bool) []rhsblZone {
	if !found {
		return nil
	}
	zones := make([]rhsblZone, 0, len(lines))
	for _, line := range lines {
		fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
		if fields[0] == "" {
			continue
		}
		z := rhsblZone{zone: fields[0]}
		if len(fields) == 2 {
			z.message = strings.TrimSpace(fields[1])
		}
		zones = append(zones, z)
	}
	return zones
}

// serveOnlyDaemon adapts an already-bound *smtpd.Acceptor to
// daemon/common's generic Daemon interface so common.Supervisor can restart
// its accept loop after an unrecovered panic, without re-running Bind or
// dropPrivileges (those only ever happen once, before supervision starts).
type serveOnlyDaemon struct {
	acceptor *smtpd.Acceptor
}

func (d serveOnlyDaemon) StartAndBlock() error { return d.acceptor.Serve() }
func (d serveOnlyDaemon) Stop()                { d.acceptor.Stop() }

// controlCounters adapts an Acceptor and the HookDispatcher it feeds into
// control.Counters, so the Control Channel's "status" command can report
// the four counters §4.8 specifies (accepted, active, rejected-black,
// rejected-white) without either package importing the other. Embedding
// *smtpd.Acceptor promotes Pause/Resume/Paused/NumAccept/Stats so this type
// still satisfies control.Controllable (and control.StatsReporter) on its
// own.
type controlCounters struct {
	*smtpd.Acceptor
	dispatcher *smtpd.HookDispatcher
}

func (c controlCounters) Counters() (accepted, active, rejectedBlack, rejectedWhite uint64) {
	acceptedCount, activeCount := c.Acceptor.AcceptedActive()
	rejectedBlack, rejectedWhite = c.dispatcher.Tally()
	return acceptedCount, uint64(activeCount), rejectedBlack, rejectedWhite
}

func runWorker(opts *options, logger lalog.Logger) {
	cfg := config.NewOracle(opts.configDir, logger)
	if err := cfg.Load(); err != nil {
		logger.Warning("runWorker", err, "could not load configuration directory %s, continuing with defaults", opts.configDir)
	}

	dispatcher := smtpd.NewHookDispatcher(logger)

	// auth-plain is deliberately not wired to StaticCRAMMD5Checker here: the
	// hook only carries the submitted username (ctx.Arg), not the password,
	// so a real auth-plain handler needs its own HookContext extension or an
	// external backend. CRAM-MD5 needs no password in the hook call - the
	// ticket and client digest are enough to verify - so it gets a reference
	// wiring when a master key is configured.
	if masterKey := cfg.GetFirst("auth_master_key", ""); masterKey != "" {
		checker := smtpd.StaticCRAMMD5Checker{MasterKey: []byte(masterKey)}
		dispatcher.Register("auth-cram-md5", func(ctx *smtpd.HookContext) smtpd.HookResult {
			ticket, _ := ctx.Conn.Notes.Get("cram_md5_ticket")
			digest, _ := ctx.Conn.Notes.Get("cram_md5_digest")
			if !checker.CheckCRAMMD5(ctx.Arg, ticket, digest) {
				return smtpd.HookResult{Code: smtpd.DENY, Message: "bad credentials"}
			}
			return smtpd.HookResult{Code: smtpd.OK}
		})
	}

	store := greylist.NewStore(filepath.Join(opts.dbDir, "greylist"), greylist.DefaultPolicy, logger)
	dispatcher.Register("data_post", func(ctx *smtpd.HookContext) smtpd.HookResult {
		return store.DecideDataPost(ctx, ctx.Conn.WhitelistHost, false, false)
	})
	dispatcher.Register("data", func(ctx *smtpd.HookContext) smtpd.HookResult {
		return store.DecideData(ctx)
	})

	dnsHelper := dnsbl.NewHelper(nil, 0, 0)
	dispatcher.Register("connect", func(ctx *smtpd.HookContext) smtpd.HookResult {
		if ctx.Conn.RemoteIP == nil {
			return smtpd.HookResult{Code: smtpd.Declined}
		}
		zone := cfg.GetFirst("dnsbl_zone", "")
		if zone == "" {
			return smtpd.HookResult{Code: smtpd.Declined}
		}
		name := dnsbl.DNSBLLookupName(ctx.Conn.RemoteIP, zone)
		if name == "" {
			return smtpd.HookResult{Code: smtpd.Declined}
		}
		issued := dnsHelper.LookupBatch(context.Background(), []string{name}, nil,
			func(ips []net.IP, query string) {
				if len(ips) > 0 {
					logger.Info("dnsbl", nil, "remote %s listed by %s", ctx.Conn.RemoteIP, query)
				}
			}, nil)
		if !issued {
			return smtpd.HookResult{Code: smtpd.Declined}
		}
		return smtpd.HookResult{Code: smtpd.Declined}
	})

	// rhsblHitNote is the key the "mail" hook's lookup stashes its verdict
	// under for the "rcpt" hook to read back (§8 scenario 6 rejects at RCPT
	// time, not at MAIL FROM). The lookup itself is blocking
	// (LookupBatchBlocking), not fire-and-forget: each hook call already
	// runs on the session's own per-connection goroutine, so there is no
	// reactor thread to avoid stalling, and blocking here is what makes the
	// note reliably set before "rcpt" ever reads it - a detached goroutine
	// racing the next hook call would make the rejection non-deterministic.
	const rhsblHitNote = "rhsbl_hit"
	rhsblZones := parseRHSBLZones(cfg.Get("rhsbl_zones"))
	dispatcher.Register("mail", func(ctx *smtpd.HookContext) smtpd.HookResult {
		if len(rhsblZones) == 0 || ctx.Txn == nil {
			return smtpd.HookResult{Code: smtpd.Declined}
		}
		domain := ctx.Txn.Sender.ASCIIHost()
		if domain == "" {
			return smtpd.HookResult{Code: smtpd.Declined}
		}

		names := make([]string, len(rhsblZones))
		byName := make(map[string]rhsblZone, len(rhsblZones))
		for i, z := range rhsblZones {
			name := dnsbl.RHSBLLookupName(domain, z.zone)
			names[i] = name
			byName[name] = z
		}

		var mu sync.Mutex
		var verdict string
		dnsHelper.LookupBatchBlocking(context.Background(), names, nil,
			func(ips []net.IP, query string) {
				if len(ips) == 0 {
					return
				}
				z := byName[query]
				msg := z.message
				if msg == "" {
					msg = fmt.Sprintf("Mail from %s rejected because it %s listed", domain, z.zone)
				}
				mu.Lock()
				if verdict == "" {
					verdict = msg
				}
				mu.Unlock()
			}, nil)
		if verdict != "" {
			ctx.Txn.Notes.Set(rhsblHitNote, verdict)
		}
		return smtpd.HookResult{Code: smtpd.Declined}
	})
	dispatcher.Register("rcpt", func(ctx *smtpd.HookContext) smtpd.HookResult {
		if ctx.Txn == nil {
			return smtpd.HookResult{Code: smtpd.Declined}
		}
		if msg, ok := ctx.Txn.Notes.Get(rhsblHitNote); ok {
			return smtpd.HookResult{Code: smtpd.DENY, Message: msg}
		}
		return smtpd.HookResult{Code: smtpd.Declined}
	})

	limits := smtpd.DefaultLimits
	acceptor := smtpd.NewAcceptor(opts.listenAddress, opts.port, 50, func(conn net.Conn) {
		session := smtpd.NewSession(conn, "qsmtpd", limits, dispatcher, logger)
		defer session.Close()
		session.Run()
	}, logger)

	cfg.OnChange(func() {
		logger.Info("runWorker", nil, "configuration reloaded")
	})
	if err := cfg.Watch(); err != nil {
		logger.Warning("runWorker", err, "could not watch configuration directory for changes")
	}

	ctl := control.NewChannel(control.DefaultPort, []control.Controllable{controlCounters{Acceptor: acceptor, dispatcher: dispatcher}}, cfg.Reload, logger)
	go func() {
		if err := ctl.Serve(); err != nil {
			logger.Warning("runWorker", err, "control channel stopped")
		}
	}()

	selfTest := &misc.Periodic{
		LogActorName: "qsmtpd-selftest",
		Interval:     5 * time.Minute,
		MaxInt:       1,
		Func: func(_ context.Context, _, _ int) error {
			smtpd.SelfTestAcceptor(opts.listenAddress, opts.port, loggerSelfTestAdapter{logger: logger})
			return nil
		},
	}
	if err := selfTest.Start(context.Background()); err != nil {
		logger.Warning("runWorker", err, "could not start periodic self-test")
	}

	// A worker started under a prefork Supervisor inherits the parent's
	// already-bound listener (fd 3); it must adopt that socket instead of
	// binding its own; otherwise every worker after the first would fail
	// with EADDRINUSE since Go's net.Listen does not set SO_REUSEPORT.
	// Single-process mode (no Supervisor involved) always binds fresh here.
	if shared, ok := prefork.InheritedListener(); ok {
		acceptor.UseListener(shared)
	} else if err := acceptor.Bind(); err != nil {
		logger.Abort("runWorker", err, "failed to bind listener")
	}
	if err := dropPrivileges(opts.user); err != nil {
		logger.Warning("runWorker", err, "failed to drop privileges to %q", opts.user)
	}

	sup := common.NewSupervisor(serveOnlyDaemon{acceptor: acceptor}, 1, "qsmtpd-acceptor")
	if err := sup.Start(); err != nil {
		logger.Abort("runWorker", err, "acceptor exited")
	}
}
