package smtpd

import (
	"fmt"
	"sync/atomic"

	"github.com/mxvane/qsmtpd/lalog"
)

// HookResultCode is the tag of the HookResult sum type returned by every
// plugin handler.
type HookResultCode int

const (
	// OK ends the hook chain early with a hook-appropriate 2xx reply.
	OK HookResultCode = iota
	// DENY rejects the current command with 550.
	DENY
	// DenySoft rejects the current command with 451.
	DenySoft
	// DenyHard rejects with 550 and then closes the connection.
	DenyHard
	// Declined lets the chain fall through to the next handler, or to the
	// hook's built-in default reply if no handler remains.
	Declined
	// Done suppresses the default reply; the handler already wrote one.
	Done
	// Yield suspends the chain: the handler started an asynchronous
	// operation and will resume the dispatcher later.
	Yield
)

func (c HookResultCode) String() string {
	switch c {
	case OK:
		return "OK"
	case DENY:
		return "DENY"
	case DenySoft:
		return "DENYSOFT"
	case DenyHard:
		return "DENYHARD"
	case Declined:
		return "DECLINED"
	case Done:
		return "DONE"
	case Yield:
		return "YIELD"
	default:
		return "UNKNOWN"
	}
}

// HookResult is the value every plugin handler returns from a hook
// invocation.
type HookResult struct {
	Code    HookResultCode
	Message string
}

// Handler is a plugin's entry point for one named hook. ctx carries the
// in-flight Connection/Transaction/Session the handler may read or annotate.
// A handler that wants to suspend returns Yield after arranging for resume
// to be called later; it must not block.
type Handler func(ctx *HookContext) HookResult

// HookContext is the borrowed view a handler receives for the duration of
// one hook call. Handlers must not retain ctx, Conn, or Txn beyond the call;
// a continuation that runs after the call has returned checks Session.Dead
// before touching the socket, since the session may have closed meanwhile.
type HookContext struct {
	Session *Session
	Conn    *Connection
	Txn     *Transaction
	Arg     string
}

// registry is the ordered list of handlers bound to one hook name. Handlers
// are appended in plugin-registration order and run in that order.
type registry struct {
	handlers []Handler
}

// HookDispatcher owns every hook's handler registry and runs the chain,
// converting handler panics into DENYSOFT so a single misbehaving plugin
// cannot bring down the worker (error taxonomy class 5, §7).
type HookDispatcher struct {
	hooks  map[string]*registry
	logger lalog.Logger

	// denyCount and denySoftCount back Tally, the "rejected-black" and
	// "rejected-white" counters the Control Channel's "status" command
	// reports (§4.8): DENY/DENYHARD are hard, blacklist-style rejections,
	// DENYSOFT is the soft, greylist-style rejection a sender is expected to
	// eventually retry its way past.
	denyCount     uint64
	denySoftCount uint64
}

// NewHookDispatcher returns an empty dispatcher ready for Register calls.
func NewHookDispatcher(logger lalog.Logger) *HookDispatcher {
	return &HookDispatcher{hooks: make(map[string]*registry), logger: logger}
}

// Register appends a handler to the named hook's chain.
func (d *HookDispatcher) Register(hook string, h Handler) {
	r, ok := d.hooks[hook]
	if !ok {
		r = &registry{}
		d.hooks[hook] = r
	}
	r.handlers = append(r.handlers, h)
}

// Run executes the named hook's handler chain starting at handler index
// fromIndex (0 for a fresh call, or SuspendedHook.NextHandlerIndex when
// resuming after a YIELD). It returns the terminal result, the index a
// future resume should continue at if the result is Yield, and whether any
// handler ran at all (false means the hook had no registered handlers and
// the caller should apply its own built-in default).
func (d *HookDispatcher) Run(hookName string, ctx *HookContext, fromIndex int) (result HookResult, resumeIndex int, ran bool) {
	r, ok := d.hooks[hookName]
	if !ok || len(r.handlers) == 0 {
		return HookResult{Code: Declined}, 0, false
	}
	for i := fromIndex; i < len(r.handlers); i++ {
		res := d.invoke(hookName, r.handlers[i], ctx)
		ran = true
		if res.Code == Yield {
			return res, i + 1, ran
		}
		if res.Code != Declined {
			d.tally(res.Code)
			return res, 0, ran
		}
	}
	return HookResult{Code: Declined}, 0, ran
}

// tally records a terminal rejection outcome for Tally.
func (d *HookDispatcher) tally(code HookResultCode) {
	switch code {
	case DENY, DenyHard:
		atomic.AddUint64(&d.denyCount, 1)
	case DenySoft:
		atomic.AddUint64(&d.denySoftCount, 1)
	}
}

// Tally reports the cumulative count of hard (DENY/DENYHARD) and soft
// (DENYSOFT) rejections issued across every hook chain run so far.
func (d *HookDispatcher) Tally() (rejectedBlack, rejectedWhite uint64) {
	return atomic.LoadUint64(&d.denyCount), atomic.LoadUint64(&d.denySoftCount)
}

// invoke calls a single handler, recovering a panic into a DENYSOFT result
// and a log entry rather than letting it propagate to the reactor.
func (d *HookDispatcher) invoke(hookName string, h Handler, ctx *HookContext) (result HookResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warning(hookName, nil, "handler panicked, converting to DENYSOFT - %v", r)
			result = HookResult{Code: DenySoft, Message: "internal error, please try again later"}
		}
	}()
	return h(ctx)
}

// SuspendedHook is the explicit continuation state for a hook call that
// yielded, per the design note's "avoid implicit stack capture" guidance:
// the hook name, the handler index Run should resume at, and PendingOps, a
// count of outstanding asynchronous operations (e.g. one per DNS query
// batched by a single handler). It is a plain record: the dispatcher never
// reads PendingOps or re-enters the chain by itself, and Session does not
// create one when a handler returns Yield.
type SuspendedHook struct {
	HookName          string
	NextHandlerIndex  int
	PendingOps        int
	Ctx               *HookContext
}

// Describe renders a SuspendedHook for log messages.
func (s *SuspendedHook) Describe() string {
	return fmt.Sprintf("hook=%s next=%d pending=%d", s.HookName, s.NextHandlerIndex, s.PendingOps)
}
