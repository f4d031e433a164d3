package smtpd

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"time"

	"github.com/mxvane/qsmtpd/daemon/smtpd/smtp"
	"github.com/mxvane/qsmtpd/lalog"
)

// State is one of the five protocol states of §4.3. DATA is represented as
// its own state even though it only occupies the interval between the
// DATA command and the terminating "." line.
type State int

const (
	StateConnect State = iota
	StateGreeted
	StateMailRcpt
	StateData
	StateQuitClosed
)

func (s State) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateGreeted:
		return "GREETED"
	case StateMailRcpt:
		return "MAIL_RCPT"
	case StateData:
		return "DATA"
	case StateQuitClosed:
		return "QUIT_CLOSED"
	default:
		return "CLOSED"
	}
}

// Limits bounds resource usage of a single session.
type Limits struct {
	IOTimeout       time.Duration
	MaxLineLength   int
	MaxMessageBytes int64
	IdleTimeoutSec  int
	MaxBadCommands  int
}

// DefaultLimits matches the wire-protocol bounds named in §6: 998-byte lines
// plus CRLF, and the idle timeout default of §4.3.
var DefaultLimits = Limits{
	IOTimeout:       5 * time.Minute,
	MaxLineLength:   1000,
	MaxMessageBytes: 32 * 1024 * 1024,
	IdleTimeoutSec:  300,
	MaxBadCommands:  20,
}

// Session is the per-connection protocol driver. One Session exclusively
// owns one Connection and, for its lifetime, at most one Transaction - the
// ownership the design notes call for to avoid cyclic references; handlers
// only ever see borrowed pointers scoped to a single hook call.
type Session struct {
	ServerName string
	Limits     Limits
	Dispatcher *HookDispatcher

	conn   net.Conn
	rd     *textproto.Reader
	logger lalog.Logger

	state   State
	badCmds int

	Conn *Connection
	txn  *Transaction

	suspended *SuspendedHook
	dead      bool

	authenticated bool
}

// NewSession wraps an accepted socket. The caller is responsible for putting
// the synthetic "Connect\n" event through by calling Run, which invokes the
// connect hook as its very first step (§4.2).
func NewSession(conn net.Conn, serverName string, limits Limits, dispatcher *HookDispatcher, logger lalog.Logger) *Session {
	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	s := &Session{
		ServerName: serverName,
		Limits:     limits,
		Dispatcher: dispatcher,
		conn:       conn,
		rd:         textproto.NewReader(bufio.NewReader(io.LimitReader(conn, int64(limits.MaxLineLength)+2))),
		logger:     logger,
		state:      StateConnect,
		Conn:       NewConnection(net.ParseIP(host), port),
	}
	return s
}

func (s *Session) reply(code int, msg string) {
	line := fmt.Sprintf("%d %s\r\n", code, msg)
	s.conn.SetWriteDeadline(time.Now().Add(s.Limits.IOTimeout))
	if _, err := io.WriteString(s.conn, line); err != nil {
		s.dead = true
	}
}

func (s *Session) replyMultiOK(lines ...string) {
	for i, l := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		s.conn.SetWriteDeadline(time.Now().Add(s.Limits.IOTimeout))
		if _, err := fmt.Fprintf(s.conn, "250%c%s\r\n", sep, l); err != nil {
			s.dead = true
			return
		}
	}
}

// Run drives the session to completion: greeting, command loop, DATA
// bodies, and QUIT. It returns once the connection is closed, either by the
// peer, by an idle timeout, or by a DENYHARD result.
func (s *Session) Run() {
	ctx := &HookContext{Session: s, Conn: s.Conn}
	res, _, _ := s.Dispatcher.Run("connect", ctx, 0)
	if !s.applyConnectionLevelResult(res) {
		return
	}
	s.state = StateGreeted
	s.reply(220, s.ServerName+" ESMTP ready")

	for s.state != StateQuitClosed && !s.dead {
		s.conn.SetReadDeadline(time.Now().Add(time.Duration(s.Limits.IdleTimeoutSec) * time.Second))
		line, err := s.rd.ReadLine()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.reply(421, "idle timeout, closing connection")
			}
			return
		}
		s.handleLine(line)
	}
}

func (s *Session) handleLine(line string) {
	parsed := smtp.ParseCmd(line)
	if parsed.Cmd == smtp.BadCmd {
		s.badCmds++
		s.reply(501, "unrecognized command: "+parsed.Err)
		if s.badCmds > s.Limits.MaxBadCommands {
			s.reply(554, "too many unrecognized commands")
			s.dead = true
		}
		return
	}
	switch parsed.Cmd {
	case smtp.HELO, smtp.EHLO:
		s.handleHelo(parsed)
	case smtp.MAILFROM:
		s.handleMail(parsed)
	case smtp.RCPTTO:
		s.handleRcpt(parsed)
	case smtp.DATA:
		s.handleData(parsed)
	case smtp.RSET:
		s.handleReset()
	case smtp.NOOP:
		s.reply(250, "ok")
	case smtp.AUTH:
		s.handleAuth(parsed)
	case smtp.QUIT:
		s.handleQuit()
	default:
		s.handleUnrecognized(line)
	}
}

func (s *Session) applyConnectionLevelResult(res HookResult) bool {
	switch res.Code {
	case DenyHard:
		s.reply(550, orDefault(res.Message, "connection refused"))
		s.state = StateQuitClosed
		s.dead = true
		return false
	case DENY:
		s.reply(550, orDefault(res.Message, "connection refused"))
		s.state = StateQuitClosed
		s.dead = true
		return false
	case DenySoft:
		s.reply(451, orDefault(res.Message, "try again later"))
		s.state = StateQuitClosed
		s.dead = true
		return false
	}
	return true
}

func orDefault(msg, def string) string {
	if msg == "" {
		return def
	}
	return msg
}

func (s *Session) handleHelo(parsed smtp.ParsedLine) {
	hookName := "helo"
	if parsed.Cmd == smtp.EHLO {
		hookName = "ehlo"
	}
	s.txn = nil
	ctx := &HookContext{Session: s, Conn: s.Conn, Arg: parsed.Arg}
	res, _, ran := s.Dispatcher.Run(hookName, ctx, 0)
	if s.replyFromResult(res, ran, func() {
		if parsed.Cmd == smtp.EHLO {
			s.replyMultiOK("8BITMIME", "PIPELINING", "AUTH PLAIN LOGIN CRAM-MD5")
		} else {
			s.reply(250, s.ServerName)
		}
	}) {
		s.state = StateGreeted
	}
}

func (s *Session) handleMail(parsed smtp.ParsedLine) {
	if s.state != StateGreeted {
		s.reply(503, "out of sequence command")
		return
	}
	s.txn = NewTransaction()
	addr := ParseAddress(parsed.Arg)
	ctx := &HookContext{Session: s, Conn: s.Conn, Txn: s.txn, Arg: parsed.Arg}
	res, _, ran := s.Dispatcher.Run("mail", ctx, 0)
	if s.replyFromResult(res, ran, func() { s.reply(250, "2.1.0 ok") }) {
		s.txn.SetSender(addr)
		s.state = StateMailRcpt
	} else {
		s.txn = nil
	}
}

func (s *Session) handleRcpt(parsed smtp.ParsedLine) {
	if s.state != StateMailRcpt || s.txn == nil || !s.txn.HasSender() {
		s.reply(503, "out of sequence command")
		return
	}
	addr := ParseAddress(parsed.Arg)
	ctx := &HookContext{Session: s, Conn: s.Conn, Txn: s.txn, Arg: parsed.Arg}
	res, _, ran := s.Dispatcher.Run("rcpt", ctx, 0)
	if s.replyFromResult(res, ran, func() { s.reply(250, "2.1.5 ok") }) {
		s.txn.AddRecipient(addr)
	}
}

func (s *Session) handleData(_ smtp.ParsedLine) {
	if s.state != StateMailRcpt || s.txn == nil || len(s.txn.Recipients) == 0 {
		s.reply(503, "out of sequence command: need at least one recipient")
		return
	}
	ctx := &HookContext{Session: s, Conn: s.Conn, Txn: s.txn}
	res, _, _ := s.Dispatcher.Run("data", ctx, 0)
	switch res.Code {
	case DENY:
		s.reply(550, orDefault(res.Message, "transaction rejected"))
		s.txn = nil
		s.state = StateGreeted
		return
	case DenySoft:
		s.reply(451, orDefault(res.Message, "try again later"))
		s.txn = nil
		s.state = StateGreeted
		return
	case Done:
		return
	}
	s.state = StateData
	s.reply(354, "go ahead")
	s.readBody()
	s.state = StateGreeted

	postCtx := &HookContext{Session: s, Conn: s.Conn, Txn: s.txn}
	postRes, _, ran := s.Dispatcher.Run("data_post", postCtx, 0)
	s.replyFromResult(postRes, ran, func() { s.reply(250, "2.0.0 Queued") })
	s.txn = nil
}

// readBody consumes the dot-stuffed body per RFC 5321: the body ends at a
// line consisting solely of ".", and a leading "." on any other line is
// stripped before the line is stored.
func (s *Session) readBody() {
	s.conn.SetReadDeadline(time.Now().Add(s.Limits.IOTimeout))
	lr := io.LimitReader(s.conn, s.Limits.MaxMessageBytes+2)
	dotReader := textproto.NewReader(bufio.NewReader(lr)).DotReader()
	buf := make([]byte, 32*1024)
	for {
		n, err := dotReader.Read(buf)
		if n > 0 {
			s.txn.AppendBody(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.dead = true
			break
		}
	}
	s.txn.Finalize()
	s.rd = textproto.NewReader(bufio.NewReader(io.LimitReader(s.conn, int64(s.Limits.MaxLineLength)+2)))
}

func (s *Session) handleReset() {
	ctx := &HookContext{Session: s, Conn: s.Conn, Txn: s.txn}
	s.Dispatcher.Run("reset_transaction", ctx, 0)
	s.txn = nil
	if s.state != StateConnect {
		s.state = StateGreeted
	}
	s.reply(250, "ok")
}

func (s *Session) handleQuit() {
	ctx := &HookContext{Session: s, Conn: s.Conn}
	s.Dispatcher.Run("quit", ctx, 0)
	s.reply(221, "2.0.0 bye")
	s.state = StateQuitClosed
	s.Dispatcher.Run("disconnect", ctx, 0)
}

func (s *Session) handleUnrecognized(line string) {
	ctx := &HookContext{Session: s, Conn: s.Conn, Arg: line}
	res, _, ran := s.Dispatcher.Run("unrecognized_command", ctx, 0)
	s.replyFromResult(res, ran, func() { s.reply(500, "unrecognized command") })
}

// replyFromResult applies the HookResult→reply mapping common to every
// command hook (§4.3). It returns true when the handler chain's verdict
// should be treated as an acceptance by the caller (OK, DECLINED-with-default,
// or DONE), false otherwise.
func (s *Session) replyFromResult(res HookResult, ran bool, defaultOK func()) bool {
	switch res.Code {
	case OK:
		s.reply(250, orDefault(res.Message, "ok"))
		return true
	case Declined:
		defaultOK()
		return true
	case DENY:
		s.reply(550, orDefault(res.Message, "rejected"))
		return false
	case DenySoft:
		s.reply(451, orDefault(res.Message, "try again later"))
		return false
	case DenyHard:
		s.reply(550, orDefault(res.Message, "rejected"))
		s.state = StateQuitClosed
		s.dead = true
		return false
	case Done:
		return true
	default:
		_ = ran
		defaultOK()
		return true
	}
}

// Close releases the underlying socket. Safe to call multiple times.
func (s *Session) Close() {
	s.dead = true
	s.conn.Close()
}

// Dead reports whether the session has been marked closed, either by QUIT,
// a DENYHARD verdict, an idle timeout, or an I/O error. Suspended hook
// continuations must check this before touching the socket (§4.4, §5).
func (s *Session) Dead() bool {
	return s.dead
}

// Fingerprint computes the greylist fingerprint of the current transaction:
// MD5 of body bytes, sender, each recipient in order, and the Message-ID
// header value (or empty), per §4.6.
func (t *Transaction) Fingerprint() string {
	h := md5.New()
	io.Copy(h, t.BodyReader())
	io.WriteString(h, t.Sender.String())
	for _, r := range t.Recipients {
		io.WriteString(h, r.String())
	}
	io.WriteString(h, t.HeaderValue("Message-ID"))
	return hex.EncodeToString(h.Sum(nil))
}
