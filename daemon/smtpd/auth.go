package smtpd

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/mxvane/qsmtpd/daemon/smtpd/smtp"
)

// AuthChecker is the external collaborator (§1 out-of-scope list) that
// verifies credentials against whatever backend a plugin wires up - SQL,
// LDAP, or a checkpassword wrapper. The core only consumes this interface.
type AuthChecker interface {
	// CheckPlain verifies a username/password pair submitted via AUTH PLAIN
	// or AUTH LOGIN.
	CheckPlain(user, pass string) bool
	// CheckCRAMMD5 verifies a CRAM-MD5 response against the ticket the core
	// handed out as the challenge.
	CheckCRAMMD5(user, ticket, digest string) bool
}

func (s *Session) handleAuth(parsed smtp.ParsedLine) {
	fields := strings.Fields(parsed.Arg)
	if len(fields) == 0 {
		s.reply(501, "AUTH requires a mechanism")
		return
	}
	mechanism := strings.ToUpper(fields[0])
	ctx := &HookContext{Session: s, Conn: s.Conn, Arg: parsed.Arg}
	res, _, ran := s.Dispatcher.Run("auth", ctx, 0)
	if res.Code != Declined {
		s.replyFromResult(res, ran, func() {})
		return
	}

	switch mechanism {
	case "PLAIN":
		s.authPlain(fields)
	case "LOGIN":
		s.authLogin(fields)
	case "CRAM-MD5":
		s.authCRAMMD5()
	default:
		s.reply(504, "unrecognized authentication mechanism")
	}
}

func (s *Session) authPlain(fields []string) {
	var blob string
	if len(fields) >= 2 {
		blob = fields[1]
	} else {
		s.reply(334, "")
		line, err := s.rd.ReadLine()
		if err != nil {
			s.dead = true
			return
		}
		blob = line
	}
	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		s.reply(501, "invalid base64 response")
		return
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		s.reply(501, "malformed AUTH PLAIN response")
		return
	}
	user, _ := parts[1], parts[2]
	ctx := &HookContext{Session: s, Conn: s.Conn, Arg: user}
	res, _, ran := s.Dispatcher.Run("auth-plain", ctx, 0)
	_ = ran
	if res.Code == OK {
		s.reply(235, orDefault(res.Message, "2.7.0 authentication successful"))
		s.authenticated = true
		s.Conn.RelayClient = true
		return
	}
	s.replyFromResult(res, true, func() { s.reply(535, "5.7.8 authentication failed") })
}

func (s *Session) authLogin(fields []string) {
	s.reply(334, base64.StdEncoding.EncodeToString([]byte("Username:")))
	userLine, err := s.rd.ReadLine()
	if err != nil {
		s.dead = true
		return
	}
	s.reply(334, base64.StdEncoding.EncodeToString([]byte("Password:")))
	passLine, err := s.rd.ReadLine()
	if err != nil {
		s.dead = true
		return
	}
	user, uerr := base64.StdEncoding.DecodeString(userLine)
	_, perr := base64.StdEncoding.DecodeString(passLine)
	if uerr != nil || perr != nil {
		s.reply(501, "invalid base64 response")
		return
	}
	ctx := &HookContext{Session: s, Conn: s.Conn, Arg: string(user)}
	res, _, _ := s.Dispatcher.Run("auth-login", ctx, 0)
	if res.Code == OK {
		s.reply(235, orDefault(res.Message, "2.7.0 authentication successful"))
		s.authenticated = true
		s.Conn.RelayClient = true
		return
	}
	s.replyFromResult(res, true, func() { s.reply(535, "5.7.8 authentication failed") })
}

func (s *Session) authCRAMMD5() {
	ticket := fmt.Sprintf("<%s.%d@%s>", uuid.NewString(), time.Now().Unix(), s.ServerName)
	s.reply(334, base64.StdEncoding.EncodeToString([]byte(ticket)))
	line, err := s.rd.ReadLine()
	if err != nil {
		s.dead = true
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		s.reply(501, "invalid base64 response")
		return
	}
	fields := strings.Fields(string(decoded))
	if len(fields) != 2 {
		s.reply(501, "malformed CRAM-MD5 response")
		return
	}
	user, digest := fields[0], fields[1]
	ctx := &HookContext{Session: s, Conn: s.Conn, Arg: user}
	ctx.Txn = nil
	s.Conn.Notes.Set("cram_md5_ticket", ticket)
	s.Conn.Notes.Set("cram_md5_digest", digest)
	res, _, _ := s.Dispatcher.Run("auth-cram-md5", ctx, 0)
	if res.Code == OK {
		s.reply(235, orDefault(res.Message, "2.7.0 authentication successful"))
		s.authenticated = true
		s.Conn.RelayClient = true
		return
	}
	s.replyFromResult(res, true, func() { s.reply(535, "5.7.8 authentication failed") })
}

// computeCRAMMD5 is the reference HMAC-MD5 computation an AuthChecker
// implementation uses to verify a client's response to the ticket
// challenge: "user hmac-md5-hex(ticket, secret)" (§6).
func computeCRAMMD5(ticket, secret string) string {
	mac := hmac.New(md5.New, []byte(secret))
	mac.Write([]byte(ticket))
	return hex.EncodeToString(mac.Sum(nil))
}

// StaticCRAMMD5Checker is a reference AuthChecker for a deployment that
// would rather not keep a per-user secret table at rest: every user's
// CRAM-MD5 secret is derived on demand from one master key, the same
// pre-shared-key-to-session-key derivation the teacher's sockd daemon
// uses to turn a shared password into a per-connection AEAD key
// (golang.org/x/crypto/hkdf, daemon/sockd/sockd.go's AEADBlockCipher).
// Real deployments wire their own AuthChecker against SQL/LDAP; this one
// exists for the provisioning/bootstrap case where only a master key is
// configured.
type StaticCRAMMD5Checker struct {
	MasterKey []byte
}

// userSecret derives a 16-byte CRAM-MD5 secret for user from MasterKey.
func (c StaticCRAMMD5Checker) userSecret(user string) []byte {
	secret := make([]byte, 16)
	kdf := hkdf.New(sha1.New, c.MasterKey, []byte(user), []byte("qsmtpd-cram-md5-v1"))
	if _, err := io.ReadFull(kdf, secret); err != nil {
		return nil
	}
	return secret
}

// CheckPlain compares a submitted password against the user's derived
// secret rendered as hex, so the same master key backs both AUTH PLAIN and
// AUTH CRAM-MD5 without storing either at rest.
func (c StaticCRAMMD5Checker) CheckPlain(user, pass string) bool {
	secret := c.userSecret(user)
	if secret == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(hex.EncodeToString(secret))) == 1
}

// CheckCRAMMD5 verifies digest against the expected HMAC-MD5 of ticket
// under the user's derived secret.
func (c StaticCRAMMD5Checker) CheckCRAMMD5(user, ticket, digest string) bool {
	secret := c.userSecret(user)
	if secret == nil {
		return false
	}
	expected := computeCRAMMD5(ticket, string(secret))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(digest)) == 1
}
