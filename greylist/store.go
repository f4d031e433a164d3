// Package greylist implements the locked on-disk key-value store and
// hash-based greylisting policy of §4.6. The store itself is a flat,
// line-oriented text file rather than a binary dbm: the spec only requires
// "any sorted or hashed on-disk key-value implementation" at a scale of
// hundreds of thousands of keys (§9 design notes), and no example repo in
// the retrieval pack carries an embedded-dbm dependency, so a small
// load-whole-file-into-memory store keeps every third-party dependency in
// this package grounded on something the pack actually imports
// (github.com/gofrs/flock for the advisory lock).
package greylist

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/mxvane/qsmtpd/daemon/smtpd"
	"github.com/mxvane/qsmtpd/lalog"
)

// Mode selects the store's enforcement behaviour (§4.6).
type Mode string

const (
	ModeDenySoft Mode = "denysoft"
	ModeTestOnly Mode = "testonly"
	ModeOff      Mode = "off"
)

const lastFlushedKey = "lastflushed"

// fingerprintPattern matches a 32-hex-character greylist fingerprint key.
// The original store matched this without anchors (§9 open question); this
// implementation anchors the pattern, the recommended resolution.
var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Policy carries the tunable parameters named in §4.6, all durations in
// seconds.
type Policy struct {
	BlackTimeout int64
	GreyTimeout  int64
	WhiteTimeout int64
	MaxSize      int64
	FlushPeriod  int64
	Mode         Mode
}

// DefaultPolicy matches the defaults given in §4.6.
var DefaultPolicy = Policy{
	BlackTimeout: 60,
	GreyTimeout:  12000,
	WhiteTimeout: 3110400,
	MaxSize:      200000,
	FlushPeriod:  3600,
	Mode:         ModeDenySoft,
}

// Store is the locked on-disk key-value database backing the greylist
// policy. One Store instance may be shared by every Session in a worker;
// the file lock additionally serializes access across sibling worker
// processes sharing the same DBDir (§5).
type Store struct {
	DBDir  string
	Policy Policy
	Logger lalog.Logger

	now func() time.Time
}

// NewStore constructs a Store rooted at dbDir, which must contain (or be
// permitted to create) hash_greylist.dbm and its companion lock file.
func NewStore(dbDir string, policy Policy, logger lalog.Logger) *Store {
	return &Store{DBDir: dbDir, Policy: policy, Logger: logger, now: time.Now}
}

func (s *Store) dataPath() string { return filepath.Join(s.DBDir, "hash_greylist.dbm") }
func (s *Store) lockPath() string { return filepath.Join(s.DBDir, "hash_greylist.dbm.lock") }

// note-key constants used to communicate the deferred-DENYSOFT decision
// (§4.6 special rule) between the data and data_post hooks within one
// transaction. The spec's open question on this point (§9) is resolved by
// scoping the note to the transaction: it is never read across
// transactions, so a fresh MAIL FROM always starts with a clean slate.
const (
	noteDeferredDenySoft = "greylist_deferred_denysoft"
	noteFingerprint      = "greylist_fingerprint"
)

// DecideDataPost runs the decision algorithm of §4.6 at data_post time. The
// caller supplies whether the sending host is whitelisted and whether the
// sender address itself is whitelisted or every recipient is whitelisted -
// those checks live in an external policy collaborator the core does not
// specify (§1).
func (s *Store) DecideDataPost(ctx *smtpd.HookContext, hostWhitelisted, senderWhitelisted, allRecipientsWhitelisted bool) smtpd.HookResult {
	if allRecipientsWhitelisted {
		return smtpd.HookResult{Code: smtpd.Declined}
	}
	if ctx.Conn.RelayClient || hostWhitelisted || senderWhitelisted || int64(ctx.Txn.DataSize()) > s.Policy.MaxSize {
		return smtpd.HookResult{Code: smtpd.Declined}
	}

	fp := ctx.Txn.Fingerprint()
	ctx.Txn.Notes.Set(noteFingerprint, fp)
	remoteIP := ""
	if ctx.Conn.RemoteIP != nil {
		remoteIP = ctx.Conn.RemoteIP.String()
	}

	var verdict smtpd.HookResult
	err := s.withLock(func(data map[string]string) map[string]string {
		data = s.maybeSweep(data)
		verdict, data = s.decideLocked(data, remoteIP, fp)
		return data
	})
	if err != nil {
		s.Logger.Warning("DecideDataPost", err, "greylist store unreachable, failing open")
		return smtpd.HookResult{Code: smtpd.Declined}
	}

	if verdict.Code == smtpd.DenySoft && ctx.Txn.Sender.IsNull() {
		// Bounce probes are never rejected at data_post time; the decision
		// is deferred to a later retry's `data` hook for non-null senders
		// only (§4.6 special rule).
		ctx.Txn.Notes.Set(noteDeferredDenySoft, "1")
		return smtpd.HookResult{Code: smtpd.Declined}
	}
	return verdict
}

// DecideData runs at the `data` hook (before the body is read) and issues
// the deferred DENYSOFT recorded by a prior DecideDataPost call within the
// same transaction, for non-null senders only.
func (s *Store) DecideData(ctx *smtpd.HookContext) smtpd.HookResult {
	if ctx.Txn.Sender.IsNull() {
		return smtpd.HookResult{Code: smtpd.Declined}
	}
	if _, deferred := ctx.Txn.Notes.Get(noteDeferredDenySoft); deferred {
		return smtpd.HookResult{Code: smtpd.DenySoft, Message: "This mail is temporarily denied"}
	}
	return smtpd.HookResult{Code: smtpd.Declined}
}

// decideLocked implements steps 4-7 of §4.6 with the store lock already
// held and any due sweep already applied.
func (s *Store) decideLocked(data map[string]string, remoteIP, fp string) (smtpd.HookResult, map[string]string) {
	now := s.now().Unix()

	if s.Policy.Mode == ModeOff {
		return smtpd.HookResult{Code: smtpd.Declined}, data
	}

	if remoteIP != "" {
		if ts, ok := parseTimestamp(data[remoteIP]); ok {
			if now-ts < s.Policy.WhiteTimeout {
				return smtpd.HookResult{Code: smtpd.Declined}, data
			}
			delete(data, remoteIP)
		}
	}

	denySoftOrTestOnly := func() smtpd.HookResult {
		if s.Policy.Mode == ModeTestOnly {
			return smtpd.HookResult{Code: smtpd.Declined}
		}
		return smtpd.HookResult{Code: smtpd.DenySoft, Message: "This mail is temporarily denied"}
	}

	raw, present := data[fp]
	if !present {
		data[fp] = formatFingerprint(now, 1)
		return denySoftOrTestOnly(), data
	}

	ts, count, err := parseFingerprint(raw)
	if err != nil {
		// Malformed value: treat as absent.
		data[fp] = formatFingerprint(now, 1)
		return denySoftOrTestOnly(), data
	}

	age := now - ts
	switch {
	case age < s.Policy.BlackTimeout:
		data[fp] = formatFingerprint(now, count+1)
		return denySoftOrTestOnly(), data
	case age < s.Policy.GreyTimeout:
		delete(data, fp)
		if remoteIP != "" {
			data[remoteIP] = strconv.FormatInt(now, 10)
		}
		return smtpd.HookResult{Code: smtpd.Declined}, data
	default:
		delete(data, fp)
		return denySoftOrTestOnly(), data
	}
}

// maybeSweep runs step 3 of §4.6 if flush_period has elapsed since
// lastflushed, deleting stale and malformed keys and updating lastflushed.
func (s *Store) maybeSweep(data map[string]string) map[string]string {
	now := s.now().Unix()
	last, _ := parseTimestamp(data[lastFlushedKey])
	if now-last <= s.Policy.FlushPeriod {
		return data
	}
	swept := make(map[string]string, len(data))
	for key, val := range data {
		switch {
		case key == lastFlushedKey:
			continue
		case fingerprintPattern.MatchString(key):
			ts, _, err := parseFingerprint(val)
			if err != nil || now-ts > s.Policy.GreyTimeout {
				continue
			}
			swept[key] = val
		default:
			ts, ok := parseTimestamp(val)
			if !ok || now-ts > s.Policy.WhiteTimeout {
				continue
			}
			swept[key] = val
		}
	}
	swept[lastFlushedKey] = strconv.FormatInt(now, 10)
	return swept
}

// withLock acquires the exclusive advisory file lock, loads the store,
// hands the data to fn, persists fn's return value, and releases the lock
// on every exit path, including a panic recovered by the caller's own hook
// dispatcher (§4.6 locking discipline).
func (s *Store) withLock(fn func(map[string]string) map[string]string) error {
	if err := os.MkdirAll(s.DBDir, 0o750); err != nil {
		return fmt.Errorf("greylist: cannot create db dir: %w", err)
	}
	fl := flock.New(s.lockPath())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		return fmt.Errorf("greylist: failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("greylist: timed out acquiring lock")
	}
	defer fl.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	data = fn(data)
	return s.save(data)
}

func (s *Store) load() (map[string]string, error) {
	data := make(map[string]string)
	f, err := os.Open(s.dataPath())
	if os.IsNotExist(err) {
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, ' ')
		if idx == -1 {
			continue
		}
		data[line[:idx]] = line[idx+1:]
	}
	return data, scanner.Err()
}

func (s *Store) save(data map[string]string) error {
	tmp := s.dataPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for key, val := range data {
		if _, err := fmt.Fprintf(w, "%s %s\n", key, val); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.dataPath())
}

func formatFingerprint(ts int64, count int) string {
	return fmt.Sprintf("%d:%d", ts, count)
}

// parseFingerprint decodes the "timestamp:count" format and is the inverse
// of formatFingerprint (round-trip law, §8).
func parseFingerprint(raw string) (ts int64, count int, err error) {
	idx := strings.IndexByte(raw, ':')
	if idx == -1 {
		return 0, 0, fmt.Errorf("greylist: malformed fingerprint value %q", raw)
	}
	ts, err = strconv.ParseInt(raw[:idx], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	count, err = strconv.Atoi(raw[idx+1:])
	return ts, count, err
}

func parseTimestamp(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
