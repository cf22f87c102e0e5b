// Package ratelimit tracks failed and repeated auth attempts per
// (protocol, source address, user) with persistent per-key counter files.
//
// Each entry is a small file under the rate limit directory. The file
// content is the decimal hit count and the file mtime is the time of the
// last attempt, so purging stale entries never has to parse anything.
package ratelimit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ucphhpc/accountd/pkg/audit"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/telemetry"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

const (
	// DefaultMaxUserHits is the per-user attempt cap inside one window.
	DefaultMaxUserHits = 5
	// SingleShotMaxUserHits forces one-try-per-window semantics for
	// operations that dispatch email or mutate the account.
	SingleShotMaxUserHits = 1
	// DefaultUserAbuseHits is the threshold for flagging a user as abusive.
	DefaultUserAbuseHits = 25
	// DefaultProtoAbuseHits is the total failed-hit cap per protocol.
	DefaultProtoAbuseHits = 250
	// DefaultExpireDelay is the fallback purge window.
	DefaultExpireDelay = 300 * time.Second
	// maxPenaltySleep caps the artificial delay applied to abusers.
	maxPenaltySleep = 30 * time.Second
)

// crackUsernames matches user IDs commonly probed by credential scanners.
// A match is treated as a guaranteed-invalid username and escalates the
// hit counter straight past the abuse threshold.
var crackUsernames = regexp.MustCompile(`^(root|bin|daemon|adm|admin|administrator|superadmin|operator|ftp|sftp|nobody|sys|pi|guest|www|www-data|test|testuser|user|postgres|oracle|mysql|mongodb|vmail|apache|nagios|zabbix|postfix|sshd|backup|telnet|anonymous)$`)

// Limiter keeps the per-key attempt counters under dir.
type Limiter struct {
	dir            string
	now            func() time.Time
	userAbuseHits  int
	protoAbuseHits int
	audit          *audit.Log

	mu sync.Mutex
}

// New returns a Limiter storing counters under dir and appending audit
// records to auditLog. now may be nil for wall clock.
func New(dir string, auditLog *audit.Log, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		dir:            dir,
		now:            now,
		userAbuseHits:  DefaultUserAbuseHits,
		protoAbuseHits: DefaultProtoAbuseHits,
		audit:          auditLog,
	}
}

// DelayRetry returns the refusal window for op. Renewals are throttled
// hard since one per hour is plenty, credential and removal flows get a
// shorter window and everything else falls back to the default.
func DelayRetry(op string) time.Duration {
	switch op {
	case "RENEW_ACCESS":
		return 3600 * time.Second
	case "CHANGE_PASSWORD", "reqpwresetaction", "reqrmaccountaction":
		return 900 * time.Second
	default:
		return DefaultExpireDelay
	}
}

// entryName encodes the counter filename for a key. The protocol stays in
// clear as a prefix so purge and per-protocol totals can glob on it.
func entryName(proto, addr, userID string) string {
	return proto + "." + userdb.IDHash(addr+" "+userID)
}

func (l *Limiter) entryPath(proto, addr, userID string) string {
	return filepath.Join(l.dir, entryName(proto, addr, userID))
}

// readEntry returns the hit count and last-attempt time for a key.
// A missing entry reads as zero hits.
func (l *Limiter) readEntry(path string) (int, time.Time) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, info.ModTime()
	}
	hits, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || hits < 0 {
		logger.Warnf("malformed rate limit entry %s: %q", path, raw)
		return 0, info.ModTime()
	}
	return hits, info.ModTime()
}

func (l *Limiter) writeEntry(path string, hits int) error {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(hits)), 0o600); err != nil {
		return err
	}
	ts := l.now()
	return os.Chtimes(path, ts, ts)
}

// Hits returns the current hit count for a key without touching it.
func (l *Limiter) Hits(proto, addr, userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	hits, _ := l.readEntry(l.entryPath(proto, addr, userID))
	return hits
}

// HitRateLimit reports whether the current attempt would exceed the
// per-user cap or the per-protocol abuse cap. It does not record the
// attempt; ValidateAuthAttempt does that.
func (l *Limiter) HitRateLimit(proto, addr, userID string, maxUserHits int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	hits, _ := l.readEntry(l.entryPath(proto, addr, userID))
	if hits >= maxUserHits {
		logger.Infow("rate limit reached", "proto", proto, "addr", addr,
			"user", userID, "hits", hits, "max", maxUserHits)
		return true
	}
	if total := l.protoHits(proto); total >= l.protoAbuseHits {
		logger.Warnf("protocol %s at %d total failed hits, refusing %s from %s",
			proto, total, userID, addr)
		return true
	}
	return false
}

// protoHits sums the hit counters of every live entry for proto.
// Caller holds l.mu.
func (l *Limiter) protoHits(proto string) int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	total := 0
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), proto+".") {
			continue
		}
		hits, _ := l.readEntry(filepath.Join(l.dir, ent.Name()))
		total += hits
	}
	return total
}

// ExpireRateLimit purges entries for proto older than expireDelay and
// returns the number removed. proto "*" purges across all protocols.
// Handlers call this before HitRateLimit so stale windows never refuse
// a legitimate retry.
func (l *Limiter) ExpireRateLimit(proto string, expireDelay time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	cutoff := l.now().Add(-expireDelay)
	removed := 0
	for _, ent := range entries {
		if proto != "*" && !strings.HasPrefix(ent.Name(), proto+".") {
			continue
		}
		path := filepath.Join(l.dir, ent.Name())
		info, err := ent.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Warnf("failed to expire rate limit entry %s: %v", path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Debugf("expired %d rate limit entries for proto %s", removed, proto)
	}
	return removed
}

// update records the outcome of an attempt: success clears the key,
// failure bumps the counter and refreshes the window. Single-shot
// operations set countSuccess so even an authorized attempt occupies
// the window until it expires. Returns the hit count after the update.
func (l *Limiter) update(proto, addr, userID string, success, countSuccess bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.entryPath(proto, addr, userID)
	if success && !countSuccess {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warnf("failed to clear rate limit entry %s: %v", path, err)
		}
		return 0
	}
	hits, _ := l.readEntry(path)
	hits++
	if err := l.writeEntry(path, hits); err != nil {
		logger.Errorf("failed to update rate limit entry %s: %v", path, err)
	}
	return hits
}

// Penalize stalls an abusive caller for one second per hit past maxHits,
// capped and cancellable. Called after the refusal decision so honest
// clients never wait.
func (l *Limiter) Penalize(ctx context.Context, hits, maxHits int) {
	excess := hits - maxHits
	if excess <= 0 {
		return
	}
	delay := time.Duration(excess) * time.Second
	if delay > maxPenaltySleep {
		delay = maxPenaltySleep
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// Attempt carries everything ValidateAuthAttempt needs to judge one
// request. The caller fills in the outcome of the checks it already ran;
// the limiter only decides, records and counts.
type Attempt struct {
	Protocol      string
	OpName        string
	UserID        string
	SourceAddr    string
	SourcePort    int
	Enabled       bool
	AccountOK     bool
	SecretOK      bool
	ModifyAccount bool
	// CountSuccess marks single-shot operations where even an authorized
	// attempt occupies the retry window, e.g. reset request mails.
	CountSuccess bool
	// ExceededRateLimit is the result of the caller's HitRateLimit call,
	// passed in so the audit record and the refusal agree.
	ExceededRateLimit bool
}

// ValidateAuthAttempt records one auth attempt, updates the counters and
// decides the outcome. It must be called exactly once per request so the
// audit trail is complete whether or not the limit was hit.
//
// authorized means the request may proceed. disconnect means the caller
// should refuse with a throttle response rather than a plain denial.
func (l *Limiter) ValidateAuthAttempt(a Attempt) (authorized, disconnect bool) {
	invalidUsername := false
	if crackUsernames.MatchString(strings.ToLower(a.UserID)) ||
		strings.Contains(a.UserID, "..") {
		logger.Warnf("credential scan username %q from %s on %s",
			a.UserID, a.SourceAddr, a.Protocol)
		invalidUsername = true
	}

	var msg string
	switch {
	case a.ExceededRateLimit:
		disconnect = true
		msg = "too many attempts"
	case !a.Enabled:
		msg = fmt.Sprintf("%s auth disabled for this site", a.Protocol)
	case invalidUsername:
		msg = "invalid username"
	case !a.AccountOK:
		msg = "account not accessible"
	case !a.SecretOK:
		msg = "authentication failed"
	default:
		authorized = true
	}

	hits := l.update(a.Protocol, a.SourceAddr, a.UserID, authorized, a.CountSuccess)
	if invalidUsername && hits < l.userAbuseHits {
		// Scanners get no slow ramp: jump straight to the abuse level.
		l.mu.Lock()
		if err := l.writeEntry(l.entryPath(a.Protocol, a.SourceAddr, a.UserID), l.userAbuseHits); err == nil {
			hits = l.userAbuseHits
		}
		l.mu.Unlock()
	}
	if !authorized && hits >= l.userAbuseHits {
		logger.Warnf("%s abuse limit reached for %s from %s (%d hits)",
			a.Protocol, a.UserID, a.SourceAddr, hits)
	}

	outcome := audit.OutcomeDeny
	if authorized {
		outcome = audit.OutcomeOK
	}
	if l.audit != nil {
		l.audit.MustAppend(audit.Record{
			Protocol:       a.Protocol,
			OpName:         a.OpName,
			UserID:         a.UserID,
			SourceAddr:     a.SourceAddr,
			SourcePort:     a.SourcePort,
			Outcome:        outcome,
			RateLimited:    a.ExceededRateLimit,
			SecretAccepted: a.SecretOK,
			ModifyFlag:     a.ModifyAccount,
			Message:        msg,
		})
	}
	telemetry.AuthAttempts.WithLabelValues(a.Protocol, outcome).Inc()
	if disconnect {
		telemetry.RateLimitRejections.WithLabelValues(a.Protocol, a.OpName).Inc()
	}

	if authorized {
		logger.Debugf("authorized %s %s for %s from %s",
			a.Protocol, a.OpName, a.UserID, a.SourceAddr)
	} else {
		logger.Infow("refused auth attempt", "proto", a.Protocol,
			"op", a.OpName, "user", a.UserID, "addr", a.SourceAddr,
			"reason", msg, "hits", hits)
	}
	return authorized, disconnect
}
