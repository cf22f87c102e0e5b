// Package accountstate decides whether an account may be used right now.
// It layers the file mark caches on top of the user DB so the hot path
// of every login and page load stays off the DB lock.
package accountstate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ucphhpc/accountd/pkg/auth"
	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/filemark"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/telemetry"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

// ExpireMissingUser is the sentinel expire value reported for lookups
// of users without any DB record.
const ExpireMissingUser = -42

// I/O protocols that honor sharelink logins.
var sharelinkProtos = map[string]bool{"sftp": true, "ftps": true, "davs": true}

var (
	// Sharelink IDs are fixed-length alphanumeric tokens.
	sharelinkPattern = regexp.MustCompile(`^[A-Za-z0-9]{10}$`)
	// Job and jupyter mount logins use long hex session IDs.
	sessionPattern = regexp.MustCompile(`^[0-9a-fA-F]{32,64}$`)
)

// Engine evaluates account status and expiry with write-through caching.
type Engine struct {
	cfg *config.Config
	db  *userdb.DB
	now func() time.Time
}

// New returns an Engine over cfg and db. now may be nil for wall clock.
func New(cfg *config.Config, db *userdb.DB, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{cfg: cfg, db: db, now: now}
}

func markPath(userID string) string {
	return userdb.ClientIDDir(userID)
}

// CheckAccountStatus reports whether userID may use the site at all.
// The returned record is only non-nil when the DB was consulted.
//
// A cached index outside the canonical status table means the cache got
// corrupted; that denies access rather than guessing. A missing user
// reports status "missing" so callers never create users implicitly.
func (e *Engine) CheckAccountStatus(ctx context.Context, userID string) (bool, userdb.AccountStatus, *userdb.User, error) {
	rel := markPath(userID)
	ts, hit, err := filemark.GetMark(e.cfg.StatusMarksDir(), rel)
	if err != nil {
		logger.Warnf("status mark read failed for %s, falling back to DB: %v", userID, err)
		hit = false
	}
	if hit {
		status, ok := userdb.StatusFromIndex(int(filemark.MarkEpoch(ts)))
		if !ok {
			logger.Errorf("corrupt status mark for %s: index %d", userID, filemark.MarkEpoch(ts))
			return false, "", nil, nil
		}
		return statusAccessible(status), status, nil, nil
	}

	user, err := e.db.LoadUser(ctx, userID)
	if errors.Is(err, userdb.ErrNoSuchUser) {
		return false, userdb.StatusMissing, nil, nil
	}
	if err != nil {
		return false, "", nil, err
	}
	status := user.Status
	if status == "" {
		// Known-bad row: cache the default so it does not cost a DB
		// read per request, but leave the record itself alone.
		status = userdb.StatusActive
	}
	e.writeStatusMark(userID, status)
	return statusAccessible(status), status, user, nil
}

func statusAccessible(status userdb.AccountStatus) bool {
	switch status {
	case userdb.StatusActive, userdb.StatusTemporal, userdb.StatusRestricted:
		return true
	}
	return false
}

func (e *Engine) writeStatusMark(userID string, status userdb.AccountStatus) {
	idx := userdb.StatusIndex(status)
	if idx < 0 {
		return
	}
	if err := filemark.UpdateMark(e.cfg.StatusMarksDir(), markPath(userID), filemark.EpochMark(int64(idx))); err != nil {
		logger.Warnf("status mark write failed for %s: %v", userID, err)
		return
	}
	telemetry.CacheRefreshes.WithLabelValues("status_marks").Inc()
}

// WriteExpireMark publishes an expire value to the cache. Exposed for
// the action endpoints that mutate expire and must keep readers coherent.
func (e *Engine) WriteExpireMark(userID string, expire userdb.Epoch) {
	if err := filemark.UpdateMark(e.cfg.ExpireMarksDir(), markPath(userID), filemark.EpochMark(int64(expire))); err != nil {
		logger.Warnf("expire mark write failed for %s: %v", userID, err)
		return
	}
	telemetry.CacheRefreshes.WithLabelValues("expire_marks").Inc()
}

// ResetMarks drops the cached status and expire values for the listed
// users, or for everyone when userIDs is nil.
func (e *Engine) ResetMarks(userIDs []string) error {
	var rels []string
	if userIDs != nil {
		rels = make([]string, len(userIDs))
		for i, id := range userIDs {
			rels[i] = markPath(id)
		}
	}
	if err := filemark.ResetMark(e.cfg.StatusMarksDir(), rels); err != nil {
		return err
	}
	return filemark.ResetMark(e.cfg.ExpireMarksDir(), rels)
}

// CheckAccountExpire reports whether userID still has time left.
// pending is true while expire lies in the future; an unset expire of
// zero means no expiry is enforced. Missing users report the sentinel.
func (e *Engine) CheckAccountExpire(ctx context.Context, userID string) (bool, userdb.Epoch, *userdb.User, error) {
	rel := markPath(userID)
	ts, hit, err := filemark.GetMark(e.cfg.ExpireMarksDir(), rel)
	if err != nil {
		logger.Warnf("expire mark read failed for %s, falling back to DB: %v", userID, err)
		hit = false
	}
	if hit {
		expire := userdb.Epoch(filemark.MarkEpoch(ts))
		return e.expirePending(expire), expire, nil, nil
	}

	user, err := e.db.LoadUser(ctx, userID)
	if errors.Is(err, userdb.ErrNoSuchUser) {
		return false, ExpireMissingUser, nil, nil
	}
	if err != nil {
		return false, 0, nil, err
	}
	e.WriteExpireMark(userID, user.Expire)
	return e.expirePending(user.Expire), user.Expire, user, nil
}

func (e *Engine) expirePending(expire userdb.Epoch) bool {
	return expire == 0 || int64(expire) > e.now().Unix()
}

// flavorAutoExtend returns the auto-extension policy for the request
// flavor: whether extension is allowed at all and by how many days.
// Only the external vhosts qualify, and only when the matching auto-add
// site policy is on.
func (e *Engine) flavorAutoExtend(flavor string) (bool, int) {
	switch flavor {
	case config.FlavorExtOid:
		return e.cfg.AutoAddOidUser, e.cfg.OidAutoExtendDays
	case config.FlavorExtOidc:
		return e.cfg.AutoAddOidcUser, e.cfg.OidcAutoExtendDays
	case config.FlavorExtCert:
		return e.cfg.AutoAddCertUser, e.cfg.CertAutoExtendDays
	}
	return false, 0
}

// CheckUpdateAccountExpire runs the expire check and transparently
// extends accounts about to expire, when site policy and the request
// vhost allow it. Returns whether an extension was written and the
// resulting expire value.
func (e *Engine) CheckUpdateAccountExpire(ctx context.Context, userID string,
	environ map[string]string, minDaysLeft int) (bool, userdb.Epoch, error) {
	pending, expire, _, err := e.CheckAccountExpire(ctx, userID)
	if err != nil {
		return false, expire, err
	}
	if !pending || expire == 0 {
		return false, expire, nil
	}
	cutoff := e.now().Add(time.Duration(minDaysLeft) * 24 * time.Hour).Unix()
	if int64(expire) > cutoff {
		return false, expire, nil
	}

	// Local agents hit the landing pages too; they must not keep
	// accounts alive behind the user's back.
	if addr := environ["REMOTE_ADDR"]; addr == "127.0.0.1" || addr == "::1" {
		return false, expire, nil
	}

	flavor := auth.DetectFlavor(e.cfg, environ)
	allowed, extendDays := e.flavorAutoExtend(flavor)
	if !allowed {
		logger.Debugf("no auto extend for %s on %s vhost", userID, flavor)
		return false, expire, nil
	}

	// Temporal accounts stay on their short leash.
	accessible, status, _, err := e.CheckAccountStatus(ctx, userID)
	if err != nil {
		return false, expire, err
	}
	if !accessible || status != userdb.StatusActive {
		return false, expire, nil
	}

	newExpire := userdb.Epoch(e.now().Add(time.Duration(extendDays) * 24 * time.Hour).Unix())
	if newExpire <= expire {
		return false, expire, nil
	}
	newExpireEpoch := int64(newExpire)
	if _, err := e.db.UpdateUser(ctx, userID, userdb.Changes{Expire: &newExpireEpoch}); err != nil {
		return false, expire, err
	}
	e.WriteExpireMark(userID, newExpire)
	telemetry.AccountRenewals.WithLabelValues("auto").Inc()
	logger.Infow("auto extended account", "user", userID, "flavor", flavor,
		"expire", int64(newExpire))
	return true, newExpire, nil
}

// ExpireInfo summarizes account lifetime for landing page display.
// RenewDays is how far a manual renewal pushes expiry on the request
// flavor; ExtendDays is the silent auto-extension horizon, zero when
// the flavor never auto-extends.
type ExpireInfo struct {
	Expire     userdb.Epoch
	Pending    bool
	DaysLeft   int
	RenewDays  int
	ExtendDays int
}

// flavorRenewDays returns the manual renewal horizon for the request
// flavor. Only the site's own login methods renew manually; the rest
// fall back to the generic horizon for display purposes.
func (e *Engine) flavorRenewDays(flavor string) int {
	switch flavor {
	case config.FlavorMigCert:
		return e.cfg.CertValidDays
	case config.FlavorMigOid:
		return e.cfg.OidValidDays
	case config.FlavorMigOidc:
		return e.cfg.OidcValidDays
	}
	return e.cfg.GenericValidDays
}

// AccountExpireInfo returns the lifetime summary for userID as seen
// from the given login flavor. DaysLeft is -1 when no expiry is
// enforced.
func (e *Engine) AccountExpireInfo(ctx context.Context, userID, flavor string) (ExpireInfo, error) {
	pending, expire, _, err := e.CheckAccountExpire(ctx, userID)
	if err != nil {
		return ExpireInfo{}, err
	}
	info := ExpireInfo{Expire: expire, Pending: pending, DaysLeft: -1,
		RenewDays: e.flavorRenewDays(flavor)}
	if allowed, extendDays := e.flavorAutoExtend(flavor); allowed {
		info.ExtendDays = extendDays
	}
	if expire > 0 {
		left := int64(expire) - e.now().Unix()
		info.DaysLeft = int(left / 86400)
		if left < 0 {
			info.DaysLeft = 0
		}
	}
	return info, nil
}

// DetectSpecialLogin reports whether username is a sharelink, job mount
// or jupyter mount session rather than a real account. These logins are
// bounded by their own lifetime: the symlink on disk is the access
// control, so no status or expire check applies.
func (e *Engine) DetectSpecialLogin(username, proto string) bool {
	if sharelinkProtos[proto] && sharelinkPattern.MatchString(username) {
		if pathExists(filepath.Join(e.cfg.SharelinkHomeDir(), username)) {
			return true
		}
	}
	if proto == "sftp" && sessionPattern.MatchString(username) {
		if pathExists(filepath.Join(e.cfg.JobMountHomeDir(), username)) ||
			pathExists(filepath.Join(e.cfg.JupyterMountHomeDir(), username)) {
			return true
		}
	}
	return false
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CheckAccountAccessible is the combined access decision for the I/O
// daemons and the OpenID web login. ioLogin distinguishes the two so
// each side can opt out of expiry enforcement independently.
func (e *Engine) CheckAccountAccessible(ctx context.Context, username, proto string,
	environ map[string]string, ioLogin, expandAlias bool) bool {
	if e.DetectSpecialLogin(username, proto) {
		logger.Debugf("special login %s on %s accepted", username, proto)
		return true
	}

	userID := username
	if e.cfg.SiteEnableGDP {
		userID = auth.StripProjectID(userID)
	} else if expandAlias {
		userID = auth.ExpandAlias(e.cfg, userID)
	}
	if resolved, err := e.db.ResolveOpenIDAlias(ctx, userID); err == nil {
		userID = resolved
	}

	accessible, status, _, err := e.CheckAccountStatus(ctx, userID)
	if err != nil {
		logger.Errorf("status check failed for %s: %v", userID, err)
		return false
	}
	if !accessible {
		logger.Infow("denied inaccessible account", "user", userID,
			"proto", proto, "status", string(status))
		return false
	}

	if ioLogin && !e.cfg.SiteIOAccountExpire {
		return true
	}
	if !ioLogin && !e.cfg.UserOpenIDEnforceExpire {
		return true
	}
	pending, _, _, err := e.CheckAccountExpire(ctx, userID)
	if err != nil {
		logger.Errorf("expire check failed for %s: %v", userID, err)
		return false
	}
	return pending
}
