// Package twofactor implements the site policy gate that forces users
// onto the 2FA setup page and the per-user session files that back web
// 2FA logins.
package twofactor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ucphhpc/accountd/pkg/auth"
	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

// Settings keys mandated per flavor group.
const (
	KeyMigOidTwofactor = "MIG_OID_TWOFACTOR"
	KeyExtOidTwofactor = "EXT_OID_TWOFACTOR"
)

// Pages a user must still reach while 2FA setup is pending.
var exemptScripts = map[string]bool{
	"setup2fa":   true,
	"twofactor":  true,
	"logout":     true,
	"autologout": true,
}

// Settings is the per-user saved 2FA configuration.
type Settings struct {
	MigOidTwofactor bool `yaml:"MIG_OID_TWOFACTOR"`
	ExtOidTwofactor bool `yaml:"EXT_OID_TWOFACTOR"`
}

// Session is one live web 2FA session.
type Session struct {
	ID      string    `json:"id"`
	UserID  string    `json:"user_id"`
	Addr    string    `json:"addr"`
	Created time.Time `json:"created"`
}

// Gate evaluates 2FA policy against the per-user state directory.
type Gate struct {
	cfg *config.Config
	now func() time.Time
}

// New returns a Gate. now may be nil for wall clock.
func New(cfg *config.Config, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{cfg: cfg, now: now}
}

func (g *Gate) userDir(userID string) string {
	return filepath.Join(g.cfg.TwofactorHomeDir(), userdb.ClientIDDir(userID))
}

func (g *Gate) settingsPath(userID string) string {
	return filepath.Join(g.userDir(userID), "settings.yaml")
}

func (g *Gate) sessionsDir(userID string) string {
	return filepath.Join(g.userDir(userID), "sessions")
}

// LoadSettings reads the saved settings for userID. A missing file
// reads as all-unset, which is what forces the setup page.
func (g *Gate) LoadSettings(userID string) (*Settings, error) {
	raw, err := os.ReadFile(g.settingsPath(userID))
	if os.IsNotExist(err) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, err
	}
	var settings Settings
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// SaveSettings persists settings for userID.
func (g *Gate) SaveSettings(userID string, settings *Settings) error {
	if err := os.MkdirAll(g.userDir(userID), 0o700); err != nil {
		return err
	}
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	return os.WriteFile(g.settingsPath(userID), raw, 0o600)
}

// mandatoryForFlavor reports whether the site demands 2FA on flavor.
func (g *Gate) mandatoryForFlavor(flavor string) bool {
	for _, proto := range g.cfg.TwofactorMandatoryProtos {
		switch strings.ToUpper(proto) {
		case config.KeywordAll, "HTTPS":
			return true
		}
		if proto == flavor {
			return true
		}
	}
	return false
}

// RequireTwofactorSetup reports whether userID must be forced onto the
// 2FA setup page before anything else. Anonymous visitors and
// gated-project sub-users are exempt, as are the setup and logout pages
// themselves.
func (g *Gate) RequireTwofactorSetup(scriptName, userID string, environ map[string]string) bool {
	if !g.cfg.SiteEnableTwofactor || userID == "" {
		return false
	}
	if strings.Contains(userID, "/GDP=") {
		return false
	}
	if exemptScripts[strings.TrimSuffix(filepath.Base(scriptName), filepath.Ext(scriptName))] {
		return false
	}
	flavor := auth.DetectFlavor(g.cfg, environ)
	if !g.mandatoryForFlavor(flavor) {
		return false
	}

	settings, err := g.LoadSettings(userID)
	if err != nil {
		logger.Warnf("failed to load 2fa settings for %s: %v", userID, err)
		return true
	}
	switch flavor {
	case config.FlavorExtOid, config.FlavorExtOidc, config.FlavorExtCert:
		return !settings.ExtOidTwofactor
	default:
		return !settings.MigOidTwofactor
	}
}

// ProtectedTwofactorSettings returns the keys of a prospective update
// that must keep their current value because they are enabled and
// mandatory. Prevents users from switching off mandatory 2FA.
func (g *Gate) ProtectedTwofactorSettings(userID string, environ map[string]string) ([]string, error) {
	current, err := g.LoadSettings(userID)
	if err != nil {
		return nil, err
	}
	flavor := auth.DetectFlavor(g.cfg, environ)
	if !g.mandatoryForFlavor(flavor) {
		return nil, nil
	}
	var protected []string
	if current.MigOidTwofactor {
		protected = append(protected, KeyMigOidTwofactor)
	}
	if current.ExtOidTwofactor {
		protected = append(protected, KeyExtOidTwofactor)
	}
	return protected, nil
}

// CreateSession records a live 2FA session for userID from addr.
func (g *Gate) CreateSession(userID, addr string) (*Session, error) {
	session := &Session{
		ID:      uuid.NewString(),
		UserID:  userID,
		Addr:    addr,
		Created: g.now(),
	}
	dir := g.sessionsDir(userID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, session.ID), raw, 0o600); err != nil {
		return nil, err
	}
	return session, nil
}

// ExpireSessions removes the live sessions of userID, optionally only
// those bound to addrFilter. Returns the number removed. Invoked by the
// logout orchestrator and by admin tooling alike.
func (g *Gate) ExpireSessions(userID, addrFilter string) (int, error) {
	dir := g.sessionsDir(userID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, ent := range entries {
		path := filepath.Join(dir, ent.Name())
		if addrFilter != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			var session Session
			if err := json.Unmarshal(raw, &session); err != nil || session.Addr != addrFilter {
				continue
			}
		}
		if err := os.Remove(path); err != nil {
			logger.Warnf("failed to expire 2fa session %s: %v", path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Debugf("expired %d 2fa sessions for %s", removed, userID)
	}
	return removed, nil
}
