// Package config holds the site configuration shared by the web handlers, the
// I/O daemon helpers and the administrative CLIs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Auth flavor short names as used in configuration lists such as
// site_login_methods and site_twofactor_mandatory_protos.
const (
	FlavorMigCert = "migcert"
	FlavorExtCert = "extcert"
	FlavorMigOid  = "migoid"
	FlavorExtOid  = "extoid"
	FlavorMigOidc = "migoidc"
	FlavorExtOidc = "extoidc"
	FlavorSid     = "sid"
)

// KeywordAll matches any entry in protocol lists.
const KeywordAll = "ALL"

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Server  string        `mapstructure:"server" yaml:"server"`
	Sender  string        `mapstructure:"sender" yaml:"sender"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SiteURLs holds the per-flavor vhost base URLs. An empty URL means the
// corresponding vhost is not served by this site.
type SiteURLs struct {
	MigCert string `mapstructure:"mig_cert" yaml:"mig_cert"`
	ExtCert string `mapstructure:"ext_cert" yaml:"ext_cert"`
	MigOid  string `mapstructure:"mig_oid" yaml:"mig_oid"`
	ExtOid  string `mapstructure:"ext_oid" yaml:"ext_oid"`
	MigOidc string `mapstructure:"mig_oidc" yaml:"mig_oidc"`
	ExtOidc string `mapstructure:"ext_oidc" yaml:"ext_oidc"`
	Sid     string `mapstructure:"sid" yaml:"sid"`
}

// Config is the complete site configuration.
type Config struct {
	SiteTitle  string `mapstructure:"site_title" yaml:"site_title"`
	ShortTitle string `mapstructure:"short_title" yaml:"short_title"`

	// StateDir is the root of all persisted state (user DB, mark caches,
	// rate limits, auth log, twofactor sessions).
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`

	// DigestSalt is the hex-encoded salt for CSRF token digests.
	DigestSalt string `mapstructure:"digest_salt" yaml:"digest_salt"`
	// SiteSecret signs the password reset and account removal tokens.
	SiteSecret string `mapstructure:"site_secret" yaml:"site_secret"`

	SMTP SMTPConfig `mapstructure:"smtp" yaml:"smtp"`
	URLs SiteURLs   `mapstructure:"urls" yaml:"urls"`

	// MigOidProvider and ExtOidProvider are the OpenID 2.0 provider base
	// URLs. Remote-user values carrying a provider prefix are only trusted
	// when the request arrived on the matching vhost.
	MigOidProvider string `mapstructure:"mig_oid_provider" yaml:"mig_oid_provider"`
	ExtOidProvider string `mapstructure:"ext_oid_provider" yaml:"ext_oid_provider"`

	// End-session endpoints of the OpenID Connect providers, used by the
	// logout chain. Empty disables the provider round-trip.
	MigOidcEndSession string `mapstructure:"mig_oidc_end_session" yaml:"mig_oidc_end_session"`
	ExtOidcEndSession string `mapstructure:"ext_oidc_end_session" yaml:"ext_oidc_end_session"`

	CertValidDays    int `mapstructure:"cert_valid_days" yaml:"cert_valid_days"`
	OidValidDays     int `mapstructure:"oid_valid_days" yaml:"oid_valid_days"`
	OidcValidDays    int `mapstructure:"oidc_valid_days" yaml:"oidc_valid_days"`
	GenericValidDays int `mapstructure:"generic_valid_days" yaml:"generic_valid_days"`

	CertAutoExtendDays int `mapstructure:"cert_auto_extend_days" yaml:"cert_auto_extend_days"`
	OidAutoExtendDays  int `mapstructure:"oid_auto_extend_days" yaml:"oid_auto_extend_days"`
	OidcAutoExtendDays int `mapstructure:"oidc_auto_extend_days" yaml:"oidc_auto_extend_days"`
	// AttemptAutoExtendDays is how many days before expiry a landing page
	// visit triggers an auto-extension attempt.
	AttemptAutoExtendDays int `mapstructure:"attempt_auto_extend_days" yaml:"attempt_auto_extend_days"`

	AutoAddCertUser bool `mapstructure:"auto_add_cert_user" yaml:"auto_add_cert_user"`
	AutoAddOidUser  bool `mapstructure:"auto_add_oid_user" yaml:"auto_add_oid_user"`
	AutoAddOidcUser bool `mapstructure:"auto_add_oidc_user" yaml:"auto_add_oidc_user"`

	// SiteIOAccountExpire enforces account expiry on I/O daemon logins.
	SiteIOAccountExpire bool `mapstructure:"site_io_account_expire" yaml:"site_io_account_expire"`
	// UserOpenIDEnforceExpire enforces account expiry on OpenID web logins.
	UserOpenIDEnforceExpire bool `mapstructure:"user_openid_enforce_expire" yaml:"user_openid_enforce_expire"`

	// SiteEnableGDP routes all access through per-project sub-identities.
	SiteEnableGDP bool `mapstructure:"site_enable_gdp" yaml:"site_enable_gdp"`
	// SitePeersMandatory requires a live peer sponsorship for renew.
	SitePeersMandatory bool `mapstructure:"site_peers_mandatory" yaml:"site_peers_mandatory"`

	SiteLoginMethods []string `mapstructure:"site_login_methods" yaml:"site_login_methods"`

	SiteEnableTwofactor      bool     `mapstructure:"site_enable_twofactor" yaml:"site_enable_twofactor"`
	TwofactorMandatoryProtos []string `mapstructure:"site_twofactor_mandatory_protos" yaml:"site_twofactor_mandatory_protos"`

	// PasswordPolicy is one of NONE, WEAK, MEDIUM, HIGH or custom:<len>:<classes>.
	PasswordPolicy string `mapstructure:"password_policy" yaml:"password_policy"`

	ResetTokenTTL   time.Duration `mapstructure:"reset_token_ttl" yaml:"reset_token_ttl"`
	RemovalTokenTTL time.Duration `mapstructure:"removal_token_ttl" yaml:"removal_token_ttl"`

	// CSRFTokenLimit optionally rotates CSRF tokens, e.g. hourly time slots.
	CSRFTokenLimit string `mapstructure:"csrf_token_limit" yaml:"csrf_token_limit"`

	// EnableWsgi includes wsgi-bin entry points in the discovery document.
	EnableWsgi bool `mapstructure:"enable_wsgi" yaml:"enable_wsgi"`

	// SecurityScanners lists source addresses exempt from abuse notification.
	SecurityScanners []string `mapstructure:"security_scanners" yaml:"security_scanners"`

	// UserDBPath overrides the default user DB location when set.
	UserDBPath string `mapstructure:"user_db_path" yaml:"user_db_path"`
}

// Sub-directories of StateDir. The mark dir names are part of the on-disk
// format shared with the I/O daemons.
const (
	userDBDir        = "user_db"
	userDBFile       = "accountd-users.db"
	legacyUserDBDir  = "server"
	statusMarksDir   = "status_marks"
	expireMarksDir   = "expire_marks"
	rateLimitsDir    = "rate_limits"
	authLogFile      = "auth_log"
	twofactorHomeDir = "twofactor_home"
	userHomeDir      = "user_home"
	sharelinkHome    = "sharelink_home"
	jobMountHome     = "sessid_to_mrsl_link_home"
	jupyterMountHome = "sessid_to_jupyter_mount_link_home"
	openidStoreDir   = "openid_store"
)

// DefaultUserDBPath returns the configured or conventional user DB location.
func (c *Config) DefaultUserDBPath() string {
	if c.UserDBPath != "" {
		return c.UserDBPath
	}
	return filepath.Join(c.StateDir, userDBDir, userDBFile)
}

// LegacyUserDBPath is the pre-migration DB location still honored on load.
func (c *Config) LegacyUserDBPath() string {
	return filepath.Join(c.StateDir, legacyUserDBDir, userDBFile)
}

// StatusMarksDir returns the status mark cache directory.
func (c *Config) StatusMarksDir() string {
	return filepath.Join(c.StateDir, statusMarksDir)
}

// ExpireMarksDir returns the expire mark cache directory.
func (c *Config) ExpireMarksDir() string {
	return filepath.Join(c.StateDir, expireMarksDir)
}

// RateLimitsDir returns the persistent rate limit cache directory.
func (c *Config) RateLimitsDir() string {
	return filepath.Join(c.StateDir, rateLimitsDir)
}

// AuthLogPath returns the append-only auth log location.
func (c *Config) AuthLogPath() string {
	return filepath.Join(c.StateDir, authLogFile)
}

// OpenIDStoreDir returns the local OpenID 2.0 session store shared
// with the provider daemon.
func (c *Config) OpenIDStoreDir() string {
	return filepath.Join(c.StateDir, openidStoreDir)
}

// TwofactorHomeDir returns the directory of per-user twofactor state.
func (c *Config) TwofactorHomeDir() string {
	return filepath.Join(c.StateDir, twofactorHomeDir)
}

// UserHomeDir returns the directory of per-user home dirs and alias symlinks.
func (c *Config) UserHomeDir() string {
	return filepath.Join(c.StateDir, userHomeDir)
}

// SharelinkHomeDir returns the directory of live sharelink symlinks.
func (c *Config) SharelinkHomeDir() string {
	return filepath.Join(c.StateDir, sharelinkHome)
}

// JobMountHomeDir returns the directory of live job session mount links.
func (c *Config) JobMountHomeDir() string {
	return filepath.Join(c.StateDir, jobMountHome)
}

// JupyterMountHomeDir returns the directory of live jupyter mount links.
func (c *Config) JupyterMountHomeDir() string {
	return filepath.Join(c.StateDir, jupyterMountHome)
}

// DefaultConfigPath returns the conventional config location for this user.
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, "accountd", "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("site_title", "Minimum intrusion Grid")
	v.SetDefault("short_title", "MiG")
	v.SetDefault("cert_valid_days", 365)
	v.SetDefault("oid_valid_days", 365)
	v.SetDefault("oidc_valid_days", 365)
	v.SetDefault("generic_valid_days", 365)
	v.SetDefault("cert_auto_extend_days", 30)
	v.SetDefault("oid_auto_extend_days", 30)
	v.SetDefault("oidc_auto_extend_days", 30)
	v.SetDefault("attempt_auto_extend_days", 14)
	v.SetDefault("site_login_methods", []string{FlavorMigOid, FlavorExtOid})
	v.SetDefault("password_policy", "MEDIUM")
	v.SetDefault("reset_token_ttl", time.Hour)
	v.SetDefault("removal_token_ttl", time.Hour)
	v.SetDefault("smtp.timeout", 30*time.Second)
	v.SetDefault("smtp.server", "localhost:25")
}

// Load reads the configuration from path, falling back to the default
// location when path is empty. Environment variables with the ACCOUNTD_
// prefix override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("accountd")
	v.AutomaticEnv()

	if path == "" {
		path = DefaultConfigPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr != nil && os.IsNotExist(statErr) {
			return nil, fmt.Errorf("config file not found at %s: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the minimal invariants the core relies on.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must be set")
	}
	if c.SiteSecret == "" {
		return fmt.Errorf("site_secret must be set")
	}
	if c.DigestSalt == "" {
		return fmt.Errorf("digest_salt must be set")
	}
	return nil
}
