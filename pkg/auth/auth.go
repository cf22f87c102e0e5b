// Package auth inspects the request environment handed over by the
// front-end web server and derives the auth type, the vhost flavor and
// the canonical user ID of the caller.
package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/errors"
	"github.com/ucphhpc/accountd/pkg/logger"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

// Type is how the front-end authenticated the caller.
type Type string

const (
	TypeCertificate   Type = "certificate"
	TypeOpenID2       Type = "openid-2.0"
	TypeOpenIDConnect Type = "openid-connect"
	TypeGeneric       Type = "generic"
	TypeNone          Type = "none"
)

// FlavorUnknown marks a request URL matching none of the configured vhosts.
const FlavorUnknown = "unknown"

// Environment keys set by the front-end server.
const (
	EnvClientDN   = "SSL_CLIENT_S_DN"
	EnvRemoteUser = "REMOTE_USER"
	EnvSessionID  = "SESSION_ID"
	EnvScriptURI  = "SCRIPT_URI"
	EnvHTTPHost   = "HTTP_HOST"

	oidcClaimPrefix = "OIDC_CLAIM_"
)

// gdpField separates the base DN from the project sub-identity on
// gated-project sites.
const gdpField = "/GDP="

// requestBaseURL reconstructs the URL the request arrived on.
func requestBaseURL(environ map[string]string) string {
	if uri := environ[EnvScriptURI]; uri != "" {
		return uri
	}
	if host := environ[EnvHTTPHost]; host != "" {
		return "https://" + host
	}
	return ""
}

// DetectFlavor matches the request URL against the configured per-flavor
// vhost base URLs. Unknown is logged but left to the caller to judge.
func DetectFlavor(cfg *config.Config, environ map[string]string) string {
	base := requestBaseURL(environ)
	if base == "" {
		return FlavorUnknown
	}
	vhosts := []struct {
		flavor string
		url    string
	}{
		{config.FlavorMigCert, cfg.URLs.MigCert},
		{config.FlavorExtCert, cfg.URLs.ExtCert},
		{config.FlavorMigOid, cfg.URLs.MigOid},
		{config.FlavorExtOid, cfg.URLs.ExtOid},
		{config.FlavorMigOidc, cfg.URLs.MigOidc},
		{config.FlavorExtOidc, cfg.URLs.ExtOidc},
		{config.FlavorSid, cfg.URLs.Sid},
	}
	for _, vh := range vhosts {
		if vh.url != "" && strings.HasPrefix(base, vh.url) {
			return vh.flavor
		}
	}
	logger.Debugf("request URL %s matches no configured vhost", base)
	return FlavorUnknown
}

// DetectClientAuth derives the auth type and vhost flavor from the
// request environment. Certificate DNs win over everything, OIDC claims
// over plain remote-user values, and a bare session ID on the SID vhost
// counts as generic unauthenticated access.
func DetectClientAuth(cfg *config.Config, environ map[string]string) (Type, string) {
	flavor := DetectFlavor(cfg, environ)

	if environ[EnvClientDN] != "" {
		return TypeCertificate, flavor
	}
	for key := range environ {
		if strings.HasPrefix(key, oidcClaimPrefix) {
			return TypeOpenIDConnect, flavor
		}
	}
	if remoteUser := environ[EnvRemoteUser]; remoteUser != "" {
		if strings.HasPrefix(remoteUser, "https://") ||
			strings.HasPrefix(remoteUser, "http://") {
			return TypeOpenID2, flavor
		}
		return TypeGeneric, flavor
	}
	if flavor == config.FlavorSid && environ[EnvSessionID] != "" {
		return TypeGeneric, flavor
	}
	return TypeNone, flavor
}

// UnescapeDN undoes the front-end byte escaping of certificate DNs,
// where non-ASCII bytes arrive as backslash-x hex pairs.
func UnescapeDN(dn string) string {
	if !strings.Contains(dn, `\x`) {
		return dn
	}
	var out strings.Builder
	out.Grow(len(dn))
	for i := 0; i < len(dn); {
		if i+3 < len(dn) && dn[i] == '\\' && dn[i+1] == 'x' {
			if b, err := strconv.ParseUint(dn[i+2:i+4], 16, 8); err == nil {
				out.WriteByte(byte(b))
				i += 4
				continue
			}
		}
		out.WriteByte(dn[i])
		i++
	}
	return out.String()
}

// oidcIdentity picks the caller identity from the OIDC claim set.
func oidcIdentity(environ map[string]string) string {
	for _, claim := range []string{"upn", "email", "sub"} {
		if val := environ[oidcClaimPrefix+strings.ToUpper(claim)]; val != "" {
			return val
		}
		if val := environ[oidcClaimPrefix+claim]; val != "" {
			return val
		}
	}
	return ""
}

// verifyOpenIDVhost refuses remote-user values carrying a known provider
// prefix unless the request actually arrived on that provider's vhost.
func verifyOpenIDVhost(cfg *config.Config, remoteUser, flavor string) error {
	checks := []struct {
		provider string
		flavor   string
	}{
		{cfg.MigOidProvider, config.FlavorMigOid},
		{cfg.ExtOidProvider, config.FlavorExtOid},
	}
	for _, check := range checks {
		if check.provider == "" || !strings.HasPrefix(remoteUser, check.provider) {
			continue
		}
		if flavor != check.flavor {
			return errors.NewAuthWrongFlavorError(fmt.Sprintf(
				"identity %s presented on %s vhost", remoteUser, flavor))
		}
		return nil
	}
	return nil
}

// ExtractClientID resolves the canonical user DN of the caller. With
// expandAlias set and the site not in gated-project mode the resolver
// additionally follows the user home symlink to its real target, so
// email aliases work uniformly for I/O daemon logins.
func ExtractClientID(ctx context.Context, cfg *config.Config, db *userdb.DB,
	environ map[string]string, expandAlias bool) (string, error) {
	authType, flavor := DetectClientAuth(cfg, environ)

	var clientID string
	switch authType {
	case TypeCertificate:
		clientID = UnescapeDN(environ[EnvClientDN])
	case TypeOpenID2:
		remoteUser := environ[EnvRemoteUser]
		if err := verifyOpenIDVhost(cfg, remoteUser, flavor); err != nil {
			return "", err
		}
		resolved, err := db.ResolveOpenIDAlias(ctx, remoteUser)
		if err != nil {
			return "", err
		}
		clientID = resolved
	case TypeOpenIDConnect:
		identity := oidcIdentity(environ)
		if identity == "" {
			return "", errors.NewInputInvalidError("no usable OIDC claim", nil)
		}
		resolved, err := db.ResolveOpenIDAlias(ctx, identity)
		if err != nil {
			return "", err
		}
		clientID = resolved
	case TypeGeneric:
		clientID = environ[EnvRemoteUser]
	default:
		return "", errors.NewInputInvalidError("request carries no client identity", nil)
	}

	if cfg.SiteEnableGDP {
		clientID = StripProjectID(clientID)
	} else if expandAlias {
		clientID = ExpandAlias(cfg, clientID)
	}
	return clientID, nil
}

// StripProjectID reduces a gated-project sub-identity to its base DN.
func StripProjectID(clientID string) string {
	if idx := strings.Index(clientID, gdpField); idx >= 0 {
		return clientID[:idx]
	}
	return clientID
}

// ExpandAlias follows the home directory symlink of an alias login
// name to the real user directory and derives the DN from that. A plain
// directory or a missing entry leaves the ID untouched.
func ExpandAlias(cfg *config.Config, clientID string) string {
	link := filepath.Join(cfg.UserHomeDir(), userdb.ClientIDDir(clientID))
	info, err := os.Lstat(link)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return clientID
	}
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		logger.Warnf("broken alias home link %s: %v", link, err)
		return clientID
	}
	return userdb.ClientDirID(filepath.Base(target))
}
