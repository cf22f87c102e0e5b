// Package token issues and verifies the signed tokens that authorize
// out-of-band account changes through emailed confirmation links.
//
// Tokens are bound to the credential they are meant to replace: the
// claim set carries a digest of the current password hash, so completing
// a reset invalidates every token issued before it.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/errors"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

// Token scopes.
const (
	ScopePasswordReset  = "password_reset"
	ScopeAccountRemoval = "account_removal"
)

// Auth type tags accepted on reset requests.
const (
	AuthMigCert = "migcert"
	AuthMigOid  = "migoid"
	AuthMigOidc = "migoidc"
)

// Service signs and verifies confirmation tokens with the site secret.
type Service struct {
	cfg *config.Config
	now func() time.Time
}

// New returns a Service. now may be nil for wall clock.
func New(cfg *config.Config, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{cfg: cfg, now: now}
}

type claims struct {
	Scope      string `json:"scope"`
	Credential string `json:"cred"`
	jwt.RegisteredClaims
}

// boundCredential picks the credential a token of authType protects.
// Certificate logins keep a cleartext password field while the OpenID
// flavors carry a salted hash; either way the token binds to a digest,
// never to the raw value.
func boundCredential(user *userdb.User, authType string) (string, error) {
	var cred string
	switch authType {
	case AuthMigCert:
		if user.Password == "" {
			return "", errors.NewAuthWrongFlavorError(
				"account has no certificate password to reset")
		}
		cred = user.Password
	case AuthMigOid, AuthMigOidc:
		if user.PasswordHash == "" {
			return "", errors.NewAuthWrongFlavorError(
				"account has no password hash to reset")
		}
		cred = user.PasswordHash
	default:
		return "", errors.NewAuthWrongFlavorError(
			fmt.Sprintf("unsupported auth type %q", authType))
	}
	sum := sha256.Sum256([]byte(cred))
	return hex.EncodeToString(sum[:]), nil
}

func (s *Service) sign(user *userdb.User, scope, authType string, ttl time.Duration) (string, error) {
	cred, err := boundCredential(user, authType)
	if err != nil {
		return "", err
	}
	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Scope:      scope,
		Credential: cred,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.DistinguishedName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := tok.SignedString([]byte(s.cfg.SiteSecret))
	if err != nil {
		return "", errors.NewTokenInvalidError("failed to sign token", err)
	}
	return signed, nil
}

// GenerateResetToken issues a password reset token for user, bound to
// the credential of authType.
func (s *Service) GenerateResetToken(user *userdb.User, authType string) (string, error) {
	return s.sign(user, ScopePasswordReset, authType, s.cfg.ResetTokenTTL)
}

// GenerateRemovalToken issues an account removal token for user. Removal
// binds to whichever credential the account carries.
func (s *Service) GenerateRemovalToken(user *userdb.User) (string, error) {
	authType := AuthMigOid
	if user.PasswordHash == "" && user.Password != "" {
		authType = AuthMigCert
	}
	return s.sign(user, ScopeAccountRemoval, authType, s.cfg.RemovalTokenTTL)
}

// Verify checks signature, TTL and scope and returns the subject DN and
// bound credential digest. The caller must still compare the digest
// against the live record; a credential changed since issuance makes
// the token worthless.
func (s *Service) Verify(tokenString, scope string) (string, string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.SiteSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", "", errors.NewTokenInvalidError("token rejected", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", "", errors.NewTokenInvalidError("malformed token claims", nil)
	}
	if c.Scope != scope {
		return "", "", errors.NewTokenInvalidError(
			fmt.Sprintf("token scope %q does not grant %q", c.Scope, scope), nil)
	}
	return c.Subject, c.Credential, nil
}

// VerifyForUser runs Verify and additionally checks the credential
// binding against the live record.
func (s *Service) VerifyForUser(tokenString, scope, authType string, user *userdb.User) error {
	subject, digest, err := s.Verify(tokenString, scope)
	if err != nil {
		return err
	}
	if subject != user.DistinguishedName {
		return errors.NewTokenInvalidError("token subject mismatch", nil)
	}
	current, err := boundCredential(user, authType)
	if err != nil {
		return err
	}
	if current != digest {
		return errors.NewTokenInvalidError("credential changed since token issuance", nil)
	}
	return nil
}
