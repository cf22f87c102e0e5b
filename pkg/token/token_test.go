package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/errors"
	"github.com/ucphhpc/accountd/pkg/userdb"
)

const testDN = "/C=DK/ST=NA/L=NA/O=NBI/OU=NA/CN=Test User/emailAddress=a@b.dk"

func testService(now *time.Time) *Service {
	cfg := &config.Config{
		SiteSecret:      "test-secret-please-rotate",
		ResetTokenTTL:   time.Hour,
		RemovalTokenTTL: time.Hour,
	}
	return New(cfg, func() time.Time { return *now })
}

func testUser() *userdb.User {
	return &userdb.User{
		DistinguishedName: testDN,
		Email:             "a@b.dk",
		PasswordHash:      "PBKDF2$sha256$10000$c2FsdA==$aGFzaA==",
	}
}

func TestResetTokenRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	svc := testService(&now)
	user := testUser()

	tok, err := svc.GenerateResetToken(user, AuthMigOid)
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	require.NoError(t, svc.VerifyForUser(tok, ScopePasswordReset, AuthMigOid, user))

	subject, _, err := svc.Verify(tok, ScopePasswordReset)
	require.NoError(t, err)
	assert.Equal(t, testDN, subject)
}

func TestTokenExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	svc := testService(&now)
	tok, err := svc.GenerateResetToken(testUser(), AuthMigOid)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, _, err = svc.Verify(tok, ScopePasswordReset)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTokenInvalid))
}

func TestTokenInvalidAfterCredentialChange(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	svc := testService(&now)
	user := testUser()
	tok, err := svc.GenerateResetToken(user, AuthMigOid)
	require.NoError(t, err)

	user.PasswordHash = "PBKDF2$sha256$10000$bmV3c2FsdA==$bmV3aGFzaA=="
	err = svc.VerifyForUser(tok, ScopePasswordReset, AuthMigOid, user)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTokenInvalid))
}

func TestTokenScopeEnforced(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	svc := testService(&now)
	tok, err := svc.GenerateResetToken(testUser(), AuthMigOid)
	require.NoError(t, err)

	_, _, err = svc.Verify(tok, ScopeAccountRemoval)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTokenInvalid))
}

func TestResetTokenRequiresUsableCredential(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	svc := testService(&now)

	// An OpenID-only account without any password hash cannot anchor a
	// certificate-password reset.
	user := &userdb.User{DistinguishedName: testDN, Email: "a@b.dk"}
	_, err := svc.GenerateResetToken(user, AuthMigCert)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrAuthWrongFlavor))
}

func TestTokenSignatureChecked(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	svc := testService(&now)
	tok, err := svc.GenerateResetToken(testUser(), AuthMigOid)
	require.NoError(t, err)

	other := testService(&now)
	other.cfg = &config.Config{SiteSecret: "different-secret", ResetTokenTTL: time.Hour}
	_, _, err = other.Verify(tok, ScopePasswordReset)
	require.Error(t, err)
}
