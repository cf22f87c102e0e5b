package csrf

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/errors"
)

const testDN = "/C=DK/ST=NA/L=NA/O=NBI/OU=NA/CN=Test User/emailAddress=a@b.dk"

func testConfig() *config.Config {
	return &config.Config{DigestSalt: "deadbeefcafe"}
}

func TestCheckAcceptsOwnToken(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	tok := MakeCSRFToken(cfg, "post", "accountaction", testDN, "")
	require.NoError(t, Check(cfg, "post", "accountaction", testDN, "", tok))
}

func TestCheckRefusesForeignToken(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	tok := MakeCSRFToken(cfg, "post", "accountaction", "/C=DK/CN=Other/emailAddress=x@y.dk", "")
	err := Check(cfg, "post", "accountaction", testDN, "", tok)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrCSRFRefused))
}

func TestCheckRefusesMissingToken(t *testing.T) {
	t.Parallel()
	err := Check(testConfig(), "post", "accountaction", testDN, "", "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrCSRFRefused))
}

func TestTokenVariesWithOperationAndLimit(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	base := MakeCSRFToken(cfg, "post", "accountaction", testDN, "")
	assert.NotEqual(t, base, MakeCSRFToken(cfg, "post", "reqpwresetaction", testDN, ""))
	assert.NotEqual(t, base, MakeCSRFToken(cfg, "get", "accountaction", testDN, ""))
	assert.NotEqual(t, base, MakeCSRFToken(cfg, "post", "accountaction", testDN, "2023110per"))
}

func TestTokenLimitRotation(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	now := time.Date(2023, 11, 14, 22, 0, 0, 0, time.UTC)

	assert.Empty(t, TokenLimit(cfg, now))
	cfg.CSRFTokenLimit = "hourly"
	assert.Equal(t, "2023111422", TokenLimit(cfg, now))
	assert.NotEqual(t, TokenLimit(cfg, now), TokenLimit(cfg, now.Add(time.Hour)))
	cfg.CSRFTokenLimit = "daily"
	assert.Equal(t, "20231114", TokenLimit(cfg, now))
}

func TestTrustTokenIgnoresQueryOrder(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	q1 := url.Values{"a": {"1"}, "b": {"2"}}
	q2 := url.Values{"b": {"2"}, "a": {"1"}}
	tok1 := MakeCSRFTrustToken(cfg, "get", "https://sid.test.dk/logout.py", q1, testDN, "")
	tok2 := MakeCSRFTrustToken(cfg, "get", "https://sid.test.dk/logout.py", q2, testDN, "")
	assert.Equal(t, tok1, tok2)

	q3 := url.Values{"a": {"1"}, "b": {"evil"}}
	assert.NotEqual(t, tok1, MakeCSRFTrustToken(cfg, "get", "https://sid.test.dk/logout.py", q3, testDN, ""))
}
