package discovery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucphhpc/accountd/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		URLs: config.SiteURLs{
			MigOid: "https://oid.test.dk",
			ExtOid: "https://ext.test.dk",
			Sid:    "https://sid.test.dk",
		},
	}
}

func TestReturnToURLs(t *testing.T) {
	t.Parallel()
	cfg := testConfig()

	urls := ReturnToURLs(cfg)
	assert.Contains(t, urls, "https://oid.test.dk/cgi-bin/home.py")
	assert.Contains(t, urls, "https://ext.test.dk/cgi-bin/home.py")
	// autocreate only exists on the ext provider vhost.
	assert.Contains(t, urls, "https://ext.test.dk/cgi-bin/autocreate.py")
	assert.NotContains(t, urls, "https://oid.test.dk/cgi-bin/autocreate.py")
	assert.Contains(t, urls, "https://sid.test.dk/cgi-sid/signup.py")
	// wsgi entries need the site flag.
	assert.NotContains(t, urls, "https://oid.test.dk/wsgi-bin/home.py")

	cfg.EnableWsgi = true
	urls = ReturnToURLs(cfg)
	assert.Contains(t, urls, "https://oid.test.dk/wsgi-bin/home.py")

	cfg.SiteEnableGDP = true
	urls = ReturnToURLs(cfg)
	assert.Contains(t, urls, "https://oid.test.dk/cgi-bin/gdpman.py")
}

func TestReturnToURLsSortedAndUnique(t *testing.T) {
	t.Parallel()
	urls := ReturnToURLs(testConfig())
	seen := map[string]bool{}
	for i, url := range urls {
		require.False(t, seen[url], "duplicate %s", url)
		seen[url] = true
		if i > 0 {
			assert.Less(t, urls[i-1], url)
		}
	}
}

func TestXRDSDocument(t *testing.T) {
	t.Parallel()
	raw, err := XRDSDocument(testConfig())
	require.NoError(t, err)

	doc := string(raw)
	assert.True(t, strings.HasPrefix(doc, "<?xml"))
	assert.Contains(t, doc, "xri://$xrds")
	assert.Contains(t, doc, "http://specs.openid.net/auth/2.0/return_to")
	assert.Contains(t, doc, "https://oid.test.dk/cgi-bin/home.py")
}
