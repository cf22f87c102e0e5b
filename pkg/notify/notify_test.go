package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/errors"
)

type recordingSender struct {
	to      string
	subject string
	body    string
	fail    error
}

func (s *recordingSender) Send(to, subject, body string) error {
	if s.fail != nil {
		return s.fail
	}
	s.to = to
	s.subject = subject
	s.body = body
	return nil
}

func TestSendResetRequest(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{ShortTitle: "MiG"}
	sender := &recordingSender{}

	err := SendResetRequest(cfg, sender, "jane@site.dk",
		"/C=DK/CN=Jane Doe/emailAddress=jane@site.dk", "migoid",
		"https://sid.site.dk/cgi-sid/reqpwreset.py?reset_token=abc", 900*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "jane@site.dk", sender.to)
	assert.Equal(t, "MiG OpenID 2.0 password reset request for /C=DK/CN=Jane Doe/emailAddress=jane@site.dk", sender.subject)
	assert.Contains(t, sender.body, "within 900 seconds")
	assert.Contains(t, sender.body, "reset_token=abc")
	assert.Contains(t, sender.body, "safely ignore")
}

func TestSendRemovalRequest(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{ShortTitle: "MiG"}
	sender := &recordingSender{}

	err := SendRemovalRequest(cfg, sender, "jane@site.dk",
		"/C=DK/CN=Jane Doe/emailAddress=jane@site.dk",
		"https://sid.site.dk/cgi-sid/reqrmaccount.py?reset_token=def", 900*time.Second)
	require.NoError(t, err)

	assert.Contains(t, sender.subject, "account removal request")
	assert.Contains(t, sender.body, "reset_token=def")
}

func TestSendFailurePropagates(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{ShortTitle: "MiG"}
	sender := &recordingSender{fail: errors.NewEmailSendFailedError("relay down", nil)}

	err := SendResetRequest(cfg, sender, "jane@site.dk", "/C=DK/CN=Jane Doe",
		"migcert", "https://sid.site.dk/cgi-sid/reqpwreset.py", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay down")
}

func TestAuthTypeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "certificate", authTypeName("migcert"))
	assert.Equal(t, "OpenID 2.0", authTypeName("extoid"))
	assert.Equal(t, "OpenID Connect", authTypeName("migoidc"))
	assert.Equal(t, "custom", authTypeName("custom"))
}
