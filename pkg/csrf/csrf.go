// Package csrf builds and checks the request tokens that protect every
// state-changing endpoint. Tokens are a pure function of the request
// shape and the viewer identity, so they cannot be lifted across users.
package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ucphhpc/accountd/pkg/config"
	"github.com/ucphhpc/accountd/pkg/errors"
	"github.com/ucphhpc/accountd/pkg/logger"
)

// FieldName is the form field carrying the token.
const FieldName = "_csrf"

// TokenLimit returns the rotation bucket for now according to the
// configured token lifetime. An empty setting disables rotation, which
// keeps tokens valid for the whole browser session.
func TokenLimit(cfg *config.Config, now time.Time) string {
	switch cfg.CSRFTokenLimit {
	case "hourly":
		return now.UTC().Format("2006010215")
	case "daily":
		return now.UTC().Format("20060102")
	default:
		return ""
	}
}

// MakeCSRFToken derives the token for one (method, operation, viewer)
// triple. The viewer DN is part of the digest so a token harvested from
// one user's page never validates for another.
func MakeCSRFToken(cfg *config.Config, method, op, clientID, limit string) string {
	mac := hmac.New(sha256.New, []byte(cfg.DigestSalt))
	mac.Write([]byte(strings.Join([]string{method, op, clientID, limit}, "\x00")))
	return hex.EncodeToString(mac.Sum(nil))
}

// MakeCSRFTrustToken digests a full redirect target including its query
// so a malicious referer cannot inject arbitrary return URLs into the
// logout chain. Query pairs are digested in sorted order to stay
// immune to parameter reordering.
func MakeCSRFTrustToken(cfg *config.Config, method, rawURL string, query url.Values, clientID, limit string) string {
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := []string{method, rawURL}
	for _, key := range keys {
		for _, val := range query[key] {
			parts = append(parts, key+"="+val)
		}
	}
	parts = append(parts, clientID, limit)
	mac := hmac.New(sha256.New, []byte(cfg.DigestSalt))
	mac.Write([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Check validates a submitted token for a state-changing request and
// refuses with a csrf error on mismatch. Comparison is constant time.
func Check(cfg *config.Config, method, op, clientID, limit, submitted string) error {
	if submitted == "" {
		return errors.NewCSRFRefusedError("request without csrf token")
	}
	expected := MakeCSRFToken(cfg, method, op, clientID, limit)
	if !hmac.Equal([]byte(expected), []byte(submitted)) {
		logger.Warnf("csrf token mismatch for %s on %s %s", clientID, method, op)
		return errors.NewCSRFRefusedError("csrf token mismatch")
	}
	return nil
}
