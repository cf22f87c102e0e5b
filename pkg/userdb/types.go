// Package userdb implements the durable user database and the canonical user
// ID helpers shared by the web handlers and the administrative CLIs.
package userdb

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ucphhpc/accountd/pkg/logger"
)

// Epoch is seconds since epoch. Some legacy tooling wrote expire values as
// strings; decoding coerces those with a warning but never repairs the
// stored record.
type Epoch int64

// UnmarshalYAML implements yaml.Unmarshaler with string coercion.
func (e *Epoch) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		*e = 0
		return nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch value %q: %w", raw, err)
	}
	if value.Tag == "!!str" {
		logger.Warnf("found string epoch value %q - coercing without repair", raw)
	}
	*e = Epoch(parsed)
	return nil
}

// AccountStatus is a stored account status value.
type AccountStatus string

// Valid stored account status values. The order is load-bearing: the status
// mark cache encodes a status as its integer index into this list, so the
// ordinal table is part of the on-disk format.
const (
	StatusActive    AccountStatus = "active"
	StatusTemporal  AccountStatus = "temporal"
	StatusSuspended AccountStatus = "suspended"
	StatusRetired   AccountStatus = "retired"
)

// StatusRestricted is a handler-synthesised transient accepted by the
// accessibility check but never written to the DB or the cache.
const StatusRestricted AccountStatus = "restricted"

// StatusMissing marks a lookup for a user without any DB record.
const StatusMissing AccountStatus = "missing"

// ValidAccountStatus is the canonical ordered status list.
var ValidAccountStatus = []AccountStatus{
	StatusActive,
	StatusTemporal,
	StatusSuspended,
	StatusRetired,
}

// StatusIndex returns the cache encoding of status, or -1 when status is not
// a canonical stored value.
func StatusIndex(status AccountStatus) int {
	for i, valid := range ValidAccountStatus {
		if valid == status {
			return i
		}
	}
	return -1
}

// StatusFromIndex is the inverse of StatusIndex. The boolean is false for
// indices outside the canonical list, which callers treat as cache
// corruption.
func StatusFromIndex(index int) (AccountStatus, bool) {
	if index < 0 || index >= len(ValidAccountStatus) {
		return "", false
	}
	return ValidAccountStatus[index], true
}

// User is a single account record. DistinguishedName is the immutable
// canonical key; Email is lower-cased on storage.
type User struct {
	DistinguishedName  string   `yaml:"distinguished_name"`
	FullName           string   `yaml:"full_name,omitempty"`
	Organization       string   `yaml:"organization,omitempty"`
	OrganizationalUnit string   `yaml:"organizational_unit,omitempty"`
	Locality           string   `yaml:"locality,omitempty"`
	State              string   `yaml:"state,omitempty"`
	Country            string   `yaml:"country,omitempty"`
	Email              string   `yaml:"email"`

	Status AccountStatus `yaml:"status,omitempty"`
	// Expire is seconds since epoch; 0 means unset.
	Expire Epoch `yaml:"expire,omitempty"`

	// Auth holds the auth-method tags enabled for this account, e.g.
	// extoid, migoid, extoidc, migoidc, extcert, migcert.
	Auth []string `yaml:"auth,omitempty"`

	// Password is the cleartext legacy credential, PasswordHash the modern
	// one; either may be empty.
	Password     string `yaml:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty"`

	// OpenIDNames are the OpenID 2.0 identities aliased to this account.
	OpenIDNames []string `yaml:"openid_names,omitempty"`
	// MainID is the single OpenID Connect subject, if bound.
	MainID string `yaml:"main_id,omitempty"`

	PeersFullName string   `yaml:"peers_full_name,omitempty"`
	PeersEmail    string   `yaml:"peers_email,omitempty"`
	Peers         []string `yaml:"peers,omitempty"`

	Created  int64 `yaml:"created,omitempty"`
	Modified int64 `yaml:"modified,omitempty"`
}

// HasAuth reports whether tag is among the account's enabled auth methods.
func (u *User) HasAuth(tag string) bool {
	for _, have := range u.Auth {
		if have == tag {
			return true
		}
	}
	return false
}

// SearchFilter selects users by exact DN or by lower-cased email. Empty
// fields match everything.
type SearchFilter struct {
	DistinguishedName string
	Email             string
	// ExpireAfter/ExpireBefore bound the expire field when non-zero.
	ExpireAfter  int64
	ExpireBefore int64
}

// Matches reports whether user passes the filter.
func (f *SearchFilter) Matches(user *User) bool {
	if f.DistinguishedName != "" && user.DistinguishedName != f.DistinguishedName {
		return false
	}
	if f.Email != "" && user.Email != strings.ToLower(f.Email) {
		return false
	}
	if f.ExpireAfter != 0 && int64(user.Expire) <= f.ExpireAfter {
		return false
	}
	if f.ExpireBefore != 0 && int64(user.Expire) >= f.ExpireBefore {
		return false
	}
	return true
}
