package userdb

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashIterations = 10000
	hashSaltLen    = 16
	hashKeyLen     = 32
)

// MakeHash derives a salted PBKDF2-SHA256 hash of password in the stored
// format PBKDF2$sha256$<iterations>$<b64 salt>$<b64 key>.
func MakeHash(password string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate password salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, hashIterations, hashKeyLen, sha256.New)
	return fmt.Sprintf("PBKDF2$sha256$%d$%s$%s", hashIterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key)), nil
}

// CheckHash verifies password against a stored hash in constant time with
// respect to the derived key comparison.
func CheckHash(password, hashed string) bool {
	parts := strings.Split(hashed, "$")
	if len(parts) != 5 || parts[0] != "PBKDF2" || parts[1] != "sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations < 1 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Password policy levels.
const (
	PolicyNone   = "NONE"
	PolicyWeak   = "WEAK"
	PolicyMedium = "MEDIUM"
	PolicyHigh   = "HIGH"
	// PolicyCustomPrefix introduces custom:<min length>:<min classes>.
	PolicyCustomPrefix = "custom"
)

// PasswordRequirements parses a policy value into the required minimum
// length and number of distinct character classes.
func PasswordRequirements(policy string) (minLen, minClasses int, err error) {
	switch policy {
	case PolicyNone:
		return 0, 0, nil
	case PolicyWeak:
		return 6, 2, nil
	case PolicyMedium:
		return 8, 3, nil
	case PolicyHigh:
		return 10, 4, nil
	}
	parts := strings.Split(policy, ":")
	if len(parts) == 3 && parts[0] == PolicyCustomPrefix {
		minLen, lenErr := strconv.Atoi(parts[1])
		minClasses, classErr := strconv.Atoi(parts[2])
		if lenErr == nil && classErr == nil {
			return minLen, minClasses, nil
		}
	}
	return -1, 42, fmt.Errorf("invalid password policy %q", policy)
}

// AssurePasswordStrength checks password against the site policy.
func AssurePasswordStrength(policy, password string) error {
	minLen, minClasses, err := PasswordRequirements(policy)
	if err != nil {
		return err
	}
	if len(password) < minLen {
		return fmt.Errorf("password too short: at least %d characters required", minLen)
	}
	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, present := range []bool{lower, upper, digit, other} {
		if present {
			classes++
		}
	}
	if classes < minClasses {
		return fmt.Errorf("password too simple: at least %d character classes required", minClasses)
	}
	return nil
}
