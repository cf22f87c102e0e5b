package userdb

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ClientIDDir maps a DN to the filesystem-safe directory name used for the
// per-user home dir and alias symlinks: '/' becomes '+' and ' ' becomes '_'.
func ClientIDDir(clientID string) string {
	dir := strings.ReplaceAll(clientID, "/", "+")
	return strings.ReplaceAll(dir, " ", "_")
}

// ClientDirID is the inverse of ClientIDDir.
func ClientDirID(clientDir string) string {
	id := strings.ReplaceAll(clientDir, "+", "/")
	return strings.ReplaceAll(id, "_", " ")
}

// IDHash maps an arbitrary user or rate-limit key to the fixed-width file
// name used for mark and counter files.
func IDHash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// ExtractField pulls a single attribute value out of a certificate-style DN,
// e.g. ExtractField(dn, "emailAddress"). Returns "" when absent.
func ExtractField(dn, field string) string {
	for _, part := range strings.Split(dn, "/") {
		if value, found := strings.CutPrefix(part, field+"="); found {
			return value
		}
	}
	return ""
}
