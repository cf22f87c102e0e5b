package logout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ucphhpc/accountd/pkg/logger"
)

// SessionStore is the local OpenID 2.0 session DB shared with the
// provider daemon: one file per live session, named by session ID,
// whose first line is the login identity it belongs to. The provider
// creates entries at login; logout removes every entry of the user so
// a stolen session ID dies with the browser session.
type SessionStore struct {
	dir string
}

// NewSessionStore returns a store over dir, creating it on first use.
func NewSessionStore(dir string) *SessionStore {
	return &SessionStore{dir: dir}
}

// Add records a live session for identity and returns its session ID.
func (s *SessionStore) Add(identity string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", fmt.Errorf("create session store: %w", err)
	}
	sessionID := uuid.NewString()
	path := filepath.Join(s.dir, sessionID)
	if err := os.WriteFile(path, []byte(identity+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write session %s: %w", sessionID, err)
	}
	return sessionID, nil
}

// Find returns the IDs of every live session belonging to identity.
func (s *SessionStore) Find(identity string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session store: %w", err)
	}
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			logger.Warnf("unreadable session entry %s: %v", entry.Name(), err)
			continue
		}
		owner, _, _ := strings.Cut(string(raw), "\n")
		if strings.TrimSpace(owner) == identity {
			matches = append(matches, entry.Name())
		}
	}
	return matches, nil
}

// Expire removes every live session of identity and reports how many
// entries went away.
func (s *SessionStore) Expire(identity string) (int, error) {
	sessions, err := s.Find(identity)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sessionID := range sessions {
		if err := os.Remove(filepath.Join(s.dir, sessionID)); err != nil {
			logger.Warnf("session removal failed for %s: %v", sessionID, err)
			continue
		}
		removed++
	}
	return removed, nil
}
