package userdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/ucphhpc/accountd/pkg/logger"
)

// lockTimeout is the maximum time to wait for the DB file lock.
const lockTimeout = 5 * time.Second

// lockRetryDelay is the poll interval while waiting for the lock.
const lockRetryDelay = 100 * time.Millisecond

// ErrNoSuchUser is returned by lookups for an unknown DN.
var ErrNoSuchUser = errors.New("no such user")

// DB is a handle to the on-disk user database. The records live in a single
// yaml document keyed by DN; every mutation holds an exclusive advisory lock
// on the sibling <dbfile>.lock across load, modify and save so concurrent
// handlers cannot lose updates.
type DB struct {
	path       string
	legacyPath string
}

// New returns a DB handle for path. legacyPath may be empty; when set and
// path is absent on load, the legacy location is read instead with a warning.
func New(path, legacyPath string) *DB {
	return &DB{path: path, legacyPath: legacyPath}
}

// Path returns the primary DB location.
func (d *DB) Path() string {
	return d.path
}

func (d *DB) lockPath() string {
	return d.path + ".lock"
}

func (d *DB) acquireLock(ctx context.Context) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create user DB dir: %w", err)
	}
	fileLock := flock.New(d.lockPath())
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := fileLock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire user DB lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire user DB lock: timeout after %v", lockTimeout)
	}
	return fileLock, nil
}

func (d *DB) acquireSharedLock(ctx context.Context) (*flock.Flock, error) {
	fileLock := flock.New(d.lockPath())
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := fileLock.TryRLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire shared user DB lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire shared user DB lock: timeout after %v", lockTimeout)
	}
	return fileLock, nil
}

// readAll loads the full record map without locking. The caller holds the
// appropriate lock.
func (d *DB) readAll() (map[string]*User, error) {
	path := d.path
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat user DB %s: %w", path, err)
		}
		if d.legacyPath == "" {
			return map[string]*User{}, nil
		}
		if _, legacyErr := os.Stat(d.legacyPath); legacyErr != nil {
			return map[string]*User{}, nil
		}
		// Never silently create a fresh DB on the wrong path when an old
		// one is still around.
		logger.Warnf("user DB missing at %s - falling back to legacy %s", path, d.legacyPath)
		path = d.legacyPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read user DB %s: %w", path, err)
	}
	users := map[string]*User{}
	if err := yaml.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("failed to parse user DB %s: %w", path, err)
	}
	return users, nil
}

// writeAll stores the full record map. The caller holds the exclusive lock.
func (d *DB) writeAll(users map[string]*User) error {
	raw, err := yaml.Marshal(users)
	if err != nil {
		return fmt.Errorf("failed to encode user DB: %w", err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write user DB: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("failed to replace user DB: %w", err)
	}
	return nil
}

// LoadUser returns the record for id or ErrNoSuchUser.
func (d *DB) LoadUser(ctx context.Context, id string) (*User, error) {
	fileLock, err := d.acquireSharedLock(ctx)
	if err != nil {
		return nil, err
	}
	defer fileLock.Unlock()

	users, err := d.readAll()
	if err != nil {
		return nil, err
	}
	user, ok := users[id]
	if !ok {
		return nil, ErrNoSuchUser
	}
	return user, nil
}

// SaveUser stores user under id, replacing any existing record. Email is
// lower-cased on storage and the modified stamp refreshed.
func (d *DB) SaveUser(ctx context.Context, id string, user *User) error {
	fileLock, err := d.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer fileLock.Unlock()

	users, err := d.readAll()
	if err != nil {
		return err
	}
	user.Email = strings.ToLower(user.Email)
	user.Modified = time.Now().Unix()
	users[id] = user
	return d.writeAll(users)
}

// Changes is a partial record update applied by UpdateUser.
type Changes struct {
	Status       *AccountStatus
	Expire       *int64
	Password     *string
	PasswordHash *string
	Email        *string
}

// UpdateUser atomically applies changes to the record for id under the DB
// lock and returns the post-merge record.
func (d *DB) UpdateUser(ctx context.Context, id string, changes Changes) (*User, error) {
	fileLock, err := d.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer fileLock.Unlock()

	users, err := d.readAll()
	if err != nil {
		return nil, err
	}
	user, ok := users[id]
	if !ok {
		return nil, ErrNoSuchUser
	}
	if changes.Status != nil {
		user.Status = *changes.Status
	}
	if changes.Expire != nil {
		user.Expire = Epoch(*changes.Expire)
	}
	if changes.Password != nil {
		user.Password = *changes.Password
	}
	if changes.PasswordHash != nil {
		user.PasswordHash = *changes.PasswordHash
	}
	if changes.Email != nil {
		user.Email = strings.ToLower(*changes.Email)
	}
	user.Modified = time.Now().Unix()
	if err := d.writeAll(users); err != nil {
		return nil, err
	}
	return user, nil
}

// SearchUsers returns the records matching filter, sorted by DN for
// deterministic output.
func (d *DB) SearchUsers(ctx context.Context, filter SearchFilter) ([]*User, error) {
	fileLock, err := d.acquireSharedLock(ctx)
	if err != nil {
		return nil, err
	}
	defer fileLock.Unlock()

	users, err := d.readAll()
	if err != nil {
		return nil, err
	}
	var hits []*User
	for _, user := range users {
		if filter.Matches(user) {
			hits = append(hits, user)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].DistinguishedName < hits[j].DistinguishedName
	})
	return hits, nil
}

// ResolveOpenIDAlias translates an OpenID 2.0 identity or OpenID Connect
// subject to the canonical DN. A DN passed in is returned unchanged.
func (d *DB) ResolveOpenIDAlias(ctx context.Context, identity string) (string, error) {
	if strings.HasPrefix(identity, "/") {
		return identity, nil
	}
	fileLock, err := d.acquireSharedLock(ctx)
	if err != nil {
		return "", err
	}
	defer fileLock.Unlock()

	users, err := d.readAll()
	if err != nil {
		return "", err
	}
	// OpenID 2.0 identity URLs carry the alias as the last path element.
	alias := identity
	if idx := strings.LastIndex(strings.TrimRight(identity, "/"), "/"); idx >= 0 {
		alias = strings.TrimRight(identity, "/")[idx+1:]
	}
	for id, user := range users {
		if user.MainID != "" && user.MainID == identity {
			return id, nil
		}
		for _, name := range user.OpenIDNames {
			if name == identity || name == alias {
				return id, nil
			}
		}
		if user.Email != "" && user.Email == strings.ToLower(alias) {
			return id, nil
		}
	}
	return "", ErrNoSuchUser
}
