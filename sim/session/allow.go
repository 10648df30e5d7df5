package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml"
)

var (
	// ErrAllowListUnavailable is returned when the allow list is not configured.
	ErrAllowListUnavailable = errors.New("allow list is not configured")
	// ErrAllowListInvalidName is returned when an invalid user name is provided
	// to an allow list operation.
	ErrAllowListInvalidName = errors.New("invalid user name")
)

// Allower decides whether a user may join a simulation. Returning false
// prevents the user from being admitted; the string holds the reason shown to
// the user.
type Allower interface {
	Allow(name string) (string, bool)
}

// AllowAll admits every user.
type AllowAll struct{}

// Allow always admits.
func (AllowAll) Allow(string) (string, bool) { return "", true }

// AllowList controls which users are admitted to a simulation. Entries are
// persisted in a TOML file.
type AllowList struct {
	mu       sync.RWMutex
	users    map[string]string
	filePath string
	enabled  bool
}

type allowListFile struct {
	Users []string `toml:"users"`
}

// LoadAllowList loads the allow list stored in the file at the provided path.
// If the file does not exist yet, it will be created with an empty user list.
func LoadAllowList(path string) (*AllowList, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("allow list path must not be empty")
	}
	l := &AllowList{
		users:    make(map[string]string),
		filePath: path,
	}
	if err := l.reloadFromDisk(); err != nil {
		return nil, err
	}
	return l, nil
}

// Enabled reports if the allow list is currently enforced.
func (l *AllowList) Enabled() bool {
	if l == nil {
		return false
	}
	return l.enabled
}

// SetEnabled updates whether the allow list is enforced.
func (l *AllowList) SetEnabled(enabled bool) {
	if l == nil {
		return
	}
	l.enabled = enabled
}

// Allow implements the Allower interface, admitting users only if the allow
// list is disabled or contains their name.
func (l *AllowList) Allow(name string) (string, bool) {
	if l == nil || !l.enabled {
		return "", true
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "You are not allowed to join this simulation.", false
	}

	l.mu.RLock()
	_, ok := l.users[normalizeName(trimmed)]
	l.mu.RUnlock()
	if !ok {
		return "You are not allowed to join this simulation.", false
	}
	return "", true
}

// Add inserts the provided name into the allow list. The returned bool
// indicates if the name was newly added.
func (l *AllowList) Add(name string) (bool, error) {
	if l == nil {
		return false, ErrAllowListUnavailable
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false, ErrAllowListInvalidName
	}
	key := normalizeName(trimmed)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.users[key]; exists {
		return false, nil
	}
	l.users[key] = trimmed
	if err := l.writeLocked(); err != nil {
		delete(l.users, key)
		return false, err
	}
	return true, nil
}

// Remove deletes the provided name from the allow list. The returned bool
// indicates if the name was present before the call.
func (l *AllowList) Remove(name string) (bool, error) {
	if l == nil {
		return false, ErrAllowListUnavailable
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return false, ErrAllowListInvalidName
	}
	key := normalizeName(trimmed)

	l.mu.Lock()
	defer l.mu.Unlock()

	original, exists := l.users[key]
	if !exists {
		return false, nil
	}
	delete(l.users, key)
	if err := l.writeLocked(); err != nil {
		l.users[key] = original
		return false, err
	}
	return true, nil
}

// Users returns the names stored in the allow list in a case-insensitive
// sorted order.
func (l *AllowList) Users() []string {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedUsersLocked()
}

func (l *AllowList) reloadFromDisk() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := allowListFile{}
	contents, err := os.ReadFile(l.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.users = make(map[string]string)
			return l.writeLocked()
		}
		return fmt.Errorf("read allow list: %w", err)
	}
	if len(contents) != 0 {
		if err := toml.Unmarshal(contents, &data); err != nil {
			return fmt.Errorf("decode allow list: %w", err)
		}
	}
	l.users = make(map[string]string, len(data.Users))
	for _, name := range data.Users {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		l.users[normalizeName(trimmed)] = trimmed
	}
	return nil
}

func (l *AllowList) writeLocked() error {
	dir := filepath.Dir(l.filePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return fmt.Errorf("create allow list directory: %w", err)
		}
	}
	data := allowListFile{Users: l.sortedUsersLocked()}
	encoded, err := toml.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode allow list: %w", err)
	}
	if err := os.WriteFile(l.filePath, encoded, 0644); err != nil {
		return fmt.Errorf("write allow list: %w", err)
	}
	return nil
}

func (l *AllowList) sortedUsersLocked() []string {
	names := make([]string, 0, len(l.users))
	for _, name := range l.users {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		lowerA, lowerB := strings.ToLower(a), strings.ToLower(b)
		if lowerA == lowerB {
			return strings.Compare(a, b)
		}
		return strings.Compare(lowerA, lowerB)
	})
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var _ Allower = (*AllowList)(nil)
