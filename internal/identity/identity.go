// Package identity resolves audit actors (user ids) to display names.
//
// Resolution never fails: an id that cannot be resolved is shown as the
// id itself, so an unavailable directory degrades the audit listing
// instead of breaking it.
package identity

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Resolver maps a user id to a display name, falling back to the id.
type Resolver interface {
	ResolveDisplayName(ctx context.Context, userID string) string
}

// User is one directory record.
type User struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name,omitempty"`
}

// DisplayName prefers the email address, as the audit views show it.
func (u User) DisplayName() string {
	if u.Email != "" {
		return u.Email
	}
	return u.Name
}

// directoryFile is the YAML envelope for users.yaml.
type directoryFile struct {
	Users map[string]User `yaml:"users"`
}

// Directory is a static user directory loaded from a YAML file.
type Directory struct {
	mu    sync.RWMutex
	users map[string]User
}

// LoadDirectory reads the directory at path. A missing or empty file
// yields an empty directory.
func LoadDirectory(path string) (*Directory, error) {
	d := &Directory{users: make(map[string]User)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("reading user directory %s: %w", path, err)
	}
	if len(data) == 0 {
		return d, nil
	}

	var file directoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing user directory %s: %w", path, err)
	}
	for id, u := range file.Users {
		d.users[id] = u
	}
	return d, nil
}

// Reload replaces the directory's contents with the file at path. On
// error the current contents are kept.
func (d *Directory) Reload(path string) error {
	fresh, err := LoadDirectory(path)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.users = fresh.users
	d.mu.Unlock()
	return nil
}

// Put adds or replaces a user.
func (d *Directory) Put(id string, u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id] = u
}

// Len returns the number of users in the directory.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

func (d *Directory) ResolveDisplayName(_ context.Context, userID string) string {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if name := u.DisplayName(); ok && name != "" {
		return name
	}
	return userID
}

// Chain tries each resolver in order; the first answer that differs from
// the id wins.
type Chain []Resolver

func (c Chain) ResolveDisplayName(ctx context.Context, userID string) string {
	for _, r := range c {
		if r == nil {
			continue
		}
		if name := r.ResolveDisplayName(ctx, userID); name != userID {
			return name
		}
	}
	return userID
}
