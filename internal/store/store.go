// Package store keeps the local user database: a JSON map of user id to
// name and creation time, written through atomically on every change.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"neobell/edge/internal/errors"
	"neobell/edge/internal/model"
)

type record struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// UserManager owns users.json.
type UserManager struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]record

	now       func() time.Time
	newID     func() string
	removeAll func(string) error
}

// Open loads the database at path, creating an empty one if it does not exist.
func Open(path string, logger *slog.Logger) (*UserManager, error) {
	m := &UserManager{
		path:   path,
		logger: logger,
		users:  map[string]record{},
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },

		removeAll: os.RemoveAll,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "create user db directory"), errors.ErrConfig)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := m.save(); err != nil {
			return nil, err
		}
		return m, nil
	case err != nil:
		return nil, errors.Wrapf(err, "read %s", path)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &m.users); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "decode %s", path), errors.ErrConfig)
		}
	}
	logger.Info("user database loaded", "path", path, "users", len(m.users))
	return m, nil
}

// save writes the map to a temp file in the same directory and renames it
// over the database. Callers hold mu.
func (m *UserManager) save() error {
	data, err := json.MarshalIndent(m.users, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode users")
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".users-*.json")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return errors.Wrap(err, "replace user db")
	}
	return nil
}

// CreateUser returns the user named name, creating it if none exists.
func (m *UserManager) CreateUser(name string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.findByName(name); ok {
		m.logger.Info("user exists", "user_id", u.ID, "name", name)
		return u, nil
	}

	id := m.newID()
	rec := record{Name: name, CreatedAt: m.now()}
	m.users[id] = rec
	if err := m.save(); err != nil {
		delete(m.users, id)
		return model.User{}, err
	}
	m.logger.Info("user created", "user_id", id, "name", name)
	return model.User{ID: id, Name: rec.Name, CreatedAt: rec.CreatedAt}, nil
}

// DeleteUser removes the user and, when userDir is set, that user's own face
// directory. Deleting an unknown user succeeds. If the directory cannot be
// removed the record is restored.
func (m *UserManager) DeleteUser(id, userDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, existed := m.users[id]
	if existed {
		delete(m.users, id)
		if err := m.save(); err != nil {
			m.users[id] = rec
			return err
		}
	}

	if userDir != "" {
		if err := m.removeAll(userDir); err != nil {
			if existed {
				m.users[id] = rec
				if serr := m.save(); serr != nil {
					m.logger.Error("restore user record", "user_id", id, "error", serr)
				}
			}
			return errors.Wrapf(err, "remove face directory %s", userDir)
		}
	}

	if existed {
		m.logger.Info("user deleted", "user_id", id, "name", rec.Name)
	}
	return nil
}

// GetUserByID looks a user up by id.
func (m *UserManager) GetUserByID(id string) (model.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.users[id]
	if !ok {
		return model.User{}, false
	}
	return model.User{ID: id, Name: rec.Name, CreatedAt: rec.CreatedAt}, true
}

// GetUserByName looks a user up by exact name.
func (m *UserManager) GetUserByName(name string) (model.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByName(name)
}

// Users lists every user ordered by name, then id.
func (m *UserManager) Users() []model.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.User, 0, len(m.users))
	for id, rec := range m.users {
		out = append(out, model.User{ID: id, Name: rec.Name, CreatedAt: rec.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *UserManager) findByName(name string) (model.User, bool) {
	var (
		found model.User
		ok    bool
	)
	// ids are visited in sorted order so duplicates in a hand-edited file resolve the same way
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if rec := m.users[id]; rec.Name == name {
			found, ok = model.User{ID: id, Name: rec.Name, CreatedAt: rec.CreatedAt}, true
			break
		}
	}
	return found, ok
}
