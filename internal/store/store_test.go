package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neobell/edge/internal/logging"
)

func openTemp(t *testing.T) (*UserManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "users.json")
	m, err := Open(path, logging.Discard())
	require.NoError(t, err)
	return m, path
}

func TestOpenCreatesEmptyDatabase(t *testing.T) {
	_, path := openTemp(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestCreateUserIsIdempotentByName(t *testing.T) {
	m, path := openTemp(t)

	first, err := m.CreateUser("Alice")
	require.NoError(t, err)
	second, err := m.CreateUser("Alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, m.Users(), 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Contains(t, onDisk, first.ID)
	assert.Equal(t, "Alice", onDisk[first.ID]["name"])
	assert.Contains(t, onDisk[first.ID], "created_at")
}

func TestReopenKeepsUsers(t *testing.T) {
	m, path := openTemp(t)
	alice, err := m.CreateUser("Alice")
	require.NoError(t, err)

	reopened, err := Open(path, logging.Discard())
	require.NoError(t, err)
	got, ok := reopened.GetUserByID(alice.ID)
	require.True(t, ok)
	assert.Equal(t, "Alice", got.Name)

	byName, ok := reopened.GetUserByName("Alice")
	require.True(t, ok)
	assert.Equal(t, alice.ID, byName.ID)

	_, ok = reopened.GetUserByName("alice")
	assert.False(t, ok)
}

func TestDeleteUserRemovesFacesAndIsIdempotent(t *testing.T) {
	m, _ := openTemp(t)
	u, err := m.CreateUser("Bob")
	require.NoError(t, err)

	faces := filepath.Join(t.TempDir(), u.ID)
	require.NoError(t, os.MkdirAll(faces, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(faces, "image_1.jpg"), []byte("x"), 0o644))

	require.NoError(t, m.DeleteUser(u.ID, faces))
	_, ok := m.GetUserByID(u.ID)
	assert.False(t, ok)
	assert.NoDirExists(t, faces)

	require.NoError(t, m.DeleteUser(u.ID, faces))
}

func TestDeleteUserRestoresRecordOnFilesystemError(t *testing.T) {
	m, path := openTemp(t)
	u, err := m.CreateUser("Carol")
	require.NoError(t, err)

	m.removeAll = func(string) error { return fmt.Errorf("device busy") }
	err = m.DeleteUser(u.ID, "/somewhere")
	require.Error(t, err)

	_, ok := m.GetUserByID(u.ID)
	assert.True(t, ok)

	reopened, err := Open(path, logging.Discard())
	require.NoError(t, err)
	_, ok = reopened.GetUserByID(u.ID)
	assert.True(t, ok)
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Open(path, logging.Discard())
	require.Error(t, err)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	m, path := openTemp(t)
	for _, name := range []string{"a", "b", "c"} {
		_, err := m.CreateUser(name)
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "users.json", entries[0].Name())
}
