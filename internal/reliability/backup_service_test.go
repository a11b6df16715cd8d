package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plutus-app/plutus/internal/database"
)

// memoryStore captures uploads and serves a scripted listing.
type memoryStore struct {
	uploads map[string][]byte
	deleted []string
	listing []StoredObject
}

func newMemoryStore() *memoryStore {
	return &memoryStore{uploads: make(map[string][]byte)}
}

func (m *memoryStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.uploads[key] = data
	m.listing = append(m.listing, StoredObject{Key: key, Size: int64(len(data))})
	return nil
}

func (m *memoryStore) List(ctx context.Context, prefix string) ([]StoredObject, error) {
	var out []StoredObject
	for _, obj := range m.listing {
		if strings.HasPrefix(obj.Key, prefix) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.deleted = append(m.deleted, key)
	return nil
}

func openTestDB(t *testing.T, dir, name string) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO t (v) VALUES ('hello')`)
	require.NoError(t, err)
	return db
}

func TestBackupService_CreateAndUpload(t *testing.T) {
	dir := t.TempDir()
	store := newMemoryStore()
	svc := NewBackupService(store, map[string]*database.DB{
		"portfolio": openTestDB(t, dir, "portfolio"),
		"cache":     openTestDB(t, dir, "cache"),
	}, dir, 30, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2024, 6, 10, 3, 0, 0, 0, time.UTC) }

	ok, msg := svc.Run(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Success: backup plutus-backup-2024-06-10-030000.tar.gz uploaded.", msg)

	data, found := store.uploads["plutus-backup-2024-06-10-030000.tar.gz"]
	require.True(t, found)

	// The archive carries both snapshots plus the checksum manifest.
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	entries := make(map[string][]byte)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		entries[header.Name] = content
	}

	require.Contains(t, entries, "portfolio.db")
	require.Contains(t, entries, "cache.db")
	require.Contains(t, entries, "backup-metadata.json")
	assert.NotEmpty(t, entries["portfolio.db"])

	var metadata BackupMetadata
	require.NoError(t, json.Unmarshal(entries["backup-metadata.json"], &metadata))
	require.Len(t, metadata.Databases, 2)
	assert.Equal(t, "cache", metadata.Databases[0].Name, "manifest sorted by name")
	for _, db := range metadata.Databases {
		assert.True(t, strings.HasPrefix(db.Checksum, "sha256:"), db.Checksum)
		assert.Positive(t, db.SizeBytes)
	}
}

func TestBackupService_Disabled(t *testing.T) {
	svc := NewBackupService(nil, nil, t.TempDir(), 30, zerolog.Nop())

	assert.False(t, svc.Enabled())
	ok, msg := svc.Run(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "Backups are not configured.", msg)
}

func TestBackupService_RotationKeepsNewest(t *testing.T) {
	store := newMemoryStore()
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	// Six dailies; with 2-day retention the three newest always survive.
	for i := 5; i >= 0; i-- {
		stamp := now.AddDate(0, 0, -i).Format(backupTimeFormat)
		store.listing = append(store.listing, StoredObject{Key: backupPrefix + stamp + ".tar.gz", Size: 1})
	}
	store.listing = append(store.listing, StoredObject{Key: "unrelated.txt", Size: 1})

	svc := NewBackupService(store, nil, t.TempDir(), 2, zerolog.Nop())
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.RotateOldBackups(context.Background()))

	// Ages 0,1,2 kept as the newest three; 3,4,5 are past retention.
	require.Len(t, store.deleted, 3)
	for _, key := range store.deleted {
		stamp := strings.TrimSuffix(strings.TrimPrefix(key, backupPrefix), ".tar.gz")
		ts, err := time.Parse(backupTimeFormat, stamp)
		require.NoError(t, err)
		assert.True(t, ts.Before(now.AddDate(0, 0, -2)))
	}
}

func TestMaintenanceService_Run(t *testing.T) {
	dir := t.TempDir()
	svc := NewMaintenanceService(map[string]*database.DB{
		"portfolio": openTestDB(t, dir, "portfolio"),
		"cache":     openTestDB(t, dir, "cache"),
	}, dir, zerolog.Nop())

	ok, msg := svc.Run(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Success: 2 databases checkpointed and verified.", msg)
}
