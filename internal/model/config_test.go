package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, StoreDriverSQLite, cfg.Store.Driver)
	assert.Equal(t, BlobKindDir, cfg.Blob.Kind)
	assert.Equal(t, "upload/client.jsonl.zip", cfg.Sync.UploadLocation)
	assert.Equal(t, []string{"download/client.jsonl.zip"}, cfg.Sync.DownloadLocations)
	assert.Equal(t, 10*time.Minute, cfg.Sync.Interval())
	assert.Equal(t, "mailsync", cfg.Blob.IMAP.Mailbox)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
store:
  driver: memory
sync:
  upload_location: out/a.zip
  download_locations: [in/a.zip, in/b.zip]
  interval_sec: 30
blob:
  kind: memory
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, "out/a.zip", cfg.Sync.UploadLocation)
	assert.Equal(t, []string{"in/a.zip", "in/b.zip"}, cfg.Sync.DownloadLocations)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval())
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("MAILSYNC_STORE_DRIVER", "memory")
	t.Setenv("MAILSYNC_SYNC_UPLOAD_LOCATION", "env/out.zip")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, "env/out.zip", cfg.Sync.UploadLocation)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "store:\n  driver: mongo\n"},
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"unknown blob kind", "blob:\n  kind: s3\n"},
		{"imap without host", "blob:\n  kind: imap\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	cfg.Sync.UploadLocation = "saved/out.zip"
	cfg.Blob.Kind = BlobKindMemory
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "saved/out.zip", loaded.Sync.UploadLocation)
	assert.Equal(t, BlobKindMemory, loaded.Blob.Kind)
}

func TestDefaultConfig_SaveAndReload(t *testing.T) {
	cfg, err := DefaultConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8025", cfg.Server.Addr)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Sync, loaded.Sync)
	assert.Equal(t, cfg.Store.Driver, loaded.Store.Driver)
}
