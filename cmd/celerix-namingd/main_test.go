package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-naming/internal/backup"
	"github.com/celerix-dev/celerix-naming/internal/config"
	"github.com/celerix-dev/celerix-naming/internal/engine"
	"github.com/celerix-dev/celerix-naming/internal/testutil"
)

func loadTestConfig(t *testing.T, body string) *config.Config {
	t.Helper()
	for _, k := range []string{
		"PORT", "RENDER_EXTERNAL_URL", "CELERIX_DISABLE_TLS",
		"CELERIX_NAMING_ADDR", "CELERIX_NAMING_PUBLIC_URL", "CELERIX_NAMING_LABEL",
		"CELERIX_NAMING_ADMIN_SECRET", "CELERIX_NAMING_DATA_DIR", "CELERIX_NAMING_LIVENESS_MODE",
		"CELERIX_NAMING_BACKUP_KEY", "CELERIX_NAMING_BACKUP_DIR", "CELERIX_NAMING_NATS_URL",
	} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "naming.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestServe_ShutdownWritesSnapshots(t *testing.T) {
	dataDir := t.TempDir()
	backupDir := t.TempDir()
	cfg := loadTestConfig(t, `
server:
  addr: "127.0.0.1:0"
  label: naming-test
storage:
  data_dir: `+dataDir+`
backup:
  dir: `+backupDir+`
`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, serve(ctx, cfg, zap.NewNop()))

	_, err := os.Stat(filepath.Join(dataDir, engine.DefaultSnapshotFile))
	require.NoError(t, err, "local snapshot must be flushed")
	_, err = os.Stat(filepath.Join(backupDir, "naming-test", engine.DefaultSnapshotFile))
	require.NoError(t, err, "final remote backup must be written")
}

func TestMigrate_FileToSealedDirAndBack(t *testing.T) {
	logger = zap.NewNop()
	root := t.TempDir()
	src := filepath.Join(root, "local", engine.DefaultSnapshotFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0755))
	doc := `{"version":1,"globalCounter":4,"registry":[{"id":"worker_003","class":"worker","createdAt":"2026-01-02T03:04:05Z"}]}`
	require.NoError(t, os.WriteFile(src, []byte(doc), 0644))

	mirror := filepath.Join(root, "mirror")
	f := migrateFlags{from: src, to: mirror, label: "naming-7x2", key: strings.Repeat("ab", 32), timeout: defaultMigrateTimeout}
	require.NoError(t, runMigrate(context.Background(), f))

	sealed, err := os.ReadFile(filepath.Join(mirror, "naming-7x2", engine.DefaultSnapshotFile))
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "worker_003")

	out := filepath.Join(root, "restored", "snapshot.json")
	f.from, f.to = mirror, out
	require.NoError(t, runMigrate(context.Background(), f))
	restored, err := os.ReadFile(out)
	require.NoError(t, err)
	require.JSONEq(t, doc, string(restored))

	f.key = "zz"
	require.Error(t, runMigrate(context.Background(), f))
}

func TestServe_BackupSurvivesUnreachableStoreAtBoot(t *testing.T) {
	port := testutil.FreePort(t)
	cfg := loadTestConfig(t, fmt.Sprintf(`
server:
  label: naming-late
storage:
  data_dir: %s
backup:
  nats_url: nats://127.0.0.1:%d
  timeout: 2s
`, t.TempDir(), port))

	blob, closeBlob := openBackupStore(cfg, zap.NewNop())
	defer closeBlob()
	require.NotNil(t, blob, "a configured store must exist even when it is down")

	local, err := engine.NewPersistence(cfg.Storage.DataDir, "")
	require.NoError(t, err)
	registry := engine.NewRegistry(nil, local)
	_, _, err = registry.Acquire("worker", "")
	require.NoError(t, err)

	b := backup.New(blob, local, cfg.Server.Label, backup.WithTimeout(cfg.Backup.Timeout))
	policy, err := cfg.Policy()
	require.NoError(t, err)

	var task func(context.Context)
	for _, tk := range backgroundTasks(cfg, policy, registry, b, zap.NewNop()) {
		if tk.Name == "backup" {
			require.NotNil(t, tk.Kick)
			require.Equal(t, 30*time.Minute, tk.Interval)
			task = tk.Run
		}
	}
	require.NotNil(t, task, "backup task must be scheduled")

	task(context.Background())
	_, lastErr := b.LastResult()
	require.Error(t, lastErr)

	testutil.StartEmbeddedNATSAt(t, port)
	task(context.Background())
	last, lastErr := b.LastResult()
	require.NoError(t, lastErr)
	require.False(t, last.IsZero())
}
