package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-store-sub003/schema"
)

const sampleYAML = `
name: demo-store
ttlCheckIntervalMs: 5000
logLevel: info
persistence:
  adapter: sqlite
  path: /tmp/demo-store.db
buckets:
  users:
    keyField: id
    persistent: true
    fields:
      id:
        type: string
        generated: uuid
      email:
        type: string
        required: true
        unique: true
      balance:
        type: number
        default: 0
  orders:
    keyField: id
    indexes: [userId]
    ttl: 24h
    fields:
      id:
        type: string
        generated: uuid
      userId:
        type: string
        required: true
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "store.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadConfig_ParsesStoreSettings(t *testing.T) {
	path := writeSample(t)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "demo-store", cfg.Name)
	assert.EqualValues(t, 5000, cfg.TTLCheckIntervalMs)
	assert.Equal(t, "info", cfg.LogLevel)
	require.NotNil(t, cfg.Persistence)
	assert.Equal(t, "sqlite", cfg.Persistence.Adapter)
	assert.Equal(t, "/tmp/demo-store.db", cfg.Persistence.Path)
}

func TestLoadConfig_ParsesBucketsAndFields(t *testing.T) {
	path := writeSample(t)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Buckets, 2)

	users := cfg.Buckets["users"]
	assert.Equal(t, "id", users.KeyField)
	assert.True(t, users.Persistent)
	assert.True(t, users.Fields["email"].Unique)
}

func TestBucketDefinitions_ConvertsTTLAndIndexes(t *testing.T) {
	path := writeSample(t)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	defs, err := cfg.BucketDefinitions()
	require.NoError(t, err)

	orders := defs["orders"]
	require.NotNil(t, orders.TTL)
	assert.Equal(t, 24*time.Hour, *orders.TTL)
	assert.Equal(t, []string{"userId"}, orders.Indexes)

	users := defs["users"]
	require.Contains(t, users.Fields, "id")
	assert.Equal(t, schema.GeneratedUUID, users.Fields["id"].Generated)
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
