package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, "data/transferkit.db", cfg.Database.Path)
	assert.Equal(t, "data/downloads", cfg.Download.DataDir)
	assert.Equal(t, 3, cfg.Download.MaxConcurrent)
	assert.Equal(t, 3, cfg.Upload.MaxConcurrent)
	assert.Equal(t, 60, cfg.Auth.TokenTTLMinutes)
	assert.Equal(t, "us-east-1", cfg.Storage.Region)
	assert.Empty(t, cfg.Storage.Bucket)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRANSFER_SERVER_ADDR", "127.0.0.1:9000")
	t.Setenv("TRANSFER_DOWNLOAD_MAXCONCURRENT", "7")
	t.Setenv("TRANSFER_AUTH_JWTSECRET", "sekrit")
	t.Setenv("TRANSFER_STORAGE_BUCKET", "media-archive")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Download.MaxConcurrent)
	assert.Equal(t, "sekrit", cfg.Auth.JWTSecret)
	assert.Equal(t, "media-archive", cfg.Storage.Bucket)
}
