package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "dev", c.App.Env)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, DriverSQLite, c.Storage.Driver)
	assert.Equal(t, 10*time.Second, c.Notify.Timeout)
	assert.Equal(t, 256, c.Notify.QueueSize)
	assert.Equal(t, devJWTSecret, c.Auth.JWTSecret)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  env: prod
storage:
  driver: postgres
postgres:
  dsn: postgres://localhost/wellness
auth:
  jwt_secret: from-file
notify:
  timeout: 3s
  telegram_chats:
    sub-1: 1001
`), 0o600))
	t.Setenv("WELLNESS_AUTH_JWT_SECRET", "from-env")
	t.Setenv("WELLNESS_HTTP_ADDR", ":9090")

	c, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "prod", c.App.Env)
	assert.Equal(t, DriverPostgres, c.Storage.Driver)
	assert.Equal(t, "from-env", c.Auth.JWTSecret)
	assert.Equal(t, ":9090", c.HTTP.Addr)
	assert.Equal(t, 3*time.Second, c.Notify.Timeout)
	assert.Equal(t, int64(1001), c.Notify.TelegramChats["sub-1"])
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("WELLNESS_STORAGE_DRIVER=memory\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("WELLNESS_STORAGE_DRIVER") })

	c, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, DriverMemory, c.Storage.Driver)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"WELLNESS_STORAGE_DRIVER": "mongo"}, "unknown storage.driver"},
		{"postgres without dsn", map[string]string{"WELLNESS_STORAGE_DRIVER": "postgres"}, "postgres.dsn is required"},
		{"prod without secret", map[string]string{"WELLNESS_APP_ENV": "prod"}, "jwt_secret is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("does-not-exist.yaml")

	assert.Error(t, err)
}
