package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/voice_bridge/pkg/notification"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate(), "настройки по умолчанию корректны")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv(Prefix+"LOG_LEVEL", "debug")
	t.Setenv(Prefix+"LOG_FORMAT", "text")
	t.Setenv(Prefix+"HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv(Prefix+"PUSH_ENABLED", "true")
	t.Setenv(Prefix+"REDIS_DB", "3")
	t.Setenv(Prefix+"QUEUE_SIZE", "32")
	t.Setenv(Prefix+"INCOMING_IMPORTANCE", "default")
	t.Setenv(Prefix+"AUTO_ANSWER", "250ms")
	t.Setenv(Prefix+"CONTACT_TEMPLATE", "${displayName}")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.True(t, cfg.Push.Enabled)
	assert.Equal(t, 3, cfg.Push.DB)
	assert.Equal(t, 32, cfg.Call.QueueSize)
	assert.Equal(t, notification.ImportanceDefault, cfg.Call.IncomingImportance)
	assert.Equal(t, 250*time.Millisecond, cfg.Call.AutoAnswer)
	assert.Equal(t, "${displayName}", cfg.Call.ContactTemplate)
}

func TestLoadAggregatesErrors(t *testing.T) {
	t.Setenv(Prefix+"QUEUE_SIZE", "many")
	t.Setenv(Prefix+"AUTO_ANSWER", "soon")
	t.Setenv(Prefix+"INCOMING_IMPORTANCE", "urgent")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_SIZE")
	assert.Contains(t, err.Error(), "AUTO_ANSWER")
	assert.Contains(t, err.Error(), "INCOMING_IMPORTANCE")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte(Prefix+"PUSH_CHANNEL=calls\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv(Prefix + "PUSH_CHANNEL") })

	// Заданная переменная не перекрывается файлом
	t.Setenv(Prefix+"APP_NAME", "Bridge")

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err, "отсутствующий файл пропускается")
	assert.Equal(t, "calls", cfg.Push.Channel)
	assert.Equal(t, "Bridge", cfg.Call.AppName)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.Push.Enabled = true
	cfg.Push.Channel = ""
	cfg.Call.QueueSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xml")
	assert.Contains(t, err.Error(), "push channel")
	assert.Contains(t, err.Error(), "queue size")
}
