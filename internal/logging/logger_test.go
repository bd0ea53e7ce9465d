package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, TRACE, ParseLevel("trace"))
	assert.Equal(t, DEBUG, ParseLevel(" Debug "))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("whatever"))
}

func TestLoggerWritesFileByLevel(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANTIXRAY_LOG_DIR", dir)

	logger, err := NewLogger("unit")
	require.NoError(t, err)
	logger.SetLevels(ERROR, INFO)

	logger.Debug("скрыто %d", 1)
	logger.Info("видно %d", 2)
	require.NoError(t, logger.Close())

	files, err := filepath.Glob(filepath.Join(dir, "unit_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	content := string(data)

	assert.True(t, strings.Contains(content, "[INFO] [unit] видно 2"))
	assert.False(t, strings.Contains(content, "скрыто"))
}

func TestRegistryConsoleUntilFilesEnabled(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ANTIXRAY_LOG_DIR", dir)

	r := NewRegistry()
	a := r.Component(ComponentQueue)
	assert.Same(t, a, r.Component(ComponentQueue))
	a.Info("только консоль")

	files, err := filepath.Glob(filepath.Join(dir, "*.log"))
	require.NoError(t, err)
	assert.Empty(t, files, "без EnableFiles файлы не создаются")

	r.EnableFiles()
	r.SetLevel(DEBUG)
	c := r.Component(ComponentCache)
	c.Debug("отладка %d", 7)

	files, err = filepath.Glob(filepath.Join(dir, "cache_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, r.Close())
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "[DEBUG] [cache] отладка 7")

	// После Close реестр создаёт компоненты заново
	assert.NotSame(t, c, r.Component(ComponentCache))
	require.NoError(t, r.Close())
}

func TestRegistrySetLevelAppliesToExisting(t *testing.T) {
	r := NewRegistry()
	l := r.Component(ComponentHTTP)
	r.SetLevel(ERROR)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, ERROR, l.minConsoleLevel)
	assert.Equal(t, ERROR, l.minFileLevel)
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() { l.Info("ничего") })
}
