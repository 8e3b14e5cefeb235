package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayFileName(t *testing.T) {
	assert.Equal(t, filepath.Join("logs", "hedge_a_2026-01-02.log"), dayFileName("logs/hedge_a.log", "2026-01-02"))
	assert.Equal(t, "hedge_2026-01-02.log", dayFileName("hedge.log", "2026-01-02"))
}

func TestInit_WritesToFileAndGlobalLogrus(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	cfg := Config{Level: "debug", OutputFile: filepath.Join(dir, "hedge.log"), LogByDay: true, Console: &console}

	day1 := time.Date(2026, 1, 2, 23, 59, 0, 0, time.UTC)
	logMu.Lock()
	require.NoError(t, initLocked(cfg, day1))
	logMu.Unlock()
	t.Cleanup(func() { _ = Close() })

	logrus.WithField("component", "test").Info("global entry")
	Infof("wrapper %d", 1)

	path := GetCurrentLogFile()
	assert.Equal(t, filepath.Join(dir, "hedge_2026-01-02.log"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "global entry"))
	assert.True(t, strings.Contains(string(raw), "wrapper 1"))
	assert.True(t, strings.Contains(console.String(), "global entry"))

	// 同一天不切换
	rotated, err := rotateIfDayChanged(cfg, day1.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, rotated)

	rotated, err = rotateIfDayChanged(cfg, day1.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, rotated)
	assert.Equal(t, filepath.Join(dir, "hedge_2026-01-03.log"), GetCurrentLogFile())
}
