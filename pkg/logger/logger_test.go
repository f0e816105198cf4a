package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zap.DebugLevel, ParseLevel("debug").Level())
	require.Equal(t, zap.WarnLevel, ParseLevel("warn").Level())
	require.Equal(t, zap.InfoLevel, ParseLevel("chatty").Level(), "unknown levels fall back to info")
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "physcoord.log")
	l, _, err := New(Config{Level: "info", Format: "json", OutputFile: path}, zap.String("node", "node-a"))
	require.NoError(t, err)

	l.Info("transaction started", zap.String("mode", "global"))
	require.NoError(t, l.Sync())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], `"service":"physcoord"`)
	require.Contains(t, lines[0], `"node":"node-a"`)
	require.Contains(t, lines[0], `"mode":"global"`)
}

func TestLevelIsAdjustable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "physcoord.log")
	l, level, err := New(Config{Level: "warn", OutputFile: path})
	require.NoError(t, err)

	l.Info("dropped")
	level.SetLevel(zap.DebugLevel)
	l.Debug("kept")
	require.NoError(t, l.Sync())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "kept")
}

func TestSamplingDropsRepeats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "physcoord.log")
	l, _, err := New(Config{OutputFile: path, Sampling: &SamplingConfig{Initial: 2, Thereafter: 100}})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		l.Info("driver unreachable")
	}
	require.NoError(t, l.Sync())
	require.Len(t, readLines(t, path), 2)
}

func TestNewRejectsUnwritablePath(t *testing.T) {
	_, _, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	require.Error(t, err)
}
