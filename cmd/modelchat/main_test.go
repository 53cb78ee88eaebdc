package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/modelchat/internal/service"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf(`
log:
  level: error
database:
  path: %q
image_cache:
  path: %q
`, filepath.Join(dir, "modelchat.db"), filepath.Join(dir, "images.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { flagConfig = "" })

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{})

	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "sessions")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestSessionsList_Empty(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "sessions", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No saved sessions.")
}

func TestSessionsClear(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "sessions", "clear", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "History cleared.")
}

func TestSessions_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log: [oops"), 0o644))

	_, err := execute(t, "sessions", "list", "--config", path)
	require.Error(t, err)
}

func TestPrintSessions(t *testing.T) {
	var buf bytes.Buffer
	err := printSessions(&buf, []service.SessionSummary{
		{ID: "a1", Title: "Trip plans", MessageCount: 4, Timestamp: time.Now(), Active: true},
		{ID: "b2", Title: "Recipes", MessageCount: 2, Timestamp: time.Now().Add(-time.Hour)},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "TITLE")
	assert.Contains(t, out, "a1*")
	assert.Contains(t, out, "Trip plans")
	assert.Contains(t, out, "Recipes")
}
