package sop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eveningYAML = `
name: Evening
type: ordered_steps
steps:
  steps:
    - id: s1
      title: Review
`

func TestIsDefinitionFile(t *testing.T) {
	for path, want := range map[string]bool{
		"a.yaml": true, "a.YML": true, "a.json": true, "a.txt": false, "README": false,
	} {
		assert.Equal(t, want, IsDefinitionFile(path), path)
	}
}

func TestLoadDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evening.yaml"), []byte(eveningYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "morning.json"),
		[]byte(`{"id":"am","name":"Morning","type":"checklist","checklist":{"items":[{"id":"a","title":"A"}]}}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: x\ntype: kanban\nchecklist: {}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	r, _ := newRegistry(t)
	n, err := r.LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := r.Get("evening")
	require.NoError(t, err, "id defaults to the file name")
	assert.True(t, got.IsActive)
	_, err = r.Get("am")
	assert.NoError(t, err)

	n, err = r.LoadDir(ctx, filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLoadFile_UpdatesExisting(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "evening.yaml")
	require.NoError(t, os.WriteFile(path, []byte(eveningYAML), 0o644))

	r, _ := newRegistry(t)
	_, err := r.LoadFile(ctx, path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(eveningYAML+"description: revised\n"), 0o644))
	s, err := r.LoadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "revised", s.Description)
	assert.Len(t, r.List(), 1)

	_, err = r.LoadFile(ctx, filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestWatch_ReloadsWrittenFiles(t *testing.T) {
	dir := t.TempDir()
	r, _ := newRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, dir) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "evening.yaml"), []byte(eveningYAML), 0o644))

	assert.Eventually(t, func() bool {
		_, err := r.Get("evening")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatch_MissingDir(t *testing.T) {
	r, _ := newRegistry(t)
	err := r.Watch(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
