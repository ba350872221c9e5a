package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chapterd/internal/config"
	"github.com/JakeFAU/chapterd/internal/download"
	localstorage "github.com/JakeFAU/chapterd/internal/storage/local"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(config.New())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func seedStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store, err := localstorage.NewProgressStore(localstorage.Config{BaseDir: dir})
	require.NoError(t, err)

	done := download.NewSnapshot("finished_work", "https://site.test/a/ch-1", time.Unix(0, 0).UTC())
	done.MarkCompleted(1)
	done.MarkCompleted(2)
	done.Finished = true
	require.NoError(t, store.Save(context.Background(), "finished_work", done))

	open := download.NewSnapshot("open_work", "https://site.test/b/ch-1", time.Unix(0, 0).UTC())
	open.MarkCompleted(1)
	require.NoError(t, store.Save(context.Background(), "open_work", open))
	return dir
}

func TestWorksListsStoredProgress(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "works", "--root", seedStore(t))
	require.NoError(t, err)
	assert.Contains(t, out, "finished_work\tlast chapter 2\tfinished")
	assert.Contains(t, out, "open_work\tlast chapter 1\tin progress")
}

func TestProgressPrintsSnapshot(t *testing.T) {
	t.Parallel()

	dir := seedStore(t)
	out, err := execute(t, "progress", "open work", "--root", dir)
	require.NoError(t, err)
	var snap download.ProgressSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "open_work", snap.Work.Name)
	assert.Equal(t, 1, snap.LastCompletedChapter)

	_, err = execute(t, "progress", "missing", "--root", dir)
	require.ErrorIs(t, err, download.ErrNotFound)
}

func TestForgetDeletesRecordOnly(t *testing.T) {
	t.Parallel()

	dir := seedStore(t)
	out, err := execute(t, "forget", "open_work", "--root", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "forgot open_work")

	_, err = execute(t, "progress", "open_work", "--root", dir)
	require.ErrorIs(t, err, download.ErrNotFound)

	out, err = execute(t, "works", "--root", dir)
	require.NoError(t, err)
	assert.NotContains(t, out, "open_work")
	assert.Contains(t, out, "finished_work")

	_, err = execute(t, "forget", "open_work", "--root", dir)
	require.ErrorIs(t, err, download.ErrNotFound)
}

func TestDownloadValidatesArgsAndConfig(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "download", "only-work")
	require.Error(t, err)

	// Login is required by default and no account is configured.
	_, err = execute(t, "download", "solo", "https://site.test/w/ch-1", "--root", t.TempDir())
	require.ErrorContains(t, err, "load config")
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "serve", "--root", t.TempDir())
	require.ErrorContains(t, err, "account.identifier")
}
