package ingest_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/event"
	"github.com/isomoes/mvideo/internal/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockIngester struct{ mock.Mock }

func (m *mockIngester) Ingest(ctx context.Context, projectID string, upload ingest.Upload) (*asset.Record, error) {
	body, _ := io.ReadAll(upload.Body)
	args := m.Called(projectID, upload.Name, string(body))
	if record, ok := args.Get(0).(*asset.Record); ok {
		return record, args.Error(1)
	}

	return nil, args.Error(1)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), os.ModePerm))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func runWatcher(t *testing.T, watcher *ingest.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, watcher.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop after context cancellation")
		}
	})
}

func Test_Watcher_IngestsAndRemovesFile(t *testing.T) {
	root := t.TempDir()
	clip := filepath.Join(root, "project-1", "clip.mp4")
	writeFile(t, clip, "clip contents")

	bus := event.New()
	updates := make(event.HandlerChannel, 64)
	bus.RegisterHandlerChannel(updates, event.WatchUpdateEvent)

	ingester := &mockIngester{}
	ingester.On("Ingest", "project-1", "clip.mp4", "clip contents").Return(&asset.Record{ID: "asset-1"}, nil).Once()

	watcher, err := ingest.NewWatcher(ingest.WatchConfig{Path: root, ForceSyncSeconds: 1, Parallelism: 2}, ingester, bus)
	require.NoError(t, err)
	runWatcher(t, watcher)

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.NoFileExists(c, clip)
		assert.Empty(c, watcher.GetAllItems())
	}, 5*time.Second, 50*time.Millisecond)

	ingester.AssertExpectations(t)
	assert.NotEmpty(t, updates)
}

func Test_Watcher_FailedIngestIsTroubledUntilRetried(t *testing.T) {
	root := t.TempDir()
	clip := filepath.Join(root, "project-1", "broken.mov")
	writeFile(t, clip, "broken")

	stageErr := &ingest.StageError{Stage: ingest.StageProbed, ProjectID: "project-1", Err: errors.New("bad media")}
	ingester := &mockIngester{}
	ingester.On("Ingest", "project-1", "broken.mov", "broken").Return(nil, stageErr).Once()

	watcher, err := ingest.NewWatcher(ingest.WatchConfig{Path: root, ForceSyncSeconds: 1}, ingester, nil)
	require.NoError(t, err)
	runWatcher(t, watcher)

	var itemID uuid.UUID
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		items := watcher.GetAllItems()
		if assert.Len(c, items, 1) {
			assert.Equal(c, ingest.TROUBLED, items[0].State)
			if assert.NotNil(c, items[0].Trouble) {
				assert.Equal(c, ingest.StageProbed, items[0].Trouble.Stage)
			}
			itemID = items[0].ID
		}
	}, 5*time.Second, 50*time.Millisecond)

	assert.FileExists(t, clip, "troubled files stay in the watch folder")
	assert.ErrorIs(t, watcher.RemoveItem(uuid.New()), ingest.ErrItemNotFound)

	ingester.On("Ingest", "project-1", "broken.mov", "broken").Return(&asset.Record{ID: "asset-2"}, nil).Once()
	require.NoError(t, watcher.RetryItem(itemID))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Empty(c, watcher.GetAllItems())
		assert.NoFileExists(c, clip)
	}, 5*time.Second, 50*time.Millisecond)
	ingester.AssertExpectations(t)
}

func Test_Watcher_IgnoresUnroutableFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "loose.mp4"), "no project")
	writeFile(t, filepath.Join(root, "project-1", ".hidden.mp4"), "hidden")
	writeFile(t, filepath.Join(root, "project-1", "notes.txt"), "blacklisted")
	writeFile(t, filepath.Join(root, "project-1", "nested", "clip.mp4"), "nested")

	watcher, err := ingest.NewWatcher(ingest.WatchConfig{Path: root, Blacklist: []string{`\.txt$`}}, &mockIngester{}, nil)
	require.NoError(t, err)

	watcher.DiscoverNewFiles()
	items := watcher.GetAllItems()
	require.Len(t, items, 1)
	assert.Equal(t, "project-1", items[0].ProjectID)
	assert.Equal(t, filepath.Join(root, "project-1", "nested", "clip.mp4"), items[0].Path)
	assert.Equal(t, ingest.IDLE, items[0].State)

	watcher.DiscoverNewFiles()
	assert.Len(t, watcher.GetAllItems(), 1, "known files are not rediscovered")
}

func Test_Watcher_HoldsRecentlyModifiedFiles(t *testing.T) {
	root := t.TempDir()
	clip := filepath.Join(root, "project-1", "copying.mp4")
	writeFile(t, clip, "still copying")

	watcher, err := ingest.NewWatcher(ingest.WatchConfig{Path: root, RequiredModTimeAgeSeconds: 60}, &mockIngester{}, nil)
	require.NoError(t, err)

	watcher.DiscoverNewFiles()
	items := watcher.GetAllItems()
	require.Len(t, items, 1)
	assert.Equal(t, ingest.IMPORT_HOLD, items[0].State)
	assert.ErrorIs(t, watcher.RetryItem(items[0].ID), ingest.ErrItemNotTrouble)

	require.NoError(t, watcher.RemoveItem(items[0].ID))
	assert.Nil(t, watcher.GetItem(items[0].ID))
	assert.FileExists(t, clip, "removing an item leaves the file in place")

	watcher.DiscoverNewFiles()
	assert.Empty(t, watcher.GetAllItems(), "removed items are not rediscovered")
}

func Test_Watcher_RejectsFileAsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	writeFile(t, path, "")

	_, err := ingest.NewWatcher(ingest.WatchConfig{Path: path}, &mockIngester{}, nil)
	assert.Error(t, err)

	_, err = ingest.NewWatcher(ingest.WatchConfig{Path: t.TempDir(), Blacklist: []string{"("}}, &mockIngester{}, nil)
	assert.Error(t, err)
}
