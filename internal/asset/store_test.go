package asset_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/isomoes/mvideo/internal/asset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"
)

const projectID = "project-1"

func newRecord(id string, createdAt time.Time) *asset.Record {
	duration := 10.0
	return &asset.Record{
		ID:           id,
		ProjectID:    projectID,
		OriginalName: "clip.mp4",
		SourcePath:   "/storage/" + id + "/source/clip.mp4",
		SizeBytes:    1024,
		CreatedAt:    createdAt.UTC(),
		Metadata: asset.MediaMetadata{
			DurationSeconds: &duration,
			AudioTracks:     []asset.AudioTrack{},
		},
	}
}

func TestStore_WriteThenRead(t *testing.T) {
	store := asset.NewStore(t.TempDir())
	record := newRecord("a1", time.Now())

	require.NoError(t, store.Write(record))

	read, err := store.Read(projectID, "a1")
	require.NoError(t, err)
	require.NotNil(t, read)
	assert.Equal(t, record.SourcePath, read.SourcePath)
	assert.True(t, record.CreatedAt.Equal(read.CreatedAt))
	assert.Nil(t, read.Derived, "derived must be absent until generation has run")

	contents, err := os.ReadFile(store.RecordPath(projectID, "a1"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "\n  \"id\": \"a1\"", "record should be pretty printed")
}

func TestStore_ReadMissingReturnsNil(t *testing.T) {
	store := asset.NewStore(t.TempDir())

	read, err := store.Read(projectID, "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, read)
}

func TestStore_ReadPropagatesNonMissingErrors(t *testing.T) {
	dir := fs.NewDir(t, "store",
		fs.WithDir("projects",
			fs.WithDir(projectID,
				fs.WithDir("assets",
					fs.WithDir("a1",
						fs.WithDir("asset.json"))))))

	store := asset.NewStore(dir.Path())
	read, err := store.Read(projectID, "a1")
	assert.Error(t, err, "a directory in place of the record is an I/O error, not absence")
	assert.Nil(t, read)
}

func TestStore_RejectsTraversalKeys(t *testing.T) {
	store := asset.NewStore(t.TempDir())

	_, err := store.Read("..", "a1")
	assert.ErrorIs(t, err, asset.ErrInvalidKey)

	err = store.Delete(projectID, "../../etc")
	assert.ErrorIs(t, err, asset.ErrInvalidKey)
}

func TestStore_ListSkipsCorruptRecordsAndSortsNewestFirst(t *testing.T) {
	store := asset.NewStore(t.TempDir())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Write(newRecord("old", base)))
	require.NoError(t, store.Write(newRecord("new", base.Add(2*time.Hour))))
	require.NoError(t, store.Write(newRecord("mid", base.Add(time.Hour))))
	require.NoError(t, store.Write(newRecord("bad", base.Add(3*time.Hour))))
	require.NoError(t, os.WriteFile(store.RecordPath(projectID, "bad"), []byte("{not json"), 0o644))

	// An asset directory with no record at all (e.g. a failed ingestion)
	require.NoError(t, os.MkdirAll(store.SourceDir(projectID, "orphan"), os.ModePerm))

	records, err := store.List(projectID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "new", records[0].ID)
	assert.Equal(t, "mid", records[1].ID)
	assert.Equal(t, "old", records[2].ID)
}

func TestStore_ListMissingProjectIsEmpty(t *testing.T) {
	store := asset.NewStore(t.TempDir())

	records, err := store.List("nope")
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_UpdatePreservesWriteOnceFields(t *testing.T) {
	store := asset.NewStore(t.TempDir())
	record := newRecord("a1", time.Now())
	require.NoError(t, store.Write(record))

	tampered := "/tampered"
	newName := "renamed.mp4"
	otherID := "other"
	size := int64(1)
	created := time.Unix(0, 0)
	updated, err := store.Update(projectID, "a1", asset.Patch{
		OriginalName: &newName,
		SourcePath:   &tampered,
		ID:           &otherID,
		ProjectID:    &otherID,
		SizeBytes:    &size,
		CreatedAt:    &created,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed.mp4", updated.OriginalName)
	assert.Equal(t, record.SourcePath, updated.SourcePath)

	stored, err := store.Read(projectID, "a1")
	require.NoError(t, err)
	assert.Equal(t, record.SourcePath, stored.SourcePath)
	assert.Equal(t, "a1", stored.ID)
	assert.Equal(t, projectID, stored.ProjectID)
	assert.Equal(t, int64(1024), stored.SizeBytes)
	assert.True(t, record.CreatedAt.Equal(stored.CreatedAt))
	assert.Equal(t, "renamed.mp4", stored.OriginalName)
}

func TestStore_UpdateMissingIsNotFound(t *testing.T) {
	store := asset.NewStore(t.TempDir())

	_, err := store.Update(projectID, "missing", asset.Patch{})
	assert.ErrorIs(t, err, asset.ErrNotFound)

	var notFound *asset.NotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.AssetID)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	store := asset.NewStore(t.TempDir())
	require.NoError(t, store.Write(newRecord("a1", time.Now())))

	assert.NoError(t, store.Delete(projectID, "a1"))
	assert.NoDirExists(t, store.AssetDir(projectID, "a1"))
	assert.NoError(t, store.Delete(projectID, "a1"))
	assert.NoError(t, store.Delete(projectID, "never-existed"))
}

func TestStore_WriteSource(t *testing.T) {
	store := asset.NewStore(t.TempDir())
	payload := bytes.Repeat([]byte{0xAB}, 4096)

	path, n, err := store.WriteSource(projectID, "a1", "clip.mp4", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, filepath.Join(store.SourceDir(projectID, "a1"), "clip.mp4"), path)
	assert.FileExists(t, path)
}

func TestStore_FindAssetAnyProject(t *testing.T) {
	store := asset.NewStore(t.TempDir())
	other := newRecord("a2", time.Now())
	other.ProjectID = "project-2"
	require.NoError(t, store.Write(newRecord("a1", time.Now())))
	require.NoError(t, store.Write(other))

	found, err := store.FindAssetAnyProject("a2")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "project-2", found.ProjectID)

	byKey, err := store.GetAssetByCompositeKey("project-2", "a2")
	require.NoError(t, err)
	assert.Equal(t, found, byKey)

	missing, err := store.FindAssetAnyProject("a3")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	store := asset.NewStore(t.TempDir())
	require.NoError(t, store.Write(newRecord("a1", time.Now())))

	const writers = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.UpdateWith(projectID, "a1", func(current asset.Record) (asset.Patch, error) {
				derived := asset.DerivedRecord{}
				if current.Derived != nil {
					derived = *current.Derived
				}
				derived.ThumbnailPaths = append(append([]string(nil), derived.ThumbnailPaths...), fmt.Sprintf("thumb-%03d.jpg", i))

				return asset.Patch{Derived: &derived}, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := store.Read(projectID, "a1")
	require.NoError(t, err)
	require.NotNil(t, stored.Derived)
	assert.Len(t, stored.Derived.ThumbnailPaths, writers, "every update should be applied on top of the last")
}

func TestStore_UpdateWithErrorLeavesRecordUntouched(t *testing.T) {
	store := asset.NewStore(t.TempDir())
	record := newRecord("a1", time.Now())
	require.NoError(t, store.Write(record))

	failure := errors.New("refused")
	_, err := store.UpdateWith(projectID, "a1", func(asset.Record) (asset.Patch, error) {
		return asset.Patch{}, failure
	})
	assert.ErrorIs(t, err, failure)

	stored, err := store.Read(projectID, "a1")
	require.NoError(t, err)
	assert.Equal(t, record.OriginalName, stored.OriginalName)
}
