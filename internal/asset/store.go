package asset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/isomoes/mvideo/pkg/logger"
	"golang.org/x/sync/errgroup"
)

var log = logger.Get("AssetStore")

const (
	recordFileName = "asset.json"
	sourceDirName  = "source"
	derivedDirName = "derived"

	listParallelism = 8
)

// Store is a file-backed key-value store of asset records, keyed
// by (projectID, assetID). Each asset owns the directory
// {root}/projects/{projectID}/assets/{assetID}/, and no operation
// on one asset touches the directory of another.
//
// Writes to a single asset are serialised, so concurrent read-modify-write
// updates of the same record never lose each other's changes.
type Store struct {
	root string

	locksMutex sync.Mutex
	locks      map[string]*sync.Mutex
}

func NewStore(storageRoot string) *Store {
	return &Store{root: storageRoot, locks: make(map[string]*sync.Mutex)}
}

// lockAsset acquires the write lock of the asset, returning
// the function which releases it.
func (store *Store) lockAsset(projectID, assetID string) func() {
	key := projectID + "/" + assetID

	store.locksMutex.Lock()
	lock, ok := store.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		store.locks[key] = lock
	}
	store.locksMutex.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (store *Store) Root() string { return store.root }

func (store *Store) ProjectDir(projectID string) string {
	return filepath.Join(store.root, "projects", projectID)
}

func (store *Store) AssetsDir(projectID string) string {
	return filepath.Join(store.ProjectDir(projectID), "assets")
}

func (store *Store) AssetDir(projectID, assetID string) string {
	return filepath.Join(store.AssetsDir(projectID), assetID)
}

func (store *Store) SourceDir(projectID, assetID string) string {
	return filepath.Join(store.AssetDir(projectID, assetID), sourceDirName)
}

func (store *Store) DerivedDir(projectID, assetID string) string {
	return filepath.Join(store.AssetDir(projectID, assetID), derivedDirName)
}

func (store *Store) RecordPath(projectID, assetID string) string {
	return filepath.Join(store.AssetDir(projectID, assetID), recordFileName)
}

// WriteSource persists the bytes read from the reader as the source file for
// the asset, returning the path written and the number of bytes copied.
func (store *Store) WriteSource(projectID, assetID, filename string, contents io.Reader) (string, int64, error) {
	if err := validateKey(projectID, assetID); err != nil {
		return "", 0, err
	}

	sourceDir := store.SourceDir(projectID, assetID)
	if err := os.MkdirAll(sourceDir, os.ModePerm); err != nil {
		return "", 0, fmt.Errorf("failed to create source directory: %w", err)
	}

	sourcePath := filepath.Join(sourceDir, filename)
	file, err := os.Create(sourcePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create source file: %w", err)
	}

	written, copyErr := io.Copy(file, contents)
	closeErr := file.Close()
	if copyErr != nil {
		return sourcePath, written, fmt.Errorf("failed to write source file: %w", copyErr)
	} else if closeErr != nil {
		return sourcePath, written, fmt.Errorf("failed to write source file: %w", closeErr)
	}

	return sourcePath, written, nil
}

// Write serializes the full record as indented JSON, replacing any existing
// record for the asset. The record is written to a temporary file and renamed
// in to place so readers never observe a half-written record.
func (store *Store) Write(record *Record) error {
	if err := validateKey(record.ProjectID, record.ID); err != nil {
		return err
	}

	defer store.lockAsset(record.ProjectID, record.ID)()
	return store.write(record)
}

func (store *Store) write(record *Record) error {
	assetDir := store.AssetDir(record.ProjectID, record.ID)
	if err := os.MkdirAll(assetDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create asset directory: %w", err)
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal asset record %s: %w", record.ID, err)
	}

	tmp, err := os.CreateTemp(assetDir, recordFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write asset record %s: %w", record.ID, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write asset record %s: %w", record.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write asset record %s: %w", record.ID, err)
	}

	if err := os.Rename(tmp.Name(), store.RecordPath(record.ProjectID, record.ID)); err != nil {
		return fmt.Errorf("failed to commit asset record %s: %w", record.ID, err)
	}

	return nil
}

// Read returns the record for the asset, or nil (and no error) if
// the asset has no record on disk. Any other I/O or decoding
// failure is returned as an error.
func (store *Store) Read(projectID, assetID string) (*Record, error) {
	if err := validateKey(projectID, assetID); err != nil {
		return nil, err
	}

	contents, err := os.ReadFile(store.RecordPath(projectID, assetID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read asset record %s/%s: %w", projectID, assetID, err)
	}

	var record Record
	if err := json.Unmarshal(contents, &record); err != nil {
		return nil, fmt.Errorf("asset record %s/%s is malformed: %w", projectID, assetID, err)
	}

	return &record, nil
}

// GetAssetByCompositeKey is the explicit (projectID, assetID) lookup. It
// is equivalent to Read.
func (store *Store) GetAssetByCompositeKey(projectID, assetID string) (*Record, error) {
	return store.Read(projectID, assetID)
}

// FindAssetAnyProject searches every project for an asset with the
// given ID, returning the first match. Nil is returned if no project
// contains the asset.
func (store *Store) FindAssetAnyProject(assetID string) (*Record, error) {
	if err := validateSegment(assetID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(store.root, "projects"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to enumerate projects: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		record, err := store.Read(entry.Name(), assetID)
		if err != nil {
			log.Emit(logger.WARNING, "Skipping project %s during global lookup of asset %s: %v\n", entry.Name(), assetID, err)
			continue
		} else if record != nil {
			return record, nil
		}
	}

	return nil, nil
}

// List returns every readable record in the project, newest first. Asset
// directories whose record is missing or cannot be decoded are skipped so
// that a single corrupted asset cannot hide the rest of the project.
func (store *Store) List(projectID string) ([]*Record, error) {
	if err := validateSegment(projectID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(store.AssetsDir(projectID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []*Record{}, nil
		}

		return nil, fmt.Errorf("failed to enumerate assets for project %s: %w", projectID, err)
	}

	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}

	found := make([]*Record, len(dirs))
	group := errgroup.Group{}
	group.SetLimit(listParallelism)
	for i, assetID := range dirs {
		group.Go(func() error {
			record, err := store.Read(projectID, assetID)
			if err != nil {
				log.Emit(logger.WARNING, "Ignoring unreadable asset %s/%s: %v\n", projectID, assetID, err)
				return nil
			}

			found[i] = record
			return nil
		})
	}
	_ = group.Wait()

	records := make([]*Record, 0, len(found))
	for _, record := range found {
		if record != nil {
			records = append(records, record)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	return records, nil
}

// Update performs a read-modify-write of the record, applying the mutable
// fields of the patch. The write-once fields (ID, ProjectID, SourcePath,
// SizeBytes and CreatedAt) are always restored from the existing record.
func (store *Store) Update(projectID, assetID string, patch Patch) (*Record, error) {
	return store.UpdateWith(projectID, assetID, func(Record) (Patch, error) { return patch, nil })
}

// UpdateWith is like Update, except the patch is computed from the current
// record while the asset is locked. Any error returned by the function
// aborts the update.
func (store *Store) UpdateWith(projectID, assetID string, patchFn func(current Record) (Patch, error)) (*Record, error) {
	if err := validateKey(projectID, assetID); err != nil {
		return nil, err
	}

	defer store.lockAsset(projectID, assetID)()
	existing, err := store.Read(projectID, assetID)
	if err != nil {
		return nil, err
	} else if existing == nil {
		return nil, &NotFoundError{ProjectID: projectID, AssetID: assetID}
	}

	patch, err := patchFn(*existing)
	if err != nil {
		return nil, err
	}

	next := patch.apply(*existing)
	if err := store.write(&next); err != nil {
		return nil, err
	}

	return &next, nil
}

// Delete recursively removes the asset directory. Deleting an
// asset which does not exist is not an error.
func (store *Store) Delete(projectID, assetID string) error {
	if err := validateKey(projectID, assetID); err != nil {
		return err
	}

	defer store.lockAsset(projectID, assetID)()
	if err := os.RemoveAll(store.AssetDir(projectID, assetID)); err != nil {
		return fmt.Errorf("failed to delete asset %s/%s: %w", projectID, assetID, err)
	}

	return nil
}

// DeleteProjectAssets removes every asset belonging to the project.
func (store *Store) DeleteProjectAssets(projectID string) error {
	if err := validateSegment(projectID); err != nil {
		return err
	}

	if err := os.RemoveAll(store.AssetsDir(projectID)); err != nil {
		return fmt.Errorf("failed to delete assets for project %s: %w", projectID, err)
	}

	return nil
}

func validateKey(projectID, assetID string) error {
	if err := validateSegment(projectID); err != nil {
		return err
	}

	return validateSegment(assetID)
}

// validateSegment ensures an identifier cannot be used to escape
// the storage root when joined in to a path.
func validateSegment(segment string) error {
	if segment == "" || segment == "." || segment == ".." || strings.ContainsAny(segment, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, segment)
	}

	return nil
}
