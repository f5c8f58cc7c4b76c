package ingest

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

type (
	WatchItemState int

	// WatchItem is a file discovered in the watch folder which is either
	// waiting to be, or is being, ingested.
	WatchItem struct {
		ID        uuid.UUID      `json:"id"`
		Path      string         `json:"path"`
		ProjectID string         `json:"projectId"`
		State     WatchItemState `json:"state"`
		// Trouble holds the reason the most recent ingestion of
		// the item failed. Only set when State is TROUBLED.
		Trouble *StageError `json:"-"`
	}
)

const (
	IDLE WatchItemState = iota
	IMPORT_HOLD
	INGESTING
	TROUBLED
)

var (
	ErrItemNotFound   = errors.New("no watch item could be found")
	ErrItemIngesting  = errors.New("watch item is currently being ingested")
	ErrItemNotTrouble = errors.New("watch item is not troubled")
)

func (item *WatchItem) modtimeDiff() (*time.Duration, error) {
	itemInfo, err := os.Stat(item.Path)
	if err != nil {
		return nil, err
	}

	diff := time.Since(itemInfo.ModTime())
	return &diff, nil
}

func (item *WatchItem) String() string {
	return fmt.Sprintf("WatchItem{ID=%s project=%s state=%s}", item.ID, item.ProjectID, item.State)
}

func (s WatchItemState) String() string {
	switch s {
	case IDLE:
		return fmt.Sprintf("IDLE[%d]", s)
	case IMPORT_HOLD:
		return fmt.Sprintf("IMPORT_HOLD[%d]", s)
	case INGESTING:
		return fmt.Sprintf("INGESTING[%d]", s)
	case TROUBLED:
		return fmt.Sprintf("TROUBLED[%d]", s)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", s)
	}
}
