package asset

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("asset not found")
	ErrInvalidKey = errors.New("illegal project or asset identifier")
)

// NotFoundError is returned when an operation requires an existing
// asset record and none could be found. It matches ErrNotFound.
type NotFoundError struct {
	ProjectID string
	AssetID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("asset not found: %s/%s", e.ProjectID, e.AssetID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
