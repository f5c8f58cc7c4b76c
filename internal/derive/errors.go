package derive

import (
	"errors"
	"fmt"
)

var (
	// ErrNotApplicable is returned by Render when the source has no stream
	// the requested media could be derived from (e.g. a proxy of an audio file).
	ErrNotApplicable = errors.New("derived media not applicable to source")
	ErrUnknownKind   = errors.New("unknown derived media kind")
)

// ArtifactError is returned when generation of a derived artifact failed
// for a track which is present in the source. It is always fatal to the
// ingestion which requested it.
type ArtifactError struct {
	Artifact Artifact
	Err      error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("failed to generate %s: %v", e.Artifact, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }
