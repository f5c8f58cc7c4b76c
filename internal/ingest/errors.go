package ingest

import (
	"errors"
	"fmt"

	"github.com/isomoes/mvideo/internal/derive"
	"github.com/isomoes/mvideo/internal/ffmpeg"
)

// Stage is a step of the ingestion state machine. Stages are
// always entered in the order they are declared.
type Stage string

const (
	StageReceived         Stage = "received"
	StageSourcePersisted  Stage = "source-persisted"
	StageProbed           Stage = "probed"
	StageDerivedGenerated Stage = "derived-generated"
	StageCommitted        Stage = "committed"
)

var ErrMissingUpload = errors.New("no upload body provided")

// StageError is returned by Service.Ingest when an ingestion could not reach
// Stage. The original error is preserved as the cause.
type StageError struct {
	Stage     Stage
	ProjectID string
	AssetID   string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingestion of asset %s (project %s) failed: %s: %v", e.AssetID, e.ProjectID, e.Reason(), e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Reason returns a short, user facing description of why the ingestion
// failed, distinguishing environmental problems from bad input media and
// from failures of a specific derived artifact.
func (e *StageError) Reason() string {
	var (
		probeErr    *ffmpeg.ProbeError
		artifactErr *derive.ArtifactError
	)

	switch {
	case errors.Is(e.Err, ffmpeg.ErrEngineUnavailable):
		return "engine unavailable"
	case errors.As(e.Err, &probeErr):
		return "probe failed (bad input media)"
	case errors.As(e.Err, &artifactErr):
		return fmt.Sprintf("transcoding failed for %s", artifactErr.Artifact)
	}

	return fmt.Sprintf("stage %s could not be completed", e.Stage)
}
