package asset

import (
	"fmt"
	"time"
)

type (
	// AudioTrack describes a single audio stream found inside of
	// a source file, in the order the container reports them.
	AudioTrack struct {
		Index      int     `json:"index"`
		Codec      *string `json:"codec,omitempty"`
		Channels   *int    `json:"channels,omitempty"`
		SampleRate *int    `json:"sampleRate,omitempty"`
	}

	// MediaMetadata is the technical information extracted from a source
	// file by the prober. Nil fields indicate the container did not report
	// a usable value (e.g. no video stream means no FPS/width/height).
	MediaMetadata struct {
		DurationSeconds *float64     `json:"durationSeconds"`
		FPS             *float64     `json:"fps"`
		Width           *int         `json:"width"`
		Height          *int         `json:"height"`
		AudioTracks     []AudioTrack `json:"audioTracks"`
	}

	// DerivedLinks are back-references from the derived area to the files it
	// was computed from. They never imply ownership.
	DerivedLinks struct {
		SourcePath          string `json:"sourcePath,omitempty"`
		TrimmedVideoPath    string `json:"trimmedVideoPath,omitempty"`
		ProxyVideoPath      string `json:"proxyVideoPath,omitempty"`
		NormalizedAudioPath string `json:"normalizedAudioPath,omitempty"`
	}

	// DerivedRecord is populated incrementally as derived artifacts are
	// generated. Its presence on a Record means ingestion reached the
	// generation phase, not that every artifact was produced.
	DerivedRecord struct {
		WaveformPath        string        `json:"waveformPath,omitempty"`
		ThumbnailsDir       string        `json:"thumbnailsDir,omitempty"`
		ThumbnailPaths      []string      `json:"thumbnailPaths,omitempty"`
		ContactSheetPath    string        `json:"contactSheetPath,omitempty"`
		TrimmedVideoPath    string        `json:"trimmedVideoPath,omitempty"`
		NormalizedAudioPath string        `json:"normalizedAudioPath,omitempty"`
		ProxyVideoPath      string        `json:"proxyVideoPath,omitempty"`
		Links               *DerivedLinks `json:"links,omitempty"`
	}

	// Record is the persisted description of one ingested media file.
	Record struct {
		ID           string         `json:"id"`
		ProjectID    string         `json:"projectId"`
		OriginalName string         `json:"originalName"`
		SourcePath   string         `json:"sourcePath"`
		SizeBytes    int64          `json:"sizeBytes"`
		CreatedAt    time.Time      `json:"createdAt"`
		Metadata     MediaMetadata  `json:"metadata"`
		Derived      *DerivedRecord `json:"derived,omitempty"`
	}

	// Patch is a partial update to a Record. The write-once fields are
	// accepted so that whole records can be round-tripped by clients, but
	// they are always discarded by Store.Update.
	Patch struct {
		OriginalName *string        `json:"originalName,omitempty"`
		Metadata     *MediaMetadata `json:"metadata,omitempty"`
		Derived      *DerivedRecord `json:"derived,omitempty"`

		ID         *string    `json:"id,omitempty"`
		ProjectID  *string    `json:"projectId,omitempty"`
		SourcePath *string    `json:"sourcePath,omitempty"`
		SizeBytes  *int64     `json:"sizeBytes,omitempty"`
		CreatedAt  *time.Time `json:"createdAt,omitempty"`
	}
)

// HasVideo returns true if the prober found a visual stream.
func (m MediaMetadata) HasVideo() bool {
	return m.Width != nil && m.Height != nil
}

// HasAudio returns true if the prober found at least one audio track.
func (m MediaMetadata) HasAudio() bool {
	return len(m.AudioTracks) > 0
}

// Duration returns the duration in seconds, or zero if unknown.
func (m MediaMetadata) Duration() float64 {
	if m.DurationSeconds == nil {
		return 0
	}

	return *m.DurationSeconds
}

func (r *Record) String() string {
	return fmt.Sprintf("Asset{ID=%s ProjectID=%s Name=%s}", r.ID, r.ProjectID, r.OriginalName)
}

// apply merges the mutable fields of the patch in to a copy
// of the record and returns it. Write-once fields are never touched.
func (p Patch) apply(existing Record) Record {
	next := existing
	if p.OriginalName != nil {
		next.OriginalName = *p.OriginalName
	}
	if p.Metadata != nil {
		next.Metadata = *p.Metadata
	}
	if p.Derived != nil {
		derived := *p.Derived
		next.Derived = &derived
	}

	next.ID = existing.ID
	next.ProjectID = existing.ProjectID
	next.SourcePath = existing.SourcePath
	next.SizeBytes = existing.SizeBytes
	next.CreatedAt = existing.CreatedAt

	return next
}
