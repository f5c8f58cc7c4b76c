// service_test is responsible for ensuring that uploaded files are
// taken through every stage of ingestion, and that failures are reported
// against the correct stage without committing a record. The transcoding
// engine is substituted by shell scripts.
package ingest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/derive"
	"github.com/isomoes/mvideo/internal/event"
	"github.com/isomoes/mvideo/internal/ffmpeg"
	"github.com/isomoes/mvideo/internal/ingest"
	"github.com/isomoes/mvideo/pkg/logger"
	"github.com/isomoes/mvideo/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

const projectID = "project-1"

type stageRecorder struct {
	mutex  sync.Mutex
	stages []string
	errors []string
}

func recordStages(bus event.EventHandler) *stageRecorder {
	recorder := &stageRecorder{}
	bus.RegisterHandlerFunction(event.IngestUpdateEvent, func(_ event.Event, payload event.Payload) {
		recorder.mutex.Lock()
		defer recorder.mutex.Unlock()

		//nolint:forcetypeassert
		update := payload.(event.IngestUpdate)
		recorder.stages = append(recorder.stages, update.Stage)
		if update.Error != "" {
			recorder.errors = append(recorder.errors, update.Error)
		}
	})

	return recorder
}

func newService(t *testing.T, opts helpers.FakeEngineOptions, bus event.EventDispatcher) (*ingest.Service, *asset.Store) {
	fake := helpers.NewFakeEngine(t, opts)
	engine := ffmpeg.NewEngine(ffmpeg.Config{FfmpegBinaryPath: fake.FfmpegPath, FfprobeBinaryPath: fake.FfprobePath, TimeoutSeconds: 30, ProbeTimeoutSeconds: 10})
	store := asset.NewStore(t.TempDir())
	generator := derive.New(derive.Config{ThumbnailWidth: 320, ContactSheetEnabled: true}, engine, store, bus)

	return ingest.New(engine, generator, store, bus), store
}

func Test_Ingest_VideoEndToEnd(t *testing.T) {
	bus := event.New()
	stages := recordStages(bus)
	completed := make(event.HandlerChannel, 1)
	bus.RegisterHandlerChannel(completed, event.IngestCompleteEvent)

	service, store := newService(t, helpers.FakeEngineOptions{
		ProbeJSON: helpers.VideoProbeJSON(10, 1920, 1080, "30/1", 44100),
		PCMBytes:  44100 * 10 * 2,
	}, bus)

	contents := []byte("not really an mp4, but the engine is fake")
	record, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: "../holiday.mp4", Body: bytes.NewReader(contents)})
	require.NoError(t, err)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, projectID, record.ProjectID)
	assert.Equal(t, "holiday.mp4", record.OriginalName)
	assert.Equal(t, filepath.Join(store.SourceDir(projectID, record.ID), "holiday.mp4"), record.SourcePath)
	assert.Equal(t, int64(len(contents)), record.SizeBytes)
	assert.False(t, record.CreatedAt.IsZero())

	require.NotNil(t, record.Metadata.Width)
	require.NotNil(t, record.Metadata.Height)
	require.NotNil(t, record.Metadata.FPS)
	assert.Equal(t, 1920, *record.Metadata.Width)
	assert.Equal(t, 1080, *record.Metadata.Height)
	assert.InDelta(t, 30.0, *record.Metadata.FPS, 0.01)

	require.NotNil(t, record.Derived)
	assert.GreaterOrEqual(t, len(record.Derived.ThumbnailPaths), 8)
	assert.LessOrEqual(t, len(record.Derived.ThumbnailPaths), 24)

	raw, err := os.ReadFile(record.Derived.WaveformPath)
	require.NoError(t, err)
	var waveform derive.Waveform
	require.NoError(t, json.Unmarshal(raw, &waveform))
	assert.GreaterOrEqual(t, len(waveform.Peaks), 600)
	assert.LessOrEqual(t, len(waveform.Peaks), 2000)
	assert.Equal(t, 44100, waveform.SampleRate)

	persisted, err := store.Read(projectID, record.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, record.SourcePath, persisted.SourcePath)
	assert.Equal(t, record.Derived.ThumbnailPaths, persisted.Derived.ThumbnailPaths)

	assert.Equal(t, []string{"received", "source-persisted", "probed", "derived-generated", "committed"}, stages.stages)
	require.Len(t, completed, 1)
}

func Test_Ingest_AudioOnly(t *testing.T) {
	service, _ := newService(t, helpers.FakeEngineOptions{ProbeJSON: helpers.AudioProbeJSON(12, 48000), PCMBytes: 48000 * 2}, nil)

	record, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: "voice.mp3", Body: strings.NewReader("mp3")})
	require.NoError(t, err)

	assert.Nil(t, record.Metadata.Width)
	assert.Nil(t, record.Metadata.Height)
	assert.Nil(t, record.Metadata.FPS)
	assert.NotEmpty(t, record.Metadata.AudioTracks)

	require.NotNil(t, record.Derived)
	assert.Empty(t, record.Derived.ThumbnailsDir)
	assert.Empty(t, record.Derived.ThumbnailPaths)
	assert.NotEmpty(t, record.Derived.WaveformPath)
	assert.FileExists(t, record.Derived.WaveformPath)
}

func Test_Ingest_UnusableNamesAreSanitized(t *testing.T) {
	service, _ := newService(t, helpers.FakeEngineOptions{ProbeJSON: helpers.AudioProbeJSON(2, 48000), PCMBytes: 48000 * 2}, nil)

	tests := map[string]string{
		"clip\x00.mp3":                    "clip.mp3",
		"\x00":                            "source",
		strings.Repeat("a", 300) + ".mp3": strings.Repeat("a", 251) + ".mp3",
	}
	for name, expected := range tests {
		record, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: name, Body: strings.NewReader("mp3")})
		require.NoError(t, err)
		assert.Equal(t, expected, record.OriginalName)
		assert.Equal(t, expected, filepath.Base(record.SourcePath))
		assert.FileExists(t, record.SourcePath)
	}
}

func Test_Ingest_EngineUnavailableCommitsNothing(t *testing.T) {
	bus := event.New()
	stages := recordStages(bus)
	service, store := newService(t, helpers.FakeEngineOptions{
		ProbeJSON:       helpers.VideoProbeJSON(10, 640, 360, "25/1", 44100),
		FormatsExitCode: 1,
	}, bus)

	_, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: "clip.mp4", Body: strings.NewReader("bytes")})

	var stageErr *ingest.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, ingest.StageDerivedGenerated, stageErr.Stage)
	assert.ErrorIs(t, err, ffmpeg.ErrEngineUnavailable)
	assert.Equal(t, "engine unavailable", stageErr.Reason())
	assert.Contains(t, err.Error(), "engine unavailable")

	assert.FileExists(t, filepath.Join(store.SourceDir(projectID, stageErr.AssetID), "clip.mp4"), "source is persisted before the engine is checked")
	assert.NoFileExists(t, store.RecordPath(projectID, stageErr.AssetID))

	record, err := store.Read(projectID, stageErr.AssetID)
	require.NoError(t, err)
	assert.Nil(t, record)

	records, err := store.List(projectID)
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.NotContains(t, stages.stages, "committed")
	assert.Len(t, stages.errors, 1)
}

func Test_Ingest_ProbeFailureIsBadMedia(t *testing.T) {
	service, store := newService(t, helpers.FakeEngineOptions{ProbeExitCode: 1}, nil)

	_, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: "garbage.bin", Body: strings.NewReader("garbage")})

	var stageErr *ingest.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, ingest.StageProbed, stageErr.Stage)
	assert.Equal(t, "probe failed (bad input media)", stageErr.Reason())

	var probeErr *ffmpeg.ProbeError
	assert.ErrorAs(t, err, &probeErr)
	assert.NoFileExists(t, store.RecordPath(projectID, stageErr.AssetID))
}

func Test_Ingest_MissingProbeToolIsEngineUnavailable(t *testing.T) {
	fake := helpers.NewFakeEngine(t, helpers.FakeEngineOptions{})
	engine := ffmpeg.NewEngine(ffmpeg.Config{FfmpegBinaryPath: fake.FfmpegPath, FfprobeBinaryPath: filepath.Join(t.TempDir(), "ffprobe"), ProbeTimeoutSeconds: 10})
	store := asset.NewStore(t.TempDir())
	service := ingest.New(engine, derive.New(derive.Config{}, engine, store, nil), store, nil)

	_, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: "clip.mp4", Body: strings.NewReader("mp4")})

	var stageErr *ingest.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, ingest.StageProbed, stageErr.Stage)
	assert.Equal(t, "engine unavailable", stageErr.Reason())
	assert.ErrorIs(t, err, ffmpeg.ErrEngineUnavailable)
}

func Test_Ingest_TranscodeFailureNamesArtifact(t *testing.T) {
	service, store := newService(t, helpers.FakeEngineOptions{
		ProbeJSON: helpers.VideoProbeJSON(10, 640, 360, "25/1", 44100),
		FailOn:    "s16le",
	}, nil)

	_, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: "clip.mp4", Body: strings.NewReader("bytes")})

	var stageErr *ingest.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, ingest.StageDerivedGenerated, stageErr.Stage)
	assert.Equal(t, "transcoding failed for waveform", stageErr.Reason())

	var transcodeErr *ffmpeg.TranscodeError
	require.ErrorAs(t, err, &transcodeErr)
	assert.Contains(t, transcodeErr.Stderr, "simulated failure")
	assert.NoFileExists(t, store.RecordPath(projectID, stageErr.AssetID))
}

func Test_Ingest_InvalidProjectFailsBeforePersisting(t *testing.T) {
	service, _ := newService(t, helpers.FakeEngineOptions{}, nil)

	_, err := service.Ingest(context.Background(), "../escape", ingest.Upload{Name: "clip.mp4", Body: strings.NewReader("bytes")})

	var stageErr *ingest.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, ingest.StageSourcePersisted, stageErr.Stage)
	assert.ErrorIs(t, err, asset.ErrInvalidKey)
}

func Test_Ingest_MissingBody(t *testing.T) {
	service, _ := newService(t, helpers.FakeEngineOptions{}, nil)

	_, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: "clip.mp4"})
	assert.ErrorIs(t, err, ingest.ErrMissingUpload)
}

type mockEngine struct{ mock.Mock }

func (m *mockEngine) Probe(ctx context.Context, path string) (asset.MediaMetadata, error) {
	args := m.Called(ctx, path)
	//nolint:forcetypeassert
	return args.Get(0).(asset.MediaMetadata), args.Error(1)
}

func (m *mockEngine) EnsureAvailable(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockGenerator struct{ mock.Mock }

func (m *mockGenerator) Generate(ctx context.Context, record *asset.Record) (*asset.DerivedRecord, error) {
	args := m.Called(ctx, record)
	if derived, ok := args.Get(0).(*asset.DerivedRecord); ok {
		return derived, args.Error(1)
	}

	return nil, args.Error(1)
}

func Test_Ingest_StagesAreSequential(t *testing.T) {
	engine := &mockEngine{}
	generator := &mockGenerator{}
	store := asset.NewStore(t.TempDir())
	service := ingest.New(engine, generator, store, nil)

	var order []string
	engine.On("Probe", mock.Anything, mock.Anything).Run(func(mock.Arguments) { order = append(order, "probe") }).Return(asset.MediaMetadata{AudioTracks: []asset.AudioTrack{}}, nil).Once()
	engine.On("EnsureAvailable", mock.Anything).Run(func(mock.Arguments) { order = append(order, "available") }).Return(nil).Once()
	generator.On("Generate", mock.Anything, mock.MatchedBy(func(record *asset.Record) bool {
		_, err := os.Stat(record.SourcePath)
		return err == nil && record.Derived == nil
	})).Run(func(mock.Arguments) { order = append(order, "generate") }).Return(&asset.DerivedRecord{}, nil).Once()

	record, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: "", Body: strings.NewReader("x")})
	require.NoError(t, err)

	assert.Equal(t, []string{"probe", "available", "generate"}, order)
	assert.Equal(t, "source", record.OriginalName)
	assert.NotNil(t, record.Derived, "derived is present once generation was reached, even if empty")
	engine.AssertExpectations(t)
	generator.AssertExpectations(t)
}

func Test_Ingest_GenericErrorsNameTheStage(t *testing.T) {
	engine := &mockEngine{}
	generator := &mockGenerator{}
	service := ingest.New(engine, generator, asset.NewStore(t.TempDir()), nil)

	engine.On("Probe", mock.Anything, mock.Anything).Return(asset.MediaMetadata{}, nil)
	engine.On("EnsureAvailable", mock.Anything).Return(nil)
	generator.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("disk full"))

	_, err := service.Ingest(context.Background(), projectID, ingest.Upload{Name: "clip.mp4", Body: strings.NewReader("x")})

	var stageErr *ingest.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "stage derived-generated could not be completed", stageErr.Reason())
}
