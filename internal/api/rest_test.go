package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/isomoes/mvideo/internal/api"
	"github.com/isomoes/mvideo/internal/asset"
	"github.com/isomoes/mvideo/internal/derive"
	"github.com/isomoes/mvideo/internal/ffmpeg"
	"github.com/isomoes/mvideo/internal/ingest"
	"github.com/isomoes/mvideo/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

const projectID = "project-1"

type (
	mockIngester struct{ mock.Mock }
	mockRenderer struct{ mock.Mock }
	mockWatch    struct{ mock.Mock }

	envelope struct {
		Type    string          `json:"type"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
)

func (m *mockIngester) Ingest(ctx context.Context, projectID string, upload ingest.Upload) (*asset.Record, error) {
	args := m.Called(projectID, upload.Name)
	if record, ok := args.Get(0).(*asset.Record); ok {
		return record, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *mockRenderer) Render(ctx context.Context, projectID, assetID string, kind derive.RenderKind, opts derive.RenderOptions) (*asset.Record, error) {
	args := m.Called(projectID, assetID, kind, opts)
	if record, ok := args.Get(0).(*asset.Record); ok {
		return record, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *mockWatch) GetAllItems() []*ingest.WatchItem {
	//nolint:forcetypeassert
	return m.Called().Get(0).([]*ingest.WatchItem)
}

func (m *mockWatch) GetItem(id uuid.UUID) *ingest.WatchItem {
	item, _ := m.Called(id).Get(0).(*ingest.WatchItem)
	return item
}

func (m *mockWatch) RemoveItem(id uuid.UUID) error { return m.Called(id).Error(0) }
func (m *mockWatch) RetryItem(id uuid.UUID) error  { return m.Called(id).Error(0) }
func (m *mockWatch) DiscoverNewFiles()             { m.Called() }

type fixture struct {
	gateway  *api.RestGateway
	store    *asset.Store
	ingester *mockIngester
	renderer *mockRenderer
	watch    *mockWatch
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store:    asset.NewStore(t.TempDir()),
		ingester: &mockIngester{},
		renderer: &mockRenderer{},
		watch:    &mockWatch{},
	}
	f.gateway = api.NewRestGateway(&api.RestConfig{HostAddr: "127.0.0.1", HostPort: "0"}, f.ingester, f.renderer, f.store, f.watch)

	return f
}

// seed commits an asset with a source file and (optionally) a waveform.
func (f *fixture) seed(t *testing.T, assetID string, withWaveform bool) *asset.Record {
	sourcePath, size, err := f.store.WriteSource(projectID, assetID, "clip.mp4", strings.NewReader("0123456789"))
	require.NoError(t, err)

	record := &asset.Record{
		ID:           assetID,
		ProjectID:    projectID,
		OriginalName: "clip.mp4",
		SourcePath:   sourcePath,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
		Derived:      &asset.DerivedRecord{},
	}
	if withWaveform {
		waveformPath := filepath.Join(f.store.DerivedDir(projectID, assetID), "waveform.json")
		require.NoError(t, os.MkdirAll(filepath.Dir(waveformPath), os.ModePerm))
		require.NoError(t, os.WriteFile(waveformPath, []byte(`{"sampleRate":44100,"points":2,"peaks":[0.5,1]}`), 0o644))
		record.Derived.WaveformPath = waveformPath
	}

	require.NoError(t, f.store.Write(record))
	return record
}

func (f *fixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	recorder := httptest.NewRecorder()
	f.gateway.ServeHTTP(recorder, req)

	var body envelope
	if strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(recorder.Body.Bytes(), &body)
	}

	return recorder, body
}

func uploadRequest(t *testing.T, field, filename, contents string) *http.Request {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/"+projectID+"/assets/import", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func Test_Import_Success(t *testing.T) {
	f := newFixture(t)
	f.ingester.On("Ingest", projectID, "clip.mp4").Return(&asset.Record{ID: "asset-1", ProjectID: projectID, OriginalName: "clip.mp4"}, nil).Once()

	res, body := f.do(t, uploadRequest(t, "file", "clip.mp4", "bytes"))
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "success", body.Type)

	var record asset.Record
	require.NoError(t, json.Unmarshal(body.Data, &record))
	assert.Equal(t, "asset-1", record.ID)
	f.ingester.AssertExpectations(t)
}

func Test_Import_MissingFile(t *testing.T) {
	f := newFixture(t)

	res, body := f.do(t, uploadRequest(t, "not-file", "clip.mp4", "bytes"))
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Equal(t, "error", body.Type)
	assert.Equal(t, "Missing file upload", body.Message)
	f.ingester.AssertNotCalled(t, "Ingest", mock.Anything, mock.Anything)
}

func Test_Import_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"engine unavailable", &ingest.StageError{Stage: ingest.StageDerivedGenerated, Err: ffmpeg.ErrEngineUnavailable}, http.StatusServiceUnavailable, "engine unavailable"},
		{"bad media", &ingest.StageError{Stage: ingest.StageProbed, Err: &ffmpeg.ProbeError{Path: "x", Err: errors.New("exit status 1")}}, http.StatusUnprocessableEntity, "probe failed (bad input media)"},
		{"transcode failure", &ingest.StageError{Stage: ingest.StageDerivedGenerated, Err: &derive.ArtifactError{Artifact: derive.WaveformArtifact, Err: errors.New("boom")}}, http.StatusInternalServerError, "transcoding failed for waveform"},
		{"bad project", &ingest.StageError{Stage: ingest.StageSourcePersisted, Err: asset.ErrInvalidKey}, http.StatusBadRequest, "stage source-persisted could not be completed"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := newFixture(t)
			f.ingester.On("Ingest", projectID, "clip.mp4").Return(nil, test.err).Once()

			res, body := f.do(t, uploadRequest(t, "file", "clip.mp4", "bytes"))
			assert.Equal(t, test.status, res.Code)
			assert.Equal(t, "error", body.Type)
			assert.Equal(t, test.message, body.Message)
		})
	}
}

func Test_GetListAndGlobalLookup(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "asset-1", false)
	f.seed(t, "asset-2", false)

	res, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/projects/"+projectID+"/assets/asset-1", nil))
	require.Equal(t, http.StatusOK, res.Code)
	var record asset.Record
	require.NoError(t, json.Unmarshal(body.Data, &record))
	assert.Equal(t, "asset-1", record.ID)

	res, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/projects/"+projectID+"/assets/", nil))
	require.Equal(t, http.StatusOK, res.Code)
	var records []asset.Record
	require.NoError(t, json.Unmarshal(body.Data, &records))
	assert.Len(t, records, 2)

	res, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/assets/asset-2", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(body.Data, &record))
	assert.Equal(t, projectID, record.ProjectID)

	res, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/projects/"+projectID+"/assets/missing", nil))
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "Asset not found", body.Message)

	res, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/assets/missing", nil))
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func Test_Update(t *testing.T) {
	f := newFixture(t)
	original := f.seed(t, "asset-1", false)
	path := "/api/v1/projects/" + projectID + "/assets/asset-1"

	patch := func(body string) *http.Request {
		req := httptest.NewRequest(http.MethodPatch, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return req
	}

	res, body := f.do(t, patch(`{"originalName":"renamed.mp4","sizeBytes":1}`))
	require.Equal(t, http.StatusOK, res.Code)
	var record asset.Record
	require.NoError(t, json.Unmarshal(body.Data, &record))
	assert.Equal(t, "renamed.mp4", record.OriginalName)
	assert.Equal(t, original.SizeBytes, record.SizeBytes, "write-once fields are never updated")

	res, _ = f.do(t, patch(`{"originalName":"../escape"}`))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res, _ = f.do(t, patch(`{not json`))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/projects/"+projectID+"/assets/missing", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	res, _ = f.do(t, req)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func Test_DeleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "asset-1", false)
	path := "/api/v1/projects/" + projectID + "/assets/asset-1"

	for i := 0; i < 2; i++ {
		res, body := f.do(t, httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, "success", body.Type)
	}

	assert.NoDirExists(t, f.store.AssetDir(projectID, "asset-1"))
}

func Test_DeleteProjectAssets(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "asset-1", false)
	f.seed(t, "asset-2", true)
	path := "/api/v1/projects/" + projectID + "/assets"

	for i := 0; i < 2; i++ {
		res, body := f.do(t, httptest.NewRequest(http.MethodDelete, path, nil))
		assert.Equal(t, http.StatusOK, res.Code)
		assert.Equal(t, "success", body.Type)
	}

	assert.NoDirExists(t, f.store.AssetsDir(projectID))
	records, err := f.store.List(projectID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func Test_Waveform(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "with-waveform", true)
	f.seed(t, "without-waveform", false)

	res, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/projects/"+projectID+"/assets/with-waveform/waveform", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, `{"sampleRate":44100,"points":2,"peaks":[0.5,1]}`, res.Body.String())

	res, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/assets/with-waveform/waveform", nil))
	assert.Equal(t, http.StatusOK, res.Code)

	res, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/projects/"+projectID+"/assets/without-waveform/waveform", nil))
	assert.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "Waveform not found", body.Message)
}

func Test_Source_SupportsRanges(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "asset-1", false)
	path := "/api/v1/projects/" + projectID + "/assets/asset-1/source"

	res, _ := f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "video/mp4", res.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", res.Header().Get("Accept-Ranges"))
	assert.Equal(t, "0123456789", res.Body.String())

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Range", "bytes=2-5")
	res, _ = f.do(t, req)
	require.Equal(t, http.StatusPartialContent, res.Code)
	assert.Equal(t, "bytes 2-5/10", res.Header().Get("Content-Range"))
	assert.Equal(t, "2345", res.Body.String())
}

func Test_Render(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/projects/" + projectID + "/assets/asset-1/derived/"

	duration := 2.5
	f.renderer.On("Render", projectID, "asset-1", derive.TrimRender, derive.RenderOptions{StartSeconds: 1, DurationSeconds: &duration}).
		Return(&asset.Record{ID: "asset-1", Derived: &asset.DerivedRecord{TrimmedVideoPath: "/trimmed.mp4"}}, nil).Once()

	res, body := f.do(t, httptest.NewRequest(http.MethodPost, path+"trim", strings.NewReader(`{"startSeconds":1,"durationSeconds":2.5}`)))
	require.Equal(t, http.StatusOK, res.Code)
	var record asset.Record
	require.NoError(t, json.Unmarshal(body.Data, &record))
	assert.Equal(t, "/trimmed.mp4", record.Derived.TrimmedVideoPath)

	res, _ = f.do(t, httptest.NewRequest(http.MethodPost, path+"explode", nil))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res, _ = f.do(t, httptest.NewRequest(http.MethodPost, path+"trim", strings.NewReader(`{"unknownOption":true}`)))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	f.renderer.On("Render", projectID, "asset-1", derive.ProxyRender, derive.RenderOptions{}).Return(nil, derive.ErrNotApplicable).Once()
	res, _ = f.do(t, httptest.NewRequest(http.MethodPost, path+"proxy", nil))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	f.renderer.AssertExpectations(t)
}

func Test_WatchRoutes(t *testing.T) {
	f := newFixture(t)
	itemID := uuid.New()
	item := &ingest.WatchItem{
		ID:        itemID,
		Path:      "/inbox/project-1/clip.mp4",
		ProjectID: projectID,
		State:     ingest.TROUBLED,
		Trouble:   &ingest.StageError{Stage: ingest.StageProbed, Err: &ffmpeg.ProbeError{Path: "clip.mp4", Err: errors.New("bad")}},
	}
	f.watch.On("GetAllItems").Return([]*ingest.WatchItem{item})
	f.watch.On("GetItem", mock.Anything).Return(nil)
	f.watch.On("RetryItem", itemID).Return(nil).Once()
	f.watch.On("RetryItem", itemID).Return(ingest.ErrItemNotTrouble).Once()
	f.watch.On("DiscoverNewFiles").Once()

	res, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/watch", nil))
	require.Equal(t, http.StatusOK, res.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "TROUBLED", items[0]["state"])
	assert.Equal(t, "probe failed (bad input media)", items[0]["trouble"].(map[string]any)["reason"])

	res, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/watch/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/watch/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, res.Code)

	res, _ = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/watch/"+itemID.String()+"/retry", nil))
	assert.Equal(t, http.StatusOK, res.Code)

	res, _ = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/watch/"+itemID.String()+"/retry", nil))
	assert.Equal(t, http.StatusConflict, res.Code)

	res, _ = f.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/watch/poll", nil))
	assert.Equal(t, http.StatusOK, res.Code)

	f.watch.AssertExpectations(t)
}

func Test_Metrics(t *testing.T) {
	f := newFixture(t)

	res, _ := f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "go_goroutines")
}
