package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/isomoes/mvideo/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ServerBasePathTemplate = "%s://127.0.0.1:%d/api/v1/"
	ActivityPath           = "activity/ws"

	EnvStorageRoot            = "STORAGE_ROOT"
	EnvHostAddr               = "HOST_ADDR"
	EnvHostPort               = "HOST_PORT"
	EnvFfmpegPath             = "FFMPEG_BINARY_PATH"
	EnvFfprobePath            = "FFPROBE_BINARY_PATH"
	EnvWatchEnabled           = "WATCH_ENABLED"
	EnvWatchPath              = "WATCH_PATH"
	EnvWatchModtimeThreshold  = "WATCH_REQUIRED_MODTIME_AGE_SECONDS"
	EnvWatchForceSyncInterval = "WATCH_FORCE_SYNC_SECONDS"

	healthPollFrequency = 50 * time.Millisecond
	healthTimeout       = 10 * time.Second
	shutdownTimeout     = 15 * time.Second
)

type (
	// ServiceRequest describes the environment a spawned
	// service should be configured with.
	ServiceRequest struct {
		environmentVariables map[string]string
	}

	// TestService holds information about a service spawned
	// in-process for a test, which the test can make requests to.
	TestService struct {
		Port        int
		StorageRoot string
		WatchDir    string
	}

	// Envelope is the shape of every JSON response from the API.
	Envelope struct {
		Type    string          `json:"type"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
)

func NewServiceRequest() *ServiceRequest {
	return &ServiceRequest{environmentVariables: make(map[string]string)}
}

func (req *ServiceRequest) WithEngine(engine *FakeEngine) *ServiceRequest {
	return req.
		WithEnvironmentVariable(EnvFfmpegPath, engine.FfmpegPath).
		WithEnvironmentVariable(EnvFfprobePath, engine.FfprobePath)
}

// WithWatchDirectory enables the watch folder, ingesting files
// as soon as they're discovered.
func (req *ServiceRequest) WithWatchDirectory(path string) *ServiceRequest {
	return req.
		WithEnvironmentVariable(EnvWatchEnabled, "true").
		WithEnvironmentVariable(EnvWatchPath, path).
		WithEnvironmentVariable(EnvWatchModtimeThreshold, "0").
		WithEnvironmentVariable(EnvWatchForceSyncInterval, "1")
}

func (req *ServiceRequest) WithEnvironmentVariable(key, value string) *ServiceRequest {
	req.environmentVariables[key] = value
	return req
}

func (req *ServiceRequest) String() string {
	return fmt.Sprintf("ServiceRequest{env=%v}", req.environmentVariables)
}

// RequireService spawns the service in-process, configured using the
// environment described by the request. This function will BLOCK until
// the service is accepting HTTP requests, failing the test if it does
// not become healthy. The service is stopped when the test completes.
func RequireService(t *testing.T, req *ServiceRequest) *TestService {
	t.Helper()

	service := &TestService{Port: freePort(t), StorageRoot: t.TempDir(), WatchDir: req.environmentVariables[EnvWatchPath]}
	env := map[string]string{
		EnvStorageRoot: service.StorageRoot,
		EnvHostAddr:    "127.0.0.1",
		EnvHostPort:    strconv.Itoa(service.Port),
	}
	for k, v := range req.environmentVariables {
		env[k] = v
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	t.Logf("Spawning service on port %d for request %s\n", service.Port, req)
	config, err := internal.LoadConfig("")
	require.NoError(t, err, "failed to load configuration for spawned service")

	srv, err := internal.New(*config)
	require.NoError(t, err, "failed to construct spawned service")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err, "spawned service stopped with error")
		case <-time.After(shutdownTimeout):
			t.Errorf("spawned service did not stop within %s", shutdownTimeout)
		}
	})

	require.NoError(t, service.waitForHealthy(healthPollFrequency, healthTimeout), "spawned service did not become healthy")
	return service
}

func (service *TestService) GetServerBasePath() string {
	return fmt.Sprintf(ServerBasePathTemplate, "http", service.Port)
}

func (service *TestService) GetActivityURL() string {
	return fmt.Sprintf(ServerBasePathTemplate, "ws", service.Port) + ActivityPath
}

func (service *TestService) String() string {
	return fmt.Sprintf("TestService{port=%d storage=%s}", service.Port, service.StorageRoot)
}

// Import uploads the contents provided as a new asset of the project.
func (service *TestService) Import(t *testing.T, projectID, filename string, contents []byte) (int, Envelope) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(contents)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, service.GetServerBasePath()+"projects/"+projectID+"/assets/import/", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return service.do(t, req)
}

// Get performs a GET request against the API, relative to the base path.
func (service *TestService) Get(t *testing.T, path string) (int, Envelope) {
	req, err := http.NewRequest(http.MethodGet, service.GetServerBasePath()+path, nil)
	require.NoError(t, err)

	return service.do(t, req)
}

func (service *TestService) do(t *testing.T, req *http.Request) (int, Envelope) {
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(payload, &envelope), "response body is not a JSON envelope: %s", payload)
	return resp.StatusCode, envelope
}

// waitForHealthy will ping the service (every pollFrequency) until the timeout is reached.
// If no successful request has been made when the timeout is reached, then the most
// recent error is returned to the caller, indicating that the service failed to become
// healthy (i.e. the service is not accepting HTTP connections).
func (service *TestService) waitForHealthy(pollFrequency time.Duration, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics/", service.Port))
		if err == nil {
			resp.Body.Close()
			return nil
		} else if time.Now().After(deadline) {
			return err
		}

		time.Sleep(pollFrequency)
	}
}

func freePort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	//nolint:forcetypeassert
	return listener.Addr().(*net.TCPAddr).Port
}
