package helpers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/isomoes/mvideo/internal/http/websocket"
	"github.com/stretchr/testify/require"
)

type (
	// Matcher reports whether a socket message is the one a test is waiting for.
	Matcher func(websocket.SocketMessage) bool

	// ActivityListener reads every message sent to a connected activity
	// socket client, allowing tests to wait for specific messages.
	ActivityListener struct {
		messages chan websocket.SocketMessage
	}
)

// ConnectToActivitySocket dials the activity socket of the service. The
// connection is closed when the test completes.
func (service *TestService) ConnectToActivitySocket(t *testing.T) *ActivityListener {
	dialer := gorilla.Dialer{HandshakeTimeout: 5 * time.Second}

	// The socket hub may still be starting when the HTTP server first
	// becomes healthy, in which case the upgrade is refused with a 503.
	var (
		ws   *gorilla.Conn
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt < 20; attempt++ {
		ws, resp, err = dialer.Dial(service.GetActivityURL(), nil)
		if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
			break
		}

		time.Sleep(50 * time.Millisecond)
	}
	require.NoError(t, err, "failed to connect to activity socket")
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })

	listener := &ActivityListener{messages: make(chan websocket.SocketMessage, 256)}
	go func() {
		defer close(listener.messages)
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}

			var message websocket.SocketMessage
			if err := json.Unmarshal(payload, &message); err != nil {
				continue
			}

			listener.messages <- message
		}
	}()

	return listener
}

// WaitFor blocks until a message matching the matcher is received, failing
// the test if none arrives before the timeout. Messages which do not match
// are discarded.
func (listener *ActivityListener) WaitFor(t *testing.T, timeout time.Duration, matcher Matcher) websocket.SocketMessage {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case message, ok := <-listener.messages:
			if !ok {
				t.Fatalf("activity socket closed while waiting for message")
			}
			if matcher(message) {
				return message
			}
		case <-deadline:
			t.Fatalf("no matching activity message received within %s", timeout)
		}
	}
}

// MatchSocketMessage returns a matcher which will match messages which have
// the title and message type provided.
func MatchSocketMessage(title string, typ websocket.SocketMessageType) Matcher {
	return func(message websocket.SocketMessage) bool {
		return message.Title == title && message.Type == typ
	}
}

// MatchIngestUpdate returns a matcher which will match any ingestion
// update for the file provided which has reached the stage given.
func MatchIngestUpdate(originalName string, stage string) Matcher {
	return func(message websocket.SocketMessage) bool {
		if message.Title != "INGEST_UPDATE" || message.Type != websocket.Update {
			return false
		}

		update, ok := message.Body["arguments"].(map[string]any)
		return ok && update["originalName"] == originalName && update["stage"] == stage
	}
}

// MatchAssetCreated returns a matcher for the announcement of a
// committed asset in the project provided.
func MatchAssetCreated(projectID string) Matcher {
	return func(message websocket.SocketMessage) bool {
		if message.Title != "ASSET_CREATED" || message.Type != websocket.Update {
			return false
		}

		created, ok := message.Body["arguments"].(map[string]any)
		return ok && created["projectId"] == projectID
	}
}
