package websocket

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iondrive-co/chad/internal/eventlog"
	"github.com/iondrive-co/chad/internal/session"
	"github.com/iondrive-co/chad/internal/streaming"
)

func newTestServer(t *testing.T, logDir string, sessions *session.Manager) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(streaming.New(logDir, nil, nil), sessions, nil).Register(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestServe_UnknownSessionRejected(t *testing.T) {
	srv := newTestServer(t, t.TempDir(), session.NewManager(nil, false, nil))

	_, resp, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/ws/ghost"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestServe_StreamsFramesAndCompletes(t *testing.T) {
	logDir := t.TempDir()
	sessions := session.NewManager(nil, false, nil)
	s, err := sessions.Create("ws-test", "")
	require.NoError(t, err)

	log, err := eventlog.Open(logDir, s.ID, nil)
	require.NoError(t, err)
	_, err = log.Append(&eventlog.Event{
		Type:        eventlog.TypeUserMessage,
		UserMessage: &eventlog.UserMessagePayload{Text: "hello"},
	})
	require.NoError(t, err)
	_, err = log.Append(&eventlog.Event{
		Type:         eventlog.TypeSessionEnded,
		SessionEnded: &eventlog.SessionEndedPayload{Success: true, Reason: "completed"},
	})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	srv := newTestServer(t, logDir, sessions)
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/ws/"+s.ID), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var kinds []string
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var frame streaming.Frame
		require.NoError(t, conn.ReadJSON(&frame))
		kinds = append(kinds, frame.Kind)
	}
	assert.Equal(t, []string{streaming.KindEvent, streaming.KindEvent, streaming.KindComplete}, kinds)
}

func TestServe_CancelMessageRequestsCancel(t *testing.T) {
	logDir := t.TempDir()
	sessions := session.NewManager(nil, false, nil)
	s, err := sessions.Create("ws-cancel", "")
	require.NoError(t, err)

	srv := newTestServer(t, logDir, sessions)
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/ws/"+s.ID), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "cancel"}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !s.CancelRequested() {
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, s.CancelRequested())
}
