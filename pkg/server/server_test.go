package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/herald/pkg/persistence/templatestore"
	"github.com/go-go-golems/herald/pkg/session"
)

func newTestServer(t *testing.T) (*httptest.Server, templatestore.Store, *session.Manager) {
	t.Helper()
	store := templatestore.NewInMemoryStore(10)
	manager := session.NewManager(store, nil, session.Options{Debounce: 10 * time.Millisecond})
	srv := httptest.NewServer(NewServer("", store, manager).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = manager.Close(context.Background())
	})
	return srv, store, manager
}

func dialEditor(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/templates/" + id
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestServer_GetUnknownTemplateIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/templates/missing")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_EditorSocketAutosaves(t *testing.T) {
	srv, store, _ := newTestServer(t)
	conn := dialEditor(t, srv, "welcome")

	hello := readFrame(t, conn)
	require.Equal(t, "hello", hello.Type)
	require.NotNil(t, hello.Document)
	require.Equal(t, "welcome", hello.Document.TemplateID)

	doc := templatestore.Document{
		TemplateID: "welcome",
		Name:       "Welcome",
		Channels: []templatestore.ChannelContent{
			{Channel: templatestore.ChannelSMS, Body: "Hi!", Enabled: true},
		},
	}
	require.NoError(t, conn.WriteJSON(doc))

	for {
		f := readFrame(t, conn)
		require.Equal(t, "status", f.Type)
		require.Empty(t, f.Error)
		if !f.Saving && !f.Pending && f.LastSavedAtMs > 0 {
			break
		}
	}

	stored, ok, err := store.LoadDraft(context.Background(), "welcome")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, doc, stored)

	resp, err := http.Get(srv.URL + "/api/templates/welcome/revisions")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Revisions []templatestore.Revision `json:"revisions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Revisions, 1)
}

func TestServer_EditorSocketReportsBadFrames(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dialEditor(t, srv, "t")
	require.Equal(t, "hello", readFrame(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	require.Contains(t, f.Error, "invalid document")

	require.NoError(t, conn.WriteJSON(templatestore.Document{TemplateID: "other"}))
	f = readFrame(t, conn)
	require.Equal(t, "error", f.Type)
	require.Contains(t, f.Error, "another template")
}

func TestServer_ClosingSocketReleasesSession(t *testing.T) {
	srv, store, manager := newTestServer(t)
	conn := dialEditor(t, srv, "t")
	require.Equal(t, "hello", readFrame(t, conn).Type)
	require.Equal(t, 1, manager.Active())

	require.NoError(t, conn.WriteJSON(templatestore.Document{
		TemplateID: "t",
		Channels:   []templatestore.ChannelContent{{Channel: templatestore.ChannelPush, Body: "ping"}},
	}))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return manager.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, ok, err := store.LoadDraft(context.Background(), "t")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestServer_ListTemplates(t *testing.T) {
	srv, store, _ := newTestServer(t)
	_, err := store.SaveDraft(context.Background(), templatestore.Document{TemplateID: "a", Name: "A"})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/templates?limit=5")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Templates []templatestore.TemplateRecord `json:"templates"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Templates, 1)
	require.Equal(t, "A", body.Templates[0].Name)
}
