package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/modelchat/internal/backend/backendtest"
	"github.com/liliang-cn/modelchat/internal/config"
	"github.com/liliang-cn/modelchat/internal/domain"
	"github.com/liliang-cn/modelchat/internal/history"
	"github.com/liliang-cn/modelchat/internal/queue"
	"github.com/liliang-cn/modelchat/internal/repository"
	"github.com/liliang-cn/modelchat/internal/service"
	"github.com/liliang-cn/modelchat/internal/transport"
	"github.com/liliang-cn/modelchat/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testAPIKey = "secret"

type testServer struct {
	*httptest.Server
	fake  *backendtest.Fake
	queue *queue.Queue
}

func newTestServer(t *testing.T, fake *backendtest.Fake) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	db, err := repository.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	models := service.NewModelService(fake, config.ChatConfig{ModelID: "gemini-2.5-flash", Streaming: true}, logger)
	store := history.NewStore(repository.NewKVStore(db, 0), nil, history.Options{
		SaveDebounce: 10 * time.Millisecond,
		Defaults:     models.DefaultSettings,
	}, logger)
	require.NoError(t, store.Init(ctx))

	uploads := upload.NewManager(fake, upload.NewPreviews(), config.UploadConfig{}, logger)
	q := queue.New(logger)
	chat := service.NewChatService(store, uploads, transport.NewRouter(fake, logger), q, models, logger)

	router := SetupRouter(Services{
		Chat:     chat,
		Sessions: service.NewSessionService(store, chat, uploads, logger),
		Files:    service.NewFileService(uploads, 0, logger),
		Models:   models,
	}, RouterConfig{APIKey: testAPIKey, AllowOrigins: []string{"https://app.test"}}, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		q.Clear()
		_ = q.Wait(ctx)
		_ = store.Flush(ctx)
	})
	return &testServer{Server: srv, fake: fake, queue: q}
}

func (s *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) doJSON(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	return s.do(t, method, path, r, "application/json")
}

func (s *testServer) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.queue.Wait(ctx))
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{})

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{})

	resp, err := srv.Client().Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.test")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.test", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.test")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestChatStream(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{Chunks: []*domain.GenerateChunk{
		backendtest.TextChunk("thinking", true),
		backendtest.TextChunk("Hi there", false),
	}})

	resp := srv.doJSON(t, http.MethodPost, "/api/chat/stream", domain.SendRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	events := string(body)

	start := strings.Index(events, "event: start")
	thinking := strings.Index(events, "event: thinking")
	content := strings.Index(events, "event: content")
	done := strings.Index(events, "event: done")
	require.True(t, start >= 0 && thinking > start && content > thinking && done > content, events)
	assert.Contains(t, events, `"content":"Hi there"`)
}

func TestSendAndSessions(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{Chunks: []*domain.GenerateChunk{backendtest.TextChunk("ok", false)}})

	resp := srv.doJSON(t, http.MethodPost, "/api/chat", domain.SendRequest{Message: "first question"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sent domain.SendResponse
	decode(t, resp, &sent)
	require.NotEmpty(t, sent.SessionID)
	srv.wait(t)

	resp = srv.doJSON(t, http.MethodGet, "/api/sessions", nil)
	var list struct {
		Sessions []service.SessionSummary `json:"sessions"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, sent.SessionID, list.Sessions[0].ID)
	assert.Equal(t, "first question", list.Sessions[0].Title)
	assert.True(t, list.Sessions[0].Active)

	resp = srv.doJSON(t, http.MethodPost, "/api/sessions", map[string]bool{"save_first": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var fresh history.Conversation
	decode(t, resp, &fresh)
	assert.Empty(t, fresh.SessionID)
	assert.Empty(t, fresh.Messages)

	resp = srv.doJSON(t, http.MethodPost, "/api/sessions/"+sent.SessionID+"/load", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loaded struct {
		Found        bool                 `json:"found"`
		Conversation history.Conversation `json:"conversation"`
	}
	decode(t, resp, &loaded)
	assert.True(t, loaded.Found)
	require.Len(t, loaded.Conversation.Messages, 2)
	assert.Equal(t, "ok", loaded.Conversation.Messages[1].Content)

	resp = srv.doJSON(t, http.MethodDelete, "/api/sessions/"+sent.SessionID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = srv.doJSON(t, http.MethodDelete, "/api/sessions/"+sent.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendValidation(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{})

	resp := srv.doJSON(t, http.MethodPost, "/api/chat", domain.SendRequest{Message: "  "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, domain.KindValidation, body["kind"])

	resp = srv.doJSON(t, http.MethodPost, "/api/chat", domain.SendRequest{Message: "hi", SessionID: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopUnknownSession(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{})

	resp := srv.doJSON(t, http.MethodPost, "/api/chat/nope/stop", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateSettings(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{})

	resp := srv.doJSON(t, http.MethodPut, "/api/sessions/current/settings", domain.ChatSettings{ModelID: "gemini-2.5-pro", Temperature: 0.2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv history.Conversation
	decode(t, resp, &conv)
	assert.Equal(t, "gemini-2.5-pro", conv.Settings.ModelID)
}

func TestFiles(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("some notes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp := srv.do(t, http.MethodPost, "/api/files", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var uploaded struct {
		Files []domain.UploadedFile `json:"files"`
	}
	decode(t, resp, &uploaded)
	require.Len(t, uploaded.Files, 1)
	assert.Equal(t, domain.UploadStateActive, uploaded.Files[0].UploadState)
	assert.Equal(t, "notes.txt", uploaded.Files[0].Name)

	resp = srv.doJSON(t, http.MethodGet, "/api/files", nil)
	var listed struct {
		Files    []domain.UploadedFile `json:"files"`
		Dragging bool                  `json:"dragging"`
	}
	decode(t, resp, &listed)
	require.Len(t, listed.Files, 1)
	assert.False(t, listed.Dragging)

	resp = srv.doJSON(t, http.MethodPost, "/api/files/"+uploaded.Files[0].ID+"/retry", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.doJSON(t, http.MethodDelete, "/api/files/"+uploaded.Files[0].ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = srv.doJSON(t, http.MethodDelete, "/api/files/"+uploaded.Files[0].ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddFileByID(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{
		MetadataFunc: func(ctx context.Context, name string) (*domain.FileMetadata, bool, error) {
			return &domain.FileMetadata{
				Name:        name,
				DisplayName: "report.pdf",
				MIMEType:    "application/pdf",
				URI:         "https://example.test/" + name,
				State:       domain.FileStateActive,
			}, true, nil
		},
	})

	resp := srv.doJSON(t, http.MethodPost, "/api/files/by-id", map[string]string{"file_id": "Not Valid!"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.doJSON(t, http.MethodPost, "/api/files/by-id", map[string]string{"file_id": "abc123"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var file domain.UploadedFile
	decode(t, resp, &file)
	assert.Equal(t, "files/abc123", file.FileAPIName)
	assert.Equal(t, domain.UploadStateActive, file.UploadState)

	resp = srv.doJSON(t, http.MethodPost, "/api/files/by-id", map[string]string{"file_id": "files/abc123"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDrag(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{})

	resp := srv.doJSON(t, http.MethodPost, "/api/files/drag", map[string]string{"state": "enter"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	decode(t, resp, &body)
	assert.True(t, body["dragging"])

	resp = srv.doJSON(t, http.MethodPost, "/api/files/drag", map[string]string{"state": "sideways"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListModels(t *testing.T) {
	srv := newTestServer(t, &backendtest.Fake{Models: []domain.ModelInfo{{ID: "gemini-2.5-flash", DisplayName: "Flash"}}})

	resp := srv.doJSON(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Models   []domain.ModelInfo  `json:"models"`
		Defaults domain.ChatSettings `json:"defaults"`
	}
	decode(t, resp, &body)
	require.Len(t, body.Models, 1)
	assert.Equal(t, "gemini-2.5-flash", body.Defaults.ModelID)
}
