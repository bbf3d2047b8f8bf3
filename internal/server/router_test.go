package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/MarcoPoloResearchLab/marginalia/internal/bridge"
	"github.com/MarcoPoloResearchLab/marginalia/internal/documents"
)

type testServer struct {
	handler http.Handler
	tokens  *auth.TokenIssuer
	root    string
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "doc.md"), []byte("alpha beta gamma"), 0o644); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	statePath := filepath.Join(root, "_comments.json")
	workspace, err := documents.NewWorkspace(root, statePath)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	persister, err := annotations.NewFilePersister(statePath)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	store, err := annotations.Open(context.Background(), annotations.StoreConfig{Persister: persister})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	b, err := bridge.New(bridge.Config{Store: store, Documents: workspace, Notifier: dispatcher})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("test-secret"), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{Bridge: b, TokenManager: tokens, Realtime: dispatcher})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return testServer{handler: handler, tokens: tokens, root: root}
}

func (s testServer) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s testServer) login(t *testing.T, id string) string {
	t.Helper()
	response := s.do(t, http.MethodPost, "/profiles", "", gin.H{"id": id, "name": id, "color": "#336699"})
	if response.Code != http.StatusCreated {
		t.Fatalf("setup profile %s: status %d body %s", id, response.Code, response.Body.String())
	}
	response = s.do(t, http.MethodPost, "/auth/profile", "", gin.H{"id": id})
	if response.Code != http.StatusOK {
		t.Fatalf("auth %s: status %d body %s", id, response.Code, response.Body.String())
	}
	var payload authResponsePayload
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if payload.TokenType != "Bearer" || payload.AccessToken == "" {
		t.Fatalf("unexpected token payload %#v", payload)
	}
	return payload.AccessToken
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected error without dependencies")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t)
	response := server.do(t, http.MethodGet, "/documents/anchors?path=doc.md", "", nil)
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
	response = server.do(t, http.MethodGet, "/documents/anchors?path=doc.md", "not-a-token", nil)
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", response.Code)
	}
}

func TestAuthRejectsUnknownProfile(t *testing.T) {
	server := newTestServer(t)
	response := server.do(t, http.MethodPost, "/auth/profile", "", gin.H{"id": "ghost"})
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "annotations.get_profile.profile_not_found" {
		t.Fatalf("unexpected code %v", body["code"])
	}
}

func TestAnnotationLifecycleOverHTTP(t *testing.T) {
	server := newTestServer(t)
	token := server.login(t, "alice")

	response := server.do(t, http.MethodPost, "/annotations", token, gin.H{"path": "doc.md", "start": 6, "end": 10, "body": "why beta?"})
	if response.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", response.Code, response.Body.String())
	}
	var created annotations.Comment
	if err := json.Unmarshal(response.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode comment: %v", err)
	}
	if created.ID != 0 || created.CommentedText != "beta" || created.CommenterProfile != "alice" {
		t.Fatalf("unexpected comment %#v", created)
	}
	data, err := os.ReadFile(filepath.Join(server.root, "doc.md"))
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	if string(data) != "alpha |0|beta|| gamma" {
		t.Fatalf("unexpected document %q", data)
	}

	response = server.do(t, http.MethodPost, "/annotations", token, gin.H{"path": "doc.md", "start": 8, "end": 12, "body": "overlap"})
	if response.Code != http.StatusConflict {
		t.Fatalf("expected 409 for overlap, got %d", response.Code)
	}

	response = server.do(t, http.MethodGet, "/documents/anchors?path=doc.md", token, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("anchors: status %d", response.Code)
	}
	var snapshot bridge.Snapshot
	if err := json.Unmarshal(response.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.Anchors) != 1 || snapshot.Revision == 0 {
		t.Fatalf("unexpected snapshot %#v", snapshot)
	}

	response = server.do(t, http.MethodPost, "/documents/focus", token, gin.H{"path": "doc.md", "position": snapshot.Anchors[0].Inner.Start + 1})
	if response.Code != http.StatusOK {
		t.Fatalf("focus: status %d body %s", response.Code, response.Body.String())
	}
	var visual struct {
		FocusedID   *int64 `json:"focusedId"`
		Decorations []struct {
			CSS string `json:"css"`
		} `json:"decorations"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &visual); err != nil {
		t.Fatalf("decode visual: %v", err)
	}
	if visual.FocusedID == nil || *visual.FocusedID != 0 {
		t.Fatalf("expected anchor 0 focused, got %s", response.Body.String())
	}
	if len(visual.Decorations) != 1 || visual.Decorations[0].CSS != "--bgc:51,102,153;background-color:rgba(var(--bgc), 1);" {
		t.Fatalf("unexpected decorations %s", response.Body.String())
	}

	response = server.do(t, http.MethodPatch, "/annotations/0", token, gin.H{"path": "doc.md", "body": "edited"})
	if response.Code != http.StatusOK {
		t.Fatalf("edit: status %d", response.Code)
	}
	response = server.do(t, http.MethodPost, "/annotations/0/replies", token, gin.H{"path": "doc.md", "reply": "thread"})
	if response.Code != http.StatusCreated {
		t.Fatalf("reply: status %d", response.Code)
	}
	response = server.do(t, http.MethodPost, "/annotations/0/resolve", token, gin.H{"path": "doc.md", "resolved": true})
	if response.Code != http.StatusOK {
		t.Fatalf("resolve: status %d", response.Code)
	}
	var thread bridge.Thread
	if err := json.Unmarshal(response.Body.Bytes(), &thread); err != nil {
		t.Fatalf("decode thread: %v", err)
	}
	if !thread.Resolved || thread.Comment != "edited" || len(thread.Replies) != 1 {
		t.Fatalf("unexpected thread %#v", thread)
	}

	response = server.do(t, http.MethodGet, "/annotations/0/scroll?path=doc.md", token, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("scroll: status %d", response.Code)
	}

	response = server.do(t, http.MethodDelete, "/annotations/0?path=doc.md", token, nil)
	if response.Code != http.StatusNoContent {
		t.Fatalf("remove: status %d", response.Code)
	}
	data, err = os.ReadFile(filepath.Join(server.root, "doc.md"))
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	if string(data) != "alpha beta gamma" {
		t.Fatalf("expected restored document, got %q", data)
	}
	response = server.do(t, http.MethodGet, "/annotations/0/scroll?path=doc.md", token, nil)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after removal, got %d", response.Code)
	}
}

func TestRequestValidationErrors(t *testing.T) {
	server := newTestServer(t)
	token := server.login(t, "alice")

	tests := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{name: "bad id", method: http.MethodPatch, target: "/annotations/abc", body: gin.H{"path": "doc.md"}, want: http.StatusBadRequest},
		{name: "empty selection", method: http.MethodPost, target: "/annotations", body: gin.H{"path": "doc.md", "start": 2, "end": 2}, want: http.StatusBadRequest},
		{name: "escaping path", method: http.MethodGet, target: "/documents/anchors?path=../x.md", want: http.StatusBadRequest},
		{name: "missing document", method: http.MethodGet, target: "/documents/anchors?path=none.md", want: http.StatusNotFound},
		{name: "missing comment", method: http.MethodPatch, target: "/annotations/9", body: gin.H{"path": "doc.md", "body": "x"}, want: http.StatusNotFound},
		{name: "focus without position", method: http.MethodPost, target: "/documents/focus", body: gin.H{"path": "doc.md"}, want: http.StatusBadRequest},
		{name: "reserved state file", method: http.MethodPost, target: "/annotations", body: gin.H{"path": "_comments.json", "start": 2, "end": 12, "body": "x"}, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response := server.do(t, tt.method, tt.target, token, tt.body)
			if response.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, response.Code, response.Body.String())
			}
		})
	}
}

func TestCreateRefusesStateFileAndKeepsStoreLoadable(t *testing.T) {
	server := newTestServer(t)
	token := server.login(t, "alice")

	response := server.do(t, http.MethodPost, "/annotations", token, gin.H{"path": "_comments.json", "start": 2, "end": 12, "body": "x"})
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", response.Code, response.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(response.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "bridge.create_annotation.read_failed" {
		t.Fatalf("unexpected code %v", body["code"])
	}
	response = server.do(t, http.MethodGet, "/documents/anchors?path=_comments.json", token, nil)
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for anchors on state file, got %d", response.Code)
	}

	persister, err := annotations.NewFilePersister(filepath.Join(server.root, "_comments.json"))
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	reopened, err := annotations.Open(context.Background(), annotations.StoreConfig{Persister: persister})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if !reopened.HasProfile("alice") {
		t.Fatalf("expected alice to survive the refused request")
	}
	if _, ok := reopened.CommentsForPath("_comments.json"); ok {
		t.Fatalf("no comment may be stored for the state file")
	}
}

func TestSetupProfileRefusesSecondCallerForSameID(t *testing.T) {
	server := newTestServer(t)
	token := server.login(t, "alice")

	response := server.do(t, http.MethodPost, "/profiles", "", gin.H{"id": "alice", "name": "Mallory", "color": "#000000"})
	if response.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", response.Code, response.Body.String())
	}
	bobToken := server.login(t, "bob")
	response = server.do(t, http.MethodPost, "/profiles", bobToken, gin.H{"id": "alice", "name": "Mallory", "color": "#000000"})
	if response.Code != http.StatusConflict {
		t.Fatalf("expected 409 for another profile's token, got %d", response.Code)
	}

	response = server.do(t, http.MethodGet, "/profiles/alice", token, nil)
	var stored annotations.CommenterProfile
	if err := json.Unmarshal(response.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Name != "alice" || stored.Color != "#336699" {
		t.Fatalf("profile was overwritten: %#v", stored)
	}

	response = server.do(t, http.MethodPost, "/profiles", token, gin.H{"id": "alice", "name": "Alice", "color": "#112233"})
	if response.Code != http.StatusCreated {
		t.Fatalf("owner update: status %d body %s", response.Code, response.Body.String())
	}
	if err := json.Unmarshal(response.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Name != "Alice" || stored.Color != "#112233" {
		t.Fatalf("expected in-place update, got %#v", stored)
	}
}

func TestRenameIssuesFreshToken(t *testing.T) {
	server := newTestServer(t)
	token := server.login(t, "alice")

	response := server.do(t, http.MethodPatch, "/profiles/me", token, gin.H{"id": "alice2", "color": "#FF8800"})
	if response.Code != http.StatusOK {
		t.Fatalf("rename: status %d body %s", response.Code, response.Body.String())
	}
	var payload struct {
		Profile     annotations.CommenterProfile `json:"profile"`
		AccessToken string                       `json:"access_token"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Profile.ID != "alice2" || payload.Profile.Color != "#FF8800" || payload.AccessToken == "" {
		t.Fatalf("unexpected rename payload %#v", payload)
	}
	response = server.do(t, http.MethodGet, "/profiles/alice2", payload.AccessToken, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("get renamed profile: status %d", response.Code)
	}
	response = server.do(t, http.MethodGet, "/profiles/alice", payload.AccessToken, nil)
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected old profile gone, got %d", response.Code)
	}
}

func TestStatusForUnknownErrorIsInternal(t *testing.T) {
	if status := statusFor(context.DeadlineExceeded); status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
}
