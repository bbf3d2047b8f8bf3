package integration_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/MarcoPoloResearchLab/marginalia/internal/bridge"
	"github.com/MarcoPoloResearchLab/marginalia/internal/database"
	"github.com/MarcoPoloResearchLab/marginalia/internal/documents"
	"github.com/MarcoPoloResearchLab/marginalia/internal/server"
)

const (
	signingSecret   = "integration-secret"
	documentPath    = "chapters/one.md"
	documentText    = "The quick brown fox jumps."
	jsonContentType = "application/json"
)

type streamEvent struct {
	name string
	data string
}

type harness struct {
	server *httptest.Server
	root   string
}

func newHarness(t *testing.T) harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	location := filepath.Join(root, filepath.FromSlash(documentPath))
	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(location, []byte(documentText), 0o644); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	databasePath := filepath.Join(root, "marginalia.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	persister, err := database.NewSnapshotPersister(database.SnapshotPersisterConfig{Database: db})
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	store, err := annotations.Open(context.Background(), annotations.StoreConfig{Persister: persister})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	workspace, err := documents.NewWorkspace(root, databasePath)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	dispatcher := server.NewRealtimeDispatcher()
	engine, err := bridge.New(bridge.Config{Store: store, Documents: workspace, Notifier: dispatcher})
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(signingSecret), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Bridge:            engine,
		TokenManager:      tokens,
		Realtime:          dispatcher,
		HeartbeatInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return harness{server: httpServer, root: root}
}

func (h harness) call(t *testing.T, method, path, token string, body any, target any) int {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	request, err := http.NewRequest(method, h.server.URL+path, &payload)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := h.server.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	if target != nil && response.StatusCode < 300 {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func (h harness) readDocument(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(documentPath)))
	if err != nil {
		t.Fatalf("read document: %v", err)
	}
	return string(data)
}

// openStream subscribes to change events and forwards every non-heartbeat event.
func (h harness) openStream(t *testing.T, token string) <-chan streamEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	query := url.Values{"path": {documentPath}, "access_token": {token}}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/documents/events?"+query.Encode(), nil)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	response, err := h.server.Client().Do(request)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		t.Fatalf("stream status %d", response.StatusCode)
	}

	events := make(chan streamEvent, 16)
	go func() {
		defer response.Body.Close()
		defer close(events)
		scanner := bufio.NewScanner(response.Body)
		var current streamEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "":
				if current.name != "" && current.name != "heartbeat" {
					events <- current
				}
				current = streamEvent{}
			}
		}
	}()
	return events
}

func nextEvent(t *testing.T, events <-chan streamEvent) streamEvent {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatalf("stream closed")
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for stream event")
	}
	return streamEvent{}
}

func TestAnnotationLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	if status := h.call(t, http.MethodPost, "/profiles", "", map[string]string{"id": "alice", "name": "Alice", "color": "#00FF00"}, nil); status != http.StatusCreated {
		t.Fatalf("setup profile status %d", status)
	}
	var login struct {
		AccessToken string `json:"access_token"`
	}
	if status := h.call(t, http.MethodPost, "/auth/profile", "", map[string]string{"id": "alice"}, &login); status != http.StatusOK || login.AccessToken == "" {
		t.Fatalf("login status %d token %q", status, login.AccessToken)
	}
	token := login.AccessToken

	events := h.openStream(t, token)

	var created annotations.Comment
	createRequest := map[string]any{"path": documentPath, "start": 10, "end": 15, "body": "which fox?"}
	if status := h.call(t, http.MethodPost, "/annotations", token, createRequest, &created); status != http.StatusCreated {
		t.Fatalf("create status %d", status)
	}
	if created.ID != 0 || created.CommentedText != "brown" || created.CommenterProfile != "alice" {
		t.Fatalf("unexpected comment: %+v", created)
	}
	if got, want := h.readDocument(t), "The quick |0|brown|| fox jumps."; got != want {
		t.Fatalf("document = %q, want %q", got, want)
	}

	event := nextEvent(t, events)
	if event.name != string(bridge.EventAnchorsChanged) {
		t.Fatalf("expected anchors-changed, got %q", event.name)
	}
	var payload struct {
		Path     string `json:"path"`
		Revision uint64 `json:"revision"`
	}
	if err := json.Unmarshal([]byte(event.data), &payload); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if payload.Path != documentPath || payload.Revision == 0 {
		t.Fatalf("unexpected event payload: %+v", payload)
	}

	if status := h.call(t, http.MethodPost, "/annotations/0/replies", token, map[string]string{"path": documentPath, "reply": "the brown one"}, nil); status != http.StatusCreated {
		t.Fatalf("reply status %d", status)
	}
	if event := nextEvent(t, events); event.name != string(bridge.EventThreadsChanged) {
		t.Fatalf("expected threads-changed, got %q", event.name)
	}

	// an external edit deletes the closing delimiter, leaving no parsable marker
	location := filepath.Join(h.root, filepath.FromSlash(documentPath))
	if err := os.WriteFile(location, []byte("The quick |0|brown fox jumps."), 0o644); err != nil {
		t.Fatalf("external edit: %v", err)
	}
	var snapshot bridge.Snapshot
	if status := h.call(t, http.MethodPost, "/documents/changed", token, map[string]string{"path": documentPath}, &snapshot); status != http.StatusOK {
		t.Fatalf("changed status %d", status)
	}
	if len(snapshot.Anchors) != 0 || len(snapshot.Diagnostics.UnanchoredIDs) != 1 {
		t.Fatalf("expected comment without anchor, got %+v", snapshot)
	}
	if snapshot.Revision <= payload.Revision {
		t.Fatalf("revision did not advance: %d <= %d", snapshot.Revision, payload.Revision)
	}
	if event := nextEvent(t, events); event.name != string(bridge.EventAnchorsChanged) {
		t.Fatalf("expected anchors-changed after external edit, got %q", event.name)
	}

	// the thread and its reply outlive the broken marker
	var listing struct {
		Threads []struct {
			ID      annotations.CommentID `json:"id"`
			Author  struct{ Name string } `json:"author"`
			Replies []struct {
				Reply string `json:"reply"`
			} `json:"replies"`
		} `json:"threads"`
	}
	if status := h.call(t, http.MethodGet, "/documents/threads?path="+documentPath, token, nil, &listing); status != http.StatusOK {
		t.Fatalf("threads status %d", status)
	}
	if len(listing.Threads) != 1 || listing.Threads[0].Author.Name != "Alice" {
		t.Fatalf("unexpected threads: %+v", listing.Threads)
	}
	if replies := listing.Threads[0].Replies; len(replies) != 1 || replies[0].Reply != "the brown one" {
		t.Fatalf("unexpected replies: %+v", replies)
	}
}

func TestRejectsRequestsWithoutToken(t *testing.T) {
	h := newHarness(t)
	if status := h.call(t, http.MethodGet, "/documents/anchors?path="+documentPath, "", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if status := h.call(t, http.MethodGet, "/documents/anchors?path="+documentPath, "forged", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", status)
	}
}
