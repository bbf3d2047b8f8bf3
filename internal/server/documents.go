package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marginalia/internal/anchors"
	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/focus"
)

func (h *httpHandler) handleAnchors(c *gin.Context) {
	snapshot, err := h.bridge.AnchorsForPath(c.Request.Context(), annotations.DocumentPath(c.Query("path")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleThreads(c *gin.Context) {
	path := annotations.DocumentPath(c.Query("path"))
	threads, err := h.bridge.Threads(c.Request.Context(), path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "threads": threads})
}

type documentPayload struct {
	Path string `json:"path"`
}

func (h *httpHandler) handleDocumentChanged(c *gin.Context) {
	var request documentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := h.bridge.DocumentChanged(c.Request.Context(), annotations.DocumentPath(request.Path))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

type focusPayload struct {
	Path     string `json:"path"`
	Position *int   `json:"position"`
}

type focusResponse struct {
	Path string `json:"path"`
	visualStatePayload
}

func (h *httpHandler) handleFocus(c *gin.Context) {
	var request focusPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Position == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	path := annotations.DocumentPath(request.Path)
	visual, err := h.bridge.FocusAt(c.Request.Context(), path, *request.Position)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, focusResponse{Path: path.String(), visualStatePayload: newVisualStatePayload(visual)})
}

type decorationPayload struct {
	AnchorID annotations.CommentID `json:"anchorId"`
	Outer    anchors.Span          `json:"outer"`
	Inner    anchors.Span          `json:"inner"`
	Style    focus.Style           `json:"style"`
	CSS      string                `json:"css"`
}

type visualStatePayload struct {
	FocusedID   *annotations.CommentID `json:"focusedId"`
	Decorations []decorationPayload    `json:"decorations"`
	Panel       []focus.PanelEntry     `json:"panel"`
}

func newVisualStatePayload(visual focus.VisualState) visualStatePayload {
	payload := visualStatePayload{
		FocusedID:   visual.FocusedID,
		Decorations: make([]decorationPayload, 0, len(visual.Decorations)),
		Panel:       visual.Panel,
	}
	for _, decoration := range visual.Decorations {
		payload.Decorations = append(payload.Decorations, decorationPayload{
			AnchorID: decoration.AnchorID,
			Outer:    decoration.Outer,
			Inner:    decoration.Inner,
			Style:    *decoration.Style,
			CSS:      decoration.Style.CSS(),
		})
	}
	return payload
}

type streamEventPayload struct {
	Path      string                 `json:"path"`
	Revision  uint64                 `json:"revision"`
	CommentID *annotations.CommentID `json:"commentId,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Source    string                 `json:"source"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	rawPath := c.Query("path")
	path, err := annotations.NewDocumentPath(rawPath)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, path)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("change stream opened",
		zap.String("document_path", path.String()),
		zap.String("profile_id", c.GetString(profileIDContextKey)))

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Id:    message.ID,
				Event: message.EventType,
				Data: streamEventPayload{
					Path:      message.Path.String(),
					Revision:  message.Revision,
					CommentID: message.CommentID,
					Timestamp: message.Timestamp.Format(time.RFC3339Nano),
					Source:    realtimeSource,
				},
			})
			return true
		case tick := <-ticker.C:
			c.Render(-1, sse.Event{
				Event: realtimeEventHeartbeat,
				Data:  gin.H{"timestamp": tick.UTC().Format(time.RFC3339Nano), "source": realtimeSource},
			})
			return true
		}
	})
}
