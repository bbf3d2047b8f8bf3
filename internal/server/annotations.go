package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/MarcoPoloResearchLab/marginalia/internal/bridge"
)

type profilePayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

func (h *httpHandler) handleSetupProfile(c *gin.Context) {
	var request profilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx := c.Request.Context()
	if token, err := auth.BearerToken(c.Request); err == nil {
		// a caller holding a token for the id may update it in place
		subject, err := h.tokens.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx = bridge.ContextWithProfile(ctx, subject)
	}
	profile := annotations.CommenterProfile{
		ID:    annotations.ProfileID(strings.TrimSpace(request.ID)),
		Name:  request.Name,
		Color: request.Color,
	}
	if err := h.bridge.RegisterProfile(ctx, profile); err != nil {
		h.writeError(c, err)
		return
	}
	stored, err := h.bridge.Profile(profile.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	profile, err := h.bridge.Profile(annotations.ProfileID(c.Param("id")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	var request profilePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	profile, err := h.bridge.UpdateProfile(c.Request.Context(), annotations.ProfileUpdate{
		NewID: annotations.ProfileID(strings.TrimSpace(request.ID)),
		Name:  request.Name,
		Color: request.Color,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := gin.H{"profile": profile}
	if profile.ID.String() != c.GetString(profileIDContextKey) {
		// the old token names a profile that no longer exists
		token, expiresIn, err := h.tokens.IssueProfileToken(profile.ID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		response["access_token"] = token
		response["expires_in"] = expiresIn
		response["token_type"] = "Bearer"
	}
	c.JSON(http.StatusOK, response)
}

type createAnnotationPayload struct {
	Path  string `json:"path"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Body  string `json:"body"`
}

func (h *httpHandler) handleCreateAnnotation(c *gin.Context) {
	var request createAnnotationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.bridge.CreateAnnotation(c.Request.Context(), annotations.DocumentPath(request.Path), request.Start, request.End, request.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

type editAnnotationPayload struct {
	Path string `json:"path"`
	Body string `json:"body"`
}

func (h *httpHandler) handleEditAnnotation(c *gin.Context) {
	id, ok := h.commentID(c)
	if !ok {
		return
	}
	var request editAnnotationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	path := annotations.DocumentPath(request.Path)
	if err := h.bridge.EditAnnotation(c.Request.Context(), path, id, request.Body); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondComment(c, path, id)
}

type resolveAnnotationPayload struct {
	Path     string `json:"path"`
	Resolved *bool  `json:"resolved"`
}

func (h *httpHandler) handleResolveAnnotation(c *gin.Context) {
	id, ok := h.commentID(c)
	if !ok {
		return
	}
	var request resolveAnnotationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolved := true
	if request.Resolved != nil {
		resolved = *request.Resolved
	}
	path := annotations.DocumentPath(request.Path)
	if err := h.bridge.ResolveAnnotation(c.Request.Context(), path, id, resolved); err != nil {
		h.writeError(c, err)
		return
	}
	h.respondComment(c, path, id)
}

func (h *httpHandler) handleRemoveAnnotation(c *gin.Context) {
	id, ok := h.commentID(c)
	if !ok {
		return
	}
	if err := h.bridge.RemoveAnnotation(c.Request.Context(), annotations.DocumentPath(c.Query("path")), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type replyPayload struct {
	Path  string `json:"path"`
	Reply string `json:"reply"`
}

func (h *httpHandler) handleAddReply(c *gin.Context) {
	id, ok := h.commentID(c)
	if !ok {
		return
	}
	var request replyPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	reply, err := h.bridge.AddReply(c.Request.Context(), annotations.DocumentPath(request.Path), id, request.Reply)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reply)
}

func (h *httpHandler) handleScrollTarget(c *gin.Context) {
	id, ok := h.commentID(c)
	if !ok {
		return
	}
	target, err := h.bridge.ScrollTargetFor(c.Request.Context(), annotations.DocumentPath(c.Query("path")), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, target)
}

func (h *httpHandler) commentID(c *gin.Context) (annotations.CommentID, bool) {
	id, err := annotations.ParseCommentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_comment_id"})
		return 0, false
	}
	return id, true
}

// respondComment answers with the stored comment; a non-author request sees it unchanged.
func (h *httpHandler) respondComment(c *gin.Context, path annotations.DocumentPath, id annotations.CommentID) {
	threads, err := h.bridge.Threads(c.Request.Context(), path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	for _, thread := range threads {
		if thread.ID == id {
			c.JSON(http.StatusOK, thread)
			return
		}
	}
	c.Status(http.StatusNoContent)
}
