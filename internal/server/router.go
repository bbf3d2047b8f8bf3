package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/auth"
	"github.com/MarcoPoloResearchLab/marginalia/internal/bridge"
)

const profileIDContextKey = "marginalia_profile_id"

var (
	errMissingBridge       = errors.New("bridge dependency required")
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingRealtime     = errors.New("realtime dispatcher dependency required")
)

// ProfileTokenManager issues and validates bearer tokens naming a commenter profile.
type ProfileTokenManager interface {
	IssueProfileToken(profileID annotations.ProfileID) (string, int64, error)
	ValidateToken(token string) (annotations.ProfileID, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Bridge         *bridge.Bridge
	TokenManager   ProfileTokenManager
	Realtime       *RealtimeDispatcher
	Logger         *zap.Logger
	AllowedOrigins []string
	// HeartbeatInterval paces keep-alive events on change streams.
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin router for the collaborator operations.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Bridge == nil {
		return nil, errMissingBridge
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		bridge:    deps.Bridge,
		tokens:    deps.TokenManager,
		realtime:  deps.Realtime,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.POST("/auth/profile", handler.handleProfileAuth)
	router.POST("/profiles", handler.handleSetupProfile)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/profiles/:id", handler.handleGetProfile)
	protected.PATCH("/profiles/me", handler.handleUpdateProfile)
	protected.POST("/annotations", handler.handleCreateAnnotation)
	protected.PATCH("/annotations/:id", handler.handleEditAnnotation)
	protected.POST("/annotations/:id/resolve", handler.handleResolveAnnotation)
	protected.DELETE("/annotations/:id", handler.handleRemoveAnnotation)
	protected.POST("/annotations/:id/replies", handler.handleAddReply)
	protected.GET("/annotations/:id/scroll", handler.handleScrollTarget)
	protected.GET("/documents/anchors", handler.handleAnchors)
	protected.GET("/documents/threads", handler.handleThreads)
	protected.POST("/documents/changed", handler.handleDocumentChanged)
	protected.POST("/documents/focus", handler.handleFocus)
	protected.GET("/documents/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	bridge    *bridge.Bridge
	tokens    ProfileTokenManager
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

type authRequestPayload struct {
	ID string `json:"id"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleProfileAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.bridge.Profile(annotations.ProfileID(strings.TrimSpace(request.ID)))
	if err != nil {
		h.writeError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueProfileToken(profile.ID)
	if err != nil {
		h.logger.Error("failed to issue profile token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.Request)
	if err != nil {
		// EventSource cannot set headers, so streams may pass the token as a query parameter
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrMissingBearerToken.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(profileIDContextKey, subject.String())
	c.Request = c.Request.WithContext(bridge.ContextWithProfile(c.Request.Context(), subject))
	c.Next()
}
