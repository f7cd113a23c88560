package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/workspace/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/workspace/backend/internal/presence"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	principalContextKey = "workspace_principal"
	accessTokenQuery    = "access_token"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingDocuments      = errors.New("documents service dependency required")
	errMissingPresenceStore  = errors.New("presence store dependency required")
	errMissingDispatcher     = errors.New("change dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.Principal, error)
}

type Dependencies struct {
	Tokens     TokenValidator
	Documents  *documents.Service
	Presence   presence.Store
	Dispatcher *ChangeDispatcher
	Logger     *zap.Logger
	Heartbeat  time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Documents == nil {
		return nil, errMissingDocuments
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceStore
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		documents:  deps.Documents,
		presence:   deps.Presence,
		dispatcher: deps.Dispatcher,
		logger:     logger,
		heartbeat:  heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/documents")
	protected.Use(handler.authorizeRequest)
	protected.POST("", handler.handleCreate)
	protected.GET("/:id", handler.handleGet)
	protected.PATCH("/:id", handler.handlePatch)
	protected.GET("/:id/revisions", handler.handleRevisions)
	protected.POST("/:id/crdt/push", handler.handlePush)
	protected.POST("/:id/crdt/pull", handler.handlePull)
	protected.POST("/:id/presence", handler.handlePresence)
	protected.GET("/:id/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens     TokenValidator
	documents  *documents.Service
	presence   presence.Store
	dispatcher *ChangeDispatcher
	logger     *zap.Logger
	heartbeat  time.Duration
}

// authorizeRequest accepts a bearer header, or an access_token query parameter for
// websocket upgrades where browsers cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if isWebsocketUpgrade(c.Request) {
		token = strings.TrimSpace(c.Query(accessTokenQuery))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) (auth.Principal, documents.UserID, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}, "", false
	}
	principal, ok := value.(auth.Principal)
	if !ok {
		return auth.Principal{}, "", false
	}
	userID, err := documents.NewUserID(principal.UserID)
	if err != nil {
		return auth.Principal{}, "", false
	}
	return principal, userID, true
}

func documentIDFrom(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

// respondError maps service failures onto the HTTP error contract.
func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	var validationErr *documents.ValidationError
	var serviceErr *documents.ServiceError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": validationErr.Violations})
	case errors.Is(err, documents.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
	case errors.Is(err, documents.ErrPayloadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "message": err.Error()})
	case errors.Is(err, documents.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": err.Error()})
	case errors.As(err, &serviceErr):
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": serviceErr.Code()})
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func isWebsocketUpgrade(request *http.Request) bool {
	return strings.EqualFold(request.Header.Get("Upgrade"), "websocket")
}
