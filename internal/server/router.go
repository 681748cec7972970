package server

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/du-cki/Kana/internal/history"
	"github.com/du-cki/Kana/internal/logging"
	"github.com/du-cki/Kana/internal/platform"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	galleryTemplateName = "gallery"
	cacheControlBlob    = "public, max-age=31536000, immutable"
	notFoundPage        = "<h1>Not Found</h1>"
	fallbackMediaType   = "application/octet-stream"
)

var errMissingHistory = errors.New("history reader dependency required")

// HistoryReader is the read side of the history store.
type HistoryReader interface {
	ListAvatarIDs(ctx context.Context, userID history.UserID) ([]string, error)
	FindAvatar(ctx context.Context, avatarID string) (history.AvatarRecord, error)
	LatestName(ctx context.Context, userID history.UserID) (string, bool, error)
	ListNames(ctx context.Context, userID history.UserID) ([]history.NameRecord, error)
}

// BlobFetcher retrieves blobs stored behind sink URLs.
type BlobFetcher interface {
	Fetch(ctx context.Context, assetURL string) (platform.Asset, error)
}

// Dependencies wires the retrieval API.
type Dependencies struct {
	History HistoryReader
	// Blobs proxies sink-stored avatars. Without it those rows redirect to their URL.
	Blobs          BlobFetcher
	Logger         *zap.Logger
	MetricsHandler http.Handler
	AllowedOrigins []string
}

// NewHTTPHandler builds the read-only retrieval API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.History == nil {
		return nil, errMissingHistory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.SetHTMLTemplate(template.Must(template.New(galleryTemplateName).Parse(galleryTemplate)))

	handler := &httpHandler{
		history: deps.History,
		blobs:   deps.Blobs,
		logger:  logger,
	}

	router.GET("/ping", handler.handlePing)
	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.GET("/static/:blob_id", handler.handleStatic)
	router.GET("/:user_id", handler.handleGallery)
	router.GET("/:user_id/avatarhistory", handler.handleGallery)
	router.GET("/:user_id/raw", handler.handleRaw)
	router.GET("/:user_id/names", handler.handleNames)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", logging.HeaderRequestID},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	history HistoryReader
	blobs   BlobFetcher
	logger  *zap.Logger
}

type galleryPage struct {
	Title     string
	Name      string
	AvatarIDs []string
}

type rawResponse struct {
	Avatars []string `json:"avatars"`
}

type namesResponse struct {
	Names []nameEntry `json:"names"`
}

type nameEntry struct {
	Name      string    `json:"name"`
	ChangedAt time.Time `json:"changed_at"`
}

func (h *httpHandler) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ping": "pong"})
}

func (h *httpHandler) handleGallery(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		c.Data(http.StatusNotFound, "text/html; charset=utf-8", []byte(notFoundPage))
		return
	}
	avatarIDs, err := h.history.ListAvatarIDs(c.Request.Context(), userID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if len(avatarIDs) == 0 {
		c.Data(http.StatusNotFound, "text/html; charset=utf-8", []byte(notFoundPage))
		return
	}

	name, found, err := h.history.LatestName(c.Request.Context(), userID)
	if err != nil {
		h.logger.Warn("latest name lookup failed", zap.Int64("user_id", userID.Int64()), zap.Error(err))
	}
	if !found || err != nil {
		name = userID.String()
	}
	c.HTML(http.StatusOK, galleryTemplateName, galleryPage{
		Title:     name + "'s Avatar History",
		Name:      name,
		AvatarIDs: avatarIDs,
	})
}

func (h *httpHandler) handleRaw(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	avatarIDs, err := h.history.ListAvatarIDs(c.Request.Context(), userID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if len(avatarIDs) == 0 {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, rawResponse{Avatars: avatarIDs})
}

func (h *httpHandler) handleNames(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	records, err := h.history.ListNames(c.Request.Context(), userID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	if len(records) == 0 {
		c.Status(http.StatusNotFound)
		return
	}
	response := namesResponse{Names: make([]nameEntry, 0, len(records))}
	for _, record := range records {
		response.Names = append(response.Names, nameEntry{Name: record.Name, ChangedAt: record.ChangedAt.UTC()})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleStatic(c *gin.Context) {
	blobID := c.Param("blob_id")
	if _, err := uuid.Parse(blobID); err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	record, err := h.history.FindAvatar(c.Request.Context(), blobID)
	if errors.Is(err, history.ErrNotFound) {
		c.Status(http.StatusNotFound)
		return
	}
	if err != nil {
		h.respondStoreError(c, err)
		return
	}

	mediaType := mediaTypeForFormat(record.Format)
	if record.Inline() {
		c.Header("Cache-Control", cacheControlBlob)
		c.Data(http.StatusOK, mediaType, record.Avatar)
		return
	}
	if record.BlobURL == "" {
		c.Status(http.StatusNotFound)
		return
	}
	if h.blobs == nil {
		c.Redirect(http.StatusFound, record.BlobURL)
		return
	}
	asset, err := h.blobs.Fetch(c.Request.Context(), record.BlobURL)
	if err != nil {
		logging.FromContext(c.Request.Context(), h.logger).Warn("blob proxy failed", zap.String("avatar_id", blobID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "blob_unavailable"})
		return
	}
	c.Header("Cache-Control", cacheControlBlob)
	c.Data(http.StatusOK, mediaType, asset.Data)
}

func (h *httpHandler) respondStoreError(c *gin.Context, err error) {
	code := "history.unavailable"
	var serviceErr *history.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	logging.FromContext(c.Request.Context(), h.logger).Error("history query failed", zap.String("path", c.Request.URL.Path), zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "history_unavailable", "code": code})
}

// parseUserID accepts only numeric identifiers; anything else is treated as an unknown route.
func parseUserID(c *gin.Context) (history.UserID, bool) {
	userID, err := history.NewUserID(c.Param("user_id"))
	if err != nil {
		return 0, false
	}
	return userID, true
}

func mediaTypeForFormat(format string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(format)); normalized {
	case "png", "jpg", "jpeg", "webp", "gif":
		return "image/" + normalized
	default:
		return fallbackMediaType
	}
}
