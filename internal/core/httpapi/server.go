// Package httpapi exposes the core service's HTTP surface.
package httpapi

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pushrelay/pushrelay/internal/auth"
	"github.com/pushrelay/pushrelay/internal/core/notification"
	apperrors "github.com/pushrelay/pushrelay/internal/errors"
)

// Server wires the notification service to gin handlers.
type Server struct {
	svc        *notification.Service
	authConfig auth.Config
	maxBodyLen int64
	logger     *logrus.Entry
}

// NewServer creates the HTTP server front end.
func NewServer(svc *notification.Service, authConfig auth.Config, maxBodyLen int64, logger *logrus.Entry) *Server {
	return &Server{
		svc:        svc,
		authConfig: authConfig,
		maxBodyLen: maxBodyLen,
		logger:     logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.bodyLimit())

	api := router.Group("/api/v1/notifications", auth.Middleware(s.authConfig))

	produce := api.Group("", auth.RequireRole(auth.RoleProduceNotifications))
	produce.POST("/undelivered", s.create)
	produce.PUT("/undelivered/:id/invalidate_at", s.invalidateAt)

	api.GET("/undelivered", s.fetchUndelivered)
	api.GET("/delivered", s.fetchDelivered)
	api.GET("/delivered/:id", s.getDelivered)
	api.DELETE("/delivered/:id", s.deleteDelivered)
	api.PUT("/delivered/:id/seen", s.setSeen)

	return router
}

// bodyLimit caps request bodies; oversized bodies surface as 413 at bind
// time.
func (s *Server) bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyLen)
		}
		c.Next()
	}
}

type createBody struct {
	ProducerNotificationID int64      `json:"producer_notification_id"`
	UserIDs                []string   `json:"user_ids"`
	ContentType            string     `json:"content_type"`
	Content                string     `json:"content"` // base64
	InvalidateAt           *time.Time `json:"invalidate_at"`
}

func (s *Server) create(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindError(c, err)
		return
	}

	content, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		s.writeError(c, apperrors.NewProtocolError("content is not valid base64", err))
		return
	}

	for _, id := range body.UserIDs {
		if _, err := uuid.Parse(id); err != nil {
			s.writeError(c, apperrors.NewValidationError("user_ids must be UUIDs"))
			return
		}
	}

	id, err := s.svc.Create(c.Request.Context(), principal, notification.CreateRequest{
		ProducerNotificationID: body.ProducerNotificationID,
		UserIDs:                body.UserIDs,
		ContentType:            body.ContentType,
		Content:                content,
		InvalidateAt:           body.InvalidateAt,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) fetchUndelivered(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	views, err := s.svc.FetchUndelivered(c.Request.Context(), principal)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

type invalidateAtBody struct {
	InvalidateAt time.Time `json:"invalidate_at"`
}

func (s *Server) invalidateAt(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	var body invalidateAtBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindError(c, err)
		return
	}

	if err := s.svc.InvalidateAt(c.Request.Context(), principal, c.Param("id"), body.InvalidateAt); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fetchDelivered(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	pageIdx := parseInt64(c.Query("page_idx"), 0)
	pageSize := parseInt64(c.Query("page_size"), 20)
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var seen *bool
	if raw := c.Query("seen"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(c, apperrors.NewValidationError("seen must be a boolean"))
			return
		}
		seen = &v
	}

	views, err := s.svc.FetchDelivered(c.Request.Context(), principal, pageIdx, pageSize, seen)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getDelivered(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	view, err := s.svc.GetDelivered(c.Request.Context(), principal, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) deleteDelivered(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	if err := s.svc.Delete(c.Request.Context(), principal, c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type seenBody struct {
	Seen bool `json:"seen"`
}

func (s *Server) setSeen(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	var body seenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.bindError(c, err)
		return
	}

	if err := s.svc.SetSeen(c.Request.Context(), principal, c.Param("id"), body.Seen); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) bindError(c *gin.Context, err error) {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		s.writeError(c, apperrors.NewPayloadTooLargeError(int(maxBytes.Limit)+1, int(maxBytes.Limit)))
		return
	}
	s.writeError(c, apperrors.NewProtocolError("malformed request body", err))
}

func (s *Server) writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.NewInternalError("unexpected error", err)
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Message})
}

func parseInt64(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
