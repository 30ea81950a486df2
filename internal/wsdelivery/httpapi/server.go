// Package httpapi exposes the ws-delivery service's HTTP surface: the ticket
// endpoint and the WebSocket upgrade.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pushrelay/pushrelay/internal/auth"
	"github.com/pushrelay/pushrelay/internal/wire"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/engine"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/ticket"
)

const writeTimeout = 10 * time.Second

// Server wires tickets and the upgrade endpoint to gin handlers.
type Server struct {
	tickets      *ticket.Service
	registry     *engine.Registry
	sink         engine.ConfirmationSink
	engineConfig engine.Config
	authConfig   auth.Config
	logger       *logrus.Entry

	// baseCtx bounds every connection's lifetime; cancelling it tears all
	// connections down on shutdown.
	baseCtx  context.Context
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
}

// NewServer creates the ws-delivery HTTP front end.
func NewServer(baseCtx context.Context, tickets *ticket.Service, registry *engine.Registry,
	sink engine.ConfirmationSink, engineConfig engine.Config, authConfig auth.Config,
	logger *logrus.Entry) *Server {
	return &Server{
		tickets:      tickets,
		registry:     registry,
		sink:         sink,
		engineConfig: engineConfig,
		authConfig:   authConfig,
		logger:       logger,
		baseCtx:      baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/api/v1/ws/ticket", auth.Middleware(s.authConfig), s.issueTicket)
	router.GET("/api/v1/ws", s.upgrade)

	return router
}

// Wait blocks until every connection spawned by this server has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

type ticketBody struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) issueTicket(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)

	var body ticketBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
	}
	if body.DeviceID == "" {
		body.DeviceID = uuid.NewString()
	}

	t, err := s.tickets.Issue(c.Request.Context(), principal.UserID.String(), body.DeviceID)
	if err != nil {
		s.logger.WithError(err).Error("ticket issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ticket issue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": t})
}

// upgrade consumes the one-shot ticket from the query string and promotes
// the request to a WebSocket connection with its own push engine.
func (s *Server) upgrade(c *gin.Context) {
	claims, err := s.tickets.Consume(c.Request.Context(), c.Query("ticket"))
	if err != nil {
		if errors.Is(err, ticket.ErrTicketInvalid) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid ticket"})
			return
		}
		s.logger.WithError(err).Error("ticket consume failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ticket consume failed"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	sender := &wsSender{ws: ws}
	conn := engine.NewConnection(claims.UserID, claims.DeviceID, sender, s.sink,
		s.engineConfig, s.logger, s.registry.Unregister)
	s.registry.Register(conn)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		conn.Run(s.baseCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.readAcks(ws, conn)
	}()
}

// readAcks pumps client acknowledgements into the push engine until the
// socket dies. Anything other than a binary ack frame is a protocol
// violation and closes the connection.
func (s *Server) readAcks(ws *websocket.Conn, conn *engine.Connection) {
	defer conn.Close("socket closed")
	for {
		messageType, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			conn.Close("protocol violation: non-binary message")
			return
		}
		ack, err := wire.UnmarshalFrameAck(payload)
		if err != nil || ack.MessageID == "" {
			conn.Close("protocol violation: malformed ack")
			return
		}
		conn.OnAck(ack.MessageID)
	}
}

// wsSender adapts a gorilla socket to the engine's Sender. The engine and
// the close path may write concurrently, hence the mutex.
type wsSender struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (s *wsSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.ws.WriteMessage(websocket.BinaryMessage, payload)
}

func (s *wsSender) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = s.ws.WriteControl(websocket.CloseMessage, message, deadline)
	_ = s.ws.Close()
}
