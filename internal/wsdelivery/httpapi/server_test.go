package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushrelay/pushrelay/internal/auth"
	"github.com/pushrelay/pushrelay/internal/telemetry"
	"github.com/pushrelay/pushrelay/internal/wire"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/engine"
	"github.com/pushrelay/pushrelay/internal/wsdelivery/ticket"
)

const testSecret = "test-secret"

type memoryTicketStore struct {
	mu      sync.Mutex
	tickets map[string]ticket.Claims
}

func (s *memoryTicketStore) Save(ctx context.Context, t string, claims ticket.Claims, lifespan time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t] = claims
	return nil
}

func (s *memoryTicketStore) Consume(ctx context.Context, t string) (ticket.Claims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claims, ok := s.tickets[t]
	if !ok {
		return ticket.Claims{}, ticket.ErrTicketInvalid
	}
	delete(s.tickets, t)
	return claims, nil
}

type recordedConfirmation struct {
	NotificationID string
	UserID         string
}

type fakeSink struct {
	mu       sync.Mutex
	confirms []recordedConfirmation
}

func (s *fakeSink) Confirm(ctx context.Context, notificationID, userID string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirms = append(s.confirms, recordedConfirmation{notificationID, userID})
}

func (s *fakeSink) all() []recordedConfirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedConfirmation(nil), s.confirms...)
}

type testEnv struct {
	http     *httptest.Server
	registry *engine.Registry
	sink     *fakeSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := engine.NewRegistry()
	sink := &fakeSink{}
	logger := telemetry.NewServiceLogger("wsd-test", telemetry.DefaultLogConfig())
	tickets := ticket.NewService(&memoryTicketStore{tickets: make(map[string]ticket.Claims)}, 30*time.Second)
	authConfig := auth.DefaultConfig()
	authConfig.Secret = testSecret
	engineConfig := engine.Config{
		PingInterval:  time.Hour,
		RetryInterval: time.Hour,
		RetryMaxCount: 5,
		BufferSize:    8,
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := NewServer(ctx, tickets, registry, sink, engineConfig, authConfig, logger)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	return &testEnv{http: ts, registry: registry, sink: sink}
}

func token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return raw
}

func (e *testEnv) issueTicket(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/api/v1/ws/ticket", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, userID))

	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Ticket string `json:"ticket"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Ticket)
	return body.Ticket
}

func (e *testEnv) dial(t *testing.T, rawTicket string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := strings.Replace(e.http.URL, "http://", "ws://", 1) + "/api/v1/ws?ticket=" + rawTicket
	return websocket.DefaultDialer.Dial(wsURL, nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Fail(t, "condition not reached within timeout")
}

func TestTicketRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.http.Client().Post(env.http.URL+"/api/v1/ws/ticket", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgradeRejectsUnknownTicket(t *testing.T) {
	env := newTestEnv(t)

	ws, resp, err := env.dial(t, "no-such-ticket")
	require.Error(t, err)
	require.Nil(t, ws)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTicketIsOneShot(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()
	rawTicket := env.issueTicket(t, userID)

	ws, _, err := env.dial(t, rawTicket)
	require.NoError(t, err)
	defer ws.Close()

	reused, resp, err := env.dial(t, rawTicket)
	require.Error(t, err)
	require.Nil(t, reused)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPushAckConfirmFlow(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()

	ws, _, err := env.dial(t, env.issueTicket(t, userID))
	require.NoError(t, err)
	defer ws.Close()

	waitFor(t, time.Second, func() bool { return env.registry.Len() == 1 })

	// A NEW event for this user arrives from the bus side.
	env.registry.Deliver([]string{userID.String()}, func() *wire.Frame {
		return &wire.Frame{
			Notification: &wire.Notification{
				ID:        "65f1a2b3c4d5e6f708192a3b",
				Status:    wire.StatusNew,
				Timestamp: time.Now().UTC(),
			},
		}
	})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType)

	frame, err := wire.UnmarshalFrame(payload)
	require.NoError(t, err)
	require.NotNil(t, frame.Notification)
	assert.Equal(t, "65f1a2b3c4d5e6f708192a3b", frame.Notification.ID)
	require.NotEmpty(t, frame.MessageID)

	ack := &wire.FrameAck{MessageID: frame.MessageID}
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, ack.Marshal()))

	waitFor(t, time.Second, func() bool { return len(env.sink.all()) == 1 })
	confirms := env.sink.all()
	assert.Equal(t, "65f1a2b3c4d5e6f708192a3b", confirms[0].NotificationID)
	assert.Equal(t, userID.String(), confirms[0].UserID)
}

func TestClientDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t)
	userID := uuid.New()

	ws, _, err := env.dial(t, env.issueTicket(t, userID))
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return env.registry.Len() == 1 })

	require.NoError(t, ws.Close())
	waitFor(t, time.Second, func() bool { return env.registry.Len() == 0 })
}
