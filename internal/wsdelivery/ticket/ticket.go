// Package ticket issues and consumes the short-lived, one-shot tickets that
// gate the WebSocket upgrade. A ticket binds the authenticated user and
// device to the connection without putting a JWT on the upgrade request.
package ticket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTicketInvalid is returned for unknown, expired, or already used
// tickets.
var ErrTicketInvalid = errors.New("ticket invalid, expired, or already used")

// Claims is what a ticket binds to the upgrading connection.
type Claims struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Store persists tickets for their lifespan. Consume must be one-shot: a
// ticket resolves for exactly one caller.
type Store interface {
	Save(ctx context.Context, ticket string, claims Claims, lifespan time.Duration) error
	Consume(ctx context.Context, ticket string) (Claims, error)
}

// Service issues and redeems tickets.
type Service struct {
	store    Store
	lifespan time.Duration
}

// NewService creates a ticket service.
func NewService(store Store, lifespan time.Duration) *Service {
	return &Service{store: store, lifespan: lifespan}
}

// Issue creates a fresh ticket for the user/device pair.
func (s *Service) Issue(ctx context.Context, userID, deviceID string) (string, error) {
	t := uuid.NewString()
	if err := s.store.Save(ctx, t, Claims{UserID: userID, DeviceID: deviceID}, s.lifespan); err != nil {
		return "", fmt.Errorf("save ticket: %w", err)
	}
	return t, nil
}

// Consume redeems a ticket, invalidating it for any later caller.
func (s *Service) Consume(ctx context.Context, t string) (Claims, error) {
	return s.store.Consume(ctx, t)
}

const redisKeyPrefix = "ws_ticket:"

// RedisStore keeps tickets in Redis. Expiry comes from the key TTL and the
// one-shot property from GETDEL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed ticket store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, ticket string, claims Claims, lifespan time.Duration) error {
	raw, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+ticket, raw, lifespan).Err()
}

func (s *RedisStore) Consume(ctx context.Context, ticket string) (Claims, error) {
	raw, err := s.client.GetDel(ctx, redisKeyPrefix+ticket).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Claims{}, ErrTicketInvalid
		}
		return Claims{}, fmt.Errorf("consume ticket: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal([]byte(raw), &claims); err != nil {
		return Claims{}, ErrTicketInvalid
	}
	return claims, nil
}
