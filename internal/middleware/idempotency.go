package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// IdempotencyHeader is the client supplied key of a retried POST
const IdempotencyHeader = "Idempotency-Key"

const (
	idempotencyPrefix     = "idempotency:"
	idempotencyProcessing = "processing"
	idempotencyLockTTL    = 30 * time.Second
	maxIdempotencyKeyLen  = 128
)

// ErrIdempotencyMiss is returned by IdempotencyStore.Get for unknown keys
var ErrIdempotencyMiss = errors.New("idempotency key not found")

// IdempotencyStore keeps the first response given to each key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisIdempotencyStore is an IdempotencyStore on go-redis
type RedisIdempotencyStore struct {
	client *redis.Client
}

// NewRedisIdempotencyStore wraps client. A nil client yields a nil store,
// which disables the middleware.
func NewRedisIdempotencyStore(client *redis.Client) IdempotencyStore {
	if client == nil {
		return nil
	}
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrIdempotencyMiss
	}
	return val, err
}

func (s *RedisIdempotencyStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisIdempotencyStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

type storedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// bodyRecorder tees the response so it can be stored after the handler
type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response of a POST carrying an
// Idempotency-Key already seen for the same user and route. Responses below
// 500 are stored for ttl; server errors release the key so the client may
// retry. Store failures degrade to pass-through.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		key := c.GetHeader(IdempotencyHeader)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "Idempotency-Key is too long",
				"code":    "INVALID_IDEMPOTENCY_KEY",
			})
			return
		}

		scope := "anonymous"
		if userCtx, ok := GetUserContext(c); ok {
			scope = userCtx.UserID.String()
		}
		storeKey := idempotencyPrefix + scope + ":" + c.FullPath() + ":" + key
		ctx := c.Request.Context()
		log := logger.WithFields(logrus.Fields{"idempotency_key": key, "path": c.FullPath()})

		val, err := store.Get(ctx, storeKey)
		switch {
		case err == nil:
			if val == idempotencyProcessing {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"error":   "conflict",
					"message": "A request with this Idempotency-Key is still being processed",
					"code":    "IDEMPOTENCY_IN_PROGRESS",
				})
				return
			}
			var stored storedResponse
			if err := json.Unmarshal([]byte(val), &stored); err == nil {
				c.Header("Idempotent-Replayed", "true")
				c.Data(stored.Status, "application/json; charset=utf-8", stored.Body)
				c.Abort()
				return
			}
			log.Warn("Discarding unreadable idempotency record")
		case !errors.Is(err, ErrIdempotencyMiss):
			log.WithError(err).Warn("Idempotency store unavailable, passing through")
			c.Next()
			return
		}

		acquired, err := store.SetNX(ctx, storeKey, idempotencyProcessing, idempotencyLockTTL)
		if err != nil {
			log.WithError(err).Warn("Idempotency store unavailable, passing through")
			c.Next()
			return
		}
		if !acquired {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "conflict",
				"message": "A request with this Idempotency-Key is still being processed",
				"code":    "IDEMPOTENCY_IN_PROGRESS",
			})
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		status := recorder.Status()
		if status >= http.StatusInternalServerError || !json.Valid(recorder.body.Bytes()) {
			if err := store.Del(context.WithoutCancel(ctx), storeKey); err != nil {
				log.WithError(err).Warn("Failed to release idempotency key")
			}
			return
		}

		record, _ := json.Marshal(storedResponse{Status: status, Body: recorder.body.Bytes()})
		if err := store.Set(context.WithoutCancel(ctx), storeKey, string(record), ttl); err != nil {
			log.WithError(err).Warn("Failed to store idempotent response")
		}
	}
}
