package ratelimit

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/patronbox/internal/pkg/env"
	"github.com/ManuelReschke/patronbox/internal/pkg/usercontext"
)

// Config controls the API rate limiter.
type Config struct {
	Max        int
	Expiration time.Duration
	// Storage shares counters between instances; nil keeps them in memory.
	Storage fiber.Storage
}

// ConfigFromEnv reads API_RATE_LIMIT_MAX and API_RATE_LIMIT_WINDOW_SECONDS.
func ConfigFromEnv() Config {
	return Config{
		Max:        env.GetIntEnv("API_RATE_LIMIT_MAX", 60),
		Expiration: env.GetDurationEnv("API_RATE_LIMIT_WINDOW_SECONDS", time.Second, time.Minute),
	}
}

// NewStorage creates Redis storage for limiter counters on the cache server
// the client points at, using database 1 (the cache uses DB 0).
func NewStorage(cacheClient *goredis.Client) fiber.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		// Prefer password from the underlying client if present
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: env.GetIntEnv("RATE_LIMIT_CACHE_DB", 1),
		Reset:    false,
	})
}

// New returns the limiter middleware. Authenticated callers are limited per
// user, everyone else per IP.
func New(cfg Config) fiber.Handler {
	if cfg.Max <= 0 {
		cfg.Max = 60
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        cfg.Max,
		Expiration: cfg.Expiration,
		Storage:    cfg.Storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id := usercontext.GetUserID(c); id != "" {
				return "user:" + id
			}
			return "ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests",
			})
		},
	})
}
