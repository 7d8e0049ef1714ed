package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	memoryStorage "github.com/gofiber/storage/memory/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	u "url2img/internal/utils"
)

var (
	tierLimiterCache struct {
		sync.RWMutex
		handlers map[int]fiber.Handler
	}
	rateLimitStore fiber.Storage
)

// getTierLimiter returns a cached limiter for the given request budget,
// creating one if needed.
func getTierLimiter(limit int) fiber.Handler {
	tierLimiterCache.RLock()
	h, ok := tierLimiterCache.handlers[limit]
	tierLimiterCache.RUnlock()
	if ok {
		return h
	}

	appCfg := u.GetConfig()
	cfg := limiter.Config{
		Max:               limit,
		Expiration:        appCfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           rateLimitStore,
		KeyGenerator:      callerKey,
		LimitReached: func(c *fiber.Ctx) error {
			u.Warn("Rate limit exceeded", "caller", callerKey(c), "path", c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    fiber.StatusTooManyRequests,
					"message": "Too Many Requests",
				},
			})
		},
	}

	h = limiter.New(cfg)

	tierLimiterCache.Lock()
	if tierLimiterCache.handlers == nil {
		tierLimiterCache.handlers = make(map[int]fiber.Handler)
	}
	tierLimiterCache.handlers[limit] = h
	tierLimiterCache.Unlock()

	return h
}

// callerKey identifies the caller for rate limiting: the API key when one
// was presented, otherwise a hash of client IP and subscription tier.
func callerKey(c *fiber.Ctx) string {
	if key, ok := c.Locals("api_key").(string); ok && key != "" {
		return key
	}
	sum := sha256.Sum256([]byte(c.IP() + "|" + c.Get("X-Subscription")))
	return hex.EncodeToString(sum[:])
}

// tierRateLimitMiddleware applies the per-period request budget of the
// caller's subscription tier.
func tierRateLimitMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tier := c.Get("X-Subscription")
		if key, ok := c.Locals("api_key").(string); ok && key != "" {
			if t := u.TierForKey(key); t != "" {
				tier = t
			}
		}
		limit := u.LimitsForTier(tier).MaxRequestsPerPeriod
		if limit <= 0 {
			return c.Next()
		}
		return getTierLimiter(limit)(c)
	}
}

// userRateLimitMiddleware limits requests based on client information when enabled.
func userRateLimitMiddleware(cfg u.Config) fiber.Handler {
	if cfg.RateLimiter.UserLimit <= 0 {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}
	hcfg := limiter.Config{
		Max:               cfg.RateLimiter.UserLimit,
		Expiration:        cfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           rateLimitStore,
		KeyGenerator: func(c *fiber.Ctx) string {
			sum := sha256.Sum256([]byte(c.IP() + c.Get("User-Agent")))
			return hex.EncodeToString(sum[:])
		},
		LimitReached: func(c *fiber.Ctx) error {
			sum := sha256.Sum256([]byte(c.IP() + c.Get("User-Agent")))
			key := hex.EncodeToString(sum[:])
			u.Warn("Rate limit exceeded", "user", key, "path", c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    fiber.StatusTooManyRequests,
					"message": "Too Many Requests",
				},
			})
		},
	}
	userLimiter := limiter.New(hcfg)
	return func(c *fiber.Ctx) error {
		// If a request is authenticated via X-API-Key, we intentionally skip the
		// user-based limiter. Tier-based limits are applied earlier.
		if key, ok := c.Locals("api_key").(string); ok && key != "" {
			return c.Next()
		}
		return userLimiter(c)
	}
}

// proxySecretMiddleware rejects requests that did not come through the API
// proxy. A missing secret in the config is a deployment error, surfaced as
// 500 rather than letting unauthenticated traffic through.
func proxySecretMiddleware(cfg u.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.Auth.ProxySecret == "" {
			u.Error("Proxy secret not configured")
			return fiber.NewError(fiber.StatusInternalServerError, "Service misconfigured")
		}
		if c.Get("X-Proxy-Secret") != cfg.Auth.ProxySecret {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid proxy secret")
		}
		if cfg.Auth.ExpectedHost != "" && c.Get("X-Forwarded-Host") != cfg.Auth.ExpectedHost {
			return fiber.NewError(fiber.StatusUnauthorized, "Unexpected caller host")
		}
		return c.Next()
	}
}

// newRateLimitStore prefers Redis so limits hold across instances, with an
// in-memory fallback when Redis is unreachable at startup.
func newRateLimitStore(cfg u.Config, rdb *redis.Client) fiber.Storage {
	if rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			u.Warn("Redis unreachable, using in-memory rate limiting", "addr", cfg.Cache.RedisHost, "error", err)
			return memoryStorage.New()
		}
	}

	var store fiber.Storage = memoryStorage.New() // safe default
	func() {
		defer func() {
			if r := recover(); r != nil {
				u.Error("Redis limiter store init panicked, falling back to memory", "panic", r)
			}
		}()
		store = redisStorage.New(redisStorage.Config{
			Addrs:    []string{cfg.Cache.RedisHost},
			Database: cfg.Cache.RateLimitDB,
		})
		u.Info("Using Redis for rate limiting", "addr", cfg.Cache.RedisHost, "db", cfg.Cache.RateLimitDB)
	}()
	return store
}

// RegisterMiddleware attaches global middleware to the app
func RegisterMiddleware(app *fiber.App, cfg u.Config, rdb *redis.Client) {
	rateLimitStore = newRateLimitStore(cfg, rdb)

	app.Use(cors.New())

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(healthcheck.New())

	app.Use(proxySecretMiddleware(cfg))

	app.Use(keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: "api_key",
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			// Avoid nil-pointer panics in ErrorHandler (fiber keyauth may pass nil err).
			// Also provide a clear signal when the key store is not loaded yet.
			if !u.KeysReady() {
				return false, u.ErrKeyStoreNotReady
			}
			if !u.ValidateKey(key) {
				return false, u.ErrInvalidAPIKey
			}
			return true, nil
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Get("X-API-Key") == ""
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Keyauth can call ErrorHandler with a nil error.
			status := fiber.StatusUnauthorized
			if err == nil {
				err = fiber.ErrUnauthorized
			}
			if err == u.ErrKeyStoreNotReady {
				status = fiber.StatusServiceUnavailable
			}
			return c.Status(status).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    status,
					"message": err.Error(),
				},
			})
		},
	}))

	app.Use(tierRateLimitMiddleware())

	if cfg.RateLimiter.EnableUserLimiter || cfg.RateLimiter.UserLimit > 0 {
		app.Use(userRateLimitMiddleware(cfg))
	}

	app.Use(func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = c.GetRespHeader("X-Request-ID")
		}
		u.Info("Incoming request", "method", c.Method(), "path", c.Path(), "request_id", requestID)
		return c.Next()
	})
}
