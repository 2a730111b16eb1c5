package uiserver

import (
	"crypto/subtle"
	"encoding/base64"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/seu-repo/sigec-sim/pkg/config"
)

// rateLimiter is a fixed-window per-IP limiter. Windows reset wholesale; a
// burst right across the boundary can pass 2x the limit, which is acceptable
// for a control plane.
type rateLimiter struct {
	mu          sync.Mutex
	counts      map[string]int
	windowStart time.Time
	window      time.Duration
	max         int
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		counts:      make(map[string]int),
		windowStart: time.Now(),
		window:      window,
		max:         max,
	}
}

// allow consumes one slot for the key and reports the remaining window when
// it refuses.
func (rl *rateLimiter) allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.windowStart) >= rl.window {
		rl.counts = make(map[string]int)
		rl.windowStart = now
	}

	if rl.counts[key] >= rl.max {
		return false, rl.window - now.Sub(rl.windowStart)
	}
	rl.counts[key]++
	return true, 0
}

func rateLimitMiddleware(cfg config.RateLimitingConfig, log *zap.Logger) fiber.Handler {
	rl := newRateLimiter(cfg.MaxRequests, cfg.Window)
	return func(c *fiber.Ctx) error {
		ok, retryAfter := rl.allow(c.IP())
		if !ok {
			log.Warn("Rate limit exceeded", zap.String("ip", c.IP()))
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retryAfter.Seconds())+1))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "Too many requests"})
		}
		return c.Next()
	}
}

// checkBasicCredentials validates a username/password pair against the
// configured credentials. The bcrypt hash wins over the plaintext password
// when both are set; plaintext comparison is constant time.
func checkBasicCredentials(auth config.UIServerAuth, username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(auth.Username)) == 1
	if auth.PasswordHash != "" {
		return userOK && bcrypt.CompareHashAndPassword([]byte(auth.PasswordHash), []byte(password)) == nil
	}
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(auth.Password)) == 1
	return userOK && passOK
}

func basicAuthMiddleware(auth config.UIServerAuth, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		username, password, ok := parseBasicAuth(header)
		if !ok || !checkBasicCredentials(auth, username, password) {
			log.Warn("UI request rejected by basic auth", zap.String("ip", c.IP()))
			c.Set(fiber.HeaderWWWAuthenticate, `Basic realm="sigec-sim"`)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}
		return c.Next()
	}
}

func parseBasicAuth(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
