package handler

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"circlefund/internal/infrastructure/gate"
	"circlefund/internal/infrastructure/metrics"
	"circlefund/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ctxPersonID  = "person_id"
	ctxRequestID = "request_id"

	headerRequestID     = "X-Request-ID"
	headerWebhookSecret = "X-Webhook-Secret"
)

// Claims is the token issued by the identity collaborator. PersonID is the
// verified person the engine acts for.
type Claims struct {
	PersonID int64 `json:"person_id"`
	jwt.RegisteredClaims
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path = path + "?" + query
		}

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "http",
			"status", status,
			"latency", time.Since(start),
			"ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"request_id", c.GetString(ctxRequestID),
		)
	}
}

// RecoveryMiddleware turns a panic into a 500 reply.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic", "error", fmt.Sprint(err), "path", c.Request.URL.Path,
					"request_id", c.GetString(ctxRequestID))
				response.ServerError(c, "internal error")
			}
		}()
		c.Next()
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AuthMiddleware verifies the HS256 bearer token and stores its person id.
func AuthMiddleware(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "bearer token required")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil || !token.Valid || claims.PersonID <= 0 {
			response.Unauthorized(c, "invalid or expired token")
			return
		}

		c.Set(ctxPersonID, claims.PersonID)
		c.Next()
	}
}

// WebhookAuthMiddleware checks the shared secret the payment gateway sends.
func WebhookAuthMiddleware(secret string) gin.HandlerFunc {
	expected := []byte(secret)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(headerWebhookSecret))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			response.Unauthorized(c, "invalid webhook secret")
			return
		}
		c.Next()
	}
}

// GateMiddleware asks the attempt gate before the engine sees the request.
// Identity is the authenticated person, or the client IP before auth.
// A gate backend failure lets the request through.
func GateMiddleware(g gate.AttemptGate, action string, recorder *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := c.ClientIP()
		if id := c.GetInt64(ctxPersonID); id > 0 {
			identity = strconv.FormatInt(id, 10)
		}

		allowed, err := g.Allow(c.Request.Context(), identity, action)
		if err != nil {
			slog.WarnContext(c.Request.Context(), "attempt gate unavailable", "action", action, "error", err)
			c.Next()
			return
		}
		if !allowed {
			recorder.GateRejected(action)
			response.TooManyRequests(c, "too many attempts, retry later")
			return
		}
		c.Next()
	}
}

func personID(c *gin.Context) int64 {
	return c.GetInt64(ctxPersonID)
}
