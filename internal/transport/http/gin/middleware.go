package httpgin

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/kirinyoku/tixmint/internal/issuance"
)

const (
	ctxRequestID = "request_id"
	ctxCaller    = "caller"
)

// RequestIDMiddleware tags every request with an id and carries it into
// the request context, where the issuance bus picks it up as the
// correlation id of the events it publishes.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}

		c.Writer.Header().Set("X-Request-ID", reqID)
		c.Set(ctxRequestID, reqID)
		c.Request = c.Request.WithContext(
			issuance.ContextWithCorrelationID(c.Request.Context(), reqID),
		)

		c.Next()
	}
}

func CORS() gin.HandlerFunc {
	cfg := cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			"GET", "POST", "PUT", "OPTIONS",
		},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			"X-Request-ID",
			"Idempotency-Key",
			"If-None-Match",
		},
		ExposeHeaders: []string{
			"X-Request-ID",
			"ETag",
			"Cache-Control",
			"Retry-After",
		},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	return cors.New(cfg)
}

func LoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		reqID, _ := c.Get(ctxRequestID)
		attrs := []any{
			slog.Int("status", c.Writer.Status()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("ip", c.ClientIP()),
			slog.Any("request_id", reqID),
			slog.String("caller", c.GetString(ctxCaller)),
			slog.Duration("latency", time.Since(start)),
			slog.Int("bytes_out", c.Writer.Size()),
		}

		switch {
		case len(c.Errors) > 0 || c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("http", slog.Group("http", attrs...))
		default:
			logger.Info("http", slog.Group("http", attrs...))
		}
	}
}

// AuthMiddleware accepts an HS256 bearer token and stores its subject as
// the caller identity.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(bearer, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			abortJSON(c, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		tkn, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !tkn.Valid {
			msg := "invalid token"
			var ve *jwt.ValidationError
			if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
				msg = "token expired"
			}
			abortJSON(c, http.StatusUnauthorized, msg)
			return
		}

		if claims.Subject == "" {
			abortJSON(c, http.StatusUnauthorized, "token has no subject")
			return
		}

		c.Set(ctxCaller, claims.Subject)
		c.Next()
	}
}

// OperatorOnly lets through only the operator identity. It must run after
// AuthMiddleware.
func OperatorOnly(operatorID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if operatorID == "" || c.GetString(ctxCaller) != operatorID {
			abortJSON(c, http.StatusForbidden, "operator only")
			return
		}
		c.Next()
	}
}

func caller(c *gin.Context) string {
	return c.GetString(ctxCaller)
}

func abortJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}
