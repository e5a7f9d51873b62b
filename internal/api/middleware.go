package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"echo.app/echo-server/internal/apierr"
	"echo.app/echo-server/internal/auth"
	"echo.app/echo-server/internal/logger"
	"echo.app/echo-server/internal/store"
)

type ctxKey int

const userKey ctxKey = iota

// UserFrom returns the authenticated user stored by the auth middleware.
func UserFrom(ctx context.Context) *store.User {
	u, _ := ctx.Value(userKey).(*store.User)
	return u
}

func (h *APIHandler) identify(r *http.Request) (*store.User, error) {
	authHeader := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if authHeader == "" || !ok {
		return nil, apierr.New(http.StatusUnauthorized, "unauthenticated", apierr.ErrUnauthenticated)
	}
	claims, err := h.verifier.Verify(strings.TrimSpace(tokenString))
	if auth.IsExpired(err) {
		return nil, apierr.New(http.StatusUnauthorized, "token_expired", fmt.Errorf("token expired: %w", apierr.ErrUnauthenticated))
	}
	if err != nil {
		return nil, err
	}
	return h.db.UpsertUserByIdentity(r.Context(), claims.Subject, claims.Email, claims.Name, claims.Picture)
}

// JWTAuthMiddleware rejects requests without a valid bearer token and stores
// the resolved user in the request context.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := h.identify(r)
		if err != nil {
			h.log.Debug("Authentication failed", "path", r.URL.Path, "error", err)
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// OptionalAuthMiddleware attaches the user when a valid token is present and
// otherwise lets the request through anonymously.
func (h *APIHandler) OptionalAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			if user, err := h.identify(r); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), userKey, user))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Limiters idle for this long are dropped.
const limiterIdle = 10 * time.Minute

type userBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// userLimiter hands out one token bucket per user and sweeps idle ones.
type userLimiter struct {
	mu        sync.Mutex
	limiters  map[int64]*userBucket
	rps       rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newUserLimiter(rps float64, burst int) *userLimiter {
	return &userLimiter{
		limiters:  make(map[int64]*userBucket),
		rps:       rate.Limit(rps),
		burst:     burst,
		idle:      limiterIdle,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (l *userLimiter) allow(userID int64) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) > l.idle {
		for id, b := range l.limiters {
			if now.Sub(b.seen) > l.idle {
				delete(l.limiters, id)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.limiters[userID]
	if !ok {
		b = &userBucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[userID] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// RateLimitMiddleware throttles expensive routes per user. It must run after
// JWTAuthMiddleware.
func (h *APIHandler) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			if user := UserFrom(r.Context()); user != nil && !h.limiter.allow(user.ID) {
				h.writeError(w, r, apierr.ErrRateLimited)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request through zap.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("Request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
