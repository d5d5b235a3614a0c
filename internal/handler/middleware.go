package handler

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/riteshkumar/carewallet/internal/metrics"
	"github.com/riteshkumar/carewallet/internal/models"
	u "github.com/riteshkumar/carewallet/internal/utils"
)

type callerContextKey struct{}

// WithCaller returns a copy of ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, caller models.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext returns the caller placed in ctx by the auth middleware.
func CallerFromContext(ctx context.Context) (models.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(models.Caller)
	return caller, ok
}

// Claims are the JWT claims carewallet accepts: the subject is the account id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens issued by the identity provider.
type Authenticator struct {
	secret []byte
	logger *slog.Logger
}

func NewAuthenticator(secret string, logger *slog.Logger) *Authenticator {
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// IssueToken signs a token for caller. Used by the admin CLI and tests.
func (a *Authenticator) IssueToken(caller models.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(caller.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate extracts the caller from the request's bearer token. Websocket
// clients that cannot set headers may pass the token as ?token=.
func (a *Authenticator) Authenticate(r *http.Request) (models.Caller, error) {
	tokenString := ""
	if header := r.Header.Get("Authorization"); header != "" {
		tokenString = strings.TrimPrefix(header, "Bearer ")
		if tokenString == header {
			return models.Caller{}, fmt.Errorf("invalid Authorization header format")
		}
	} else {
		tokenString = r.URL.Query().Get("token")
	}
	if tokenString == "" {
		return models.Caller{}, fmt.Errorf("authorization token required")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Caller{}, err
	}
	if !token.Valid {
		return models.Caller{}, fmt.Errorf("invalid token")
	}

	role := models.Role(claims.Role)
	if claims.Subject == "" || !role.Valid() {
		return models.Caller{}, fmt.Errorf("token is missing subject or role")
	}
	return models.Caller{AccountID: claims.Subject, Role: role}, nil
}

// Middleware rejects unauthenticated requests and stores the caller in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Authenticate(r)
		if err != nil {
			a.logger.Warn("unauthenticated request",
				"path", r.URL.Path,
				"error", err.Error(),
			)
			u.WriteError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// LoggingMiddleware logs incoming HTTP requests and records request metrics.
func LoggingMiddleware(logger *slog.Logger, collector *metrics.Collector) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			collector.RecordHTTPRequest(r.Method, route, wrapped.statusCode, time.Since(start))

			logger.Info("incoming request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func callerOrAbort(w http.ResponseWriter, r *http.Request) (models.Caller, bool) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		u.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing caller")
	}
	return caller, ok
}
