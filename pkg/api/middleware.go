package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// RateLimiter keeps one token bucket per client. Clients are keyed by the
// authenticated subject when there is one, otherwise by remote IP.
type RateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	idle     time.Duration
	swept    time.Time
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second per client with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
		now:      time.Now,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.swept) > time.Minute {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rl.idle {
				delete(rl.visitors, k)
			}
		}
		rl.swept = now
	}
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Middleware rejects clients that exceed their bucket with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if p, ok := PrincipalFrom(r.Context()); ok {
			key = "sub:" + p.Subject
		}
		if !rl.limiter(key).Allow() {
			WriteTooManyRequests(w, r, 1)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// Principal is the authenticated caller. Actor and role come from the token,
// never from request bodies.
type Principal struct {
	Subject   string
	ActorType string
	Role      string
}

// Actor returns the audit actor for p.
func (p Principal) Actor() contracts.Actor {
	return contracts.Actor{Type: p.ActorType, ID: p.Subject}
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Claims are the JWT claims the API expects.
type Claims struct {
	jwt.RegisteredClaims
	ActorType string `json:"actor_type"`
	Role      string `json:"role"`
}

var ErrInvalidToken = errors.New("api: invalid token")

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator returns nil when secret is empty; the middleware then
// rejects every non-public request.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Validate parses tokenStr and returns its principal.
func (a *Authenticator) Validate(tokenStr string) (Principal, error) {
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return Principal{}, fmt.Errorf("%w: sub and role are required", ErrInvalidToken)
	}
	switch claims.ActorType {
	case "":
		claims.ActorType = contracts.ActorAgent
	case contracts.ActorAgent, contracts.ActorUser, contracts.ActorSystem:
	default:
		return Principal{}, fmt.Errorf("%w: unknown actor_type %q", ErrInvalidToken, claims.ActorType)
	}
	return Principal{Subject: claims.Subject, ActorType: claims.ActorType, Role: claims.Role}, nil
}

// Sign issues an HS256 token for p valid for ttl.
func (a *Authenticator) Sign(p Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ActorType: p.ActorType,
		Role:      p.Role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

var publicPaths = map[string]bool{
	"/health": true,
}

// AuthMiddleware requires a valid bearer token on every non-public path.
func AuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if a == nil {
				WriteUnauthorized(w, r, "Authentication not configured")
				return
			}
			p, err := a.Validate(tokenStr)
			if err != nil {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
