package stream

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"browserd/internal/errs"
	"browserd/internal/logging"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

const (
	tokenAudience = "browserd-stream"
	maxTokenTTL   = 15 * time.Minute
	streamPath    = "/v1/stream/"
)

// Token is a live-view grant for one connection to one session.
type Token struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Tokens issues and redeems single-use HS256 tokens. Redeemed ids are
// remembered until the token would have expired anyway.
type Tokens struct {
	secret    []byte
	publicURL string
	ttl       time.Duration

	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

// NewTokens creates an issuer. An empty secret gets a random one, so tokens
// do not survive a restart.
func NewTokens(secret, publicURL string, ttl time.Duration) *Tokens {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("stream: read random secret: %v", err))
		}
		logging.StreamDebug("no stream secret configured, using an ephemeral one")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Tokens{
		secret:    key,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		ttl:       ttl,
		used:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// Create issues a token for sessionID. A zero ttl uses the default; longer
// than fifteen minutes is clamped.
func (t *Tokens) Create(sessionID string, ttl time.Duration) (*Token, error) {
	if sessionID == "" {
		return nil, errs.Invalid("stream.token", "session id is required")
	}
	if ttl <= 0 {
		ttl = t.ttl
	}
	if ttl > maxTokenTTL {
		ttl = maxTokenTTL
	}
	now := t.now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		ID:        ulid.Make().String(),
		Subject:   sessionID,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return nil, fmt.Errorf("sign stream token: %w", err)
	}
	return &Token{Token: signed, URL: t.url(signed), ExpiresAt: exp.Truncate(time.Second)}, nil
}

func (t *Tokens) url(token string) string {
	if t.publicURL == "" {
		return streamPath + token
	}
	base := t.publicURL
	if u, err := url.Parse(base); err == nil {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		base = u.String()
	}
	return base + streamPath + token
}

// Consume validates a token and marks it used. It returns the session id.
func (t *Tokens) Consume(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errs.Expired("stream.token", "stream token expired")
		}
		return "", errs.Forbidden("stream.token", "invalid stream token")
	}
	if claims.ID == "" || claims.Subject == "" {
		return "", errs.Forbidden("stream.token", "invalid stream token")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, seen := t.used[claims.ID]; seen {
		return "", errs.Forbidden("stream.token", "stream token already used")
	}
	t.used[claims.ID] = claims.ExpiresAt.Time
	return claims.Subject, nil
}

// Prune forgets redeemed tokens that have expired.
func (t *Tokens) Prune() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, exp := range t.used {
		if now.After(exp) {
			delete(t.used, id)
			n++
		}
	}
	return n
}
