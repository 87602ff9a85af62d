// Package identity resolves the caller of an HTTP request to a player
// identity. Registered players present an HS256 bearer token; guests present
// their device-local guest id.
package identity

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/spin-economy/internal/model"
)

const (
	GuestHeader = "X-Guest-ID"
	GuestPrefix = "guest_"

	defaultLeeway = 30 * time.Second
)

var (
	ErrUnauthenticated = errors.New("identity: no credentials")
	ErrInvalidToken    = errors.New("identity: invalid token")
	ErrInvalidGuestID  = errors.New("identity: invalid guest id")
)

// Claims is the token payload. The subject is the player id.
type Claims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// Provider verifies tokens signed with a shared secret.
type Provider struct {
	secret []byte
	leeway time.Duration
}

// NewProvider creates a provider for secret.
func NewProvider(secret string) *Provider {
	return &Provider{secret: []byte(strings.TrimSpace(secret)), leeway: defaultLeeway}
}

// Resolve returns the identity behind r. A bearer token wins over a guest
// header.
func (p *Provider) Resolve(r *http.Request) (model.Identity, error) {
	if tok := bearer(r.Header.Get("Authorization")); tok != "" {
		return p.Verify(tok)
	}

	guestID := strings.TrimSpace(r.Header.Get(GuestHeader))
	if guestID == "" {
		return model.Identity{}, ErrUnauthenticated
	}
	if !strings.HasPrefix(guestID, GuestPrefix) || len(guestID) == len(GuestPrefix) {
		return model.Identity{}, ErrInvalidGuestID
	}
	return model.Identity{PlayerID: guestID, IsGuest: true, DisplayName: "Guest"}, nil
}

// Verify parses a signed token.
func (p *Provider) Verify(tokenStr string) (model.Identity, error) {
	if len(p.secret) == 0 {
		return model.Identity{}, fmt.Errorf("%w: secret not configured", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.secret, nil
	}, jwt.WithLeeway(p.leeway))
	if err != nil {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return model.Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if strings.HasPrefix(claims.Subject, GuestPrefix) {
		return model.Identity{}, fmt.Errorf("%w: guest subject", ErrInvalidToken)
	}

	return model.Identity{
		PlayerID:    claims.Subject,
		DisplayName: claims.Name,
		Admin:       claims.Admin,
	}, nil
}

// Issue signs a token for playerID valid for ttl. Used by tooling and tests;
// production tokens come from the external identity service.
func (p *Provider) Issue(playerID, name string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   playerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  name,
		Admin: admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
