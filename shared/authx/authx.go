package authx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

const (
	// RoleFleetOperator may issue cart commands. Read-only callers need no role.
	RoleFleetOperator = "fleet:operator"
	// RoleFleetAdmin implies RoleFleetOperator.
	RoleFleetAdmin = "fleet:admin"

	rolePrefix = "fleet:"

	// forcedRefreshFloor bounds how often an unknown kid may refetch the key set.
	forcedRefreshFloor = 30 * time.Second
)

// AuthContext is the verified caller. Roles only ever holds fleet roles.
type AuthContext struct {
	Subject string
	Roles   []string
}

func (a AuthContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a AuthContext) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if a.HasRole(role) {
			return true
		}
	}
	return false
}

// Verifier turns a bearer token into an AuthContext.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (AuthContext, error)
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

// roleList accepts a JSON array or a space separated string.
type roleList []string

func (l *roleList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = strings.Fields(one)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// fleetClaims are the claims a fleet API token must carry. Roles may arrive
// under any of the names identity providers commonly use.
type fleetClaims struct {
	jwt.RegisteredClaims
	Roles roleList `json:"roles,omitempty"`
	Role  roleList `json:"role,omitempty"`
	Scope roleList `json:"scope,omitempty"`
	Scp   roleList `json:"scp,omitempty"`
}

// fleetRoles keeps the fleet-namespaced roles, deduplicated, in claim order.
// Unknown fleet roles are kept so a newer issuer does not break older APIs.
func (c fleetClaims) fleetRoles() []string {
	seen := map[string]bool{}
	var out []string
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, list := range []roleList{c.Roles, c.Role, c.Scope, c.Scp} {
		for _, r := range list {
			r = strings.ToLower(strings.TrimSpace(r))
			if !strings.HasPrefix(r, rolePrefix) || r == rolePrefix {
				continue
			}
			add(r)
			if r == RoleFleetAdmin {
				add(RoleFleetOperator)
			}
		}
	}
	return out
}

// JWTVerifier checks RS/ES signed tokens against the issuer's JWKS, which is
// cached and refreshed in the background.
type JWTVerifier struct {
	jwksURL string
	keys    *jwk.Cache
	parser  *jwt.Parser

	mu         sync.Mutex
	lastForced time.Time
	now        func() time.Time
}

// NewJWTVerifier registers jwksURL with a background-refreshing key cache
// that lives until ctx is done. An empty jwksURL defaults to the issuer's
// well-known location.
func NewJWTVerifier(ctx context.Context, issuer, audience, jwksURL string, ttlSeconds, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if jwksURL == "" {
		jwksURL = strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	}
	if ttlSeconds <= 0 {
		ttlSeconds = 300
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}

	keys := jwk.NewCache(ctx)
	if err := keys.Register(jwksURL,
		jwk.WithRefreshInterval(time.Duration(ttlSeconds)*time.Second),
		jwk.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	); err != nil {
		return nil, fmt.Errorf("register jwks %s: %w", jwksURL, err)
	}

	return &JWTVerifier{
		jwksURL: jwksURL,
		keys:    keys,
		now:     time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	var claims fleetClaims
	_, err := v.parser.ParseWithClaims(rawToken, &claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.key(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.NotBefore == nil || strings.TrimSpace(claims.Subject) == "" {
		return AuthContext{}, ErrInvalidToken
	}

	return AuthContext{
		Subject: strings.TrimSpace(claims.Subject),
		Roles:   claims.fleetRoles(),
	}, nil
}

func (v *JWTVerifier) key(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := v.keys.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	key, ok := set.LookupKeyID(kid)
	if !ok && v.allowForcedRefresh() {
		// The issuer rotated keys before the cached set expired.
		if set, err = v.keys.Refresh(ctx, v.jwksURL); err != nil {
			return nil, fmt.Errorf("refresh jwks: %w", err)
		}
		key, ok = set.LookupKeyID(kid)
	}
	if !ok {
		return nil, ErrUnknownKID
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("jwk %s: %w", kid, err)
	}
	return raw, nil
}

func (v *JWTVerifier) allowForcedRefresh() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	if !v.lastForced.IsZero() && now.Sub(v.lastForced) < forcedRefreshFloor {
		return false
	}
	v.lastForced = now
	return true
}
