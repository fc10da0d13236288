package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFleetRolesKeepsOnlyFleetNamespace(t *testing.T) {
	var claims fleetClaims
	require.NoError(t, json.Unmarshal([]byte(`{
		"roles": ["fleet:operator", "billing:admin"],
		"role": "Fleet:Operator",
		"scp": "read fleet:viewer write"
	}`), &claims))
	assert.Equal(t, []string{RoleFleetOperator, "fleet:viewer"}, claims.fleetRoles())
}

func TestFleetAdminImpliesOperator(t *testing.T) {
	claims := fleetClaims{Scope: roleList{RoleFleetAdmin}}
	assert.Equal(t, []string{RoleFleetAdmin, RoleFleetOperator}, claims.fleetRoles())

	assert.Empty(t, fleetClaims{Roles: roleList{"admin", "fleet:"}}.fleetRoles())
}

func TestNewJWTVerifierValidation(t *testing.T) {
	_, err := NewJWTVerifier(context.Background(), "", "aud", "", 60, 0)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = NewJWTVerifier(context.Background(), "https://issuer.test", " ", "", 60, 0)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthContextRoles(t *testing.T) {
	a := AuthContext{Roles: []string{RoleFleetOperator}}
	assert.True(t, a.HasRole(RoleFleetOperator))
	assert.False(t, a.HasRole(RoleFleetAdmin))
	assert.True(t, a.HasAnyRole(RoleFleetAdmin, RoleFleetOperator))
	assert.False(t, AuthContext{}.HasAnyRole(RoleFleetOperator))
}

// keyServer serves a JWKS that tests can swap out and counts fetches.
type keyServer struct {
	mu      sync.Mutex
	body    []byte
	fetches atomic.Int32
}

func (s *keyServer) publish(t *testing.T, pub *rsa.PublicKey, kid string) {
	t.Helper()
	key, err := jwk.FromRaw(pub)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	body, err := json.Marshal(set)
	require.NoError(t, err)
	s.mu.Lock()
	s.body = body
	s.mu.Unlock()
}

func (s *keyServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		s.mu.Lock()
		body := s.body
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newVerifier(t *testing.T, jwksURL string) *JWTVerifier {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	v, err := NewJWTVerifier(ctx, "https://issuer.test", "fleet-api", jwksURL, 600, 0)
	require.NoError(t, err)
	return v
}

func sign(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	now := time.Now()
	base := jwt.MapClaims{
		"iss": "https://issuer.test",
		"aud": "fleet-api",
		"sub": "operator-7",
		"exp": now.Add(time.Hour).Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
	}
	for k, v := range claims {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, base)
	token.Header["kid"] = kid
	raw, err := token.SignedString(priv)
	require.NoError(t, err)
	return raw
}

func TestVerifyRS256Token(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := &keyServer{}
	keys.publish(t, &priv.PublicKey, "k1")
	verifier := newVerifier(t, keys.start(t).URL)

	raw := sign(t, priv, "k1", jwt.MapClaims{"roles": []string{RoleFleetOperator, "payroll:read"}})
	auth, err := verifier.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "operator-7", auth.Subject)
	assert.Equal(t, []string{RoleFleetOperator}, auth.Roles)

	_, err = verifier.Verify(context.Background(), raw+"x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsIncompleteClaims(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := &keyServer{}
	keys.publish(t, &priv.PublicKey, "k1")
	verifier := newVerifier(t, keys.start(t).URL)

	for name, override := range map[string]jwt.MapClaims{
		"no exp":         {"exp": nil},
		"no nbf":         {"nbf": nil},
		"no sub":         {"sub": nil},
		"wrong audience": {"aud": "billing-api"},
		"wrong issuer":   {"iss": "https://other.test"},
		"expired":        {"exp": time.Now().Add(-time.Hour).Unix()},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.Verify(context.Background(), sign(t, priv, "k1", override))
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyPicksUpRotatedKey(t *testing.T) {
	oldKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	newKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := &keyServer{}
	keys.publish(t, &oldKey.PublicKey, "k1")
	verifier := newVerifier(t, keys.start(t).URL)

	_, err = verifier.Verify(context.Background(), sign(t, oldKey, "k1", nil))
	require.NoError(t, err)

	keys.publish(t, &newKey.PublicKey, "k2")
	auth, err := verifier.Verify(context.Background(), sign(t, newKey, "k2", jwt.MapClaims{"scope": RoleFleetAdmin}))
	require.NoError(t, err)
	assert.True(t, auth.HasRole(RoleFleetOperator))

	// A second unknown kid inside the refresh floor must not refetch.
	fetched := keys.fetches.Load()
	_, err = verifier.Verify(context.Background(), sign(t, newKey, "k3", nil))
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, fetched, keys.fetches.Load())
}
