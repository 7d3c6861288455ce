// Package authtest runs a fake OIDC realm for tests: a JWKS endpoint backed by a real RSA
// key and a password-grant token endpoint.
package authtest

import (
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
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	Realm = "NodeSense"
	KeyID = "test-key"
)

// Issuer is a fake identity provider.
type Issuer struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey

	jwks        []byte
	failJWKS    atomic.Bool
	jwksFetches atomic.Int64

	mu    sync.Mutex
	users map[string]user
}

type user struct {
	password string
	roles    []string
}

// NewIssuer starts the fake realm; it is closed with the test.
func NewIssuer(t testing.TB) *Issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	iss := &Issuer{Key: key, users: map[string]user{}}
	iss.jwks = buildJWKS(t, &key.PublicKey)

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/"+Realm+"/protocol/openid-connect/certs", iss.serveJWKS)
	mux.HandleFunc("/realms/"+Realm+"/protocol/openid-connect/token", iss.serveToken)
	iss.Server = httptest.NewServer(mux)
	t.Cleanup(iss.Server.Close)
	return iss
}

func buildJWKS(t testing.TB, pub *rsa.PublicKey) []byte {
	t.Helper()
	key, err := jwk.Import(pub)
	if err != nil {
		t.Fatalf("import jwk: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, KeyID); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("add key: %v", err)
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

func (i *Issuer) URL() string { return i.Server.URL }

// FailJWKS makes the certs endpoint answer 500.
func (i *Issuer) FailJWKS(fail bool) { i.failJWKS.Store(fail) }

// JWKSFetches counts certs requests served.
func (i *Issuer) JWKSFetches() int64 { return i.jwksFetches.Load() }

// AddUser registers credentials accepted by the token endpoint.
func (i *Issuer) AddUser(name, password string, roles ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users[name] = user{password: password, roles: roles}
}

func (i *Issuer) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	i.jwksFetches.Add(1)
	if i.failJWKS.Load() {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(i.jwks)
}

func (i *Issuer) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "password" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unsupported_grant_type"}`))
		return
	}
	i.mu.Lock()
	u, ok := i.users[r.PostForm.Get("username")]
	i.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if !ok || u.password != r.PostForm.Get("password") {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid user credentials"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": i.TokenFor(r.PostForm.Get("username"), u.roles...),
		"token_type":   "Bearer",
		"expires_in":   300,
	})
}

// Claims returns a Keycloak-shaped claim set valid for five minutes.
func Claims(subject string, roles ...string) jwt.MapClaims {
	rs := make([]any, len(roles))
	for n, r := range roles {
		rs[n] = r
	}
	now := time.Now()
	return jwt.MapClaims{
		"sub":                subject,
		"preferred_username": subject,
		"aud":                "account",
		"iat":                now.Unix(),
		"exp":                now.Add(5 * time.Minute).Unix(),
		"realm_access":       map[string]any{"roles": rs},
	}
}

// TokenFor signs a token for subject with the given realm roles.
func (i *Issuer) TokenFor(subject string, roles ...string) string {
	return i.Sign(Claims(subject, roles...), KeyID)
}

// Sign signs claims with the issuer key under kid (omitted when empty).
func (i *Issuer) Sign(claims jwt.MapClaims, kid string) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(i.Key)
	if err != nil {
		panic(err)
	}
	return s
}
