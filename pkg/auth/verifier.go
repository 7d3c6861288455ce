package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"nodesense/pkg/apierr"
)

var (
	// ErrMissingToken means no usable "Bearer <token>" Authorization header.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrJWKSUnavailable means the key set could not be fetched or parsed.
	ErrJWKSUnavailable = errors.New("jwks unavailable")
)

const maxJWKSBytes = 1 << 20

// VerifierConfig configures token verification against an OIDC realm.
type VerifierConfig struct {
	IssuerURL      string // e.g. http://keycloak:8080
	Realm          string
	HTTPClient     *http.Client
	Timeout        time.Duration
	VerifyAudience bool
	Audience       string
	// CacheTTL > 0 keeps a fetched key set for that long. Zero fetches on every call.
	CacheTTL time.Duration
}

// Verifier validates RS256 bearer tokens with the realm's published JWKS.
type Verifier struct {
	jwksURL  string
	client   *http.Client
	timeout  time.Duration
	parser   *jwt.Parser
	cacheTTL time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cached    jwk.Set
	fetchedAt time.Time
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"})}
	if cfg.VerifyAudience {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{
		jwksURL:  JWKSURL(cfg.IssuerURL, cfg.Realm),
		client:   client,
		timeout:  cfg.Timeout,
		parser:   jwt.NewParser(opts...),
		cacheTTL: cfg.CacheTTL,
		now:      time.Now,
	}
}

// JWKSURL is the Keycloak-style certs endpoint of a realm.
func JWKSURL(issuer, realm string) string {
	return strings.TrimRight(issuer, "/") + "/realms/" + realm + "/protocol/openid-connect/certs"
}

// TokenURL is the realm's token endpoint.
func TokenURL(issuer, realm string) string {
	return strings.TrimRight(issuer, "/") + "/realms/" + realm + "/protocol/openid-connect/token"
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Verify checks signature, algorithm, expiry, not-before and (if enabled) audience.
// Key-set failures are 500-class; anything wrong with the token itself is a 401.
func (v *Verifier) Verify(ctx context.Context, token string) (*Principal, error) {
	set, err := v.keySet(ctx)
	if err != nil {
		return nil, apierr.UnavailableInternal("Auth service unavailable", err)
	}

	claims := jwt.MapClaims{}
	_, err = v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return selectKeys(set, t)
	})
	if err != nil {
		return nil, apierr.Authentication("Invalid token: "+err.Error(), err)
	}
	return principalFromClaims(claims), nil
}

// selectKeys returns the key named by kid, or every RSA key when kid is absent or unknown.
func selectKeys(set jwk.Set, t *jwt.Token) (interface{}, error) {
	if kid, ok := t.Header["kid"].(string); ok && kid != "" {
		if key, found := set.LookupKeyID(kid); found {
			var pub *rsa.PublicKey
			if err := jwk.Export(key, &pub); err == nil {
				return pub, nil
			}
		}
	}
	var keys jwt.VerificationKeySet
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		var pub *rsa.PublicKey
		if err := jwk.Export(key, &pub); err != nil {
			continue
		}
		keys.Keys = append(keys.Keys, pub)
	}
	if len(keys.Keys) == 0 {
		return nil, errors.New("no RSA signing key available")
	}
	return keys, nil
}

func (v *Verifier) keySet(ctx context.Context) (jwk.Set, error) {
	if v.cacheTTL <= 0 {
		return v.fetch(ctx)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cached != nil && v.now().Sub(v.fetchedAt) < v.cacheTTL {
		return v.cached, nil
	}
	set, err := v.fetch(ctx)
	if err != nil {
		return nil, err
	}
	v.cached, v.fetchedAt = set, v.now()
	return set, nil
}

func (v *Verifier) fetch(ctx context.Context) (jwk.Set, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: status %d", ErrJWKSUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSUnavailable, err)
	}
	return set, nil
}
