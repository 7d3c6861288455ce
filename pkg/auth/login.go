package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nodesense/pkg/apierr"
)

// LoginRequest is the body accepted by the login endpoint.
type LoginRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Validate rejects requests missing credentials.
func (r LoginRequest) Validate() error {
	if strings.TrimSpace(r.Username) == "" || r.Password == "" {
		return apierr.Invalid("username and password are required", nil)
	}
	return nil
}

// LoginClient performs the OIDC resource-owner password grant against the realm.
type LoginClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
	timeout      time.Duration
}

func NewLoginClient(issuer, realm, clientID, clientSecret string, client *http.Client, timeout time.Duration) *LoginClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &LoginClient{
		tokenURL:     TokenURL(issuer, realm),
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
		timeout:      timeout,
	}
}

// PasswordGrant posts the credentials to the token endpoint and returns the provider's
// response untouched, whatever its status. The caller owns the body and the cancel func.
// Only a transport failure is an error.
func (c *LoginClient) PasswordGrant(ctx context.Context, req LoginRequest) (*http.Response, context.CancelFunc, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	secret := req.ClientSecret
	if secret == "" {
		secret = c.clientSecret
	}
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {c.clientID},
		"username":   {req.Username},
		"password":   {req.Password},
	}
	if secret != "" {
		form.Set("client_secret", secret)
	}

	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		cancel()
		return nil, nil, apierr.Internal("build token request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, apierr.Unavailable("Auth service unavailable", fmt.Errorf("token endpoint: %w", err))
	}
	return resp, cancel, nil
}
