package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Authentication("bad token", nil), http.StatusUnauthorized},
		{Authorization("admin required"), http.StatusForbidden},
		{RateLimited(), http.StatusTooManyRequests},
		{NotFound("service not found", nil), http.StatusNotFound},
		{Invalid("bad body", nil), http.StatusUnprocessableEntity},
		{Unavailable("collector down", nil), http.StatusServiceUnavailable},
		{UnavailableInternal("idp down", nil), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Status(tc.err), tc.err.Error())
	}
}

func TestAsFindsWrappedError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("forward: %w", Unavailable("Collector service unavailable", cause))

	ae := As(err)
	require.NotNil(t, ae)
	assert.Equal(t, KindUnavailable, ae.Kind)
	assert.ErrorIs(t, err, cause)
}

func TestWriteJSONDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, Authentication("Invalid token", errors.New("signature is invalid")))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Invalid token", body["detail"])
}

func TestWriteRateLimitedIsPlainText(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, RateLimited())

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Rate limit exceeded", rec.Body.String())
}

func TestInternalHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, errors.New("password=hunter2 leaked"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}
