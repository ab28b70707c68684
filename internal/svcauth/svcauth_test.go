package svcauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	issuer := NewIssuer([]byte("secret"), "upload", time.Minute)
	token, err := issuer.Issue("upload")
	require.NoError(t, err)

	claims, err := issuer.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "upload", claims.Service)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer([]byte("secret"), "upload", time.Minute)
	token, err := issuer.Issue("upload")
	require.NoError(t, err)

	other := NewIssuer([]byte("different"), "upload", time.Minute)
	_, err = other.Validate(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	issuer := NewIssuer([]byte("secret"), "upload", -time.Minute)
	token, err := issuer.Issue("upload")
	require.NoError(t, err)

	_, err = issuer.Validate(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	issuer := NewIssuer([]byte("secret"), "upload", time.Minute)
	called := false
	h := issuer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/private/reserve", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.False(t, called)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	issuer := NewIssuer([]byte("secret"), "upload", time.Minute)
	token, err := issuer.Issue("upload")
	require.NoError(t, err)

	var gotService string
	h := issuer.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotService = CallerService(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/private/reserve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "upload", gotService)
}
