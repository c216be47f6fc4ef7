package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

func TestHTTPProvider_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"count":3}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{})
	res, err := p.Execute(context.Background(), Invocation{
		Action: "get",
		Params: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	out := res.Output.(map[string]any)
	assert.Equal(t, 200, out["status_code"])
	body := out["body"].(map[string]any)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(3), body["count"])
}

func TestHTTPProvider_CredentialBearerFallback(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{})
	res, err := p.Execute(context.Background(), Invocation{
		Action: "get",
		Params: map[string]any{"url": srv.URL},
		Credential: &schema.Credential{
			UserID:   "u",
			Provider: "http",
			Fields:   map[string]string{"token": "tok-123"},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestHTTPProvider_ExplicitAuthOverridesCredential(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{})
	_, err := p.Execute(context.Background(), Invocation{
		Action: "get",
		Params: map[string]any{
			"url":  srv.URL,
			"auth": map[string]any{"type": "bearer", "token": "explicit"},
		},
		Credential: &schema.Credential{Fields: map[string]string{"token": "stored"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer explicit", gotAuth)
}

func TestHTTPProvider_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{})
	res, err := p.Execute(context.Background(), Invocation{
		Action: "get",
		Params: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrKindProviderTransient, res.Error.Kind)
}

func TestHTTPProvider_ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{})
	res, err := p.Execute(context.Background(), Invocation{
		Action: "get",
		Params: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrKindProviderPermanent, res.Error.Kind)
}

func TestHTTPProvider_ConnectionRefusedIsTransient(t *testing.T) {
	p := NewHTTPProvider(HTTPConfig{})
	res, err := p.Execute(context.Background(), Invocation{
		Action: "get",
		Params: map[string]any{"url": "http://127.0.0.1:1", "timeout": "200ms"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrKindProviderTransient, res.Error.Kind)
}

func TestHTTPProvider_Post(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{})
	res, err := p.Execute(context.Background(), Invocation{
		Action: "post",
		Params: map[string]any{
			"url":  srv.URL,
			"body": map[string]any{"hello": "world"},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestHTTPProvider_Validate(t *testing.T) {
	p := NewHTTPProvider(HTTPConfig{})
	require.Error(t, p.Validate("get", map[string]any{}))
	require.Error(t, p.Validate("get", map[string]any{"url": "ftp://example.com"}))
	require.Error(t, p.Validate("delete", map[string]any{"url": "http://example.com"}))
	require.NoError(t, p.Validate("request", map[string]any{"url": "https://example.com"}))
}
