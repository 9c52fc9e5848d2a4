package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthzAlwaysOK(t *testing.T) {
	r := NewRouter(nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsFailingCheck(t *testing.T) {
	checks := map[string]Checker{
		"database": func(ctx context.Context) error { return errors.New("connection refused") },
		"broker":   func(ctx context.Context) error { return nil },
	}
	r := NewRouter(checks, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyzOKWhenAllChecksPass(t *testing.T) {
	checks := map[string]Checker{
		"database": func(ctx context.Context) error { return nil },
	}
	r := NewRouter(checks, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
