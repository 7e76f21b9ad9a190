package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodewave/goatsync/internal/infrastructure/cache"
)

func TestBacklogPutGetRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	mc, err := cache.NewMemoryCache(8, nil)
	require.NoError(t, err)
	s.SetBacklogCache(mc, time.Minute)

	body := []byte(`{"items":["bread","milk"]}`)
	req := httptest.NewRequest(http.MethodPut, "/backlog/groceries", jsonBody(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/backlog/groceries", nil)
	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.JSONEq(t, string(body), string(got))

	// the write populated L2, so the second read is served from cache
	var cached json.RawMessage
	require.NoError(t, mc.Get(context.Background(), "backlog:groceries", &cached))
	assert.JSONEq(t, string(body), string(cached))
}

func TestBacklogGetMissingReturns404(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/backlog/unknown", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBacklogGetFallsThroughToStoreWithoutL2(t *testing.T) {
	s, _ := newTestServer(t)

	body := []byte(`[1,2,3]`)
	req := httptest.NewRequest(http.MethodPut, "/backlog/nums", jsonBody(body))
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/backlog/nums", nil)
	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBacklogDeleteRemovesBothLayers(t *testing.T) {
	s, _ := newTestServer(t)
	mc, err := cache.NewMemoryCache(8, nil)
	require.NoError(t, err)
	s.SetBacklogCache(mc, time.Minute)

	req := httptest.NewRequest(http.MethodPut, "/backlog/doomed", jsonBody([]byte(`"x"`)))
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/backlog/doomed", nil)
	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/backlog/doomed", nil)
	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	exists, err := mc.Exists(context.Background(), "backlog:doomed")
	require.NoError(t, err)
	assert.False(t, exists)
}
