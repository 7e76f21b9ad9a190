package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	n := NewPathNormalizer()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "conflict resolve with uuid",
			input:    "/conflicts/123e4567-e89b-12d3-a456-426614174000/resolve",
			expected: "/conflicts/{id}/resolve",
		},
		{
			name:     "uppercase uuid",
			input:    "/conflicts/123E4567-E89B-12D3-A456-426614174000/resolve",
			expected: "/conflicts/{id}/resolve",
		},
		{
			name:     "backlog key",
			input:    "/backlog/groceries-2024",
			expected: "/backlog/{key}",
		},
		{
			name:     "backlog key with nested slashes",
			input:    "/backlog/team/alpha/sprint-9",
			expected: "/backlog/{key}",
		},
		{
			name:     "static path unchanged",
			input:    "/snapshot",
			expected: "/snapshot",
		},
		{
			name:     "metrics path unchanged",
			input:    "/metrics",
			expected: "/metrics",
		},
		{
			name:     "root unchanged",
			input:    "/",
			expected: "/",
		},
		{
			name:     "bare backlog prefix unchanged",
			input:    "/backlog/",
			expected: "/backlog/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, n.NormalizePath(tt.input))
		})
	}
}

func TestPathNormalizationMiddlewareSetsHeader(t *testing.T) {
	var seen string
	handler := PathNormalization()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(NormalizedPathHeader)
		assert.Equal(t, "/backlog/groceries", r.URL.Path, "raw path must stay intact for routing")
	}))

	req := httptest.NewRequest(http.MethodGet, "/backlog/groceries", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, "/backlog/{key}", seen)
}
