package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeAPIDocs(t *testing.T) {
	rec := httptest.NewRecorder()
	ServeAPIDocs(rec, httptest.NewRequest("GET", "/docs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	page := rec.Body.String()
	assert.Contains(t, page, "WebSocket Protocol")
	assert.Contains(t, page, "move_made")
	assert.Contains(t, page, "/api/leaderboard")
	assert.Contains(t, page, "/api/games/{id}")
}
