package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepair/gateway/auth"
)

// stubAuthService accepts exactly one refresh token.
func stubAuthService(t *testing.T, validRefresh string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/renew", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["refreshToken"] != validRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "fresh-access"})
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["refreshToken"] != validRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T, authURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	s := newTestGateway(t, mr, "gw-http", time.Minute)
	r := gin.New()
	s.RegisterHandlers(r, auth.NewClient(auth.Config{ServiceURL: authURL}))
	return r
}

func TestHandleRenew(t *testing.T) {
	authSrv := stubAuthService(t, "good-refresh")
	r := newTestRouter(t, authSrv.URL)

	t.Run("valid refresh token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/renew",
			strings.NewReader(`{"refreshToken":"good-refresh"}`))
		r.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "fresh-access", resp["accessToken"])
	})

	t.Run("rejected refresh token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/renew",
			strings.NewReader(`{"refreshToken":"stolen"}`))
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("missing body", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/renew", strings.NewReader(`{}`))
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandleLogout(t *testing.T) {
	authSrv := stubAuthService(t, "good-refresh")
	r := newTestRouter(t, authSrv.URL)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/logout",
		strings.NewReader(`{"refreshToken":"good-refresh"}`))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleHealthEndpoint(t *testing.T) {
	authSrv := stubAuthService(t, "x")
	r := newTestRouter(t, authSrv.URL)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, true, resp["registry_available"])
}

func TestWSHandshakeRequiresIdentity(t *testing.T) {
	authSrv := stubAuthService(t, "x")
	r := newTestRouter(t, authSrv.URL)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
