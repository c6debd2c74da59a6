package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dkeye/Hearth/internal/adapters/signal"
	"github.com/dkeye/Hearth/internal/adapters/store"
	"github.com/dkeye/Hearth/internal/app/media"
	"github.com/dkeye/Hearth/internal/app/orch"
	"github.com/dkeye/Hearth/internal/app/presence"
	"github.com/dkeye/Hearth/internal/app/rooms"
	"github.com/dkeye/Hearth/internal/app/sfu"
	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/core/mocks"
	"github.com/dkeye/Hearth/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := gomock.NewController(t)
	auth := mocks.NewMockAuthService(ctrl)
	auth.EXPECT().Verify(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, cred string) (domain.UserID, error) {
		if id, ok := strings.CutPrefix(cred, "Bearer "); ok && id != "" {
			return domain.UserID(id), nil
		}
		return "", fmt.Errorf("%w: bad token", domain.ErrAuthentication)
	}).AnyTimes()

	cfg := config.Default()
	cfg.Mode = "test"
	cfg.Secret = "router-test-secret"
	cfg.Media.Workers = 1
	cfg.Media.PortMin, cfg.Media.PortMax = 44000, 44009

	mem := store.NewMemory()
	relays := sfu.NewRelayManager()
	m, err := media.New(cfg.Media, relays)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	o := orch.New(rooms.NewRegistry(mem, rooms.Limits{MinSize: 2, MaxSize: 100}), m, presence.NewManager(nil), mem, relays)
	ctl := signal.NewController(o, auth, cfg)
	return SetupRouter(context.Background(), cfg, Deps{Orch: o, Signal: ctl, Auth: auth})
}

func call(t *testing.T, h http.Handler, method, path, identity, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+identity)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	h := newRouter(t)

	w := call(t, h, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, w.Header().Get("Set-Cookie"), "HearthSessions=")

	w = call(t, h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestSignalRejectsBadCredential(t *testing.T) {
	h := newRouter(t)
	w := call(t, h, http.MethodGet, "/api/ws/signal?token=nope", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthenticated")
}

func TestRoomsRequireIdentity(t *testing.T) {
	h := newRouter(t)
	w := call(t, h, http.MethodGet, "/api/rooms", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoomLifecycle(t *testing.T) {
	h := newRouter(t)

	w := call(t, h, http.MethodPost, "/api/rooms", "owner", `{"name":"den","private":true}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var state orch.RoomState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	path := "/api/rooms/" + string(state.Room.ID)

	w = call(t, h, http.MethodPost, "/api/rooms", "owner", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(t, h, http.MethodGet, "/api/rooms", "owner", "")
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Rooms []orch.RoomState `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Rooms, 1)

	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, path, "mallory", "").Code)
	assert.Equal(t, http.StatusOK, call(t, h, http.MethodGet, path, "owner", "").Code)

	w = call(t, h, http.MethodPost, path+"/invites", "owner", `{"ttl_seconds":60}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var inv domain.Invite
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))
	assert.NotEmpty(t, inv.Code)
	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodPost, path+"/invites", "owner", `{"ttl_seconds":-5}`).Code)

	assert.Equal(t, http.StatusForbidden, call(t, h, http.MethodDelete, path, "mallory", "").Code)
	assert.Equal(t, http.StatusNoContent, call(t, h, http.MethodDelete, path, "owner", "").Code)
	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodGet, path, "owner", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}
