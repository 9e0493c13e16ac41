package http

import (
	"bytes"
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/spaces/internal/auth"
	"github.com/dkeye/spaces/internal/config"
	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/metrics"
	"github.com/dkeye/spaces/internal/store"
)

type fixture struct {
	router   *gin.Engine
	registry *core.Registry
	store    *store.Memory
	issuer   *auth.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.New().Register(reg))

	f := &fixture{
		registry: core.NewRegistry(core.RegistryConfig{}, nil),
		store:    store.NewMemory(),
		issuer:   auth.NewIssuer("test-secret", time.Minute, "ws://media.test/api/ws/media"),
	}
	f.router = SetupRouter(context.Background(), config.ServerConfig{Mode: "test", Secret: "cookie-secret"}, Deps{
		Registry: f.registry,
		Store:    f.store,
		Issuer:   f.issuer,
		Gatherer: reg,
	})
	return f
}

func (f *fixture) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.AddCookie(&nethttp.Cookie{Name: clientTokenCookie, Value: user})
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetSpace(t *testing.T) {
	f := newFixture(t)

	w := f.do(nethttp.MethodPost, "/api/spaces", "alice", gin.H{"title": "Go talk", "speakerPermission": "invited"})
	require.Equal(t, nethttp.StatusCreated, w.Code, w.Body.String())
	var space domain.Space
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &space))
	assert.Equal(t, domain.UserID("alice"), space.Host)
	assert.Equal(t, domain.StatusScheduled, space.Status)
	assert.Equal(t, domain.SpeakInvited, space.SpeakerPermission)

	_, _, err := f.registry.Join(space.ID, "alice")
	require.NoError(t, err)

	w = f.do(nethttp.MethodGet, "/api/spaces/"+string(space.ID), "bob", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	var view spaceView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.NotNil(t, view.Snapshot)
	assert.Len(t, view.Snapshot.Participants, 1)
	require.NotNil(t, view.Summary)
	assert.Equal(t, 1, view.Summary.ParticipantCount)
}

func TestCreateRejectsBadBody(t *testing.T) {
	f := newFixture(t)
	for _, body := range []gin.H{
		{},
		{"title": "x", "speakerPermission": "friends"},
		{"title": "x", "maxParticipants": -1},
	} {
		w := f.do(nethttp.MethodPost, "/api/spaces", "alice", body)
		assert.Equal(t, nethttp.StatusBadRequest, w.Code, body)
		assert.Contains(t, w.Body.String(), "INVALID_SPEC")
	}
}

func TestGetUnknownSpace(t *testing.T) {
	f := newFixture(t)
	w := f.do(nethttp.MethodGet, "/api/spaces/missing", "alice", nil)
	assert.Equal(t, nethttp.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "ROOM_NOT_FOUND")
}

func TestGetHydratesPersistedSpace(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.CreateSpace(context.Background(), domain.Space{
		ID: "stored", Title: "From disk", Status: domain.StatusLive, Host: "carol", Creator: "carol",
		SpeakerPermission: domain.SpeakEveryone, CreatedAt: time.Now(),
	}))

	w := f.do(nethttp.MethodGet, "/api/spaces/stored", "alice", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.True(t, f.registry.Known("stored"))
}

func TestTokenRequiresParticipant(t *testing.T) {
	f := newFixture(t)
	space, err := f.registry.CreateRoom(domain.SpaceSpec{Title: "t", Host: "alice"})
	require.NoError(t, err)

	w := f.do(nethttp.MethodPost, "/api/spaces/"+string(space.ID)+"/token", "bob", nil)
	assert.Equal(t, nethttp.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_PARTICIPANT")

	_, _, err = f.registry.Join(space.ID, "bob")
	require.NoError(t, err)
	w = f.do(nethttp.MethodPost, "/api/spaces/"+string(space.ID)+"/token", "bob", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)

	var grant auth.Grant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))
	assert.Equal(t, "ws://media.test/api/ws/media", grant.TransportURL)
	gotSpace, gotUser, err := f.issuer.Verify(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, space.ID, gotSpace)
	assert.Equal(t, domain.UserID("bob"), gotUser)
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)
	a, err := f.registry.CreateRoom(domain.SpaceSpec{Title: "a", Host: "alice"})
	require.NoError(t, err)
	_, err = f.registry.CreateRoom(domain.SpaceSpec{Title: "b", Host: "bob"})
	require.NoError(t, err)
	_, err = f.registry.StartRoom(a.ID, "alice")
	require.NoError(t, err)

	w := f.do(nethttp.MethodGet, "/api/spaces?status=live", "x", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)
	var body struct {
		Spaces []spaceView `json:"spaces"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Spaces, 1)
	assert.Equal(t, a.ID, body.Spaces[0].Space.ID)
}

func TestFollow(t *testing.T) {
	f := newFixture(t)
	w := f.do(nethttp.MethodPost, "/api/users/alice/follow", "bob", nil)
	require.Equal(t, nethttp.StatusNoContent, w.Code)

	ok, err := f.store.IsFollower(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClientTokenIssuedOnce(t *testing.T) {
	f := newFixture(t)
	w := f.do(nethttp.MethodGet, "/healthz", "", nil)
	require.Equal(t, nethttp.StatusOK, w.Code)

	var ct string
	for _, c := range w.Result().Cookies() {
		if c.Name == clientTokenCookie {
			ct = c.Value
		}
	}
	assert.NotEmpty(t, ct)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(nethttp.MethodGet, "/metrics", "", nil)
	assert.Equal(t, nethttp.StatusOK, w.Code)
}
