package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/dkeye/spaces/internal/adapters/http"
	"github.com/dkeye/spaces/internal/adapters/signal"
	"github.com/dkeye/spaces/internal/app"
	"github.com/dkeye/spaces/internal/app/orch"
	"github.com/dkeye/spaces/internal/auth"
	"github.com/dkeye/spaces/internal/config"
	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
	"github.com/dkeye/spaces/internal/protocol"
	"github.com/dkeye/spaces/internal/store"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	conns := app.NewConnectionRegistry()
	d := &orch.Dispatcher{Conns: conns, Policy: app.SimplePolicy{}}
	d.Registry = core.NewRegistry(core.RegistryConfig{}, d)
	hub := signal.NewHub(conns, signal.Options{})
	d.Attach(hub)

	router := apihttp.SetupRouter(context.Background(), config.ServerConfig{Mode: "test", Secret: "cookie"}, apihttp.Deps{
		Registry: d.Registry,
		Store:    store.NewMemory(),
		Issuer:   auth.NewIssuer("secret", time.Minute, "ws://media.test/api/ws/media"),
		Hub:      hub,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, who domain.UserID) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Options{ServerURL: srv.URL, Identity: who, RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recorder struct {
	mu    sync.Mutex
	snaps []domain.Snapshot
}

func (r *recorder) Observe(s domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) last() (domain.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return domain.Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func TestSpeakerFlowOverTheWire(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	space, err := NewAPI(Options{ServerURL: srv.URL, Identity: "alice"}).CreateSpace(ctx, CreateSpaceRequest{Title: "wire"})
	require.NoError(t, err)

	alice := dial(t, srv, "alice")
	ack, err := alice.Join(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, ack.MyRole)
	_, err = alice.Start(ctx, space.ID)
	require.NoError(t, err)

	bob := dial(t, srv, "bob")
	ack, err = bob.Join(ctx, space.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleListener, ack.MyRole)
	assert.Len(t, ack.Participants, 2)

	var seen recorder
	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	go Watch(watchCtx, bob, space.ID, ack.Version, &seen, nil)

	requests := make(chan protocol.Envelope, 8)
	go Watch(watchCtx, alice, space.ID, 0, &recorder{}, func(env protocol.Envelope) {
		if env.Event == protocol.EventSpeakerRequestReceived {
			requests <- env
		}
	})

	require.NoError(t, bob.RequestToSpeak(space.ID))
	select {
	case env := <-requests:
		var p protocol.SpeakerRequestReceived
		require.NoError(t, protocol.Unmarshal(env, &p))
		assert.Equal(t, "bob", p.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("host never saw the request")
	}

	_, err = alice.Approve(ctx, space.ID, "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := seen.last()
		if !ok {
			return false
		}
		p, ok := s.Participant("bob")
		return ok && p.Role == domain.RoleSpeaker
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Mute(space.ID, "", true))
	require.Eventually(t, func() bool {
		s, _ := seen.last()
		p, ok := s.Participant("bob")
		return ok && p.IsMuted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAckErrorsMapToDomain(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	space, err := NewAPI(Options{ServerURL: srv.URL, Identity: "alice"}).CreateSpace(ctx, CreateSpaceRequest{Title: "errs"})
	require.NoError(t, err)

	bob := dial(t, srv, "bob")
	_, err = bob.Start(ctx, space.ID)
	assert.ErrorIs(t, err, domain.ErrNotHost)

	_, err = bob.Join(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = bob.Request(ctx, protocol.EventJoin, map[string]string{})
	assert.ErrorIs(t, err, protocol.ErrBadPayload)
}

func TestTokenRequiresJoin(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	api := NewAPI(Options{ServerURL: srv.URL, Identity: "bob"})
	space, err := NewAPI(Options{ServerURL: srv.URL, Identity: "alice"}).CreateSpace(ctx, CreateSpaceRequest{Title: "tok"})
	require.NoError(t, err)

	_, err = api.Token(ctx, space.ID)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	bob := dial(t, srv, "bob")
	_, err = bob.Join(ctx, space.ID)
	require.NoError(t, err)
	grant, err := api.Token(ctx, space.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Token)
	assert.Equal(t, "ws://media.test/api/ws/media", grant.TransportURL)
}

func TestConcurrentJoinsAgree(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	space, err := NewAPI(Options{ServerURL: srv.URL, Identity: "alice"}).CreateSpace(ctx, CreateSpaceRequest{Title: "dup"})
	require.NoError(t, err)
	bob := dial(t, srv, "bob")

	var wg sync.WaitGroup
	acks := make([]protocol.Ack, 4)
	errs := make([]error, 4)
	for i := range acks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks[i], errs[i] = bob.Join(ctx, space.ID)
		}(i)
	}
	wg.Wait()
	for i := range acks {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.RoleListener, acks[i].MyRole)
		assert.Len(t, acks[i].Participants, 1)
	}
}

func TestPing(t *testing.T) {
	srv := newServer(t)
	c := dial(t, srv, "alice")
	rtt, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Positive(t, rtt)
}

func TestRequestTimesOut(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), Options{ServerURL: srv.URL, Identity: "alice", RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Join(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSnapshotOf(t *testing.T) {
	s := SnapshotOf(protocol.ParticipantsUpdate{
		SpaceID: "s1",
		Status:  domain.StatusLive,
		Version: 7,
		Participants: []domain.Participant{
			{UserID: "alice", Role: domain.RoleHost},
			{UserID: "bob", Role: domain.RoleListener},
		},
		Timestamp: 1700000000000,
	})
	assert.Equal(t, domain.UserID("alice"), s.Host)
	assert.Equal(t, uint64(7), s.Version)
	assert.Equal(t, int64(1700000000000), s.At.UnixMilli())
}

func TestWatchSkipsVersionsAtOrBeforeSince(t *testing.T) {
	c := &Client{events: make(chan protocol.Envelope, 8), done: make(chan struct{})}
	for _, v := range []uint64{3, 5, 4, 6} {
		frame, err := protocol.Encode(protocol.Message{
			Event: protocol.EventParticipantsUpdate,
			Data:  protocol.ParticipantsUpdate{SpaceID: "s1", Status: domain.StatusLive, Version: v},
		})
		require.NoError(t, err)
		env, err := protocol.Decode(frame)
		require.NoError(t, err)
		c.events <- env
	}
	close(c.events)

	var seen recorder
	Watch(context.Background(), c, "s1", 4, &seen, nil)

	var versions []uint64
	for _, s := range seen.snaps {
		versions = append(versions, s.Version)
	}
	assert.Equal(t, []uint64{5, 6}, versions)
}

func TestWsURL(t *testing.T) {
	u, err := wsURL("https://spaces.example/base/", "/api/ws/signal")
	require.NoError(t, err)
	assert.Equal(t, "wss://spaces.example/base/api/ws/signal", u)
}
