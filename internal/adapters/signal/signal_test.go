package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/domain"
)

type staticIndex struct {
	mu    sync.Mutex
	conns map[domain.SpaceID][]core.ConnID
}

func (s *staticIndex) Subscribers(space domain.SpaceID) []core.ConnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.ConnID(nil), s.conns[space]...)
}

func (s *staticIndex) add(space domain.SpaceID, id core.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[space] = append(s.conns[space], id)
}

type recorder struct {
	opened   chan core.ConnID
	messages chan string
	closed   chan core.ConnID
	users    sync.Map
}

func newHubServer(t *testing.T) (*Hub, *staticIndex, *recorder, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	idx := &staticIndex{conns: make(map[domain.SpaceID][]core.ConnID)}
	hub := NewHub(idx, Options{PingPeriod: time.Second, SendBuffer: 4})
	rec := &recorder{
		opened:   make(chan core.ConnID, 8),
		messages: make(chan string, 8),
		closed:   make(chan core.ConnID, 8),
	}
	hub.OnOpen(func(id core.ConnID, user domain.UserID) {
		rec.users.Store(id, user)
		rec.opened <- id
	})
	hub.OnMessage(func(id core.ConnID, frame core.Frame) { rec.messages <- string(frame) })
	hub.OnClose(func(id core.ConnID) { rec.closed <- id })

	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set("client_token", c.Query("as"))
		hub.HandleSignal(context.Background(), c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, idx, rec, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url, user string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url+"?as="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitConn(t *testing.T, ch chan core.ConnID) core.ConnID {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
		return ""
	}
}

func TestHubDeliversBothWays(t *testing.T) {
	hub, idx, rec, url := newHubServer(t)
	ws := dial(t, url, "alice")
	id := waitConn(t, rec.opened)
	user, _ := rec.users.Load(id)
	assert.Equal(t, domain.UserID("alice"), user)
	assert.Equal(t, 1, hub.Count())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	select {
	case msg := <-rec.messages:
		assert.Equal(t, `{"event":"ping"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	idx.add("s", id)
	idx.add("s", "gone")
	res := hub.Broadcast("s", core.Frame(`{"event":"space:started"}`))
	assert.Equal(t, 1, res.SendTo)
	assert.Empty(t, res.Dropped)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"space:started"}`, string(data))
}

func TestHubDisconnectFiresClose(t *testing.T) {
	hub, _, rec, url := newHubServer(t)
	dial(t, url, "bob")
	id := waitConn(t, rec.opened)

	hub.Disconnect(id)
	assert.Equal(t, id, waitConn(t, rec.closed))
	assert.Zero(t, hub.Count())
	assert.ErrorIs(t, hub.Send(id, core.Frame("x")), core.ErrUnknownConn)
}

func TestClientCloseFiresClose(t *testing.T) {
	_, _, rec, url := newHubServer(t)
	ws := dial(t, url, "carol")
	id := waitConn(t, rec.opened)

	require.NoError(t, ws.Close())
	assert.Equal(t, id, waitConn(t, rec.closed))
}

func TestMissingIdentityIsRejected(t *testing.T) {
	_, _, _, url := newHubServer(t)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestTrySendBackpressure(t *testing.T) {
	c := &WsSignalConn{send: make(chan core.Frame, 1)}
	require.NoError(t, c.TrySend(core.Frame("a")))
	assert.ErrorIs(t, c.TrySend(core.Frame("b")), core.ErrBackpressure)

	c.Close()
	assert.ErrorIs(t, c.TrySend(core.Frame("c")), core.ErrConnClosed)
	c.Close()
}
