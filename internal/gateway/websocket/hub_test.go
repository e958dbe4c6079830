package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chr1sbest/ralphd/internal/events"
	"github.com/chr1sbest/ralphd/internal/logger"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []*Message
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) messages() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Message(nil), f.sent...)
}

func (f *fakeConn) types() []string {
	var out []string
	for _, m := range f.messages() {
		out = append(out, m.Type)
	}
	return out
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestHub(opts ...HubOption) (*Hub, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]HubOption{WithClock(clk.Now)}, opts...)
	return NewHub(logger.NewNoopLogger(), opts...), clk
}

func frame(t *testing.T, msgType string, payload any) []byte {
	t.Helper()
	msg, err := NewMessage(msgType, payload)
	require.NoError(t, err)
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return b
}

func TestPingPong(t *testing.T) {
	hub, _ := newTestHub()
	a := newFakeConn("a")
	hub.Register(a)

	hub.HandleMessage("a", frame(t, TypePing, nil))

	msgs := a.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, TypePong, msgs[0].Type)
	var p struct {
		Timestamp time.Time `json:"timestamp"`
	}
	require.NoError(t, msgs[0].ParsePayload(&p))
	assert.False(t, p.Timestamp.IsZero())
}

func TestSyncRequestOnlyAnswersRequester(t *testing.T) {
	state := map[string]any{"status": "running", "executionId": "01J"}
	hub, _ := newTestHub(WithSnapshot(func() any { return state }))
	a, b := newFakeConn("a"), newFakeConn("b")
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe("b", events.ChannelExecution)

	hub.HandleMessage("a", frame(t, TypeSyncRequest, nil))

	assert.Empty(t, b.messages(), "sync:response must never reach another connection")
	msgs := a.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeSyncResponse, msgs[0].Type)

	var p struct {
		Data      map[string]any `json:"data"`
		Timestamp time.Time      `json:"timestamp"`
	}
	require.NoError(t, msgs[0].ParsePayload(&p))
	assert.Equal(t, "running", p.Data["status"])
}

func TestExecutionEventsReachSubscribersOnly(t *testing.T) {
	hub, _ := newTestHub()
	sub, other := newFakeConn("sub"), newFakeConn("other")
	hub.Register(sub)
	hub.Register(other)

	hub.HandleMessage("sub", frame(t, TypeSubscribe, ChannelsRequest{Channels: []string{events.ChannelExecution}}))
	hub.HandleMessage("other", frame(t, TypeSubscribe, ChannelsRequest{Channels: []string{"phase:planning"}}))
	assert.Equal(t, []string{events.ChannelExecution}, hub.Subscriptions("sub"))

	hub.PublishExecution(events.Progress, "exec-1", "phase-1", map[string]any{"overallProgress": 40})

	assert.Empty(t, other.messages())
	msgs := sub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "phase:execution:progress", msgs[0].Type)

	var p struct {
		ExecutionID string         `json:"executionId"`
		PhaseID     string         `json:"phaseId"`
		Data        map[string]any `json:"data"`
		Timestamp   time.Time      `json:"timestamp"`
	}
	require.NoError(t, msgs[0].ParsePayload(&p))
	assert.Equal(t, "exec-1", p.ExecutionID)
	assert.Equal(t, "phase-1", p.PhaseID)
	assert.EqualValues(t, 40, p.Data["overallProgress"])

	hub.HandleMessage("sub", frame(t, TypeUnsubscribe, ChannelsRequest{Channels: []string{events.ChannelExecution}}))
	hub.PublishExecution(events.Completed, "exec-1", "phase-1", nil)
	assert.Len(t, sub.messages(), 1)
}

func TestInvalidFrames(t *testing.T) {
	hub, _ := newTestHub()
	a := newFakeConn("a")
	hub.Register(a)

	hub.HandleMessage("a", []byte("{not json"))
	hub.HandleMessage("a", frame(t, "bogus", nil))
	hub.HandleMessage("missing", frame(t, TypePing, nil))

	assert.Equal(t, []string{TypeError, TypeError}, a.types())
}

func TestCheckHeartbeatTimeout(t *testing.T) {
	hub, clk := newTestHub()
	fresh, stale := newFakeConn("fresh"), newFakeConn("stale")
	hub.Register(stale)
	clk.Advance(6 * time.Second)
	hub.Register(fresh)

	clk.Advance(9 * time.Second)
	assert.Empty(t, hub.CheckHeartbeatTimeout(15*time.Second), "exactly 15s old is not past the threshold")

	clk.Advance(1 * time.Second)
	// fresh is now 10s old, stale 16s.
	assert.Equal(t, []string{"stale"}, hub.CheckHeartbeatTimeout(15*time.Second))

	hub.HandleMessage("stale", frame(t, TypePing, nil))
	assert.Empty(t, hub.CheckHeartbeatTimeout(15*time.Second))
}

func TestPruneStale(t *testing.T) {
	hub, clk := newTestHub()
	a, b := newFakeConn("a"), newFakeConn("b")
	hub.Register(a)
	hub.Subscribe("a", events.ChannelExecution)
	clk.Advance(time.Minute)
	hub.Register(b)

	pruned := hub.PruneStale(30 * time.Second)
	assert.Equal(t, []string{"a"}, pruned)
	assert.True(t, a.closed)
	assert.False(t, b.closed)
	assert.Equal(t, 1, hub.ClientCount())
	assert.Nil(t, hub.Subscriptions("a"))
}

func TestExecutionHeartbeatReachesEveryone(t *testing.T) {
	hub, _ := newTestHub(WithHeartbeatFields(func() map[string]any {
		return map[string]any{"status": "running"}
	}))
	a, b := newFakeConn("a"), newFakeConn("b")
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe("a", events.ChannelExecution)

	hub.StartExecutionHeartbeat(5 * time.Millisecond)
	hub.StartExecutionHeartbeat(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(a.messages()) > 0 && len(b.messages()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	hub.StopExecutionHeartbeat()
	hub.StopExecutionHeartbeat()

	msg := b.messages()[0]
	assert.Equal(t, TypeHeartbeat, msg.Type)
	var p map[string]any
	require.NoError(t, msg.ParsePayload(&p))
	assert.Equal(t, "running", p["status"])
	assert.Contains(t, p, "timestamp")
}

func TestHandlerRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(logger.NewNoopLogger(), WithSnapshot(func() any {
		return map[string]any{"status": "idle"}
	}))
	router := gin.New()
	router.GET("/ws", NewHandler(hub, nil).HandleConnection)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, frame(t, TypeSyncRequest, nil)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeSyncResponse, msg.Type)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHandlerRefusesForeignOrigin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(logger.NewNoopLogger())
	router := gin.New()
	router.GET("/ws", NewHandler(hub, nil).HandleConnection)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Zero(t, hub.ClientCount())

	conn, _, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": {"http://localhost:5173"}})
	require.NoError(t, err)
	conn.Close()
}
