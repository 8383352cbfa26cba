package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geotrack/geotrack/pkg/logx"
)

func TestNopChannel(t *testing.T) {
	var ch Channel = Nop{}
	ctx := context.Background()

	status, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, status)
	assert.NoError(t, ch.Track(ctx, Payload{AgentID: "a"}))
	assert.NoError(t, ch.Untrack(ctx))
	assert.NoError(t, ch.Leave(ctx))
}

func TestKindFor(t *testing.T) {
	assert.Equal(t, EventJoin, kindFor(Payload{Status: "online"}))
	assert.Equal(t, EventLeave, kindFor(Payload{Status: "offline"}))
}

// fakeToken completes immediately with err
type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// pendingToken never completes
type pendingToken struct{ fakeToken }

func (t *pendingToken) Done() <-chan struct{} { return make(chan struct{}) }

type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return m.retained }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	MQTT.Client

	mu           sync.Mutex
	opts         *MQTT.ClientOptions
	connectToken MQTT.Token
	handler      MQTT.MessageHandler
	published    []published
	disconnected bool
}

func (c *fakeClient) Connect() MQTT.Token {
	if c.connectToken != nil {
		return c.connectToken
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb MQTT.MessageHandler) MQTT.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = cb
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) MQTT.Token { return &fakeToken{} }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) deliver(msg MQTT.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	h(c, msg)
}

func newTestMQTT(t *testing.T, fake *fakeClient, handler Handler) *MQTTChannel {
	t.Helper()
	ch := NewMQTTChannel(MQTTConfig{
		Broker:         "localhost",
		TopicPrefix:    "geotrack",
		AgentID:        "agent-1",
		ConnectTimeout: 50 * time.Millisecond,
	}, logx.Discard(), handler)
	ch.newClient = func(opts *MQTT.ClientOptions) MQTT.Client {
		fake.opts = opts
		return fake
	}
	return ch
}

func TestMQTTChannelLifecycle(t *testing.T) {
	fake := &fakeClient{}
	var events []Event
	ch := newTestMQTT(t, fake, func(e Event) { events = append(events, e) })
	ctx := context.Background()

	status, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, status)
	assert.True(t, fake.opts.WillEnabled)
	assert.True(t, fake.opts.WillRetained)
	assert.Equal(t, "geotrack/presence/agent-1", fake.opts.WillTopic)
	assert.Contains(t, string(fake.opts.WillPayload), `"offline"`)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ch.Track(ctx, Payload{AgentID: "agent-1", Status: "online", SessionID: "s1", OnlineAt: now}))
	require.Len(t, fake.published, 1)
	assert.Equal(t, "geotrack/presence/agent-1", fake.published[0].topic)
	assert.True(t, fake.published[0].retained)

	var p Payload
	require.NoError(t, json.Unmarshal(fake.published[0].payload, &p))
	assert.Equal(t, "online", p.Status)
	assert.Equal(t, "s1", p.SessionID)

	fake.deliver(&fakeMessage{topic: "geotrack/presence/agent-2", payload: []byte(`{"status":"online"}`), retained: true})
	fake.deliver(&fakeMessage{topic: "geotrack/presence/agent-3", payload: []byte(`{"agent_id":"agent-3","status":"online"}`)})
	fake.deliver(&fakeMessage{topic: "geotrack/presence/agent-3", payload: []byte(`{"agent_id":"agent-3","status":"offline"}`)})
	fake.deliver(&fakeMessage{topic: "geotrack/presence/agent-4", payload: []byte(`not json`)})
	fake.deliver(&fakeMessage{topic: "geotrack/presence/agent-5", payload: nil})

	require.Len(t, events, 3)
	assert.Equal(t, EventSync, events[0].Kind)
	assert.Equal(t, "agent-2", events[0].Payload.AgentID)
	assert.Equal(t, EventJoin, events[1].Kind)
	assert.Equal(t, EventLeave, events[2].Kind)

	require.NoError(t, ch.Untrack(ctx))
	require.Len(t, fake.published, 2)
	require.NoError(t, json.Unmarshal(fake.published[1].payload, &p))
	assert.Equal(t, "offline", p.Status)
	assert.Equal(t, "s1", p.SessionID)

	assert.NoError(t, ch.Untrack(ctx), "second untrack is a no-op")
	assert.Len(t, fake.published, 2)

	require.NoError(t, ch.Leave(ctx))
	assert.True(t, fake.disconnected)
	assert.NoError(t, ch.Leave(ctx))
}

func TestMQTTChannelConnectTimeout(t *testing.T) {
	fake := &fakeClient{connectToken: &pendingToken{}}
	ch := newTestMQTT(t, fake, nil)

	status, err := ch.Subscribe(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusTimedOut, status)
	assert.True(t, fake.disconnected)
}

func TestMQTTChannelConnectRefused(t *testing.T) {
	fake := &fakeClient{connectToken: &fakeToken{err: assert.AnError}}
	ch := newTestMQTT(t, fake, nil)

	status, err := ch.Subscribe(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StatusChannelError, status)
}

func TestMQTTTrackBeforeSubscribe(t *testing.T) {
	ch := newTestMQTT(t, &fakeClient{}, nil)
	assert.Error(t, ch.Track(context.Background(), Payload{AgentID: "agent-1"}))
}

// presenceServer acks subscribe, broadcasts a join, and records frames.
// With drop set it hangs up right after the ack.
type presenceServer struct {
	upgrader websocket.Upgrader
	frames   chan Frame
	channel  chan string
	ack      bool
	drop     bool
}

func (s *presenceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.channel <- r.URL.Query().Get("channel")

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.frames <- f
		if f.Event == "subscribe" && s.ack {
			_ = conn.WriteJSON(Frame{Event: "subscribed"})
			raw := json.RawMessage(`{"agent_id":"agent-2","status":"online"}`)
			_ = conn.WriteJSON(Frame{Event: "presence_join", Payload: &raw})
			_ = conn.WriteJSON(Frame{Event: "noise"})
			if s.drop {
				return
			}
		}
	}
}

func startPresenceServer(t *testing.T, ack, drop bool) (*presenceServer, string) {
	t.Helper()
	s := &presenceServer{frames: make(chan Frame, 10), channel: make(chan string, 1), ack: ack, drop: drop}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
}

func TestWSChannelLifecycle(t *testing.T) {
	server, url := startPresenceServer(t, true, false)
	events := make(chan Event, 4)
	ch := NewWSChannel(url, "agents-presence", logx.Discard(), func(e Event) { events <- e })
	ctx := context.Background()

	status, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, status)
	assert.Equal(t, "agents-presence", <-server.channel)
	assert.Equal(t, "subscribe", (<-server.frames).Event)

	select {
	case e := <-events:
		assert.Equal(t, EventJoin, e.Kind)
		assert.Equal(t, "agent-2", e.Payload.AgentID)
	case <-time.After(time.Second):
		t.Fatal("no presence event delivered")
	}

	require.NoError(t, ch.Track(ctx, Payload{AgentID: "agent-1", Status: "online", SessionID: "s1"}))
	f := <-server.frames
	assert.Equal(t, "track", f.Event)
	require.NotNil(t, f.Payload)
	var p Payload
	require.NoError(t, json.Unmarshal(*f.Payload, &p))
	assert.Equal(t, "agent-1", p.AgentID)

	require.NoError(t, ch.Untrack(ctx))
	assert.Equal(t, "untrack", (<-server.frames).Event)

	leaveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, ch.Leave(leaveCtx))
	assert.Equal(t, "leave", (<-server.frames).Event)
	assert.NoError(t, ch.Leave(ctx))
}

func TestWSChannelRedialsAfterServerDrop(t *testing.T) {
	server, url := startPresenceServer(t, true, true)
	ch := NewWSChannel(url, "agents-presence", logx.Discard(), nil)
	ctx := context.Background()

	status, err := ch.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, status)
	<-server.channel

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		done := ch.done
		ch.mu.Unlock()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "read loop should notice the hang-up")

	status, err = ch.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSubscribed, status)
	select {
	case <-server.channel:
	case <-time.After(time.Second):
		t.Fatal("Subscribe reused the dead connection")
	}

	leaveCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = ch.Leave(leaveCtx)
}

func TestWSChannelNoAck(t *testing.T) {
	_, url := startPresenceServer(t, false, false)
	ch := NewWSChannel(url, "agents-presence", logx.Discard(), nil)
	ch.timeout = 50 * time.Millisecond

	status, err := ch.Subscribe(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusTimedOut, status)
}

func TestWSChannelDialFailure(t *testing.T) {
	ch := NewWSChannel("ws://127.0.0.1:1/realtime", "agents-presence", logx.Discard(), nil)
	status, err := ch.Subscribe(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusChannelError, status)
	assert.Error(t, ch.Track(context.Background(), Payload{}))
}
