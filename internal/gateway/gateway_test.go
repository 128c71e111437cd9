// ABOUTME: End-to-end tests running real gateway instances on loopback listeners
// ABOUTME: Multi-instance scenarios share one in-memory bus hub

package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/mission-gateway/internal/bus"
	"github.com/2389/mission-gateway/internal/config"
	"github.com/2389/mission-gateway/internal/events"
	"github.com/2389/mission-gateway/internal/ws"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

func testConfig(t *testing.T, instanceID string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Instance.ID = instanceID
	cfg.Auth.JWTSecret = testSecret
	cfg.Database.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Logging.Level = "debug"
	require.NoError(t, cfg.Finalize())
	return cfg
}

type testInstance struct {
	gw       *Gateway
	httpURL  string
	wsURL    string
	grpcAddr string
	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

func startInstance(t *testing.T, cfg *config.Config, hub *bus.MemoryHub) *testInstance {
	t.Helper()

	gw, err := New(t.Context(), cfg, nil, WithTransport(hub.Transport()))
	require.NoError(t, err)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	inst := &testInstance{
		gw:       gw,
		httpURL:  "http://" + httpLn.Addr().String(),
		wsURL:    "ws://" + httpLn.Addr().String() + "/ws",
		grpcAddr: grpcLn.Addr().String(),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { inst.done <- gw.Serve(ctx, httpLn, grpcLn) }()
	t.Cleanup(inst.stop)

	require.Eventually(t, gw.Ready, 2*time.Second, 10*time.Millisecond)
	return inst
}

func (i *testInstance) stop() {
	i.stopOnce.Do(func() {
		i.cancel()
		select {
		case <-i.done:
		case <-time.After(15 * time.Second):
		}
	})
}

func (i *testInstance) token(t *testing.T, principal string) string {
	t.Helper()
	tok, err := i.gw.TokenIssuer().Generate(principal, time.Hour, nil)
	require.NoError(t, err)
	return tok
}

// connect opens an authenticated WebSocket and consumes the connected frame.
func (i *testInstance) connect(t *testing.T, principal string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(i.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	writeFrame(t, conn, ws.FrameAuth, ws.AuthData{Token: i.token(t, principal)})
	assert.Equal(t, string(events.KindConnected), readFrame(t, conn).Event)
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ws.ClientFrame{Type: typ, Data: raw}))
}

func readFrame(t *testing.T, conn *websocket.Conn) events.WireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var wf events.WireFrame
	require.NoError(t, json.Unmarshal(data, &wf))
	return wf
}

func subscribe(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	writeFrame(t, conn, ws.FrameSubscribe, ws.RoomData{Room: room})
	wf := readFrame(t, conn)
	require.Equal(t, string(events.KindSubscribed), wf.Event)
}

func postEvent(t *testing.T, inst *testInstance, token string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, inst.httpURL+"/api/events", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, inst *testInstance, path, token string, v any) int {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, inst.httpURL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestTwoInstances_RelayToRemoteSubscriber(t *testing.T) {
	hub := bus.NewMemoryHub()
	a := startInstance(t, testConfig(t, "gw-a"), hub)
	b := startInstance(t, testConfig(t, "gw-b"), hub)

	local := a.connect(t, "user-a")
	remote := b.connect(t, "user-b")
	subscribe(t, local, "agent:7")
	subscribe(t, remote, "agent:7")

	d := a.gw.Router().Publish(events.New("agent:7", events.AgentHeartbeat{AgentID: "7"}))
	assert.Equal(t, 1, d.Delivered)
	assert.True(t, d.Forwarded)

	for _, conn := range []*websocket.Conn{local, remote} {
		wf := readFrame(t, conn)
		assert.Equal(t, string(events.KindAgentHeartbeat), wf.Event)
		assert.Equal(t, "agent:7", wf.Room)
	}

	// exactly one bus message: B relayed without re-publishing
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.Published(a.gw.config.Bus.Topic))

	// no duplicate on either side
	for _, conn := range []*websocket.Conn{local, remote} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	}
}

func TestTwoInstances_ProducerFanOutThroughHTTP(t *testing.T) {
	hub := bus.NewMemoryHub()
	a := startInstance(t, testConfig(t, "gw-a"), hub)
	b := startInstance(t, testConfig(t, "gw-b"), hub)

	watcher := b.connect(t, "user-b")
	subscribe(t, watcher, "task:42")

	resp := postEvent(t, a, a.token(t, "producer"), `{"event":"task:assigned","data":{"task_id":"42","agent_id":"7","task":{"title":"deploy"}}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body PublishResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"task:42", "agent:7", "dashboard"}, body.Rooms)
	assert.Len(t, body.IDs, 3)

	// member of task:42 and dashboard: two copies, in publish order
	first := readFrame(t, watcher)
	assert.Equal(t, "task:42", first.Room)
	second := readFrame(t, watcher)
	assert.Equal(t, events.DashboardRoom, second.Room)
	assert.Equal(t, string(events.KindTaskAssigned), second.Event)
}

func TestPublishEvent_DeliversBodyAsSent(t *testing.T) {
	hub := bus.NewMemoryHub()
	a := startInstance(t, testConfig(t, "gw-a"), hub)
	b := startInstance(t, testConfig(t, "gw-b"), hub)

	local := a.connect(t, "user-a")
	remote := b.connect(t, "user-b")
	subscribe(t, local, "task:42")
	subscribe(t, remote, "task:42")

	data := `{"task_id":42,"progress":50}`
	resp := postEvent(t, a, a.token(t, "producer"), `{"event":"task:updated","room":"task:42","data":`+data+`}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	for _, conn := range []*websocket.Conn{local, remote} {
		wf := readFrame(t, conn)
		assert.Equal(t, string(events.KindTaskUpdated), wf.Event)
		assert.Equal(t, "task:42", wf.Room)
		assert.JSONEq(t, data, string(wf.Data))
	}

	// numeric IDs derive the same default rooms; unmodelled fields survive
	data = `{"task_id":42,"progress":60,"eta_seconds":30}`
	resp = postEvent(t, a, a.token(t, "producer"), `{"event":"task:updated","data":`+data+`}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body PublishResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"task:42", events.DashboardRoom}, body.Rooms)

	for _, conn := range []*websocket.Conn{local, remote} {
		assert.JSONEq(t, data, string(readFrame(t, conn).Data), "task room copy")
		assert.JSONEq(t, data, string(readFrame(t, conn).Data), "dashboard copy")
	}
}

func TestPublishEvent_Rejections(t *testing.T) {
	inst := startInstance(t, testConfig(t, "gw-a"), bus.NewMemoryHub())
	token := inst.token(t, "producer")

	tests := []struct {
		name   string
		token  string
		body   string
		status int
	}{
		{"no credentials", "", `{"event":"system:alert","data":{"message":"x"}}`, http.StatusUnauthorized},
		{"bad token", "forged", `{"event":"system:alert","data":{"message":"x"}}`, http.StatusUnauthorized},
		{"invalid json", token, `{"event":`, http.StatusBadRequest},
		{"unknown kind", token, `{"event":"task:deleted","data":{}}`, http.StatusBadRequest},
		{"control kind", token, `{"event":"subscribed","data":{"room":"task:1"}}`, http.StatusBadRequest},
		{"missing data", token, `{"event":"system:alert"}`, http.StatusBadRequest},
		{"invalid room", token, `{"event":"system:alert","room":"user:1","data":{"message":"x"}}`, http.StatusBadRequest},
		{"underivable room", token, `{"event":"task:updated","data":{"status":"running"}}`, http.StatusBadRequest},
		{"boolean id", token, `{"event":"task:updated","data":{"task_id":true}}`, http.StatusBadRequest},
		{"explicit room", token, `{"event":"system:alert","room":"task:9","data":{"message":"x"}}`, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postEvent(t, inst, tt.token, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status != http.StatusAccepted {
				var e map[string]string
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
				assert.NotEmpty(t, e["error"])
			}
		})
	}
}

func TestPublishEvent_ServiceKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := testConfig(t, "gw-a")
	cfg.Auth.ServiceKeys = []config.ServiceKeyConfig{{Name: "tasks", Hash: string(hash)}}
	inst := startInstance(t, cfg, bus.NewMemoryHub())

	resp := postEvent(t, inst, "tasks:s3cret", `{"event":"system:alert","data":{"message":"maintenance"}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postEvent(t, inst, "tasks:wrong", `{"event":"system:alert","data":{"message":"maintenance"}}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListRoomsAndSessions(t *testing.T) {
	inst := startInstance(t, testConfig(t, "gw-a"), bus.NewMemoryHub())
	token := inst.token(t, "operator")

	conn := inst.connect(t, "user-1")
	subscribe(t, conn, "conversation:c1")

	var roomsResp RoomsResponse
	require.Equal(t, http.StatusOK, getJSON(t, inst, "/api/rooms", token, &roomsResp))
	assert.Equal(t, "gw-a", roomsResp.InstanceID)
	assert.Equal(t, 1, roomsResp.Connections)
	require.Len(t, roomsResp.Rooms, 2)
	assert.Equal(t, "conversation:c1", roomsResp.Rooms[0].Room)
	assert.Equal(t, events.DashboardRoom, roomsResp.Rooms[1].Room)
	assert.Equal(t, 1, roomsResp.Rooms[1].Members)

	var sessions struct {
		Sessions []SessionResponse `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, inst, "/api/sessions?open=true", token, &sessions))
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, "user-1", sessions.Sessions[0].PrincipalID)
	assert.Equal(t, "gw-a", sessions.Sessions[0].InstanceID)
	assert.Nil(t, sessions.Sessions[0].ClosedAt)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, inst, "/api/sessions?limit=0", token, nil))
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, inst, "/api/rooms", "", nil))
}

func TestHealthEndpoints(t *testing.T) {
	inst := startInstance(t, testConfig(t, "gw-a"), bus.NewMemoryHub())

	assert.Equal(t, http.StatusOK, getJSON(t, inst, "/health", "", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, inst, "/health/ready", "", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, inst, "/metrics", "", nil))
}

func TestGRPCIngress(t *testing.T) {
	hub := bus.NewMemoryHub()
	inst := startInstance(t, testConfig(t, "gw-a"), hub)
	watcher := inst.connect(t, "user-1")
	subscribe(t, watcher, "agent:7")

	conn, err := grpc.NewClient(inst.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	in, err := structpb.NewStruct(map[string]any{
		"event": "agent:status_changed",
		"data":  map[string]any{"agent_id": "7", "old_status": "idle", "new_status": "busy"},
	})
	require.NoError(t, err)

	// unauthenticated
	out := new(structpb.Struct)
	err = conn.Invoke(t.Context(), EventIngressPublishMethod, in, out)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(t.Context(), "authorization", "Bearer "+inst.token(t, "producer"))
	require.NoError(t, conn.Invoke(ctx, EventIngressPublishMethod, in, out))

	ids := out.GetFields()["ids"].GetListValue().GetValues()
	assert.Len(t, ids, 2)

	wf := readFrame(t, watcher)
	assert.Equal(t, string(events.KindAgentStatusChanged), wf.Event)
	assert.Equal(t, "agent:7", wf.Room)

	bad, err := structpb.NewStruct(map[string]any{"event": "nope", "data": map[string]any{}})
	require.NoError(t, err)
	err = conn.Invoke(ctx, EventIngressPublishMethod, bad, out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// health needs no credentials
	_, err = healthpb.NewHealthClient(conn).Check(t.Context(), &healthpb.HealthCheckRequest{})
	assert.NoError(t, err)
}

func TestShutdown_ClosesWebSocketsWithGoingAway(t *testing.T) {
	inst := startInstance(t, testConfig(t, "gw-a"), bus.NewMemoryHub())
	conn := inst.connect(t, "user-1")

	inst.stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var code int
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		code = ce.Code
		break
	}
	assert.Equal(t, ws.CloseServerGoingAway, code)
}

func TestNew_RejectsUnknownBusDriver(t *testing.T) {
	cfg := testConfig(t, "gw-a")
	cfg.Bus.Driver = "carrier-pigeon"

	_, err := New(t.Context(), cfg, nil)
	assert.Error(t, err)
}

func TestNew_GeneratesInstanceID(t *testing.T) {
	cfg := testConfig(t, "")
	gw, err := New(t.Context(), cfg, nil, WithTransport(bus.NewMemoryHub().Transport()))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.True(t, strings.HasPrefix(gw.InstanceID(), "gw-"))
}
