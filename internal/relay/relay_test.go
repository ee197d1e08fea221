package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/identity"
	"github.com/npezzotti/go-classroom/internal/stats"
	"github.com/npezzotti/go-classroom/internal/testutil"
	"github.com/npezzotti/go-classroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []channel.Change
}

func (r *changeRecorder) record(c channel.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *changeRecorder) snapshot() []channel.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channel.Change(nil), r.changes...)
}

var (
	testStudent = types.User{Id: "s1", Name: "Sam", Role: types.RoleStudent}
	testTeacher = types.User{Id: "t1", Name: "Ms. Rivera", Role: types.RoleTeacher}
)

// asUser stands in for the auth middleware. The user and role query
// parameters pick the connection's user; testStudent is the default.
func asUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		u := testStudent
		if id := req.URL.Query().Get("user"); id != "" {
			u = types.User{Id: id, Name: id, Role: types.Role(req.URL.Query().Get("role"))}
		}
		next(w, req.WithContext(identity.WithUser(req.Context(), u)))
	}
}

func newTestRelay(t *testing.T, su stats.StatsProvider, origins ...string) (*Relay, *httptest.Server) {
	t.Helper()
	r := NewRelay(testutil.TestLogger(t), su, origins)
	go r.Run()

	srv := httptest.NewServer(asUser(r.ServeWS))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Shutdown(ctx)
		srv.Close()
	})
	return r, srv
}

func wsURL(srv *httptest.Server, ns string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "?ns=" + ns
}

func userURL(srv *httptest.Server, ns string, u types.User) string {
	return wsURL(srv, ns) + "&user=" + u.Id + "&role=" + string(u.Role)
}

func dial(t *testing.T, r *Relay, srv *httptest.Server, ns string) *channel.WSTransport {
	t.Helper()
	return dialAs(t, r, srv, ns, testStudent)
}

func dialAs(t *testing.T, r *Relay, srv *httptest.Server, ns string, u types.User) *channel.WSTransport {
	t.Helper()
	before := r.Store(channel.Namespace(ns)).Len()
	tr, err := channel.DialRelay(context.Background(), userURL(srv, ns, u), nil, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	// the endpoint attaches just after the handshake completes
	require.Eventually(t, func() bool {
		return r.Store(channel.Namespace(ns)).Len() == before+1
	}, time.Second, 5*time.Millisecond)
	return tr
}

func TestRelay_WritesReachOtherClients(t *testing.T) {
	r, srv := newTestRelay(t, nil)
	a := dial(t, r, srv, "room1")
	b := dial(t, r, srv, "room1")

	var aSeen, bSeen changeRecorder
	a.Watch(aSeen.record)
	b.Watch(bSeen.record)

	require.NoError(t, a.Write(context.Background(), "room1:notes", `{"x":1}`))

	require.Eventually(t, func() bool { return len(bSeen.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := bSeen.snapshot()[0]
	assert.Equal(t, "room1:notes", got.Key)
	assert.Equal(t, `{"x":1}`, got.NewValue)
	assert.NotEmpty(t, got.Origin)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, aSeen.snapshot(), "expected writer not to observe its own write")

	v, ok := r.Store("room1").Get("room1:notes")
	assert.True(t, ok)
	assert.Equal(t, `{"x":1}`, v)
}

func TestRelay_NamespacesAreIsolated(t *testing.T) {
	r, srv := newTestRelay(t, nil)
	a := dial(t, r, srv, "ns-a")
	b := dial(t, r, srv, "ns-b")
	other := dial(t, r, srv, "ns-a")

	var bSeen, otherSeen changeRecorder
	b.Watch(bSeen.record)
	other.Watch(otherSeen.record)

	require.NoError(t, a.Write(context.Background(), "k", "v"))

	require.Eventually(t, func() bool { return len(otherSeen.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, bSeen.snapshot())
	_, ok := r.Store("ns-b").Get("k")
	assert.False(t, ok)
}

func TestRelay_DefaultNamespace(t *testing.T) {
	r, srv := newTestRelay(t, nil)
	dial(t, r, srv, "")

	assert.Equal(t, 1, r.Store(channel.DefaultNamespace).Len())
}

func TestRelay_InProcessEndpoint(t *testing.T) {
	r, srv := newTestRelay(t, nil)
	remote := dial(t, r, srv, "classroom")

	local := r.Endpoint("classroom", "server")
	defer local.Close()

	var localSeen, remoteSeen changeRecorder
	local.Watch(localSeen.record)
	remote.Watch(remoteSeen.record)

	ctx := context.Background()
	require.NoError(t, remote.Write(ctx, "from-remote", "1"))
	require.NoError(t, local.Write(ctx, "from-local", "2"))

	require.Eventually(t, func() bool {
		return len(localSeen.snapshot()) == 1 && len(remoteSeen.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "from-remote", localSeen.snapshot()[0].Key)
	assert.Equal(t, "from-local", remoteSeen.snapshot()[0].Key)
	assert.Equal(t, "server", remoteSeen.snapshot()[0].Origin)
}

func TestRelay_BusOverWebsocket(t *testing.T) {
	r, srv := newTestRelay(t, nil)
	teacher := channel.NewBus(dial(t, r, srv, "classroom"))
	student := channel.NewBus(dial(t, r, srv, "classroom"))
	ns := channel.Namespace("classroom")

	got := make(chan types.ActivityBroadcast, 1)
	channel.Subscribe(teacher, channel.Exact(ns.ActivityKey()), func(_ string, b types.ActivityBroadcast) {
		got <- b
	})

	sent := types.ActivityBroadcast{UserId: "s1", Name: "Sam", Status: types.StatusWatching, Timestamp: 42}
	require.NoError(t, student.Publish(context.Background(), ns.ActivityKey(), sent))

	select {
	case b := <-got:
		assert.Equal(t, sent, b)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for activity broadcast")
	}
}

func TestRelay_InvalidFrames(t *testing.T) {
	r, srv := newTestRelay(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "ns"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return r.Store("ns").Len() == 1 }, time.Second, 5*time.Millisecond)

	tcases := []struct {
		name    string
		payload string
		wantKey string
		wantErr string
	}{
		{name: "not json", payload: "garbage", wantErr: "parse frame"},
		{name: "unknown type", payload: `{"type":"delete","key":"k"}`, wantErr: "unknown type"},
		{name: "change from client", payload: `{"type":"change","key":"k","value":"v"}`, wantKey: "k", wantErr: "unexpected change frame"},
		{name: "write without key", payload: `{"type":"write","value":"v"}`, wantErr: "without key"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tc.payload)))

			conn.SetReadDeadline(time.Now().Add(time.Second))
			var f channel.Frame
			require.NoError(t, conn.ReadJSON(&f))
			assert.Equal(t, channel.FrameError, f.Type)
			assert.Equal(t, tc.wantKey, f.Key)
			assert.Contains(t, f.Error, tc.wantErr)
		})
	}

	_, ok := r.Store("ns").Get("k")
	assert.False(t, ok, "expected rejected frames not to change the store")
}

func TestRelay_CheckOrigin(t *testing.T) {
	_, srv := newTestRelay(t, nil, "http://localhost:3000")

	header := http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "ns"), header)
	require.NoError(t, err)
	conn.Close()

	header = http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "ns"), header)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRelay_ClientStats(t *testing.T) {
	registered := make(chan struct{})
	deregistered := make(chan struct{})
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.RelayClients).Run(func(mock.Arguments) { close(registered) }).Once()
	su.On("Decr", stats.RelayClients).Run(func(mock.Arguments) { close(deregistered) }).Once()

	r, srv := newTestRelay(t, su)
	tr := dial(t, r, srv, "ns")

	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for client registration")
	}

	require.NoError(t, tr.Close())

	select {
	case <-deregistered:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for client removal")
	}
	require.Eventually(t, func() bool { return r.Store("ns").Len() == 0 }, time.Second, 5*time.Millisecond)
	su.AssertExpectations(t)
}

func TestRelay_Shutdown(t *testing.T) {
	r := NewRelay(testutil.TestLogger(t), nil, nil)
	go r.Run()
	srv := httptest.NewServer(asUser(r.ServeWS))
	defer srv.Close()

	tr := dial(t, r, srv, "ns")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, 0, r.Store("ns").Len(), "expected endpoints to be detached")
	require.Eventually(t, func() bool {
		return tr.Write(context.Background(), "k", "v") != nil
	}, time.Second, 5*time.Millisecond, "expected transport to observe the closed connection")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/channel", nil)
	r.ServeWS(rec, req.WithContext(identity.WithUser(req.Context(), testStudent)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	assert.NoError(t, r.Shutdown(ctx), "expected second shutdown to be a no-op")
}

func TestRelay_ShutdownDeadline(t *testing.T) {
	r := NewRelay(testutil.TestLogger(t), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Run was never started, so nothing acknowledges the stop
	assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
}

func TestRelay_RequiresUser(t *testing.T) {
	r := NewRelay(testutil.TestLogger(t), nil, nil)
	go r.Run()
	defer r.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	r.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws/channel", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, r.Store(channel.DefaultNamespace).Len())
}

func TestRelay_RejectsUnauthorizedWrites(t *testing.T) {
	r, srv := newTestRelay(t, nil)
	ns := channel.Namespace("class")
	teacher := dialAs(t, r, srv, "class", testTeacher)

	var teacherSeen changeRecorder
	teacher.Watch(teacherSeen.record)

	conn, _, err := websocket.DefaultDialer.Dial(userURL(srv, "class", testStudent), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return r.Store("class").Len() == 2 }, time.Second, 5*time.Millisecond)

	end := `{"action":"end","timestamp":1}`
	tcases := []struct {
		name    string
		key     string
		value   string
		wantErr error
	}{
		{name: "quiz end from student", key: ns.QuizKey(), value: end, wantErr: ErrForbiddenWrite},
		{
			name:    "activity for another user",
			key:     ns.ActivityKey(),
			value:   `{"userId":"s2","name":"Kai","status":"idle","timestamp":1}`,
			wantErr: ErrIdentityMismatch,
		},
		{
			name:    "response under another user's key",
			key:     ns.ResponseKey("s2", "n1"),
			value:   `{"quizId":"q1","userId":"s1","answer":"A","timestamp":1}`,
			wantErr: ErrIdentityMismatch,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			frame := channel.Frame{Type: channel.FrameWrite, Key: tc.key, Value: tc.value}
			require.NoError(t, conn.WriteJSON(frame))

			conn.SetReadDeadline(time.Now().Add(time.Second))
			var f channel.Frame
			require.NoError(t, conn.ReadJSON(&f))
			assert.Equal(t, channel.FrameError, f.Type)
			assert.Equal(t, tc.key, f.Key)
			assert.Equal(t, tc.wantErr.Error(), f.Error)

			_, ok := r.Store("class").Get(tc.key)
			assert.False(t, ok, "expected rejected write not to reach the store")
		})
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, teacherSeen.snapshot(), "expected no rejected write to reach other clients")
}
