package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/quiz"
	"github.com/npezzotti/go-classroom/internal/relay"
	"github.com/npezzotti/go-classroom/internal/testutil"
	"github.com/npezzotti/go-classroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, app *ClassroomApp) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func bearer(t *testing.T, u types.User) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + issueToken(t, u)}}
}

func readEvent(t *testing.T, conn *websocket.Conn) RoomEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev RoomEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func Test_serveRoomStream(t *testing.T) {
	app := newTestApp(t, nil)
	srv := newTestServer(t, app)
	room := createTestRoom(t, app, teacher)

	rr := do(t, app, http.MethodPost, "/api/rooms/"+room.Id+"/messages", SendMessageRequest{Text: "before"}, &teacher)
	require.Equal(t, http.StatusCreated, rr.Code)

	// skip the join announcement
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/rooms/"+room.Id+"?after=1"), bearer(t, student))
	require.NoError(t, err)
	defer conn.Close()

	// room and message watches are independent, so their first events may
	// arrive in either order
	var gotRoom, gotBacklog bool
	for i := 0; i < 2; i++ {
		ev := readEvent(t, conn)
		switch ev.Type {
		case EventRoom:
			require.NotNil(t, ev.Room)
			assert.Equal(t, room.Id, ev.Room.Id)
			gotRoom = true
		case EventMessage:
			require.NotNil(t, ev.Message)
			assert.Equal(t, "before", ev.Message.Text)
			gotBacklog = true
		}
	}
	require.True(t, gotRoom && gotBacklog)

	rr = do(t, app, http.MethodPost, "/api/rooms/"+room.Id+"/join", nil, &student)
	require.Equal(t, http.StatusOK, rr.Code)

	var gotJoin, gotParticipants bool
	for !(gotJoin && gotParticipants) {
		ev := readEvent(t, conn)
		switch ev.Type {
		case EventRoom:
			if ev.Room.HasParticipant(student.Id) {
				gotParticipants = true
			}
		case EventMessage:
			if ev.Message.Text == "Sam joined the room" {
				assert.True(t, ev.Message.IsSystem)
				gotJoin = true
			}
		}
	}
}

func Test_serveRoomStream_Errors(t *testing.T) {
	app := newTestApp(t, nil)
	srv := newTestServer(t, app)
	room := createTestRoom(t, app, teacher)

	tcases := []struct {
		name     string
		path     string
		header   http.Header
		wantCode int
	}{
		{name: "unauthenticated", path: "/ws/rooms/" + room.Id, wantCode: http.StatusUnauthorized},
		{name: "unknown room", path: "/ws/rooms/missing", header: bearer(t, student), wantCode: http.StatusNotFound},
		{name: "invalid after", path: "/ws/rooms/" + room.Id + "?after=x", header: bearer(t, student), wantCode: http.StatusBadRequest},
		{
			name:     "disallowed origin",
			path:     "/ws/rooms/" + room.Id,
			header:   http.Header{"Authorization": bearer(t, student)["Authorization"], "Origin": []string{"http://evil.example"}},
			wantCode: http.StatusForbidden,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, tc.path), tc.header)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.wantCode, resp.StatusCode)
		})
	}
}

func Test_relayEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	srv := newTestServer(t, app)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/channel"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tr, err := channel.DialRelay(context.Background(), wsURL(srv, "/ws/channel?ns=classroom"), bearer(t, student), testutil.TestLogger(t))
	require.NoError(t, err)
	bus := channel.NewBus(tr)
	defer bus.Close()

	// the relay attaches the endpoint just after the handshake
	require.Eventually(t, func() bool {
		return app.relay.Store("classroom").Len() == 3
	}, time.Second, 5*time.Millisecond)

	ns := channel.Namespace("classroom")
	b := types.ActivityBroadcast{UserId: student.Id, Name: student.Name, Status: types.StatusWatching, Timestamp: types.NowMillis()}
	require.NoError(t, bus.Publish(context.Background(), ns.ActivityKey(), b))

	require.Eventually(t, func() bool {
		snap := app.classroom.Activity()
		return len(snap.Students) == 1 && snap.Students[0].Status == types.StatusWatching
	}, time.Second, 5*time.Millisecond, "expected the server's classroom to see a websocket client's activity")
}

// readErrorFrame skips change frames until the relay answers a write to key.
func readErrorFrame(t *testing.T, conn *websocket.Conn, key string) channel.Frame {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		var f channel.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == channel.FrameError && f.Key == key {
			return f
		}
	}
}

func Test_relayEndpoint_RejectsForgedEnvelopes(t *testing.T) {
	app := newTestApp(t, nil)
	srv := newTestServer(t, app)
	ns := channel.Namespace("classroom")

	launch := LaunchQuizRequest{
		Question: types.QuizQuestion{Question: "2+2?", Options: []string{"3", "4"}},
		Duration: 60,
	}
	rr := do(t, app, http.MethodPost, "/api/classroom/quiz", launch, &teacher)
	require.Equal(t, http.StatusCreated, rr.Code)
	quizId := decode[LaunchQuizResponse](t, rr).Id

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/channel?ns=classroom"), bearer(t, student))
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool {
		return app.relay.Store("classroom").Len() == 3
	}, time.Second, 5*time.Millisecond)

	future := types.NowMillis() + time.Hour.Milliseconds()
	tcases := []struct {
		name    string
		key     string
		value   any
		wantErr error
	}{
		{
			name:    "student ends the quiz",
			key:     ns.QuizKey(),
			value:   types.QuizBroadcast{Action: types.QuizEnd, Timestamp: future},
			wantErr: relay.ErrForbiddenWrite,
		},
		{
			name: "student relaunches the quiz",
			key:  ns.QuizKey(),
			value: types.QuizBroadcast{
				Action:    types.QuizStart,
				Question:  &types.QuizQuestion{Id: "forged", Question: "?", Options: []string{"a", "b"}},
				Duration:  600,
				Timestamp: future,
			},
			wantErr: relay.ErrForbiddenWrite,
		},
		{
			name:    "activity as another student",
			key:     ns.ActivityKey(),
			value:   types.ActivityBroadcast{UserId: other.Id, Name: other.Name, Status: types.StatusIdle, Timestamp: types.NowMillis()},
			wantErr: relay.ErrIdentityMismatch,
		},
		{
			name:    "answer as another student",
			key:     ns.ResponseKey(other.Id, "n1"),
			value:   types.QuizResponse{QuizId: quizId, UserId: other.Id, UserName: other.Name, Answer: "4", Timestamp: types.NowMillis()},
			wantErr: relay.ErrIdentityMismatch,
		},
		{
			name:    "own activity from the future",
			key:     ns.ActivityKey(),
			value:   types.ActivityBroadcast{UserId: student.Id, Name: student.Name, Status: types.StatusWatching, Timestamp: future},
			wantErr: relay.ErrFutureTimestamp,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(tc.value)
			require.NoError(t, err)
			require.NoError(t, conn.WriteJSON(channel.Frame{Type: channel.FrameWrite, Key: tc.key, Value: string(data)}))

			f := readErrorFrame(t, conn, tc.key)
			assert.Equal(t, tc.wantErr.Error(), f.Error)
		})
	}

	snap := app.classroom.Quiz()
	assert.Equal(t, quiz.StateActive, snap.State, "expected the teacher's quiz to survive forged envelopes")
	require.NotNil(t, snap.Question)
	assert.Equal(t, quizId, snap.Question.Id)
	assert.Empty(t, snap.Responses)
	assert.Empty(t, app.classroom.Activity().Students)

	// the server's own quiz keeps working after the rejected writes
	rr = do(t, app, http.MethodDelete, "/api/classroom/quiz", nil, &teacher)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, quiz.StateInactive, app.classroom.Quiz().State)
}
