package classroom

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-classroom/internal/channel"
	"github.com/npezzotti/go-classroom/internal/identity"
	"github.com/npezzotti/go-classroom/internal/quiz"
	"github.com/npezzotti/go-classroom/internal/testutil"
	"github.com/npezzotti/go-classroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	teacher = types.User{Id: "t1", Name: "Ms. Rivera", Role: types.RoleTeacher}
	student = types.User{Id: "s1", Name: "Sam", Role: types.RoleStudent}
)

func newTestClassroom(t *testing.T) (*Classroom, *channel.MemoryStore) {
	t.Helper()
	store := channel.NewMemoryStore(testutil.TestLogger(t))
	c := New(store.Endpoint("monitor"), store.Endpoint("gateway"), "room", Timing{}, testutil.TestLogger(t), nil)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c, store
}

func TestClassroom_ReportActivity(t *testing.T) {
	c, _ := newTestClassroom(t)

	ctx := identity.WithUser(context.Background(), student)
	c.ReportActivity(ctx, types.StatusSubmitting)

	require.Eventually(t, func() bool {
		return len(c.Activity().Students) == 1
	}, time.Second, 5*time.Millisecond)

	snap := c.Activity()
	assert.Equal(t, "s1", snap.Students[0].Id)
	assert.Equal(t, types.StatusSubmitting, snap.Students[0].Status)
	assert.Equal(t, 1, snap.Summary.Submitting)
}

func TestClassroom_ReportActivityWithoutIdentity(t *testing.T) {
	c, _ := newTestClassroom(t)

	c.ReportActivity(context.Background(), types.StatusWatching)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.Activity().Students)
}

func TestClassroom_Enroll(t *testing.T) {
	c, _ := newTestClassroom(t)
	c.Enroll([]types.User{student, {Id: "s2", Name: "Kai"}})

	snap := c.Activity()
	require.Len(t, snap.Students, 2)
	assert.Equal(t, 2, snap.Summary.Idle)
}

func TestClassroom_QuizRequiresTeacher(t *testing.T) {
	c, _ := newTestClassroom(t)
	ctx := context.Background()
	q := types.QuizQuestion{Question: "2+2?", Options: []string{"3", "4"}}

	_, err := c.LaunchQuiz(ctx, student, q, 30)
	assert.ErrorIs(t, err, quiz.ErrNotPermitted)
	assert.ErrorIs(t, c.EndQuiz(ctx, student), quiz.ErrNotPermitted)
	assert.Equal(t, quiz.StateInactive, c.Quiz().State)
}

func TestClassroom_QuizRoundTrip(t *testing.T) {
	c, store := newTestClassroom(t)
	ctx := context.Background()

	studentBus := channel.NewBus(store.Endpoint("student"))
	defer studentBus.Close()
	sc := quiz.NewCoordinator(studentBus, identity.Static(student), types.RoleStudent, "room")
	sc.Start()
	defer sc.Stop()

	id, err := c.LaunchQuiz(ctx, teacher, types.QuizQuestion{Question: "2+2?", Options: []string{"3", "4"}}, 30)
	require.NoError(t, err)
	assert.Equal(t, quiz.StateActive, c.Quiz().State)

	require.Eventually(t, sc.AcceptingInput, time.Second, 5*time.Millisecond)
	require.NoError(t, sc.SubmitAnswer(ctx, id, "4"))

	require.Eventually(t, func() bool {
		return c.Tally()["4"] == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Tally()["3"])

	require.NoError(t, c.EndQuiz(ctx, teacher))
	require.Eventually(t, func() bool {
		return sc.State() == quiz.StateInactive
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Tally()["4"], "expected the tally to survive the end of the quiz")
}
