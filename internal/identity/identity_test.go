package identity

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-classroom/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	u, err := Static{Id: "bob", Name: "Bob"}.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.User{Id: "bob", Name: "Bob"}, u)

	_, err = Static{}.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestContextResolver(t *testing.T) {
	var r ContextResolver

	_, err := r.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)

	want := types.User{Id: "t1", Name: "Ms. Frizzle", Role: types.RoleTeacher}
	got, err := r.CurrentUser(WithUser(context.Background(), want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTokenVerifier(t *testing.T) {
	v := NewTokenVerifier([]byte("secret"))
	want := types.User{Id: "t1", Name: "Ms. Frizzle", Role: types.RoleTeacher}

	tcases := []struct {
		name    string
		token   func(t *testing.T) string
		want    types.User
		wantErr bool
	}{
		{
			name: "valid token",
			token: func(t *testing.T) string {
				s, err := v.Issue(want, time.Hour)
				require.NoError(t, err)
				return s
			},
			want: want,
		},
		{
			name: "unknown role defaults to student",
			token: func(t *testing.T) string {
				s, err := v.Issue(types.User{Id: "s1", Name: "Bob", Role: "admin"}, time.Hour)
				require.NoError(t, err)
				return s
			},
			want: types.User{Id: "s1", Name: "Bob", Role: types.RoleStudent},
		},
		{
			name: "expired token",
			token: func(t *testing.T) string {
				s, err := v.Issue(want, -time.Minute)
				require.NoError(t, err)
				return s
			},
			wantErr: true,
		},
		{
			name: "wrong key",
			token: func(t *testing.T) string {
				s, err := NewTokenVerifier([]byte("other")).Issue(want, time.Hour)
				require.NoError(t, err)
				return s
			},
			wantErr: true,
		},
		{
			name: "missing user id",
			token: func(t *testing.T) string {
				s, err := v.Issue(types.User{Name: "nobody"}, time.Hour)
				require.NoError(t, err)
				return s
			},
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   func(*testing.T) string { return "not.a.token" },
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Verify(tc.token(t))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
