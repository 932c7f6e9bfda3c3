package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

type fakeClubs struct {
	clubs map[string]domain.Club
	err   error
}

func (f fakeClubs) GetClub(_ context.Context, id string) (domain.Club, bool, error) {
	if f.err != nil {
		return domain.Club{}, false, f.err
	}
	c, ok := f.clubs[id]
	return c, ok, nil
}

type fakeDir struct {
	users []domain.User
	err   error
}

func (f fakeDir) ListUsers(context.Context) ([]domain.User, error) { return f.users, f.err }

func TestClubName(t *testing.T) {
	ctx := context.Background()
	r := New(fakeClubs{clubs: map[string]domain.Club{"c1": {ID: "c1", Name: "Chess"}}}, fakeDir{}, "", logx.Nop())

	assert.Equal(t, "Chess", r.ClubName(ctx, "c1"))
	assert.Equal(t, "Club", r.ClubName(ctx, "missing"))

	broken := New(fakeClubs{err: errors.New("db down")}, fakeDir{}, "", logx.Nop())
	assert.Equal(t, "Club", broken.ClubName(ctx, "c1"))
}

func TestPushTargetDefaultsToAllUsers(t *testing.T) {
	r := New(fakeClubs{}, fakeDir{}, "", logx.Nop())
	assert.Equal(t, domain.Topic("all_users"), r.PushTarget())

	r = New(fakeClubs{}, fakeDir{}, "staging_users", logx.Nop())
	assert.Equal(t, domain.Topic("staging_users"), r.PushTarget())
}

func TestEmailAudienceSkipsUsersWithoutEmail(t *testing.T) {
	r := New(fakeClubs{}, fakeDir{users: []domain.User{
		{ID: "u1", Email: "a@example.com"},
		{ID: "u2"},
		{ID: "u3", Email: "  "},
		{ID: "u4", Email: "b@example.com", PushToken: "tok"},
	}}, "", logx.Nop())

	a, err := r.EmailAudience(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, a.DirectorySize)
	assert.Equal(t, []Recipient{{UserID: "u1", Email: "a@example.com"}, {UserID: "u4", Email: "b@example.com"}}, a.Recipients)
}

func TestEmailAudienceReadFailure(t *testing.T) {
	r := New(fakeClubs{}, fakeDir{err: errors.New("timeout")}, "", logx.Nop())
	_, err := r.EmailAudience(context.Background())
	assert.ErrorIs(t, err, domain.ErrDependencyRead)
}
