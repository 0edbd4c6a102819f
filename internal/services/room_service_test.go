package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"wellness-chat/internal/database"
	"wellness-chat/internal/models"
)

type fixture struct {
	db        *database.MemoryDB
	svc       *RoomService
	client    *models.User
	therapist *models.User
	outsider  *models.User
	room      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDB()

	mk := func(name string) *models.User {
		u, err := db.CreateUser(ctx, &models.RegisterRequest{Username: name, Email: name + "@example.com", Password: "password1"})
		require.NoError(t, err)
		return u
	}
	f := &fixture{db: db, svc: NewRoomService(db), client: mk("client"), therapist: mk("therapist"), outsider: mk("outsider")}
	f.room = models.RoomName(f.client.ID, f.therapist.ID)
	return f
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	room, err := f.svc.Authorize(ctx, f.room, f.client.ID)
	require.NoError(t, err)
	require.Equal(t, f.therapist.ID, room.PeerOf(f.client.ID))

	_, err = f.svc.Authorize(ctx, f.room, f.outsider.ID)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Authorize(ctx, "general", f.client.ID)
	require.ErrorIs(t, err, models.ErrInvalidRoomName)

	_, err = f.svc.Authorize(ctx, models.RoomName(f.client.ID, 999), f.client.ID)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestHistoryAndMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msgs, err := f.svc.History(ctx, f.room, f.client.ID)
	require.NoError(t, err)
	require.NotNil(t, msgs)
	require.Empty(t, msgs)

	room, err := f.svc.Authorize(ctx, f.room, f.therapist.ID)
	require.NoError(t, err)

	_, err = f.svc.PostMessage(ctx, room, f.therapist.ID, "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	_, err = f.svc.PostMessage(ctx, room, f.outsider.ID, "hi")
	require.ErrorIs(t, err, ErrForbidden)

	m, err := f.svc.PostMessage(ctx, room, f.therapist.ID, "  welcome  ")
	require.NoError(t, err)
	require.Equal(t, "welcome", m.Text)

	changed, err := f.svc.MarkRead(ctx, room, f.therapist.ID, []int64{m.ID})
	require.NoError(t, err)
	require.Empty(t, changed, "a sender cannot read its own message")

	changed, err = f.svc.MarkRead(ctx, room, f.client.ID, []int64{m.ID})
	require.NoError(t, err)
	require.Equal(t, []int64{m.ID}, changed)

	msgs, err = f.svc.History(ctx, f.room, f.client.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsRead)
}

func TestPeerDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	peer, err := f.svc.PeerDetail(ctx, f.room, f.client.ID)
	require.NoError(t, err)
	require.Equal(t, f.therapist.ID, peer.UserID)
	require.Equal(t, "therapist", peer.DisplayName)
	require.False(t, peer.IsOnline)

	_, err = f.db.CreateActiveSession(ctx, f.therapist.ID, f.room, "s1")
	require.NoError(t, err)

	peer, err = f.svc.PeerDetail(ctx, f.room, f.client.ID)
	require.NoError(t, err)
	require.True(t, peer.IsOnline)

	_, err = f.svc.PeerDetail(ctx, f.room, f.outsider.ID)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestStartRoomAndList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.StartRoom(ctx, f.client.ID, f.client.ID)
	require.ErrorIs(t, err, ErrSelfChat)

	room, err := f.svc.StartRoom(ctx, f.client.ID, f.therapist.ID)
	require.NoError(t, err)
	require.Equal(t, f.room, room.Name)

	rooms, err := f.svc.ListUserRooms(ctx, f.therapist.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, f.client.ID, rooms[0].Peer.ID)
	require.Nil(t, rooms[0].LastMessage)

	rooms, err = f.svc.ListUserRooms(ctx, f.outsider.ID)
	require.NoError(t, err)
	require.NotNil(t, rooms)
	require.Empty(t, rooms)
}
