package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiletalk.app/tiletalk/internal/session"
)

func TestTileClientRequiresSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := newTestUser(t, s, "ana")
	client := NewTileClient(s, nil)

	_, err := client.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = client.Create(ctx, TileFields{})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	assert.ErrorIs(t, client.Update(ctx, "id", TileFields{}), ErrUnauthenticated)
	assert.ErrorIs(t, client.Delete(ctx, "id"), ErrUnauthenticated)

	tiles, err := s.ListTiles(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, tiles, "no tile may be created without a session")
}

func TestTileClientScopesToSessionUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ana := newTestUser(t, s, "ana")
	ben := newTestUser(t, s, "ben")

	anaClient := NewTileClient(s, &session.Session{UserID: ana.ID, ExternalID: "ana"})
	benClient := NewTileClient(s, &session.Session{UserID: ben.ID, ExternalID: "ben"})

	id, err := anaClient.Create(ctx, TileFields{Preview: Ptr("mine")})
	require.NoError(t, err)

	assert.ErrorIs(t, benClient.Update(ctx, id, TileFields{Pinned: Ptr(true)}), ErrTileNotFound)
	assert.ErrorIs(t, benClient.Delete(ctx, id), ErrTileNotFound)

	benTiles, err := benClient.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, benTiles)

	anaTiles, err := anaClient.List(ctx)
	require.NoError(t, err)
	require.Len(t, anaTiles, 1)
	assert.Equal(t, "mine", anaTiles[0].Preview)
}

func TestMessageClientSendsAsSessionUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ana := newTestUser(t, s, "ana")
	ben := newTestUser(t, s, "ben")
	anaSession := &session.Session{UserID: ana.ID, ExternalID: "ana"}

	id, err := NewTileClient(s, anaSession).Create(ctx, TileFields{})
	require.NoError(t, err)

	client := NewMessageClient(s, anaSession)
	sub, err := client.Subscribe(ctx, id)
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Empty(t, nextSnapshot(t, sub.Next))

	msg, err := client.Send(ctx, id, "hello")
	require.NoError(t, err)
	assert.Equal(t, "ana", msg.Sender)

	snapshot := nextSnapshot(t, sub.Next)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "hello", snapshot[0].Text)

	intruder := NewMessageClient(s, &session.Session{UserID: ben.ID, ExternalID: "ben"})
	_, err = intruder.Send(ctx, id, "sneaky")
	assert.ErrorIs(t, err, ErrTileNotFound)

	_, err = NewMessageClient(s, nil).Subscribe(ctx, id)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
