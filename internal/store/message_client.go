package store

import (
	"context"

	"tiletalk.app/tiletalk/internal/feed"
	"tiletalk.app/tiletalk/internal/session"
)

// MessageClient scopes thread access to tiles owned by one session.
type MessageClient struct {
	store   *SQLiteStore
	session *session.Session
}

func NewMessageClient(store *SQLiteStore, sess *session.Session) *MessageClient {
	return &MessageClient{store: store, session: sess}
}

func (c *MessageClient) thread(ctx context.Context, threadID string) (*Tile, error) {
	if c.session == nil {
		return nil, ErrUnauthenticated
	}
	tile, err := c.store.GetTile(ctx, c.session.UserID, threadID)
	if err != nil {
		return nil, err
	}
	if tile == nil {
		return nil, ErrTileNotFound
	}
	return tile, nil
}

// Thread returns the tile backing threadID.
func (c *MessageClient) Thread(ctx context.Context, threadID string) (*Tile, error) {
	return c.thread(ctx, threadID)
}

// Subscribe starts a live feed of the thread, oldest message first.
func (c *MessageClient) Subscribe(ctx context.Context, threadID string) (*feed.Subscription[[]Message], error) {
	if _, err := c.thread(ctx, threadID); err != nil {
		return nil, err
	}
	return c.store.SubscribeMessages(ctx, threadID)
}

func (c *MessageClient) List(ctx context.Context, threadID string) ([]Message, error) {
	if _, err := c.thread(ctx, threadID); err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, threadID)
}

// Send appends text to the thread as the session user.
func (c *MessageClient) Send(ctx context.Context, threadID, text string) (Message, error) {
	if _, err := c.thread(ctx, threadID); err != nil {
		return Message{}, err
	}
	return c.store.AppendMessage(ctx, Message{
		ThreadID: threadID,
		Sender:   c.session.ExternalID,
		Text:     text,
	})
}
