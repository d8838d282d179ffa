package store

import (
	"context"
	"errors"

	"tiletalk.app/tiletalk/internal/feed"
	"tiletalk.app/tiletalk/internal/session"
)

// ErrUnauthenticated is returned by every client operation made without a
// signed-in session.
var ErrUnauthenticated = errors.New("no authenticated user")

// TileClient scopes tile operations to one session's collection. It keeps no
// local cache: the feed is the only source of current state.
type TileClient struct {
	store   *SQLiteStore
	session *session.Session
}

func NewTileClient(store *SQLiteStore, sess *session.Session) *TileClient {
	return &TileClient{store: store, session: sess}
}

func (c *TileClient) owner() (int64, error) {
	if c.session == nil {
		return 0, ErrUnauthenticated
	}
	return c.session.UserID, nil
}

// Subscribe starts a live feed of the collection, highest priority first.
// Every value is the full collection, not a diff.
func (c *TileClient) Subscribe(ctx context.Context) (*feed.Subscription[[]Tile], error) {
	userID, err := c.owner()
	if err != nil {
		return nil, err
	}
	return c.store.SubscribeTiles(ctx, userID)
}

// Create inserts a tile and returns its id; the tile itself arrives through
// the feed.
func (c *TileClient) Create(ctx context.Context, fields TileFields) (string, error) {
	userID, err := c.owner()
	if err != nil {
		return "", err
	}
	return c.store.InsertTile(ctx, userID, fields)
}

func (c *TileClient) Update(ctx context.Context, tileID string, fields TileFields) error {
	userID, err := c.owner()
	if err != nil {
		return err
	}
	return c.store.UpdateTile(ctx, userID, tileID, fields)
}

// Delete removes the tile and its thread permanently.
func (c *TileClient) Delete(ctx context.Context, tileID string) error {
	userID, err := c.owner()
	if err != nil {
		return err
	}
	return c.store.DeleteTile(ctx, userID, tileID)
}

// List returns the current collection without subscribing.
func (c *TileClient) List(ctx context.Context) ([]Tile, error) {
	userID, err := c.owner()
	if err != nil {
		return nil, err
	}
	return c.store.ListTiles(ctx, userID)
}
