package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiletalk.app/tiletalk/internal/session"
	"tiletalk.app/tiletalk/internal/store"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	db      *store.SQLiteStore
	session *session.Session
	tiles   *store.TileClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	user, err := db.CreateUser(context.Background(), "ana", "hash")
	require.NoError(t, err)
	sess := &session.Session{UserID: user.ID, ExternalID: user.ExternalUserID}
	return &fixture{db: db, session: sess, tiles: store.NewTileClient(db, sess)}
}

func (f *fixture) startTiles(t *testing.T, undoWindow time.Duration) (*TileViewModel, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	vm := NewTileViewModel(f.tiles, f.session.ExternalID, undoWindow, func(TileView) { calls.Add(1) })
	require.NoError(t, vm.Start(context.Background()))
	t.Cleanup(vm.Close)
	require.Eventually(t, func() bool { return vm.View().Status == StatusLive }, waitFor, tick)
	return vm, &calls
}

func (f *fixture) create(t *testing.T, fields store.TileFields) string {
	t.Helper()
	id, err := f.tiles.Create(context.Background(), fields)
	require.NoError(t, err)
	return id
}

func eventuallyView(t *testing.T, vm *TileViewModel, cond func(TileView) bool) TileView {
	t.Helper()
	require.Eventually(t, func() bool { return cond(vm.View()) }, waitFor, tick)
	return vm.View()
}

func hasTiles(n int) func(TileView) bool {
	return func(v TileView) bool { return len(v.Tiles) == n }
}

func TestTileViewModelAddTileArrivesThroughFeed(t *testing.T) {
	f := newFixture(t)
	vm, _ := f.startTiles(t, time.Minute)
	ctx := context.Background()

	assert.Empty(t, vm.View().Tiles)

	id, err := vm.AddTile(ctx)
	require.NoError(t, err)

	view := eventuallyView(t, vm, hasTiles(1))
	tile := view.Tiles[0]
	assert.Equal(t, id, tile.ID)
	assert.Equal(t, "", tile.Preview)
	assert.False(t, tile.Pinned)
	assert.False(t, tile.Unread)
	assert.NotZero(t, tile.Priority)
}

func TestTileViewModelUnauthenticated(t *testing.T) {
	f := newFixture(t)
	client := store.NewTileClient(f.db, nil)

	var last TileView
	vm := NewTileViewModel(client, "", time.Minute, func(v TileView) { last = v })
	defer vm.Close()

	err := vm.Start(context.Background())
	assert.ErrorIs(t, err, store.ErrUnauthenticated)
	assert.Equal(t, StatusSignedOut, vm.View().Status)
	assert.Equal(t, StatusSignedOut, last.Status)

	_, err = vm.AddTile(context.Background())
	assert.ErrorIs(t, err, store.ErrUnauthenticated)

	tiles, err := f.db.ListTiles(context.Background(), f.session.UserID)
	require.NoError(t, err)
	assert.Empty(t, tiles)
}

func TestTileViewModelEditPinAndRead(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, store.TileFields{Unread: store.Ptr(true)})
	vm, _ := f.startTiles(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, vm.EditPreview(ctx, id, "lunch?"))
	eventuallyView(t, vm, func(v TileView) bool { return len(v.Tiles) == 1 && v.Tiles[0].Preview == "lunch?" })

	tile, ok := vm.Tile(id)
	require.True(t, ok)
	require.NoError(t, vm.TogglePin(ctx, tile))
	eventuallyView(t, vm, func(v TileView) bool { return v.Tiles[0].Pinned })

	tile, _ = vm.Tile(id)
	require.NoError(t, vm.TogglePin(ctx, tile))
	eventuallyView(t, vm, func(v TileView) bool { return !v.Tiles[0].Pinned })

	require.NoError(t, vm.MarkRead(ctx, id))
	eventuallyView(t, vm, func(v TileView) bool { return !v.Tiles[0].Unread })

	assert.ErrorIs(t, vm.EditPreview(ctx, "missing", "x"), store.ErrTileNotFound)
}

func TestTileViewModelFilterAndSortOptions(t *testing.T) {
	f := newFixture(t)
	f.create(t, store.TileFields{Priority: store.Ptr(int64(100))})
	pinned := f.create(t, store.TileFields{Priority: store.Ptr(int64(50)), Pinned: store.Ptr(true)})
	vm, _ := f.startTiles(t, time.Minute)

	eventuallyView(t, vm, hasTiles(2))

	vm.SetSort(SortPinned)
	view := vm.View()
	assert.Equal(t, SortPinned, view.Options.Sort)
	assert.Equal(t, pinned, view.Tiles[0].ID)

	vm.SetFilter(FilterPinned)
	view = vm.View()
	require.Len(t, view.Tiles, 1)
	assert.Equal(t, pinned, view.Tiles[0].ID)

	vm.SetOptions(ViewOptions{Filter: FilterAll, Sort: SortPinned, Direction: Asc})
	view = vm.View()
	require.Len(t, view.Tiles, 2)
	assert.Equal(t, pinned, view.Tiles[1].ID)

	vm.SetDirection(Desc)
	assert.Equal(t, pinned, vm.View().Tiles[0].ID)
}

// Undo recreates the tile through Create, so it comes back under a new id
// with the same visible fields.
func TestTileViewModelDeleteThenUndo(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, store.TileFields{
		Preview: store.Ptr("dinner plans"),
		Color:   store.Ptr("#3366ff"),
		Pinned:  store.Ptr(true),
	})
	vm, _ := f.startTiles(t, time.Minute)
	ctx := context.Background()
	eventuallyView(t, vm, hasTiles(1))

	require.NoError(t, vm.DeleteTile(ctx, id))

	view := vm.View()
	assert.Empty(t, view.Tiles, "delete is applied locally before the feed confirms it")
	require.NotNil(t, view.Undo)
	assert.Equal(t, id, view.Undo.Tile.ID)

	remote, err := f.db.GetTile(ctx, f.session.UserID, id)
	require.NoError(t, err)
	assert.Nil(t, remote, "delete is permanent upstream")

	newID, err := vm.Undo(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	view = eventuallyView(t, vm, hasTiles(1))
	restored := view.Tiles[0]
	assert.Equal(t, newID, restored.ID)
	assert.Equal(t, "dinner plans", restored.Preview)
	require.NotNil(t, restored.Color)
	assert.Equal(t, "#3366ff", *restored.Color)
	assert.True(t, restored.Pinned)
	assert.Nil(t, view.Undo)

	_, err = vm.Undo(ctx)
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestTileViewModelUndoWindowExpires(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, store.TileFields{Preview: store.Ptr("gone")})
	vm, _ := f.startTiles(t, 20*time.Millisecond)
	ctx := context.Background()
	eventuallyView(t, vm, hasTiles(1))

	require.NoError(t, vm.DeleteTile(ctx, id))
	eventuallyView(t, vm, func(v TileView) bool { return v.Undo == nil })

	_, err := vm.Undo(ctx)
	assert.ErrorIs(t, err, ErrNothingToUndo)

	tiles, err := f.tiles.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tiles)
}

type failingDeletes struct {
	*store.TileClient
}

func (failingDeletes) Delete(context.Context, string) error {
	return errors.New("store unavailable")
}

func TestTileViewModelDeleteFailureRestoresTile(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, store.TileFields{Preview: store.Ptr("keep")})

	vm := NewTileViewModel(failingDeletes{f.tiles}, "ana", time.Minute, nil)
	require.NoError(t, vm.Start(context.Background()))
	defer vm.Close()
	eventuallyView(t, vm, hasTiles(1))

	err := vm.DeleteTile(context.Background(), id)
	assert.Error(t, err)

	view := vm.View()
	assert.Nil(t, view.Undo)
	require.Len(t, view.Tiles, 1, "tile is back without waiting for another snapshot")
	assert.Equal(t, id, view.Tiles[0].ID)

	// Later snapshots still show it.
	require.NoError(t, vm.EditPreview(context.Background(), id, "still here"))
	view = eventuallyView(t, vm, func(v TileView) bool { return len(v.Tiles) == 1 && v.Tiles[0].Preview == "still here" })
	assert.Equal(t, id, view.Tiles[0].ID)
}

func TestTileViewModelReorderPersistsOrder(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, store.TileFields{Priority: store.Ptr(int64(300))})
	b := f.create(t, store.TileFields{Priority: store.Ptr(int64(200))})
	c := f.create(t, store.TileFields{Priority: store.Ptr(int64(100))})
	vm, _ := f.startTiles(t, time.Minute)
	ctx := context.Background()
	vm.now = func() time.Time { return time.UnixMilli(1_000_000) }

	vm.SetSort(SortPinned)
	view := eventuallyView(t, vm, hasTiles(3))
	require.Equal(t, []string{a, b, c}, ids(view.Tiles))

	require.NoError(t, vm.Reorder(ctx, 2, 0))
	assert.Equal(t, []string{c, a, b}, ids(vm.View().Tiles))

	reloaded, err := f.tiles.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{c, a, b}, ids(reloaded))
	assert.Equal(t, []int64{1_000_003, 1_000_002, 1_000_001},
		[]int64{reloaded[0].Priority, reloaded[1].Priority, reloaded[2].Priority})

	arranged := Arrange(reloaded, vm.View().Options, "ana")
	assert.Equal(t, []string{c, a, b}, ids(arranged))
}

func TestTileViewModelReorderAscendingPersistsOrder(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, store.TileFields{Priority: store.Ptr(int64(300))})
	b := f.create(t, store.TileFields{Priority: store.Ptr(int64(200))})
	c := f.create(t, store.TileFields{Priority: store.Ptr(int64(100))})
	vm, _ := f.startTiles(t, time.Minute)
	ctx := context.Background()
	vm.now = func() time.Time { return time.UnixMilli(1_000_000) }

	vm.SetOptions(ViewOptions{Filter: FilterAll, Sort: SortPinned, Direction: Asc})
	view := eventuallyView(t, vm, hasTiles(3))
	require.Equal(t, []string{c, b, a}, ids(view.Tiles))

	require.NoError(t, vm.Reorder(ctx, 2, 0))
	assert.Equal(t, []string{a, c, b}, ids(vm.View().Tiles))

	reloaded, err := f.tiles.List(ctx)
	require.NoError(t, err)
	byID := make(map[string]int64, len(reloaded))
	for _, tile := range reloaded {
		byID[tile.ID] = tile.Priority
	}
	assert.Equal(t, map[string]int64{a: 1_000_001, c: 1_000_002, b: 1_000_003}, byID)

	arranged := Arrange(reloaded, vm.View().Options, "ana")
	assert.Equal(t, []string{a, c, b}, ids(arranged))

	// The persisted snapshot keeps the same order once it arrives.
	eventuallyView(t, vm, func(v TileView) bool {
		return len(v.Tiles) == 3 && v.Tiles[0].Priority == 1_000_001 && v.Tiles[2].Priority == 1_000_003
	})
	assert.Equal(t, []string{a, c, b}, ids(vm.View().Tiles))
}

func TestTileViewModelReorderInPlaceIsNoop(t *testing.T) {
	f := newFixture(t)
	f.create(t, store.TileFields{Priority: store.Ptr(int64(30))})
	f.create(t, store.TileFields{Priority: store.Ptr(int64(20))})
	f.create(t, store.TileFields{Priority: store.Ptr(int64(10))})
	vm, _ := f.startTiles(t, time.Minute)
	ctx := context.Background()
	vm.SetSort(SortPinned)
	eventuallyView(t, vm, hasTiles(3))

	before, err := f.tiles.List(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, vm.Reorder(ctx, i, i))
	}

	after, err := f.tiles.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.ErrorIs(t, vm.Reorder(ctx, 0, 3), ErrInvalidIndex)
	assert.ErrorIs(t, vm.Reorder(ctx, -1, 0), ErrInvalidIndex)
}

func TestTileViewModelCloseStopsUpdates(t *testing.T) {
	f := newFixture(t)
	vm, calls := f.startTiles(t, time.Minute)
	ctx := context.Background()

	vm.Close()
	select {
	case <-vm.Done():
	case <-time.After(waitFor):
		t.Fatal("feed pump still running after Close")
	}

	before := vm.View()
	callsBefore := calls.Load()

	f.create(t, store.TileFields{Preview: store.Ptr("after teardown")})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, before, vm.View())
	assert.Equal(t, callsBefore, calls.Load())

	_, err := vm.AddTile(ctx)
	assert.ErrorIs(t, err, ErrViewClosed)
	assert.ErrorIs(t, vm.DeleteTile(ctx, "x"), ErrViewClosed)
	_, err = vm.Undo(ctx)
	assert.ErrorIs(t, err, ErrViewClosed)

	vm.Close()
}
