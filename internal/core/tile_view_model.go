package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"tiletalk.app/tiletalk/internal/feed"
	"tiletalk.app/tiletalk/internal/store"
)

var (
	ErrViewClosed    = errors.New("view is closed")
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrInvalidIndex  = errors.New("index out of range")
)

// TileStore is the tile collection a TileViewModel drives.
type TileStore interface {
	Subscribe(ctx context.Context) (*feed.Subscription[[]store.Tile], error)
	Create(ctx context.Context, fields store.TileFields) (string, error)
	Update(ctx context.Context, tileID string, fields store.TileFields) error
	Delete(ctx context.Context, tileID string) error
}

type Status string

const (
	StatusLoading   Status = "loading"
	StatusLive      Status = "live"
	StatusSignedOut Status = "signedOut"
)

// PendingUndo is a deleted tile that can still be brought back.
type PendingUndo struct {
	Tile     store.Tile `json:"tile"`
	Deadline time.Time  `json:"deadline"`
}

// TileView is what the grid renders.
type TileView struct {
	Status  Status       `json:"status"`
	Options ViewOptions  `json:"options"`
	Tiles   []store.Tile `json:"tiles"`
	Undo    *PendingUndo `json:"undo,omitempty"`
}

type pendingDelete struct {
	tile     store.Tile
	deadline time.Time
	timer    *time.Timer
}

// TileViewModel owns one session's tile grid: the latest feed snapshot, the
// active view options and the mutation intents.
//
// The view is recomputed from state on every change and handed to the
// listener. After Close no listener call starts and state stays frozen.
type TileViewModel struct {
	client     TileStore
	selfID     string
	undoWindow time.Duration
	now        func() time.Time

	emitMu   sync.Mutex
	listener func(TileView)

	mu      sync.Mutex
	closed  bool
	status  Status
	tiles   []store.Tile
	opts    ViewOptions
	pending *pendingDelete
	// hidden holds locally deleted ids until a snapshot without them arrives.
	hidden map[string]struct{}
	sub    *feed.Subscription[[]store.Tile]
	done   chan struct{}
}

// NewTileViewModel builds a view-model for the user selfID. listener may be
// nil; it must not call Close.
func NewTileViewModel(client TileStore, selfID string, undoWindow time.Duration, listener func(TileView)) *TileViewModel {
	return &TileViewModel{
		client:     client,
		selfID:     selfID,
		undoWindow: undoWindow,
		now:        time.Now,
		listener:   listener,
		status:     StatusLoading,
		opts:       DefaultViewOptions(),
		hidden:     make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// Start subscribes to the collection. A failed subscription leaves the
// view-model signed out; it is not retried.
func (vm *TileViewModel) Start(ctx context.Context) error {
	sub, err := vm.client.Subscribe(ctx)
	if err != nil {
		vm.mu.Lock()
		vm.status = StatusSignedOut
		vm.mu.Unlock()
		close(vm.done)
		vm.emit()
		return fmt.Errorf("subscribe to tiles: %w", err)
	}

	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		sub.Cancel()
		close(vm.done)
		return ErrViewClosed
	}
	vm.sub = sub
	vm.mu.Unlock()

	go vm.pump(ctx, sub)
	return nil
}

func (vm *TileViewModel) pump(ctx context.Context, sub *feed.Subscription[[]store.Tile]) {
	defer close(vm.done)
	for {
		tiles, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, feed.ErrClosed) && !errors.Is(err, context.Canceled) {
				log.Printf("[tiles] feed for %s stopped: %v", vm.selfID, err)
			}
			return
		}
		vm.applySnapshot(tiles)
	}
}

func (vm *TileViewModel) applySnapshot(snapshot []store.Tile) {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return
	}
	present := make(map[string]struct{}, len(snapshot))
	tiles := make([]store.Tile, 0, len(snapshot))
	for _, tile := range snapshot {
		present[tile.ID] = struct{}{}
		if _, ok := vm.hidden[tile.ID]; ok {
			continue
		}
		tiles = append(tiles, tile)
	}
	for id := range vm.hidden {
		if _, ok := present[id]; !ok {
			delete(vm.hidden, id)
		}
	}
	vm.tiles = tiles
	vm.status = StatusLive
	vm.mu.Unlock()

	vm.emit()
}

// View returns the current arranged view.
func (vm *TileViewModel) View() TileView {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.viewLocked()
}

func (vm *TileViewModel) viewLocked() TileView {
	view := TileView{
		Status:  vm.status,
		Options: vm.opts,
		Tiles:   Arrange(vm.tiles, vm.opts, vm.selfID),
	}
	if vm.pending != nil {
		view.Undo = &PendingUndo{Tile: vm.pending.tile, Deadline: vm.pending.deadline}
	}
	return view
}

// Tile looks up a tile in the latest snapshot.
func (vm *TileViewModel) Tile(tileID string) (store.Tile, bool) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for _, tile := range vm.tiles {
		if tile.ID == tileID {
			return tile, true
		}
	}
	return store.Tile{}, false
}

func (vm *TileViewModel) emit() {
	vm.emitMu.Lock()
	defer vm.emitMu.Unlock()

	vm.mu.Lock()
	if vm.closed || vm.listener == nil {
		vm.mu.Unlock()
		return
	}
	view := vm.viewLocked()
	vm.mu.Unlock()

	vm.listener(view)
}

func (vm *TileViewModel) checkOpen() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return ErrViewClosed
	}
	return nil
}

// SetOptions changes filter, sort mode and direction together.
func (vm *TileViewModel) SetOptions(opts ViewOptions) {
	vm.updateOptions(func(o *ViewOptions) { *o = opts })
}

func (vm *TileViewModel) SetFilter(filter Filter) {
	vm.updateOptions(func(o *ViewOptions) { o.Filter = filter })
}

func (vm *TileViewModel) SetSort(mode SortMode) {
	vm.updateOptions(func(o *ViewOptions) { o.Sort = mode })
}

func (vm *TileViewModel) SetDirection(dir Direction) {
	vm.updateOptions(func(o *ViewOptions) { o.Direction = dir })
}

func (vm *TileViewModel) updateOptions(apply func(*ViewOptions)) {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return
	}
	apply(&vm.opts)
	vm.mu.Unlock()
	vm.emit()
}

// AddTile creates an empty tile. Nothing is inserted locally; the tile shows
// up with the next snapshot.
func (vm *TileViewModel) AddTile(ctx context.Context) (string, error) {
	if err := vm.checkOpen(); err != nil {
		return "", err
	}
	return vm.client.Create(ctx, store.TileFields{})
}

func (vm *TileViewModel) EditPreview(ctx context.Context, tileID, text string) error {
	if err := vm.checkOpen(); err != nil {
		return err
	}
	return vm.client.Update(ctx, tileID, store.TileFields{Preview: store.Ptr(text)})
}

func (vm *TileViewModel) TogglePin(ctx context.Context, tile store.Tile) error {
	if err := vm.checkOpen(); err != nil {
		return err
	}
	return vm.client.Update(ctx, tile.ID, store.TileFields{Pinned: store.Ptr(!tile.Pinned)})
}

func (vm *TileViewModel) MarkRead(ctx context.Context, tileID string) error {
	if err := vm.checkOpen(); err != nil {
		return err
	}
	return vm.client.Update(ctx, tileID, store.TileFields{Unread: store.Ptr(false)})
}

type priorityUpdate struct {
	tileID   string
	priority int64
}

// Reorder moves the displayed tile at from to position to. The new order is
// applied locally at once, then every displayed tile is persisted with a
// priority based on now that ranks it at its new position under the current
// direction: now+(count-position) descending, now+position+1 ascending. The
// updates are sent one at a time and are not atomic: a failure part way
// leaves the earlier ones written.
func (vm *TileViewModel) Reorder(ctx context.Context, from, to int) error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return ErrViewClosed
	}
	view := Arrange(vm.tiles, vm.opts, vm.selfID)
	if from < 0 || from >= len(view) || to < 0 || to >= len(view) {
		vm.mu.Unlock()
		return ErrInvalidIndex
	}
	if from == to {
		vm.mu.Unlock()
		return nil
	}

	moved := view[from]
	order := slices.Delete(slices.Clone(view), from, from+1)
	order = slices.Insert(order, to, moved)

	base := vm.now().UnixMilli()
	count := int64(len(order))
	updates := make([]priorityUpdate, len(order))
	priorities := make(map[string]int64, len(order))
	positions := make(map[string]int, len(order))
	for pos, tile := range order {
		p := base + count - int64(pos)
		if vm.opts.Direction == Asc {
			p = base + int64(pos) + 1
		}
		updates[pos] = priorityUpdate{tileID: tile.ID, priority: p}
		priorities[tile.ID] = p
		positions[tile.ID] = pos
	}
	for i := range vm.tiles {
		if p, ok := priorities[vm.tiles[i].ID]; ok {
			vm.tiles[i].Priority = p
		}
	}
	// Tiles outside the current filter keep their relative order after the
	// displayed ones.
	rank := func(t store.Tile) int {
		if pos, ok := positions[t.ID]; ok {
			return pos
		}
		return len(order)
	}
	slices.SortStableFunc(vm.tiles, func(a, b store.Tile) int {
		return cmp.Compare(rank(a), rank(b))
	})
	vm.mu.Unlock()
	vm.emit()

	for _, u := range updates {
		if err := vm.client.Update(ctx, u.tileID, store.TileFields{Priority: store.Ptr(u.priority)}); err != nil {
			return fmt.Errorf("persist priority for tile %s: %w", u.tileID, err)
		}
	}
	return nil
}

// DeleteTile removes the tile locally, deletes it upstream and offers an
// undo for the configured window.
func (vm *TileViewModel) DeleteTile(ctx context.Context, tileID string) error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return ErrViewClosed
	}
	idx := slices.IndexFunc(vm.tiles, func(t store.Tile) bool { return t.ID == tileID })
	if idx < 0 {
		vm.mu.Unlock()
		return store.ErrTileNotFound
	}
	tile := vm.tiles[idx]
	vm.tiles = slices.Delete(vm.tiles, idx, idx+1)
	vm.hidden[tileID] = struct{}{}
	vm.replacePendingLocked(tile)
	vm.mu.Unlock()
	vm.emit()

	if err := vm.client.Delete(ctx, tileID); err != nil {
		vm.mu.Lock()
		delete(vm.hidden, tileID)
		if !vm.closed && !slices.ContainsFunc(vm.tiles, func(t store.Tile) bool { return t.ID == tileID }) {
			vm.tiles = slices.Insert(vm.tiles, min(idx, len(vm.tiles)), tile)
		}
		if vm.pending != nil && vm.pending.tile.ID == tileID {
			vm.pending.timer.Stop()
			vm.pending = nil
		}
		vm.mu.Unlock()
		vm.emit()
		return fmt.Errorf("delete tile %s: %w", tileID, err)
	}
	return nil
}

func (vm *TileViewModel) replacePendingLocked(tile store.Tile) {
	if vm.pending != nil {
		vm.pending.timer.Stop()
	}
	p := &pendingDelete{tile: tile, deadline: vm.now().Add(vm.undoWindow)}
	p.timer = time.AfterFunc(vm.undoWindow, func() { vm.expireUndo(p) })
	vm.pending = p
}

func (vm *TileViewModel) expireUndo(p *pendingDelete) {
	vm.mu.Lock()
	if vm.pending != p {
		vm.mu.Unlock()
		return
	}
	vm.pending = nil
	vm.mu.Unlock()
	vm.emit()
}

// Undo recreates the most recently deleted tile if its window is still open.
// The tile comes back under a new id with its previous fields.
func (vm *TileViewModel) Undo(ctx context.Context) (string, error) {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return "", ErrViewClosed
	}
	p := vm.pending
	if p == nil || !vm.now().Before(p.deadline) {
		vm.mu.Unlock()
		return "", ErrNothingToUndo
	}
	p.timer.Stop()
	vm.pending = nil
	vm.mu.Unlock()
	vm.emit()

	id, err := vm.client.Create(ctx, p.tile.Fields())
	if err != nil {
		return "", fmt.Errorf("recreate tile: %w", err)
	}
	return id, nil
}

// Close stops the feed. In-flight intents finish on their own but can no
// longer change what the view-model shows.
func (vm *TileViewModel) Close() {
	vm.emitMu.Lock()
	defer vm.emitMu.Unlock()

	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return
	}
	vm.closed = true
	if vm.pending != nil {
		vm.pending.timer.Stop()
	}
	sub := vm.sub
	vm.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

// Done is closed once the feed pump has exited.
func (vm *TileViewModel) Done() <-chan struct{} {
	return vm.done
}
