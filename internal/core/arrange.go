package core

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"tiletalk.app/tiletalk/internal/store"
)

type Filter string

const (
	FilterAll     Filter = "all"
	FilterPinned  Filter = "pinned"
	FilterUnread  Filter = "unread"
	FilterReplied Filter = "replied"
)

type SortMode string

const (
	SortPinned  SortMode = "pinned"
	SortRecent  SortMode = "recent"
	SortEngaged SortMode = "engaged"
	SortSmart   SortMode = "smart"
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

var ErrInvalidViewOption = errors.New("invalid view option")

// ViewOptions selects which tiles are shown and in what order.
type ViewOptions struct {
	Filter    Filter    `json:"filter"`
	Sort      SortMode  `json:"sort"`
	Direction Direction `json:"dir"`
}

func DefaultViewOptions() ViewOptions {
	return ViewOptions{Filter: FilterAll, Sort: SortSmart, Direction: Desc}
}

// ParseViewOptions validates raw option names. Empty values keep the default.
func ParseViewOptions(filter, sortMode, dir string) (ViewOptions, error) {
	opts := DefaultViewOptions()
	return opts.With(filter, sortMode, dir)
}

// With returns o with the non-empty raw options applied.
func (o ViewOptions) With(filter, sortMode, dir string) (ViewOptions, error) {
	if filter != "" {
		switch f := Filter(filter); f {
		case FilterAll, FilterPinned, FilterUnread, FilterReplied:
			o.Filter = f
		default:
			return o, fmt.Errorf("%w: filter %q", ErrInvalidViewOption, filter)
		}
	}
	if sortMode != "" {
		switch m := SortMode(sortMode); m {
		case SortPinned, SortRecent, SortEngaged, SortSmart:
			o.Sort = m
		default:
			return o, fmt.Errorf("%w: sort %q", ErrInvalidViewOption, sortMode)
		}
	}
	if dir != "" {
		switch d := Direction(dir); d {
		case Asc, Desc:
			o.Direction = d
		default:
			return o, fmt.Errorf("%w: dir %q", ErrInvalidViewOption, dir)
		}
	}
	return o, nil
}

func (d Direction) factor() int {
	if d == Asc {
		return 1
	}
	return -1
}

// Matches reports whether tile passes filter for the user selfID.
func Matches(filter Filter, tile store.Tile, selfID string) bool {
	switch filter {
	case FilterPinned:
		return tile.Pinned
	case FilterUnread:
		return tile.Unread
	case FilterReplied:
		return tile.LastSender != "" && tile.LastSender != selfID
	default:
		return true
	}
}

// Arrange filters and sorts tiles for display. The input is not modified and
// tiles that compare equal keep their input order.
func Arrange(tiles []store.Tile, opts ViewOptions, selfID string) []store.Tile {
	out := make([]store.Tile, 0, len(tiles))
	for _, tile := range tiles {
		if Matches(opts.Filter, tile, selfID) {
			out = append(out, tile)
		}
	}

	compare := comparator(opts.Sort)
	factor := opts.Direction.factor()
	slices.SortStableFunc(out, func(a, b store.Tile) int {
		return factor * compare(a, b)
	})
	return out
}

func comparator(mode SortMode) func(a, b store.Tile) int {
	switch mode {
	case SortPinned:
		return comparePinned
	case SortRecent:
		return func(a, b store.Tile) int { return cmp.Compare(a.LastUpdated, b.LastUpdated) }
	case SortEngaged:
		return func(a, b store.Tile) int { return cmp.Compare(a.ReplyCount, b.ReplyCount) }
	default:
		return func(a, b store.Tile) int { return cmp.Compare(smartScore(a), smartScore(b)) }
	}
}

// comparePinned orders unpinned before pinned, then by priority, both
// ascending. The direction factor applies to the whole result, so under
// Asc the pinned tiles sink to the bottom.
func comparePinned(a, b store.Tile) int {
	if a.Pinned != b.Pinned {
		if a.Pinned {
			return 1
		}
		return -1
	}
	return cmp.Compare(a.Priority, b.Priority)
}

func smartScore(t store.Tile) int64 {
	return t.ReplyCount*1000 + t.LastUpdated
}
