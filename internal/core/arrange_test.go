package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiletalk.app/tiletalk/internal/store"
)

func ids(tiles []store.Tile) []string {
	out := make([]string, len(tiles))
	for i, t := range tiles {
		out[i] = t.ID
	}
	return out
}

func sampleTiles() []store.Tile {
	return []store.Tile{
		{ID: "a", Priority: 500, Pinned: false, Unread: true, LastSender: "me", ReplyCount: 0, LastUpdated: 40},
		{ID: "b", Priority: 400, Pinned: true, Unread: false, LastSender: "alex", ReplyCount: 3, LastUpdated: 10},
		{ID: "c", Priority: 300, Pinned: false, Unread: true, LastSender: "", ReplyCount: 1, LastUpdated: 2500},
		{ID: "d", Priority: 200, Pinned: true, Unread: true, LastSender: "sam", ReplyCount: 0, LastUpdated: 90},
		{ID: "e", Priority: 100, Pinned: false, Unread: false, LastSender: "me", ReplyCount: 2, LastUpdated: 5},
	}
}

func TestArrangeFilters(t *testing.T) {
	tiles := sampleTiles()

	for _, filter := range []Filter{FilterAll, FilterPinned, FilterUnread, FilterReplied} {
		t.Run(string(filter), func(t *testing.T) {
			opts := ViewOptions{Filter: filter, Sort: SortPinned, Direction: Desc}
			got := Arrange(tiles, opts, "me")

			want := map[string]bool{}
			for _, tile := range tiles {
				if Matches(filter, tile, "me") {
					want[tile.ID] = true
				}
			}
			assert.Len(t, got, len(want))
			for _, tile := range got {
				assert.True(t, want[tile.ID], "tile %s should not pass %s", tile.ID, filter)
			}
		})
	}

	assert.Len(t, Arrange(tiles, ViewOptions{Filter: FilterAll, Sort: SortSmart, Direction: Desc}, "me"), len(tiles))
	assert.ElementsMatch(t, []string{"b", "d"}, ids(Arrange(tiles, ViewOptions{Filter: FilterPinned, Sort: SortSmart, Direction: Desc}, "me")))
	assert.ElementsMatch(t, []string{"a", "c", "d"}, ids(Arrange(tiles, ViewOptions{Filter: FilterUnread, Sort: SortSmart, Direction: Desc}, "me")))
	assert.ElementsMatch(t, []string{"b", "d"}, ids(Arrange(tiles, ViewOptions{Filter: FilterReplied, Sort: SortSmart, Direction: Desc}, "me")))
}

func TestArrangePinnedScenario(t *testing.T) {
	tiles := []store.Tile{
		{ID: "1", Pinned: false, Priority: 100},
		{ID: "2", Pinned: true, Priority: 50},
	}
	got := Arrange(tiles, ViewOptions{Filter: FilterAll, Sort: SortPinned, Direction: Desc}, "me")
	assert.Equal(t, []string{"2", "1"}, ids(got))
}

func TestArrangePinnedFirstUnderDesc(t *testing.T) {
	got := Arrange(sampleTiles(), ViewOptions{Filter: FilterAll, Sort: SortPinned, Direction: Desc}, "me")
	assert.Equal(t, []string{"b", "d", "a", "c", "e"}, ids(got))

	seenUnpinned := false
	for _, tile := range got {
		if !tile.Pinned {
			seenUnpinned = true
			continue
		}
		assert.False(t, seenUnpinned, "pinned tile %s after an unpinned one", tile.ID)
	}
}

// The direction factor also flips the pin partition, so ascending order puts
// pinned tiles last.
func TestArrangePinnedAscendingSinksPinned(t *testing.T) {
	got := Arrange(sampleTiles(), ViewOptions{Filter: FilterAll, Sort: SortPinned, Direction: Asc}, "me")
	assert.Equal(t, []string{"e", "c", "a", "d", "b"}, ids(got))
}

func TestArrangeSmartDescendingScore(t *testing.T) {
	got := Arrange(sampleTiles(), DefaultViewOptions(), "me")
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, smartScore(got[i-1]), smartScore(got[i]))
	}
	assert.Equal(t, []string{"c", "b", "e", "d", "a"}, ids(got))
}

func TestArrangeRecentAndEngaged(t *testing.T) {
	tiles := sampleTiles()

	recent := Arrange(tiles, ViewOptions{Filter: FilterAll, Sort: SortRecent, Direction: Desc}, "me")
	assert.Equal(t, []string{"c", "d", "a", "b", "e"}, ids(recent))

	recentAsc := Arrange(tiles, ViewOptions{Filter: FilterAll, Sort: SortRecent, Direction: Asc}, "me")
	assert.Equal(t, []string{"e", "b", "a", "d", "c"}, ids(recentAsc))

	// a and d tie on zero replies and keep their input order.
	engaged := Arrange(tiles, ViewOptions{Filter: FilterAll, Sort: SortEngaged, Direction: Desc}, "me")
	assert.Equal(t, []string{"b", "e", "c", "a", "d"}, ids(engaged))
}

func TestArrangeDoesNotModifyInput(t *testing.T) {
	tiles := sampleTiles()
	before := ids(tiles)
	Arrange(tiles, ViewOptions{Filter: FilterAll, Sort: SortRecent, Direction: Asc}, "me")
	assert.Equal(t, before, ids(tiles))
}

func TestParseViewOptions(t *testing.T) {
	opts, err := ParseViewOptions("", "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultViewOptions(), opts)

	opts, err = ParseViewOptions("unread", "recent", "asc")
	require.NoError(t, err)
	assert.Equal(t, ViewOptions{Filter: FilterUnread, Sort: SortRecent, Direction: Asc}, opts)

	_, err = ParseViewOptions("starred", "", "")
	assert.ErrorIs(t, err, ErrInvalidViewOption)
	_, err = ParseViewOptions("", "alpha", "")
	assert.ErrorIs(t, err, ErrInvalidViewOption)
	_, err = ParseViewOptions("", "", "up")
	assert.ErrorIs(t, err, ErrInvalidViewOption)
}
