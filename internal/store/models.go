package store

import "time"

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

// Tile is one conversation card in a user's grid.
type Tile struct {
	ID          string  `json:"id"`
	UserID      int64   `json:"-"`
	Preview     string  `json:"preview"`
	Color       *string `json:"color,omitempty"` // Nil means the client derives it from position
	Priority    int64   `json:"priority"`
	Pinned      bool    `json:"pinned"`
	Unread      bool    `json:"unread"`
	LastSender  string  `json:"lastSender"`
	ReplyCount  int64   `json:"replyCount"`
	LastUpdated int64   `json:"lastUpdated"`
}

// TileFields is a partial tile. Nil fields are left untouched on update and
// take their defaults on create.
type TileFields struct {
	Preview     *string `json:"preview,omitempty"`
	Color       *string `json:"color,omitempty"`
	Priority    *int64  `json:"priority,omitempty"`
	Pinned      *bool   `json:"pinned,omitempty"`
	Unread      *bool   `json:"unread,omitempty"`
	LastSender  *string `json:"lastSender,omitempty"`
	ReplyCount  *int64  `json:"replyCount,omitempty"`
	LastUpdated *int64  `json:"lastUpdated,omitempty"`
}

// Empty reports whether no field is set.
func (f TileFields) Empty() bool {
	return f == TileFields{}
}

// Fields returns every user-visible field of t, for recreating it elsewhere.
func (t Tile) Fields() TileFields {
	f := TileFields{
		Preview:     Ptr(t.Preview),
		Priority:    Ptr(t.Priority),
		Pinned:      Ptr(t.Pinned),
		Unread:      Ptr(t.Unread),
		LastSender:  Ptr(t.LastSender),
		ReplyCount:  Ptr(t.ReplyCount),
		LastUpdated: Ptr(t.LastUpdated),
	}
	if t.Color != nil {
		f.Color = Ptr(*t.Color)
	}
	return f
}

// Message is one line of a tile's conversation thread.
type Message struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

func Ptr[T any](v T) *T {
	return &v
}
