package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3" // SQLite driver

	"tiletalk.app/tiletalk/internal/feed"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrTileNotFound = errors.New("tile not found")
)

type SQLiteStore struct {
	db *sql.DB

	// feedMu orders "mutate then publish" against "load then subscribe" so a
	// subscriber never starts from a snapshot older than one already published.
	feedMu   sync.Mutex
	tiles    *feed.Hub[[]Tile]
	messages *feed.Hub[[]Message]

	now func() time.Time
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dataSourceName, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{
		db:       db,
		tiles:    feed.NewHub[[]Tile](),
		messages: feed.NewHub[[]Message](),
		now:      time.Now,
	}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close cancels all live feeds and closes the database.
func (s *SQLiteStore) Close() error {
	s.tiles.Close()
	s.messages.Close()
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	// Tile columns are nullable: rows written by older clients may lack fields.
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS tiles (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        preview TEXT,
        color TEXT,
        priority INTEGER,
        pinned BOOLEAN,
        unread BOOLEAN,
        last_sender TEXT,
        reply_count INTEGER,
        last_updated INTEGER,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_tiles_user_priority ON tiles (user_id, priority DESC);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        thread_id TEXT NOT NULL,
        sender TEXT NOT NULL,
        text TEXT NOT NULL,
        timestamp INTEGER NOT NULL,
        FOREIGN KEY (thread_id) REFERENCES tiles (id)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_thread_ts ON messages (thread_id, timestamp);
    `
	_, err := s.db.Exec(schema)
	return err
}

// TilesTopic names the feed carrying a user's tile collection.
func TilesTopic(userID int64) string {
	return fmt.Sprintf("users/%d/tiles", userID)
}

// MessagesTopic names the feed carrying one thread's messages.
func MessagesTopic(threadID string) string {
	return fmt.Sprintf("tiles/%s/messages", threadID)
}

func (s *SQLiteStore) nowMillis() int64 {
	return s.now().UnixMilli()
}

// User methods
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, externalUserID, passwordHash string) (*User, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO users (external_user_id, password_hash) VALUES (?, ?)", externalUserID, passwordHash)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.GetUserByID(ctx, id)
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?", id).Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Tile methods

const tileColumns = "id, user_id, preview, color, priority, pinned, unread, last_sender, reply_count, last_updated"

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTile reads one tile row. Missing values read as zero.
func scanTile(row rowScanner) (Tile, error) {
	var (
		tile                             Tile
		preview, color, lastSender       sql.NullString
		priority, replyCount, lastUpdate sql.NullInt64
		pinned, unread                   sql.NullBool
	)
	if err := row.Scan(&tile.ID, &tile.UserID, &preview, &color, &priority, &pinned, &unread, &lastSender, &replyCount, &lastUpdate); err != nil {
		return Tile{}, err
	}
	tile.Preview = preview.String
	if color.Valid && color.String != "" {
		tile.Color = &color.String
	}
	tile.Priority = priority.Int64
	tile.Pinned = pinned.Bool
	tile.Unread = unread.Bool
	tile.LastSender = lastSender.String
	tile.ReplyCount = replyCount.Int64
	tile.LastUpdated = lastUpdate.Int64
	return tile, nil
}

// ListTiles returns a user's tiles, highest priority first. Ties keep
// insertion order.
func (s *SQLiteStore) ListTiles(ctx context.Context, userID int64) ([]Tile, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+tileColumns+" FROM tiles WHERE user_id = ? ORDER BY COALESCE(priority, 0) DESC, rowid ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tiles: %w", err)
	}
	defer rows.Close()

	tiles := make([]Tile, 0)
	for rows.Next() {
		tile, err := scanTile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tile row: %w", err)
		}
		tiles = append(tiles, tile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tiles: %w", err)
	}
	return tiles, nil
}

func (s *SQLiteStore) GetTile(ctx context.Context, userID int64, tileID string) (*Tile, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+tileColumns+" FROM tiles WHERE id = ? AND user_id = ?", tileID, userID)
	tile, err := scanTile(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get tile: %w", err)
	}
	return &tile, nil
}

// InsertTile creates a tile from fields merged over the defaults and returns
// its id. The full tile reaches subscribers through the feed.
func (s *SQLiteStore) InsertTile(ctx context.Context, userID int64, fields TileFields) (string, error) {
	tile := Tile{
		ID:       uuid.NewString(),
		UserID:   userID,
		Priority: s.nowMillis(),
	}
	applyFields(&tile, fields)

	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO tiles ("+tileColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		tile.ID, tile.UserID, tile.Preview, tile.Color, tile.Priority, tile.Pinned, tile.Unread, tile.LastSender, tile.ReplyCount, tile.LastUpdated)
	if err != nil {
		return "", fmt.Errorf("failed to execute tile insert: %w", err)
	}

	s.publishTiles(ctx, userID)
	return tile.ID, nil
}

// UpdateTile merges the set fields into an existing tile owned by userID.
func (s *SQLiteStore) UpdateTile(ctx context.Context, userID int64, tileID string, fields TileFields) error {
	sets, args := fieldAssignments(fields)

	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	if len(sets) == 0 {
		tile, err := s.GetTile(ctx, userID, tileID)
		if err != nil {
			return err
		}
		if tile == nil {
			return ErrTileNotFound
		}
		return nil
	}

	args = append(args, tileID, userID)
	res, err := s.db.ExecContext(ctx, "UPDATE tiles SET "+strings.Join(sets, ", ")+" WHERE id = ? AND user_id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to execute tile update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrTileNotFound
	}

	s.publishTiles(ctx, userID)
	return nil
}

// DeleteTile permanently removes a tile and its thread.
func (s *SQLiteStore) DeleteTile(ctx context.Context, userID int64, tileID string) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tile delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM tiles WHERE id = ? AND user_id = ?", tileID, userID)
	if err != nil {
		return fmt.Errorf("failed to execute tile delete: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrTileNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE thread_id = ?", tileID); err != nil {
		return fmt.Errorf("failed to delete thread messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tile delete: %w", err)
	}

	s.publishTiles(ctx, userID)
	s.messages.Publish(MessagesTopic(tileID), []Message{})
	return nil
}

// SubscribeTiles opens a live feed of the user's tile collection. The first
// snapshot is the current collection.
func (s *SQLiteStore) SubscribeTiles(ctx context.Context, userID int64) (*feed.Subscription[[]Tile], error) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	tiles, err := s.ListTiles(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.tiles.Subscribe(TilesTopic(userID), tiles), nil
}

// publishTiles pushes the current collection to subscribers. Callers hold feedMu.
func (s *SQLiteStore) publishTiles(ctx context.Context, userID int64) {
	topic := TilesTopic(userID)
	if s.tiles.Subscribers(topic) == 0 {
		return
	}
	tiles, err := s.ListTiles(context.WithoutCancel(ctx), userID)
	if err != nil {
		log.Printf("[store] failed to load snapshot for %s: %v", topic, err)
		return
	}
	s.tiles.Publish(topic, tiles)
}

func applyFields(tile *Tile, f TileFields) {
	if f.Preview != nil {
		tile.Preview = *f.Preview
	}
	if f.Color != nil {
		tile.Color = f.Color
	}
	if f.Priority != nil {
		tile.Priority = *f.Priority
	}
	if f.Pinned != nil {
		tile.Pinned = *f.Pinned
	}
	if f.Unread != nil {
		tile.Unread = *f.Unread
	}
	if f.LastSender != nil {
		tile.LastSender = *f.LastSender
	}
	if f.ReplyCount != nil {
		tile.ReplyCount = *f.ReplyCount
	}
	if f.LastUpdated != nil {
		tile.LastUpdated = *f.LastUpdated
	}
}

func fieldAssignments(f TileFields) ([]string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if f.Preview != nil {
		add("preview", *f.Preview)
	}
	if f.Color != nil {
		add("color", *f.Color)
	}
	if f.Priority != nil {
		add("priority", *f.Priority)
	}
	if f.Pinned != nil {
		add("pinned", *f.Pinned)
	}
	if f.Unread != nil {
		add("unread", *f.Unread)
	}
	if f.LastSender != nil {
		add("last_sender", *f.LastSender)
	}
	if f.ReplyCount != nil {
		add("reply_count", *f.ReplyCount)
	}
	if f.LastUpdated != nil {
		add("last_updated", *f.LastUpdated)
	}
	return sets, args
}

// Message methods

// AppendMessage stores msg in its thread and refreshes the thread tile's
// engagement fields. Messages from anyone but the tile owner count as
// replies and mark the tile unread.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.Sender == "" {
		return Message{}, fmt.Errorf("message sender is required")
	}
	msg.ID = uuid.NewString() // Ensure ID is set
	if msg.Timestamp == 0 {
		msg.Timestamp = s.nowMillis()
	}

	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("failed to begin message insert: %w", err)
	}
	defer tx.Rollback()

	var ownerID int64
	var ownerExternalID string
	err = tx.QueryRowContext(ctx,
		"SELECT t.user_id, u.external_user_id FROM tiles t JOIN users u ON u.id = t.user_id WHERE t.id = ?",
		msg.ThreadID).Scan(&ownerID, &ownerExternalID)
	if err != nil {
		if err == sql.ErrNoRows {
			return Message{}, ErrTileNotFound
		}
		return Message{}, fmt.Errorf("failed to look up thread owner: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (id, thread_id, sender, text, timestamp) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.ThreadID, msg.Sender, msg.Text, msg.Timestamp); err != nil {
		return Message{}, fmt.Errorf("failed to execute message insert: %w", err)
	}

	isReply := msg.Sender != ownerExternalID
	replyIncrement := 0
	if isReply {
		replyIncrement = 1
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE tiles
        SET last_sender = ?,
            last_updated = ?,
            reply_count = COALESCE(reply_count, 0) + ?,
            unread = CASE WHEN ? THEN 1 ELSE COALESCE(unread, 0) END
        WHERE id = ?`,
		msg.Sender, msg.Timestamp, replyIncrement, isReply, msg.ThreadID); err != nil {
		return Message{}, fmt.Errorf("failed to update thread tile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("failed to commit message insert: %w", err)
	}

	s.publishMessages(ctx, msg.ThreadID)
	s.publishTiles(ctx, ownerID)
	return msg, nil
}

// ListMessages returns a thread's messages, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, thread_id, sender, text, timestamp FROM messages WHERE thread_id = ? ORDER BY timestamp ASC, rowid ASC", threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.Sender, &msg.Text, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// SubscribeMessages opens a live feed of one thread.
func (s *SQLiteStore) SubscribeMessages(ctx context.Context, threadID string) (*feed.Subscription[[]Message], error) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()

	messages, err := s.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return s.messages.Subscribe(MessagesTopic(threadID), messages), nil
}

func (s *SQLiteStore) publishMessages(ctx context.Context, threadID string) {
	topic := MessagesTopic(threadID)
	if s.messages.Subscribers(topic) == 0 {
		return
	}
	messages, err := s.ListMessages(context.WithoutCancel(ctx), threadID)
	if err != nil {
		log.Printf("[store] failed to load snapshot for %s: %v", topic, err)
		return
	}
	s.messages.Publish(topic, messages)
}
