package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tiletalk.app/tiletalk/internal/feed"
	"tiletalk.app/tiletalk/internal/session"
	"tiletalk.app/tiletalk/internal/store"
)

var ErrEmptyMessage = errors.New("message text cannot be empty")

const previewTimeout = 30 * time.Second

// Previewer writes a short tile preview from a conversation's first message.
type Previewer interface {
	Preview(ctx context.Context, text string) (string, error)
}

// ChatService sends and delivers thread messages and fills in the preview of
// tiles that do not have one yet.
type ChatService struct {
	dbStore  *store.SQLiteStore
	previews Previewer // May be nil; a snippet of the message is used then

	wg sync.WaitGroup
}

func NewChatService(db *store.SQLiteStore, previews Previewer) *ChatService {
	return &ChatService{
		dbStore:  db,
		previews: previews,
	}
}

// Send posts text to threadID as the session user.
func (s *ChatService) Send(ctx context.Context, sess *session.Session, threadID, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	client := store.NewMessageClient(s.dbStore, sess)
	tile, err := client.Thread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	msg, err := client.Send(ctx, threadID, text)
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	if tile.Preview == "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.generateAndSavePreview(sess.UserID, threadID, text)
		}()
	}
	return &msg, nil
}

// Deliver appends a message written by someone other than the session user,
// such as the other party of the conversation.
func (s *ChatService) Deliver(ctx context.Context, threadID, sender, text string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	msg, err := s.dbStore.AppendMessage(ctx, store.Message{ThreadID: threadID, Sender: sender, Text: text})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessages returns a thread's messages, oldest first.
func (s *ChatService) GetMessages(ctx context.Context, sess *session.Session, threadID string) ([]store.Message, error) {
	return store.NewMessageClient(s.dbStore, sess).List(ctx, threadID)
}

// OpenThread marks the thread's tile read.
func (s *ChatService) OpenThread(ctx context.Context, sess *session.Session, threadID string) error {
	return store.NewTileClient(s.dbStore, sess).Update(ctx, threadID, store.TileFields{Unread: store.Ptr(false)})
}

// Feed binds the service to one session for a ConversationViewModel.
func (s *ChatService) Feed(sess *session.Session) MessageFeed {
	return &sessionFeed{svc: s, sess: sess}
}

// Wait blocks until background preview generation has finished.
func (s *ChatService) Wait() {
	s.wg.Wait()
}

func (s *ChatService) generateAndSavePreview(userID int64, threadID, basisContent string) {
	ctx, cancel := context.WithTimeout(context.Background(), previewTimeout)
	defer cancel()

	preview := ""
	if s.previews != nil {
		generated, err := s.previews.Preview(ctx, basisContent)
		if err != nil {
			log.Printf("Failed to generate preview for tile %s: %v", threadID, err)
		}
		preview = strings.Trim(generated, "\"'\n\r\t .")
	}
	if preview == "" {
		preview = Snippet(basisContent, snippetLength)
	}

	tile, err := s.dbStore.GetTile(ctx, userID, threadID)
	if err != nil || tile == nil {
		log.Printf("Tile %s vanished before its preview was saved: %v", threadID, err)
		return
	}
	if tile.Preview != "" {
		return // Edited in the meantime
	}

	if err := s.dbStore.UpdateTile(ctx, userID, threadID, store.TileFields{Preview: store.Ptr(preview)}); err != nil {
		log.Printf("Failed to save preview '%s' for tile %s: %v", preview, threadID, err)
		return
	}
	log.Printf("Saved preview '%s' for tile %s", preview, threadID)
}

type sessionFeed struct {
	svc  *ChatService
	sess *session.Session
}

func (f *sessionFeed) Subscribe(ctx context.Context, threadID string) (*feed.Subscription[[]store.Message], error) {
	return store.NewMessageClient(f.svc.dbStore, f.sess).Subscribe(ctx, threadID)
}

func (f *sessionFeed) Send(ctx context.Context, threadID, text string) (store.Message, error) {
	msg, err := f.svc.Send(ctx, f.sess, threadID, text)
	if err != nil {
		return store.Message{}, err
	}
	return *msg, nil
}
