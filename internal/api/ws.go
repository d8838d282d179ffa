package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tiletalk.app/tiletalk/internal/auth"
	"tiletalk.app/tiletalk/internal/core"
	"tiletalk.app/tiletalk/internal/session"
	"tiletalk.app/tiletalk/internal/store"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
	outboxSize = 64
)

var errInvalidPayload = errors.New("invalid payload")

var frameTypes = map[string]bool{
	"signIn": true, "signUp": true, "signOut": true,
	"add": true, "edit": true, "pin": true, "read": true, "reorder": true,
	"delete": true, "undo": true, "view": true,
	"open": true, "input": true, "send": true, "closeThread": true,
}

// frameLabel keeps client-chosen frame types out of metric labels.
func frameLabel(frameType string) string {
	if frameTypes[frameType] {
		return frameType
	}
	return "unknown"
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outboundFrame struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type signInPayload struct {
	Token    string `json:"token"`
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type tilePayload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type reorderPayload struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type viewPayload struct {
	Filter string `json:"filter"`
	Sort   string `json:"sort"`
	Dir    string `json:"dir"`
}

type sendPayload struct {
	Text *string `json:"text"`
}

type authPayload struct {
	State  core.GateState `json:"state"`
	UserID string         `json:"userId,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// gridSession is one websocket client: its identity, the gate guarding the
// grid, and the view-models mounted for the signed-in user.
type gridSession struct {
	h        *APIHandler
	ctx      context.Context
	cancel   context.CancelFunc
	addr     string
	identity *auth.Identity
	gate     *core.AuthGate
	out      chan outboundFrame

	mu    sync.Mutex
	sess  *session.Session
	tiles *core.TileViewModel
	conv  *core.ConversationViewModel
}

// WebSocketHandler serves the live tile grid. The optional token query
// parameter restores a session issued by /api/login.
func (h *APIHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	s := &gridSession{
		h:        h,
		ctx:      ctx,
		cancel:   cancel,
		addr:     clientAddr(r),
		identity: auth.NewIdentity(h.authService),
		out:      make(chan outboundFrame, outboxSize),
	}
	go s.writeLoop(conn)

	gridSessions.Inc()
	defer gridSessions.Dec()

	s.gate = core.NewAuthGate(s.identity, s.mount, s.onAuthChange)
	defer s.teardown()

	s.send("auth", authPayload{State: s.gate.State()})
	if err := s.identity.Restore(ctx, r.URL.Query().Get("token")); err != nil {
		s.sendError(err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		label := frameLabel(frame.Type)
		framesReceived.WithLabelValues(label).Inc()
		if err := s.handleFrame(frame); err != nil {
			frameErrors.WithLabelValues(label).Inc()
			s.sendError(err)
		}
	}
}

// teardown cancels before closing the gate: a listener blocked in send holds
// its view-model's emit lock until the context is done.
func (s *gridSession) teardown() {
	s.cancel()
	s.gate.Close()
	s.identity.Close()
}

// writeLoop is the only writer on conn. Once it stops, the session context
// is cancelled and nothing more is queued.
func (s *gridSession) writeLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.cancel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				log.Printf("[ws] write %s frame failed: %v", frame.Type, err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *gridSession) send(frameType string, data any) {
	frame := outboundFrame{Type: frameType, Data: data, Timestamp: time.Now().UnixMilli()}
	select {
	case s.out <- frame:
	case <-s.ctx.Done():
	}
}

func (s *gridSession) sendError(err error) {
	s.send("error", errorPayload{Message: err.Error()})
}

func (s *gridSession) onAuthChange(state core.GateState, sess *session.Session) {
	payload := authPayload{State: state}
	if sess != nil {
		payload.UserID = sess.ExternalID
	}
	s.send("auth", payload)
}

// mount builds the grid for sess. The returned teardown also closes any open
// conversation.
func (s *gridSession) mount(sess *session.Session) (func(), error) {
	client := store.NewTileClient(s.h.dbStore, sess)
	tiles := core.NewTileViewModel(client, sess.ExternalID, s.h.undoWindow, func(v core.TileView) {
		s.send("tiles", v)
	})
	if err := tiles.Start(s.ctx); err != nil {
		tiles.Close()
		return nil, err
	}

	s.mu.Lock()
	s.sess = sess
	s.tiles = tiles
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		conv := s.conv
		s.sess, s.tiles, s.conv = nil, nil, nil
		s.mu.Unlock()

		if conv != nil {
			conv.Close()
		}
		tiles.Close()
	}, nil
}

func (s *gridSession) tileView() (*core.TileViewModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tiles == nil {
		return nil, store.ErrUnauthenticated
	}
	return s.tiles, nil
}

func (s *gridSession) conversation() (*core.ConversationViewModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, store.ErrUnauthenticated
	}
	if s.conv == nil {
		return nil, errors.New("no conversation is open")
	}
	return s.conv, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidPayload, err)
	}
	return nil
}

func (s *gridSession) handleFrame(frame inboundFrame) error {
	ctx := s.ctx

	switch frame.Type {
	case "signIn", "signUp":
		var p signInPayload
		if err := decode(frame.Data, &p); err != nil {
			return err
		}
		if (frame.Type == "signUp" || p.Token == "") && !s.h.limiters.Allow(s.addr) {
			log.Printf("[ws] rate limited %s frame from %s", frame.Type, s.addr)
			return errRateLimited
		}
		var err error
		switch {
		case frame.Type == "signUp":
			_, err = s.identity.SignUp(ctx, p.UserID, p.Password)
		case p.Token != "":
			_, err = s.identity.Adopt(ctx, p.Token)
		default:
			_, err = s.identity.SignIn(ctx, p.UserID, p.Password)
		}
		return err
	case "signOut":
		s.identity.SignOut()
		return nil
	case "open":
		var p tilePayload
		if err := decode(frame.Data, &p); err != nil {
			return err
		}
		return s.openThread(p.ID)
	case "closeThread":
		s.closeThread()
		return nil
	case "input", "send":
		return s.handleConversationFrame(frame)
	}

	tiles, err := s.tileView()
	if err != nil {
		return err
	}

	switch frame.Type {
	case "add":
		_, err := tiles.AddTile(ctx)
		return err
	case "edit", "pin", "read", "delete":
		var p tilePayload
		if err := decode(frame.Data, &p); err != nil {
			return err
		}
		switch frame.Type {
		case "edit":
			return tiles.EditPreview(ctx, p.ID, p.Text)
		case "pin":
			tile, ok := tiles.Tile(p.ID)
			if !ok {
				return store.ErrTileNotFound
			}
			return tiles.TogglePin(ctx, tile)
		case "read":
			return tiles.MarkRead(ctx, p.ID)
		default:
			return tiles.DeleteTile(ctx, p.ID)
		}
	case "reorder":
		var p reorderPayload
		if err := decode(frame.Data, &p); err != nil {
			return err
		}
		return tiles.Reorder(ctx, p.From, p.To)
	case "undo":
		_, err := tiles.Undo(ctx)
		return err
	case "view":
		var p viewPayload
		if err := decode(frame.Data, &p); err != nil {
			return err
		}
		opts, err := tiles.View().Options.With(p.Filter, p.Sort, p.Dir)
		if err != nil {
			return err
		}
		tiles.SetOptions(opts)
		return nil
	default:
		return fmt.Errorf("unsupported frame type: %s", frame.Type)
	}
}

func (s *gridSession) handleConversationFrame(frame inboundFrame) error {
	conv, err := s.conversation()
	if err != nil {
		return err
	}

	var p sendPayload
	if err := decode(frame.Data, &p); err != nil {
		return err
	}
	if p.Text != nil {
		conv.SetInput(*p.Text)
	}
	if frame.Type == "send" {
		return conv.Send(s.ctx)
	}
	return nil
}

// openThread replaces the open conversation with threadID and marks its
// tile read.
func (s *gridSession) openThread(threadID string) error {
	s.mu.Lock()
	sess := s.sess
	prev := s.conv
	s.conv = nil
	s.mu.Unlock()

	if sess == nil {
		return store.ErrUnauthenticated
	}
	if prev != nil {
		prev.Close()
	}

	conv := core.NewConversationViewModel(s.h.chatService.Feed(sess), threadID, func(v core.ConversationView) {
		s.send("messages", v)
	})
	if err := conv.Start(s.ctx); err != nil {
		return err
	}
	if err := s.h.chatService.OpenThread(s.ctx, sess, threadID); err != nil {
		log.Printf("[ws] failed to mark thread %s read: %v", threadID, err)
	}

	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		conv.Close()
		return store.ErrUnauthenticated
	}
	s.conv = conv
	s.mu.Unlock()
	return nil
}

func (s *gridSession) closeThread() {
	s.mu.Lock()
	conv := s.conv
	s.conv = nil
	s.mu.Unlock()

	if conv != nil {
		conv.Close()
	}
}
