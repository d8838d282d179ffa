package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"tiletalk.app/tiletalk/internal/auth"
	"tiletalk.app/tiletalk/internal/core"
	"tiletalk.app/tiletalk/internal/session"
	"tiletalk.app/tiletalk/internal/store"
)

type contextKey string

const sessionContextKey contextKey = "session"

// Options tunes the handler. Zero rate values fall back to 5 rps, burst 10.
type Options struct {
	UndoWindow time.Duration
	AuthRPS    float64
	AuthBurst  int
}

type APIHandler struct {
	authService *auth.Service
	dbStore     *store.SQLiteStore
	chatService *core.ChatService
	undoWindow  time.Duration
	limiters    *limiterPool
	upgrader    websocket.Upgrader
}

func NewAPIHandler(authService *auth.Service, db *store.SQLiteStore, cs *core.ChatService, opts Options) *APIHandler {
	return &APIHandler{
		authService: authService,
		dbStore:     db,
		chatService: cs,
		undoWindow:  opts.UndoWindow,
		limiters:    newLimiterPool(opts.AuthRPS, opts.AuthBurst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// SessionFromContext returns the session stored by JWTAuthMiddleware.
func SessionFromContext(ctx context.Context) *session.Session {
	sess, _ := ctx.Value(sessionContextKey).(*session.Session)
	return sess
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		sess, err := h.authService.Resolve(r.Context(), tokenString)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredential) || errors.Is(err, auth.ErrMissingCredential) {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			log.Printf("Error in JWTAuthMiddleware: %v", err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

type CredentialsRequest struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

type SessionResponse struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func newSessionResponse(sess *session.Session) SessionResponse {
	return SessionResponse{UserID: sess.ExternalID, Token: sess.Token, ExpiresAt: sess.ExpiresAt}
}

func authErrorStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrMissingCredential), errors.Is(err, auth.ErrWeakSecret):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := h.authService.SignUp(r.Context(), req.UserID, req.Password)
	if err != nil {
		status := authErrorStatus(err)
		if status == http.StatusInternalServerError {
			log.Printf("Error creating user %s: %v", req.UserID, err)
			http.Error(w, "Failed to create user", status)
			return
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(sess))
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := h.authService.SignIn(r.Context(), req.UserID, req.Password)
	if err != nil {
		status := authErrorStatus(err)
		if status == http.StatusInternalServerError {
			log.Printf("Error signing in user %s: %v", req.UserID, err)
			http.Error(w, "Failed to sign in", status)
			return
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

// ListTilesHandler returns the caller's tiles arranged by the filter, sort
// and dir query parameters.
func (h *APIHandler) ListTilesHandler(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	q := r.URL.Query()
	opts, err := core.ParseViewOptions(q.Get("filter"), q.Get("sort"), q.Get("dir"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tiles, err := store.NewTileClient(h.dbStore, sess).List(r.Context())
	if err != nil {
		log.Printf("Error listing tiles for user %d: %v", sess.UserID, err)
		http.Error(w, "Failed to list tiles", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, core.TileView{
		Status:  core.StatusLive,
		Options: opts,
		Tiles:   core.Arrange(tiles, opts, sess.ExternalID),
	})
}

func (h *APIHandler) CreateTileHandler(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())

	var fields store.TileFields
	if r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	client := store.NewTileClient(h.dbStore, sess)
	tileID, err := client.Create(r.Context(), fields)
	if err != nil {
		log.Printf("Error creating tile for user %d: %v", sess.UserID, err)
		http.Error(w, "Failed to create tile", http.StatusInternalServerError)
		return
	}

	tile, err := h.dbStore.GetTile(r.Context(), sess.UserID, tileID)
	if err != nil || tile == nil {
		log.Printf("Error reading back tile %s: %v", tileID, err)
		http.Error(w, "Failed to create tile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, tile)
}

func (h *APIHandler) UpdateTileHandler(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	tileID := chi.URLParam(r, "tileID")

	var fields store.TileFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := store.NewTileClient(h.dbStore, sess).Update(r.Context(), tileID, fields); err != nil {
		if errors.Is(err, store.ErrTileNotFound) {
			http.Error(w, "Tile not found", http.StatusNotFound)
			return
		}
		log.Printf("Error updating tile %s for user %d: %v", tileID, sess.UserID, err)
		http.Error(w, "Failed to update tile", http.StatusInternalServerError)
		return
	}

	tile, err := h.dbStore.GetTile(r.Context(), sess.UserID, tileID)
	if err != nil || tile == nil {
		http.Error(w, "Tile not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tile)
}

func (h *APIHandler) DeleteTileHandler(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	tileID := chi.URLParam(r, "tileID")

	if err := store.NewTileClient(h.dbStore, sess).Delete(r.Context(), tileID); err != nil {
		if errors.Is(err, store.ErrTileNotFound) {
			http.Error(w, "Tile not found", http.StatusNotFound)
			return
		}
		log.Printf("Error deleting tile %s for user %d: %v", tileID, sess.UserID, err)
		http.Error(w, "Failed to delete tile", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	tileID := chi.URLParam(r, "tileID")

	messages, err := h.chatService.GetMessages(r.Context(), sess, tileID)
	if err != nil {
		if errors.Is(err, store.ErrTileNotFound) {
			http.Error(w, "Tile not found", http.StatusNotFound)
			return
		}
		log.Printf("Error listing messages of tile %s: %v", tileID, err)
		http.Error(w, "Failed to list messages", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type PostMessageRequest struct {
	Text string `json:"text"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	tileID := chi.URLParam(r, "tileID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.chatService.Send(r.Context(), sess, tileID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrEmptyMessage):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrTileNotFound):
			http.Error(w, "Tile not found", http.StatusNotFound)
		default:
			log.Printf("Error posting message for user %d, tile %s: %v", sess.UserID, tileID, err)
			http.Error(w, "Failed to post message", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
