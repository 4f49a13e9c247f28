// Package api implements the HTTP surface around the relay core: account
// registration, login/logout, session introspection, and chat history. The
// login and logout handlers are the only writers to the session cache
// besides the reconciler: a successful login inserts the minted token, a
// logout removes it, and both keep the sessions table in step so the next
// reconciliation cycle agrees with what they did.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/parley/chat-relay/internal/auth"
	"github.com/parley/chat-relay/internal/ratelimit"
	"github.com/parley/chat-relay/internal/session"
	"github.com/parley/chat-relay/internal/store"
)

const (
	sessionCookie = "session_token"
	cookieMaxAge  = int(store.SessionTTL / time.Second)

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Store is the persistence surface the API handlers need. *store.Store
// satisfies it; tests inject fakes.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*store.Account, error)
	CreateUser(ctx context.Context, username, passwordHash string) (int64, error)
	CreateSession(ctx context.Context, userID int64) (string, error)
	DeleteSession(ctx context.Context, token string) error
	MessageHistory(ctx context.Context, limit int) ([]store.Message, error)
}

// Handler serves the auth and history endpoints.
type Handler struct {
	store   Store
	cache   *session.Cache
	limiter *ratelimit.Limiter // nil disables rate limiting
}

// NewHandler creates an API handler sharing the session cache with the relay.
func NewHandler(st Store, cache *session.Cache) *Handler {
	return &Handler{store: st, cache: cache}
}

// SetLimiter enables Redis-backed rate limiting for login attempts.
func (h *Handler) SetLimiter(l *ratelimit.Limiter) {
	h.limiter = l
}

// Register attaches the API routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/register", h.handleRegister)
	mux.HandleFunc("POST /api/login", h.handleLogin)
	mux.HandleFunc("POST /api/logout", h.handleLogout)
	mux.HandleFunc("GET /api/me", h.handleMe)
	mux.HandleFunc("GET /api/history", h.handleHistory)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Message      string `json:"message"`
	SessionToken string `json:"session_token"`
}

type meResponse struct {
	Valid        bool   `json:"valid"`
	SessionToken string `json:"session_token,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username and password are required"})
		return
	}

	ctx := r.Context()
	if _, err := h.store.FindUserByUsername(ctx, req.Username); err == nil {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "user already exists"})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Printf("[api] register lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "database unavailable, please try again later"})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("[api] password hash failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "registration failed"})
		return
	}

	userID, err := h.store.CreateUser(ctx, req.Username, hash)
	if errors.Is(err, store.ErrDuplicate) {
		// Two registrations of the same name can both pass the existence
		// check; the unique index picks the winner and the loser lands here.
		writeJSON(w, http.StatusConflict, errorResponse{Error: "user already exists"})
		return
	}
	if err != nil {
		log.Printf("[api] create user failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "database unavailable, please try again later"})
		return
	}

	h.issueSession(w, r, userID, "registered successfully")
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow(r.Context(), clientIP(r.RemoteAddr), ratelimit.RuleLogin) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many login attempts"})
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username and password are required"})
		return
	}

	ctx := r.Context()
	acct, err := h.store.FindUserByUsername(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		// Same response as a bad password so usernames cannot be probed.
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid username or password"})
		return
	}
	if err != nil {
		log.Printf("[api] login lookup failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "database unavailable, please try again later"})
		return
	}

	if err := auth.VerifyPassword(req.Password, acct.PasswordHash); err != nil {
		if !errors.Is(err, auth.ErrMismatch) {
			log.Printf("[api] stored hash for user %d is unreadable: %v", acct.ID, err)
		}
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid username or password"})
		return
	}

	h.issueSession(w, r, acct.ID, "login successful")
}

// issueSession mints a session row, inserts the token into the cache, and
// sets the session cookie. The cache insert makes the token usable by the
// relay before this response even reaches the client.
func (h *Handler) issueSession(w http.ResponseWriter, r *http.Request, userID int64, message string) {
	token, err := h.store.CreateSession(r.Context(), userID)
	if err != nil {
		log.Printf("[api] create session failed for user %d: %v", userID, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to create session"})
		return
	}

	h.cache.Insert(token)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   cookieMaxAge,
	})
	writeJSON(w, http.StatusOK, authResponse{Message: message, SessionToken: token})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := tokenFromRequest(r); token != "" {
		// Cache removal is immediate; the relay rejects the token on the
		// next message even if the row delete below fails.
		h.cache.Remove(token)
		if err := h.store.DeleteSession(r.Context(), token); err != nil {
			log.Printf("[api] delete session failed: %v", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	if token == "" || !h.cache.Contains(token) {
		writeJSON(w, http.StatusUnauthorized, meResponse{Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Valid: true, SessionToken: token})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	messages, err := h.store.MessageHistory(r.Context(), limit)
	if err != nil {
		log.Printf("[api] history query failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "database unavailable, please try again later"})
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func tokenFromRequest(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] response encode failed: %v", err)
	}
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
