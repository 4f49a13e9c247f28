package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/parley/chat-relay/internal/auth"
	"github.com/parley/chat-relay/internal/session"
	"github.com/parley/chat-relay/internal/store"
)

// fakeStore is an in-memory Store for handler tests.
type fakeStore struct {
	accounts  map[string]*store.Account // username -> account
	sessions  map[string]int64          // token -> user id
	messages  []store.Message
	nextID    int64
	nextTok   int
	createErr error // forced CreateUser failure
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: make(map[string]*store.Account),
		sessions: make(map[string]int64),
	}
}

func (f *fakeStore) FindUserByUsername(ctx context.Context, username string) (*store.Account, error) {
	a, ok := f.accounts[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) CreateUser(ctx context.Context, username, passwordHash string) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	f.accounts[username] = &store.Account{
		ID:           f.nextID,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	return f.nextID, nil
}

func (f *fakeStore) CreateSession(ctx context.Context, userID int64) (string, error) {
	f.nextTok++
	token := fmt.Sprintf("sess-%d", f.nextTok)
	f.sessions[token] = userID
	return token, nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, token string) error {
	delete(f.sessions, token)
	return nil
}

func (f *fakeStore) MessageHistory(ctx context.Context, limit int) ([]store.Message, error) {
	if limit > len(f.messages) {
		limit = len(f.messages)
	}
	return f.messages[:limit], nil
}

func newTestHandler() (*Handler, *fakeStore, *session.Cache, *http.ServeMux) {
	fs := newFakeStore()
	cache := session.NewCache()
	h := NewHandler(fs, cache)
	mux := http.NewServeMux()
	h.Register(mux)
	return h, fs, cache, mux
}

func doJSON(mux *http.ServeMux, method, path, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func sessionCookieFrom(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func TestRegisterIssuesSession(t *testing.T) {
	_, fs, cache, mux := newTestHandler()

	w := doJSON(mux, "POST", "/api/register", `{"username":"alice","password":"pw"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body)
	}

	var resp authResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SessionToken == "" {
		t.Fatal("response carries no session token")
	}
	if !cache.Contains(resp.SessionToken) {
		t.Error("minted token not inserted into the session cache")
	}
	if _, ok := fs.sessions[resp.SessionToken]; !ok {
		t.Error("minted token not persisted")
	}

	c := sessionCookieFrom(t, w)
	if c.Value != resp.SessionToken || !c.HttpOnly {
		t.Errorf("cookie = %+v, want HttpOnly cookie carrying the token", c)
	}

	// The stored hash must verify, and must not be the raw password.
	acct := fs.accounts["alice"]
	if acct.PasswordHash == "pw" {
		t.Error("password stored in plaintext")
	}
	if err := auth.VerifyPassword("pw", acct.PasswordHash); err != nil {
		t.Errorf("stored hash does not verify: %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	_, _, _, mux := newTestHandler()

	doJSON(mux, "POST", "/api/register", `{"username":"alice","password":"pw"}`, nil)
	w := doJSON(mux, "POST", "/api/register", `{"username":"alice","password":"other"}`, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

// Two concurrent registrations of one name can both pass the existence
// check; the loser's insert hits the unique index and must surface as a
// conflict, not a server error.
func TestRegisterInsertRaceLoserGetsConflict(t *testing.T) {
	_, fs, cache, mux := newTestHandler()
	fs.createErr = store.ErrDuplicate

	w := doJSON(mux, "POST", "/api/register", `{"username":"alice","password":"pw"}`, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if cache.Len() != 0 {
		t.Error("losing registration minted a session")
	}
}

func TestRegisterRejectsEmptyFields(t *testing.T) {
	_, _, _, mux := newTestHandler()

	for _, body := range []string{
		`{"username":"","password":"pw"}`,
		`{"username":"alice","password":""}`,
		`not json`,
	} {
		w := doJSON(mux, "POST", "/api/register", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestLogin(t *testing.T) {
	_, fs, cache, mux := newTestHandler()

	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	fs.accounts["alice"] = &store.Account{ID: 1, Username: "alice", PasswordHash: hash}

	w := doJSON(mux, "POST", "/api/login", `{"username":"alice","password":"pw"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body)
	}

	var resp authResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !cache.Contains(resp.SessionToken) {
		t.Error("login did not insert the token into the cache")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	_, fs, cache, mux := newTestHandler()

	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	fs.accounts["alice"] = &store.Account{ID: 1, Username: "alice", PasswordHash: hash}

	// Wrong password and unknown user produce the same response shape.
	for _, body := range []string{
		`{"username":"alice","password":"wrong"}`,
		`{"username":"nobody","password":"pw"}`,
	} {
		w := doJSON(mux, "POST", "/api/login", body, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("body %q: status = %d, want 401", body, w.Code)
		}
	}
	if cache.Len() != 0 {
		t.Error("failed login inserted a token into the cache")
	}
}

func TestLogout(t *testing.T) {
	_, fs, cache, mux := newTestHandler()

	fs.sessions["sess-1"] = 1
	cache.Insert("sess-1")

	w := doJSON(mux, "POST", "/api/logout", "", &http.Cookie{Name: sessionCookie, Value: "sess-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	if cache.Contains("sess-1") {
		t.Error("logout left the token in the cache")
	}
	if _, ok := fs.sessions["sess-1"]; ok {
		t.Error("logout left the session row")
	}

	c := sessionCookieFrom(t, w)
	if c.MaxAge >= 0 || c.Value != "" {
		t.Errorf("logout cookie = %+v, want cleared", c)
	}
}

func TestMe(t *testing.T) {
	_, _, cache, mux := newTestHandler()
	cache.Insert("sess-1")

	w := doJSON(mux, "GET", "/api/me", "", &http.Cookie{Name: sessionCookie, Value: "sess-1"})
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", w.Code)
	}

	w = doJSON(mux, "GET", "/api/me", "", &http.Cookie{Name: sessionCookie, Value: "sess-unknown"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unknown token: status = %d, want 401", w.Code)
	}

	w = doJSON(mux, "GET", "/api/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no cookie: status = %d, want 401", w.Code)
	}
}

func TestHistory(t *testing.T) {
	_, fs, _, mux := newTestHandler()
	fs.messages = []store.Message{
		{ID: 1, UserID: 1, Username: "alice", Content: "first"},
		{ID: 2, UserID: 2, Username: "bob", Content: "second"},
	}

	w := doJSON(mux, "GET", "/api/history?limit=1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var msgs []store.Message
	if err := json.Unmarshal(w.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Username != "alice" {
		t.Errorf("got %+v, want just alice's message", msgs)
	}

	w = doJSON(mux, "GET", "/api/history?limit=0", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit=0: status = %d, want 400", w.Code)
	}
	w = doJSON(mux, "GET", "/api/history?limit=nope", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("limit=nope: status = %d, want 400", w.Code)
	}
}
