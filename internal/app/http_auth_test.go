package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/authpw"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/store"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/workspace"
)

// memStores is an in-memory stand-in for the relational store, the
// refresh-session store, and the revocation list.
type memStores struct {
	mu       sync.Mutex
	users    map[string]store.User // by id
	resets   map[string]string     // token -> user id
	sessions map[string]string     // token hash -> user id
	revoked  map[string]bool       // jti
}

func newMemStores() *memStores {
	return &memStores{
		users:    make(map[string]store.User),
		resets:   make(map[string]string),
		sessions: make(map[string]string),
		revoked:  make(map[string]bool),
	}
}

func (m *memStores) CreateUser(ctx context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStores) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[userID]; ok {
		return user, nil
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStores) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStores) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStores) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.VerificationToken = token
	user.VerificationExpiresAt = &expiresAt
	m.users[userID] = user
	return nil
}

func (m *memStores) VerifyUserEmail(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, user := range m.users {
		if user.VerificationToken == token {
			user.IsEmailVerified = true
			user.VerificationToken = ""
			m.users[id] = user
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memStores) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func (m *memStores) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets[token] = userID
	return nil
}

func (m *memStores) GetPasswordReset(ctx context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if userID, ok := m.resets[token]; ok {
		return userID, nil
	}
	return "", sql.ErrNoRows
}

func (m *memStores) MarkPasswordResetUsed(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resets, token)
	return nil
}

func (m *memStores) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[tokenHash] = userID
	return nil
}

func (m *memStores) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	m.mu.Lock()
	userID, ok := m.sessions[tokenHash]
	m.mu.Unlock()
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return m.GetUserByID(ctx, userID)
}

func (m *memStores) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, tokenHash)
	return nil
}

func (m *memStores) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStores) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func newTestServer(t *testing.T) (http.Handler, *Service, *docstore.MemoryStore) {
	t.Helper()
	stores := newMemStores()
	docs := docstore.NewMemoryStore()
	workspaces := workspace.NewService(docs, nil, nil)

	service := NewService(ServiceOptions{
		Users:       stores,
		Sessions:    stores,
		Revocations: stores,
		Passwords:   authpw.NewService(stores),
		Docs:        docs,
		Workspaces:  workspaces,
		JWTSecret:   []byte("test-secret"),
	})
	server := NewHTTPServer(service, "*")
	return server.Handler(), service, docs
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, decoded
}

// signUpAndSignIn registers a verified account and returns its access token.
func signUpAndSignIn(t *testing.T, handler http.Handler, username, email string) string {
	t.Helper()
	status, body := doJSON(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":    email,
		"username": username,
		"password": "correct-horse",
	})
	if status != http.StatusCreated {
		t.Fatalf("signup status = %d, body %v", status, body)
	}
	verifyToken, _ := body["devVerificationToken"].(string)
	if verifyToken == "" {
		t.Fatalf("no dev verification token in %v", body)
	}
	if status, body = doJSON(t, handler, http.MethodPost, "/api/auth/verify-email", "", map[string]any{"token": verifyToken}); status != http.StatusOK {
		t.Fatalf("verify status = %d, body %v", status, body)
	}
	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    email,
		"password": "correct-horse",
	})
	if status != http.StatusOK {
		t.Fatalf("signin status = %d, body %v", status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("no access token in %v", body)
	}
	return token
}

func TestHealthAndReady(t *testing.T) {
	handler, _, _ := newTestServer(t)

	status, body := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("health = %d %v", status, body)
	}

	// No database configured means ready reports ok.
	status, body = doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	if status != http.StatusOK || body["ok"] != true {
		t.Fatalf("ready = %d %v", status, body)
	}
}

func TestAuthFlow(t *testing.T) {
	handler, _, _ := newTestServer(t)

	status, body := doJSON(t, handler, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email":    "ada@example.com",
		"username": "ada",
		"password": "correct-horse",
	})
	if status != http.StatusCreated {
		t.Fatalf("signup = %d %v", status, body)
	}
	verifyToken, _ := body["devVerificationToken"].(string)

	// Signing in before verification is rejected.
	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "ada@example.com",
		"password": "correct-horse",
	})
	if status != http.StatusForbidden || body["code"] != "EMAIL_NOT_VERIFIED" {
		t.Fatalf("pre-verify signin = %d %v", status, body)
	}

	if status, body = doJSON(t, handler, http.MethodPost, "/api/auth/verify-email", "", map[string]any{"token": verifyToken}); status != http.StatusOK {
		t.Fatalf("verify = %d %v", status, body)
	}

	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "ada@example.com",
		"password": "wrong-password",
	})
	if status != http.StatusUnauthorized || body["code"] != "INVALID_CREDENTIALS" {
		t.Fatalf("bad password signin = %d %v", status, body)
	}

	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email":    "ada@example.com",
		"password": "correct-horse",
	})
	if status != http.StatusOK {
		t.Fatalf("signin = %d %v", status, body)
	}
	token, _ := body["token"].(string)
	refresh, _ := body["refreshToken"].(string)

	status, body = doJSON(t, handler, http.MethodGet, "/api/session", token, nil)
	if status != http.StatusOK || body["authenticated"] != true || body["username"] != "ada" {
		t.Fatalf("session = %d %v", status, body)
	}

	// Refresh rotates: the old refresh token stops working.
	status, body = doJSON(t, handler, http.MethodPost, "/api/auth/refresh", "", map[string]any{"refreshToken": refresh})
	if status != http.StatusOK {
		t.Fatalf("refresh = %d %v", status, body)
	}
	newToken, _ := body["token"].(string)
	newRefresh, _ := body["refreshToken"].(string)
	if status, body = doJSON(t, handler, http.MethodPost, "/api/auth/refresh", "", map[string]any{"refreshToken": refresh}); status != http.StatusNotFound && status != http.StatusUnauthorized {
		t.Fatalf("reused refresh = %d %v", status, body)
	}

	// Logout revokes the access token's jti.
	if status, body = doJSON(t, handler, http.MethodPost, "/api/auth/logout", newToken, map[string]any{"refreshToken": newRefresh}); status != http.StatusOK {
		t.Fatalf("logout = %d %v", status, body)
	}
	status, body = doJSON(t, handler, http.MethodGet, "/api/workspaces", newToken, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("revoked token accepted: %d %v", status, body)
	}
}
