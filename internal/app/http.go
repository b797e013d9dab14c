package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/auth"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/authpw"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/board"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/rbac"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/search"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/session"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/util"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/workspace"
)

const maxAttachmentSize = 32 << 20 // 32MB

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	api.HandleFunc("/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	api.HandleFunc("/auth/signin", s.handleSignIn).Methods(http.MethodPost)
	api.HandleFunc("/auth/verify-email", s.handleVerifyEmail).Methods(http.MethodPost)
	api.HandleFunc("/auth/reset-password/request", s.handleRequestReset).Methods(http.MethodPost)
	api.HandleFunc("/auth/reset-password", s.handleResetPassword).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/session", s.handleSessionInfo).Methods(http.MethodGet)

	api.HandleFunc("/workspaces", s.authed(s.handleListWorkspaces)).Methods(http.MethodGet)
	api.HandleFunc("/workspaces", s.authed(s.handleCreateWorkspace)).Methods(http.MethodPost)

	ws := api.PathPrefix("/users/{owner}/workspaces/{workspace}").Subrouter()
	ws.HandleFunc("/threads", s.scoped(s.handleListThreads)).Methods(http.MethodGet)
	ws.HandleFunc("/threads", s.scoped(s.handleCreateThread)).Methods(http.MethodPost)
	ws.HandleFunc("/threads/reorder", s.scoped(s.handleMoveThread)).Methods(http.MethodPost)
	ws.HandleFunc("/threads/{thread}", s.scoped(s.handleRemoveThread)).Methods(http.MethodDelete)
	ws.HandleFunc("/threads/{thread}/roles", s.scoped(s.handleSetThreadRoles)).Methods(http.MethodPut)
	ws.HandleFunc("/threads/{thread}/messages", s.scoped(s.handleListMessages)).Methods(http.MethodGet)
	ws.HandleFunc("/threads/{thread}/messages", s.scoped(s.handleSendMessage)).Methods(http.MethodPost)

	ws.HandleFunc("/posts", s.scoped(s.handleListPosts)).Methods(http.MethodGet)
	ws.HandleFunc("/posts", s.scoped(s.handleCreatePost)).Methods(http.MethodPost)
	ws.HandleFunc("/posts/{post}", s.scoped(s.handleEditPost)).Methods(http.MethodPut)
	ws.HandleFunc("/posts/{post}", s.scoped(s.handleRemovePost)).Methods(http.MethodDelete)
	ws.HandleFunc("/posts/{post}/attachments", s.scoped(s.handleListAttachments)).Methods(http.MethodGet)
	ws.HandleFunc("/posts/{post}/attachments", s.scoped(s.handleUploadAttachment)).Methods(http.MethodPost)
	ws.HandleFunc("/posts/{post}/attachments/{attachment}/url", s.scoped(s.handleAttachmentURL)).Methods(http.MethodGet)

	ws.HandleFunc("/roles", s.scoped(s.handleListRoles)).Methods(http.MethodGet)
	ws.HandleFunc("/roles", s.scoped(s.handleCreateRole)).Methods(http.MethodPost)
	ws.HandleFunc("/roles/{role}", s.scoped(s.handleDeleteRole)).Methods(http.MethodDelete)
	ws.HandleFunc("/roles/{role}/permissions", s.scoped(s.handleTogglePermission)).Methods(http.MethodPut)

	ws.HandleFunc("/members", s.scoped(s.handleListMembers)).Methods(http.MethodGet)
	ws.HandleFunc("/members", s.scoped(s.handleAddMember)).Methods(http.MethodPost)
	ws.HandleFunc("/members/{username}/role", s.scoped(s.handleAssignMemberRole)).Methods(http.MethodPut)
	ws.HandleFunc("/members/{username}", s.scoped(s.handleRemoveMember)).Methods(http.MethodDelete)

	ws.HandleFunc("/search", s.authed(s.handleSearch)).Methods(http.MethodGet)
	ws.HandleFunc("/board/sessions", s.authed(s.handleOpenBoard)).Methods(http.MethodPost)

	api.HandleFunc("/board/sessions/{session}/ops", s.authed(s.handleBoardOp)).Methods(http.MethodPost)
	api.HandleFunc("/board/sessions/{session}/save", s.authed(s.handleSaveBoard)).Methods(http.MethodPost)
	api.HandleFunc("/board/sessions/{session}", s.authed(s.handleDiscardBoard)).Methods(http.MethodDelete)

	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{s.corsOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s.withMiddleware(r))
}

// authed wraps a handler that only needs an authenticated session.
func (s *HTTPServer) authed(next func(http.ResponseWriter, *http.Request, Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		next(w, r, sess)
	}
}

// scoped wraps a workspace-path handler: it authenticates the caller and
// resolves their scope (membership plus role) in the addressed workspace.
func (s *HTTPServer) scoped(next func(http.ResponseWriter, *http.Request, workspace.Scope)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		vars := mux.Vars(r)
		scope, err := s.service.scopeFor(r.Context(), vars["owner"], vars["workspace"], sess.Username)
		if err != nil {
			respondError(w, err)
			return
		}
		next(w, r, scope)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	resp, err := s.service.passwords.SignUp(r.Context(), authpw.SignUpRequest{
		Email:    body.Email,
		Username: body.Username,
		Password: body.Password,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) || errors.Is(err, authpw.ErrUsernameTaken) || errors.Is(err, authpw.ErrWeakPassword) {
			respondError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
		return
	}

	response := map[string]any{
		"userId":  resp.UserID,
		"message": "Please check your email to verify your account",
	}
	// Dev bypass: surface the verification token when mail is off.
	if !s.service.mailConfigured {
		response["devVerificationToken"] = resp.VerificationToken
	}
	writeJSON(w, http.StatusCreated, response)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	pair, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *HTTPServer) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.passwords.VerifyEmail(r.Context(), body.Token); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRequestReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	token, err := s.service.passwords.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		respondError(w, err)
		return
	}
	response := map[string]any{"message": "If the account exists, a reset email was sent"}
	if token != "" && !s.service.mailConfigured {
		response["devResetToken"] = token
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.passwords.ResetPassword(r.Context(), body.Token, body.Password); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	pair, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	s.service.Logout(r.Context(), bearerToken(r), body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
		return
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "username": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "username": sess.Username, "userId": sess.UserID})
}

func (s *HTTPServer) handleListWorkspaces(w http.ResponseWriter, r *http.Request, sess Session) {
	workspaces, err := s.service.workspaces.Workspaces(r.Context(), sess.Username)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

func (s *HTTPServer) handleCreateWorkspace(w http.ResponseWriter, r *http.Request, sess Session) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	ws, err := s.service.workspaces.CreateWorkspace(r.Context(), sess.Username, strings.TrimSpace(body.Name))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *HTTPServer) handleListThreads(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	threads, err := s.service.workspaces.Threads(r.Context(), scope)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func (s *HTTPServer) handleCreateThread(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	thread, err := s.service.workspaces.CreateThread(r.Context(), scope, strings.TrimSpace(body.Title))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *HTTPServer) handleMoveThread(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Src int `json:"src"`
		Dst int `json:"dst"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.workspaces.MoveThread(r.Context(), scope, body.Src, body.Dst); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRemoveThread(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	if err := s.service.workspaces.RemoveThread(r.Context(), scope, mux.Vars(r)["thread"]); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSetThreadRoles(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Roles []string `json:"roles"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.workspaces.SetThreadRoles(r.Context(), scope, mux.Vars(r)["thread"], body.Roles); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	messages, err := s.service.workspaces.Messages(r.Context(), scope, mux.Vars(r)["thread"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	msg, err := s.service.workspaces.SendMessage(r.Context(), scope, mux.Vars(r)["thread"], strings.TrimSpace(body.Content))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *HTTPServer) handleListPosts(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	posts, err := s.service.workspaces.Posts(r.Context(), scope)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

func (s *HTTPServer) handleCreatePost(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	post, err := s.service.workspaces.CreatePost(r.Context(), scope, strings.TrimSpace(body.Title), strings.TrimSpace(body.Content))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (s *HTTPServer) handleEditPost(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	post, err := s.service.workspaces.EditPost(r.Context(), scope, mux.Vars(r)["post"], strings.TrimSpace(body.Title), strings.TrimSpace(body.Content))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (s *HTTPServer) handleRemovePost(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	if err := s.service.RemovePost(r.Context(), scope, mux.Vars(r)["post"]); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListAttachments(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	attachments, err := s.service.workspaces.Attachments(r.Context(), scope, mux.Vars(r)["post"])
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": attachments})
}

func (s *HTTPServer) handleUploadAttachment(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	if s.service.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage not configured", nil)
		return
	}
	postID := mux.Vars(r)["post"]

	if err := r.ParseMultipartForm(maxAttachmentSize); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart body", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "file field is required", nil)
		return
	}
	defer file.Close()

	att := workspace.Attachment{
		ID:          util.NewID("att"),
		Name:        header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
	}
	att.ObjectKey = fmt.Sprintf("%s/posts/%s/%s", scope.Workspace, postID, att.ID)

	if err := s.service.objects.Put(r.Context(), att.ObjectKey, file, header.Size, att.ContentType); err != nil {
		log.Printf("app: upload attachment: %v", err)
		writeError(w, http.StatusBadGateway, "PERSISTENCE_FAILURE", "Storing the attachment failed", nil)
		return
	}
	saved, err := s.service.workspaces.AddAttachment(r.Context(), scope, postID, att)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *HTTPServer) handleAttachmentURL(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	if s.service.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Object storage not configured", nil)
		return
	}
	vars := mux.Vars(r)
	attachments, err := s.service.workspaces.Attachments(r.Context(), scope, vars["post"])
	if err != nil {
		respondError(w, err)
		return
	}
	for _, att := range attachments {
		if att.ID != vars["attachment"] {
			continue
		}
		url, err := s.service.objects.PresignedGet(r.Context(), att.ObjectKey, 15*time.Minute)
		if err != nil {
			respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"url": url, "expiresInSeconds": 900})
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Attachment not found", nil)
}

func (s *HTTPServer) handleListRoles(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	roles, err := s.service.workspaces.Roles(r.Context(), scope)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (s *HTTPServer) handleCreateRole(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	role, err := s.service.workspaces.CreateRole(r.Context(), scope, strings.TrimSpace(body.Name))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *HTTPServer) handleDeleteRole(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	if err := s.service.workspaces.DeleteRole(r.Context(), scope, mux.Vars(r)["role"]); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleTogglePermission(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Action  string `json:"action"`
		Enabled bool   `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	err := s.service.workspaces.TogglePermission(r.Context(), scope, mux.Vars(r)["role"], rbac.Action(body.Action), body.Enabled)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	members, err := s.service.workspaces.Members(r.Context(), scope)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	member, err := s.service.workspaces.AddMember(r.Context(), scope, strings.TrimSpace(body.Username), strings.TrimSpace(body.Email))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *HTTPServer) handleAssignMemberRole(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.workspaces.AssignMemberRole(r.Context(), scope, mux.Vars(r)["username"], strings.TrimSpace(body.Role)); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request, scope workspace.Scope) {
	if err := s.service.workspaces.RemoveMember(r.Context(), scope, mux.Vars(r)["username"]); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, sess Session) {
	vars := mux.Vars(r)
	query := search.Query{
		Text:       strings.TrimSpace(r.URL.Query().Get("q")),
		FilterType: search.ResultType(strings.TrimSpace(r.URL.Query().Get("type"))),
		Limit:      20,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		query.Limit = parsed
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		query.Offset = parsed
	}
	resp, err := s.service.SearchWorkspace(r.Context(), vars["owner"], vars["workspace"], sess.Username, query)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleOpenBoard(w http.ResponseWriter, r *http.Request, sess Session) {
	vars := mux.Vars(r)
	sessionID, tiles, err := s.service.OpenBoard(r.Context(), vars["owner"], vars["workspace"], sess.Username)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"sessionId": sessionID, "tiles": tiles})
}

func (s *HTTPServer) handleBoardOp(w http.ResponseWriter, r *http.Request, sess Session) {
	var body struct {
		Op          string  `json:"op"`
		Src         int     `json:"src"`
		Dst         int     `json:"dst"`
		SrcTile     string  `json:"srcTile"`
		SrcIndex    int     `json:"srcIndex"`
		DstTile     string  `json:"dstTile"`
		DstIndex    int     `json:"dstIndex"`
		TileID      string  `json:"tileId"`
		CardID      string  `json:"cardId"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Done        *bool   `json:"done"`
		Username    string  `json:"username"`
		Assigned    bool    `json:"assigned"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	bsess, err := s.service.boardFor(mux.Vars(r)["session"], sess.Username)
	if err != nil {
		respondError(w, err)
		return
	}
	b := bsess.board

	var created any
	switch body.Op {
	case "moveTile":
		err = b.MoveTile(body.Src, body.Dst)
	case "moveCard":
		err = b.MoveCard(
			board.Location{TileID: body.SrcTile, Index: body.SrcIndex},
			board.Location{TileID: body.DstTile, Index: body.DstIndex},
		)
	case "addTile":
		created, err = b.AddTile(derefString(body.Name))
	case "removeTile":
		err = b.RemoveTile(body.TileID)
	case "addCard":
		created, err = b.AddCard(body.TileID, derefString(body.Name))
	case "removeCard":
		err = b.RemoveCard(body.TileID, body.CardID)
	case "updateCard":
		err = b.UpdateCard(body.TileID, body.CardID, board.CardUpdate{
			Name:        body.Name,
			Description: body.Description,
			Done:        body.Done,
		})
	case "assignCard":
		err = b.AssignCard(body.TileID, body.CardID, body.Username, body.Assigned)
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("unknown op %q", body.Op), nil)
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}

	response := map[string]any{"tiles": b.Tiles()}
	if created != nil {
		response["created"] = created
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSaveBoard(w http.ResponseWriter, r *http.Request, sess Session) {
	tiles, err := s.service.SaveBoard(r.Context(), mux.Vars(r)["session"], sess.Username)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tiles": tiles})
}

func (s *HTTPServer) handleDiscardBoard(w http.ResponseWriter, r *http.Request, sess Session) {
	if err := s.service.DiscardBoard(mux.Vars(r)["session"], sess.Username); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, board.ErrPermissionDenied), errors.Is(err, workspace.ErrPermissionDenied):
		return http.StatusForbidden, "PERMISSION_DENIED", "Permission denied", nil
	case errors.Is(err, board.ErrSaveInFlight):
		return http.StatusConflict, "SAVE_IN_FLIGHT", "A save is already in flight", nil
	case errors.Is(err, board.ErrEmptyName),
		errors.Is(err, board.ErrBadIndex),
		errors.Is(err, workspace.ErrEmptyName),
		errors.Is(err, workspace.ErrEmptyContent),
		errors.Is(err, workspace.ErrUnknownAction),
		errors.Is(err, workspace.ErrBadIndex),
		errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, docstore.ErrNotFound),
		errors.Is(err, board.ErrTileNotFound),
		errors.Is(err, board.ErrCardNotFound),
		errors.Is(err, ErrBoardSessionNotFound),
		errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, authpw.ErrEmailTaken), errors.Is(err, authpw.ErrUsernameTaken):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
