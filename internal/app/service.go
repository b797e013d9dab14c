package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/auth"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/authpw"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/board"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/search"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/storage"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/store"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/util"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/workspace"
)

var ErrBoardSessionNotFound = errors.New("board session not found or expired")

// UserStore resolves user records for session handling.
type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// SessionStore keeps refresh sessions keyed by token hash.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// RevocationStore tracks access tokens revoked before expiry.
type RevocationStore interface {
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Session is the authenticated actor attached to a request.
type Session struct {
	UserID    string
	Username  string
	JTI       string
	ExpiresAt time.Time
}

// TokenPair is what sign-in and refresh hand back to the client.
type TokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
}

type ServiceOptions struct {
	Users       UserStore
	Sessions    SessionStore
	Revocations RevocationStore
	Passwords   *authpw.Service
	Docs        docstore.Store
	Workspaces  *workspace.Service
	Search      *search.Service
	Objects     *storage.ObjectStore
	DB          *sql.DB

	JWTSecret      []byte
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	BoardTTL       time.Duration
	MailConfigured bool
}

// Service ties the domain packages together behind the HTTP surface. It
// also owns the registry of live board editing sessions.
type Service struct {
	users       UserStore
	sessions    SessionStore
	revocations RevocationStore
	passwords   *authpw.Service
	docs        docstore.Store
	workspaces  *workspace.Service
	search      *search.Service
	objects     *storage.ObjectStore
	db          *sql.DB

	jwtSecret      []byte
	accessTTL      time.Duration
	refreshTTL     time.Duration
	boardTTL       time.Duration
	mailConfigured bool

	mu     sync.Mutex
	boards map[string]*boardSession

	now func() time.Time
}

func NewService(opts ServiceOptions) *Service {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 30 * 24 * time.Hour
	}
	if opts.BoardTTL <= 0 {
		opts.BoardTTL = 30 * time.Minute
	}
	return &Service{
		users:       opts.Users,
		sessions:    opts.Sessions,
		revocations: opts.Revocations,
		passwords:   opts.Passwords,
		docs:        opts.Docs,
		workspaces:  opts.Workspaces,
		search:      opts.Search,
		objects:     opts.Objects,
		db:          opts.DB,

		jwtSecret:      opts.JWTSecret,
		accessTTL:      opts.AccessTTL,
		refreshTTL:     opts.RefreshTTL,
		boardTTL:       opts.BoardTTL,
		mailConfigured: opts.MailConfigured,

		boards: make(map[string]*boardSession),
		now:    time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// SignIn verifies credentials and issues a token pair. Accounts with an
// unverified email address are rejected.
func (s *Service) SignIn(ctx context.Context, email, password string) (TokenPair, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return TokenPair{}, err
	}
	if !user.IsEmailVerified {
		return TokenPair{}, domainError(http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Verify your email before signing in", nil)
	}
	return s.issueTokens(ctx, user)
}

// Refresh rotates a refresh token: the presented session is revoked and a
// fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	hash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return TokenPair{}, err
	}
	if user.Username == "" && s.users != nil {
		if full, lookupErr := s.users.GetUserByID(ctx, user.ID); lookupErr == nil {
			user = full
		}
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return TokenPair{}, fmt.Errorf("revoke refresh session: %w", err)
	}
	return s.issueTokens(ctx, user)
}

// Logout revokes the refresh session and blacklists the access token's
// jti for the rest of its lifetime. Logout never fails from the client's
// point of view.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) {
	if accessToken != "" {
		if claims, err := auth.ParseToken(s.jwtSecret, accessToken); err == nil {
			if err := s.revocations.RevokeAccessToken(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
				log.Printf("app: revoke access token: %v", err)
			}
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("app: revoke refresh session: %v", err)
		}
	}
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.jwtSecret, token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.revocations.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		UserID:    claims.Subject,
		Username:  claims.Username,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) issueTokens(ctx context.Context, user store.User) (TokenPair, error) {
	jti := util.NewID("jti")
	token, err := auth.IssueToken(s.jwtSecret, user.ID, user.Username, jti, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return TokenPair{}, err
	}
	expiresAt := s.now().Add(s.refreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, expiresAt); err != nil {
		return TokenPair{}, fmt.Errorf("save refresh session: %w", err)
	}
	return TokenPair{Token: token, RefreshToken: refresh, UserID: user.ID, Username: user.Username}, nil
}

// scopeFor resolves the actor's workspace scope. The owner gets an
// ownerless-bypass scope; everyone else must be a member, and their role
// document is resolved for the permission gate.
func (s *Service) scopeFor(ctx context.Context, owner, workspaceID, actor string) (workspace.Scope, error) {
	scope := workspace.Scope{Owner: owner, Workspace: workspaceID, Actor: actor}
	if actor == owner {
		return scope, nil
	}
	role, err := s.workspaces.MemberRole(ctx, owner, workspaceID, actor)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return workspace.Scope{}, domainError(http.StatusForbidden, "PERMISSION_DENIED", "Not a member of this workspace", nil)
		}
		return workspace.Scope{}, err
	}
	scope.Role = role
	return scope, nil
}

// boardSession is one live board edit, owned by a single actor. Sessions
// slide their expiry on every touch and are swept by the janitor. For
// non-owner actors a role watcher keeps the board's permission role
// current while the session lives.
type boardSession struct {
	id        string
	board     *board.Board
	owner     string
	workspace string
	actor     string
	watcher   *workspace.RoleWatcher
	expiresAt time.Time
}

func (bs *boardSession) stopWatching() {
	if bs.watcher != nil {
		bs.watcher.Close()
	}
}

// OpenBoard loads the workspace board into a new edit session and
// returns its id with the current tiles.
func (s *Service) OpenBoard(ctx context.Context, owner, workspaceID, actor string) (string, []board.Tile, error) {
	scope, err := s.scopeFor(ctx, owner, workspaceID, actor)
	if err != nil {
		return "", nil, err
	}
	b, err := board.Load(ctx, s.docs, owner, workspaceID, actor, scope.Role)
	if err != nil {
		return "", nil, err
	}

	sess := &boardSession{
		id:        util.NewID("bs"),
		board:     b,
		owner:     owner,
		workspace: workspaceID,
		actor:     actor,
		expiresAt: s.now().Add(s.boardTTL),
	}
	if actor != owner {
		watcher, err := workspace.WatchMemberRole(ctx, s.docs, owner, workspaceID, actor, b.SetRole)
		if err != nil {
			return "", nil, err
		}
		sess.watcher = watcher
	}
	s.mu.Lock()
	s.boards[sess.id] = sess
	s.mu.Unlock()
	return sess.id, b.Tiles(), nil
}

func (s *Service) boardFor(sessionID, actor string) (*boardSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.boards[sessionID]
	if !ok {
		return nil, ErrBoardSessionNotFound
	}
	if s.now().After(sess.expiresAt) {
		delete(s.boards, sessionID)
		sess.stopWatching()
		return nil, ErrBoardSessionNotFound
	}
	if sess.actor != actor {
		return nil, board.ErrPermissionDenied
	}
	sess.expiresAt = s.now().Add(s.boardTTL)
	return sess, nil
}

// SaveBoard flushes a session's board. A store failure maps to a
// persistence error; the board ledgers stay intact so the client can
// retry the same save.
func (s *Service) SaveBoard(ctx context.Context, sessionID, actor string) ([]board.Tile, error) {
	sess, err := s.boardFor(sessionID, actor)
	if err != nil {
		return nil, err
	}
	if err := sess.board.Save(ctx); err != nil {
		if errors.Is(err, board.ErrSaveInFlight) || errors.Is(err, board.ErrPermissionDenied) {
			return nil, err
		}
		log.Printf("app: save board %s: %v", sessionID, err)
		return nil, domainError(http.StatusBadGateway, "PERSISTENCE_FAILURE", "Saving the board failed", nil)
	}
	tiles := sess.board.Tiles()
	s.indexBoard(sess, tiles)
	return tiles, nil
}

// DiscardBoard drops a session without saving; local edits are lost.
func (s *Service) DiscardBoard(sessionID, actor string) error {
	sess, err := s.boardFor(sessionID, actor)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.boards, sessionID)
	s.mu.Unlock()
	sess.stopWatching()
	return nil
}

func (s *Service) indexBoard(sess *boardSession, tiles []board.Tile) {
	if s.search == nil {
		return
	}
	base := docstore.Join("users", sess.owner, "workspaces", sess.workspace)
	for _, tile := range tiles {
		for _, card := range tile.Cards {
			s.search.IndexCard(search.CardRecord{
				ID:          card.ID,
				Name:        card.Name,
				Description: card.Description,
				Workspace:   base,
				Path:        docstore.Join(base, "tiles", tile.ID, "cards", card.ID),
			})
		}
	}
}

// StartBoardJanitor sweeps expired board sessions until ctx is done.
func (s *Service) StartBoardJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepBoards()
			}
		}
	}()
}

func (s *Service) sweepBoards() {
	now := s.now()
	expired := make([]*boardSession, 0)
	s.mu.Lock()
	for id, sess := range s.boards {
		if now.After(sess.expiresAt) {
			delete(s.boards, id)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range expired {
		sess.stopWatching()
	}
}

// SearchWorkspace runs a full-text search scoped to one workspace the
// actor belongs to.
func (s *Service) SearchWorkspace(ctx context.Context, owner, workspaceID, actor string, query search.Query) (search.Response, error) {
	if _, err := s.scopeFor(ctx, owner, workspaceID, actor); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query.Text}, nil
	}
	query.Workspace = docstore.Join("users", owner, "workspaces", workspaceID)
	return s.search.Search(query), nil
}

// RemovePost deletes a post through the workspace service and cleans the
// attachment bodies out of object storage.
func (s *Service) RemovePost(ctx context.Context, scope workspace.Scope, postID string) error {
	attachments, err := s.workspaces.RemovePost(ctx, scope, postID)
	if err != nil {
		return err
	}
	if s.objects == nil {
		return nil
	}
	for _, att := range attachments {
		if err := s.objects.Remove(ctx, att.ObjectKey); err != nil {
			log.Printf("app: remove attachment object %s: %v", att.ObjectKey, err)
		}
	}
	return nil
}
