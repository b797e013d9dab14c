package workspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/rbac"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/search"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/util"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrEmptyName        = errors.New("name must not be empty")
	ErrEmptyContent     = errors.New("content must not be empty")
	ErrUnknownAction    = errors.New("unknown permission")
	ErrBadIndex         = errors.New("index out of range")
)

// Indexer receives fire-and-forget search index updates.
type Indexer interface {
	IndexPost(record search.PostRecord)
	IndexMessage(record search.MessageRecord)
	DeletePost(id string)
}

// Mailer sends workspace notification mail.
type Mailer interface {
	IsConfigured() bool
	SendWorkspaceInvite(to, workspaceName, invitedBy string) error
}

// Scope binds an operation to one workspace and the acting member.
type Scope struct {
	Owner     string
	Workspace string
	Actor     string
	Role      *rbac.Role
}

func (s Scope) base() string {
	return docstore.Join("users", s.Owner, "workspaces", s.Workspace)
}

func (s Scope) allowed(action rbac.Action) bool {
	return rbac.Can(s.Actor, s.Owner, s.Role, action)
}

// Service runs every workspace operation outside the board: threads,
// chat, posts, roles, and members. index and mail may be nil.
type Service struct {
	store docstore.Store
	index Indexer
	mail  Mailer
	now   func() time.Time
}

func NewService(store docstore.Store, index Indexer, mail Mailer) *Service {
	return &Service{store: store, index: index, mail: mail, now: time.Now}
}

// CreateWorkspace creates a workspace owned by owner.
func (s *Service) CreateWorkspace(ctx context.Context, owner, name string) (Workspace, error) {
	if name == "" {
		return Workspace{}, ErrEmptyName
	}
	ws := Workspace{
		ID:        util.NewID("ws"),
		Name:      name,
		Owner:     owner,
		CreatedAt: s.now().UTC(),
	}
	path := docstore.Join("users", owner, "workspaces", ws.ID)
	ops := []docstore.Op{docstore.Set(path, map[string]any{
		"name":      ws.Name,
		"owner":     ws.Owner,
		"createdAt": ws.CreatedAt.Format(time.RFC3339Nano),
	})}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	return ws, nil
}

// Workspaces lists the workspaces owned by owner.
func (s *Service) Workspaces(ctx context.Context, owner string) ([]Workspace, error) {
	docs, err := s.store.Query(ctx, docstore.Join("users", owner, "workspaces"), docstore.QueryOptions{OrderBy: "name"})
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	out := make([]Workspace, 0, len(docs))
	for _, doc := range docs {
		ws, err := decodeWorkspace(doc)
		if err != nil {
			log.Printf("workspace: skip malformed workspace %s: %v", doc.Path, err)
			continue
		}
		out = append(out, ws)
	}
	return out, nil
}

// Workspace returns one workspace document.
func (s *Service) Workspace(ctx context.Context, owner, id string) (Workspace, error) {
	doc, err := s.store.Get(ctx, docstore.Join("users", owner, "workspaces", id))
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	return decodeWorkspace(doc)
}

// Threads lists the workspace's chat threads ordered by position.
func (s *Service) Threads(ctx context.Context, scope Scope) ([]Thread, error) {
	docs, err := s.store.Query(ctx, scope.base()+"/threads", docstore.QueryOptions{OrderBy: "position", OrderNumeric: true})
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	threads := make([]Thread, 0, len(docs))
	for _, doc := range docs {
		thread, err := decodeThread(doc)
		if err != nil {
			log.Printf("workspace: skip malformed thread %s: %v", doc.Path, err)
			continue
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

// CreateThread appends a thread at the end of the thread list.
func (s *Service) CreateThread(ctx context.Context, scope Scope, title string) (Thread, error) {
	if !scope.allowed(rbac.ActionChangeChatPermissions) {
		return Thread{}, ErrPermissionDenied
	}
	if title == "" {
		return Thread{}, ErrEmptyName
	}
	existing, err := s.Threads(ctx, scope)
	if err != nil {
		return Thread{}, err
	}
	thread := Thread{ID: util.NewID("thr"), Title: title, Position: len(existing), AllowedRoles: []string{}}
	path := docstore.Join(scope.base(), "threads", thread.ID)
	ops := []docstore.Op{docstore.Set(path, map[string]any{
		"title":        thread.Title,
		"position":     thread.Position,
		"allowedRoles": thread.AllowedRoles,
	})}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return thread, nil
}

// RemoveThread deletes a thread document. Sibling positions are not
// renumbered; the gap closes on the next reorder.
func (s *Service) RemoveThread(ctx context.Context, scope Scope, threadID string) error {
	if !scope.allowed(rbac.ActionChangeChatPermissions) {
		return ErrPermissionDenied
	}
	path := docstore.Join(scope.base(), "threads", threadID)
	if _, err := s.store.Get(ctx, path); err != nil {
		return fmt.Errorf("remove thread: %w", err)
	}
	if err := s.store.BatchWrite(ctx, []docstore.Op{docstore.Delete(path)}); err != nil {
		return fmt.Errorf("remove thread: %w", err)
	}
	return nil
}

// SetThreadRoles replaces a thread's allowed-roles list.
func (s *Service) SetThreadRoles(ctx context.Context, scope Scope, threadID string, roles []string) error {
	if !scope.allowed(rbac.ActionChangeChatPermissions) {
		return ErrPermissionDenied
	}
	if roles == nil {
		roles = []string{}
	}
	path := docstore.Join(scope.base(), "threads", threadID)
	ops := []docstore.Op{docstore.Update(path, map[string]any{"allowedRoles": roles})}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return fmt.Errorf("set thread roles: %w", err)
	}
	return nil
}

// MoveThread moves the thread at src to dst and persists the reorder
// immediately as one batch of position updates. Unlike the board there is
// no deferred save; every drag commits.
func (s *Service) MoveThread(ctx context.Context, scope Scope, src, dst int) error {
	if !scope.allowed(rbac.ActionChangeChatPermissions) {
		return ErrPermissionDenied
	}
	threads, err := s.Threads(ctx, scope)
	if err != nil {
		return err
	}
	if src < 0 || src >= len(threads) {
		return ErrBadIndex
	}
	thread := threads[src]
	rest := append(threads[:src:src], threads[src+1:]...)
	if dst < 0 {
		dst = 0
	}
	if dst > len(rest) {
		dst = len(rest)
	}
	threads = append(rest[:dst:dst], append([]Thread{thread}, rest[dst:]...)...)

	ops := make([]docstore.Op, 0, len(threads))
	for i, t := range threads {
		ops = append(ops, docstore.Update(docstore.Join(scope.base(), "threads", t.ID), map[string]any{"position": i}))
	}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return fmt.Errorf("move thread: %w", err)
	}
	return nil
}

// Messages lists a thread's messages in send order.
func (s *Service) Messages(ctx context.Context, scope Scope, threadID string) ([]Message, error) {
	collection := docstore.Join(scope.base(), "threads", threadID, "messages")
	docs, err := s.store.Query(ctx, collection, docstore.QueryOptions{OrderBy: "createdAt"})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages := make([]Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := decodeMessage(doc)
		if err != nil {
			log.Printf("workspace: skip malformed message %s: %v", doc.Path, err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// SendMessage appends a chat message to a thread. The owner may always
// write; everyone else needs a role named in the thread's allowedRoles,
// unless that list is empty, which leaves the thread open.
func (s *Service) SendMessage(ctx context.Context, scope Scope, threadID, content string) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	threadPath := docstore.Join(scope.base(), "threads", threadID)
	doc, err := s.store.Get(ctx, threadPath)
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	thread, err := decodeThread(doc)
	if err != nil {
		return Message{}, fmt.Errorf("send message: decode thread: %w", err)
	}
	if !s.canChat(scope, thread) {
		return Message{}, ErrPermissionDenied
	}

	msg := Message{
		ID:        util.NewID("msg"),
		Author:    scope.Actor,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	path := docstore.Join(threadPath, "messages", msg.ID)
	ops := []docstore.Op{docstore.Set(path, map[string]any{
		"author":    msg.Author,
		"content":   msg.Content,
		"createdAt": msg.CreatedAt.Format(time.RFC3339Nano),
	})}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	if s.index != nil {
		s.index.IndexMessage(search.MessageRecord{
			ID:        msg.ID,
			Content:   msg.Content,
			Author:    msg.Author,
			Thread:    threadID,
			Workspace: scope.base(),
			Path:      path,
		})
	}
	return msg, nil
}

func (s *Service) canChat(scope Scope, thread Thread) bool {
	if scope.Actor != "" && scope.Actor == scope.Owner {
		return true
	}
	if len(thread.AllowedRoles) == 0 {
		return true
	}
	if scope.Role == nil {
		return false
	}
	for _, name := range thread.AllowedRoles {
		if name == scope.Role.Name {
			return true
		}
	}
	return false
}

// Posts lists announcement posts, newest first.
func (s *Service) Posts(ctx context.Context, scope Scope) ([]Post, error) {
	docs, err := s.store.Query(ctx, scope.base()+"/posts", docstore.QueryOptions{OrderBy: "createdAt", Descending: true})
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	posts := make([]Post, 0, len(docs))
	for _, doc := range docs {
		post, err := decodePost(doc)
		if err != nil {
			log.Printf("workspace: skip malformed post %s: %v", doc.Path, err)
			continue
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// CreatePost publishes an announcement. Any member may post; blank
// content is rejected before any store write.
func (s *Service) CreatePost(ctx context.Context, scope Scope, title, content string) (Post, error) {
	if content == "" {
		return Post{}, ErrEmptyContent
	}
	post := Post{
		ID:        util.NewID("post"),
		Title:     title,
		Content:   content,
		Author:    scope.Actor,
		CreatedAt: s.now().UTC(),
	}
	path := docstore.Join(scope.base(), "posts", post.ID)
	ops := []docstore.Op{docstore.Set(path, map[string]any{
		"title":     post.Title,
		"content":   post.Content,
		"author":    post.Author,
		"createdAt": post.CreatedAt.Format(time.RFC3339Nano),
	})}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return Post{}, fmt.Errorf("create post: %w", err)
	}
	s.indexPost(post, scope, path)
	return post, nil
}

// EditPost rewrites a post's title and content. Authors may edit their
// own posts; anyone else needs the editPost permission.
func (s *Service) EditPost(ctx context.Context, scope Scope, postID, title, content string) (Post, error) {
	if content == "" {
		return Post{}, ErrEmptyContent
	}
	path := docstore.Join(scope.base(), "posts", postID)
	doc, err := s.store.Get(ctx, path)
	if err != nil {
		return Post{}, fmt.Errorf("edit post: %w", err)
	}
	post, err := decodePost(doc)
	if err != nil {
		return Post{}, fmt.Errorf("edit post: decode: %w", err)
	}
	if post.Author != scope.Actor && !scope.allowed(rbac.ActionEditPost) {
		return Post{}, ErrPermissionDenied
	}

	post.Title = title
	post.Content = content
	post.EditedAt = s.now().UTC()
	ops := []docstore.Op{docstore.Update(path, map[string]any{
		"title":    post.Title,
		"content":  post.Content,
		"editedAt": post.EditedAt.Format(time.RFC3339Nano),
	})}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return Post{}, fmt.Errorf("edit post: %w", err)
	}
	s.indexPost(post, scope, path)
	return post, nil
}

// RemovePost deletes a post and its attachment records. Authors may
// remove their own posts; anyone else needs the removePost permission.
// Attachment bodies in object storage are cleaned up by the caller.
func (s *Service) RemovePost(ctx context.Context, scope Scope, postID string) ([]Attachment, error) {
	path := docstore.Join(scope.base(), "posts", postID)
	doc, err := s.store.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("remove post: %w", err)
	}
	post, err := decodePost(doc)
	if err != nil {
		return nil, fmt.Errorf("remove post: decode: %w", err)
	}
	if post.Author != scope.Actor && !scope.allowed(rbac.ActionRemovePost) {
		return nil, ErrPermissionDenied
	}

	attachments, err := s.Attachments(ctx, scope, postID)
	if err != nil {
		return nil, err
	}
	ops := make([]docstore.Op, 0, len(attachments)+1)
	for _, att := range attachments {
		ops = append(ops, docstore.Delete(docstore.Join(path, "attachments", att.ID)))
	}
	ops = append(ops, docstore.Delete(path))
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return nil, fmt.Errorf("remove post: %w", err)
	}
	if s.index != nil {
		s.index.DeletePost(postID)
	}
	return attachments, nil
}

// Attachments lists a post's attachment records.
func (s *Service) Attachments(ctx context.Context, scope Scope, postID string) ([]Attachment, error) {
	collection := docstore.Join(scope.base(), "posts", postID, "attachments")
	docs, err := s.store.Query(ctx, collection, docstore.QueryOptions{OrderBy: "name"})
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	attachments := make([]Attachment, 0, len(docs))
	for _, doc := range docs {
		att, err := decodeAttachment(doc)
		if err != nil {
			log.Printf("workspace: skip malformed attachment %s: %v", doc.Path, err)
			continue
		}
		attachments = append(attachments, att)
	}
	return attachments, nil
}

// AddAttachment records an uploaded attachment under a post. The body
// must already be in object storage under objectKey.
func (s *Service) AddAttachment(ctx context.Context, scope Scope, postID string, att Attachment) (Attachment, error) {
	postPath := docstore.Join(scope.base(), "posts", postID)
	doc, err := s.store.Get(ctx, postPath)
	if err != nil {
		return Attachment{}, fmt.Errorf("add attachment: %w", err)
	}
	post, err := decodePost(doc)
	if err != nil {
		return Attachment{}, fmt.Errorf("add attachment: decode post: %w", err)
	}
	if post.Author != scope.Actor && !scope.allowed(rbac.ActionEditPost) {
		return Attachment{}, ErrPermissionDenied
	}

	if att.ID == "" {
		att.ID = util.NewID("att")
	}
	path := docstore.Join(postPath, "attachments", att.ID)
	ops := []docstore.Op{docstore.Set(path, map[string]any{
		"name":        att.Name,
		"objectKey":   att.ObjectKey,
		"size":        att.Size,
		"contentType": att.ContentType,
	})}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return Attachment{}, fmt.Errorf("add attachment: %w", err)
	}
	return att, nil
}

// Roles lists the workspace's roles ordered by name.
func (s *Service) Roles(ctx context.Context, scope Scope) ([]rbac.Role, error) {
	docs, err := s.store.Query(ctx, scope.base()+"/roles", docstore.QueryOptions{OrderBy: "name"})
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	roles := make([]rbac.Role, 0, len(docs))
	for _, doc := range docs {
		roles = append(roles, decodeRole(doc))
	}
	return roles, nil
}

// CreateRole adds a role with every permission off.
func (s *Service) CreateRole(ctx context.Context, scope Scope, name string) (rbac.Role, error) {
	if !scope.allowed(rbac.ActionAddRemoveRole) {
		return rbac.Role{}, ErrPermissionDenied
	}
	if name == "" {
		return rbac.Role{}, ErrEmptyName
	}
	role := rbac.Role{Name: name, Permissions: make(map[rbac.Action]bool)}
	path := docstore.Join(scope.base(), "roles", name)
	data := encodeRole(role)
	data["name"] = name
	if err := s.store.BatchWrite(ctx, []docstore.Op{docstore.Set(path, data)}); err != nil {
		return rbac.Role{}, fmt.Errorf("create role: %w", err)
	}
	return role, nil
}

// DeleteRole removes a role document. Members holding the role keep the
// stale name until reassigned; the gate treats an unknown role as no role.
func (s *Service) DeleteRole(ctx context.Context, scope Scope, name string) error {
	if !scope.allowed(rbac.ActionAddRemoveRole) {
		return ErrPermissionDenied
	}
	path := docstore.Join(scope.base(), "roles", name)
	if _, err := s.store.Get(ctx, path); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if err := s.store.BatchWrite(ctx, []docstore.Op{docstore.Delete(path)}); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	return nil
}

// TogglePermission flips one permission flag on a role. Each toggle is an
// independent single-document update.
func (s *Service) TogglePermission(ctx context.Context, scope Scope, roleName string, action rbac.Action, enabled bool) error {
	if !scope.allowed(rbac.ActionChangePermissions) {
		return ErrPermissionDenied
	}
	if !rbac.Known(action) {
		return ErrUnknownAction
	}
	path := docstore.Join(scope.base(), "roles", roleName)
	doc, err := s.store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("toggle permission: %w", err)
	}
	role := decodeRole(doc)
	role.Permissions[action] = enabled
	ops := []docstore.Op{docstore.Update(path, encodeRole(role))}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return fmt.Errorf("toggle permission: %w", err)
	}
	return nil
}

// Role reads one role; a missing document maps to docstore.ErrNotFound.
func (s *Service) Role(ctx context.Context, scope Scope, name string) (rbac.Role, error) {
	doc, err := s.store.Get(ctx, docstore.Join(scope.base(), "roles", name))
	if err != nil {
		return rbac.Role{}, fmt.Errorf("get role: %w", err)
	}
	return decodeRole(doc), nil
}

// Members lists workspace members ordered by username.
func (s *Service) Members(ctx context.Context, scope Scope) ([]Member, error) {
	docs, err := s.store.Query(ctx, scope.base()+"/members", docstore.QueryOptions{OrderBy: "username"})
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := make([]Member, 0, len(docs))
	for _, doc := range docs {
		member, err := decodeMember(doc)
		if err != nil {
			log.Printf("workspace: skip malformed member %s: %v", doc.Path, err)
			continue
		}
		members = append(members, member)
	}
	return members, nil
}

// AddMember adds a member without a role and mails them an invite when
// SMTP is configured. Mail failures are logged, never surfaced.
func (s *Service) AddMember(ctx context.Context, scope Scope, username, emailAddr string) (Member, error) {
	if !scope.allowed(rbac.ActionRemoveMember) {
		return Member{}, ErrPermissionDenied
	}
	if username == "" {
		return Member{}, ErrEmptyName
	}
	member := Member{Username: username}
	path := docstore.Join(scope.base(), "members", username)
	ops := []docstore.Op{docstore.Set(path, map[string]any{
		"username": member.Username,
		"role":     member.Role,
	})}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return Member{}, fmt.Errorf("add member: %w", err)
	}

	if s.mail != nil && s.mail.IsConfigured() && emailAddr != "" {
		ws, err := s.Workspace(ctx, scope.Owner, scope.Workspace)
		name := scope.Workspace
		if err == nil {
			name = ws.Name
		}
		go func() {
			if err := s.mail.SendWorkspaceInvite(emailAddr, name, scope.Actor); err != nil {
				log.Printf("workspace: invite mail to %s: %v", emailAddr, err)
			}
		}()
	}
	return member, nil
}

// AssignMemberRole sets or clears a member's role. A non-empty role must
// exist.
func (s *Service) AssignMemberRole(ctx context.Context, scope Scope, username, roleName string) error {
	if !scope.allowed(rbac.ActionAddRemoveRole) {
		return ErrPermissionDenied
	}
	if roleName != "" {
		if _, err := s.store.Get(ctx, docstore.Join(scope.base(), "roles", roleName)); err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
	}
	path := docstore.Join(scope.base(), "members", username)
	ops := []docstore.Op{docstore.Update(path, map[string]any{"role": roleName})}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}

// RemoveMember deletes a member document.
func (s *Service) RemoveMember(ctx context.Context, scope Scope, username string) error {
	if !scope.allowed(rbac.ActionRemoveMember) {
		return ErrPermissionDenied
	}
	path := docstore.Join(scope.base(), "members", username)
	if _, err := s.store.Get(ctx, path); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if err := s.store.BatchWrite(ctx, []docstore.Op{docstore.Delete(path)}); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// MemberRole resolves the rbac role a member currently holds. The owner
// and members without a role resolve to nil.
func (s *Service) MemberRole(ctx context.Context, owner, workspaceID, username string) (*rbac.Role, error) {
	if username == owner {
		return nil, nil
	}
	base := docstore.Join("users", owner, "workspaces", workspaceID)
	doc, err := s.store.Get(ctx, docstore.Join(base, "members", username))
	if err != nil {
		return nil, fmt.Errorf("get member: %w", err)
	}
	member, err := decodeMember(doc)
	if err != nil {
		return nil, fmt.Errorf("decode member: %w", err)
	}
	if member.Role == "" {
		return nil, nil
	}
	roleDoc, err := s.store.Get(ctx, docstore.Join(base, "roles", member.Role))
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	role := decodeRole(roleDoc)
	return &role, nil
}

func (s *Service) indexPost(post Post, scope Scope, path string) {
	if s.index == nil {
		return
	}
	s.index.IndexPost(search.PostRecord{
		ID:        post.ID,
		Title:     post.Title,
		Content:   post.Content,
		Author:    post.Author,
		Workspace: scope.base(),
		Path:      path,
	})
}
