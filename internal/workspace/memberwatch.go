package workspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/rbac"
)

// RoleWatcher tracks one member's effective role in one workspace. It
// watches the member document for role reassignments and chains a second
// subscription onto the current role document so permission edits arrive
// live. Whenever the member's role name changes, the stale role
// subscription is disposed before the new one is created.
type RoleWatcher struct {
	store  docstore.Store
	base   string
	member string
	onRole func(role *rbac.Role)

	mu         sync.Mutex
	roleName   string
	memberDisp docstore.Disposer
	roleDisp   docstore.Disposer
	closed     bool
}

// WatchMemberRole starts watching member's role in owner's workspace.
// onRole fires with the current role immediately, then on every change;
// nil means the member has no effective role (no role assigned, role
// deleted, or member removed). Close the watcher when the session ends.
func WatchMemberRole(ctx context.Context, store docstore.Store, owner, workspaceID, member string, onRole func(role *rbac.Role)) (*RoleWatcher, error) {
	w := &RoleWatcher{
		store:  store,
		base:   docstore.Join("users", owner, "workspaces", workspaceID),
		member: member,
		onRole: onRole,
	}

	doc, err := store.Get(ctx, docstore.Join(w.base, "members", member))
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("watch member: %w", err)
	}
	initial := ""
	if err == nil {
		if rec, decodeErr := decodeMember(doc); decodeErr == nil {
			initial = rec.Role
		}
	}

	w.mu.Lock()
	w.memberDisp = store.Subscribe(w.base+"/members", w.onMemberEvent)
	w.watchRoleLocked(initial)
	w.mu.Unlock()
	return w, nil
}

func (w *RoleWatcher) onMemberEvent(event docstore.Event) {
	if event.Doc.ID != w.member {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if event.Type == docstore.EventDelete {
		w.watchRoleLocked("")
		return
	}
	rec, err := decodeMember(event.Doc)
	if err != nil {
		log.Printf("workspace: watcher skip malformed member %s: %v", event.Doc.Path, err)
		return
	}
	if rec.Role == w.roleName && w.roleDisp != nil {
		return
	}
	w.watchRoleLocked(rec.Role)
}

// watchRoleLocked swaps the role-document subscription over to roleName.
// The previous subscription is always disposed first so a reassigned
// member never receives permission edits from their old role.
func (w *RoleWatcher) watchRoleLocked(roleName string) {
	if w.roleDisp != nil {
		w.roleDisp()
		w.roleDisp = nil
	}
	w.roleName = roleName

	if roleName == "" {
		w.onRole(nil)
		return
	}

	doc, err := w.store.Get(context.Background(), docstore.Join(w.base, "roles", roleName))
	if err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			log.Printf("workspace: watcher load role %s: %v", roleName, err)
		}
		w.onRole(nil)
	} else {
		role := decodeRole(doc)
		w.onRole(&role)
	}

	w.roleDisp = w.store.Subscribe(w.base+"/roles", w.onRoleEvent)
}

func (w *RoleWatcher) onRoleEvent(event docstore.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || event.Doc.ID != w.roleName {
		return
	}
	if event.Type == docstore.EventDelete {
		w.onRole(nil)
		return
	}
	role := decodeRole(event.Doc)
	w.onRole(&role)
}

// Close disposes both subscriptions.
func (w *RoleWatcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.memberDisp != nil {
		w.memberDisp()
		w.memberDisp = nil
	}
	if w.roleDisp != nil {
		w.roleDisp()
		w.roleDisp = nil
	}
}
