package workspace

import (
	"context"
	"sync"
	"testing"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/rbac"
)

type roleRecorder struct {
	mu    sync.Mutex
	roles []*rbac.Role
}

func (r *roleRecorder) record(role *rbac.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = append(r.roles, role)
}

func (r *roleRecorder) snapshot() []*rbac.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*rbac.Role(nil), r.roles...)
}

func TestRoleWatcherFollowsReassignment(t *testing.T) {
	svc, store, scope, _ := newFixture(t)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, scope, "devs"); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := svc.TogglePermission(ctx, scope, "devs", rbac.ActionMoveCard, true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, err := svc.CreateRole(ctx, scope, "admins"); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := svc.TogglePermission(ctx, scope, "admins", rbac.ActionRemoveMember, true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, err := svc.AddMember(ctx, scope, "bob", ""); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := svc.AssignMemberRole(ctx, scope, "bob", "devs"); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	rec := &roleRecorder{}
	watcher, err := WatchMemberRole(ctx, store, scope.Owner, scope.Workspace, "bob", rec.record)
	if err != nil {
		t.Fatalf("watch member role: %v", err)
	}
	defer watcher.Close()

	roles := rec.snapshot()
	if len(roles) != 1 || roles[0] == nil || roles[0].Name != "devs" {
		t.Fatalf("initial emission = %+v, want devs", roles)
	}

	// A permission edit on the current role arrives live.
	if err := svc.TogglePermission(ctx, scope, "devs", rbac.ActionMoveTile, true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	roles = rec.snapshot()
	if len(roles) != 2 || !roles[1].Permissions[rbac.ActionMoveTile] {
		t.Fatalf("after toggle: emissions = %+v, want live moveTile update", roles)
	}

	// Reassignment swaps the role subscription over to the new role.
	if err := svc.AssignMemberRole(ctx, scope, "bob", "admins"); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	roles = rec.snapshot()
	last := roles[len(roles)-1]
	if last == nil || last.Name != "admins" {
		t.Fatalf("after reassignment: last emission = %+v, want admins", last)
	}

	// Edits to the old role must not reach the watcher anymore.
	count := len(rec.snapshot())
	if err := svc.TogglePermission(ctx, scope, "devs", rbac.ActionAssignCard, true); err != nil {
		t.Fatalf("toggle old role: %v", err)
	}
	if got := len(rec.snapshot()); got != count {
		t.Fatalf("stale role subscription still firing: emissions %d -> %d", count, got)
	}

	// Deleting the current role drops the effective role to nil.
	if err := svc.DeleteRole(ctx, scope, "admins"); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	roles = rec.snapshot()
	if roles[len(roles)-1] != nil {
		t.Fatalf("after role delete: last emission = %+v, want nil", roles[len(roles)-1])
	}
}

func TestRoleWatcherMemberRemoval(t *testing.T) {
	svc, store, scope, _ := newFixture(t)
	ctx := context.Background()

	if _, err := svc.CreateRole(ctx, scope, "devs"); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if _, err := svc.AddMember(ctx, scope, "bob", ""); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := svc.AssignMemberRole(ctx, scope, "bob", "devs"); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	rec := &roleRecorder{}
	watcher, err := WatchMemberRole(ctx, store, scope.Owner, scope.Workspace, "bob", rec.record)
	if err != nil {
		t.Fatalf("watch member role: %v", err)
	}
	defer watcher.Close()

	if err := svc.RemoveMember(ctx, scope, "bob"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	roles := rec.snapshot()
	if roles[len(roles)-1] != nil {
		t.Fatalf("after member removal: last emission = %+v, want nil", roles[len(roles)-1])
	}

	// After Close no further emissions arrive.
	watcher.Close()
	count := len(rec.snapshot())
	if _, err := svc.AddMember(ctx, scope, "bob", ""); err != nil {
		t.Fatalf("re-add member: %v", err)
	}
	if got := len(rec.snapshot()); got != count {
		t.Fatalf("closed watcher still firing: emissions %d -> %d", count, got)
	}
}

func TestRoleWatcherUnassignedMember(t *testing.T) {
	svc, store, scope, _ := newFixture(t)
	ctx := context.Background()

	if _, err := svc.AddMember(ctx, scope, "bob", ""); err != nil {
		t.Fatalf("add member: %v", err)
	}

	rec := &roleRecorder{}
	watcher, err := WatchMemberRole(ctx, store, scope.Owner, scope.Workspace, "bob", rec.record)
	if err != nil {
		t.Fatalf("watch member role: %v", err)
	}
	defer watcher.Close()

	roles := rec.snapshot()
	if len(roles) != 1 || roles[0] != nil {
		t.Fatalf("initial emission = %+v, want single nil", roles)
	}
}
