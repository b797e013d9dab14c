package rbac

import "testing"

func TestCan(t *testing.T) {
	editor := &Role{
		Name: "editor",
		Permissions: map[Action]bool{
			ActionMoveCard:      true,
			ActionAddRemoveCard: true,
			ActionEditPost:      true,
		},
	}

	cases := []struct {
		name   string
		actor  string
		owner  string
		role   *Role
		action Action
		allow  bool
	}{
		{name: "owner bypasses with no role", actor: "ada", owner: "ada", role: nil, action: ActionAddRemoveTile, allow: true},
		{name: "owner bypasses denied flag", actor: "ada", owner: "ada", role: &Role{Name: "empty"}, action: ActionRemoveMember, allow: true},
		{name: "member with granted flag", actor: "bob", owner: "ada", role: editor, action: ActionMoveCard, allow: true},
		{name: "member with missing flag", actor: "bob", owner: "ada", role: editor, action: ActionMoveTile, allow: false},
		{name: "member without role", actor: "bob", owner: "ada", role: nil, action: ActionMoveCard, allow: false},
		{name: "empty actor never matches owner", actor: "", owner: "", role: nil, action: ActionMoveCard, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.actor, tc.owner, tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q, role, %q) = %v, want %v", tc.actor, tc.owner, tc.action, got, tc.allow)
			}
		})
	}
}

func TestCanMatchesRoleFlagForEveryAction(t *testing.T) {
	role := &Role{Name: "mixed", Permissions: map[Action]bool{}}
	for i, action := range Actions {
		role.Permissions[action] = i%2 == 0
	}

	for _, action := range Actions {
		if got := Can("bob", "ada", role, action); got != role.Permissions[action] {
			t.Errorf("Can for %q = %v, want role flag %v", action, got, role.Permissions[action])
		}
	}
}

func TestKnown(t *testing.T) {
	if !Known(ActionSettingsView) {
		t.Fatal("settingsView should be a known action")
	}
	if Known(Action("deleteEverything")) {
		t.Fatal("unknown action reported as known")
	}
}
