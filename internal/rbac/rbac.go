package rbac

type Action string

const (
	ActionMoveCard              Action = "moveCard"
	ActionAddRemoveCard         Action = "addRemoveCard"
	ActionAssignCard            Action = "assignCard"
	ActionMoveTile              Action = "moveTile"
	ActionAddRemoveTile         Action = "addRemoveTile"
	ActionAddRemoveRole         Action = "addRemoveRole"
	ActionChangePermissions     Action = "changePermissions"
	ActionRemoveMember          Action = "removeMember"
	ActionViewAssignedCards     Action = "viewAssignedCards"
	ActionSettingsView          Action = "settingsView"
	ActionEditPost              Action = "editPost"
	ActionRemovePost            Action = "removePost"
	ActionChangeChatPermissions Action = "changeChatPermissions"
)

// Actions lists every grantable permission, in the order settings screens
// present them.
var Actions = []Action{
	ActionMoveCard,
	ActionAddRemoveCard,
	ActionAssignCard,
	ActionMoveTile,
	ActionAddRemoveTile,
	ActionAddRemoveRole,
	ActionChangePermissions,
	ActionRemoveMember,
	ActionViewAssignedCards,
	ActionSettingsView,
	ActionEditPost,
	ActionRemovePost,
	ActionChangeChatPermissions,
}

// Role is a named set of permission flags scoped to one workspace.
type Role struct {
	Name        string          `json:"name"`
	Permissions map[Action]bool `json:"permissions"`
}

// Can reports whether actor may perform action in a workspace owned by
// owner. The owner bypasses every check. A member without a role can do
// nothing; otherwise the role's flag decides, defaulting to false.
func Can(actor, owner string, role *Role, action Action) bool {
	if actor != "" && actor == owner {
		return true
	}
	if role == nil {
		return false
	}
	return role.Permissions[action]
}

// Known reports whether action is one of the grantable permissions.
func Known(action Action) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}
