package workspace

import (
	"reflect"
	"testing"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
)

// allowedRoles comes back as []string from the in-process store and as
// []any once it has been through a JSON round-trip; both must decode.
func TestDecodeThreadAllowedRolesShapes(t *testing.T) {
	cases := []struct {
		name  string
		value any
	}{
		{name: "native strings", value: []string{"devs", "admins"}},
		{name: "json round-trip", value: []any{"devs", "admins"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			thread, err := decodeThread(docstore.Document{
				ID: "th1",
				Data: map[string]any{
					"title":        "general",
					"position":     0,
					"allowedRoles": tc.value,
				},
			})
			if err != nil {
				t.Fatalf("decodeThread failed: %v", err)
			}
			if !reflect.DeepEqual(thread.AllowedRoles, []string{"devs", "admins"}) {
				t.Fatalf("AllowedRoles = %v, want [devs admins]", thread.AllowedRoles)
			}
		})
	}
}

func TestDecodeThreadWithoutRoleListIsOpen(t *testing.T) {
	thread, err := decodeThread(docstore.Document{
		ID:   "th1",
		Data: map[string]any{"title": "general", "position": 0},
	})
	if err != nil {
		t.Fatalf("decodeThread failed: %v", err)
	}
	if len(thread.AllowedRoles) != 0 {
		t.Fatalf("AllowedRoles = %v, want empty", thread.AllowedRoles)
	}
}
