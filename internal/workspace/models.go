// Package workspace implements the collaborative surfaces of one
// workspace: chat threads and messages, announcement posts with
// attachments, roles and permission flags, and the member list. All
// records live in the document store under the workspace path and every
// mutation is gated through rbac.
package workspace

import (
	"fmt"
	"time"

	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/docstore"
	"github.com/ChameleonCiskoCZ/projekt1-sub000/internal/rbac"
)

type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"createdAt"`
}

// Thread is one chat channel. AllowedRoles limits who may write; an
// empty list leaves the thread open to every member.
type Thread struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Position     int      `json:"position"`
	AllowedRoles []string `json:"allowedRoles"`
}

type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	EditedAt  time.Time `json:"editedAt,omitzero"`
}

type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ObjectKey   string `json:"objectKey"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

type Member struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func decodeWorkspace(doc docstore.Document) (Workspace, error) {
	name, ok := doc.Data["name"].(string)
	if !ok {
		return Workspace{}, fmt.Errorf("missing name")
	}
	ws := Workspace{ID: doc.ID, Name: name}
	if owner, ok := doc.Data["owner"].(string); ok {
		ws.Owner = owner
	}
	ws.CreatedAt = decodeTime(doc.Data["createdAt"])
	return ws, nil
}

func decodeThread(doc docstore.Document) (Thread, error) {
	title, ok := doc.Data["title"].(string)
	if !ok {
		return Thread{}, fmt.Errorf("missing title")
	}
	position, err := asInt(doc.Data["position"])
	if err != nil {
		return Thread{}, fmt.Errorf("position: %w", err)
	}
	return Thread{
		ID:           doc.ID,
		Title:        title,
		Position:     position,
		AllowedRoles: asStrings(doc.Data["allowedRoles"]),
	}, nil
}

func decodeMessage(doc docstore.Document) (Message, error) {
	content, ok := doc.Data["content"].(string)
	if !ok {
		return Message{}, fmt.Errorf("missing content")
	}
	msg := Message{ID: doc.ID, Content: content}
	if author, ok := doc.Data["author"].(string); ok {
		msg.Author = author
	}
	msg.CreatedAt = decodeTime(doc.Data["createdAt"])
	return msg, nil
}

func decodePost(doc docstore.Document) (Post, error) {
	content, ok := doc.Data["content"].(string)
	if !ok {
		return Post{}, fmt.Errorf("missing content")
	}
	post := Post{ID: doc.ID, Content: content}
	if title, ok := doc.Data["title"].(string); ok {
		post.Title = title
	}
	if author, ok := doc.Data["author"].(string); ok {
		post.Author = author
	}
	post.CreatedAt = decodeTime(doc.Data["createdAt"])
	post.EditedAt = decodeTime(doc.Data["editedAt"])
	return post, nil
}

func decodeAttachment(doc docstore.Document) (Attachment, error) {
	objectKey, ok := doc.Data["objectKey"].(string)
	if !ok {
		return Attachment{}, fmt.Errorf("missing objectKey")
	}
	att := Attachment{ID: doc.ID, ObjectKey: objectKey}
	if name, ok := doc.Data["name"].(string); ok {
		att.Name = name
	}
	if contentType, ok := doc.Data["contentType"].(string); ok {
		att.ContentType = contentType
	}
	if size, err := asInt(doc.Data["size"]); err == nil {
		att.Size = int64(size)
	}
	return att, nil
}

func decodeMember(doc docstore.Document) (Member, error) {
	username, ok := doc.Data["username"].(string)
	if !ok {
		return Member{}, fmt.Errorf("missing username")
	}
	member := Member{Username: username}
	if role, ok := doc.Data["role"].(string); ok {
		member.Role = role
	}
	return member, nil
}

// decodeRole turns a roles/{name} document into an rbac role. The doc id
// is the role name; unknown permission keys are dropped.
func decodeRole(doc docstore.Document) rbac.Role {
	role := rbac.Role{Name: doc.ID, Permissions: make(map[rbac.Action]bool)}
	perms, ok := doc.Data["permissions"].(map[string]any)
	if !ok {
		return role
	}
	for key, value := range perms {
		action := rbac.Action(key)
		if !rbac.Known(action) {
			continue
		}
		if flag, ok := value.(bool); ok && flag {
			role.Permissions[action] = true
		}
	}
	return role
}

func encodeRole(role rbac.Role) map[string]any {
	perms := make(map[string]any, len(rbac.Actions))
	for _, action := range rbac.Actions {
		perms[string(action)] = role.Permissions[action]
	}
	return map[string]any{"permissions": perms}
}

func decodeTime(value any) time.Time {
	raw, ok := value.(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func asInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("not a number: %v", value)
	}
}

// asStrings handles both slice shapes a document can carry: []string as
// written by our own code, []any after a JSON round-trip.
func asStrings(value any) []string {
	switch entries := value.(type) {
	case []string:
		return append([]string(nil), entries...)
	case []any:
		out := make([]string, 0, len(entries))
		for _, entry := range entries {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
