// Package docstore is a hierarchical document store. Documents live at
// slash-separated paths alternating collection and id segments
// (users/ada/workspaces/ws1/tiles/t1), are stored as schemaless JSON
// objects, and can be watched per collection through a change feed.
package docstore

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrInvalidPath = errors.New("invalid document path")
)

// Document is one stored record.
type Document struct {
	Path string
	ID   string
	Data map[string]any
}

const (
	OpSet    = "set"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Op is a single write inside a batch. Ops are applied in order and the
// whole batch commits atomically.
type Op struct {
	Kind string
	Path string
	Data map[string]any
}

func Set(path string, data map[string]any) Op {
	return Op{Kind: OpSet, Path: path, Data: data}
}

// Update shallow-merges data into an existing document.
func Update(path string, data map[string]any) Op {
	return Op{Kind: OpUpdate, Path: path, Data: data}
}

func Delete(path string) Op {
	return Op{Kind: OpDelete, Path: path}
}

// Filter is an equality filter on a top-level document field.
type Filter struct {
	Field string
	Value any
}

type QueryOptions struct {
	Filters      []Filter
	OrderBy      string
	OrderNumeric bool
	Descending   bool
}

type EventType string

const (
	EventSet    EventType = "set"
	EventDelete EventType = "delete"
)

// Event describes one committed change to a document.
type Event struct {
	Type EventType
	Doc  Document
}

// Disposer tears down a subscription. Callers must invoke every disposer
// they created when their scope ends; a leaked subscription keeps
// delivering events to a dead owner.
type Disposer func()

// Store is the surface the application consumes: one-shot reads, ordered
// collection queries, atomic multi-document batches, and per-collection
// change subscriptions.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Query(ctx context.Context, collection string, opts QueryOptions) ([]Document, error)
	BatchWrite(ctx context.Context, ops []Op) error
	Subscribe(collection string, fn func(Event)) Disposer
}

// Join builds a path from segments.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}

// ParentOf returns the collection path a document belongs to.
func ParentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// LastSegment returns the final path segment (the document or collection id).
func LastSegment(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// ValidDocPath reports whether path addresses a document: a non-empty,
// even number of non-empty segments.
func ValidDocPath(path string) bool {
	if path == "" {
		return false
	}
	segments := strings.Split(path, "/")
	if len(segments)%2 != 0 {
		return false
	}
	for _, segment := range segments {
		if segment == "" {
			return false
		}
	}
	return true
}
