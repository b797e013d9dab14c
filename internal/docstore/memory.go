package docstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by the dev server
// when no database is configured. Batches are atomic under a single lock
// and subscriptions are dispatched synchronously after each batch.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	subs    map[string]map[int]func(Event)
	nextSub int

	// FailNextBatch, when set, makes the next BatchWrite return that error
	// without applying anything.
	FailNextBatch error
	// LastBatch records the ops of the most recent successful batch.
	LastBatch []Op
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]any),
		subs: make(map[string]map[int]func(Event)),
	}
}

func (s *MemoryStore) Get(ctx context.Context, path string) (Document, error) {
	if !ValidDocPath(path) {
		return Document{}, ErrInvalidPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[path]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{Path: path, ID: LastSegment(path), Data: cloneData(data)}, nil
}

func (s *MemoryStore) Query(ctx context.Context, collection string, opts QueryOptions) ([]Document, error) {
	s.mu.Lock()
	items := make([]Document, 0)
	for path, data := range s.docs {
		if ParentOf(path) != collection {
			continue
		}
		if !matchFilters(data, opts.Filters) {
			continue
		}
		items = append(items, Document{Path: path, ID: LastSegment(path), Data: cloneData(data)})
	}
	s.mu.Unlock()

	if opts.OrderBy != "" {
		sort.SliceStable(items, func(i, j int) bool {
			less := fieldLess(items[i].Data[opts.OrderBy], items[j].Data[opts.OrderBy], opts.OrderNumeric)
			if opts.Descending {
				return !less
			}
			return less
		})
	} else {
		sort.SliceStable(items, func(i, j int) bool { return items[i].Path < items[j].Path })
	}
	return items, nil
}

func (s *MemoryStore) BatchWrite(ctx context.Context, ops []Op) error {
	s.mu.Lock()
	if s.FailNextBatch != nil {
		err := s.FailNextBatch
		s.FailNextBatch = nil
		s.mu.Unlock()
		return err
	}
	for _, op := range ops {
		if !ValidDocPath(op.Path) {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrInvalidPath, op.Path)
		}
	}

	// Apply against a staged copy so a failing op leaves the store
	// untouched; the batch commits all at once or not at all.
	staged := make(map[string]map[string]any, len(s.docs))
	for path, data := range s.docs {
		staged[path] = data
	}

	events := make([]Event, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			staged[op.Path] = cloneData(op.Data)
			events = append(events, Event{Type: EventSet, Doc: Document{Path: op.Path, ID: LastSegment(op.Path), Data: cloneData(op.Data)}})
		case OpUpdate:
			existing, ok := staged[op.Path]
			if !ok {
				s.mu.Unlock()
				return fmt.Errorf("update document %s: %w", op.Path, ErrNotFound)
			}
			merged := cloneData(existing)
			for key, value := range op.Data {
				merged[key] = value
			}
			staged[op.Path] = merged
			events = append(events, Event{Type: EventSet, Doc: Document{Path: op.Path, ID: LastSegment(op.Path), Data: cloneData(merged)}})
		case OpDelete:
			delete(staged, op.Path)
			events = append(events, Event{Type: EventDelete, Doc: Document{Path: op.Path, ID: LastSegment(op.Path)}})
		default:
			s.mu.Unlock()
			return fmt.Errorf("unknown op kind %q for %s", op.Kind, op.Path)
		}
	}
	s.docs = staged
	s.LastBatch = append([]Op(nil), ops...)

	listeners := make([]func(Event), 0)
	eventsFor := make([][]Event, 0)
	for collection, subs := range s.subs {
		matched := make([]Event, 0)
		for _, event := range events {
			if ParentOf(event.Doc.Path) == collection {
				matched = append(matched, event)
			}
		}
		if len(matched) == 0 {
			continue
		}
		for _, fn := range subs {
			listeners = append(listeners, fn)
			eventsFor = append(eventsFor, matched)
		}
	}
	s.mu.Unlock()

	for i, fn := range listeners {
		for _, event := range eventsFor[i] {
			fn(event)
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(collection string, fn func(Event)) Disposer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[collection] == nil {
		s.subs[collection] = make(map[int]func(Event))
	}
	id := s.nextSub
	s.nextSub++
	s.subs[collection][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[collection], id)
	}
}

// Len reports the number of stored documents.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func cloneData(data map[string]any) map[string]any {
	clone := make(map[string]any, len(data))
	for key, value := range data {
		clone[key] = value
	}
	return clone
}

func matchFilters(data map[string]any, filters []Filter) bool {
	for _, filter := range filters {
		if fmt.Sprint(data[filter.Field]) != fmt.Sprint(filter.Value) {
			return false
		}
	}
	return true
}

func fieldLess(a, b any, numeric bool) bool {
	if numeric {
		return toFloat(a) < toFloat(b)
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toFloat(value any) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		parsed, _ := strconv.ParseFloat(v, 64)
		return parsed
	default:
		return 0
	}
}
