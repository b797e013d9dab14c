package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore keeps documents in a single path-keyed jsonb table and
// announces committed batches through an optional Notifier.
type PostgresStore struct {
	db       *sql.DB
	notifier *Notifier
}

func NewPostgresStore(db *sql.DB, notifier *Notifier) *PostgresStore {
	return &PostgresStore{db: db, notifier: notifier}
}

func (s *PostgresStore) Get(ctx context.Context, path string) (Document, error) {
	if !ValidDocPath(path) {
		return Document{}, ErrInvalidPath
	}
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE path=$1`, path).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	data, err := decodeData(raw)
	if err != nil {
		return Document{}, fmt.Errorf("decode document %s: %w", path, err)
	}
	return Document{Path: path, ID: LastSegment(path), Data: data}, nil
}

func (s *PostgresStore) Query(ctx context.Context, collection string, opts QueryOptions) ([]Document, error) {
	query := `SELECT path, data FROM documents WHERE parent=$1`
	args := []any{collection}
	argN := 2

	for _, filter := range opts.Filters {
		query += fmt.Sprintf(` AND data->>%s = $%d`, quoteLiteral(filter.Field), argN)
		args = append(args, fmt.Sprint(filter.Value))
		argN++
	}

	if opts.OrderBy != "" {
		direction := "ASC"
		if opts.Descending {
			direction = "DESC"
		}
		if opts.OrderNumeric {
			query += fmt.Sprintf(` ORDER BY (data->>%s)::numeric %s`, quoteLiteral(opts.OrderBy), direction)
		} else {
			query += fmt.Sprintf(` ORDER BY data->>%s %s`, quoteLiteral(opts.OrderBy), direction)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var path string
		var raw []byte
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		data, err := decodeData(raw)
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", path, err)
		}
		items = append(items, Document{Path: path, ID: LastSegment(path), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection %s: %w", collection, err)
	}
	return items, nil
}

func (s *PostgresStore) BatchWrite(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if !ValidDocPath(op.Path) {
			return fmt.Errorf("%w: %s", ErrInvalidPath, op.Path)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}

	events := make([]Event, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			raw, err := json.Marshal(op.Data)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("encode document %s: %w", op.Path, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO documents (path, parent, data)
				VALUES ($1, $2, $3)
				ON CONFLICT (path) DO UPDATE SET data=EXCLUDED.data, updated_at=NOW()
			`, op.Path, ParentOf(op.Path), raw); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("set document %s: %w", op.Path, err)
			}
			events = append(events, Event{Type: EventSet, Doc: Document{Path: op.Path, ID: LastSegment(op.Path), Data: op.Data}})
		case OpUpdate:
			raw, err := json.Marshal(op.Data)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("encode document %s: %w", op.Path, err)
			}
			result, err := tx.ExecContext(ctx, `
				UPDATE documents SET data = data || $2, updated_at=NOW() WHERE path=$1
			`, op.Path, raw)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("update document %s: %w", op.Path, err)
			}
			if affected, _ := result.RowsAffected(); affected == 0 {
				_ = tx.Rollback()
				return fmt.Errorf("update document %s: %w", op.Path, ErrNotFound)
			}
			events = append(events, Event{Type: EventSet, Doc: Document{Path: op.Path, ID: LastSegment(op.Path), Data: op.Data}})
		case OpDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path=$1`, op.Path); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("delete document %s: %w", op.Path, err)
			}
			events = append(events, Event{Type: EventDelete, Doc: Document{Path: op.Path, ID: LastSegment(op.Path)}})
		default:
			_ = tx.Rollback()
			return fmt.Errorf("unknown op kind %q for %s", op.Kind, op.Path)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	if s.notifier != nil {
		s.notifier.Publish(ctx, events)
	}
	return nil
}

func (s *PostgresStore) Subscribe(collection string, fn func(Event)) Disposer {
	if s.notifier == nil {
		return func() {}
	}
	return s.notifier.Subscribe(collection, fn)
}

func decodeData(raw []byte) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// quoteLiteral quotes a json key for interpolation into an ORDER BY or
// filter expression. Field names come from code, never from requests, but
// quoting keeps the SQL well-formed regardless.
func quoteLiteral(field string) string {
	return "'" + strings.ReplaceAll(field, "'", "''") + "'"
}
