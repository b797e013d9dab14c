package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the jsonb documents table using
// PostgreSQL full-text search as a fallback when Meilisearch is down.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over the posts, messages, and cards collections
// under the workspace path, ranking with ts_rank and clipping snippets
// with ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const tsQuery = "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.Workspace}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultPost {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'post'::text AS type, path,
				coalesce(data->>'title', '') AS title,
				ts_headline('english', coalesce(data->>'content', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(to_tsvector('english', coalesce(data->>'title', '') || ' ' || coalesce(data->>'content', '')), %s) AS rank
			FROM documents
			WHERE parent = $2 || '/posts'
				AND to_tsvector('english', coalesce(data->>'title', '') || ' ' || coalesce(data->>'content', '')) @@ %s`,
			tsQuery, tsQuery, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultMessage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, path,
				coalesce(data->>'author', '') AS title,
				ts_headline('english', coalesce(data->>'content', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(to_tsvector('english', coalesce(data->>'content', '')), %s) AS rank
			FROM documents
			WHERE parent LIKE $2 || '/threads/%%/messages'
				AND to_tsvector('english', coalesce(data->>'content', '')) @@ %s`,
			tsQuery, tsQuery, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultCard {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'card'::text AS type, path,
				coalesce(data->>'name', '') AS title,
				ts_headline('english', coalesce(data->>'description', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ts_rank(to_tsvector('english', coalesce(data->>'name', '') || ' ' || coalesce(data->>'description', '')), %s) AS rank
			FROM documents
			WHERE parent LIKE $2 || '/tiles/%%/cards'
				AND to_tsvector('english', coalesce(data->>'name', '') || ' ' || coalesce(data->>'description', '')) @@ %s`,
			tsQuery, tsQuery, tsQuery))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	query := fmt.Sprintf(`
		SELECT type, path, title, snippet, COUNT(*) OVER () AS total
		FROM (%s) hits
		ORDER BY rank DESC
		LIMIT %d OFFSET %d
	`, strings.Join(subQueries, " UNION ALL "), limit, offset)

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		var rtyp string
		if err := rows.Scan(&rtyp, &r.Path, &r.Title, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(rtyp)
		r.Workspace = q.Workspace
		if idx := strings.LastIndex(r.Path, "/"); idx >= 0 {
			r.ID = r.Path[idx+1:]
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}
