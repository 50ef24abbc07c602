package postgres

import (
	"context"
	"fmt"
	"strings"

	"outbound-voice/internal/knowledge"
)

var _ knowledge.Repository = (*Store)(nil)

func (s *Store) AddSnippet(ctx context.Context, sn knowledge.Snippet) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO knowledge_snippets (id, agent_id, title, content) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, content = EXCLUDED.content`,
		sn.ID, sn.AgentID, sn.Title, sn.Content)
	if err != nil {
		return fmt.Errorf("postgres: add snippet: %w", err)
	}
	return nil
}

// Search ranks snippets matching any query term with ts_rank. Callers speak
// in full sentences, so terms are OR-ed rather than AND-ed.
func (s *Store) Search(ctx context.Context, agentID, query string, limit int) ([]knowledge.Snippet, error) {
	terms := knowledge.Terms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT id, agent_id, title, content, ts_rank(search, q) AS score
FROM knowledge_snippets, to_tsquery('english', $2) AS q
WHERE agent_id = $1 AND search @@ q
ORDER BY score DESC, id ASC
LIMIT $3`, agentID, strings.Join(terms, " | "), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search knowledge: %w", err)
	}
	defer rows.Close()
	var out []knowledge.Snippet
	for rows.Next() {
		var sn knowledge.Snippet
		var score float32
		if err := rows.Scan(&sn.ID, &sn.AgentID, &sn.Title, &sn.Content, &score); err != nil {
			return nil, err
		}
		sn.Score = float64(score)
		out = append(out, sn)
	}
	return out, rows.Err()
}
