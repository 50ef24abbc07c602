package knowledge

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

var ErrInvalidArgument = errors.New("knowledge: invalid argument")

// Snippet is one searchable piece of an agent's knowledge base.
type Snippet struct {
	ID      string  `json:"id" db:"id"`
	AgentID string  `json:"agent_id" db:"agent_id"`
	Title   string  `json:"title" db:"title"`
	Content string  `json:"content" db:"content"`
	Score   float64 `json:"score,omitempty" db:"score"`
}

// Repository searches snippets. Results are ranked best first.
type Repository interface {
	AddSnippet(ctx context.Context, s Snippet) error
	Search(ctx context.Context, agentID, query string, limit int) ([]Snippet, error)
}

func NewSnippet(agentID, title, content string) (Snippet, error) {
	if agentID == "" || strings.TrimSpace(content) == "" {
		return Snippet{}, ErrInvalidArgument
	}
	return Snippet{ID: uuid.NewString(), AgentID: agentID, Title: strings.TrimSpace(title), Content: strings.TrimSpace(content)}, nil
}

// MemoryRepo ranks by the number of query terms found in title and content.
type MemoryRepo struct {
	mu       sync.RWMutex
	snippets []Snippet
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

// AddSnippet replaces a snippet with the same ID.
func (r *MemoryRepo) AddSnippet(ctx context.Context, s Snippet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.snippets {
		if r.snippets[i].ID == s.ID {
			r.snippets[i] = s
			return nil
		}
	}
	r.snippets = append(r.snippets, s)
	return nil
}

func (r *MemoryRepo) Search(ctx context.Context, agentID, query string, limit int) ([]Snippet, error) {
	r.mu.RLock()
	var own []Snippet
	for _, s := range r.snippets {
		if s.AgentID == agentID {
			own = append(own, s)
		}
	}
	r.mu.RUnlock()
	return Rank(own, query, limit), nil
}

// Rank scores candidates by the share of query terms found in their title and
// content, drops those with no hit and returns at most limit, best first.
func Rank(candidates []Snippet, query string, limit int) []Snippet {
	terms := Terms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil
	}
	var out []Snippet
	for _, s := range candidates {
		words := make(map[string]struct{})
		for _, w := range Terms(s.Title + " " + s.Content) {
			words[w] = struct{}{}
		}
		hits := 0
		for _, t := range terms {
			if _, ok := words[t]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		s.Score = float64(hits) / float64(len(terms))
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "can": {}, "do": {}, "for": {}, "i": {},
	"is": {}, "it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "the": {},
	"to": {}, "we": {}, "what": {}, "you": {}, "your": {},
}

// Terms lowercases text and splits it into words, dropping stop words.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
