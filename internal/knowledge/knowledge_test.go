package knowledge

import (
	"context"
	"testing"
)

func TestMemoryRepo_SearchRanksAndScopesByAgent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepo()
	add := func(agent, title, content string) {
		s, err := NewSnippet(agent, title, content)
		if err != nil {
			t.Fatalf("NewSnippet: %v", err)
		}
		_ = repo.AddSnippet(ctx, s)
	}
	add("a1", "Pricing", "The premium plan costs 40 dollars per month.")
	add("a1", "Hours", "We are open Monday to Friday.")
	add("a1", "Premium support", "Premium plan customers get phone support and pricing discounts.")
	add("a2", "Pricing", "Other agent premium pricing.")

	got, err := repo.Search(ctx, "a1", "What is the premium plan pricing?", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	for _, s := range got {
		if s.AgentID != "a1" {
			t.Fatalf("leaked snippet from %s", s.AgentID)
		}
	}
	if got[0].Score < got[1].Score {
		t.Fatalf("results not ranked: %+v", got)
	}
}

func TestMemoryRepo_EmptyQuery(t *testing.T) {
	got, err := NewMemoryRepo().Search(context.Background(), "a1", "  the  ", 3)
	if err != nil || got != nil {
		t.Fatalf("expected no results, got %v %v", got, err)
	}
}
