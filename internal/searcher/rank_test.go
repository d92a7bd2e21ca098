package searcher

import (
	"math"
	"testing"
	"time"

	"github.com/dshills/memindex/pkg/types"
)

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		query string
		want  []string
	}{
		{"the quick brown fox", []string{"quick", "brown", "fox"}},
		{"Where is the FOX? fox!", []string{"fox"}},
		{"a b c", nil},
		{"deploy_v2 on 2025-01-02", []string{"deploy_v2", "2025", "01", "02"}},
		{"what is it", nil},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got := extractKeywords(tt.query)
			if !equalStrings(got, tt.want) {
				t.Errorf("extractKeywords(%q) = %v, want %v", tt.query, got, tt.want)
			}
		})
	}
}

func TestApplyTemporalDecay(t *testing.T) {
	now := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	candidates := []types.Candidate{
		{ID: "evergreen", Path: "MEMORY.md", Source: types.SourceMemory, Score: 1},
		{ID: "undated", Path: "memory/projects.md", Source: types.SourceMemory, Score: 1},
		{ID: "dated", Path: "memory/2025-03-01.md", Source: types.SourceMemory, Score: 1},
		{ID: "session", Path: "sessions/a.jsonl", Source: types.SourceSessions, Score: 1, UpdatedAt: now.AddDate(0, 0, -60)},
		{ID: "future", Path: "memory/2025-04-30.md", Source: types.SourceMemory, Score: 1},
	}

	applyTemporalDecay(candidates, 30, now)

	want := map[string]float64{
		"evergreen": 1,
		"undated":   1,
		"dated":     0.5,
		"session":   0.25,
		"future":    1,
	}
	for _, c := range candidates {
		if math.Abs(c.Score-want[c.ID]) > 1e-9 {
			t.Errorf("%s: score = %v, want %v", c.ID, c.Score, want[c.ID])
		}
	}
}

func TestApplyTemporalDecay_DisabledHalfLife(t *testing.T) {
	c := []types.Candidate{{Path: "memory/2000-01-01.md", Source: types.SourceMemory, Score: 0.8}}
	applyTemporalDecay(c, 0, time.Now())
	if c[0].Score != 0.8 {
		t.Errorf("score changed without a half-life: %v", c[0].Score)
	}
}

func TestApplyMMR(t *testing.T) {
	candidates := []types.Candidate{
		{ID: "first", Score: 0.9, Text: "deploy the billing service on friday"},
		{ID: "dupe", Score: 0.85, Text: "deploy the billing service on friday morning"},
		{ID: "other", Score: 0.8, Text: "vacation plans for august"},
	}

	out := applyMMR(candidates, 0.7)
	if len(out) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(out))
	}
	order := []string{out[0].ID, out[1].ID, out[2].ID}
	if !equalStrings(order, []string{"first", "other", "dupe"}) {
		t.Errorf("unexpected order %v", order)
	}
	if out[0].Score != 0.9 || out[1].Score != 0.8 {
		t.Errorf("distinct candidates must keep their scores: %v %v", out[0].Score, out[1].Score)
	}
	if out[2].Score >= 0.85 {
		t.Errorf("near duplicate should be penalised, got %v", out[2].Score)
	}

	t.Run("lambda one keeps relevance order", func(t *testing.T) {
		out := applyMMR(candidates, 1)
		if out[1].ID != "dupe" || out[1].Score != 0.85 {
			t.Errorf("unexpected second candidate %+v", out[1])
		}
	})
}

func TestJaccard(t *testing.T) {
	a := tokenSet("the quick brown fox")
	b := tokenSet("a quick red fox")
	// the, quick, brown, fox vs quick, red, fox
	if got := jaccard(a, b); math.Abs(got-2.0/5.0) > 1e-9 {
		t.Errorf("jaccard = %v, want 0.4", got)
	}
	if got := jaccard(tokenSet(""), tokenSet("")); got != 0 {
		t.Errorf("jaccard of empty sets = %v", got)
	}
}
