package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/docify-ai/docify-backend/internal/model"
)

func makeRankedInput(chunkID, resourceID, content string, score float64, createdAt time.Time) SearchResult {
	return SearchResult{
		Chunk:    model.Chunk{ID: chunkID, ResourceID: resourceID, Content: content},
		Resource: model.Resource{ID: resourceID, Title: "Doc " + resourceID, ResourceType: "pdf", CreatedAt: createdAt},
		Score:    score,
	}
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestReranker(llm ConflictLLM) *RerankService {
	svc := NewRerankService(llm)
	svc.now = fixedNow
	return svc
}

func TestRerank_SingleResultDefaults(t *testing.T) {
	llm := &mockLLM{response: "YES"}
	svc := newTestReranker(llm)

	results := []SearchResult{makeRankedInput("c1", "r1", "content", 0.8, fixedNow().AddDate(0, 0, -10))}
	out := svc.Rerank(context.Background(), results, "query", true)

	if len(out) != 1 {
		t.Fatalf("got %d results, want 1", len(out))
	}
	// Citation factor defaults to 0.5 for a lone resource.
	if got := out[0].RerankScores.Citation; got != 0.5*rerankWeightCitation {
		t.Errorf("citation sub-score = %v, want %v", got, 0.5*rerankWeightCitation)
	}
	// Conflict detection never runs with a single result.
	if llm.calls != 0 {
		t.Errorf("conflict LLM called %d times for single result, want 0", llm.calls)
	}
}

func TestRerank_FinalScoreIsWeightedSum(t *testing.T) {
	svc := newTestReranker(nil)

	// Fresh pdf resource with full metadata, verbatim query in content.
	meta, _ := json.Marshal(map[string]any{"title": "t", "author": "a", "pages": 10})
	r := SearchResult{
		Chunk: model.Chunk{ID: "c1", ResourceID: "r1", Content: "the exact query text appears here"},
		Resource: model.Resource{
			ID: "r1", ResourceType: "pdf", CreatedAt: fixedNow().AddDate(0, 0, -5),
			Metadata: meta,
		},
		Score: 1.0,
	}
	out := svc.Rerank(context.Background(), []SearchResult{r}, "the exact query text", false)

	// base 1.0*0.40 + citation 0.5*0.15 + recency 1.0*0.15 + specificity
	// 1.0*0.15 + quality 1.0*0.15 = 0.775
	want := 0.40 + 0.075 + 0.15 + 0.15 + 0.15
	if diff := out[0].FinalScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("FinalScore = %v, want %v (scores: %+v)", out[0].FinalScore, want, out[0].RerankScores)
	}
}

func TestScoreRecency_Steps(t *testing.T) {
	now := fixedNow()
	cases := []struct {
		days int
		want float64
	}{
		{10, 1.0}, {45, 0.9}, {100, 0.8}, {200, 0.6}, {400, 0.4}, {1000, 0.2},
	}
	for _, tc := range cases {
		got := scoreRecency(now.AddDate(0, 0, -tc.days), now)
		if got != tc.want {
			t.Errorf("scoreRecency(%d days) = %v, want %v", tc.days, got, tc.want)
		}
	}
	if got := scoreRecency(time.Time{}, now); got != 0.5 {
		t.Errorf("scoreRecency(zero time) = %v, want 0.5", got)
	}
}

func TestScoreSpecificity(t *testing.T) {
	if got := scoreSpecificity("Quantum computing uses qubits for calculation", "quantum computing"); got != 1.0 {
		t.Errorf("verbatim match = %v, want 1.0", got)
	}
	got := scoreSpecificity("qubits are used in computing", "quantum computing hardware")
	if got <= 0 || got >= 1 {
		t.Errorf("partial overlap = %v, want fraction in (0,1)", got)
	}
}

func TestScoreSourceQuality(t *testing.T) {
	cases := []struct {
		resType string
		want    float64
	}{
		{"pdf", 1.0}, {"docx", 0.8}, {"md", 0.8}, {"url", 0.7},
		{"csv", 0.6}, {"txt", 0.5}, {"mystery", 0.5},
	}
	for _, tc := range cases {
		res := model.Resource{ResourceType: tc.resType}
		if got := scoreSourceQuality(&res); got != tc.want {
			t.Errorf("scoreSourceQuality(%s) = %v, want %v", tc.resType, got, tc.want)
		}
	}

	// Metadata boosts are capped at 1.0.
	meta, _ := json.Marshal(map[string]any{"title": "t", "author": "a", "pages": 3})
	res := model.Resource{ResourceType: "pdf", Metadata: meta}
	if got := scoreSourceQuality(&res); got != 1.0 {
		t.Errorf("boosted pdf = %v, want capped 1.0", got)
	}
	res = model.Resource{ResourceType: "txt", Metadata: meta}
	if got := scoreSourceQuality(&res); got != 0.65 {
		t.Errorf("boosted txt = %v, want 0.65", got)
	}
}

func TestRerank_ConflictDetection(t *testing.T) {
	llm := &mockLLM{response: "YES"}
	svc := newTestReranker(llm)

	a := makeRankedInput("c1", "rA", "The GDP grew by 5%", 0.9, fixedNow().AddDate(0, 0, -10))
	b := makeRankedInput("c2", "rB", "The GDP grew by 3%", 0.8, fixedNow().AddDate(0, 0, -10))
	out := svc.Rerank(context.Background(), []SearchResult{a, b}, "gdp growth", true)

	byChunk := map[string]SearchResult{}
	var before = map[string]float64{}
	for _, r := range out {
		byChunk[r.Chunk.ID] = r
	}
	// Recompute the unpenalized scores for comparison.
	noConflict := newTestReranker(nil).Rerank(context.Background(),
		[]SearchResult{a, b}, "gdp growth", false)
	for _, r := range noConflict {
		before[r.Chunk.ID] = r.FinalScore
	}

	for _, id := range []string{"c1", "c2"} {
		r := byChunk[id]
		if r.ConflictCount != 1 {
			t.Errorf("%s conflict count = %d, want 1", id, r.ConflictCount)
		}
		if len(r.Conflicts) != 1 {
			t.Fatalf("%s conflicts = %v, want one pointer", id, r.Conflicts)
		}
		if r.FinalScore > before[id]*0.95+1e-9 {
			t.Errorf("%s score %.4f not reduced by at least 5%% from %.4f", id, r.FinalScore, before[id])
		}
	}
	// Symmetric pointers.
	if byChunk["c1"].Conflicts[0] != "c2" || byChunk["c2"].Conflicts[0] != "c1" {
		t.Errorf("conflict pointers not symmetric: %v / %v", byChunk["c1"].Conflicts, byChunk["c2"].Conflicts)
	}
}

func TestRerank_ConflictCheckFailureDefaultsToNone(t *testing.T) {
	llm := &mockLLM{err: context.DeadlineExceeded}
	svc := newTestReranker(llm)

	a := makeRankedInput("c1", "rA", "statement one", 0.9, fixedNow())
	b := makeRankedInput("c2", "rB", "statement two", 0.8, fixedNow())
	out := svc.Rerank(context.Background(), []SearchResult{a, b}, "query", true)

	for _, r := range out {
		if r.ConflictCount != 0 {
			t.Errorf("%s conflict count = %d after check failure, want 0", r.Chunk.ID, r.ConflictCount)
		}
	}
}

func TestRerank_SameResourcePairsSkipped(t *testing.T) {
	llm := &mockLLM{response: "YES"}
	svc := newTestReranker(llm)

	a := makeRankedInput("c1", "rA", "first chunk", 0.9, fixedNow())
	b := makeRankedInput("c2", "rA", "second chunk", 0.8, fixedNow())
	svc.Rerank(context.Background(), []SearchResult{a, b}, "query", true)

	if llm.calls != 0 {
		t.Errorf("conflict LLM called %d times for same-resource pair, want 0", llm.calls)
	}
}

func TestRerank_SortedDescending(t *testing.T) {
	svc := newTestReranker(nil)
	results := []SearchResult{
		makeRankedInput("c1", "r1", "x", 0.1, fixedNow()),
		makeRankedInput("c2", "r2", "y", 0.9, fixedNow()),
		makeRankedInput("c3", "r3", "z", 0.5, fixedNow()),
	}
	out := svc.Rerank(context.Background(), results, "query", false)
	for i := 1; i < len(out); i++ {
		if out[i-1].FinalScore < out[i].FinalScore {
			t.Errorf("results not sorted: %v before %v", out[i-1].FinalScore, out[i].FinalScore)
		}
	}
}
