package processors_test

import (
	"context"
	"testing"

	"videoSearch/core"
	"videoSearch/processors"
	"videoSearch/testutil"
)

func (h *harness) ingest(t *testing.T, id, owner string, utterances []core.Utterance) {
	t.Helper()
	testutil.NewPendingVideo(t, h.store, id, owner, "title "+id)
	h.asr.Utterances = utterances
	if err := h.pipeline.Run(context.Background(), id); err != nil {
		t.Fatalf("ingest %s: %v", id, err)
	}
}

func (h *harness) retriever() *processors.Retriever {
	return processors.NewRetriever(h.store, h.index, h.embedder, processors.RetrievalOptions{
		DefaultLimit:         10,
		DefaultMinConfidence: 0.5,
		OverFetch:            3,
	}, nil, testutil.QuietLogger())
}

func TestSearchFindsExactUtterance(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "v1", "alice", testutil.Utterances(0.9, "how to bake bread", "knead the dough", "let it rise"))

	resp := h.retriever().Search(context.Background(), processors.SearchRequest{UserID: "alice", Query: "knead the dough"})
	if len(resp.Results) == 0 {
		t.Fatal("no results")
	}
	top := resp.Results[0]
	if top.Text != "knead the dough" {
		t.Fatalf("top result = %q", top.Text)
	}
	if top.SimilarityScore < 0.999 {
		t.Errorf("similarity = %f, want ~1", top.SimilarityScore)
	}
	if top.StartTime != 2 || top.EndTime != 3.5 {
		t.Errorf("time = [%v, %v]", top.StartTime, top.EndTime)
	}
	if top.Video.ID != "v1" || top.Video.Title != "title v1" || top.Video.Thumbnail != core.ThumbnailPath("v1") {
		t.Errorf("video = %+v", top.Video)
	}
	if resp.Query != "knead the dough" || resp.ElapsedSeconds < 0 {
		t.Errorf("response header = %q %v", resp.Query, resp.ElapsedSeconds)
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i].SimilarityScore > resp.Results[i-1].SimilarityScore {
			t.Fatalf("results not sorted at %d", i)
		}
	}
}

func TestSearchExcludesOtherUsersVideos(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "bob-video", "bob", testutil.Utterances(0.9, "the secret recipe"))

	resp := h.retriever().Search(context.Background(), processors.SearchRequest{UserID: "alice", Query: "the secret recipe"})
	if len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("alice sees %d results (total %d), want none", len(resp.Results), resp.Total)
	}

	h.ingest(t, "alice-video", "alice", testutil.Utterances(0.9, "a public recipe"))
	resp = h.retriever().Search(context.Background(), processors.SearchRequest{UserID: "alice", Query: "the secret recipe"})
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}
	if resp.Results[0].Video.ID != "alice-video" {
		t.Errorf("result belongs to %s", resp.Results[0].Video.ID)
	}
}

func TestSearchConfidenceFilter(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "v1", "alice", []core.Utterance{
		{Start: 0, End: 1, Text: "clear speech", Confidence: testutil.Conf(0.9)},
		{Start: 1, End: 2, Text: "mumbled speech", Confidence: testutil.Conf(0.3)},
		{Start: 2, End: 3, Text: "unscored speech"},
	})
	r := h.retriever()
	ctx := context.Background()

	tests := []struct {
		name string
		min  *float64
		want map[string]bool
	}{
		{"default", nil, map[string]bool{"clear speech": true}},
		{"low threshold", testutil.Conf(0.2), map[string]bool{"clear speech": true, "mumbled speech": true}},
		{"zero threshold", testutil.Conf(0), map[string]bool{"clear speech": true, "mumbled speech": true, "unscored speech": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := r.Search(ctx, processors.SearchRequest{UserID: "alice", Query: "speech", MinConfidence: tt.min})
			got := map[string]bool{}
			for _, res := range resp.Results {
				got[res.Text] = true
				if res.Confidence != nil && tt.min == nil && *res.Confidence < 0.5 {
					t.Errorf("result %q below default threshold", res.Text)
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("results = %v, want %v", got, tt.want)
			}
			for text := range tt.want {
				if !got[text] {
					t.Errorf("missing %q", text)
				}
			}
		})
	}
}

func TestSearchTotalCountsBeforeTruncation(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "v1", "alice", testutil.Utterances(0.9, "one", "two", "three", "four", "five"))

	resp := h.retriever().Search(context.Background(), processors.SearchRequest{UserID: "alice", Query: "one", Limit: 2})
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Total != 5 {
		t.Errorf("total = %d, want 5", resp.Total)
	}
	if resp.Results[0].Text != "one" {
		t.Errorf("top = %q", resp.Results[0].Text)
	}
}

func TestSearchTiesOrderedBySegmentIndex(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "v1", "alice", testutil.Utterances(0.9, "again", "something else", "again", "again"))

	resp := h.retriever().Search(context.Background(), processors.SearchRequest{UserID: "alice", Query: "again", Limit: 3})
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(resp.Results))
	}
	wantStarts := []float64{0, 4, 6}
	for i, res := range resp.Results {
		if res.StartTime != wantStarts[i] {
			t.Errorf("result %d start = %v, want %v", i, res.StartTime, wantStarts[i])
		}
	}
}

func TestSearchIgnoresOrphanedIndexEntries(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "v1", "alice", testutil.Utterances(0.9, "kept line"))
	if err := h.index.Add(context.Background(), "orphan", testutil.VectorFor("orphaned line")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	resp := h.retriever().Search(context.Background(), processors.SearchRequest{UserID: "alice", Query: "orphaned line", MinConfidence: testutil.Conf(0)})
	if len(resp.Results) != 1 || resp.Results[0].Text != "kept line" {
		t.Fatalf("results = %+v", resp.Results)
	}
	if len(resp.Warnings) != 0 {
		t.Errorf("warnings = %v", resp.Warnings)
	}
}

func TestSearchSoftEmpty(t *testing.T) {
	h := newHarness(t, nil)
	r := h.retriever()
	ctx := context.Background()

	resp := r.Search(ctx, processors.SearchRequest{UserID: "alice", Query: "anything"})
	if len(resp.Results) != 0 || resp.Total != 0 || len(resp.Warnings) != 0 {
		t.Errorf("empty index: %+v", resp)
	}
	if resp.Results == nil {
		t.Error("results should be an empty slice, not nil")
	}

	resp = r.Search(ctx, processors.SearchRequest{UserID: "alice", Query: "   "})
	if len(resp.Results) != 0 || len(resp.Warnings) != 0 {
		t.Errorf("blank query: %+v", resp)
	}

	h.ingest(t, "v1", "alice", testutil.Utterances(0.9, "line"))
	h.embedder.FailOn("broken query")
	resp = r.Search(ctx, processors.SearchRequest{UserID: "alice", Query: "broken query"})
	if len(resp.Results) != 0 || resp.Total != 0 {
		t.Errorf("embedding failure returned results: %+v", resp)
	}
	if len(resp.Warnings) == 0 {
		t.Error("embedding failure should add a warning")
	}
}

func TestSearchIsRepeatable(t *testing.T) {
	h := newHarness(t, nil)
	h.ingest(t, "v1", "alice", testutil.Utterances(0.9, "alpha", "beta", "gamma", "delta"))
	r := h.retriever()

	first := r.Search(context.Background(), processors.SearchRequest{UserID: "alice", Query: "beta"})
	second := r.Search(context.Background(), processors.SearchRequest{UserID: "alice", Query: "beta"})
	if len(first.Results) != len(second.Results) || first.Total != second.Total {
		t.Fatalf("result sets differ: %d/%d vs %d/%d", len(first.Results), first.Total, len(second.Results), second.Total)
	}
	for i := range first.Results {
		if first.Results[i].ID != second.Results[i].ID {
			t.Errorf("position %d: %s vs %s", i, first.Results[i].ID, second.Results[i].ID)
		}
	}
}
