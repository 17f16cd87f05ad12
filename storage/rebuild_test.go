package storage_test

import (
	"context"
	"testing"

	"videoSearch/storage"
	"videoSearch/testutil"
)

func TestRebuildRestoresCompletedVideos(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	testutil.NewPendingVideo(t, s, "done", "alice", "demo")
	s.MarkProcessing(ctx, "done")
	if err := s.CommitIngestion(ctx, ingestionResult("done", "one", "two", "three")); err != nil {
		t.Fatal(err)
	}
	testutil.NewPendingVideo(t, s, "stuck", "alice", "demo")
	s.MarkProcessing(ctx, "stuck")

	idx := testutil.NewTestIndex(t)
	idx.Add(ctx, "stale", testutil.VectorFor("stale"))

	n, err := storage.NewRebuilder(s, idx, testutil.QuietLogger()).Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n != 3 || idx.Len() != 3 {
		t.Fatalf("rebuilt %d entries, index has %d, want 3", n, idx.Len())
	}
	hits, _ := idx.Search(ctx, testutil.VectorFor("two"), 1)
	if len(hits) != 1 || hits[0].ID != "done-t1" {
		t.Errorf("hits = %+v", hits)
	}
	for _, h := range mustSearch(t, idx, "stale", 3) {
		if h.ID == "stale" {
			t.Error("rebuild kept an entry not backed by a transcript")
		}
	}
}

func TestRebuildSkipsWrongDimension(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.NewPendingVideo(t, s, "v1", "alice", "demo")
	s.MarkProcessing(ctx, "v1")
	res := ingestionResult("v1", "a", "b")
	res.Transcripts[0].Embedding = []float32{1, 0}
	if err := s.CommitIngestion(ctx, res); err != nil {
		t.Fatal(err)
	}

	idx := testutil.NewTestIndex(t)
	n, err := storage.NewRebuilder(s, idx, testutil.QuietLogger()).Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n != 1 {
		t.Errorf("loaded %d, want 1", n)
	}
}

func mustSearch(t *testing.T, idx *storage.VectorIndex, text string, k int) []storage.Hit {
	t.Helper()
	hits, err := idx.Search(context.Background(), testutil.VectorFor(text), k)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	return hits
}
