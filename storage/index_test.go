package storage_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"videoSearch/core"
	"videoSearch/storage"
	"videoSearch/testutil"
)

func TestIndexRoundTrip(t *testing.T) {
	idx := testutil.NewTestIndex(t)
	ctx := context.Background()

	for _, text := range []string{"alpha", "beta", "gamma"} {
		if err := idx.Add(ctx, "id-"+text, testutil.VectorFor(text)); err != nil {
			t.Fatalf("Add(%s): %v", text, err)
		}
	}
	hits, err := idx.Search(ctx, testutil.VectorFor("beta"), 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "id-beta" {
		t.Fatalf("hits = %+v", hits)
	}
	if math.Abs(float64(hits[0].Score)-1) > 1e-5 {
		t.Errorf("self similarity = %f, want ~1", hits[0].Score)
	}
}

func TestIndexSearchBounds(t *testing.T) {
	idx := testutil.NewTestIndex(t)
	ctx := context.Background()
	q := testutil.VectorFor("q")

	hits, err := idx.Search(ctx, q, 5)
	if err != nil || len(hits) != 0 {
		t.Fatalf("empty index: hits=%v err=%v", hits, err)
	}
	if hits == nil {
		t.Error("empty index should return an empty slice")
	}

	idx.AddBatch(ctx, []string{"a", "b"}, [][]float32{testutil.VectorFor("a"), testutil.VectorFor("b")})
	if hits, _ := idx.Search(ctx, q, 10); len(hits) != 2 {
		t.Errorf("k > len: got %d hits, want 2", len(hits))
	}
	if hits, _ := idx.Search(ctx, q, 0); len(hits) != 0 {
		t.Errorf("k = 0: got %d hits", len(hits))
	}
	hits, _ = idx.Search(ctx, q, 2)
	if len(hits) == 2 && hits[1].Score > hits[0].Score {
		t.Error("hits not in descending order")
	}
}

func TestIndexAddBatchRejectsWithoutMutation(t *testing.T) {
	idx := testutil.NewTestIndex(t)
	ctx := context.Background()
	idx.Add(ctx, "seed", testutil.VectorFor("seed"))

	tests := []struct {
		name string
		ids  []string
		vecs [][]float32
	}{
		{"empty", nil, nil},
		{"length mismatch", []string{"a", "b"}, [][]float32{testutil.VectorFor("a")}},
		{"bad dimension", []string{"a", "b"}, [][]float32{testutil.VectorFor("a"), {1, 2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := idx.AddBatch(ctx, tt.ids, tt.vecs)
			var ie *core.IndexError
			if !errors.As(err, &ie) {
				t.Fatalf("err = %v, want IndexError", err)
			}
			if idx.Len() != 1 {
				t.Errorf("Len = %d after rejected batch, want 1", idx.Len())
			}
		})
	}
}

func TestIndexPositionalCorrespondence(t *testing.T) {
	idx := testutil.NewTestIndex(t)
	ctx := context.Background()

	idx.Add(ctx, "single-0", testutil.VectorFor("s0"))
	ids := make([]string, 50)
	vecs := make([][]float32, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("batch-%d", i)
		vecs[i] = testutil.VectorFor(ids[i])
	}
	if err := idx.AddBatch(ctx, ids, vecs); err != nil {
		t.Fatalf("AddBatch: %v", err)
	}
	idx.Add(ctx, "single-1", testutil.VectorFor("s1"))

	check := func(id string, vec []float32) {
		hits, err := idx.Search(ctx, vec, 1)
		if err != nil || len(hits) != 1 || hits[0].ID != id {
			t.Errorf("search for %s returned %+v (err %v)", id, hits, err)
		}
	}
	check("single-0", testutil.VectorFor("s0"))
	check("single-1", testutil.VectorFor("s1"))
	for i := range ids {
		check(ids[i], vecs[i])
	}
}

func TestIndexReset(t *testing.T) {
	idx := testutil.NewTestIndex(t)
	ctx := context.Background()
	idx.Add(ctx, "a", testutil.VectorFor("a"))
	if err := idx.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("Len = %d after reset", idx.Len())
	}
	idx.Add(ctx, "b", testutil.VectorFor("b"))
	hits, _ := idx.Search(ctx, testutil.VectorFor("b"), 5)
	if len(hits) != 1 || hits[0].ID != "b" {
		t.Errorf("hits after reset = %+v", hits)
	}
}

func TestIndexNotInitialized(t *testing.T) {
	idx := storage.NewVectorIndex(storage.IndexOptions{Dimension: testutil.Dim}, nil, testutil.QuietLogger())
	if err := idx.Add(context.Background(), "a", testutil.VectorFor("a")); !errors.Is(err, storage.ErrIndexNotInitialized) {
		t.Errorf("Add before Init = %v", err)
	}
	if err := idx.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := idx.Init(context.Background()); err != nil {
		t.Errorf("second Init = %v", err)
	}
	if idx.Backend() != "flat" {
		t.Errorf("backend = %s", idx.Backend())
	}
	idx.Close()
}

func TestIndexAutoFallsBackToFlat(t *testing.T) {
	idx := storage.NewVectorIndex(storage.IndexOptions{
		Dimension:        testutil.Dim,
		Backend:          "auto",
		MilvusCollection: "test",
	}, nil, testutil.QuietLogger())
	if err := idx.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer idx.Close()
	if idx.Backend() != "flat" {
		t.Errorf("backend = %s, want flat fallback", idx.Backend())
	}

	strict := storage.NewVectorIndex(storage.IndexOptions{Dimension: testutil.Dim, Backend: "milvus"}, nil, testutil.QuietLogger())
	if err := strict.Init(context.Background()); err == nil {
		t.Error("milvus backend without an address should fail to init")
	}
}

func TestIndexConcurrentAddAndSearch(t *testing.T) {
	idx := testutil.NewTestIndex(t)
	ctx := context.Background()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if err := idx.Add(ctx, id, testutil.VectorFor(id)); err != nil {
					t.Errorf("Add: %v", err)
					return
				}
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := idx.Search(ctx, testutil.VectorFor("probe"), 10); err != nil {
					t.Errorf("Search: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if idx.Len() != writers*perWriter {
		t.Fatalf("Len = %d, want %d", idx.Len(), writers*perWriter)
	}
	hits, _ := idx.Search(ctx, testutil.VectorFor("w3-17"), 1)
	if len(hits) != 1 || hits[0].ID != "w3-17" {
		t.Errorf("lookup after concurrent adds = %+v", hits)
	}
}
