package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"videoSearch/core"
	"videoSearch/storage"
	"videoSearch/testutil"
)

func vid(s string) *string { return &s }

func ingestionResult(videoID string, texts ...string) *core.IngestionResult {
	res := &core.IngestionResult{
		VideoID:  videoID,
		Probe:    testutil.DefaultProbe(),
		Metadata: map[string]any{"utterances": len(texts)},
	}
	for i, text := range texts {
		id := videoID + "-t" + string(rune('0'+i))
		res.Segments = append(res.Segments, core.VideoSegment{
			ID: id, VideoID: videoID, StartTime: float64(i), EndTime: float64(i) + 0.5, SegmentPath: "/seg/" + id + ".mp4",
		})
		res.Transcripts = append(res.Transcripts, core.Transcript{
			ID: id, VideoID: videoID, StartTime: float64(i), EndTime: float64(i) + 0.5, Text: text,
			VectorID: vid(id), Confidence: testutil.Conf(0.8), SegmentIndex: i, Embedding: testutil.VectorFor(text),
		})
	}
	return res
}

func TestSQLiteVideoCRUD(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	testutil.NewPendingVideo(t, s, "v1", "alice", "first")
	time.Sleep(time.Millisecond)
	testutil.NewPendingVideo(t, s, "v2", "alice", "second")
	testutil.NewPendingVideo(t, s, "v3", "bob", "other")

	v, err := s.GetVideo(ctx, "v1")
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if v.Status != core.StatusPending || v.OwnerID != "alice" || v.Title != "first" {
		t.Errorf("video = %+v", v)
	}
	if _, err := s.GetVideo(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetVideo(missing) = %v", err)
	}

	videos, err := s.ListVideos(ctx, "alice", 0, 10)
	if err != nil {
		t.Fatalf("ListVideos: %v", err)
	}
	if len(videos) != 2 || videos[0].ID != "v2" {
		t.Errorf("ListVideos = %d videos, first %v", len(videos), videos)
	}
	if page, _ := s.ListVideos(ctx, "alice", 1, 10); len(page) != 1 || page[0].ID != "v1" {
		t.Errorf("second page = %v", page)
	}

	if err := s.DeleteVideo(ctx, "v1"); err != nil {
		t.Fatalf("DeleteVideo: %v", err)
	}
	if err := s.DeleteVideo(ctx, "v1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second DeleteVideo = %v", err)
	}
}

func TestSQLiteStatusTransitions(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.NewPendingVideo(t, s, "v1", "alice", "demo")

	if err := s.CommitIngestion(ctx, ingestionResult("v1", "a")); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("commit from pending = %v, want ErrInvalidTransition", err)
	}
	if err := s.MarkProcessing(ctx, "v1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := s.MarkProcessing(ctx, "v1"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("second MarkProcessing = %v", err)
	}
	if err := s.MarkFailed(ctx, "v1", "probe"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	v, _ := s.GetVideo(ctx, "v1")
	if v.Status != core.StatusFailed || v.FailureReason != "probe" {
		t.Errorf("video = %s/%q", v.Status, v.FailureReason)
	}
	if err := s.MarkFailed(ctx, "v1", "again"); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("MarkFailed on terminal = %v", err)
	}
	if err := s.MarkProcessing(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkProcessing(missing) = %v", err)
	}
}

func TestSQLiteCommitIngestion(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.NewPendingVideo(t, s, "v1", "alice", "demo")
	s.MarkProcessing(ctx, "v1")

	res := ingestionResult("v1", "hello", "world")
	res.Transcripts[1].VectorID = nil
	res.Transcripts[1].Confidence = nil
	if err := s.CommitIngestion(ctx, res); err != nil {
		t.Fatalf("CommitIngestion: %v", err)
	}

	v, _ := s.GetVideo(ctx, "v1")
	if v.Status != core.StatusCompleted {
		t.Errorf("status = %s", v.Status)
	}
	if v.Duration == nil || *v.Duration != 120.5 || v.Resolution != "1920x1080" {
		t.Errorf("probe fields not stored: %+v", v)
	}
	if v.Metadata["codec"] != "h264" || v.Metadata["audio_codec"] != "aac" {
		t.Errorf("metadata = %v", v.Metadata)
	}

	ts, _ := s.ListTranscripts(ctx, "v1", 0, 10)
	if len(ts) != 2 {
		t.Fatalf("transcripts = %d", len(ts))
	}
	if ts[0].VectorID == nil || *ts[0].VectorID != "v1-t0" || ts[1].VectorID != nil || ts[1].Confidence != nil {
		t.Errorf("transcripts = %+v", ts)
	}
	if segs, _ := s.ListSegments(ctx, "v1"); len(segs) != 2 {
		t.Errorf("segments = %d", len(segs))
	}

	ids, vecs, err := s.IndexedEmbeddings(ctx)
	if err != nil {
		t.Fatalf("IndexedEmbeddings: %v", err)
	}
	if len(ids) != 1 || ids[0] != "v1-t0" || len(vecs[0]) != testutil.Dim {
		t.Errorf("indexed embeddings = %v", ids)
	}
	want := testutil.VectorFor("hello")
	for i := range want {
		if vecs[0][i] != want[i] {
			t.Fatalf("embedding not round-tripped at %d", i)
		}
	}
}

func TestSQLiteCommitIsAtomic(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.NewPendingVideo(t, s, "v1", "alice", "demo")
	s.MarkProcessing(ctx, "v1")

	res := ingestionResult("v1", "a", "b")
	res.Transcripts[1].SegmentIndex = 0 // violates UNIQUE(video_id, segment_index)
	if err := s.CommitIngestion(ctx, res); err == nil {
		t.Fatal("commit with duplicate segment_index succeeded")
	}
	v, _ := s.GetVideo(ctx, "v1")
	if v.Status != core.StatusProcessing {
		t.Errorf("status = %s after failed commit, want processing", v.Status)
	}
	if ts, _ := s.ListTranscripts(ctx, "v1", 0, 10); len(ts) != 0 {
		t.Errorf("transcripts = %d after failed commit", len(ts))
	}
	if segs, _ := s.ListSegments(ctx, "v1"); len(segs) != 0 {
		t.Errorf("segments = %d after failed commit", len(segs))
	}
}

func TestSQLiteFindByVectorIDs(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	for _, v := range []struct{ id, owner string }{{"va", "alice"}, {"vb", "bob"}} {
		testutil.NewPendingVideo(t, s, v.id, v.owner, "demo")
		s.MarkProcessing(ctx, v.id)
		res := ingestionResult(v.id, "x", "y")
		res.Transcripts[1].Confidence = nil
		if err := s.CommitIngestion(ctx, res); err != nil {
			t.Fatal(err)
		}
	}

	all := []string{"va-t0", "va-t1", "vb-t0", "vb-t1", "orphan"}
	matches, err := s.FindByVectorIDs(ctx, "alice", all, 0.5)
	if err != nil {
		t.Fatalf("FindByVectorIDs: %v", err)
	}
	if len(matches) != 1 || matches[0].Transcript.ID != "va-t0" || matches[0].Video.ID != "va" {
		t.Errorf("matches = %+v", matches)
	}

	matches, _ = s.FindByVectorIDs(ctx, "alice", all, 0)
	if len(matches) != 2 {
		t.Errorf("with zero threshold got %d matches, want 2", len(matches))
	}
	matches, _ = s.FindByVectorIDs(ctx, "alice", all, 0.9)
	if len(matches) != 0 {
		t.Errorf("with 0.9 threshold got %d matches", len(matches))
	}
	if matches, err := s.FindByVectorIDs(ctx, "alice", nil, 0); err != nil || len(matches) != 0 {
		t.Errorf("empty ids = %v, %v", matches, err)
	}
}

func TestSQLiteDeleteCascades(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.NewPendingVideo(t, s, "v1", "alice", "demo")
	s.MarkProcessing(ctx, "v1")
	if err := s.CommitIngestion(ctx, ingestionResult("v1", "a", "b")); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteVideo(ctx, "v1"); err != nil {
		t.Fatal(err)
	}
	if ts, _ := s.ListTranscripts(ctx, "v1", 0, 10); len(ts) != 0 {
		t.Errorf("transcripts survived delete: %d", len(ts))
	}
	if segs, _ := s.ListSegments(ctx, "v1"); len(segs) != 0 {
		t.Errorf("segments survived delete: %d", len(segs))
	}
	if matches, _ := s.FindByVectorIDs(ctx, "alice", []string{"v1-t0"}, 0); len(matches) != 0 {
		t.Errorf("deleted transcript still searchable")
	}
}

func TestSQLiteFileDatabaseReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "videos.db")
	s, err := storage.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	testutil.NewPendingVideo(t, s, "v1", "alice", "demo")
	s.Close()

	s, err = storage.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.GetVideo(context.Background(), "v1"); err != nil {
		t.Errorf("GetVideo after reopen: %v", err)
	}
	if v, dirty, err := storage.SchemaVersion("sqlite", s.DB()); err != nil || dirty || v != 1 {
		t.Errorf("schema version = %d dirty=%v err=%v", v, dirty, err)
	}
}
