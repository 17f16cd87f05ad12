// Package testutil holds in-process fakes for the media, speech and embedding
// stages so the ingestion and retrieval paths can be exercised without ffmpeg,
// whisper or a network.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"videoSearch/core"
	"videoSearch/storage"
)

// Dim is the vector dimension used by the fakes.
const Dim = 32

// QuietLogger discards everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewTestStore opens a fresh in-memory SQLite store closed at test end.
func NewTestStore(t testing.TB) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// NewTestIndex returns an initialized flat index of dimension Dim.
func NewTestIndex(t testing.TB) *storage.VectorIndex {
	t.Helper()
	idx := storage.NewVectorIndex(storage.IndexOptions{Dimension: Dim, Backend: "flat"}, nil, QuietLogger())
	if err := idx.Init(context.Background()); err != nil {
		t.Fatalf("init test index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

// NewPendingVideo inserts a PENDING video owned by owner and returns it.
func NewPendingVideo(t testing.TB, s storage.Store, id, owner, title string) *core.Video {
	t.Helper()
	v := &core.Video{ID: id, OwnerID: owner, Title: title, FilePath: "/videos/" + id + ".mp4"}
	if err := s.CreateVideo(context.Background(), v); err != nil {
		t.Fatalf("create video %s: %v", id, err)
	}
	return v
}

// ========== 向量化 ==========

// FakeEmbedder maps a text to a deterministic unit vector seeded by its hash,
// so equal texts embed identically and a query equal to an utterance scores ~1.
type FakeEmbedder struct {
	mu    sync.Mutex
	Fail  map[string]error
	calls int
}

// NewFakeEmbedder 创建确定性向量化器
func NewFakeEmbedder() *FakeEmbedder {
	return &FakeEmbedder{Fail: map[string]error{}}
}

// FailOn makes Embed return an error for text.
func (e *FakeEmbedder) FailOn(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Fail[text] = &core.EmbeddingError{Err: fmt.Errorf("forced failure for %q", text)}
}

// Calls counts Embed invocations so far.
func (e *FakeEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *FakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, &core.EmbeddingError{Err: err}
	}
	e.mu.Lock()
	e.calls++
	err := e.Fail[text]
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &core.EmbeddingError{Err: errors.New("empty text")}
	}
	return VectorFor(text), nil
}

// VectorFor is the vector FakeEmbedder produces for text.
func VectorFor(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	vec := make([]float32, Dim)
	var sum float64
	for i := range vec {
		v := r.NormFloat64()
		vec[i] = float32(v)
		sum += v * v
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// ========== 媒体与语音识别 ==========

// FakeProber returns Info, or Err when set.
type FakeProber struct {
	Info core.ProbeInfo
	Err  error
}

func (p *FakeProber) Probe(ctx context.Context, path string) (core.ProbeInfo, error) {
	if p.Err != nil {
		return core.ProbeInfo{}, &core.ProbeError{Path: path, Err: p.Err}
	}
	return p.Info, nil
}

// DefaultProbe is a plausible 1080p h264 file.
func DefaultProbe() core.ProbeInfo {
	return core.ProbeInfo{
		Duration:   120.5,
		FileSize:   10 << 20,
		Format:     "mov,mp4,m4a,3gp,3g2,mj2",
		Width:      1920,
		Height:     1080,
		VideoCodec: "h264",
		AudioCodec: "aac",
		HasAudio:   true,
	}
}

// FakeExtractor writes a placeholder audio file.
type FakeExtractor struct {
	Err error
}

func (x *FakeExtractor) ExtractAudio(ctx context.Context, videoPath, outPath string) error {
	if x.Err != nil {
		return &core.ExtractionError{Path: videoPath, Err: x.Err}
	}
	return os.WriteFile(outPath, []byte("RIFF"), 0o644)
}

// FakeTranscriber returns a fixed utterance list. Block, when set, is waited on
// before returning so tests can hold a run inside the transcription stage;
// Started is closed once the run gets there.
type FakeTranscriber struct {
	Utterances []core.Utterance
	Err        error
	Block      <-chan struct{}
	Started    chan struct{}
}

func (f *FakeTranscriber) Transcribe(ctx context.Context, audioPath string) ([]core.Utterance, error) {
	if f.Started != nil {
		close(f.Started)
	}
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, &core.TranscriptionError{Path: audioPath, Err: ctx.Err()}
		}
	}
	if f.Err != nil {
		return nil, &core.TranscriptionError{Path: audioPath, Err: f.Err}
	}
	if len(f.Utterances) == 0 {
		return nil, &core.TranscriptionError{Path: audioPath, Err: core.ErrEmptyTranscription}
	}
	out := make([]core.Utterance, len(f.Utterances))
	copy(out, f.Utterances)
	return out, nil
}

// FakeCutter writes an empty file per segment. FailIndex lists the cut calls
// (0-based, in call order) that should fail.
type FakeCutter struct {
	mu        sync.Mutex
	FailIndex map[int]bool
	calls     int
	Paths     []string
}

func (c *FakeCutter) Cut(ctx context.Context, videoPath string, start, end float64, outPath string) error {
	c.mu.Lock()
	n := c.calls
	c.calls++
	fail := c.FailIndex[n]
	c.mu.Unlock()
	if fail || end <= start {
		return &core.CutError{Start: start, End: end, Err: errors.New("forced cut failure")}
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return &core.CutError{Start: start, End: end, Err: err}
	}
	if err := os.WriteFile(outPath, nil, 0o644); err != nil {
		return &core.CutError{Start: start, End: end, Err: err}
	}
	c.mu.Lock()
	c.Paths = append(c.Paths, outPath)
	c.mu.Unlock()
	return nil
}

// Conf returns a pointer to c.
func Conf(c float64) *float64 { return &c }

// Utterances builds utterances two seconds apart, one per text, all with confidence conf.
func Utterances(conf float64, texts ...string) []core.Utterance {
	out := make([]core.Utterance, len(texts))
	for i, text := range texts {
		out[i] = core.Utterance{
			Start:      float64(i) * 2,
			End:        float64(i)*2 + 1.5,
			Text:       text,
			Confidence: Conf(conf),
		}
	}
	return out
}
