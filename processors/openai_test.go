package processors

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"videoSearch/config"
	"videoSearch/core"
)

func embeddingServer(t *testing.T, vec []float32, wantDim, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("authorization = %q", got)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["dimensions"] != float64(wantDim) {
			t.Errorf("dimensions = %v", req["dimensions"])
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": "boom", "type": "server_error"}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data":   []map[string]any{{"object": "embedding", "index": 0, "embedding": vec}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedderNormalizes(t *testing.T) {
	srv := embeddingServer(t, []float32{3, 0, 4, 0}, 4, http.StatusOK)
	e := NewOpenAIEmbedder(config.EmbeddingConfig{
		APIKey: "test-key", BaseURL: srv.URL + "/v1/", Model: "text-embedding-3-small", Dimension: 4,
	}, srv.Client())

	vec, err := e.Embed(t.Context(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.6, 0, 0.8, 0}
	for i := range want {
		if math.Abs(float64(vec[i]-want[i])) > 1e-6 {
			t.Fatalf("vec = %v, want %v", vec, want)
		}
	}
}

func TestOpenAIEmbedderErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		srv := embeddingServer(t, []float32{1, 0}, 2, http.StatusInternalServerError)
		e := NewOpenAIEmbedder(config.EmbeddingConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "text-embedding-3-small", Dimension: 2}, srv.Client())
		_, err := e.Embed(t.Context(), "hello")
		var ee *core.EmbeddingError
		if !errors.As(err, &ee) {
			t.Fatalf("err = %v, want EmbeddingError", err)
		}
	})
	t.Run("wrong dimension", func(t *testing.T) {
		srv := embeddingServer(t, []float32{1, 0, 0}, 4, http.StatusOK)
		e := NewOpenAIEmbedder(config.EmbeddingConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "text-embedding-3-small", Dimension: 4}, srv.Client())
		if _, err := e.Embed(t.Context(), "hello"); err == nil {
			t.Fatal("dimension mismatch accepted")
		}
	})
	t.Run("empty text", func(t *testing.T) {
		e := NewOpenAIEmbedder(config.EmbeddingConfig{Dimension: 2}, nil)
		if _, err := e.Embed(t.Context(), "  "); err == nil {
			t.Fatal("empty text accepted")
		}
	})
}

func TestOpenAIWhisperASR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
		  "task": "transcribe", "language": "zh", "duration": 4.0, "text": "你好 世界",
		  "segments": [
		    {"id": 0, "start": 0.0, "end": 2.0, "text": " 你好", "avg_logprob": -0.1},
		    {"id": 1, "start": 2.0, "end": 3.0, "text": " ", "avg_logprob": -0.3},
		    {"id": 2, "start": 3.0, "end": 4.0, "text": "世界", "avg_logprob": -0.2}
		  ],
		  "words": [
		    {"word": "你", "start": 0.0, "end": 1.0},
		    {"word": "好", "start": 1.0, "end": 2.0},
		    {"word": "世界", "start": 3.0, "end": 4.0}
		  ]
		}`))
	}))
	defer srv.Close()

	audio := filepath.Join(t.TempDir(), "audio.wav")
	if err := os.WriteFile(audio, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	asr := NewOpenAIWhisperASR(config.ASRConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Language: "zh"}, srv.Client())
	us, err := asr.Transcribe(t.Context(), audio)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(us) != 2 {
		t.Fatalf("utterances = %d, want 2", len(us))
	}
	if us[0].Text != "你好" || len(us[0].Words) != 2 {
		t.Errorf("first = %+v", us[0])
	}
	if us[1].Text != "世界" || len(us[1].Words) != 1 {
		t.Errorf("second = %+v", us[1])
	}
	if us[1].Confidence == nil || math.Abs(*us[1].Confidence-math.Exp(-0.2)) > 1e-9 {
		t.Errorf("confidence = %v", us[1].Confidence)
	}
}
